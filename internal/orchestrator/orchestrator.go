// Package orchestrator drives the agentic loop for one incoming chat
// message: streaming turns against the model, tool execution through the
// registry, overflow recovery and end-of-message finalization.
package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/MetricsHub/m8b-slack/internal/llm"
)

const (
	// preflightThreshold is the estimated token count above which the
	// input is summarized before the first turn.
	preflightThreshold = 140_000
	// charsPerToken is the text sizing heuristic.
	charsPerToken = 4
	// attachmentTokens is the fixed cost assumed per image/file part.
	attachmentTokens = 1000

	// maxTurns caps the agentic loop as a last-resort guard.
	maxTurns = 40

	defaultPollInterval = 2 * time.Second
	defaultPollAttempts = 5

	continuationInstruction = "You ran out of room. Continue your previous answer and finish it now. Do not call any tools."
	doneAffordance          = "I'm done for now. Ask me to continue if you want more."
)

// Attachment is one inbound file from the chat platform.
type Attachment struct {
	Filename string
	MimeType string
	Data     []byte
}

// IncomingMessage is one message to handle. History carries the prior
// thread rendered to input items by the platform layer; PriorResponseID is
// the resume hint recovered from message metadata, if any.
type IncomingMessage struct {
	Text            string
	Attachments     []Attachment
	History         []llm.InputItem
	PriorResponseID string
}

// Delivery is the outbound capability surface the orchestrator drives.
type Delivery interface {
	SendText(ctx context.Context, text string) error
	StartIncremental(ctx context.Context) llm.DeliveryController
	SetStatus(ctx context.Context, chunks []string)
	DeliverFile(ctx context.Context, filename string, data []byte) error
	SaveContextMarker(ctx context.Context, responseID string, fileIDs []string)
}

// turnRunner is the streaming turn engine surface.
type turnRunner interface {
	Run(ctx context.Context, req llm.Request, hooks llm.Hooks) (*llm.TurnResult, error)
}

// responses is the non-streaming recovery surface of the LLM client.
type responses interface {
	Create(ctx context.Context, req llm.Request) (*llm.Response, error)
	Retrieve(ctx context.Context, id string) (*llm.Response, error)
	DownloadFile(ctx context.Context, ref llm.FileRef) ([]byte, error)
}

// Options configure the orchestrator's model usage.
type Options struct {
	Model           string
	SummaryModel    string
	ReasoningEffort string
	MaxOutputTokens int
	Instructions    string
}

// Orchestrator handles incoming messages end to end.
type Orchestrator struct {
	turns turnRunner
	api   responses
	tools ToolService
	opts  Options

	pollInterval time.Duration
	pollAttempts int
}

// New creates an orchestrator. turns is normally *llm.TurnEngine and api
// *llm.Client.
func New(turns turnRunner, api responses, tools ToolService, opts Options) *Orchestrator {
	return &Orchestrator{
		turns:        turns,
		api:          api,
		tools:        tools,
		opts:         opts,
		pollInterval: defaultPollInterval,
		pollAttempts: defaultPollAttempts,
	}
}

// HandleMessage runs the agentic loop for one incoming message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg IncomingMessage, delivery Delivery) error {
	input := o.buildInput(msg)

	if estimateTokens(input) > preflightThreshold {
		input = o.summarize(ctx, input)
	}

	catalog := o.tools.Catalog()
	responseID := msg.PriorResponseID

	var (
		streamedText   bool
		summarized     bool
		forcedRetry    bool
		forcedOnce     bool
		sawIncomplete  bool
		deliveredFiles []string
	)

	hooks := llm.Hooks{
		OnStatus: func(chunks []string) { delivery.SetStatus(ctx, chunks) },
		StartDelivery: func() llm.DeliveryController {
			streamedText = true
			return delivery.StartIncremental(ctx)
		},
	}

	for turn := 0; len(input) > 0 && turn < maxTurns; turn++ {
		req := llm.Request{
			Model:              o.opts.Model,
			Input:              input,
			Tools:              catalog,
			MaxOutputTokens:    o.opts.MaxOutputTokens,
			PreviousResponseID: responseID,
		}
		if o.opts.ReasoningEffort != "" {
			req.Reasoning = &llm.Reasoning{Effort: o.opts.ReasoningEffort, Summary: "auto"}
		}
		if forcedRetry {
			req.Tools = nil
			req.ToolChoice = "none"
		}

		result, err := o.turns.Run(ctx, req, hooks)
		if err != nil {
			if isOverflowError(err) && !summarized {
				summarized = true
				input = o.summarize(ctx, input)
				turn--
				continue
			}
			if responseID != "" {
				return o.recoverTerminal(ctx, responseID, streamedText, delivery)
			}
			return err
		}
		forcedRetry = false

		if result.ResponseID != "" {
			responseID = result.ResponseID
		}
		if result.Status == llm.TurnIncomplete {
			sawIncomplete = true
		}
		deliveredFiles = append(deliveredFiles, o.deliverFiles(ctx, result.Files, delivery)...)

		// The model spent its whole budget on reasoning: force one
		// tool-free continuation instead of stalling silently.
		if result.Status == llm.TurnIncomplete && result.Text == "" && len(result.ToolCalls) == 0 {
			if forcedOnce {
				break
			}
			forcedRetry, forcedOnce = true, true
			input = []llm.InputItem{llm.SystemItem(continuationInstruction)}
			continue
		}

		if len(result.ToolCalls) == 0 {
			break
		}

		outputs := make([]llm.InputItem, 0, len(result.ToolCalls))
		for _, call := range result.ToolCalls {
			output := o.tools.Execute(ctx, call)
			outputs = append(outputs, llm.FunctionCallOutputItem(call.CallID, output))
		}
		input = outputs
	}

	o.finalize(ctx, responseID, streamedText, sawIncomplete, deliveredFiles, delivery)
	return nil
}

// buildInput assembles the first turn's input list.
func (o *Orchestrator) buildInput(msg IncomingMessage) []llm.InputItem {
	var input []llm.InputItem
	if o.opts.Instructions != "" {
		input = append(input, llm.SystemItem(o.opts.Instructions))
	}
	input = append(input, msg.History...)

	if len(msg.Attachments) == 0 {
		return append(input, llm.UserItem(msg.Text))
	}

	parts := []llm.ContentPart{{Type: "input_text", Text: msg.Text}}
	for _, att := range msg.Attachments {
		if strings.HasPrefix(att.MimeType, "image/") {
			parts = append(parts, llm.ContentPart{
				Type:     "input_image",
				ImageURL: fmt.Sprintf("data:%s;base64,%s", att.MimeType, base64Encode(att.Data)),
			})
		} else {
			parts = append(parts, llm.ContentPart{
				Type: "input_text",
				Text: fmt.Sprintf("[attached file: %s]", att.Filename),
			})
		}
	}
	return append(input, llm.InputItem{Type: "message", Role: "user", Content: parts})
}

// deliverFiles downloads generated files and hands them to the platform.
// Failures are logged; a broken file never fails the message.
func (o *Orchestrator) deliverFiles(ctx context.Context, files []llm.FileRef, delivery Delivery) []string {
	var delivered []string
	for _, ref := range files {
		data, err := o.api.DownloadFile(ctx, ref)
		if err != nil {
			log.Printf("[orchestrator] download %s: %v", ref.FileID, err)
			continue
		}
		name := ref.Filename
		if name == "" {
			name = ref.FileID
		}
		if err := delivery.DeliverFile(ctx, name, data); err != nil {
			log.Printf("[orchestrator] deliver %s: %v", name, err)
			continue
		}
		delivered = append(delivered, ref.FileID)
	}
	return delivered
}

// finalize recovers undelivered terminal text, merges citations and saves
// the continuation marker.
func (o *Orchestrator) finalize(ctx context.Context, responseID string, streamedText, sawIncomplete bool, deliveredFiles []string, delivery Delivery) {
	if responseID == "" {
		if !streamedText {
			if err := delivery.SendText(ctx, doneAffordance); err != nil {
				log.Printf("[orchestrator] send affordance: %v", err)
			}
		}
		return
	}

	if !streamedText {
		if err := o.recoverTerminal(ctx, responseID, streamedText, delivery); err != nil {
			log.Printf("[orchestrator] recover %s: %v", responseID, err)
		}
	} else if sawIncomplete {
		o.continueOnce(ctx, responseID, delivery)
	}

	deliveredFiles = append(deliveredFiles, o.deliverCitations(ctx, responseID, deliveredFiles, delivery)...)
	delivery.SaveContextMarker(ctx, responseID, deliveredFiles)
}

// recoverTerminal polls a response id for a terminal state and delivers
// whatever text is recoverable, falling back to the ask-again affordance.
func (o *Orchestrator) recoverTerminal(ctx context.Context, responseID string, streamedText bool, delivery Delivery) error {
	var resp *llm.Response
	for attempt := 0; attempt < o.pollAttempts; attempt++ {
		r, err := o.api.Retrieve(ctx, responseID)
		if err != nil {
			log.Printf("[orchestrator] retrieve %s: %v", responseID, err)
			break
		}
		if r.Status != "in_progress" && r.Status != "queued" {
			resp = r
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.pollInterval):
		}
	}

	if resp != nil {
		if text := resp.OutputText(); text != "" && !streamedText {
			return delivery.SendText(ctx, text)
		}
		if resp.Status == "incomplete" {
			if o.continueOnce(ctx, responseID, delivery) {
				return nil
			}
		}
		if streamedText {
			return nil
		}
	}
	return delivery.SendText(ctx, doneAffordance)
}

// continueOnce issues one bounded tool-free continuation call and delivers
// its text if any. Reports whether anything was delivered.
func (o *Orchestrator) continueOnce(ctx context.Context, responseID string, delivery Delivery) bool {
	resp, err := o.api.Create(ctx, llm.Request{
		Model:              o.opts.Model,
		Input:              []llm.InputItem{llm.SystemItem(continuationInstruction)},
		ToolChoice:         "none",
		MaxOutputTokens:    o.opts.MaxOutputTokens,
		PreviousResponseID: responseID,
	})
	if err != nil {
		log.Printf("[orchestrator] continuation after %s: %v", responseID, err)
		return false
	}
	text := resp.OutputText()
	if text == "" {
		return false
	}
	if err := delivery.SendText(ctx, text); err != nil {
		log.Printf("[orchestrator] deliver continuation: %v", err)
		return false
	}
	return true
}

// deliverCitations fetches the final response's file citations and delivers
// any not already handled mid-stream.
func (o *Orchestrator) deliverCitations(ctx context.Context, responseID string, alreadyDelivered []string, delivery Delivery) []string {
	resp, err := o.api.Retrieve(ctx, responseID)
	if err != nil {
		log.Printf("[orchestrator] citations for %s: %v", responseID, err)
		return nil
	}

	seen := make(map[string]bool, len(alreadyDelivered))
	for _, id := range alreadyDelivered {
		seen[id] = true
	}
	var fresh []llm.FileRef
	for _, ref := range resp.Citations() {
		if seen[ref.FileID] {
			continue
		}
		seen[ref.FileID] = true
		fresh = append(fresh, ref)
	}
	return o.deliverFiles(ctx, fresh, delivery)
}

// estimateTokens sizes an input list: ~4 chars per token for text, a fixed
// cost per image/file part.
func estimateTokens(input []llm.InputItem) int {
	total := 0
	for _, item := range input {
		switch content := item.Content.(type) {
		case string:
			total += len(content) / charsPerToken
		case []llm.ContentPart:
			for _, part := range content {
				if part.Type == "input_text" {
					total += len(part.Text) / charsPerToken
				} else {
					total += attachmentTokens
				}
			}
		}
		total += len(item.Output) / charsPerToken
		total += len(item.Arguments) / charsPerToken
	}
	return total
}

// overflowSignatures are the known shapes of context-length errors.
var overflowSignatures = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"too many tokens",
	"above the maximum",
	"string too long",
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func isOverflowError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range overflowSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
