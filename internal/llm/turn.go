package llm

import (
	"context"
	"io"
	"log"
	"strings"
	"time"
)

const (
	// statusInterval is the minimum gap between live status pushes.
	statusInterval = 800 * time.Millisecond
	// statusChunkLen bounds each status chunk.
	statusChunkLen = 50
	// maxTurnText is the hard ceiling on accumulated answer text.
	maxTurnText = 50_000
	// repetitionWindow/repetitionRatio detect runaway looping generation:
	// one character dominating the trailing window.
	repetitionWindow = 200
	repetitionRatio  = 0.85

	// maxOtherEvents bounds the unexpected-event frequency table.
	maxOtherEvents = 20

	containerListTimeout = 30 * time.Second
)

// TurnStatus is a turn's completion state.
type TurnStatus string

const (
	TurnCompleted  TurnStatus = "completed"
	TurnIncomplete TurnStatus = "incomplete"
)

// TurnResult is the outcome of one streaming turn.
type TurnResult struct {
	ResponseID       string
	Text             string
	ToolCalls        []ToolCall
	Files            []FileRef
	Status           TurnStatus
	IncompleteReason string
	ContainerID      string
	Usage            *Usage
	OtherEvents      map[string]int
}

// DeliveryController performs incremental delivery of answer text started
// by Hooks.StartDelivery.
type DeliveryController interface {
	Append(text string)
	Stop()
}

// Hooks are the turn engine's caller-supplied side channels. Either may be
// nil.
type Hooks struct {
	// OnStatus receives batched, sanitized reasoning chunks for live
	// status display. Chunks are ordered oldest to newest.
	OnStatus func(chunks []string)
	// StartDelivery is invoked on the first output-text delta, when the
	// turn transitions from thinking to writing.
	StartDelivery func() DeliveryController
}

// API is the slice of the Responses client the engine needs.
type API interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	ListContainerFiles(ctx context.Context, containerID string) ([]ContainerFile, error)
}

// TurnEngine folds one response event stream into a TurnResult.
type TurnEngine struct {
	api API
	now func() time.Time
}

// NewTurnEngine creates an engine over the given client.
func NewTurnEngine(api API) *TurnEngine {
	return &TurnEngine{api: api, now: time.Now}
}

// Run executes one streaming turn. Safety cutoffs end the turn early with
// an incomplete reason instead of an error; only transport and stream-level
// failures return one.
func (e *TurnEngine) Run(ctx context.Context, req Request, hooks Hooks) (*TurnResult, error) {
	start := e.now()

	stream, err := e.api.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	result := &TurnResult{Status: TurnIncomplete}
	tools := newToolCallState()
	cleaner := &textCleaner{}

	var (
		text          strings.Builder
		controller    DeliveryController
		reasoningBuf  strings.Builder
		lastStatus    time.Time
		fileCandidate = map[string]FileRef{}
		confirmed     []FileRef
	)

	defer func() {
		if controller != nil {
			controller.Stop()
		}
	}()

consume:
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case EventReasoningDelta:
			reasoningBuf.WriteString(ev.Text)
			if hooks.OnStatus != nil && e.now().Sub(lastStatus) >= statusInterval {
				if chunks := statusChunks(reasoningBuf.String()); len(chunks) > 0 {
					hooks.OnStatus(chunks)
					reasoningBuf.Reset()
					lastStatus = e.now()
				}
			}

		case EventTextDelta:
			cleaned := cleaner.clean(ev.Text)
			if cleaned != "" {
				if controller == nil && hooks.StartDelivery != nil {
					controller = hooks.StartDelivery()
				}
				text.WriteString(cleaned)
				if controller != nil {
					controller.Append(cleaned)
				}
			}
			if reason := textCutoff(text.String()); reason != "" {
				result.IncompleteReason = reason
				break consume
			}

		case EventToolCallAdded:
			tools.start(ev.OutputIndex, ev.CallID, ev.Name)

		case EventToolCallArgDelta:
			tools.appendArgs(ev.OutputIndex, ev.Text)

		case EventToolCallDone:
			tools.finish(ev.OutputIndex, ev.CallID, ev.Name, ev.Arguments)

		case EventFileAdded:
			// Metadata may be incomplete until done or an annotation.
			if ev.File != nil && ev.File.FileID != "" {
				fileCandidate[ev.File.FileID] = *ev.File
			}

		case EventFileDone, EventAnnotation:
			if ev.File != nil && ev.File.FileID != "" {
				confirmed = append(confirmed, *ev.File)
				delete(fileCandidate, ev.File.FileID)
			}

		case EventCodeInterpreter:
			result.ContainerID = ev.ContainerID

		case EventCompleted:
			result.Status = TurnCompleted
			result.ResponseID = ev.ResponseID
			result.Usage = ev.Usage

		case EventIncomplete:
			result.ResponseID = ev.ResponseID
			result.IncompleteReason = ev.Reason

		case EventError:
			// The transport decides whether the stream ends; just record it.
			log.Printf("[turn] stream error event: %v", ev.Err)

		case EventOther:
			if result.OtherEvents == nil {
				result.OtherEvents = make(map[string]int)
			}
			if _, known := result.OtherEvents[ev.Name]; known || len(result.OtherEvents) < maxOtherEvents {
				result.OtherEvents[ev.Name]++
			}
		}
	}

	// Flush any reasoning accumulated since the last push.
	if hooks.OnStatus != nil && reasoningBuf.Len() > 0 && controller == nil {
		if chunks := statusChunks(reasoningBuf.String()); len(chunks) > 0 {
			hooks.OnStatus(chunks)
		}
	}

	result.Text = text.String()
	result.ToolCalls = tools.calls()

	// Files that only ever got an "added" event still count; they carry
	// whatever metadata that event had.
	for _, f := range fileCandidate {
		confirmed = append(confirmed, f)
	}
	result.Files = dedupeFiles(confirmed)

	if len(result.Files) == 0 && result.ContainerID != "" {
		result.Files = e.containerFallback(ctx, result.ContainerID, start)
	}
	return result, nil
}

// containerFallback lists the container's files once, keeping assistant
// files written during this turn. Catches files the code tool wrote but
// never surfaced as stream events.
func (e *TurnEngine) containerFallback(ctx context.Context, containerID string, start time.Time) []FileRef {
	listCtx, cancel := context.WithTimeout(ctx, containerListTimeout)
	defer cancel()

	files, err := e.api.ListContainerFiles(listCtx, containerID)
	if err != nil {
		log.Printf("[turn] list container files %s: %v", containerID, err)
		return nil
	}

	var refs []FileRef
	for _, f := range files {
		if f.Source != "assistant" || f.CreatedAt < start.Unix() {
			continue
		}
		refs = append(refs, FileRef{
			FileID:      f.ID,
			ContainerID: containerID,
			Filename:    f.Filename(),
		})
	}
	return refs
}

// textCutoff reports the safety-stop reason for the accumulated text, or
// empty when generation may continue.
func textCutoff(text string) string {
	if len(text) > maxTurnText {
		return "output_too_long"
	}
	if len(text) >= repetitionWindow {
		window := text[len(text)-repetitionWindow:]
		counts := make(map[rune]int)
		max := 0
		for _, r := range window {
			counts[r]++
			if counts[r] > max {
				max = counts[r]
			}
		}
		if float64(max) > repetitionRatio*float64(len(window)) {
			return "repetitive_output"
		}
	}
	return ""
}

// statusChunks sanitizes reasoning text for status display and splits it
// into short chunks, oldest first.
func statusChunks(s string) []string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '*', '_', '`', '#':
			return -1
		case '\n':
			return ' '
		}
		return r
	}, s)
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return nil
	}

	var chunks []string
	runes := []rune(sanitized)
	for len(runes) > 0 {
		n := len(runes)
		if n > statusChunkLen {
			n = statusChunkLen
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// textCleaner strips two known stray-token patterns from output text: the
// private-use-area citation markers and 【...】 citation spans. It carries
// bracket state across delta boundaries and never touches whitespace.
type textCleaner struct {
	inBracket bool
}

func (c *textCleaner) clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if c.inBracket {
			if r == '】' {
				c.inBracket = false
			}
			continue
		}
		switch {
		case r == '【':
			c.inBracket = true
		case r >= 0xE000 && r <= 0xF8FF:
			// private use area
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// toolCallState accumulates streaming tool calls keyed by output index,
// which is stable across added/delta/done events.
type toolCallState struct {
	byIndex map[int]*toolCallAccum
	order   []int
}

type toolCallAccum struct {
	callID   string
	name     string
	args     strings.Builder
	finished bool
}

func newToolCallState() *toolCallState {
	return &toolCallState{byIndex: make(map[int]*toolCallAccum)}
}

func (s *toolCallState) start(index int, callID, name string) {
	if _, ok := s.byIndex[index]; ok {
		return
	}
	s.byIndex[index] = &toolCallAccum{callID: callID, name: name}
	s.order = append(s.order, index)
}

func (s *toolCallState) appendArgs(index int, delta string) {
	if accum, ok := s.byIndex[index]; ok && !accum.finished {
		accum.args.WriteString(delta)
	}
}

// finish tolerates a done event for a call never announced, and a done
// event without final arguments (the streamed deltas are kept).
func (s *toolCallState) finish(index int, callID, name, finalArgs string) {
	accum, ok := s.byIndex[index]
	if !ok {
		s.byIndex[index] = &toolCallAccum{callID: callID, name: name}
		s.order = append(s.order, index)
		accum = s.byIndex[index]
	}
	if finalArgs != "" {
		accum.args.Reset()
		accum.args.WriteString(finalArgs)
	}
	if callID != "" {
		accum.callID = callID
	}
	if name != "" && accum.name == "" {
		accum.name = name
	}
	accum.finished = true
}

func (s *toolCallState) calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(s.order))
	for _, index := range s.order {
		accum := s.byIndex[index]
		args := accum.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{CallID: accum.callID, Name: accum.name, Arguments: args})
	}
	return out
}

// dedupeFiles keeps the first occurrence per file id.
func dedupeFiles(files []FileRef) []FileRef {
	if len(files) < 2 {
		return files
	}
	seen := make(map[string]bool, len(files))
	out := files[:0]
	for _, f := range files {
		if seen[f.FileID] {
			continue
		}
		seen[f.FileID] = true
		out = append(out, f)
	}
	return out
}
