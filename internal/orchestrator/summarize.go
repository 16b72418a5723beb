package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/MetricsHub/m8b-slack/internal/llm"
)

const (
	// keepRecentItems is how many trailing conversational items survive
	// summarization verbatim.
	keepRecentItems = 4
	// summaryMaxTokens bounds the summarization call's output, roughly a
	// 500-word budget.
	summaryMaxTokens = 800

	summaryInstruction = "Summarize the following conversation transcript in at most 500 words. Keep concrete facts: host names, metric values, tool findings, decisions and open questions. Plain prose, no preamble."
)

// summarize compacts the input list: leading system items stay as fixed
// preamble, the last keepRecentItems conversational items stay verbatim,
// everything between is replaced by one summary item produced on the
// summary model. A failed summarization falls back to dropping the older
// items rather than failing the turn.
func (o *Orchestrator) summarize(ctx context.Context, input []llm.InputItem) []llm.InputItem {
	preamble, rest := splitPreamble(input)
	if len(rest) <= keepRecentItems {
		return input
	}
	older := rest[:len(rest)-keepRecentItems]
	recent := rest[len(rest)-keepRecentItems:]

	transcript := renderTranscript(older)
	if transcript == "" {
		return append(append([]llm.InputItem{}, preamble...), recent...)
	}

	model := o.opts.SummaryModel
	if model == "" {
		model = o.opts.Model
	}
	resp, err := o.api.Create(ctx, llm.Request{
		Model:           model,
		Input:           []llm.InputItem{llm.SystemItem(summaryInstruction), llm.UserItem(transcript)},
		ToolChoice:      "none",
		MaxOutputTokens: summaryMaxTokens,
	})
	if err != nil {
		log.Printf("[orchestrator] summarize: %v, dropping older items", err)
		return append(append([]llm.InputItem{}, preamble...), recent...)
	}
	summary := resp.OutputText()
	if summary == "" {
		return append(append([]llm.InputItem{}, preamble...), recent...)
	}

	out := append([]llm.InputItem{}, preamble...)
	out = append(out, llm.SystemItem("Summary of earlier conversation: "+summary))
	return append(out, recent...)
}

// splitPreamble separates leading system/developer items from the rest.
func splitPreamble(input []llm.InputItem) (preamble, rest []llm.InputItem) {
	i := 0
	for ; i < len(input); i++ {
		if input[i].Type != "message" || (input[i].Role != "system" && input[i].Role != "developer") {
			break
		}
	}
	return input[:i], input[i:]
}

// renderTranscript flattens items to role-tagged text. Attachments become
// a placeholder label, never their content.
func renderTranscript(items []llm.InputItem) string {
	var b strings.Builder
	for _, item := range items {
		switch item.Type {
		case "message":
			b.WriteString(item.Role)
			b.WriteString(": ")
			b.WriteString(contentText(item.Content))
			b.WriteString("\n")
		case "function_call":
			fmt.Fprintf(&b, "assistant called %s(%s)\n", item.Name, truncateForTranscript(item.Arguments))
		case "function_call_output":
			fmt.Fprintf(&b, "tool result: %s\n", truncateForTranscript(item.Output))
		}
	}
	return strings.TrimSpace(b.String())
}

func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []llm.ContentPart:
		var parts []string
		for _, part := range v {
			if part.Type == "input_text" {
				parts = append(parts, part.Text)
			} else {
				parts = append(parts, "[attachment]")
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

const transcriptItemLimit = 2000

func truncateForTranscript(s string) string {
	if len(s) <= transcriptItemLimit {
		return s
	}
	return s[:transcriptItemLimit] + "…"
}
