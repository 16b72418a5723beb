package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MetricsHub/m8b-slack/internal/llm"
)

func summarizeFixture() []llm.InputItem {
	return []llm.InputItem{
		llm.SystemItem("You are a monitoring assistant."),
		llm.UserItem("what is wrong with db-01"),
		llm.FunctionCallItem(llm.ToolCall{CallID: "call_1", Name: "CheckProtocol", Arguments: `{"hosts":["db-01"]}`}),
		llm.FunctionCallOutputItem("call_1", `{"ok":true,"snmp":"down"}`),
		llm.AssistantItem("SNMP is down on db-01."),
		llm.UserItem("and db-02?"),
		llm.AssistantItem("db-02 looks healthy."),
		llm.UserItem("summarize both"),
	}
}

func TestSummarizeSplicesSummary(t *testing.T) {
	api := &fakeResponses{createOut: completedResponse("db-01 has SNMP down.")}
	o := newTestOrchestrator(&fakeTurns{}, api, &fakeToolService{})

	out := o.summarize(context.Background(), summarizeFixture())

	// Preamble, summary item, then the last four items verbatim.
	if len(out) != 1+1+keepRecentItems {
		t.Fatalf("got %d items: %+v", len(out), out)
	}
	if out[0].Role != "system" {
		t.Errorf("preamble not preserved: %+v", out[0])
	}
	summary, _ := out[1].Content.(string)
	if !strings.HasPrefix(summary, "Summary of earlier conversation: db-01 has SNMP down.") {
		t.Errorf("summary item = %q", summary)
	}
	if text, _ := out[len(out)-1].Content.(string); text != "summarize both" {
		t.Errorf("last item = %q", text)
	}

	// The summarization request must render tool traffic, not drop it.
	transcript, _ := api.created[0].Input[1].Content.(string)
	if !strings.Contains(transcript, "assistant called CheckProtocol") {
		t.Errorf("transcript missing tool call: %q", transcript)
	}
	if !strings.Contains(transcript, `tool result: {"ok":true,"snmp":"down"}`) {
		t.Errorf("transcript missing tool result: %q", transcript)
	}
}

func TestSummarizeShortInputUnchanged(t *testing.T) {
	api := &fakeResponses{}
	o := newTestOrchestrator(&fakeTurns{}, api, &fakeToolService{})

	input := []llm.InputItem{
		llm.SystemItem("prompt"),
		llm.UserItem("a"),
		llm.AssistantItem("b"),
		llm.UserItem("c"),
	}
	out := o.summarize(context.Background(), input)
	if len(out) != len(input) {
		t.Fatalf("short input modified: %+v", out)
	}
	if len(api.created) != 0 {
		t.Error("short input must not trigger a model call")
	}
}

func TestSummarizeFailureDropsOlderItems(t *testing.T) {
	api := &fakeResponses{createErr: errors.New("rate limited")}
	o := newTestOrchestrator(&fakeTurns{}, api, &fakeToolService{})

	out := o.summarize(context.Background(), summarizeFixture())
	if len(out) != 1+keepRecentItems {
		t.Fatalf("got %d items: %+v", len(out), out)
	}
	if out[0].Role != "system" {
		t.Errorf("preamble dropped: %+v", out[0])
	}
	if text, _ := out[1].Content.(string); text != "SNMP is down on db-01." {
		t.Errorf("recent window wrong, starts with %q", text)
	}
}

func TestSummarizeUsesSummaryModel(t *testing.T) {
	api := &fakeResponses{createOut: completedResponse("s")}
	o := newTestOrchestrator(&fakeTurns{}, api, &fakeToolService{})

	o.summarize(context.Background(), summarizeFixture())
	if api.created[0].Model != "gpt-5.2-mini" {
		t.Errorf("model = %s", api.created[0].Model)
	}
	if api.created[0].MaxOutputTokens != summaryMaxTokens {
		t.Errorf("max output tokens = %d", api.created[0].MaxOutputTokens)
	}
}

func TestRenderTranscriptAttachmentsBecomePlaceholders(t *testing.T) {
	items := []llm.InputItem{{
		Type: "message",
		Role: "user",
		Content: []llm.ContentPart{
			{Type: "input_text", Text: "see this graph"},
			{Type: "input_image", ImageURL: "data:image/png;base64,xxxx"},
		},
	}}
	got := renderTranscript(items)
	if got != "user: see this graph [attachment]" {
		t.Errorf("transcript = %q", got)
	}
	if strings.Contains(got, "base64") {
		t.Error("attachment content leaked into transcript")
	}
}
