package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MetricsHub/m8b-slack/internal/llm"
)

// fakeTurns replays scripted turn outcomes and records requests.
type fakeTurns struct {
	results  []*llm.TurnResult
	errs     []error
	requests []llm.Request
}

func (f *fakeTurns) Run(ctx context.Context, req llm.Request, hooks llm.Hooks) (*llm.TurnResult, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		r := f.results[i]
		if r.Text != "" && hooks.StartDelivery != nil {
			ctrl := hooks.StartDelivery()
			ctrl.Append(r.Text)
			ctrl.Stop()
		}
		return r, nil
	}
	return &llm.TurnResult{Status: llm.TurnCompleted, ResponseID: "resp_default"}, nil
}

type fakeResponses struct {
	created   []llm.Request
	createOut *llm.Response
	createErr error
	retrieved []string
	responses map[string]*llm.Response
	files     map[string][]byte
}

func (f *fakeResponses) Create(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.createOut != nil {
		return f.createOut, nil
	}
	return &llm.Response{Status: "completed"}, nil
}

func (f *fakeResponses) Retrieve(ctx context.Context, id string) (*llm.Response, error) {
	f.retrieved = append(f.retrieved, id)
	if r, ok := f.responses[id]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeResponses) DownloadFile(ctx context.Context, ref llm.FileRef) ([]byte, error) {
	if data, ok := f.files[ref.FileID]; ok {
		return data, nil
	}
	return nil, errors.New("no such file")
}

type fakeToolService struct {
	executed []llm.ToolCall
	output   string
}

func (f *fakeToolService) Catalog() []llm.Tool {
	return []llm.Tool{{Type: "function", Name: "CheckProtocol"}}
}

func (f *fakeToolService) Execute(ctx context.Context, call llm.ToolCall) string {
	f.executed = append(f.executed, call)
	if f.output != "" {
		return f.output
	}
	return `{"ok":true}`
}

type fakeController struct{ appended strings.Builder }

func (c *fakeController) Append(s string) { c.appended.WriteString(s) }
func (c *fakeController) Stop()           {}

type fakeDelivery struct {
	sent      []string
	statuses  [][]string
	files     map[string][]byte
	markerID  string
	markerFds []string
	ctrl      *fakeController
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{files: map[string][]byte{}, ctrl: &fakeController{}}
}

func (d *fakeDelivery) SendText(ctx context.Context, text string) error {
	d.sent = append(d.sent, text)
	return nil
}

func (d *fakeDelivery) StartIncremental(ctx context.Context) llm.DeliveryController {
	return d.ctrl
}

func (d *fakeDelivery) SetStatus(ctx context.Context, chunks []string) {
	d.statuses = append(d.statuses, chunks)
}

func (d *fakeDelivery) DeliverFile(ctx context.Context, filename string, data []byte) error {
	d.files[filename] = data
	return nil
}

func (d *fakeDelivery) SaveContextMarker(ctx context.Context, responseID string, fileIDs []string) {
	d.markerID = responseID
	d.markerFds = fileIDs
}

func newTestOrchestrator(turns *fakeTurns, api *fakeResponses, tools ToolService) *Orchestrator {
	if api.responses == nil {
		api.responses = map[string]*llm.Response{}
	}
	o := New(turns, api, tools, Options{Model: "gpt-5.2", SummaryModel: "gpt-5.2-mini"})
	o.pollInterval = time.Millisecond
	o.pollAttempts = 2
	return o
}

func completedResponse(text string) *llm.Response {
	return &llm.Response{
		Status: "completed",
		Output: []llm.OutputItem{{
			Type:    "message",
			Content: []llm.OutputContent{{Type: "output_text", Text: text}},
		}},
	}
}

func TestHandleMessageToolLoop(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{
			Status:     llm.TurnCompleted,
			ResponseID: "resp_1",
			ToolCalls: []llm.ToolCall{
				{CallID: "call_1", Name: "CheckProtocol", Arguments: `{"hosts":["h1"]}`},
				{CallID: "call_2", Name: "CheckProtocol", Arguments: `{"hosts":["h2"]}`},
			},
		},
		{Status: llm.TurnCompleted, ResponseID: "resp_2", Text: "All good."},
	}}
	api := &fakeResponses{responses: map[string]*llm.Response{"resp_2": completedResponse("All good.")}}
	tools := &fakeToolService{}
	delivery := newFakeDelivery()

	err := newTestOrchestrator(turns, api, tools).HandleMessage(
		context.Background(), IncomingMessage{Text: "check my hosts"}, delivery)
	if err != nil {
		t.Fatal(err)
	}

	if len(tools.executed) != 2 {
		t.Fatalf("executed %d tools", len(tools.executed))
	}
	second := turns.requests[1]
	if second.PreviousResponseID != "resp_1" {
		t.Errorf("second turn not chained: %q", second.PreviousResponseID)
	}
	if len(second.Input) != 2 {
		t.Fatalf("second turn input: %+v", second.Input)
	}
	for i, item := range second.Input {
		if item.Type != "function_call_output" {
			t.Errorf("input[%d].Type = %s", i, item.Type)
		}
	}
	// Outputs carry the originating call ids for correlation.
	if second.Input[0].CallID != "call_1" || second.Input[1].CallID != "call_2" {
		t.Errorf("call ids: %s, %s", second.Input[0].CallID, second.Input[1].CallID)
	}
	if delivery.ctrl.appended.String() != "All good." {
		t.Errorf("delivered %q", delivery.ctrl.appended.String())
	}
	if delivery.markerID != "resp_2" {
		t.Errorf("context marker id = %q", delivery.markerID)
	}
}

func TestHandleMessageOverflowRetriesOnce(t *testing.T) {
	overflow := errors.New("400: context_length_exceeded")
	turns := &fakeTurns{
		errs: []error{overflow},
		results: []*llm.TurnResult{
			nil,
			{Status: llm.TurnCompleted, ResponseID: "resp_1", Text: "short answer"},
		},
	}
	api := &fakeResponses{
		createOut: completedResponse("earlier we discussed db-01 fan speeds"),
		responses: map[string]*llm.Response{"resp_1": completedResponse("short answer")},
	}
	delivery := newFakeDelivery()

	// Enough history that summarization has older items to work on.
	var history []llm.InputItem
	for i := 0; i < 10; i++ {
		history = append(history, llm.UserItem(strings.Repeat("metrics talk ", 10)))
	}

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "and now?", History: history}, delivery)
	if err != nil {
		t.Fatal(err)
	}

	if len(turns.requests) != 2 {
		t.Fatalf("ran %d turns, want 2", len(turns.requests))
	}
	if len(api.created) != 1 {
		t.Fatalf("summarization calls: %d", len(api.created))
	}
	var hasSummary bool
	for _, item := range turns.requests[1].Input {
		if s, ok := item.Content.(string); ok && strings.Contains(s, "Summary of earlier conversation") {
			hasSummary = true
		}
	}
	if !hasSummary {
		t.Error("retry input lacks the spliced summary item")
	}
}

func TestHandleMessageSecondOverflowPropagates(t *testing.T) {
	overflow := errors.New("maximum context length exceeded")
	turns := &fakeTurns{errs: []error{overflow, overflow}}
	api := &fakeResponses{createOut: completedResponse("s")}
	delivery := newFakeDelivery()

	var history []llm.InputItem
	for i := 0; i < 10; i++ {
		history = append(history, llm.UserItem("x"))
	}
	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "hi", History: history}, delivery)
	if err == nil {
		t.Fatal("second overflow must propagate")
	}
}

func TestHandleMessageForcedContinuation(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{Status: llm.TurnIncomplete, ResponseID: "resp_1", IncompleteReason: "max_output_tokens"},
		{Status: llm.TurnCompleted, ResponseID: "resp_2", Text: "here's the answer"},
	}}
	api := &fakeResponses{responses: map[string]*llm.Response{"resp_2": completedResponse("here's the answer")}}
	delivery := newFakeDelivery()

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "hard question"}, delivery)
	if err != nil {
		t.Fatal(err)
	}

	retry := turns.requests[1]
	if retry.Tools != nil || retry.ToolChoice != "none" {
		t.Errorf("forced retry must be tool-free: tools=%v choice=%v", retry.Tools, retry.ToolChoice)
	}
	if len(retry.Input) != 1 || retry.Input[0].Role != "developer" {
		t.Errorf("forced retry input: %+v", retry.Input)
	}
}

func TestFinalizeRecoversUndeliveredText(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{Status: llm.TurnCompleted, ResponseID: "resp_1"}, // no text streamed
	}}
	api := &fakeResponses{responses: map[string]*llm.Response{
		"resp_1": completedResponse("recovered final text"),
	}}
	delivery := newFakeDelivery()

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "q"}, delivery)
	if err != nil {
		t.Fatal(err)
	}
	if len(delivery.sent) == 0 || delivery.sent[0] != "recovered final text" {
		t.Errorf("sent: %v", delivery.sent)
	}
}

func TestFinalizeAffordanceWhenNothingRecoverable(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{Status: llm.TurnCompleted, ResponseID: "resp_1"},
	}}
	api := &fakeResponses{responses: map[string]*llm.Response{
		"resp_1": {Status: "completed"}, // no output at all
	}}
	delivery := newFakeDelivery()

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "q"}, delivery)
	if err != nil {
		t.Fatal(err)
	}
	if len(delivery.sent) != 1 || !strings.Contains(delivery.sent[0], "Ask me to continue") {
		t.Errorf("sent: %v", delivery.sent)
	}
}

func TestFilesAndCitationsDelivered(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{
			Status:     llm.TurnCompleted,
			ResponseID: "resp_1",
			Text:       "see the chart",
			Files:      []llm.FileRef{{FileID: "f1", Filename: "chart.png"}},
		},
	}}
	cited := completedResponse("see the chart")
	cited.Output[0].Content[0].Annotations = []llm.Annotation{
		{Type: "container_file_citation", FileID: "f1", Filename: "chart.png"},
		{Type: "container_file_citation", FileID: "f2", Filename: "data.csv"},
	}
	api := &fakeResponses{
		responses: map[string]*llm.Response{"resp_1": cited},
		files:     map[string][]byte{"f1": []byte("png"), "f2": []byte("csv")},
	}
	delivery := newFakeDelivery()

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "q"}, delivery)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := delivery.files["chart.png"]; !ok {
		t.Error("mid-stream file not delivered")
	}
	if _, ok := delivery.files["data.csv"]; !ok {
		t.Error("cited file not delivered")
	}
	if len(delivery.files) != 2 {
		t.Errorf("files delivered: %v (f1 must not be delivered twice)", delivery.files)
	}
	if len(delivery.markerFds) != 2 {
		t.Errorf("marker file ids: %v", delivery.markerFds)
	}
}

func TestPreflightSummarizesOversizedInput(t *testing.T) {
	turns := &fakeTurns{results: []*llm.TurnResult{
		{Status: llm.TurnCompleted, ResponseID: "resp_1", Text: "ok"},
	}}
	api := &fakeResponses{
		createOut: completedResponse("long story short"),
		responses: map[string]*llm.Response{"resp_1": completedResponse("ok")},
	}
	delivery := newFakeDelivery()

	big := strings.Repeat("w ", 400_000) // ~200k tokens of history
	history := []llm.InputItem{llm.UserItem(big), llm.AssistantItem("noted"),
		llm.UserItem("a"), llm.AssistantItem("b"), llm.UserItem("c")}

	err := newTestOrchestrator(turns, api, &fakeToolService{}).HandleMessage(
		context.Background(), IncomingMessage{Text: "next", History: history}, delivery)
	if err != nil {
		t.Fatal(err)
	}
	if len(api.created) != 1 {
		t.Fatalf("summarization calls: %d", len(api.created))
	}
	if api.created[0].Model != "gpt-5.2-mini" {
		t.Errorf("summary model = %s", api.created[0].Model)
	}
}
