package llm

// Request represents a single model turn against the Responses API.
type Request struct {
	Model              string      `json:"model"`
	Input              []InputItem `json:"input"`
	Tools              []Tool      `json:"tools,omitempty"`
	ToolChoice         any         `json:"tool_choice,omitempty"`
	Instructions       string      `json:"instructions,omitempty"`
	MaxOutputTokens    int         `json:"max_output_tokens,omitempty"`
	Reasoning          *Reasoning  `json:"reasoning,omitempty"`
	Include            []string    `json:"include,omitempty"`
	Stream             bool        `json:"stream"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
}

// InputItem is one element of the input list: a message, a function call
// echo, or a function call output.
type InputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content any    `json:"content,omitempty"` // string or []ContentPart
	// For function_call type
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// For function_call_output type
	Output string `json:"output,omitempty"`
}

// ContentPart is a structured message content part.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// Tool is a tool definition in Responses format.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	// For the code_interpreter tool
	Container any `json:"container,omitempty"`
}

// Reasoning configures reasoning effort and summary emission.
type Reasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// Usage captures token usage when reported.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// ToolCall is a model-requested tool invocation, with raw argument text.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// FileRef identifies a generated file. ContainerID is set for files living
// in a code-interpreter container rather than the file store.
type FileRef struct {
	FileID      string
	ContainerID string
	Filename    string
}

// EventType enumerates the streaming events the client emits.
type EventType string

const (
	EventReasoningDelta   EventType = "reasoning_delta"
	EventTextDelta        EventType = "text_delta"
	EventToolCallAdded    EventType = "tool_call_added"
	EventToolCallArgDelta EventType = "tool_call_arg_delta"
	EventToolCallDone     EventType = "tool_call_done"
	EventFileAdded        EventType = "file_added"
	EventFileDone         EventType = "file_done"
	EventAnnotation       EventType = "annotation"
	EventCodeInterpreter  EventType = "code_interpreter"
	EventCompleted        EventType = "completed"
	EventIncomplete       EventType = "incomplete"
	EventError            EventType = "error"
	EventOther            EventType = "other"
)

// Event is one streamed update.
type Event struct {
	Type        EventType
	Text        string // text/reasoning/argument delta payload
	OutputIndex int
	CallID      string
	Name        string // tool name, or raw event name for EventOther
	Arguments   string // final arguments on EventToolCallDone (may be empty)
	File        *FileRef
	ContainerID string
	ResponseID  string
	Reason      string // incomplete reason
	Usage       *Usage
	Err         error
}

// Stream yields events until io.EOF.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// SystemItem builds a developer-role message item.
func SystemItem(text string) InputItem {
	return InputItem{Type: "message", Role: "developer", Content: text}
}

// UserItem builds a user message item.
func UserItem(text string) InputItem {
	return InputItem{Type: "message", Role: "user", Content: text}
}

// AssistantItem builds an assistant message item.
func AssistantItem(text string) InputItem {
	return InputItem{Type: "message", Role: "assistant", Content: text}
}

// FunctionCallItem echoes a model tool call back into the input list.
func FunctionCallItem(call ToolCall) InputItem {
	args := call.Arguments
	if args == "" {
		args = "{}"
	}
	return InputItem{Type: "function_call", CallID: call.CallID, Name: call.Name, Arguments: args}
}

// FunctionCallOutputItem carries a tool result, tagged with the originating
// call id so the model can correlate it regardless of execution order.
func FunctionCallOutputItem(callID, output string) InputItem {
	return InputItem{Type: "function_call_output", CallID: callID, Output: output}
}
