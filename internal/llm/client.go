// Package llm is a raw HTTP client for the OpenAI Responses API plus the
// streaming turn engine that folds one response stream into a TurnResult.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.openai.com/v1"

var defaultHTTPClient = &http.Client{}

// Client makes raw HTTP calls against a Responses-compliant endpoint.
type Client struct {
	BaseURL      string
	APIKey       string
	ExtraHeaders map[string]string
	HTTPClient   *http.Client
}

// NewClient creates a client for the given API key.
func NewClient(apiKey string) *Client {
	return &Client{BaseURL: defaultBaseURL, APIKey: apiKey}
}

func (c *Client) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return defaultBaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	for k, v := range c.ExtraHeaders {
		req.Header.Set(k, v)
	}
}

// Response is a non-streaming (or retrieved) response.
type Response struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"` // completed, incomplete, failed, in_progress
	Output            []OutputItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// OutputItem is one element of a response's output array.
type OutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Content   []OutputContent `json:"content,omitempty"`
	// For code_interpreter_call items
	ContainerID string `json:"container_id,omitempty"`
	// For image_generation_call items
	Result string `json:"result,omitempty"`
}

// OutputContent is one content block of a message output item.
type OutputContent struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	Refusal     string       `json:"refusal,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation is a file citation attached to output text.
type Annotation struct {
	Type        string `json:"type"`
	FileID      string `json:"file_id,omitempty"`
	ContainerID string `json:"container_id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OutputText concatenates the response's message text blocks.
func (r *Response) OutputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type == "output_text" {
				b.WriteString(content.Text)
			}
		}
	}
	return b.String()
}

// IncompleteReason returns the incomplete reason, if any.
func (r *Response) IncompleteReason() string {
	if r.IncompleteDetails == nil {
		return ""
	}
	return r.IncompleteDetails.Reason
}

// Citations collects file annotations from the response's output text.
func (r *Response) Citations() []FileRef {
	var refs []FileRef
	for _, item := range r.Output {
		for _, content := range item.Content {
			for _, ann := range content.Annotations {
				if ann.FileID == "" {
					continue
				}
				refs = append(refs, FileRef{
					FileID:      ann.FileID,
					ContainerID: ann.ContainerID,
					Filename:    annotationFilename(ann),
				})
			}
		}
	}
	return refs
}

func annotationFilename(ann Annotation) string {
	if ann.Filename != "" {
		return ann.Filename
	}
	if ann.FilePath != "" {
		parts := strings.Split(ann.FilePath, "/")
		return parts[len(parts)-1]
	}
	return ""
}

// Create makes a non-streaming request. Used for summarization and bounded
// continuation calls where streaming adds nothing.
func (c *Client) Create(ctx context.Context, req Request) (*Response, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL()+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("responses request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("responses error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("responses error: %s", out.Error.Message)
	}
	return &out, nil
}

// Retrieve fetches a response by id, used to recover a turn's terminal
// status out-of-band.
func (c *Client) Retrieve(ctx context.Context, id string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL()+"/responses/"+id, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retrieve response %s: %w", id, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieve response %s (status %d): %s", id, resp.StatusCode, string(respBody))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &out, nil
}

// sseEvent mirrors the fields shared by the streaming event payloads.
type sseEvent struct {
	Delta       string     `json:"delta"`
	OutputIndex int        `json:"output_index"`
	ItemID      string     `json:"item_id,omitempty"`
	Item        OutputItem `json:"item,omitempty"`
	Annotation  Annotation `json:"annotation,omitempty"`
	Response    struct {
		ID                string `json:"id"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details,omitempty"`
		Usage *struct {
			InputTokens        int `json:"input_tokens"`
			OutputTokens       int `json:"output_tokens"`
			InputTokensDetails struct {
				CachedTokens int `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage,omitempty"`
	} `json:"response,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// Stream makes a streaming request and returns the event stream. HTTP-level
// failures surface synchronously; in-stream failures surface from Recv.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL()+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("responses request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("responses error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		var eventName string
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				eventName = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var payload sseEvent
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				eventName = ""
				continue
			}
			for _, ev := range translateSSE(eventName, &payload) {
				events <- ev
			}
			eventName = ""
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("responses streaming error: %w", err)
		}
		return nil
	}), nil
}

// translateSSE maps one named SSE payload to zero or more Events.
func translateSSE(name string, p *sseEvent) []Event {
	switch name {
	case "response.output_text.delta":
		if p.Delta == "" {
			return nil
		}
		return []Event{{Type: EventTextDelta, Text: p.Delta}}

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if p.Delta == "" {
			return nil
		}
		return []Event{{Type: EventReasoningDelta, Text: p.Delta}}

	case "response.function_call_arguments.delta":
		return []Event{{Type: EventToolCallArgDelta, OutputIndex: p.OutputIndex, Text: p.Delta}}

	case "response.output_item.added":
		switch p.Item.Type {
		case "function_call":
			return []Event{{
				Type:        EventToolCallAdded,
				OutputIndex: p.OutputIndex,
				CallID:      p.Item.CallID,
				Name:        p.Item.Name,
			}}
		case "code_interpreter_call":
			if p.Item.ContainerID != "" {
				return []Event{{Type: EventCodeInterpreter, ContainerID: p.Item.ContainerID}}
			}
		case "image_generation_call":
			// Identity is only trustworthy on done.
			return []Event{{Type: EventFileAdded, File: &FileRef{FileID: p.Item.ID}}}
		}
		return nil

	case "response.output_item.done":
		switch p.Item.Type {
		case "function_call":
			return []Event{{
				Type:        EventToolCallDone,
				OutputIndex: p.OutputIndex,
				CallID:      p.Item.CallID,
				Name:        p.Item.Name,
				Arguments:   p.Item.Arguments,
			}}
		case "code_interpreter_call":
			if p.Item.ContainerID != "" {
				return []Event{{Type: EventCodeInterpreter, ContainerID: p.Item.ContainerID}}
			}
		case "image_generation_call":
			if p.Item.Result != "" || p.Item.ID != "" {
				return []Event{{Type: EventFileDone, File: &FileRef{FileID: p.Item.ID}}}
			}
		}
		return nil

	case "response.output_text.annotation.added":
		if p.Annotation.FileID == "" && p.Annotation.FilePath == "" {
			return nil
		}
		return []Event{{
			Type: EventAnnotation,
			File: &FileRef{
				FileID:      p.Annotation.FileID,
				ContainerID: p.Annotation.ContainerID,
				Filename:    annotationFilename(p.Annotation),
			},
		}}

	case "response.completed":
		ev := Event{Type: EventCompleted, ResponseID: p.Response.ID}
		if p.Response.Usage != nil {
			ev.Usage = &Usage{
				InputTokens:       p.Response.Usage.InputTokens,
				OutputTokens:      p.Response.Usage.OutputTokens,
				CachedInputTokens: p.Response.Usage.InputTokensDetails.CachedTokens,
			}
		}
		return []Event{ev}

	case "response.incomplete":
		ev := Event{Type: EventIncomplete, ResponseID: p.Response.ID}
		if p.Response.IncompleteDetails != nil {
			ev.Reason = p.Response.IncompleteDetails.Reason
		}
		return []Event{ev}

	case "response.failed", "error":
		msg := "unknown error"
		if p.Error != nil {
			msg = p.Error.Message
		}
		return []Event{{Type: EventError, Err: fmt.Errorf("responses error: %s", msg)}}

	default:
		return []Event{{Type: EventOther, Name: name}}
	}
}

// ContainerFile is one entry of a code-interpreter container listing.
type ContainerFile struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Source    string `json:"source"` // "assistant" or "user"
	CreatedAt int64  `json:"created_at"`
}

// Filename returns the path's final element.
func (f ContainerFile) Filename() string {
	parts := strings.Split(f.Path, "/")
	return parts[len(parts)-1]
}

// ListContainerFiles lists the files in a code-interpreter container.
func (c *Client) ListContainerFiles(ctx context.Context, containerID string) ([]ContainerFile, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL()+"/containers/"+containerID+"/files", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("list container files: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list container files (status %d): %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		Data []ContainerFile `json:"data"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("parse container files: %w", err)
	}
	return out.Data, nil
}

// UploadFile uploads data to the file store and returns the file id.
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("purpose", "assistants"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL()+"/files", &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("upload file %s: %w", filename, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload file %s (status %d): %s", filename, resp.StatusCode, string(respBody))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse upload response: %w", err)
	}
	return out.ID, nil
}

// DownloadFile fetches a generated file's content. Files living in a
// code-interpreter container use the container content endpoint.
func (c *Client) DownloadFile(ctx context.Context, ref FileRef) ([]byte, error) {
	var url string
	if ref.ContainerID != "" {
		url = c.baseURL() + "/containers/" + ref.ContainerID + "/files/" + ref.FileID + "/content"
	} else {
		url = c.baseURL() + "/files/" + ref.FileID + "/content"
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", ref.FileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download file %s (status %d): %s", ref.FileID, resp.StatusCode, string(respBody))
	}
	return io.ReadAll(resp.Body)
}
