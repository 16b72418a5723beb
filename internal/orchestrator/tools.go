package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MetricsHub/m8b-slack/internal/llm"
	"github.com/MetricsHub/m8b-slack/internal/middleware"
	"github.com/MetricsHub/m8b-slack/internal/registry"
)

// ToolService is the orchestrator's view of tool execution.
type ToolService interface {
	Catalog() []llm.Tool
	Execute(ctx context.Context, call llm.ToolCall) string
}

// Tools bridges the registry catalog and dispatch through the middleware,
// so every call gets caching, compression, pagination and size bounding.
type Tools struct {
	reg *registry.Registry
	mw  *middleware.Middleware
}

// NewTools wires a registry behind the middleware.
func NewTools(reg *registry.Registry, mw *middleware.Middleware) *Tools {
	return &Tools{reg: reg, mw: mw}
}

// Catalog converts the registry's advertised tools to Responses format.
func (t *Tools) Catalog() []llm.Tool {
	specs := t.reg.Catalog()
	tools := make([]llm.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, llm.Tool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Schema,
		})
	}
	return tools
}

// Execute runs one model-requested call and returns the serialized result.
// All failures come back as structured data, never as an error.
func (t *Tools) Execute(ctx context.Context, call llm.ToolCall) string {
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return serializeResult(map[string]any{
				"ok":    false,
				"error": fmt.Sprintf("invalid tool arguments: %v", err),
			})
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	result := t.mw.Execute(ctx, call.Name, args, func(ctx context.Context, execArgs map[string]any) (any, error) {
		return t.reg.Dispatch(ctx, call.Name, execArgs)
	})
	return serializeResult(result)
}

func serializeResult(result map[string]any) string {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":"serialize result: %v"}`, err)
	}
	return string(data)
}
