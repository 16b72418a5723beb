package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolSpec describes a tool advertised by a backend.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Backend is one remote capability source the registry can dispatch to.
// *Provider implements it over MCP; other transports can too.
type Backend interface {
	Label() string
	Tools(ctx context.Context) ([]ToolSpec, error)
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
	Close() error
}

// ProviderConfig is the static configuration for one MCP provider.
type ProviderConfig struct {
	Label       string
	URL         string
	Token       string
	InsecureTLS bool
}

const probeTimeout = 5 * time.Second

// Provider wraps a lazily-connected MCP server session. The connection is
// established on first use, probed before each dispatch, and replaced when
// the probe fails. All connection handling is serialized on mu so concurrent
// dispatches never race on replacing a dead session.
type Provider struct {
	config ProviderConfig

	mu      sync.Mutex
	session *mcp.ClientSession
	tools   []ToolSpec
}

// NewProvider creates a provider for the given configuration. No connection
// is made until the first call.
func NewProvider(config ProviderConfig) *Provider {
	return &Provider{config: config}
}

// Name returns the provider's configured label.
func (p *Provider) Label() string {
	return p.config.Label
}

// bearerTransport injects the provider's auth token into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

func (p *Provider) httpClient() *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	if p.config.InsecureTLS {
		base = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	if p.config.Token != "" {
		base = &bearerTransport{token: p.config.Token, base: base}
	}
	return &http.Client{Transport: base}
}

// connectLocked establishes a fresh session and fetches the tool list.
// Caller holds mu.
func (p *Provider) connectLocked(ctx context.Context) error {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "m8b-slack",
		Version: "1.0.0",
	}, nil)

	transport := &mcp.StreamableClientTransport{
		Endpoint:   p.config.URL,
		HTTPClient: p.httpClient(),
	}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to provider %s: %w", p.config.Label, err)
	}

	result, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return fmt.Errorf("list tools from %s: %w", p.config.Label, err)
	}

	tools := make([]ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		tools = append(tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
	}

	p.session = session
	p.tools = tools
	return nil
}

// ensureLocked verifies the session is alive, reconnecting when the probe
// fails. Caller holds mu.
func (p *Provider) ensureLocked(ctx context.Context) error {
	if p.session != nil {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.session.Ping(probeCtx, nil)
		cancel()
		if err == nil {
			return nil
		}
		p.session.Close()
		p.session = nil
	}
	return p.connectLocked(ctx)
}

// Tools connects if needed and returns the provider's discovered tools.
func (p *Provider) Tools(ctx context.Context) ([]ToolSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLocked(ctx); err != nil {
		return nil, err
	}
	return p.tools, nil
}

// Call probes the connection, reconnecting when it has gone stale, then
// invokes the tool. The returned payload is the first text content parsed
// as JSON when possible, the raw string otherwise.
func (p *Provider) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	p.mu.Lock()
	if err := p.ensureLocked(ctx); err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("provider %s unavailable: %w", p.config.Label, err)
	}
	session := p.session
	p.mu.Unlock()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s on %s: %w", tool, p.config.Label, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s on %s returned error: %s", tool, p.config.Label, textContent(result.Content))
	}
	return parsePayload(result.Content), nil
}

// Close shuts the session down. Safe to call on a never-connected provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	p.tools = nil
	return err
}

// parsePayload interprets the first text content as JSON, falling back to
// the raw string.
func parsePayload(content []mcp.Content) any {
	for _, c := range content {
		t, ok := c.(*mcp.TextContent)
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(t.Text), &v); err == nil {
			return v
		}
		return t.Text
	}
	return textContent(content)
}

func textContent(content []mcp.Content) string {
	var out string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			out += v.Text
		default:
			if data, err := json.Marshal(c); err == nil {
				out += string(data)
			}
		}
	}
	return out
}
