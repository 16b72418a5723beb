// Package metrics exposes a PromQL-style metrics query endpoint as a
// registry backend, so metric queries ride the same dispatch, caching and
// pagination path as the MCP provider tools.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MetricsHub/m8b-slack/internal/registry"
)

// QueryTool is the tool name this backend advertises.
const QueryTool = "QueryMetrics"

const (
	defaultTimeout = 30 * time.Second
	defaultStep    = "60s"
)

// Config holds the metrics backend endpoint settings.
type Config struct {
	URL   string
	Token string
}

// Client queries the metrics endpoint. It implements registry.Backend;
// the backend owns no hosts, so its tool dispatches directly.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a metrics backend client.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Label identifies this backend in dispatch envelopes and logs.
func (c *Client) Label() string {
	return "metrics"
}

// Tools probes the endpoint and returns the QueryMetrics tool. A failed
// probe surfaces as an error so a dead metrics backend is skipped at
// registry initialization instead of poisoning the catalog.
func (c *Client) Tools(ctx context.Context) ([]registry.ToolSpec, error) {
	if err := c.probe(ctx); err != nil {
		return nil, err
	}
	return []registry.ToolSpec{{
		Name:        QueryTool,
		Description: "Run a PromQL-style query against the metrics store. Provide start/end (RFC3339 or unix seconds) for a range query, otherwise an instant query is run.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The metrics query expression.",
				},
				"start": map[string]any{
					"type":        "string",
					"description": "Range start, RFC3339 or unix seconds.",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "Range end, RFC3339 or unix seconds.",
				},
				"step": map[string]any{
					"type":        "string",
					"description": "Range resolution, e.g. 60s. Defaults to " + defaultStep + ".",
				},
			},
			"required": []any{"query"},
		},
	}}, nil
}

// Call runs a query. Only QueryTool is supported.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	if tool != QueryTool {
		return nil, fmt.Errorf("metrics backend does not provide tool %s", tool)
	}
	query, _ := args["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("%s requires a query argument", QueryTool)
	}

	start, _ := args["start"].(string)
	end, _ := args["end"].(string)

	var path string
	params := url.Values{"query": {query}}
	if start != "" && end != "" {
		path = "/api/v1/query_range"
		params.Set("start", start)
		params.Set("end", end)
		step, _ := args["step"].(string)
		if step == "" {
			step = defaultStep
		}
		params.Set("step", step)
	} else {
		path = "/api/v1/query"
	}

	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Status string `json:"status"`
		Error  string `json:"error"`
		Data   struct {
			ResultType string `json:"resultType"`
			Result     []any  `json:"result"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse metrics response: %w", err)
	}
	if decoded.Status != "success" {
		return nil, fmt.Errorf("metrics query failed: %s", decoded.Error)
	}
	return map[string]any{
		"resultType": decoded.Data.ResultType,
		"series":     decoded.Data.Result,
	}, nil
}

// Close is a no-op; the client holds no persistent connection.
func (c *Client) Close() error {
	return nil
}

func (c *Client) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.get(probeCtx, "/-/healthy", nil)
	return err
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.config.URL + path)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
