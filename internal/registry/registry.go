// Package registry maintains the set of tool providers, their discovered
// capabilities and addressable resources, and dispatches named tool calls
// to the owning provider(s), merging per-provider results.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

const (
	// MetaListHosts returns the full merged resource index.
	MetaListHosts = "ListHosts"
	// MetaSearchHost matches the index against a regex pattern.
	MetaSearchHost = "SearchHost"

	// hostsParam is the routing parameter grafted onto every host-scoped
	// provider tool.
	hostsParam = "hosts"

	dispatchTimeout = 120 * time.Second
	sampleKeyCount  = 10
)

// listHostsTools are the discovery tool names recognized across providers.
var listHostsTools = []string{"ListHosts", "list_hosts", "ListResources", "list_resources"}

// ProviderResult is one provider's share of a dispatched call.
type ProviderResult struct {
	Provider string `json:"provider"`
	OK       bool   `json:"ok"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
}

// toolEntry tracks a deduplicated tool and the backends advertising it.
type toolEntry struct {
	spec       ToolSpec
	schemaJSON string
	owners     []Backend
	hostScoped bool
}

// Registry owns the providers, the merged resource index and the advertised
// tool catalog. Initialize once with Init; afterwards the registry is safe
// for concurrent dispatch.
type Registry struct {
	backends []Backend

	mu    sync.RWMutex
	index *hostIndex
	tools map[string]*toolEntry
	order []string
}

// New creates a registry over the given backends. Call Init before use.
func New(backends ...Backend) *Registry {
	return &Registry{
		backends: backends,
		index:    newHostIndex(),
		tools:    make(map[string]*toolEntry),
	}
}

// Init discovers every backend's tools and resources. Individual backend
// failures are logged and that backend is omitted from dispatch; a registry
// with zero live backends is valid.
func (r *Registry) Init(ctx context.Context) {
	index := newHostIndex()
	tools := make(map[string]*toolEntry)
	var order []string

	for _, b := range r.backends {
		specs, err := b.Tools(ctx)
		if err != nil {
			log.Printf("[registry] provider %s unavailable, skipping: %v", b.Label(), err)
			continue
		}

		hostCount := r.discoverHosts(ctx, b, specs, index)
		hostScoped := hostCount > 0
		log.Printf("[registry] provider %s: %d tools, %d hosts", b.Label(), len(specs), hostCount)

		for _, spec := range specs {
			if isListHostsTool(spec.Name) {
				// Subsumed by the ListHosts meta-tool.
				continue
			}
			schemaJSON := marshalSchema(spec.Schema)
			if entry, ok := tools[spec.Name]; ok {
				// First schema wins.
				if entry.schemaJSON != schemaJSON {
					log.Printf("[registry] tool %s: schema from %s differs from %s; keeping the first",
						spec.Name, b.Label(), entry.owners[0].Label())
				}
				entry.owners = append(entry.owners, b)
				continue
			}
			tools[spec.Name] = &toolEntry{
				spec:       spec,
				schemaJSON: schemaJSON,
				owners:     []Backend{b},
				hostScoped: hostScoped,
			}
			order = append(order, spec.Name)
		}
	}

	r.mu.Lock()
	r.index = index
	r.tools = tools
	r.order = order
	r.mu.Unlock()
}

// discoverHosts invokes the backend's resource-listing tool, if it has one,
// and indexes every returned record. Returns the number of records indexed.
func (r *Registry) discoverHosts(ctx context.Context, b Backend, specs []ToolSpec, index *hostIndex) int {
	var listTool string
	for _, spec := range specs {
		if isListHostsTool(spec.Name) {
			listTool = spec.Name
			break
		}
	}
	if listTool == "" {
		return 0
	}

	payload, err := b.Call(ctx, listTool, map[string]any{})
	if err != nil {
		log.Printf("[registry] list hosts from %s: %v", b.Label(), err)
		return 0
	}

	count := 0
	for _, record := range hostRecords(payload) {
		if index.add(b.Label(), record) != nil {
			count++
		}
	}
	return count
}

// hostRecords normalizes a discovery payload to its record list: either a
// bare array or an object with a hosts/items/resources field.
func hostRecords(payload any) []map[string]any {
	var raw []any
	switch v := payload.(type) {
	case []any:
		raw = v
	case map[string]any:
		for _, field := range []string{"hosts", "items", "resources"} {
			if arr, ok := v[field].([]any); ok {
				raw = arr
				break
			}
		}
	}
	records := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if rec, ok := item.(map[string]any); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Catalog returns the advertised tool list: the two meta-tools followed by
// every deduplicated provider tool, host-scoped ones augmented with the
// mandatory hosts routing parameter.
func (r *Registry) Catalog() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	catalog := []ToolSpec{
		{
			Name:        MetaListHosts,
			Description: "List every monitored resource known to the registry, with its owning provider and attributes.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        MetaSearchHost,
			Description: "Search monitored resources by case-insensitive regex over their keys and host.name attribute.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pattern": map[string]any{
						"type":        "string",
						"description": "Regular expression to match against resource keys and names.",
					},
				},
				"required": []any{"pattern"},
			},
		},
	}

	for _, name := range r.order {
		entry := r.tools[name]
		spec := entry.spec
		if entry.hostScoped {
			spec.Schema = augmentWithHosts(spec.Schema)
		}
		catalog = append(catalog, spec)
	}
	return catalog
}

// augmentWithHosts grafts the required hosts parameter onto a copy of the
// tool's schema.
func augmentWithHosts(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if out["type"] == nil {
		out["type"] = "object"
	}

	props := make(map[string]any)
	if p, ok := out["properties"].(map[string]any); ok {
		for k, v := range p {
			props[k] = v
		}
	}
	props[hostsParam] = map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": "Resource keys or hostnames this call targets. Use ListHosts or SearchHost to find them.",
	}
	out["properties"] = props

	var required []any
	if req, ok := out["required"].([]any); ok {
		required = append(required, req...)
	}
	for _, v := range required {
		if v == hostsParam {
			return out
		}
	}
	out["required"] = append(required, hostsParam)
	return out
}

// Dispatch routes one tool call. Meta-tools are answered from the index;
// host-scoped tools fan out to the owning providers; everything else goes
// straight to its single backend.
func (r *Registry) Dispatch(ctx context.Context, tool string, args map[string]any) (any, error) {
	switch tool {
	case MetaListHosts:
		return r.listHosts(), nil
	case MetaSearchHost:
		return r.searchHost(args)
	}

	r.mu.RLock()
	entry, ok := r.tools[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", tool)
	}

	if !entry.hostScoped {
		ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()
		return entry.owners[0].Call(ctx, tool, args)
	}
	return r.dispatchByHosts(ctx, entry, args)
}

// dispatchByHosts partitions the requested hosts by owning provider and
// fans the call out, one invocation per provider with that provider's host
// subset. One provider's failure never aborts the others.
func (r *Registry) dispatchByHosts(ctx context.Context, entry *toolEntry, args map[string]any) (any, error) {
	requested := stringSlice(args[hostsParam])
	if len(requested) == 0 {
		return nil, fmt.Errorf("tool %s requires a hosts parameter; use %s or %s to find resource keys",
			entry.spec.Name, MetaListHosts, MetaSearchHost)
	}

	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()

	// Unknown host keys are dropped, not errored; LLM-supplied names are
	// frequently mistyped.
	buckets := make(map[string][]string)
	for _, key := range requested {
		if h := index.lookup(key); h != nil {
			buckets[h.Provider] = append(buckets[h.Provider], h.Key)
		}
	}
	if len(buckets) == 0 {
		return nil, fmt.Errorf("no matching hosts among %v; known keys include %v",
			requested, index.sampleKeys(sampleKeyCount))
	}

	owners := make(map[string]Backend, len(entry.owners))
	for _, b := range entry.owners {
		owners[b.Label()] = b
	}

	labels := make([]string, 0, len(buckets))
	for label := range buckets {
		if _, ok := owners[label]; ok {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	if len(labels) == 0 {
		return nil, fmt.Errorf("tool %s is not available on any provider owning the requested hosts", entry.spec.Name)
	}

	results := make([]ProviderResult, len(labels))
	var wg sync.WaitGroup
	for i, label := range labels {
		wg.Add(1)
		go func(i int, label string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
			defer cancel()

			callArgs := make(map[string]any, len(args))
			for k, v := range args {
				callArgs[k] = v
			}
			callArgs[hostsParam] = buckets[label]

			data, err := owners[label].Call(callCtx, entry.spec.Name, callArgs)
			if err != nil {
				log.Printf("[registry] %s on %s: %v", entry.spec.Name, label, err)
				results[i] = ProviderResult{Provider: label, Error: err.Error()}
				return
			}
			results[i] = ProviderResult{Provider: label, OK: true, Data: data}
		}(i, label)
	}
	wg.Wait()

	return map[string]any{"results": toAnySlice(results)}, nil
}

func (r *Registry) listHosts() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]any{"hosts": hostPayloads(r.index.entries())}
}

func (r *Registry) searchHost(args map[string]any) (any, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return nil, fmt.Errorf("%s requires a pattern argument", MetaSearchHost)
	}
	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()

	hosts, err := index.search(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return map[string]any{"hosts": hostPayloads(hosts)}, nil
}

// Hosts returns the merged resource index entries.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.entries()
}

// SearchHosts matches the index against a pattern. Exposed for the CLI.
func (r *Registry) SearchHosts(pattern string) ([]*Host, error) {
	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()
	return index.search(pattern)
}

// Close shuts every backend down.
func (r *Registry) Close() {
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			log.Printf("[registry] close %s: %v", b.Label(), err)
		}
	}
}

func hostPayloads(hosts []*Host) []any {
	out := make([]any, len(hosts))
	for i, h := range hosts {
		out[i] = map[string]any{
			"key":        h.Key,
			"name":       h.Name(),
			"provider":   h.Provider,
			"attributes": h.Attributes,
		}
	}
	return out
}

func isListHostsTool(name string) bool {
	for _, n := range listHostsTools {
		if name == n {
			return true
		}
	}
	return false
}

func marshalSchema(schema map[string]any) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(results []ProviderResult) []any {
	out := make([]any, len(results))
	for i, r := range results {
		m := map[string]any{"provider": r.Provider, "ok": r.OK}
		if r.Data != nil {
			m["data"] = r.Data
		}
		if r.Error != "" {
			m["error"] = r.Error
		}
		out[i] = m
	}
	return out
}
