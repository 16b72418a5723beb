// Package middleware wraps tool execution with result caching, pagination,
// payload compression and size-safe output framing, independent of which
// tool or provider is involved.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/MetricsHub/m8b-slack/internal/payload"
)

const (
	// DefaultMaxResults is the page size when the caller does not specify one.
	DefaultMaxResults = 100
	// HardOutputLimit is the absolute ceiling on a serialized inline reply.
	HardOutputLimit = 1_000_000
	// previewChars bounds the structural preview stored with a spill file.
	previewChars = 600
)

// ExecutorFunc performs the actual (expensive) tool call.
type ExecutorFunc func(ctx context.Context, args map[string]any) (any, error)

// Uploader externalizes an oversized payload to a file store, returning a
// file handle.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// Compressor is a tool-family-specific payload compaction transform.
type Compressor func(tool string, v any) any

// Middleware applies caching, compression, externalization, pagination and
// size bounding around any ExecutorFunc.
type Middleware struct {
	cache     *ResultCache
	uploader  Uploader
	compress  Compressor
	pageSize  int
	hardLimit int
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithUploader enables spill-to-file externalization of full results.
func WithUploader(u Uploader) Option {
	return func(m *Middleware) { m.uploader = u }
}

// WithCompressor sets the payload compaction transform.
func WithCompressor(c Compressor) Option {
	return func(m *Middleware) { m.compress = c }
}

// WithPageSize overrides the default page size.
func WithPageSize(n int) Option {
	return func(m *Middleware) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithHardLimit overrides the serialized output ceiling. Intended for tests.
func WithHardLimit(n int) Option {
	return func(m *Middleware) {
		if n > 0 {
			m.hardLimit = n
		}
	}
}

// New creates a Middleware using the given result cache.
func New(cache *ResultCache, opts ...Option) *Middleware {
	if cache == nil {
		cache = NewResultCache(0, 0)
	}
	m := &Middleware{
		cache:     cache,
		pageSize:  DefaultMaxResults,
		hardLimit: HardOutputLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute runs one tool call through the middleware. Executor failures are
// converted to a structured {ok:false, error} result; no error ever crosses
// this boundary.
func (m *Middleware) Execute(ctx context.Context, tool string, args map[string]any, exec ExecutorFunc) map[string]any {
	limit := positiveIntArg(args, argMaxResults, m.pageSize)
	offset := nonNegativeIntArg(args, argOffset, 0)
	cacheID, _ := args[argCacheID].(string)
	if cacheID == "" {
		cacheID = CacheKey(tool, args)
	}

	// Cache hit: paginate the memoized full result, never re-execute.
	if entry := m.cache.Get(cacheID); entry != nil {
		if full, ok := entry.Payload.(map[string]any); ok {
			return m.frame(full, offset, limit, cacheID, entry.FileID, entry.FileName)
		}
	}

	raw, err := exec(ctx, StripPagingArgs(args))
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}
	}

	if m.compress != nil {
		raw = m.compress(tool, raw)
	}

	result, ok := raw.(map[string]any)
	if !ok {
		// Wrap non-object results so collection discovery and pagination
		// have a field to operate on.
		result = map[string]any{"data": raw}
	}

	fileID, fileName := m.externalize(ctx, tool, result)

	if coll := FindCollection(result); coll != nil && coll.Len() > limit {
		m.cache.Put(cacheID, &CacheEntry{
			Tool:     tool,
			Payload:  result,
			FileID:   fileID,
			FileName: fileName,
		})
	}

	return m.frame(result, offset, limit, cacheID, fileID, fileName)
}

// frame paginates the full result at offset/limit, attaches the spill-file
// summary if one exists and applies the final size bound.
func (m *Middleware) frame(full map[string]any, offset, limit int, cacheID, fileID, fileName string) map[string]any {
	out := make(map[string]any, len(full)+2)
	for k, v := range full {
		out[k] = v
	}

	if coll := FindCollection(out); coll != nil {
		total := coll.Len()
		if total > limit || offset > 0 {
			sliced, page := coll.Slice(offset, limit, total, cacheID)
			out[coll.Field] = sliced
			out["pagination"] = page
		}
	}

	if fileID != "" {
		out["file"] = fileSummary(full, fileID, fileName)
	}

	return m.bound(out, fileID, fileName)
}

// bound enforces the hard serialized-size ceiling, replacing an oversized
// result with a structured error that preserves any spill-file reference.
func (m *Middleware) bound(out map[string]any, fileID, fileName string) map[string]any {
	data, err := json.Marshal(out)
	if err != nil {
		return map[string]any{"ok": false, "error": fmt.Sprintf("serialize result: %v", err)}
	}
	if len(data) <= m.hardLimit {
		return out
	}
	errResult := map[string]any{
		"ok":    false,
		"error": fmt.Sprintf("result too large (%d chars, limit %d); retry with a smaller maxResults", len(data), m.hardLimit),
	}
	if fileID != "" {
		errResult["file"] = map[string]any{
			"fileId":   fileID,
			"fileName": fileName,
			"hint":     "The complete result was uploaded as a file and can be analyzed with the code tool.",
		}
	}
	return errResult
}

// externalize uploads the full compressed result as a file so the complete
// dataset stays reachable even when the inline reply is paginated down.
// Best-effort: upload failures are logged and the call proceeds inline-only.
func (m *Middleware) externalize(ctx context.Context, tool string, result map[string]any) (fileID, fileName string) {
	if m.uploader == nil {
		return "", ""
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", ""
	}
	fileName = fmt.Sprintf("%s-%d.json", tool, time.Now().Unix())
	fileID, err = m.uploader.Upload(ctx, fileName, data)
	if err != nil {
		log.Printf("[middleware] upload full result for %s: %v", tool, err)
		return "", ""
	}
	return fileID, fileName
}

func fileSummary(full map[string]any, fileID, fileName string) map[string]any {
	return map[string]any{
		"fileId":    fileID,
		"fileName":  fileName,
		"sizeChars": payload.Chars(full),
		"hint":      "Complete (unpaginated) result, available to the code tool as a JSON file.",
		"preview":   payload.Preview(full, previewChars),
	}
}

func positiveIntArg(args map[string]any, key string, fallback int) int {
	if n, ok := numberArg(args, key); ok && n > 0 {
		return n
	}
	return fallback
}

func nonNegativeIntArg(args map[string]any, key string, fallback int) int {
	if n, ok := numberArg(args, key); ok && n >= 0 {
		return n
	}
	return fallback
}

func numberArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}
