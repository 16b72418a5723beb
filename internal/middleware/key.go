package middleware

import (
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"
)

// Pagination-control argument names stripped before cache-key derivation:
// two logically identical requests that differ only in paging must share one
// cache entry.
const (
	argOffset     = "offset"
	argMaxResults = "maxResults"
	argCacheID    = "cacheId"
)

// CacheKey derives a deterministic key from a tool name and its arguments,
// excluding pagination controls. encoding/json marshals map keys in sorted
// order, so equivalent argument sets hash identically regardless of
// insertion order.
func CacheKey(tool string, args map[string]any) string {
	stripped := StripPagingArgs(args)
	data, err := json.Marshal(stripped)
	if err != nil {
		data = []byte("{}")
	}

	h := blake3.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write(data)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// StripPagingArgs returns a copy of args without the pagination-control
// fields. The input map is never modified.
func StripPagingArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case argOffset, argMaxResults, argCacheID:
			continue
		}
		out[k] = v
	}
	return out
}
