package middleware

import "testing"

func TestCacheKeyDeterministic(t *testing.T) {
	a := map[string]any{"hosts": []any{"web-01"}, "metric": "hw.status"}
	b := map[string]any{"metric": "hw.status", "hosts": []any{"web-01"}}
	if CacheKey("PingHost", a) != CacheKey("PingHost", b) {
		t.Error("key depends on argument insertion order")
	}
}

func TestCacheKeyIgnoresPagingArgs(t *testing.T) {
	base := map[string]any{"metric": "hw.status"}
	paged := map[string]any{
		"metric":     "hw.status",
		"offset":     float64(50),
		"maxResults": float64(10),
		"cacheId":    "explicit",
	}
	if CacheKey("PingHost", base) != CacheKey("PingHost", paged) {
		t.Error("pagination fields leaked into the cache key")
	}
}

func TestCacheKeyVariesByTool(t *testing.T) {
	args := map[string]any{"metric": "hw.status"}
	if CacheKey("PingHost", args) == CacheKey("CheckHost", args) {
		t.Error("different tools produced the same key")
	}
}

func TestCacheKeyVariesByArgs(t *testing.T) {
	if CacheKey("PingHost", map[string]any{"metric": "a"}) == CacheKey("PingHost", map[string]any{"metric": "b"}) {
		t.Error("different arguments produced the same key")
	}
}

func TestStripPagingArgsDoesNotMutate(t *testing.T) {
	args := map[string]any{"offset": float64(5), "metric": "x"}
	out := StripPagingArgs(args)
	if _, ok := out["offset"]; ok {
		t.Error("offset not stripped")
	}
	if _, ok := args["offset"]; !ok {
		t.Error("input map was mutated")
	}
}
