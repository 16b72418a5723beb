// Package payload provides size measurement, truncation and preview helpers
// for tool output framing. All functions are pure.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Chars returns the serialized character length of v. Strings are measured
// as-is; everything else is measured as compact JSON.
func Chars(v any) int {
	switch s := v.(type) {
	case string:
		return len(s)
	case nil:
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return len(fmt.Sprintf("%v", v))
	}
	return len(data)
}

// Truncate cuts s to at most max characters, appending a marker when content
// was dropped. The second return value reports whether truncation occurred.
func Truncate(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	const marker = "… [truncated]"
	if max <= len(marker) {
		return s[:max], true
	}
	return s[:max-len(marker)] + marker, true
}

// Preview renders a bounded structural summary of v: object keys with scalar
// samples, arrays as element counts. Nested structures are summarized one
// level deep. The result never exceeds maxChars.
func Preview(v any, maxChars int) string {
	s := previewValue(v, 0)
	out, _ := Truncate(s, maxChars)
	return out
}

func previewValue(v any, depth int) string {
	switch val := v.(type) {
	case map[string]any:
		if depth >= 2 {
			return fmt.Sprintf("{%d keys}", len(val))
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+previewValue(val[k], depth+1))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		if len(val) == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items, first: %s]", len(val), previewValue(val[0], depth+1))
	case string:
		sample, _ := Truncate(val, 40)
		return fmt.Sprintf("%q", sample)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", val)
	}
}
