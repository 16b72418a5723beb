package middleware

import (
	"fmt"
	"sort"
)

// collectionFields is the prioritized list of conventional field names the
// primary data collection is looked up under.
var collectionFields = []string{
	"items", "results", "data", "records", "entries", "list",
	"hosts", "metrics", "series", "events", "alerts",
}

// fallbackArrayMin is the minimum element count for the "any array field"
// fallback when no conventional field matches.
const fallbackArrayMin = 5

// Collection identifies the primary data collection inside a tool result.
type Collection struct {
	Field string
	Array []any          // set when the collection is an array
	Map   map[string]any // set when the collection is a keyed object
}

// Len returns the collection's element count.
func (c *Collection) Len() int {
	if c.Map != nil {
		return len(c.Map)
	}
	return len(c.Array)
}

// FindCollection scans result for the primary data collection: first over
// the conventional field names, then falling back to the first array field
// with more than fallbackArrayMin elements. Returns nil when the result is
// not paginatable.
func FindCollection(result map[string]any) *Collection {
	for _, field := range collectionFields {
		switch v := result[field].(type) {
		case []any:
			return &Collection{Field: field, Array: v}
		case map[string]any:
			if len(v) > 0 {
				return &Collection{Field: field, Map: v}
			}
		}
	}
	// Fallback: any array field with a meaningful number of elements,
	// scanned in stable key order.
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if arr, ok := result[k].([]any); ok && len(arr) > fallbackArrayMin {
			return &Collection{Field: k, Array: arr}
		}
	}
	return nil
}

// Page is the pagination metadata block attached to a sliced result.
type Page struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	Returned   int    `json:"returned"`
	Total      int    `json:"total"`
	HasMore    bool   `json:"hasMore"`
	NextOffset *int   `json:"nextOffset"`
	Field      string `json:"field"`
	Hint       string `json:"hint"`
}

// Slice cuts the collection to [offset, offset+limit) and returns the
// sliced value plus the pagination metadata. Keyed maps are sliced over
// their sorted key order so successive pages are stable.
func (c *Collection) Slice(offset, limit, total int, cacheID string) (any, *Page) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	var sliced any
	if c.Map != nil {
		keys := make([]string, 0, len(c.Map))
		for k := range c.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sub := make(map[string]any, end-offset)
		for _, k := range keys[offset:end] {
			sub[k] = c.Map[k]
		}
		sliced = sub
	} else {
		sliced = c.Array[offset:end]
	}

	returned := end - offset
	page := &Page{
		Offset:   offset,
		Limit:    limit,
		Returned: returned,
		Total:    total,
		HasMore:  end < total,
		Field:    c.Field,
	}
	if page.HasMore {
		next := offset + returned
		page.NextOffset = &next
		page.Hint = fmt.Sprintf(
			"Showing %d-%d of %d. Repeat the call with cacheId=%q and offset=%d for the next page.",
			offset, end-1, total, cacheID, next)
	}
	return sliced, page
}
