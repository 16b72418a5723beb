package middleware

import (
	"fmt"
	"testing"
)

func makeArray(n int) []any {
	arr := make([]any, n)
	for i := range arr {
		arr[i] = fmt.Sprintf("item-%03d", i)
	}
	return arr
}

func TestSliceArray(t *testing.T) {
	cases := []struct {
		offset, limit  int
		wantReturned   int
		wantHasMore    bool
		wantNextOffset int // -1 means nil
	}{
		{0, 10, 10, true, 10},
		{90, 10, 10, false, -1},
		{95, 10, 5, false, -1},
		{0, 100, 100, false, -1},
	}
	for _, tc := range cases {
		coll := &Collection{Field: "items", Array: makeArray(100)}
		sliced, page := coll.Slice(tc.offset, tc.limit, 100, "key")
		arr := sliced.([]any)
		if len(arr) != tc.wantReturned {
			t.Errorf("offset=%d limit=%d: returned %d items, want %d", tc.offset, tc.limit, len(arr), tc.wantReturned)
		}
		if page.Returned != tc.wantReturned {
			t.Errorf("offset=%d: page.Returned = %d, want %d", tc.offset, page.Returned, tc.wantReturned)
		}
		if page.HasMore != tc.wantHasMore {
			t.Errorf("offset=%d: hasMore = %v, want %v", tc.offset, page.HasMore, tc.wantHasMore)
		}
		if tc.wantNextOffset == -1 {
			if page.NextOffset != nil {
				t.Errorf("offset=%d: nextOffset = %d, want nil", tc.offset, *page.NextOffset)
			}
		} else if page.NextOffset == nil || *page.NextOffset != tc.wantNextOffset {
			t.Errorf("offset=%d: nextOffset = %v, want %d", tc.offset, page.NextOffset, tc.wantNextOffset)
		}
	}
}

func TestSliceKeyedMap(t *testing.T) {
	m := map[string]any{}
	for i := 0; i < 30; i++ {
		m[fmt.Sprintf("host-%02d", i)] = i
	}
	coll := &Collection{Field: "hosts", Map: m}
	sliced, page := coll.Slice(10, 10, 30, "key")
	sub := sliced.(map[string]any)
	if len(sub) != 10 {
		t.Fatalf("sliced map has %d keys, want 10", len(sub))
	}
	// Keyed maps slice over sorted key order.
	if _, ok := sub["host-10"]; !ok {
		t.Error("expected host-10 in second page")
	}
	if _, ok := sub["host-00"]; ok {
		t.Error("host-00 should not be in second page")
	}
	if !page.HasMore || page.NextOffset == nil || *page.NextOffset != 20 {
		t.Errorf("unexpected page metadata: %+v", page)
	}
}

func TestFindCollectionPriority(t *testing.T) {
	result := map[string]any{
		"meta":  map[string]any{"x": 1},
		"hosts": []any{"a"},
		"items": []any{"b"},
	}
	coll := FindCollection(result)
	if coll == nil || coll.Field != "items" {
		t.Fatalf("expected items to win the priority scan, got %+v", coll)
	}
}

func TestFindCollectionArrayFallback(t *testing.T) {
	result := map[string]any{
		"small": []any{1, 2},
		"big":   makeArray(10),
	}
	coll := FindCollection(result)
	if coll == nil || coll.Field != "big" {
		t.Fatalf("expected fallback to the large array field, got %+v", coll)
	}
}

func TestFindCollectionNone(t *testing.T) {
	if coll := FindCollection(map[string]any{"value": 3, "small": []any{1}}); coll != nil {
		t.Errorf("expected nil for non-paginatable result, got %+v", coll)
	}
}
