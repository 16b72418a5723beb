package middleware

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a memoized tool result stays live.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheCapacity bounds the number of memoized results.
	DefaultCacheCapacity = 100
)

// CacheEntry is a memoized full (pre-pagination) tool result.
type CacheEntry struct {
	Tool       string
	Payload    any
	FileID     string
	FileName   string
	InsertedAt time.Time
}

// ResultCache memoizes full tool results keyed by the derived cache id so
// repeated page requests against the same logical query never re-execute the
// underlying call. Safe for concurrent use.
type ResultCache struct {
	mu       sync.Mutex
	entries  map[string]*CacheEntry
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewResultCache creates a cache with the given capacity and TTL.
// Zero values fall back to the defaults.
func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResultCache{
		entries:  make(map[string]*CacheEntry),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
	}
}

// Get returns the live entry for key, or nil if absent or expired.
func (c *ResultCache) Get(key string) *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.InsertedAt) > c.ttl {
		delete(c.entries, key)
		return nil
	}
	return entry
}

// Put stores an entry under key. At capacity, expired entries are evicted
// first; if the cache is still full, the oldest half is dropped.
func (c *ResultCache) Put(key string, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictLocked()
	}
	entry.InsertedAt = c.now()
	c.entries[key] = entry
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries. Intended for tests.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry)
}

func (c *ResultCache) evictLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.InsertedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}

	// Still full: drop the oldest half.
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, aged{key, entry.InsertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.key)
	}
}
