// Package ttlcache is a size-bounded cache whose entries stay valid for a
// fixed window from the moment they were written.
package ttlcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds the number of entries when New is given size <= 0
const DefaultSize = 10_000

// Entry is a cached value and the time it was cached
type Entry[V any] struct {
	Value    V
	CachedAt time.Time
	TTL      time.Duration
}

// Valid reports whether the entry is still inside its window at now
func (e Entry[V]) Valid(now time.Time) bool {
	return now.Sub(e.CachedAt) < e.TTL
}

// Cache maps string keys to values with a per-entry TTL
type Cache[V any] struct {
	mu      sync.Mutex
	entries *lru.Cache[string, Entry[V]]
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache whose entries default to ttl
func New[V any](size int, ttl time.Duration) *Cache[V] {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only fails for a non-positive size
	entries, _ := lru.New[string, Entry[V]](size)
	return &Cache[V]{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// TTL returns the default entry window
func (c *Cache[V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if it is cached and still valid.
// Expired entries are removed on access.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	entry, ok := c.entries.Get(key)
	if !ok {
		return zero, false
	}
	if !entry.Valid(c.now()) {
		c.entries.Remove(key)
		return zero, false
	}
	return entry.Value, true
}

// Set caches value under key with the default window
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL caches value under key for ttl. A non-positive ttl removes the key.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		c.entries.Remove(key)
		return
	}
	c.entries.Add(key, Entry[V]{Value: value, CachedAt: c.now(), TTL: ttl})
}

// Delete removes key
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Purge removes every entry
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of stored entries, including expired ones not yet evicted
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
