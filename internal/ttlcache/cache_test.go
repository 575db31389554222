package ttlcache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCacheEntryWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[bool](10, 5*time.Minute).WithClock(clock.Now)

	c.Set("a", true)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.True(t, v)

	clock.Advance(5*time.Minute - time.Nanosecond)
	_, ok = c.Get("a")
	assert.True(t, ok, "entry valid just inside the window")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry expires exactly at ttl")
	assert.Equal(t, 0, c.Len(), "expired entry removed on access")
}

func TestCachePerEntryTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New[string](10, 5*time.Minute).WithClock(clock.Now)

	c.SetWithTTL("short", "x", time.Minute)
	c.Set("long", "y")

	clock.Advance(2 * time.Minute)
	_, ok := c.Get("short")
	assert.False(t, ok)
	v, ok := c.Get("long")
	assert.True(t, ok)
	assert.Equal(t, "y", v)
}

func TestCacheDeleteAndPurge(t *testing.T) {
	c := New[int](10, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Purge()
	_, ok = c.Get("b")
	assert.False(t, ok)

	c.SetWithTTL("c", 3, 0)
	_, ok = c.Get("c")
	assert.False(t, ok, "non-positive ttl never caches")
}

func TestCacheBounded(t *testing.T) {
	c := New[int](2, time.Hour)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
}
