package service

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const DefaultVerifyCacheTTL = time.Minute

// VerifiedToken is what the gateway remembers about a token that passed
// verification and the allow-list
type VerifiedToken struct {
	UserID    string
	Address   string
	IsAdmin   bool
	Allowed   bool
	ExpiresAt time.Time
}

// VerificationCache skips re-verifying identical tokens inside a short window
type VerificationCache struct {
	cache *ristretto.Cache[string, *VerifiedToken]
	ttl   time.Duration
	now   func() time.Time
}

// NewVerificationCache creates a cache holding entries for at most ttl
func NewVerificationCache(ttl time.Duration) (*VerificationCache, error) {
	if ttl <= 0 {
		ttl = DefaultVerifyCacheTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *VerifiedToken]{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
		// Every entry costs 1, so MaxCost is an entry count
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verification cache: %w", err)
	}

	return &VerificationCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached result for token
func (c *VerificationCache) Get(token string) (*VerifiedToken, bool) {
	result, ok := c.cache.Get(token)
	if !ok || result == nil {
		return nil, false
	}
	// The entry never outlives the token, even if ristretto has not evicted it yet
	if !result.ExpiresAt.IsZero() && !c.now().Before(result.ExpiresAt) {
		c.cache.Del(token)
		return nil, false
	}
	return result, true
}

// Set caches result until the cache TTL or the token expiry, whichever is first
func (c *VerificationCache) Set(token string, result *VerifiedToken) {
	ttl := c.ttl
	if !result.ExpiresAt.IsZero() {
		if remaining := result.ExpiresAt.Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(token, result, 1, ttl)
	c.cache.Wait()
}

// Delete drops the entry for token
func (c *VerificationCache) Delete(token string) {
	c.cache.Del(token)
}

// Clear drops every entry
func (c *VerificationCache) Clear() {
	c.cache.Clear()
}

// Close stops the cache's background goroutines
func (c *VerificationCache) Close() {
	c.cache.Close()
}
