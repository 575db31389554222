package client

import (
	"context"
	"strconv"
	"time"

	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/internal/ttlcache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAllowlistTTL     = 5 * time.Minute
	DefaultAllowlistTimeout = 4 * time.Second
	// optimisticTTL bounds how long a timed-out check is trusted for a
	// wallet that already holds a token
	optimisticTTL = time.Minute

	modeKey = "mode"
)

// AllowlistChecker answers allow-list questions from the server, caching
// results and sharing in-flight requests
type AllowlistChecker struct {
	api     *API
	storage Storage
	timeout time.Duration
	logger  zerolog.Logger

	mode      *ttlcache.Cache[bool]
	decisions *ttlcache.Cache[bool]
	group     singleflight.Group
}

// NewAllowlistChecker creates a checker. storage is consulted for an
// existing token when a check times out.
func NewAllowlistChecker(api *API, storage Storage, ttl time.Duration, logger zerolog.Logger) *AllowlistChecker {
	if ttl <= 0 {
		ttl = DefaultAllowlistTTL
	}
	return &AllowlistChecker{
		api:       api,
		storage:   storage,
		timeout:   DefaultAllowlistTimeout,
		logger:    logger,
		mode:      ttlcache.New[bool](1, ttl),
		decisions: ttlcache.New[bool](1024, ttl),
	}
}

// WithTimeout bounds each network check
func (c *AllowlistChecker) WithTimeout(timeout time.Duration) *AllowlistChecker {
	c.timeout = timeout
	return c
}

// WithClock replaces the time source of the caches, for tests
func (c *AllowlistChecker) WithClock(now func() time.Time) *AllowlistChecker {
	c.mode.WithClock(now)
	c.decisions.WithClock(now)
	return c
}

// share runs fn once for all concurrent callers of key. fn gets a context
// detached from any caller and bounded by the check timeout.
func (c *AllowlistChecker) share(ctx context.Context, key string, fn func(ctx context.Context) (bool, error)) (bool, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return fn(checkCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.group.Forget(key)
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// IsPublicMode asks the server whether it runs without an allow-list. The
// answer is cached and persisted; failures report false.
func (c *AllowlistChecker) IsPublicMode(ctx context.Context) bool {
	if public, ok := c.mode.Get(modeKey); ok {
		return public
	}

	public, err := c.share(ctx, modeKey, func(ctx context.Context) (bool, error) {
		// A late caller may arrive after another check finished
		if public, ok := c.mode.Get(modeKey); ok {
			return public, nil
		}
		resp, err := c.api.CheckMode(ctx)
		if err != nil {
			return false, err
		}
		c.mode.Set(modeKey, resp.IsPublicMode)
		if err := c.storage.Set(KeyPublicMode, strconv.FormatBool(resp.IsPublicMode)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to persist public mode")
		}
		return resp.IsPublicMode, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("public mode check failed")
		return false
	}
	return public
}

// PersistedPublicMode returns the last public mode answer saved to storage
func (c *AllowlistChecker) PersistedPublicMode() (public, ok bool) {
	v, found := c.storage.Get(KeyPublicMode)
	if !found {
		return false, false
	}
	public, err := strconv.ParseBool(v)
	return public, err == nil
}

// IsAddressAllowed answers from cache only
func (c *AllowlistChecker) IsAddressAllowed(address string, hasValidToken bool) bool {
	canonical := eth.NormalizeAddress(address)
	if hasValidToken {
		c.decisions.Set(canonical, true)
		return true
	}
	if public, ok := c.mode.Get(modeKey); ok && public {
		return true
	}
	allowed, ok := c.decisions.Get(canonical)
	return ok && allowed
}

// IsAddressAllowedAsync asks the server when nothing is cached. Concurrent
// checks of one address share a request. A timed-out check trusts a wallet
// that already holds a token for a minute; every other failure denies.
func (c *AllowlistChecker) IsAddressAllowedAsync(ctx context.Context, address string, hasValidToken bool) bool {
	canonical := eth.NormalizeAddress(address)
	if hasValidToken {
		c.decisions.Set(canonical, true)
		return true
	}
	if c.IsPublicMode(ctx) {
		return true
	}
	if allowed, ok := c.decisions.Get(canonical); ok {
		return allowed
	}

	allowed, err := c.share(ctx, "address:"+canonical, func(ctx context.Context) (bool, error) {
		if allowed, ok := c.decisions.Get(canonical); ok {
			return allowed, nil
		}
		allowed, err := c.api.ValidateAddress(ctx, canonical)
		if err != nil {
			return false, err
		}
		c.decisions.Set(canonical, allowed)
		return allowed, nil
	})
	if err == nil {
		return allowed
	}

	if isTimeout(err) {
		if token, ok := c.storage.Get(KeyToken); ok && token != "" {
			c.logger.Warn().Str("address", canonical).Msg("allowlist check timed out, trusting existing token")
			c.decisions.SetWithTTL(canonical, true, optimisticTTL)
			return true
		}
	}
	c.logger.Warn().Err(err).Str("address", canonical).Msg("allowlist check failed, denying")
	return false
}

// Invalidate drops the cached decision for address
func (c *AllowlistChecker) Invalidate(address string) {
	c.decisions.Delete(eth.NormalizeAddress(address))
}

// Clear drops every cached answer
func (c *AllowlistChecker) Clear() {
	c.mode.Purge()
	c.decisions.Purge()
}
