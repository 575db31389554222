package service

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/internal/ttlcache"
	"github.com/layer-3/walletgate/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAllowlistTTL  = 5 * time.Minute
	allowlistLoadTimeout = 4 * time.Second
	allowlistLoadKey     = "load"
	allowlistAddressKey  = "address:"
)

// allowlistState is one loaded snapshot of the configured addresses
type allowlistState struct {
	members  []string // canonical, configuration order, admins excluded
	allowed  map[string]struct{}
	admins   map[string]struct{}
	loadedAt time.Time
}

func (s *allowlistState) public() bool {
	return len(s.allowed) == 0
}

// Allowlist decides which wallet addresses may authenticate. An empty list
// is public mode. Every comparison uses canonical (EIP-55) addresses, so
// malformed input never matches.
type Allowlist struct {
	source ports.AllowlistSource
	admins []string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.RWMutex
	state     *allowlistState
	listeners []func()

	decisions *ttlcache.Cache[bool]
	group     singleflight.Group
}

// NewAllowlist creates an allow-list over source. admins are always allowed;
// when empty, the first configured address is the admin.
func NewAllowlist(source ports.AllowlistSource, admins []string, ttl time.Duration, logger zerolog.Logger) *Allowlist {
	if ttl <= 0 {
		ttl = DefaultAllowlistTTL
	}
	return &Allowlist{
		source:    source,
		admins:    eth.NormalizeAll(admins),
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
		decisions: ttlcache.New[bool](0, ttl),
	}
}

// WithClock replaces the time source, for tests
func (a *Allowlist) WithClock(now func() time.Time) *Allowlist {
	a.now = now
	a.decisions.WithClock(now)
	return a
}

// OnChange registers fn to run after the configured addresses change
func (a *Allowlist) OnChange(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// Replace swaps the configured addresses. Listeners fire only when the
// effective list differs from the previous one.
func (a *Allowlist) Replace(addresses []string) {
	members := eth.NormalizeAll(addresses)
	next := &allowlistState{
		allowed:  make(map[string]struct{}, len(members)+len(a.admins)),
		admins:   make(map[string]struct{}, len(a.admins)),
		loadedAt: a.now(),
	}
	for _, admin := range a.admins {
		next.admins[admin] = struct{}{}
		next.allowed[admin] = struct{}{}
	}
	for _, m := range members {
		next.allowed[m] = struct{}{}
		if _, isAdmin := next.admins[m]; !isAdmin {
			next.members = append(next.members, m)
		}
	}
	if len(a.admins) == 0 && len(members) > 0 {
		next.admins[members[0]] = struct{}{}
	}

	a.mu.Lock()
	prev := a.state
	a.state = next
	changed := prev == nil || !slices.Equal(prev.members, next.members)
	listeners := slices.Clone(a.listeners)
	a.mu.Unlock()

	a.decisions.Purge()
	if !changed {
		return
	}
	a.logger.Info().
		Int("addresses", len(next.allowed)).
		Bool("public", next.public()).
		Msg("allowlist updated")
	for _, fn := range listeners {
		fn()
	}
}

// Reload fetches the addresses from the source and applies them
func (a *Allowlist) Reload(ctx context.Context) error {
	addresses, err := a.source.Addresses(ctx)
	if err != nil {
		return err
	}
	a.Replace(addresses)
	return nil
}

// Invalidate drops the cached decision for address
func (a *Allowlist) Invalidate(address string) {
	a.decisions.Delete(eth.NormalizeAddress(address))
}

// Clear drops every cached decision and forces the next check to reload
func (a *Allowlist) Clear() {
	a.mu.Lock()
	if a.state != nil {
		a.state.loadedAt = time.Time{}
	}
	a.mu.Unlock()
	a.decisions.Purge()
}

// current returns the loaded state if it is still fresh
func (a *Allowlist) current() (*allowlistState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state == nil || a.now().Sub(a.state.loadedAt) >= a.ttl {
		return a.state, false
	}
	return a.state, true
}

// load returns a fresh state, reloading from the source at most once for
// concurrent callers. A failed reload keeps serving the previous state.
func (a *Allowlist) load(ctx context.Context) (*allowlistState, error) {
	if state, fresh := a.current(); fresh {
		return state, nil
	}

	// The shared reload outlives any single caller's context
	ch := a.group.DoChan(allowlistLoadKey, func() (any, error) {
		// A caller that saw a stale state may arrive after another reload finished
		if _, fresh := a.current(); fresh {
			return nil, nil
		}
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), allowlistLoadTimeout)
		defer cancel()
		return nil, a.Reload(loadCtx)
	})

	var err error
	select {
	case res := <-ch:
		err = res.Err
		if err != nil {
			a.group.Forget(allowlistLoadKey)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		if state, _ := a.current(); state != nil {
			a.logger.Warn().Err(err).Msg("allowlist reload failed, keeping previous list")
			return state, nil
		}
		return nil, err
	}
	state, _ := a.current()
	return state, nil
}

// IsPublicMode reports whether no addresses are configured. A source that
// cannot be read is treated as restricted.
func (a *Allowlist) IsPublicMode(ctx context.Context) bool {
	state, err := a.load(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("allowlist unavailable")
		return false
	}
	return state.public()
}

// Count returns the number of configured addresses, admins included
func (a *Allowlist) Count(ctx context.Context) int {
	state, err := a.load(ctx)
	if err != nil {
		return 0
	}
	return len(state.allowed)
}

// IsAddressAllowed answers from cached data only. It never reloads and
// returns false when nothing fresh is cached.
func (a *Allowlist) IsAddressAllowed(address string, hasValidToken bool) bool {
	if hasValidToken {
		return true
	}
	state, fresh := a.current()
	if !fresh {
		return false
	}
	if state.public() {
		return true
	}
	canonical := eth.NormalizeAddress(address)
	if allowed, ok := a.decisions.Get(canonical); ok {
		return allowed
	}
	_, ok := state.allowed[canonical]
	return ok
}

// IsAddressAllowedAsync checks address, reloading the list when stale.
// Concurrent checks of one address share a single evaluation. Any failure
// denies.
func (a *Allowlist) IsAddressAllowedAsync(ctx context.Context, address string, hasValidToken bool) bool {
	if hasValidToken {
		return true
	}

	state, err := a.load(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("allowlist unavailable, denying")
		return false
	}
	if state.public() {
		return true
	}

	canonical := eth.NormalizeAddress(address)
	if allowed, ok := a.decisions.Get(canonical); ok {
		return allowed
	}

	v, _, _ := a.group.Do(allowlistAddressKey+canonical, func() (any, error) {
		_, ok := state.allowed[canonical]
		a.decisions.Set(canonical, ok)
		return ok, nil
	})
	allowed, ok := v.(bool)
	return ok && allowed
}

// IsAdmin reports whether address holds admin rights. Explicitly configured
// admins win; otherwise the first configured address is the admin. Public
// mode has no implicit admin.
func (a *Allowlist) IsAdmin(ctx context.Context, address string) bool {
	state, err := a.load(ctx)
	if err != nil {
		return false
	}
	_, ok := state.admins[eth.NormalizeAddress(address)]
	return ok
}
