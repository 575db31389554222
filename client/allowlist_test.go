package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	bob   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

// fakeAllowlistServer answers check-mode and validate-address, counting calls
type fakeAllowlistServer struct {
	public    bool
	allowed   map[string]bool
	modeCalls atomic.Int32
	calls     atomic.Int32
	// release, when set, holds validate-address until closed
	release chan struct{}
	// hang makes validate-address wait for the client to give up
	hang bool
}

func (f *fakeAllowlistServer) start(t *testing.T) *API {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-mode", func(w http.ResponseWriter, r *http.Request) {
		f.modeCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"isPublicMode": f.public, "addressCount": len(f.allowed)})
	})
	mux.HandleFunc("/auth/validate-address", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		if f.hang {
			<-r.Context().Done()
			return
		}
		if f.release != nil {
			<-f.release
		}
		var req struct {
			Address string `json:"address"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"isAllowed": f.allowed[req.Address]})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewAPI(srv.URL, nil)
}

func TestCheckerDeduplicatesConcurrentChecks(t *testing.T) {
	fake := &fakeAllowlistServer{allowed: map[string]bool{alice: true}, release: make(chan struct{})}
	checker := NewAllowlistChecker(fake.start(t), NewMemoryStorage(), time.Minute, zerolog.Nop())

	const callers = 20
	results := make([]bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = checker.IsAddressAllowedAsync(context.Background(), alice, false)
		}(i)
	}

	require.Eventually(t, func() bool { return fake.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fake.release)
	wg.Wait()

	assert.EqualValues(t, 1, fake.calls.Load())
	assert.EqualValues(t, 1, fake.modeCalls.Load())
	for _, allowed := range results {
		assert.True(t, allowed)
	}

	// Answered from cache afterwards
	assert.True(t, checker.IsAddressAllowed(alice, false))
	assert.True(t, checker.IsAddressAllowedAsync(context.Background(), alice, false))
	assert.EqualValues(t, 1, fake.calls.Load())
}

func TestCheckerFailsClosed(t *testing.T) {
	fake := &fakeAllowlistServer{allowed: map[string]bool{alice: true}}
	clock := newTestClock()
	checker := NewAllowlistChecker(fake.start(t), NewMemoryStorage(), time.Minute, zerolog.Nop()).WithClock(clock.Now)

	assert.False(t, checker.IsAddressAllowed(bob, false), "nothing cached")
	assert.False(t, checker.IsAddressAllowedAsync(context.Background(), bob, false))
	assert.True(t, checker.IsAddressAllowedAsync(context.Background(), alice, false))

	clock.Advance(time.Minute)
	assert.False(t, checker.IsAddressAllowed(alice, false), "cache expired")
	assert.False(t, checker.IsAddressAllowed(bob, false))
}

func TestCheckerPublicMode(t *testing.T) {
	fake := &fakeAllowlistServer{public: true}
	storage := NewMemoryStorage()
	checker := NewAllowlistChecker(fake.start(t), storage, time.Minute, zerolog.Nop())

	_, ok := checker.PersistedPublicMode()
	assert.False(t, ok)

	assert.True(t, checker.IsPublicMode(context.Background()))
	assert.True(t, checker.IsAddressAllowedAsync(context.Background(), bob, false))
	assert.True(t, checker.IsAddressAllowed(bob, false))
	assert.Zero(t, fake.calls.Load())

	public, ok := checker.PersistedPublicMode()
	assert.True(t, ok)
	assert.True(t, public)
}

func TestCheckerValidTokenShortCircuits(t *testing.T) {
	fake := &fakeAllowlistServer{}
	checker := NewAllowlistChecker(fake.start(t), NewMemoryStorage(), time.Minute, zerolog.Nop())

	assert.True(t, checker.IsAddressAllowedAsync(context.Background(), bob, true))
	assert.True(t, checker.IsAddressAllowed(bob, false), "cached by the token fast path")
	assert.Zero(t, fake.calls.Load())
	assert.Zero(t, fake.modeCalls.Load())

	checker.Invalidate(bob)
	assert.False(t, checker.IsAddressAllowed(bob, false))
}

func TestCheckerTimeout(t *testing.T) {
	t.Run("without token denies", func(t *testing.T) {
		fake := &fakeAllowlistServer{hang: true}
		checker := NewAllowlistChecker(fake.start(t), NewMemoryStorage(), time.Minute, zerolog.Nop()).
			WithTimeout(50 * time.Millisecond)

		assert.False(t, checker.IsAddressAllowedAsync(context.Background(), alice, false))
		assert.False(t, checker.IsAddressAllowed(alice, false))
	})

	t.Run("with token trusts for a minute", func(t *testing.T) {
		fake := &fakeAllowlistServer{hang: true}
		storage := NewMemoryStorage()
		require.NoError(t, storage.Set(KeyToken, "a.b.c"))
		clock := newTestClock()
		checker := NewAllowlistChecker(fake.start(t), storage, 5*time.Minute, zerolog.Nop()).
			WithTimeout(50 * time.Millisecond).
			WithClock(clock.Now)

		assert.True(t, checker.IsAddressAllowedAsync(context.Background(), alice, false))
		assert.True(t, checker.IsAddressAllowed(alice, false))

		clock.Advance(time.Minute)
		assert.False(t, checker.IsAddressAllowed(alice, false))
	})
}

func TestCheckerCallerCancellation(t *testing.T) {
	fake := &fakeAllowlistServer{allowed: map[string]bool{alice: true}, release: make(chan struct{})}
	checker := NewAllowlistChecker(fake.start(t), NewMemoryStorage(), time.Minute, zerolog.Nop())
	require.False(t, checker.IsPublicMode(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() { done <- checker.IsAddressAllowedAsync(ctx, alice, false) }()

	require.Eventually(t, func() bool { return fake.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.False(t, <-done)

	// The shared request still completes and fills the cache
	close(fake.release)
	require.Eventually(t, func() bool { return checker.IsAddressAllowed(alice, false) }, time.Second, 5*time.Millisecond)
}
