package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingSource counts reads and can block them until released
type countingSource struct {
	mu        sync.Mutex
	addresses []string
	err       error
	calls     atomic.Int32
	gate      chan struct{}
}

func (s *countingSource) Addresses(ctx context.Context) ([]string, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addresses, s.err
}

func (s *countingSource) set(addresses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses = addresses
}

type recordedEvent struct {
	kind, userID, address, tokenID string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) record(kind, userID, address, tokenID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{kind, userID, address, tokenID})
	return nil
}

func (p *recordingPublisher) PublishLogin(_ context.Context, userID, address, tokenID string) error {
	return p.record("login", userID, address, tokenID)
}

func (p *recordingPublisher) PublishRefresh(_ context.Context, userID, address, tokenID string) error {
	return p.record("refresh", userID, address, tokenID)
}

func (p *recordingPublisher) PublishLogout(_ context.Context, userID, address, tokenID string) error {
	return p.record("logout", userID, address, tokenID)
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]string, len(p.events))
	for i, e := range p.events {
		kinds[i] = e.kind
	}
	return kinds
}

var errSourceDown = errors.New("source down")

type wallet struct {
	key     *ecdsa.PrivateKey
	address string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, address: eth.AddressOf(key)}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := eth.SignPersonal(w.key, message)
	require.NoError(t, err)
	return sig
}

type testEnv struct {
	clock     *fakeClock
	store     *store.MemoryStore
	source    *countingSource
	allowlist *Allowlist
	tokenizer *tokenizer.JWTTokenizer
	tokens    *TokenService
	auth      *AuthService
	events    *recordingPublisher
	expiry    *MemoryExpiryState
}

func newTestEnv(t *testing.T, requireChallenge bool, allowed ...string) *testEnv {
	t.Helper()
	clock := newFakeClock()
	logger := zerolog.Nop()

	memStore := store.NewMemoryStore().WithClock(clock.Now)
	source := &countingSource{addresses: allowed}
	list := NewAllowlist(source, nil, time.Minute, logger).WithClock(clock.Now)

	tok, err := tokenizer.NewJWTTokenizer([]byte("service-test-secret"))
	require.NoError(t, err)
	tok.WithClock(clock.Now)

	events := &recordingPublisher{}
	tokens := NewTokenService(tok, memStore, memStore, list, events, time.Hour, logger).WithClock(clock.Now)

	cache, err := NewVerificationCache(time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	cache.now = clock.Now

	expiry := NewMemoryExpiryState(time.Hour)
	auth := NewAuthService(tokens, list, memStore, events, cache, expiry,
		AuthOptions{RequireChallenge: requireChallenge}, logger).WithClock(clock.Now)

	return &testEnv{
		clock:     clock,
		store:     memStore,
		source:    source,
		allowlist: list,
		tokenizer: tok,
		tokens:    tokens,
		auth:      auth,
		events:    events,
		expiry:    expiry,
	}
}

// login signs a fresh challenge for w and logs in
func (e *testEnv) login(t *testing.T, w wallet) *LoginResult {
	t.Helper()
	ctx := context.Background()
	challenge, err := e.auth.CreateChallenge(ctx, w.address)
	require.NoError(t, err)
	result, err := e.auth.Login(ctx, w.address, w.sign(t, challenge.Message), challenge.Message)
	require.NoError(t, err)
	return result
}
