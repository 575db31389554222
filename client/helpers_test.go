package client

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/adapters/allowlist"
	"github.com/layer-3/walletgate/adapters/events"
	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/service"
	transport "github.com/layer-3/walletgate/transport/http"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testServer is a full walletgate server on httptest
type testServer struct {
	url       string
	allowlist *service.Allowlist
	clock     *testClock
}

func newTestServer(t *testing.T, allowed ...string) *testServer {
	t.Helper()
	logger := zerolog.Nop()
	clock := newTestClock()

	memStore := store.NewMemoryStore().WithClock(clock.Now)
	list := service.NewAllowlist(allowlist.NewStaticSource(allowed), nil, time.Minute, logger).WithClock(clock.Now)

	tok, err := tokenizer.NewJWTTokenizer([]byte("client-test-secret"))
	require.NoError(t, err)
	tok.WithClock(clock.Now)

	tokens := service.NewTokenService(tok, memStore, memStore, list, events.NoopPublisher{}, time.Hour, logger).WithClock(clock.Now)
	cache, err := service.NewVerificationCache(time.Minute)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	auth := service.NewAuthService(tokens, list, memStore, events.NoopPublisher{}, cache,
		service.NewMemoryExpiryState(time.Hour), service.AuthOptions{RequireChallenge: true}, logger).WithClock(clock.Now)

	srv := httptest.NewServer(transport.SetupRouter(transport.RouterOptions{
		AuthService: auth,
		Devices:     service.NewDeviceRegistry(memStore, logger),
		Logger:      logger,
	}))
	t.Cleanup(srv.Close)

	return &testServer{url: srv.URL, allowlist: list, clock: clock}
}

func newTestOrchestrator(t *testing.T, srv *testServer, wallet Wallet, storage Storage, opts Options) *Orchestrator {
	t.Helper()
	if storage == nil {
		storage = NewMemoryStorage()
	}
	opts.Logger = zerolog.Nop()
	return NewOrchestrator(NewAPI(srv.url, nil), wallet, storage, nil, opts)
}
