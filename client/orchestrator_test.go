package client

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWallet(t *testing.T) *KeyWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return NewKeyWallet("test-wallet", key)
}

func firstAccount(t *testing.T, w *KeyWallet) string {
	t.Helper()
	accounts, err := w.Accounts(context.Background())
	require.NoError(t, err)
	return accounts[0]
}

// signIn connects, selects the first account and signs in
func signIn(t *testing.T, o *Orchestrator, w *KeyWallet) {
	t.Helper()
	ctx := context.Background()
	_, err := o.Connect(ctx)
	require.NoError(t, err)
	state, err := o.SelectAccount(ctx, firstAccount(t, w))
	require.NoError(t, err)
	require.Equal(t, StateSignatureRequired, state)
	require.NoError(t, o.RequestSignature(ctx, firstAccount(t, w)))
	require.Equal(t, StateAuthenticated, o.State())
}

func TestOrchestratorSignInLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	w := newTestWallet(t)
	storage := NewMemoryStorage()
	o := newTestOrchestrator(t, srv, w, storage, Options{})

	var transitions []State
	require.NoError(t, o.Subscribe(EventStateChanged, func(from, to State) {
		transitions = append(transitions, to)
	}))

	accounts, err := o.Connect(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
	assert.Equal(t, StateAccountSelection, o.State(), "a single account still needs selecting")

	state, err := o.SelectAccount(ctx, accounts[0])
	require.NoError(t, err)
	assert.Equal(t, StateSignatureRequired, state)

	require.NoError(t, o.RequestSignature(ctx, accounts[0]))
	assert.Equal(t, StateAuthenticated, o.State())
	require.NotNil(t, o.User())
	assert.Equal(t, accounts[0], o.User().Address)

	token, ok := storage.Get(KeyToken)
	require.True(t, ok)
	walletName, _ := storage.Get(KeyWalletName)
	assert.Equal(t, "test-wallet", walletName)

	var verified VerifyResponse
	require.NoError(t, o.Do(ctx, http.MethodGet, "/wallet/verify", nil, &verified))
	assert.Equal(t, accounts[0], verified.Address)

	require.NoError(t, o.RefreshAuthToken(ctx))
	refreshed, _ := storage.Get(KeyToken)
	assert.NotEqual(t, token, refreshed)
	assert.Equal(t, StateAuthenticated, o.State())

	o.Logout(ctx)
	assert.Equal(t, StateLoggedOut, o.State())
	for _, key := range AllKeys {
		_, ok := storage.Get(key)
		assert.False(t, ok, key)
	}

	assert.Equal(t, []State{
		StateConnecting,
		StateAccountSelection,
		StateCheckingAllowlist,
		StateSignatureRequired,
		StateAuthenticating,
		StateAuthenticated,
		StateRefreshing,
		StateAuthenticated,
		StateLoggedOut,
	}, transitions)
}

func TestOrchestratorDeniedAddress(t *testing.T) {
	member, outsider := newTestWallet(t), newTestWallet(t)
	srv := newTestServer(t, firstAccount(t, member))
	o := newTestOrchestrator(t, srv, outsider, nil, Options{AutoSign: true})

	_, err := o.Connect(context.Background())
	require.NoError(t, err)
	state, err := o.SelectAccount(context.Background(), firstAccount(t, outsider))
	require.NoError(t, err)
	assert.Equal(t, StateDenied, state)

	err = o.RequestSignature(context.Background(), firstAccount(t, outsider))
	assert.ErrorIs(t, err, core.ErrAddressNotAllowed)
}

func TestOrchestratorSignatureRejected(t *testing.T) {
	srv := newTestServer(t)
	w := newTestWallet(t)
	w.RejectWith(errors.New("User rejected the request."))
	o := newTestOrchestrator(t, srv, w, nil, Options{})

	rejected := make(chan string, 1)
	require.NoError(t, o.Subscribe(EventSignatureRejected, func(address string) {
		rejected <- address
	}))

	_, err := o.Connect(context.Background())
	require.NoError(t, err)
	_, err = o.SelectAccount(context.Background(), firstAccount(t, w))
	require.NoError(t, err)

	err = o.RequestSignature(context.Background(), firstAccount(t, w))
	assert.ErrorIs(t, err, core.ErrSignatureRejected)
	assert.True(t, o.Rejected())
	assert.Equal(t, StateSignatureRequired, o.State())
	assert.Equal(t, firstAccount(t, w), <-rejected)

	// Signing again after user action clears the flag
	w.RejectWith(nil)
	require.NoError(t, o.RequestSignature(context.Background(), firstAccount(t, w)))
	assert.False(t, o.Rejected())
}

func TestOrchestratorAutoSign(t *testing.T) {
	srv := newTestServer(t)
	w := newTestWallet(t)
	o := newTestOrchestrator(t, srv, w, nil, Options{AutoSign: true, SignDebounce: 10 * time.Millisecond})

	_, err := o.Connect(context.Background())
	require.NoError(t, err)
	_, err = o.SelectAccount(context.Background(), firstAccount(t, w))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.State() == StateAuthenticated }, 2*time.Second, 10*time.Millisecond)
}

func TestOrchestratorAutoSignSkippedAfterRejection(t *testing.T) {
	srv := newTestServer(t)
	w := newTestWallet(t)
	w.RejectWith(errors.New("user denied message signature"))
	o := newTestOrchestrator(t, srv, w, nil, Options{AutoSign: true, SignDebounce: 10 * time.Millisecond})

	_, err := o.Connect(context.Background())
	require.NoError(t, err)
	_, err = o.SelectAccount(context.Background(), firstAccount(t, w))
	require.NoError(t, err)
	require.Eventually(t, o.Rejected, 2*time.Second, 10*time.Millisecond)

	// Selecting again must not prompt the wallet
	w.RejectWith(nil)
	_, err = o.SelectAccount(context.Background(), firstAccount(t, w))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateSignatureRequired, o.State())
}

func TestOrchestratorSelectResumesSession(t *testing.T) {
	srv := newTestServer(t)
	w := newTestWallet(t)
	storage := NewMemoryStorage()
	signIn(t, newTestOrchestrator(t, srv, w, storage, Options{}), w)

	o := newTestOrchestrator(t, srv, w, storage, Options{})
	_, err := o.Connect(context.Background())
	require.NoError(t, err)
	state, err := o.SelectAccount(context.Background(), firstAccount(t, w))
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, state)
	require.NotNil(t, o.User())
}

func TestRestoreExpiredToken(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	w := newTestWallet(t)
	storage := NewMemoryStorage()
	signIn(t, newTestOrchestrator(t, srv, w, storage, Options{}), w)

	srv.clock.Advance(2 * time.Hour)

	o := newTestOrchestrator(t, srv, w, storage, Options{})
	state, err := o.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateTokenExpired, state)
	assert.True(t, o.TokenExpired())

	// Known-expired tokens are not sent
	err = o.Do(ctx, http.MethodGet, "/wallet/verify", nil, nil)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	require.NoError(t, o.RefreshAuthToken(ctx))
	assert.False(t, o.TokenExpired())
	assert.Equal(t, StateAuthenticated, o.State())
	require.NoError(t, o.Do(ctx, http.MethodGet, "/wallet/verify", nil, nil))
}

func TestDoMarksExpiry(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	w := newTestWallet(t)
	o := newTestOrchestrator(t, srv, w, nil, Options{})
	signIn(t, o, w)

	srv.clock.Advance(2 * time.Hour)
	err := o.Do(ctx, http.MethodGet, "/wallet/verify", nil, nil)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeTokenExpired, apiErr.Code)
	assert.True(t, o.TokenExpired())
	assert.Equal(t, StateTokenExpired, o.State())
}

func TestRestoreDefersLogoutForDisallowedAddress(t *testing.T) {
	ctx := context.Background()
	w, other := newTestWallet(t), newTestWallet(t)
	srv := newTestServer(t, firstAccount(t, w))
	storage := NewMemoryStorage()
	signIn(t, newTestOrchestrator(t, srv, w, storage, Options{}), w)

	// The address leaves the allow-list while the client is away
	srv.allowlist.Replace([]string{firstAccount(t, other)})

	o := newTestOrchestrator(t, srv, w, storage, Options{LogoutDelay: 200 * time.Millisecond})
	_, err := o.Restore(ctx)
	require.NoError(t, err)

	_, ok := storage.Get(KeyToken)
	assert.True(t, ok, "logout is deferred")
	assert.NotEqual(t, StateLoggedOut, o.State())

	require.Eventually(t, func() bool { return o.State() == StateLoggedOut }, 2*time.Second, 10*time.Millisecond)
	_, ok = storage.Get(KeyToken)
	assert.False(t, ok)
}

func TestRestoreWithoutToken(t *testing.T) {
	srv := newTestServer(t)
	o := newTestOrchestrator(t, srv, newTestWallet(t), nil, Options{})
	state, err := o.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, state)
}

func TestRefreshFailureLogsOut(t *testing.T) {
	srv := newTestServer(t)
	storage := NewMemoryStorage()
	require.NoError(t, storage.Set(KeyToken, "aaa.bbb.ccc"))
	o := newTestOrchestrator(t, srv, newTestWallet(t), storage, Options{})

	err := o.RefreshAuthToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateLoggedOut, o.State())
	_, ok := storage.Get(KeyToken)
	assert.False(t, ok)
}

func TestRefreshFailureLeavesNoExpiryFlag(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	w := newTestWallet(t)
	o := newTestOrchestrator(t, srv, w, nil, Options{})
	signIn(t, o, w)

	srv.clock.Advance(8 * 24 * time.Hour)
	err := o.RefreshAuthToken(ctx)
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeTokenExpired, apiErr.Code)

	assert.Equal(t, StateLoggedOut, o.State())
	assert.False(t, o.TokenExpired(), "logout resets the expiry flag")
}

func TestFileStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "walletgate.json")

	s, err := OpenFileStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyToken, "a.b.c"))
	require.NoError(t, s.Set(KeyAddress, alice))

	reopened, err := OpenFileStorage(path)
	require.NoError(t, err)
	token, ok := reopened.Get(KeyToken)
	assert.True(t, ok)
	assert.Equal(t, "a.b.c", token)

	require.NoError(t, reopened.Clear(AllKeys...))
	reopened, err = OpenFileStorage(path)
	require.NoError(t, err)
	_, ok = reopened.Get(KeyAddress)
	assert.False(t, ok)

	entries, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".walletgate-*"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files are renamed or removed")
}
