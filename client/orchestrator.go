package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/rs/zerolog"
)

// Event topics published by the Orchestrator
const (
	// EventStateChanged handlers receive (from, to State)
	EventStateChanged = "walletgate:state"
	// EventSignatureRejected handlers receive the address
	EventSignatureRejected = "walletgate:signature-rejected"
	// EventAllowlistStalled handlers receive the address
	EventAllowlistStalled = "walletgate:allowlist-stalled"
)

const (
	DefaultStallThreshold = 10 * time.Second
	DefaultSignDebounce   = 500 * time.Millisecond
	DefaultLogoutDelay    = 1500 * time.Millisecond

	backgroundTimeout = 30 * time.Second
)

var (
	ErrNoAccounts       = errors.New("wallet has no accounts")
	ErrNotAuthenticated = errors.New("not authenticated")

	rejectionPattern = regexp.MustCompile(`(?i)reject|cancel|denied`)
)

// Options tunes an Orchestrator
type Options struct {
	// AutoSign requests a signature once an account passes the allow-list
	AutoSign       bool
	SignDebounce   time.Duration
	StallThreshold time.Duration
	LogoutDelay    time.Duration
	AllowlistTTL   time.Duration
	Logger         zerolog.Logger
}

// Orchestrator drives a wallet through connect, allow-list check, signature
// login, refresh and logout. Its fields are never locked across network
// calls.
type Orchestrator struct {
	api       *API
	wallet    Wallet
	storage   Storage
	allowlist *AllowlistChecker
	expiry    AuthState
	bus       evbus.Bus
	opts      Options
	logger    zerolog.Logger

	mu          sync.Mutex
	state       State
	accounts    []string
	address     string
	user        *core.User
	rejected    bool
	signTimer   *time.Timer
	logoutTimer *time.Timer
}

// NewOrchestrator wires an orchestrator. A nil expiry uses MemoryAuthState.
func NewOrchestrator(api *API, wallet Wallet, storage Storage, expiry AuthState, opts Options) *Orchestrator {
	if opts.SignDebounce <= 0 {
		opts.SignDebounce = DefaultSignDebounce
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	if opts.LogoutDelay <= 0 {
		opts.LogoutDelay = DefaultLogoutDelay
	}
	if expiry == nil {
		expiry = &MemoryAuthState{}
	}
	logger := opts.Logger.With().Str("component", "orchestrator").Logger()

	return &Orchestrator{
		api:       api,
		wallet:    wallet,
		storage:   storage,
		allowlist: NewAllowlistChecker(api, storage, opts.AllowlistTTL, logger),
		expiry:    expiry,
		bus:       evbus.New(),
		opts:      opts,
		logger:    logger,
	}
}

// Allowlist exposes the orchestrator's allow-list checker
func (o *Orchestrator) Allowlist() *AllowlistChecker {
	return o.allowlist
}

// Subscribe registers fn for topic. See the Event constants for arguments.
func (o *Orchestrator) Subscribe(topic string, fn any) error {
	return o.bus.Subscribe(topic, fn)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Address() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.address
}

func (o *Orchestrator) User() *core.User {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.user
}

// Rejected reports whether the last signature request was declined
func (o *Orchestrator) Rejected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected
}

// TokenExpired reports the expiry flag
func (o *Orchestrator) TokenExpired() bool {
	return o.expiry.Get()
}

// Token returns the stored access token
func (o *Orchestrator) Token() (string, bool) {
	token, ok := o.storage.Get(KeyToken)
	return token, ok && token != ""
}

func (o *Orchestrator) setState(next State) {
	o.mu.Lock()
	prev := o.state
	o.state = next
	o.mu.Unlock()

	if prev != next {
		o.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("state changed")
		o.bus.Publish(EventStateChanged, prev, next)
	}
}

// Connect enables the wallet and lists its accounts. It always stops at
// account selection.
func (o *Orchestrator) Connect(ctx context.Context) ([]string, error) {
	o.setState(StateConnecting)

	if err := o.wallet.Enable(ctx); err != nil {
		o.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to enable wallet: %w", err)
	}
	accounts, err := o.wallet.Accounts(ctx)
	if err != nil {
		o.setState(StateDisconnected)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(accounts) == 0 {
		o.setState(StateDisconnected)
		return nil, ErrNoAccounts
	}

	o.mu.Lock()
	o.accounts = eth.NormalizeAll(accounts)
	o.mu.Unlock()
	o.setState(StateAccountSelection)
	return accounts, nil
}

// SelectAccount checks account against the allow-list and resolves to
// Denied, SignatureRequired, or Authenticated when a valid token for it is
// already held.
func (o *Orchestrator) SelectAccount(ctx context.Context, account string) (State, error) {
	if !eth.IsValidAddress(account) {
		return o.State(), core.ErrInvalidAddress
	}
	address := eth.NormalizeAddress(account)

	o.mu.Lock()
	if len(o.accounts) > 0 && !slices.Contains(o.accounts, address) {
		o.mu.Unlock()
		return o.State(), fmt.Errorf("%w: %s", errUnknownAccount, address)
	}
	o.address = address
	o.mu.Unlock()
	o.persist(KeyAddress, address)
	o.persist(KeyWalletName, o.wallet.Name())
	o.setState(StateCheckingAllowlist)

	if o.resumeSession(ctx, address) {
		return StateAuthenticated, nil
	}

	stall := time.AfterFunc(o.opts.StallThreshold, func() {
		if o.State() == StateCheckingAllowlist {
			o.logger.Warn().Str("address", address).Msg("allowlist check stalled")
			o.bus.Publish(EventAllowlistStalled, address)
		}
	})
	allowed := o.allowlist.IsAddressAllowedAsync(ctx, address, false)
	stall.Stop()

	if !allowed {
		o.setState(StateDenied)
		return StateDenied, nil
	}
	o.setState(StateSignatureRequired)
	o.scheduleAutoSign(address)
	return StateSignatureRequired, nil
}

// resumeSession reuses a stored token that the server still accepts for address
func (o *Orchestrator) resumeSession(ctx context.Context, address string) bool {
	token, ok := o.Token()
	if !ok || o.expiry.Get() {
		return false
	}
	resp, err := o.api.Verify(ctx, token)
	if err != nil || !resp.Valid || resp.Address != address {
		return false
	}
	o.allowlist.IsAddressAllowed(address, true)
	o.mu.Lock()
	o.user = o.storedUser()
	o.mu.Unlock()
	o.setState(StateAuthenticated)
	return true
}

// scheduleAutoSign requests a signature after the debounce unless the user
// declined the last one or the token is marked expired
func (o *Orchestrator) scheduleAutoSign(address string) {
	if !o.opts.AutoSign {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rejected || o.expiry.Get() {
		return
	}
	if o.signTimer != nil {
		o.signTimer.Stop()
	}
	o.signTimer = time.AfterFunc(o.opts.SignDebounce, func() {
		if o.State() != StateSignatureRequired || o.Address() != address {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := o.RequestSignature(ctx, address); err != nil {
			o.logger.Info().Err(err).Str("address", address).Msg("automatic sign-in failed")
		}
	})
}

// RequestSignature re-checks the allow-list, has the wallet sign a fresh
// challenge and logs in with it. A declined signature sets the rejection
// flag and is not retried.
func (o *Orchestrator) RequestSignature(ctx context.Context, address string) error {
	address = eth.NormalizeAddress(address)

	o.allowlist.Invalidate(address)
	if !o.allowlist.IsAddressAllowedAsync(ctx, address, false) {
		o.setState(StateDenied)
		return core.ErrAddressNotAllowed
	}

	o.setState(StateAuthenticating)

	challenge, err := o.api.Challenge(ctx, address)
	if err != nil {
		o.setState(StateSignatureRequired)
		return fmt.Errorf("failed to get challenge: %w", err)
	}

	signature, err := o.wallet.Sign(ctx, address, challenge.Message)
	if err != nil {
		o.setState(StateSignatureRequired)
		if rejectionPattern.MatchString(err.Error()) {
			o.mu.Lock()
			o.rejected = true
			o.mu.Unlock()
			o.bus.Publish(EventSignatureRejected, address)
			return fmt.Errorf("%w: %v", core.ErrSignatureRejected, err)
		}
		return fmt.Errorf("failed to sign challenge: %w", err)
	}

	resp, err := o.api.Login(ctx, address, signature, challenge.Message)
	if err != nil {
		if hasCode(err, core.CodeWalletNotAuthorized, core.CodeAddressNotAllowed) {
			o.allowlist.Invalidate(address)
			o.setState(StateDenied)
			return err
		}
		o.setState(StateSignatureRequired)
		return err
	}

	o.storeSession(address, resp.Token, resp.User)
	o.mu.Lock()
	o.rejected = false
	o.mu.Unlock()
	o.setState(StateAuthenticated)
	return nil
}

// RefreshAuthToken exchanges the stored token for a new one. Any failure
// logs out.
func (o *Orchestrator) RefreshAuthToken(ctx context.Context) error {
	token, ok := o.Token()
	if !ok {
		o.Logout(ctx)
		return ErrNotAuthenticated
	}

	o.expiry.Clear()
	o.setState(StateRefreshing)

	resp, err := o.api.Refresh(ctx, token, "")
	if err != nil {
		o.logger.Info().Err(err).Msg("token refresh failed, logging out")
		o.Logout(ctx)
		return err
	}

	address := o.Address()
	if resp.User != nil {
		address = resp.User.Address
	}
	o.storeSession(address, resp.Token, resp.User)
	o.setState(StateAuthenticated)
	return nil
}

func (o *Orchestrator) storeSession(address, token string, user *core.User) {
	o.persist(KeyToken, token)
	o.persist(KeyAddress, address)
	if user != nil {
		if data, err := json.Marshal(user); err == nil {
			o.persist(KeyUser, string(data))
		}
	}
	o.expiry.Clear()
	o.allowlist.IsAddressAllowed(address, true)

	o.mu.Lock()
	o.address = address
	o.user = user
	o.mu.Unlock()
}

func (o *Orchestrator) persist(key, value string) {
	if err := o.storage.Set(key, value); err != nil {
		o.logger.Warn().Err(err).Str("key", key).Msg("failed to persist client state")
	}
}

func (o *Orchestrator) storedUser() *core.User {
	data, ok := o.storage.Get(KeyUser)
	if !ok {
		return nil
	}
	var user core.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil
	}
	return &user
}

// Logout invalidates the server session on a best-effort basis and clears
// all local state
func (o *Orchestrator) Logout(ctx context.Context) {
	o.mu.Lock()
	for _, t := range []*time.Timer{o.signTimer, o.logoutTimer} {
		if t != nil {
			t.Stop()
		}
	}
	o.signTimer, o.logoutTimer = nil, nil
	o.mu.Unlock()

	if token, ok := o.Token(); ok {
		if err := o.api.Logout(ctx, token); err != nil {
			o.logger.Debug().Err(err).Msg("server logout failed")
		}
	}

	if err := o.storage.Clear(AllKeys...); err != nil {
		o.logger.Warn().Err(err).Msg("failed to clear client state")
	}
	o.expiry.Clear()
	o.allowlist.Clear()

	o.mu.Lock()
	o.rejected = false
	o.user = nil
	o.address = ""
	o.mu.Unlock()
	o.setState(StateLoggedOut)
}

// scheduleLogout logs out after LogoutDelay
func (o *Orchestrator) scheduleLogout() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.logoutTimer != nil {
		return
	}
	o.logoutTimer = time.AfterFunc(o.opts.LogoutDelay, func() {
		o.mu.Lock()
		o.logoutTimer = nil
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		o.Logout(ctx)
	})
}

// Restore validates a stored token immediately. A valid token resumes the
// session and the allow-list is re-checked in the background; a denial
// logs out after LogoutDelay.
func (o *Orchestrator) Restore(ctx context.Context) (State, error) {
	token, ok := o.Token()
	if !ok {
		o.setState(StateDisconnected)
		return StateDisconnected, nil
	}
	if stored, ok := o.storage.Get(KeyAddress); ok {
		o.mu.Lock()
		o.address = stored
		o.mu.Unlock()
	}

	resp, err := o.api.Verify(ctx, token)
	if err != nil {
		apiErr, isAPI := AsAPIError(err)
		switch {
		case !isAPI:
			// Server unreachable; keep the stored session for a later retry
			return o.State(), err
		case apiErr.Code == core.CodeTokenExpired:
			o.expiry.Set()
			o.setState(StateTokenExpired)
			return StateTokenExpired, nil
		case apiErr.Kind() == core.KindNotAllowed:
			o.setState(StateDenied)
			o.scheduleLogout()
			return StateDenied, nil
		default:
			o.Logout(ctx)
			return StateLoggedOut, nil
		}
	}

	address := eth.NormalizeAddress(resp.Address)
	o.persist(KeyAddress, address)
	o.mu.Lock()
	o.address = address
	o.user = o.storedUser()
	o.mu.Unlock()
	o.setState(StateAuthenticated)

	go func() {
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		o.allowlist.Invalidate(address)
		if !o.allowlist.IsAddressAllowedAsync(bgCtx, address, false) {
			o.logger.Info().Str("address", address).Msg("address no longer allowed, logging out")
			o.scheduleLogout()
			return
		}
		o.allowlist.IsAddressAllowed(address, true)
	}()

	return StateAuthenticated, nil
}

// Do calls an authenticated endpoint with the stored token. It fails fast
// while the token is known to be expired.
func (o *Orchestrator) Do(ctx context.Context, method, path string, in, out any) error {
	if o.expiry.Get() {
		return core.ErrTokenExpired
	}
	token, ok := o.Token()
	if !ok {
		return ErrNotAuthenticated
	}

	err := o.api.Do(ctx, method, path, token, in, out)
	if hasCode(err, core.CodeTokenExpired) {
		o.expiry.Set()
		o.setState(StateTokenExpired)
	}
	return err
}
