package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/ports"
	"github.com/rs/zerolog"
)

const (
	DefaultTokenLifetime = 24 * time.Hour
	// DefaultRefreshWindow is how long after expiry a token may still be refreshed
	DefaultRefreshWindow = 7 * 24 * time.Hour
)

// RefreshResult is a freshly minted token for a refreshed session
type RefreshResult struct {
	Token     string
	ExpiresAt time.Time
	User      *core.User
}

// TokenService issues, verifies and refreshes access tokens
type TokenService struct {
	tokenizer     ports.Tokenizer
	sessions      ports.TokenStore
	users         ports.UserStore
	allowlist     *Allowlist
	events        ports.EventPublisher
	lifetime      time.Duration
	refreshWindow time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// NewTokenService creates a token service. lifetime <= 0 uses DefaultTokenLifetime.
func NewTokenService(
	tok ports.Tokenizer,
	sessions ports.TokenStore,
	users ports.UserStore,
	allowlist *Allowlist,
	events ports.EventPublisher,
	lifetime time.Duration,
	logger zerolog.Logger,
) *TokenService {
	if lifetime <= 0 {
		lifetime = DefaultTokenLifetime
	}
	return &TokenService{
		tokenizer:     tok,
		sessions:      sessions,
		users:         users,
		allowlist:     allowlist,
		events:        events,
		lifetime:      lifetime,
		refreshWindow: DefaultRefreshWindow,
		now:           time.Now,
		logger:        logger,
	}
}

// WithRefreshWindow bounds how long after expiry a token may be refreshed.
// window <= 0 keeps DefaultRefreshWindow.
func (s *TokenService) WithRefreshWindow(window time.Duration) *TokenService {
	if window > 0 {
		s.refreshWindow = window
	}
	return s
}

// WithClock replaces the time source, for tests
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Lifetime returns the configured token lifetime
func (s *TokenService) Lifetime() time.Duration {
	return s.lifetime
}

// GenerateToken signs payload for the configured lifetime
func (s *TokenService) GenerateToken(payload core.TokenPayload) (string, time.Time, error) {
	token, issued, err := s.tokenizer.Generate(payload, s.lifetime)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, issued.ExpiresAt, nil
}

// VerifyToken checks token. Malformed input fails with ErrMalformedToken
// before any signature work.
func (s *TokenService) VerifyToken(token string, skipExpirationCheck bool) (*core.TokenPayload, error) {
	return s.tokenizer.Verify(token, skipExpirationCheck)
}

// RefreshSession mints a new token for the holder of token, which may be
// expired. addressOverride, when set, must name the token's own address.
// The address must still pass the allow-list.
func (s *TokenService) RefreshSession(ctx context.Context, token, addressOverride string) (*RefreshResult, error) {
	identity, err := s.refreshIdentity(ctx, token)
	if err != nil {
		return nil, err
	}

	address := identity.address
	if address == "" && identity.userID != "" {
		if user, err := s.users.GetUserByID(ctx, identity.userID); err == nil {
			address = user.Address
		}
	}
	address = eth.NormalizeAddress(address)
	if address == "" {
		return nil, core.ErrAddressUndetermined
	}
	if addressOverride != "" && eth.NormalizeAddress(addressOverride) != address {
		s.logger.Warn().
			Str("user_id", identity.userID).
			Str("address", address).
			Str("requested", addressOverride).
			Msg("refresh address does not match token")
		return nil, fmt.Errorf("%w: address does not match token", core.ErrInvalidToken)
	}

	if !s.allowlist.IsAddressAllowedAsync(ctx, address, false) {
		s.logger.Warn().Str("address", address).Msg("refresh denied by allowlist")
		return nil, core.ErrAddressNotAllowed
	}

	user, err := s.resolveUser(ctx, identity.userID, address)
	if err != nil {
		return nil, err
	}

	newToken, payload, err := s.tokenizer.Generate(core.TokenPayload{
		Subject: user.ID,
		Address: user.Address,
		IsAdmin: user.IsAdmin,
	}, s.lifetime)
	if err != nil {
		return nil, err
	}

	s.rotateSession(ctx, user.ID, token, newToken, payload.ExpiresAt)

	if err := s.events.PublishRefresh(ctx, user.ID, user.Address, payload.ID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish refresh event")
	}

	return &RefreshResult{Token: newToken, ExpiresAt: payload.ExpiresAt, User: user}, nil
}

type refreshClaims struct {
	userID    string
	address   string
	tokenID   string
	expiresAt time.Time
}

// refreshIdentity returns who token belongs to. A token whose signature does
// not verify is only trusted when a session row still references it.
// Invalidated tokens and tokens past the refresh window are refused.
func (s *TokenService) refreshIdentity(ctx context.Context, token string) (*refreshClaims, error) {
	identity, err := s.tokenIdentity(ctx, token)
	if err != nil {
		return nil, err
	}

	if !identity.expiresAt.IsZero() && s.now().After(identity.expiresAt.Add(s.refreshWindow)) {
		return nil, fmt.Errorf("%w: past refresh window", core.ErrTokenExpired)
	}

	if identity.tokenID != "" {
		invalidated, err := s.IsInvalidated(ctx, identity.tokenID)
		if err != nil {
			return nil, err
		}
		if invalidated {
			return nil, core.ErrTokenInvalidated
		}
	}
	return identity, nil
}

func (s *TokenService) tokenIdentity(ctx context.Context, token string) (*refreshClaims, error) {
	payload, err := s.tokenizer.Verify(token, true)
	if err == nil {
		return &refreshClaims{
			userID:    payload.Subject,
			address:   payload.Address,
			tokenID:   payload.ID,
			expiresAt: payload.ExpiresAt,
		}, nil
	}
	if errors.Is(err, core.ErrMalformedToken) {
		return nil, err
	}

	unverified, extractErr := tokenizer.UnsafeExtractPayload(token)
	if extractErr != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	session, lookupErr := s.sessions.GetSession(ctx, token)
	if lookupErr != nil || session.UserID != unverified.UserID {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	s.logger.Debug().Str("user_id", session.UserID).Msg("refreshing token known to session store")
	return &refreshClaims{
		userID:    unverified.UserID,
		address:   unverified.Address,
		tokenID:   unverified.ID,
		expiresAt: session.ExpiresAt,
	}, nil
}

// Invalidate revokes tokenID until a token expiring at expiresAt can no
// longer be refreshed
func (s *TokenService) Invalidate(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Add(s.refreshWindow).Sub(s.now())
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	return s.sessions.InvalidateToken(ctx, tokenID, ttl)
}

// IsInvalidated reports whether tokenID was revoked by a logout
func (s *TokenService) IsInvalidated(ctx context.Context, tokenID string) (bool, error) {
	invalidated, err := s.sessions.IsTokenInvalidated(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to check token invalidation: %w", err)
	}
	return invalidated, nil
}

// resolveUser loads the token's user, or creates one for address, and
// re-derives its admin flag. address is always the token's own.
func (s *TokenService) resolveUser(ctx context.Context, userID, address string) (*core.User, error) {
	isAdmin := s.allowlist.IsAdmin(ctx, address)
	now := s.now()

	var (
		user *core.User
		err  = core.ErrNotFound
	)
	if userID != "" {
		user, err = s.users.GetUserByID(ctx, userID)
		if err == nil && user.Address != address {
			return nil, fmt.Errorf("%w: subject does not own address", core.ErrInvalidToken)
		}
	}
	if errors.Is(err, core.ErrNotFound) {
		user, err = s.users.GetUserByAddress(ctx, address)
	}

	switch {
	case errors.Is(err, core.ErrNotFound):
		user = &core.User{Address: address, IsAdmin: isAdmin, LastLoginAt: now, CreatedAt: now}
		if err := s.users.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return user, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	user.IsAdmin = isAdmin
	user.LastLoginAt = now
	if err := s.users.SaveUser(ctx, user); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to update user")
	}
	return user, nil
}

// rotateSession moves the session row from oldToken to newToken, creating
// one if none exists. Failures are logged and tolerated.
func (s *TokenService) rotateSession(ctx context.Context, userID, oldToken, newToken string, expiresAt time.Time) {
	replaced, err := s.sessions.ReplaceSessionToken(ctx, oldToken, newToken, expiresAt)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to replace session")
		return
	}
	if replaced {
		return
	}
	if _, err := s.sessions.CreateSession(ctx, userID, newToken, expiresAt); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to create session")
	}
}
