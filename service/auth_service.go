package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/ports"
	"github.com/rs/zerolog"
)

const DefaultChallengeTTL = 5 * time.Minute

// LoginResult is returned after a wallet signature is accepted
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *core.User
}

// AuthService handles authentication business logic
type AuthService struct {
	tokens    *TokenService
	allowlist *Allowlist
	store     ports.Store
	eventPub  ports.EventPublisher
	cache     *VerificationCache
	expiry    ExpiryState
	logger    zerolog.Logger
	now       func() time.Time

	challengeTTL     time.Duration
	requireChallenge bool
}

// AuthOptions tunes an AuthService
type AuthOptions struct {
	// RequireChallenge makes Login accept only messages issued by CreateChallenge
	RequireChallenge bool
	ChallengeTTL     time.Duration
}

// NewAuthService creates a new authentication service. The verification
// cache is cleared whenever the allow-list changes.
func NewAuthService(
	tokens *TokenService,
	allowlist *Allowlist,
	store ports.Store,
	eventPub ports.EventPublisher,
	cache *VerificationCache,
	expiry ExpiryState,
	opts AuthOptions,
	logger zerolog.Logger,
) *AuthService {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = DefaultChallengeTTL
	}
	s := &AuthService{
		tokens:           tokens,
		allowlist:        allowlist,
		store:            store,
		eventPub:         eventPub,
		cache:            cache,
		expiry:           expiry,
		logger:           logger,
		now:              time.Now,
		challengeTTL:     opts.ChallengeTTL,
		requireChallenge: opts.RequireChallenge,
	}
	allowlist.OnChange(cache.Clear)
	return s
}

// WithClock replaces the time source, for tests
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Allowlist returns the allow-list the service checks against
func (s *AuthService) Allowlist() *Allowlist {
	return s.allowlist
}

// CreateChallenge issues a single-use message for address to sign
func (s *AuthService) CreateChallenge(ctx context.Context, address string) (*core.Challenge, error) {
	if !eth.IsValidAddress(address) {
		return nil, core.ErrInvalidAddress
	}

	// Generate random nonce
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := s.now()
	challenge := &core.Challenge{
		Address:   eth.NormalizeAddress(address),
		Nonce:     hex.EncodeToString(nonceBytes),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	challenge.Message = challengeMessage(challenge)

	if err := s.store.Set(ctx, challenge.Nonce, challenge.Message, s.challengeTTL); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return challenge, nil
}

// Login authenticates a wallet by its signature over message
func (s *AuthService) Login(ctx context.Context, address, signature, message string) (*LoginResult, error) {
	if !eth.IsValidAddress(address) {
		return nil, core.ErrInvalidAddress
	}
	address = eth.NormalizeAddress(address)

	if s.requireChallenge {
		if err := s.consumeChallenge(ctx, address, message); err != nil {
			return nil, err
		}
	}

	// Verify the signature
	if err := eth.VerifyPersonalSignature(message, signature, address); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	if !s.allowlist.IsAddressAllowedAsync(ctx, address, false) {
		s.logger.Info().Str("address", address).Msg("login denied by allowlist")
		return nil, core.ErrAddressNotAllowed
	}

	user, err := s.tokens.resolveUser(ctx, "", address)
	if err != nil {
		return nil, err
	}

	token, payload, err := s.tokens.tokenizer.Generate(core.TokenPayload{
		Subject: user.ID,
		Address: user.Address,
		IsAdmin: user.IsAdmin,
	}, s.tokens.lifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	if _, err := s.store.CreateSession(ctx, user.ID, token, payload.ExpiresAt); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("failed to create session")
	}

	if err := s.eventPub.PublishLogin(ctx, user.ID, user.Address, payload.ID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish login event")
	}

	return &LoginResult{Token: token, ExpiresAt: payload.ExpiresAt, User: user}, nil
}

func (s *AuthService) consumeChallenge(ctx context.Context, address, message string) error {
	challengeAddress, nonce, err := parseChallengeMessage(message)
	if err != nil {
		return err
	}
	if eth.NormalizeAddress(challengeAddress) != address {
		return fmt.Errorf("%w: issued for another address", core.ErrInvalidChallenge)
	}

	issued, err := s.store.Take(ctx, nonce)
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: unknown or used nonce", core.ErrInvalidChallenge)
	}
	if err != nil {
		return fmt.Errorf("failed to load challenge: %w", err)
	}
	if issued != message {
		return fmt.Errorf("%w: message altered", core.ErrInvalidChallenge)
	}
	return nil
}

// Authenticate resolves a bearer token into an AuthContext. Tokens already
// known to be expired are rejected without verification. A token whose
// address has left the allow-list loses its session.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*core.AuthContext, error) {
	if s.expiry.Get(token) {
		return nil, core.ErrTokenExpired
	}

	if cached, ok := s.cache.Get(token); ok {
		return authContext(token, cached), nil
	}

	payload, err := s.tokens.VerifyToken(token, false)
	if err != nil {
		if errors.Is(err, core.ErrTokenExpired) {
			s.expiry.Set(token)
		}
		return nil, err
	}

	invalidated, err := s.tokens.IsInvalidated(ctx, payload.ID)
	if err != nil {
		return nil, err
	}
	if invalidated {
		return nil, core.ErrTokenInvalidated
	}

	if !s.allowlist.IsAddressAllowedAsync(ctx, payload.Address, false) {
		s.revoke(ctx, token, payload.Subject)
		return nil, core.ErrAddressNotAllowed
	}

	verified := &VerifiedToken{
		UserID:    payload.Subject,
		Address:   payload.Address,
		IsAdmin:   s.allowlist.IsAdmin(ctx, payload.Address),
		Allowed:   true,
		ExpiresAt: payload.ExpiresAt,
	}
	s.cache.Set(token, verified)

	return authContext(token, verified), nil
}

func authContext(token string, v *VerifiedToken) *core.AuthContext {
	return &core.AuthContext{
		Authenticated: true,
		UserID:        v.UserID,
		IsAdmin:       v.IsAdmin,
		Address:       v.Address,
		Token:         token,
	}
}

func (s *AuthService) revoke(ctx context.Context, token, userID string) {
	s.cache.Delete(token)
	if _, err := s.store.DeleteSession(ctx, token); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to delete session of disallowed address")
	}
	s.logger.Info().Str("user_id", userID).Msg("session revoked: address no longer allowed")
}

// Refresh exchanges token, which may be expired, for a new one. The old
// token's cache and expiry entries are dropped.
func (s *AuthService) Refresh(ctx context.Context, token, addressOverride string) (*RefreshResult, error) {
	s.cache.Delete(token)
	s.expiry.Clear(token)
	return s.tokens.RefreshSession(ctx, token, addressOverride)
}

// Logout deletes the session holding token and invalidates the token so
// it can neither authenticate nor be refreshed again. The token itself may
// be expired or unverifiable; logout never fails because of it.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	s.cache.Delete(token)
	s.expiry.Clear(token)

	var userID, address, tokenID string
	invalidated := false
	if payload, err := s.tokens.VerifyToken(token, true); err == nil {
		userID, address, tokenID = payload.Subject, payload.Address, payload.ID
		invalidated = s.invalidate(ctx, userID, tokenID, payload.ExpiresAt)
	} else if unverified, err := tokenizer.UnsafeExtractPayload(token); err == nil {
		userID, address = unverified.UserID, unverified.Address
	}

	deleted, err := s.store.DeleteSession(ctx, token)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to delete session")
	}
	if (!deleted && !invalidated) || userID == "" {
		return nil
	}

	// Publish logout event for cross-instance notifications
	if err := s.eventPub.PublishLogout(ctx, userID, address, tokenID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to publish logout event")
	}

	return nil
}

// invalidate revokes tokenID and reports whether this call did so
func (s *AuthService) invalidate(ctx context.Context, userID, tokenID string, expiresAt time.Time) bool {
	already, err := s.tokens.IsInvalidated(ctx, tokenID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to check token invalidation")
	}
	if already {
		return false
	}
	if err := s.tokens.Invalidate(ctx, tokenID, expiresAt); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("failed to invalidate token")
		return false
	}
	return true
}

// ForgetVerifications drops every cached verification, for example after
// another instance logged a user out
func (s *AuthService) ForgetVerifications() {
	s.cache.Clear()
}

// CleanupExpired removes expired sessions and challenges
func (s *AuthService) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.CleanupExpiredSessions(ctx)
}
