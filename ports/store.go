package ports

import (
	"context"
	"time"

	"github.com/layer-3/walletgate/core"
)

// SessionStore persists one session row per live token
type SessionStore interface {
	CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) (*core.Session, error)
	// ReplaceSessionToken swaps the token and expiry of the row holding
	// oldToken. It reports false when no such row exists.
	ReplaceSessionToken(ctx context.Context, oldToken, newToken string, newExpiry time.Time) (bool, error)
	GetSession(ctx context.Context, token string) (*core.Session, error)
	DeleteSession(ctx context.Context, token string) (bool, error)
	DeleteUserSessions(ctx context.Context, userID string) (int, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// UserStore persists wallet users
type UserStore interface {
	GetUserByAddress(ctx context.Context, address string) (*core.User, error)
	GetUserByID(ctx context.Context, id string) (*core.User, error)
	CreateUser(ctx context.Context, user *core.User) error
	SaveUser(ctx context.Context, user *core.User) error
}

// DeviceStore persists peer devices allowed to use API keys
type DeviceStore interface {
	CreateDevice(ctx context.Context, device *core.Device) error
	GetDevice(ctx context.Context, id string) (*core.Device, error)
	ListDevices(ctx context.Context) ([]*core.Device, error)
	DeleteDevice(ctx context.Context, id string) (bool, error)
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
}

// ChallengeStore keeps issued login nonces until they are consumed or expire
type ChallengeStore interface {
	// Set adds a key with a value and expiration time
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Take retrieves and removes a value by key
	Take(ctx context.Context, key string) (string, error)
}

// InvalidationStore remembers logged out token IDs until they can no
// longer be used or refreshed
type InvalidationStore interface {
	InvalidateToken(ctx context.Context, tokenID string, ttl time.Duration) error
	IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error)
}

// TokenStore is what token refresh and revocation persist
type TokenStore interface {
	SessionStore
	InvalidationStore
}

// Store groups every persistence port a driver provides
type Store interface {
	SessionStore
	UserStore
	DeviceStore
	ChallengeStore
	InvalidationStore
	Close() error
}
