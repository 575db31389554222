package core

import "time"

// Challenge represents a single-use message a wallet signs to log in
type Challenge struct {
	Address   string    // Canonical address the challenge was issued for
	Nonce     string    // Random nonce embedded in the message
	Message   string    // Exact text the wallet signs
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// TokenPayload is the data carried by an access token
type TokenPayload struct {
	Subject   string    // User ID ("sub")
	Address   string    // Canonical wallet address
	IsAdmin   bool      // Admin flag derived from the allow-list at issue time
	ID        string    // Unique token identifier ("jti")
	IssuedAt  time.Time // "iat"
	ExpiresAt time.Time // "exp"
}

// User is created lazily on the first successful signature verification
type User struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	IsAdmin     bool      `json:"isAdmin"`
	LastLoginAt time.Time `json:"lastLoginAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session binds one issued token to a user. At most one session references
// a given token value.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the session has passed its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Device is a peer node allowed to call protected endpoints with an API key
type Device struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// AuthContext is the outcome of the request gateway, attached to requests
// that passed authentication
type AuthContext struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId"`
	IsAdmin       bool   `json:"isAdmin"`
	Address       string `json:"address"`
	Token         string `json:"-"`
	DeviceID      string `json:"deviceId,omitempty"`
}
