package tokenizer

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
)

const AudienceAccess = "walletgate:access"

// JWTTokenizer implements the Tokenizer port with HS256 signed JWTs
type JWTTokenizer struct {
	secret []byte
	now    func() time.Time
	newID  func() string
}

// NewJWTTokenizer creates a new JWT tokenizer. The secret must not be empty.
func NewJWTTokenizer(secret []byte) (*JWTTokenizer, error) {
	if len(secret) == 0 {
		return nil, core.ErrMissingSecret
	}
	return &JWTTokenizer{
		secret: secret,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// WithClock replaces the time source used for issuing and validating tokens
func (j *JWTTokenizer) WithClock(now func() time.Time) *JWTTokenizer {
	j.now = now
	return j
}

// WithIDGenerator replaces the token ID source
func (j *JWTTokenizer) WithIDGenerator(newID func() string) *JWTTokenizer {
	j.newID = newID
	return j
}

// Generate signs a token for payload valid for ttl
func (j *JWTTokenizer) Generate(payload core.TokenPayload, ttl time.Duration) (string, core.TokenPayload, error) {
	now := j.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   payload.Subject,
			ID:        j.newID(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		Address: payload.Address,
		IsAdmin: payload.IsAdmin,
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", core.TokenPayload{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return signedToken, payloadFromClaims(&claims), nil
}

// Verify validates the signature and, unless skipExpiry is set, the
// registered claims. Malformed tokens are rejected before any crypto.
func (j *JWTTokenizer) Verify(tokenStr string, skipExpiry bool) (*core.TokenPayload, error) {
	if !HasTokenFormat(tokenStr) {
		return nil, core.ErrMalformedToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	}
	if skipExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		opts = append(opts, jwt.WithAudience(AudienceAccess), jwt.WithExpirationRequired())
	}

	token, err := jwt.ParseWithClaims(tokenStr, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, core.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, core.ErrInvalidToken
	}
	if skipExpiry && !slices.Contains(claims.Audience, AudienceAccess) {
		return nil, fmt.Errorf("%w: audience", core.ErrInvalidClaims)
	}
	if claims.Subject == "" || claims.Address == "" {
		return nil, fmt.Errorf("%w: sub and address are required", core.ErrInvalidClaims)
	}

	payload := payloadFromClaims(claims)
	return &payload, nil
}

// HasTokenFormat reports whether s has three non-empty dot-separated segments
func HasTokenFormat(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func payloadFromClaims(claims *AccessClaims) core.TokenPayload {
	payload := core.TokenPayload{
		Subject: claims.Subject,
		Address: claims.Address,
		IsAdmin: claims.IsAdmin,
		ID:      claims.ID,
	}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		payload.ExpiresAt = claims.ExpiresAt.Time
	}
	return payload
}
