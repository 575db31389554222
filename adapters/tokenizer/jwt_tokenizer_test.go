package tokenizer

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/layer-3/walletgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func newTestTokenizer(t *testing.T) *JWTTokenizer {
	t.Helper()
	tok, err := NewJWTTokenizer(testSecret)
	require.NoError(t, err)
	return tok
}

func TestNewJWTTokenizerRequiresSecret(t *testing.T) {
	_, err := NewJWTTokenizer(nil)
	assert.ErrorIs(t, err, core.ErrMissingSecret)
}

func TestTokenRoundTrip(t *testing.T) {
	tok := newTestTokenizer(t)

	payloads := []core.TokenPayload{
		{Subject: "user-1", Address: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", IsAdmin: true},
		{Subject: "user-2", Address: "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", IsAdmin: false},
	}
	for _, p := range payloads {
		token, issued, err := tok.Generate(p, time.Hour)
		require.NoError(t, err)
		assert.Len(t, strings.Split(token, "."), 3)
		assert.NotEmpty(t, issued.ID)

		got, err := tok.Verify(token, false)
		require.NoError(t, err)
		assert.Equal(t, p.Subject, got.Subject)
		assert.Equal(t, p.Address, got.Address)
		assert.Equal(t, p.IsAdmin, got.IsAdmin)
		assert.Equal(t, issued.ExpiresAt, got.ExpiresAt)
	}
}

func TestDeterministicWithFixedClockAndID(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := newTestTokenizer(t).WithClock(func() time.Time { return now }).WithIDGenerator(func() string { return "id" })
	b := newTestTokenizer(t).WithClock(func() time.Time { return now }).WithIDGenerator(func() string { return "id" })

	p := core.TokenPayload{Subject: "u", Address: "0xabc"}
	ta, _, err := a.Generate(p, time.Hour)
	require.NoError(t, err)
	tb, _, err := b.Generate(p, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, ta, tb)
}

func TestZeroLifetimeExpiry(t *testing.T) {
	tok := newTestTokenizer(t)

	token, _, err := tok.Generate(core.TokenPayload{Subject: "u", Address: "0xabc"}, 0)
	require.NoError(t, err)

	_, err = tok.Verify(token, false)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	got, err := tok.Verify(token, true)
	require.NoError(t, err)
	assert.Equal(t, "u", got.Subject)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	tok := newTestTokenizer(t)
	for _, token := range []string{"", "abc", "a.b", "a..c", "a.b.c.d"} {
		_, err := tok.Verify(token, false)
		assert.ErrorIs(t, err, core.ErrMalformedToken, "token %q", token)
	}
}

func TestVerifyRejectsWrongSecretAndGarbage(t *testing.T) {
	tok := newTestTokenizer(t)
	other, err := NewJWTTokenizer([]byte("different-secret"))
	require.NoError(t, err)

	token, _, err := other.Generate(core.TokenPayload{Subject: "u", Address: "0xabc"}, time.Hour)
	require.NoError(t, err)

	_, err = tok.Verify(token, false)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
	_, err = tok.Verify(token, true)
	assert.ErrorIs(t, err, core.ErrInvalidToken, "skipping expiry never skips the signature")

	_, err = tok.Verify("header.payload.signature", false)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	tok := newTestTokenizer(t)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		Address: "0xabc",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	_, err = tok.Verify(token, false)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyRequiresSubAndAddress(t *testing.T) {
	tok := newTestTokenizer(t)
	tests := map[string]jwt.MapClaims{
		"missing address": {"sub": "u", "aud": AudienceAccess, "exp": time.Now().Add(time.Hour).Unix()},
		"missing sub":     {"address": "0xabc", "aud": AudienceAccess, "exp": time.Now().Add(time.Hour).Unix()},
	}
	for name, claims := range tests {
		t.Run(name, func(t *testing.T) {
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
			require.NoError(t, err)

			_, err = tok.Verify(token, false)
			assert.ErrorIs(t, err, core.ErrInvalidClaims)
			_, err = tok.Verify(token, true)
			assert.ErrorIs(t, err, core.ErrInvalidClaims)
		})
	}
}

func TestUnsafeExtractPayload(t *testing.T) {
	tok := newTestTokenizer(t)
	token, _, err := tok.Generate(core.TokenPayload{Subject: "user-9", Address: "0xabc"}, -time.Hour)
	require.NoError(t, err)

	// Break the signature: extraction must not care
	parts := strings.Split(token, ".")
	parts[2] = base64.RawURLEncoding.EncodeToString([]byte("forged"))
	forged := strings.Join(parts, ".")

	got, err := UnsafeExtractPayload(forged)
	require.NoError(t, err)
	assert.Equal(t, "user-9", got.UserID)
	assert.Equal(t, "0xabc", got.Address)

	_, err = UnsafeExtractPayload("abc")
	assert.ErrorIs(t, err, core.ErrMalformedToken)
	_, err = UnsafeExtractPayload("a.!!!.c")
	assert.ErrorIs(t, err, core.ErrMalformedToken)

	empty := "e30" // {}
	_, err = UnsafeExtractPayload("h." + empty + ".s")
	assert.ErrorIs(t, err, core.ErrInvalidClaims)
}
