package tokenizer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/layer-3/walletgate/core"
)

// UnverifiedPayload holds fields read from a token whose signature was NOT checked
type UnverifiedPayload struct {
	UserID  string
	Address string
	ID      string
}

// UnsafeExtractPayload decodes the payload segment of token without
// verifying its signature. The result is caller-controlled data: it may only
// seed the refresh path, which re-establishes trust through the session store
// and the allow-list. Never use it to authenticate a request.
func UnsafeExtractPayload(token string) (*UnverifiedPayload, error) {
	if !HasTokenFormat(token) {
		return nil, core.ErrMalformedToken
	}
	segment := strings.TrimRight(strings.Split(token, ".")[1], "=")

	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding", core.ErrMalformedToken)
	}

	var claims struct {
		Sub     string `json:"sub"`
		Address string `json:"address"`
		Jti     string `json:"jti"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload json", core.ErrMalformedToken)
	}
	if claims.Sub == "" && claims.Address == "" {
		return nil, core.ErrInvalidClaims
	}

	return &UnverifiedPayload{UserID: claims.Sub, Address: claims.Address, ID: claims.Jti}, nil
}
