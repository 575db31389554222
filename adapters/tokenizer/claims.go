package tokenizer

import "github.com/golang-jwt/jwt/v5"

// AccessClaims combines standard claims with the wallet-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	Address string `json:"address"`
	IsAdmin bool   `json:"isAdmin"`
}
