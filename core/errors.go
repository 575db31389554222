package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTokenExpired        = errors.New("token has expired")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenInvalidated    = errors.New("token has been invalidated")
	ErrMalformedToken      = errors.New("malformed token")
	ErrInvalidClaims       = errors.New("invalid token claims")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidChallenge    = errors.New("invalid challenge")
	ErrInvalidAddress      = errors.New("invalid wallet address")
	ErrAddressNotAllowed   = errors.New("address is not allowed")
	ErrAddressUndetermined = errors.New("no address could be determined")
	ErrNotFound            = errors.New("not found")
	ErrStoreOperation      = errors.New("store operation failed")
	ErrInvalidDeviceKey    = errors.New("invalid device credentials")
	ErrSignatureRejected   = errors.New("signature request rejected")
	ErrMissingSecret       = errors.New("signing secret is required")
	ErrUnsupportedDriver   = errors.New("unsupported store driver")
)

// ErrorKind classifies authentication failures
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindFormat
	KindInvalid
	KindExpired
	KindNotAllowed
	KindForbidden
	KindSignatureRejected
	KindNetwork
	KindPersistence
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindInvalid:
		return "invalid"
	case KindExpired:
		return "expired"
	case KindNotAllowed:
		return "not_allowed"
	case KindForbidden:
		return "forbidden"
	case KindSignatureRejected:
		return "signature_rejected"
	case KindNetwork:
		return "network"
	case KindPersistence:
		return "persistence"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error codes returned to clients
const (
	CodeTokenMissing        = "TOKEN_MISSING"
	CodeAuthRequired        = "AUTH_REQUIRED"
	CodeTokenInvalid        = "TOKEN_INVALID"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeInvalidTokenFormat  = "INVALID_TOKEN_FORMAT"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeChallengeInvalid    = "CHALLENGE_INVALID"
	CodeDeviceInvalid       = "DEVICE_INVALID"
	CodeAdminRequired       = "ADMIN_REQUIRED"
	CodeWalletNotAuthorized = "WALLET_NOT_AUTHORIZED"
	CodeAddressNotAllowed   = "ADDRESS_NOT_ALLOWED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeInternal            = "INTERNAL_ERROR"
)

// AuthError is a structured authentication failure. It is what the HTTP
// layer serializes as {error, errorCode, status}.
type AuthError struct {
	Kind    ErrorKind
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError builds an AuthError
func NewAuthError(kind ErrorKind, status int, code, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Code: code, Status: status, Message: message, Err: err}
}

func ErrAuthRequired() *AuthError {
	return NewAuthError(KindInvalid, http.StatusUnauthorized, CodeAuthRequired, "Authentication required", nil)
}

func ErrTokenFormat() *AuthError {
	return NewAuthError(KindFormat, http.StatusUnauthorized, CodeInvalidTokenFormat, "Invalid token format", ErrMalformedToken)
}

func ErrTokenExpiredAuth() *AuthError {
	return NewAuthError(KindExpired, http.StatusUnauthorized, CodeTokenExpired, "Token expired", ErrTokenExpired)
}

func ErrTokenInvalidAuth(err error) *AuthError {
	return NewAuthError(KindInvalid, http.StatusUnauthorized, CodeTokenInvalid, "Invalid token", err)
}

func ErrAdminRequired() *AuthError {
	return NewAuthError(KindForbidden, http.StatusForbidden, CodeAdminRequired, "Admin privileges required", nil)
}

func ErrNotAllowed(code string) *AuthError {
	return NewAuthError(KindNotAllowed, http.StatusForbidden, code, "Address is not allowed", ErrAddressNotAllowed)
}

func ErrBadRequest(message string, err error) *AuthError {
	return NewAuthError(KindFormat, http.StatusBadRequest, CodeInvalidRequest, message, err)
}

func ErrInternal(err error) *AuthError {
	return NewAuthError(KindInternal, http.StatusInternalServerError, CodeInternal, "Internal error", err)
}

// AsAuthError unwraps err into an AuthError if it is one
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
