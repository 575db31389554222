package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/core"
)

// toAuthError maps service errors to the structured error sent to clients
func toAuthError(err error) *core.AuthError {
	if authErr, ok := core.AsAuthError(err); ok {
		return authErr
	}

	switch {
	case errors.Is(err, core.ErrMalformedToken):
		return core.ErrTokenFormat()
	case errors.Is(err, core.ErrTokenExpired):
		return core.ErrTokenExpiredAuth()
	case errors.Is(err, core.ErrInvalidToken), errors.Is(err, core.ErrInvalidClaims), errors.Is(err, core.ErrTokenInvalidated):
		return core.ErrTokenInvalidAuth(err)
	case errors.Is(err, core.ErrInvalidSignature):
		return core.NewAuthError(core.KindInvalid, http.StatusUnauthorized, core.CodeSignatureInvalid, "Invalid signature", err)
	case errors.Is(err, core.ErrInvalidChallenge):
		return core.NewAuthError(core.KindInvalid, http.StatusUnauthorized, core.CodeChallengeInvalid, "Invalid or expired challenge", err)
	case errors.Is(err, core.ErrInvalidDeviceKey):
		return core.NewAuthError(core.KindInvalid, http.StatusUnauthorized, core.CodeDeviceInvalid, "Invalid device credentials", err)
	case errors.Is(err, core.ErrAddressNotAllowed):
		return core.ErrNotAllowed(core.CodeAddressNotAllowed)
	case errors.Is(err, core.ErrInvalidAddress):
		return core.ErrBadRequest("Invalid wallet address", err)
	case errors.Is(err, core.ErrAddressUndetermined):
		return core.ErrBadRequest("No address could be determined", err)
	default:
		return core.ErrInternal(err)
	}
}

func errorBody(authErr *core.AuthError) gin.H {
	return gin.H{
		"error":     authErr.Message,
		"errorCode": authErr.Code,
		"status":    authErr.Status,
	}
}

// abortWithError writes err as {error, errorCode, status} and stops the chain
func abortWithError(c *gin.Context, err error) {
	authErr := toAuthError(err)
	if authErr.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(authErr.Status, errorBody(authErr))
}
