package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/core"
)

type contextKey struct{}

// authContextKey is the gin context key holding the *core.AuthContext
const authContextKey = "walletgate.auth"

// WithAuth returns a copy of ctx carrying auth
func WithAuth(ctx context.Context, auth *core.AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

// AuthFromContext returns the AuthContext attached by the gateway, if any
func AuthFromContext(ctx context.Context) (*core.AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(*core.AuthContext)
	return auth, ok && auth != nil
}

func setAuth(c *gin.Context, auth *core.AuthContext) {
	c.Set(authContextKey, auth)
	c.Request = c.Request.WithContext(WithAuth(c.Request.Context(), auth))
}

// GetAuth returns the AuthContext stored on the gin context
func GetAuth(c *gin.Context) (*core.AuthContext, bool) {
	v, exists := c.Get(authContextKey)
	if !exists {
		return nil, false
	}
	auth, ok := v.(*core.AuthContext)
	return auth, ok && auth != nil
}
