package http

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/adapters/tokenizer"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/service"
	"github.com/rs/zerolog"
)

// Device credential headers
const (
	HeaderDeviceID  = "X-Device-ID"
	HeaderDeviceKey = "X-Device-Key"
)

// GatewayOptions selects what a route requires
type GatewayOptions struct {
	RequireAuth  bool
	RequireAdmin bool
}

// Gateway authenticates requests before they reach handlers
type Gateway struct {
	auth    *service.AuthService
	devices *service.DeviceRegistry
	limiter *RateLimiter
	logger  zerolog.Logger
}

// NewGateway creates a gateway. devices and limiter may be nil.
func NewGateway(auth *service.AuthService, devices *service.DeviceRegistry, limiter *RateLimiter, logger zerolog.Logger) *Gateway {
	return &Gateway{
		auth:    auth,
		devices: devices,
		limiter: limiter,
		logger:  logger,
	}
}

// Middleware returns the gin middleware for opts. Without RequireAuth a
// missing or unusable token lets the request through anonymously.
func (g *Gateway) Middleware(opts GatewayOptions) gin.HandlerFunc {
	if opts.RequireAdmin {
		opts.RequireAuth = true
	}

	return func(c *gin.Context) {
		if g.limiter != nil {
			if ok, retryAfter := g.limiter.Allow(c.ClientIP()); !ok {
				g.limiter.reject(c, retryAfter)
				return
			}
		}

		device, deviceErr := g.authenticateDevice(c)
		if device != nil {
			setAuth(c, device)
			c.Next()
			return
		}

		token, found := bearerToken(c)
		if !found {
			if deviceErr != nil {
				g.reject(c, opts, deviceErr)
				return
			}
			g.reject(c, opts, core.ErrAuthRequired())
			return
		}
		if !tokenizer.HasTokenFormat(token) {
			g.reject(c, opts, core.ErrTokenFormat())
			return
		}

		auth, err := g.auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			if !errors.Is(err, core.ErrTokenExpired) && !errors.Is(err, core.ErrAddressNotAllowed) {
				g.logger.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("token rejected")
			}
			g.reject(c, opts, err)
			return
		}

		if opts.RequireAdmin && !auth.IsAdmin {
			abortWithError(c, core.ErrAdminRequired())
			return
		}

		setAuth(c, auth)
		c.Next()
	}
}

// reject aborts when the route requires auth, otherwise continues anonymously
func (g *Gateway) reject(c *gin.Context, opts GatewayOptions, err error) {
	if opts.RequireAuth {
		abortWithError(c, err)
		return
	}
	c.Next()
}

// authenticateDevice admits a registered peer device as an implicit admin.
// It returns nil without both device headers or when they do not match, so
// the request can still use a bearer token. The error says why the device
// was refused.
func (g *Gateway) authenticateDevice(c *gin.Context) (*core.AuthContext, error) {
	if g.devices == nil {
		return nil, nil
	}
	deviceID, deviceKey := c.GetHeader(HeaderDeviceID), c.GetHeader(HeaderDeviceKey)
	if deviceID == "" && deviceKey == "" {
		return nil, nil
	}
	if deviceID == "" || deviceKey == "" {
		g.logger.Debug().Str("device_id", deviceID).Str("path", c.Request.URL.Path).Msg("incomplete device credentials")
		return nil, core.ErrInvalidDeviceKey
	}

	device, err := g.devices.Authenticate(c.Request.Context(), deviceID, deviceKey)
	if err != nil {
		g.logger.Warn().Err(err).Str("device_id", deviceID).Str("path", c.Request.URL.Path).Msg("device authentication failed")
		return nil, err
	}

	return &core.AuthContext{
		Authenticated: true,
		UserID:        "device:" + device.ID,
		IsAdmin:       true,
		DeviceID:      device.ID,
	}, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
