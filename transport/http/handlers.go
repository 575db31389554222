package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/eth"
	"github.com/layer-3/walletgate/service"
	"github.com/rs/zerolog"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	devices     *service.DeviceRegistry
	logger      zerolog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, devices *service.DeviceRegistry, logger zerolog.Logger) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
		devices:     devices,
		logger:      logger,
	}
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

// Challenge issues a message for the wallet to sign
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrBadRequest("Invalid request", err))
		return
	}

	challenge, err := h.authService.CreateChallenge(c.Request.Context(), req.Address)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   challenge.Message,
		"nonce":     challenge.Nonce,
		"expiresAt": challenge.ExpiresAt,
	})
}

// Login exchanges a wallet signature for a token
func (h *AuthHandlers) Login(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Signature string `json:"signature" binding:"required"`
		Message   string `json:"message" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrBadRequest("Invalid request", err))
		return
	}

	result, err := h.authService.Login(c.Request.Context(), req.Address, req.Signature, req.Message)
	if err != nil {
		if authErr := toAuthError(err); authErr.Code == core.CodeAddressNotAllowed {
			abortWithError(c, core.NewAuthError(core.KindNotAllowed, http.StatusForbidden,
				core.CodeWalletNotAuthorized, "Wallet is not authorized", err))
			return
		}
		abortWithError(c, err)
		return
	}

	h.logger.Info().Str("address", result.User.Address).Str("user_id", result.User.ID).Msg("wallet logged in")
	c.JSON(http.StatusOK, gin.H{
		"token":     result.Token,
		"user":      result.User,
		"allowed":   true,
		"expiresAt": result.ExpiresAt,
	})
}

// Refresh mints a new token. Expired tokens are accepted. Any failure is
// reported as a null token so clients log out.
func (h *AuthHandlers) Refresh(c *gin.Context) {
	token, found := bearerToken(c)
	if !found {
		refreshFailed(c, core.NewAuthError(core.KindInvalid, http.StatusUnauthorized, core.CodeTokenMissing, "Token missing", nil))
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	// The body is optional
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			refreshFailed(c, core.ErrBadRequest("Invalid request", err))
			return
		}
	}

	result, err := h.authService.Refresh(c.Request.Context(), token, req.Address)
	if err != nil {
		h.logger.Info().Err(err).Msg("token refresh failed")
		refreshFailed(c, toAuthError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":     result.Token,
		"success":   true,
		"user":      result.User,
		"expiresAt": result.ExpiresAt,
	})
}

func refreshFailed(c *gin.Context, authErr *core.AuthError) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success":   false,
		"token":     nil,
		"error":     authErr.Message,
		"errorCode": authErr.Code,
	})
}

// Verify reports the identity behind the bearer token
func (h *AuthHandlers) Verify(c *gin.Context) {
	auth, ok := GetAuth(c)
	if !ok {
		abortWithError(c, core.ErrAuthRequired())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"address": auth.Address,
		"userId":  auth.UserID,
		"allowed": true,
		"isAdmin": auth.IsAdmin,
	})
}

// Logout deletes the session of the bearer token, which may be expired
func (h *AuthHandlers) Logout(c *gin.Context) {
	token, found := bearerToken(c)
	if !found {
		abortWithError(c, core.NewAuthError(core.KindInvalid, http.StatusUnauthorized, core.CodeTokenMissing, "Token missing", nil))
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ValidateAddress reports whether an address may log in
func (h *AuthHandlers) ValidateAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrBadRequest("Invalid request", err))
		return
	}

	allowed := h.authService.Allowlist().IsAddressAllowedAsync(c.Request.Context(), req.Address, false)
	c.JSON(http.StatusOK, gin.H{
		"isAllowed": allowed,
		"address":   eth.NormalizeAddress(req.Address),
	})
}

// CheckMode reports whether the server runs without an allow-list
func (h *AuthHandlers) CheckMode(c *gin.Context) {
	ctx := c.Request.Context()
	allowlist := h.authService.Allowlist()
	c.JSON(http.StatusOK, gin.H{
		"isPublicMode": allowlist.IsPublicMode(ctx),
		"addressCount": allowlist.Count(ctx),
	})
}

// ListDevices returns every registered device
func (h *AuthHandlers) ListDevices(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// RegisterDevice creates a device and returns its API key once
func (h *AuthHandlers) RegisterDevice(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		abortWithError(c, core.ErrBadRequest("Device name is required", err))
		return
	}

	device, apiKey, err := h.devices.Register(c.Request.Context(), req.Name)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"device": device, "apiKey": apiKey})
}

// DeleteDevice removes a device
func (h *AuthHandlers) DeleteDevice(c *gin.Context) {
	removed, err := h.devices.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if !removed {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Device not found", "errorCode": "NOT_FOUND", "status": http.StatusNotFound})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Health reports liveness
func (h *AuthHandlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
