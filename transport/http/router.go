package http

import (
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletgate/service"
	"github.com/rs/zerolog"
)

// RouterOptions configures SetupRouter
type RouterOptions struct {
	AuthService *service.AuthService
	Devices     *service.DeviceRegistry
	Limiter     *RateLimiter
	CORSOrigins []string
	Logger      zerolog.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(recovery(opts.Logger))
	router.Use(requestLogger(opts.Logger))
	router.Use(cors.New(corsConfig(opts.CORSOrigins)))

	// Create handlers
	handlers := NewAuthHandlers(opts.AuthService, opts.Devices, opts.Logger)
	gateway := NewGateway(opts.AuthService, opts.Devices, opts.Limiter, opts.Logger)

	router.GET("/health", handlers.Health)

	public := gateway.Middleware(GatewayOptions{})
	authenticated := gateway.Middleware(GatewayOptions{RequireAuth: true})

	// Wallet routes
	wallet := router.Group("/wallet")
	{
		wallet.POST("", public, handlers.Login)
		wallet.POST("/challenge", public, handlers.Challenge)
		wallet.POST("/refresh", public, handlers.Refresh)
		wallet.POST("/logout", public, handlers.Logout)
		wallet.GET("/verify", authenticated, handlers.Verify)
	}

	auth := router.Group("/auth", public)
	{
		auth.POST("/validate-address", handlers.ValidateAddress)
		auth.GET("/check-mode", handlers.CheckMode)
	}

	// Peer device management
	admin := router.Group("/admin", gateway.Middleware(GatewayOptions{RequireAdmin: true}))
	{
		admin.GET("/devices", handlers.ListDevices)
		admin.POST("/devices", handlers.RegisterDevice)
		admin.DELETE("/devices/:id", handlers.DeleteDevice)
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", HeaderDeviceID, HeaderDeviceKey},
		ExposeHeaders: []string{"Content-Length", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		if len(c.Errors) > 0 {
			event = event.Err(c.Errors.Last().Err)
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}

func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("handler panicked")
		abortWithError(c, fmt.Errorf("panic: %v", recovered))
	})
}
