// Package config loads walletgate settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/joho/godotenv"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/logging"
)

// Defaults
const (
	DefaultTokenLifetime   = 24 * time.Hour
	DefaultRefreshWindow   = 7 * 24 * time.Hour
	DefaultHTTPAddr        = ":9000"
	DefaultRateLimitWindow = 15 * time.Minute
	DefaultRateLimitMax    = 300
	DefaultAllowlistTTL    = 5 * time.Minute
	DefaultVerifyCacheTTL  = time.Minute
	DefaultDatabasePath    = "walletgate.db"
)

// Config is the complete server configuration
type Config struct {
	JWTSecret     string
	TokenLifetime time.Duration
	RefreshWindow time.Duration

	AllowedAddresses  []string
	AdminAddresses    []string
	AllowlistFile     string
	AllowlistRedisKey string
	AllowlistCacheTTL time.Duration

	StoreDriver  string
	DatabasePath string
	RedisURL     string

	HTTPAddr         string
	CORSOrigins      []string
	RateLimitWindow  time.Duration
	RateLimitMax     int
	RequireChallenge bool
	VerifyCacheTTL   time.Duration

	Logging logging.Config
}

// Load reads envFiles (missing files are ignored) and then the process
// environment. JWT_SECRET is required.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function
func FromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		JWTSecret:         getenv("JWT_SECRET"),
		AllowedAddresses:  splitList(getenv("ALLOWED_ADDRESSES")),
		AdminAddresses:    splitList(getenv("ADMIN_ADDRESSES")),
		AllowlistFile:     getenv("ALLOWLIST_FILE"),
		AllowlistRedisKey: getenv("ALLOWLIST_REDIS_KEY"),
		StoreDriver:       orDefault(getenv("STORE_DRIVER"), "memory"),
		DatabasePath:      orDefault(getenv("DATABASE_PATH"), DefaultDatabasePath),
		RedisURL:          getenv("REDIS_URL"),
		HTTPAddr:          orDefault(getenv("HTTP_ADDR"), DefaultHTTPAddr),
		CORSOrigins:       splitList(getenv("CORS_ORIGINS")),
		Logging:           logging.DefaultConfig(),
	}

	var err error
	if cfg.TokenLifetime, err = duration(getenv("JWT_EXPIRES_IN"), DefaultTokenLifetime); err != nil {
		return nil, fmt.Errorf("parsing JWT_EXPIRES_IN: %w", err)
	}
	if cfg.RefreshWindow, err = duration(getenv("JWT_REFRESH_WINDOW"), DefaultRefreshWindow); err != nil {
		return nil, fmt.Errorf("parsing JWT_REFRESH_WINDOW: %w", err)
	}
	if cfg.RateLimitWindow, err = duration(getenv("RATE_LIMIT_WINDOW"), DefaultRateLimitWindow); err != nil {
		return nil, fmt.Errorf("parsing RATE_LIMIT_WINDOW: %w", err)
	}
	if cfg.AllowlistCacheTTL, err = duration(getenv("ALLOWLIST_CACHE_TTL"), DefaultAllowlistTTL); err != nil {
		return nil, fmt.Errorf("parsing ALLOWLIST_CACHE_TTL: %w", err)
	}
	if cfg.VerifyCacheTTL, err = duration(getenv("VERIFY_CACHE_TTL"), DefaultVerifyCacheTTL); err != nil {
		return nil, fmt.Errorf("parsing VERIFY_CACHE_TTL: %w", err)
	}

	cfg.RateLimitMax = DefaultRateLimitMax
	if v := getenv("RATE_LIMIT_MAX"); v != "" {
		if cfg.RateLimitMax, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("parsing RATE_LIMIT_MAX: %w", err)
		}
	}

	cfg.RequireChallenge = true
	if v := getenv("REQUIRE_CHALLENGE"); v != "" {
		if cfg.RequireChallenge, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("parsing REQUIRE_CHALLENGE: %w", err)
		}
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	cfg.Logging.File = getenv("LOG_FILE")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return core.ErrMissingSecret
	}
	if c.TokenLifetime < 0 {
		return fmt.Errorf("token lifetime must not be negative")
	}
	if c.RefreshWindow < 0 {
		return fmt.Errorf("refresh window must not be negative")
	}
	if c.RateLimitMax < 0 {
		return fmt.Errorf("rate limit max must not be negative")
	}
	switch c.StoreDriver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("%w: %s", core.ErrUnsupportedDriver, c.StoreDriver)
	}
	if c.StoreDriver == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis store requires REDIS_URL")
	}
	if c.AllowlistRedisKey != "" && c.RedisURL == "" {
		return fmt.Errorf("ALLOWLIST_REDIS_KEY requires REDIS_URL")
	}
	return nil
}

// splitList splits a comma separated value, dropping blanks
func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// duration parses values like "24h", "7d" or plain seconds
func duration(raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseutil.ParseDurationSecond(strings.TrimSpace(raw))
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
