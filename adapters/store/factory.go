package store

import (
	"context"
	"fmt"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
)

// Driver identifiers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and parameterizes a store driver
type Config struct {
	Driver       string
	DatabasePath string
	RedisURL     string
}

// New creates a store based on the provided configuration
func New(ctx context.Context, cfg Config) (ports.Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}

	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		if cfg.DatabasePath == "" {
			return nil, fmt.Errorf("sqlite driver requires a database path")
		}
		return OpenSQLite(cfg.DatabasePath)
	case DriverRedis:
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedDriver, driver)
	}
}
