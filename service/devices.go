package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/internal/ttlcache"
	"github.com/layer-3/walletgate/ports"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	deviceIDPrefix  = "dev_"
	deviceKeyPrefix = "wgk_"

	// Verified keys are remembered briefly so bcrypt does not run on every request
	deviceKeyCacheTTL = time.Minute
)

// Hash compared when the device does not exist, so unknown IDs take as long as bad keys
var dummyDeviceHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// DeviceRegistry manages peer devices that authenticate with API keys
type DeviceRegistry struct {
	store    ports.DeviceStore
	verified *ttlcache.Cache[[32]byte]
	cost     int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewDeviceRegistry creates a registry over store
func NewDeviceRegistry(store ports.DeviceStore, logger zerolog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		store:    store,
		verified: ttlcache.New[[32]byte](1024, deviceKeyCacheTTL),
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		logger:   logger,
	}
}

// WithCost sets the bcrypt cost used for new keys
func (r *DeviceRegistry) WithCost(cost int) *DeviceRegistry {
	r.cost = cost
	return r
}

// Register creates a device and returns it with its API key. The key is
// only ever available here; the store keeps a bcrypt hash.
func (r *DeviceRegistry) Register(ctx context.Context, name string) (*core.Device, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", errors.New("device name is required")
	}

	id, err := randomHex(8)
	if err != nil {
		return nil, "", err
	}
	secret, err := randomHex(32)
	if err != nil {
		return nil, "", err
	}
	apiKey := deviceKeyPrefix + secret

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), r.cost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash device key: %w", err)
	}

	device := &core.Device{
		ID:        deviceIDPrefix + id,
		Name:      name,
		KeyHash:   string(hash),
		CreatedAt: r.now(),
	}
	if err := r.store.CreateDevice(ctx, device); err != nil {
		return nil, "", err
	}

	r.logger.Info().Str("device_id", device.ID).Str("name", name).Msg("device registered")
	return device, apiKey, nil
}

// Authenticate checks apiKey against device id and records the visit
func (r *DeviceRegistry) Authenticate(ctx context.Context, id, apiKey string) (*core.Device, error) {
	device, err := r.store.GetDevice(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyDeviceHash, []byte(apiKey))
		return nil, core.ErrInvalidDeviceKey
	}
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256([]byte(apiKey))
	if known, ok := r.verified.Get(id); !ok || subtle.ConstantTimeCompare(known[:], digest[:]) != 1 {
		if err := bcrypt.CompareHashAndPassword([]byte(device.KeyHash), []byte(apiKey)); err != nil {
			return nil, core.ErrInvalidDeviceKey
		}
		r.verified.Set(id, digest)
	}

	if err := r.store.TouchDevice(ctx, id, r.now()); err != nil {
		r.logger.Warn().Err(err).Str("device_id", id).Msg("failed to update device last seen")
	}
	return device, nil
}

// List returns every registered device
func (r *DeviceRegistry) List(ctx context.Context) ([]*core.Device, error) {
	return r.store.ListDevices(ctx)
}

// Remove deletes a device; its key stops working immediately
func (r *DeviceRegistry) Remove(ctx context.Context, id string) (bool, error) {
	r.verified.Delete(id)
	return r.store.DeleteDevice(ctx, id)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
