package service

import (
	"context"
	"testing"

	"github.com/layer-3/walletgate/adapters/store"
	"github.com/layer-3/walletgate/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDeviceRegistry(t *testing.T) {
	ctx := context.Background()
	memStore := store.NewMemoryStore()
	registry := NewDeviceRegistry(memStore, zerolog.Nop()).WithCost(bcrypt.MinCost)

	_, _, err := registry.Register(ctx, "  ")
	assert.Error(t, err)

	device, apiKey, err := registry.Register(ctx, "backup node")
	require.NoError(t, err)
	assert.Regexp(t, `^dev_[0-9a-f]{16}$`, device.ID)
	assert.Regexp(t, `^wgk_[0-9a-f]{64}$`, apiKey)
	assert.NotContains(t, device.KeyHash, apiKey)

	got, err := registry.Authenticate(ctx, device.ID, apiKey)
	require.NoError(t, err)
	assert.Equal(t, "backup node", got.Name)

	stored, err := memStore.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSeenAt)

	// second call is served from the verified-key cache
	_, err = registry.Authenticate(ctx, device.ID, apiKey)
	require.NoError(t, err)

	_, err = registry.Authenticate(ctx, device.ID, apiKey+"x")
	assert.ErrorIs(t, err, core.ErrInvalidDeviceKey)
	_, err = registry.Authenticate(ctx, "dev_unknown", apiKey)
	assert.ErrorIs(t, err, core.ErrInvalidDeviceKey)

	devices, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	removed, err := registry.Remove(ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = registry.Authenticate(ctx, device.ID, apiKey)
	assert.ErrorIs(t, err, core.ErrInvalidDeviceKey)
}
