package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	assert.Equal(t, zerolog.DebugLevel, New(cfg).GetLevel())

	cfg.Level = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, New(cfg).GetLevel())
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletgate.log")
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.File = path

	logger := Component(New(cfg), "test")
	logger.Info().Str("address", "0xabc").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hello"`)
}
