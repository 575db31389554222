package allowlist

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSourceCopies(t *testing.T) {
	input := []string{"0xa", "0xb"}
	s := NewStaticSource(input)
	input[0] = "changed"

	got, err := s.Addresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, got)
}

func TestFileSourceParsing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allowlist.txt")
	s := NewFileSource(path, zerolog.Nop())

	got, err := s.Addresses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got, "missing file is public mode")

	content := "# admins\n0xa\n\n  0xb , 0xc\n#0xd\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	got, err = s.Addresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, got)
}

func TestFileSourceWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("0xa\n"), 0o600))

	s := NewFileSource(path, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func() { changes.Add(1) }) }()

	// Writes to other files in the directory are ignored
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o600)
		_ = os.WriteFile(path, []byte("0xa\n0xb\n"), 0o600)
		return changes.Load() > 0
	}, 3*time.Second, 200*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestRedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewRedisSource(client, "walletgate:allowlist")
	got, err := s.Addresses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = mr.RPush("walletgate:allowlist", "0xa", "0xb")
	require.NoError(t, err)

	got, err = s.Addresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, got)
}
