package allowlist

import (
	"context"
	"fmt"

	"github.com/layer-3/walletgate/ports"
	"github.com/redis/go-redis/v9"
)

// RedisSource reads addresses from a Redis list so several instances share
// one allow-list. Changes are picked up when the allow-list cache expires.
type RedisSource struct {
	client *redis.Client
	key    string
}

var _ ports.AllowlistSource = (*RedisSource)(nil)

func NewRedisSource(client *redis.Client, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

func (s *RedisSource) Addresses(ctx context.Context) ([]string, error) {
	addresses, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist from redis: %w", err)
	}
	return addresses, nil
}
