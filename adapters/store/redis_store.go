package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis implementation of the Store interface.
// Sessions expire with their token; users and devices are kept until deleted.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ports.Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "walletgate:",
		now:    time.Now,
	}
}

// NewRedisClient parses redisURL and checks the connection
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Client returns the Redis client so it can be shared with the event publisher
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) sessionKey(token string) string   { return s.prefix + "session:" + token }
func (s *RedisStore) userSessionsKey(id string) string { return s.prefix + "user-sessions:" + id }
func (s *RedisStore) userKey(id string) string         { return s.prefix + "user:" + id }
func (s *RedisStore) addressKey(address string) string { return s.prefix + "user-address:" + address }
func (s *RedisStore) deviceKey(id string) string       { return s.prefix + "device:" + id }
func (s *RedisStore) devicesKey() string               { return s.prefix + "devices" }
func (s *RedisStore) challengeKey(key string) string   { return s.prefix + "challenge:" + key }
func (s *RedisStore) invalidatedKey(id string) string  { return s.prefix + "invalidated:" + id }

func (s *RedisStore) sessionTTL(expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func (s *RedisStore) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) (*core.Session, error) {
	now := s.now()
	session := &core.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.writeSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *RedisStore) writeSession(ctx context.Context, session *core.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("%w: encode session: %v", core.ErrStoreOperation, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.Token), data, s.sessionTTL(session.ExpiresAt))
		pipe.SAdd(ctx, s.userSessionsKey(session.UserID), session.Token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write session: %v", core.ErrStoreOperation, err)
	}
	return nil
}

func (s *RedisStore) ReplaceSessionToken(ctx context.Context, oldToken, newToken string, newExpiry time.Time) (bool, error) {
	// GETDEL makes concurrent replacements of the same token race to a single winner
	data, err := s.client.GetDel(ctx, s.sessionKey(oldToken)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: take session: %v", core.ErrStoreOperation, err)
	}

	var session core.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return false, fmt.Errorf("%w: decode session: %v", core.ErrStoreOperation, err)
	}
	session.Token = newToken
	session.ExpiresAt = newExpiry
	session.UpdatedAt = s.now()

	if err := s.client.SRem(ctx, s.userSessionsKey(session.UserID), oldToken).Err(); err != nil {
		return false, fmt.Errorf("%w: update session index: %v", core.ErrStoreOperation, err)
	}
	if err := s.writeSession(ctx, &session); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) GetSession(ctx context.Context, token string) (*core.Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", core.ErrStoreOperation, err)
	}

	var session core.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", core.ErrStoreOperation, err)
	}
	return &session, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, token string) (bool, error) {
	session, err := s.GetSession(ctx, token)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.sessionKey(token))
		pipe.SRem(ctx, s.userSessionsKey(session.UserID), token)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete session: %v", core.ErrStoreOperation, err)
	}
	return deleted.Val() > 0, nil
}

func (s *RedisStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	tokens, err := s.client.SMembers(ctx, s.userSessionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list user sessions: %v", core.ErrStoreOperation, err)
	}

	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		keys = append(keys, s.sessionKey(token))
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.userSessionsKey(userID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: delete user sessions: %v", core.ErrStoreOperation, err)
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// CleanupExpiredSessions drops index entries whose session key Redis has
// already expired. It returns the number of entries removed.
func (s *RedisStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"user-sessions:*", 100).Iterator()
	for iter.Next(ctx) {
		indexKey := iter.Val()
		tokens, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: list sessions: %v", core.ErrStoreOperation, err)
		}
		for _, token := range tokens {
			exists, err := s.client.Exists(ctx, s.sessionKey(token)).Result()
			if err != nil {
				return removed, fmt.Errorf("%w: check session: %v", core.ErrStoreOperation, err)
			}
			if exists == 0 {
				if err := s.client.SRem(ctx, indexKey, token).Err(); err != nil {
					return removed, fmt.Errorf("%w: prune session: %v", core.ErrStoreOperation, err)
				}
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: scan sessions: %v", core.ErrStoreOperation, err)
	}
	return removed, nil
}

func (s *RedisStore) GetUserByAddress(ctx context.Context, address string) (*core.User, error) {
	id, err := s.client.Get(ctx, s.addressKey(address)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get user address: %v", core.ErrStoreOperation, err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *RedisStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	var user core.User
	if err := s.getJSON(ctx, s.userKey(id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *RedisStore) CreateUser(ctx context.Context, user *core.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	return s.writeUser(ctx, user)
}

func (s *RedisStore) SaveUser(ctx context.Context, user *core.User) error {
	exists, err := s.client.Exists(ctx, s.userKey(user.ID)).Result()
	if err != nil {
		return fmt.Errorf("%w: check user: %v", core.ErrStoreOperation, err)
	}
	if exists == 0 {
		return core.ErrNotFound
	}
	return s.writeUser(ctx, user)
}

func (s *RedisStore) writeUser(ctx context.Context, user *core.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("%w: encode user: %v", core.ErrStoreOperation, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.userKey(user.ID), data, 0)
		pipe.Set(ctx, s.addressKey(user.Address), user.ID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write user: %v", core.ErrStoreOperation, err)
	}
	return nil
}

// redisDevice carries the key hash, which core.Device hides from JSON
type redisDevice struct {
	core.Device
	KeyHash string `json:"keyHash"`
}

func (s *RedisStore) CreateDevice(ctx context.Context, device *core.Device) error {
	if device.CreatedAt.IsZero() {
		device.CreatedAt = s.now()
	}
	return s.writeDevice(ctx, device)
}

func (s *RedisStore) writeDevice(ctx context.Context, device *core.Device) error {
	data, err := json.Marshal(redisDevice{Device: *device, KeyHash: device.KeyHash})
	if err != nil {
		return fmt.Errorf("%w: encode device: %v", core.ErrStoreOperation, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.deviceKey(device.ID), data, 0)
		pipe.SAdd(ctx, s.devicesKey(), device.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: write device: %v", core.ErrStoreOperation, err)
	}
	return nil
}

func (s *RedisStore) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	var stored redisDevice
	if err := s.getJSON(ctx, s.deviceKey(id), &stored); err != nil {
		return nil, err
	}
	device := stored.Device
	device.KeyHash = stored.KeyHash
	return &device, nil
}

func (s *RedisStore) ListDevices(ctx context.Context) ([]*core.Device, error) {
	ids, err := s.client.SMembers(ctx, s.devicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", core.ErrStoreOperation, err)
	}

	devices := make([]*core.Device, 0, len(ids))
	for _, id := range ids {
		device, err := s.GetDevice(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (s *RedisStore) DeleteDevice(ctx context.Context, id string) (bool, error) {
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.deviceKey(id))
		pipe.SRem(ctx, s.devicesKey(), id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: delete device: %v", core.ErrStoreOperation, err)
	}
	return deleted.Val() > 0, nil
}

func (s *RedisStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	device, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	device.LastSeenAt = &seenAt
	return s.writeDevice(ctx, device)
}

// Set stores a key with a value and expiration time
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.challengeKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreOperation, err)
	}
	return nil
}

// Take retrieves and removes a value by key
func (s *RedisStore) Take(ctx context.Context, key string) (string, error) {
	value, err := s.client.GetDel(ctx, s.challengeKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrStoreOperation, err)
	}
	return value, nil
}

// InvalidateToken records tokenID as revoked for ttl
func (s *RedisStore) InvalidateToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.invalidatedKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: invalidate token: %v", core.ErrStoreOperation, err)
	}
	return nil
}

// IsTokenInvalidated reports whether tokenID was revoked and Redis still holds the record
func (s *RedisStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.invalidatedKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check revocation: %v", core.ErrStoreOperation, err)
	}
	return exists > 0, nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: get %s: %v", core.ErrStoreOperation, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", core.ErrStoreOperation, key, err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
