package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/walletgate/core"
	"github.com/layer-3/walletgate/ports"
)

type expiringValue struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of the Store interface
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*core.Session // by token
	users      map[string]*core.User    // by ID
	addresses  map[string]string        // address -> user ID
	devices    map[string]*core.Device
	challenges map[string]expiringValue
	revoked    map[string]time.Time // token ID -> forget after
	now        func() time.Time
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*core.Session),
		users:      make(map[string]*core.User),
		addresses:  make(map[string]string),
		devices:    make(map[string]*core.Device),
		challenges: make(map[string]expiringValue),
		revoked:    make(map[string]time.Time),
		now:        time.Now,
	}
}

// WithClock replaces the time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &core.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[token] = session

	copied := *session
	return &copied, nil
}

func (s *MemoryStore) ReplaceSessionToken(ctx context.Context, oldToken, newToken string, newExpiry time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[oldToken]
	if !ok {
		return false, nil
	}
	delete(s.sessions, oldToken)
	session.Token = newToken
	session.ExpiresAt = newExpiry
	session.UpdatedAt = s.now()
	s.sessions[newToken] = session
	return true, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, token string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return false, nil
	}
	delete(s.sessions, token)
	return true, nil
}

func (s *MemoryStore) DeleteUserSessions(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	for key, v := range s.challenges {
		if !v.expiresAt.After(now) {
			delete(s.challenges, key)
		}
	}
	for id, until := range s.revoked {
		if !until.After(now) {
			delete(s.revoked, id)
		}
	}
	return removed, nil
}

func (s *MemoryStore) GetUserByAddress(ctx context.Context, address string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.addresses[address]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *s.users[id]
	return &copied, nil
}

func (s *MemoryStore) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	copied := *user
	s.users[user.ID] = &copied
	s.addresses[user.Address] = user.ID
	return nil
}

func (s *MemoryStore) SaveUser(ctx context.Context, user *core.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; !ok {
		return core.ErrNotFound
	}
	copied := *user
	s.users[user.ID] = &copied
	s.addresses[user.Address] = user.ID
	return nil
}

func (s *MemoryStore) CreateDevice(ctx context.Context, device *core.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device.CreatedAt.IsZero() {
		device.CreatedAt = s.now()
	}
	copied := *device
	s.devices[device.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*core.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*core.Device, 0, len(s.devices))
	for _, device := range s.devices {
		copied := *device
		devices = append(devices, &copied)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return false, nil
	}
	delete(s.devices, id)
	return true, nil
}

func (s *MemoryStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.devices[id]
	if !ok {
		return core.ErrNotFound
	}
	device.LastSeenAt = &seenAt
	return nil
}

// Set stores a key with a value and expiration time
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[key] = expiringValue{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Take retrieves and removes a value by key
func (s *MemoryStore) Take(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.challenges[key]
	if !ok {
		return "", core.ErrNotFound
	}
	delete(s.challenges, key)
	if !v.expiresAt.After(s.now()) {
		return "", core.ErrNotFound
	}
	return v.value, nil
}

// InvalidateToken records tokenID as revoked for ttl
func (s *MemoryStore) InvalidateToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revoked[tokenID] = s.now().Add(ttl)
	return nil
}

// IsTokenInvalidated reports whether tokenID was revoked and the record is still live
func (s *MemoryStore) IsTokenInvalidated(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	until, ok := s.revoked[tokenID]
	return ok && until.After(s.now()), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
