package service

import (
	"time"

	"github.com/layer-3/walletgate/internal/ttlcache"
)

// ExpiryState remembers tokens already confirmed expired so repeated
// requests with them are rejected before any cache lookup or crypto
type ExpiryState interface {
	Get(token string) bool
	Set(token string)
	Clear(token string)
}

// MemoryExpiryState is a bounded in-process ExpiryState
type MemoryExpiryState struct {
	tokens *ttlcache.Cache[struct{}]
}

// NewMemoryExpiryState keeps each expired token for retention
func NewMemoryExpiryState(retention time.Duration) *MemoryExpiryState {
	return &MemoryExpiryState{tokens: ttlcache.New[struct{}](0, retention)}
}

func (s *MemoryExpiryState) Get(token string) bool {
	_, ok := s.tokens.Get(token)
	return ok
}

func (s *MemoryExpiryState) Set(token string) {
	s.tokens.Set(token, struct{}{})
}

func (s *MemoryExpiryState) Clear(token string) {
	s.tokens.Delete(token)
}
