// Package allowlist provides the address sources behind the server allow-list
package allowlist

import (
	"context"
	"slices"

	"github.com/layer-3/walletgate/ports"
)

// StaticSource serves a fixed list, typically ALLOWED_ADDRESSES
type StaticSource struct {
	addresses []string
}

var _ ports.AllowlistSource = (*StaticSource)(nil)

func NewStaticSource(addresses []string) *StaticSource {
	return &StaticSource{addresses: slices.Clone(addresses)}
}

func (s *StaticSource) Addresses(ctx context.Context) ([]string, error) {
	return slices.Clone(s.addresses), nil
}
