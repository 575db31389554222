package ports

import "context"

// AllowlistSource yields the configured addresses in configuration order
type AllowlistSource interface {
	Addresses(ctx context.Context) ([]string, error)
}

// WatchableSource notifies when its addresses may have changed
type WatchableSource interface {
	AllowlistSource
	Watch(ctx context.Context, onChange func()) error
}
