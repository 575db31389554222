package ports

import "context"

// EventPublisher publishes session lifecycle events to notify other instances
type EventPublisher interface {
	PublishLogin(ctx context.Context, userID, address, tokenID string) error
	PublishRefresh(ctx context.Context, userID, address, tokenID string) error
	PublishLogout(ctx context.Context, userID, address, tokenID string) error
}
