package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/layer-3/walletgate/ports"
)

// Topics
const (
	TopicLogin   = "walletgate.login"
	TopicRefresh = "walletgate.refresh"
	TopicLogout  = "walletgate.logout"
)

// Topics lists every session topic
var Topics = []string{TopicLogin, TopicRefresh, TopicLogout}

// SessionEvent is the payload of every session topic
type SessionEvent struct {
	Topic      string    `json:"topic"`
	UserID     string    `json:"user_id"`
	Address    string    `json:"address"`
	TokenID    string    `json:"token_id"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurred_at"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	origin    string
}

var _ ports.EventPublisher = (*WatermillPublisher)(nil)

// NewWatermillPublisher creates a new Watermill publisher. origin identifies
// this instance so it can ignore its own events.
func NewWatermillPublisher(publisher message.Publisher, origin string) *WatermillPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		origin:    origin,
	}
}

// PublishLogin publishes a login event
func (p *WatermillPublisher) PublishLogin(ctx context.Context, userID, address, tokenID string) error {
	return p.publish(ctx, TopicLogin, userID, address, tokenID)
}

// PublishRefresh publishes a refresh event
func (p *WatermillPublisher) PublishRefresh(ctx context.Context, userID, address, tokenID string) error {
	return p.publish(ctx, TopicRefresh, userID, address, tokenID)
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, userID, address, tokenID string) error {
	return p.publish(ctx, TopicLogout, userID, address, tokenID)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic, userID, address, tokenID string) error {
	event := SessionEvent{
		Topic:      topic,
		UserID:     userID,
		Address:    address,
		TokenID:    tokenID,
		Origin:     p.origin,
		OccurredAt: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NoopPublisher drops every event
type NoopPublisher struct{}

func (NoopPublisher) PublishLogin(context.Context, string, string, string) error   { return nil }
func (NoopPublisher) PublishRefresh(context.Context, string, string, string) error { return nil }
func (NoopPublisher) PublishLogout(context.Context, string, string, string) error  { return nil }
