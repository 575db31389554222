package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Listener consumes session events published by other instances
type Listener struct {
	subscriber message.Subscriber
	origin     string
	logger     zerolog.Logger
}

// NewListener creates a listener that skips events whose origin is origin
func NewListener(subscriber message.Subscriber, origin string, logger zerolog.Logger) *Listener {
	return &Listener{
		subscriber: subscriber,
		origin:     origin,
		logger:     logger,
	}
}

// Run subscribes to every session topic and calls handle for each foreign
// event until ctx is done. Malformed messages are acked and dropped.
func (l *Listener) Run(ctx context.Context, handle func(SessionEvent)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make([]<-chan *message.Message, 0, len(Topics))
	for _, topic := range Topics {
		messages, err := l.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		streams = append(streams, messages)
	}

	var g errgroup.Group
	for _, messages := range streams {
		g.Go(func() error {
			for msg := range messages {
				l.dispatch(msg, handle)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Listener) dispatch(msg *message.Message, handle func(SessionEvent)) {
	defer msg.Ack()

	var event SessionEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		l.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed session event")
		return
	}
	if event.Origin == l.origin {
		return
	}

	l.logger.Debug().
		Str("topic", event.Topic).
		Str("user_id", event.UserID).
		Str("origin", event.Origin).
		Msg("session event received")
	handle(event)
}
