package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	// Persistent delivers messages published before a subscriber attaches
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, NewZerologAdapter(zerolog.Nop()))
	t.Cleanup(func() { _ = pubSub.Close() })
	return pubSub
}

func TestPublisherWritesSessionEvents(t *testing.T) {
	pubSub := newPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logouts, err := pubSub.Subscribe(ctx, TopicLogout)
	require.NoError(t, err)

	publisher := NewWatermillPublisher(pubSub, "node-a")
	require.NoError(t, publisher.PublishLogout(ctx, "user-1", "0xabc", "jti-1"))

	select {
	case msg := <-logouts:
		msg.Ack()
		var event SessionEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &event))
		assert.Equal(t, TopicLogout, event.Topic)
		assert.Equal(t, "user-1", event.UserID)
		assert.Equal(t, "0xabc", event.Address)
		assert.Equal(t, "jti-1", event.TokenID)
		assert.Equal(t, "node-a", event.Origin)
	case <-time.After(time.Second):
		t.Fatal("logout event not delivered")
	}
}

func TestListenerSkipsOwnEvents(t *testing.T) {
	pubSub := newPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		received []SessionEvent
	)
	listener := NewListener(pubSub, "node-a", zerolog.Nop())
	done := make(chan error, 1)
	go func() {
		done <- listener.Run(ctx, func(e SessionEvent) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, e)
		})
	}()

	own := NewWatermillPublisher(pubSub, "node-a")
	other := NewWatermillPublisher(pubSub, "node-b")
	require.NoError(t, own.PublishRefresh(ctx, "user-1", "0xabc", "jti-1"))
	require.NoError(t, other.PublishRefresh(ctx, "user-2", "0xdef", "jti-2"))
	require.NoError(t, pubSub.Publish(TopicLogin, message.NewMessage("bad", []byte("{"))))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "user-2", received[0].UserID)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestNoopPublisher(t *testing.T) {
	var p NoopPublisher
	assert.NoError(t, p.PublishLogin(context.Background(), "u", "a", "t"))
}
