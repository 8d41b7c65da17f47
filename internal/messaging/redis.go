package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus is a Bus over a Redis pub/sub channel. It lets a deployment run
// with Redis as its only shared dependency.
type RedisBus struct {
	client *redis.Client
	topic  string
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisBus creates a bus publishing on the Redis channel topic.
func NewRedisBus(client *redis.Client, topic string, logger zerolog.Logger) *RedisBus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &RedisBus{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "bus").Logger(),
		done:   make(chan struct{}),
	}
}

// Publish encodes ev and publishes it on the channel.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.topic, data).Err(); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", ev.T, err)
	}
	return nil
}

// Subscribe starts the single receive loop of this process. It returns once
// Redis has confirmed the subscription.
func (b *RedisBus) Subscribe(handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("messaging: already subscribed to %s", b.topic)
	}

	ctx := context.Background()
	pubsub := b.client.Subscribe(ctx, b.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("messaging: subscribe %s: %w", b.topic, err)
	}
	b.pubsub = pubsub

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-b.done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					b.logger.Warn().Err(err).Msg("dropping undecodable bus message")
					continue
				}
				handler(ev)
			}
		}
	}()
	return nil
}

// Close stops the receive loop and closes the subscription. The Redis client
// itself is owned by the caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
	}
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
