// Package messaging carries gateway events between processes. The Bus
// interface has two backends: NATS (default) and Redis pub/sub.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultTopic is the single logical channel carrying every gateway event.
const DefaultTopic = "gateway.events"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "hearth-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	logger = logger.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject. While the connection is not
// established the publish is refused instead of buffered, so the caller can
// deliver locally without risking a later duplicate.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if !c.conn.IsConnected() {
		return ErrBusUnavailable
	}
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("drain subscription")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("connection drain")
	}

	c.logger.Info().Msg("client closed")
}

// NATSBus is a Bus over a single NATS subject.
type NATSBus struct {
	client *NATSClient
	topic  string
	logger zerolog.Logger
}

// NewNATSBus creates a bus publishing on topic (DefaultTopic when empty).
func NewNATSBus(client *NATSClient, topic string, logger zerolog.Logger) *NATSBus {
	if topic == "" {
		topic = DefaultTopic
	}
	return &NATSBus{client: client, topic: topic, logger: logger.With().Str("component", "bus").Logger()}
}

// Publish encodes ev and publishes it on the bus subject.
func (b *NATSBus) Publish(_ context.Context, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(b.topic, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", ev.T, err)
	}
	return nil
}

// Subscribe delivers every decodable event on the bus subject to handler.
func (b *NATSBus) Subscribe(handler func(Event)) error {
	return b.client.Subscribe(b.topic, func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("dropping undecodable bus message")
			return
		}
		handler(ev)
	})
}

// Close drains the underlying client.
func (b *NATSBus) Close() error {
	b.client.Close()
	return nil
}
