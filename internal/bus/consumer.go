package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/metrics"
)

// prefetchCount bounds unacked deliveries per consumer channel.
const prefetchCount = 10

// Handler processes one decoded bus envelope. Errors are logged; the
// delivery is acked either way so a poison frame cannot loop. Dedup of
// broker re-sends is the handler's concern.
type Handler func(ctx context.Context, env event.Envelope) error

// Status is the last-known state of a consumer's broker session.
type Status struct {
	Queue     string    `json:"queue"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Consumer owns one durable queue bound to the topic exchange and feeds
// deliveries to a handler. Run blocks until the context is cancelled,
// redialling with capped exponential backoff on connection loss.
type Consumer struct {
	url      string
	exchange string
	queue    string
	keys     []string
	handler  Handler
	metrics  *metrics.Registry
	log      zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewConsumer creates a consumer for queue bound with the given routing
// keys. reg may be nil.
func NewConsumer(url, exchange, queue string, keys []string, handler Handler, reg *metrics.Registry, logger zerolog.Logger) *Consumer {
	return &Consumer{
		url:      url,
		exchange: exchange,
		queue:    queue,
		keys:     keys,
		handler:  handler,
		metrics:  reg,
		log:      logger,
		status:   Status{Queue: queue, UpdatedAt: time.Now().UTC()},
	}
}

// Run consumes until ctx is cancelled. The backoff resets to its base
// after every session that reached the subscribed state.
func (c *Consumer) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		subscribed, err := c.consume(ctx)
		c.setState(false, err)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			delay = reconnectBase
		}

		c.log.Warn().Err(err).Str("queue", c.queue).Dur("retry_in", delay).Msg("bus consumer reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay)
	}
}

func (c *Consumer) consume(ctx context.Context) (subscribed bool, err error) {
	conn, ch, err := dial(c.url, c.exchange)
	if err != nil {
		return false, fmt.Errorf("dial bus: %w", err)
	}
	defer conn.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return false, fmt.Errorf("declare queue %s: %w", c.queue, err)
	}
	for _, key := range c.keys {
		if err := ch.QueueBind(c.queue, key, c.exchange, false, nil); err != nil {
			return false, fmt.Errorf("bind %s to %s: %w", c.queue, key, err)
		}
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %s: %w", c.queue, err)
	}

	c.setState(true, nil)
	c.log.Info().Str("queue", c.queue).Strs("keys", c.keys).Msg("bus consumer ready")

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return true, errors.New("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

// process decodes and dispatches one delivery. Frames without an event
// name inherit the routing key, matching what producers publish with.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	env, err := event.Decode(d.Body)
	switch {
	case errors.Is(err, event.ErrEmptyEvent):
		if d.RoutingKey == "" {
			c.log.Warn().Str("queue", c.queue).Msg("bus frame without event name dropped")
			c.ack(d)
			return
		}
		env.Event = d.RoutingKey
	case err != nil:
		c.log.Warn().Err(err).Str("queue", c.queue).Msg("bus frame not decodable, dropped")
		c.ack(d)
		return
	}

	if c.metrics != nil {
		c.metrics.BusConsumed.WithLabelValues(c.queue).Inc()
	}
	if err := c.handler(ctx, env); err != nil {
		c.log.Error().Err(err).Str("event", env.Event).Str("queue", c.queue).Msg("bus handler failed, frame acked")
	}
	c.ack(d)
}

// Status returns a snapshot of the broker session state.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Consumer) setState(connected bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = connected
	c.status.LastError = ""
	if err != nil && !errors.Is(err, context.Canceled) {
		c.status.LastError = err.Error()
	}
	c.status.UpdatedAt = time.Now().UTC()
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.Warn().Err(err).Str("queue", c.queue).Msg("ack failed")
	}
}
