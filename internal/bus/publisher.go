package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/metrics"
)

// Publisher emits envelopes to the topic exchange. Emitters are
// side-effect-only: a publish that still fails after one reconnect is
// logged and dropped rather than surfaced to the caller.
type Publisher struct {
	url      string
	exchange string
	metrics  *metrics.Registry
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a publisher for the given exchange. The connection
// is established lazily on first emit. reg may be nil.
func NewPublisher(url, exchange string, reg *metrics.Registry, logger zerolog.Logger) *Publisher {
	return &Publisher{url: url, exchange: exchange, metrics: reg, log: logger}
}

// Emit wraps data in an envelope and publishes it with the event name as
// routing key. Auth-class payloads are normalized to the canonical default
// shape first. Returns false when the frame was dropped.
func (p *Publisher) Emit(ctx context.Context, name string, data map[string]any) bool {
	body, err := frame(name, data)
	if err != nil {
		p.log.Warn().Err(err).Str("event", name).Msg("bus frame not encodable, dropped")
		return false
	}

	if err := p.publish(ctx, name, body); err != nil {
		p.disconnect()
		if err = p.publish(ctx, name, body); err != nil {
			if p.metrics != nil {
				p.metrics.BusPublishFailed.Inc()
			}
			p.log.Warn().Err(err).Str("event", name).Msg("bus publish dropped")
			return false
		}
	}

	if p.metrics != nil {
		p.metrics.BusPublished.Inc()
	}
	p.log.Debug().Str("event", name).Msg("bus event published")
	return true
}

// Close tears down the connection. Subsequent emits redial.
func (p *Publisher) Close() {
	p.disconnect()
}

// frame builds the wire body: data inside a timestamped envelope. Only
// auth events pass through normalization; the rest of the fleet publishes
// its payloads verbatim.
func frame(name string, data map[string]any) ([]byte, error) {
	if strings.HasPrefix(name, "auth.") {
		data = event.Normalize(name, data)
	}
	env := event.New(name, data)
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

func (p *Publisher) publish(ctx context.Context, key string, body []byte) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *Publisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}

	conn, ch, err := dial(p.url, p.exchange)
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}

	p.conn, p.ch = conn, ch
	p.log.Info().Str("exchange", p.exchange).Msg("bus publisher connected")
	return ch, nil
}

func (p *Publisher) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}
