package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/metrics"
)

// DefaultPushInterval is the health push cadence when none is configured.
const DefaultPushInterval = 10 * time.Second

// Pusher is the push side of the /ws/health contract: it sends this service's own health.update frame to every
// subscriber on a fixed cadence, and immediately when a subscriber connects. payload builds the frame body on each
// push so it reflects live state.
type Pusher struct {
	log      zerolog.Logger
	metrics  *metrics.Registry
	interval time.Duration
	payload  func() map[string]any

	mu   sync.Mutex
	subs map[subscriber]struct{}
}

// NewPusher creates a pusher. A zero interval selects DefaultPushInterval.
func NewPusher(interval time.Duration, payload func() map[string]any, reg *metrics.Registry, logger zerolog.Logger) *Pusher {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &Pusher{
		log:      logger.With().Str("component", "health-push").Logger(),
		metrics:  reg,
		interval: interval,
		payload:  payload,
		subs:     make(map[subscriber]struct{}),
	}
}

// Run pushes on the configured cadence until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Push()
		}
	}
}

// Push fans one health.update frame out to every subscriber and returns the delivered count.
func (p *Pusher) Push() int {
	frame, ok := p.frame()
	if !ok {
		return 0
	}

	p.mu.Lock()
	targets := make([]subscriber, 0, len(p.subs))
	for sub := range p.subs {
		targets = append(targets, sub)
	}
	p.mu.Unlock()

	sent := 0
	for _, sub := range targets {
		if sub.Send(frame) {
			sent++
		}
	}
	if sent > 0 && p.metrics != nil {
		p.metrics.Broadcasts.WithLabelValues("health").Add(float64(sent))
	}
	return sent
}

// ServeClient runs the lifecycle of one health socket: register it, push immediately, then hold the connection until
// the peer goes away. Refresh requests trigger an extra personal push.
func (p *Pusher) ServeClient(conn *websocket.Conn) {
	sub := gateway.NewSubscriber(conn, p.log)
	p.register(sub)
	defer p.unregister(sub)

	if frame, ok := p.frame(); ok {
		sub.Send(frame)
	}

	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg["event"] {
		case event.Refresh, event.HealthGet:
			if frame, ok := p.frame(); ok {
				sub.Send(frame)
			}
		}
	}
}

// SubscriberCount returns how many sockets are attached.
func (p *Pusher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// CloseAll closes every subscriber with a Service Restart frame. Used on shutdown.
func (p *Pusher) CloseAll() {
	p.mu.Lock()
	subs := make([]subscriber, 0, len(p.subs))
	for sub := range p.subs {
		subs = append(subs, sub)
	}
	p.subs = make(map[subscriber]struct{})
	p.mu.Unlock()

	for _, sub := range subs {
		sub.Shutdown()
	}
	if p.metrics != nil {
		p.metrics.Subscribers.WithLabelValues("health").Set(0)
	}
}

func (p *Pusher) frame() ([]byte, bool) {
	frame, err := json.Marshal(map[string]any{
		"event":   event.HealthUpdate,
		"payload": p.payload(),
	})
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to marshal health push")
		return nil, false
	}
	return frame, true
}

func (p *Pusher) register(sub subscriber) {
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	total := len(p.subs)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.Subscribers.WithLabelValues("health").Set(float64(total))
	}
	p.log.Debug().Int("total", total).Msg("Health subscriber connected")
}

func (p *Pusher) unregister(sub subscriber) {
	p.mu.Lock()
	if _, ok := p.subs[sub]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.subs, sub)
	total := len(p.subs)
	p.mu.Unlock()

	sub.Close()
	if p.metrics != nil {
		p.metrics.Subscribers.WithLabelValues("health").Set(float64(total))
	}
	p.log.Debug().Int("total", total).Msg("Health subscriber disconnected")
}
