// Package stats relays donation statistics from the upstream stats service to WebSocket subscribers, caching the
// latest snapshot so new clients catch up immediately.
package stats

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/metrics"
)

// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
const maxMessageSize = 4096

// fingerprintFields are an upstream snapshot's business fields. Volatile fields (generated_at, row ids) stay out so
// broker re-deliveries and timestamp-only refreshes do not fan out.
var fingerprintFields = []string{
	"currency", "today_date", "today_total", "today_count", "month",
	"monthly_target", "monthly_total", "monthly_count", "percent",
	"remaining", "net_raised",
}

// subscriber is the outbound half of a stats socket, satisfied by *gateway.Subscriber.
type subscriber interface {
	Send(frame []byte) bool
	Close()
	Shutdown()
}

// Relay caches the newest donation statistics snapshot and fans it out to its subscribers. The upstream consumer
// feeds it raw frames; identical business fields suppress the rebroadcast.
type Relay struct {
	log     zerolog.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	subs        map[subscriber]struct{}
	frame       []byte
	fingerprint string
	updatedAt   time.Time
}

// New creates an empty relay. The first upstream snapshot populates the cache.
func New(reg *metrics.Registry, logger zerolog.Logger) *Relay {
	return &Relay{
		log:     logger.With().Str("component", "stats").Logger(),
		metrics: reg,
		subs:    make(map[subscriber]struct{}),
	}
}

// HandleUpstream ingests one raw frame from the donation-stats service. The stats payload may arrive nested under
// data or flat at the top level; frames carrying no stats fields are ignored.
func (r *Relay) HandleUpstream(raw []byte) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.Warn().Err(err).Msg("Discarding malformed stats frame")
		return
	}

	payload, ok := frame["data"].(map[string]any)
	if !ok {
		payload = frame
	}
	if !hasStatsFields(payload) {
		r.log.Debug().Str("event", event.Text(frame["event"])).Msg("Ignoring non-stats upstream frame")
		return
	}

	fp := fingerprintOf(payload)
	update, err := json.Marshal(normalized(payload))
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal stats update")
		return
	}

	r.mu.Lock()
	if r.fingerprint != "" && fp == r.fingerprint {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.DuplicatesDropped.WithLabelValues("stats").Inc()
		}
		r.log.Debug().Msg("Stats snapshot unchanged, broadcast suppressed")
		return
	}
	r.frame = update
	r.fingerprint = fp
	r.updatedAt = time.Now()
	targets := make([]subscriber, 0, len(r.subs))
	for sub := range r.subs {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	sent := 0
	for _, sub := range targets {
		if sub.Send(update) {
			sent++
		}
	}
	if sent > 0 && r.metrics != nil {
		r.metrics.Broadcasts.WithLabelValues("stats").Add(float64(sent))
	}
	r.log.Info().Int("subscribers", sent).Msg("Donation stats changed")
}

// ServeClient runs the lifecycle of one stats socket: register it, replay the cached snapshot, then answer refresh
// requests until the peer goes away. It blocks for the life of the connection.
func (r *Relay) ServeClient(conn *websocket.Conn) {
	sub := gateway.NewSubscriber(conn, r.log)
	r.register(sub)
	defer r.unregister(sub)

	if frame, ok := r.Snapshot(); ok {
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
		name, _ := msg["event"].(string)
		r.handleClientFrame(sub, name)
	}
}

// handleClientFrame answers one inbound request. Only cache replays are supported; anything else is ignored.
func (r *Relay) handleClientFrame(sub subscriber, name string) {
	switch name {
	case event.Refresh, event.DonationStatsGet:
		if frame, ok := r.Snapshot(); ok {
			sub.Send(frame)
		}
	}
}

// Snapshot returns the cached donation.stats.update frame, if one has arrived.
func (r *Relay) Snapshot() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame, r.frame != nil
}

// CacheInfo reports the cache state for the relay's own health frames.
func (r *Relay) CacheInfo() (fingerprint string, updatedAt time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprint, r.updatedAt, r.frame != nil
}

// SubscriberCount returns how many sockets are attached.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// CloseAll closes every stats socket with a Service Restart frame. Used on shutdown.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	subs := make([]subscriber, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[subscriber]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Shutdown()
	}
	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues("stats").Set(0)
	}
}

func (r *Relay) register(sub subscriber) {
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	total := len(r.subs)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues("stats").Set(float64(total))
	}
	r.log.Debug().Int("total", total).Msg("Stats subscriber connected")
}

func (r *Relay) unregister(sub subscriber) {
	r.mu.Lock()
	if _, ok := r.subs[sub]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.subs, sub)
	total := len(r.subs)
	r.mu.Unlock()

	sub.Close()
	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues("stats").Set(float64(total))
	}
	r.log.Debug().Int("total", total).Msg("Stats subscriber disconnected")
}

// normalized shapes an upstream payload into the client-facing donation.stats.update frame.
func normalized(payload map[string]any) map[string]any {
	return map[string]any{
		"event": event.DonationStatsUpdate,
		"payload": map[string]any{
			"progress": map[string]any{
				"monthly_target": payload["monthly_target"],
				"currency":       payload["currency"],
				"total_raised":   payload["monthly_total"],
				"remaining":      payload["remaining"],
				"percent":        payload["percent"],
			},
			"today": map[string]any{
				"total_today":     payload["today_total"],
				"donations_count": payload["today_count"],
				"currency":        payload["currency"],
			},
			"raw": payload,
		},
	}
}

// fingerprintOf reduces a payload to its business fields rendered as compact sorted JSON. Missing fields serialize as
// null so field removal also counts as a change.
func fingerprintOf(payload map[string]any) string {
	fields := make(map[string]any, len(fingerprintFields))
	for _, key := range fingerprintFields {
		fields[key] = payload[key]
	}
	return event.CanonicalJSON(fields)
}

func hasStatsFields(payload map[string]any) bool {
	for _, key := range fingerprintFields {
		if _, ok := payload[key]; ok {
			return true
		}
	}
	return false
}
