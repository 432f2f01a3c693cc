// Package support fans support-desk bus events out to filtered WebSocket subscribers, keeping a bounded replay ring
// so new clients see recent traffic.
package support

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/metrics"
)

const (
	// DefaultReplayLimit caps the in-memory ring when no explicit limit is configured.
	DefaultReplayLimit = 50

	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	namespace = "support"
)

// Filters narrows a subscriber's support stream. Empty fields are wildcards.
type Filters struct {
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
}

// Match reports whether a wrapped support event passes the filter. Field values come from the payload's ticket object
// or the payload itself; an event that lacks a filtered field never matches a non-empty filter.
func (f Filters) Match(msg Message) bool {
	if f.ProjectID != "" && fieldOf(msg.Payload, "project_id") != f.ProjectID {
		return false
	}
	if f.UserID != "" && fieldOf(msg.Payload, "user_id") != f.UserID {
		return false
	}
	if f.TicketID != "" && ticketIDOf(msg.Payload) != f.TicketID {
		return false
	}
	return true
}

// Message is one wrapped support event as delivered to clients and kept in the replay ring.
type Message struct {
	Event     string         `json:"event"`
	Namespace string         `json:"namespace"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta"`
}

// subscriber is the outbound half of a support socket, satisfied by *gateway.Subscriber.
type subscriber interface {
	Send(frame []byte) bool
	Close()
	Shutdown()
}

// Relay owns the support replay ring and the filtered subscriber set. Its HandleBusEvent method is the bus consumer
// handler for the support queue.
type Relay struct {
	log     zerolog.Logger
	metrics *metrics.Registry
	limit   int

	mu   sync.Mutex
	ring []Message
	subs map[subscriber]Filters
}

// New creates a relay with an empty ring. limit caps the ring; zero or negative selects DefaultReplayLimit.
func New(limit int, reg *metrics.Registry, logger zerolog.Logger) *Relay {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	return &Relay{
		log:     logger.With().Str("component", "support").Logger(),
		metrics: reg,
		limit:   limit,
		subs:    make(map[subscriber]Filters),
	}
}

// HandleBusEvent wraps one support bus event, appends it to the replay ring, and fans it out to every subscriber
// whose filters match. It never fails; delivery problems only affect the slow socket.
func (r *Relay) HandleBusEvent(_ context.Context, env event.Envelope) error {
	msg := Message{
		Event:     env.Event,
		Namespace: namespace,
		Payload:   env.Data,
		Meta: map[string]any{
			"source":      "rabbitmq",
			"timestamp":   env.Timestamp,
			"received_at": event.Now(),
		},
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Str("event", env.Event).Msg("Failed to marshal support frame")
		return nil
	}

	r.mu.Lock()
	r.ring = append(r.ring, msg)
	if len(r.ring) > r.limit {
		r.ring = r.ring[len(r.ring)-r.limit:]
	}
	targets := make([]subscriber, 0, len(r.subs))
	for sub, filters := range r.subs {
		if filters.Match(msg) {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	sent := 0
	for _, sub := range targets {
		if sub.Send(frame) {
			sent++
		}
	}
	if sent > 0 && r.metrics != nil {
		r.metrics.Broadcasts.WithLabelValues(namespace).Add(float64(sent))
	}
	r.log.Debug().Str("event", env.Event).Int("subscribers", sent).Msg("Support event relayed")
	return nil
}

// ServeClient runs the lifecycle of one support socket: register it with its initial filters, replay the matching
// ring as a snapshot, then answer subscribe/refresh/ping requests until the peer goes away. It blocks for the life
// of the connection.
func (r *Relay) ServeClient(conn *websocket.Conn, filters Filters) {
	sub := gateway.NewSubscriber(conn, r.log)
	r.register(sub, filters)
	defer r.unregister(sub)

	sub.Send(r.snapshotFrame(filters))

	conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		r.handleClientFrame(sub, raw)
	}
}

// handleClientFrame answers one inbound support request. Bare-text commands are tolerated by treating the whole
// message as the event name.
func (r *Relay) handleClientFrame(sub subscriber, raw []byte) {
	var msg map[string]any
	name := ""
	if err := json.Unmarshal(raw, &msg); err != nil {
		name = strings.ToLower(strings.TrimSpace(string(raw)))
	} else {
		name, _ = msg["event"].(string)
	}

	switch name {
	case event.SupportSubscribe:
		filters := normalizedFilters(filtersIn(msg))
		r.setFilters(sub, filters)
		sub.Send(subscribedFrame(filters))
		sub.Send(r.snapshotFrame(filters))

	case event.Refresh, event.SupportRefresh, event.SupportGet:
		sub.Send(r.snapshotFrame(r.filtersFor(sub)))

	case event.Ping, event.SupportPing:
		sub.Send(pongFrame())
	}
}

// Snapshot returns the ring entries matching the filters, newest last.
func (r *Relay) Snapshot(filters Filters) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	matched := make([]Message, 0, len(r.ring))
	for _, msg := range r.ring {
		if filters.Match(msg) {
			matched = append(matched, msg)
		}
	}
	return matched
}

// SubscriberCount returns how many sockets are attached.
func (r *Relay) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// RingSize returns how many events the replay ring currently holds.
func (r *Relay) RingSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

// CloseAll closes every support socket with a Service Restart frame. Used on shutdown.
func (r *Relay) CloseAll() {
	r.mu.Lock()
	subs := make([]subscriber, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[subscriber]Filters)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Shutdown()
	}
	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues(namespace).Set(0)
	}
}

func (r *Relay) register(sub subscriber, filters Filters) {
	r.mu.Lock()
	r.subs[sub] = filters
	total := len(r.subs)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Subscribers.WithLabelValues(namespace).Set(float64(total))
	}
	r.log.Debug().Int("total", total).Interface("filters", filters).Msg("Support subscriber connected")
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
		r.metrics.Subscribers.WithLabelValues(namespace).Set(float64(total))
	}
	r.log.Debug().Int("total", total).Msg("Support subscriber disconnected")
}

func (r *Relay) setFilters(sub subscriber, filters Filters) {
	r.mu.Lock()
	if _, ok := r.subs[sub]; ok {
		r.subs[sub] = filters
	}
	r.mu.Unlock()
}

func (r *Relay) filtersFor(sub subscriber) Filters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[sub]
}

func (r *Relay) snapshotFrame(filters Filters) []byte {
	events := r.Snapshot(filters)
	frame, err := json.Marshal(map[string]any{
		"event":     event.SupportSnapshot,
		"namespace": namespace,
		"payload": map[string]any{
			"events":  events,
			"count":   len(events),
			"filters": filters,
		},
		"meta": map[string]any{"replayed": true, "ts": event.Now()},
	})
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to marshal support snapshot")
		return []byte(`{"event":"support.snapshot","namespace":"support","payload":{"events":[],"count":0}}`)
	}
	return frame
}

func subscribedFrame(filters Filters) []byte {
	frame, _ := json.Marshal(map[string]any{
		"event":     event.SupportSubscribed,
		"namespace": namespace,
		"payload":   map[string]any{"filters": filters},
	})
	return frame
}

func pongFrame() []byte {
	frame, _ := json.Marshal(map[string]any{
		"event":     event.SupportPong,
		"namespace": namespace,
		"meta":      map[string]any{"ts": event.Now()},
	})
	return frame
}

// filtersIn pulls a filters object out of a subscribe message, accepting both {filters: {...}} and
// {data: {filters: {...}}}.
func filtersIn(msg map[string]any) map[string]any {
	if msg == nil {
		return nil
	}
	if filters, ok := msg["filters"].(map[string]any); ok {
		return filters
	}
	if data, ok := msg["data"].(map[string]any); ok {
		if filters, ok := data["filters"].(map[string]any); ok {
			return filters
		}
	}
	return nil
}

// normalizedFilters coerces raw filter values to trimmed strings so numeric ids match their string form.
func normalizedFilters(raw map[string]any) Filters {
	if raw == nil {
		return Filters{}
	}
	return Filters{
		ProjectID: event.Text(raw["project_id"]),
		UserID:    event.Text(raw["user_id"]),
		TicketID:  event.Text(raw["ticket_id"]),
	}
}

// fieldOf extracts a filterable field, preferring the payload's ticket object over the top level.
func fieldOf(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if ticket, ok := payload["ticket"].(map[string]any); ok {
		if v := event.Text(ticket[key]); v != "" {
			return v
		}
	}
	return event.Text(payload[key])
}

// ticketIDOf extracts the ticket id, also accepting the ticket object's own id field.
func ticketIDOf(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if ticket, ok := payload["ticket"].(map[string]any); ok {
		if v := event.Text(ticket["ticket_id"]); v != "" {
			return v
		}
		if v := event.Text(ticket["id"]); v != "" {
			return v
		}
	}
	return event.Text(payload["ticket_id"])
}
