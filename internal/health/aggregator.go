// Package health aggregates the fleet's /ws/health push streams into one client-facing services.health feed, and
// provides the push side of the same contract for services that serve it.
package health

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/config"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/metrics"
	"github.com/lumenfund/pulse/internal/upstream"
)

// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
const maxMessageSize = 4096

// subscriber is the outbound half of a health socket, satisfied by *gateway.Subscriber.
type subscriber interface {
	Send(frame []byte) bool
	Close()
	Shutdown()
}

// Entry is the last-known state of one monitored service.
type Entry struct {
	Service   string         `json:"service"`
	URL       string         `json:"url"`
	OK        bool           `json:"ok"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	UpdatedAt float64        `json:"updated_at"`
	Error     string         `json:"error,omitempty"`
}

// Config wires the aggregator's upstream links.
type Config struct {
	Upstreams      []config.HealthUpstream
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
}

// Aggregator keeps one upstream consumer per monitored service, folds their health.update pushes into a single
// aggregate, and fans services.health frames out to subscribers whenever a service's state actually changes.
type Aggregator struct {
	log       zerolog.Logger
	metrics   *metrics.Registry
	consumers []*upstream.Consumer

	mu          sync.Mutex
	entries     map[string]Entry
	subs        map[subscriber]struct{}
	fingerprint string
}

// New registers every configured upstream. Services start as unknown until their link reports in; upstreams without a
// URL keep that state forever.
func New(cfg Config, reg *metrics.Registry, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		log:     logger.With().Str("component", "health").Logger(),
		metrics: reg,
		entries: make(map[string]Entry, len(cfg.Upstreams)),
		subs:    make(map[subscriber]struct{}),
	}

	for _, up := range cfg.Upstreams {
		a.entries[up.Name] = Entry{
			Service:   up.Name,
			URL:       up.URL,
			Status:    "unknown",
			UpdatedAt: event.Now(),
		}
		if up.URL == "" {
			continue
		}

		name := up.Name
		a.consumers = append(a.consumers, upstream.New(upstream.Config{
			Name:           name,
			URL:            up.URL,
			OnMessage:      func(raw []byte) { a.handleFrame(name, raw) },
			OnConnect:      func() { a.handleConnect(name) },
			OnDisconnect:   func(err error) { a.handleDisconnect(name, err) },
			ReconnectDelay: cfg.ReconnectDelay,
			PingInterval:   cfg.PingInterval,
			PingTimeout:    cfg.PingTimeout,
		}, a.log))
	}
	return a
}

// Start launches one goroutine per upstream link. They stop when ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	for _, c := range a.consumers {
		go c.Run(ctx)
	}
}

// Snapshot returns the aggregate health document: overall status, a timestamp, and every service entry. Overall
// status is ok only when every monitored service is ok.
func (a *Aggregator) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// ServeClient runs the lifecycle of one health socket: register it, push the aggregate immediately, then answer
// refresh requests until the peer goes away. It blocks for the life of the connection.
func (a *Aggregator) ServeClient(conn *websocket.Conn) {
	sub := gateway.NewSubscriber(conn, a.log)
	a.register(sub)
	defer a.unregister(sub)

	sub.Send(a.snapshotFrame())

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
		a.handleClientFrame(sub, name)
	}
}

// handleClientFrame answers one inbound request; only aggregate replays are supported.
func (a *Aggregator) handleClientFrame(sub subscriber, name string) {
	switch name {
	case event.Refresh, event.HealthGet:
		sub.Send(a.snapshotFrame())
	}
}

// SubscriberCount returns how many sockets are attached.
func (a *Aggregator) SubscriberCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// CloseAll closes every health socket with a Service Restart frame. Used on shutdown.
func (a *Aggregator) CloseAll() {
	a.mu.Lock()
	subs := make([]subscriber, 0, len(a.subs))
	for sub := range a.subs {
		subs = append(subs, sub)
	}
	a.subs = make(map[subscriber]struct{})
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Shutdown()
	}
	if a.metrics != nil {
		a.metrics.Subscribers.WithLabelValues("health").Set(0)
	}
}

// handleFrame folds one health.update push into the service's entry.
func (a *Aggregator) handleFrame(service string, raw []byte) {
	if a.metrics != nil {
		a.metrics.UpstreamFrames.WithLabelValues(service).Inc()
	}

	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		a.log.Warn().Err(err).Str("service", service).Msg("Discarding malformed health frame")
		return
	}
	if name, ok := frame["event"].(string); ok && name != event.HealthUpdate {
		return
	}

	payload, ok := frame["payload"].(map[string]any)
	if !ok {
		if payload, ok = frame["data"].(map[string]any); !ok {
			payload = frame
		}
	}

	status := strings.ToLower(event.Text(payload["status"]))
	if status == "" {
		status = "unknown"
	}
	database := strings.ToLower(event.Text(payload["database"]))

	a.update(service, func(e *Entry) {
		e.OK = okFor(status, database)
		e.Status = status
		e.Payload = payload
		e.Error = event.Text(payload["error"])
	})
}

// handleConnect marks the link established. The service counts as ok until its first push says otherwise.
func (a *Aggregator) handleConnect(service string) {
	if a.metrics != nil {
		a.metrics.UpstreamConnected.WithLabelValues(service).Set(1)
	}
	a.update(service, func(e *Entry) {
		e.OK = true
		e.Status = "connected"
		e.Error = ""
	})
}

func (a *Aggregator) handleDisconnect(service string, err error) {
	if a.metrics != nil {
		a.metrics.UpstreamConnected.WithLabelValues(service).Set(0)
	}
	a.update(service, func(e *Entry) {
		e.OK = false
		e.Status = "error"
		e.Payload = nil
		if err != nil {
			e.Error = err.Error()
		} else {
			e.Error = "connection closed"
		}
	})
}

// update applies fn to the service's entry and rebroadcasts when the aggregate state fingerprint changed. Timestamps
// alone never trigger a fan-out.
func (a *Aggregator) update(service string, fn func(*Entry)) {
	a.mu.Lock()
	entry, ok := a.entries[service]
	if !ok {
		entry = Entry{Service: service, Status: "unknown"}
	}
	fn(&entry)
	entry.UpdatedAt = event.Now()
	a.entries[service] = entry

	fp := a.fingerprintLocked()
	if fp == a.fingerprint {
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.DuplicatesDropped.WithLabelValues("health").Inc()
		}
		return
	}
	a.fingerprint = fp

	frame, err := json.Marshal(map[string]any{
		"event":   event.ServicesHealth,
		"payload": a.snapshotLocked(),
	})
	targets := make([]subscriber, 0, len(a.subs))
	for sub := range a.subs {
		targets = append(targets, sub)
	}
	a.mu.Unlock()

	if err != nil {
		a.log.Error().Err(err).Msg("Failed to marshal health broadcast")
		return
	}

	sent := 0
	for _, sub := range targets {
		if sub.Send(frame) {
			sent++
		}
	}
	if sent > 0 && a.metrics != nil {
		a.metrics.Broadcasts.WithLabelValues("health").Add(float64(sent))
	}
	a.log.Debug().Str("service", service).Int("subscribers", sent).Msg("Service health changed")
}

func (a *Aggregator) register(sub subscriber) {
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	total := len(a.subs)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.Subscribers.WithLabelValues("health").Set(float64(total))
	}
	a.log.Debug().Int("total", total).Msg("Health subscriber connected")
}

func (a *Aggregator) unregister(sub subscriber) {
	a.mu.Lock()
	if _, ok := a.subs[sub]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.subs, sub)
	total := len(a.subs)
	a.mu.Unlock()

	sub.Close()
	if a.metrics != nil {
		a.metrics.Subscribers.WithLabelValues("health").Set(float64(total))
	}
	a.log.Debug().Int("total", total).Msg("Health subscriber disconnected")
}

func (a *Aggregator) snapshotFrame() []byte {
	frame, err := json.Marshal(map[string]any{
		"event":   event.ServicesHealth,
		"payload": a.Snapshot(),
	})
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to marshal health snapshot")
		return []byte(`{"event":"services.health","payload":{"status":"degraded","services":{}}}`)
	}
	return frame
}

func (a *Aggregator) snapshotLocked() map[string]any {
	services := make(map[string]Entry, len(a.entries))
	allOK := len(a.entries) > 0
	for name, e := range a.entries {
		services[name] = e
		if !e.OK {
			allOK = false
		}
	}

	status := "degraded"
	if allOK {
		status = "ok"
	}
	return map[string]any{
		"status":     status,
		"updated_at": event.Now(),
		"services":   services,
	}
}

// fingerprintLocked reduces the aggregate to the fields clients act on. Payload contents and updated_at stay out so
// timestamp-only refreshes do not fan out.
func (a *Aggregator) fingerprintLocked() string {
	state := make(map[string]any, len(a.entries))
	for name, e := range a.entries {
		state[name] = []any{e.OK, e.Status, e.Error}
	}
	return event.CanonicalJSON(state)
}

// okFor is the health predicate: healthy statuses pass outright, a degraded service passes while its database link
// is intact.
func okFor(status, database string) bool {
	switch status {
	case "ok", "healthy":
		return true
	case "degraded":
		return database == "connected" || database == "ok"
	}
	return false
}
