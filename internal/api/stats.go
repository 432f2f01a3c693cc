package api

import (
	"time"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/health"
	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/stats"
)

// StatsHandler serves the donation-stats relay surface: the client stream on /ws/status and /donation-stats/ws, the
// relay's own health push on /ws/health, and the GET /health snapshot.
type StatsHandler struct {
	relay  *stats.Relay
	pusher *health.Pusher
}

// NewStatsHandler creates a stats relay handler.
func NewStatsHandler(relay *stats.Relay, pusher *health.Pusher) *StatsHandler {
	return &StatsHandler{relay: relay, pusher: pusher}
}

// Socket handles GET /ws/status and GET /donation-stats/ws, the normalized stats stream.
func (h *StatsHandler) Socket(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.UpgradeRequired(c, "/ws/status or /donation-stats/ws")
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.relay.ServeClient(conn.Conn)
	})(c)
}

// HealthSocket handles GET /ws/health, the push stream other services consume to monitor this relay.
func (h *StatsHandler) HealthSocket(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.UpgradeRequired(c, c.Path())
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.pusher.ServeClient(conn.Conn)
	})(c)
}

// Health handles GET /health with the same snapshot the push stream carries.
func (h *StatsHandler) Health(c fiber.Ctx) error {
	return c.JSON(StatsHealth(h.relay))
}

// StatsHealth builds the relay's health snapshot. It backs both GET /health and the /ws/health push payload, so the
// two surfaces never drift apart.
func StatsHealth(relay *stats.Relay) map[string]any {
	cache := map[string]any{"has_snapshot": false}
	if fp, updatedAt, ok := relay.CacheInfo(); ok {
		cache["has_snapshot"] = true
		cache["fingerprint"] = fp
		cache["updated_at"] = updatedAt.UTC().Format(time.RFC3339)
	}

	return map[string]any{
		"status":           "ok",
		"service":          "donation_stats",
		"frontend_clients": relay.SubscriberCount(),
		"cache":            cache,
		"timestamp":        event.Now(),
	}
}
