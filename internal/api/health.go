package api

import (
	"os"
	"runtime"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lumenfund/pulse/internal/bus"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/health"
	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/upstream"
)

// Link reports the state of one upstream WebSocket connection. Satisfied by *dbws.Client.
type Link interface {
	Status() upstream.Status
}

// HealthHandler serves the gateway's health surface: the JSON snapshot on GET /health and the aggregated
// services.health stream on /ws/health.
type HealthHandler struct {
	hub        *gateway.Hub
	aggregator *health.Aggregator
	consumers  []*bus.Consumer
	authDB     Link
}

// NewHealthHandler creates a health handler. authDB may be nil when the binary runs without the auth-DB link.
func NewHealthHandler(hub *gateway.Hub, agg *health.Aggregator, consumers []*bus.Consumer, authDB Link) *HealthHandler {
	return &HealthHandler{hub: hub, aggregator: agg, consumers: consumers, authDB: authDB}
}

// Health handles GET /health. The document keeps the original top-level fields clients already scrape (status,
// connections, the two stream hints) and folds in bus, upstream and process state.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	buses := make([]bus.Status, 0, len(h.consumers))
	for _, consumer := range h.consumers {
		buses = append(buses, consumer.Status())
	}

	doc := fiber.Map{
		"status":      "ok",
		"connections": h.hub.ClientCount(),
		"users":       h.hub.UserCount(),
		"health_ws":   "/ws/health",
		"support_ws":  "/ws/support",
		"clients":     h.hub.Connections(),
		"bus":         buses,
		"upstreams":   h.aggregator.Snapshot(),
		"process":     processStats(),
	}
	if h.authDB != nil {
		doc["auth_db"] = h.authDB.Status()
	}
	return c.JSON(doc)
}

// Socket handles GET /ws/health, the aggregated services.health stream.
func (h *HealthHandler) Socket(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.UpgradeRequired(c, c.Path())
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.aggregator.ServeClient(conn.Conn)
	})(c)
}

// processStats reports the process's own resource usage. Collection is best-effort: a collector error leaves the
// field out rather than failing the endpoint.
func processStats() fiber.Map {
	stats := fiber.Map{
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats["memory_mb"] = float64(mem.RSS) / 1024 / 1024
	}
	if pct, err := proc.CPUPercent(); err == nil {
		stats["cpu_percent"] = pct
	}
	return stats
}
