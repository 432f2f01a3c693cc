package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/bus"
	"github.com/lumenfund/pulse/internal/config"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/health"
)

func testHub() *gateway.Hub {
	cfg := &config.Config{RateLimitWSCount: 120, RateLimitWSWindow: time.Minute}
	return gateway.NewHub(cfg, nil, zerolog.Nop())
}

func TestHealthSnapshotShape(t *testing.T) {
	t.Parallel()

	agg := health.New(health.Config{
		Upstreams: []config.HealthUpstream{{Name: "db_server", URL: ""}},
	}, nil, zerolog.Nop())

	consumer := bus.NewConsumer("amqp://localhost", "events", "ws_auth_state", []string{"auth.#"},
		func(ctx context.Context, env event.Envelope) error { return nil }, nil, zerolog.Nop())

	handler := NewHealthHandler(testHub(), agg, []*bus.Consumer{consumer}, nil)

	app := fiber.New()
	app.Get("/health", handler.Health)

	resp := doRequest(t, app, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["connections"] != float64(0) {
		t.Errorf("connections = %v, want 0", body["connections"])
	}
	if body["health_ws"] != "/ws/health" || body["support_ws"] != "/ws/support" {
		t.Errorf("stream hints = %v / %v", body["health_ws"], body["support_ws"])
	}

	if clients, ok := body["clients"].([]any); !ok || len(clients) != 0 {
		t.Errorf("clients = %v, want empty list", body["clients"])
	}

	buses, ok := body["bus"].([]any)
	if !ok || len(buses) != 1 {
		t.Fatalf("bus = %v, want one entry", body["bus"])
	}
	entry := buses[0].(map[string]any)
	if entry["queue"] != "ws_auth_state" {
		t.Errorf("bus queue = %v, want ws_auth_state", entry["queue"])
	}
	if entry["connected"] != false {
		t.Errorf("bus connected = %v, want false", entry["connected"])
	}

	upstreams, ok := body["upstreams"].(map[string]any)
	if !ok {
		t.Fatalf("upstreams = %T, want object", body["upstreams"])
	}
	if upstreams["status"] != "degraded" {
		t.Errorf("upstream status = %v, want degraded (service never heard from)", upstreams["status"])
	}
	services := upstreams["services"].(map[string]any)
	dbServer := services["db_server"].(map[string]any)
	if dbServer["status"] != "unknown" {
		t.Errorf("db_server status = %v, want unknown", dbServer["status"])
	}

	proc, ok := body["process"].(map[string]any)
	if !ok {
		t.Fatalf("process = %T, want object", body["process"])
	}
	if pid, _ := proc["pid"].(float64); pid <= 0 {
		t.Errorf("process pid = %v, want > 0", proc["pid"])
	}
	if n, _ := proc["goroutines"].(float64); n <= 0 {
		t.Errorf("process goroutines = %v, want > 0", proc["goroutines"])
	}

	if _, present := body["auth_db"]; present {
		t.Error("auth_db present without a configured link")
	}
}

func TestHealthSocketRejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	agg := health.New(health.Config{}, nil, zerolog.Nop())
	handler := NewHealthHandler(testHub(), agg, nil, nil)

	app := fiber.New()
	app.Get("/ws/health", handler.Socket)

	resp := doRequest(t, app, "/ws/health")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}

	body := decodeBody(t, resp)
	if body["detail"] != "Use WebSocket protocol for /ws/health" {
		t.Errorf("body detail = %v", body["detail"])
	}
}
