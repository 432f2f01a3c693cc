package api

import (
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/support"
)

func TestSupportSocketRejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	handler := NewSupportHandler(support.New(0, nil, zerolog.Nop()))

	app := fiber.New()
	app.Get("/ws/support", handler.Socket)

	resp := doRequest(t, app, "/ws/support?project_id=42")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
	if got := resp.Header.Get("Upgrade"); got != "websocket" {
		t.Errorf("Upgrade header = %q, want websocket", got)
	}

	body := decodeBody(t, resp)
	if body["detail"] != "Use WebSocket protocol for /ws/support" {
		t.Errorf("body detail = %v", body["detail"])
	}
}
