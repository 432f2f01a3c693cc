package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func doRequest(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestClientSocketRejectsPlainHTTP(t *testing.T) {
	t.Parallel()

	handler := NewClientHandler(nil, "sessionid")

	app := fiber.New()
	app.Get("/ws", handler.Socket)

	resp := doRequest(t, app, "/ws")

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
	if got := resp.Header.Get("Upgrade"); got != "websocket" {
		t.Errorf("Upgrade header = %q, want websocket", got)
	}

	body := decodeBody(t, resp)
	if body["status"] != "upgrade_required" {
		t.Errorf("body status = %v, want upgrade_required", body["status"])
	}
	if body["detail"] != "Use WebSocket protocol for /ws" {
		t.Errorf("body detail = %v", body["detail"])
	}
}
