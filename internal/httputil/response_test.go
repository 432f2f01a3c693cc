package httputil

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestFailShapesErrorEnvelope(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/boom", func(c fiber.Ctx) error {
		return Fail(c, fiber.StatusNotFound, CodeNotFound, "No such stream")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		t.Errorf("content type = %q, want application/json", resp.Header.Get("Content-Type"))
	}

	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != CodeNotFound {
		t.Errorf("code = %q, want %q", body.Error.Code, CodeNotFound)
	}
	if body.Error.Message != "No such stream" {
		t.Errorf("message = %q, want the handler's message", body.Error.Message)
	}
}

func TestCodeForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		want   Code
	}{
		{"not found", fiber.StatusNotFound, CodeNotFound},
		{"method not allowed", fiber.StatusMethodNotAllowed, CodeBadRequest},
		{"too many requests", fiber.StatusTooManyRequests, CodeBadRequest},
		{"generic 4xx falls back to bad request", fiber.StatusConflict, CodeBadRequest},
		{"5xx falls back to internal error", fiber.StatusInternalServerError, CodeInternalError},
		{"502 falls back to internal error", fiber.StatusBadGateway, CodeInternalError},
		{"unknown status falls back to internal error", 600, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CodeForStatus(tt.status); got != tt.want {
				t.Errorf("CodeForStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestUpgradeRequired(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Get("/ws/support", func(c fiber.Ctx) error {
		return UpgradeRequired(c, "/ws/support")
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws/support", nil))
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
	if got := resp.Header.Get("Upgrade"); got != "websocket" {
		t.Errorf("Upgrade header = %q, want websocket", got)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "upgrade_required" {
		t.Errorf("status field = %q, want upgrade_required", body["status"])
	}
	if want := "Use WebSocket protocol for /ws/support"; body["detail"] != want {
		t.Errorf("detail = %q, want %q", body["detail"], want)
	}
}
