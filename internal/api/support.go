package api

import (
	"strings"

	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/support"
)

// SupportHandler serves the filtered support event stream on /ws/support.
type SupportHandler struct {
	relay *support.Relay
}

// NewSupportHandler creates a support stream handler.
func NewSupportHandler(relay *support.Relay) *SupportHandler {
	return &SupportHandler{relay: relay}
}

// Socket handles GET /ws/support. Initial filters come from the query string; empty values are wildcards, and
// clients can replace them later with a support.subscribe message.
func (h *SupportHandler) Socket(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.UpgradeRequired(c, c.Path())
	}

	filters := support.Filters{
		ProjectID: strings.TrimSpace(c.Query("project_id")),
		UserID:    strings.TrimSpace(c.Query("user_id")),
		TicketID:  strings.TrimSpace(c.Query("ticket_id")),
	}

	return websocket.New(func(conn *websocket.Conn) {
		h.relay.ServeClient(conn.Conn, filters)
	})(c)
}
