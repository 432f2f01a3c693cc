package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/httputil"
	"github.com/lumenfund/pulse/internal/session"
)

// ClientHandler serves the WebSocket upgrade endpoints for the client gateway.
type ClientHandler struct {
	hub    *gateway.Hub
	cookie string
}

// NewClientHandler creates a client gateway handler. cookieName is the cookie carrying the caller's session id.
func NewClientHandler(hub *gateway.Hub, cookieName string) *ClientHandler {
	return &ClientHandler{hub: hub, cookie: cookieName}
}

// Socket handles GET /ws and GET /ws/status. It upgrades the HTTP connection to a WebSocket and hands it to the Hub;
// plain HTTP gets 426. Callers without the session cookie are bound to a fresh anonymous session id.
func (h *ClientHandler) Socket(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return httputil.UpgradeRequired(c, c.Path())
	}

	// Read request state before the upgrade: the fasthttp context is recycled once the handler returns.
	sessionID := c.Cookies(h.cookie)
	if sessionID == "" {
		sessionID = session.NewAnonymousID()
	}
	ip := c.IP()

	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeClient(conn.Conn, sessionID, ip)
	})(c)
}
