package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/config"
	"github.com/lumenfund/pulse/internal/metrics"
)

// Router dispatches inbound client traffic. The session flows implement it, keeping the Hub transport-only.
type Router interface {
	// ClientOpened runs after the connection is indexed and before the read loop starts. It is responsible for the
	// initial replay frame.
	ClientOpened(c *Client)

	// ClientFrame handles one decoded frame from the client. msg is the whole frame; event is its "event" field.
	ClientFrame(c *Client, event string, msg map[string]any)
}

// Hub is the client connection registry. It indexes sockets by session id, tracks which session belongs to which user,
// and serializes outbound traffic per socket through each client's send channel.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*Client
	sessionUsers map[string]int64

	cfg     *config.Config
	router  Router
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewHub creates a connection hub. The router is attached separately with SetRouter once the session flows exist.
func NewHub(cfg *config.Config, reg *metrics.Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		conns:        make(map[string]*Client),
		sessionUsers: make(map[string]int64),
		cfg:          cfg,
		metrics:      reg,
		log:          logger.With().Str("component", "gateway").Logger(),
	}
}

// SetRouter attaches the inbound frame router. Must be called before the first ServeClient.
func (h *Hub) SetRouter(r Router) {
	h.router = r
}

// ServeClient runs the connection lifecycle for an upgraded client socket: index it, start the write pump, let the
// router send the initial frame, then read until the peer goes away. It blocks for the life of the connection.
func (h *Hub) ServeClient(conn *websocket.Conn, sessionID, ip string) {
	client := newClient(h, conn, sessionID, ip, h.log)
	h.Connect(client)

	go client.writePump()

	if h.router != nil {
		h.router.ClientOpened(client)
	}
	client.readPump()
}

// Connect indexes a client by its session id. A previous socket bound to the same session is closed with a normal
// closure code before being replaced.
func (h *Hub) Connect(client *Client) {
	h.mu.Lock()
	if existing, ok := h.conns[client.sessionID]; ok && existing != client {
		h.log.Debug().Str("session_id", client.sessionID).Msg("Displacing existing connection for session")
		existing.closeWithCode(websocket.CloseNormalClosure, "session reconnected elsewhere")
	}
	h.conns[client.sessionID] = client
	total := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsOpened.Inc()
		h.metrics.ConnectionsActive.Set(float64(total))
	}
	h.log.Debug().Str("session_id", client.sessionID).Str("ip", client.ip).Int("total", total).Msg("Client connected")
}

// AttachUser binds a user id to a connected session. Rebinding the same pair is a no-op; a session that has no live
// socket is skipped.
func (h *Hub) AttachUser(sessionID string, userID int64) {
	if sessionID == "" || userID == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.conns[sessionID]
	if !ok {
		h.log.Warn().Str("session_id", sessionID).Int64("user_id", userID).Msg("Attach skipped, session has no live socket")
		return
	}

	if prev, bound := h.sessionUsers[sessionID]; bound && prev != userID {
		h.log.Info().Str("session_id", sessionID).Int64("old_user_id", prev).Int64("user_id", userID).
			Msg("Session rebound to a different user")
	}
	h.sessionUsers[sessionID] = userID
	client.setUser(userID)
}

// DetachSession removes the session's user binding. The socket stays open.
func (h *Hub) DetachSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.sessionUsers, sessionID)
	if client, ok := h.conns[sessionID]; ok {
		client.setUser(0)
	}
}

// DetachUser removes every session binding for the user and returns the affected session ids. Sockets stay open.
func (h *Hub) DetachUser(userID int64) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var sessions []string
	for sid, uid := range h.sessionUsers {
		if uid != userID {
			continue
		}
		delete(h.sessionUsers, sid)
		if client, ok := h.conns[sid]; ok {
			client.setUser(0)
		}
		sessions = append(sessions, sid)
	}
	return sessions
}

// Send delivers a frame to the socket bound to the session. It returns false when the session has no live socket or
// the client's buffer is full.
func (h *Hub) Send(sessionID string, frame []byte) bool {
	h.mu.RLock()
	client, ok := h.conns[sessionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	return client.enqueue(frame)
}

// SendJSON marshals v and delivers it to the session's socket.
func (h *Hub) SendJSON(sessionID string, v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("Failed to marshal client frame")
		return false
	}
	return h.Send(sessionID, frame)
}

// BroadcastToUser sends a frame to every live session bound to the user and returns how many sockets accepted it.
// Sockets that cannot keep up are torn down by enqueue and evicted when their read loops exit.
func (h *Hub) BroadcastToUser(userID int64, frame []byte) int {
	h.mu.RLock()
	targets := make([]*Client, 0, 1)
	for sid, uid := range h.sessionUsers {
		if uid != userID {
			continue
		}
		if client, ok := h.conns[sid]; ok {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range targets {
		if client.enqueue(frame) {
			sent++
		}
	}

	if sent > 0 && h.metrics != nil {
		h.metrics.Broadcasts.WithLabelValues("client").Add(float64(sent))
	}
	return sent
}

// BroadcastJSONToUser marshals v and fans it out to the user's sessions.
func (h *Hub) BroadcastJSONToUser(userID int64, v any) int {
	frame, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to marshal broadcast frame")
		return 0
	}
	return h.BroadcastToUser(userID, frame)
}

// Disconnect closes a client's socket and removes it from both indices. It is a no-op when the session has already
// been taken over by a newer socket.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	current, ok := h.conns[client.sessionID]
	if !ok || current != client {
		h.mu.Unlock()
		client.close()
		return
	}
	delete(h.conns, client.sessionID)
	delete(h.sessionUsers, client.sessionID)
	total := len(h.conns)
	h.mu.Unlock()

	client.close()

	if h.metrics != nil {
		h.metrics.ConnectionsClosed.Inc()
		h.metrics.ConnectionsActive.Set(float64(total))
	}

	client.mu.RLock()
	h.log.Debug().
		Str("session_id", client.sessionID).
		Dur("connected", time.Since(client.connectedAt)).
		Int64("frames_in", client.inCount).
		Int64("frames_out", client.outCount).
		Str("last_event", client.lastEvent).
		Int("total", total).
		Msg("Client disconnected")
	client.mu.RUnlock()
}

// CloseAll closes every connection with a Service Restart status and clears both indices. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sid, client := range h.conns {
		client.closeSend()
		if client.conn != nil {
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down"),
				time.Now().Add(writeWait),
			)
			_ = client.conn.Close()
		}
		delete(h.conns, sid)
		delete(h.sessionUsers, sid)
	}

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Set(0)
	}
	h.log.Info().Msg("All client connections closed")
}

// ClientCount returns the number of currently connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// UserCount returns the number of distinct users with at least one bound session.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make(map[int64]struct{}, len(h.sessionUsers))
	for _, uid := range h.sessionUsers {
		users[uid] = struct{}{}
	}
	return len(users)
}

// UserForSession reports the user currently bound to the session, if any.
func (h *Hub) UserForSession(sessionID string) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	uid, ok := h.sessionUsers[sessionID]
	return uid, ok
}

// ConnectionInfo is a point-in-time snapshot of one client connection's accounting fields, surfaced by the health
// endpoint.
type ConnectionInfo struct {
	SessionID   string    `json:"session_id"`
	UserID      int64     `json:"user_id,omitempty"`
	IP          string    `json:"ip"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	InCount     int64     `json:"in_count"`
	OutCount    int64     `json:"out_count"`
	LastEvent   string    `json:"last_event,omitempty"`
}

// Connections snapshots the accounting fields of every live connection.
func (h *Hub) Connections() []ConnectionInfo {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(clients))
	for _, client := range clients {
		client.mu.RLock()
		infos = append(infos, ConnectionInfo{
			SessionID:   client.sessionID,
			UserID:      client.userID,
			IP:          client.ip,
			ConnectedAt: client.connectedAt,
			LastSeen:    client.lastSeen,
			InCount:     client.inCount,
			OutCount:    client.outCount,
			LastEvent:   client.lastEvent,
		})
		client.mu.RUnlock()
	}
	return infos
}

func (h *Hub) dispatch(c *Client, eventName string, msg map[string]any) {
	if h.router == nil {
		return
	}
	h.router.ClientFrame(c, eventName, msg)
}
