package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBuffer is the per-client outbound queue depth. A client that falls this far behind is dropped.
	sendBuffer = 256

	// CloseRateLimited is sent when a client exceeds the inbound message budget. Standard codes (1000, 1012) are
	// defined by RFC 6455; the 4000 range is reserved for application use.
	CloseRateLimited = 4008
)

// Client represents a single client WebSocket connection bound to a session id. Each client runs two goroutines (the
// read loop inside Hub.ServeClient and writePump) and is fed through its buffered send channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	log  zerolog.Logger
	send chan []byte

	sessionID   string
	ip          string
	connectedAt time.Time
	limiter     *rate.Limiter

	// Accounting, protected by mu. userID is written by the Hub while binding and read during fan-out.
	mu        sync.RWMutex
	userID    int64
	lastSeen  time.Time
	lastEvent string
	inCount   int64
	outCount  int64

	// sendMu serializes writes to the send channel against its closure, so enqueue can never hit a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
}

func newClient(hub *Hub, conn *websocket.Conn, sessionID, ip string, logger zerolog.Logger) *Client {
	now := time.Now()
	c := &Client{
		hub:         hub,
		conn:        conn,
		log:         logger,
		send:        make(chan []byte, sendBuffer),
		sessionID:   sessionID,
		ip:          ip,
		connectedAt: now,
		lastSeen:    now,
	}
	if hub.cfg != nil && hub.cfg.RateLimitWSCount > 0 {
		interval := hub.cfg.RateLimitWSWindow / time.Duration(hub.cfg.RateLimitWSCount)
		c.limiter = rate.NewLimiter(rate.Every(interval), hub.cfg.RateLimitWSCount)
	}
	return c
}

// SessionID returns the session identifier the socket was bound to at upgrade time.
func (c *Client) SessionID() string {
	return c.sessionID
}

// UserID returns the bound user id, or zero while the session is anonymous.
func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// setUser records the user binding on the connection. The Hub calls this while holding its own lock.
func (c *Client) setUser(id int64) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// readPump reads messages from the WebSocket connection and hands them to the Hub's router. It is responsible for
// evicting the client when the read loop exits.
func (c *Client) readPump() {
	defer c.hub.Disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Str("session_id", c.sessionID).Msg("WebSocket read error")
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.log.Warn().Str("session_id", c.sessionID).Str("ip", c.ip).Msg("Client exceeded message rate limit")
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn().Err(err).Str("session_id", c.sessionID).Msg("Discarding malformed client frame")
			continue
		}

		name, _ := msg["event"].(string)
		c.markInbound(name)
		c.hub.dispatch(c, name, msg)
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and exits
// when the send channel is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug().Err(err).Str("session_id", c.sessionID).Msg("WebSocket write error")
			return
		}
		c.markOutbound()
	}
}

// enqueue hands a frame to the write pump and reports whether it was accepted. A full buffer means the client cannot
// keep up, so the socket is torn down; eviction from the Hub indices follows when the read loop exits.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	if c.sendClosed {
		c.sendMu.Unlock()
		return false
	}

	select {
	case c.send <- msg:
		c.sendMu.Unlock()
		return true
	default:
		c.sendClosed = true
		close(c.send)
		c.sendMu.Unlock()

		c.log.Warn().Str("session_id", c.sessionID).Msg("Client send buffer full, dropping connection")
		if c.hub.metrics != nil {
			c.hub.metrics.FramesDropped.Inc()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		return false
	}
}

// closeSend closes the send channel exactly once, letting writePump drain and exit.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// close tears the connection down without writing a close frame.
func (c *Client) close() {
	c.closeSend()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	if c.conn != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.close()
}

func (c *Client) markInbound(eventName string) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.inCount++
	if eventName != "" {
		c.lastEvent = eventName
	}
	c.mu.Unlock()

	if c.hub.metrics != nil {
		c.hub.metrics.FramesReceived.Inc()
	}
}

func (c *Client) markOutbound() {
	c.mu.Lock()
	c.outCount++
	c.mu.Unlock()

	if c.hub.metrics != nil {
		c.hub.metrics.FramesSent.Inc()
	}
}
