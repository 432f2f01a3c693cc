package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send while the link is down.
var ErrNotConnected = errors.New("upstream: not connected")

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultPingInterval   = 20 * time.Second
	DefaultPingTimeout    = 20 * time.Second
)

// Config describes one persistent upstream link.
type Config struct {
	Name      string
	URL       string
	OnMessage func(raw []byte)

	// OnConnect fires after the socket is established, before the first
	// read. OnDisconnect fires when a session ends, with its error.
	OnConnect    func()
	OnDisconnect func(err error)

	// Primer is sent as a text frame right after connecting, typically a
	// subscription request.
	Primer []byte

	ReconnectDelay time.Duration
	PingInterval   time.Duration
	PingTimeout    time.Duration
}

// Status is the last-known state of the link.
type Status struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	LastError   string    `json:"last_error,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Consumer keeps one WebSocket link to an upstream service alive,
// dispatching every inbound frame to OnMessage. Run blocks until the
// context is cancelled, sleeping ReconnectDelay between sessions.
type Consumer struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status

	wmu sync.Mutex
}

// New creates a consumer for cfg, filling zero durations with defaults.
func New(cfg Config, logger zerolog.Logger) *Consumer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	return &Consumer{
		cfg: cfg,
		log: logger,
		status: Status{
			Name:      cfg.Name,
			URL:       cfg.URL,
			UpdatedAt: time.Now().UTC(),
		},
	}
}

// Run connects, reads and reconnects until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}

		c.setDown(err)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(err)
		}
		c.log.Warn().Err(err).Str("upstream", c.cfg.Name).
			Dur("retry_in", c.cfg.ReconnectDelay).Msg("upstream link lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Status returns a snapshot of the link state.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Send writes a text frame on the current connection.
func (c *Consumer) Send(payload []byte) error {
	return c.write(websocket.TextMessage, payload)
}

func (c *Consumer) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	c.log.Info().Str("upstream", c.cfg.Name).Str("url", c.cfg.URL).Msg("upstream connected")
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	if len(c.cfg.Primer) > 0 {
		if err := c.write(websocket.TextMessage, c.cfg.Primer); err != nil {
			return fmt.Errorf("send primer: %w", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(c.readWait()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.readWait()))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.readWait()))
		c.markEvent()
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(raw)
		}
	}
}

// keepalive pings on a ticker and force-closes the socket on context
// cancellation so the read loop unblocks.
func (c *Consumer) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			c.wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingTimeout))
			c.wmu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

// readWait is how long a silent link stays alive: one ping interval plus
// the pong grace period.
func (c *Consumer) readWait() time.Duration {
	return c.cfg.PingInterval + c.cfg.PingTimeout
}

func (c *Consumer) write(messageType int, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (c *Consumer) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.status.Connected = conn != nil
	c.status.UpdatedAt = time.Now().UTC()
	if conn != nil {
		c.status.LastError = ""
	}
}

func (c *Consumer) setDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.status.Connected = false
	c.status.UpdatedAt = time.Now().UTC()
	if err != nil {
		c.status.LastError = err.Error()
	}
}

func (c *Consumer) markEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastEventAt = time.Now().UTC()
}
