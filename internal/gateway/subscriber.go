package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

// Subscriber is a socket on one of the anonymous broadcast streams (health, stats, support). Unlike a Client it
// carries no session identity; the owning relay decides which frames it receives. Outbound traffic is serialized
// through the same buffered-channel write pump the Hub uses, and a subscriber that falls too far behind is dropped.
type Subscriber struct {
	conn *websocket.Conn
	log  zerolog.Logger
	send chan []byte

	// sendMu serializes writes to the send channel against its closure, so Send can never hit a closed channel.
	sendMu     sync.Mutex
	sendClosed bool
}

// NewSubscriber wraps an upgraded socket and starts its write pump.
func NewSubscriber(conn *websocket.Conn, logger zerolog.Logger) *Subscriber {
	s := &Subscriber{
		conn: conn,
		log:  logger,
		send: make(chan []byte, sendBuffer),
	}
	go s.writePump()
	return s
}

// Send enqueues one frame and reports whether it was accepted. A full buffer tears the socket down, exactly like the
// Hub's clients.
func (s *Subscriber) Send(frame []byte) bool {
	s.sendMu.Lock()
	if s.sendClosed {
		s.sendMu.Unlock()
		return false
	}

	select {
	case s.send <- frame:
		s.sendMu.Unlock()
		return true
	default:
		s.sendClosed = true
		close(s.send)
		s.sendMu.Unlock()

		s.log.Warn().Msg("Subscriber send buffer full, dropping connection")
		if s.conn != nil {
			_ = s.conn.Close()
		}
		return false
	}
}

// SendJSON marshals v and enqueues it.
func (s *Subscriber) SendJSON(v any) bool {
	frame, err := json.Marshal(v)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal stream frame")
		return false
	}
	return s.Send(frame)
}

// Close closes the send channel and the underlying socket without writing a close frame.
func (s *Subscriber) Close() {
	s.sendMu.Lock()
	if !s.sendClosed {
		s.sendClosed = true
		close(s.send)
	}
	s.sendMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// Shutdown sends a Service Restart close frame before tearing the socket down. Used when the server stops.
func (s *Subscriber) Shutdown() {
	if s.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	s.Close()
}

func (s *Subscriber) writePump() {
	defer func() {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}()

	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Debug().Err(err).Msg("Stream write error")
			return
		}
	}
}
