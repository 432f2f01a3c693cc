// Package dbws maintains the persistent WebSocket link to the auth-DB service. It multiplexes request/response
// lookups over the link by request id and feeds push updates into the profile store.
package dbws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/profile"
	"github.com/lumenfund/pulse/internal/session"
	"github.com/lumenfund/pulse/internal/upstream"
)

// Query selects the user to look up. Zero-valued fields are omitted from the request.
type Query struct {
	SessionID string
	Email     string
	UserID    int64
}

// Result is the auth-DB service's answer to a lookup.
type Result struct {
	Found     bool
	User      map[string]any
	SessionID string
}

// Client is the gateway side of the auth-DB WebSocket. Lookups time out individually; the underlying link reconnects
// forever in the background.
type Client struct {
	link     *upstream.Consumer
	profiles *profile.Store
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan map[string]any
}

// New builds the client. Run must be started for lookups to complete.
func New(url string, timeout, reconnectDelay time.Duration, profiles *profile.Store, logger zerolog.Logger) *Client {
	c := &Client{
		profiles: profiles,
		timeout:  timeout,
		log:      logger.With().Str("component", "dbws").Logger(),
		pending:  make(map[string]chan map[string]any),
	}
	c.link = upstream.New(upstream.Config{
		Name:           "db_server",
		URL:            url,
		OnMessage:      c.handleMessage,
		ReconnectDelay: reconnectDelay,
	}, logger)
	return c
}

// Run drives the underlying link until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.link.Run(ctx)
}

// Status reports the link state for health snapshots.
func (c *Client) Status() upstream.Status {
	return c.link.Status()
}

// Lookup asks the auth-DB service for a user record. It returns the decoded result, or an error when the link is down
// or no answer arrives within the client's timeout.
func (c *Client) Lookup(ctx context.Context, q Query) (*Result, error) {
	requestID := uuid.NewString()
	ch := make(chan map[string]any, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer c.evict(requestID)

	payload := map[string]any{
		"event":      event.DBUserGet,
		"request_id": requestID,
		"db":         "default",
	}
	if q.SessionID != "" {
		payload["session_id"] = q.SessionID
	}
	if q.Email != "" {
		payload["email"] = q.Email
	}
	if q.UserID != 0 {
		payload["user_id"] = q.UserID
	}

	frame, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := c.link.Send(frame); err != nil {
		c.log.Warn().Err(err).Str("request_id", requestID).Msg("DB lookup not sent")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case msg := <-ch:
		return decodeResult(msg), nil
	case <-ctx.Done():
		c.log.Warn().Str("request_id", requestID).Str("session_id", q.SessionID).Msg("DB lookup timed out")
		return nil, ctx.Err()
	}
}

// handleMessage fulfils the pending lookup for the frame's request id, then applies any user payload to the profile
// store. Push updates carry no known request id and only take the second path.
func (c *Client) handleMessage(raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn().Err(err).Msg("Discarding malformed DB frame")
		return
	}

	if rid, _ := msg["request_id"].(string); rid != "" {
		c.resolve(rid, msg)
	}

	name, _ := msg["event"].(string)
	if name == event.DBUserResult || name == event.DBUserUpdated {
		c.storeUserRecord(msg)
	}
}

func (c *Client) resolve(requestID string, msg map[string]any) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if ok {
		ch <- msg
	}
}

func (c *Client) evict(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// storeUserRecord normalizes a DB frame carrying a user object into the profile store's record shape. Frames without
// a session id are filed under a synthetic anonymous one so the profile still lands.
func (c *Client) storeUserRecord(msg map[string]any) {
	user, _ := msg["user"].(map[string]any)
	if len(user) == 0 {
		return
	}

	sessionID := event.Text(msg["session_id"])
	if sessionID == "" {
		id := event.Text(user["id"])
		if id == "" {
			id = "unknown"
		}
		sessionID = session.AnonPrefix + id
	}

	meta, _ := msg["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}

	userID, _ := event.Int64(user["id"])
	record := map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"profile":    ProfileFromUser(user),
		"meta":       meta,
	}

	if err := c.profiles.Update(record); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to store DB user record")
		return
	}
	c.log.Debug().Int64("user_id", userID).Str("session_id", sessionID).Msg("User record updated from DB")
}

// ProfileFromUser projects a raw DB user object into the client-facing profile shape. The avatar comes from the DB's
// profile_image column.
func ProfileFromUser(user map[string]any) map[string]any {
	userID, _ := event.Int64(user["id"])
	first := event.Text(user["first_name"])
	last := event.Text(user["last_name"])

	return map[string]any{
		"id":               userID,
		"username":         event.Text(user["username"]),
		"full_name":        strings.TrimSpace(first + " " + last),
		"first_name":       first,
		"last_name":        last,
		"email":            event.Text(user["email"]),
		"phone":            event.Text(user["phone"]),
		"bio":              event.Text(user["bio"]),
		"location":         event.Text(user["location"]),
		"country":          event.Text(user["country"]),
		"address":          event.Text(user["address"]),
		"state":            event.Text(user["state"]),
		"city":             event.Text(user["city"]),
		"postal_code":      event.Text(user["postal_code"]),
		"facebook_url":     event.Text(user["facebook_url"]),
		"x_url":            event.Text(user["x_url"]),
		"linkedin_url":     event.Text(user["linkedin_url"]),
		"instagram_url":    event.Text(user["instagram_url"]),
		"avatar":           event.Text(user["profile_image"]),
		"is_authenticated": true,
		"is_staff":         asBool(user["is_staff"]),
		"is_superuser":     asBool(user["is_superuser"]),
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func decodeResult(msg map[string]any) *Result {
	found, _ := msg["found"].(bool)
	user, _ := msg["user"].(map[string]any)
	return &Result{
		Found:     found,
		User:      user,
		SessionID: event.Text(msg["session_id"]),
	}
}
