// Package auth turns session snapshots from the bus into store state and client frames: it deduplicates events,
// keeps the session and profile stores current, binds sockets to users in the hub, and asks the auth-DB link for
// the authoritative record when a snapshot arrives.
package auth

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/dbws"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/metrics"
	"github.com/lumenfund/pulse/internal/profile"
	"github.com/lumenfund/pulse/internal/session"
)

// seenLimit bounds the duplicate-fingerprint set. Oldest fingerprints fall out first; a redelivery older than the
// window is reprocessed, which every mutation downstream tolerates.
const seenLimit = 2048

// Broadcaster is the hub surface the processor drives. *gateway.Hub implements it.
type Broadcaster interface {
	AttachUser(sessionID string, userID int64)
	DetachSession(sessionID string)
	DetachUser(userID int64) []string
	SendJSON(sessionID string, v any) bool
	BroadcastJSONToUser(userID int64, v any) int
}

// Enricher fetches the authoritative user record. *dbws.Client implements it.
type Enricher interface {
	Lookup(ctx context.Context, q dbws.Query) (*dbws.Result, error)
}

// Processor is the auth event pipeline. It consumes the auth queue and routes the client socket events that concern
// identity: on.connect and auth.session.get.
type Processor struct {
	sessions *session.Store
	profiles *profile.Store
	hub      Broadcaster
	db       Enricher
	metrics  *metrics.Registry
	log      zerolog.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string

	emu      sync.Mutex
	inflight map[string]struct{}
}

// New creates the processor. db may be nil; enrichment and connect-time restores are then skipped.
func New(sessions *session.Store, profiles *profile.Store, hub Broadcaster, db Enricher, reg *metrics.Registry, logger zerolog.Logger) *Processor {
	return &Processor{
		sessions: sessions,
		profiles: profiles,
		hub:      hub,
		db:       db,
		metrics:  reg,
		log:      logger.With().Str("component", "auth").Logger(),
		seen:     make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// RegisterStoreListener wires the profile store to the hub: every stored record is pushed to the owning user's
// sockets as auth.user.session followed by auth.user.profile. This is how DB push updates reach clients without a
// fresh bus event.
func (p *Processor) RegisterStoreListener() {
	p.profiles.AddListener(func(record map[string]any) {
		sessionID := event.Text(record["session_id"])
		userID, _ := event.Int64(record["user_id"])
		prof, _ := record["profile"].(map[string]any)
		if userID == 0 {
			userID, _ = event.Int64(prof["id"])
		}
		if sessionID == "" || userID == 0 {
			return
		}

		replayed, _ := record["_replayed"].(bool)
		p.hub.BroadcastJSONToUser(userID, map[string]any{
			"event": event.AuthUserSession,
			"data":  record,
			"meta":  map[string]any{"replayed": replayed, "source": "session_store"},
		})
		if len(prof) > 0 {
			p.hub.BroadcastJSONToUser(userID, map[string]any{
				"event": event.AuthUserProfile,
				"data":  prof,
				"meta":  map[string]any{"replayed": replayed, "source": "user_session_store"},
			})
		}
	})
}

// HandleBusEvent processes one auth.session.snapshot or auth.logout event. Always returns nil: malformed or
// duplicate frames are dropped, not redelivered.
func (p *Processor) HandleBusEvent(ctx context.Context, env event.Envelope) error {
	if p.duplicate(env.Fingerprint()) {
		if p.metrics != nil {
			p.metrics.DuplicatesDropped.WithLabelValues("auth").Inc()
		}
		p.log.Debug().Str("event", env.Event).Msg("Duplicate auth event dropped")
		return nil
	}

	frame := snapshotOf(env)
	userID, _ := event.Int64(frame["user_id"])
	sessionID := event.Text(frame["session_id"])

	if userID == 0 || session.IsAnonymous(sessionID) {
		p.log.Debug().Str("session_id", sessionID).Msg("Skipped anonymous auth event")
		return nil
	}

	state := event.Text(frame["state"])
	if state == "" {
		state = "active"
		if env.Event == event.AuthLogout {
			state = "logged_out"
		}
	}

	stored := make(map[string]any, len(frame)+2)
	for k, v := range frame {
		stored[k] = v
	}
	ts := event.Now()
	stored["ts"] = ts
	stored["replay"] = false
	p.sessions.StoreEvent(env.Event, stored)

	if state != "active" {
		p.invalidate(userID, sessionID, state, ts)
		return nil
	}
	if sessionID == "" {
		p.log.Warn().Int64("user_id", userID).Msg("Active auth event missing session_id")
		return nil
	}
	p.activate(ctx, frame, userID, sessionID, state, ts)
	return nil
}

// snapshotOf picks the frame that carries the identity fields. Auth events arrive flat (ids at the top level), but
// a producer wrapping them under data is tolerated.
func snapshotOf(env event.Envelope) map[string]any {
	if hasIdentity(env.Raw) || !hasIdentity(env.Data) {
		if env.Raw != nil {
			return env.Raw
		}
	}
	return env.Data
}

func hasIdentity(m map[string]any) bool {
	if m == nil {
		return false
	}
	_, hasSession := m["session_id"]
	_, hasUser := m["user_id"]
	return hasSession || hasUser
}

// invalidate tears down a logged-out user: stores are purged, every bound socket learns about it, and the bindings
// are removed. Sockets stay open and may re-authenticate.
func (p *Processor) invalidate(userID int64, sessionID, state string, ts float64) {
	p.sessions.RemoveUser(userID)
	p.profiles.Remove(userID)
	if sessionID != "" {
		p.profiles.RemoveBySession(sessionID)
	}

	p.hub.BroadcastJSONToUser(userID, map[string]any{
		"event":      event.AuthLoggedOut,
		"user_id":    userID,
		"session_id": sessionID,
		"state":      state,
		"meta":       map[string]any{"ts": ts, "replay": false},
	})
	p.hub.BroadcastJSONToUser(userID, map[string]any{
		"event":      event.AuthAnonymous,
		"user_id":    userID,
		"session_id": sessionID,
		"meta":       map[string]any{"ts": ts, "replay": false},
	})
	p.hub.DetachUser(userID)
	if sessionID != "" {
		p.hub.DetachSession(sessionID)
	}

	p.log.Info().Int64("user_id", userID).Str("session_id", sessionID).Str("state", state).
		Msg("Auth session invalidated")
}

// activate upserts the session, rebinds the socket, pushes the snapshot's profile if it carried one, and kicks off
// the authoritative DB refetch.
func (p *Processor) activate(ctx context.Context, frame map[string]any, userID int64, sessionID, state string, ts float64) {
	prof, _ := frame["profile"].(map[string]any)

	p.sessions.Upsert(session.Snapshot{
		SessionID: sessionID,
		UserID:    userID,
		State:     state,
		ExpiresAt: event.Text(frame["expires_at"]),
		Profile:   prof,
	})
	p.hub.AttachUser(sessionID, userID)
	p.log.Info().Int64("user_id", userID).Str("session_id", sessionID).Msg("Auth snapshot applied")

	if len(prof) > 0 {
		p.hub.BroadcastJSONToUser(userID, map[string]any{
			"event":      event.AuthUserProfile,
			"user_id":    userID,
			"session_id": sessionID,
			"profile":    prof,
			"meta":       map[string]any{"ts": ts, "replay": false},
		})
	}

	p.enrich(ctx, userID, sessionID, event.Text(prof["email"]))
}

// enrich schedules a single-flight DB refetch for the (user, session) pair. The lookup runs in its own goroutine so
// a slow DB link never stalls the bus consumer.
func (p *Processor) enrich(ctx context.Context, userID int64, sessionID, email string) {
	if p.db == nil {
		return
	}
	key := strconv.FormatInt(userID, 10) + ":" + sessionID
	if !p.begin(key) {
		p.log.Debug().Str("key", key).Msg("DB refetch already in flight")
		return
	}
	go func() {
		defer p.end(key)
		p.restore(ctx, userID, sessionID, email)
	}()
}

// restore fetches the authoritative record and, when the session still belongs to the same user, upserts it and
// pushes auth.user.profile to the user's sockets.
func (p *Processor) restore(ctx context.Context, userID int64, sessionID, email string) {
	res, err := p.db.Lookup(ctx, dbws.Query{SessionID: sessionID, Email: email, UserID: userID})
	if err != nil {
		p.log.Warn().Err(err).Int64("user_id", userID).Str("session_id", sessionID).Msg("DB refetch failed")
		return
	}
	if res == nil || !res.Found || len(res.User) == 0 {
		return
	}

	cur, ok := p.sessions.Get(sessionID)
	if !ok || cur.UserID != userID {
		p.log.Info().Int64("user_id", userID).Str("session_id", sessionID).Msg("Skipped DB restore for stale session")
		return
	}

	resolvedID, _ := event.Int64(res.User["id"])
	if resolvedID == 0 {
		resolvedID = userID
	}
	p.sessions.Upsert(session.Snapshot{
		SessionID: sessionID,
		UserID:    resolvedID,
		State:     "active",
		Profile:   res.User,
	})
	p.hub.BroadcastJSONToUser(resolvedID, map[string]any{
		"event":      event.AuthUserProfile,
		"user_id":    resolvedID,
		"session_id": sessionID,
		"profile":    res.User,
		"meta":       map[string]any{"ts": event.Now(), "replay": true},
	})
	p.log.Info().Int64("user_id", resolvedID).Str("session_id", sessionID).Msg("Session restored from DB")
}

// duplicate marks the fingerprint seen and reports whether it already was. The set is a FIFO capped at seenLimit.
func (p *Processor) duplicate(fp string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[fp]; ok {
		return true
	}
	if len(p.order) == seenLimit {
		delete(p.seen, p.order[0])
		p.order = p.order[1:]
	}
	p.seen[fp] = struct{}{}
	p.order = append(p.order, fp)
	return false
}

func (p *Processor) begin(key string) bool {
	p.emu.Lock()
	defer p.emu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Processor) end(key string) {
	p.emu.Lock()
	delete(p.inflight, key)
	p.emu.Unlock()
}
