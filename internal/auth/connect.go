package auth

import (
	"context"

	"github.com/lumenfund/pulse/internal/dbws"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/gateway"
	"github.com/lumenfund/pulse/internal/session"
)

// ClientOpened replays the socket's stored session and profile. A socket with no stored state gets the
// auth.session.get treatment, which answers auth.anonymous on a miss, so every client hears exactly one initial
// identity frame.
func (p *Processor) ClientOpened(c *gateway.Client) {
	p.socketOpened(c.SessionID())
}

// ClientFrame routes the identity events a client socket may send.
func (p *Processor) ClientFrame(c *gateway.Client, name string, msg map[string]any) {
	p.handleFrame(c.SessionID(), name, msg)
}

func (p *Processor) socketOpened(sessionID string) {
	if p.replaySession(sessionID) {
		return
	}
	p.sessionGet(sessionID, map[string]any{"session_id": sessionID})
}

// handleFrame dispatches one client frame. Anything unrecognized is echoed back as {event:"unknown", data:<frame>}
// so clients notice their own typos.
func (p *Processor) handleFrame(socketID, name string, msg map[string]any) {
	switch name {
	case event.OnConnect:
		p.onConnect(context.Background(), socketID, msg)
	case event.AuthSessionGet:
		p.sessionGet(socketID, msg)
	default:
		p.hub.SendJSON(socketID, map[string]any{"event": event.Unknown, "data": msg})
	}
}

// replaySession pushes the stored session and profile to the socket. Returns false when the session is unknown so
// the caller can fall back.
func (p *Processor) replaySession(sessionID string) bool {
	sess, ok := p.sessions.Get(sessionID)
	if !ok || sess.UserID == 0 {
		return false
	}

	p.hub.SendJSON(sessionID, sessionReplayFrame(sessionID, sess))
	p.sendProfile(sessionID, sess.UserID)
	p.log.Debug().Str("session_id", sessionID).Int64("user_id", sess.UserID).Msg("Session replayed")
	return true
}

// sessionGet answers an auth.session.get request: session lookup by id, then by the asserted user, then
// auth.anonymous. The requested session id is echoed in the reply even when the user fallback found the session.
func (p *Processor) sessionGet(socketID string, msg map[string]any) {
	sessionID := event.Text(msg["session_id"])
	if sessionID == "" {
		sessionID = socketID
	}
	userID, _ := event.Int64(msg["user_id"])

	sess, ok := p.sessions.Get(sessionID)
	if !ok && userID != 0 {
		if all := p.sessions.UserSessions(userID); len(all) > 0 {
			sess = all[len(all)-1]
			ok = true
		}
	}
	if !ok {
		p.hub.SendJSON(socketID, map[string]any{"event": event.AuthAnonymous})
		return
	}

	p.hub.SendJSON(socketID, sessionReplayFrame(sessionID, sess))
	p.sendProfile(socketID, sess.UserID)
}

// onConnect resolves the asserted identity in order: local session, any active session of the asserted user, DB
// restore. Success pushes one profile frame and binds the socket; a full miss answers auth.anonymous.
func (p *Processor) onConnect(ctx context.Context, socketID string, msg map[string]any) {
	sessionID := event.Text(msg["session_id"])
	if sessionID == "" {
		sessionID = socketID
	}
	userID, _ := event.Int64(msg["user_id"])
	email := event.Text(msg["email"])

	sess, ok := p.sessions.Get(sessionID)
	if !ok && userID != 0 {
		if all := p.sessions.UserSessions(userID); len(all) > 0 {
			sess = all[len(all)-1]
			ok = true
		}
	}
	if ok && sess.UserID != 0 {
		p.connectSuccess(socketID, sessionID, sess)
		return
	}

	if p.db != nil {
		if user, uid := p.lookupUser(ctx, sessionID, email); uid != 0 {
			p.sessions.Upsert(session.Snapshot{
				SessionID: sessionID,
				UserID:    uid,
				State:     "active",
				Profile:   user,
			})
			p.hub.SendJSON(socketID, map[string]any{
				"event":      event.AuthUserProfile,
				"user_id":    uid,
				"session_id": sessionID,
				"profile":    dbws.ProfileFromUser(user),
			})
			p.hub.AttachUser(socketID, uid)
			p.log.Info().Int64("user_id", uid).Str("session_id", sessionID).Msg("Connect restored session from DB")
			return
		}
	}

	p.hub.SendJSON(socketID, map[string]any{"event": event.AuthAnonymous})
}

// connectSuccess sends the canonical profile when the store has one, otherwise the session replay frame, then binds
// the socket to the user.
func (p *Processor) connectSuccess(socketID, sessionID string, sess session.Session) {
	if prof := p.profiles.FullProfile(sess.UserID); prof != nil {
		p.hub.SendJSON(socketID, map[string]any{
			"event":      event.AuthUserProfile,
			"user_id":    sess.UserID,
			"session_id": sessionID,
			"profile":    prof,
		})
	} else {
		p.hub.SendJSON(socketID, sessionReplayFrame(sessionID, sess))
	}
	p.hub.AttachUser(socketID, sess.UserID)
}

// lookupUser asks the DB link for the record behind the session or email. Returns a zero user id on any miss.
func (p *Processor) lookupUser(ctx context.Context, sessionID, email string) (map[string]any, int64) {
	res, err := p.db.Lookup(ctx, dbws.Query{SessionID: sessionID, Email: email})
	if err != nil {
		p.log.Warn().Err(err).Str("session_id", sessionID).Msg("Connect-time DB restore failed")
		return nil, 0
	}
	if res == nil || !res.Found || len(res.User) == 0 {
		return nil, 0
	}
	uid, _ := event.Int64(res.User["id"])
	return res.User, uid
}

// sendProfile pushes the canonical stored profile to the socket. Silently does nothing when the store has no record
// for the user.
func (p *Processor) sendProfile(socketID string, userID int64) {
	prof := p.profiles.FullProfile(userID)
	if prof == nil {
		p.log.Debug().Int64("user_id", userID).Msg("No stored profile to push")
		return
	}
	p.hub.SendJSON(socketID, map[string]any{
		"event": event.AuthUserProfile,
		"data":  prof,
		"meta":  map[string]any{"replayed": true, "source": "profile"},
	})
}

// sessionReplayFrame is the auth.user.session frame: the identity snapshot flattened into data, marked as a replay
// from the session store.
func sessionReplayFrame(sessionID string, sess session.Session) map[string]any {
	return map[string]any{
		"event": event.AuthUserSession,
		"data": map[string]any{
			"session_id":   sessionID,
			"user_id":      sess.UserID,
			"id":           sess.User.ID,
			"email":        sess.User.Email,
			"username":     sess.User.Username,
			"is_staff":     sess.User.IsStaff,
			"is_superuser": sess.User.IsSuperuser,
		},
		"meta": map[string]any{"replayed": true, "source": "session_store"},
	}
}
