package auth

import (
	"context"
	"testing"

	"github.com/lumenfund/pulse/internal/dbws"
	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/session"
)

// seedIdentity stores an active session and matching profile record for user 7 on sess-7.
func seedIdentity(t *testing.T, p *Processor) {
	t.Helper()
	p.sessions.Upsert(session.Snapshot{
		SessionID: "sess-7",
		UserID:    7,
		Profile:   map[string]any{"email": "ada@example.com", "username": "ada"},
	})
	if err := p.profiles.Update(map[string]any{
		"user_id":    float64(7),
		"session_id": "sess-7",
		"profile":    map[string]any{"id": float64(7), "username": "ada", "email": "ada@example.com"},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestReplaySessionSendsSessionThenProfile(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)
	seedIdentity(t, p)

	if !p.replaySession("sess-7") {
		t.Fatal("replaySession = false, want true for a stored session")
	}

	frames := hub.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want session then profile", len(frames))
	}

	sessionFrame := frames[0].frame
	if sessionFrame["event"] != event.AuthUserSession {
		t.Errorf("first event = %v, want %v", sessionFrame["event"], event.AuthUserSession)
	}
	data, _ := sessionFrame["data"].(map[string]any)
	if data["session_id"] != "sess-7" || data["user_id"] != int64(7) || data["email"] != "ada@example.com" {
		t.Errorf("session data = %v, want flattened identity", data)
	}
	meta, _ := sessionFrame["meta"].(map[string]any)
	if meta["replayed"] != true || meta["source"] != "session_store" {
		t.Errorf("session meta = %v, want replayed from session_store", meta)
	}

	profileFrame := frames[1].frame
	if profileFrame["event"] != event.AuthUserProfile {
		t.Errorf("second event = %v, want %v", profileFrame["event"], event.AuthUserProfile)
	}
	meta, _ = profileFrame["meta"].(map[string]any)
	if meta["source"] != "profile" {
		t.Errorf("profile meta source = %v, want profile", meta["source"])
	}
}

func TestReplaySessionUnknownSession(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)

	if p.replaySession("sess-unknown") {
		t.Error("replaySession = true, want false for an unknown session")
	}
	if got := len(hub.sentFrames()); got != 0 {
		t.Errorf("sent %d frames, want 0", got)
	}
}

func TestSocketOpenedFallsBackToAnonymous(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)

	p.socketOpened("anon_42")

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want exactly one", len(frames))
	}
	if got := frames[0].frame; len(got) != 1 || got["event"] != event.AuthAnonymous {
		t.Errorf("frame = %v, want bare auth.anonymous", got)
	}
}

func TestSessionGetFallsBackToUserSessions(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)
	seedIdentity(t, p)

	p.sessionGet("sock-1", map[string]any{"session_id": "sess-stale", "user_id": float64(7)})

	frames := hub.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want session then profile", len(frames))
	}
	if frames[0].sessionID != "sock-1" {
		t.Errorf("reply went to %q, want the requesting socket", frames[0].sessionID)
	}
	data, _ := frames[0].frame["data"].(map[string]any)
	if data["session_id"] != "sess-stale" {
		t.Errorf("data.session_id = %v, want the requested id echoed back", data["session_id"])
	}
	if data["user_id"] != int64(7) {
		t.Errorf("data.user_id = %v, want 7", data["user_id"])
	}
}

func TestSessionGetDefaultsToSocketSession(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)
	seedIdentity(t, p)

	p.sessionGet("sess-7", map[string]any{})

	frames := hub.sentFrames()
	if len(frames) == 0 || frames[0].frame["event"] != event.AuthUserSession {
		t.Fatalf("frames = %+v, want a session replay for the socket's own session", frames)
	}
}

func TestSessionGetAnswersAnonymousOnMiss(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)

	p.sessionGet("sock-1", map[string]any{"session_id": "missing", "user_id": float64(99)})

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if got := frames[0].frame; len(got) != 1 || got["event"] != event.AuthAnonymous {
		t.Errorf("frame = %v, want bare auth.anonymous", got)
	}
}

func TestOnConnectPrefersStoredProfile(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)
	seedIdentity(t, p)

	p.onConnect(context.Background(), "sess-7", map[string]any{"session_id": "sess-7"})

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want exactly one initial frame", len(frames))
	}
	frame := frames[0].frame
	if frame["event"] != event.AuthUserProfile {
		t.Errorf("event = %v, want %v", frame["event"], event.AuthUserProfile)
	}
	if frame["user_id"] != int64(7) || frame["session_id"] != "sess-7" {
		t.Errorf("frame identity = %v/%v, want 7/sess-7", frame["user_id"], frame["session_id"])
	}
	prof, _ := frame["profile"].(map[string]any)
	if prof["username"] != "ada" {
		t.Errorf("profile = %v, want the stored record", prof)
	}
	if _, hasMeta := frame["meta"]; hasMeta {
		t.Error("connect frame carries meta, want none")
	}

	if len(hub.attached) != 1 || hub.attached[0].sessionID != "sess-7" {
		t.Errorf("attached = %+v, want the socket bound to user 7", hub.attached)
	}
}

func TestOnConnectFallsBackToSessionFrame(t *testing.T) {
	t.Parallel()

	p, sessions, _, hub := newTestProcessor(t, nil)
	sessions.Upsert(session.Snapshot{SessionID: "sess-7", UserID: 7, Profile: map[string]any{"username": "ada"}})

	p.onConnect(context.Background(), "sess-7", map[string]any{"session_id": "sess-7"})

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if frames[0].frame["event"] != event.AuthUserSession {
		t.Errorf("event = %v, want the session replay fallback", frames[0].frame["event"])
	}
	if len(hub.attached) != 1 {
		t.Error("socket was not bound to the user")
	}
}

func TestOnConnectRestoresFromDB(t *testing.T) {
	t.Parallel()

	db := newFakeDB(&dbws.Result{Found: true, User: map[string]any{
		"id":       float64(7),
		"username": "ada",
		"email":    "ada@lumenfund.org",
	}})
	p, sessions, _, hub := newTestProcessor(t, db)

	p.onConnect(context.Background(), "sess-7", map[string]any{
		"session_id": "sess-7",
		"email":      "ada@lumenfund.org",
	})

	q := <-db.queries
	if q.SessionID != "sess-7" || q.Email != "ada@lumenfund.org" || q.UserID != 0 {
		t.Errorf("lookup query = %+v, want session id and email only", q)
	}

	sess, ok := sessions.Get("sess-7")
	if !ok || sess.UserID != 7 {
		t.Errorf("restored session = %+v, want user 7", sess)
	}

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	frame := frames[0].frame
	if frame["event"] != event.AuthUserProfile {
		t.Errorf("event = %v, want %v", frame["event"], event.AuthUserProfile)
	}
	prof, _ := frame["profile"].(map[string]any)
	if prof["username"] != "ada" || prof["is_authenticated"] != true {
		t.Errorf("profile = %v, want the client-facing projection", prof)
	}
	if len(hub.attached) != 1 {
		t.Error("socket was not bound after DB restore")
	}
}

func TestOnConnectAnswersAnonymous(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)

	p.onConnect(context.Background(), "anon_9", map[string]any{})

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if got := frames[0].frame; len(got) != 1 || got["event"] != event.AuthAnonymous {
		t.Errorf("frame = %v, want bare auth.anonymous", got)
	}
	if len(hub.attached) != 0 {
		t.Errorf("attached = %+v, want none", hub.attached)
	}
}

func TestUnknownFrameEchoed(t *testing.T) {
	t.Parallel()

	p, _, _, hub := newTestProcessor(t, nil)

	msg := map[string]any{"event": "totally.bogus", "x": float64(1)}
	p.handleFrame("sock-1", "totally.bogus", msg)

	frames := hub.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	frame := frames[0].frame
	if frame["event"] != event.Unknown {
		t.Errorf("event = %v, want %v", frame["event"], event.Unknown)
	}
	data, _ := frame["data"].(map[string]any)
	if data["x"] != float64(1) {
		t.Errorf("data = %v, want the original frame echoed", data)
	}
}
