package dbws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/profile"
	"github.com/lumenfund/pulse/internal/upstream"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	profiles, err := profile.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return New("ws://127.0.0.1:1/ws", 3*time.Second, 2*time.Second, profiles, zerolog.Nop())
}

func TestHandleMessageResolvesPending(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	ch := make(chan map[string]any, 1)
	client.mu.Lock()
	client.pending["r1"] = ch
	client.mu.Unlock()

	client.handleMessage([]byte(`{
		"event": "db.user.result",
		"request_id": "r1",
		"found": true,
		"session_id": "s1",
		"user": {"id": 42, "email": "e@x", "username": "ada"}
	}`))

	select {
	case msg := <-ch:
		res := decodeResult(msg)
		if !res.Found {
			t.Error("Found = false, want true")
		}
		if res.SessionID != "s1" {
			t.Errorf("SessionID = %q, want %q", res.SessionID, "s1")
		}
		if res.User["username"] != "ada" {
			t.Errorf("User.username = %v, want ada", res.User["username"])
		}
	case <-time.After(time.Second):
		t.Fatal("pending request was not resolved")
	}

	client.mu.Lock()
	_, still := client.pending["r1"]
	client.mu.Unlock()
	if still {
		t.Error("request id still pending after resolution")
	}
}

func TestHandleMessageStoresPushUpdate(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	client.handleMessage([]byte(`{
		"event": "db.user.updated",
		"session_id": "s9",
		"user": {"id": 42, "first_name": "Ada", "last_name": "Lovelace", "profile_image": "/img/ada.png"}
	}`))

	rec, ok := client.profiles.Get(42)
	if !ok {
		t.Fatal("profile store has no record for user 42")
	}
	if rec["session_id"] != "s9" {
		t.Errorf("session_id = %v, want s9", rec["session_id"])
	}
	prof, _ := rec["profile"].(map[string]any)
	if prof == nil {
		t.Fatal("record has no profile")
	}
	if prof["full_name"] != "Ada Lovelace" {
		t.Errorf("full_name = %v, want %q", prof["full_name"], "Ada Lovelace")
	}
	if prof["avatar"] != "/img/ada.png" {
		t.Errorf("avatar = %v, want the profile_image value", prof["avatar"])
	}
}

func TestStoreUserRecordAnonymousFallback(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	client.storeUserRecord(map[string]any{
		"event": "db.user.result",
		"user":  map[string]any{"id": float64(7), "username": "ghost"},
	})

	rec, ok := client.profiles.Get(7)
	if !ok {
		t.Fatal("profile store has no record for user 7")
	}
	if rec["session_id"] != "anon_7" {
		t.Errorf("session_id = %v, want anon_7", rec["session_id"])
	}
}

func TestStoreUserRecordIgnoresFramesWithoutUser(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	client.storeUserRecord(map[string]any{"event": "db.user.result", "found": false, "session_id": "s1"})

	if _, ok := client.profiles.Get(0); ok {
		t.Error("record stored for a frame with no user object")
	}
}

func TestLookupFailsWhenDisconnected(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	_, err := client.Lookup(context.Background(), Query{SessionID: "s1"})
	if !errors.Is(err, upstream.ErrNotConnected) {
		t.Errorf("Lookup() error = %v, want ErrNotConnected", err)
	}

	client.mu.Lock()
	pending := len(client.pending)
	client.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending = %d, want 0 after failed send", pending)
	}
}

func TestProfileFromUserProjection(t *testing.T) {
	t.Parallel()

	prof := ProfileFromUser(map[string]any{
		"id":            float64(42),
		"username":      "ada",
		"first_name":    "Ada",
		"last_name":     "",
		"email":         "e@x",
		"profile_image": "/img/a.png",
		"is_staff":      true,
		"password":      "secret",
	})

	if prof["id"] != int64(42) {
		t.Errorf("id = %v (%T), want int64 42", prof["id"], prof["id"])
	}
	if prof["full_name"] != "Ada" {
		t.Errorf("full_name = %v, want trimmed %q", prof["full_name"], "Ada")
	}
	if prof["is_authenticated"] != true {
		t.Error("is_authenticated = false, want true")
	}
	if prof["is_staff"] != true {
		t.Error("is_staff = false, want true")
	}
	if prof["is_superuser"] != false {
		t.Error("is_superuser = true, want false default")
	}
	if _, leaked := prof["password"]; leaked {
		t.Error("projection leaked the password field")
	}
	if prof["phone"] != "" {
		t.Errorf("phone = %v, want empty default", prof["phone"])
	}
}
