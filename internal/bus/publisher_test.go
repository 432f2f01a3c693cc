package bus

import (
	"encoding/json"
	"testing"

	"github.com/lumenfund/pulse/internal/event"
)

func TestFrameNormalizesPayload(t *testing.T) {
	t.Parallel()

	body, err := frame(event.AuthSessionSnapshot, map[string]any{"user_id": 42, "session_id": "s1"})
	if err != nil {
		t.Fatalf("frame returned error: %v", err)
	}

	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("frame produced invalid JSON: %v", err)
	}

	if env.Event != event.AuthSessionSnapshot {
		t.Errorf("event = %q, want %q", env.Event, event.AuthSessionSnapshot)
	}
	if env.Timestamp <= 0 {
		t.Errorf("timestamp = %v, want > 0", env.Timestamp)
	}

	if cid, _ := env.Data["correlation_id"].(string); cid == "" {
		t.Error("correlation_id was not minted")
	}
	if env.Data["state"] != "active" {
		t.Errorf("state = %v, want active", env.Data["state"])
	}
	if expires, _ := env.Data["expires_at"].(string); expires == "" {
		t.Error("expires_at was not defaulted for a session snapshot")
	}
	jwt, ok := env.Data["jwt"].(map[string]any)
	if !ok {
		t.Fatalf("jwt = %T, want object", env.Data["jwt"])
	}
	if _, ok := jwt["access"]; !ok {
		t.Error("jwt.access missing")
	}
}

func TestFrameLeavesNonAuthPayloadsAlone(t *testing.T) {
	t.Parallel()

	body, err := frame(event.DonationStatsSnapshot, map[string]any{
		"requested_at": "2026-08-25T10:00:00Z",
		"source":       "donation_consumer",
	})
	if err != nil {
		t.Fatalf("frame returned error: %v", err)
	}

	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}

	if env.Data["source"] != "donation_consumer" {
		t.Errorf("source = %v, want donation_consumer", env.Data["source"])
	}
	if len(env.Data) != 2 {
		t.Errorf("data has %d fields %v, want the 2 provided", len(env.Data), env.Data)
	}
	if _, ok := env.Data["jwt"]; ok {
		t.Error("auth defaults leaked into a donation payload")
	}
}
