package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Routing keys carried on the bus. The event name doubles as the routing key.
const (
	AuthUserCreated            = "auth.user.created"
	AuthEmailVerificationSent  = "auth.email.verification.sent"
	AuthEmailVerified          = "auth.email.verified"
	AuthPasswordlessCodeSent   = "auth.passwordless.code.sent"
	AuthPasswordlessVerified   = "auth.passwordless.verified"
	AuthPasswordlessFailed     = "auth.passwordless.failed"
	AuthPasswordlessExpired    = "auth.passwordless.expired"
	AuthPasswordLoginSuccess   = "auth.password.login.success"
	AuthPasswordLoginFailed    = "auth.password.login.failed"
	AuthSessionCreated         = "auth.session.created"
	AuthSessionSnapshot        = "auth.session.snapshot"
	AuthLogout                 = "auth.logout"
	AuthPasswordResetRequest   = "auth.password.reset.request"
	AuthPasswordResetCompleted = "auth.password.reset.completed"
	AuthRefreshSuccess         = "auth.refresh.success"
	DonationCreated            = "donation.created"
	DonationUpdated            = "donation.updated"
	DonationStatsSnapshot      = "donation.stats.snapshot"
	SupportTicketCreated       = "support.ticket.created"
	SupportTicketUpdated       = "support.ticket.updated"
	SupportTicketDeleted       = "support.ticket.deleted"
	SupportConversationCreated = "support.conversation.created"
)

// Frames the gateway sends to browser clients.
const (
	AuthUserSession     = "auth.user.session"
	AuthUserProfile     = "auth.user.profile"
	AuthAnonymous       = "auth.anonymous"
	AuthLoggedOut       = "auth.logged_out"
	DonationStatsUpdate = "donation.stats.update"
	ServicesHealth      = "services.health"
	SupportSnapshot     = "support.snapshot"
	SupportSubscribed   = "support.subscribed"
	SupportPong         = "support.pong"
	Unknown             = "unknown"
)

// Requests browser clients send to the gateway.
const (
	OnConnect        = "on.connect"
	AuthSessionGet   = "auth.session.get"
	Refresh          = "refresh"
	HealthGet        = "health.get"
	SupportGet       = "support.get"
	SupportRefresh   = "support.refresh"
	SupportSubscribe = "support.subscribe"
	Ping             = "ping"
	SupportPing      = "support.ping"
)

// Frames exchanged with upstream data services.
const (
	HealthUpdate     = "health.update"
	DBUserGet        = "db.user.get"
	DBUserResult     = "db.user.result"
	DBUserUpdated    = "db.user.updated"
	DBDonationsGet   = "db.donations.get"
	DonationStatsGet = "donation.stats.get"
)

// ErrEmptyEvent is returned by Decode for frames without an event name.
var ErrEmptyEvent = errors.New("event: envelope has no event name")

// Envelope is the JSON frame published to the bus. Timestamp is float
// seconds since the epoch. Raw holds every top-level field of a decoded
// frame: the auth service publishes its fields flat rather than nested
// under data, and handlers reach those through Raw.
type Envelope struct {
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp float64        `json:"timestamp"`

	Raw map[string]any `json:"-"`
}

// New wraps data in an envelope stamped with the current time.
func New(name string, data map[string]any) Envelope {
	return Envelope{Event: name, Data: data, Timestamp: Now()}
}

// Now returns the current time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Decode parses a raw bus message body into an envelope. A nil data
// object is replaced with an empty map so handlers can index it freely;
// a non-object data value is wrapped as {"value": v}. Frames without an
// event name return the parsed envelope alongside ErrEmptyEvent;
// consumers may fall back to the routing key.
func Decode(body []byte) (Envelope, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	frame, ok := raw.(map[string]any)
	if !ok {
		return Envelope{Data: map[string]any{"value": raw}, Raw: map[string]any{}}, ErrEmptyEvent
	}

	env := Envelope{Raw: frame}
	env.Event, _ = frame["event"].(string)
	env.Timestamp = timestampOf(frame["timestamp"])

	switch d := frame["data"].(type) {
	case nil:
		env.Data = map[string]any{}
	case map[string]any:
		env.Data = d
	default:
		env.Data = map[string]any{"value": d}
	}

	if env.Event == "" {
		return env, ErrEmptyEvent
	}
	return env, nil
}

// Fingerprint hashes the full decoded frame when available, so broker
// re-deliveries dedup even for producers that stamp every field.
func (e Envelope) Fingerprint() string {
	if e.Raw != nil {
		return Fingerprint(e.Raw)
	}
	return Fingerprint(e)
}

// timestampOf coerces a wire timestamp to float seconds. Producers send
// either epoch seconds or RFC 3339 strings.
func timestampOf(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return float64(ts.UnixNano()) / float64(time.Second)
		}
	}
	return 0
}

// canonicalFields are the keys every auth-flavoured payload is expected to
// carry. Consumers index into them without existence checks, so missing
// ones are filled with explicit nulls.
var canonicalFields = []string{
	"correlation_id",
	"user_id",
	"session_id",
	"session_token",
	"profile",
	"jwt",
	"expires_at",
	"state",
	"email",
	"code",
}

// Normalize returns a copy of data with the canonical default fields
// present. A correlation id is minted when absent, the jwt object always
// carries access and refresh keys, and session snapshots without an
// expiry default to 24 hours and an active state. The input map is not
// modified.
func Normalize(name string, data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+len(canonicalFields))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range canonicalFields {
		if _, ok := out[k]; !ok {
			out[k] = nil
		}
	}

	switch v := out["correlation_id"].(type) {
	case nil:
		out["correlation_id"] = uuid.NewString()
	case string:
		if v == "" {
			out["correlation_id"] = uuid.NewString()
		}
	}

	jwt := make(map[string]any, 2)
	if in, ok := out["jwt"].(map[string]any); ok {
		for k, v := range in {
			jwt[k] = v
		}
	}
	if _, ok := jwt["access"]; !ok {
		jwt["access"] = nil
	}
	if _, ok := jwt["refresh"]; !ok {
		jwt["refresh"] = nil
	}
	out["jwt"] = jwt

	if name == AuthSessionSnapshot && isBlank(out["expires_at"]) {
		out["expires_at"] = time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
		if isBlank(out["state"]) {
			out["state"] = "active"
		}
	}

	return out
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Fingerprint returns the hex SHA-256 of v's canonical JSON. Map keys are
// emitted in sorted order by the encoder, so payloads with equal content
// hash identically regardless of key order. Returns "" when v cannot be
// marshalled; callers treat that as "no fingerprint" and skip dedup.
func Fingerprint(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders v as compact JSON with sorted object keys, usable
// as a comparison key. Returns "" when v cannot be marshalled.
func CanonicalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Int64 coerces a JSON-decoded payload value to int64. Decoded numbers
// arrive as float64; producers occasionally send ids as strings.
func Int64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Text renders a scalar payload value for comparisons: strings trimmed,
// integral numbers in decimal, nil empty.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
