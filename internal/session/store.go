package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/jsonfile"
)

// AnonPrefix marks synthetic session ids minted for clients without a
// session cookie. Anonymous sessions are never persisted.
const AnonPrefix = "anon_"

// kvEvent is the pseudo-event backing the idempotency KV inside the
// event log.
const kvEvent = "__kv__"

// IsAnonymous reports whether id is a synthetic anonymous session id.
func IsAnonymous(id string) bool {
	return strings.HasPrefix(id, AnonPrefix)
}

// NewAnonymousID mints a fresh anonymous session id.
func NewAnonymousID() string {
	return AnonPrefix + uuid.NewString()
}

// User is the minimal identity snapshot kept per session.
type User struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// Session is one stored session record.
type Session struct {
	SessionID string  `json:"session_id"`
	UserID    int64   `json:"user_id"`
	User      User    `json:"user"`
	State     string  `json:"state"`
	ExpiresTS float64 `json:"_expires_ts,omitempty"`
}

// Snapshot is the input to Upsert, typically lifted from a bus event.
type Snapshot struct {
	SessionID string
	UserID    int64
	State     string
	ExpiresAt string // RFC 3339; blank means no expiry
	Profile   map[string]any
}

// Entry is one event-log record.
type Entry struct {
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"timestamp"`
}

// Store keeps sessions, the user reverse index and a bounded event log,
// serialising all three to JSON on every mutation. All operations take a
// single exclusive lock; persistence happens under it.
type Store struct {
	sessionsPath string
	eventsPath   string
	limit        int
	log          zerolog.Logger

	mu           sync.Mutex
	sessions     map[string]*Session
	userSessions map[int64][]string
	events       []Entry
}

// sessionsFile is the on-disk shape of the sessions file. User ids are
// serialised as decimal strings to keep stable JSON object keys.
type sessionsFile struct {
	Sessions     map[string]*Session `json:"sessions"`
	UserSessions map[string][]string `json:"user_sessions"`
}

// NewStore opens or creates the store under dir. Unreadable or corrupt
// files are logged and the store starts empty rather than failing.
func NewStore(dir string, eventLimit int, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		sessionsPath: filepath.Join(dir, "sessions.json"),
		eventsPath:   filepath.Join(dir, "session_events.json"),
		limit:        eventLimit,
		log:          logger,
		sessions:     make(map[string]*Session),
		userSessions: make(map[int64][]string),
		events:       []Entry{},
	}
	s.load()
	return s, nil
}

// Upsert stores an active session, evicting any other session the user
// holds. A non-active state removes the session instead. Empty ids,
// missing user ids and anonymous session ids are rejected.
func (s *Store) Upsert(snap Snapshot) {
	if snap.SessionID == "" || snap.UserID == 0 || IsAnonymous(snap.SessionID) {
		return
	}

	state := snap.State
	if state == "" {
		state = "active"
	}

	var expiresTS float64
	if snap.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, snap.ExpiresAt); err == nil {
			expiresTS = float64(t.UnixNano()) / float64(time.Second)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state != "active" {
		delete(s.sessions, snap.SessionID)
		s.dropUserSessionLocked(snap.UserID, snap.SessionID)
		s.persistLocked()
		return
	}

	for _, old := range s.userSessions[snap.UserID] {
		delete(s.sessions, old)
	}

	s.sessions[snap.SessionID] = &Session{
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		User:      projectUser(snap.UserID, snap.Profile),
		State:     state,
		ExpiresTS: expiresTS,
	}
	s.userSessions[snap.UserID] = []string{snap.SessionID}
	s.persistLocked()
}

// Get returns the session, lazily evicting it when expired.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(sessionID)
}

// UserSessions returns the user's live sessions. Single-session
// enforcement keeps this at most one entry long.
func (s *Store) UserSessions(userID int64) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := append([]string(nil), s.userSessions[userID]...)
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.getLocked(id); ok {
			out = append(out, sess)
		}
	}
	return out
}

// Remove deletes one session and its reverse-index entry.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	s.dropUserSessionLocked(sess.UserID, sessionID)
	s.persistLocked()
}

// RemoveUser deletes every session the user holds.
func (s *Store) RemoveUser(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.userSessions[userID] {
		delete(s.sessions, id)
	}
	delete(s.userSessions, userID)
	s.persistLocked()
}

// StoreEvent appends to the event log, dropping the oldest entries past
// the cap.
func (s *Store) StoreEvent(name string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(Entry{Event: name, Payload: payload, Timestamp: nowSeconds()})
	s.persistLocked()
}

// Events returns a copy of the event log, oldest first.
func (s *Store) Events() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.events...)
}

// Exists reports whether an idempotency key was set.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.Event == kvEvent && e.Payload["key"] == key {
			return true
		}
	}
	return false
}

// Set records an idempotency key as a pseudo-event in the log.
func (s *Store) Set(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(Entry{
		Event:     kvEvent,
		Payload:   map[string]any{"key": key, "value": true},
		Timestamp: nowSeconds(),
	})
	s.persistLocked()
}

func (s *Store) getLocked(sessionID string) (Session, bool) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	if sess.ExpiresTS > 0 && sess.ExpiresTS < nowSeconds() {
		delete(s.sessions, sessionID)
		s.dropUserSessionLocked(sess.UserID, sessionID)
		s.persistLocked()
		return Session{}, false
	}
	return *sess, true
}

func (s *Store) dropUserSessionLocked(userID int64, sessionID string) {
	ids := s.userSessions[userID]
	kept := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(s.userSessions, userID)
		return
	}
	s.userSessions[userID] = kept
}

func (s *Store) appendLocked(e Entry) {
	s.events = append(s.events, e)
	if over := len(s.events) - s.limit; over > 0 {
		s.events = append([]Entry(nil), s.events[over:]...)
	}
}

func (s *Store) persistLocked() {
	file := sessionsFile{
		Sessions:     s.sessions,
		UserSessions: make(map[string][]string, len(s.userSessions)),
	}
	for uid, ids := range s.userSessions {
		file.UserSessions[strconv.FormatInt(uid, 10)] = ids
	}

	if err := jsonfile.Write(s.sessionsPath, file); err != nil {
		s.log.Error().Err(err).Msg("persist sessions failed")
	}
	if err := jsonfile.Write(s.eventsPath, s.events); err != nil {
		s.log.Error().Err(err).Msg("persist events failed")
	}
}

func (s *Store) load() {
	var file sessionsFile
	err := jsonfile.Read(s.sessionsPath, &file)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		s.log.Warn().Err(err).Msg("sessions file unreadable, starting empty")
	default:
		if file.Sessions != nil {
			s.sessions = file.Sessions
		}
		for key, ids := range file.UserSessions {
			uid, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				continue
			}
			s.userSessions[uid] = ids
		}
	}

	var events []Entry
	err = jsonfile.Read(s.eventsPath, &events)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		s.log.Warn().Err(err).Msg("event log unreadable, starting empty")
	default:
		if events != nil {
			s.events = events
		}
	}
}

// projectUser lifts the minimal identity fields out of a raw profile.
func projectUser(userID int64, profile map[string]any) User {
	u := User{ID: userID}
	if profile == nil {
		return u
	}
	u.Email, _ = profile["email"].(string)
	u.Username, _ = profile["username"].(string)
	u.IsStaff = truthy(profile["is_staff"])
	u.IsSuperuser = truthy(profile["is_superuser"])
	return u
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
