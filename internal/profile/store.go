package profile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lumenfund/pulse/internal/event"
	"github.com/lumenfund/pulse/internal/jsonfile"
)

// ErrNoUserID is returned by Update when the record carries neither a
// user_id nor a profile.id.
var ErrNoUserID = errors.New("profile: record has no user_id or profile.id")

// profileFields is the fixed user-facing projection served by FullProfile.
var profileFields = []string{
	"id", "username", "full_name", "first_name", "last_name", "email",
	"phone", "bio", "location", "country", "address", "state", "city",
	"postal_code", "profile_image", "avatar",
	"facebook_url", "x_url", "linkedin_url", "instagram_url",
	"is_staff", "is_superuser",
}

// Listener observes every stored record. Listeners are isolated: a panic
// in one is logged and never aborts the update or the remaining listeners.
type Listener func(record map[string]any)

// Store keeps the canonical per-user record (session binding plus full
// profile), serialised to a single JSON file on every write.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	records map[string]map[string]any

	lmu       sync.Mutex
	listeners []Listener
}

// NewStore opens or creates the store under dir. A corrupt file is
// logged and the store starts empty.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		path:    filepath.Join(dir, "user_session_store.json"),
		log:     logger,
		records: make(map[string]map[string]any),
	}

	var records map[string]map[string]any
	err := jsonfile.Read(s.path, &records)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		s.log.Warn().Err(err).Msg("profile store unreadable, starting empty")
	default:
		if records != nil {
			s.records = records
		}
	}
	return s, nil
}

// AddListener registers a callback invoked after every Update.
func (s *Store) AddListener(fn Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Update stores the record under its user id, persists, and notifies
// listeners with the full record.
func (s *Store) Update(record map[string]any) error {
	userID, ok := userIDOf(record)
	if !ok {
		return ErrNoUserID
	}

	s.mu.Lock()
	s.records[strconv.FormatInt(userID, 10)] = record
	s.persistLocked()
	s.mu.Unlock()

	s.notify(record)
	return nil
}

// Get returns the stored record for a user.
func (s *Store) Get(userID int64) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[strconv.FormatInt(userID, 10)]
	return rec, ok
}

// Remove deletes the user's record. Returns false when absent.
func (s *Store) Remove(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strconv.FormatInt(userID, 10)
	if _, ok := s.records[key]; !ok {
		return false
	}
	delete(s.records, key)
	s.persistLocked()
	return true
}

// RemoveBySession deletes every record bound to the session and returns
// the owning user ids.
func (s *Store) RemoveBySession(sessionID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []int64
	for key, rec := range s.records {
		sid, _ := rec["session_id"].(string)
		if sid != sessionID {
			continue
		}
		if uid, err := strconv.ParseInt(key, 10, 64); err == nil {
			removed = append(removed, uid)
		}
		delete(s.records, key)
	}

	if len(removed) > 0 {
		s.persistLocked()
	}
	return removed
}

// FullProfile returns the fixed projection of the user's profile, read
// from the nested profile object with top-level and legacy user-object
// fallbacks. Returns nil when nothing is known about the user.
func (s *Store) FullProfile(userID int64) map[string]any {
	rec, ok := s.Get(userID)
	if !ok {
		return nil
	}

	sources := make([]map[string]any, 0, 3)
	if p, ok := rec["profile"].(map[string]any); ok {
		sources = append(sources, p)
	}
	sources = append(sources, rec)
	if u, ok := rec["user"].(map[string]any); ok {
		sources = append(sources, u)
	}

	out := make(map[string]any, len(profileFields))
	for _, field := range profileFields {
		for _, src := range sources {
			if v, ok := src[field]; ok {
				out[field] = v
				break
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Store) persistLocked() {
	if err := jsonfile.Write(s.path, s.records); err != nil {
		s.log.Error().Err(err).Msg("persist profile store failed")
	}
}

func (s *Store) notify(record map[string]any) {
	s.lmu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.lmu.Unlock()

	for _, fn := range listeners {
		s.invoke(fn, record)
	}
}

func (s *Store) invoke(fn Listener, record map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn().Interface("panic", r).Msg("profile listener panicked")
		}
	}()
	fn(record)
}

func userIDOf(record map[string]any) (int64, bool) {
	if id, ok := event.Int64(record["user_id"]); ok && id != 0 {
		return id, true
	}
	if p, ok := record["profile"].(map[string]any); ok {
		if id, ok := event.Int64(p["id"]); ok && id != 0 {
			return id, true
		}
	}
	return 0, false
}
