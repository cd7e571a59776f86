package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tbranner/sessiond/internal/clock"
	"github.com/tbranner/sessiond/internal/logging"
	"github.com/tbranner/sessiond/internal/statekv"
)

var storeLog = logging.ForComponent(logging.CompStore)

// SchemaVersion tags the persisted document layout. Loads seeing another
// version fall back to legacy-key reconstruction.
const SchemaVersion = "2"

// Storage keys. The document key holds the whole session as one JSON value;
// the legacy keys are what older releases wrote individually.
const (
	docKey = "session_state"

	legacyTokenKey    = "auth_token"
	legacyExpiryKey   = "token_expiry"
	legacyActivityKey = "last_activity"
	legacyTasksKey    = "active_tasks"
	legacyUserKey     = "user_id"
)

// Retention bounds applied when the store is constructed.
const (
	maxActivityAge = 7 * 24 * time.Hour
	maxTaskAge     = 24 * time.Hour
)

// TaskRecord is the persisted form of one active background task.
type TaskRecord struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// SessionData is the persisted session document. Timestamps marshal as
// RFC 3339; zero timestamps are treated as absent.
type SessionData struct {
	SchemaVersion  string       `json:"schema_version"`
	SessionID      string       `json:"session_id,omitempty"`
	UserID         string       `json:"user_id,omitempty"`
	Token          string       `json:"token,omitempty"`
	TokenExpiresAt time.Time    `json:"token_expires_at,omitzero"`
	LastActivity   time.Time    `json:"last_activity,omitzero"`
	State          State        `json:"state"`
	ActiveTasks    []TaskRecord `json:"active_tasks,omitempty"`
}

// valid reports whether the document satisfies the integrity rules: a
// recognized state and, for every task, an id, a type and a start time.
func (d *SessionData) valid() bool {
	if d == nil || !d.State.Valid() {
		return false
	}
	for _, t := range d.ActiveTasks {
		if t.ID == "" || t.Type == "" || t.StartedAt.IsZero() {
			return false
		}
	}
	return true
}

// Store persists session state through a KV backend. All durable mutation of
// session data goes through here; no other component writes storage keys.
type Store struct {
	kv    statekv.KV
	sched clock.Scheduler
}

// NewStore wraps kv and immediately prunes stale persisted state: an
// already-expired token is dropped, activity older than seven days is
// dropped, and task records older than a day are removed.
func NewStore(kv statekv.KV, sched clock.Scheduler) *Store {
	s := &Store{kv: kv, sched: sched}
	s.pruneStale()
	return s
}

// Save serializes data under the document key. The schema version is always
// stamped with the current value.
func (s *Store) Save(data SessionData) error {
	data.SchemaVersion = SchemaVersion
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.kv.Set(docKey, string(raw)); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Load returns the persisted session, or nil when none exists. The decode is
// total: current schema first, then legacy-key reconstruction, then nil. A
// document that fails validation clears storage and loads as nil; callers
// treat that identically to no prior session.
func (s *Store) Load() (*SessionData, error) {
	raw, ok, err := s.kv.Get(docKey)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	var data *SessionData
	if ok {
		var doc SessionData
		if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc.SchemaVersion != SchemaVersion {
			storeLog.Warn("session_doc_migrating",
				slog.String("found_version", doc.SchemaVersion))
			data = s.loadLegacy()
		} else {
			data = &doc
		}
	} else {
		data = s.loadLegacy()
	}

	if data == nil {
		return nil, nil
	}
	if !data.valid() {
		storeLog.Warn("session_doc_invalid", slog.String("state", string(data.State)))
		if err := s.Clear(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return data, nil
}

// Clear removes the document and every legacy key.
func (s *Store) Clear() error {
	keys := []string{docKey, legacyTokenKey, legacyExpiryKey, legacyActivityKey, legacyTasksKey, legacyUserKey}
	for _, k := range keys {
		if err := s.kv.Delete(k); err != nil {
			return fmt.Errorf("session: clear %q: %w", k, err)
		}
	}
	return nil
}

// loadLegacy reconstructs a minimal document from the individual keys older
// releases wrote. Returns nil when no legacy token exists.
func (s *Store) loadLegacy() *SessionData {
	tok, ok, err := s.kv.Get(legacyTokenKey)
	if err != nil || !ok || tok == "" {
		return nil
	}

	data := &SessionData{
		SchemaVersion: SchemaVersion,
		Token:         tok,
		State:         StateActive,
	}
	if v, ok, _ := s.kv.Get(legacyExpiryKey); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			data.TokenExpiresAt = t
		}
	}
	if v, ok, _ := s.kv.Get(legacyActivityKey); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			data.LastActivity = t
		}
	}
	if v, ok, _ := s.kv.Get(legacyUserKey); ok {
		data.UserID = v
	}
	if v, ok, _ := s.kv.Get(legacyTasksKey); ok {
		var tasks []TaskRecord
		if err := json.Unmarshal([]byte(v), &tasks); err == nil {
			data.ActiveTasks = tasks
		}
	}

	storeLog.Info("session_doc_reconstructed",
		slog.Bool("has_expiry", !data.TokenExpiresAt.IsZero()),
		slog.Int("tasks", len(data.ActiveTasks)))
	return data
}

// pruneStale applies the retention bounds to whatever is currently persisted.
// Errors here are absorbed; pruning is hygiene, not a precondition.
func (s *Store) pruneStale() {
	data, err := s.Load()
	if err != nil {
		storeLog.Warn("session_prune_load_failed", slog.String("error", err.Error()))
		return
	}
	if data == nil {
		return
	}

	now := s.sched.Now()
	changed := false

	if data.Token != "" && !data.TokenExpiresAt.IsZero() && !data.TokenExpiresAt.After(now) {
		data.Token = ""
		data.TokenExpiresAt = time.Time{}
		changed = true
		storeLog.Info("session_prune_expired_token")
	}
	if !data.LastActivity.IsZero() && now.Sub(data.LastActivity) > maxActivityAge {
		data.LastActivity = time.Time{}
		changed = true
	}
	kept := data.ActiveTasks[:0]
	for _, t := range data.ActiveTasks {
		if now.Sub(t.StartedAt) <= maxTaskAge {
			kept = append(kept, t)
		}
	}
	if len(kept) != len(data.ActiveTasks) {
		storeLog.Info("session_prune_stale_tasks",
			slog.Int("dropped", len(data.ActiveTasks)-len(kept)))
		data.ActiveTasks = kept
		changed = true
	}

	if changed {
		if err := s.Save(*data); err != nil {
			storeLog.Warn("session_prune_save_failed", slog.String("error", err.Error()))
		}
	}
}
