// Package mapstore keeps the persisted mapping from subject id to backend
// reminder id, plus the standing-reminder configuration. The map is the only
// persisted state the engine owns; it is stored as top-level fields in the
// user's preference record and treated as a hint, not ground truth — full
// reconciliation rebuilds it against the backend's own list.
package mapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/taskchime/taskchime/internal/model"
)

// PreferenceStore is the slice of the repository the map store needs.
// Implemented by [repository.Repository].
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) ([]byte, error)
	MergePreferences(ctx context.Context, userID string, fields []byte) error
}

// StandingConfig is the persisted state of one standing reminder.
type StandingConfig struct {
	// Enabled is the user's toggle for this standing reminder.
	Enabled bool `json:"enabled"`

	// ID is the backend handle of the currently scheduled notification.
	// Empty when nothing is scheduled.
	ID string `json:"id"`

	// Hour and Minute are the user-chosen local firing time.
	Hour   int `json:"hour"`
	Minute int `json:"minute"`

	// Weekday is set for weekly standing reminders only.
	Weekday *int `json:"weekday,omitempty"`
}

// Map is the persisted reminder map. Its JSON field names are the keys the
// engine owns inside the shared preference record; sibling fields written by
// other parts of the app are never touched.
type Map struct {
	TaskNotifications map[string]string `json:"taskNotifications"`
	DailyDigest       StandingConfig    `json:"dailyDigest"`
	WeeklyCheckIn     StandingConfig    `json:"weeklyCheckIn"`
}

// clone returns a deep copy.
func (m Map) clone() Map {
	cp := m
	cp.TaskNotifications = make(map[string]string, len(m.TaskNotifications))
	for k, v := range m.TaskNotifications {
		cp.TaskNotifications[k] = v
	}
	if m.DailyDigest.Weekday != nil {
		wd := *m.DailyDigest.Weekday
		cp.DailyDigest.Weekday = &wd
	}
	if m.WeeklyCheckIn.Weekday != nil {
		wd := *m.WeeklyCheckIn.Weekday
		cp.WeeklyCheckIn.Weekday = &wd
	}
	return cp
}

// Store is the durable bookkeeping for subject→backend associations. All
// mutations are in-memory; callers persist with [Store.Save] after the
// corresponding backend call has succeeded, never before.
type Store struct {
	repo   PreferenceStore
	userID string
	log    *slog.Logger

	mu sync.Mutex
	m  Map
}

// New creates an empty Store for the given user. Call [Store.Load] before
// first use to pick up persisted state.
func New(repo PreferenceStore, userID string, logger *slog.Logger) *Store {
	return &Store{
		repo:   repo,
		userID: userID,
		log:    logger,
		m:      Map{TaskNotifications: make(map[string]string)},
	}
}

// Load fetches the persisted map from the preference record. A missing or
// unparsable blob yields a fresh empty map — corrupt state is "start over",
// never fatal. Only a repository read failure is an error.
func (s *Store) Load(ctx context.Context) error {
	blob, err := s.repo.GetPreferences(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("loading reminder map: %w", err)
	}

	var m Map
	if err := json.Unmarshal(blob, &m); err != nil {
		s.log.Warn("reminder map blob is corrupt, starting fresh", "error", err)
		m = Map{}
	}
	if m.TaskNotifications == nil {
		m.TaskNotifications = make(map[string]string)
	}

	s.mu.Lock()
	s.m = m
	s.mu.Unlock()
	return nil
}

// Save writes the map's fields back to the preference record with a single
// field-scoped merge, leaving unrelated sibling preferences intact.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	fields, err := json.Marshal(s.m)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding reminder map: %w", err)
	}
	if err := s.repo.MergePreferences(ctx, s.userID, fields); err != nil {
		return fmt.Errorf("persisting reminder map: %w", err)
	}
	return nil
}

// BackendID returns the recorded backend id for a subject.
func (s *Store) BackendID(subjectID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.m.TaskNotifications[subjectID]
	return id, ok
}

// Set records a subject→backend association.
func (s *Store) Set(subjectID, backendID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.TaskNotifications[subjectID] = backendID
}

// Remove drops a subject's association. Removing an absent subject is a no-op.
func (s *Store) Remove(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m.TaskNotifications, subjectID)
}

// ReplaceTasks swaps in a freshly built subject→backend mapping, as the final
// step of full reconciliation. Standing reminders are untouched.
func (s *Store) ReplaceTasks(tasks map[string]string) {
	if tasks == nil {
		tasks = make(map[string]string)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.TaskNotifications = tasks
}

// Standing returns the configuration for a standing reminder kind.
func (s *Store) Standing(kind model.StandingKind) (StandingConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.StandingDailyDigest:
		return s.m.DailyDigest, true
	case model.StandingWeeklyCheckIn:
		return s.m.WeeklyCheckIn, true
	default:
		return StandingConfig{}, false
	}
}

// SetStanding stores the configuration for a standing reminder kind.
func (s *Store) SetStanding(kind model.StandingKind, cfg StandingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.StandingDailyDigest:
		s.m.DailyDigest = cfg
	case model.StandingWeeklyCheckIn:
		s.m.WeeklyCheckIn = cfg
	}
}

// StandingIDs returns the set of backend ids currently held by standing
// reminders. Reconciliation's defensive cleanup must skip these.
func (s *Store) StandingIDs() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, 2)
	if s.m.DailyDigest.ID != "" {
		ids[s.m.DailyDigest.ID] = true
	}
	if s.m.WeeklyCheckIn.ID != "" {
		ids[s.m.WeeklyCheckIn.ID] = true
	}
	return ids
}

// Snapshot returns a read-only deep copy of the map for diagnostics.
func (s *Store) Snapshot() Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.clone()
}
