package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/taskchime/taskchime/internal/backend"
	"github.com/taskchime/taskchime/internal/model"
	"github.com/taskchime/taskchime/internal/repository"
)

// mockBackend is an in-memory notification backend for engine tests.
type mockBackend struct {
	mu        sync.Mutex
	nextID    int
	scheduled map[string]backend.Scheduled
	triggers  map[string]model.Trigger

	permission    bool
	permissionErr error

	// failSubjects makes Schedule fail for payloads of these subject ids.
	failSubjects map[string]bool
	cancelErr    error
	listErr      error

	scheduleCalls []model.Payload
	cancelCalls   []string
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		scheduled:    make(map[string]backend.Scheduled),
		triggers:     make(map[string]model.Trigger),
		permission:   true,
		failSubjects: make(map[string]bool),
	}
}

func (m *mockBackend) Schedule(_ context.Context, trigger model.Trigger, payload model.Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleCalls = append(m.scheduleCalls, payload)
	if m.failSubjects[payload.SubjectID] {
		return "", fmt.Errorf("backend rejected %q", payload.SubjectID)
	}
	m.nextID++
	id := fmt.Sprintf("ek-%d", m.nextID)
	m.scheduled[id] = backend.Scheduled{BackendID: id, Payload: payload}
	m.triggers[id] = trigger
	return id, nil
}

func (m *mockBackend) Cancel(_ context.Context, backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls = append(m.cancelCalls, backendID)
	if m.cancelErr != nil {
		return m.cancelErr
	}
	delete(m.scheduled, backendID) // unknown id is a no-op
	delete(m.triggers, backendID)
	return nil
}

func (m *mockBackend) List(context.Context) ([]backend.Scheduled, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]backend.Scheduled, 0, len(m.scheduled))
	for _, s := range m.scheduled {
		out = append(out, s)
	}
	return out, nil
}

func (m *mockBackend) Permission(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission, m.permissionErr
}

func (m *mockBackend) RequestPermission(ctx context.Context) (bool, error) {
	return m.Permission(ctx)
}

func (m *mockBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}

func (m *mockBackend) has(backendID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scheduled[backendID]
	return ok
}

func (m *mockBackend) trigger(backendID string) (model.Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[backendID]
	return t, ok
}

// subjectIDs returns the subject id behind every scheduled reminder.
func (m *mockBackend) subjectIDs() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int)
	for _, s := range m.scheduled {
		out[s.Payload.SubjectID]++
	}
	return out
}

// mockSource is an in-memory SubjectSource with no change feed.
type mockSource struct {
	mu       sync.Mutex
	subjects []model.Subject
	listErr  error
}

func (m *mockSource) ListDueSubjects(context.Context, string) ([]model.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]model.Subject(nil), m.subjects...), nil
}

func (m *mockSource) Watch(context.Context, string, func(string)) error {
	return repository.ErrWatchUnsupported
}

func (m *mockSource) set(subjects ...model.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = subjects
}

// mockPrefs backs the map store with field-merge semantics and injectable
// save failures.
type mockPrefs struct {
	mu     sync.Mutex
	record map[string]json.RawMessage

	saves     int
	failSaves int // fail this many MergePreferences calls, then succeed
}

func newMockPrefs() *mockPrefs {
	return &mockPrefs{record: make(map[string]json.RawMessage)}
}

func (m *mockPrefs) GetPreferences(context.Context, string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.record)
}

func (m *mockPrefs) MergePreferences(_ context.Context, _ string, fields []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return fmt.Errorf("preference write rejected")
	}
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(fields, &partial); err != nil {
		return err
	}
	for k, v := range partial {
		m.record[k] = v
	}
	m.saves++
	return nil
}

func (m *mockPrefs) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
