package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/taskchime/taskchime/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id       TEXT PRIMARY KEY,
    user_id  TEXT NOT NULL,
    title    TEXT NOT NULL,
    due_at   TEXT NOT NULL DEFAULT '',
    status   TEXT NOT NULL DEFAULT 'active',
    priority INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks (user_id);

CREATE TABLE IF NOT EXISTS user_preferences (
    user_id TEXT PRIMARY KEY,
    prefs   TEXT NOT NULL DEFAULT '{}'
);
`

// SQLite is the local-mode implementation of [Repository], used when the app
// runs without the hosted service. It has no change feed; the engine falls
// back to polling.
type SQLite struct {
	db *sql.DB
}

// DefaultSQLitePath returns the default path for the local database:
// ~/.local/share/taskchime/taskchime.db
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "taskchime", "taskchime.db"), nil
}

// OpenSQLite opens (or creates) the local database at path, applies the
// schema, and configures WAL mode for better concurrent read performance.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetPreferences returns the user's preference record. A missing record is
// an empty object.
func (s *SQLite) GetPreferences(ctx context.Context, userID string) ([]byte, error) {
	const q = `SELECT prefs FROM user_preferences WHERE user_id = ?`

	var prefs string
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching preferences for %q: %w", userID, err)
	}
	return []byte(prefs), nil
}

// MergePreferences merges the given top-level fields into the preference
// record. SQLite has no jsonb concatenation, so the merge happens here:
// existing fields not named in the partial document are preserved.
func (s *SQLite) MergePreferences(ctx context.Context, userID string, fields []byte) error {
	existing, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}

	var record map[string]json.RawMessage
	if err := json.Unmarshal(existing, &record); err != nil {
		// A corrupt stored record must not make preferences unwritable.
		record = make(map[string]json.RawMessage)
	}
	var partial map[string]json.RawMessage
	if err := json.Unmarshal(fields, &partial); err != nil {
		return fmt.Errorf("parsing partial preferences: %w", err)
	}
	for k, v := range partial {
		record[k] = v
	}
	merged, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding merged preferences: %w", err)
	}

	const q = `
		INSERT INTO user_preferences (user_id, prefs) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET prefs = excluded.prefs`
	if _, err := s.db.ExecContext(ctx, q, userID, string(merged)); err != nil {
		return fmt.Errorf("writing preferences for %q: %w", userID, err)
	}
	return nil
}

// ListDueSubjects returns the user's active tasks that carry a due time.
func (s *SQLite) ListDueSubjects(ctx context.Context, userID string) ([]model.Subject, error) {
	const q = `
		SELECT id, title, due_at, priority
		FROM tasks
		WHERE user_id = ? AND status = 'active' AND due_at != ''`

	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying due subjects for %q: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var subjects []model.Subject
	for rows.Next() {
		var (
			subj     model.Subject
			dueAt    string
			priority int
		)
		if err := rows.Scan(&subj.ID, &subj.Title, &dueAt, &priority); err != nil {
			return nil, fmt.Errorf("scanning subject row: %w", err)
		}
		t, err := parseTime(dueAt)
		if err != nil {
			return nil, fmt.Errorf("parsing due time for %q: %w", subj.ID, err)
		}
		subj.DueAt = &t
		subj.Priority = model.NormalizePriority(priority)
		subjects = append(subjects, subj)
	}
	return subjects, rows.Err()
}

// Watch is unsupported for the local store; the engine polls instead.
func (s *SQLite) Watch(_ context.Context, _ string, _ func(subjectID string)) error {
	return ErrWatchUnsupported
}

// UpsertTask inserts or replaces a task row. Used by the app layer in local
// mode; the engine itself never writes tasks.
func (s *SQLite) UpsertTask(ctx context.Context, userID string, subj model.Subject) error {
	status := "active"
	if subj.Completed {
		status = "completed"
	}
	dueAt := ""
	if subj.DueAt != nil {
		dueAt = formatTime(*subj.DueAt)
	}

	const q = `
		INSERT INTO tasks (id, user_id, title, due_at, status, priority)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    user_id  = excluded.user_id,
		    title    = excluded.title,
		    due_at   = excluded.due_at,
		    status   = excluded.status,
		    priority = excluded.priority`
	if _, err := s.db.ExecContext(ctx, q, subj.ID, userID, subj.Title, dueAt, status, int(subj.Priority)); err != nil {
		return fmt.Errorf("upserting task %q: %w", subj.ID, err)
	}
	return nil
}

// DeleteTask removes a task row.
func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting task %q: %w", id, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
