package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskchime/taskchime/internal/model"
)

// taskChannel is the NOTIFY channel the app's task triggers publish on.
// Payload format: "<user_id> <task_id>".
const taskChannel = "task_changes"

// Postgres is the hosted-store implementation of [Repository], backed by a
// pgx connection pool. The schema (tasks, user_preferences) is owned by the
// hosted service; this client never runs DDL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the hosted store and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging hosted store: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// GetPreferences returns the user's preference record. A missing record is
// an empty object.
func (p *Postgres) GetPreferences(ctx context.Context, userID string) ([]byte, error) {
	const q = `SELECT prefs FROM user_preferences WHERE user_id = $1`

	var prefs []byte
	err := p.pool.QueryRow(ctx, q, userID).Scan(&prefs)
	if errors.Is(err, pgx.ErrNoRows) {
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching preferences for %q: %w", userID, err)
	}
	return prefs, nil
}

// MergePreferences merges the given top-level fields into the preference
// record using jsonb concatenation, which replaces only the named fields.
func (p *Postgres) MergePreferences(ctx context.Context, userID string, fields []byte) error {
	const q = `
		INSERT INTO user_preferences (user_id, prefs)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (user_id) DO UPDATE SET
		    prefs = user_preferences.prefs || excluded.prefs`

	if _, err := p.pool.Exec(ctx, q, userID, fields); err != nil {
		return fmt.Errorf("merging preferences for %q: %w", userID, err)
	}
	return nil
}

// ListDueSubjects returns the user's active tasks that carry a due time.
func (p *Postgres) ListDueSubjects(ctx context.Context, userID string) ([]model.Subject, error) {
	const q = `
		SELECT id, title, due_at, priority
		FROM tasks
		WHERE user_id = $1 AND status = 'active' AND due_at IS NOT NULL`

	rows, err := p.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("querying due subjects for %q: %w", userID, err)
	}
	defer rows.Close()

	var subjects []model.Subject
	for rows.Next() {
		var (
			s        model.Subject
			dueAt    time.Time
			priority int
		)
		if err := rows.Scan(&s.ID, &s.Title, &dueAt, &priority); err != nil {
			return nil, fmt.Errorf("scanning subject row: %w", err)
		}
		s.DueAt = &dueAt
		s.Priority = model.NormalizePriority(priority)
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// Watch listens on the task change channel and invokes fn for every event
// belonging to userID. It holds one pooled connection for the lifetime of
// the subscription and blocks until ctx is cancelled.
func (p *Postgres) Watch(ctx context.Context, userID string, fn func(subjectID string)) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+taskChannel); err != nil {
		return fmt.Errorf("subscribing to %s: %w", taskChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for task notification: %w", err)
		}
		user, subjectID, ok := strings.Cut(n.Payload, " ")
		if !ok || user != userID {
			continue
		}
		fn(subjectID)
	}
}
