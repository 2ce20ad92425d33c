// Package repository provides access to the task/preference store backing the
// app. The engine consumes it through the [Repository] interface: the hosted
// Postgres implementation is the normal mode, and a SQLite implementation
// covers local/offline use and tests.
//
// Only this package may open or query a database. All other packages receive
// a Repository and call its methods.
package repository

import (
	"context"
	"errors"

	"github.com/taskchime/taskchime/internal/model"
)

// ErrWatchUnsupported is returned by [Repository.Watch] when the store has no
// change feed. Callers fall back to polling.
var ErrWatchUnsupported = errors.New("change feed not supported by this repository")

// Repository is the store contract consumed by the engine and the map store.
type Repository interface {
	// GetPreferences returns the user's full preference record as raw JSON.
	// A missing record yields an empty JSON object, never an error.
	GetPreferences(ctx context.Context, userID string) ([]byte, error)

	// MergePreferences writes the given top-level JSON fields into the
	// user's preference record. The merge is field-scoped: sibling fields
	// already stored under the same record are left untouched.
	MergePreferences(ctx context.Context, userID string, fields []byte) error

	// ListDueSubjects returns all active subjects with a due time for the
	// user — the candidate set for full reconciliation.
	ListDueSubjects(ctx context.Context, userID string) ([]model.Subject, error)

	// Watch blocks, invoking fn with the changed subject's id for every
	// change event on the user's subjects, until ctx is cancelled. Stores
	// without a change feed return [ErrWatchUnsupported] immediately.
	Watch(ctx context.Context, userID string, fn func(subjectID string)) error

	// Close releases the underlying connections.
	Close() error
}
