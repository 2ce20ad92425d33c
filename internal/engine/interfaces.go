// Package engine implements the reminder synchronization engine. It
// reconciles the desired state (subjects × policy) against the actually
// scheduled notifications, issuing schedule/cancel operations through the
// backend and recording the outcome in the reminder map.
//
// The package contains two flows:
//
//   - Targeted update ([Engine.OnSubjectChanged], [Engine.OnSubjectRemoved])
//     reacts to a single subject changing: cancel, decide, schedule, record.
//   - Full reconciliation ([Engine.ReconcileAll]) rebuilds the entire
//     one-shot namespace from the repository's candidate set, with a
//     defensive sweep over the backend's own list.
//
// All runs are serialized through one mutex: overlapping invocations queue
// in arrival order, so the last update to complete determines final state.
// Errors never escape the engine boundary as panics or unhandled failures —
// callers get boolean/count outcomes, details go to the log.
package engine

import (
	"context"

	"github.com/taskchime/taskchime/internal/model"
)

// SubjectSource provides the candidate subjects for reconciliation and the
// optional change feed. Implemented by [repository.Repository].
type SubjectSource interface {
	ListDueSubjects(ctx context.Context, userID string) ([]model.Subject, error)
	Watch(ctx context.Context, userID string, fn func(subjectID string)) error
}
