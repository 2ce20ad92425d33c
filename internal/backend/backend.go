// Package backend defines the contract the sync engine requires from the
// platform's local-notification scheduler, plus the production adapter built
// on EventKit. The engine owns the entire one-shot reminder namespace behind
// this interface; nothing else in the process schedules notifications.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskchime/taskchime/internal/model"
)

// ErrPermissionDenied indicates the platform has not granted notification
// access. The engine treats it as "no reminder" for every subject rather than
// a hard failure.
var ErrPermissionDenied = errors.New("notification permission denied")

// SchedulingError indicates the backend rejected a schedule request, e.g. an
// invalid trigger or a platform-side store failure. The engine logs it and
// treats the subject as having no reminder.
type SchedulingError struct {
	Reason string
	Err    error
}

func (e *SchedulingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("scheduling rejected: %s", e.Reason)
	}
	return fmt.Sprintf("scheduling rejected: %s: %v", e.Reason, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Scheduled is one entry in the backend's best-effort snapshot of currently
// scheduled notifications.
type Scheduled struct {
	// BackendID is the opaque handle used to cancel the notification.
	BackendID string

	// Payload is the decoded payload this engine attached when scheduling.
	Payload model.Payload
}

// Backend is the reminder scheduler contract consumed by the engine.
// Implemented by [*EventKitAdapter]; tests supply fakes.
type Backend interface {
	// Schedule registers a local notification and returns the backend's
	// opaque handle. Fails with [ErrPermissionDenied] or [*SchedulingError].
	Schedule(ctx context.Context, trigger model.Trigger, payload model.Payload) (string, error)

	// Cancel removes a scheduled notification. Cancelling an unknown or
	// already-fired id succeeds as a no-op.
	Cancel(ctx context.Context, backendID string) error

	// List returns a best-effort snapshot of scheduled notifications written
	// by this engine. Used only by full reconciliation for defensive cleanup.
	List(ctx context.Context) ([]Scheduled, error)

	// Permission reports whether notification access is currently granted.
	Permission(ctx context.Context) (bool, error)

	// RequestPermission prompts the user if needed and reports the outcome.
	RequestPermission(ctx context.Context) (bool, error)
}
