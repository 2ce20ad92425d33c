package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ekreminders "github.com/BRO3886/go-eventkit/reminders"

	"github.com/taskchime/taskchime/internal/model"
)

// EventKitClient is the subset of [ekreminders.Client] methods used by the
// adapter. Defining it as an interface allows mock injection in tests.
type EventKitClient interface {
	Reminders(opts ...ekreminders.ListOption) ([]ekreminders.Reminder, error)
	CreateReminder(input ekreminders.CreateReminderInput) (*ekreminders.Reminder, error)
	DeleteReminder(id string) error
}

// EventKitAdapter implements [Backend] on top of EventKit. All notifications
// live in a single dedicated list owned by this app, so List can snapshot the
// engine's whole namespace with one query. EventKit exposes no recurrence
// through go-eventkit, so recurring triggers are materialised as their next
// occurrence; the engine re-derives standing reminders when they are toggled.
//
// Create one with [NewEventKitAdapter] or [NewEventKitAdapterWithClient].
// The presentation of an incoming notification is fixed at construction via
// the list name — there is no process-wide mutable handler state.
type EventKitAdapter struct {
	client   EventKitClient
	listName string
	log      *slog.Logger
}

// NewEventKitAdapter creates an adapter backed by a real EventKit client.
// This triggers the macOS TCC permissions prompt on first use.
func NewEventKitAdapter(listName string, logger *slog.Logger) (*EventKitAdapter, error) {
	c, err := ekreminders.New()
	if err != nil {
		return nil, fmt.Errorf("initialising EventKit client: %w", err)
	}
	return &EventKitAdapter{client: c, listName: listName, log: logger}, nil
}

// NewEventKitAdapterWithClient creates an adapter with a caller-supplied
// client. Intended for testing with a mock [EventKitClient].
func NewEventKitAdapterWithClient(client EventKitClient, listName string, logger *slog.Logger) *EventKitAdapter {
	return &EventKitAdapter{client: client, listName: listName, log: logger}
}

// Schedule registers a notification for the trigger and returns the EventKit
// identifier. Recurring triggers are scheduled at their next occurrence.
func (a *EventKitAdapter) Schedule(ctx context.Context, trigger model.Trigger, payload model.Payload) (string, error) {
	fireAt := trigger.At
	if trigger.Kind == model.KindRecurring {
		fireAt = trigger.Recurrence.Next(time.Now())
	}
	if !fireAt.After(time.Now()) {
		return "", &SchedulingError{Reason: fmt.Sprintf("trigger %v is not in the future", fireAt)}
	}

	input := ekreminders.CreateReminderInput{
		Title:    payload.Title,
		Notes:    model.EncodePayload(payload),
		ListName: a.listName,
		DueDate:  &fireAt,
	}

	a.log.Debug("scheduling notification", "subject", payload.SubjectID, "kind", payload.Kind, "at", fireAt)

	var id string
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return callBounded(ctx, func() error {
			rem, createErr := a.client.CreateReminder(input)
			if createErr != nil {
				return createErr
			}
			id = rem.ID
			return nil
		})
	})
	if err != nil {
		if accessDenied(err) {
			return "", fmt.Errorf("schedule %q: %w", payload.SubjectID, ErrPermissionDenied)
		}
		return "", &SchedulingError{Reason: fmt.Sprintf("schedule %q", payload.SubjectID), Err: err}
	}
	return id, nil
}

// Cancel removes a scheduled notification. An id the backend no longer
// recognises (already fired, or cleaned up elsewhere) is treated as success.
func (a *EventKitAdapter) Cancel(ctx context.Context, backendID string) error {
	a.log.Debug("cancelling notification", "backend_id", backendID)

	err := callBounded(ctx, func() error {
		return a.client.DeleteReminder(backendID)
	})
	if err == nil {
		return nil
	}

	// A failed delete on an id that is already gone is a stale reference,
	// not an error. Confirm against the list before giving up.
	if exists, probeErr := a.exists(ctx, backendID); probeErr == nil && !exists {
		a.log.Debug("cancel on stale id treated as success", "backend_id", backendID)
		return nil
	}
	return fmt.Errorf("cancel %q: %w", backendID, err)
}

// List snapshots the app-owned list, decoding payloads. Entries without a
// valid payload tag are skipped — they were not written by this engine.
func (a *EventKitAdapter) List(ctx context.Context) ([]Scheduled, error) {
	var rems []ekreminders.Reminder
	err := Retry(ctx, defaultMaxAttempts, func() error {
		return callBounded(ctx, func() error {
			var listErr error
			rems, listErr = a.client.Reminders(ekreminders.WithList(a.listName))
			return listErr
		})
	})
	if err != nil {
		if accessDenied(err) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	items := make([]Scheduled, 0, len(rems))
	for i := range rems {
		payload, ok := model.DecodePayload(rems[i].Notes)
		if !ok {
			continue
		}
		payload.Title = rems[i].Title
		items = append(items, Scheduled{BackendID: rems[i].ID, Payload: payload})
	}
	return items, nil
}

// Permission probes notification access with a cheap list query.
func (a *EventKitAdapter) Permission(ctx context.Context) (bool, error) {
	err := callBounded(ctx, func() error {
		_, listErr := a.client.Reminders(ekreminders.WithList(a.listName))
		return listErr
	})
	if err == nil {
		return true, nil
	}
	if accessDenied(err) {
		return false, nil
	}
	return false, fmt.Errorf("querying permission: %w", err)
}

// RequestPermission triggers the system prompt if access is undetermined.
// EventKit prompts on first data access, so the probe doubles as the request.
func (a *EventKitAdapter) RequestPermission(ctx context.Context) (bool, error) {
	return a.Permission(ctx)
}

// exists reports whether backendID is present in the app-owned list.
func (a *EventKitAdapter) exists(ctx context.Context, backendID string) (bool, error) {
	var rems []ekreminders.Reminder
	err := callBounded(ctx, func() error {
		var listErr error
		rems, listErr = a.client.Reminders(ekreminders.WithList(a.listName))
		return listErr
	})
	if err != nil {
		return false, err
	}
	for i := range rems {
		if rems[i].ID == backendID {
			return true, nil
		}
	}
	return false, nil
}

// accessDenied matches the error EventKit surfaces when macOS TCC has denied
// Reminders access.
func accessDenied(err error) bool {
	return err != nil && strings.Contains(err.Error(), "access denied")
}
