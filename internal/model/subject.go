// Package model defines shared types used across the reminder engine,
// the policy layer, and the backend adapters.
package model

import (
	"time"
)

// Priority represents the priority level of a task.
type Priority int

const (
	// PriorityNone indicates no priority is set.
	PriorityNone Priority = 0
	// PriorityHigh indicates high priority.
	PriorityHigh Priority = 1
	// PriorityMedium indicates medium priority.
	PriorityMedium Priority = 5
	// PriorityLow indicates low priority.
	PriorityLow Priority = 9
)

// String returns the human-readable label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "High"
	case PriorityMedium:
		return "Medium"
	case PriorityLow:
		return "Low"
	default:
		return "None"
	}
}

// NormalizePriority maps any raw priority integer (0–9) to one of the four
// canonical levels. Values outside 0–9 are treated as None.
func NormalizePriority(raw int) Priority {
	switch {
	case raw >= 1 && raw <= 4:
		return PriorityHigh
	case raw == 5:
		return PriorityMedium
	case raw >= 6 && raw <= 9:
		return PriorityLow
	default:
		return PriorityNone
	}
}

// Subject is any entity that can own at most one active reminder. For the
// task domain the subject is a task row from the remote store; the engine
// only ever sees committed subject state, never optimistic UI edits.
type Subject struct {
	// ID is the opaque subject identifier, stable for the entity's lifetime.
	ID string

	// Title is the subject's display title, carried into the notification.
	Title string

	// DueAt is when the subject is due. Nil means no due time and therefore
	// no reminder.
	DueAt *time.Time

	// Completed is true when the subject has been marked as done.
	Completed bool

	// Priority is the normalised priority level.
	Priority Priority
}

// Kind distinguishes one-shot reminders (derived from a subject's due time)
// from recurring standing reminders (daily digest, weekly check-in).
type Kind string

const (
	// KindOneShot is a single-fire reminder owned by a subject.
	KindOneShot Kind = "one-shot"
	// KindRecurring is a standing reminder that re-fires on a schedule.
	KindRecurring Kind = "recurring"
)

// StandingKind names a standing reminder. The names double as the field keys
// in the persisted preferences blob.
type StandingKind string

const (
	// StandingDailyDigest is the once-a-day summary reminder.
	StandingDailyDigest StandingKind = "dailyDigest"
	// StandingWeeklyCheckIn is the once-a-week check-in reminder.
	StandingWeeklyCheckIn StandingKind = "weeklyCheckIn"
)

// Valid reports whether k names a known standing reminder.
func (k StandingKind) Valid() bool {
	return k == StandingDailyDigest || k == StandingWeeklyCheckIn
}

// Recurrence describes when a recurring reminder fires: daily at Hour:Minute,
// or weekly when Weekday is set.
type Recurrence struct {
	// Weekday restricts the recurrence to one day of the week. Nil means daily.
	Weekday *time.Weekday

	// Hour is the local hour of day (0–23).
	Hour int

	// Minute is the minute of the hour (0–59).
	Minute int
}

// Next returns the first occurrence strictly after now, in now's location.
func (r Recurrence) Next(now time.Time) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), r.Hour, r.Minute, 0, 0, now.Location())
	if r.Weekday == nil {
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t
	}
	for t.Weekday() != *r.Weekday || !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Trigger describes when a reminder should fire. Exactly one of At (for
// one-shot) or Recurrence (for recurring) is meaningful, selected by Kind.
type Trigger struct {
	Kind       Kind
	At         time.Time
	Recurrence Recurrence
}

// OneShot builds a one-shot trigger at t.
func OneShot(t time.Time) Trigger {
	return Trigger{Kind: KindOneShot, At: t}
}

// Recurring builds a recurring trigger from a recurrence rule.
func Recurring(r Recurrence) Trigger {
	return Trigger{Kind: KindRecurring, Recurrence: r}
}
