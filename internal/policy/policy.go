// Package policy holds the pure decision functions that determine whether a
// subject should own a reminder and when it should fire. Nothing here touches
// the backend, the repository, or the clock — callers pass "now" explicitly.
package policy

import (
	"time"

	"github.com/taskchime/taskchime/internal/model"
)

// DefaultLeadTime is how far before the due time a reminder fires when the
// user has not configured a lead time.
const DefaultLeadTime = time.Hour

// Policy decides reminder timing for subjects. The zero value is not usable;
// create one with [New].
type Policy struct {
	leadTime time.Duration
}

// New creates a Policy with the given lead time. A non-positive lead time
// falls back to [DefaultLeadTime].
func New(leadTime time.Duration) Policy {
	if leadTime <= 0 {
		leadTime = DefaultLeadTime
	}
	return Policy{leadTime: leadTime}
}

// LeadTime returns the configured lead time.
func (p Policy) LeadTime() time.Duration {
	return p.leadTime
}

// Decide returns the trigger time for the subject's reminder. The second
// return is false when no reminder should exist: the subject is completed,
// has no due time, or the computed trigger is not in the future. A trigger
// exactly equal to now counts as elapsed — some platforms reject near-past
// triggers, so the engine never schedules them.
func (p Policy) Decide(s model.Subject, now time.Time) (time.Time, bool) {
	if s.Completed {
		return time.Time{}, false
	}
	if s.DueAt == nil {
		return time.Time{}, false
	}
	trigger := s.DueAt.Add(-p.leadTime)
	if !trigger.After(now) {
		return time.Time{}, false
	}
	return trigger, true
}

// StandingTime is the user-chosen firing time for a standing reminder.
// Weekday is only consulted for weekly kinds.
type StandingTime struct {
	Hour    int
	Minute  int
	Weekday time.Weekday
}

// StandingSpec maps a standing reminder kind and its configured time into a
// recurrence rule. Deterministic: same inputs always produce the same rule.
func StandingSpec(kind model.StandingKind, at StandingTime) model.Recurrence {
	r := model.Recurrence{Hour: at.Hour, Minute: at.Minute}
	if kind == model.StandingWeeklyCheckIn {
		wd := at.Weekday
		r.Weekday = &wd
	}
	return r
}
