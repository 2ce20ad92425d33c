package model

import (
	"testing"
	"time"
)

func TestNormalizePriority(t *testing.T) {
	cases := []struct {
		raw  int
		want Priority
	}{
		{0, PriorityNone},
		{1, PriorityHigh},
		{4, PriorityHigh},
		{5, PriorityMedium},
		{6, PriorityLow},
		{9, PriorityLow},
		{10, PriorityNone},
		{-1, PriorityNone},
	}
	for _, c := range cases {
		if got := NormalizePriority(c.raw); got != c.want {
			t.Errorf("NormalizePriority(%d) = %v, want %v", c.raw, got, c.want)
		}
	}
}

func TestRecurrenceNext_DailySameDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) // Monday 08:00
	r := Recurrence{Hour: 9, Minute: 30}

	got := r.Next(now)
	want := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRecurrenceNext_DailyRollsToTomorrow(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	r := Recurrence{Hour: 9, Minute: 30}

	got := r.Next(now)
	want := time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestRecurrenceNext_ExactTimeRollsForward(t *testing.T) {
	// An occurrence exactly at "now" is in the past; Next must be strictly after.
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	r := Recurrence{Hour: 9, Minute: 30}

	got := r.Next(now)
	if !got.After(now) {
		t.Errorf("Next = %v, want strictly after %v", got, now)
	}
}

func TestRecurrenceNext_Weekly(t *testing.T) {
	sunday := time.Sunday
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // Monday
	r := Recurrence{Weekday: &sunday, Hour: 18, Minute: 0}

	got := r.Next(now)
	want := time.Date(2026, 3, 8, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
	if got.Weekday() != time.Sunday {
		t.Errorf("Next weekday = %v, want Sunday", got.Weekday())
	}
}

func TestRecurrenceNext_WeeklySameDayEarlier(t *testing.T) {
	// Monday 19:00, weekly Monday 18:00 → next Monday, not today.
	monday := time.Monday
	now := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	r := Recurrence{Weekday: &monday, Hour: 18, Minute: 0}

	got := r.Next(now)
	want := time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{
		SubjectID: "task-42",
		Kind:      KindOneShot,
		Body:      "Finish the report\nbefore standup",
	}

	got, ok := DecodePayload(EncodePayload(p))
	if !ok {
		t.Fatal("DecodePayload rejected our own encoding")
	}
	if got.SubjectID != "task-42" {
		t.Errorf("SubjectID = %q, want %q", got.SubjectID, "task-42")
	}
	if got.Kind != KindOneShot {
		t.Errorf("Kind = %q, want %q", got.Kind, KindOneShot)
	}
	if got.Body != "Finish the report\nbefore standup" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestDecodePayload_ForeignText(t *testing.T) {
	for _, text := range []string{
		"",
		"just some notes",
		"taskchime/1",
		"taskchime/1 one-shot",
		"taskchime/2 one-shot task-1",
		"taskchime/1 bogus-kind task-1",
	} {
		if _, ok := DecodePayload(text); ok {
			t.Errorf("DecodePayload(%q) accepted foreign text", text)
		}
	}
}

func TestDecodePayload_Standing(t *testing.T) {
	p := Payload{SubjectID: string(StandingDailyDigest), Kind: KindRecurring}
	got, ok := DecodePayload(EncodePayload(p))
	if !ok {
		t.Fatal("DecodePayload rejected standing payload")
	}
	if !got.Standing() {
		t.Error("Standing() = false, want true")
	}
}

func TestDecorateTitle(t *testing.T) {
	cases := []struct {
		p    Priority
		want string
	}{
		{PriorityHigh, "[High] Buy milk"},
		{PriorityMedium, "[Medium] Buy milk"},
		{PriorityLow, "[Low] Buy milk"},
		{PriorityNone, "Buy milk"},
	}
	for _, c := range cases {
		if got := DecorateTitle(c.p, "Buy milk"); got != c.want {
			t.Errorf("DecorateTitle(%v) = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestStandingKindValid(t *testing.T) {
	if !StandingDailyDigest.Valid() || !StandingWeeklyCheckIn.Valid() {
		t.Error("known standing kinds reported invalid")
	}
	if StandingKind("monthlyReview").Valid() {
		t.Error("unknown standing kind reported valid")
	}
}
