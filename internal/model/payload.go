package model

import (
	"fmt"
	"strings"
)

// Payload is the data attached to every scheduled notification. It lets the
// engine recognise its own entries when it lists the backend during full
// reconciliation, and tells the defensive cleanup which entries are standing
// reminders (which reconciliation must not touch).
type Payload struct {
	// SubjectID is the owning subject's ID for one-shot reminders, or the
	// StandingKind name for recurring ones.
	SubjectID string

	// Kind distinguishes one-shot from recurring entries.
	Kind Kind

	// Title is the notification's display title.
	Title string

	// Body is the notification's body text.
	Body string
}

// Standing reports whether the payload belongs to a standing reminder.
func (p Payload) Standing() bool {
	return p.Kind == KindRecurring
}

// payloadTag marks notification bodies written by this engine. The first line
// of an encoded payload is "taskchime/1 <kind> <subjectID>"; any following
// lines are the body text.
const payloadTag = "taskchime/1"

// EncodePayload serialises a payload to the text stored in the backend's
// notes/body field.
func EncodePayload(p Payload) string {
	line := fmt.Sprintf("%s %s %s", payloadTag, p.Kind, p.SubjectID)
	if p.Body == "" {
		return line
	}
	return line + "\n" + p.Body
}

// DecodePayload parses text previously produced by [EncodePayload]. The
// second return is false when the text does not carry the payload tag, which
// means the backend entry was not written by this engine.
func DecodePayload(text string) (Payload, bool) {
	head, body, _ := strings.Cut(text, "\n")
	fields := strings.Fields(head)
	if len(fields) != 3 || fields[0] != payloadTag {
		return Payload{}, false
	}
	kind := Kind(fields[1])
	if kind != KindOneShot && kind != KindRecurring {
		return Payload{}, false
	}
	return Payload{SubjectID: fields[2], Kind: kind, Body: body}, true
}

// DecorateTitle prepends the priority tag to a notification title so urgent
// tasks stand out in the notification list.
func DecorateTitle(p Priority, title string) string {
	switch p {
	case PriorityHigh:
		return "[High] " + title
	case PriorityMedium:
		return "[Medium] " + title
	case PriorityLow:
		return "[Low] " + title
	default:
		return title
	}
}
