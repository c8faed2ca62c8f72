package event

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("event: validation failed")

// ValidationError reports why an event was refused. Refused events are never
// stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// SubjectRef points at the person and/or deal an event is about. Both are
// opaque identifiers owned by the CRUD layer.
type SubjectRef struct {
	PersonID string
	DealID   string
}

// Key is the ordering key for the subject: events sharing a key are handled
// in creation order.
func (s SubjectRef) Key() string {
	switch {
	case s.PersonID != "":
		return "person:" + s.PersonID
	case s.DealID != "":
		return "deal:" + s.DealID
	default:
		return ""
	}
}

// SourceRef names the entity whose change produced the event.
type SourceRef struct {
	EntityType string
	EntityID   string
}

// Event is an immutable fact. ID, Seq and CreatedAt are assigned on append.
type Event struct {
	ID        string
	Seq       int64
	Type      Type
	Category  Category
	Subject   SubjectRef
	Source    SourceRef
	Payload   Payload
	CreatedAt time.Time
}

// New builds an unsaved event, deriving type and category from the payload.
func New(subject SubjectRef, source SourceRef, payload Payload) Event {
	ev := Event{Subject: subject, Source: source, Payload: payload}
	if payload != nil {
		ev.Type = payload.EventType()
		ev.Category, _ = ev.Type.Category()
	}
	return ev
}

// Validate checks the event against the closed catalog.
func (e Event) Validate() error {
	d, ok := catalog[e.Type]
	if !ok {
		return invalid("type", fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Category != "" && e.Category != d.category {
		return invalid("category", fmt.Sprintf("%s belongs to %s, not %s", e.Type, d.category, e.Category))
	}
	if e.Payload == nil {
		return invalid("payload", "required")
	}
	if e.Payload.EventType() != e.Type {
		return invalid("payload", fmt.Sprintf("payload for %s attached to %s", e.Payload.EventType(), e.Type))
	}
	switch d.subject {
	case subjectPerson:
		if e.Subject.PersonID == "" {
			return invalid("subjectPersonId", "required for "+string(e.Type))
		}
	case subjectDeal:
		if e.Subject.DealID == "" {
			return invalid("subjectDealId", "required for "+string(e.Type))
		}
	}
	return e.Payload.validate()
}

// normalized fills the derived category.
func (e Event) normalized() Event {
	if e.Category == "" {
		e.Category, _ = e.Type.Category()
	}
	return e
}
