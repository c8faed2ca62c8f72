package event

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no event exists for the identifier.
var ErrNotFound = errors.New("event: not found")

// Filter narrows Query results. Zero fields are ignored.
type Filter struct {
	Type     Type
	PersonID string
	DealID   string
	AfterSeq int64
	Since    time.Time
	Limit    int
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultQueryLimit
	case f.Limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return f.Limit
	}
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.PersonID != "" && e.Subject.PersonID != f.PersonID {
		return false
	}
	if f.DealID != "" && e.Subject.DealID != f.DealID {
		return false
	}
	if e.Seq <= f.AfterSeq {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store is the append-only event log. There is no update or delete: a
// correction is a new event.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	Get(ctx context.Context, id string) (Event, error)
	// Query returns matching events in creation order.
	Query(ctx context.Context, f Filter) ([]Event, error)
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome records what one agent did with one event.
type Outcome struct {
	EventID    string
	AgentName  string
	Status     OutcomeStatus
	Error      string
	RecordedAt time.Time
}

// OutcomeLog is the processed-by side table. Rows are written once per
// (event, agent); later writes for the same pair are ignored.
type OutcomeLog interface {
	RecordOutcome(ctx context.Context, o Outcome) (bool, error)
	Outcomes(ctx context.Context, eventID string) ([]Outcome, error)
}
