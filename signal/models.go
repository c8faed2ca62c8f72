package signal

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusResolved   Status = "resolved"
	StatusSkipped    Status = "skipped"
	StatusExpired    Status = "expired"
	StatusSuperseded Status = "superseded"
)

func (s Status) closing() bool {
	switch s {
	case StatusResolved, StatusSkipped, StatusExpired, StatusSuperseded:
		return true
	}
	return false
}

func (s Status) Known() bool {
	return s == StatusOpen || s.closing()
}

var (
	ErrNotFound = errors.New("signal: not found")
	// ErrOpenExists is returned by Create when the subject already has an
	// open signal.
	ErrOpenExists = errors.New("signal: subject already has an open signal")
	// ErrNotOpen is returned when changing a signal that is already closed.
	ErrNotOpen = errors.New("signal: signal is not open")
)

// Evidence is one observation supporting a signal.
type Evidence struct {
	EventID    string    `json:"eventId,omitempty"`
	Kind       string    `json:"kind"`
	Note       string    `json:"note,omitempty"`
	Weight     float64   `json:"weight"`
	ObservedAt time.Time `json:"observedAt"`
}

// Signal is a pending decision about a subject. A subject has at most one
// open signal at any time.
type Signal struct {
	ID           string
	SubjectID    string
	Kind         string
	Status       Status
	Confidence   float64
	Evidence     []Evidence
	CloseReason  string
	CreatedAt    time.Time
	LastObserved time.Time
	ClosedAt     *time.Time
}

// Stale reports whether the signal went untouched for longer than window.
func (s Signal) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastObserved) > window
}

// Filter narrows List results.
type Filter struct {
	SubjectID string
	Status    Status
	// ObservedBefore restricts to signals last observed before this instant.
	ObservedBefore time.Time
	Limit          int
}

// combine folds a new evidence weight into the running confidence. Each
// piece of evidence independently raises confidence toward 1.
func combine(confidence, weight float64) float64 {
	c := 1 - (1-clamp(confidence))*(1-clamp(weight))
	return clamp(c)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
