package action

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

var transitions = map[Status][]Status{
	StatusProposed: {StatusApproved, StatusRejected},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the proposal
// lifecycle. Rejected, executed and failed are terminal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Known() bool {
	switch s {
	case StatusProposed, StatusApproved, StatusRejected, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

var (
	ErrNotFound    = errors.New("action: proposal not found")
	ErrUnknownType = errors.New("action: unknown action type")

	// ErrInvalidStateTransition is matched by every *StateTransitionError.
	ErrInvalidStateTransition = errors.New("action: invalid state transition")

	// ErrClaimed means another executor holds a live claim on the proposal.
	ErrClaimed = errors.New("action: proposal claimed by another executor")
)

// StateTransitionError reports an attempt to move a proposal along an edge
// that does not exist from its current status.
type StateTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("action: proposal %s cannot move %s -> %s", e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }
