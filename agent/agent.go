// Package agent holds the closed set of handlers the dispatcher routes events
// to. Agents never cause side effects directly: they propose actions through
// the gate or record signals.
package agent

import (
	"context"
	"errors"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
)

const (
	DealCoach      = "deal_coach"
	EmailDrafter   = "email_drafter"
	CRMSync        = "crm_sync"
	SignalDetector = "signal_detector"
)

// Names lists every agent the registry accepts subscriptions for.
func Names() []string {
	return []string{DealCoach, EmailDrafter, CRMSync, SignalDetector}
}

// Proposer is satisfied by *action.Gate.
type Proposer interface {
	Propose(ctx context.Context, params action.ProposeParams) (action.Proposal, error)
}

// Signals is satisfied by *signal.Deduplicator.
type Signals interface {
	Upsert(ctx context.Context, p signal.UpsertParams) (signal.Signal, signal.Outcome, error)
	ResolveOpen(ctx context.Context, subjectID, note string, kinds ...string) (signal.Signal, bool, error)
}

// Person is the slice of a contact record agents need.
type Person struct {
	ID    string
	Name  string
	Email string
}

var ErrPersonNotFound = errors.New("agent: person not found")

// Directory looks up contacts owned by the CRUD layer.
type Directory interface {
	Person(ctx context.Context, id string) (Person, error)
}

// MapDirectory is a fixed in-memory Directory.
type MapDirectory map[string]Person

func (m MapDirectory) Person(_ context.Context, id string) (Person, error) {
	p, ok := m[id]
	if !ok {
		return Person{}, ErrPersonNotFound
	}
	return p, nil
}
