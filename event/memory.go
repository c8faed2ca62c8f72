package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the log in process. It backs the memory storage
// driver and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	seq      int64
	events   []Event
	byID     map[string]int
	outcomes map[string]map[string]Outcome
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:     make(map[string]int),
		outcomes: make(map[string]map[string]Outcome),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for CreatedAt and RecordedAt.
func (r *MemoryRepository) WithClock(now func() time.Time) *MemoryRepository {
	r.now = now
	return r
}

func (r *MemoryRepository) Append(_ context.Context, e Event) (Event, error) {
	e = e.normalized()
	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, dup := r.byID[e.ID]; dup {
		return Event{}, fmt.Errorf("event: duplicate id %s", e.ID)
	}
	r.seq++
	e.Seq = r.seq
	e.CreatedAt = r.now().UTC()
	r.byID[e.ID] = len(r.events)
	r.events = append(r.events, clone(e))
	return clone(e), nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byID[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return clone(r.events[idx]), nil
}

func (r *MemoryRepository) Query(_ context.Context, f Filter) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limit := f.limit()
	out := make([]Event, 0)
	for _, e := range r.events {
		if !f.matches(e) {
			continue
		}
		out = append(out, clone(e))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) RecordOutcome(_ context.Context, o Outcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[o.EventID]; !ok {
		return false, ErrNotFound
	}
	perAgent, ok := r.outcomes[o.EventID]
	if !ok {
		perAgent = make(map[string]Outcome)
		r.outcomes[o.EventID] = perAgent
	}
	if _, exists := perAgent[o.AgentName]; exists {
		return false, nil
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = r.now().UTC()
	}
	perAgent[o.AgentName] = o
	return true, nil
}

func (r *MemoryRepository) Outcomes(_ context.Context, eventID string) ([]Outcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Outcome, 0, len(r.outcomes[eventID]))
	for _, o := range r.outcomes[eventID] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].AgentName < out[j].AgentName
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// clone copies the reference-typed parts of a payload so stored events never
// share memory with callers.
func clone(e Event) Event {
	if p, ok := e.Payload.(InteractionCaptured); ok {
		p.Participants = append([]Participant(nil), p.Participants...)
		if p.OccurredAt != nil {
			at := *p.OccurredAt
			p.OccurredAt = &at
		}
		e.Payload = p
	}
	return e
}
