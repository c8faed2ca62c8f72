package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu      sync.Mutex
	signals map[string]Signal
	open    map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{signals: make(map[string]Signal), open: make(map[string]string)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return Signal{}, ErrNotFound
	}
	return clone(s), nil
}

func (r *MemoryRepository) FindOpen(_ context.Context, subjectID string) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[subjectID]
	if !ok {
		return Signal{}, ErrNotFound
	}
	return clone(r.signals[id]), nil
}

func (r *MemoryRepository) Create(_ context.Context, s Signal) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Status == StatusOpen {
		if _, exists := r.open[s.SubjectID]; exists {
			return Signal{}, ErrOpenExists
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s = clone(s)
	r.signals[s.ID] = s
	if s.Status == StatusOpen {
		r.open[s.SubjectID] = s.ID
	}
	return clone(s), nil
}

func (r *MemoryRepository) Observe(_ context.Context, id string, ev Evidence, confidence float64, at time.Time) (Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return Signal{}, ErrNotFound
	}
	if s.Status != StatusOpen {
		return Signal{}, ErrNotOpen
	}
	s.Evidence = append(append([]Evidence(nil), s.Evidence...), ev)
	s.Confidence = confidence
	s.LastObserved = at
	r.signals[id] = s
	return clone(s), nil
}

func (r *MemoryRepository) Close(_ context.Context, id string, status Status, reason string, at time.Time) (Signal, error) {
	if !status.closing() {
		return Signal{}, fmt.Errorf("signal: %q is not a closing status", status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[id]
	if !ok {
		return Signal{}, ErrNotFound
	}
	if s.Status != StatusOpen {
		return Signal{}, ErrNotOpen
	}
	s.Status = status
	s.CloseReason = reason
	s.ClosedAt = &at
	r.signals[id] = s
	delete(r.open, s.SubjectID)
	return clone(s), nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Signal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Signal
	for _, s := range r.signals {
		if f.SubjectID != "" && s.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if !f.ObservedBefore.IsZero() && !s.LastObserved.Before(f.ObservedBefore) {
			continue
		}
		out = append(out, clone(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// OpenCount returns how many open signals subjectID has. Used by tests.
func (r *MemoryRepository) OpenCount(subjectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.signals {
		if s.SubjectID == subjectID && s.Status == StatusOpen {
			n++
		}
	}
	return n
}

func clone(s Signal) Signal {
	s.Evidence = append([]Evidence(nil), s.Evidence...)
	return s
}
