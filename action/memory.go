package action

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepository struct {
	mu        sync.Mutex
	proposals map[string]Proposal
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{proposals: make(map[string]Proposal), now: time.Now}
}

func (r *MemoryRepository) Create(_ context.Context, p Proposal) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = r.now().UTC()
	r.proposals[p.ID] = p
	return p, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return p, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id string, from, to Status, change Change) (Proposal, error) {
	if !CanTransition(from, to) {
		return Proposal{}, &StateTransitionError{ID: id, From: from, To: to}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.Status != from || (change.ClaimOwner != "" && p.ClaimedBy != change.ClaimOwner) {
		return Proposal{}, missError(p, from, to, change.ClaimOwner)
	}

	at := change.At
	p.Status = to
	switch to {
	case StatusApproved:
		p.ApprovedBy = change.ApprovedBy
		p.DecidedAt = &at
	case StatusRejected:
		p.ApprovedBy = change.ApprovedBy
		p.RejectReason = change.RejectReason
		p.DecidedAt = &at
	case StatusExecuted, StatusFailed:
		p.ErrorMessage = change.ErrorMessage
		p.ExecutedAt = &at
		p.ClaimedBy = ""
		p.ClaimExpires = nil
	}
	if len(change.ResultData) > 0 {
		p.ResultData = change.ResultData
	}
	r.proposals[id] = p
	return p, nil
}

func (r *MemoryRepository) Claim(_ context.Context, id, owner string, now, until time.Time) (Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	if p.Status != StatusApproved {
		return Proposal{}, &StateTransitionError{ID: id, From: p.Status, To: StatusExecuted}
	}
	if p.ClaimedBy != "" && p.ClaimedBy != owner && p.ClaimExpires != nil && !p.ClaimExpires.Before(now) {
		return Proposal{}, ErrClaimed
	}
	p.ClaimedBy = owner
	p.ClaimExpires = &until
	r.proposals[id] = p
	return p, nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, status Status, limit int) ([]Proposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Proposal
	for _, p := range r.proposals {
		if p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
