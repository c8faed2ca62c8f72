package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

type key struct {
	agent string
	typ   event.Type
}

type MemoryRepository struct {
	mu   sync.RWMutex
	subs map[key]Subscription
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{subs: make(map[key]Subscription), now: time.Now}
}

func (r *MemoryRepository) Upsert(_ context.Context, s Subscription) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	k := key{s.AgentName, s.EventType}
	if existing, ok := r.subs[k]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.subs[k] = s
	return s, nil
}

func (r *MemoryRepository) SetActive(_ context.Context, agentName string, t event.Type, active bool) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{agentName, t}
	s, ok := r.subs[k]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	s.IsActive = active
	s.UpdatedAt = r.now().UTC()
	r.subs[k] = s
	return s, nil
}

func (r *MemoryRepository) ListByEventType(_ context.Context, t event.Type) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for k, s := range r.subs {
		if k.typ == t {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].AgentName < out[j].AgentName
	})
	return out, nil
}
