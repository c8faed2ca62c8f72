package syncqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mappingKey struct {
	integrationID string
	entityType    string
	entityID      string
}

// MemoryRepository is an in-process Repository used by tests and the
// memory storage driver.
type MemoryRepository struct {
	mu       sync.Mutex
	items    map[string]Item
	seq      map[string]int64
	next     int64
	dedupe   map[string]string
	mappings map[mappingKey]Mapping
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:    make(map[string]Item),
		seq:      make(map[string]int64),
		dedupe:   make(map[string]string),
		mappings: make(map[mappingKey]Mapping),
	}
}

func (r *MemoryRepository) Enqueue(_ context.Context, it Item) (Item, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if it.DedupeKey != "" {
		if id, ok := r.dedupe[it.DedupeKey]; ok {
			return r.items[id], false, nil
		}
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if len(it.Payload) == 0 {
		it.Payload = []byte(`{}`)
	}
	it.Status = StatusPending
	it.Attempts = 0
	it.UpdatedAt = it.CreatedAt
	r.items[it.ID] = it
	r.next++
	r.seq[it.ID] = r.next
	if it.DedupeKey != "" {
		r.dedupe[it.DedupeKey] = it.ID
	}
	return it, true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return it, nil
}

func (r *MemoryRepository) Claim(_ context.Context, p ClaimParams) ([]Item, error) {
	if len(p.Integrations) == 0 || p.Limit <= 0 {
		return nil, nil
	}
	enabled := make(map[string]bool, len(p.Integrations))
	for _, id := range p.Integrations {
		enabled[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the oldest unsettled item of each entity may be claimed, and only
	// while no other item of that entity holds a live lease.
	heads := make(map[mappingKey]Item)
	for _, it := range r.items {
		if !enabled[it.IntegrationID] || !it.Unsettled() {
			continue
		}
		k := mappingKey{it.IntegrationID, it.EntityType, it.EntityID}
		if h, ok := heads[k]; !ok || r.seq[it.ID] < r.seq[h.ID] {
			heads[k] = it
		}
	}
	busy := make(map[mappingKey]bool)
	for _, it := range r.items {
		if it.Status == StatusProcessing && !it.Due(p.Now) {
			busy[mappingKey{it.IntegrationID, it.EntityType, it.EntityID}] = true
		}
	}

	var due []Item
	for k, it := range heads {
		if !busy[k] && it.Due(p.Now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return r.seq[due[i].ID] < r.seq[due[j].ID]
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if len(due) > p.Limit {
		due = due[:p.Limit]
	}

	leaseUntil := p.LeaseUntil
	for i := range due {
		due[i].Status = StatusProcessing
		due[i].LeaseOwner = p.Owner
		due[i].LeaseExpiresAt = &leaseUntil
		due[i].UpdatedAt = p.Now
		r.items[due[i].ID] = due[i]
	}
	return due, nil
}

func (r *MemoryRepository) Complete(_ context.Context, id, owner, externalID string, at time.Time) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, err := r.leased(id, owner, StatusCompleted)
	if err != nil {
		return Item{}, err
	}
	it.Status = StatusCompleted
	if externalID != "" {
		it.ExternalID = externalID
	}
	it.LastError = ""
	it.LeaseOwner = ""
	it.LeaseExpiresAt = nil
	it.CompletedAt = &at
	it.UpdatedAt = at
	r.items[id] = it
	return it, nil
}

func (r *MemoryRepository) Fail(_ context.Context, id, owner string, p FailParams) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, err := r.leased(id, owner, StatusRetry)
	if err != nil {
		return Item{}, err
	}
	it.Attempts++
	if p.RetryAt == nil || it.Attempts >= it.MaxAttempts {
		it.Status = StatusFailed
	} else {
		it.Status = StatusRetry
		it.ScheduledFor = *p.RetryAt
	}
	it.LastError = p.Error
	it.LeaseOwner = ""
	it.LeaseExpiresAt = nil
	it.UpdatedAt = p.At
	r.items[id] = it
	return it, nil
}

func (r *MemoryRepository) leased(id, owner string, to Status) (Item, error) {
	it, ok := r.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if it.Status != StatusProcessing || it.LeaseOwner != owner {
		return Item{}, leaseMiss(it, owner, to)
	}
	return it, nil
}

func (r *MemoryRepository) Reset(_ context.Context, id string, at time.Time) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	if it.Status != StatusFailed && it.Status != StatusRetry {
		return Item{}, &StateTransitionError{ID: id, From: it.Status, To: StatusPending}
	}
	it.Status = StatusPending
	it.Attempts = 0
	it.ScheduledFor = at
	it.LastError = ""
	it.UpdatedAt = at
	r.items[id] = it
	return it, nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Item
	for _, it := range r.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.IntegrationID != "" && it.IntegrationID != f.IntegrationID {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := listLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetMapping(_ context.Context, integrationID, entityType, entityID string) (Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[mappingKey{integrationID, entityType, entityID}]
	if !ok {
		return Mapping{}, ErrMappingNotFound
	}
	return m, nil
}

func (r *MemoryRepository) PutMapping(_ context.Context, m Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings[mappingKey{m.IntegrationID, m.EntityType, m.EntityID}] = m
	return nil
}

func (r *MemoryRepository) DeleteMapping(_ context.Context, integrationID, entityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, mappingKey{integrationID, entityType, entityID})
	return nil
}
