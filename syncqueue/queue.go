package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// Policy holds the retry tunables applied to new items.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, BaseBackoff: 30 * time.Second, MaxBackoff: time.Hour}
}

// Backoff returns min(base * 2^attempts, max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		if d >= max || d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

type EnqueueParams struct {
	IntegrationID string
	EntityType    string
	EntityID      string
	Operation     Operation
	Payload       json.RawMessage
	// DedupeKey makes the call idempotent: a second enqueue with the same key
	// returns the first item.
	DedupeKey string
}

// Queue is the producer and admin side of the sync queue.
type Queue struct {
	repo         Repository
	integrations *Integrations
	policy       Policy
	now          func() time.Time
	log          *zap.Logger
}

func NewQueue(repo Repository, integrations *Integrations, policy Policy, log *zap.Logger) *Queue {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	if integrations == nil {
		integrations = NewIntegrations()
	}
	return &Queue{repo: repo, integrations: integrations, policy: policy, now: time.Now, log: logging.OrNop(log)}
}

func (q *Queue) Integrations() *Integrations { return q.integrations }

// Enqueue appends a pending item. A create for an entity that already has an
// external id is rewritten to an update of that record.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (Item, error) {
	p.IntegrationID = strings.TrimSpace(p.IntegrationID)
	p.EntityType = strings.TrimSpace(p.EntityType)
	p.EntityID = strings.TrimSpace(p.EntityID)
	switch {
	case p.IntegrationID == "":
		return Item{}, fmt.Errorf("%w: integration id is required", ErrInvalidInput)
	case p.EntityType == "" || p.EntityID == "":
		return Item{}, fmt.Errorf("%w: entity type and id are required", ErrInvalidInput)
	case !p.Operation.Valid():
		return Item{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, p.Operation)
	}
	if len(p.Payload) > 0 && !sonic.Valid(p.Payload) {
		return Item{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidInput)
	}
	if _, ok := q.integrations.Get(p.IntegrationID); !ok {
		return Item{}, fmt.Errorf("%w: %s", ErrUnknownIntegration, p.IntegrationID)
	}

	op := p.Operation
	var externalID string
	m, err := q.repo.GetMapping(ctx, p.IntegrationID, p.EntityType, p.EntityID)
	switch {
	case err == nil:
		externalID = m.ExternalID
		if op == OpCreate {
			op = OpUpdate
		}
	case errors.Is(err, ErrMappingNotFound):
	default:
		return Item{}, err
	}

	now := q.now().UTC()
	it, created, err := q.repo.Enqueue(ctx, Item{
		IntegrationID: p.IntegrationID,
		EntityType:    p.EntityType,
		EntityID:      p.EntityID,
		Operation:     op,
		Payload:       p.Payload,
		MaxAttempts:   q.policy.MaxAttempts,
		ScheduledFor:  now,
		ExternalID:    externalID,
		DedupeKey:     p.DedupeKey,
		CreatedAt:     now,
	})
	if err != nil {
		return Item{}, err
	}
	if created {
		q.log.Debug("sync item enqueued",
			zap.String("item_id", it.ID),
			zap.String("integration_id", it.IntegrationID),
			zap.String("operation", string(it.Operation)),
		)
	}
	return it, nil
}

func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	return q.repo.Get(ctx, id)
}

func (q *Queue) List(ctx context.Context, f Filter) ([]Item, error) {
	if f.Status != "" && !f.Status.Known() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, f.Status)
	}
	return q.repo.List(ctx, f)
}

// Retry puts a failed or retrying item back to pending with a fresh attempt
// budget. Completed and in-flight items return a *StateTransitionError.
func (q *Queue) Retry(ctx context.Context, id string) (Item, error) {
	it, err := q.repo.Reset(ctx, id, q.now().UTC())
	if err != nil {
		return Item{}, err
	}
	q.log.Info("sync item reset for retry", zap.String("item_id", id))
	return it, nil
}

// Mapping returns the external record mapped to a local entity.
func (q *Queue) Mapping(ctx context.Context, integrationID, entityType, entityID string) (Mapping, error) {
	return q.repo.GetMapping(ctx, integrationID, entityType, entityID)
}
