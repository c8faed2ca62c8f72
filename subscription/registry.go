package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

var (
	// ErrNotFound is returned when no subscription exists for the pair.
	ErrNotFound = errors.New("subscription: not found")
	// ErrUnknownAgent signals an agent name outside the registered set.
	ErrUnknownAgent = errors.New("subscription: unknown agent")
	// ErrUnknownEventType signals an event type outside the catalog.
	ErrUnknownEventType = errors.New("subscription: unknown event type")
)

// Repository stores subscriptions.
type Repository interface {
	Upsert(ctx context.Context, s Subscription) (Subscription, error)
	SetActive(ctx context.Context, agentName string, t event.Type, active bool) (Subscription, error)
	ListByEventType(ctx context.Context, t event.Type) ([]Subscription, error)
	List(ctx context.Context) ([]Subscription, error)
}

// Registry validates subscriptions against the closed agent and event-type
// sets and resolves the ordered subscriber list for an event type.
type Registry struct {
	repo   Repository
	agents map[string]struct{}
}

func NewRegistry(repo Repository, agentNames []string) *Registry {
	agents := make(map[string]struct{}, len(agentNames))
	for _, name := range agentNames {
		agents[name] = struct{}{}
	}
	return &Registry{repo: repo, agents: agents}
}

func (r *Registry) validate(agentName string, t event.Type) error {
	if _, ok := r.agents[agentName]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentName)
	}
	if !t.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	return nil
}

// Register creates or replaces the subscription for (agent, event type).
func (r *Registry) Register(ctx context.Context, s Subscription) (Subscription, error) {
	s.AgentName = strings.TrimSpace(s.AgentName)
	if err := r.validate(s.AgentName, s.EventType); err != nil {
		return Subscription{}, err
	}
	return r.repo.Upsert(ctx, s)
}

// SetActive toggles dispatch for a subscription. Deactivation affects future
// dispatch only.
func (r *Registry) SetActive(ctx context.Context, agentName string, t event.Type, active bool) (Subscription, error) {
	if err := r.validate(agentName, t); err != nil {
		return Subscription{}, err
	}
	return r.repo.SetActive(ctx, agentName, t, active)
}

// Resolve returns the active subscribers for t in dispatch order.
func (r *Registry) Resolve(ctx context.Context, t event.Type) ([]Subscription, error) {
	subs, err := r.repo.ListByEventType(ctx, t)
	if err != nil {
		return nil, err
	}
	active := subs[:0]
	for _, s := range subs {
		if s.IsActive {
			active = append(active, s)
		}
	}
	Order(active)
	return active, nil
}

func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	return r.repo.List(ctx)
}

// Seed registers every subscription in subs, stopping at the first error.
func (r *Registry) Seed(ctx context.Context, subs []Subscription) error {
	for _, s := range subs {
		if _, err := r.Register(ctx, s); err != nil {
			return fmt.Errorf("subscription: seed %s/%s: %w", s.AgentName, s.EventType, err)
		}
	}
	return nil
}
