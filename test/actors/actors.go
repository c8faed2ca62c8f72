// Package actors drives the orchestration core from several goroutines at
// once, the way independent processes sharing one database would.
package actors

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/action"
	"github.com/NTDesnoyers/memry-OS-sub003/agent"
	"github.com/NTDesnoyers/memry-OS-sub003/dispatch"
	"github.com/NTDesnoyers/memry-OS-sub003/effect"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/signal"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
	"github.com/NTDesnoyers/memry-OS-sub003/syncqueue"
)

// Integration is the CRM every node syncs to.
const Integration = "stress-crm"

// Seed registers every agent on the event types the stress run publishes.
func Seed(ctx context.Context, pool *pgxpool.Pool) error {
	reg := subscription.NewRegistry(subscription.NewPGRepository(pool), agent.Names())
	return reg.Seed(ctx, []subscription.Subscription{
		{AgentName: agent.SignalDetector, EventType: event.TypeLeadCreated, Priority: 100, IsActive: true},
		{AgentName: agent.SignalDetector, EventType: event.TypeContactDue, Priority: 100, IsActive: true},
		{AgentName: agent.SignalDetector, EventType: event.TypeConversationLogged, Priority: 100, IsActive: true},
		{AgentName: agent.DealCoach, EventType: event.TypeDealStageChanged, Priority: 80, IsActive: true},
		{AgentName: agent.CRMSync, EventType: event.TypeLeadCreated, Priority: 50, IsActive: true},
		{AgentName: agent.CRMSync, EventType: event.TypeDealStageChanged, Priority: 50, IsActive: true},
		{AgentName: agent.EmailDrafter, EventType: event.TypeContactDue, Priority: 10, IsActive: true},
	})
}

// Node is one process worth of components over the shared pool. Nodes do not
// share in-process locks, so only the database keeps them consistent.
type Node struct {
	Name     string
	Bus      *dispatch.Bus
	Runner   *dispatch.Runner
	Gate     *action.Gate
	Executor *action.Executor
	Signals  *signal.Deduplicator
	Queue    *syncqueue.Queue
	Worker   *syncqueue.Worker
}

func NewNode(pool *pgxpool.Pool, name string, adapter syncqueue.Adapter, log *zap.Logger) *Node {
	log = log.With(zap.String("node", name))
	events := event.NewRepository(pool)
	proposals := action.NewPGRepository(pool)

	n := &Node{Name: name}
	n.Signals = signal.NewDeduplicator(signal.NewPGRepository(pool), nil, time.Hour, log)
	n.Queue = syncqueue.NewQueue(syncqueue.NewPGRepository(pool), syncqueue.NewIntegrations(syncqueue.Integration{
		ID:       Integration,
		Provider: "stress",
		Enabled:  true,
	}), syncqueue.Policy{MaxAttempts: 4, BaseBackoff: 20 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}, log)
	n.Gate = action.NewGate(proposals, nil, log)
	n.Executor = action.NewExecutor(proposals, effect.Registry(effect.NewPGOutbox(pool), n.Queue), action.ExecutorConfig{
		Owner:        name,
		ClaimTTL:     5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}, log)
	n.Worker = syncqueue.NewWorker(n.Queue, map[string]syncqueue.Adapter{"stress": adapter}, syncqueue.WorkerConfig{
		Owner:        name,
		PollInterval: 20 * time.Millisecond,
		LeaseTTL:     5 * time.Second,
		BatchSize:    10,
	}, log)

	reg := subscription.NewRegistry(subscription.NewPGRepository(pool), agent.Names())
	d := dispatch.NewDispatcher(reg, events, log)
	gen := agent.NewTemplateGenerator()
	d.Register(agent.SignalDetector, agent.NewSignalDetector(n.Signals, n.Gate, log))
	d.Register(agent.DealCoach, agent.NewDealCoach(n.Gate, gen, log))
	d.Register(agent.CRMSync, agent.NewCRMSync(n.Gate, n.Queue.Integrations(), log))
	d.Register(agent.EmailDrafter, agent.NewEmailDrafter(n.Gate, gen, agent.MapDirectory{}, log))

	n.Runner = dispatch.NewRunner(d, 4, 32, log)
	n.Bus = dispatch.NewBus(events, d, n.Runner, log)
	return n
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Publisher appends a random mix of events for a small pool of subjects so
// that nodes contend on the same people.
func Publisher(ctx context.Context, n *Node, subjects []string, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		person := subjects[rand.Intn(len(subjects))]
		subject := event.SubjectRef{PersonID: person}
		var payload event.Payload
		switch rand.Intn(4) {
		case 0:
			payload = event.LeadCreated{Source: "stress", Name: "Lead " + person}
		case 1:
			payload = event.ContactDue{LastContactAt: time.Now().AddDate(0, 0, -40), CadenceDays: 30}
		case 2:
			payload = event.ConversationLogged{Channel: "call", Summary: "caught up", OccurredAt: time.Now()}
		default:
			subject.DealID = "deal-" + person
			payload = event.DealStageChanged{From: event.StageHot, To: event.StageInContract}
		}
		ev := event.New(subject, event.SourceRef{EntityType: "stress", EntityID: uuid.NewString()}, payload)
		// Appends can fail while chaos kills backends; the next one retries.
		_, _ = n.Bus.Publish(ctx, ev)
		pause(5, 20)
	}
}

// Approver decides proposed actions. Several approvers race for the same
// proposals; losing a race is expected.
func Approver(ctx context.Context, n *Node, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		pending, err := n.Gate.List(ctx, action.StatusProposed, 10)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			pause(50, 50)
			continue
		}
		for _, p := range pending {
			if rand.Intn(4) == 0 {
				_, _ = n.Gate.Reject(ctx, p.ID, "not now", n.Name)
			} else {
				_, _ = n.Gate.Approve(ctx, p.ID, n.Name)
			}
		}
		pause(20, 40)
	}
}

// Closer resolves or skips open signals while detectors keep observing them.
func Closer(ctx context.Context, n *Node, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		open, err := n.Signals.List(ctx, signal.Filter{Status: signal.StatusOpen, Limit: 5})
		if err == nil {
			for _, s := range open {
				if rand.Intn(2) == 0 {
					_, _ = n.Signals.Resolve(ctx, s.ID, "handled")
				} else {
					_, _ = n.Signals.Skip(ctx, s.ID, "not relevant")
				}
			}
		}
		pause(100, 100)
	}
}

// Recoverer re-submits recent events through another node, which races the
// original dispatch of the same event.
func Recoverer(ctx context.Context, n *Node, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, _ = n.Bus.Recover(ctx, time.Now().Add(-time.Minute))
		pause(300, 300)
	}
}

// Retrier re-queues failed sync items by hand.
func Retrier(ctx context.Context, n *Node, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		failed, err := n.Queue.List(ctx, syncqueue.Filter{Status: syncqueue.StatusFailed, Limit: 5})
		if err == nil {
			for _, it := range failed {
				_, _ = n.Queue.Retry(ctx, it.ID)
			}
		}
		pause(200, 200)
	}
}

// FlakyCRM is an adapter that fails some deliveries and counts the rest.
type FlakyCRM struct {
	mu        sync.Mutex
	delivered map[string]int
}

func NewFlakyCRM() *FlakyCRM {
	return &FlakyCRM{delivered: make(map[string]int)}
}

func (f *FlakyCRM) Deliver(ctx context.Context, _ syncqueue.Integration, it syncqueue.Item) (syncqueue.Delivery, error) {
	pause(1, 10)
	switch rand.Intn(10) {
	case 0:
		return syncqueue.Delivery{}, syncqueue.Permanent(errors.New("record rejected"))
	case 1, 2:
		return syncqueue.Delivery{}, errors.New("crm unavailable")
	}
	f.mu.Lock()
	f.delivered[it.ID]++
	f.mu.Unlock()
	externalID := it.ExternalID
	if externalID == "" {
		externalID = "crm-" + it.EntityID
	}
	return syncqueue.Delivery{ExternalID: externalID}, nil
}

// Delivered reports how many successful deliveries each item received.
func (f *FlakyCRM) Delivered() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.delivered))
	for k, v := range f.delivered {
		out[k] = v
	}
	return out
}
