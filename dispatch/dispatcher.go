package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
	"github.com/NTDesnoyers/memry-OS-sub003/subscription"
)

const tracerName = "github.com/NTDesnoyers/memry-OS-sub003/dispatch"

var errNoHandler = errors.New("no handler registered")

// Handler is implemented by agents.
type Handler interface {
	Handle(ctx context.Context, ev event.Event) error
}

type HandlerFunc func(ctx context.Context, ev event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev event.Event) error { return f(ctx, ev) }

// Resolver returns the active subscribers for an event type in dispatch order.
type Resolver interface {
	Resolve(ctx context.Context, t event.Type) ([]subscription.Subscription, error)
}

// Report summarizes one Dispatch call.
type Report struct {
	EventID string
	// Outcomes holds the outcomes written by this call, in invocation order.
	Outcomes []event.Outcome
	// Skipped lists agents that already had an outcome for the event.
	Skipped []string
}

// Failed returns the agents whose handler failed in this call.
func (r Report) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Status == event.OutcomeFailed {
			out = append(out, o.AgentName)
		}
	}
	return out
}

type Option func(*Dispatcher)

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// Dispatcher routes an event to each subscribed agent in priority order.
// Within one event handlers run one after another, so a higher-priority
// agent always finishes before a lower-priority one starts.
type Dispatcher struct {
	resolver Resolver
	outcomes event.OutcomeLog
	log      *zap.Logger
	tracer   trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(resolver Resolver, outcomes event.OutcomeLog, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		outcomes: outcomes,
		log:      logging.OrNop(log),
		tracer:   otel.Tracer(tracerName),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to an agent name, replacing any previous binding.
func (d *Dispatcher) Register(agentName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[agentName] = h
}

func (d *Dispatcher) handler(agentName string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[agentName]
	return h, ok
}

// Dispatch runs every pending subscriber for ev. Agents that already have an
// outcome are skipped, which makes redelivery after a crash safe. A handler
// failure is recorded and logged; the remaining agents still run. The
// returned error is reserved for failures to resolve or record.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) (Report, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.event", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", string(ev.Type)),
	))
	defer span.End()

	report := Report{EventID: ev.ID}

	subs, err := d.pending(ctx, ev, &report)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve subscribers")
		return report, err
	}

	var recordErr error
	for _, sub := range subs {
		outcome := d.invoke(ctx, sub.AgentName, ev)
		inserted, err := d.outcomes.RecordOutcome(ctx, outcome)
		if err != nil {
			d.log.Error("record outcome failed",
				zap.String("event_id", ev.ID),
				zap.String("agent", sub.AgentName),
				zap.Error(err),
			)
			recordErr = errors.Join(recordErr, fmt.Errorf("dispatch: record outcome %s/%s: %w", ev.ID, sub.AgentName, err))
			continue
		}
		if !inserted {
			report.Skipped = append(report.Skipped, sub.AgentName)
			continue
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	span.SetAttributes(attribute.Int("dispatch.failed", len(report.Failed())))
	if recordErr != nil {
		span.SetStatus(codes.Error, "record outcome")
	}
	return report, recordErr
}

// NeedsDispatch reports whether any active subscriber of ev has no outcome.
func (d *Dispatcher) NeedsDispatch(ctx context.Context, ev event.Event) (bool, error) {
	var report Report
	subs, err := d.pending(ctx, ev, &report)
	if err != nil {
		return false, err
	}
	return len(subs) > 0, nil
}

func (d *Dispatcher) pending(ctx context.Context, ev event.Event, report *Report) ([]subscription.Subscription, error) {
	subs, err := d.resolver.Resolve(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve %s: %w", ev.Type, err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	done, err := d.outcomes.Outcomes(ctx, ev.ID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load outcomes %s: %w", ev.ID, err)
	}
	seen := make(map[string]struct{}, len(done))
	for _, o := range done {
		seen[o.AgentName] = struct{}{}
	}

	out := subs[:0]
	for _, s := range subs {
		// A subscription added after the event does not apply to it.
		if !ev.CreatedAt.IsZero() && s.CreatedAt.After(ev.CreatedAt) {
			continue
		}
		if _, ok := seen[s.AgentName]; ok {
			report.Skipped = append(report.Skipped, s.AgentName)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (d *Dispatcher) invoke(ctx context.Context, agentName string, ev event.Event) event.Outcome {
	ctx, span := d.tracer.Start(ctx, "dispatch.agent", trace.WithAttributes(
		attribute.String("agent.name", agentName),
		attribute.String("event.id", ev.ID),
	))
	defer span.End()

	outcome := event.Outcome{EventID: ev.ID, AgentName: agentName, Status: event.OutcomeSucceeded}

	var err error
	if h, ok := d.handler(agentName); ok {
		err = safeHandle(ctx, h, ev)
	} else {
		err = errNoHandler
	}
	if err != nil {
		herr := &HandlerError{EventID: ev.ID, AgentName: agentName, Err: err}
		d.log.Warn("agent handler failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("agent", agentName),
			zap.Error(err),
		)
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler failed")
		outcome.Status = event.OutcomeFailed
		outcome.Error = err.Error()
	}
	return outcome
}

func safeHandle(ctx context.Context, h Handler, ev event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, ev)
}
