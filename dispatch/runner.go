package dispatch

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

// EventDispatcher is satisfied by *Dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev event.Event) (Report, error)
}

// Runner fans events out over a fixed set of lanes. Every event for a given
// subject lands on the same lane and lanes are drained one event at a time,
// so a subject's events are handled in the order they were submitted while
// unrelated subjects proceed in parallel.
type Runner struct {
	dispatcher EventDispatcher
	lanes      []chan event.Event
	retries    int
	retryDelay time.Duration
	log        *zap.Logger
}

const (
	defaultDispatchRetries = 3
	defaultRetryDelay      = 200 * time.Millisecond
)

func NewRunner(d EventDispatcher, lanes, buffer int, log *zap.Logger) *Runner {
	if lanes <= 0 {
		lanes = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	r := &Runner{
		dispatcher: d,
		lanes:      make([]chan event.Event, lanes),
		retries:    defaultDispatchRetries,
		retryDelay: defaultRetryDelay,
		log:        logging.OrNop(log),
	}
	for i := range r.lanes {
		r.lanes[i] = make(chan event.Event, buffer)
	}
	return r
}

// Lane returns the lane index ev is routed to.
func (r *Runner) Lane(ev event.Event) int {
	key := ev.Subject.Key()
	if key == "" {
		key = ev.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.lanes)))
}

// Submit queues ev on its lane, blocking while the lane is full.
func (r *Runner) Submit(ctx context.Context, ev event.Event) error {
	select {
	case r.lanes[r.Lane(ev)] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the lanes until ctx is cancelled. Events still buffered at
// shutdown are picked up by the next Recover.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, lane := range r.lanes {
		g.Go(func() error {
			r.drain(ctx, i, lane)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) drain(ctx context.Context, idx int, lane <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lane:
			report, err := r.dispatch(ctx, idx, ev)
			if err != nil {
				r.log.Error("dispatch failed, left for recovery",
					zap.Int("lane", idx),
					zap.String("event_id", ev.ID),
					zap.Error(err),
				)
				continue
			}
			if failed := report.Failed(); len(failed) > 0 {
				r.log.Info("event dispatched with failures",
					zap.String("event_id", ev.ID),
					zap.Strings("failed_agents", failed),
				)
			}
		}
	}
}

// dispatch retries ev in place with a doubling delay. The lane waits, so
// later events for the subject stay behind it. Agents whose outcome was
// recorded are skipped on the next attempt.
func (r *Runner) dispatch(ctx context.Context, idx int, ev event.Event) (Report, error) {
	delay := r.retryDelay
	for attempt := 0; ; attempt++ {
		report, err := r.dispatcher.Dispatch(ctx, ev)
		if err == nil || attempt >= r.retries || ctx.Err() != nil {
			return report, err
		}
		r.log.Warn("dispatch failed, retrying",
			zap.Int("lane", idx),
			zap.String("event_id", ev.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return report, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}
