package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

const recoverPageSize = 200

// Bus is the ingestion path: validate, append, then hand to the runner.
type Bus struct {
	store      event.Store
	dispatcher *Dispatcher
	runner     *Runner
	log        *zap.Logger

	// laneLocks keeps append and submit atomic per lane so submission order
	// matches creation order for each subject.
	laneLocks []sync.Mutex
}

func NewBus(store event.Store, dispatcher *Dispatcher, runner *Runner, log *zap.Logger) *Bus {
	return &Bus{
		store:      store,
		dispatcher: dispatcher,
		runner:     runner,
		log:        logging.OrNop(log),
		laneLocks:  make([]sync.Mutex, len(runner.lanes)),
	}
}

// Publish stores ev and schedules its dispatch. Validation failures are
// returned as *event.ValidationError and nothing is stored.
func (b *Bus) Publish(ctx context.Context, ev event.Event) (event.Event, error) {
	if err := ev.Validate(); err != nil {
		return event.Event{}, err
	}

	lock := &b.laneLocks[b.runner.Lane(ev)]
	lock.Lock()
	defer lock.Unlock()

	stored, err := b.store.Append(ctx, ev)
	if err != nil {
		return event.Event{}, err
	}
	if err := b.runner.Submit(ctx, stored); err != nil {
		// The event is durable; Recover will dispatch it.
		b.log.Warn("event stored but not scheduled",
			zap.String("event_id", stored.ID),
			zap.Error(err),
		)
	}
	return stored, nil
}

// Recover re-schedules events created since the cutoff that still have a
// subscriber without an outcome. Start the runner first and run this before
// accepting new events.
func (b *Bus) Recover(ctx context.Context, since time.Time) (int, error) {
	var (
		after     int64
		scheduled int
	)
	for {
		page, err := b.store.Query(ctx, event.Filter{AfterSeq: after, Since: since, Limit: recoverPageSize})
		if err != nil {
			return scheduled, fmt.Errorf("dispatch: recover query: %w", err)
		}
		for _, ev := range page {
			after = ev.Seq
			needs, err := b.dispatcher.NeedsDispatch(ctx, ev)
			if err != nil {
				return scheduled, err
			}
			if !needs {
				continue
			}
			if err := b.runner.Submit(ctx, ev); err != nil {
				return scheduled, err
			}
			scheduled++
		}
		if len(page) < recoverPageSize {
			break
		}
	}
	if scheduled > 0 {
		b.log.Info("recovered undispatched events", zap.Int("count", scheduled))
	}
	return scheduled, nil
}
