package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTDesnoyers/memry-OS-sub003/logging"
)

const tracerName = "github.com/NTDesnoyers/memry-OS-sub003/syncqueue"

type WorkerConfig struct {
	Owner           string
	PollInterval    time.Duration
	LeaseTTL        time.Duration
	BatchSize       int
	Concurrency     int
	DeliveryTimeout time.Duration
}

type WorkerOption func(*Worker)

func WithTracerProvider(tp trace.TracerProvider) WorkerOption {
	return func(w *Worker) { w.tracer = tp.Tracer(tracerName) }
}

// Worker claims due items and pushes them through the adapter registered for
// the integration's provider. An item is always claimed before delivery, so
// two workers never deliver it at the same time.
type Worker struct {
	queue    *Queue
	adapters map[string]Adapter
	cfg      WorkerConfig
	tracer   trace.Tracer
	log      *zap.Logger
}

func NewWorker(q *Queue, adapters map[string]Adapter, cfg WorkerConfig, log *zap.Logger, opts ...WorkerOption) *Worker {
	if cfg.Owner == "" {
		cfg.Owner = "sync-worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DeliveryTimeout <= 0 || cfg.DeliveryTimeout > cfg.LeaseTTL {
		cfg.DeliveryTimeout = cfg.LeaseTTL
	}
	w := &Worker{
		queue:    q,
		adapters: adapters,
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
		log:      logging.OrNop(log),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce claims one batch and delivers it. It returns the number of items
// that reached a settled state (completed, retry or failed).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	enabled := w.queue.integrations.EnabledIDs()
	if len(enabled) == 0 {
		return 0, nil
	}
	now := w.queue.now().UTC()
	items, err := w.queue.repo.Claim(ctx, ClaimParams{
		Owner:        w.cfg.Owner,
		Integrations: enabled,
		Now:          now,
		LeaseUntil:   now.Add(w.cfg.LeaseTTL),
		Limit:        w.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}

	// Claimed items are delivered even if ctx is cancelled mid-batch.
	deliverCtx := context.WithoutCancel(ctx)
	settled := make(chan struct{}, len(items))
	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, it := range items {
		g.Go(func() error {
			if err := w.process(deliverCtx, it); err != nil {
				w.log.Error("sync item not settled",
					zap.String("item_id", it.ID),
					zap.Error(err),
				)
				return nil
			}
			settled <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	close(settled)
	return len(settled), nil
}

// Run polls until ctx is cancelled. A batch in flight is finished first.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("sync claim failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(ctx context.Context, it Item) error {
	ctx, span := w.tracer.Start(ctx, "syncqueue.deliver", trace.WithAttributes(
		attribute.String("sync.item_id", it.ID),
		attribute.String("sync.integration_id", it.IntegrationID),
		attribute.String("sync.operation", string(it.Operation)),
		attribute.Int("sync.attempt", it.Attempts+1),
	))
	defer span.End()

	delivery, skip, err := w.deliver(ctx, it)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.fail(ctx, it, err)
	}

	now := w.queue.now().UTC()
	if !skip {
		if err := w.recordMapping(ctx, it, delivery, now); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return w.fail(ctx, it, err)
		}
	}
	done, err := w.queue.repo.Complete(ctx, it.ID, w.cfg.Owner, delivery.ExternalID, now)
	if err != nil {
		return fmt.Errorf("syncqueue: complete %s: %w", it.ID, err)
	}
	w.log.Info("sync item delivered",
		zap.String("item_id", done.ID),
		zap.String("integration_id", done.IntegrationID),
		zap.String("external_id", done.ExternalID),
	)
	return nil
}

// deliver re-reads the mapping, since another item may have created the
// external record after this one was enqueued, then calls the adapter. skip
// is true when there was nothing to do remotely.
func (w *Worker) deliver(ctx context.Context, it Item) (Delivery, bool, error) {
	in, ok := w.queue.integrations.Get(it.IntegrationID)
	if !ok {
		return Delivery{}, false, Permanent(fmt.Errorf("%w: %s", ErrUnknownIntegration, it.IntegrationID))
	}
	adapter, ok := w.adapters[in.Provider]
	if !ok {
		return Delivery{}, false, Permanent(fmt.Errorf("%w: %s", ErrNoAdapter, in.Provider))
	}

	m, err := w.queue.repo.GetMapping(ctx, it.IntegrationID, it.EntityType, it.EntityID)
	switch {
	case err == nil:
		it.ExternalID = m.ExternalID
		if it.Operation == OpCreate {
			it.Operation = OpUpdate
		}
	case errors.Is(err, ErrMappingNotFound):
		switch {
		case it.Operation == OpDelete && it.ExternalID == "":
			return Delivery{}, true, nil
		case it.Operation == OpUpdate && it.ExternalID == "":
			it.Operation = OpCreate
		}
	default:
		return Delivery{}, false, err
	}

	dctx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	defer cancel()
	d, err := adapter.Deliver(dctx, in, it)
	if err != nil {
		return Delivery{}, false, err
	}
	if d.ExternalID == "" {
		d.ExternalID = it.ExternalID
	}
	if d.ExternalID == "" && it.Operation != OpDelete {
		return Delivery{}, false, Permanent(errors.New("adapter returned no external id"))
	}
	return d, false, nil
}

func (w *Worker) recordMapping(ctx context.Context, it Item, d Delivery, now time.Time) error {
	if it.Operation == OpDelete {
		return w.queue.repo.DeleteMapping(ctx, it.IntegrationID, it.EntityType, it.EntityID)
	}
	return w.queue.repo.PutMapping(ctx, Mapping{
		IntegrationID: it.IntegrationID,
		EntityType:    it.EntityType,
		EntityID:      it.EntityID,
		ExternalID:    d.ExternalID,
		Snapshot:      d.Snapshot,
		LastSyncedAt:  now,
	})
}

func (w *Worker) fail(ctx context.Context, it Item, cause error) error {
	now := w.queue.now().UTC()
	params := FailParams{Error: cause.Error(), At: now}
	if !IsPermanent(cause) {
		retryAt := now.Add(Backoff(it.Attempts+1, w.queue.policy.BaseBackoff, w.queue.policy.MaxBackoff))
		params.RetryAt = &retryAt
	}
	updated, err := w.queue.repo.Fail(ctx, it.ID, w.cfg.Owner, params)
	if err != nil {
		return fmt.Errorf("syncqueue: record failure of %s: %w", it.ID, err)
	}

	fields := []zap.Field{
		zap.String("item_id", updated.ID),
		zap.String("integration_id", updated.IntegrationID),
		zap.Int("attempts", updated.Attempts),
		zap.Int("max_attempts", updated.MaxAttempts),
		zap.Error(cause),
	}
	if updated.Status == StatusFailed {
		w.log.Error("sync item failed permanently", fields...)
	} else {
		w.log.Warn("sync delivery failed, will retry", append(fields, zap.Time("retry_at", updated.ScheduledFor))...)
	}
	return nil
}
