package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	repo  *MemoryRepository
	queue *Queue
	clock *clock
}

func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	repo := NewMemoryRepository()
	integrations := NewIntegrations(Integration{ID: "fub", Provider: "test", Enabled: true})
	q := NewQueue(repo, integrations, Policy{
		MaxAttempts: maxAttempts,
		BaseBackoff: time.Second,
		MaxBackoff:  time.Minute,
	}, zap.NewNop())
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q.now = c.Now
	return fixture{repo: repo, queue: q, clock: c}
}

func (f fixture) worker(owner string, adapter Adapter, opts ...WorkerOption) *Worker {
	return NewWorker(f.queue, map[string]Adapter{"test": adapter}, WorkerConfig{
		Owner:           owner,
		LeaseTTL:        time.Minute,
		BatchSize:       10,
		DeliveryTimeout: 5 * time.Second,
	}, zap.NewNop(), opts...)
}

func (f fixture) enqueue(t *testing.T, entityID string, op Operation) Item {
	t.Helper()
	it, err := f.queue.Enqueue(context.Background(), EnqueueParams{
		IntegrationID: "fub",
		EntityType:    "person",
		EntityID:      entityID,
		Operation:     op,
		Payload:       json.RawMessage(`{"name":"Ada"}`),
	})
	require.NoError(t, err)
	return it
}

func TestWorker_FailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	it := f.enqueue(t, "p1", OpCreate)

	var calls int32
	w := f.worker("w1", AdapterFunc(func(context.Context, Integration, Item) (Delivery, error) {
		atomic.AddInt32(&calls, 1)
		return Delivery{}, errors.New("crm unavailable")
	}))

	for i := 1; i <= 3; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i)

		got, err := f.repo.Get(ctx, it.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.Attempts)
		if i < 3 {
			assert.Equal(t, StatusRetry, got.Status)
			assert.Equal(t, f.clock.Now().Add(Backoff(i, time.Second, time.Minute)), got.ScheduledFor)
		}
		f.clock.Advance(time.Hour)
	}

	got, err := f.repo.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "crm unavailable", got.LastError)

	f.clock.Advance(24 * time.Hour)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestWorker_RetryWaitsForBackoff(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	f.enqueue(t, "p1", OpCreate)

	var calls int32
	w := f.worker("w1", AdapterFunc(func(context.Context, Integration, Item) (Delivery, error) {
		atomic.AddInt32(&calls, 1)
		return Delivery{}, errors.New("503")
	}))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(2 * time.Second)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestWorker_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	it := f.enqueue(t, "p1", OpCreate)

	w := f.worker("w1", AdapterFunc(func(context.Context, Integration, Item) (Delivery, error) {
		return Delivery{}, Permanent(errors.New("422 invalid email"))
	}))
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	got, err := f.repo.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

// fakeCRM hands out sequential ids and remembers which operations it saw.
type fakeCRM struct {
	mu      sync.Mutex
	next    int
	records map[string]string
	ops     []string
}

func newFakeCRM() *fakeCRM { return &fakeCRM{records: make(map[string]string)} }

func (c *fakeCRM) Deliver(_ context.Context, _ Integration, it Item) (Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, fmt.Sprintf("%s:%s", it.Operation, it.ExternalID))
	switch it.Operation {
	case OpCreate:
		c.next++
		id := fmt.Sprintf("ext-%d", c.next)
		c.records[id] = string(it.Payload)
		return Delivery{ExternalID: id, Snapshot: it.Payload}, nil
	case OpUpdate:
		if _, ok := c.records[it.ExternalID]; !ok {
			return Delivery{}, Permanent(fmt.Errorf("no record %s", it.ExternalID))
		}
		c.records[it.ExternalID] = string(it.Payload)
		return Delivery{ExternalID: it.ExternalID}, nil
	default:
		delete(c.records, it.ExternalID)
		return Delivery{}, nil
	}
}

func TestWorker_CreateIsNeverDuplicated(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	crm := newFakeCRM()
	w := f.worker("w1", crm)
	w.cfg.Concurrency = 1

	// Two creates for the same entity queued before either was delivered.
	f.enqueue(t, "p1", OpCreate)
	f.clock.Advance(time.Millisecond)
	f.enqueue(t, "p1", OpCreate)

	for i := 0; i < 2; i++ {
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, []string{"create:", "update:ext-1"}, crm.ops)

	m, err := f.queue.Mapping(ctx, "fub", "person", "p1")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", m.ExternalID)

	// Later creates are rewritten at enqueue time.
	third := f.enqueue(t, "p1", OpCreate)
	assert.Equal(t, OpUpdate, third.Operation)
	assert.Equal(t, "ext-1", third.ExternalID)

	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, crm.records, 1)
}

func TestWorker_DeliversOneEntityAtATime(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	crm := newFakeCRM()
	slow := AdapterFunc(func(ctx context.Context, in Integration, it Item) (Delivery, error) {
		time.Sleep(20 * time.Millisecond)
		return crm.Deliver(ctx, in, it)
	})
	w := f.worker("w1", slow)

	// A deal created and then moved before the first sync ran.
	create := f.enqueue(t, "d1", OpCreate)
	f.clock.Advance(time.Millisecond)
	update := f.enqueue(t, "d1", OpUpdate)
	f.enqueue(t, "d2", OpCreate)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, err := f.repo.Get(ctx, update.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := f.queue.Mapping(ctx, "fub", "person", "d1")
	require.NoError(t, err)
	assert.Len(t, crm.records, 2)
	assert.ElementsMatch(t, []string{"create:", "create:", "update:" + m.ExternalID}, crm.ops)
	got, err = f.repo.Get(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, got.ExternalID, m.ExternalID)
}

func TestClaim_WaitsForEarlierItemOfEntity(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	first := f.enqueue(t, "p1", OpCreate)
	second := f.enqueue(t, "p1", OpUpdate)
	now := f.clock.Now()
	params := func(owner string, at time.Time) ClaimParams {
		return ClaimParams{Owner: owner, Integrations: []string{"fub"}, Now: at, LeaseUntil: at.Add(time.Minute), Limit: 10}
	}

	claimed, err := f.repo.Claim(ctx, params("w1", now))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)

	// The head holds a live lease.
	claimed, err = f.repo.Claim(ctx, params("w2", now))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// A head waiting out its backoff still blocks later items.
	retryAt := now.Add(time.Minute)
	_, err = f.repo.Fail(ctx, first.ID, "w1", FailParams{Error: "503", RetryAt: &retryAt, At: now})
	require.NoError(t, err)
	claimed, err = f.repo.Claim(ctx, params("w2", now))
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = f.repo.Claim(ctx, params("w2", retryAt))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, first.ID, claimed[0].ID)
	_, err = f.repo.Complete(ctx, first.ID, "w2", "ext-1", retryAt)
	require.NoError(t, err)

	claimed, err = f.repo.Claim(ctx, params("w3", retryAt))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)
}

func TestWorker_DeleteRemovesMapping(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	crm := newFakeCRM()
	w := f.worker("w1", crm)

	f.enqueue(t, "p1", OpCreate)
	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	del := f.enqueue(t, "p1", OpDelete)
	assert.Equal(t, "ext-1", del.ExternalID)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	_, err = f.queue.Mapping(ctx, "fub", "person", "p1")
	assert.ErrorIs(t, err, ErrMappingNotFound)
	assert.Empty(t, crm.records)

	// Deleting something never synced is a no-op.
	orphan := f.enqueue(t, "p2", OpDelete)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)
	got, err := f.repo.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Len(t, crm.ops, 2)
}

func TestWorker_DisabledIntegrationIsNotClaimed(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	crm := newFakeCRM()
	w := f.worker("w1", crm)

	_, err := f.queue.Integrations().SetEnabled("fub", false)
	require.NoError(t, err)
	it := f.enqueue(t, "p1", OpCreate)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := f.repo.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	_, err = f.queue.Integrations().SetEnabled("fub", true)
	require.NoError(t, err)
	n, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWorker_InFlightDeliveryFinishes(t *testing.T) {
	f := newFixture(t, 3)
	it := f.enqueue(t, "p1", OpCreate)

	entered := make(chan struct{})
	release := make(chan struct{})
	w := f.worker("w1", AdapterFunc(func(ctx context.Context, _ Integration, _ Item) (Delivery, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		return Delivery{ExternalID: "ext-9"}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := w.RunOnce(ctx)
		done <- n
	}()

	<-entered
	_, err := f.queue.Integrations().SetEnabled("fub", false)
	require.NoError(t, err)
	cancel()
	close(release)

	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return")
	}
	got, err := f.repo.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "ext-9", got.ExternalID)
}

func TestWorker_ConcurrentWorkersDeliverOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	const items = 30
	for i := 0; i < items; i++ {
		f.enqueue(t, fmt.Sprintf("p%d", i), OpCreate)
	}

	var mu sync.Mutex
	deliveries := make(map[string]int)
	adapter := AdapterFunc(func(_ context.Context, _ Integration, it Item) (Delivery, error) {
		mu.Lock()
		deliveries[it.ID]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return Delivery{ExternalID: "ext-" + it.EntityID}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		w := f.worker(fmt.Sprintf("w%d", i), adapter)
		w.cfg.BatchSize = 3
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := w.RunOnce(ctx); err != nil {
					t.Errorf("run once: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, deliveries, items)
	for id, n := range deliveries {
		assert.Equal(t, 1, n, "item %s", id)
	}
	done, err := f.queue.List(ctx, Filter{Status: StatusCompleted, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, done, items)
}

func TestWorker_RecordsSpans(t *testing.T) {
	f := newFixture(t, 3)
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))

	f.enqueue(t, "p1", OpCreate)
	w := f.worker("w1", newFakeCRM(), WithTracerProvider(tp))
	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "syncqueue.deliver", spans[0].Name())
}
