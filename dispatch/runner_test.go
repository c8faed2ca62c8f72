package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

// orderRecorder captures the sequence numbers each subject was handled in.
type orderRecorder struct {
	mu   sync.Mutex
	seen map[string][]int64
	n    int
	done chan struct{}
	want int
}

func newOrderRecorder(want int) *orderRecorder {
	return &orderRecorder{seen: map[string][]int64{}, done: make(chan struct{}), want: want}
}

func (o *orderRecorder) Handle(_ context.Context, ev event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen[ev.Subject.Key()] = append(o.seen[ev.Subject.Key()], ev.Seq)
	o.n++
	if o.n == o.want {
		close(o.done)
	}
	return nil
}

func TestBusPreservesPerSubjectOrder(t *testing.T) {
	const (
		subjects   = 6
		perSubject = 25
	)
	fx := newFixture(t, sub("deal_coach", event.TypeDealStageChanged, 10))
	rec := newOrderRecorder(subjects * perSubject)
	fx.disp.Register("deal_coach", rec)

	runner := NewRunner(fx.disp, 3, 4, zap.NewNop())
	bus := NewBus(fx.events, fx.disp, runner, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	var wg sync.WaitGroup
	for s := 0; s < subjects; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSubject; i++ {
				_, err := bus.Publish(ctx, event.New(event.SubjectRef{DealID: fmt.Sprintf("d%d", s)}, event.SourceRef{},
					event.DealStageChanged{From: event.StageWarm, To: event.StageHot}))
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.seen, subjects)
	for subject, seqs := range rec.seen {
		require.Len(t, seqs, perSubject, subject)
		for i := 1; i < len(seqs); i++ {
			assert.Less(t, seqs[i-1], seqs[i], "subject %s handled out of order", subject)
		}
	}
}

func TestBusRejectsInvalidEvent(t *testing.T) {
	fx := newFixture(t)
	runner := NewRunner(fx.disp, 1, 1, zap.NewNop())
	bus := NewBus(fx.events, fx.disp, runner, zap.NewNop())

	_, err := bus.Publish(context.Background(), event.Event{Type: "deal.vanished"})
	assert.ErrorIs(t, err, event.ErrValidation)

	stored, err := fx.events.Query(context.Background(), event.Filter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestBusRecoverRedispatchesPendingEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newFixture(t,
		sub("deal_coach", event.TypeDealStageChanged, 10),
		sub("crm_sync", event.TypeDealStageChanged, 1),
	)
	calls := &callLog{}
	fx.disp.Register("deal_coach", calls.handler("deal_coach", nil))
	fx.disp.Register("crm_sync", calls.handler("crm_sync", nil))

	// Simulate a crash after deal_coach handled the first event and before
	// anything handled the second.
	first := stageChanged(t, fx.events, "d1")
	_, err := fx.events.RecordOutcome(ctx, event.Outcome{EventID: first.ID, AgentName: "deal_coach", Status: event.OutcomeSucceeded})
	require.NoError(t, err)
	_, err = fx.events.RecordOutcome(ctx, event.Outcome{EventID: first.ID, AgentName: "crm_sync", Status: event.OutcomeSucceeded})
	require.NoError(t, err)
	second := stageChanged(t, fx.events, "d1")
	_, err = fx.events.RecordOutcome(ctx, event.Outcome{EventID: second.ID, AgentName: "deal_coach", Status: event.OutcomeSucceeded})
	require.NoError(t, err)

	runner := NewRunner(fx.disp, 2, 8, zap.NewNop())
	bus := NewBus(fx.events, fx.disp, runner, zap.NewNop())

	n, err := bus.Recover(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	go func() { _ = runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		outcomes, err := fx.events.Outcomes(ctx, second.ID)
		return err == nil && len(outcomes) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"crm_sync"}, calls.snapshot())
}

// flakyDispatcher fails the first failures attempts of every event.
type flakyDispatcher struct {
	mu       sync.Mutex
	failures int
	attempts map[string]int
	calls    []string
}

func (d *flakyDispatcher) Dispatch(_ context.Context, ev event.Event) (Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ev.ID)
	d.attempts[ev.ID]++
	if d.attempts[ev.ID] <= d.failures {
		return Report{EventID: ev.ID}, errors.New("record outcome: connection reset")
	}
	return Report{EventID: ev.ID}, nil
}

func (d *flakyDispatcher) snapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func TestRunnerRetriesFailedDispatchInPlace(t *testing.T) {
	disp := &flakyDispatcher{failures: 2, attempts: map[string]int{}}
	runner := NewRunner(disp, 1, 4, zap.NewNop())
	runner.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	subject := event.SubjectRef{DealID: "d1"}
	require.NoError(t, runner.Submit(ctx, event.Event{ID: "first", Subject: subject}))
	require.NoError(t, runner.Submit(ctx, event.Event{ID: "second", Subject: subject}))

	require.Eventually(t, func() bool { return len(disp.snapshot()) == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "first", "first", "second", "second", "second"}, disp.snapshot())
}

func TestRunnerGivesUpAfterRetries(t *testing.T) {
	disp := &flakyDispatcher{failures: 100, attempts: map[string]int{}}
	runner := NewRunner(disp, 1, 4, zap.NewNop())
	runner.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = runner.Run(ctx) }()

	require.NoError(t, runner.Submit(ctx, event.Event{ID: "stuck", Subject: event.SubjectRef{DealID: "d1"}}))
	require.NoError(t, runner.Submit(ctx, event.Event{ID: "next", Subject: event.SubjectRef{DealID: "d1"}}))

	want := defaultDispatchRetries + 1
	require.Eventually(t, func() bool { return len(disp.snapshot()) == 2*want }, 2*time.Second, 5*time.Millisecond)
	calls := disp.snapshot()
	for i := 0; i < want; i++ {
		assert.Equal(t, "stuck", calls[i])
	}
}
