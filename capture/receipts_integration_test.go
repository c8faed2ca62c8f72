package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/db/dbtest"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

func TestPGReceipts_ReserveAttachRelease(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	receipts := NewPGReceipts(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	stale := now.Add(-staleReservation)

	ok, err := receipts.Reserve(ctx, "granola", "g-1", now, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = receipts.Reserve(ctx, "granola", "g-1", now, stale)
	require.NoError(t, err)
	assert.False(t, ok, "fresh reservation must block a second one")

	require.NoError(t, receipts.Release(ctx, "granola", "g-1"))
	ok, err = receipts.Reserve(ctx, "granola", "g-1", now, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	later := now.Add(time.Hour)
	ok, err = receipts.Reserve(ctx, "granola", "g-1", later, later.Add(-staleReservation))
	require.NoError(t, err)
	assert.True(t, ok, "stale reservation without an event is taken over")
}

func TestPGReceipts_CaptureFlow(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := event.NewRepository(pool)
	svc := NewService(publishFunc(func(ctx context.Context, ev event.Event) (event.Event, error) {
		return store.Append(ctx, ev)
	}), NewPGReceipts(pool), NewPGSyncLogs(pool), nil, zap.NewNop())

	req := Request{Source: "granola", Title: "Buyer consult", ExternalID: "g-100"}
	first, err := svc.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ItemCreated, first.Status)

	second, err := svc.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ItemSkipped, second.Status)

	var eventID string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT event_id::text FROM capture_receipts WHERE source = 'granola' AND external_id = 'g-100'`).Scan(&eventID))
	assert.Equal(t, first.EventID, eventID)
}

type publishFunc func(ctx context.Context, ev event.Event) (event.Event, error)

func (f publishFunc) Publish(ctx context.Context, ev event.Event) (event.Event, error) { return f(ctx, ev) }

func TestPGSyncLogs_RecordAndList(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logs := NewPGSyncLogs(pool)
	base := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, logs.Record(ctx, SyncLog{Source: "granola", SyncType: "full", Received: 3, Processed: 2, Created: 2, Failed: 1,
		Metadata: map[string]any{"cache_path": "/tmp/cache.json"}, CreatedAt: base}))
	require.NoError(t, logs.Record(ctx, SyncLog{Source: "plaud", Received: 1, Processed: 1, Skipped: 1, CreatedAt: base.Add(time.Second)}))

	all, err := logs.List(ctx, SyncLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "plaud", all[0].Source)
	assert.Nil(t, all[0].Metadata)

	granola, err := logs.List(ctx, SyncLogFilter{Source: "granola"})
	require.NoError(t, err)
	require.Len(t, granola, 1)
	assert.Equal(t, 1, granola[0].Failed)
	assert.Equal(t, "/tmp/cache.json", granola[0].Metadata["cache_path"])
	assert.True(t, base.Equal(granola[0].CreatedAt))
}
