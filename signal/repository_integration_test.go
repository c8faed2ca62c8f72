package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NTDesnoyers/memry-OS-sub003/db/dbtest"
)

func TestPGRepository_OneOpenPerSubject(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := NewPGRepository(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first, err := repo.Create(ctx, Signal{SubjectID: "p1", Kind: "follow_up", Status: StatusOpen, Confidence: 0.5, CreatedAt: now, LastObserved: now})
	require.NoError(t, err)

	_, err = repo.Create(ctx, Signal{SubjectID: "p1", Kind: "follow_up", Status: StatusOpen, CreatedAt: now, LastObserved: now})
	assert.ErrorIs(t, err, ErrOpenExists)

	observed, err := repo.Observe(ctx, first.ID, Evidence{EventID: "e2", Weight: 0.5, ObservedAt: now}, 0.75, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, observed.Evidence, 1)
	assert.InDelta(t, 0.75, observed.Confidence, 1e-9)

	closed, err := repo.Close(ctx, first.ID, StatusResolved, "done", now)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, closed.Status)

	_, err = repo.Close(ctx, first.ID, StatusSkipped, "", now)
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = repo.FindOpen(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeduplicator_ConcurrentPG(t *testing.T) {
	pool := dbtest.Pool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := NewPGRepository(pool)
	// Two deduplicators with separate in-process locks behave like two API
	// instances; only the index keeps them honest.
	a := NewDeduplicator(repo, NewKeyedMutex(), 0, zap.NewNop())
	b := NewDeduplicator(repo, NewKeyedMutex(), 0, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		d := a
		if i%2 == 1 {
			d = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Upsert(ctx, UpsertParams{SubjectID: "p-race", Kind: "follow_up"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var open int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM signals WHERE subject_id = 'p-race' AND status = 'open'`).Scan(&open))
	assert.Equal(t, 1, open)
}
