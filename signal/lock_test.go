package signal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(m.Close)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() {
		if cerr := client.Close(); cerr != nil {
			t.Logf("redis close: %v", cerr)
		}
	})
	return m, client
}

func TestKeyedMutexExcludes(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "p1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)

	km.mu.Lock()
	assert.Empty(t, km.locks)
	km.mu.Unlock()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "p1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "p1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := km.Lock(context.Background(), "p2")
	require.NoError(t, err)
	other()
}

func TestRedisLockerExcludesAndReleases(t *testing.T) {
	m, client := newRedis(t)
	locker := NewRedisLocker(client, 5*time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "signal:p1")
	require.NoError(t, err)
	assert.True(t, m.Exists("lock:signal:p1"))

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "signal:p1")
	assert.True(t, errors.Is(err, ErrLockTimeout))

	unlock()
	assert.False(t, m.Exists("lock:signal:p1"))

	again, err := locker.Lock(ctx, "signal:p1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	m, client := newRedis(t)
	locker := NewRedisLocker(client, time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "signal:p1")
	require.NoError(t, err)

	// The lease lapses and another holder takes the key.
	m.FastForward(2 * time.Second)
	require.NoError(t, m.Set("lock:signal:p1", "someone-else"))

	unlock()
	got, err := m.Get("lock:signal:p1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestDeduplicatorWithRedisLocker(t *testing.T) {
	_, client := newRedis(t)
	repo := NewMemoryRepository()
	d, _ := newDedup(repo, NewRedisLocker(client, 5*time.Second))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := d.Upsert(ctx, UpsertParams{SubjectID: "p9", Kind: "follow_up"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, repo.OpenCount("p9"))
}
