package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NTDesnoyers/memry-OS-sub003/test/actors"
	"github.com/NTDesnoyers/memry-OS-sub003/test/chaos"
	"github.com/NTDesnoyers/memry-OS-sub003/test/infra"
	"github.com/NTDesnoyers/memry-OS-sub003/test/oracles"
)

var (
	flDuration = flag.Duration("duration", 20*time.Second, "how long to run stress")
	flNodes    = flag.Int("nodes", 3, "number of independent nodes sharing the database")
	flSubjects = flag.Int("subjects", 6, "number of people events are spread over")
	flSeed     = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN      = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos    = flag.Bool("chaos", true, "terminate random backends during the run")
)

const drainPeriod = 8 * time.Second

func TestOrchestrationStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	dsn := *flDSN
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn == "" && !dockerAvailable(ctx) {
		t.Skip("no STRESS_TEST_PG_DSN and docker is unavailable")
	}
	h, err := infra.NewHarness(ctx, dsn)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()

	if err := actors.Seed(ctx, pool); err != nil {
		t.Fatalf("seed subscriptions: %v", err)
	}

	crm := actors.NewFlakyCRM()
	nodes := make([]*actors.Node, *flNodes)
	for i := range nodes {
		nodes[i] = actors.NewNode(pool, fmt.Sprintf("node-%d", i), crm, zap.NewNop())
	}
	subjects := make([]string, *flSubjects)
	for i := range subjects {
		subjects[i] = fmt.Sprintf("person-%d", i)
	}
	started := time.Now()

	// Long-running loops stay up through the drain period.
	loopCtx, stopLoops := context.WithCancel(ctx)
	loops, loopCtx := errgroup.WithContext(loopCtx)
	for _, n := range nodes {
		loops.Go(func() error { return n.Runner.Run(loopCtx) })
		loops.Go(func() error { return n.Executor.Run(loopCtx) })
		loops.Go(func() error { return n.Worker.Run(loopCtx) })
	}

	stop := make(chan struct{})
	g, actorCtx := errgroup.WithContext(loopCtx)
	for i, n := range nodes {
		g.Go(func() error { return actors.Publisher(actorCtx, n, subjects, stop) })
		g.Go(func() error { return actors.Approver(actorCtx, n, stop) })
		g.Go(func() error { return actors.Closer(actorCtx, n, stop) })
		g.Go(func() error { return actors.Retrier(actorCtx, n, stop) })
		// Each node recovers the events its neighbour published.
		g.Go(func() error { return actors.Recoverer(actorCtx, nodes[(i+1)%len(nodes)], stop) })
	}
	if *flChaos {
		go chaos.TerminateRandomBackend(actorCtx, pool, time.Second, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-actorCtx.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, actorCtx, pool, oracles.All(), seed)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("actors errored: %v", err)
	}

	// Let expired claims and leases be picked up, then sweep anything whose
	// dispatch was interrupted.
	time.Sleep(drainPeriod)
	if _, err := nodes[0].Bus.Recover(ctx, started.Add(-time.Second)); err != nil {
		t.Fatalf("final recover: %v", err)
	}
	settle := time.Now().Add(15 * time.Second)
	for time.Now().Before(settle) {
		if name, _, err := oracles.Run(ctx, pool, oracles.Final()); err == nil && name == "" {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}

	stopLoops()
	if err := loops.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("loops errored: %v", err)
	}

	checkOracles(t, ctx, pool, oracles.All(), seed)
	checkOracles(t, ctx, pool, oracles.Final(), seed)

	var events, proposals, delivered int
	_ = pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&events)
	_ = pool.QueryRow(ctx, `SELECT COUNT(*) FROM action_proposals`).Scan(&proposals)
	for _, n := range crm.Delivered() {
		delivered += n
	}
	t.Logf("seed=%d events=%d proposals=%d deliveries=%d", seed, events, proposals, delivered)
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, set []oracles.Oracle, seed int64) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool, set)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		// A chaos kill can land on the oracle's own connection.
		t.Logf("oracle error (ignored): %v", err)
		return
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"events", `SELECT seq, id, type, subject_person_id, created_at FROM events ORDER BY seq DESC LIMIT 30`},
		{"signals", `SELECT id, subject_id, kind, status, last_observed FROM signals ORDER BY created_at DESC LIMIT 30`},
		{"action_proposals", `SELECT id, action_type, status, approved_by, claimed_by FROM action_proposals ORDER BY created_at DESC LIMIT 30`},
		{"sync_queue", `SELECT id, status, attempts, max_attempts, lease_owner FROM sync_queue ORDER BY updated_at DESC LIMIT 30`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
