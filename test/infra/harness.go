package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NTDesnoyers/memry-OS-sub003/db/dbtest"
)

// Harness owns the Postgres used by a stress run: an optional container, and
// a pool pinned to a throwaway schema with every migration applied.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	drop      func(context.Context) error
	dsn       string
}

// NewHarness reuses dsn when it is set and otherwise boots a container.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	if dsn == "" {
		c, containerDSN, err := StartPostgres16(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container = c
		dsn = containerDSN
	}
	h.dsn = dsn

	pool, drop, err := dbtest.Isolated(ctx, dsn, fmt.Sprintf("stress_run_%d", time.Now().UnixNano()))
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool = pool
	h.drop = drop
	return h, nil
}

// Pool exposes the migrated pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Reset truncates every mutable table for the next epoch.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE capture_sync_logs, capture_receipts, field_mappings, sync_queue, outbox,
    signals, action_proposals, event_outcomes, subscriptions, events CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Close drops the schema and tears down the container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.drop != nil {
		err = h.drop(ctx)
	}
	if cerr := h.container.Terminate(ctx); err == nil {
		err = cerr
	}
	return err
}
