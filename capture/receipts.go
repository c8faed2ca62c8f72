package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// Receipts remembers which (source, external id) pairs were already turned
// into events. A reservation is taken before the event is published and
// attached afterwards; a reservation that never got an event is taken over
// once it is older than the stale cutoff.
type Receipts interface {
	Reserve(ctx context.Context, source, externalID string, at, staleBefore time.Time) (bool, error)
	Attach(ctx context.Context, source, externalID, eventID string) error
	Release(ctx context.Context, source, externalID string) error
}

type PGReceipts struct {
	db db.Querier
}

func NewPGReceipts(q db.Querier) *PGReceipts {
	return &PGReceipts{db: q}
}

func (r *PGReceipts) Reserve(ctx context.Context, source, externalID string, at, staleBefore time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
INSERT INTO capture_receipts (source, external_id, received_at)
VALUES ($1, $2, $3)
ON CONFLICT (source, external_id) DO UPDATE
SET received_at = EXCLUDED.received_at
WHERE capture_receipts.event_id IS NULL AND capture_receipts.received_at < $4`,
		source, externalID, at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("capture: reserve receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PGReceipts) Attach(ctx context.Context, source, externalID, eventID string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE capture_receipts SET event_id = $3 WHERE source = $1 AND external_id = $2`,
		source, externalID, eventID); err != nil {
		return fmt.Errorf("capture: attach receipt: %w", err)
	}
	return nil
}

func (r *PGReceipts) Release(ctx context.Context, source, externalID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM capture_receipts WHERE source = $1 AND external_id = $2 AND event_id IS NULL`,
		source, externalID); err != nil {
		return fmt.Errorf("capture: release receipt: %w", err)
	}
	return nil
}

type receipt struct {
	eventID    string
	receivedAt time.Time
}

type MemoryReceipts struct {
	mu       sync.Mutex
	receipts map[[2]string]receipt
}

func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{receipts: make(map[[2]string]receipt)}
}

func (r *MemoryReceipts) Reserve(_ context.Context, source, externalID string, at, staleBefore time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := [2]string{source, externalID}
	if cur, ok := r.receipts[k]; ok && (cur.eventID != "" || !cur.receivedAt.Before(staleBefore)) {
		return false, nil
	}
	r.receipts[k] = receipt{receivedAt: at}
	return true, nil
}

func (r *MemoryReceipts) Attach(_ context.Context, source, externalID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := [2]string{source, externalID}
	cur := r.receipts[k]
	cur.eventID = eventID
	r.receipts[k] = cur
	return nil
}

func (r *MemoryReceipts) Release(_ context.Context, source, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := [2]string{source, externalID}
	if r.receipts[k].eventID == "" {
		delete(r.receipts, k)
	}
	return nil
}
