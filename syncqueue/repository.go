package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// ClaimParams selects due items for a worker.
type ClaimParams struct {
	Owner        string
	Integrations []string
	Now          time.Time
	LeaseUntil   time.Time
	Limit        int
}

// FailParams describes a failed delivery. A nil RetryAt makes the failure
// final regardless of the remaining attempts.
type FailParams struct {
	Error   string
	RetryAt *time.Time
	At      time.Time
}

// Repository persists queue items and field mappings. Claim, Complete, Fail
// and Reset are compare-and-swap operations on the item status; Complete and
// Fail also require the caller to hold the lease.
type Repository interface {
	Enqueue(ctx context.Context, it Item) (Item, bool, error)
	Get(ctx context.Context, id string) (Item, error)
	Claim(ctx context.Context, p ClaimParams) ([]Item, error)
	Complete(ctx context.Context, id, owner, externalID string, at time.Time) (Item, error)
	Fail(ctx context.Context, id, owner string, p FailParams) (Item, error)
	Reset(ctx context.Context, id string, at time.Time) (Item, error)
	List(ctx context.Context, f Filter) ([]Item, error)

	GetMapping(ctx context.Context, integrationID, entityType, entityID string) (Mapping, error)
	PutMapping(ctx context.Context, m Mapping) error
	DeleteMapping(ctx context.Context, integrationID, entityType, entityID string) error
}

// PGRepository stores items in sync_queue and mappings in field_mappings.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never share an item,
// and hand out only the oldest unsettled item of an entity, so deliveries for
// one entity run one at a time in enqueue order.
type PGRepository struct {
	db db.Querier
}

func NewPGRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const itemColumns = `id::text, integration_id, entity_type, entity_id, operation, payload, status,
    attempts, max_attempts, scheduled_for, external_id, last_error, COALESCE(dedupe_key, ''),
    COALESCE(lease_owner, ''), lease_expires_at, created_at, updated_at, completed_at`

func (r *PGRepository) Enqueue(ctx context.Context, it Item) (Item, bool, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	payload := []byte(it.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	out, err := scanItem(r.db.QueryRow(ctx, `
INSERT INTO sync_queue (id, integration_id, entity_type, entity_id, operation, payload, status,
    attempts, max_attempts, scheduled_for, external_id, dedupe_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, 0, $8, $9, $10, $11, $12, $12)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING `+itemColumns,
		it.ID, it.IntegrationID, it.EntityType, it.EntityID, string(it.Operation), payload,
		string(StatusPending), it.MaxAttempts, it.ScheduledFor, it.ExternalID,
		db.NullString(it.DedupeKey), it.CreatedAt,
	))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, fmt.Errorf("syncqueue: insert item: %w", err)
	}

	existing, err := scanItem(r.db.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM sync_queue WHERE dedupe_key = $1`, it.DedupeKey))
	if err != nil {
		return Item{}, false, fmt.Errorf("syncqueue: load deduplicated item: %w", err)
	}
	return existing, false, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Item{}, ErrNotFound
	}
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, fmt.Errorf("syncqueue: get item: %w", err)
	}
	return it, nil
}

func (r *PGRepository) Claim(ctx context.Context, p ClaimParams) ([]Item, error) {
	if len(p.Integrations) == 0 || p.Limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
UPDATE sync_queue
SET status = 'processing', lease_owner = $4, lease_expires_at = $5, updated_at = $2
WHERE id IN (
    SELECT q.id FROM sync_queue q
    WHERE q.integration_id = ANY($1::text[])
      AND ((q.status IN ('pending', 'retry') AND q.scheduled_for <= $2)
        OR (q.status = 'processing' AND q.lease_expires_at <= $2))
      AND NOT EXISTS (
          SELECT 1 FROM sync_queue e
          WHERE e.integration_id = q.integration_id
            AND e.entity_type = q.entity_type
            AND e.entity_id = q.entity_id
            AND e.id <> q.id
            AND ((e.status = 'processing' AND e.lease_expires_at > $2)
              OR (e.status IN ('pending', 'retry', 'processing') AND e.seq < q.seq))
      )
    ORDER BY q.scheduled_for, q.seq
    LIMIT $3
    FOR UPDATE OF q SKIP LOCKED
)
RETURNING `+itemColumns,
		p.Integrations, p.Now, p.Limit, p.Owner, p.LeaseUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: claim: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("syncqueue: scan claimed item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syncqueue: claim rows: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Complete(ctx context.Context, id, owner, externalID string, at time.Time) (Item, error) {
	return r.settle(ctx, id, owner, StatusCompleted, `
UPDATE sync_queue
SET status = 'completed',
    external_id = CASE WHEN $3::text = '' THEN external_id ELSE $3::text END,
    last_error = '',
    lease_owner = NULL,
    lease_expires_at = NULL,
    completed_at = $4,
    updated_at = $4
WHERE id = $1 AND status = 'processing' AND lease_owner = $2
RETURNING `+itemColumns, id, owner, externalID, at)
}

func (r *PGRepository) Fail(ctx context.Context, id, owner string, p FailParams) (Item, error) {
	return r.settle(ctx, id, owner, StatusRetry, `
UPDATE sync_queue
SET attempts = attempts + 1,
    status = CASE WHEN $4::timestamptz IS NULL OR attempts + 1 >= max_attempts THEN 'failed' ELSE 'retry' END,
    scheduled_for = COALESCE($4::timestamptz, scheduled_for),
    last_error = $3,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = $5
WHERE id = $1 AND status = 'processing' AND lease_owner = $2
RETURNING `+itemColumns, id, owner, p.Error, p.RetryAt, p.At)
}

func (r *PGRepository) Reset(ctx context.Context, id string, at time.Time) (Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Item{}, ErrNotFound
	}
	it, err := scanItem(r.db.QueryRow(ctx, `
UPDATE sync_queue
SET status = 'pending', attempts = 0, scheduled_for = $2, last_error = '', updated_at = $2
WHERE id = $1 AND status IN ('failed', 'retry')
RETURNING `+itemColumns, id, at))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("syncqueue: reset item: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return Item{}, &StateTransitionError{ID: id, From: current.Status, To: StatusPending}
}

// settle runs a lease-guarded status update and explains a miss.
func (r *PGRepository) settle(ctx context.Context, id, owner string, to Status, query string, args ...any) (Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Item{}, ErrNotFound
	}
	it, err := scanItem(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("syncqueue: settle item: %w", err)
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return Item{}, leaseMiss(current, owner, to)
}

func leaseMiss(current Item, owner string, to Status) error {
	if current.Status == StatusProcessing && current.LeaseOwner != owner {
		return ErrLeaseLost
	}
	return &StateTransitionError{ID: current.ID, From: current.Status, To: to}
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]Item, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.IntegrationID != "" {
		args = append(args, f.IntegrationID)
		where = append(where, fmt.Sprintf("integration_id = $%d", len(args)))
	}
	args = append(args, listLimit(f.Limit))

	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM sync_queue WHERE %s ORDER BY created_at, id LIMIT $%d`,
		itemColumns, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("syncqueue: list: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("syncqueue: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *PGRepository) GetMapping(ctx context.Context, integrationID, entityType, entityID string) (Mapping, error) {
	m := Mapping{IntegrationID: integrationID, EntityType: entityType, EntityID: entityID}
	var snapshot []byte
	err := r.db.QueryRow(ctx, `
SELECT external_id, snapshot, last_synced_at
FROM field_mappings
WHERE integration_id = $1 AND entity_type = $2 AND entity_id = $3`,
		integrationID, entityType, entityID,
	).Scan(&m.ExternalID, &snapshot, &m.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, ErrMappingNotFound
		}
		return Mapping{}, fmt.Errorf("syncqueue: get mapping: %w", err)
	}
	m.Snapshot = json.RawMessage(snapshot)
	return m, nil
}

func (r *PGRepository) PutMapping(ctx context.Context, m Mapping) error {
	snapshot := []byte(m.Snapshot)
	if len(snapshot) == 0 {
		snapshot = []byte(`{}`)
	}
	_, err := r.db.Exec(ctx, `
INSERT INTO field_mappings (integration_id, entity_type, entity_id, external_id, snapshot, last_synced_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
ON CONFLICT (integration_id, entity_type, entity_id)
DO UPDATE SET external_id = EXCLUDED.external_id,
              snapshot = EXCLUDED.snapshot,
              last_synced_at = EXCLUDED.last_synced_at`,
		m.IntegrationID, m.EntityType, m.EntityID, m.ExternalID, snapshot, m.LastSyncedAt,
	)
	if err != nil {
		return fmt.Errorf("syncqueue: put mapping: %w", err)
	}
	return nil
}

func (r *PGRepository) DeleteMapping(ctx context.Context, integrationID, entityType, entityID string) error {
	_, err := r.db.Exec(ctx, `
DELETE FROM field_mappings
WHERE integration_id = $1 AND entity_type = $2 AND entity_id = $3`,
		integrationID, entityType, entityID,
	)
	if err != nil {
		return fmt.Errorf("syncqueue: delete mapping: %w", err)
	}
	return nil
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		it        Item
		operation string
		status    string
		payload   []byte
	)
	if err := row.Scan(&it.ID, &it.IntegrationID, &it.EntityType, &it.EntityID, &operation, &payload, &status,
		&it.Attempts, &it.MaxAttempts, &it.ScheduledFor, &it.ExternalID, &it.LastError, &it.DedupeKey,
		&it.LeaseOwner, &it.LeaseExpiresAt, &it.CreatedAt, &it.UpdatedAt, &it.CompletedAt); err != nil {
		return Item{}, err
	}
	it.Operation = Operation(operation)
	it.Status = Status(status)
	it.Payload = json.RawMessage(payload)
	return it, nil
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}
