package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// PGRepository stores signals. The partial unique index
// signals_one_open_per_subject enforces a single open signal per subject.
type PGRepository struct {
	db db.Querier
}

func NewPGRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const signalColumns = `id::text, subject_id, kind, status, confidence, evidence, close_reason,
    created_at, last_observed, closed_at`

func (r *PGRepository) Get(ctx context.Context, id string) (Signal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Signal{}, ErrNotFound
	}
	return r.one(ctx, `SELECT `+signalColumns+` FROM signals WHERE id = $1`, id)
}

func (r *PGRepository) FindOpen(ctx context.Context, subjectID string) (Signal, error) {
	return r.one(ctx, `SELECT `+signalColumns+` FROM signals WHERE subject_id = $1 AND status = 'open'`, subjectID)
}

func (r *PGRepository) Create(ctx context.Context, s Signal) (Signal, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Evidence == nil {
		s.Evidence = []Evidence{}
	}
	evidence, err := sonic.ConfigStd.Marshal(s.Evidence)
	if err != nil {
		return Signal{}, fmt.Errorf("signal: marshal evidence: %w", err)
	}
	row := r.db.QueryRow(ctx, `
INSERT INTO signals (id, subject_id, kind, status, confidence, evidence, created_at, last_observed)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
RETURNING `+signalColumns,
		s.ID, s.SubjectID, s.Kind, string(s.Status), s.Confidence, evidence, s.CreatedAt, s.LastObserved)
	out, err := scanSignal(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Signal{}, ErrOpenExists
		}
		return Signal{}, fmt.Errorf("signal: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Observe(ctx context.Context, id string, ev Evidence, confidence float64, at time.Time) (Signal, error) {
	evJSON, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return Signal{}, fmt.Errorf("signal: marshal evidence: %w", err)
	}
	return r.update(ctx, id, `
UPDATE signals
SET evidence = evidence || jsonb_build_array($2::jsonb),
    confidence = $3,
    last_observed = $4
WHERE id = $1 AND status = 'open'
RETURNING `+signalColumns, id, evJSON, confidence, at)
}

func (r *PGRepository) Close(ctx context.Context, id string, status Status, reason string, at time.Time) (Signal, error) {
	if !status.closing() {
		return Signal{}, fmt.Errorf("signal: %q is not a closing status", status)
	}
	return r.update(ctx, id, `
UPDATE signals
SET status = $2, close_reason = $3, closed_at = $4
WHERE id = $1 AND status = 'open'
RETURNING `+signalColumns, id, string(status), reason, at)
}

func (r *PGRepository) List(ctx context.Context, f Filter) ([]Signal, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.ObservedBefore.IsZero() {
		add("last_observed < $%d", f.ObservedBefore)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := r.db.Query(ctx, fmt.Sprintf(`SELECT %s FROM signals WHERE %s ORDER BY created_at, id LIMIT $%d`,
		signalColumns, strings.Join(where, " AND "), len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("signal: list: %w", err)
	}
	defer rows.Close()

	var out []Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("signal: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// update runs a CAS statement guarded by status = 'open' and explains a miss.
func (r *PGRepository) update(ctx context.Context, id, query string, args ...any) (Signal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Signal{}, ErrNotFound
	}
	s, err := scanSignal(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Signal{}, fmt.Errorf("signal: update: %w", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Signal{}, err
	}
	return Signal{}, ErrNotOpen
}

func (r *PGRepository) one(ctx context.Context, query string, args ...any) (Signal, error) {
	s, err := scanSignal(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Signal{}, ErrNotFound
		}
		return Signal{}, fmt.Errorf("signal: get: %w", err)
	}
	return s, nil
}

func scanSignal(row pgx.Row) (Signal, error) {
	var (
		s        Signal
		status   string
		evidence []byte
	)
	if err := row.Scan(&s.ID, &s.SubjectID, &s.Kind, &status, &s.Confidence, &evidence, &s.CloseReason,
		&s.CreatedAt, &s.LastObserved, &s.ClosedAt); err != nil {
		return Signal{}, err
	}
	s.Status = Status(status)
	if len(evidence) > 0 {
		if err := sonic.ConfigStd.Unmarshal(evidence, &s.Evidence); err != nil {
			return Signal{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return s, nil
}
