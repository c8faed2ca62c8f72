package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// Change carries the columns written alongside a status transition.
type Change struct {
	At           time.Time
	ApprovedBy   string
	RejectReason string
	ErrorMessage string
	ResultData   json.RawMessage
	// ClaimOwner, when set, additionally requires the caller to hold the
	// execution claim.
	ClaimOwner string
}

// Repository persists proposals. Transition and Claim are compare-and-swap
// operations on the current status.
type Repository interface {
	Create(ctx context.Context, p Proposal) (Proposal, error)
	Get(ctx context.Context, id string) (Proposal, error)
	Transition(ctx context.Context, id string, from, to Status, change Change) (Proposal, error)
	Claim(ctx context.Context, id, owner string, now, until time.Time) (Proposal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Proposal, error)
}

// PGRepository stores proposals in the action_proposals table.
type PGRepository struct {
	db db.Querier
}

func NewPGRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const proposalColumns = `id::text, COALESCE(event_id::text, ''), agent_name, action_type, risk_level, status,
    target_entity_type, target_entity_id, content, reasoning, approved_by, reject_reason,
    result_data, error_message, COALESCE(retry_of::text, ''), COALESCE(claimed_by, ''),
    claim_expires_at, created_at, decided_at, executed_at`

func (r *PGRepository) Create(ctx context.Context, p Proposal) (Proposal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	content, err := EncodeContent(p.Content)
	if err != nil {
		return Proposal{}, err
	}

	row := r.db.QueryRow(ctx, `
INSERT INTO action_proposals (id, event_id, agent_name, action_type, risk_level, status,
    target_entity_type, target_entity_id, content, reasoning, approved_by, retry_of, decided_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13)
RETURNING `+proposalColumns,
		p.ID, db.NullString(p.EventID), p.AgentName, string(p.Type), string(p.Risk), string(p.Status),
		p.Target.EntityType, p.Target.EntityID, content, p.Reasoning, p.ApprovedBy,
		db.NullString(p.RetryOf), p.DecidedAt,
	)
	out, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("action: insert proposal: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Proposal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Proposal{}, ErrNotFound
	}
	p, err := scanProposal(r.db.QueryRow(ctx, `SELECT `+proposalColumns+` FROM action_proposals WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("action: get proposal: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Transition(ctx context.Context, id string, from, to Status, change Change) (Proposal, error) {
	if !CanTransition(from, to) {
		return Proposal{}, &StateTransitionError{ID: id, From: from, To: to}
	}
	if _, err := uuid.Parse(id); err != nil {
		return Proposal{}, ErrNotFound
	}

	var resultData any
	if len(change.ResultData) > 0 {
		resultData = []byte(change.ResultData)
	}

	row := r.db.QueryRow(ctx, `
UPDATE action_proposals
SET status = $3,
    approved_by = CASE WHEN $3 IN ('approved', 'rejected') THEN $4::text ELSE approved_by END,
    reject_reason = CASE WHEN $3 = 'rejected' THEN $5::text ELSE reject_reason END,
    error_message = CASE WHEN $3 = 'failed' THEN $6::text ELSE error_message END,
    result_data = COALESCE($7::jsonb, result_data),
    decided_at = CASE WHEN $3 IN ('approved', 'rejected') THEN $8::timestamptz ELSE decided_at END,
    executed_at = CASE WHEN $3 IN ('executed', 'failed') THEN $8::timestamptz ELSE executed_at END,
    claimed_by = CASE WHEN $3 IN ('executed', 'failed') THEN NULL ELSE claimed_by END,
    claim_expires_at = CASE WHEN $3 IN ('executed', 'failed') THEN NULL ELSE claim_expires_at END
WHERE id = $1 AND status = $2 AND ($9::text = '' OR claimed_by = $9::text)
RETURNING `+proposalColumns,
		id, string(from), string(to), change.ApprovedBy, change.RejectReason, change.ErrorMessage,
		resultData, change.At, change.ClaimOwner,
	)
	p, err := scanProposal(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, fmt.Errorf("action: transition proposal: %w", err)
	}
	return Proposal{}, r.explainMiss(ctx, id, from, to, change.ClaimOwner)
}

func (r *PGRepository) Claim(ctx context.Context, id, owner string, now, until time.Time) (Proposal, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Proposal{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `
UPDATE action_proposals
SET claimed_by = $2, claim_expires_at = $4
WHERE id = $1
  AND status = 'approved'
  AND (claimed_by IS NULL OR claimed_by = $2 OR claim_expires_at < $3)
RETURNING `+proposalColumns, id, owner, now, until)
	p, err := scanProposal(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Proposal{}, fmt.Errorf("action: claim proposal: %w", err)
	}
	return Proposal{}, r.explainMiss(ctx, id, StatusApproved, StatusExecuted, owner)
}

// explainMiss turns a zero-row CAS into the matching domain error.
func (r *PGRepository) explainMiss(ctx context.Context, id string, from, to Status, owner string) error {
	current, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return missError(current, from, to, owner)
}

func missError(current Proposal, from, to Status, owner string) error {
	if current.Status == from && owner != "" && current.ClaimedBy != owner {
		return ErrClaimed
	}
	return &StateTransitionError{ID: current.ID, From: current.Status, To: to}
}

func (r *PGRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
SELECT `+proposalColumns+`
FROM action_proposals
WHERE status = $1
ORDER BY created_at, id
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("action: list proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("action: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var (
		p                   Proposal
		typ, risk, status   string
		content, resultData []byte
	)
	if err := row.Scan(&p.ID, &p.EventID, &p.AgentName, &typ, &risk, &status,
		&p.Target.EntityType, &p.Target.EntityID, &content, &p.Reasoning, &p.ApprovedBy, &p.RejectReason,
		&resultData, &p.ErrorMessage, &p.RetryOf, &p.ClaimedBy,
		&p.ClaimExpires, &p.CreatedAt, &p.DecidedAt, &p.ExecutedAt); err != nil {
		return Proposal{}, err
	}
	p.Type = Type(typ)
	p.Risk = RiskLevel(risk)
	p.Status = Status(status)
	if len(resultData) > 0 {
		p.ResultData = json.RawMessage(resultData)
	}
	c, err := DecodeContent(p.Type, content)
	if err != nil {
		return Proposal{}, err
	}
	p.Content = c
	return p, nil
}
