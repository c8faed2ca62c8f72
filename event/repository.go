package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
)

// Repository persists the event log in Postgres. Events are insert-only; a
// trigger on the table rejects UPDATE and DELETE.
type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const eventColumns = `id::text, seq, type, category, subject_person_id, subject_deal_id,
    source_entity_type, source_entity_id, payload, created_at`

func (r *Repository) Append(ctx context.Context, e Event) (Event, error) {
	e = e.normalized()
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	payload, err := EncodePayload(e.Payload)
	if err != nil {
		return Event{}, err
	}

	const insertSQL = `
INSERT INTO events (id, type, category, subject_person_id, subject_deal_id,
                    source_entity_type, source_entity_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
RETURNING seq, created_at;
`
	if err := r.db.QueryRow(ctx, insertSQL,
		e.ID, string(e.Type), string(e.Category),
		db.NullString(e.Subject.PersonID), db.NullString(e.Subject.DealID),
		e.Source.EntityType, e.Source.EntityID, payload,
	).Scan(&e.Seq, &e.CreatedAt); err != nil {
		return Event{}, fmt.Errorf("event: insert: %w", err)
	}
	return e, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Event{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Event{}, ErrNotFound
		}
		return Event{}, fmt.Errorf("event: get: %w", err)
	}
	return e, nil
}

func (r *Repository) Query(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	add("seq > $%d", f.AfterSeq)
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.PersonID != "" {
		add("subject_person_id = $%d", f.PersonID)
	}
	if f.DealID != "" {
		add("subject_deal_id = $%d", f.DealID)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	args = append(args, f.limit())

	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq LIMIT $%d`,
		eventColumns, strings.Join(where, " AND "), len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("event: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("event: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event: iterate: %w", err)
	}
	return out, nil
}

// RecordOutcome inserts the (event, agent) row unless one already exists.
func (r *Repository) RecordOutcome(ctx context.Context, o Outcome) (bool, error) {
	tag, err := r.db.Exec(ctx, `
INSERT INTO event_outcomes (event_id, agent_name, outcome, error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id, agent_name) DO NOTHING
`, o.EventID, o.AgentName, string(o.Status), o.Error)
	if err != nil {
		return false, fmt.Errorf("event: record outcome: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) Outcomes(ctx context.Context, eventID string) ([]Outcome, error) {
	rows, err := r.db.Query(ctx, `
SELECT event_id::text, agent_name, outcome, error, recorded_at
FROM event_outcomes
WHERE event_id = $1
ORDER BY recorded_at, agent_name
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("event: outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o      Outcome
			status string
		)
		if err := rows.Scan(&o.EventID, &o.AgentName, &status, &o.Error, &o.RecordedAt); err != nil {
			return nil, fmt.Errorf("event: scan outcome: %w", err)
		}
		o.Status = OutcomeStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (Event, error) {
	var (
		e        Event
		typ, cat string
		person   sql.NullString
		deal     sql.NullString
		payload  []byte
	)
	if err := row.Scan(&e.ID, &e.Seq, &typ, &cat, &person, &deal,
		&e.Source.EntityType, &e.Source.EntityID, &payload, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	e.Type = Type(typ)
	e.Category = Category(cat)
	e.Subject = SubjectRef{PersonID: person.String, DealID: deal.String}
	p, err := DecodePayload(e.Type, payload)
	if err != nil {
		return Event{}, fmt.Errorf("decode stored payload %s: %w", e.ID, err)
	}
	e.Payload = p
	return e, nil
}
