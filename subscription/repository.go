package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"

	"github.com/NTDesnoyers/memry-OS-sub003/db"
	"github.com/NTDesnoyers/memry-OS-sub003/event"
)

// PGRepository stores subscriptions in Postgres.
type PGRepository struct {
	db db.Querier
}

func NewPGRepository(q db.Querier) *PGRepository {
	return &PGRepository{db: q}
}

const columns = `agent_name, event_type, priority, is_active, config, created_at, updated_at`

func (r *PGRepository) Upsert(ctx context.Context, s Subscription) (Subscription, error) {
	cfg := s.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	cfgJSON, err := sonic.ConfigStd.Marshal(cfg)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription: marshal config: %w", err)
	}

	row := r.db.QueryRow(ctx, `
INSERT INTO subscriptions (agent_name, event_type, priority, is_active, config)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (agent_name, event_type) DO UPDATE
SET priority = EXCLUDED.priority,
    is_active = EXCLUDED.is_active,
    config = EXCLUDED.config,
    updated_at = now()
RETURNING `+columns, s.AgentName, string(s.EventType), s.Priority, s.IsActive, cfgJSON)
	out, err := scan(row)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscription: upsert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) SetActive(ctx context.Context, agentName string, t event.Type, active bool) (Subscription, error) {
	row := r.db.QueryRow(ctx, `
UPDATE subscriptions SET is_active = $3, updated_at = now()
WHERE agent_name = $1 AND event_type = $2
RETURNING `+columns, agentName, string(t), active)
	out, err := scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("subscription: set active: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ListByEventType(ctx context.Context, t event.Type) ([]Subscription, error) {
	return r.list(ctx, `SELECT `+columns+` FROM subscriptions WHERE event_type = $1`, string(t))
}

func (r *PGRepository) List(ctx context.Context) ([]Subscription, error) {
	return r.list(ctx, `SELECT `+columns+` FROM subscriptions ORDER BY event_type, agent_name`)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("subscription: list: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("subscription: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scan(row pgx.Row) (Subscription, error) {
	var (
		s       Subscription
		typ     string
		cfgJSON []byte
	)
	if err := row.Scan(&s.AgentName, &typ, &s.Priority, &s.IsActive, &cfgJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Subscription{}, err
	}
	s.EventType = event.Type(typ)
	if len(cfgJSON) > 0 {
		if err := sonic.ConfigStd.Unmarshal(cfgJSON, &s.Config); err != nil {
			return Subscription{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return s, nil
}
