package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

// All holds the oracles that hold at every instant, even mid-run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_signal_per_subject",
			SQL: `SELECT subject_id, COUNT(*) FROM signals
                  WHERE status = 'open'
                  GROUP BY subject_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_closed_signal_coherent",
			SQL: `SELECT id, status FROM signals
                  WHERE (status = 'open' AND closed_at IS NOT NULL)
                     OR (status <> 'open' AND closed_at IS NULL)`,
		},
		{
			Name: "O3_proposal_lifecycle",
			SQL: `SELECT id, status FROM action_proposals
                  WHERE (status = 'proposed' AND (decided_at IS NOT NULL OR executed_at IS NOT NULL))
                     OR (status IN ('approved', 'rejected') AND (decided_at IS NULL OR approved_by = '' OR executed_at IS NOT NULL))
                     OR (status IN ('executed', 'failed') AND (decided_at IS NULL OR approved_by = '' OR executed_at IS NULL))
                     OR (status = 'rejected' AND result_data IS NOT NULL)`,
		},
		{
			Name: "O4_sync_effect_once",
			SQL: `SELECT p.id, COUNT(s.id) FROM action_proposals p
                  LEFT JOIN sync_queue s ON s.dedupe_key = p.id::text
                  WHERE p.action_type = 'sync_crm' AND p.status = 'executed'
                  GROUP BY p.id HAVING COUNT(s.id) <> 1`,
		},
		{
			Name: "O5_sync_lease_coherent",
			SQL: `SELECT id, status, lease_owner FROM sync_queue
                  WHERE (status = 'processing' AND (lease_owner IS NULL OR lease_expires_at IS NULL))
                     OR (status <> 'processing' AND lease_owner IS NOT NULL)
                     OR (status = 'completed' AND completed_at IS NULL)
                     OR attempts > max_attempts`,
		},
		{
			Name: "O6_outcome_for_subscribed_agent",
			SQL: `SELECT o.event_id, o.agent_name FROM event_outcomes o
                  JOIN events e ON e.id = o.event_id
                  LEFT JOIN subscriptions s ON s.agent_name = o.agent_name AND s.event_type = e.type
                  WHERE s.agent_name IS NULL`,
		},
	}
}

// Final holds the oracles that only hold once every loop has drained.
func Final() []Oracle {
	return []Oracle{
		{
			Name: "F1_every_event_dispatched",
			SQL: `SELECT e.id, e.type FROM events e
                  JOIN subscriptions s ON s.event_type = e.type AND s.is_active
                  LEFT JOIN event_outcomes o ON o.event_id = e.id AND o.agent_name = s.agent_name
                  WHERE o.event_id IS NULL`,
		},
		{
			Name: "F2_no_stuck_claims",
			SQL: `SELECT id, status FROM action_proposals
                  WHERE status = 'approved' AND claimed_by IS NOT NULL AND claim_expires_at < now()`,
		},
	}
}

// Run executes oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, set []Oracle) (string, string, error) {
	for _, o := range set {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
