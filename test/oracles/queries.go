package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_terminal_escrow_released",
			SQL: `SELECT e.dispute_id, e.party, e.amount FROM escrows e
                  JOIN disputes d ON d.id = e.dispute_id
                  WHERE d.status IN ('resolved','timed_out') AND e.released_at IS NULL`,
		},
		{
			Name: "O2_stake_conservation",
			SQL: `WITH flows AS (
                      SELECT dispute_id,
                             SUM(amount) FILTER (WHERE kind = 'stake') AS staked,
                             COALESCE(SUM(amount) FILTER (WHERE kind IN ('refund','burn')), 0) AS released
                      FROM ledger_entries WHERE dispute_id IS NOT NULL
                      GROUP BY dispute_id)
                  SELECT d.id, f.staked, f.released FROM disputes d
                  JOIN flows f ON f.dispute_id = d.id
                  WHERE d.status IN ('resolved','timed_out') AND f.staked <> f.released`,
		},
		{
			Name: "O3_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM dispute_events)
                  SELECT * FROM seqs WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O4_counter_bounds",
			SQL: `SELECT id, counter_count, initiator_counters, counterparty_counters FROM disputes
                  WHERE counter_count > 3 OR counter_count <> initiator_counters + counterparty_counters
                     OR time_extension_secs > 72 * 3600`,
		},
		{
			Name: "O5_outbox_drained",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_outcome_matches_status",
			SQL: `SELECT id, status, outcome FROM disputes
                  WHERE (status = 'resolved' AND outcome IS DISTINCT FROM 'mutual_acceptance')
                     OR (status = 'timed_out' AND outcome NOT IN ('non_participation','mutual_timeout'))
                     OR (status IN ('created','active') AND (outcome IS NOT NULL OR finalized_at IS NOT NULL))`,
		},
		{
			Name: "O7_license_applied_once",
			SQL: `SELECT d.id, d.outcome, l.source FROM disputes d
                  LEFT JOIN licenses l ON l.dispute_id = d.id
                  WHERE (d.outcome = 'mutual_acceptance' AND (l.source IS NULL OR l.source <> 'agreed'))
                     OR (d.outcome = 'mutual_timeout' AND (l.source IS NULL OR l.source <> 'fallback'))
                     OR (d.outcome = 'non_participation' AND l.dispute_id IS NOT NULL)
                     OR (d.outcome IS NULL AND l.dispute_id IS NOT NULL)`,
		},
		{
			Name: "O8_single_finalized_event",
			SQL: `SELECT payload->>'dispute_id' AS dispute_id, COUNT(*) FROM outbox
                  WHERE topic = 'dispute.finalized'
                  GROUP BY payload->>'dispute_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_delete_guards",
			SQL: `SELECT name AS missing_trigger FROM (VALUES
                      ('no_delete_disputes'), ('no_delete_ledger_entries'),
                      ('no_delete_dispute_events'), ('no_delete_harassment_records')) t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
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
