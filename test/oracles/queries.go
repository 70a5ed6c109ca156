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

// All lists the ledger oracles. Each query returns rows only on a violation.
// The ledger may miss events lost to chaos, so none of them count rows
// against the market.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT order_idx, seq,
                             LAG(seq) OVER (PARTITION BY order_idx ORDER BY id) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O2_order_behind_timeline",
			SQL: `SELECT o.idx, o.updated_seq, MAX(e.seq) FROM orders o
                  JOIN timeline_events e ON e.order_idx = o.idx
                  GROUP BY o.idx, o.updated_seq HAVING MAX(e.seq) > o.updated_seq`,
		},
		{
			Name: "O3_settled_not_terminal",
			SQL: `SELECT x.payload FROM outbox x
                  JOIN orders o ON o.idx = (x.payload->>'order_index')::bigint
                  WHERE x.topic = 'order.settled'
                    AND o.status NOT IN ('completed','arbitration_solved','outdated','refunded','payment_forced')`,
		},
		{
			Name: "O4_settled_once",
			SQL: `SELECT payload->>'order_index', COUNT(*) FROM outbox
                  WHERE topic = 'order.settled'
                  GROUP BY payload->>'order_index' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_delivery_seq_unique",
			SQL:  `SELECT seq, COUNT(*) FROM deliveries GROUP BY seq HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_fee_within_price",
			SQL:  `SELECT idx, price, fee FROM orders WHERE fee < 0 OR fee > price`,
		},
		{
			Name: "O7_outbox_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now()-created_at > interval '5 minutes'`,
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
	}
	return "", "", nil
}
