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
			Name: "O1_single_transfer_per_escrow",
			SQL: `SELECT escrow_id, COUNT(*) FROM transfers
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_transfer_only_when_resolved",
			SQL: `SELECT t.id, e.state FROM transfers t
                  JOIN escrows e ON e.id = t.escrow_id
                  WHERE e.state NOT IN ('canceled','validated')`,
		},
		{
			Name: "O3_refund_goes_to_buyer",
			SQL: `SELECT t.id FROM transfers t
                  JOIN escrows e ON e.id = t.escrow_id
                  WHERE t.reason = 'refund'
                    AND (e.state <> 'canceled' OR t.destination <> e.buyer_id)`,
		},
		{
			Name: "O4_release_goes_to_seller",
			SQL: `SELECT t.id FROM transfers t
                  JOIN escrows e ON e.id = t.escrow_id
                  WHERE t.reason = 'release'
                    AND (e.state <> 'validated' OR t.destination <> e.seller_id)`,
		},
		{
			Name: "O5_transfer_amount_equals_price",
			SQL: `SELECT t.id, t.amount, e.price FROM transfers t
                  JOIN escrows e ON e.id = t.escrow_id
                  WHERE t.amount <> e.price`,
		},
		{
			Name: "O6_resolved_escrow_has_transfer",
			SQL: `SELECT e.id, e.state FROM escrows e
                  WHERE e.state IN ('canceled','validated')
                    AND NOT EXISTS (SELECT 1 FROM transfers t WHERE t.escrow_id = e.id)`,
		},
		{
			Name: "O7_comment_role_codes_valid",
			SQL:  `SELECT escrow_id, role_code FROM escrow_comments WHERE role_code NOT BETWEEN 0 AND 3`,
		},
		{
			Name: "O8_single_arbitrator",
			SQL: `SELECT 'arbitrator_count_not_one' AS detail
                  WHERE (SELECT COUNT(*) FROM arbitrators) <> 1`,
		},
		{
			Name: "O9_dead_transfers_exhausted_retries",
			SQL:  `SELECT id, attempts FROM transfers WHERE status = 'dead' AND attempts < 5`,
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
