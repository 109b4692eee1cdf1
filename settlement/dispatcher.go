package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// TransferFunc is the external value-transfer primitive. It moves amount to
// destination; the dispatcher never interprets failures beyond retrying.
type TransferFunc func(ctx context.Context, destination string, amount int64) error

// Dispatcher drains pending transfer instructions and hands them to the
// value-transfer primitive. Rows are claimed with SKIP LOCKED so multiple
// workers never double-send.
type Dispatcher struct {
	pool        *pgxpool.Pool
	transfer    TransferFunc
	maxAttempts int
	interval    time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, transfer TransferFunc) *Dispatcher {
	return &Dispatcher{
		pool:        pool,
		transfer:    transfer,
		maxAttempts: 5,
		interval:    100 * time.Millisecond,
	}
}

// Run polls until ctx is done or stop is closed, dispatching with the given
// number of workers.
func (d *Dispatcher) Run(ctx context.Context, workers int, stop <-chan struct{}) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-stop:
					return nil
				default:
				}
				if _, err := d.DispatchOnce(ctx); err != nil {
					return err
				}
				time.Sleep(d.interval)
			}
		})
	}
	return g.Wait()
}

// DispatchOnce claims up to a batch of pending instructions and attempts
// delivery, returning how many were processed.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: begin dispatch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, destination, amount
		FROM transfers
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 10
	`)
	if err != nil {
		return 0, fmt.Errorf("settlement: claim pending: %w", err)
	}

	type claimed struct {
		id          string
		destination string
		amount      int64
	}
	batch := make([]claimed, 0, 10)
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.destination, &c.amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("settlement: scan pending: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("settlement: iterate pending: %w", err)
	}

	processed := 0
	for _, c := range batch {
		if err := d.transfer(ctx, c.destination, c.amount); err != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE transfers
				SET attempts = attempts + 1,
				    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE status END,
				    last_attempt_at = now()
				WHERE id = $1
			`, c.id, d.maxAttempts); err != nil {
				return processed, fmt.Errorf("settlement: record failed attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE transfers
			SET status = 'processed', attempts = attempts + 1, last_attempt_at = now()
			WHERE id = $1
		`, c.id); err != nil {
			return processed, fmt.Errorf("settlement: mark processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("settlement: commit dispatch: %w", err)
	}
	return processed, nil
}
