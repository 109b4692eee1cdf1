package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrAlreadySettled signals a second transfer attempt for the same escrow.
	// The transfers table's unique escrow_id constraint backs this up.
	ErrAlreadySettled = errors.New("settlement: escrow already settled")
	// ErrTransferNotFound signals no instruction exists for the escrow.
	ErrTransferNotFound = errors.New("settlement: transfer not found")
)

// Engine records outbound value-transfer instructions. It writes inside the
// caller's transaction so the instruction commits atomically with the state
// transition that produced it.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Release emits exactly one outbound transfer instruction for the escrow.
func (e *Engine) Release(ctx context.Context, tx pgx.Tx, params ReleaseParams) error {
	if params.EscrowID == "" {
		return fmt.Errorf("settlement: missing escrow id")
	}
	if params.Destination == "" {
		return fmt.Errorf("settlement: missing destination")
	}
	if params.Amount < 0 {
		return fmt.Errorf("settlement: negative amount")
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO transfers (escrow_id, destination, amount, reason)
		VALUES ($1, $2, $3, $4)
	`, params.EscrowID, params.Destination, params.Amount, params.Reason)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadySettled
		}
		return fmt.Errorf("settlement: insert transfer: %w", err)
	}
	return nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ByEscrow returns the transfer instruction emitted for the escrow, if any.
func ByEscrow(ctx context.Context, q Querier, escrowID string) (Transfer, error) {
	var t Transfer
	err := q.QueryRow(ctx, `
		SELECT id, escrow_id, destination, amount, reason, status, attempts, last_attempt_at, created_at
		FROM transfers
		WHERE escrow_id = $1
	`, escrowID).Scan(
		&t.ID,
		&t.EscrowID,
		&t.Destination,
		&t.Amount,
		&t.Reason,
		&t.Status,
		&t.Attempts,
		&t.LastAttemptAt,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, fmt.Errorf("settlement: fetch transfer: %w", err)
	}
	return t, nil
}
