package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so read helpers can
// run inside or outside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository defines the data access the registry service needs. Write
// methods run inside the caller's transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, buyerID string, params CreateParams) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	UpdateState(ctx context.Context, tx pgx.Tx, id string, from, to State) error
	SetProof(ctx context.Context, tx pgx.Tx, id string, proof []byte, marker time.Time) error
	UpsertComment(ctx context.Context, tx pgx.Tx, c Comment) error
}

// PGRepository implements Repository against PostgreSQL.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const recordColumns = `id, buyer_id, seller_id, broker_id, product, price, state::text, proof, time_marker, created_at, updated_at`

// Insert creates the record in its initial state. A colliding id maps to
// ErrAlreadyExists.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, buyerID string, params CreateParams) (Record, error) {
	const insertSQL = `
		INSERT INTO escrows (id, buyer_id, seller_id, broker_id, product, price, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'initialized')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.ID,
		buyerID,
		params.SellerID,
		params.BrokerID,
		params.Product,
		params.Price,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return rec, nil
}

// GetForUpdate loads the record and takes the row lock that serializes all
// mutating operations on it.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const selectSQL = `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// UpdateState moves the record between states, re-checking the expected
// current state so a stale read can never commit.
func (r *PGRepository) UpdateState(ctx context.Context, tx pgx.Tx, id string, from, to State) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrows
		SET state = $1::escrow_state, updated_at = now()
		WHERE id = $2 AND state = $3::escrow_state
	`, to, id, from)
	if err != nil {
		return fmt.Errorf("escrow: update state: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("escrow: state moved away from %s before update", from)
	}
	return nil
}

// SetProof attaches the delivery proof and stamps the time marker. Both are
// write-once; a second attempt fails.
func (r *PGRepository) SetProof(ctx context.Context, tx pgx.Tx, id string, proof []byte, marker time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE escrows
		SET proof = $1, time_marker = $2, updated_at = now()
		WHERE id = $3 AND proof IS NULL
	`, proof, marker, id)
	if err != nil {
		return fmt.Errorf("escrow: set proof: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrProofAlreadyAttached
	}
	return nil
}

// UpsertComment appends the annotation; the exact same (timestamp, role) key
// overwrites, last write wins.
func (r *PGRepository) UpsertComment(ctx context.Context, tx pgx.Tx, c Comment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_comments (escrow_id, ts, role_code, message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (escrow_id, ts, role_code) DO UPDATE SET message = EXCLUDED.message
	`, c.EscrowID, c.Timestamp, c.RoleCode, c.Message)
	if err != nil {
		return fmt.Errorf("escrow: upsert comment: %w", err)
	}
	return nil
}

// FetchRecord reads one record without locking it.
func FetchRecord(ctx context.Context, q Querier, id string) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: fetch record: %w", err)
	}
	return rec, nil
}

// FetchComments returns the record's comments in insertion order.
func FetchComments(ctx context.Context, q Querier, id string) ([]Comment, error) {
	rows, err := q.Query(ctx, `
		SELECT escrow_id, ts, role_code, message, created_at
		FROM escrow_comments
		WHERE escrow_id = $1
		ORDER BY created_at, ts, role_code
	`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: fetch comments: %w", err)
	}
	defer rows.Close()

	out := make([]Comment, 0, 8)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.EscrowID, &c.Timestamp, &c.RoleCode, &c.Message, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan comment: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate comments: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.BuyerID,
		&rec.SellerID,
		&rec.BrokerID,
		&rec.Product,
		&rec.Price,
		&rec.State,
		&rec.Proof,
		&rec.TimeMarker,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
