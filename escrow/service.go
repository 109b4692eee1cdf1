package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/settlement"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AdminReader exposes the current arbitrator identity.
type AdminReader interface {
	Current(ctx context.Context) (string, error)
}

// Settler emits the single outbound transfer of a resolving transition.
type Settler interface {
	Release(ctx context.Context, tx pgx.Tx, params settlement.ReleaseParams) error
}

// Service is the escrow registry: it owns every public operation, applies
// the state machine, and commits each call as one atomic transaction.
type Service struct {
	pool    TxBeginner
	repo    Repository
	settler Settler
	admins  AdminReader
	now     func() time.Time
}

func NewService(pool TxBeginner, repo Repository, settler Settler, admins AdminReader) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:    pool,
		repo:    repo,
		settler: settler,
		admins:  admins,
		now:     time.Now,
	}
}

// Initialize creates the record with the caller as buyer. The attached
// amount must equal the price exactly; neither deficit nor excess is held.
// No transfer is emitted; the funds are now in the registry's custody.
func (s *Service) Initialize(ctx context.Context, buyerID string, params CreateParams, amount int64) (Record, error) {
	if buyerID == "" {
		return Record{}, fmt.Errorf("escrow: missing buyer identity")
	}
	if params.ID == "" {
		return Record{}, fmt.Errorf("escrow: missing escrow id")
	}
	if params.SellerID == "" {
		return Record{}, fmt.Errorf("escrow: missing seller identity")
	}
	if params.Price < 0 {
		return Record{}, fmt.Errorf("escrow: negative price")
	}
	if amount != params.Price {
		return Record{}, ErrAmountMismatch
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Insert(ctx, tx, buyerID, params)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit initialize: %w", err)
	}
	return rec, nil
}

// Agree confirms delivery and releases the price to the seller. The buyer
// may confirm at any time before the record resolves; the admin only through
// the arbitration gate.
func (s *Service) Agree(ctx context.Context, callerID, id string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.State.Terminal() {
		return Record{}, ErrAlreadyFinished
	}

	if callerID != rec.BuyerID {
		adminID, err := s.admins.Current(ctx)
		if err != nil {
			return Record{}, fmt.Errorf("escrow: resolve admin: %w", err)
		}
		if callerID != adminID {
			return Record{}, ErrAccessDenied
		}
		if err := ArbitrationEligible(rec, s.now()); err != nil {
			return Record{}, err
		}
	}

	if err := s.repo.UpdateState(ctx, tx, id, rec.State, StateValidated); err != nil {
		return Record{}, err
	}
	if err := s.settler.Release(ctx, tx, settlement.ReleaseParams{
		EscrowID:    id,
		Destination: rec.SellerID,
		Amount:      rec.Price,
		Reason:      settlement.ReasonRelease,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit agree: %w", err)
	}

	rec.State = StateValidated
	return rec, nil
}

// Cancel records a principal's cancellation request, or finalizes the refund
// when the counterparty has an outstanding request. Only the two principals
// participate; the admin and broker are denied.
func (s *Service) Cancel(ctx context.Context, callerID, id string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}

	var requester Role
	switch callerID {
	case rec.BuyerID:
		requester = RoleBuyer
	case rec.SellerID:
		requester = RoleSeller
	default:
		return Record{}, ErrAccessDenied
	}

	next, err := ResolveCancel(rec.State, requester)
	if err != nil {
		return Record{}, err
	}

	if err := s.repo.UpdateState(ctx, tx, id, rec.State, next); err != nil {
		return Record{}, err
	}
	if next == StateCanceled {
		if err := s.settler.Release(ctx, tx, settlement.ReleaseParams{
			EscrowID:    id,
			Destination: rec.BuyerID,
			Amount:      rec.Price,
			Reason:      settlement.ReasonRefund,
		}); err != nil {
			return Record{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}

	rec.State = next
	return rec, nil
}

// AddComment appends an annotation from any of the record's four roles.
// No state change, no transfer; terminal records still accept commentary.
func (s *Service) AddComment(ctx context.Context, callerID, id string, timestamp int64, message string) (Comment, error) {
	if message == "" {
		return Comment{}, fmt.Errorf("escrow: empty comment message")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Comment{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Comment{}, err
	}

	adminID, err := s.admins.Current(ctx)
	if err != nil {
		return Comment{}, fmt.Errorf("escrow: resolve admin: %w", err)
	}
	role, ok := rec.RoleOf(callerID, adminID)
	if !ok {
		return Comment{}, ErrAccessDenied
	}

	c := Comment{
		EscrowID:  id,
		Timestamp: timestamp,
		RoleCode:  role,
		Message:   message,
	}
	if err := s.repo.UpsertComment(ctx, tx, c); err != nil {
		return Comment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Comment{}, fmt.Errorf("escrow: commit comment: %w", err)
	}
	return c, nil
}

// AttachProof stores the delivery attestation and stamps the time marker
// that starts the arbitration clock. Write-once, by the seller or the admin.
func (s *Service) AttachProof(ctx context.Context, callerID, id string, proof []byte) (Record, error) {
	if len(proof) == 0 {
		return Record{}, fmt.Errorf("escrow: empty proof")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.State.Terminal() {
		return Record{}, ErrAlreadyFinished
	}

	if callerID != rec.SellerID {
		adminID, err := s.admins.Current(ctx)
		if err != nil {
			return Record{}, fmt.Errorf("escrow: resolve admin: %w", err)
		}
		if callerID != adminID {
			return Record{}, ErrAccessDenied
		}
	}
	if len(rec.Proof) > 0 {
		return Record{}, ErrProofAlreadyAttached
	}

	marker := s.now().UTC()
	if err := s.repo.SetProof(ctx, tx, id, proof, marker); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit proof: %w", err)
	}

	rec.Proof = proof
	rec.TimeMarker = &marker
	return rec, nil
}
