package escrow

import (
	"errors"
	"time"
)

// ArbitrationDelay is how long after the time marker the arbitrator must
// wait before releasing funds without buyer confirmation.
const ArbitrationDelay = 86400 * time.Second

var (
	// ErrNotFound signals the referenced escrow id is absent.
	ErrNotFound = errors.New("escrow: escrow not found")
	// ErrAlreadyExists signals initialize on a colliding id.
	ErrAlreadyExists = errors.New("escrow: escrow already exists")
	// ErrAmountMismatch signals the attached payment does not equal the price.
	ErrAmountMismatch = errors.New("escrow: the amount sent doesn't correspond to the price")
	// ErrAlreadyFinished signals an operation against a terminal record.
	ErrAlreadyFinished = errors.New("escrow: escrow already finished")
	// ErrCancelAlreadyRequested signals a principal re-requesting its own
	// outstanding cancellation.
	ErrCancelAlreadyRequested = errors.New("escrow: cancel already requested")
	// ErrAccessDenied signals the caller lacks the role the operation requires.
	ErrAccessDenied = errors.New("escrow: access denied")
	// ErrProofRequired signals admin arbitration without an attached proof.
	ErrProofRequired = errors.New("escrow: a proof is needed to validate the escrow")
	// ErrTooEarly signals admin arbitration before the delay has elapsed.
	ErrTooEarly = errors.New("escrow: too early to release payment")
	// ErrCancelPending signals admin arbitration while a cancellation request
	// is outstanding; only the principals may resolve that.
	ErrCancelPending = errors.New("escrow: cancellation pending")
	// ErrProofAlreadyAttached signals a second write to the write-once proof.
	ErrProofAlreadyAttached = errors.New("escrow: proof already attached")
)

// ResolveCancel computes the state a cancellation request by the given
// principal moves the record to. The 2-of-2 consent is a pure state
// comparison: only one pending request can exist at a time, so the
// counterparty's pending state is the consensus signal.
func ResolveCancel(current State, requester Role) (State, error) {
	var own, other State
	switch requester {
	case RoleBuyer:
		own, other = StateBuyerCancelRequested, StateSellerCancelRequested
	case RoleSeller:
		own, other = StateSellerCancelRequested, StateBuyerCancelRequested
	default:
		return "", ErrAccessDenied
	}

	switch current {
	case StateInitialized:
		return own, nil
	case own:
		return "", ErrCancelAlreadyRequested
	case other:
		return StateCanceled, nil
	default:
		return "", ErrAlreadyFinished
	}
}

// ArbitrationEligible checks the admin release gate: the record must still be
// in its initial state, carry a delivery proof, and the delay must have
// elapsed since the time marker.
func ArbitrationEligible(rec Record, now time.Time) error {
	switch rec.State {
	case StateBuyerCancelRequested, StateSellerCancelRequested:
		return ErrCancelPending
	case StateInitialized:
		// eligible, keep checking
	default:
		return ErrAlreadyFinished
	}
	if len(rec.Proof) == 0 {
		return ErrProofRequired
	}
	if rec.TimeMarker == nil || now.Sub(*rec.TimeMarker) < ArbitrationDelay {
		return ErrTooEarly
	}
	return nil
}
