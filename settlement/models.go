package settlement

import "time"

// Reason distinguishes the two resolving directions of an escrow.
type Reason string

const (
	ReasonRelease Reason = "release" // price to the seller on confirmed delivery
	ReasonRefund  Reason = "refund"  // price back to the buyer on mutual cancellation
)

// Status tracks delivery of the outbound instruction to the value-transfer
// primitive. The instruction itself is immutable once written.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusDead      Status = "dead"
)

// Transfer mirrors the transfers table: the single outbound value-transfer
// instruction emitted when an escrow resolves.
type Transfer struct {
	ID            string
	EscrowID      string
	Destination   string
	Amount        int64
	Reason        Reason
	Status        Status
	Attempts      int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
}

// ReleaseParams enumerates the write emitted by a resolving transition.
type ReleaseParams struct {
	EscrowID    string
	Destination string
	Amount      int64
	Reason      Reason
}
