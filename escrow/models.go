package escrow

import "time"

// State enumerates the lifecycle of an escrow record. Canceled and Validated
// are terminal; a record never leaves them and is never deleted.
type State string

const (
	StateInitialized           State = "initialized"
	StateBuyerCancelRequested  State = "buyer_cancel_requested"
	StateSellerCancelRequested State = "seller_cancel_requested"
	StateCanceled              State = "canceled"
	StateValidated             State = "validated"
)

// Terminal reports whether no further resolving transition is possible.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateValidated
}

// Role is the numeric role code a caller holds against a specific record.
type Role int16

const (
	RoleAdmin  Role = 0
	RoleBuyer  Role = 1
	RoleSeller Role = 2
	RoleBroker Role = 3
)

// Record mirrors the escrows table. Buyer, seller, and price are immutable
// after creation.
type Record struct {
	ID         string
	BuyerID    string
	SellerID   string
	BrokerID   *string
	Product    string
	Price      int64
	State      State
	Proof      []byte
	TimeMarker *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RoleOf resolves the caller's role against the record, consulting the
// current arbitrator identity for the admin code. The second return is false
// when the caller holds no role at all.
func (r Record) RoleOf(caller, adminID string) (Role, bool) {
	switch {
	case adminID != "" && caller == adminID:
		return RoleAdmin, true
	case caller == r.BuyerID:
		return RoleBuyer, true
	case caller == r.SellerID:
		return RoleSeller, true
	case r.BrokerID != nil && caller == *r.BrokerID:
		return RoleBroker, true
	default:
		return 0, false
	}
}

// Comment is one immutable annotation keyed by (timestamp, role code).
// Writing the exact same key again overwrites the message.
type Comment struct {
	EscrowID  string
	Timestamp int64
	RoleCode  Role
	Message   string
	CreatedAt time.Time
}

// CreateParams carries the caller-supplied fields of initialize. The escrow
// identifier is an externally supplied opaque key.
type CreateParams struct {
	ID       string
	SellerID string
	BrokerID *string
	Product  string
	Price    int64
}
