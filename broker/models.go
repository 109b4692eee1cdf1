package broker

import "time"

// Profile is the directory entry for an optional informational party on an
// escrow. Brokers hold comment rights only.
type Profile struct {
	ID        string
	Name      string
	Contact   string
	Verified  bool
	CreatedAt time.Time
}
