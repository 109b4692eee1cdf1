package auth

import "time"

type Role string

const (
	RoleTrader     Role = "trader"
	RoleBroker     Role = "broker"
	RoleArbitrator Role = "arbitrator"
)

// Account is the domain representation of an authenticated caller. Its ID is
// the identity string the escrow registry authorizes against. No JSON
// annotations so it can be reused by different presentation layers.
type Account struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
