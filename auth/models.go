package auth

import (
	"time"

	"gigflow/address"
)

type Role string

const (
	// RoleParty is a customer, freelancer or admin acting through its own wallet.
	RoleParty Role = "party"
	// RoleOperator signs as the marketplace root wallet.
	RoleOperator Role = "operator"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Wallet       address.Address
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Claims is what a verified bearer token asserts.
type Claims struct {
	UserID string
	Role   Role
	Wallet address.Address
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
