package domain

import "time"

// User is an account allowed to call the API. Scope is the expanded
// namespace/action grant carried in the user's access tokens.
type User struct {
	Username     string                     `json:"username"`
	PasswordHash string                     `json:"-"`
	Role         string                     `json:"role"`
	Scope        map[string]map[string]bool `json:"scope"`
	Email        string                     `json:"email,omitempty"`
	Active       bool                       `json:"active"`
	CreatedAt    time.Time                  `json:"created_at"`
}

// RefreshToken is single use: it is deleted when exchanged.
type RefreshToken struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}
