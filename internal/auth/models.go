package auth

import "errors"

// ErrUnauthorized is returned when the bearer token is missing or invalid
var ErrUnauthorized = errors.New("unauthorized")

// User represents an authenticated user from JWT token
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}
