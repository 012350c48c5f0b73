package models

import (
	"errors"
	"time"
)

// User is an account created on first login through the OAuth provider.
type User struct {
	ID         string    `json:"id"`
	GoogleID   string    `json:"googleId"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Picture    string    `json:"picture"`
	GivenName  string    `json:"givenName,omitempty"`
	FamilyName string    `json:"familyName,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// GoogleProfile is the subset of the OAuth userinfo document used to resolve a User.
type GoogleProfile struct {
	ID         string `json:"sub"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Picture    string `json:"picture"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// Identity is what a verified bearer token yields.
type Identity struct {
	UserID string
	Email  string
}

// Failure reasons of user resolution. A resolution returns either a User or an error matching exactly one
// of these with errors.Is.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrDuplicateAccount = errors.New("email already linked to another account")
	ErrUpstreamProvider = errors.New("identity provider error")
)

// Failure reasons of bearer-token verification.
var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid or expired token")
)
