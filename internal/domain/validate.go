package domain

import (
	"errors"
	"regexp"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-z0-9]+$`)
	emailRegex    = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
)

// ErrInvalidUsername rejects handles outside the lowercase-alphanumeric policy.
var ErrInvalidUsername = errors.New("username must be non-empty lowercase alphanumeric")

// ErrInvalidEmail rejects malformed addresses.
var ErrInvalidEmail = errors.New("email address is malformed")

// ValidateUsername enforces the account handle policy.
func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// ValidateEmail checks address shape. Empty emails are allowed; accounts
// provisioned in bulk often have none.
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}
