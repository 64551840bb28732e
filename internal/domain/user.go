package domain

import "time"

// User represents a platform account. Username is unique and immutable
// after creation.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	IsActive     bool      `json:"is_active"`
	IsStaff      bool      `json:"is_staff"`
	IsSuperuser  bool      `json:"is_superuser"`
	DateJoined   time.Time `json:"date_joined"`
}

// CanEditAllUsers reports whether the user may target superuser accounts
// in bulk administration.
func (u User) CanEditAllUsers() bool {
	return u.IsSuperuser
}
