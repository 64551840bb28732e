package domain

import "time"

// Profile extends a User with presentation and organization data.
// At most one profile exists per user; it is created lazily.
type Profile struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	About       string    `json:"about,omitempty"`
	MainOrgSlug *string   `json:"organization,omitempty"`
	OrgSlugs    []string  `json:"organizations"`
	UpdatedAt   time.Time `json:"updated_at"`
}
