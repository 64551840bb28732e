package domain

import "time"

// Organization is a membership group referenced by profiles.
// Slugs are stored uppercase and looked up case-insensitively.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	ShortName string    `json:"short_name"`
	Name      string    `json:"name"`
	About     string    `json:"about,omitempty"`
	LogoURL   string    `json:"logo_url,omitempty"`
	IsOpen    bool      `json:"is_open"`
	CreatedAt time.Time `json:"creation_date"`
}
