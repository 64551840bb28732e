package repository

import (
	"context"
	"time"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
)

// UserFilter narrows user listings. Nil pointer fields are ignored.
type UserFilter struct {
	IsActive          *bool
	IsStaff           *bool
	IsSuperuser       *bool
	UsernamePrefix    string
	JoinedBefore      *time.Time
	JoinedAfter       *time.Time
	ExcludeSuperusers bool
	Limit             int
	Offset            int
}

// NewAccount couples a user record with the profile data created alongside
// it during bulk provisioning.
type NewAccount struct {
	User        domain.User
	DisplayName string
	OrgID       *string
}

// UserRepository persists accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]domain.User, int, error)
	UpdateUser(ctx context.Context, user *domain.User) error
	UpdatePassword(ctx context.Context, userID string, hash []byte) error
	DeleteUser(ctx context.Context, id string) error

	// ListExistingUsernames returns the subset of usernames already taken.
	ListExistingUsernames(ctx context.Context, usernames []string) ([]string, error)

	// SetActiveByUsernames flips the active flag on every matching account
	// in one transaction and reports how many rows changed. Superuser rows
	// are skipped unless includeSuperusers is set.
	SetActiveByUsernames(ctx context.Context, usernames []string, includeSuperusers, active bool) (int64, error)

	// DeleteByUsernames removes every matching account in one transaction.
	// Dependent profile rows cascade.
	DeleteByUsernames(ctx context.Context, usernames []string, includeSuperusers bool) (int64, error)

	// CreateUsersWithProfiles persists the whole batch, accounts and
	// profiles together, inside a single transaction. On any failure
	// nothing is created.
	CreateUsersWithProfiles(ctx context.Context, batch []NewAccount) error
}

// ProfileRepository manages the 1:1 user profile extension.
type ProfileRepository interface {
	GetProfileByUsername(ctx context.Context, username string) (*domain.Profile, error)
	GetOrCreateProfile(ctx context.Context, userID string) (*domain.Profile, error)
	UpdateProfile(ctx context.Context, profile *domain.Profile) error
	AddOrganizationMember(ctx context.Context, profileID, orgID string) error
	SetMainOrganization(ctx context.Context, profileID string, orgID *string) error
}

// OrganizationRepository resolves organization references.
type OrganizationRepository interface {
	ListOrganizations(ctx context.Context) ([]domain.Organization, error)
	// GetOrganizationBySlug looks a slug up case-insensitively and returns
	// ErrNotFound as a distinguishable outcome.
	GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error)
}

// AuditRepository stores the administrative audit trail.
type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error)
}
