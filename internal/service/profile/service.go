package profile

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
)

var (
	ErrNotMember = errors.New("profile: user is not a member of that organization")
	ErrOrgClosed = errors.New("profile: organization does not accept self-service joins")
)

// Service manages the 1:1 profile attached to every account.
type Service struct {
	profiles repository.ProfileRepository
	orgs     repository.OrganizationRepository
	logger   *slog.Logger
}

// New constructs a Service.
func New(profiles repository.ProfileRepository, orgs repository.OrganizationRepository, logger *slog.Logger) Service {
	return Service{profiles: profiles, orgs: orgs, logger: logger}
}

// Get returns a user's public profile.
func (s Service) Get(ctx context.Context, username string) (*domain.Profile, error) {
	return s.profiles.GetProfileByUsername(ctx, strings.TrimSpace(username))
}

// UpdateInput carries the profile fields a user may edit. Nil pointers
// leave the current value untouched.
type UpdateInput struct {
	DisplayName  *string `json:"display_name"`
	FirstName    *string `json:"first_name"`
	LastName     *string `json:"last_name"`
	About        *string `json:"about"`
	Organization *string `json:"organization"`
}

// Update edits the caller's own profile, creating it on first touch.
// The main organization may only be set to one the user belongs to;
// an empty slug clears it.
func (s Service) Update(ctx context.Context, actor domain.User, input UpdateInput) (*domain.Profile, error) {
	prof, err := s.profiles.GetOrCreateProfile(ctx, actor.ID)
	if err != nil {
		return nil, err
	}
	if input.DisplayName != nil {
		prof.DisplayName = *input.DisplayName
	}
	if input.FirstName != nil {
		prof.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		prof.LastName = *input.LastName
	}
	if input.About != nil {
		prof.About = *input.About
	}
	if err := s.profiles.UpdateProfile(ctx, prof); err != nil {
		return nil, err
	}
	if input.Organization != nil {
		if err := s.setMainOrganization(ctx, prof, *input.Organization); err != nil {
			return nil, err
		}
	}
	return s.profiles.GetProfileByUsername(ctx, actor.Username)
}

// JoinOrganization adds the caller to an open organization.
func (s Service) JoinOrganization(ctx context.Context, actor domain.User, slug string) error {
	org, err := s.orgs.GetOrganizationBySlug(ctx, strings.ToUpper(strings.TrimSpace(slug)))
	if err != nil {
		return err
	}
	if !org.IsOpen {
		return ErrOrgClosed
	}
	prof, err := s.profiles.GetOrCreateProfile(ctx, actor.ID)
	if err != nil {
		return err
	}
	if err := s.profiles.AddOrganizationMember(ctx, prof.ID, org.ID); err != nil {
		return err
	}
	s.logger.Info("organization joined", "user_id", actor.ID, "org", org.Slug)
	return nil
}

func (s Service) setMainOrganization(ctx context.Context, prof *domain.Profile, slug string) error {
	slug = strings.ToUpper(strings.TrimSpace(slug))
	if slug == "" {
		return s.profiles.SetMainOrganization(ctx, prof.ID, nil)
	}
	org, err := s.orgs.GetOrganizationBySlug(ctx, slug)
	if err != nil {
		return err
	}
	member := false
	for _, existing := range prof.OrgSlugs {
		if strings.EqualFold(existing, org.Slug) {
			member = true
			break
		}
	}
	if !member {
		return ErrNotMember
	}
	return s.profiles.SetMainOrganization(ctx, prof.ID, &org.ID)
}
