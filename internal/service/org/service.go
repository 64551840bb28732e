package org

import (
	"context"
	"strings"

	"log/slog"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
)

// Service exposes organization lookups.
type Service struct {
	orgs   repository.OrganizationRepository
	logger *slog.Logger
}

// New constructs a Service.
func New(orgs repository.OrganizationRepository, logger *slog.Logger) Service {
	return Service{orgs: orgs, logger: logger}
}

// List returns every organization.
func (s Service) List(ctx context.Context) ([]domain.Organization, error) {
	return s.orgs.ListOrganizations(ctx)
}

// Get resolves one organization by slug, case-insensitively.
func (s Service) Get(ctx context.Context, slug string) (*domain.Organization, error) {
	return s.orgs.GetOrganizationBySlug(ctx, strings.ToUpper(strings.TrimSpace(slug)))
}
