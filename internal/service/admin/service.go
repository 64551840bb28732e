package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/audit"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/config"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/crypto"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/random"
)

// Batch actions accepted by BulkAction.
const (
	ActionActivate   = "activate"
	ActionDeactivate = "deactivate"
	ActionDelete     = "delete"
)

var (
	ErrForbidden     = errors.New("admin: staff capability required")
	ErrSuperuserOnly = errors.New("admin: superuser capability required")
	ErrUnknownAction = errors.New("admin: unrecognized action")
)

// Service handles staff-facing user administration: listings, single-user
// mutations, batch actions and CSV provisioning.
type Service struct {
	users  repository.UserRepository
	orgs   repository.OrganizationRepository
	audit  audit.Service
	logger *slog.Logger
	cfg    config.APIConfig

	// passwordFn generates credentials for imported rows that carry none.
	// Swappable so tests can supply a deterministic source.
	passwordFn func(length int) (string, error)
	// hashFn derives the stored credential. Swappable so large-batch
	// tests can avoid paying full bcrypt cost per row.
	hashFn func(plain string) ([]byte, error)
}

// New constructs a Service with the secure default password source.
func New(users repository.UserRepository, orgs repository.OrganizationRepository, auditSvc audit.Service, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{
		users:      users,
		orgs:       orgs,
		audit:      auditSvc,
		logger:     logger,
		cfg:        cfg,
		passwordFn: random.AlphanumericString,
		hashFn:     crypto.HashPassword,
	}
}

// BulkAction applies one named mutation to every account in usernames that
// the actor is allowed to target. Unless the actor may edit all users,
// superuser rows are silently excluded from the candidate set; usernames
// that resolve to nothing are dropped without error. Each mutation is
// atomic: all matched rows change or none do.
func (s Service) BulkAction(ctx context.Context, actor domain.User, action string, usernames []string) error {
	if !actor.IsStaff {
		return ErrForbidden
	}
	switch action {
	case ActionActivate, ActionDeactivate, ActionDelete:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	includeSuperusers := actor.CanEditAllUsers()
	var affected int64
	var err error
	switch action {
	case ActionActivate:
		affected, err = s.users.SetActiveByUsernames(ctx, usernames, includeSuperusers, true)
	case ActionDeactivate:
		affected, err = s.users.SetActiveByUsernames(ctx, usernames, includeSuperusers, false)
	case ActionDelete:
		affected, err = s.users.DeleteByUsernames(ctx, usernames, includeSuperusers)
	}
	if err != nil {
		return err
	}
	s.logger.Info("bulk user action applied", "action", action, "requested", len(usernames), "affected", affected, "actor", actor.Username)
	s.audit.Record(ctx, actor, "users."+action, int(affected), map[string]any{"usernames": usernames})
	return nil
}

// ListParams narrows the staff user listing.
type ListParams struct {
	IsActive       *bool
	IsStaff        *bool
	IsSuperuser    *bool
	UsernamePrefix string
	JoinedBefore   *time.Time
	JoinedAfter    *time.Time
	Page           int
}

// ListUsers returns one page of accounts plus the total match count.
// Staff actors who are not superusers never see superuser rows.
func (s Service) ListUsers(ctx context.Context, actor domain.User, params ListParams) ([]domain.User, int, error) {
	if !actor.IsStaff {
		return nil, 0, ErrForbidden
	}
	pageSize := s.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := params.Page
	if page < 1 {
		page = 1
	}
	filter := repository.UserFilter{
		IsActive:          params.IsActive,
		IsStaff:           params.IsStaff,
		IsSuperuser:       params.IsSuperuser,
		UsernamePrefix:    params.UsernamePrefix,
		JoinedBefore:      params.JoinedBefore,
		JoinedAfter:       params.JoinedAfter,
		ExcludeSuperusers: !actor.IsSuperuser,
		Limit:             pageSize,
		Offset:            (page - 1) * pageSize,
	}
	return s.users.ListUsers(ctx, filter)
}

// GetUser fetches one account by handle. Superuser rows are hidden from
// non-superuser staff, indistinguishable from absence.
func (s Service) GetUser(ctx context.Context, actor domain.User, username string) (*domain.User, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user.IsSuperuser && !actor.IsSuperuser {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

// CreateInput carries the fields a superuser may set on a new account.
type CreateInput struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	IsActive    bool   `json:"is_active"`
	IsStaff     bool   `json:"is_staff"`
	IsSuperuser bool   `json:"is_superuser"`
}

// CreateUser provisions one account. Superuser only.
func (s Service) CreateUser(ctx context.Context, actor domain.User, input CreateInput) (*domain.User, error) {
	if !actor.IsSuperuser {
		return nil, ErrSuperuserOnly
	}
	input.Username = strings.TrimSpace(input.Username)
	if err := domain.ValidateUsername(input.Username); err != nil {
		return nil, err
	}
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if err := domain.ValidateEmail(input.Email); err != nil {
		return nil, err
	}
	if input.Password == "" {
		generated, err := s.passwordFn(s.passwordLength())
		if err != nil {
			return nil, err
		}
		input.Password = generated
	}
	hash, err := s.hashFn(input.Password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     input.Username,
		PasswordHash: hash,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Email:        input.Email,
		IsActive:     input.IsActive,
		IsStaff:      input.IsStaff,
		IsSuperuser:  input.IsSuperuser,
		DateJoined:   time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, actor, "users.create", 1, map[string]string{"username": user.Username})
	return user, nil
}

// UpdateInput carries mutable account fields. Nil pointers leave the
// current value untouched; the handle itself is immutable.
type UpdateInput struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Email       *string `json:"email"`
	IsActive    *bool   `json:"is_active"`
	IsStaff     *bool   `json:"is_staff"`
	IsSuperuser *bool   `json:"is_superuser"`
}

// UpdateUser mutates one account. Superuser only.
func (s Service) UpdateUser(ctx context.Context, actor domain.User, username string, input UpdateInput) (*domain.User, error) {
	if !actor.IsSuperuser {
		return nil, ErrSuperuserOnly
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if input.FirstName != nil {
		user.FirstName = *input.FirstName
	}
	if input.LastName != nil {
		user.LastName = *input.LastName
	}
	if input.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*input.Email))
		if err := domain.ValidateEmail(email); err != nil {
			return nil, err
		}
		user.Email = email
	}
	if input.IsActive != nil {
		user.IsActive = *input.IsActive
	}
	if input.IsStaff != nil {
		user.IsStaff = *input.IsStaff
	}
	if input.IsSuperuser != nil {
		user.IsSuperuser = *input.IsSuperuser
	}
	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, actor, "users.update", 1, map[string]string{"username": user.Username})
	return user, nil
}

// DeleteUser removes one account and, by cascade, its profile. Superuser only.
func (s Service) DeleteUser(ctx context.Context, actor domain.User, username string) error {
	if !actor.IsSuperuser {
		return ErrSuperuserOnly
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := s.users.DeleteUser(ctx, user.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, "users.delete", 1, map[string]string{"username": user.Username})
	return nil
}

func (s Service) passwordLength() int {
	if s.cfg.ImportPasswordLen > 0 {
		return s.cfg.ImportPasswordLen
	}
	return 16
}
