package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository         = (*Repository)(nil)
	_ repository.ProfileRepository      = (*Repository)(nil)
	_ repository.OrganizationRepository = (*Repository)(nil)
	_ repository.AuditRepository        = (*Repository)(nil)
)

const userColumns = `id, username, password_hash, first_name, last_name, email, is_active, is_staff, is_superuser, date_joined`

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, password_hash, first_name, last_name, email, is_active, is_staff, is_superuser, date_joined)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.PasswordHash, user.FirstName, user.LastName, user.Email, user.IsActive, user.IsStaff, user.IsSuperuser, user.DateJoined)
	return mapPgError(err)
}

// GetUserByUsername fetches a user by handle.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Email, &u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.DateJoined); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ListUsers returns a filtered page of users plus the total match count.
func (r *Repository) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, int, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.IsActive != nil {
		conditions = append(conditions, "is_active = "+arg(*filter.IsActive))
	}
	if filter.IsStaff != nil {
		conditions = append(conditions, "is_staff = "+arg(*filter.IsStaff))
	}
	if filter.IsSuperuser != nil {
		conditions = append(conditions, "is_superuser = "+arg(*filter.IsSuperuser))
	}
	if filter.ExcludeSuperusers {
		conditions = append(conditions, "is_superuser = FALSE")
	}
	if filter.UsernamePrefix != "" {
		conditions = append(conditions, "username LIKE "+arg(escapeLike(filter.UsernamePrefix)+"%"))
	}
	if filter.JoinedBefore != nil {
		conditions = append(conditions, "date_joined <= "+arg(*filter.JoinedBefore))
	}
	if filter.JoinedAfter != nil {
		conditions = append(conditions, "date_joined >= "+arg(*filter.JoinedAfter))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM users WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where + ` ORDER BY date_joined DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]domain.User, 0)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Email, &u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.DateJoined); err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// UpdateUser persists mutable account fields. Username is immutable.
func (r *Repository) UpdateUser(ctx context.Context, user *domain.User) error {
	const query = `UPDATE users
		SET first_name = $2, last_name = $3, email = $4, is_active = $5, is_staff = $6, is_superuser = $7
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, user.ID, user.FirstName, user.LastName, user.Email, user.IsActive, user.IsStaff, user.IsSuperuser)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the stored credential hash.
func (r *Repository) UpdatePassword(ctx context.Context, userID string, hash []byte) error {
	const query = `UPDATE users SET password_hash = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, userID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteUser removes one account. The profile row cascades.
func (r *Repository) DeleteUser(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListExistingUsernames returns the subset of usernames already present.
func (r *Repository) ListExistingUsernames(ctx context.Context, usernames []string) ([]string, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT username FROM users WHERE username = ANY($1)`, usernames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	taken := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		taken = append(taken, name)
	}
	return taken, rows.Err()
}

// SetActiveByUsernames flips the active flag on every matching account.
// A single UPDATE keeps the mutation atomic: either every matched row is
// changed or, on failure, none are.
func (r *Repository) SetActiveByUsernames(ctx context.Context, usernames []string, includeSuperusers, active bool) (int64, error) {
	if len(usernames) == 0 {
		return 0, nil
	}
	const query = `UPDATE users SET is_active = $1
		WHERE username = ANY($2) AND (is_superuser = FALSE OR $3)`
	tag, err := r.pool.Exec(ctx, query, active, usernames, includeSuperusers)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteByUsernames removes every matching account. Profiles and
// organization memberships cascade through foreign keys.
func (r *Repository) DeleteByUsernames(ctx context.Context, usernames []string, includeSuperusers bool) (int64, error) {
	if len(usernames) == 0 {
		return 0, nil
	}
	const query = `DELETE FROM users
		WHERE username = ANY($1) AND (is_superuser = FALSE OR $2)`
	tag, err := r.pool.Exec(ctx, query, usernames, includeSuperusers)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateUsersWithProfiles persists a provisioning batch in one transaction.
func (r *Repository) CreateUsersWithProfiles(ctx context.Context, batch []repository.NewAccount) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const userInsert = `INSERT INTO users (id, username, password_hash, first_name, last_name, email, is_active, is_staff, is_superuser, date_joined)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	const profileInsert = `INSERT INTO profiles (id, user_id, display_name, first_name, last_name, main_org_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	const memberInsert = `INSERT INTO profile_organizations (profile_id, org_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`

	pending := &pgx.Batch{}
	for _, account := range batch {
		u := account.User
		pending.Queue(userInsert, u.ID, u.Username, u.PasswordHash, u.FirstName, u.LastName, u.Email, u.IsActive, u.IsStaff, u.IsSuperuser, u.DateJoined)
		profileID := profileIDFor(u.ID)
		pending.Queue(profileInsert, profileID, u.ID, account.DisplayName, u.FirstName, u.LastName, account.OrgID, u.DateJoined)
		if account.OrgID != nil {
			pending.Queue(memberInsert, profileID, *account.OrgID)
		}
	}
	results := tx.SendBatch(ctx, pending)
	var batchErr error
	for i := 0; i < pending.Len(); i++ {
		if _, err := results.Exec(); err != nil && batchErr == nil {
			batchErr = mapPgError(err)
		}
	}
	if err := results.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr != nil {
		return batchErr
	}
	return tx.Commit(ctx)
}

// GetProfileByUsername loads a profile with its organization slugs.
func (r *Repository) GetProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	const query = `SELECT p.id, p.user_id, u.username, p.display_name, p.first_name, p.last_name, p.about, o.slug, p.updated_at
		FROM profiles p
		INNER JOIN users u ON u.id = p.user_id
		LEFT JOIN organizations o ON o.id = p.main_org_id
		WHERE u.username = $1`
	var p domain.Profile
	if err := r.pool.QueryRow(ctx, query, username).Scan(&p.ID, &p.UserID, &p.Username, &p.DisplayName, &p.FirstName, &p.LastName, &p.About, &p.MainOrgSlug, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if err := r.loadProfileOrgs(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetOrCreateProfile returns the user's profile, creating an empty one
// when absent.
func (r *Repository) GetOrCreateProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	const query = `INSERT INTO profiles (id, user_id, display_name, first_name, last_name, updated_at)
		SELECT $1, u.id, '', u.first_name, u.last_name, NOW() FROM users u WHERE u.id = $2
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, display_name, first_name, last_name, about, updated_at`
	var p domain.Profile
	if err := r.pool.QueryRow(ctx, query, profileIDFor(userID), userID).Scan(&p.ID, &p.UserID, &p.DisplayName, &p.FirstName, &p.LastName, &p.About, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	if err := r.loadProfileOrgs(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile persists presentation fields.
func (r *Repository) UpdateProfile(ctx context.Context, profile *domain.Profile) error {
	const query = `UPDATE profiles
		SET display_name = $2, first_name = $3, last_name = $4, about = $5, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, profile.ID, profile.DisplayName, profile.FirstName, profile.LastName, profile.About)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AddOrganizationMember records an organization membership.
func (r *Repository) AddOrganizationMember(ctx context.Context, profileID, orgID string) error {
	const query = `INSERT INTO profile_organizations (profile_id, org_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, query, profileID, orgID)
	return mapPgError(err)
}

// SetMainOrganization sets or clears the displayed organization.
func (r *Repository) SetMainOrganization(ctx context.Context, profileID string, orgID *string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE profiles SET main_org_id = $2, updated_at = NOW() WHERE id = $1`, profileID, orgID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) loadProfileOrgs(ctx context.Context, p *domain.Profile) error {
	const query = `SELECT o.slug FROM profile_organizations po
		INNER JOIN organizations o ON o.id = po.org_id
		WHERE po.profile_id = $1
		ORDER BY o.slug`
	rows, err := r.pool.Query(ctx, query, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	p.OrgSlugs = make([]string, 0)
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return err
		}
		p.OrgSlugs = append(p.OrgSlugs, slug)
	}
	return rows.Err()
}

// ListOrganizations returns all organizations ordered by slug.
func (r *Repository) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	const query = `SELECT id, slug, short_name, name, about, logo_url, is_open, created_at
		FROM organizations ORDER BY slug`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orgs := make([]domain.Organization, 0)
	for rows.Next() {
		var o domain.Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.ShortName, &o.Name, &o.About, &o.LogoURL, &o.IsOpen, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// GetOrganizationBySlug resolves a slug case-insensitively.
func (r *Repository) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	const query = `SELECT id, slug, short_name, name, about, logo_url, is_open, created_at
		FROM organizations WHERE UPPER(slug) = UPPER($1)`
	var o domain.Organization
	if err := r.pool.QueryRow(ctx, query, slug).Scan(&o.ID, &o.Slug, &o.ShortName, &o.Name, &o.About, &o.LogoURL, &o.IsOpen, &o.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// InsertAuditEvent appends an event to the audit trail.
func (r *Repository) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	const query = `INSERT INTO audit_events (id, actor_id, actor_username, action, target_count, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.ActorID, event.ActorUsername, event.Action, event.TargetCount, event.Detail, event.CreatedAt)
	return mapPgError(err)
}

// ListAuditEvents returns the newest events first.
func (r *Repository) ListAuditEvents(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, actor_id, actor_username, action, target_count, detail, created_at
		FROM audit_events ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorUsername, &e.Action, &e.TargetCount, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// profileIDFor derives the deterministic profile key for a user so the
// lazy get-or-create insert stays idempotent.
func profileIDFor(userID string) string {
	return "profile-" + userID
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505", "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
