package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/admin"
	auditsvc "github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/audit"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/auth"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/org"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/service/profile"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/ws"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/config"
	jwtpkg "github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/jwt"
)

// memRepo backs router tests with map storage for every repository interface.
type memRepo struct {
	users    map[string]*domain.User
	profiles map[string]*domain.Profile
	orgs     map[string]domain.Organization
	events   []domain.AuditEvent
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    make(map[string]*domain.User),
		profiles: make(map[string]*domain.Profile),
		orgs:     make(map[string]domain.Organization),
	}
}

func (m *memRepo) CreateUser(ctx context.Context, user *domain.User) error {
	if _, exists := m.users[user.Username]; exists {
		return repository.ErrInvalidArgument
	}
	m.users[user.Username] = user
	return nil
}

func (m *memRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	if user, ok := m.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	for _, user := range m.users {
		if user.ID == id {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, int, error) {
	var out []domain.User
	for _, user := range m.users {
		if filter.ExcludeSuperusers && user.IsSuperuser {
			continue
		}
		out = append(out, *user)
	}
	return out, len(out), nil
}

func (m *memRepo) UpdateUser(ctx context.Context, user *domain.User) error {
	m.users[user.Username] = user
	return nil
}

func (m *memRepo) UpdatePassword(ctx context.Context, userID string, hash []byte) error {
	for _, user := range m.users {
		if user.ID == userID {
			user.PasswordHash = hash
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRepo) DeleteUser(ctx context.Context, id string) error {
	for username, user := range m.users {
		if user.ID == id {
			delete(m.users, username)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memRepo) ListExistingUsernames(ctx context.Context, usernames []string) ([]string, error) {
	var taken []string
	for _, username := range usernames {
		if _, ok := m.users[username]; ok {
			taken = append(taken, username)
		}
	}
	return taken, nil
}

func (m *memRepo) SetActiveByUsernames(ctx context.Context, usernames []string, includeSuperusers, active bool) (int64, error) {
	var affected int64
	for _, username := range usernames {
		user, ok := m.users[username]
		if !ok {
			continue
		}
		if user.IsSuperuser && !includeSuperusers {
			continue
		}
		user.IsActive = active
		affected++
	}
	return affected, nil
}

func (m *memRepo) DeleteByUsernames(ctx context.Context, usernames []string, includeSuperusers bool) (int64, error) {
	var affected int64
	for _, username := range usernames {
		user, ok := m.users[username]
		if !ok {
			continue
		}
		if user.IsSuperuser && !includeSuperusers {
			continue
		}
		delete(m.users, username)
		affected++
	}
	return affected, nil
}

func (m *memRepo) CreateUsersWithProfiles(ctx context.Context, batch []repository.NewAccount) error {
	for _, account := range batch {
		if _, exists := m.users[account.User.Username]; exists {
			return repository.ErrInvalidArgument
		}
	}
	for _, account := range batch {
		user := account.User
		m.users[user.Username] = &user
		m.profiles[user.ID] = &domain.Profile{
			ID:          "profile-" + user.ID,
			UserID:      user.ID,
			Username:    user.Username,
			DisplayName: account.DisplayName,
		}
	}
	return nil
}

func (m *memRepo) GetProfileByUsername(ctx context.Context, username string) (*domain.Profile, error) {
	user, ok := m.users[username]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if prof, ok := m.profiles[user.ID]; ok {
		copied := *prof
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) GetOrCreateProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if prof, ok := m.profiles[userID]; ok {
		copied := *prof
		return &copied, nil
	}
	user, err := m.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	prof := &domain.Profile{ID: "profile-" + userID, UserID: userID, Username: user.Username}
	m.profiles[userID] = prof
	copied := *prof
	return &copied, nil
}

func (m *memRepo) UpdateProfile(ctx context.Context, prof *domain.Profile) error {
	m.profiles[prof.UserID] = prof
	return nil
}

func (m *memRepo) AddOrganizationMember(ctx context.Context, profileID, orgID string) error {
	return nil
}

func (m *memRepo) SetMainOrganization(ctx context.Context, profileID string, orgID *string) error {
	return nil
}

func (m *memRepo) ListOrganizations(ctx context.Context) ([]domain.Organization, error) {
	var out []domain.Organization
	for _, organization := range m.orgs {
		out = append(out, organization)
	}
	return out, nil
}

func (m *memRepo) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	if organization, ok := m.orgs[strings.ToUpper(slug)]; ok {
		copied := organization
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memRepo) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	m.events = append(m.events, *event)
	return nil
}

func (m *memRepo) ListAuditEvents(ctx context.Context, limit, offset int) ([]domain.AuditEvent, error) {
	return append([]domain.AuditEvent(nil), m.events...), nil
}

func setupRouter(t *testing.T) (*Router, *memRepo, config.APIConfig) {
	t.Helper()
	repo := newMemRepo()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:          "router-test-secret",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    24 * time.Hour,
		ImportMaxFileBytes: 1 << 20,
		ImportPasswordLen:  16,
		PageSize:           50,
	}
	auditSvc := auditsvc.New(repo, ws.NewHub(), log)
	router := NewRouter(
		log,
		cfg,
		auth.New(repo, log, cfg),
		admin.New(repo, repo, auditSvc, log, cfg),
		profile.New(repo, repo, log),
		org.New(repo, log),
		auditSvc,
		nil,
		nil,
	)
	t.Cleanup(router.Close)
	return router, repo, cfg
}

func seedAccount(t *testing.T, repo *memRepo, username string, staff, superuser bool) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:          "id-" + username,
		Username:    username,
		IsActive:    true,
		IsStaff:     staff,
		IsSuperuser: superuser,
		DateJoined:  time.Now().UTC(),
	}
	repo.users[username] = user
	return user
}

func tokenFor(t *testing.T, cfg config.APIConfig, user *domain.User) string {
	t.Helper()
	token, err := jwtpkg.GenerateToken(user.ID, user.Username, user.IsStaff, user.IsSuperuser, cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestBulkActionEndpointRejectsUnknownAction(t *testing.T) {
	router, repo, cfg := setupRouter(t)
	staff := seedAccount(t, repo, "staffer", true, false)
	seedAccount(t, repo, "alice", false, false)

	body := `{"action":"explode","data":{"users":["alice"]}}`
	req := httptest.NewRequest(http.MethodPost, "/admin/users/act", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, cfg, staff))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != "Unrecognized action 'explode'" {
		t.Fatalf("unexpected error message: %q", payload["error"])
	}
	if !repo.users["alice"].IsActive {
		t.Fatalf("no mutation expected on rejected action")
	}
}

func TestBulkActionEndpointDeactivates(t *testing.T) {
	router, repo, cfg := setupRouter(t)
	staff := seedAccount(t, repo, "staffer", true, false)
	seedAccount(t, repo, "alice", false, false)
	seedAccount(t, repo, "root", true, true)

	body := `{"action":"deactivate","data":{"users":["alice","root"]}}`
	req := httptest.NewRequest(http.MethodPost, "/admin/users/act", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, cfg, staff))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if repo.users["alice"].IsActive {
		t.Fatalf("expected alice deactivated")
	}
	if !repo.users["root"].IsActive {
		t.Fatalf("expected superuser untouched by staff actor")
	}
	if len(repo.events) != 1 || repo.events[0].Action != "users.deactivate" {
		t.Fatalf("expected one audit event, got %+v", repo.events)
	}
}

func TestBulkActionEndpointRequiresAuth(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/users/act", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestImportEndpointOptionsSchema(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/admin/users/import", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload struct {
		FileFormat struct {
			FileExt string            `json:"file_ext"`
			Columns map[string]string `json:"columns"`
		} `json:"file_format"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if payload.FileFormat.FileExt != ".csv" {
		t.Fatalf("unexpected file_ext %q", payload.FileFormat.FileExt)
	}
	if _, ok := payload.FileFormat.Columns["username"]; !ok {
		t.Fatalf("schema missing username column: %+v", payload.FileFormat.Columns)
	}
}

func TestImportEndpointRequiresFile(t *testing.T) {
	router, repo, cfg := setupRouter(t)
	staff := seedAccount(t, repo, "staffer", true, false)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("note", "no file here"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/admin/users/import", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, cfg, staff))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "file is required") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestImportEndpointRoundTrip(t *testing.T) {
	router, repo, cfg := setupRouter(t)
	staff := seedAccount(t, repo, "staffer", true, false)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "accounts.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(part, "username,password\nalice,wonderland\nbob,\n"); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/admin/users/import", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, cfg, staff))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("expected CSV response, got %q", got)
	}
	csvBody := rr.Body.String()
	if !strings.Contains(csvBody, "alice,wonderland") {
		t.Fatalf("expected alice's row echoed, got:\n%s", csvBody)
	}
	if _, ok := repo.users["alice"]; !ok {
		t.Fatalf("expected alice created")
	}
	if _, ok := repo.users["bob"]; !ok {
		t.Fatalf("expected bob created")
	}
	if strings.Contains(csvBody, "password_confirm") {
		t.Fatalf("password_confirm leaked into response")
	}
}

func TestWhoAmIAnonymous(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/auth/whoami", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if value, ok := payload["user"]; !ok || value != nil {
		t.Fatalf("expected null user, got %v", payload)
	}
}
