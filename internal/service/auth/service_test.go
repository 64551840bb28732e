package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/config"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/crypto"
)

type stubUserRepo struct {
	users            map[string]*domain.User
	updatedPasswords map[string][]byte
}

func newStubUserRepo() *stubUserRepo {
	return &stubUserRepo{
		users:            make(map[string]*domain.User),
		updatedPasswords: make(map[string][]byte),
	}
}

func (s *stubUserRepo) CreateUser(ctx context.Context, user *domain.User) error {
	if _, exists := s.users[user.Username]; exists {
		return repository.ErrInvalidArgument
	}
	s.users[user.Username] = user
	return nil
}

func (s *stubUserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	if user, ok := s.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubUserRepo) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	for _, user := range s.users {
		if user.ID == id {
			copied := *user
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubUserRepo) ListUsers(ctx context.Context, filter repository.UserFilter) ([]domain.User, int, error) {
	return nil, 0, nil
}

func (s *stubUserRepo) UpdateUser(ctx context.Context, user *domain.User) error { return nil }

func (s *stubUserRepo) UpdatePassword(ctx context.Context, userID string, hash []byte) error {
	s.updatedPasswords[userID] = hash
	return nil
}

func (s *stubUserRepo) DeleteUser(ctx context.Context, id string) error { return nil }

func (s *stubUserRepo) ListExistingUsernames(ctx context.Context, usernames []string) ([]string, error) {
	return nil, nil
}

func (s *stubUserRepo) SetActiveByUsernames(ctx context.Context, usernames []string, includeSuperusers, active bool) (int64, error) {
	return 0, nil
}

func (s *stubUserRepo) DeleteByUsernames(ctx context.Context, usernames []string, includeSuperusers bool) (int64, error) {
	return 0, nil
}

func (s *stubUserRepo) CreateUsersWithProfiles(ctx context.Context, batch []repository.NewAccount) error {
	return nil
}

func newTestService(repo *stubUserRepo) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
	return New(repo, log, cfg)
}

func seedUser(t *testing.T, repo *stubUserRepo, username, password string, superuser bool) *domain.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := &domain.User{
		ID:           "id-" + username,
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		IsSuperuser:  superuser,
		DateJoined:   time.Now().UTC(),
	}
	repo.users[username] = user
	return user
}

func TestRegisterRejectsInvalidUsername(t *testing.T) {
	svc := newTestService(newStubUserRepo())
	if _, _, err := svc.Register(context.Background(), "Not Valid!", "pw", ""); !errors.Is(err, domain.ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
}

func TestLoginRoundTrip(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(repo)
	seedUser(t, repo, "alice", "wonderland", false)

	user, tokens, err := svc.Login(context.Background(), "alice", "wonderland")
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if user.Username != "alice" || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("unexpected login result: user=%+v tokens=%+v", user, tokens)
	}

	verified, claims, err := svc.Authorize(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if verified.ID != user.ID || claims.Username != "alice" {
		t.Fatalf("token does not round-trip identity: %+v", claims)
	}
}

func TestLoginRejectsBadCredentialsUniformly(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(repo)
	seedUser(t, repo, "alice", "wonderland", false)

	if _, _, err := svc.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrCredentials) {
		t.Fatalf("wrong password: expected ErrCredentials, got %v", err)
	}
	if _, _, err := svc.Login(context.Background(), "nosuch", "wonderland"); !errors.Is(err, ErrCredentials) {
		t.Fatalf("unknown user: expected ErrCredentials, got %v", err)
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(repo)
	user := seedUser(t, repo, "alice", "wonderland", false)
	user.IsActive = false

	if _, _, err := svc.Login(context.Background(), "alice", "wonderland"); !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}

func TestResetPasswordPolicy(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(repo)
	target := seedUser(t, repo, "alice", "wonderland", false)
	other := seedUser(t, repo, "mallory", "pw", false)
	root := seedUser(t, repo, "root", "pw", true)

	if err := svc.ResetPassword(context.Background(), *other, "alice", "newpw", "newpw"); !errors.Is(err, ErrResetForbidden) {
		t.Fatalf("unrelated user: expected ErrResetForbidden, got %v", err)
	}
	if err := svc.ResetPassword(context.Background(), *target, "alice", "newpw", "newpw"); err != nil {
		t.Fatalf("self reset failed: %v", err)
	}
	if err := svc.ResetPassword(context.Background(), *root, "alice", "rootpw", "rootpw"); err != nil {
		t.Fatalf("superuser reset failed: %v", err)
	}
	if len(repo.updatedPasswords[target.ID]) == 0 {
		t.Fatalf("expected stored password updated")
	}
}

func TestResetPasswordValidatesInput(t *testing.T) {
	repo := newStubUserRepo()
	svc := newTestService(repo)
	target := seedUser(t, repo, "alice", "wonderland", false)

	if err := svc.ResetPassword(context.Background(), *target, "alice", "", ""); !errors.Is(err, ErrPasswordRequired) {
		t.Fatalf("expected ErrPasswordRequired, got %v", err)
	}
	if err := svc.ResetPassword(context.Background(), *target, "alice", "one", "two"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
}
