package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/pkg/crypto"
)

func TestImportRequiresStaff(t *testing.T) {
	repo := &mockUserRepo{}
	svc := newTestService(repo, stubOrgRepo{})

	_, err := svc.Import(context.Background(), domain.User{ID: "u1", Username: "plain"}, strings.NewReader("username\nalice\n"))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if repo.calls != 0 {
		t.Fatalf("expected zero repository calls, got %d", repo.calls)
	}
}

func TestImportRequiresUsernameColumn(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, stubOrgRepo{})

	_, err := svc.Import(context.Background(), staffActor(), strings.NewReader("email,first_name\na@b.vn,An\n"))
	if !errors.Is(err, ErrNoUsernameColumn) {
		t.Fatalf("expected ErrNoUsernameColumn, got %v", err)
	}
}

func TestImportGeneratesPasswordForBlankRows(t *testing.T) {
	var captured []repository.NewAccount
	repo := &mockUserRepo{
		createBatchFn: func(batch []repository.NewAccount) error {
			captured = batch
			return nil
		},
	}
	svc := newTestService(repo, stubOrgRepo{})
	svc.passwordFn = func(length int) (string, error) {
		if length != 16 {
			t.Fatalf("expected 16-char generation request, got %d", length)
		}
		return "generatedpw12345", nil
	}

	file := "username,password\nalice,ownpw\nbob,\n"
	result, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if len(captured) != 2 {
		t.Fatalf("expected 2 accounts persisted, got %d", len(captured))
	}
	if err := crypto.ComparePassword(captured[0].User.PasswordHash, "ownpw"); err != nil {
		t.Fatalf("alice hash does not match supplied password: %v", err)
	}
	if err := crypto.ComparePassword(captured[1].User.PasswordHash, "generatedpw12345"); err != nil {
		t.Fatalf("bob hash does not match generated password: %v", err)
	}
	if got := result.Rows[1][1]; got != "generatedpw12345" {
		t.Fatalf("expected generated password echoed, got %q", got)
	}
}

func TestImportGeneratedPasswordsAreUnique(t *testing.T) {
	repo := &mockUserRepo{}
	svc := newTestService(repo, stubOrgRepo{})
	// bcrypt at full cost across 1000 rows would dominate the test run
	svc.hashFn = func(plain string) ([]byte, error) { return []byte(plain), nil }

	var sb strings.Builder
	sb.WriteString("username\n")
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&sb, "user%04d\n", i)
	}

	result, err := svc.Import(context.Background(), staffActor(), strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if len(result.Rows) != 1000 {
		t.Fatalf("expected 1000 echoed rows, got %d", len(result.Rows))
	}
	passwordCol := len(result.Header) - 1
	if result.Header[passwordCol] != "password" {
		t.Fatalf("expected appended password column, header %v", result.Header)
	}
	seen := make(map[string]bool, 1000)
	for _, row := range result.Rows {
		pw := row[passwordCol]
		if len(pw) != 16 {
			t.Fatalf("expected 16-char password, got %q", pw)
		}
		if seen[pw] {
			t.Fatalf("duplicate generated password %q", pw)
		}
		seen[pw] = true
	}
}

func TestImportRejectsDuplicateHandleWithoutCreating(t *testing.T) {
	created := false
	repo := &mockUserRepo{
		createBatchFn: func(batch []repository.NewAccount) error {
			created = true
			return nil
		},
	}
	svc := newTestService(repo, stubOrgRepo{})

	file := "username\nalice\nbob\nalice\n"
	_, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if created {
		t.Fatalf("expected no accounts created on validation failure")
	}
	if len(validation.Rows) != 1 || validation.Rows[0].Field != colUsername || validation.Rows[0].Line != 4 {
		t.Fatalf("unexpected validation rows: %+v", validation.Rows)
	}
}

func TestImportRejectsTakenHandle(t *testing.T) {
	repo := &mockUserRepo{
		existingFn: func(usernames []string) ([]string, error) {
			return []string{"bob"}, nil
		},
	}
	svc := newTestService(repo, stubOrgRepo{})

	_, err := svc.Import(context.Background(), staffActor(), strings.NewReader("username\nalice\nbob\n"))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(validation.Rows) != 1 || validation.Rows[0].Line != 3 || validation.Rows[0].Message != "already taken" {
		t.Fatalf("unexpected validation rows: %+v", validation.Rows)
	}
}

func TestImportRejectsConfirmMismatch(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, stubOrgRepo{})

	file := "username,password,password_confirm\nalice,pw1,pw2\n"
	_, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(validation.Rows) != 1 || validation.Rows[0].Field != colPasswordConfirm {
		t.Fatalf("unexpected validation rows: %+v", validation.Rows)
	}
}

func TestImportUnknownOrganizationSoftFails(t *testing.T) {
	var captured []repository.NewAccount
	repo := &mockUserRepo{
		createBatchFn: func(batch []repository.NewAccount) error {
			captured = batch
			return nil
		},
	}
	orgs := stubOrgRepo{orgs: map[string]domain.Organization{
		"DUT": {ID: "org-1", Slug: "DUT"},
	}}
	svc := newTestService(repo, orgs)

	file := "username,organization\nalice,dut\nbob,ghost\n"
	result, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if captured[0].OrgID == nil || *captured[0].OrgID != "org-1" {
		t.Fatalf("expected alice resolved to org-1, got %v", captured[0].OrgID)
	}
	if captured[1].OrgID != nil {
		t.Fatalf("expected bob's unknown organization cleared, got %v", *captured[1].OrgID)
	}
	if result.Rows[1][1] != "" {
		t.Fatalf("expected empty echoed organization for bob, got %q", result.Rows[1][1])
	}
	if result.Rows[0][1] == "" {
		t.Fatalf("expected alice's organization echoed")
	}
}

func TestImportNeverEchoesPasswordConfirm(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, stubOrgRepo{})

	file := "username,password,password_confirm\nalice,pw1,pw1\n"
	result, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	for _, name := range result.Header {
		if name == colPasswordConfirm {
			t.Fatalf("password_confirm leaked into echo header %v", result.Header)
		}
	}
	body, err := result.CSV()
	if err != nil {
		t.Fatalf("CSV render failed: %v", err)
	}
	if strings.Contains(string(body), colPasswordConfirm) {
		t.Fatalf("password_confirm leaked into CSV body")
	}
}

func TestImportEndToEnd(t *testing.T) {
	var captured []repository.NewAccount
	repo := &mockUserRepo{
		createBatchFn: func(batch []repository.NewAccount) error {
			captured = batch
			return nil
		},
	}
	svc := newTestService(repo, stubOrgRepo{})

	file := "username,password,display_name\nalice,wonderland,Alice L.\nbob,,\n"
	result, err := svc.Import(context.Background(), staffActor(), strings.NewReader(file))
	if err != nil {
		t.Fatalf("Import returned error: %v", err)
	}
	if len(captured) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(captured))
	}
	if err := crypto.ComparePassword(captured[0].User.PasswordHash, "wonderland"); err != nil {
		t.Fatalf("alice password not preserved: %v", err)
	}
	if captured[0].DisplayName != "Alice L." {
		t.Fatalf("expected display name override, got %q", captured[0].DisplayName)
	}
	if captured[1].DisplayName != "bob" {
		t.Fatalf("expected display name defaulted to handle, got %q", captured[1].DisplayName)
	}
	if !captured[1].User.IsActive {
		t.Fatalf("expected imported accounts active")
	}

	bobPassword := result.Rows[1][1]
	if len(bobPassword) != 16 {
		t.Fatalf("expected 16-char generated password for bob, got %q", bobPassword)
	}
	if err := crypto.ComparePassword(captured[1].User.PasswordHash, bobPassword); err != nil {
		t.Fatalf("bob's echoed password does not match stored hash: %v", err)
	}
}

func TestImportRejectsEmptyFile(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, stubOrgRepo{})

	if _, err := svc.Import(context.Background(), staffActor(), strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("expected ErrEmptyFile, got %v", err)
	}
	if _, err := svc.Import(context.Background(), staffActor(), strings.NewReader("username\n")); !errors.Is(err, ErrNothingToImport) {
		t.Fatalf("expected ErrNothingToImport, got %v", err)
	}
}
