package admin

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/domain"
	"github.com/tranductri2003/bkdnOJ-reborn-backend/internal/repository"
)

// Recognized CSV columns. Anything else in the header is ignored.
const (
	colUsername        = "username"
	colPassword        = "password"
	colPasswordConfirm = "password_confirm"
	colFirstName       = "first_name"
	colLastName        = "last_name"
	colEmail           = "email"
	colDisplayName     = "display_name"
	colOrganization    = "organization"
)

var (
	ErrEmptyFile        = errors.New("admin: import file is empty")
	ErrNoUsernameColumn = errors.New("admin: import file has no username column")
	ErrMalformedCSV     = errors.New("admin: import file is not valid CSV")
	ErrNothingToImport  = errors.New("admin: import file has no data rows")
)

// RowError pins one validation failure to its source line.
type RowError struct {
	Line    int    `json:"line"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every row failure in a rejected batch.
// A batch with any invalid row creates no accounts at all.
type ValidationError struct {
	Rows []RowError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("admin: import rejected, %d invalid row value(s)", len(e.Rows))
}

// ImportResult echoes the accepted batch back, credentials included,
// so the caller can distribute them. The password_confirm column is
// never echoed; a password column is appended when the input had none.
type ImportResult struct {
	Header  []string
	Rows    [][]string
	Created int
}

// CSV renders the result in the same shape the file arrived in.
func (r *ImportResult) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(r.Header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(r.Rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileFormat describes the accepted upload, served on OPTIONS so
// clients can discover the schema without a trial upload.
func FileFormat() map[string]any {
	return map[string]any{
		"file_ext": ".csv",
		"columns": map[string]string{
			colUsername:        "required, unique, lowercase alphanumeric",
			colPassword:        "optional, generated when blank",
			colPasswordConfirm: "optional, must match password when present",
			colFirstName:       "optional",
			colLastName:        "optional",
			colEmail:           "optional, must be a valid address",
			colDisplayName:     "optional, defaults to username",
			colOrganization:    "optional organization slug, cleared when unknown",
		},
	}
}

type importRow struct {
	line            int
	username        string
	password        string
	passwordConfirm string
	firstName       string
	lastName        string
	email           string
	displayName     string
	organization    string
	orgID           string
	generated       bool
}

// Import provisions accounts in bulk from a CSV stream. The whole batch
// is validated up front and persisted in one transaction: either every
// row becomes an account with its profile, or none do. Rows that name an
// unknown organization are still created, with the organization cleared.
func (s Service) Import(ctx context.Context, actor domain.User, file io.Reader) (*ImportResult, error) {
	if !actor.IsStaff {
		return nil, ErrForbidden
	}

	header, rows, err := s.parseCSV(file)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNothingToImport
	}

	// Fill in missing credentials before validating so generated rows
	// pass the confirmation check like any other.
	for i := range rows {
		if rows[i].password == "" {
			generated, err := s.passwordFn(s.passwordLength())
			if err != nil {
				return nil, fmt.Errorf("generate password: %w", err)
			}
			rows[i].password = generated
			rows[i].passwordConfirm = generated
			rows[i].generated = true
		}
	}

	if err := s.validateBatch(ctx, rows, header.has(colPasswordConfirm)); err != nil {
		return nil, err
	}

	if err := s.resolveOrganizations(ctx, rows); err != nil {
		return nil, err
	}

	batch := make([]repository.NewAccount, 0, len(rows))
	now := time.Now().UTC()
	for i := range rows {
		row := rows[i]
		hash, err := s.hashFn(row.password)
		if err != nil {
			return nil, err
		}
		displayName := row.displayName
		if displayName == "" {
			displayName = row.username
			rows[i].displayName = displayName
		}
		account := repository.NewAccount{
			User: domain.User{
				ID:           uuid.NewString(),
				Username:     row.username,
				PasswordHash: hash,
				FirstName:    row.firstName,
				LastName:     row.lastName,
				Email:        row.email,
				IsActive:     true,
				DateJoined:   now,
			},
			DisplayName: displayName,
		}
		if row.orgID != "" {
			orgID := row.orgID
			account.OrgID = &orgID
		}
		batch = append(batch, account)
	}

	if err := s.users.CreateUsersWithProfiles(ctx, batch); err != nil {
		return nil, err
	}

	usernames := make([]string, len(rows))
	for i, row := range rows {
		usernames[i] = row.username
	}
	s.logger.Info("bulk user import committed", "rows", len(rows), "actor", actor.Username)
	s.audit.Record(ctx, actor, "users.import", len(rows), map[string]any{"usernames": usernames})

	return s.echo(header, rows), nil
}

// csvHeader remembers the input column order so the echo can mirror it.
type csvHeader struct {
	columns []string
	index   map[string]int
}

func (h csvHeader) has(name string) bool {
	_, ok := h.index[name]
	return ok
}

func (s Service) parseCSV(file io.Reader) (csvHeader, []importRow, error) {
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	record, err := reader.Read()
	if err == io.EOF {
		return csvHeader{}, nil, ErrEmptyFile
	}
	if err != nil {
		return csvHeader{}, nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
	}

	header := csvHeader{index: make(map[string]int, len(record))}
	for i, name := range record {
		name = strings.ToLower(strings.TrimSpace(name))
		header.columns = append(header.columns, name)
		if _, dup := header.index[name]; !dup {
			header.index[name] = i
		}
	}
	if !header.has(colUsername) {
		return csvHeader{}, nil, ErrNoUsernameColumn
	}

	cell := func(record []string, name string) string {
		i, ok := header.index[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []importRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return csvHeader{}, nil, fmt.Errorf("%w: line %d: %v", ErrMalformedCSV, line, err)
		}
		rows = append(rows, importRow{
			line:            line,
			username:        cell(record, colUsername),
			password:        cell(record, colPassword),
			passwordConfirm: cell(record, colPasswordConfirm),
			firstName:       cell(record, colFirstName),
			lastName:        cell(record, colLastName),
			email:           strings.ToLower(cell(record, colEmail)),
			displayName:     cell(record, colDisplayName),
			organization:    cell(record, colOrganization),
		})
	}
	return header, rows, nil
}

func (s Service) validateBatch(ctx context.Context, rows []importRow, hasConfirm bool) error {
	var rowErrs []RowError
	seen := make(map[string]int, len(rows))

	for _, row := range rows {
		if err := domain.ValidateUsername(row.username); err != nil {
			rowErrs = append(rowErrs, RowError{Line: row.line, Field: colUsername, Message: err.Error()})
		} else if first, dup := seen[row.username]; dup {
			rowErrs = append(rowErrs, RowError{
				Line:    row.line,
				Field:   colUsername,
				Message: fmt.Sprintf("duplicates line %d", first),
			})
		} else {
			seen[row.username] = row.line
		}
		if err := domain.ValidateEmail(row.email); err != nil {
			rowErrs = append(rowErrs, RowError{Line: row.line, Field: colEmail, Message: err.Error()})
		}
		if hasConfirm && !row.generated && row.password != row.passwordConfirm {
			rowErrs = append(rowErrs, RowError{Line: row.line, Field: colPasswordConfirm, Message: "does not match password"})
		}
	}

	if len(seen) > 0 {
		usernames := make([]string, 0, len(seen))
		for username := range seen {
			usernames = append(usernames, username)
		}
		taken, err := s.users.ListExistingUsernames(ctx, usernames)
		if err != nil {
			return err
		}
		for _, username := range taken {
			rowErrs = append(rowErrs, RowError{
				Line:    seen[username],
				Field:   colUsername,
				Message: "already taken",
			})
		}
	}

	if len(rowErrs) > 0 {
		return &ValidationError{Rows: rowErrs}
	}
	return nil
}

// resolveOrganizations looks each row's organization slug up
// case-insensitively and attaches the matching organization ID. Unknown
// slugs are not an error: the reference is cleared and the account is
// created without one.
func (s Service) resolveOrganizations(ctx context.Context, rows []importRow) error {
	// slug -> org ID, empty string caching a known miss
	resolved := make(map[string]string)
	for i := range rows {
		slug := strings.ToUpper(rows[i].organization)
		if slug == "" {
			continue
		}
		id, ok := resolved[slug]
		if !ok {
			org, err := s.orgs.GetOrganizationBySlug(ctx, slug)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				s.logger.Warn("unknown organization in import, clearing", "slug", slug, "line", rows[i].line)
				id = ""
			case err != nil:
				return err
			default:
				id = org.ID
			}
			resolved[slug] = id
		}
		rows[i].orgID = id
		if id == "" {
			rows[i].organization = ""
		}
	}
	return nil
}

func (s Service) echo(header csvHeader, rows []importRow) *ImportResult {
	var out []string
	for _, name := range header.columns {
		switch name {
		case colPasswordConfirm:
		case colUsername, colPassword, colFirstName, colLastName, colEmail, colDisplayName, colOrganization:
			out = append(out, name)
		}
	}
	if !header.has(colPassword) {
		out = append(out, colPassword)
	}

	result := &ImportResult{Header: out, Created: len(rows)}
	for _, row := range rows {
		record := make([]string, 0, len(out))
		for _, name := range out {
			switch name {
			case colUsername:
				record = append(record, row.username)
			case colPassword:
				record = append(record, row.password)
			case colFirstName:
				record = append(record, row.firstName)
			case colLastName:
				record = append(record, row.lastName)
			case colEmail:
				record = append(record, row.email)
			case colDisplayName:
				record = append(record, row.displayName)
			case colOrganization:
				// Blank when the slug did not resolve.
				record = append(record, row.organization)
			}
		}
		result.Rows = append(result.Rows, record)
	}
	return result
}
