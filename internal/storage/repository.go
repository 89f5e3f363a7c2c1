package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Store handles all database operations for the PR automation.
type Store struct {
	db       *Database
	tokenKey *[32]byte
	now      func() time.Time
}

// NewStore creates a new store. tokenKey is an optional hex encoded 32-byte key
// used to encrypt legacy access tokens.
func NewStore(db *Database, tokenKey string) (*Store, error) {
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if tokenKey != "" {
		raw, err := hex.DecodeString(tokenKey)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid token key: must be 32 bytes hex encoded")
		}
		var key [32]byte
		copy(key[:], raw)
		s.tokenKey = &key
	}
	return s, nil
}

// NewRepository holds the fields supplied when linking a repository.
type NewRepository struct {
	Name           string
	Owner          string
	GitHubID       int64
	WebhookSecret  string
	InstallationID int64
	AccessToken    string // plaintext, encrypted before storage
	LinearTeamID   string
	CreatedBy      string
}

// CreateRepository inserts an active repository. Returns ErrDuplicate when an
// active repository with the same owner and GitHub id exists.
func (s *Store) CreateRepository(ctx context.Context, in NewRepository) (*Repository, error) {
	if in.WebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}

	now := s.now()
	repo := &Repository{
		ID:            uuid.NewString(),
		Name:          in.Name,
		Owner:         in.Owner,
		GitHubID:      in.GitHubID,
		WebhookSecret: in.WebhookSecret,
		LinearTeamID:  nullString(in.LinearTeamID),
		IsActive:      true,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.InstallationID != 0 {
		repo.GitHubAppInstallationID = sql.NullInt64{Int64: in.InstallationID, Valid: true}
	}
	if in.AccessToken != "" {
		enc, err := s.EncryptToken(in.AccessToken)
		if err != nil {
			return nil, err
		}
		repo.AccessToken = nullString(enc)
	}

	query := `
		INSERT INTO repositories (id, name, owner, github_id, webhook_secret, github_app_installation_id,
			access_token, linear_team_id, is_active, created_by, created_at, updated_at)
		VALUES (:id, :name, :owner, :github_id, :webhook_secret, :github_app_installation_id,
			:access_token, :linear_team_id, :is_active, :created_by, :created_at, :updated_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, repo); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert repository: %w", err)
	}
	return repo, nil
}

// GetRepository returns an active repository by id.
func (s *Store) GetRepository(ctx context.Context, id string) (*Repository, error) {
	var repo Repository
	query := `SELECT * FROM repositories WHERE id = ? AND is_active = 1`
	if err := s.db.GetContext(ctx, &repo, query, id); err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

// GetRepositoryByGitHubID returns the active repository for a GitHub id and owner login.
func (s *Store) GetRepositoryByGitHubID(ctx context.Context, githubID int64, owner string) (*Repository, error) {
	var repo Repository
	query := `SELECT * FROM repositories WHERE github_id = ? AND owner = ? AND is_active = 1 LIMIT 1`
	if err := s.db.GetContext(ctx, &repo, query, githubID, owner); err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

// GetRepositoryByName returns the active repository for owner/name.
func (s *Store) GetRepositoryByName(ctx context.Context, owner, name string) (*Repository, error) {
	var repo Repository
	query := `SELECT * FROM repositories WHERE owner = ? AND name = ? AND is_active = 1 LIMIT 1`
	if err := s.db.GetContext(ctx, &repo, query, owner, name); err != nil {
		return nil, notFound(err)
	}
	return &repo, nil
}

// ListRepositories returns all active repositories, newest first.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	query := `SELECT * FROM repositories WHERE is_active = 1 ORDER BY created_at DESC`
	err := s.db.SelectContext(ctx, &repos, query)
	return repos, err
}

// RepositoryUpdate lists optional repository changes; nil fields are left untouched.
type RepositoryUpdate struct {
	Name          *string
	Owner         *string
	LinearTeamID  *string
	WebhookSecret *string
	AccessToken   *string
}

// UpdateRepository patches a repository.
func (s *Store) UpdateRepository(ctx context.Context, id string, u RepositoryUpdate) (*Repository, error) {
	repo, err := s.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.Name != nil {
		repo.Name = *u.Name
	}
	if u.Owner != nil {
		repo.Owner = *u.Owner
	}
	if u.LinearTeamID != nil {
		repo.LinearTeamID = nullString(*u.LinearTeamID)
	}
	if u.WebhookSecret != nil {
		if *u.WebhookSecret == "" {
			return nil, fmt.Errorf("webhook secret must not be empty")
		}
		repo.WebhookSecret = *u.WebhookSecret
	}
	if u.AccessToken != nil {
		enc, err := s.EncryptToken(*u.AccessToken)
		if err != nil {
			return nil, err
		}
		repo.AccessToken = nullString(enc)
	}
	repo.UpdatedAt = s.now()

	query := `
		UPDATE repositories SET name = :name, owner = :owner, linear_team_id = :linear_team_id,
			webhook_secret = :webhook_secret, access_token = :access_token, updated_at = :updated_at
		WHERE id = :id
	`
	if _, err := s.db.NamedExecContext(ctx, query, repo); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to update repository: %w", err)
	}
	return repo, nil
}

// SetInstallationID records the GitHub App installation serving a repository.
func (s *Store) SetInstallationID(ctx context.Context, id string, installationID int64) error {
	query := `UPDATE repositories SET github_app_installation_id = ?, updated_at = ? WHERE id = ?`
	return s.execOne(ctx, query, installationID, s.now(), id)
}

// DeactivateRepository soft-deletes a repository.
func (s *Store) DeactivateRepository(ctx context.Context, id string) error {
	query := `UPDATE repositories SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`
	return s.execOne(ctx, query, s.now(), id)
}

// RepositoryAccessToken returns the decrypted legacy access token, or "".
func (s *Store) RepositoryAccessToken(repo *Repository) (string, error) {
	if !repo.AccessToken.Valid || repo.AccessToken.String == "" {
		return "", nil
	}
	return s.DecryptToken(repo.AccessToken.String)
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
