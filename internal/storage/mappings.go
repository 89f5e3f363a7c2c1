package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateIssueMappingIfAbsent records a Linear issue to GitHub issue link.
// The unique (linear_issue_id, repository_id) constraint makes the insert
// atomic; created is false when a mapping already existed.
func (s *Store) CreateIssueMappingIfAbsent(ctx context.Context, linearIssueID string, githubIssueNumber int, repositoryID string) (created bool, err error) {
	query := `
		INSERT INTO github_linear_mappings (id, linear_issue_id, github_issue_id, repository_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(linear_issue_id, repository_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, uuid.NewString(), linearIssueID, githubIssueNumber, repositoryID, s.now())
	if err != nil {
		return false, fmt.Errorf("failed to create issue mapping: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetIssueMapping returns the GitHub issue mapped to a Linear issue in a repository.
func (s *Store) GetIssueMapping(ctx context.Context, linearIssueID, repositoryID string) (*IssueMapping, error) {
	var m IssueMapping
	query := `SELECT * FROM github_linear_mappings WHERE linear_issue_id = ? AND repository_id = ? LIMIT 1`
	if err := s.db.GetContext(ctx, &m, query, linearIssueID, repositoryID); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// NewPRMapping holds the fields recorded after a pull request is created.
type NewPRMapping struct {
	LinearIssueID  string
	GitHubPRID     int64
	RepositoryID   string
	GitHubPRNumber int
	GitHubPRURL    string
}

// CreatePRMapping records a pull request in the open state.
func (s *Store) CreatePRMapping(ctx context.Context, in NewPRMapping) (*PRMapping, error) {
	now := s.now()
	m := &PRMapping{
		ID:             uuid.NewString(),
		LinearIssueID:  in.LinearIssueID,
		GitHubPRID:     in.GitHubPRID,
		RepositoryID:   in.RepositoryID,
		GitHubPRNumber: in.GitHubPRNumber,
		GitHubPRURL:    in.GitHubPRURL,
		Status:         PRStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	query := `
		INSERT INTO github_pr_mappings (id, linear_issue_id, github_pr_id, repository_id, github_pr_number,
			github_pr_url, status, created_at, updated_at)
		VALUES (:id, :linear_issue_id, :github_pr_id, :repository_id, :github_pr_number,
			:github_pr_url, :status, :created_at, :updated_at)
	`
	if _, err := s.db.NamedExecContext(ctx, query, m); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create PR mapping: %w", err)
	}
	return m, nil
}

// GetPRMappingByLinearIssue returns the first PR recorded for a Linear issue in a repository.
func (s *Store) GetPRMappingByLinearIssue(ctx context.Context, linearIssueID, repositoryID string) (*PRMapping, error) {
	var m PRMapping
	query := `
		SELECT * FROM github_pr_mappings
		WHERE linear_issue_id = ? AND repository_id = ?
		ORDER BY created_at ASC LIMIT 1
	`
	if err := s.db.GetContext(ctx, &m, query, linearIssueID, repositoryID); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListPRMappingsByStatus returns PR mappings in the given status.
func (s *Store) ListPRMappingsByStatus(ctx context.Context, status PRStatus) ([]PRMapping, error) {
	var mappings []PRMapping
	query := `SELECT * FROM github_pr_mappings WHERE status = ? ORDER BY created_at ASC`
	err := s.db.SelectContext(ctx, &mappings, query, status)
	return mappings, err
}

// UpdatePRMappingStatus changes the status of a PR mapping.
func (s *Store) UpdatePRMappingStatus(ctx context.Context, id string, status PRStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid PR status %q", status)
	}
	query := `UPDATE github_pr_mappings SET status = ?, updated_at = ? WHERE id = ?`
	return s.execOne(ctx, query, status, s.now(), id)
}
