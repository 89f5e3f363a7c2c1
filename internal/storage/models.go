// Package storage provides database operations and data models.
package storage

import (
	"database/sql"
	"time"
)

// Repository is a GitHub repository linked to the PR automation.
type Repository struct {
	ID                      string         `db:"id" json:"id"`
	Name                    string         `db:"name" json:"name"`
	Owner                   string         `db:"owner" json:"owner"`
	GitHubID                int64          `db:"github_id" json:"githubId"`
	WebhookSecret           string         `db:"webhook_secret" json:"-"`
	GitHubAppInstallationID sql.NullInt64  `db:"github_app_installation_id" json:"-"`
	AccessToken             sql.NullString `db:"access_token" json:"-"` // encrypted, legacy OAuth flow
	LinearTeamID            sql.NullString `db:"linear_team_id" json:"-"`
	IsActive                bool           `db:"is_active" json:"isActive"`
	CreatedBy               string         `db:"created_by" json:"createdBy"`
	CreatedAt               time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt               time.Time      `db:"updated_at" json:"updatedAt"`
}

// FullName returns owner/name.
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// TeamID returns the configured Linear team filter, or "".
func (r *Repository) TeamID() string {
	if r.LinearTeamID.Valid {
		return r.LinearTeamID.String
	}
	return ""
}

// HasGitHubApp reports whether an App installation has been recorded.
func (r *Repository) HasGitHubApp() bool {
	return r.GitHubAppInstallationID.Valid && r.GitHubAppInstallationID.Int64 != 0
}

// WebhookEvent is one inbound webhook delivery.
type WebhookEvent struct {
	ID              string         `db:"id" json:"id"`
	RepositoryID    string         `db:"repository_id" json:"repositoryId"`
	EventType       string         `db:"event_type" json:"eventType"`
	DeliveryID      string         `db:"delivery_id" json:"deliveryId"`
	Payload         string         `db:"payload" json:"-"`
	Processed       bool           `db:"processed" json:"processed"`
	ProcessingError sql.NullString `db:"processing_error" json:"-"`
	Report          sql.NullString `db:"report" json:"-"`
	ProcessedAt     sql.NullTime   `db:"processed_at" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       sql.NullTime   `db:"updated_at" json:"-"`
}

// IssueMapping links a Linear issue to a GitHub issue in a repository.
// GitHubIssueID holds the issue number within the repository.
type IssueMapping struct {
	ID            string    `db:"id"`
	LinearIssueID string    `db:"linear_issue_id"`
	GitHubIssueID int       `db:"github_issue_id"`
	RepositoryID  string    `db:"repository_id"`
	CreatedAt     time.Time `db:"created_at"`
}

// PRStatus is the lifecycle state of a tracked pull request.
type PRStatus string

const (
	PRStatusOpen   PRStatus = "open"
	PRStatusClosed PRStatus = "closed"
	PRStatusMerged PRStatus = "merged"
)

// Valid reports whether s is a known status.
func (s PRStatus) Valid() bool {
	switch s {
	case PRStatusOpen, PRStatusClosed, PRStatusMerged:
		return true
	}
	return false
}

// PRMapping links a pull request created by the pipeline to its Linear issue.
type PRMapping struct {
	ID             string    `db:"id" json:"id"`
	LinearIssueID  string    `db:"linear_issue_id" json:"linearIssueId"`
	GitHubPRID     int64     `db:"github_pr_id" json:"githubPrId"`
	RepositoryID   string    `db:"repository_id" json:"repositoryId"`
	GitHubPRNumber int       `db:"github_pr_number" json:"githubPrNumber"`
	GitHubPRURL    string    `db:"github_pr_url" json:"githubPrUrl"`
	Status         PRStatus  `db:"status" json:"status"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `db:"updated_at" json:"updatedAt"`
}
