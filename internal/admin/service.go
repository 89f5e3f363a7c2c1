// Package admin manages linked repositories and GitHub App installations.
package admin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// ErrInvalidRepository is returned for malformed repository references.
var ErrInvalidRepository = errors.New("invalid repository")

// App is the part of the GitHub App used by the admin surface.
type App interface {
	Installations(ctx context.Context) ([]github.Installation, error)
	RepositoryInstallation(ctx context.Context, owner, repo string) (*github.Installation, error)
	AccessibleRepositories(ctx context.Context) ([]github.RepoInfo, error)
	InstallURL() string
}

// RepoClient reads repositories and registers webhooks.
type RepoClient interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.RepoInfo, error)
	CreateWebhook(ctx context.Context, owner, repo, hookURL, secret string) (int64, error)
}

// Clients mints repository clients.
type Clients interface {
	InstallationClient(ctx context.Context, installationID int64) (RepoClient, error)
	TokenClient(token string) (RepoClient, error)
}

// Store is the persistence used by the admin surface.
type Store interface {
	CreateRepository(ctx context.Context, in storage.NewRepository) (*storage.Repository, error)
	GetRepository(ctx context.Context, id string) (*storage.Repository, error)
	GetRepositoryByName(ctx context.Context, owner, name string) (*storage.Repository, error)
	ListRepositories(ctx context.Context) ([]storage.Repository, error)
	DeactivateRepository(ctx context.Context, id string) error
	ListWebhookEvents(ctx context.Context, filter storage.EventFilter, limit int) ([]storage.WebhookEvent, error)
}

// Service implements repository administration.
type Service struct {
	app        App
	clients    Clients
	store      Store
	webhookURL string
}

// NewService creates an admin service. webhookURL may be empty, in which case
// webhooks are never registered automatically.
func NewService(app App, clients Clients, store Store, webhookURL string) *Service {
	return &Service{app: app, clients: clients, store: store, webhookURL: webhookURL}
}

// LinkRequest describes a repository to link.
type LinkRequest struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	LinearTeamID  string `json:"linearTeamId,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	CreatedBy     string `json:"createdBy,omitempty"`
	CreateWebhook bool   `json:"createWebhook"`
}

// LinkResult is the outcome of linking a repository.
type LinkResult struct {
	Repository    *storage.Repository `json:"repository"`
	WebhookSecret string              `json:"webhookSecret"`
	WebhookID     int64               `json:"webhookId,omitempty"`
	WebhookError  string              `json:"webhookError,omitempty"`
}

// ParseFullName splits "owner/name".
func ParseFullName(s string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}
	return owner, name, nil
}

// LinkRepository registers a repository for pull request automation. The
// repository is resolved through the App installation, or through the legacy
// access token when the App is not installed.
func (s *Service) LinkRepository(ctx context.Context, req LinkRequest) (*LinkResult, error) {
	if req.Owner == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", ErrInvalidRepository)
	}

	if _, err := s.store.GetRepositoryByName(ctx, req.Owner, req.Name); err == nil {
		return nil, storage.ErrDuplicate
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	client, installationID, err := s.repoClient(ctx, req.Owner, req.Name, req.AccessToken)
	if err != nil {
		return nil, err
	}

	info, err := client.GetRepository(ctx, req.Owner, req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s/%s: %w", req.Owner, req.Name, err)
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}

	repo, err := s.store.CreateRepository(ctx, storage.NewRepository{
		Name:           info.Name,
		Owner:          info.Owner,
		GitHubID:       info.ID,
		WebhookSecret:  secret,
		InstallationID: installationID,
		AccessToken:    req.AccessToken,
		LinearTeamID:   req.LinearTeamID,
		CreatedBy:      req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	result := &LinkResult{Repository: repo, WebhookSecret: secret}
	logger.Info().
		Str("repo", repo.FullName()).
		Int64("installation", installationID).
		Msg("Repository linked")

	if req.CreateWebhook && s.webhookURL != "" {
		id, err := client.CreateWebhook(ctx, repo.Owner, repo.Name, s.webhookURL, secret)
		if err != nil {
			logger.Warn().Err(err).Str("repo", repo.FullName()).Msg("Failed to create webhook")
			result.WebhookError = err.Error()
		} else {
			result.WebhookID = id
		}
	}

	return result, nil
}

func (s *Service) repoClient(ctx context.Context, owner, name, token string) (RepoClient, int64, error) {
	inst, err := s.app.RepositoryInstallation(ctx, owner, name)
	if err != nil {
		return nil, 0, err
	}
	if inst != nil {
		client, err := s.clients.InstallationClient(ctx, inst.ID)
		return client, inst.ID, err
	}
	if token == "" {
		return nil, 0, github.ErrNotInstalled
	}
	client, err := s.clients.TokenClient(token)
	return client, 0, err
}

// UnlinkRepository deactivates a repository by id.
func (s *Service) UnlinkRepository(ctx context.Context, id string) error {
	if err := s.store.DeactivateRepository(ctx, id); err != nil {
		return err
	}
	logger.Info().Str("id", id).Msg("Repository unlinked")
	return nil
}

// UnlinkByName deactivates the repository owner/name.
func (s *Service) UnlinkByName(ctx context.Context, owner, name string) error {
	repo, err := s.store.GetRepositoryByName(ctx, owner, name)
	if err != nil {
		return err
	}
	return s.UnlinkRepository(ctx, repo.ID)
}

// ListRepositories returns the active linked repositories.
func (s *Service) ListRepositories(ctx context.Context) ([]storage.Repository, error) {
	return s.store.ListRepositories(ctx)
}

// Installations lists the App installations.
func (s *Service) Installations(ctx context.Context) ([]github.Installation, error) {
	return s.app.Installations(ctx)
}

// AccessibleRepositories lists every repository the App can reach.
func (s *Service) AccessibleRepositories(ctx context.Context) ([]github.RepoInfo, error) {
	return s.app.AccessibleRepositories(ctx)
}

// InstallURL returns the App installation page.
func (s *Service) InstallURL() string {
	return s.app.InstallURL()
}

// WebhookRequest asks for a webhook on a repository. Empty URL and secret fall
// back to the configured endpoint and the linked repository's secret.
type WebhookRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

// CreateWebhook registers a push webhook through the App installation.
func (s *Service) CreateWebhook(ctx context.Context, req WebhookRequest) (int64, error) {
	if req.Owner == "" || req.Repo == "" {
		return 0, fmt.Errorf("%w: owner and repo are required", ErrInvalidRepository)
	}
	if req.URL == "" {
		req.URL = s.webhookURL
	}
	if req.Secret == "" {
		if repo, err := s.store.GetRepositoryByName(ctx, req.Owner, req.Repo); err == nil {
			req.Secret = repo.WebhookSecret
		}
	}
	if req.URL == "" || req.Secret == "" {
		return 0, fmt.Errorf("%w: webhook url and secret are required", ErrInvalidRepository)
	}

	inst, err := s.app.RepositoryInstallation(ctx, req.Owner, req.Repo)
	if err != nil {
		return 0, err
	}
	if inst == nil {
		return 0, github.ErrNotInstalled
	}

	client, err := s.clients.InstallationClient(ctx, inst.ID)
	if err != nil {
		return 0, err
	}
	return client.CreateWebhook(ctx, req.Owner, req.Repo, req.URL, req.Secret)
}

// UnprocessedEvents returns the oldest deliveries not yet processed.
func (s *Service) UnprocessedEvents(ctx context.Context, limit int) ([]storage.WebhookEvent, error) {
	return s.store.ListWebhookEvents(ctx, storage.EventsUnprocessed, limit)
}

// WebhookEvents lists deliveries matching filter.
func (s *Service) WebhookEvents(ctx context.Context, filter storage.EventFilter, limit int) ([]storage.WebhookEvent, error) {
	return s.store.ListWebhookEvents(ctx, filter, limit)
}

// newWebhookSecret returns 32 random bytes, hex encoded.
func newWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GitHubClients mints clients from a GitHub App or a plain token.
type GitHubClients struct {
	App     *github.App
	BaseURL string
}

// InstallationClient returns a client authenticated as an installation.
func (g GitHubClients) InstallationClient(ctx context.Context, id int64) (RepoClient, error) {
	c, err := g.App.InstallationClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// TokenClient returns a client authenticated with a personal or OAuth token.
func (g GitHubClients) TokenClient(token string) (RepoClient, error) {
	c, err := github.NewClient(token, g.BaseURL)
	if err != nil {
		return nil, err
	}
	return c, nil
}
