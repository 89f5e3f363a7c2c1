package reconcile

import (
	"context"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
)

// TokenStore decrypts legacy repository tokens.
type TokenStore interface {
	RepositoryAccessToken(repo *storage.Repository) (string, error)
}

// AppClients resolves repository clients through the recorded App
// installation, then the legacy access token, then installation discovery.
type AppClients struct {
	App     *github.App
	Tokens  TokenStore
	BaseURL string
}

// RepositoryClient returns a client for repo.
func (a AppClients) RepositoryClient(ctx context.Context, repo *storage.Repository) (PullRequests, error) {
	var (
		client *github.Client
		err    error
	)

	switch token, tokenErr := a.Tokens.RepositoryAccessToken(repo); {
	case repo.HasGitHubApp():
		client, err = a.App.InstallationClient(ctx, repo.GitHubAppInstallationID.Int64)
	case tokenErr != nil:
		return nil, tokenErr
	case token != "":
		client, err = github.NewClient(token, a.BaseURL)
	default:
		client, err = a.App.ClientForRepo(ctx, repo.Owner, repo.Name)
	}

	if err != nil {
		return nil, err
	}
	return client, nil
}
