package webhook

import (
	"context"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/pipeline"
)

// AppInstallations exposes a GitHub App through the interfaces used by the
// webhook handler and the pipeline.
type AppInstallations struct {
	App *github.App
}

// RepositoryInstallation returns the installation covering owner/repo, or nil.
func (a AppInstallations) RepositoryInstallation(ctx context.Context, owner, repo string) (*github.Installation, error) {
	return a.App.RepositoryInstallation(ctx, owner, repo)
}

// InstallationClient returns a client authenticated as installation id.
func (a AppInstallations) InstallationClient(ctx context.Context, id int64) (pipeline.GitHubAPI, error) {
	c, err := a.App.InstallationClient(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ClientForRepo returns a client for any repository the App can reach.
func (a AppInstallations) ClientForRepo(ctx context.Context, owner, repo string) (pipeline.GitHubAPI, error) {
	c, err := a.App.ClientForRepo(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	return c, nil
}
