// Package pipeline turns a newly pushed branch into a draft pull request
// linked to its Linear issue.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// GitHubAPI is the REST surface used to create and decorate pull requests.
type GitHubAPI interface {
	GetRepository(ctx context.Context, owner, repo string) (*github.RepoInfo, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	ListRepositoryIssues(ctx context.Context, owner, repo string) ([]github.Issue, error)
	SetIssueMilestone(ctx context.Context, owner, repo string, number, milestone int) error
	ListLabels(ctx context.Context, owner, repo string) ([]github.Label, error)
	CreateLabel(ctx context.Context, owner, repo, name string) (*github.Label, error)
	AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error
	ListAssignees(ctx context.Context, owner, repo string) ([]string, error)
	AddAssignees(ctx context.Context, owner, repo string, number int, logins []string) error
	ListMilestones(ctx context.Context, owner, repo string) ([]github.Milestone, error)
	CreateMilestone(ctx context.Context, owner, repo, title string) (*github.Milestone, error)
	CreatePullRequest(ctx context.Context, owner, repo string, pr github.NewPullRequest) (*github.PullRequest, error)
	UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// ClientFactory returns a client able to act on another repository.
type ClientFactory interface {
	ClientForRepo(ctx context.Context, owner, repo string) (GitHubAPI, error)
}

// Store persists the mappings the pipeline produces.
type Store interface {
	GetIssueMapping(ctx context.Context, linearIssueID, repositoryID string) (*storage.IssueMapping, error)
	CreateIssueMappingIfAbsent(ctx context.Context, linearIssueID string, githubIssueNumber int, repositoryID string) (bool, error)
	CreatePRMapping(ctx context.Context, in storage.NewPRMapping) (*storage.PRMapping, error)
	GetPRMappingByLinearIssue(ctx context.Context, linearIssueID, repositoryID string) (*storage.PRMapping, error)
}

// Matcher resolves branches to Linear issues.
type Matcher interface {
	Match(ctx context.Context, branch string, repo *storage.Repository) matcher.Result
}

// Notifier is told about pull requests the pipeline opened.
type Notifier interface {
	PullRequestCreated(ctx context.Context, repo *storage.Repository, issue *matcher.MatchedIssue, pr *github.PullRequest) error
}

// Options tune the pipeline.
type Options struct {
	// BaseBranch is the branch pull requests target.
	BaseBranch string
	// Dedupe skips creation when a PR is already recorded for the issue.
	Dedupe bool
}

// Deps are the collaborators of an Orchestrator. Clients and Notifier are optional.
type Deps struct {
	Matcher   Matcher
	Store     Store
	Describer Describer
	Clients   ClientFactory
	Notifier  Notifier
}

// Orchestrator runs the branch to pull request pipeline.
type Orchestrator struct {
	deps Deps
	opts Options
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// ProcessNewBranch matches branch to a Linear issue and, for high or medium
// confidence matches, opens a draft PR and applies metadata to it. Failures
// are recorded in the returned Report rather than returned.
func (o *Orchestrator) ProcessNewBranch(ctx context.Context, branch string, repo *storage.Repository, client GitHubAPI) *Report {
	report := newReport(branch)
	log := logger.ForRepository(repo.FullName())

	res := o.deps.Matcher.Match(ctx, branch, repo)
	report.LinearIssueID = res.LinearIssueID
	report.Confidence = res.Confidence

	if res.MatchedIssue == nil {
		log.Info().Str("branch", branch).Msg("No matching Linear issue for branch")
		report.skip(StepMatch, "no matching Linear issue")
		return report
	}
	if res.Confidence == matcher.ConfidenceLow {
		log.Info().Str("branch", branch).Str("issue", res.MatchedIssue.Identifier).Msg("Skipping low confidence match")
		report.skip(StepMatch, "low confidence")
		return report
	}
	report.ok(StepMatch, fmt.Sprintf("%s (%s)", res.MatchedIssue.Identifier, res.Confidence))

	pr := o.CreatePR(ctx, res, repo, client, report)
	if pr == nil {
		return report
	}

	o.ApplyMetadata(ctx, pr, res.MatchedIssue, repo, client, report)
	return report
}

// CreatePR opens the draft pull request for a match and records its mapping.
// It returns nil when no pull request was created.
func (o *Orchestrator) CreatePR(ctx context.Context, res matcher.Result, repo *storage.Repository, client GitHubAPI, report *Report) *github.PullRequest {
	issue := res.MatchedIssue
	log := logger.ForRepository(repo.FullName())

	if o.opts.Dedupe {
		existing, err := o.deps.Store.GetPRMappingByLinearIssue(ctx, issue.ID, repo.ID)
		switch {
		case err == nil:
			log.Warn().Str("issue", issue.Identifier).Str("branch", res.BranchName).Int("pr", existing.GitHubPRNumber).Msg("Duplicate pull request skipped, issue already has one")
			report.skip(StepDedupe, fmt.Sprintf("pull request #%d already exists", existing.GitHubPRNumber))
			report.PRNumber = existing.GitHubPRNumber
			report.PRURL = existing.GitHubPRURL
			return nil
		case errors.Is(err, storage.ErrNotFound):
			report.ok(StepDedupe, "")
		default:
			log.Warn().Err(err).Msg("Failed to check for an existing pull request")
			report.fail(StepDedupe, KindPersistence, err)
		}
	}

	body := o.describe(ctx, issue, report)

	pr, err := client.CreatePullRequest(ctx, repo.Owner, repo.Name, github.NewPullRequest{
		Title: fmt.Sprintf("%s | %s", issue.Identifier, issue.Title),
		Head:  res.BranchName,
		Base:  o.opts.BaseBranch,
		Body:  body,
		Draft: true,
	})
	if err != nil {
		log.Error().Err(err).Str("branch", res.BranchName).Msg("Failed to create pull request")
		report.fail(StepPullRequest, KindUpstream, err)
		return nil
	}
	report.PRNumber = pr.Number
	report.PRURL = pr.URL
	report.ok(StepPullRequest, fmt.Sprintf("#%d", pr.Number))
	log.Info().Str("issue", issue.Identifier).Int("pr", pr.Number).Str("url", pr.URL).Msg("Created draft pull request")

	_, err = o.deps.Store.CreatePRMapping(ctx, storage.NewPRMapping{
		LinearIssueID:  issue.ID,
		GitHubPRID:     pr.ID,
		RepositoryID:   repo.ID,
		GitHubPRNumber: pr.Number,
		GitHubPRURL:    pr.URL,
	})
	if err != nil {
		log.Error().Err(err).Int("pr", pr.Number).Msg("Failed to record pull request mapping")
		report.fail(StepPRMapping, KindPersistence, err)
	} else {
		report.ok(StepPRMapping, "")
	}

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.PullRequestCreated(ctx, repo, issue, pr); err != nil {
			log.Warn().Err(err).Msg("Failed to send pull request notification")
			report.fail(StepNotify, KindUpstream, err)
		} else {
			report.ok(StepNotify, "")
		}
	}

	return pr
}

func (o *Orchestrator) describe(ctx context.Context, issue *matcher.MatchedIssue, report *Report) string {
	if o.deps.Describer == nil {
		report.skip(StepDescription, "no generator configured")
		return FallbackDescription(issue)
	}

	text, err := o.deps.Describer.Describe(ctx, issue)
	if err != nil {
		logger.Warn().Err(err).Str("issue", issue.Identifier).Msg("Description generation failed, using template")
		report.fail(StepDescription, KindGeneration, err)
		return FallbackDescription(issue)
	}
	report.ok(StepDescription, "")
	return text
}
