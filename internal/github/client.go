// Package github provides GitHub App authentication and a typed REST client.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

const perPage = 100

// maxPages bounds paginated listings.
const maxPages = 100

// ErrRepositoryNotFound is returned when the credential cannot see a repository.
var ErrRepositoryNotFound = errors.New("repository not found or not accessible")

// Client wraps the GitHub API client for a single credential.
type Client struct {
	client *gh.Client
}

// NewClient creates a new GitHub API client.
// If token is empty, an unauthenticated client is created (with lower rate limits).
// A non-empty baseURL points the client at a GitHub Enterprise or test server.
func NewClient(token, baseURL string) (*Client, error) {
	var httpClient *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		httpClient = oauth2.NewClient(context.Background(), ts)
	}

	client := gh.NewClient(httpClient)
	if err := setBaseURL(client, baseURL); err != nil {
		return nil, err
	}
	return &Client{client: client}, nil
}

func setBaseURL(client *gh.Client, baseURL string) error {
	if baseURL == "" {
		return nil
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid GitHub API url: %w", err)
	}
	client.BaseURL = u
	return nil
}

// RepoInfo contains basic repository information.
type RepoInfo struct {
	ID          int64
	Owner       string
	Name        string
	FullName    string
	Description string
	Private     bool
	URL         string
}

// Issue is the subset of a GitHub issue the pipeline uses.
type Issue struct {
	Number    int
	Title     string
	State     string
	URL       string
	Milestone *Milestone
}

// Label is a repository label.
type Label struct {
	ID   int64
	Name string
}

// Milestone is a repository milestone.
type Milestone struct {
	Number int
	Title  string
}

// PullRequest is the subset of a GitHub pull request the pipeline uses.
type PullRequest struct {
	ID      int64
	Number  int
	Title   string
	Body    string
	URL     string
	State   string
	Draft   bool
	Merged  bool
	HeadRef string
	BaseRef string
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string
	Head  string
	Base  string
	Body  string
	Draft bool
}

// GetRepository retrieves information about a repository.
func (c *Client) GetRepository(ctx context.Context, owner, repo string) (*RepoInfo, error) {
	r, resp, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s/%s: %w", owner, repo, ErrRepositoryNotFound)
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return toRepoInfo(r), nil
}

func toRepoInfo(r *gh.Repository) *RepoInfo {
	return &RepoInfo{
		ID:          r.GetID(),
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Private:     r.GetPrivate(),
		URL:         r.GetHTMLURL(),
	}
}

// GetIssue retrieves a single issue.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	issue, _, err := c.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return toIssue(issue), nil
}

func toIssue(issue *gh.Issue) *Issue {
	out := &Issue{
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		State:  issue.GetState(),
		URL:    issue.GetHTMLURL(),
	}
	if m := issue.GetMilestone(); m != nil {
		out.Milestone = &Milestone{Number: m.GetNumber(), Title: m.GetTitle()}
	}
	return out
}

// ListRepositoryIssues returns every issue (open and closed) in a repository.
func (c *Client) ListRepositoryIssues(ctx context.Context, owner, repo string) ([]Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var issues []Issue
	for page := 0; page < maxPages; page++ {
		batch, resp, err := c.client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, issue := range batch {
			issues = append(issues, *toIssue(issue))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return issues, nil
}

// SetIssueMilestone sets the milestone on an issue or pull request.
func (c *Client) SetIssueMilestone(ctx context.Context, owner, repo string, number, milestone int) error {
	_, _, err := c.client.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{Milestone: gh.Int(milestone)})
	if err != nil {
		return fmt.Errorf("failed to set milestone on #%d: %w", number, err)
	}
	return nil
}

// ListLabels returns the labels defined in a repository.
func (c *Client) ListLabels(ctx context.Context, owner, repo string) ([]Label, error) {
	opts := &gh.ListOptions{PerPage: perPage}

	var labels []Label
	for page := 0; page < maxPages; page++ {
		batch, resp, err := c.client.Issues.ListLabels(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list labels: %w", err)
		}
		for _, l := range batch {
			labels = append(labels, Label{ID: l.GetID(), Name: l.GetName()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return labels, nil
}

// CreateLabel creates a repository label.
func (c *Client) CreateLabel(ctx context.Context, owner, repo, name string) (*Label, error) {
	l, _, err := c.client.Issues.CreateLabel(ctx, owner, repo, &gh.Label{Name: gh.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to create label %q: %w", name, err)
	}
	return &Label{ID: l.GetID(), Name: l.GetName()}, nil
}

// AddLabels adds labels to an issue or pull request.
func (c *Client) AddLabels(ctx context.Context, owner, repo string, number int, labels []string) error {
	_, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, labels)
	if err != nil {
		return fmt.Errorf("failed to add labels to #%d: %w", number, err)
	}
	return nil
}

// ListAssignees returns the logins that can be assigned in a repository.
func (c *Client) ListAssignees(ctx context.Context, owner, repo string) ([]string, error) {
	opts := &gh.ListOptions{PerPage: perPage}

	var logins []string
	for page := 0; page < maxPages; page++ {
		users, resp, err := c.client.Issues.ListAssignees(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list assignees: %w", err)
		}
		for _, u := range users {
			logins = append(logins, u.GetLogin())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return logins, nil
}

// AddAssignees assigns users to an issue or pull request.
func (c *Client) AddAssignees(ctx context.Context, owner, repo string, number int, logins []string) error {
	_, _, err := c.client.Issues.AddAssignees(ctx, owner, repo, number, logins)
	if err != nil {
		return fmt.Errorf("failed to add assignees to #%d: %w", number, err)
	}
	return nil
}

// ListMilestones returns the open milestones of a repository.
func (c *Client) ListMilestones(ctx context.Context, owner, repo string) ([]Milestone, error) {
	opts := &gh.MilestoneListOptions{ListOptions: gh.ListOptions{PerPage: perPage}}

	var milestones []Milestone
	for page := 0; page < maxPages; page++ {
		batch, resp, err := c.client.Issues.ListMilestones(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list milestones: %w", err)
		}
		for _, m := range batch {
			milestones = append(milestones, Milestone{Number: m.GetNumber(), Title: m.GetTitle()})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return milestones, nil
}

// CreateMilestone creates a milestone.
func (c *Client) CreateMilestone(ctx context.Context, owner, repo, title string) (*Milestone, error) {
	m, _, err := c.client.Issues.CreateMilestone(ctx, owner, repo, &gh.Milestone{Title: gh.String(title)})
	if err != nil {
		return nil, fmt.Errorf("failed to create milestone %q: %w", title, err)
	}
	return &Milestone{Number: m.GetNumber(), Title: m.GetTitle()}, nil
}

// CreatePullRequest opens a pull request.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, pr NewPullRequest) (*PullRequest, error) {
	created, _, err := c.client.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
		Title: gh.String(pr.Title),
		Head:  gh.String(pr.Head),
		Base:  gh.String(pr.Base),
		Body:  gh.String(pr.Body),
		Draft: gh.Bool(pr.Draft),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	return toPullRequest(created), nil
}

// GetPullRequest retrieves a pull request.
func (c *Client) GetPullRequest(ctx context.Context, owner, repo string, number int) (*PullRequest, error) {
	pr, _, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get pull request #%d: %w", number, err)
	}
	return toPullRequest(pr), nil
}

func toPullRequest(pr *gh.PullRequest) *PullRequest {
	return &PullRequest{
		ID:      pr.GetID(),
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		URL:     pr.GetHTMLURL(),
		State:   pr.GetState(),
		Draft:   pr.GetDraft(),
		Merged:  pr.GetMerged(),
		HeadRef: pr.GetHead().GetRef(),
		BaseRef: pr.GetBase().GetRef(),
	}
}

// UpdatePullRequestBody replaces the body of a pull request.
func (c *Client) UpdatePullRequestBody(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.PullRequests.Edit(ctx, owner, repo, number, &gh.PullRequest{Body: gh.String(body)})
	if err != nil {
		return fmt.Errorf("failed to update pull request #%d: %w", number, err)
	}
	return nil
}

// CreateIssueComment comments on an issue or pull request.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{Body: gh.String(body)})
	if err != nil {
		return fmt.Errorf("failed to comment on #%d: %w", number, err)
	}
	return nil
}

// CreateWebhook registers a JSON push webhook signed with secret.
func (c *Client) CreateWebhook(ctx context.Context, owner, repo, hookURL, secret string) (int64, error) {
	body := map[string]interface{}{
		"name":   "web",
		"active": true,
		"events": []string{"push"},
		"config": map[string]string{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	req, err := c.client.NewRequest(http.MethodPost, fmt.Sprintf("repos/%s/%s/hooks", owner, repo), body)
	if err != nil {
		return 0, err
	}

	var hook gh.Hook
	if _, err := c.client.Do(ctx, req, &hook); err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
			return 0, fmt.Errorf("webhook for %s/%s conflicts with an existing hook: %w", owner, repo, err)
		}
		return 0, fmt.Errorf("failed to create webhook: %w", err)
	}
	return hook.GetID(), nil
}
