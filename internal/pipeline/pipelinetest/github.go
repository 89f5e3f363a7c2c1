// Package pipelinetest provides an in-memory GitHub for pipeline tests.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/linearpr/internal/github"
)

// GitHub records calls and serves a single in-memory repository state.
// Fields may be set before use; Fail injects errors by method name.
type GitHub struct {
	mu sync.Mutex

	Issues     []github.Issue
	Labels     []github.Label
	Assignees  []string
	Milestones []github.Milestone
	Fail       map[string]error

	Created        []github.NewPullRequest
	Bodies         map[int]string
	CreatedLabels  []string
	AppliedLabels  map[int][]string
	AddedAssignees map[int][]string
	MilestoneSet   map[int]int
	Comments       []string
	Calls          []string

	nextPR int
}

// NewGitHub returns an empty fake.
func NewGitHub() *GitHub {
	return &GitHub{
		Fail:           map[string]error{},
		Bodies:         map[int]string{},
		AppliedLabels:  map[int][]string{},
		AddedAssignees: map[int][]string{},
		MilestoneSet:   map[int]int{},
		nextPR:         100,
	}
}

func (g *GitHub) call(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, name)
	return g.Fail[name]
}

// Count returns how many times a method was called.
func (g *GitHub) Count(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (g *GitHub) GetRepository(_ context.Context, owner, repo string) (*github.RepoInfo, error) {
	if err := g.call("GetRepository"); err != nil {
		return nil, err
	}
	return &github.RepoInfo{Owner: owner, Name: repo, FullName: owner + "/" + repo}, nil
}

func (g *GitHub) GetIssue(_ context.Context, _, _ string, number int) (*github.Issue, error) {
	if err := g.call("GetIssue"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.Issues {
		if g.Issues[i].Number == number {
			issue := g.Issues[i]
			return &issue, nil
		}
	}
	return nil, fmt.Errorf("issue #%d not found", number)
}

func (g *GitHub) ListRepositoryIssues(context.Context, string, string) ([]github.Issue, error) {
	if err := g.call("ListRepositoryIssues"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]github.Issue(nil), g.Issues...), nil
}

func (g *GitHub) SetIssueMilestone(_ context.Context, _, _ string, number, milestone int) error {
	if err := g.call("SetIssueMilestone"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.MilestoneSet[number] = milestone
	return nil
}

func (g *GitHub) ListLabels(context.Context, string, string) ([]github.Label, error) {
	if err := g.call("ListLabels"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]github.Label(nil), g.Labels...), nil
}

func (g *GitHub) CreateLabel(_ context.Context, _, _ string, name string) (*github.Label, error) {
	if err := g.call("CreateLabel"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.Labels {
		if strings.EqualFold(l.Name, name) {
			return nil, errors.New("label already exists")
		}
	}
	l := github.Label{ID: int64(len(g.Labels) + 1), Name: name}
	g.Labels = append(g.Labels, l)
	g.CreatedLabels = append(g.CreatedLabels, name)
	return &l, nil
}

func (g *GitHub) AddLabels(_ context.Context, _, _ string, number int, labels []string) error {
	if err := g.call("AddLabels"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AppliedLabels[number] = append(g.AppliedLabels[number], labels...)
	return nil
}

func (g *GitHub) ListAssignees(context.Context, string, string) ([]string, error) {
	if err := g.call("ListAssignees"); err != nil {
		return nil, err
	}
	return g.Assignees, nil
}

func (g *GitHub) AddAssignees(_ context.Context, _, _ string, number int, logins []string) error {
	if err := g.call("AddAssignees"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AddedAssignees[number] = append(g.AddedAssignees[number], logins...)
	return nil
}

func (g *GitHub) ListMilestones(context.Context, string, string) ([]github.Milestone, error) {
	if err := g.call("ListMilestones"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]github.Milestone(nil), g.Milestones...), nil
}

func (g *GitHub) CreateMilestone(_ context.Context, _, _ string, title string) (*github.Milestone, error) {
	if err := g.call("CreateMilestone"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	m := github.Milestone{Number: len(g.Milestones) + 1, Title: title}
	g.Milestones = append(g.Milestones, m)
	return &m, nil
}

// CreatePullRequest fails like an HTTP client would once ctx is done.
func (g *GitHub) CreatePullRequest(ctx context.Context, owner, repo string, pr github.NewPullRequest) (*github.PullRequest, error) {
	if err := g.call("CreatePullRequest"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextPR++
	g.Created = append(g.Created, pr)
	g.Bodies[g.nextPR] = pr.Body
	return &github.PullRequest{
		ID:      int64(g.nextPR) * 1000,
		Number:  g.nextPR,
		Title:   pr.Title,
		Body:    pr.Body,
		URL:     fmt.Sprintf("https://github.com/%s/%s/pull/%d", owner, repo, g.nextPR),
		State:   "open",
		Draft:   pr.Draft,
		HeadRef: pr.Head,
		BaseRef: pr.Base,
	}, nil
}

func (g *GitHub) UpdatePullRequestBody(_ context.Context, _, _ string, number int, body string) error {
	if err := g.call("UpdatePullRequestBody"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Bodies[number] = body
	return nil
}

func (g *GitHub) CreateIssueComment(_ context.Context, owner, repo string, number int, body string) error {
	if err := g.call("CreateIssueComment"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Comments = append(g.Comments, fmt.Sprintf("%s/%s#%d: %s", owner, repo, number, body))
	return nil
}
