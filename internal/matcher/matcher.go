// Package matcher resolves branch names to Linear issues.
package matcher

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/user/linearpr/internal/linear"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// Confidence grades how certain a branch to issue match is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// relationLimit bounds concurrent relation lookups per match.
const relationLimit = 4

// States in which an issue may receive a pull request.
var validStates = map[string]bool{
	"In Progress": true,
	"Todo":        true,
	"Backlog":     true,
}

var (
	identifierRE = regexp.MustCompile(`(?i)[a-z]+-\d+`)
	keyNumberRE  = regexp.MustCompile(`^([A-Z]+)-(\d+)$`)
)

// IssueSource is the subset of the Linear API used for matching.
type IssueSource interface {
	FindIssue(ctx context.Context, teamKey string, number int, teamID string) (*linear.Issue, error)
	State(ctx context.Context, issueID string) (*linear.State, error)
	Assignee(ctx context.Context, issueID string) (*linear.User, error)
	Team(ctx context.Context, issueID string) (*linear.Team, error)
	Project(ctx context.Context, issueID string) (*linear.Project, error)
	Labels(ctx context.Context, issueID string) ([]linear.Label, error)
	ProjectMilestone(ctx context.Context, issueID string) (*linear.Milestone, error)
	Attachments(ctx context.Context, issueID string) ([]linear.Attachment, error)
	Integration(ctx context.Context, issueID string) (*linear.Integration, error)
}

// Ref is a named Linear entity.
type Ref struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MatchedIssue is a Linear issue with its relations resolved.
type MatchedIssue struct {
	ID          string          `json:"id"`
	Identifier  string          `json:"identifier"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	URL         string          `json:"url"`
	State       string          `json:"state"`
	Assignee    *Ref            `json:"assignee,omitempty"`
	Labels      []Ref           `json:"labels"`
	Priority    float64         `json:"priority"`
	Estimate    *float64        `json:"estimate,omitempty"`
	Team        Ref             `json:"team"`
	Project     *Ref            `json:"project,omitempty"`
	Milestone   *Ref            `json:"milestone,omitempty"`
	GitHubIssue *GitHubIssueRef `json:"githubIssue,omitempty"`
}

// Result is the outcome of matching one branch.
type Result struct {
	BranchName    string        `json:"branchName"`
	LinearIssueID string        `json:"linearIssueId,omitempty"`
	MatchedIssue  *MatchedIssue `json:"matchedIssue"`
	Confidence    Confidence    `json:"confidence"`
}

// ExtractLinearIssueID returns the first TEAM-123 shaped substring of a
// branch name, upper-cased, or "" when there is none.
func ExtractLinearIssueID(branch string) string {
	return strings.ToUpper(identifierRE.FindString(branch))
}

// Matcher matches branches against Linear.
type Matcher struct {
	source IssueSource
}

// New creates a Matcher. A nil source means Linear is not configured and
// every match yields ConfidenceNone.
func New(source IssueSource) *Matcher {
	return &Matcher{source: source}
}

// Match resolves a branch name to a Linear issue, honouring the repository's
// Linear team filter.
func (m *Matcher) Match(ctx context.Context, branch string, repo *storage.Repository) Result {
	res := Result{BranchName: branch, Confidence: ConfidenceNone}

	id := ExtractLinearIssueID(branch)
	if id == "" {
		return res
	}
	res.LinearIssueID = id

	if m.source == nil {
		return res
	}

	parts := keyNumberRE.FindStringSubmatch(id)
	if parts == nil {
		return res
	}
	number, err := strconv.Atoi(parts[2])
	if err != nil {
		return res
	}

	var teamID string
	if repo != nil {
		teamID = repo.TeamID()
	}

	log := logger.ForIssue(id)

	issue, err := m.source.FindIssue(ctx, parts[1], number, teamID)
	if err != nil {
		log.Warn().Err(err).Msg("Linear issue lookup failed")
		return res
	}
	if issue == nil {
		log.Debug().Msg("No Linear issue found")
		return res
	}

	matched := m.resolve(ctx, issue)

	if matched.State != "" && !validStates[matched.State] {
		log.Info().Str("state", matched.State).Msg("Linear issue is not in a state that accepts pull requests")
		res.Confidence = ConfidenceLow
		return res
	}

	matched.GitHubIssue = m.githubIssue(ctx, issue.ID)

	res.MatchedIssue = matched
	res.Confidence = confidence(branch, id, matched.Title)
	return res
}

// MatchAll matches branches one after another.
func (m *Matcher) MatchAll(ctx context.Context, branches []string, repo *storage.Repository) []Result {
	results := make([]Result, 0, len(branches))
	for _, b := range branches {
		results = append(results, m.Match(ctx, b, repo))
	}
	return results
}

// resolve loads the relations of an issue. A failed lookup leaves that
// relation empty and does not affect the others.
func (m *Matcher) resolve(ctx context.Context, issue *linear.Issue) *MatchedIssue {
	out := &MatchedIssue{
		ID:          issue.ID,
		Identifier:  issue.Identifier,
		Title:       issue.Title,
		Description: issue.Description,
		URL:         issue.URL,
		Priority:    issue.Priority,
		Estimate:    issue.Estimate,
		Labels:      []Ref{},
	}

	var (
		state     *linear.State
		assignee  *linear.User
		team      *linear.Team
		project   *linear.Project
		labels    []linear.Label
		milestone *linear.Milestone
	)

	g := new(errgroup.Group)
	g.SetLimit(relationLimit)

	lookup := func(name string, fn func() error) {
		g.Go(func() error {
			if err := fn(); err != nil {
				logger.Debug().Err(err).Str("issue", issue.Identifier).Str("relation", name).Msg("Linear relation unavailable")
			}
			return nil
		})
	}

	lookup("state", func() (err error) { state, err = m.source.State(ctx, issue.ID); return })
	lookup("assignee", func() (err error) { assignee, err = m.source.Assignee(ctx, issue.ID); return })
	lookup("team", func() (err error) { team, err = m.source.Team(ctx, issue.ID); return })
	lookup("project", func() (err error) { project, err = m.source.Project(ctx, issue.ID); return })
	lookup("labels", func() (err error) { labels, err = m.source.Labels(ctx, issue.ID); return })
	lookup("milestone", func() (err error) { milestone, err = m.source.ProjectMilestone(ctx, issue.ID); return })
	_ = g.Wait()

	if state != nil {
		out.State = state.Name
	}
	if assignee != nil {
		name := assignee.DisplayName
		if name == "" {
			name = assignee.Name
		}
		out.Assignee = &Ref{ID: assignee.ID, Name: name}
	}
	if team != nil {
		out.Team = Ref{ID: team.ID, Name: team.Name}
	}
	if project != nil {
		out.Project = &Ref{ID: project.ID, Name: project.Name}
	}
	for _, l := range labels {
		out.Labels = append(out.Labels, Ref{ID: l.ID, Name: l.Name})
	}
	if milestone != nil {
		out.Milestone = &Ref{ID: milestone.ID, Name: milestone.Name}
	}
	return out
}

// githubIssue finds a GitHub issue attached to a Linear issue, first through
// the integration external id and then through attachment links.
func (m *Matcher) githubIssue(ctx context.Context, issueID string) *GitHubIssueRef {
	if integ, err := m.source.Integration(ctx, issueID); err == nil && integ != nil {
		if strings.Contains(strings.ToLower(integ.SourceType), "github") {
			if ref, ok := ParseGitHubIssueRef(integ.ExternalID); ok {
				return &ref
			}
		}
	}

	attachments, err := m.source.Attachments(ctx, issueID)
	if err != nil {
		return nil
	}
	for _, a := range attachments {
		if ref, ok := ParseGitHubIssueRef(a.URL); ok {
			return &ref
		}
	}
	return nil
}

func confidence(branch, identifier, title string) Confidence {
	lower := strings.ToLower(branch)
	if strings.Contains(lower, strings.ToLower(identifier)) {
		return ConfidenceHigh
	}

	for _, word := range strings.Split(strings.ToLower(title), " ") {
		if utf8.RuneCountInString(word) > 3 && strings.Contains(lower, word) {
			return ConfidenceMedium
		}
	}
	return ConfidenceLow
}
