package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/pipeline/pipelinetest"
	"github.com/user/linearpr/internal/storage"
)

type stubMatcher struct {
	result matcher.Result
}

func (m stubMatcher) Match(_ context.Context, branch string, _ *storage.Repository) matcher.Result {
	r := m.result
	r.BranchName = branch
	return r
}

type stubDescriber struct {
	text string
	err  error
}

func (d stubDescriber) Describe(context.Context, *matcher.MatchedIssue) (string, error) {
	return d.text, d.err
}

type stubClients struct {
	client GitHubAPI
	err    error
}

func (c stubClients) ClientForRepo(context.Context, string, string) (GitHubAPI, error) {
	return c.client, c.err
}

type recordingNotifier struct {
	prs []int
}

func (n *recordingNotifier) PullRequestCreated(_ context.Context, _ *storage.Repository, _ *matcher.MatchedIssue, pr *github.PullRequest) error {
	n.prs = append(n.prs, pr.Number)
	return nil
}

func newStore(t *testing.T) (*storage.Store, *storage.Repository) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewStore(db, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	repo, err := store.CreateRepository(context.Background(), storage.NewRepository{
		Name:          "letraz",
		Owner:         "letrazapp",
		GitHubID:      4242,
		WebhookSecret: "secret",
	})
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	return store, repo
}

func matchedIssue() *matcher.MatchedIssue {
	return &matcher.MatchedIssue{
		ID:         "uuid-55",
		Identifier: "LET-55",
		Title:      "Add export",
		URL:        "https://linear.app/letraz/issue/LET-55",
		State:      "In Progress",
		Labels:     []matcher.Ref{{ID: "l1", Name: "Feature"}, {ID: "l2", Name: "bug"}},
	}
}

func highMatch(issue *matcher.MatchedIssue) stubMatcher {
	return stubMatcher{result: matcher.Result{
		LinearIssueID: issue.Identifier,
		MatchedIssue:  issue,
		Confidence:    matcher.ConfidenceHigh,
	}}
}

func TestProcessNewBranchCreatesDraftPR(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	notifier := &recordingNotifier{}

	o := New(Deps{
		Matcher:   highMatch(matchedIssue()),
		Store:     store,
		Describer: stubDescriber{text: "Generated body"},
		Notifier:  notifier,
	}, Options{BaseBranch: "main", Dedupe: true})

	report := o.ProcessNewBranch(ctx, "LET-55-add-export", repo, gh)

	if len(gh.Created) != 1 {
		t.Fatalf("expected 1 pull request, got %d", len(gh.Created))
	}
	pr := gh.Created[0]
	if pr.Head != "LET-55-add-export" || pr.Base != "main" || !pr.Draft {
		t.Errorf("unexpected pull request %+v", pr)
	}
	if pr.Title != "LET-55 | Add export" {
		t.Errorf("expected title %q, got %q", "LET-55 | Add export", pr.Title)
	}
	if pr.Body != "Generated body" {
		t.Errorf("expected generated body, got %q", pr.Body)
	}

	m, err := store.GetPRMappingByLinearIssue(ctx, "uuid-55", repo.ID)
	if err != nil {
		t.Fatalf("expected PR mapping: %v", err)
	}
	if m.GitHubPRNumber != report.PRNumber || m.Status != storage.PRStatusOpen {
		t.Errorf("unexpected mapping %+v", m)
	}
	if len(notifier.prs) != 1 {
		t.Errorf("expected 1 notification, got %d", len(notifier.prs))
	}

	if s, _ := report.Step(StepLinkIssue); s.Status != StepSkipped {
		t.Errorf("expected link step skipped, got %+v", s)
	}
	if report.Failed() {
		t.Errorf("expected no failures, got %s", report.FailureSummary())
	}
}

func TestProcessNewBranchSkips(t *testing.T) {
	tests := []struct {
		name   string
		result matcher.Result
	}{
		{"no match", matcher.Result{Confidence: matcher.ConfidenceNone}},
		{"state gated", matcher.Result{LinearIssueID: "LET-9", Confidence: matcher.ConfidenceLow}},
		{"low confidence", matcher.Result{LinearIssueID: "LET-9", MatchedIssue: matchedIssue(), Confidence: matcher.ConfidenceLow}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, repo := newStore(t)
			gh := pipelinetest.NewGitHub()
			o := New(Deps{Matcher: stubMatcher{result: tt.result}, Store: store}, Options{})

			report := o.ProcessNewBranch(context.Background(), "feature/x", repo, gh)
			if len(gh.Calls) != 0 {
				t.Errorf("expected no GitHub calls, got %v", gh.Calls)
			}
			if s, _ := report.Step(StepMatch); s.Status != StepSkipped {
				t.Errorf("expected match skipped, got %+v", s)
			}
		})
	}
}

func TestDescriptionFallback(t *testing.T) {
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	issue := matchedIssue()

	o := New(Deps{
		Matcher:   highMatch(issue),
		Store:     store,
		Describer: stubDescriber{err: errors.New("generator down")},
	}, Options{})

	report := o.ProcessNewBranch(context.Background(), "LET-55", repo, gh)

	want := "## Issue\n[LET-55](https://linear.app/letraz/issue/LET-55)\n\n## Description\nAdd export"
	if gh.Created[0].Body != want {
		t.Errorf("expected fallback body %q, got %q", want, gh.Created[0].Body)
	}
	s, _ := report.Step(StepDescription)
	if s.Status != StepFailed || s.Kind != KindGeneration {
		t.Errorf("expected generation failure, got %+v", s)
	}
	if report.PRNumber == 0 {
		t.Error("expected pull request despite generator failure")
	}
}

func TestDedupeSkipsExistingPR(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()

	o := New(Deps{Matcher: highMatch(matchedIssue()), Store: store}, Options{Dedupe: true})

	first := o.ProcessNewBranch(ctx, "LET-55-add-export", repo, gh)
	second := o.ProcessNewBranch(ctx, "LET-55-add-export", repo, gh)

	if n := gh.Count("CreatePullRequest"); n != 1 {
		t.Fatalf("expected 1 CreatePullRequest call, got %d", n)
	}
	if s, _ := second.Step(StepDedupe); s.Status != StepSkipped {
		t.Errorf("expected dedupe skip, got %+v", s)
	}
	if second.PRNumber != first.PRNumber {
		t.Errorf("expected existing PR #%d, got #%d", first.PRNumber, second.PRNumber)
	}

	o = New(Deps{Matcher: highMatch(matchedIssue()), Store: store}, Options{Dedupe: false})
	o.ProcessNewBranch(ctx, "LET-55-add-export", repo, gh)
	if n := gh.Count("CreatePullRequest"); n != 2 {
		t.Errorf("expected creation without dedupe, got %d calls", n)
	}
}

func TestSameRepoIssueLinking(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	gh.Issues = []github.Issue{{Number: 12, Title: "Export", Milestone: &github.Milestone{Number: 3, Title: "v1"}}}

	issue := matchedIssue()
	issue.GitHubIssue = &matcher.GitHubIssueRef{Owner: "letrazapp", Repo: "letraz", Number: 12}

	o := New(Deps{Matcher: highMatch(issue), Store: store, Describer: stubDescriber{text: "Body"}}, Options{})
	report := o.ProcessNewBranch(ctx, "LET-55", repo, gh)

	if got := gh.Bodies[report.PRNumber]; got != "Body\n\nCloses #12" {
		t.Errorf("expected closing reference appended, got %q", got)
	}
	if gh.MilestoneSet[report.PRNumber] != 3 {
		t.Errorf("expected milestone 3 mirrored, got %d", gh.MilestoneSet[report.PRNumber])
	}

	m, err := store.GetIssueMapping(ctx, issue.ID, repo.ID)
	if err != nil || m.GitHubIssueID != 12 {
		t.Errorf("expected issue mapping to #12, got %+v, %v", m, err)
	}
}

func TestMappedIssueLinking(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	gh.Issues = []github.Issue{{Number: 8}}

	issue := matchedIssue()
	if _, err := store.CreateIssueMappingIfAbsent(ctx, issue.ID, 8, repo.ID); err != nil {
		t.Fatalf("CreateIssueMappingIfAbsent: %v", err)
	}

	o := New(Deps{Matcher: highMatch(issue), Store: store, Describer: stubDescriber{text: "Body"}}, Options{})
	report := o.ProcessNewBranch(ctx, "LET-55", repo, gh)

	if got := gh.Bodies[report.PRNumber]; got != "Body\n\nCloses #8" {
		t.Errorf("expected closing reference to mapped issue, got %q", got)
	}
	if s, _ := report.Step(StepMirrorMilestone); s.Status != StepSkipped {
		t.Errorf("expected milestone mirror skipped, got %+v", s)
	}
}

func TestCrossRepoIssueLinking(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	source := pipelinetest.NewGitHub()
	source.Issues = []github.Issue{{Number: 5, Milestone: &github.Milestone{Number: 1, Title: "Sprint 4"}}}

	issue := matchedIssue()
	issue.GitHubIssue = &matcher.GitHubIssueRef{Owner: "letrazapp", Repo: "backend", Number: 5}

	o := New(Deps{
		Matcher:   highMatch(issue),
		Store:     store,
		Describer: stubDescriber{text: "Body"},
		Clients:   stubClients{client: source},
	}, Options{})
	report := o.ProcessNewBranch(ctx, "LET-55", repo, gh)

	if got := gh.Bodies[report.PRNumber]; got != "Body\n\nFixes letrazapp/backend#5" {
		t.Errorf("expected cross-repo reference, got %q", got)
	}
	if len(gh.Milestones) != 1 || gh.Milestones[0].Title != "Sprint 4" {
		t.Errorf("expected milestone created by title, got %+v", gh.Milestones)
	}
	if len(source.Comments) != 1 || !strings.HasSuffix(source.Comments[0], "Linked PR: "+report.PRURL) {
		t.Errorf("expected back-reference comment, got %v", source.Comments)
	}
	if _, err := store.GetIssueMapping(ctx, issue.ID, repo.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no same-repo mapping for cross-repo issue, got %v", err)
	}
}

func TestMetadataStepsAreIndependent(t *testing.T) {
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	gh.Fail["ListLabels"] = errors.New("labels api down")
	gh.Assignees = []string{"octocat", "jane-doe"}

	issue := matchedIssue()
	issue.Assignee = &matcher.Ref{ID: "u1", Name: "jane"}
	issue.Milestone = &matcher.Ref{ID: "m1", Name: "Q3"}

	o := New(Deps{Matcher: highMatch(issue), Store: store}, Options{})
	report := o.ProcessNewBranch(context.Background(), "LET-55", repo, gh)

	if s, _ := report.Step(StepLabels); s.Status != StepFailed || s.Kind != KindUpstream {
		t.Errorf("expected labels failure, got %+v", s)
	}
	if got := gh.AddedAssignees[report.PRNumber]; len(got) != 1 || got[0] != "jane-doe" {
		t.Errorf("expected jane-doe assigned, got %v", got)
	}
	if gh.MilestoneSet[report.PRNumber] != 1 {
		t.Errorf("expected created milestone applied, got %d", gh.MilestoneSet[report.PRNumber])
	}
	if !strings.HasPrefix(report.FailureSummary(), "labels: ") {
		t.Errorf("unexpected failure summary %q", report.FailureSummary())
	}
}

func TestUnreachableRepositorySkipsMetadata(t *testing.T) {
	store, repo := newStore(t)
	gh := pipelinetest.NewGitHub()
	gh.Fail["GetRepository"] = errors.New("404")

	o := New(Deps{Matcher: highMatch(matchedIssue()), Store: store}, Options{})
	report := o.ProcessNewBranch(context.Background(), "LET-55", repo, gh)

	if gh.Count("ListLabels") != 0 {
		t.Error("expected no label calls after failed repository check")
	}
	if s, _ := report.Step(StepRepository); s.Status != StepFailed {
		t.Errorf("expected repository failure, got %+v", s)
	}
}

func TestEnsureLabelsIdempotent(t *testing.T) {
	ctx := context.Background()
	gh := pipelinetest.NewGitHub()
	gh.Labels = []github.Label{{ID: 1, Name: "Bug"}}

	created, err := EnsureLabels(ctx, gh, "o", "r", 1, []string{"bug", "Feature"})
	if err != nil {
		t.Fatalf("EnsureLabels: %v", err)
	}
	if len(created) != 1 || created[0] != "Feature" {
		t.Errorf("expected only Feature created, got %v", created)
	}

	before := gh.Count("CreateLabel")
	created, err = EnsureLabels(ctx, gh, "o", "r", 2, []string{"bug", "Feature"})
	if err != nil {
		t.Fatalf("EnsureLabels: %v", err)
	}
	if len(created) != 0 || gh.Count("CreateLabel") != before {
		t.Errorf("expected no label creation on second run, created %v", created)
	}
	if got := gh.AppliedLabels[2]; len(got) != 2 {
		t.Errorf("expected full label set applied, got %v", got)
	}
}

func TestEnsureLabelsCreateFailureIsIsolated(t *testing.T) {
	gh := pipelinetest.NewGitHub()
	gh.Fail["CreateLabel"] = errors.New("forbidden")

	created, err := EnsureLabels(context.Background(), gh, "o", "r", 1, []string{"a", "b"})
	if err != nil {
		t.Fatalf("EnsureLabels: %v", err)
	}
	if len(created) != 0 || gh.Count("CreateLabel") != 2 {
		t.Errorf("expected both creations attempted, got %d", gh.Count("CreateLabel"))
	}
	if gh.Count("AddLabels") != 1 {
		t.Error("expected labels applied after creation failures")
	}
}

func TestMatchAssignee(t *testing.T) {
	logins := []string{"janedoe", "Jane", "octocat"}

	tests := []struct {
		name     string
		expected string
	}{
		{"jane", "Jane"},
		{"JANEDOE", "janedoe"},
		{"Octocat Smith", "octocat"},
		{"cat", "octocat"},
		{"nobody", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := MatchAssignee(tt.name, logins); got != tt.expected {
			t.Errorf("%q: expected %q, got %q", tt.name, tt.expected, got)
		}
	}
}
