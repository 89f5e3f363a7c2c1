package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// ApplyMetadata links the GitHub issue and copies labels, assignee and
// milestone from the Linear issue onto the pull request. Each step runs
// regardless of the others' outcome.
func (o *Orchestrator) ApplyMetadata(ctx context.Context, pr *github.PullRequest, issue *matcher.MatchedIssue, repo *storage.Repository, client GitHubAPI, report *Report) {
	log := logger.ForRepository(repo.FullName())

	if _, err := client.GetRepository(ctx, repo.Owner, repo.Name); err != nil {
		log.Error().Err(err).Msg("Repository not reachable, skipping metadata")
		report.fail(StepRepository, KindUpstream, err)
		return
	}

	o.linkIssue(ctx, pr, issue, repo, client, report)

	if len(issue.Labels) > 0 {
		names := make([]string, 0, len(issue.Labels))
		for _, l := range issue.Labels {
			names = append(names, l.Name)
		}
		if created, err := EnsureLabels(ctx, client, repo.Owner, repo.Name, pr.Number, names); err != nil {
			log.Warn().Err(err).Int("pr", pr.Number).Msg("Failed to apply labels")
			report.fail(StepLabels, KindUpstream, err)
		} else {
			report.ok(StepLabels, fmt.Sprintf("%d applied, %d created", len(names), len(created)))
		}
	} else {
		report.skip(StepLabels, "no labels on issue")
	}

	o.assign(ctx, pr, issue, repo, client, report)

	if issue.Milestone != nil {
		if err := applyMilestoneByTitle(ctx, client, repo.Owner, repo.Name, pr.Number, issue.Milestone.Name); err != nil {
			log.Warn().Err(err).Int("pr", pr.Number).Msg("Failed to apply milestone")
			report.fail(StepMilestone, KindUpstream, err)
		} else {
			report.ok(StepMilestone, issue.Milestone.Name)
		}
	} else {
		report.skip(StepMilestone, "no milestone on issue")
	}
}

func (o *Orchestrator) linkIssue(ctx context.Context, pr *github.PullRequest, issue *matcher.MatchedIssue, repo *storage.Repository, client GitHubAPI, report *Report) {
	log := logger.ForRepository(repo.FullName())

	mapping, err := o.deps.Store.GetIssueMapping(ctx, issue.ID, repo.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Msg("Failed to look up issue mapping")
		report.fail(StepIssueMapping, KindPersistence, err)
	}

	switch {
	case issue.GitHubIssue != nil && !sameRepo(*issue.GitHubIssue, repo):
		o.linkCrossRepo(ctx, pr, *issue.GitHubIssue, repo, client, report)

	case issue.GitHubIssue != nil:
		number := issue.GitHubIssue.Number
		linkSameRepo(ctx, pr, number, repo, client, report)
		if _, err := o.deps.Store.CreateIssueMappingIfAbsent(ctx, issue.ID, number, repo.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to record issue mapping")
			report.fail(StepIssueMapping, KindPersistence, err)
		}
		mirrorMilestone(ctx, pr, number, repo, client, report)

	case mapping != nil:
		linkSameRepo(ctx, pr, mapping.GitHubIssueID, repo, client, report)
		mirrorMilestone(ctx, pr, mapping.GitHubIssueID, repo, client, report)

	default:
		report.skip(StepLinkIssue, "no GitHub issue attached")
	}
}

func sameRepo(ref matcher.GitHubIssueRef, repo *storage.Repository) bool {
	return strings.EqualFold(ref.Owner, repo.Owner) && strings.EqualFold(ref.Repo, repo.Name)
}

// linkSameRepo appends a closing reference to the PR body when the issue exists.
func linkSameRepo(ctx context.Context, pr *github.PullRequest, number int, repo *storage.Repository, client GitHubAPI, report *Report) {
	issues, err := client.ListRepositoryIssues(ctx, repo.Owner, repo.Name)
	if err != nil {
		report.fail(StepLinkIssue, KindUpstream, err)
		return
	}

	found := false
	for _, is := range issues {
		if is.Number == number {
			found = true
			break
		}
	}
	if !found {
		report.skip(StepLinkIssue, fmt.Sprintf("issue #%d not found", number))
		return
	}

	body := fmt.Sprintf("%s\n\nCloses #%d", pr.Body, number)
	if err := client.UpdatePullRequestBody(ctx, repo.Owner, repo.Name, pr.Number, body); err != nil {
		report.fail(StepLinkIssue, KindUpstream, err)
		return
	}
	pr.Body = body
	report.ok(StepLinkIssue, fmt.Sprintf("#%d", number))
}

// mirrorMilestone copies a same-repo issue's milestone onto the PR.
func mirrorMilestone(ctx context.Context, pr *github.PullRequest, number int, repo *storage.Repository, client GitHubAPI, report *Report) {
	source, err := client.GetIssue(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		report.fail(StepMirrorMilestone, KindUpstream, err)
		return
	}
	if source.Milestone == nil {
		report.skip(StepMirrorMilestone, "issue has no milestone")
		return
	}
	if err := client.SetIssueMilestone(ctx, repo.Owner, repo.Name, pr.Number, source.Milestone.Number); err != nil {
		report.fail(StepMirrorMilestone, KindUpstream, err)
		return
	}
	report.ok(StepMirrorMilestone, source.Milestone.Title)
}

func (o *Orchestrator) linkCrossRepo(ctx context.Context, pr *github.PullRequest, ref matcher.GitHubIssueRef, repo *storage.Repository, client GitHubAPI, report *Report) {
	body := fmt.Sprintf("%s\n\nFixes %s/%s#%d", pr.Body, ref.Owner, ref.Repo, ref.Number)
	if err := client.UpdatePullRequestBody(ctx, repo.Owner, repo.Name, pr.Number, body); err != nil {
		report.fail(StepLinkIssue, KindUpstream, err)
		return
	}
	pr.Body = body
	report.ok(StepLinkIssue, ref.ID())

	source := client
	if o.deps.Clients != nil {
		c, err := o.deps.Clients.ClientForRepo(ctx, ref.Owner, ref.Repo)
		if err != nil {
			report.fail(StepMirrorMilestone, KindUpstream, fmt.Errorf("no access to %s/%s: %w", ref.Owner, ref.Repo, err))
			return
		}
		source = c
	}

	sourceIssue, err := source.GetIssue(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		report.fail(StepMirrorMilestone, KindUpstream, err)
		return
	}
	if sourceIssue.Milestone == nil || sourceIssue.Milestone.Title == "" {
		report.skip(StepMirrorMilestone, "issue has no milestone")
	} else if err := applyMilestoneByTitle(ctx, client, repo.Owner, repo.Name, pr.Number, sourceIssue.Milestone.Title); err != nil {
		report.fail(StepMirrorMilestone, KindUpstream, err)
	} else {
		report.ok(StepMirrorMilestone, sourceIssue.Milestone.Title)
	}

	if err := source.CreateIssueComment(ctx, ref.Owner, ref.Repo, ref.Number, "Linked PR: "+pr.URL); err != nil {
		report.fail(StepBackReference, KindUpstream, err)
		return
	}
	report.ok(StepBackReference, ref.ID())
}

// EnsureLabels creates any missing labels (matched case-insensitively) and
// applies the full set to the issue or PR. It returns the labels it created.
func EnsureLabels(ctx context.Context, client GitHubAPI, owner, repo string, number int, names []string) ([]string, error) {
	existing, err := client.ListLabels(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(existing))
	for _, l := range existing {
		have[strings.ToLower(l.Name)] = true
	}

	var created []string
	for _, name := range names {
		key := strings.ToLower(name)
		if have[key] {
			continue
		}
		if _, err := client.CreateLabel(ctx, owner, repo, name); err != nil {
			logger.Warn().Err(err).Str("label", name).Msg("Failed to create label")
			continue
		}
		have[key] = true
		created = append(created, name)
	}

	if err := client.AddLabels(ctx, owner, repo, number, names); err != nil {
		return created, err
	}
	return created, nil
}

// MatchAssignee picks the login matching a Linear assignee name: an exact
// case-insensitive match first, then containment in either direction.
func MatchAssignee(name string, logins []string) string {
	lname := strings.ToLower(name)
	if lname == "" {
		return ""
	}
	for _, login := range logins {
		if strings.ToLower(login) == lname {
			return login
		}
	}
	for _, login := range logins {
		l := strings.ToLower(login)
		if l == "" {
			continue
		}
		if strings.Contains(lname, l) || strings.Contains(l, lname) {
			return login
		}
	}
	return ""
}

func (o *Orchestrator) assign(ctx context.Context, pr *github.PullRequest, issue *matcher.MatchedIssue, repo *storage.Repository, client GitHubAPI, report *Report) {
	if issue.Assignee == nil || issue.Assignee.Name == "" {
		report.skip(StepAssignee, "no assignee on issue")
		return
	}

	logins, err := client.ListAssignees(ctx, repo.Owner, repo.Name)
	if err != nil {
		report.fail(StepAssignee, KindUpstream, err)
		return
	}

	login := MatchAssignee(issue.Assignee.Name, logins)
	if login == "" {
		report.skip(StepAssignee, fmt.Sprintf("no GitHub user matches %q", issue.Assignee.Name))
		return
	}
	if err := client.AddAssignees(ctx, repo.Owner, repo.Name, pr.Number, []string{login}); err != nil {
		report.fail(StepAssignee, KindUpstream, err)
		return
	}
	report.ok(StepAssignee, login)
}

// applyMilestoneByTitle finds or creates a milestone with the given title and
// sets it on the PR.
func applyMilestoneByTitle(ctx context.Context, client GitHubAPI, owner, repo string, number int, title string) error {
	milestones, err := client.ListMilestones(ctx, owner, repo)
	if err != nil {
		return err
	}

	var target *github.Milestone
	for i := range milestones {
		if strings.EqualFold(milestones[i].Title, title) {
			target = &milestones[i]
			break
		}
	}
	if target == nil {
		target, err = client.CreateMilestone(ctx, owner, repo, title)
		if err != nil {
			return err
		}
	}
	return client.SetIssueMilestone(ctx, owner, repo, number, target.Number)
}
