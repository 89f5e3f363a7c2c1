package telegram

import (
	"fmt"
	"strings"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/matcher"
	"github.com/user/linearpr/internal/storage"
)

// MessageBuilder helps construct formatted Markdown messages.
type MessageBuilder struct{}

// NewMessageBuilder creates a new message builder.
func NewMessageBuilder() *MessageBuilder {
	return &MessageBuilder{}
}

// BuildPullRequestMessage announces a draft pull request opened for a Linear issue.
func (m *MessageBuilder) BuildPullRequestMessage(repo *storage.Repository, issue *matcher.MatchedIssue, pr *github.PullRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔀 *%s*\n\n", EscapeMarkdown(repo.FullName()))
	fmt.Fprintf(&b, "Draft PR [#%d](%s) opened for branch `%s`\n", pr.Number, pr.URL, pr.HeadRef)
	if issue != nil {
		fmt.Fprintf(&b, "📌 [%s](%s) %s\n", issue.Identifier, issue.URL, EscapeMarkdown(issue.Title))
		if issue.Assignee != nil {
			fmt.Fprintf(&b, "👤 %s\n", EscapeMarkdown(issue.Assignee.Name))
		}
		if issue.GitHubIssue != nil {
			fmt.Fprintf(&b, "🔗 %s\n", EscapeMarkdown(issue.GitHubIssue.ID()))
		}
	}
	return b.String()
}

// BuildRepositoryList renders the linked repositories.
func (m *MessageBuilder) BuildRepositoryList(repos []storage.Repository) string {
	if len(repos) == 0 {
		return "📭 No repositories linked\n\nUse `/link owner/repo` to link one"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 *Linked repositories (%d)*\n\n", len(repos))
	for i := range repos {
		r := &repos[i]
		auth := "token"
		if r.HasGitHubApp() {
			auth = "app"
		}
		fmt.Fprintf(&b, "%d. %s (%s", i+1, FormatRepoLink(r.Owner, r.Name), auth)
		if team := r.TeamID(); team != "" {
			fmt.Fprintf(&b, ", team `%s`", team)
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// BuildInstallationList renders the GitHub App installations.
func (m *MessageBuilder) BuildInstallationList(installations []github.Installation, installURL string) string {
	if len(installations) == 0 {
		return fmt.Sprintf("📭 The GitHub App is not installed anywhere\n\nInstall it: %s", installURL)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🧩 *Installations (%d)*\n\n", len(installations))
	for _, inst := range installations {
		fmt.Fprintf(&b, "• `%d` %s (%s, %s)\n", inst.ID, EscapeMarkdown(inst.AccountLogin), inst.AccountType, inst.RepositorySelection)
	}
	return b.String()
}

// FormatRepoLink creates a markdown link to a repository.
func FormatRepoLink(owner, name string) string {
	return fmt.Sprintf("[%s/%s](https://github.com/%s/%s)", EscapeMarkdown(owner), EscapeMarkdown(name), owner, name)
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// EscapeMarkdown escapes text for Telegram's legacy Markdown mode.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
