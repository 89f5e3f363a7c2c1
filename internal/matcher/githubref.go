package matcher

import (
	"fmt"
	"regexp"
	"strconv"
)

var githubIssueRE = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/issues/(\d+)`)

// GitHubIssueRef points at an issue in a GitHub repository.
type GitHubIssueRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Number int    `json:"number"`
}

// ID returns the owner/repo#number form.
func (r GitHubIssueRef) ID() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// ParseGitHubIssueRef extracts the first github.com/{owner}/{repo}/issues/{n}
// reference from s.
func ParseGitHubIssueRef(s string) (GitHubIssueRef, bool) {
	m := githubIssueRE.FindStringSubmatch(s)
	if m == nil {
		return GitHubIssueRef{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return GitHubIssueRef{}, false
	}
	return GitHubIssueRef{Owner: m[1], Repo: m[2], Number: n}, true
}
