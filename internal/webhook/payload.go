package webhook

import (
	"encoding/json"
	"strings"
)

const branchRefPrefix = "refs/heads/"

// payload holds the fields of a delivery the endpoint consumes.
type payload struct {
	Ref        string            `json:"ref"`
	Created    bool              `json:"created"`
	Commits    []json.RawMessage `json:"commits"`
	Repository *struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

func (p *payload) validRepository() bool {
	return p.Repository != nil && p.Repository.ID != 0 && p.Repository.Owner.Login != "" && p.Repository.Name != ""
}

// newBranch returns the branch name when the push created a branch with a
// single commit.
func (p *payload) newBranch() (string, bool) {
	if !strings.HasPrefix(p.Ref, branchRefPrefix) {
		return "", false
	}
	if !p.Created || len(p.Commits) != 1 {
		return "", false
	}
	return strings.TrimPrefix(p.Ref, branchRefPrefix), true
}
