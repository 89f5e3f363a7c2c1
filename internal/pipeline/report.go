package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/linearpr/internal/matcher"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// ErrorKind classifies a failed step.
type ErrorKind string

const (
	KindUpstream    ErrorKind = "upstream"
	KindPersistence ErrorKind = "persistence"
	KindGeneration  ErrorKind = "generation"
)

// Step names recorded in a Report.
const (
	StepMatch           = "match"
	StepDedupe          = "dedupe"
	StepDescription     = "description"
	StepPullRequest     = "pull_request"
	StepPRMapping       = "pr_mapping"
	StepNotify          = "notify"
	StepRepository      = "repository"
	StepLinkIssue       = "link_issue"
	StepIssueMapping    = "issue_mapping"
	StepMirrorMilestone = "mirror_milestone"
	StepBackReference   = "back_reference"
	StepLabels          = "labels"
	StepAssignee        = "assignee"
	StepMilestone       = "milestone"
)

// StepResult records what happened in a single step.
type StepResult struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
	Kind   ErrorKind  `json:"kind,omitempty"`
	Detail string     `json:"detail,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Report is the structured outcome of processing one branch.
type Report struct {
	Branch        string             `json:"branch"`
	LinearIssueID string             `json:"linearIssueId,omitempty"`
	Confidence    matcher.Confidence `json:"confidence,omitempty"`
	PRNumber      int                `json:"prNumber,omitempty"`
	PRURL         string             `json:"prUrl,omitempty"`
	Steps         []StepResult       `json:"steps"`
}

func newReport(branch string) *Report {
	return &Report{Branch: branch, Steps: []StepResult{}}
}

func (r *Report) ok(step, detail string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Status: StepOK, Detail: detail})
}

func (r *Report) skip(step, detail string) {
	r.Steps = append(r.Steps, StepResult{Step: step, Status: StepSkipped, Detail: detail})
}

func (r *Report) fail(step string, kind ErrorKind, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Status: StepFailed, Kind: kind, Error: err.Error()})
}

// Step returns the last result recorded for step.
func (r *Report) Step(step string) (StepResult, bool) {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if r.Steps[i].Step == step {
			return r.Steps[i], true
		}
	}
	return StepResult{}, false
}

// Failed reports whether any step failed.
func (r *Report) Failed() bool {
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			return true
		}
	}
	return false
}

// FailureSummary joins the failed steps as "step: error" pairs.
func (r *Report) FailureSummary() string {
	var parts []string
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", s.Step, s.Error))
		}
	}
	return strings.Join(parts, "; ")
}

// JSON encodes the report for storage.
func (r *Report) JSON() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}
