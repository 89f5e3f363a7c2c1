// Package linear is a small client for the Linear GraphQL API.
package linear

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	graphql "github.com/hasura/go-graphql-client"
)

// DefaultAPIURL is the public Linear GraphQL endpoint.
const DefaultAPIURL = "https://api.linear.app/graphql"

// ErrNoCredentials is returned when neither an API key nor an access token is configured.
var ErrNoCredentials = errors.New("linear credentials are not configured")

// Config configures a Client. APIKey takes precedence over AccessToken.
type Config struct {
	APIKey      string
	AccessToken string
	APIURL      string
	HTTPClient  *http.Client
}

// Client issues GraphQL queries against Linear.
type Client struct {
	gql *graphql.Client
}

// NewClient creates a Linear client.
func NewClient(cfg Config) (*Client, error) {
	var auth string
	switch {
	case cfg.APIKey != "":
		auth = cfg.APIKey
	case cfg.AccessToken != "":
		auth = "Bearer " + cfg.AccessToken
	default:
		return nil, ErrNoCredentials
	}

	url := cfg.APIURL
	if url == "" {
		url = DefaultAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	gql := graphql.NewClient(url, httpClient).WithRequestModifier(func(r *http.Request) {
		r.Header.Set("Authorization", auth)
	})
	return &Client{gql: gql}, nil
}

func (c *Client) query(ctx context.Context, q string, vars map[string]interface{}, out interface{}) error {
	data, err := c.gql.ExecRaw(ctx, q, vars)
	if err != nil {
		return fmt.Errorf("linear query failed: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode linear response: %w", err)
	}
	return nil
}

const findIssueQuery = `query FindIssue($filter: IssueFilter) {
  issues(filter: $filter, first: 1) {
    nodes { id identifier title description url priority estimate }
  }
}`

// FindIssue looks up an issue by team key and number, optionally scoped to a
// team id. It returns nil without error when nothing matches.
func (c *Client) FindIssue(ctx context.Context, teamKey string, number int, teamID string) (*Issue, error) {
	and := []interface{}{
		map[string]interface{}{"number": map[string]interface{}{"eq": number}},
		map[string]interface{}{"team": map[string]interface{}{"key": map[string]interface{}{"eq": teamKey}}},
	}
	if teamID != "" {
		and = append(and, map[string]interface{}{"team": map[string]interface{}{"id": map[string]interface{}{"eq": teamID}}})
	}

	var resp struct {
		Issues struct {
			Nodes []Issue `json:"nodes"`
		} `json:"issues"`
	}
	if err := c.query(ctx, findIssueQuery, map[string]interface{}{"filter": map[string]interface{}{"and": and}}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Issues.Nodes) == 0 {
		return nil, nil
	}
	return &resp.Issues.Nodes[0], nil
}

// issueField fetches a single relation of an issue into out.
func (c *Client) issueField(ctx context.Context, issueID, selection string, out interface{}) error {
	q := fmt.Sprintf(`query IssueRelation($id: String!) { issue(id: $id) { %s } }`, selection)
	var resp struct {
		Issue json.RawMessage `json:"issue"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": issueID}, &resp); err != nil {
		return err
	}
	if len(resp.Issue) == 0 || string(resp.Issue) == "null" {
		return fmt.Errorf("linear issue %s not found", issueID)
	}
	return json.Unmarshal(resp.Issue, out)
}

// State returns the workflow state of an issue.
func (c *Client) State(ctx context.Context, issueID string) (*State, error) {
	var v struct {
		State *State `json:"state"`
	}
	err := c.issueField(ctx, issueID, "state { id name type }", &v)
	return v.State, err
}

// Assignee returns the assignee of an issue, or nil.
func (c *Client) Assignee(ctx context.Context, issueID string) (*User, error) {
	var v struct {
		Assignee *User `json:"assignee"`
	}
	err := c.issueField(ctx, issueID, "assignee { id name displayName }", &v)
	return v.Assignee, err
}

// Team returns the team owning an issue.
func (c *Client) Team(ctx context.Context, issueID string) (*Team, error) {
	var v struct {
		Team *Team `json:"team"`
	}
	err := c.issueField(ctx, issueID, "team { id key name }", &v)
	return v.Team, err
}

// Project returns the project of an issue, or nil.
func (c *Client) Project(ctx context.Context, issueID string) (*Project, error) {
	var v struct {
		Project *Project `json:"project"`
	}
	err := c.issueField(ctx, issueID, "project { id name }", &v)
	return v.Project, err
}

// Labels returns the labels of an issue.
func (c *Client) Labels(ctx context.Context, issueID string) ([]Label, error) {
	var v struct {
		Labels struct {
			Nodes []Label `json:"nodes"`
		} `json:"labels"`
	}
	err := c.issueField(ctx, issueID, "labels { nodes { id name } }", &v)
	return v.Labels.Nodes, err
}

// ProjectMilestone returns the project milestone of an issue, or nil.
func (c *Client) ProjectMilestone(ctx context.Context, issueID string) (*Milestone, error) {
	var v struct {
		Milestone *Milestone `json:"projectMilestone"`
	}
	err := c.issueField(ctx, issueID, "projectMilestone { id name }", &v)
	return v.Milestone, err
}

// Attachments returns the links attached to an issue.
func (c *Client) Attachments(ctx context.Context, issueID string) ([]Attachment, error) {
	var v struct {
		Attachments struct {
			Nodes []Attachment `json:"nodes"`
		} `json:"attachments"`
	}
	err := c.issueField(ctx, issueID, "attachments { nodes { id title url } }", &v)
	return v.Attachments.Nodes, err
}

// Integration returns the integration source metadata of an issue. Workspaces
// without the integration fields return an error, which callers treat as absent.
func (c *Client) Integration(ctx context.Context, issueID string) (*Integration, error) {
	var v Integration
	if err := c.issueField(ctx, issueID, "integrationSourceType externalId", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Viewer returns the user behind the configured credentials.
func (c *Client) Viewer(ctx context.Context) (*Viewer, error) {
	var resp struct {
		Viewer Viewer `json:"viewer"`
	}
	if err := c.query(ctx, `query Viewer { viewer { id name email } }`, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Viewer, nil
}
