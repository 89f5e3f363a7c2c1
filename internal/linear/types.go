package linear

// Issue holds the scalar fields of a Linear issue. Relations are loaded
// separately through the Client accessors.
type Issue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Priority    float64  `json:"priority"`
	Estimate    *float64 `json:"estimate"`
}

// State is an issue's workflow state.
type State struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// User is a Linear workspace member.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// Team is a Linear team.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Project is a Linear project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Label is an issue label.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Milestone is a project milestone.
type Milestone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Attachment is a link attached to an issue.
type Attachment struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Integration describes where an issue was synced from.
type Integration struct {
	SourceType string `json:"integrationSourceType"`
	ExternalID string `json:"externalId"`
}

// Viewer is the user behind the configured credentials.
type Viewer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
