package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/user/linearpr/internal/matcher"
)

// Describer writes pull request descriptions for Linear issues.
type Describer interface {
	Describe(ctx context.Context, issue *matcher.MatchedIssue) (string, error)
}

// FallbackDescription is used when no description could be generated.
func FallbackDescription(issue *matcher.MatchedIssue) string {
	return fmt.Sprintf("## Issue\n[%s](%s)\n\n## Description\n%s", issue.Identifier, issue.URL, issue.Title)
}

// HTTPDescriber calls a text generation endpoint.
type HTTPDescriber struct {
	url          string
	instructions string
	httpClient   *http.Client
}

// NewHTTPDescriber creates a describer posting to url.
func NewHTTPDescriber(url, instructions string, timeout time.Duration) *HTTPDescriber {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPDescriber{
		url:          url,
		instructions: instructions,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type describeIssue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

type describeRequest struct {
	Issue              describeIssue `json:"issue"`
	CustomInstructions string        `json:"customInstructions"`
}

// Describe returns the generated text, or "Related to: {title}" when the
// generator answers with an empty text.
func (d *HTTPDescriber) Describe(ctx context.Context, issue *matcher.MatchedIssue) (string, error) {
	body, err := json.Marshal(describeRequest{
		Issue: describeIssue{
			ID:          issue.ID,
			Identifier:  issue.Identifier,
			Title:       issue.Title,
			Description: issue.Description,
			URL:         issue.URL,
		},
		CustomInstructions: d.instructions,
	})
	if err != nil {
		return "", fmt.Errorf("marshal describe request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal describe response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "Related to: " + issue.Title, nil
	}
	return out.Text, nil
}
