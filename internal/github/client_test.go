package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := NewClient("tok", server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestCreatePullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body["head"] != "LET-55-add-export" || body["base"] != "main" || body["draft"] != true {
			t.Errorf("unexpected body %v", body)
		}
		fmt.Fprint(w, `{"id": 7001, "number": 101, "title": "LET-55 | Add export", "html_url": "https://github.com/letrazapp/letraz/pull/101",
			"state": "open", "draft": true, "head": {"ref": "LET-55-add-export"}, "base": {"ref": "main"}}`)
	})
	c := newTestClient(t, mux)

	pr, err := c.CreatePullRequest(context.Background(), "letrazapp", "letraz", NewPullRequest{
		Title: "LET-55 | Add export", Head: "LET-55-add-export", Base: "main", Body: "b", Draft: true,
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 101 || pr.ID != 7001 || !pr.Draft || pr.HeadRef != "LET-55-add-export" || pr.BaseRef != "main" {
		t.Errorf("unexpected pull request %+v", pr)
	}
}

func TestGetPullRequestMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz/pulls/101", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 1, "number": 101, "state": "closed", "merged": true}`)
	})
	c := newTestClient(t, mux)

	pr, err := c.GetPullRequest(context.Background(), "letrazapp", "letraz", 101)
	if err != nil {
		t.Fatalf("GetPullRequest: %v", err)
	}
	if !pr.Merged || pr.State != "closed" {
		t.Errorf("unexpected pull request %+v", pr)
	}
}

func TestListLabelsPaginates(t *testing.T) {
	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[{"id": 3, "name": "frontend"}]`)
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/letrazapp/letraz/labels?page=2>; rel="next"`, server.URL))
		fmt.Fprint(w, `[{"id": 1, "name": "bug"}, {"id": 2, "name": "feature"}]`)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	c, err := NewClient("tok", server.URL)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	labels, err := c.ListLabels(context.Background(), "letrazapp", "letraz")
	if err != nil {
		t.Fatalf("ListLabels: %v", err)
	}
	var names []string
	for _, l := range labels {
		names = append(names, l.Name)
	}
	if strings.Join(names, ",") != "bug,feature,frontend" {
		t.Errorf("unexpected labels %v", names)
	}
}

func TestGetIssueMilestone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz/issues/12", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 12, "title": "Export", "state": "open", "milestone": {"number": 3, "title": "v1.2"}}`)
	})
	c := newTestClient(t, mux)

	issue, err := c.GetIssue(context.Background(), "letrazapp", "letraz", 12)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Milestone == nil || issue.Milestone.Number != 3 || issue.Milestone.Title != "v1.2" {
		t.Errorf("unexpected issue %+v", issue)
	}
}

func TestCreateWebhook(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz/hooks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []string          `json:"events"`
			Active bool              `json:"active"`
			Config map[string]string `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.Events) != 1 || body.Events[0] != "push" || !body.Active {
			t.Errorf("unexpected hook %+v", body)
		}
		if body.Config["url"] != "https://bot.example.com/webhook/github" || body.Config["secret"] != "s3cret" || body.Config["content_type"] != "json" {
			t.Errorf("unexpected config %v", body.Config)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 555}`)
	})
	mux.HandleFunc("/repos/letrazapp/taken/hooks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message": "Validation Failed"}`)
	})
	c := newTestClient(t, mux)

	id, err := c.CreateWebhook(context.Background(), "letrazapp", "letraz", "https://bot.example.com/webhook/github", "s3cret")
	if err != nil || id != 555 {
		t.Fatalf("CreateWebhook = %d, %v", id, err)
	}

	_, err = c.CreateWebhook(context.Background(), "letrazapp", "taken", "https://bot.example.com/webhook/github", "s3cret")
	if err == nil || !strings.Contains(err.Error(), "conflicts") {
		t.Errorf("expected conflict error, got %v", err)
	}
}

func TestGetRepositoryNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/letrazapp/letraz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id": 9, "name": "letraz", "full_name": "letrazapp/letraz", "owner": {"login": "letrazapp"}}`)
	})
	mux.HandleFunc("/repos/letrazapp/removed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})
	mux.HandleFunc("/repos/letrazapp/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	repo, err := c.GetRepository(ctx, "letrazapp", "letraz")
	if err != nil || repo.FullName != "letrazapp/letraz" {
		t.Fatalf("GetRepository = %+v, %v", repo, err)
	}
	if _, err := c.GetRepository(ctx, "letrazapp", "removed"); !errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected ErrRepositoryNotFound, got %v", err)
	}
	if _, err := c.GetRepository(ctx, "letrazapp", "broken"); err == nil || errors.Is(err, ErrRepositoryNotFound) {
		t.Errorf("expected a generic error for 500, got %v", err)
	}
}
