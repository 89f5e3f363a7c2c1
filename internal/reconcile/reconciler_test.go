package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
)

type fakePRs struct {
	prs   map[int]*github.PullRequest
	calls int
}

func (f *fakePRs) GetPullRequest(_ context.Context, _, _ string, number int) (*github.PullRequest, error) {
	f.calls++
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d not found", number)
	}
	return pr, nil
}

type fakeClients struct {
	prs  *fakePRs
	err  error
	seen []string
}

func (f *fakeClients) RepositoryClient(_ context.Context, repo *storage.Repository) (PullRequests, error) {
	f.seen = append(f.seen, repo.FullName())
	if f.err != nil {
		return nil, f.err
	}
	return f.prs, nil
}

func newStore(t *testing.T) (*storage.Store, *storage.Repository) {
	t.Helper()
	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "reconcile.db"))
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewStore(db, "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	repo, err := store.CreateRepository(context.Background(), storage.NewRepository{
		Name: "letraz", Owner: "letrazapp", GitHubID: 1, WebhookSecret: "s",
	})
	if err != nil {
		t.Fatalf("CreateRepository: %v", err)
	}
	return store, repo
}

func addMapping(t *testing.T, store *storage.Store, repoID, issue string, number int) *storage.PRMapping {
	t.Helper()
	m, err := store.CreatePRMapping(context.Background(), storage.NewPRMapping{
		LinearIssueID:  issue,
		GitHubPRID:     int64(number) * 10,
		RepositoryID:   repoID,
		GitHubPRNumber: number,
		GitHubPRURL:    fmt.Sprintf("https://github.com/letrazapp/letraz/pull/%d", number),
	})
	if err != nil {
		t.Fatalf("CreatePRMapping: %v", err)
	}
	return m
}

func TestStatus(t *testing.T) {
	tests := []struct {
		pr   github.PullRequest
		want storage.PRStatus
	}{
		{github.PullRequest{State: "open"}, storage.PRStatusOpen},
		{github.PullRequest{State: "closed"}, storage.PRStatusClosed},
		{github.PullRequest{State: "closed", Merged: true}, storage.PRStatusMerged},
	}
	for _, tt := range tests {
		if got := Status(&tt.pr); got != tt.want {
			t.Errorf("Status(%+v) = %s, want %s", tt.pr, got, tt.want)
		}
	}
}

func TestRunOnceUpdatesStatuses(t *testing.T) {
	store, repo := newStore(t)
	ctx := context.Background()

	addMapping(t, store, repo.ID, "i-open", 101)
	addMapping(t, store, repo.ID, "i-merged", 102)
	addMapping(t, store, repo.ID, "i-closed", 103)
	addMapping(t, store, repo.ID, "i-missing", 104)

	clients := &fakeClients{prs: &fakePRs{prs: map[int]*github.PullRequest{
		101: {Number: 101, State: "open"},
		102: {Number: 102, State: "closed", Merged: true},
		103: {Number: 103, State: "closed"},
	}}}

	r := New(store, clients, time.Minute, 30)
	res, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if res.Checked != 4 || res.Merged != 1 || res.Closed != 1 || res.Failed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(clients.seen) != 1 {
		t.Errorf("expected one client per repository, got %v", clients.seen)
	}

	open, _ := store.ListPRMappingsByStatus(ctx, storage.PRStatusOpen)
	if len(open) != 2 {
		t.Errorf("expected two open mappings left, got %d", len(open))
	}
	merged, _ := store.ListPRMappingsByStatus(ctx, storage.PRStatusMerged)
	if len(merged) != 1 || merged[0].LinearIssueID != "i-merged" {
		t.Errorf("unexpected merged mappings %+v", merged)
	}

	res, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if res.Checked != 2 {
		t.Errorf("expected only open mappings rechecked, got %+v", res)
	}
}

func TestRunOnceSkipsUnlinkedRepository(t *testing.T) {
	store, repo := newStore(t)
	ctx := context.Background()
	addMapping(t, store, repo.ID, "i-1", 101)

	if err := store.DeactivateRepository(ctx, repo.ID); err != nil {
		t.Fatalf("DeactivateRepository: %v", err)
	}

	clients := &fakeClients{prs: &fakePRs{}}
	res, err := New(store, clients, time.Minute, 0).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Checked != 0 || len(clients.seen) != 0 {
		t.Errorf("expected unlinked repository skipped, got %+v %v", res, clients.seen)
	}
}

func TestRunOnceClientFailure(t *testing.T) {
	store, repo := newStore(t)
	addMapping(t, store, repo.ID, "i-1", 101)
	addMapping(t, store, repo.ID, "i-2", 102)

	clients := &fakeClients{err: errors.New("not installed")}
	res, err := New(store, clients, time.Minute, 0).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Failed != 2 || res.Checked != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRunOnceKeepsRecentEvents(t *testing.T) {
	store, repo := newStore(t)
	ctx := context.Background()

	id, err := store.CreateWebhookEvent(ctx, repo.ID, "push", "d1", []byte(`{}`))
	if err != nil {
		t.Fatalf("CreateWebhookEvent: %v", err)
	}
	if err := store.MarkWebhookEventProcessed(ctx, id, nil, ""); err != nil {
		t.Fatalf("MarkWebhookEventProcessed: %v", err)
	}

	res, err := New(store, &fakeClients{prs: &fakePRs{}}, time.Minute, 30).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.EventsRemoved != 0 {
		t.Errorf("expected recent event kept, removed %d", res.EventsRemoved)
	}
	if _, err := store.GetWebhookEvent(ctx, id); err != nil {
		t.Errorf("expected event to survive: %v", err)
	}
}

func TestNewClampsInterval(t *testing.T) {
	r := New(nil, nil, time.Second, 0)
	if r.interval != minInterval {
		t.Errorf("expected interval clamped to %s, got %s", minInterval, r.interval)
	}
}
