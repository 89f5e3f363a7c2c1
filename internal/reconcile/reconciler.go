// Package reconcile keeps tracked pull request statuses in step with GitHub
// and prunes old webhook deliveries.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

const minInterval = time.Minute

// Store is the persistence the reconciler works against.
type Store interface {
	ListPRMappingsByStatus(ctx context.Context, status storage.PRStatus) ([]storage.PRMapping, error)
	UpdatePRMappingStatus(ctx context.Context, id string, status storage.PRStatus) error
	GetRepository(ctx context.Context, id string) (*storage.Repository, error)
	CleanupProcessedEvents(ctx context.Context, daysToKeep int) (int64, error)
}

// PullRequests reads pull requests.
type PullRequests interface {
	GetPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, error)
}

// Clients returns a client able to read a repository's pull requests.
type Clients interface {
	RepositoryClient(ctx context.Context, repo *storage.Repository) (PullRequests, error)
}

// Result summarizes one reconciliation pass.
type Result struct {
	Checked       int
	Merged        int
	Closed        int
	Failed        int
	EventsRemoved int64
}

// Reconciler periodically refreshes open pull request mappings.
type Reconciler struct {
	store         Store
	clients       Clients
	interval      time.Duration
	retentionDays int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler. Intervals below one minute are raised to one
// minute; retentionDays <= 0 disables event cleanup.
func New(store Store, clients Clients, interval time.Duration, retentionDays int) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	if interval < minInterval {
		interval = minInterval
	}

	return &Reconciler{
		store:         store,
		clients:       clients,
		interval:      interval,
		retentionDays: retentionDays,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins the reconcile loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.loop()
	logger.Info().Dur("interval", r.interval).Msg("Reconciler started")
}

// Stop gracefully stops the reconciler.
func (r *Reconciler) Stop() {
	logger.Info().Msg("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			res, err := r.RunOnce(r.ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Reconcile pass failed")
				continue
			}
			logger.Info().
				Int("checked", res.Checked).
				Int("merged", res.Merged).
				Int("closed", res.Closed).
				Int("failed", res.Failed).
				Int64("events_removed", res.EventsRemoved).
				Msg("Reconcile pass complete")
		}
	}
}

// RunOnce refreshes every open pull request mapping and prunes old events.
func (r *Reconciler) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	mappings, err := r.store.ListPRMappingsByStatus(ctx, storage.PRStatusOpen)
	if err != nil {
		return res, err
	}

	byRepo := make(map[string][]storage.PRMapping)
	var order []string
	for _, m := range mappings {
		if _, ok := byRepo[m.RepositoryID]; !ok {
			order = append(order, m.RepositoryID)
		}
		byRepo[m.RepositoryID] = append(byRepo[m.RepositoryID], m)
	}

	for _, repoID := range order {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r.reconcileRepository(ctx, repoID, byRepo[repoID], &res)
	}

	if r.retentionDays > 0 {
		n, err := r.store.CleanupProcessedEvents(ctx, r.retentionDays)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to clean up webhook events")
		} else {
			res.EventsRemoved = n
		}
	}

	return res, nil
}

func (r *Reconciler) reconcileRepository(ctx context.Context, repoID string, mappings []storage.PRMapping, res *Result) {
	repo, err := r.store.GetRepository(ctx, repoID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug().Str("repository", repoID).Msg("Skipping pull requests of unlinked repository")
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("repository", repoID).Msg("Failed to load repository")
		res.Failed += len(mappings)
		return
	}

	client, err := r.clients.RepositoryClient(ctx, repo)
	if err != nil {
		logger.Warn().Err(err).Str("repo", repo.FullName()).Msg("No client for repository")
		res.Failed += len(mappings)
		return
	}

	for _, m := range mappings {
		res.Checked++

		pr, err := client.GetPullRequest(ctx, repo.Owner, repo.Name, m.GitHubPRNumber)
		if err != nil {
			logger.Warn().Err(err).Str("repo", repo.FullName()).Int("pr", m.GitHubPRNumber).Msg("Failed to fetch pull request")
			res.Failed++
			continue
		}

		status := Status(pr)
		if status == storage.PRStatusOpen {
			continue
		}
		if err := r.store.UpdatePRMappingStatus(ctx, m.ID, status); err != nil {
			logger.Warn().Err(err).Str("mapping", m.ID).Msg("Failed to update pull request status")
			res.Failed++
			continue
		}

		switch status {
		case storage.PRStatusMerged:
			res.Merged++
		case storage.PRStatusClosed:
			res.Closed++
		}
		logger.Info().Str("repo", repo.FullName()).Int("pr", m.GitHubPRNumber).Str("status", string(status)).Msg("Pull request status updated")
	}
}

// Status maps a GitHub pull request onto a mapping status.
func Status(pr *github.PullRequest) storage.PRStatus {
	switch {
	case pr.Merged:
		return storage.PRStatusMerged
	case pr.State == "closed":
		return storage.PRStatusClosed
	default:
		return storage.PRStatusOpen
	}
}
