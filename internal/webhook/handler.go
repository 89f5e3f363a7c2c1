// Package webhook receives GitHub deliveries and hands new branches to the
// pull request pipeline.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/pipeline"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// GitHub caps webhook payloads at 25 MB.
const maxPayloadBytes = 25 << 20

const defaultProcessTimeout = 5 * time.Minute

// Store is the persistence used while handling a delivery.
type Store interface {
	GetRepositoryByGitHubID(ctx context.Context, githubID int64, owner string) (*storage.Repository, error)
	CreateWebhookEvent(ctx context.Context, repositoryID, eventType, deliveryID string, payload []byte) (string, error)
	MarkWebhookEventProcessed(ctx context.Context, id string, report []byte, processingError string) error
	SetInstallationID(ctx context.Context, id string, installationID int64) error
}

// Installations resolves App installations and mints clients for them.
type Installations interface {
	RepositoryInstallation(ctx context.Context, owner, repo string) (*github.Installation, error)
	InstallationClient(ctx context.Context, id int64) (pipeline.GitHubAPI, error)
}

// BranchProcessor runs the pipeline for a new branch.
type BranchProcessor interface {
	ProcessNewBranch(ctx context.Context, branch string, repo *storage.Repository, client pipeline.GitHubAPI) *pipeline.Report
}

// Handler serves the GitHub webhook endpoint.
type Handler struct {
	store          Store
	installs       Installations
	processor      BranchProcessor
	processTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithProcessTimeout bounds the work done for one delivery.
func WithProcessTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.processTimeout = d
		}
	}
}

// NewHandler creates a webhook handler.
func NewHandler(store Store, installs Installations, processor BranchProcessor, opts ...Option) *Handler {
	h := &Handler{
		store:          store,
		installs:       installs,
		processor:      processor,
		processTimeout: defaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles incoming webhook requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "Webhook endpoint is active"})
	case http.MethodPost:
		h.handleDelivery(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
	}
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	// GitHub gives up on a delivery after 10 seconds; a pull request must
	// still be opened once the sender has hung up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
	defer cancel()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read webhook body")
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("X-Hub-Signature-256")
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if signature == "" || eventType == "" {
		writeError(w, http.StatusBadRequest, "Missing required headers")
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if !p.validRepository() {
		writeError(w, http.StatusBadRequest, "Invalid repository data in payload")
		return
	}

	log := logger.ForDelivery(deliveryID)
	owner, name := p.Repository.Owner.Login, p.Repository.Name

	repo, err := h.store.GetRepositoryByGitHubID(ctx, p.Repository.ID, owner)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Repository not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Repository lookup failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if !VerifySignature(body, signature, repo.WebhookSecret) {
		log.Warn().Str("repo", repo.FullName()).Msg("Invalid webhook signature")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	client, err := h.installationClient(ctx, repo, owner, name)
	if errors.Is(err, github.ErrNotInstalled) {
		log.Error().Str("repo", owner+"/"+name).Msg("No GitHub App installation found for repository")
		writeError(w, http.StatusForbidden, "GitHub App not installed on repository")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to obtain installation client")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	eventID, err := h.store.CreateWebhookEvent(ctx, repo.ID, eventType, deliveryID, body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record webhook event")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var report *pipeline.Report
	switch eventType {
	case "push":
		report = h.handlePush(ctx, &p, repo, client)
	case "ping":
		log.Info().Str("repo", repo.FullName()).Msg("Webhook ping received")
	default:
		log.Debug().Str("event_type", eventType).Msg("Unhandled webhook event type")
	}

	var reportJSON []byte
	var failure string
	if report != nil {
		reportJSON = report.JSON()
		failure = report.FailureSummary()
	}
	if err := h.store.MarkWebhookEventProcessed(ctx, eventID, reportJSON, failure); err != nil {
		log.Warn().Err(err).Str("event", eventID).Msg("Failed to mark webhook event processed")
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) handlePush(ctx context.Context, p *payload, repo *storage.Repository, client pipeline.GitHubAPI) *pipeline.Report {
	branch, ok := p.newBranch()
	if !ok {
		logger.Debug().Str("repo", repo.FullName()).Str("ref", p.Ref).Msg("Push is not a new branch")
		return nil
	}

	logger.Info().Str("repo", repo.FullName()).Str("branch", branch).Msg("New branch created")
	return h.processor.ProcessNewBranch(ctx, branch, repo, client)
}

// installationClient prefers the recorded installation while it still covers
// the repository, otherwise it rediscovers and records the installation.
func (h *Handler) installationClient(ctx context.Context, repo *storage.Repository, owner, name string) (pipeline.GitHubAPI, error) {
	if repo.HasGitHubApp() {
		recorded := repo.GitHubAppInstallationID.Int64
		client, err := h.installs.InstallationClient(ctx, recorded)
		if err == nil {
			_, err = client.GetRepository(ctx, owner, name)
			if err == nil {
				return client, nil
			}
			if !errors.Is(err, github.ErrRepositoryNotFound) {
				return nil, err
			}
		}
		logger.Warn().Err(err).Int64("installation", recorded).Str("repo", repo.FullName()).Msg("Recorded installation no longer covers repository, rediscovering")
	}

	inst, err := h.installs.RepositoryInstallation(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, github.ErrNotInstalled
	}

	if !repo.HasGitHubApp() || repo.GitHubAppInstallationID.Int64 != inst.ID {
		if err := h.store.SetInstallationID(ctx, repo.ID, inst.ID); err != nil {
			logger.Warn().Err(err).Str("repo", repo.FullName()).Msg("Failed to record installation id")
		}
	}

	return h.installs.InstallationClient(ctx, inst.ID)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
