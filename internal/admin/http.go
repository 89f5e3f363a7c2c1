package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/linearpr/internal/github"
	"github.com/user/linearpr/internal/storage"
	"github.com/user/linearpr/pkg/logger"
)

// Routes returns the admin API. Every request must carry
// "Authorization: Bearer <token>"; an empty token rejects all requests.
func (s *Service) Routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(bearerAuth(token))

	r.Route("/repositories", func(r chi.Router) {
		r.Get("/", s.handleListRepositories)
		r.Post("/", s.handleLinkRepository)
		r.Delete("/{id}", s.handleUnlinkRepository)
	})

	r.Route("/github-app", func(r chi.Router) {
		r.Get("/installations", s.handleInstallations)
		r.Get("/repositories", s.handleAccessibleRepositories)
		r.Get("/install-url", s.handleInstallURL)
		r.Post("/create-webhook", s.handleCreateWebhook)
	})

	r.Get("/webhook-events", s.handleWebhookEvents)

	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.ListRepositories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if repos == nil {
		repos = []storage.Repository{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

func (s *Service) handleLinkRepository(w http.ResponseWriter, r *http.Request) {
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	result, err := s.LinkRepository(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Service) handleUnlinkRepository(w http.ResponseWriter, r *http.Request) {
	if err := s.UnlinkRepository(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Service) handleInstallations(w http.ResponseWriter, r *http.Request) {
	installations, err := s.Installations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if installations == nil {
		installations = []github.Installation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"installations": installations})
}

func (s *Service) handleAccessibleRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.AccessibleRepositories(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if repos == nil {
		repos = []github.RepoInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

func (s *Service) handleInstallURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": s.InstallURL()})
}

func (s *Service) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	id, err := s.CreateWebhook(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

// eventView is a delivery as exposed by the API, including its step report.
type eventView struct {
	ID              string          `json:"id"`
	RepositoryID    string          `json:"repositoryId"`
	EventType       string          `json:"eventType"`
	DeliveryID      string          `json:"deliveryId"`
	Processed       bool            `json:"processed"`
	ProcessingError string          `json:"processingError,omitempty"`
	Report          json.RawMessage `json:"report,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
}

func newEventView(ev storage.WebhookEvent) eventView {
	v := eventView{
		ID:              ev.ID,
		RepositoryID:    ev.RepositoryID,
		EventType:       ev.EventType,
		DeliveryID:      ev.DeliveryID,
		Processed:       ev.Processed,
		ProcessingError: ev.ProcessingError.String,
		CreatedAt:       ev.CreatedAt,
	}
	if ev.Report.Valid && json.Valid([]byte(ev.Report.String)) {
		v.Report = json.RawMessage(ev.Report.String)
	}
	if ev.ProcessedAt.Valid {
		t := ev.ProcessedAt.Time
		v.ProcessedAt = &t
	}
	return v
}

// handleWebhookEvents serves ?status=unprocessed|failed|all&limit=N.
func (s *Service) handleWebhookEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := storage.ParseEventFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.WebhookEvents(r.Context(), filter, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, newEventView(ev))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": views})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidRepository):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, github.ErrNotInstalled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Repository not found")
	case errors.Is(err, storage.ErrDuplicate):
		writeError(w, http.StatusConflict, "Repository already linked")
	default:
		logger.Error().Err(err).Msg("Admin request failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
