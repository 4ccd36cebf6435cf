package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"music-enrichment-pipeline/internal/config"
	"music-enrichment-pipeline/internal/correlate"
	"music-enrichment-pipeline/internal/enrich"
	"music-enrichment-pipeline/internal/models"
	"music-enrichment-pipeline/internal/queue"
	"music-enrichment-pipeline/internal/search"
	"music-enrichment-pipeline/internal/store"
	"music-enrichment-pipeline/internal/telemetry"
)

// Server wires the caller-facing HTTP surface: enrichment enqueue/await,
// orchestrated search, and queue introspection.
type Server struct {
	cfg          config.Config
	store        *store.Store
	queue        *queue.RedisQueue
	enricher     *enrich.Service
	orchestrator *search.Orchestrator
	validate     *validator.Validate
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, enricher *enrich.Service, orchestrator *search.Orchestrator) *Server {
	return &Server{
		cfg:          cfg,
		store:        st,
		queue:        q,
		enricher:     enricher,
		orchestrator: orchestrator,
		validate:     validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/enrichments", s.handleEnqueueEnrichment)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/result", s.handleAwaitResult)
	r.Get("/search", s.handleSearch)
	r.Get("/queues/{provider}/stats", s.handleQueueStats)
	r.Post("/queues/{provider}/pause", s.handlePause)
	r.Post("/queues/{provider}/resume", s.handleResume)
	r.Get("/queues/{provider}/dlq", s.handleDLQ)
	r.Post("/providers/{provider}/sync", s.handleSync)
	return r
}

type enrichmentRequest struct {
	EntityType string `json:"entity_type" validate:"required,oneof=artist album track"`
	EntityID   string `json:"entity_id" validate:"required"`
	Provider   string `json:"provider" validate:"required"`
	Source     string `json:"source" validate:"omitempty,oneof=user-action search background"`
	Priority   *int   `json:"priority" validate:"omitempty,gte=0,lte=10"`
	RequestID  string `json:"request_id"`
}

func (s *Server) handleEnqueueEnrichment(w http.ResponseWriter, r *http.Request) {
	var req enrichmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.knownProvider(req.Provider) {
		httpError(w, "unknown provider "+req.Provider, http.StatusBadRequest)
		return
	}
	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}

	outcome, err := s.enricher.Enqueue(r.Context(), req.EntityType, req.EntityID, req.Provider, req.Source, priority, req.RequestID)
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if outcome.Job == nil {
		// Declined is a normal decision, reported with the reason.
		writeJSON(w, http.StatusOK, outcome)
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		httpError(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAwaitResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := 30 * time.Second
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	result, err := s.enricher.AwaitResult(r.Context(), id, timeout)
	if errors.Is(err, store.ErrJobNotFound) {
		httpError(w, "job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, correlate.ErrAwaitTimeout) {
		httpError(w, "timed out waiting for result", http.StatusGatewayTimeout)
		return
	}
	if errors.Is(err, correlate.ErrAlreadyAwaited) {
		httpError(w, "job already has a waiter", http.StatusConflict)
		return
	}
	if err != nil {
		httpError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		httpError(w, "q is required", http.StatusBadRequest)
		return
	}
	req := search.Request{
		Query:   query,
		Types:   splitParam(r.URL.Query().Get("types")),
		Sources: splitParam(r.URL.Query().Get("sources")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			req.Limit = n
		}
	}

	// Best effort by contract: the orchestrator absorbs source failures.
	writeJSON(w, http.StatusOK, s.orchestrator.Search(r.Context(), req))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	stats, err := s.queue.QueueStats(r.Context(), provider)
	if err != nil {
		httpError(w, "failed to read queue stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := s.queue.Pause(r.Context(), provider); err != nil {
		httpError(w, "failed to pause queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := s.queue.Resume(r.Context(), provider); err != nil {
		httpError(w, "failed to resume queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	items, err := s.queue.DLQPeek(r.Context(), provider, 100)
	if err != nil {
		httpError(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type syncRequest struct {
	EntityType string `json:"entity_type" validate:"omitempty,oneof=artist album track"`
	Offset     int    `json:"offset" validate:"gte=0"`
	Limit      int    `json:"limit" validate:"gte=0,lte=500"`
}

// handleSync enqueues background discovery jobs for a provider. One
// sync-batch job per entity type, at the lowest priority so discovery
// never crowds out user-facing work.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !s.knownProvider(provider) {
		httpError(w, "unknown provider "+provider, http.StatusBadRequest)
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Limit == 0 {
		req.Limit = 50
	}
	entityTypes := []string{models.EntityArtist, models.EntityAlbum, models.EntityTrack}
	if req.EntityType != "" {
		entityTypes = []string{req.EntityType}
	}

	var jobs []models.Job
	for _, entityType := range entityTypes {
		job, reused, err := s.enricher.EnqueueSync(r.Context(), provider, entityType, req.Offset, req.Limit)
		if err != nil {
			httpError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !reused {
			jobs = append(jobs, job)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": jobs})
}

func (s *Server) knownProvider(name string) bool {
	for _, p := range s.cfg.Providers {
		if p == name {
			return true
		}
	}
	return false
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
