package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// PoolManager is the narrow Runner Pool Manager surface the HTTP layer
// needs.
type PoolManager interface {
	GetOrCreatePool(ctx context.Context, repo string) (*domain.Pool, error)
	GetPoolMetrics(ctx context.Context, repo string) (*domain.PoolMetrics, error)
	RequestRunner(ctx context.Context, repo string, labels []string) (*domain.RequestRunnerResult, error)
	ReleaseRunner(ctx context.Context, runnerID string) error
	RemoveRunner(ctx context.Context, runnerID string) error
	ListPools(ctx context.Context) ([]domain.Pool, error)
	ListRunners(ctx context.Context, repo string) ([]domain.Runner, error)
}

// PoolsHandler serves the pool and runner lifecycle endpoints.
type PoolsHandler struct {
	pools  PoolManager
	logger *zap.Logger
}

// NewPoolsHandler creates a new pools handler.
func NewPoolsHandler(pools PoolManager, logger *zap.Logger) *PoolsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolsHandler{pools: pools, logger: logger}
}

type requestRunnerBody struct {
	Labels []string `json:"labels,omitempty"`
}

// HandleRequestRunner handles POST /api/v1/pools/{repo}/request.
func (h *PoolsHandler) HandleRequestRunner(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if repo == "" {
		respondWithError(w, http.StatusBadRequest, "repo is required")
		return
	}

	var body requestRunnerBody
	defer r.Body.Close()
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.pools.RequestRunner(r.Context(), repo, body.Labels)
	if err != nil {
		h.logger.Error("request_runner failed", zap.String("repository", repo), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "request_runner failed")
		return
	}

	status := http.StatusAccepted
	if result.Runner != nil {
		status = http.StatusOK
	}
	respondWithJSON(w, status, result)
}

// HandleReleaseRunner handles POST /api/v1/runners/{id}/release.
func (h *PoolsHandler) HandleReleaseRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pools.ReleaseRunner(r.Context(), id); err != nil {
		h.logger.Error("release_runner failed", zap.String("runner_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "release_runner failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// HandleRemoveRunner handles DELETE /api/v1/runners/{id}.
func (h *PoolsHandler) HandleRemoveRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.pools.RemoveRunner(r.Context(), id); err != nil {
		h.logger.Error("remove_runner failed", zap.String("runner_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "remove_runner failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type poolView struct {
	Pool    domain.Pool         `json:"pool"`
	Metrics domain.PoolMetrics  `json:"metrics"`
}

// HandleGetPool handles GET /api/v1/pools/{repo}.
func (h *PoolsHandler) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	p, err := h.pools.GetOrCreatePool(r.Context(), repo)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to load pool")
		return
	}
	metrics, err := h.pools.GetPoolMetrics(r.Context(), repo)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to load pool metrics")
		return
	}
	respondWithJSON(w, http.StatusOK, poolView{Pool: *p, Metrics: *metrics})
}

// HandleListRunners handles GET /api/v1/pools/{repo}/runners.
func (h *PoolsHandler) HandleListRunners(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if repo == "" {
		respondWithError(w, http.StatusBadRequest, "repo is required")
		return
	}
	runners, err := h.pools.ListRunners(r.Context(), repo)
	if err != nil {
		h.logger.Error("list_runners failed", zap.String("repository", repo), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to list runners")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"runners": runners})
}

// HandleListPools handles GET /api/v1/pools.
func (h *PoolsHandler) HandleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.ListPools(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to list pools")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"pools": pools})
}
