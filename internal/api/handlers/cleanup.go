package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// CleanupEngine is the narrow Container Cleanup Engine surface the HTTP
// layer needs.
type CleanupEngine interface {
	RunCleanup(ctx context.Context) (*domain.CleanupResult, error)
}

// PolicyStore is the policy configuration surface the HTTP layer needs.
type PolicyStore interface {
	GetPolicies() []domain.CleanupPolicy
	GetPolicy(id string) (domain.CleanupPolicy, bool)
	UpdatePolicy(p domain.CleanupPolicy) error
}

// CleanupHistory is the durable cleanup-history read surface.
type CleanupHistory interface {
	GetCleanupHistory(ctx context.Context, hours int) ([]domain.CleanupResult, error)
}

// CleanupHandler serves the cleanup sweep, policy and history endpoints.
type CleanupHandler struct {
	engine  CleanupEngine
	config  PolicyStore
	history CleanupHistory
	logger  *zap.Logger
}

// NewCleanupHandler creates a new cleanup handler.
func NewCleanupHandler(engine CleanupEngine, config PolicyStore, history CleanupHistory, logger *zap.Logger) *CleanupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupHandler{engine: engine, config: config, history: history, logger: logger}
}

// HandleRunCleanup handles POST /api/v1/cleanup/run.
func (h *CleanupHandler) HandleRunCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RunCleanup(r.Context())
	if err != nil {
		h.logger.Error("run_cleanup failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "run_cleanup failed")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// HandleGetPolicies handles GET /api/v1/cleanup/policies.
func (h *CleanupHandler) HandleGetPolicies(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"policies": h.config.GetPolicies()})
}

// HandleUpdatePolicy handles PATCH /api/v1/cleanup/policies/{id}.
func (h *CleanupHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, ok := h.config.GetPolicy(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, "policy not found")
		return
	}

	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&existing); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	existing.ID = id

	if err := h.config.UpdatePolicy(existing); err != nil {
		h.logger.Error("update_policy failed", zap.String("policy_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "update_policy failed")
		return
	}
	respondWithJSON(w, http.StatusOK, existing)
}

// HandleGetHistory handles GET /api/v1/cleanup/history.
func (h *CleanupHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	results, err := h.history.GetCleanupHistory(r.Context(), hours)
	if err != nil {
		h.logger.Error("get_cleanup_history failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "get_cleanup_history failed")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"history": results})
}
