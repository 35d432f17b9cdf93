package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Pingable is the narrow health-check surface a backing store exposes.
type Pingable interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health and readiness checks.
type HealthHandler struct {
	redis    Pingable
	postgres Pingable
	logger   *zap.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(redis Pingable, postgres Pingable, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{redis: redis, postgres: postgres, logger: logger}
}

// HandleHealth handles GET /api/v1/health (liveness probe).
// Returns 200 unconditionally — the process is alive. Liveness should
// NOT depend on external services, otherwise an outage there cascades
// into restarts of an otherwise-healthy replica.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReady handles GET /api/v1/ready (readiness probe).
// Checks Redis and Postgres connectivity — only mark ready if both are
// reachable and this replica can actually serve traffic.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.redis.Ping(ctx); err != nil {
		h.logger.Error("readiness check failed: redis unavailable", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	if err := h.postgres.Ping(ctx); err != nil {
		h.logger.Error("readiness check failed: postgres unavailable", zap.Error(err))
		respondWithError(w, http.StatusServiceUnavailable, "postgres unavailable")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
