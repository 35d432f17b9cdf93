package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// LeaderStatus is the narrow leader-election read surface the HTTP layer
// needs.
type LeaderStatus interface {
	IsCurrentLeader() bool
	CurrentLeader() (string, bool)
}

// StatusHandler serves the aggregate system status endpoint.
type StatusHandler struct {
	leader LeaderStatus
	pools  PoolManager
	nodeID string
	logger *zap.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(leader LeaderStatus, pools PoolManager, nodeID string, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{leader: leader, pools: pools, nodeID: nodeID, logger: logger}
}

type statusResponse struct {
	NodeID       string       `json:"node_id"`
	IsLeader     bool         `json:"is_leader"`
	CurrentLeader string      `json:"current_leader,omitempty"`
	Pools        []domain.Pool `json:"pools"`
}

// HandleStatus handles GET /api/v1/status.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		NodeID:   h.nodeID,
		IsLeader: h.leader.IsCurrentLeader(),
	}
	if leader, ok := h.leader.CurrentLeader(); ok {
		resp.CurrentLeader = leader
	}

	pools, err := h.pools.ListPools(r.Context())
	if err != nil {
		h.logger.Error("status: list pools failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load pools")
		return
	}
	resp.Pools = pools

	respondWithJSON(w, http.StatusOK, resp)
}
