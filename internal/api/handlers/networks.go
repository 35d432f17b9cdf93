package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// NetworkManager is the narrow Network Isolation Manager surface the HTTP
// layer needs.
type NetworkManager interface {
	CreateRepositoryNetwork(ctx context.Context, repo string) (*domain.Network, error)
	RemoveRepositoryNetwork(ctx context.Context, repo string, force bool) error
	Get(repo string) (*domain.Network, bool)
	List() []domain.Network
	Stats() domain.NetworkStats
}

// NetworksHandler serves the network isolation endpoints.
type NetworksHandler struct {
	networks NetworkManager
	logger   *zap.Logger
}

// NewNetworksHandler creates a new networks handler.
func NewNetworksHandler(networks NetworkManager, logger *zap.Logger) *NetworksHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NetworksHandler{networks: networks, logger: logger}
}

// HandleCreateNetwork handles POST /api/v1/networks/{repo}.
func (h *NetworksHandler) HandleCreateNetwork(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if repo == "" {
		respondWithError(w, http.StatusBadRequest, "repo is required")
		return
	}

	n, err := h.networks.CreateRepositoryNetwork(r.Context(), repo)
	if err != nil {
		h.logger.Error("create_repository_network failed", zap.String("repository", repo), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "create_repository_network failed")
		return
	}
	respondWithJSON(w, http.StatusOK, n)
}

// HandleDeleteNetwork handles DELETE /api/v1/networks/{repo}.
func (h *NetworksHandler) HandleDeleteNetwork(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	force := r.URL.Query().Get("force") == "true"

	if err := h.networks.RemoveRepositoryNetwork(r.Context(), repo, force); err != nil {
		h.logger.Error("remove_repository_network failed", zap.String("repository", repo), zap.Error(err))
		respondWithError(w, http.StatusConflict, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleGetNetwork handles GET /api/v1/networks/{repo}.
func (h *NetworksHandler) HandleGetNetwork(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	n, ok := h.networks.Get(repo)
	if !ok {
		respondWithError(w, http.StatusNotFound, "network not found")
		return
	}
	respondWithJSON(w, http.StatusOK, n)
}

// HandleListNetworks handles GET /api/v1/networks.
func (h *NetworksHandler) HandleListNetworks(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"networks": h.networks.List(),
		"stats":    h.networks.Stats(),
	})
}
