package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/api/handlers"
	"github.com/anubissbe/runnerhub-controlplane/internal/api/middleware"
)

// NewRouter creates a new Chi router with all routes and middleware configured.
func NewRouter(
	pools handlers.PoolManager,
	networks handlers.NetworkManager,
	cleanupEngine handlers.CleanupEngine,
	policies handlers.PolicyStore,
	history handlers.CleanupHistory,
	leader handlers.LeaderStatus,
	redis handlers.Pingable,
	postgres handlers.Pingable,
	nodeID string,
	logger *zap.Logger,
) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	poolsHandler := handlers.NewPoolsHandler(pools, logger)
	networksHandler := handlers.NewNetworksHandler(networks, logger)
	cleanupHandler := handlers.NewCleanupHandler(cleanupEngine, policies, history, logger)
	statusHandler := handlers.NewStatusHandler(leader, pools, nodeID, logger)
	healthHandler := handlers.NewHealthHandler(redis, postgres, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/pools", func(r chi.Router) {
			r.Get("/", poolsHandler.HandleListPools)
			r.Get("/{repo}", poolsHandler.HandleGetPool)
			r.Get("/{repo}/runners", poolsHandler.HandleListRunners)
			r.Post("/{repo}/request", poolsHandler.HandleRequestRunner)
		})

		r.Route("/runners", func(r chi.Router) {
			r.Post("/{id}/release", poolsHandler.HandleReleaseRunner)
			r.Delete("/{id}", poolsHandler.HandleRemoveRunner)
		})

		r.Route("/networks", func(r chi.Router) {
			r.Get("/", networksHandler.HandleListNetworks)
			r.Get("/{repo}", networksHandler.HandleGetNetwork)
			r.Post("/{repo}", networksHandler.HandleCreateNetwork)
			r.Delete("/{repo}", networksHandler.HandleDeleteNetwork)
		})

		r.Route("/cleanup", func(r chi.Router) {
			r.Post("/run", cleanupHandler.HandleRunCleanup)
			r.Get("/policies", cleanupHandler.HandleGetPolicies)
			r.Patch("/policies/{id}", cleanupHandler.HandleUpdatePolicy)
			r.Get("/history", cleanupHandler.HandleGetHistory)
		})

		r.Get("/status", statusHandler.HandleStatus)
		r.Get("/health", healthHandler.HandleHealth)
		r.Get("/ready", healthHandler.HandleReady)
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
