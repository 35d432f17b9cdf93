package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/anubissbe/runnerhub-controlplane/internal/api"
	"github.com/anubissbe/runnerhub-controlplane/internal/cleanup"
	"github.com/anubissbe/runnerhub-controlplane/internal/config"
	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
	"github.com/anubissbe/runnerhub-controlplane/internal/leader"
	"github.com/anubissbe/runnerhub-controlplane/internal/network"
	"github.com/anubissbe/runnerhub-controlplane/internal/pool"
	"github.com/anubissbe/runnerhub-controlplane/internal/redisclient"
	"github.com/anubissbe/runnerhub-controlplane/internal/runtime"
	"github.com/anubissbe/runnerhub-controlplane/internal/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	nodeID := nodeIdentity()
	logger.Info("starting runnerhub controller", zap.String("node_id", nodeID))

	redisClient, err := redisclient.NewClient(cfg)
	if err != nil {
		logger.Fatal("failed to create redis client", zap.Error(err))
	}
	defer redisClient.Close()
	if err := redisClient.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	logger.Info("connected to redis")

	pgClient, err := store.NewClient(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		logger.Fatal("failed to create postgres client", zap.Error(err))
	}
	defer pgClient.Close()
	if err := pgClient.Migrate(cfg.PostgresDSN); err != nil {
		logger.Fatal("failed to apply database migrations", zap.Error(err))
	}
	logger.Info("connected to postgres, migrations applied")

	repo := store.NewRepository(pgClient)

	dockerRuntime, err := runtime.New(cfg.DockerHost, cfg.DockerAPIVersion)
	if err != nil {
		logger.Fatal("failed to create docker runtime client", zap.Error(err))
	}
	defer dockerRuntime.Close()
	if err := dockerRuntime.Ping(ctx); err != nil {
		logger.Fatal("failed to connect to docker daemon", zap.Error(err))
	}
	logger.Info("connected to docker daemon")

	networkManager := network.New(dockerRuntime, repo, logger)
	if err := networkManager.Bootstrap(ctx); err != nil {
		logger.Warn("network bootstrap incomplete, continuing with empty cache", zap.Error(err))
	}

	proxyProvisioner := &loggingProxyProvisioner{logger: logger}
	poolManager := pool.New(repo, proxyProvisioner, pool.DefaultPoolConfig{
		MinRunners:     1,
		MaxRunners:     10,
		ScaleIncrement: 5,
		ScaleThreshold: 0.8,
	}, cfg.PoolIdleTimeout, logger, func(event, detail string) {
		logger.Info("pool event", zap.String("event", event), zap.String("detail", detail))
	})

	cleanupEngine := cleanup.New(dockerRuntime, networkManager, repo, cfg, logger,
		func(event, detail string) {
			logger.Info("cleanup event", zap.String("event", event), zap.String("detail", detail))
		})
	lister := runnerContainerLister(repo)
	sweeper := cleanup.NewSweeper(cleanupEngine, lister)

	var termCancel context.CancelFunc
	elector := leader.New(redisClient.GetRedis(), nodeID, leader.Config{
		LockKey:         cfg.LeaderLockKey,
		LockTTL:         cfg.LeaderLockTTL,
		RenewalInterval: cfg.LeaderRenewalInterval,
		RetryInterval:   cfg.LeaderRetryInterval,
		MaxRetries:      cfg.LeaderMaxRetries,
	}, logger, func(event domain.LeadershipEvent, detail string) {
		logger.Info("leadership event", zap.String("event", string(event)), zap.String("detail", detail))
		switch event {
		case domain.EventAcquired:
			var termCtx context.Context
			termCtx, termCancel = context.WithCancel(ctx)
			go runLeaderLoops(termCtx, poolManager, networkManager, cleanupEngine, lister, cfg, logger)
		case domain.EventLost, domain.EventVacant:
			if termCancel != nil {
				termCancel()
				termCancel = nil
			}
		}
	})

	router := api.NewRouter(
		poolManager,
		networkManager,
		sweeper,
		cfg,
		repo,
		elector,
		redisClient,
		pgClient,
		nodeID,
		logger,
	)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Leader election runs on its own context so the lock is still held and
	// renewed while an in-flight cleanup sweep drains during shutdown.
	electionCtx, stopElection := context.WithCancel(context.Background())
	defer stopElection()
	go func() {
		logger.Info("electing leader")
		if err := elector.Run(electionCtx); err != nil && electionCtx.Err() == nil {
			logger.Error("leader election loop stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting http server", zap.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("runnerhub controller started successfully", zap.String("http_port", cfg.HTTPPort))

	<-quit
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	waitForCleanupDrain(shutdownCtx, cleanupEngine, logger)

	stopElection()
	if elector.IsCurrentLeader() {
		if err := elector.Release(shutdownCtx); err != nil {
			logger.Warn("failed to release leader lock on shutdown", zap.Error(err))
		}
	}

	logger.Info("runnerhub controller shutdown complete")
}

func setupLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.LogFormat == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zcfg.Build()
}

func nodeIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// runLeaderLoops starts the singleton background loops (pool monitor,
// network reclaimer, cleanup sweeper). Only the elected leader should call
// this — the caller gates on the acquired event.
func runLeaderLoops(ctx context.Context, poolManager *pool.Manager, networkManager *network.Manager, cleanupEngine *cleanup.Engine, lister cleanup.ContainerLister, cfg *config.Config, logger *zap.Logger) {
	// Re-derive the subnet counter from networks created under earlier terms.
	if err := networkManager.Bootstrap(ctx); err != nil {
		logger.Warn("network bootstrap on leadership acquisition failed", zap.Error(err))
	}

	poolManager.Run(ctx, cfg.PoolMonitorInterval)

	go func() {
		ticker := time.NewTicker(cfg.NetworkCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := networkManager.CleanupUnusedNetworks(ctx, cfg.NetworkMaxIdle); err != nil {
					logger.Warn("network cleanup sweep failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("reclaimed unused networks", zap.Int("count", n))
				}
			}
		}
	}()

	cleanupEngine.Run(ctx, cfg.CleanupSweepInterval, cfg.CleanupInitialDelay, lister)
}

// waitForCleanupDrain blocks until the cleanup engine reports no sweep in
// flight, or ctx expires, whichever comes first. cancel() above already
// stopped the sweep scheduler from starting a new run; this only covers a
// sweep that was already underway when the shutdown signal arrived.
func waitForCleanupDrain(ctx context.Context, cleanupEngine *cleanup.Engine, logger *zap.Logger) {
	if !cleanupEngine.IsRunning() {
		return
	}
	logger.Info("waiting for in-flight cleanup sweep to finish")

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Warn("shutdown timeout reached before cleanup sweep finished")
			return
		case <-ticker.C:
			if !cleanupEngine.IsRunning() {
				logger.Info("cleanup sweep drained")
				return
			}
		}
	}
}

// runnerContainerLister adapts the repository's runner inventory into the
// cleanup.ContainerLister the sweep needs: the live set of container ids
// currently tracked against a runner row.
func runnerContainerLister(repo *store.Repository) cleanup.ContainerLister {
	return func(ctx context.Context) ([]cleanup.ContainerCandidate, error) {
		if repo == nil {
			return nil, nil
		}
		pools, err := repo.ListPools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list pools for cleanup sweep: %w", err)
		}

		var candidates []cleanup.ContainerCandidate
		for _, p := range pools {
			runners, err := repo.ListRunnersByRepository(ctx, p.Repository)
			if err != nil {
				return nil, fmt.Errorf("list runners for %s: %w", p.Repository, err)
			}
			for _, r := range runners {
				if r.Status == domain.RunnerStatusBusy {
					continue
				}
				if r.ContainerID != nil && *r.ContainerID != "" {
					candidates = append(candidates, cleanup.ContainerCandidate{ContainerID: *r.ContainerID, RunnerID: r.ID})
				}
			}
		}
		return candidates, nil
	}
}

// loggingProxyProvisioner is a logging stand-in for the real proxy-runner
// provisioning workflow, which lives outside this repository.
type loggingProxyProvisioner struct {
	logger *zap.Logger
}

func (p *loggingProxyProvisioner) ProvisionProxyRunners(ctx context.Context, n int) error {
	p.logger.Info("provision proxy runners requested", zap.Int("count", n))
	return nil
}

func (p *loggingProxyProvisioner) DeprovisionProxyRunner(ctx context.Context, runnerID string) error {
	p.logger.Info("deprovision proxy runner requested", zap.String("runner_id", runnerID))
	return nil
}
