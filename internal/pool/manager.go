// Package pool implements the Runner Pool Manager: per-repository runner
// inventory, scale decisions and the leader-only monitoring loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
	"github.com/anubissbe/runnerhub-controlplane/internal/store"
)

const offlineRunnerMaxAge = 5 * time.Minute

// Store is the narrow durable-persistence surface the manager needs.
type Store interface {
	GetOrCreatePool(ctx context.Context, repository string, defaults domain.Pool) (*domain.Pool, error)
	GetPool(ctx context.Context, repository string) (*domain.Pool, error)
	ListPools(ctx context.Context) ([]domain.Pool, error)
	UpdatePoolScaling(ctx context.Context, repository string, currentRunners int, scaledAt time.Time) error

	InsertRunner(ctx context.Context, run *domain.Runner) error
	GetRunner(ctx context.Context, id string) (*domain.Runner, error)
	ListRunnersByRepository(ctx context.Context, repository string) ([]domain.Runner, error)
	ClaimIdleRunner(ctx context.Context, repository string, jobID string) (*domain.Runner, error)
	ReleaseRunner(ctx context.Context, id string) error
	DeleteRunner(ctx context.Context, id string) error
	SelectIdleRunnersOlderThan(ctx context.Context, repository string, cutoff time.Time, limit int) ([]string, error)
	DeleteOfflineRunnersOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ProxyRunnerProvisioner creates/destroys wildcard-pool proxy runners. The
// real implementation lives outside this repository; a logging stand-in
// satisfies it here.
type ProxyRunnerProvisioner interface {
	ProvisionProxyRunners(ctx context.Context, n int) error
	DeprovisionProxyRunner(ctx context.Context, runnerID string) error
}

// DefaultPoolConfig is applied the first time a repository is seen.
type DefaultPoolConfig struct {
	MinRunners     int
	MaxRunners     int
	ScaleIncrement int
	ScaleThreshold float64
}

// Manager is the Runner Pool Manager.
type Manager struct {
	store   Store
	proxy   ProxyRunnerProvisioner
	logger  *zap.Logger
	onEvent func(event, detail string)

	defaults    DefaultPoolConfig
	idleTimeout time.Duration

	scalingMu         sync.Mutex
	scalingInProgress map[string]bool
}

// New constructs a Manager.
func New(store Store, proxy ProxyRunnerProvisioner, defaults DefaultPoolConfig, idleTimeout time.Duration, logger *zap.Logger, onEvent func(event, detail string)) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Manager{
		store:             store,
		proxy:             proxy,
		defaults:          defaults,
		idleTimeout:       idleTimeout,
		logger:            logger,
		onEvent:           onEvent,
		scalingInProgress: make(map[string]bool),
	}
}

// GetOrCreatePool ensures repo has a pool row, seeding it with the
// configured defaults on first sight.
func (m *Manager) GetOrCreatePool(ctx context.Context, repo string) (*domain.Pool, error) {
	return m.store.GetOrCreatePool(ctx, repo, domain.Pool{
		MinRunners:     m.defaults.MinRunners,
		MaxRunners:     m.defaults.MaxRunners,
		ScaleIncrement: m.defaults.ScaleIncrement,
		ScaleThreshold: m.defaults.ScaleThreshold,
	})
}

// GetPoolMetrics computes total/active/idle/utilization for repo.
func (m *Manager) GetPoolMetrics(ctx context.Context, repo string) (*domain.PoolMetrics, error) {
	runners, err := m.store.ListRunnersByRepository(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("pool: list runners for %s: %w", repo, err)
	}

	metrics := &domain.PoolMetrics{Total: len(runners)}
	for _, r := range runners {
		switch r.Status {
		case domain.RunnerStatusBusy:
			metrics.Active++
		case domain.RunnerStatusIdle:
			metrics.Idle++
		}
	}
	if metrics.Total > 0 {
		metrics.Utilization = float64(metrics.Active) / float64(metrics.Total)
	}
	return metrics, nil
}

// ListPools returns every pool the store currently knows about.
func (m *Manager) ListPools(ctx context.Context) ([]domain.Pool, error) {
	return m.store.ListPools(ctx)
}

// ListRunners returns every runner row tracked against repo.
func (m *Manager) ListRunners(ctx context.Context, repo string) ([]domain.Runner, error) {
	return m.store.ListRunnersByRepository(ctx, repo)
}

// CheckScaling evaluates whether repo should scale up right now.
func (m *Manager) CheckScaling(ctx context.Context, repo string) (*domain.ScalingDecision, error) {
	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return nil, err
	}
	metrics, err := m.GetPoolMetrics(ctx, repo)
	if err != nil {
		return nil, err
	}

	if metrics.Total >= p.MaxRunners {
		return &domain.ScalingDecision{ShouldScale: false, Reason: "at max"}, nil
	}
	if metrics.Utilization >= p.ScaleThreshold {
		toAdd := p.ScaleIncrement
		if headroom := p.MaxRunners - metrics.Total; toAdd > headroom {
			toAdd = headroom
		}
		reason := fmt.Sprintf("utilization %.0f%% exceeds threshold %.0f%%", metrics.Utilization*100, p.ScaleThreshold*100)
		return &domain.ScalingDecision{ShouldScale: true, RunnersToAdd: toAdd, Reason: reason}, nil
	}
	return &domain.ScalingDecision{ShouldScale: false, Reason: "below threshold"}, nil
}

// ScaleUp adds up to n runners to repo, guarded by a per-repository
// in-progress flag that refuses concurrent scale-ups for the same
// repository. n is clamped to the pool's remaining headroom below
// MaxRunners; scale-up never pushes a pool past its max.
func (m *Manager) ScaleUp(ctx context.Context, repo string, n int) error {
	if !m.lockScaling(repo) {
		return fmt.Errorf("pool: scale-up already in progress for %s", repo)
	}
	defer m.unlockScaling(repo)

	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return err
	}
	current, err := m.GetPoolMetrics(ctx, repo)
	if err != nil {
		return err
	}
	if headroom := p.MaxRunners - current.Total; n > headroom {
		n = headroom
	}
	if n <= 0 {
		return nil
	}

	if repo == domain.WildcardRepository {
		if err := m.proxy.ProvisionProxyRunners(ctx, n); err != nil {
			return fmt.Errorf("pool: provision proxy runners: %w", err)
		}
	} else {
		for i := 0; i < n; i++ {
			run := &domain.Runner{
				ID:         uuid.NewString(),
				Name:       fmt.Sprintf("runner-%s", uuid.NewString()[:8]),
				Type:       domain.RunnerTypeEphemeral,
				Status:     domain.RunnerStatusIdle,
				Repository: repo,
			}
			if err := m.store.InsertRunner(ctx, run); err != nil {
				return fmt.Errorf("pool: insert runner for %s: %w", repo, err)
			}
		}
	}

	metrics, err := m.GetPoolMetrics(ctx, repo)
	if err != nil {
		return err
	}
	if err := m.store.UpdatePoolScaling(ctx, repo, metrics.Total, time.Now().UTC()); err != nil {
		return err
	}
	m.onEvent("pool-scaled-up", fmt.Sprintf("%s +%d", repo, n))
	return nil
}

// ensureMinimumRunners tops a pool up to its configured MinRunners floor.
// CheckScaling alone never fires here: utilization is active/total, which
// is 0/0 for a freshly created pool with no runners at all, so a pool
// can sit below its minimum indefinitely without this explicit step.
func (m *Manager) ensureMinimumRunners(ctx context.Context, repo string) error {
	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return err
	}
	metrics, err := m.GetPoolMetrics(ctx, repo)
	if err != nil {
		return err
	}
	if metrics.Total >= p.MinRunners {
		return nil
	}
	return m.ScaleUp(ctx, repo, p.MinRunners-metrics.Total)
}

// ScaleDown removes idle, ephemeral runners older than the configured
// idle timeout, never reducing total below min_runners.
func (m *Manager) ScaleDown(ctx context.Context, repo string) (int, error) {
	p, err := m.GetOrCreatePool(ctx, repo)
	if err != nil {
		return 0, err
	}
	metrics, err := m.GetPoolMetrics(ctx, repo)
	if err != nil {
		return 0, err
	}

	headroom := metrics.Total - p.MinRunners
	if headroom <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-m.idleTimeout)
	ids, err := m.store.SelectIdleRunnersOlderThan(ctx, repo, cutoff, headroom)
	if err != nil {
		return 0, fmt.Errorf("pool: select idle runners for %s: %w", repo, err)
	}

	removed := 0
	for _, id := range ids {
		if err := m.RemoveRunner(ctx, id); err != nil {
			m.logger.Warn("pool: scale-down remove failed", zap.String("runner_id", id), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		if newMetrics, err := m.GetPoolMetrics(ctx, repo); err == nil {
			_ = m.store.UpdatePoolScaling(ctx, repo, newMetrics.Total, time.Now().UTC())
		}
		m.onEvent("pool-scaled-down", fmt.Sprintf("%s -%d", repo, removed))
	}
	return removed, nil
}

// RequestRunner assigns an idle runner for repo, or triggers a scale-up and
// returns a request id alone when none is immediately available.
func (m *Manager) RequestRunner(ctx context.Context, repo string, labels []string) (*domain.RequestRunnerResult, error) {
	if _, err := m.GetOrCreatePool(ctx, repo); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	jobID := requestID
	run, err := m.store.ClaimIdleRunner(ctx, repo, jobID)
	if err == nil {
		return &domain.RequestRunnerResult{RequestID: requestID, Runner: run}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pool: claim idle runner for %s: %w", repo, err)
	}

	decision, err := m.CheckScaling(ctx, repo)
	if err != nil {
		return nil, err
	}
	if decision.ShouldScale {
		if err := m.ScaleUp(ctx, repo, decision.RunnersToAdd); err != nil {
			m.logger.Warn("pool: scale-up on request_runner failed", zap.String("repository", repo), zap.Error(err))
		}
	}
	return &domain.RequestRunnerResult{RequestID: requestID}, nil
}

// ReleaseRunner flips a runner back to IDLE, then opportunistically tries
// a scale-down if more than one idle runner remains.
func (m *Manager) ReleaseRunner(ctx context.Context, runnerID string) error {
	run, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("pool: get runner %s: %w", runnerID, err)
	}
	if err := m.store.ReleaseRunner(ctx, runnerID); err != nil {
		return fmt.Errorf("pool: release runner %s: %w", runnerID, err)
	}

	metrics, err := m.GetPoolMetrics(ctx, run.Repository)
	if err == nil && metrics.Idle > 1 {
		if _, err := m.ScaleDown(ctx, run.Repository); err != nil {
			m.logger.Warn("pool: opportunistic scale-down failed", zap.String("repository", run.Repository), zap.Error(err))
		}
	}
	return nil
}

// RemoveRunner deletes a runner row (and its proxy-runner lifecycle, for
// wildcard-pool workers).
func (m *Manager) RemoveRunner(ctx context.Context, runnerID string) error {
	run, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("pool: get runner %s: %w", runnerID, err)
	}
	if run.Repository == domain.WildcardRepository {
		if err := m.proxy.DeprovisionProxyRunner(ctx, runnerID); err != nil {
			m.logger.Warn("pool: deprovision proxy runner failed", zap.String("runner_id", runnerID), zap.Error(err))
		}
	}
	if err := m.store.DeleteRunner(ctx, runnerID); err != nil {
		return fmt.Errorf("pool: delete runner %s: %w", runnerID, err)
	}
	return nil
}

func (m *Manager) lockScaling(repo string) bool {
	m.scalingMu.Lock()
	defer m.scalingMu.Unlock()
	if m.scalingInProgress[repo] {
		return false
	}
	m.scalingInProgress[repo] = true
	return true
}

func (m *Manager) unlockScaling(repo string) {
	m.scalingMu.Lock()
	defer m.scalingMu.Unlock()
	delete(m.scalingInProgress, repo)
}

// Run drives the leader-only monitoring loop: every interval, reconcile
// scaling and cleanup for every known pool. The loop runs under safeGo, so
// it restarts on panic with exponential backoff.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	m.safeGo(ctx, "poolMonitor", func() { m.monitorLoop(ctx, interval) })
}

func (m *Manager) monitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("pool monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pool monitor stopped")
			return
		case <-ticker.C:
			m.reconcileAllPools(ctx)
		}
	}
}

func (m *Manager) reconcileAllPools(ctx context.Context) {
	pools, err := m.store.ListPools(ctx)
	if err != nil {
		m.logger.Warn("pool monitor: list pools failed", zap.Error(err))
		return
	}

	for _, p := range pools {
		decision, err := m.CheckScaling(ctx, p.Repository)
		if err != nil {
			m.logger.Warn("pool monitor: check_scaling failed", zap.String("repository", p.Repository), zap.Error(err))
			continue
		}
		if decision.ShouldScale {
			if err := m.ScaleUp(ctx, p.Repository, decision.RunnersToAdd); err != nil {
				m.logger.Warn("pool monitor: scale_up failed", zap.String("repository", p.Repository), zap.Error(err))
			}
		}

		if err := m.ensureMinimumRunners(ctx, p.Repository); err != nil {
			m.logger.Warn("pool monitor: ensure_minimum_runners failed", zap.String("repository", p.Repository), zap.Error(err))
		}

		if _, err := m.ScaleDown(ctx, p.Repository); err != nil {
			m.logger.Warn("pool monitor: scale_down failed", zap.String("repository", p.Repository), zap.Error(err))
		}
	}

	cutoff := time.Now().UTC().Add(-offlineRunnerMaxAge)
	removed, err := m.store.DeleteOfflineRunnersOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Warn("pool monitor: cleanup_offline_runners failed", zap.Error(err))
	} else if removed > 0 {
		m.logger.Info("pool monitor: cleaned up offline runners", zap.Int("count", removed))
	}
}

// safeGo wraps a goroutine with panic recovery and automatic restart with
// exponential backoff (1s -> 2s -> 4s ... capped at 30s).
func (m *Manager) safeGo(ctx context.Context, name string, fn func()) {
	go func() {
		const maxBackoff = 30 * time.Second
		backoff := time.Second

		for {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("background goroutine panicked, restarting",
							zap.String("goroutine", name), zap.Any("panic", r), zap.Duration("backoff", backoff))
					}
				}()
				fn()
			}()

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}
