// Package cleanup implements the sweep that reclaims idle, failed,
// orphaned and expired containers according to a configurable set of
// policies.
package cleanup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

const logTailLines = 1000

// Runtime is the narrow container-runtime surface the engine needs.
type Runtime interface {
	GetContainer(ctx context.Context, id string) (*domain.Container, error)
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	GetContainerLogs(ctx context.Context, id string, tail int) (string, error)
}

// NetworkDetacher is the narrow network collaborator the engine needs to
// detach a cleaned-up container from its isolated network.
type NetworkDetacher interface {
	DetachContainer(ctx context.Context, containerID, repo string)
}

// Store is the narrow durable-persistence surface the engine needs.
type Store interface {
	ArchiveLogs(ctx context.Context, containerID, containerName, logs string) error
	InsertCleanupHistory(ctx context.Context, result *domain.CleanupResult) error
	NullRunnerContainerID(ctx context.Context, runnerID string) error
}

// PolicyConfig is the narrow config surface the engine needs: the
// hot-reloadable policy set.
type PolicyConfig interface {
	GetPolicies() []domain.CleanupPolicy
	UpdatePolicy(p domain.CleanupPolicy) error
}

// EventFunc is invoked for each observable cleanup event.
type EventFunc func(event string, detail string)

// Engine is the Cleanup Engine.
type Engine struct {
	runtime  Runtime
	network  NetworkDetacher
	store    Store
	config   PolicyConfig
	logger   *zap.Logger
	onEvent  EventFunc

	running atomic.Bool
	last    atomic.Value // domain.CleanupResult
}

// New constructs an Engine.
func New(runtime Runtime, network NetworkDetacher, store Store, config PolicyConfig, logger *zap.Logger, onEvent EventFunc) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onEvent == nil {
		onEvent = func(string, string) {}
	}
	return &Engine{runtime: runtime, network: network, store: store, config: config, logger: logger, onEvent: onEvent}
}

// ContainerLister abstracts the source of candidate container ids; the
// caller supplies the live set of runner-owned container ids each sweep
// since the engine itself has no independent inventory.
type ContainerLister func(ctx context.Context) ([]ContainerCandidate, error)

// ContainerCandidate pairs a container id with the runner row that owns
// it, if any, so NULLing container_id after removal is possible.
type ContainerCandidate struct {
	ContainerID string
	RunnerID    string
}

// RunCleanup executes one sweep. Concurrent entry is refused with the
// prior result returned unchanged.
func (e *Engine) RunCleanup(ctx context.Context, list ContainerLister) (*domain.CleanupResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		if prev, ok := e.last.Load().(domain.CleanupResult); ok {
			return &prev, nil
		}
		return &domain.CleanupResult{}, nil
	}
	defer e.running.Store(false)

	now := time.Now().UTC()
	result := &domain.CleanupResult{StartedAt: now}

	policies := e.config.GetPolicies()
	candidates, err := list(ctx)
	if err != nil {
		return nil, fmt.Errorf("cleanup: list candidates: %w", err)
	}

	handled := make(map[string]bool, len(candidates))
	for _, policy := range policies {
		if !policy.Enabled {
			continue
		}
		result.PoliciesExecuted++
		cleaned := 0

		for _, cand := range candidates {
			result.ContainersInspected++
			if handled[cand.ContainerID] {
				result.Details = append(result.Details, domain.CleanupDetail{
					ContainerID: cand.ContainerID, PolicyID: policy.ID, Action: "skipped",
					Reason: "already handled by another policy this sweep",
				})
				continue
			}

			c, err := e.runtime.GetContainer(ctx, cand.ContainerID)
			if err != nil {
				result.Errors++
				result.Details = append(result.Details, domain.CleanupDetail{
					ContainerID: cand.ContainerID, PolicyID: policy.ID, Action: "skipped", Error: err.Error(),
				})
				continue
			}

			if !matches(policy, c, now) {
				continue
			}

			detail := e.apply(ctx, policy, c, cand.RunnerID, now)
			result.Details = append(result.Details, detail)
			handled[cand.ContainerID] = true
			if detail.Error == "" {
				cleaned++
				result.ContainersCleaned++
			} else {
				result.Errors++
			}
		}

		e.recordPolicyStatistics(policy, cleaned)
	}

	result.FinishedAt = time.Now().UTC()
	result.DiskSpaceReclaimed = domain.DiskReclaimedEstimate(result.ContainersCleaned)

	if err := e.store.InsertCleanupHistory(ctx, result); err != nil {
		e.logger.Warn("cleanup: history insert failed", zap.Error(err))
	}
	e.last.Store(*result)
	e.onEvent("cleanup-completed", fmt.Sprintf("cleaned=%d errors=%d", result.ContainersCleaned, result.Errors))

	return result, nil
}

// matches evaluates a single policy's trigger condition against c.
func matches(policy domain.CleanupPolicy, c *domain.Container, now time.Time) bool {
	idleThreshold := time.Duration(policy.Conditions.IdleMinutes) * time.Minute

	switch policy.Type {
	case domain.PolicyTypeIdle:
		if c.State != domain.ContainerStateRunning || c.JobID != nil {
			return false
		}
		if c.Started == nil {
			return false
		}
		return now.Sub(*c.Started) > idleThreshold
	case domain.PolicyTypeFailed:
		if c.State != domain.ContainerStateStopped || c.ExitCode == 0 {
			return false
		}
		if c.Finished == nil {
			return false
		}
		return now.Sub(*c.Finished) > idleThreshold
	case domain.PolicyTypeOrphaned:
		if c.RunnerID != nil || c.JobID != nil {
			return false
		}
		return now.Sub(c.Created) > idleThreshold
	case domain.PolicyTypeExpired:
		maxLifetime := time.Duration(policy.Conditions.MaxLifetimeHours) * time.Hour
		return now.Sub(c.Created) > maxLifetime
	default:
		return false
	}
}

// apply runs the ordered per-policy actions against one matched container.
func (e *Engine) apply(ctx context.Context, policy domain.CleanupPolicy, c *domain.Container, runnerID string, now time.Time) domain.CleanupDetail {
	detail := domain.CleanupDetail{ContainerID: c.ID, PolicyID: policy.ID}

	if policy.Actions.ArchiveLogs && c.State == domain.ContainerStateRunning {
		logs, err := e.runtime.GetContainerLogs(ctx, c.ID, logTailLines)
		if err != nil {
			e.logger.Warn("cleanup: archive logs failed", zap.String("container_id", c.ID), zap.Error(err))
		} else if err := e.store.ArchiveLogs(ctx, c.ID, c.Name, logs); err != nil {
			e.logger.Warn("cleanup: persist archived logs failed", zap.String("container_id", c.ID), zap.Error(err))
		}
	}

	if policy.Actions.StopContainer && c.State == domain.ContainerStateRunning {
		if err := e.runtime.StopContainer(ctx, c.ID, 10*time.Second); err != nil {
			detail.Error = err.Error()
			return detail
		}
	}

	if policy.Actions.RemoveContainer {
		if repo := c.Repository(); repo != "" && e.network != nil {
			e.network.DetachContainer(ctx, c.ID, repo)
		}
		if err := e.runtime.RemoveContainer(ctx, c.ID); err != nil {
			detail.Error = err.Error()
			return detail
		}
		if runnerID != "" {
			if err := e.store.NullRunnerContainerID(ctx, runnerID); err != nil {
				e.logger.Warn("cleanup: null container_id failed", zap.String("runner_id", runnerID), zap.Error(err))
			}
		}
		detail.Action = "removed"
	} else if policy.Actions.StopContainer {
		detail.Action = "stopped"
	} else {
		detail.Action = "inspected"
	}

	if policy.Actions.NotifyOnCleanup {
		e.onEvent("container-cleaned", c.ID)
	}
	return detail
}

func (e *Engine) recordPolicyStatistics(policy domain.CleanupPolicy, cleaned int) {
	policy.Statistics.ContainersCleanedTotal += cleaned
	policy.Statistics.LastCleanupCount = cleaned
	policy.Statistics.DiskSpaceReclaimed += domain.DiskReclaimedEstimate(cleaned)
	policy.Statistics.LastRun = time.Now().UTC()
	if err := e.config.UpdatePolicy(policy); err != nil {
		e.logger.Warn("cleanup: policy statistics update failed", zap.String("policy_id", policy.ID), zap.Error(err))
	}
}

// LastResult returns the most recent completed sweep, if any.
func (e *Engine) LastResult() (*domain.CleanupResult, bool) {
	v, ok := e.last.Load().(domain.CleanupResult)
	if !ok {
		return nil, false
	}
	return &v, true
}

// IsRunning reports whether a sweep is currently executing.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Sweeper binds an Engine to a fixed ContainerLister, giving callers (the
// on-demand HTTP trigger in particular) a zero-argument RunCleanup.
type Sweeper struct {
	engine *Engine
	list   ContainerLister
}

// NewSweeper creates a Sweeper bound to list.
func NewSweeper(engine *Engine, list ContainerLister) *Sweeper {
	return &Sweeper{engine: engine, list: list}
}

// RunCleanup triggers a sweep using the bound ContainerLister.
func (s *Sweeper) RunCleanup(ctx context.Context) (*domain.CleanupResult, error) {
	return s.engine.RunCleanup(ctx, s.list)
}

// Run drives the periodic sweep: one run after initialDelay, then every
// interval until ctx is cancelled. Only the elected leader should call
// this.
func (e *Engine) Run(ctx context.Context, interval, initialDelay time.Duration, list ContainerLister) {
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	e.logger.Info("cleanup sweep scheduler started",
		zap.Duration("interval", interval), zap.Duration("initial_delay", initialDelay))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("cleanup sweep scheduler stopped")
			return
		case <-timer.C:
			if _, err := e.RunCleanup(ctx, list); err != nil {
				e.logger.Warn("cleanup sweep failed", zap.Error(err))
			}
			timer.Reset(interval)
		}
	}
}
