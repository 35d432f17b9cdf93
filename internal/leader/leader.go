// Package leader implements the distributed mutex that gates the
// orchestrator's singleton loops (pool-manager monitor, cleanup sweeper,
// network reclaimer) across replicas.
//
// The lock is a single key in Redis, acquired with SET NX PX and renewed
// under a compare-and-set Lua script that checks the JSON value's node_id
// field before overwriting — not a consensus algorithm. Exactly one
// replica holds the key at any instant; losing it (TTL expiry, CAS
// failure, or explicit release) demotes the replica immediately.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// ErrNotLeader is returned by operations that require leadership when the
// caller does not currently hold it.
var ErrNotLeader = errors.New("leader: this replica is not the current leader")

// renewScript performs the renewal/release compare-and-set: only mutate
// the key if the stored JSON value's node_id still matches ours.
const renewScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.node_id ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`

const releaseScript = `
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local ok, decoded = pcall(cjson.decode, current)
if not ok or decoded.node_id ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// EventFunc is a narrow listener invoked on every leadership transition.
// detail carries a human-readable reason (e.g. "renewal_failed").
type EventFunc func(event domain.LeadershipEvent, detail string)

// Config bundles the tunables from the functional spec section 4.1.
type Config struct {
	LockKey          string
	LockTTL          time.Duration
	RenewalInterval  time.Duration
	RetryInterval    time.Duration
	MaxRetries       int
}

// Elector runs the acquire/renew/retry loop for one replica.
type Elector struct {
	redis  *redis.Client
	nodeID string
	cfg    Config
	logger *zap.Logger
	onEvent EventFunc

	isLeader      atomic.Bool
	currentLeader atomic.Value // string
	retryCount    atomic.Int32
}

// New creates an Elector identified by nodeID (typically hostname:pid or a
// pod name). onEvent may be nil.
func New(client *redis.Client, nodeID string, cfg Config, logger *zap.Logger, onEvent EventFunc) *Elector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onEvent == nil {
		onEvent = func(domain.LeadershipEvent, string) {}
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "runnerhub:leader:lock"
	}
	e := &Elector{
		redis:   client,
		nodeID:  nodeID,
		cfg:     cfg,
		logger:  logger,
		onEvent: onEvent,
	}
	e.currentLeader.Store("")
	return e
}

// IsCurrentLeader reports whether this replica believes it holds the lock.
func (e *Elector) IsCurrentLeader() bool {
	return e.isLeader.Load()
}

// CurrentLeader returns the last-observed leader's node id, if any.
func (e *Elector) CurrentLeader() (string, bool) {
	v, _ := e.currentLeader.Load().(string)
	return v, v != ""
}

// Run drives the election loop until ctx is cancelled. It blocks.
func (e *Elector) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			e.shutdown(ctx)
			return ctx.Err()
		}

		if e.isLeader.Load() {
			e.renewOrStepDown(ctx)
		} else {
			e.attemptAcquire(ctx)
		}

		wait := e.cfg.RetryInterval
		if e.isLeader.Load() {
			wait = e.cfg.RenewalInterval
		}
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (e *Elector) attemptAcquire(ctx context.Context) {
	value := domain.LeaderLockValue{
		NodeID:    e.nodeID,
		Timestamp: time.Now().Unix(),
		PID:       int32(os.Getpid()),
	}
	data, err := json.Marshal(value)
	if err != nil {
		e.logger.Error("failed to marshal leader lock value", zap.Error(err))
		return
	}

	ok, err := e.redis.SetNX(ctx, e.cfg.LockKey, data, e.cfg.LockTTL).Result()
	if err != nil {
		e.handleStoreError(ctx, err)
		return
	}
	e.retryCount.Store(0)

	if ok {
		e.isLeader.Store(true)
		e.currentLeader.Store(e.nodeID)
		e.logger.Info("acquired leadership", zap.String("node_id", e.nodeID))
		e.onEvent(domain.EventAcquired, "")
		return
	}

	e.refreshCurrentLeader(ctx)
}

func (e *Elector) renewOrStepDown(ctx context.Context) {
	current, ok := e.currentLeader.Load().(string)
	_ = ok
	value := domain.LeaderLockValue{
		NodeID:    e.nodeID,
		Timestamp: time.Now().Unix(),
		PID:       int32(os.Getpid()),
	}
	if raw, err := e.redis.Get(ctx, e.cfg.LockKey).Result(); err == nil {
		var prev domain.LeaderLockValue
		if json.Unmarshal([]byte(raw), &prev) == nil && prev.NodeID == e.nodeID {
			value.RenewalCount = prev.RenewalCount + 1
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		e.logger.Error("failed to marshal leader lock value", zap.Error(err))
		return
	}

	res, err := e.redis.Eval(ctx, renewScript, []string{e.cfg.LockKey},
		e.nodeID, string(data), e.cfg.LockTTL.Milliseconds()).Result()
	if err != nil {
		e.handleStoreError(ctx, err)
		return
	}
	e.retryCount.Store(0)

	ok2, _ := res.(int64)
	if ok2 == 1 {
		e.logger.Debug("renewed leadership", zap.String("node_id", e.nodeID))
		e.onEvent(domain.EventRenewed, "")
		return
	}

	e.logger.Warn("leader renewal CAS failed, stepping down",
		zap.String("node_id", e.nodeID), zap.String("previous_leader", current))
	e.isLeader.Store(false)
	e.onEvent(domain.EventLost, "renewal_failed")
	e.refreshCurrentLeader(ctx)
}

func (e *Elector) refreshCurrentLeader(ctx context.Context) {
	raw, err := e.redis.Get(ctx, e.cfg.LockKey).Result()
	if err != nil {
		if err == redis.Nil {
			prev, _ := e.currentLeader.Load().(string)
			if prev != "" {
				e.currentLeader.Store("")
				e.onEvent(domain.EventVacant, "")
			}
		}
		return
	}

	var value domain.LeaderLockValue
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		e.logger.Warn("failed to parse leader lock value", zap.Error(err))
		return
	}

	prev, _ := e.currentLeader.Load().(string)
	if prev != value.NodeID {
		e.currentLeader.Store(value.NodeID)
		e.onEvent(domain.EventChanged, value.NodeID)
	}
}

func (e *Elector) handleStoreError(ctx context.Context, err error) {
	n := e.retryCount.Add(1)
	e.logger.Error("coordination store error during election",
		zap.Error(err), zap.Int32("retry_count", n))

	if int(n) < e.cfg.MaxRetries {
		backoff := e.cfg.RetryInterval * time.Duration(1<<(n-1))
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		return
	}

	e.retryCount.Store(0)
	e.logger.Error("max retries reached on coordination store, backing off",
		zap.Int("max_retries", e.cfg.MaxRetries))
	e.onEvent(domain.EventError, fmt.Sprintf("max_retries reached: %v", err))
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.RetryInterval * 3):
	}
}

// Release gives up leadership on graceful shutdown, only deleting the lock
// key if this replica still owns it.
func (e *Elector) Release(ctx context.Context) error {
	if !e.isLeader.Load() {
		return nil
	}
	_, err := e.redis.Eval(ctx, releaseScript, []string{e.cfg.LockKey}, e.nodeID).Result()
	e.isLeader.Store(false)
	if err != nil {
		return fmt.Errorf("leader: release failed: %w", err)
	}
	e.onEvent(domain.EventLost, "released")
	return nil
}

func (e *Elector) shutdown(ctx context.Context) {
	// Detach from ctx's cancellation for the release call itself.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Release(releaseCtx); err != nil {
		e.logger.Warn("failed to release leader lock during shutdown", zap.Error(err))
	}
	_ = ctx
}

// ForceElection resets the in-memory leadership state so the next Run
// iteration attempts acquisition from scratch, regardless of TTL. Intended
// for tests.
func (e *Elector) ForceElection() {
	e.isLeader.Store(false)
	e.currentLeader.Store("")
	e.retryCount.Store(0)
}
