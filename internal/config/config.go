// Package config handles application configuration from environment
// variables and cleanup-policy configuration.
//
// Cleanup policies are held in memory, guarded by a sync.RWMutex, and
// seeded from the built-in defaults by Load. UpdatePolicy changes only this
// in-memory set; it does not write to the coordination store.
//
// BootstrapPolicyConfigToRedis seeds the coordination store (key
// runnerhub:cleanup:policies) with SETNX semantics, and
// RefreshPolicyConfigFromRedis replaces the in-memory set from it. Neither
// runs on its own: the controller binary calls neither, so policy edits
// made through the API apply only to the replica that received them.
package config

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// PolicyConfigRedisKey is the coordination-store key holding the canonical
// cleanup policy set.
const PolicyConfigRedisKey = "runnerhub:cleanup:policies"

// PolicyConfigRefreshInterval is a refresh period for callers that poll
// RefreshPolicyConfigFromRedis; nothing in this package starts such a loop.
const PolicyConfigRefreshInterval = 30 * time.Second

// policyEnvelope is the JSON shape stored at PolicyConfigRedisKey.
type policyEnvelope struct {
	Policies []domain.CleanupPolicy `json:"policies"`
}

// Config holds all application configuration.
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string

	// HTTP server
	HTTPPort        string
	MetricsPort     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Coordination store (Redis)
	RedisURL         string
	RedisPoolSize    int
	RedisMinIdleConn int
	RedisMaxRetries  int
	RedisDialTimeout time.Duration

	// Relational store (Postgres)
	PostgresDSN         string
	PostgresMaxConns    int32
	PostgresConnTimeout time.Duration

	// Container runtime (Docker)
	DockerHost       string
	DockerAPIVersion string

	// Leader election
	LeaderLockKey        string
	LeaderLockTTL        time.Duration
	LeaderRenewalInterval time.Duration
	LeaderRetryInterval  time.Duration
	LeaderMaxRetries     int

	// Runner pool manager
	PoolMonitorInterval time.Duration
	PoolIdleTimeout     time.Duration

	// Network isolation manager
	NetworkCleanupInterval time.Duration
	NetworkMaxIdle         time.Duration
	NetworkNamePrefix      string

	// Cleanup engine
	CleanupSweepInterval time.Duration
	CleanupInitialDelay  time.Duration

	// Cleanup policy set — guarded by policyMu. Never access directly;
	// use the getter/setter methods below.
	policies map[string]domain.CleanupPolicy
	policyMu sync.RWMutex
}

// Load reads configuration from the environment, falling back to defaults
// matching the values named throughout the spec.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		MetricsPort:     getEnv("METRICS_PORT", "8080"),
		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPoolSize:    getEnvInt("REDIS_POOL_SIZE", 10),
		RedisMinIdleConn: getEnvInt("REDIS_MIN_IDLE_CONN", 2),
		RedisMaxRetries:  getEnvInt("REDIS_MAX_RETRIES", 3),
		RedisDialTimeout: getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),

		PostgresDSN:         getEnv("POSTGRES_DSN", "postgres://localhost:5432/runnerhub"),
		PostgresMaxConns:    int32(getEnvInt("POSTGRES_MAX_CONNS", 10)),
		PostgresConnTimeout: getEnvDuration("POSTGRES_CONN_TIMEOUT", 5*time.Second),

		DockerHost:       getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerAPIVersion: getEnv("DOCKER_API_VERSION", ""),

		LeaderLockKey:         getEnv("LEADER_LOCK_KEY", "runnerhub:leader:lock"),
		LeaderLockTTL:         getEnvDuration("LEADER_LOCK_TTL", 30*time.Second),
		LeaderRenewalInterval: getEnvDuration("LEADER_RENEWAL_INTERVAL", 10*time.Second),
		LeaderRetryInterval:   getEnvDuration("LEADER_RETRY_INTERVAL", 5*time.Second),
		LeaderMaxRetries:      getEnvInt("LEADER_MAX_RETRIES", 5),

		PoolMonitorInterval: getEnvDuration("POOL_MONITOR_INTERVAL", 30*time.Second),
		PoolIdleTimeout:     getEnvDuration("POOL_IDLE_TIMEOUT", 10*time.Minute),

		NetworkCleanupInterval: getEnvDuration("NETWORK_CLEANUP_INTERVAL", 30*time.Minute),
		NetworkMaxIdle:         getEnvDuration("NETWORK_MAX_IDLE", 60*time.Minute),
		NetworkNamePrefix:      getEnv("NETWORK_NAME_PREFIX", "runnerhub"),

		CleanupSweepInterval: getEnvDuration("CLEANUP_SWEEP_INTERVAL", 5*time.Minute),
		CleanupInitialDelay:  getEnvDuration("CLEANUP_INITIAL_DELAY", 60*time.Second),
	}

	cfg.setPolicies(domain.DefaultPolicies())
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Thread-safe cleanup policy getters/setters
// ---------------------------------------------------------------------------

// GetPolicies returns a snapshot of the current policy set.
func (c *Config) GetPolicies() []domain.CleanupPolicy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	out := make([]domain.CleanupPolicy, 0, len(c.policies))
	for _, p := range c.policies {
		out = append(out, p)
	}
	return out
}

// GetPolicy returns a single policy by id.
func (c *Config) GetPolicy(id string) (domain.CleanupPolicy, bool) {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	p, ok := c.policies[id]
	return p, ok
}

// UpdatePolicy replaces (or inserts) a policy. Never fails: the in-memory
// map write cannot err, the return keeps the signature in step with
// collaborators that persist the update and can.
func (c *Config) UpdatePolicy(p domain.CleanupPolicy) error {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	if c.policies == nil {
		c.policies = make(map[string]domain.CleanupPolicy)
	}
	c.policies[p.ID] = p
	return nil
}

func (c *Config) setPolicies(policies []domain.CleanupPolicy) {
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	c.policies = make(map[string]domain.CleanupPolicy, len(policies))
	for _, p := range policies {
		c.policies[p.ID] = p
	}
}

// ---------------------------------------------------------------------------
// Redis persistence: bootstrap + refresh
// ---------------------------------------------------------------------------

// BootstrapPolicyConfigToRedis writes the current in-memory policy set to
// the coordination store using SETNX. This seeds it on first deploy; after
// that the store is the source of truth and this call is a no-op.
func (c *Config) BootstrapPolicyConfigToRedis(ctx context.Context, client *redis.Client, logger *zap.Logger) {
	data := c.marshalPolicies()
	set, err := client.SetNX(ctx, PolicyConfigRedisKey, data, 0).Result()
	if err != nil {
		logger.Warn("failed to bootstrap cleanup policy config, using in-memory defaults",
			zap.Error(err))
		return
	}
	if set {
		logger.Info("cleanup policy config bootstrapped",
			zap.String("key", PolicyConfigRedisKey))
		return
	}
	logger.Info("cleanup policy config already present, loading from store",
		zap.String("key", PolicyConfigRedisKey))
	c.RefreshPolicyConfigFromRedis(ctx, client, logger)
}

// RefreshPolicyConfigFromRedis reads the policy set from the coordination
// store and swaps the in-memory cache. If the store is unavailable or the
// key is missing, the current in-memory set is kept unchanged.
func (c *Config) RefreshPolicyConfigFromRedis(ctx context.Context, client *redis.Client, logger *zap.Logger) {
	raw, err := client.Get(ctx, PolicyConfigRedisKey).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("failed to read cleanup policy config, keeping current", zap.Error(err))
		}
		return
	}

	var env policyEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logger.Error("failed to parse cleanup policy config, keeping current",
			zap.Error(err), zap.String("raw", raw))
		return
	}
	c.setPolicies(env.Policies)
}

func (c *Config) marshalPolicies() string {
	env := policyEnvelope{Policies: c.GetPolicies()}
	data, _ := json.Marshal(env)
	return string(data)
}

// --- Environment variable helpers ---

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return result
}
