// Package redisclient provides Redis key pattern definitions for the
// control plane's coordination-store usage. The key helpers below are not
// called elsewhere in this repository: the leader lock key comes from
// config.LeaderLockKey, and the scale-up and cleanup reentrancy guards are
// in-process (pool.Manager's scalingInProgress map, the cleanup engine's
// atomic flag).
package redisclient

import "fmt"

// RedisPrefix is the prefix for all Redis keys owned by this service.
const RedisPrefix = "runnerhub:"

// LeaderLockKey returns the Redis key for the distributed leader lock.
func LeaderLockKey() string {
	return RedisPrefix + "leader:lock"
}

// ScalingInProgressKey returns a per-repository scaling-in-progress key
// name; no Redis guard on this key is taken.
func ScalingInProgressKey(repository string) string {
	return fmt.Sprintf("%sscaling:%s", RedisPrefix, repository)
}

// CleanupRunningKey returns a cleanup-running key name; cleanup reentrancy
// is guarded only by the engine's in-process atomic flag.
func CleanupRunningKey() string {
	return RedisPrefix + "cleanup:running"
}

// PolicyConfigKey returns the Redis key for the canonical cleanup policy
// configuration. See also config.PolicyConfigRedisKey (the authoritative
// constant).
func PolicyConfigKey() string {
	return RedisPrefix + "cleanup:policies"
}
