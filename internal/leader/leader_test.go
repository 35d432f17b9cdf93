package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

func newTestElector(t *testing.T, client *redis.Client, nodeID string, events *[]domain.LeadershipEvent) *Elector {
	t.Helper()
	cfg := Config{
		LockKey:         "runnerhub:leader:lock",
		LockTTL:         200 * time.Millisecond,
		RenewalInterval: 50 * time.Millisecond,
		RetryInterval:   20 * time.Millisecond,
		MaxRetries:      5,
	}
	return New(client, nodeID, cfg, nil, func(e domain.LeadershipEvent, _ string) {
		*events = append(*events, e)
	})
}

func TestAcquireAndRenew(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var events []domain.LeadershipEvent
	e := newTestElector(t, client, "node-1", &events)

	e.attemptAcquire(context.Background())
	require.True(t, e.IsCurrentLeader())

	e.renewOrStepDown(context.Background())
	assert.True(t, e.IsCurrentLeader())
	assert.Contains(t, events, domain.EventAcquired)
	assert.Contains(t, events, domain.EventRenewed)
}

func TestSecondReplicaLosesAcquisition(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var ev1, ev2 []domain.LeadershipEvent
	n1 := newTestElector(t, client, "node-1", &ev1)
	n2 := newTestElector(t, client, "node-2", &ev2)

	n1.attemptAcquire(context.Background())
	require.True(t, n1.IsCurrentLeader())

	n2.attemptAcquire(context.Background())
	assert.False(t, n2.IsCurrentLeader())
	leader, ok := n2.CurrentLeader()
	assert.True(t, ok)
	assert.Equal(t, "node-1", leader)
}

func TestRenewalCASFailsAfterExternalDeletion(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var events []domain.LeadershipEvent
	n1 := newTestElector(t, client, "node-1", &events)
	n1.attemptAcquire(context.Background())
	require.True(t, n1.IsCurrentLeader())

	// External process deletes the lock key.
	srv.Del("runnerhub:leader:lock")

	n1.renewOrStepDown(context.Background())
	assert.False(t, n1.IsCurrentLeader())
	assert.Contains(t, events, domain.EventLost)
}

func TestRenewalCASFailsWhenAnotherNodeHoldsLock(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var ev1, ev2 []domain.LeadershipEvent
	n1 := newTestElector(t, client, "node-1", &ev1)
	n2 := newTestElector(t, client, "node-2", &ev2)

	n1.attemptAcquire(context.Background())
	require.True(t, n1.IsCurrentLeader())

	// node-1 believes it's still leader but the key now belongs to node-2
	// (simulating TTL expiry + node-2 winning acquisition in between).
	srv.Del("runnerhub:leader:lock")
	n2.attemptAcquire(context.Background())
	require.True(t, n2.IsCurrentLeader())

	n1.renewOrStepDown(context.Background())
	assert.False(t, n1.IsCurrentLeader())
	assert.True(t, n2.IsCurrentLeader())
}

func TestReleaseOnlyDeletesOwnLock(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var events []domain.LeadershipEvent
	n1 := newTestElector(t, client, "node-1", &events)
	n1.attemptAcquire(context.Background())
	require.True(t, n1.IsCurrentLeader())

	require.NoError(t, n1.Release(context.Background()))
	assert.False(t, n1.IsCurrentLeader())
	assert.False(t, srv.Exists("runnerhub:leader:lock"))
}

func TestForceElectionResetsState(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	var events []domain.LeadershipEvent
	n1 := newTestElector(t, client, "node-1", &events)
	n1.attemptAcquire(context.Background())
	require.True(t, n1.IsCurrentLeader())

	n1.ForceElection()
	assert.False(t, n1.IsCurrentLeader())
	_, ok := n1.CurrentLeader()
	assert.False(t, ok)
}
