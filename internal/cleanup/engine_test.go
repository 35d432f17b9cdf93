package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

type fakeRuntime struct {
	containers map[string]*domain.Container
	stopped    []string
	removed    []string
}

func (f *fakeRuntime) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, assert.AnError
	}
	return c, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	f.stopped = append(f.stopped, id)
	if c, ok := f.containers[id]; ok {
		c.State = domain.ContainerStateStopped
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) GetContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	return "log-" + id, nil
}

type fakeNetwork struct {
	detached []string
}

func (f *fakeNetwork) DetachContainer(ctx context.Context, containerID, repo string) {
	f.detached = append(f.detached, containerID)
}

type fakeStore struct {
	archived []string
	history  []domain.CleanupResult
	nulled   []string
}

func (f *fakeStore) ArchiveLogs(ctx context.Context, containerID, containerName, logs string) error {
	f.archived = append(f.archived, containerID)
	return nil
}

func (f *fakeStore) InsertCleanupHistory(ctx context.Context, result *domain.CleanupResult) error {
	f.history = append(f.history, *result)
	return nil
}

func (f *fakeStore) NullRunnerContainerID(ctx context.Context, runnerID string) error {
	f.nulled = append(f.nulled, runnerID)
	return nil
}

type fakeConfig struct {
	policies map[string]domain.CleanupPolicy
}

func newFakeConfig(policies []domain.CleanupPolicy) *fakeConfig {
	m := make(map[string]domain.CleanupPolicy, len(policies))
	for _, p := range policies {
		m[p.ID] = p
	}
	return &fakeConfig{policies: m}
}

func (f *fakeConfig) GetPolicies() []domain.CleanupPolicy {
	out := make([]domain.CleanupPolicy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out
}

func (f *fakeConfig) UpdatePolicy(p domain.CleanupPolicy) error {
	f.policies[p.ID] = p
	return nil
}

func TestRunCleanupIdlePolicyStopsAndRemoves(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	runnerID := "r1"
	rt := &fakeRuntime{containers: map[string]*domain.Container{
		"c1": {ID: "c1", Name: "runner-c1", State: domain.ContainerStateRunning, Created: started, Started: &started,
			RunnerID: &runnerID, Labels: map[string]string{"repository": "org/repo"}},
	}}
	net := &fakeNetwork{}
	st := &fakeStore{}
	cfg := newFakeConfig(domain.DefaultPolicies())
	onEvents := []string{}
	e := New(rt, net, st, cfg, nil, func(event, detail string) { onEvents = append(onEvents, event) })

	result, err := e.RunCleanup(context.Background(), func(ctx context.Context) ([]ContainerCandidate, error) {
		return []ContainerCandidate{{ContainerID: "c1", RunnerID: "r1"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ContainersCleaned)
	assert.Contains(t, rt.stopped, "c1")
	assert.Contains(t, rt.removed, "c1")
	assert.Contains(t, net.detached, "c1")
	assert.Contains(t, st.nulled, "r1")
	assert.Contains(t, st.archived, "c1")
	assert.Contains(t, onEvents, "container-cleaned")
	assert.Contains(t, onEvents, "cleanup-completed")
	assert.Len(t, st.history, 1)
}

func TestRunCleanupSkipsNonMatchingContainer(t *testing.T) {
	rt := &fakeRuntime{containers: map[string]*domain.Container{
		"c1": {ID: "c1", Name: "fresh", State: domain.ContainerStateRunning, Created: time.Now().UTC(), Started: timePtr(time.Now().UTC())},
	}}
	st := &fakeStore{}
	cfg := newFakeConfig(domain.DefaultPolicies())
	e := New(rt, &fakeNetwork{}, st, cfg, nil, nil)

	result, err := e.RunCleanup(context.Background(), func(ctx context.Context) ([]ContainerCandidate, error) {
		return []ContainerCandidate{{ContainerID: "c1"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ContainersCleaned)
	assert.Empty(t, rt.removed)
}

func TestRunCleanupReentrancyGuardReturnsPriorResult(t *testing.T) {
	rt := &fakeRuntime{containers: map[string]*domain.Container{}}
	st := &fakeStore{}
	cfg := newFakeConfig(domain.DefaultPolicies())
	e := New(rt, &fakeNetwork{}, st, cfg, nil, nil)

	e.running.Store(true)
	result, err := e.RunCleanup(context.Background(), func(ctx context.Context) ([]ContainerCandidate, error) {
		t.Fatal("lister should not be invoked while a sweep is in progress")
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestFirstRemovalWinsSecondPolicySeesSkipped(t *testing.T) {
	expired := time.Now().UTC().Add(-48 * time.Hour)
	rt := &fakeRuntime{containers: map[string]*domain.Container{
		"c1": {ID: "c1", Name: "old", State: domain.ContainerStateRunning, Created: expired, Started: &expired},
	}}
	st := &fakeStore{}
	policies := domain.DefaultPolicies()
	for i := range policies {
		policies[i].Conditions.IdleMinutes = 1
	}
	cfg := newFakeConfig(policies)
	e := New(rt, &fakeNetwork{}, st, cfg, nil, nil)

	result, err := e.RunCleanup(context.Background(), func(ctx context.Context) ([]ContainerCandidate, error) {
		return []ContainerCandidate{{ContainerID: "c1"}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ContainersCleaned)
	var skipped int
	for _, d := range result.Details {
		if d.Action == "skipped" {
			skipped++
		}
	}
	assert.GreaterOrEqual(t, skipped, 1)
}

func timePtr(t time.Time) *time.Time { return &t }
