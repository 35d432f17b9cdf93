package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
	"github.com/anubissbe/runnerhub-controlplane/internal/runtime"
)

type fakeRuntime struct {
	networks     map[string]*domain.Network
	connectErr   error
	disconnected []string
	removed      []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{networks: map[string]*domain.Network{}}
}

func (f *fakeRuntime) ListOwnedNetworks(ctx context.Context) ([]domain.Network, error) {
	var out []domain.Network
	for _, n := range f.networks {
		out = append(out, *n)
	}
	return out, nil
}

func (f *fakeRuntime) CreateNetwork(ctx context.Context, opts runtime.NetworkOpts) (*domain.Network, error) {
	n := &domain.Network{
		ID:         "net-" + opts.Name,
		Name:       opts.Name,
		Repository: opts.Repository,
		Subnet:     opts.Subnet,
		Gateway:    opts.Gateway,
		Driver:     "bridge",
		Internal:   true,
		Containers: map[string]bool{},
		Created:    time.Now().UTC(),
		LastUsed:   time.Now().UTC(),
	}
	f.networks[n.ID] = n
	return n, nil
}

func (f *fakeRuntime) RemoveNetwork(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.networks, id)
	return nil
}

func (f *fakeRuntime) ConnectContainer(ctx context.Context, networkID, containerID string, aliases []string) error {
	return f.connectErr
}

func (f *fakeRuntime) DisconnectContainer(ctx context.Context, networkID, containerID string, force bool) error {
	f.disconnected = append(f.disconnected, containerID)
	return nil
}

type fakeStore struct {
	upserted int
	deleted  int
	highest  int
}

func (f *fakeStore) UpsertNetwork(ctx context.Context, n *domain.Network) error {
	f.upserted++
	return nil
}

func (f *fakeStore) DeleteNetwork(ctx context.Context, id string) error {
	f.deleted++
	return nil
}

func (f *fakeStore) HighestSubnetIndex(ctx context.Context) (int, error) {
	return f.highest, nil
}

func TestNetworkNameStableAndDerivable(t *testing.T) {
	n1 := NetworkName("org/repo")
	n2 := NetworkName("org/repo")
	assert.Equal(t, n1, n2)
	assert.NotEqual(t, n1, NetworkName("org/other"))
}

func TestCreateRepositoryNetworkIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	n1, err := m.CreateRepositoryNetwork(context.Background(), "org/repo")
	require.NoError(t, err)

	n2, err := m.CreateRepositoryNetwork(context.Background(), "org/repo")
	require.NoError(t, err)

	assert.Equal(t, n1.ID, n2.ID)
	assert.Len(t, rt.networks, 1)
}

func TestSubnetAllocationIncrements(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	n1, err := m.CreateRepositoryNetwork(context.Background(), "org/repo1")
	require.NoError(t, err)
	n2, err := m.CreateRepositoryNetwork(context.Background(), "org/repo2")
	require.NoError(t, err)

	assert.Equal(t, "172.20.0.0/24", n1.Subnet)
	assert.Equal(t, "172.21.0.0/24", n2.Subnet)
}

func TestBootstrapResumesSubnetCounterFromStore(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: 5}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	n, err := m.CreateRepositoryNetwork(context.Background(), "org/repo")
	require.NoError(t, err)
	assert.Equal(t, "172.26.0.0/24", n.Subnet)
}

func TestAttachAndDetachContainer(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	_, err := m.CreateRepositoryNetwork(context.Background(), "org/repo")
	require.NoError(t, err)

	require.NoError(t, m.AttachContainer(context.Background(), "c1", "org/repo"))
	n, ok := m.Get("org/repo")
	require.True(t, ok)
	assert.True(t, n.Containers["c1"])

	m.DetachContainer(context.Background(), "c1", "org/repo")
	n, _ = m.Get("org/repo")
	assert.False(t, n.Containers["c1"])
}

func TestRemoveRepositoryNetworkRefusedWhenInUse(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	_, err := m.CreateRepositoryNetwork(context.Background(), "org/repo")
	require.NoError(t, err)
	require.NoError(t, m.AttachContainer(context.Background(), "c1", "org/repo"))

	err = m.RemoveRepositoryNetwork(context.Background(), "org/repo", false)
	assert.Error(t, err)

	err = m.RemoveRepositoryNetwork(context.Background(), "org/repo", true)
	assert.NoError(t, err)
	_, ok := m.Get("org/repo")
	assert.False(t, ok)
}

func TestCleanupUnusedNetworksReclaimsIdleOnly(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	_, err := m.CreateRepositoryNetwork(context.Background(), "org/idle")
	require.NoError(t, err)
	_, err = m.CreateRepositoryNetwork(context.Background(), "org/active")
	require.NoError(t, err)
	require.NoError(t, m.AttachContainer(context.Background(), "c1", "org/active"))

	n, _ := m.Get("org/idle")
	n.LastUsed = time.Now().UTC().Add(-2 * time.Hour)

	removed, err := m.CleanupUnusedNetworks(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok := m.Get("org/idle")
	assert.False(t, ok)
	_, ok = m.Get("org/active")
	assert.True(t, ok)
}

func TestVerifyIsolation(t *testing.T) {
	rt := newFakeRuntime()
	st := &fakeStore{highest: -1}
	m := New(rt, st, nil)
	require.NoError(t, m.Bootstrap(context.Background()))

	_, err := m.CreateRepositoryNetwork(context.Background(), "org/a")
	require.NoError(t, err)
	_, err = m.CreateRepositoryNetwork(context.Background(), "org/b")
	require.NoError(t, err)

	require.NoError(t, m.AttachContainer(context.Background(), "c1", "org/a"))
	require.NoError(t, m.AttachContainer(context.Background(), "c2", "org/b"))
	assert.True(t, m.VerifyIsolation("c1", "c2"))

	require.NoError(t, m.AttachContainer(context.Background(), "c3", "org/a"))
	assert.False(t, m.VerifyIsolation("c1", "c3"))
}
