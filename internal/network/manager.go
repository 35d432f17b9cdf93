// Package network owns one isolated bridge network per repository: naming,
// subnet allocation, attach/detach protocol and idle reclamation.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
	"github.com/anubissbe/runnerhub-controlplane/internal/runtime"
)

const subnetBase = 20
const subnetSpan = 236

var nonNameChar = regexp.MustCompile(`[^a-z0-9-]+`)
var dashRun = regexp.MustCompile(`-+`)

// Runtime is the narrow container-runtime surface the manager needs.
type Runtime interface {
	ListOwnedNetworks(ctx context.Context) ([]domain.Network, error)
	CreateNetwork(ctx context.Context, opts runtime.NetworkOpts) (*domain.Network, error)
	RemoveNetwork(ctx context.Context, id string) error
	ConnectContainer(ctx context.Context, networkID, containerID string, aliases []string) error
	DisconnectContainer(ctx context.Context, networkID, containerID string, force bool) error
}

// Store is the narrow durable-persistence surface the manager needs.
type Store interface {
	UpsertNetwork(ctx context.Context, n *domain.Network) error
	DeleteNetwork(ctx context.Context, id string) error
	HighestSubnetIndex(ctx context.Context) (int, error)
}

// Manager is the Network Isolation Manager.
type Manager struct {
	runtime Runtime
	store   Store
	logger  *zap.Logger

	mu       sync.RWMutex
	byRepo   map[string]*domain.Network
	counter  int
}

// New constructs a Manager. Call Bootstrap once before serving traffic.
func New(runtime Runtime, store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runtime: runtime,
		store:   store,
		logger:  logger,
		byRepo:  make(map[string]*domain.Network),
	}
}

// Bootstrap loads existing system-owned networks from the container
// runtime and re-derives the subnet counter beyond the highest index in
// use, so a freshly elected leader never collides with networks created
// by a previous leader.
func (m *Manager) Bootstrap(ctx context.Context) error {
	networks, err := m.runtime.ListOwnedNetworks(ctx)
	if err != nil {
		return fmt.Errorf("network: bootstrap list: %w", err)
	}

	m.mu.Lock()
	highest := -1
	for i := range networks {
		n := networks[i]
		m.byRepo[n.Repository] = &n
		if idx, ok := subnetIndex(n.Subnet); ok && idx > highest {
			highest = idx
		}
	}
	m.mu.Unlock()

	if storeHighest, err := m.store.HighestSubnetIndex(ctx); err == nil && storeHighest > highest {
		highest = storeHighest
	}

	m.mu.Lock()
	m.counter = highest + 1
	m.mu.Unlock()

	m.logger.Info("network isolation bootstrap complete",
		zap.Int("networks_loaded", len(networks)),
		zap.Int("next_subnet_index", m.counter))
	return nil
}

// NetworkName derives the stable, deterministic network name for repo: the
// fixed "runnerhub" prefix, the normalized repository name and the first 8
// hex digits of its SHA-256 digest. Config.NetworkNamePrefix is not read.
func NetworkName(repo string) string {
	normalized := normalize(repo)
	sum := sha256.Sum256([]byte(normalized))
	hash8 := hex.EncodeToString(sum[:])[:8]
	const prefix = "runnerhub"
	return fmt.Sprintf("%s-%s-%s", prefix, normalized, hash8)
}

func normalize(repo string) string {
	lower := strings.ToLower(repo)
	replaced := nonNameChar.ReplaceAllString(lower, "-")
	collapsed := dashRun.ReplaceAllString(replaced, "-")
	return strings.Trim(collapsed, "-")
}

// nextSubnet allocates the next CIDR/gateway pair and advances the counter.
// Caller must hold m.mu.
func (m *Manager) nextSubnet() (cidr, gateway string) {
	idx := m.counter % subnetSpan
	octet := subnetBase + idx
	m.counter++
	return fmt.Sprintf("172.%d.0.0/24", octet), fmt.Sprintf("172.%d.0.1", octet)
}

func subnetIndex(cidr string) (int, bool) {
	var octet, bits int
	n, err := fmt.Sscanf(cidr, "172.%d.0.0/%d", &octet, &bits)
	if err != nil || n != 2 {
		return 0, false
	}
	return octet - subnetBase, true
}

// CreateRepositoryNetwork is idempotent: a second call for the same repo
// returns the already-cached network without creating a new one.
func (m *Manager) CreateRepositoryNetwork(ctx context.Context, repo string) (*domain.Network, error) {
	m.mu.RLock()
	if existing, ok := m.byRepo[repo]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	if existing, ok := m.byRepo[repo]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	subnet, gateway := m.nextSubnet()
	m.mu.Unlock()

	name := NetworkName(repo)
	n, err := m.runtime.CreateNetwork(ctx, runtime.NetworkOpts{
		Name:       name,
		Repository: repo,
		Subnet:     subnet,
		Gateway:    gateway,
	})
	if err != nil {
		return nil, fmt.Errorf("network: create for %s: %w", repo, err)
	}
	n.Containers = map[string]bool{}

	if err := m.store.UpsertNetwork(ctx, n); err != nil {
		m.logger.Warn("network: durable upsert failed", zap.String("repository", repo), zap.Error(err))
	}

	m.mu.Lock()
	m.byRepo[repo] = n
	m.mu.Unlock()

	m.logger.Info("network created", zap.String("repository", repo), zap.String("name", name), zap.String("subnet", subnet))
	return n, nil
}

// Get returns the cached network for repo, if any.
func (m *Manager) Get(repo string) (*domain.Network, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byRepo[repo]
	return n, ok
}

// List returns every cached network.
func (m *Manager) List() []domain.Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Network, 0, len(m.byRepo))
	for _, n := range m.byRepo {
		out = append(out, *n)
	}
	return out
}

// Stats summarizes the cached fleet.
func (m *Manager) Stats() domain.NetworkStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := domain.NetworkStats{TotalNetworks: len(m.byRepo)}
	for _, n := range m.byRepo {
		stats.TotalContainers += len(n.Containers)
	}
	return stats
}

// shortID truncates a container id to its conventional 12-character form.
func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}

// AttachContainer disconnects containerID from the default bridge network
// (best effort) then connects it to repo's network with a stable alias.
// Attach failure propagates: the caller must treat the container as
// unplaced.
func (m *Manager) AttachContainer(ctx context.Context, containerID, repo string) error {
	m.mu.RLock()
	n, ok := m.byRepo[repo]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("network: no network for repository %s", repo)
	}

	_ = m.runtime.DisconnectContainer(ctx, "bridge", containerID, false)

	alias := fmt.Sprintf("runner-%s", shortID(containerID))
	if err := m.runtime.ConnectContainer(ctx, n.ID, containerID, []string{alias}); err != nil {
		return fmt.Errorf("network: attach %s to %s: %w", containerID, repo, err)
	}

	now := time.Now().UTC()
	m.mu.Lock()
	n.Containers[containerID] = true
	n.LastUsed = now
	m.mu.Unlock()

	if err := m.store.UpsertNetwork(ctx, n); err != nil {
		m.logger.Warn("network: durable upsert failed after attach", zap.String("repository", repo), zap.Error(err))
	}
	return nil
}

// DetachContainer disconnects containerID from every network repo owns.
// Errors are logged, never returned: best-effort cleanup must not block
// the caller.
func (m *Manager) DetachContainer(ctx context.Context, containerID, repo string) {
	m.mu.RLock()
	n, ok := m.byRepo[repo]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if err := m.runtime.DisconnectContainer(ctx, n.ID, containerID, true); err != nil {
		m.logger.Warn("network: detach failed", zap.String("container_id", containerID), zap.String("repository", repo), zap.Error(err))
	}

	m.mu.Lock()
	delete(n.Containers, containerID)
	m.mu.Unlock()
}

// RemoveRepositoryNetwork refuses deletion while containers remain
// attached unless force is set.
func (m *Manager) RemoveRepositoryNetwork(ctx context.Context, repo string, force bool) error {
	m.mu.RLock()
	n, ok := m.byRepo[repo]
	m.mu.RUnlock()
	if !ok {
		return nil
	}

	m.mu.RLock()
	inUse := len(n.Containers) > 0
	m.mu.RUnlock()
	if inUse && !force {
		return fmt.Errorf("network: %s has %d attached containers", repo, len(n.Containers))
	}

	if err := m.runtime.RemoveNetwork(ctx, n.ID); err != nil {
		return fmt.Errorf("network: remove %s: %w", repo, err)
	}

	m.mu.Lock()
	delete(m.byRepo, repo)
	m.mu.Unlock()

	if err := m.store.DeleteNetwork(ctx, n.ID); err != nil {
		m.logger.Warn("network: durable delete failed", zap.String("repository", repo), zap.Error(err))
	}
	return nil
}

// CleanupUnusedNetworks removes every cached network with no attached
// containers whose last_used predates maxIdle. A per-network failure is
// logged and does not abort the sweep.
func (m *Manager) CleanupUnusedNetworks(ctx context.Context, maxIdle time.Duration) (int, error) {
	now := time.Now().UTC()

	m.mu.RLock()
	var candidates []string
	for repo, n := range m.byRepo {
		if n.IsUnused(now, maxIdle) {
			candidates = append(candidates, repo)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, repo := range candidates {
		if err := m.RemoveRepositoryNetwork(ctx, repo, false); err != nil {
			m.logger.Warn("network: reclamation failed", zap.String("repository", repo), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// VerifyIsolation reports whether c1 and c2 share no network: true unless
// some cached network's containers set holds both ids.
func (m *Manager) VerifyIsolation(c1, c2 string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, n := range m.byRepo {
		if n.Containers[c1] && n.Containers[c2] {
			return false
		}
	}
	return true
}
