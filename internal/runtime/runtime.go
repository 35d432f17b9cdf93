// Package runtime adapts the Docker Engine API into the narrow collaborator
// the network isolation manager and cleanup engine need:
// networks, containers, logs. No package outside runtime imports
// github.com/docker/docker directly.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"errors"

	"github.com/anubissbe/runnerhub-controlplane/internal/domain"
)

// ErrContainerNotFound is returned by GetContainer when the container does
// not exist.
var ErrContainerNotFound = errors.New("runtime: container not found")

// NetworkLabel marks every network this system owns, so a fresh replica can
// rediscover its fleet from the container runtime on startup.
const NetworkLabel = "runnerhub.network=true"

// NetworkOpts describes a network to create.
type NetworkOpts struct {
	Name       string
	Repository string
	Subnet     string
	Gateway    string
}

// Runtime is the Docker-backed container runtime adapter.
type Runtime struct {
	docker *client.Client
}

// New dials the Docker Engine API at host (empty uses DOCKER_HOST / the
// default local socket) pinned to apiVersion (empty negotiates).
func New(host, apiVersion string) (*Runtime, error) {
	opts := []client.Opt{client.FromEnv}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	if apiVersion != "" {
		opts = append(opts, client.WithVersion(apiVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial docker: %w", err)
	}
	return &Runtime{docker: cli}, nil
}

// Close releases the underlying Docker client.
func (r *Runtime) Close() error {
	return r.docker.Close()
}

// Ping verifies the runtime is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.docker.Ping(ctx)
	if err != nil {
		return fmt.Errorf("runtime: ping: %w", err)
	}
	return nil
}

// ListOwnedNetworks returns every network carrying NetworkLabel, used at
// startup to rebuild the in-memory cache and re-derive the subnet counter.
func (r *Runtime) ListOwnedNetworks(ctx context.Context) ([]domain.Network, error) {
	summaries, err := r.docker.NetworkList(ctx, types.NetworkListOptions{
		Filters: filters.NewArgs(filters.Arg("label", NetworkLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: list networks: %w", err)
	}

	out := make([]domain.Network, 0, len(summaries))
	for _, s := range summaries {
		n, err := r.inspectNetwork(ctx, s.ID)
		if err != nil {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

// CreateNetwork creates an internal, attachable bridge network with the
// isolation labels, disabled IP masquerade and enabled ICC.
func (r *Runtime) CreateNetwork(ctx context.Context, opts NetworkOpts) (*domain.Network, error) {
	now := time.Now().UTC()
	resp, err := r.docker.NetworkCreate(ctx, opts.Name, types.NetworkCreate{
		Driver:     "bridge",
		Internal:   true,
		Attachable: true,
		EnableIPv6: false,
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc":           "true",
			"com.docker.network.bridge.enable_ip_masquerade": "false",
		},
		IPAM: &dockernetwork.IPAM{
			Driver: "default",
			Config: []dockernetwork.IPAMConfig{
				{Subnet: opts.Subnet, Gateway: opts.Gateway},
			},
		},
		Labels: map[string]string{
			"runnerhub.network":    "true",
			"runnerhub.repository": opts.Repository,
			"runnerhub.created":    now.Format(time.RFC3339),
			"runnerhub.type":       "isolated",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: create network %s: %w", opts.Name, err)
	}

	return &domain.Network{
		ID:         resp.ID,
		Name:       opts.Name,
		Repository: opts.Repository,
		Subnet:     opts.Subnet,
		Gateway:    opts.Gateway,
		Driver:     "bridge",
		Internal:   true,
		Containers: map[string]bool{},
		Created:    now,
		LastUsed:   now,
	}, nil
}

// GetNetwork inspects one network by id, reporting its connected containers.
func (r *Runtime) GetNetwork(ctx context.Context, id string) (*domain.Network, error) {
	return r.inspectNetwork(ctx, id)
}

func (r *Runtime) inspectNetwork(ctx context.Context, id string) (*domain.Network, error) {
	inspect, err := r.docker.NetworkInspect(ctx, id, types.NetworkInspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("runtime: inspect network %s: %w", id, err)
	}

	containers := make(map[string]bool, len(inspect.Containers))
	for cid := range inspect.Containers {
		containers[cid] = true
	}

	var subnet, gateway string
	if len(inspect.IPAM.Config) > 0 {
		subnet = inspect.IPAM.Config[0].Subnet
		gateway = inspect.IPAM.Config[0].Gateway
	}

	return &domain.Network{
		ID:         inspect.ID,
		Name:       inspect.Name,
		Repository: inspect.Labels["runnerhub.repository"],
		Subnet:     subnet,
		Gateway:    gateway,
		Driver:     inspect.Driver,
		Internal:   inspect.Internal,
		Containers: containers,
	}, nil
}

// RemoveNetwork deletes a network by id.
func (r *Runtime) RemoveNetwork(ctx context.Context, id string) error {
	if err := r.docker.NetworkRemove(ctx, id); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("runtime: remove network %s: %w", id, err)
	}
	return nil
}

// ConnectContainer attaches containerID to networkID under the given
// aliases.
func (r *Runtime) ConnectContainer(ctx context.Context, networkID, containerID string, aliases []string) error {
	err := r.docker.NetworkConnect(ctx, networkID, containerID, &dockernetwork.EndpointSettings{
		Aliases: aliases,
	})
	if err != nil {
		return fmt.Errorf("runtime: connect %s to %s: %w", containerID, networkID, err)
	}
	return nil
}

// DisconnectContainer detaches containerID from networkID. "not connected"
// is treated as success since the desired end state already holds.
func (r *Runtime) DisconnectContainer(ctx context.Context, networkID, containerID string, force bool) error {
	err := r.docker.NetworkDisconnect(ctx, networkID, containerID, force)
	if err != nil && !isNotConnected(err) && !isNotFound(err) {
		return fmt.Errorf("runtime: disconnect %s from %s: %w", containerID, networkID, err)
	}
	return nil
}

// GetContainer inspects one container.
func (r *Runtime) GetContainer(ctx context.Context, id string) (*domain.Container, error) {
	inspect, err := r.docker.ContainerInspect(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("runtime: inspect container %s: %w", id, err)
	}

	c := &domain.Container{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		ExitCode: inspect.State.ExitCode,
		Labels:   inspect.Config.Labels,
	}

	switch {
	case inspect.State.Running:
		c.State = domain.ContainerStateRunning
	case inspect.State.Status == "exited" || inspect.State.Status == "dead":
		c.State = domain.ContainerStateStopped
	default:
		c.State = domain.ContainerStateUnknown
	}

	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		c.Created = created
	}
	if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil && !started.IsZero() {
		c.Started = &started
	}
	if finished, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil && !finished.IsZero() && inspect.State.Status != "running" {
		c.Finished = &finished
	}
	if v, ok := inspect.Config.Labels["runnerhub.runner_id"]; ok {
		c.RunnerID = &v
	}
	if v, ok := inspect.Config.Labels["runnerhub.job_id"]; ok {
		c.JobID = &v
	}

	return c, nil
}

// StopContainer stops a running container. A missing container is treated
// as already stopped.
func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("runtime: stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes a container. A missing container is
// treated as already removed.
func (r *Runtime) RemoveContainer(ctx context.Context, id string) error {
	err := r.docker.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("runtime: remove container %s: %w", id, err)
	}
	return nil
}

// GetContainerLogs returns the last `tail` lines of stdout+stderr, with
// timestamps, for archival.
func (r *Runtime) GetContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	reader, err := r.docker.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("runtime: container logs %s: %w", id, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("runtime: read logs %s: %w", id, err)
	}
	return string(data), nil
}

func isNotFound(err error) bool {
	return client.IsErrNotFound(err)
}

func isNotConnected(err error) bool {
	return err != nil && strings.Contains(err.Error(), "is not connected")
}
