package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/types"
)

// DockerRuntime implements Runtime against the Docker Engine API.
type DockerRuntime struct {
	mu  sync.RWMutex
	cli *client.Client
}

// NewDockerRuntime connects to the engine using the environment's
// endpoint configuration.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := newClient()
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{cli: cli}, nil
}

func newClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to container runtime: %w", err)
	}
	return cli, nil
}

// Close closes the engine connection.
func (r *DockerRuntime) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cli.Close()
}

func (r *DockerRuntime) handle() *client.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cli
}

// rebuild replaces the client handle after a transport error. The old
// handle is closed best-effort.
func (r *DockerRuntime) rebuild() error {
	cli, err := newClient()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cli.Close()
	r.cli = cli
	r.mu.Unlock()
	return nil
}

// withRetry runs an idempotent call, rebuilding the handle and
// retrying once when it fails. NotFound is not a transport failure and
// passes straight through.
func (r *DockerRuntime) withRetry(op string, fn func(cli *client.Client) error) error {
	err := fn(r.handle())
	if err == nil || errdefs.IsNotFound(err) {
		return err
	}

	logger := log.WithComponent("runtime")
	logger.Warn().Err(err).Str("op", op).Msg("runtime call failed, rebuilding client")
	if rerr := r.rebuild(); rerr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(r.handle()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// List returns running containers; host ports come from a per-container
// inspect so the allocator sees the authoritative bindings.
func (r *DockerRuntime) List(ctx context.Context) ([]types.RunningContainer, error) {
	var summaries []container.Summary
	err := r.withRetry("list", func(cli *client.Client) error {
		var err error
		summaries, err = cli.ContainerList(ctx, container.ListOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	containers := make([]types.RunningContainer, 0, len(summaries))
	for _, c := range summaries {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports, err := r.Inspect(ctx, c.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue // exited between list and inspect
			}
			return nil, err
		}
		containers = append(containers, types.RunningContainer{
			ID:        c.ID,
			Name:      name,
			CreatedAt: time.Unix(c.Created, 0),
			HostPorts: ports,
		})
	}
	return containers, nil
}

// Inspect returns the host ports bound by one container.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) ([]int, error) {
	var info container.InspectResponse
	err := r.withRetry("inspect", func(cli *client.Client) error {
		var err error
		info, err = cli.ContainerInspect(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	var ports []int
	if info.HostConfig == nil {
		return ports, nil
	}
	for _, bindings := range info.HostConfig.PortBindings {
		for _, b := range bindings {
			p, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// Stats takes one non-streaming CPU sample.
func (r *DockerRuntime) Stats(ctx context.Context, id string) (*types.ContainerStats, error) {
	var resp container.StatsResponse
	err := r.withRetry("stats", func(cli *client.Client) error {
		reader, err := cli.ContainerStatsOneShot(ctx, id)
		if err != nil {
			return err
		}
		defer reader.Body.Close()
		return json.NewDecoder(reader.Body).Decode(&resp)
	})
	if err != nil {
		return nil, err
	}

	return &types.ContainerStats{
		TotalUsage:  float64(resp.CPUStats.CPUUsage.TotalUsage),
		SystemUsage: float64(resp.CPUStats.SystemUsage),
	}, nil
}

// Run creates and starts a container. No internal retry: the caller
// may want a fresh port map before trying again.
func (r *DockerRuntime) Run(ctx context.Context, name, image string, cpuPeriod, cpuQuota, memBytes int64, ports types.PortMap) (string, error) {
	cli := r.handle()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		port, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return "", fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(hostPort),
		}}
	}

	cfg := &container.Config{
		Image:        image,
		Tty:          true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:  "bridge",
		PortBindings: bindings,
		Resources: container.Resources{
			CPUPeriod: cpuPeriod,
			CPUQuota:  cpuQuota,
			Memory:    memBytes,
		},
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		// Rebuild so the caller's next attempt starts on a fresh
		// handle; the failure itself may have been the transport.
		_ = r.rebuild()
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Leave no half-created container behind; a retry reuses the
		// same name.
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		_ = r.rebuild()
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return created.ID, nil
}

// Exec runs a command inside the container.
func (r *DockerRuntime) Exec(ctx context.Context, id string, cmd []string) error {
	cli := r.handle()
	exec, err := cli.ContainerExecCreate(ctx, id, container.ExecOptions{Cmd: cmd})
	if err != nil {
		return fmt.Errorf("failed to create exec in %s: %w", id, err)
	}
	if err := cli.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{}); err != nil {
		return fmt.Errorf("failed to start exec in %s: %w", id, err)
	}
	return nil
}

// PutArchive extracts a tar stream into the container at path.
func (r *DockerRuntime) PutArchive(ctx context.Context, id, path string, archive io.Reader) error {
	cli := r.handle()
	if err := cli.CopyToContainer(ctx, id, path, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy archive into %s: %w", id, err)
	}
	return nil
}

// Stop stops a running container.
func (r *DockerRuntime) Stop(ctx context.Context, id string) error {
	return r.withRetry("stop", func(cli *client.Client) error {
		return cli.ContainerStop(ctx, id, container.StopOptions{})
	})
}

// Remove deletes a container and its volumes.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	return r.withRetry("remove", func(cli *client.Client) error {
		return cli.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true})
	})
}

// PruneStopped deletes all stopped containers.
func (r *DockerRuntime) PruneStopped(ctx context.Context) error {
	return r.withRetry("prune", func(cli *client.Client) error {
		_, err := cli.ContainersPrune(ctx, filters.Args{})
		return err
	})
}

// IsNotFound reports whether err means the container does not exist.
// The monitor tolerates this: the container may have never started or
// already exited.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}
