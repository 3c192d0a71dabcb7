package runtime

import (
	"context"
	"io"

	"github.com/fairedge/fairedge/pkg/types"
)

// Runtime is a thin facade over the container runtime. Implementations
// are retry-aware: transient API failures on idempotent calls rebuild
// the underlying client handle and retry once. Run is not retried
// internally; the dispatch path owns that ladder because a failed run
// may need a fresh port map.
type Runtime interface {
	// List returns all running containers with their bound host ports.
	List(ctx context.Context) ([]types.RunningContainer, error)

	// Inspect returns the host ports bound by one container.
	Inspect(ctx context.Context, id string) ([]int, error)

	// Stats takes a single non-streaming CPU sample.
	Stats(ctx context.Context, id string) (*types.ContainerStats, error)

	// Run creates and starts a container under the given name with
	// CFS limits, a memory ceiling and bridged port bindings, and
	// returns its runtime id.
	Run(ctx context.Context, name, image string, cpuPeriod, cpuQuota, memBytes int64, ports types.PortMap) (string, error)

	// Exec runs a command inside the container and waits for nothing.
	Exec(ctx context.Context, id string, cmd []string) error

	// PutArchive extracts a tar stream into the container at path.
	PutArchive(ctx context.Context, id, path string, archive io.Reader) error

	// Stop stops a running container.
	Stop(ctx context.Context, id string) error

	// Remove deletes a container together with its volumes.
	Remove(ctx context.Context, id string) error

	// PruneStopped deletes all stopped containers.
	PruneStopped(ctx context.Context) error
}
