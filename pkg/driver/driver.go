package driver

import (
	"context"

	"github.com/vigild/vigil/pkg/types"
)

// ComposeResult carries the outcome of one compose invocation.
type ComposeResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver performs container lifecycle operations. Implementations must
// honor context cancellation; a cancelled operation kills the underlying
// process.
type Driver interface {
	// Restart restarts a container by name.
	Restart(ctx context.Context, containerName string) error

	// Compose runs a docker compose action. A non-zero exit code is
	// returned in the result, not as an error; errors mean the command
	// could not run at all.
	Compose(ctx context.Context, spec types.ComposeSpec) (*ComposeResult, error)

	// Stats returns a resource snapshot for a running container.
	Stats(ctx context.Context, containerName string) (*types.ContainerStats, error)
}
