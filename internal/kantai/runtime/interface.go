// Package runtime defines the container runtime adapter used by the fleet and
// the pure functions that turn what a runtime reports into fleet state.
package runtime

import "context"

// Runtime abstracts the container engine hosting agent containers. Every
// method addresses a container by name (see ContainerNameFor) and must honour
// ctx deadlines. Engine connection failures are returned wrapping
// errdefs.ErrRuntimeUnavailable so callers can tell "down" from "refused".
type Runtime interface {
	// Run creates and starts a new container. If a container with the same
	// name already exists and belongs to the same agent on the same port,
	// Run succeeds without doing anything; any other existing container is a
	// conflict.
	Run(ctx context.Context, spec RunSpec) error

	// Start starts an existing, stopped container.
	Start(ctx context.Context, name string) error

	// Stop stops a container gracefully, killing it after the grace period.
	Stop(ctx context.Context, name string) error

	// Restart stops and starts an existing container.
	Restart(ctx context.Context, name string) error

	// Remove force-removes a container in any state. Removing a container
	// that does not exist is not an error.
	Remove(ctx context.Context, name string) error

	// List returns one row per fleet container, running or not.
	List(ctx context.Context) ([]ContainerRow, error)

	// Stats samples memory and CPU usage of a running container.
	Stats(ctx context.Context, name string) (Stats, error)

	// State returns the engine's detailed state for a container.
	State(ctx context.Context, name string) (State, error)

	// UpdateResources applies new memory and CPU limits to an existing
	// container without recreating it.
	UpdateResources(ctx context.Context, name string, memLimit string, cpuLimit float64) error

	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error
}
