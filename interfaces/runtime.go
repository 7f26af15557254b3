package interfaces

import (
	"context"

	"github.com/caravelhq/caravel/models"
)

// Runtime is the container runtime surface the reconcile engine converges
// against. The docker package implements it on the Engine API; tests use an
// in-memory fake.
type Runtime interface {
	// EnsureNetwork creates the network if it does not exist. Containers
	// joined to it resolve each other by service name.
	EnsureNetwork(ctx context.Context, net models.Network) error

	// EnsureVolume creates the named volume if it does not exist. Volumes
	// persist across container recreation.
	EnsureVolume(ctx context.Context, vol models.Volume) error

	// PullImage fetches the image reference from its registry.
	PullImage(ctx context.Context, ref string) error

	// LookupContainer returns the container for a service name, or nil
	// when absent.
	LookupContainer(ctx context.Context, service string) (*models.ContainerInfo, error)

	// RemoveContainer stops (best effort) and force-removes the service's
	// container. Absent containers are not an error.
	RemoveContainer(ctx context.Context, service string) error

	// CreateContainer creates a container for the service with the given
	// config hash label and returns its ID. It does not start it.
	CreateContainer(ctx context.Context, svc models.Service, configHash string) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, id string) error

	// WaitContainer blocks until the container exits and returns its exit
	// code.
	WaitContainer(ctx context.Context, id string) (int, error)

	// PruneVolumes removes the named volumes. Explicit destruction is the
	// only way a volume goes away.
	PruneVolumes(ctx context.Context, vols []models.Volume) error
}
