// Package docker implements interfaces.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/caravelhq/caravel/models"
)

const (
	labelService    = "caravel.service"
	labelConfigHash = "caravel.config-hash"
)

// Runtime drives a local Docker engine. Connection settings come from the
// environment (DOCKER_HOST etc.) with API version negotiation.
type Runtime struct {
	client *client.Client
}

func NewRuntime() (*Runtime, error) {
	c, err := client.New(
		client.FromEnv,
	)
	if err != nil {
		return nil, err
	}
	return &Runtime{client: c}, nil
}

// EnsureNetwork creates the network if absent. Containers joined to it get
// an endpoint alias equal to their service name, which is what gives
// services in-network resolution by name.
func (r *Runtime) EnsureNetwork(ctx context.Context, net models.Network) error {
	_, err := r.client.NetworkInspect(ctx, net.Name, client.NetworkInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %q: %w", net.Name, err)
	}

	_, err = r.client.NetworkCreate(ctx, net.Name, client.NetworkCreateOptions{
		Labels: map[string]string{"caravel.network": net.Name},
	})
	if err != nil {
		// Race-safe: re-inspect rather than pattern match the error.
		if _, ie := r.client.NetworkInspect(ctx, net.Name, client.NetworkInspectOptions{}); ie == nil {
			return nil
		}
		return fmt.Errorf("create network %q: %w", net.Name, err)
	}
	return nil
}

// EnsureVolume creates the named volume if absent. Existing volumes are
// reused untouched so data survives container recreation.
func (r *Runtime) EnsureVolume(ctx context.Context, vol models.Volume) error {
	_, err := r.client.VolumeInspect(ctx, vol.Name, client.VolumeInspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect volume %q: %w", vol.Name, err)
	}

	_, err = r.client.VolumeCreate(ctx, client.VolumeCreateOptions{
		Name:   vol.Name,
		Labels: map[string]string{"caravel.volume": vol.Name},
	})
	if err != nil {
		if _, ie := r.client.VolumeInspect(ctx, vol.Name, client.VolumeInspectOptions{}); ie == nil {
			return nil
		}
		return fmt.Errorf("create volume %q: %w", vol.Name, err)
	}
	return nil
}

// PruneVolumes removes the given volumes. Missing ones are ignored so the
// operation is idempotent.
func (r *Runtime) PruneVolumes(ctx context.Context, vols []models.Volume) error {
	for _, vol := range vols {
		if _, err := r.client.VolumeRemove(ctx, vol.Name, client.VolumeRemoveOptions{}); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("remove volume %q: %w", vol.Name, err)
		}
	}
	return nil
}
