package docker

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/caravelhq/caravel/models"
)

// containerName maps a service name to its container name on the host.
func containerName(service string) string {
	return "caravel-" + service
}

func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	rc, err := r.client.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	defer rc.Close()

	// Drain the progress stream; the pull only completes once it ends.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	return nil
}

func (r *Runtime) LookupContainer(ctx context.Context, service string) (*models.ContainerInfo, error) {
	name := containerName(service)
	inspect, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %q: %w", name, err)
	}

	info := &models.ContainerInfo{
		ID:      inspect.Container.ID,
		Service: service,
	}
	if cfg := inspect.Container.Config; cfg != nil {
		info.Image = cfg.Image
		if cfg.Labels != nil {
			info.ConfigHash = cfg.Labels[labelConfigHash]
		}
	}
	if state := inspect.Container.State; state != nil {
		info.Running = state.Running
		info.ExitCode = state.ExitCode
	}
	return info, nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, service string) error {
	name := containerName(service)
	if _, err := r.client.ContainerInspect(ctx, name, client.ContainerInspectOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container %q: %w", name, err)
	}

	// Stop is best effort; remove is forced either way.
	_, _ = r.client.ContainerStop(ctx, name, client.ContainerStopOptions{})
	if _, err := r.client.ContainerRemove(ctx, name, client.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", name, err)
	}
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, svc models.Service, configHash string) (string, error) {
	name := containerName(svc.Name)

	env := make([]string, 0, len(svc.Environment))
	for k, v := range svc.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(svc.Volumes))
	for _, vm := range svc.Volumes {
		m := mount.Mount{
			Target:   vm.Target,
			ReadOnly: vm.ReadOnly,
		}
		if vm.HostPath != "" {
			m.Type = mount.TypeBind
			m.Source = vm.HostPath
		} else {
			m.Type = mount.TypeVolume
			m.Source = vm.Volume
		}
		mounts = append(mounts, m)
	}

	exposed := network.PortSet{}
	portMap := network.PortMap{}
	for _, pb := range svc.Ports {
		port, ok := network.PortFrom(uint16(pb.ContainerPort), "tcp")
		if !ok {
			return "", fmt.Errorf("service %q port %d: invalid port", svc.Name, pb.ContainerPort)
		}
		exposed[port] = struct{}{}
		addr, _ := netip.ParseAddr("0.0.0.0")
		portMap[port] = append(portMap[port], network.PortBinding{
			HostIP:   addr,
			HostPort: strconv.Itoa(pb.HostPort),
		})
	}

	cCfg := &container.Config{
		Image: svc.Image,
		Env:   env,
		Labels: map[string]string{
			labelService:    svc.Name,
			labelConfigHash: configHash,
		},
		ExposedPorts: exposed,
	}

	hCfg := &container.HostConfig{
		Mounts:        mounts,
		PortBindings:  portMap,
		RestartPolicy: restartPolicy(svc.RestartPolicy),
	}

	// Each network endpoint carries the service name as alias: that alias
	// is the in-network DNS entry other members resolve.
	endpoints := make(map[string]*network.EndpointSettings, len(svc.Networks))
	for _, net := range svc.Networks {
		endpoints[net] = &network.EndpointSettings{Aliases: []string{svc.Name}}
	}
	nCfg := &network.NetworkingConfig{EndpointsConfig: endpoints}

	created, err := r.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cCfg,
		HostConfig:       hCfg,
		NetworkingConfig: nCfg,
		Name:             name,
		Image:            svc.Image,
	})
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", name, err)
	}
	return created.ID, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	if _, err := r.client.ContainerStart(ctx, id, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", id, err)
	}
	return nil
}

func (r *Runtime) WaitContainer(ctx context.Context, id string) (int, error) {
	wait := r.client.ContainerWait(ctx, id, client.ContainerWaitOptions{})
	select {
	case err := <-wait.Error:
		return 0, fmt.Errorf("wait container %q: %w", id, err)
	case res := <-wait.Result:
		return int(res.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// restartPolicy maps the topology's restart declaration onto the engine's
// native policy. The supervisor additionally reports never-policy exits.
func restartPolicy(p models.RestartPolicy) container.RestartPolicy {
	switch p {
	case models.RestartAlways:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	case models.RestartOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	}
}
