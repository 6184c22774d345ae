package container

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime talks to the Docker engine API.
type DockerRuntime struct {
	cli         *client.Client
	stopTimeout int
}

// NewDockerRuntime connects using DOCKER_HOST and friends, or host when set.
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, stopTimeout: 10}, nil
}

func (d *DockerRuntime) Close() error { return d.cli.Close() }

func portBindings(ports map[string]string) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for internal, host := range ports {
		p := nat.Port(internal + "/tcp")
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: host}}
	}
	return exposed, bindings
}

func (d *DockerRuntime) Run(ctx context.Context, spec RunSpec) (Handle, error) {
	exposed, bindings := portBindings(spec.Ports)
	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: exposed,
	}
	if len(spec.Commands) > 0 {
		cfg.Cmd = spec.Commands
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil && client.IsErrNotFound(err) {
		if perr := d.pull(ctx, spec.Image); perr != nil {
			return Handle{}, perr
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return Handle{ID: created.ID, Name: spec.Name, Image: spec.Image, State: StateRunning}, nil
}

func (d *DockerRuntime) pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", ref, err)
	}
	defer func() { _ = rc.Close() }()
	// the pull completes only once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (d *DockerRuntime) Get(ctx context.Context, name string) (Handle, bool, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^/"+name+"$")),
	})
	if err != nil {
		return Handle{}, false, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range list {
		h := toHandle(c)
		if h.Name == name {
			return h, true, nil
		}
	}
	return Handle{}, false, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	timeout := d.stopTimeout
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *DockerRuntime) List(ctx context.Context) ([]Handle, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Handle, 0, len(list))
	for _, c := range list {
		out = append(out, toHandle(c))
	}
	return out, nil
}

func toHandle(c container.Summary) Handle {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	return Handle{ID: c.ID, Name: name, Image: c.Image, State: string(c.State)}
}

// Ping checks engine reachability with a short deadline.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return err
}
