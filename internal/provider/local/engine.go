package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

var (
	ErrContainerNotFound = errors.New("container not found")
	ErrContainerExists   = errors.New("container already exists")
)

// Engine is the subset of the container engine the local provider drives.
type Engine interface {
	Pull(ctx context.Context, image string) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, nameOrID string) error
	Remove(ctx context.Context, nameOrID string) error
	Close() error
}

type ContainerSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	Network     string
	Port        int
	MemoryBytes int64
	NanoCPUs    int64
}

type DockerEngine struct {
	cli *client.Client
}

func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

func (d *DockerEngine) Pull(ctx context.Context, image string) error {
	reader, err := d.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull output: %w", err)
	}
	return nil
}

func (d *DockerEngine) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	exposedPorts := network.PortSet{}
	portBindings := network.PortMap{}
	if spec.Port > 0 {
		containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", spec.Port))
		if err != nil {
			return "", fmt.Errorf("parse port %d: %w", spec.Port, err)
		}
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []network.PortBinding{
			{HostIP: netip.MustParseAddr("0.0.0.0")},
		}
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
	}
	if strings.TrimSpace(spec.Network) != "" {
		hostConfig.NetworkMode = container.NetworkMode(spec.Network)
	}
	hostConfig.Memory = spec.MemoryBytes
	hostConfig.NanoCPUs = spec.NanoCPUs

	resp, err := d.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			Labels:       spec.Labels,
			ExposedPorts: exposedPorts,
		},
		hostConfig,
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", translate(err)
	}
	return resp.ID, nil
}

func (d *DockerEngine) Start(ctx context.Context, nameOrID string) error {
	if err := d.cli.ContainerStart(ctx, nameOrID, client.ContainerStartOptions{}); err != nil {
		return translate(err)
	}
	return nil
}

func (d *DockerEngine) Remove(ctx context.Context, nameOrID string) error {
	if err := d.cli.ContainerRemove(ctx, nameOrID, client.ContainerRemoveOptions{Force: true}); err != nil {
		return translate(err)
	}
	return nil
}

func (d *DockerEngine) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

func translate(err error) error {
	switch {
	case cerrdefs.IsNotFound(err), strings.Contains(err.Error(), "No such container"):
		return fmt.Errorf("%w: %v", ErrContainerNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrContainerExists, err)
	default:
		return err
	}
}
