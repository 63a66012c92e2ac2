package docker

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Engine is the subset of the Docker Engine API the runtime uses.
type Engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	Close() error
}

// sdkEngine adapts the Docker SDK client to Engine.
type sdkEngine struct {
	*client.Client
}

func (e sdkEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	return e.Client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
}

// NewLocalEngine connects to the Docker daemon on this machine. An empty
// host uses DOCKER_HOST or the platform default socket.
func NewLocalEngine(host string) (Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return sdkEngine{inner}, nil
}

// DialFunc opens a connection on a remote host, such as ssh.SSHClient.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewTunnelEngine talks to the Docker socket of a remote host through dial.
func NewTunnelEngine(dial DialFunc, socket string) (Engine, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if socket == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	inner, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socket),
		client.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx, "unix", socket)
		}),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return sdkEngine{inner}, nil
}
