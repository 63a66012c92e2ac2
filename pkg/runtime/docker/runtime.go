// Package docker is the container runtime adapter for the Docker Engine API.
// It turns a resource into one labelled container on one server and never
// writes lifecycle state itself; results and errors go back to the
// orchestrator.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/source"
)

// Container labels.
const (
	LabelManaged  = "dockyard.managed"
	LabelResource = "dockyard.resource"
	LabelProject  = "dockyard.project"
)

// Defaults for Config.
const (
	DefaultStopGrace   = 10 * time.Second
	DefaultMaxLogBytes = 1 << 20
	DefaultLogTail     = 100
)

// Materializer prepares the source tree of git-backed resources.
type Materializer interface {
	Materialize(ctx context.Context, res *engine.Resource) (*source.Workspace, error)
}

// Config tunes the adapter.
type Config struct {
	StopGrace   time.Duration
	MaxLogBytes int
	LogTail     int
}

func (c Config) withDefaults() Config {
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.MaxLogBytes <= 0 {
		c.MaxLogBytes = DefaultMaxLogBytes
	}
	if c.LogTail <= 0 {
		c.LogTail = DefaultLogTail
	}
	return c
}

// Runtime deploys resources as containers on a single engine.
type Runtime struct {
	engine  Engine
	sources Materializer
	cfg     Config
	logger  zerolog.Logger
}

var _ engine.Runtime = (*Runtime)(nil)

// New creates a runtime bound to eng. sources may be nil when no git-backed
// resource will be deployed.
func New(eng Engine, sources Materializer, cfg Config, logger zerolog.Logger) *Runtime {
	return &Runtime{
		engine:  eng,
		sources: sources,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "docker-runtime").Logger(),
	}
}

// Ping checks the engine is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	ping, err := r.engine.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases the engine client.
func (r *Runtime) Close() error {
	return r.engine.Close()
}

// plan is the container a resource resolves to.
type plan struct {
	image string
	build string // workspace dir to build from, empty to pull
	cmd   []string
	port  int
	env   []engine.EnvVar
}

// Deploy creates and starts the resource's container and returns its id.
func (r *Runtime) Deploy(ctx context.Context, req engine.DeployRequest) (string, error) {
	res := req.Resource
	if res == nil {
		return "", engine.NewInvalidConfigError("deploy request has no resource", nil)
	}

	p, cleanup, err := r.plan(ctx, res, req.Env)
	if err != nil {
		return "", err
	}
	defer cleanup()

	log := r.logger.With().Str("resource", res.ID).Str("image", p.image).Logger()

	if p.build != "" {
		log.Info().Str("workspace", p.build).Msg("Building image")
		if err := r.build(ctx, p.build, p.image, res); err != nil {
			return "", engine.NewDeploymentError("image build failed", err).WithResource(res.ID).WithOperation("build")
		}
	} else {
		log.Debug().Msg("Pulling image")
		if err := r.pull(ctx, p.image); err != nil {
			return "", engine.NewDeploymentError(fmt.Sprintf("failed to pull image %s", p.image), err).WithResource(res.ID).WithOperation("pull")
		}
	}

	config, hostConfig, err := containerConfig(res, p)
	if err != nil {
		return "", err
	}

	name := ContainerName(res.Name)
	created, err := r.engine.ContainerCreate(ctx, config, hostConfig, name)
	if err != nil {
		return "", engine.NewDeploymentError("container create failed", err).WithResource(res.ID).WithOperation("create")
	}
	for _, w := range created.Warnings {
		log.Warn().Str("container_id", created.ID).Msg(w)
	}

	if err := r.engine.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Remove the unstarted container.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StopGrace)
		defer cancel()
		if rmErr := r.engine.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			log.Warn().Err(rmErr).Str("container_id", created.ID).Msg("Failed to remove unstarted container")
		}
		return "", engine.NewDeploymentError("container start failed", err).WithResource(res.ID).WithOperation("start")
	}

	log.Info().Str("container_id", created.ID).Str("container", name).Int("port", p.port).Msg("Container started")
	return created.ID, nil
}

func (r *Runtime) plan(ctx context.Context, res *engine.Resource, env []engine.EnvVar) (plan, func(), error) {
	noop := func() {}
	p := plan{port: engine.ResolvedPort(res.Kind, res.Config), env: env}

	switch c := res.Config.(type) {
	case engine.ServiceConfig:
		p.image, p.cmd = orDefault(c.Image, res.Kind), c.Command
	case engine.WebsiteConfig:
		p.image = orDefault(c.Image, res.Kind)
	case engine.ImageConfig:
		p.image, p.cmd = c.Image, c.Command
	case engine.DatabaseConfig:
		p.image = engine.DatabaseImage(c)
		p.cmd = engine.DatabaseCommand(c)
		p.env = engine.MergeVariables(engine.DatabaseEnv(c), env)
	case engine.GitConfig:
		if r.sources == nil {
			return p, noop, engine.NewDeploymentError("no source provider configured", nil).WithResource(res.ID)
		}
		ws, err := r.sources.Materialize(ctx, res)
		if err != nil {
			return p, noop, engine.NewDeploymentError("failed to materialize source", err).WithResource(res.ID).WithOperation("fetch")
		}
		cleanup := func() {
			if err := ws.Cleanup(); err != nil {
				r.logger.Warn().Err(err).Str("workspace", ws.Dir).Msg("Failed to remove workspace")
			}
		}
		if ws.HasDockerfile() {
			p.image = BuildTag(res)
			p.build = ws.Dir
		} else {
			p.image = engine.DefaultImage(res.Kind)
		}
		return p, cleanup, nil
	case engine.ComposeConfig:
		return p, noop, engine.NewInvalidConfigError("compose resources are deployed by the compose runtime", nil).WithResource(res.ID)
	default:
		return p, noop, engine.NewInvalidConfigError(fmt.Sprintf("unsupported resource kind %q", res.Kind), nil).WithResource(res.ID)
	}
	return p, noop, nil
}

func orDefault(img string, kind engine.ResourceKind) string {
	if strings.TrimSpace(img) != "" {
		return img
	}
	return engine.DefaultImage(kind)
}

// ContainerName returns a fresh container name for a resource.
func ContainerName(resourceName string) string {
	return "dockyard-" + resourceName + "-" + uuid.NewString()[:8]
}

// BuildTag is the image tag built from a resource's workspace.
func BuildTag(res *engine.Resource) string {
	id := res.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return "dockyard/" + res.Name + ":" + id
}

func containerConfig(res *engine.Resource, p plan) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(p.env))
	for _, v := range p.env {
		env = append(env, v.Key+"="+v.Value)
	}

	config := &container.Config{
		Image: p.image,
		Cmd:   p.cmd,
		Env:   env,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelResource: res.ID,
			LabelProject:  res.ProjectID,
		},
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	if p.port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.port))
		if err != nil {
			return nil, nil, engine.NewInvalidConfigError(fmt.Sprintf("invalid port %d", p.port), err).WithResource(res.ID)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostPort: port.Port()}},
		}
	}
	return config, hostConfig, nil
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	body, err := r.engine.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer body.Close()
	return drainStream(body, nil)
}

func (r *Runtime) build(ctx context.Context, dir, tag string, res *engine.Resource) error {
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := r.engine.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			LabelManaged:  "true",
			LabelResource: res.ID,
		},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return drainStream(resp.Body, func(line string) {
		r.logger.Debug().Str("resource", res.ID).Msg(line)
	})
}

// Stop stops the container with a grace period and removes it. A container
// that no longer exists counts as stopped.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	timeout := int(r.cfg.StopGrace / time.Second)
	err := r.engine.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		r.logger.Warn().Err(err).Str("container_id", containerID).Msg("Graceful stop failed, forcing removal")
	}

	err = r.engine.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return engine.NewOperationError("container remove failed", err).WithOperation("stop")
	}
	r.logger.Info().Str("container_id", containerID).Msg("Container removed")
	return nil
}

// Logs returns the last tail lines of stdout and stderr with timestamps.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if tail <= 0 {
		tail = r.cfg.LogTail
	}
	body, err := r.engine.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", engine.NewNotFoundError("container not found", err).WithOperation("logs")
		}
		return "", engine.NewOperationError("failed to read logs", err).WithOperation("logs")
	}
	defer body.Close()

	out := &tailBuffer{limit: r.cfg.MaxLogBytes}
	if _, err := stdcopy.StdCopy(out, out, body); err != nil {
		return "", engine.NewOperationError("failed to decode logs", err).WithOperation("logs")
	}
	return out.String(), nil
}
