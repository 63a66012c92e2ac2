// Package compose deploys Compose-stack resources by driving the
// docker compose CLI through an execution gateway host.
package compose

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// ContainerPrefix marks container ids that name a compose project.
const ContainerPrefix = "compose:"

// File names written into each stack directory.
const (
	ComposeFile = "docker-compose.yml"
	EnvFile     = ".env"
)

// DefaultLogTail is used when Logs is called without a tail.
const DefaultLogTail = 100

// Host runs commands and writes files on one server. Both the local and the
// ssh transports satisfy it.
type Host interface {
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	RemoveAll(ctx context.Context, path string) error
}

// Runtime deploys compose stacks below a stack directory on one host.
type Runtime struct {
	host   Host
	dir    string
	binary string
	logger zerolog.Logger
}

var _ engine.Runtime = (*Runtime)(nil)

// New creates a runtime that keeps stack files under dir on host.
func New(host Host, dir string, logger zerolog.Logger) *Runtime {
	return &Runtime{
		host:   host,
		dir:    dir,
		binary: "docker compose",
		logger: logger.With().Str("component", "compose-runtime").Logger(),
	}
}

// ProjectName is the compose project a resource deploys as.
func ProjectName(resourceName string) string {
	return "dockyard-" + resourceName
}

// ContainerID is the identifier recorded on the resource for a project.
func ContainerID(project string) string {
	return ContainerPrefix + project
}

// ParseContainerID extracts the project from a compose container id.
func ParseContainerID(id string) (string, bool) {
	project, ok := strings.CutPrefix(id, ContainerPrefix)
	return project, ok && project != ""
}

func (r *Runtime) stackDir(project string) string {
	return path.Join(r.dir, project)
}

// Deploy writes the compose and env files and brings the stack up.
func (r *Runtime) Deploy(ctx context.Context, req engine.DeployRequest) (string, error) {
	res := req.Resource
	if res == nil {
		return "", engine.NewInvalidConfigError("deploy request has no resource", nil)
	}
	cfg, ok := res.Config.(engine.ComposeConfig)
	if !ok {
		return "", engine.NewInvalidConfigError(fmt.Sprintf("compose runtime cannot deploy %s resources", res.Kind), nil).WithResource(res.ID)
	}

	project := ProjectName(res.Name)
	dir := r.stackDir(project)
	composePath := path.Join(dir, ComposeFile)
	envPath := path.Join(dir, EnvFile)

	if err := r.host.WriteFile(ctx, composePath, []byte(cfg.Content), 0o644); err != nil {
		return "", engine.NewDeploymentError("failed to write compose file", err).WithResource(res.ID).WithOperation("upload")
	}
	if err := r.host.WriteFile(ctx, envPath, EncodeEnvFile(req.Env), 0o600); err != nil {
		return "", engine.NewDeploymentError("failed to write env file", err).WithResource(res.ID).WithOperation("upload")
	}

	cmd := fmt.Sprintf("%s -p %s -f %s --env-file %s up -d --remove-orphans",
		r.binary, shellQuote(project), shellQuote(composePath), shellQuote(envPath))
	if _, stderr, err := r.host.ExecuteCommand(ctx, cmd); err != nil {
		return "", engine.NewDeploymentError(fmt.Sprintf("compose up failed: %s", lastLine(stderr)), err).WithResource(res.ID).WithOperation("up")
	}

	r.logger.Info().Str("resource", res.ID).Str("project", project).Int("variables", len(req.Env)).Msg("Compose stack started")
	return ContainerID(project), nil
}

// Stop takes the stack down and removes its files. Stopping a stack that
// no longer exists succeeds.
func (r *Runtime) Stop(ctx context.Context, containerID string) error {
	project, ok := ParseContainerID(containerID)
	if !ok {
		return engine.NewOperationError(fmt.Sprintf("%q is not a compose stack id", containerID), nil).WithOperation("stop")
	}

	cmd := fmt.Sprintf("%s -p %s down --remove-orphans", r.binary, shellQuote(project))
	if _, stderr, err := r.host.ExecuteCommand(ctx, cmd); err != nil {
		return engine.NewOperationError(fmt.Sprintf("compose down failed: %s", lastLine(stderr)), err).WithOperation("stop")
	}
	if err := r.host.RemoveAll(ctx, r.stackDir(project)); err != nil {
		r.logger.Warn().Err(err).Str("project", project).Msg("Failed to remove stack files")
	}
	r.logger.Info().Str("project", project).Msg("Compose stack removed")
	return nil
}

// Logs returns the last tail lines of every service in the stack.
func (r *Runtime) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	project, ok := ParseContainerID(containerID)
	if !ok {
		return "", engine.NewNotFoundError(fmt.Sprintf("%q is not a compose stack id", containerID), nil).WithOperation("logs")
	}
	if tail <= 0 {
		tail = DefaultLogTail
	}

	cmd := fmt.Sprintf("%s -p %s logs --timestamps --no-color --tail %d", r.binary, shellQuote(project), tail)
	stdout, stderr, err := r.host.ExecuteCommand(ctx, cmd)
	if err != nil {
		return "", engine.NewOperationError(fmt.Sprintf("compose logs failed: %s", lastLine(stderr)), err).WithOperation("logs")
	}
	return stdout, nil
}

// EncodeEnvFile renders variables as a compose env file. Values are double
// quoted; "$" is doubled so compose does not interpolate it.
func EncodeEnvFile(vars []engine.EnvVar) []byte {
	var b strings.Builder
	for _, v := range vars {
		value := strconv.Quote(v.Value)
		value = strings.ReplaceAll(value, "$", "$$")
		b.WriteString(v.Key)
		b.WriteByte('=')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
