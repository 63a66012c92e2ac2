package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/policy"
	"github.com/openfroyo/dockyard/pkg/runtime"
	"github.com/openfroyo/dockyard/pkg/runtime/docker"
	"github.com/openfroyo/dockyard/pkg/stores"
	"github.com/openfroyo/dockyard/pkg/telemetry"
	"github.com/openfroyo/dockyard/pkg/transports/ssh"
)

// Environment variables read by Load.
const (
	EnvConfigPath = "DOCKYARD_CONFIG"
	EnvLogLevel   = "DOCKYARD_LOG_LEVEL"
	EnvDBPath     = "DOCKYARD_DB_PATH"
	EnvHTTPAddr   = "DOCKYARD_HTTP_ADDR"
)

// Config is the complete server configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	HTTP      HTTPConfig       `yaml:"http"`
	Docker    DockerConfig     `yaml:"docker"`
	SSH       SSHConfig        `yaml:"ssh"`
	Lifecycle LifecycleConfig  `yaml:"lifecycle"`
	Workspace WorkspaceConfig  `yaml:"workspace"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// UserHeader carries the caller identity set by the fronting auth proxy.
	UserHeader string `yaml:"user_header" validate:"required"`
}

// DockerConfig configures engine access.
type DockerConfig struct {
	// Host overrides DOCKER_HOST for the local server.
	Host string `yaml:"host"`

	// RemoteSocket is the engine socket path on remote servers.
	RemoteSocket string `yaml:"remote_socket" validate:"required,startswith=/"`

	// StopGrace is how long a container gets to exit before it is killed.
	StopGrace time.Duration `yaml:"stop_grace" validate:"gte=0"`

	// MaxLogBytes bounds one logs response.
	MaxLogBytes int `yaml:"max_log_bytes" validate:"gte=0"`
}

// SSHConfig configures sessions to remote servers.
type SSHConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gte=0"`
	KnownHosts            string        `yaml:"known_hosts"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
}

// LifecycleConfig bounds lifecycle operations.
type LifecycleConfig struct {
	DeployTimeout  time.Duration `yaml:"deploy_timeout" validate:"gt=0"`
	StopTimeout    time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	LogsTimeout    time.Duration `yaml:"logs_timeout" validate:"gt=0"`
	DeployDeadline time.Duration `yaml:"deploy_deadline" validate:"gt=0,gtefield=DeployTimeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	MaxErrorLength int           `yaml:"max_error_length" validate:"gte=64"`
	DefaultLogTail int           `yaml:"default_log_tail" validate:"gt=0,ltefield=MaxLogTail"`
	MaxLogTail     int           `yaml:"max_log_tail" validate:"gt=0"`
}

// WorkspaceConfig configures scratch directories.
type WorkspaceConfig struct {
	// Root holds source checkouts of git-backed resources.
	Root string `yaml:"root" validate:"required"`

	// Stacks holds compose files for the local server.
	Stacks string `yaml:"stacks" validate:"required"`

	// RemoteStacks holds compose files on remote servers.
	RemoteStacks string `yaml:"remote_stacks" validate:"required,startswith=/"`

	// GitBinary is the git executable. Empty means git on PATH.
	GitBinary string `yaml:"git_binary"`

	// Fetch selects how repositories are materialized: git or none.
	Fetch string `yaml:"fetch" validate:"oneof=git none"`
}

// PolicyConfig configures deploy admission.
type PolicyConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Paths             []string `yaml:"paths"`
	Watch             bool     `yaml:"watch"`
	AllowedRegistries []string `yaml:"allowed_registries" validate:"dive,required"`
	ReservedPorts     []int    `yaml:"reserved_ports" validate:"dive,gte=1,lte=65535"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	lc := engine.DefaultLifecycleConfig()
	tel := telemetry.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Path:         "dockyard.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			UserHeader:      "X-User-ID",
		},
		Docker: DockerConfig{
			RemoteSocket: ssh.DefaultDockerSocket,
			StopGrace:    docker.DefaultStopGrace,
			MaxLogBytes:  docker.DefaultMaxLogBytes,
		},
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 5 * time.Minute,
		},
		Lifecycle: LifecycleConfig{
			DeployTimeout:  lc.DeployTimeout,
			StopTimeout:    lc.StopTimeout,
			LogsTimeout:    lc.LogsTimeout,
			DeployDeadline: lc.DeployDeadline,
			SweepInterval:  time.Minute,
			MaxErrorLength: lc.MaxErrorLength,
			DefaultLogTail: lc.DefaultLogTail,
			MaxLogTail:     lc.MaxLogTail,
		},
		Workspace: WorkspaceConfig{
			Root:         "workspaces",
			Stacks:       "stacks",
			RemoteStacks: runtime.DefaultRemoteStackDir,
			Fetch:        "git",
		},
		Policy: PolicyConfig{
			Enabled:       true,
			Watch:         true,
			ReservedPorts: []int{22},
		},
		Telemetry: tel,
	}
}

// ResolvePath returns flagValue, or DOCKYARD_CONFIG when the flag is empty.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load reads the file at path over the defaults, applies the environment
// overrides and validates the result. An empty path or a missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
}

var validate = validator.New()

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}

// Store returns the store settings.
func (c *Config) Store() stores.Config {
	return stores.Config{
		Path:            c.Database.Path,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

// LifecycleLimits returns the orchestrator limits.
func (c *Config) LifecycleLimits() engine.LifecycleConfig {
	return engine.LifecycleConfig{
		DeployTimeout:  c.Lifecycle.DeployTimeout,
		StopTimeout:    c.Lifecycle.StopTimeout,
		LogsTimeout:    c.Lifecycle.LogsTimeout,
		DeployDeadline: c.Lifecycle.DeployDeadline,
		MaxErrorLength: c.Lifecycle.MaxErrorLength,
		DefaultLogTail: c.Lifecycle.DefaultLogTail,
		MaxLogTail:     c.Lifecycle.MaxLogTail,
	}
}

// SSHOptions returns the options used for every remote session.
func (c *Config) SSHOptions() ssh.Options {
	return ssh.Options{
		ConnectionTimeout:     c.SSH.ConnectTimeout,
		CommandTimeout:        c.SSH.CommandTimeout,
		KnownHostsPath:        c.SSH.KnownHosts,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
	}
}

// RuntimeOptions returns the runtime router settings.
func (c *Config) RuntimeOptions() runtime.Options {
	return runtime.Options{
		DockerHost:     c.Docker.Host,
		RemoteSocket:   c.Docker.RemoteSocket,
		LocalStackDir:  c.Workspace.Stacks,
		RemoteStackDir: c.Workspace.RemoteStacks,
		SSH:            c.SSHOptions(),
		Docker: docker.Config{
			StopGrace:   c.Docker.StopGrace,
			MaxLogBytes: c.Docker.MaxLogBytes,
			LogTail:     c.Lifecycle.DefaultLogTail,
		},
	}
}

// PolicyParams returns the data document shared by the built-in policies.
func (c *Config) PolicyParams() policy.Params {
	return policy.Params{
		AllowedRegistries: c.Policy.AllowedRegistries,
		ReservedPorts:     c.Policy.ReservedPorts,
	}
}
