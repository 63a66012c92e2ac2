package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// AuthMethod represents the SSH authentication method.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses a private key, read from a file or given inline.
	AuthMethodKey AuthMethod = "key"
)

// DefaultDockerSocket is the engine socket dialled on remote servers.
const DefaultDockerSocket = "/var/run/docker.sock"

// Config contains SSH connection configuration.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the SSH username
	User string

	// AuthMethod specifies how to authenticate
	AuthMethod AuthMethod

	// Password for password authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKey is PEM key material. It takes precedence over PrivateKeyPath.
	PrivateKey string

	// PrivateKeyPassphrase is the passphrase for an encrypted private key
	PrivateKeyPassphrase string

	// KnownHostsPath is the known_hosts file used when StrictHostKeyChecking is set
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds the TCP dial and SSH handshake
	ConnectionTimeout time.Duration

	// CommandTimeout bounds a remote command when the caller's context has no deadline
	CommandTimeout time.Duration

	// KeepAliveInterval is how often keep-alive requests are sent; zero disables them
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the number of failed keep-alives before giving up
	MaxKeepAliveRetries int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(host, user string) *Config {
	homeDir := os.Getenv("HOME")
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(homeDir, ".ssh", "known_hosts"),
		StrictHostKeyChecking: false,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        5 * time.Minute,
		KeepAliveInterval:     30 * time.Second,
		MaxKeepAliveRetries:   3,
	}
}

// Options are the installation-wide SSH settings applied to every server.
type Options struct {
	ConnectionTimeout     time.Duration
	CommandTimeout        time.Duration
	KnownHostsPath        string
	StrictHostKeyChecking bool
}

// ConfigFromServer builds a client configuration for a registered remote server.
func ConfigFromServer(srv *engine.Server, opts Options) (*Config, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if srv.IsLocal() {
		return nil, fmt.Errorf("server %s is local and has no SSH endpoint", srv.Name)
	}

	cfg := DefaultConfig(srv.Host, srv.Username)
	if srv.Port > 0 {
		cfg.Port = srv.Port
	}
	switch srv.AuthMethod {
	case engine.AuthPassword:
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = srv.Password
	default:
		cfg.AuthMethod = AuthMethodKey
		cfg.PrivateKey = srv.PrivateKey
		cfg.PrivateKeyPath = srv.PrivateKeyPath
	}

	if opts.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = opts.ConnectionTimeout
	}
	if opts.CommandTimeout > 0 {
		cfg.CommandTimeout = opts.CommandTimeout
	}
	if opts.KnownHostsPath != "" {
		cfg.KnownHostsPath = opts.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = opts.StrictHostKeyChecking
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKey != "" {
			break
		}
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultKeyPath()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required for strict host key checking")
	}

	return nil
}

func defaultKeyPath() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// Many servers only offer keyboard-interactive for password logins.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		signer, err := c.signer()
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	default:
		return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) signer() (ssh.Signer, error) {
	keyBytes := []byte(c.PrivateKey)
	if len(keyBytes) == 0 {
		var err error
		keyBytes, err = os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}

	var (
		signer ssh.Signer
		err    error
	)
	if c.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
