package ssh

import (
	"context"
	"fmt"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// Open connects to a registered remote server.
func Open(ctx context.Context, srv *engine.Server, opts Options) (*SSHClient, error) {
	cfg, err := ConfigFromServer(srv, opts)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	client, err := NewSSHClient(cfg)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Checker checks that a server accepts SSH logins and can run a command.
type Checker struct {
	opts Options
}

var _ engine.Checker = (*Checker)(nil)

// NewChecker creates a checker using the installation-wide SSH options.
func NewChecker(opts Options) *Checker {
	return &Checker{opts: opts}
}

// Check connects, runs a health check and disconnects.
func (c *Checker) Check(ctx context.Context, srv *engine.Server) error {
	client, err := Open(ctx, srv, c.opts)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", srv.Address(), err)
	}
	defer client.Disconnect()

	if err := client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("server %s is not responsive: %w", srv.Address(), err)
	}
	return nil
}
