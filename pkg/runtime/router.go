// Package runtime routes lifecycle calls to the runtime that serves a
// server and resource kind. Engine clients and ssh sessions are opened on
// first use and cached per server until its connection settings change.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/runtime/compose"
	"github.com/openfroyo/dockyard/pkg/runtime/docker"
	"github.com/openfroyo/dockyard/pkg/transports/local"
	"github.com/openfroyo/dockyard/pkg/transports/ssh"
)

// DefaultRemoteStackDir holds compose stacks on remote servers.
const DefaultRemoteStackDir = "/var/lib/dockyard/stacks"

// Options configures how the router reaches servers.
type Options struct {
	// DockerHost overrides the local daemon address. Empty uses the environment.
	DockerHost string

	// RemoteSocket is the Docker socket path on remote servers.
	RemoteSocket string

	// LocalStackDir holds compose stacks for the local server.
	LocalStackDir string

	// RemoteStackDir holds compose stacks on remote servers.
	RemoteStackDir string

	SSH    ssh.Options
	Docker docker.Config
}

// RemoteHost is an open session to a remote server.
type RemoteHost interface {
	compose.Host
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	IsConnected() bool
	HealthCheck(ctx context.Context) error
	Disconnect() error
}

// Factories open engines and sessions. Tests replace them.
type Factories struct {
	LocalEngine  func(host string) (docker.Engine, error)
	TunnelEngine func(dial docker.DialFunc, socket string) (docker.Engine, error)
	OpenRemote   func(ctx context.Context, srv *engine.Server, opts ssh.Options) (RemoteHost, error)
}

func defaultFactories() Factories {
	return Factories{
		LocalEngine:  docker.NewLocalEngine,
		TunnelEngine: docker.NewTunnelEngine,
		OpenRemote: func(ctx context.Context, srv *engine.Server, opts ssh.Options) (RemoteHost, error) {
			return ssh.Open(ctx, srv, opts)
		},
	}
}

// hostEntry is the cached runtime pair of one server.
type hostEntry struct {
	fingerprint string
	docker      *docker.Runtime
	compose     *compose.Runtime
	remote      RemoteHost
}

func (h *hostEntry) close() error {
	err := h.docker.Close()
	if h.remote != nil {
		if dErr := h.remote.Disconnect(); dErr != nil && err == nil {
			err = dErr
		}
	}
	return err
}

// Router implements engine.RuntimeProvider.
type Router struct {
	mu      sync.Mutex
	hosts   map[string]*hostEntry
	closed  bool
	opening singleflight.Group
	opts    Options
	sources docker.Materializer
	open    Factories
	logger  zerolog.Logger
}

var _ engine.RuntimeProvider = (*Router)(nil)

// NewRouter creates a router. sources materializes git-backed resources.
func NewRouter(opts Options, sources docker.Materializer, logger zerolog.Logger) *Router {
	return NewRouterWithFactories(opts, sources, defaultFactories(), logger)
}

// NewRouterWithFactories creates a router that opens connections through f.
// Nil factories fall back to the defaults.
func NewRouterWithFactories(opts Options, sources docker.Materializer, f Factories, logger zerolog.Logger) *Router {
	def := defaultFactories()
	if f.LocalEngine == nil {
		f.LocalEngine = def.LocalEngine
	}
	if f.TunnelEngine == nil {
		f.TunnelEngine = def.TunnelEngine
	}
	if f.OpenRemote == nil {
		f.OpenRemote = def.OpenRemote
	}
	if opts.RemoteSocket == "" {
		opts.RemoteSocket = ssh.DefaultDockerSocket
	}
	if opts.RemoteStackDir == "" {
		opts.RemoteStackDir = DefaultRemoteStackDir
	}
	return &Router{
		hosts:   make(map[string]*hostEntry),
		opts:    opts,
		sources: sources,
		open:    f,
		logger:  logger.With().Str("component", "runtime-router").Logger(),
	}
}

// RuntimeFor returns the compose runtime for compose resources and the
// docker runtime for every other kind.
func (r *Router) RuntimeFor(ctx context.Context, srv *engine.Server, kind engine.ResourceKind) (engine.Runtime, error) {
	if srv == nil {
		return nil, engine.NewInvalidConfigError("server is required", nil)
	}

	entry, err := r.entry(ctx, srv)
	if err != nil {
		return nil, err
	}
	if kind == engine.KindCompose {
		return entry.compose, nil
	}
	return entry.docker, nil
}

// entry returns the cached runtimes of srv, opening them when missing, stale
// or disconnected. Connections are opened without holding r.mu, and
// concurrent callers share one open per server.
func (r *Router) entry(ctx context.Context, srv *engine.Server) (*hostEntry, error) {
	fp := fingerprint(srv)
	if entry := r.cached(ctx, srv.ID, fp); entry != nil {
		return entry, nil
	}

	v, err, _ := r.opening.Do(srv.ID+"/"+fp, func() (any, error) {
		if entry := r.cached(ctx, srv.ID, fp); entry != nil {
			return entry, nil
		}

		var (
			entry *hostEntry
			err   error
		)
		if srv.IsLocal() {
			entry, err = r.openLocal()
		} else {
			entry, err = r.openRemote(ctx, srv)
		}
		if err != nil {
			return nil, err
		}
		entry.fingerprint = fp

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = entry.close()
			return nil, engine.NewConnectionError("runtime router is closed", nil)
		}
		prev := r.hosts[srv.ID]
		r.hosts[srv.ID] = entry
		r.mu.Unlock()

		if prev != nil {
			r.closeEntry(srv.ID, prev)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*hostEntry), nil
}

// cached returns the entry for id when it matches fp and its session is
// alive. A stale or dead entry is removed and closed.
func (r *Router) cached(ctx context.Context, id, fp string) *hostEntry {
	r.mu.Lock()
	entry, ok := r.hosts[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if entry.fingerprint == fp && entry.alive(ctx) {
		return entry
	}

	r.mu.Lock()
	if r.hosts[id] != entry {
		r.mu.Unlock()
		return nil
	}
	delete(r.hosts, id)
	r.mu.Unlock()

	r.logger.Debug().Str("server", id).Msg("Server connection changed or dropped, reopening")
	r.closeEntry(id, entry)
	return nil
}

func (r *Router) closeEntry(id string, entry *hostEntry) {
	if err := entry.close(); err != nil {
		r.logger.Warn().Err(err).Str("server", id).Msg("Failed to close previous connection")
	}
}

// alive reports whether the remote session of h still answers.
func (h *hostEntry) alive(ctx context.Context) bool {
	if h.remote == nil {
		return true
	}
	return h.remote.IsConnected() && h.remote.HealthCheck(ctx) == nil
}

func (r *Router) openLocal() (*hostEntry, error) {
	eng, err := r.open.LocalEngine(r.opts.DockerHost)
	if err != nil {
		return nil, engine.NewConnectionError("cannot reach the local docker engine", err)
	}
	stackDir := r.opts.LocalStackDir
	if stackDir == "" {
		stackDir = "stacks"
	}
	return &hostEntry{
		docker:  docker.New(eng, r.sources, r.opts.Docker, r.logger),
		compose: compose.New(local.New(), stackDir, r.logger),
	}, nil
}

func (r *Router) openRemote(ctx context.Context, srv *engine.Server) (*hostEntry, error) {
	host, err := r.open.OpenRemote(ctx, srv, r.opts.SSH)
	if err != nil {
		return nil, engine.NewConnectionError(fmt.Sprintf("cannot reach server %s", srv.Name), err)
	}
	eng, err := r.open.TunnelEngine(host.DialContext, r.opts.RemoteSocket)
	if err != nil {
		_ = host.Disconnect()
		return nil, engine.NewConnectionError(fmt.Sprintf("cannot reach docker on server %s", srv.Name), err)
	}
	r.logger.Info().Str("server", srv.ID).Str("address", srv.Address()).Msg("Opened remote runtime")
	return &hostEntry{
		docker:  docker.New(eng, r.sources, r.opts.Docker, r.logger),
		compose: compose.New(host, r.opts.RemoteStackDir, r.logger),
		remote:  host,
	}, nil
}

// Forget closes and drops the cached runtime of a server.
func (r *Router) Forget(serverID string) {
	r.mu.Lock()
	entry, ok := r.hosts[serverID]
	delete(r.hosts, serverID)
	r.mu.Unlock()

	if ok {
		r.closeEntry(serverID, entry)
	}
}

// Close releases every cached connection.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var first error
	for id, entry := range r.hosts {
		if err := entry.close(); err != nil && first == nil {
			first = fmt.Errorf("failed to close server %s: %w", id, err)
		}
		delete(r.hosts, id)
	}
	return first
}

// fingerprint changes whenever a field used to connect changes.
func fingerprint(srv *engine.Server) string {
	if srv.IsLocal() {
		return "local"
	}
	h := sha256.New()
	for _, part := range []string{
		srv.Host, strconv.Itoa(srv.Port), srv.Username, string(srv.AuthMethod),
		srv.PrivateKeyPath, srv.PrivateKey, srv.Password,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
