package runtime

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/runtime/compose"
	"github.com/openfroyo/dockyard/pkg/runtime/docker"
	"github.com/openfroyo/dockyard/pkg/transports/ssh"
)

type fakeEngine struct {
	docker.Engine
	closed int
}

func (e *fakeEngine) Close() error {
	e.closed++
	return nil
}

type fakeRemote struct {
	connected    bool
	healthErr    error
	disconnected int
	commands     []string
}

func (h *fakeRemote) ExecuteCommand(_ context.Context, cmd string) (string, string, error) {
	h.commands = append(h.commands, cmd)
	return "", "", nil
}

func (h *fakeRemote) WriteFile(context.Context, string, []byte, os.FileMode) error { return nil }
func (h *fakeRemote) RemoveAll(context.Context, string) error                      { return nil }

func (h *fakeRemote) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("not dialable")
}

func (h *fakeRemote) IsConnected() bool { return h.connected }

func (h *fakeRemote) HealthCheck(context.Context) error { return h.healthErr }

func (h *fakeRemote) Disconnect() error {
	h.disconnected++
	h.connected = false
	return nil
}

type harness struct {
	router  *Router
	openErr error

	// When set, OpenRemote signals started and waits for release.
	started chan struct{}
	release chan struct{}

	mu      sync.Mutex
	engines []*fakeEngine
	remotes []*fakeRemote
	sockets []string
}

func (h *harness) remoteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.remotes)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	newEngine := func() *fakeEngine {
		h.mu.Lock()
		defer h.mu.Unlock()
		e := &fakeEngine{}
		h.engines = append(h.engines, e)
		return e
	}
	h.router = NewRouterWithFactories(Options{LocalStackDir: t.TempDir()}, nil, Factories{
		LocalEngine: func(string) (docker.Engine, error) { return newEngine(), nil },
		TunnelEngine: func(dial docker.DialFunc, socket string) (docker.Engine, error) {
			h.mu.Lock()
			h.sockets = append(h.sockets, socket)
			h.mu.Unlock()
			return newEngine(), nil
		},
		OpenRemote: func(context.Context, *engine.Server, ssh.Options) (RemoteHost, error) {
			if h.started != nil {
				h.started <- struct{}{}
				<-h.release
			}
			if h.openErr != nil {
				return nil, h.openErr
			}
			r := &fakeRemote{connected: true}
			h.mu.Lock()
			h.remotes = append(h.remotes, r)
			h.mu.Unlock()
			return r, nil
		},
	}, zerolog.Nop())
	return h
}

func localServer() *engine.Server {
	return &engine.Server{ID: "local", Name: "local", Type: engine.ServerLocal}
}

func remoteServer() *engine.Server {
	return &engine.Server{
		ID: "s1", Name: "edge", Type: engine.ServerRemote,
		Host: "10.0.0.5", Port: 22, Username: "deploy", AuthMethod: engine.AuthPassword, Password: "pw",
	}
}

func TestRuntimeForKinds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rt, err := h.router.RuntimeFor(ctx, localServer(), engine.KindService)
	if err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if _, ok := rt.(*docker.Runtime); !ok {
		t.Errorf("expected docker runtime for service, got %T", rt)
	}

	rt, err = h.router.RuntimeFor(ctx, localServer(), engine.KindCompose)
	if err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if _, ok := rt.(*compose.Runtime); !ok {
		t.Errorf("expected compose runtime for compose, got %T", rt)
	}

	if len(h.engines) != 1 {
		t.Errorf("expected one cached local engine, got %d", len(h.engines))
	}
}

func TestRemoteRuntimeCaching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	srv := remoteServer()

	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindDatabase); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if len(h.remotes) != 1 {
		t.Fatalf("expected one ssh session, got %d", len(h.remotes))
	}
	if h.sockets[0] != ssh.DefaultDockerSocket {
		t.Errorf("unexpected socket %s", h.sockets[0])
	}

	// Changed credentials reopen the session.
	srv.Password = "rotated"
	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if len(h.remotes) != 2 {
		t.Fatalf("expected a new ssh session after credential change, got %d", len(h.remotes))
	}
	if h.remotes[0].disconnected != 1 || h.engines[0].closed != 1 {
		t.Error("expected the previous session and engine to be closed")
	}

	// A dropped session is reopened.
	h.remotes[1].connected = false
	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if len(h.remotes) != 3 {
		t.Errorf("expected reconnect after a dropped session, got %d sessions", len(h.remotes))
	}
}

func TestRemoteConnectionFailure(t *testing.T) {
	h := newHarness(t)
	h.openErr = &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}

	_, err := h.router.RuntimeFor(context.Background(), remoteServer(), engine.KindService)
	if !engine.IsConnection(err) {
		t.Fatalf("expected connection error, got %v", err)
	}
	var te *ssh.TransportError
	if !errors.As(err, &te) {
		t.Error("expected the transport error to stay in the chain")
	}
}

func TestRemoteComposeUsesSession(t *testing.T) {
	h := newHarness(t)
	rt, err := h.router.RuntimeFor(context.Background(), remoteServer(), engine.KindCompose)
	if err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if err := rt.Stop(context.Background(), "compose:dockyard-shop"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(h.remotes[0].commands) != 1 {
		t.Errorf("expected compose to run over the ssh session, got %v", h.remotes[0].commands)
	}
}

func TestForgetAndClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.router.RuntimeFor(ctx, remoteServer(), engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if _, err := h.router.RuntimeFor(ctx, localServer(), engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}

	h.router.Forget("s1")
	if h.remotes[0].disconnected != 1 {
		t.Error("expected Forget to disconnect")
	}

	if err := h.router.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, e := range h.engines {
		if e.closed != 1 {
			t.Errorf("engine %d closed %d times", i, e.closed)
		}
	}
}

func TestRuntimeForNilServer(t *testing.T) {
	h := newHarness(t)
	if _, err := h.router.RuntimeFor(context.Background(), nil, engine.KindService); !engine.IsInvalidConfig(err) {
		t.Errorf("expected invalid config, got %v", err)
	}
}

func TestRemoteRuntimeReopensAfterFailedHealthCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	srv := remoteServer()

	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}

	// The session still claims to be connected but no longer answers.
	h.remotes[0].healthErr = &ssh.TransportError{Op: "healthcheck", Err: errors.New("connection reset by peer")}
	if _, err := h.router.RuntimeFor(ctx, srv, engine.KindService); err != nil {
		t.Fatalf("RuntimeFor: %v", err)
	}
	if h.remoteCount() != 2 {
		t.Fatalf("expected a new session after a failed health check, got %d", h.remoteCount())
	}
	if h.remotes[0].disconnected != 1 {
		t.Error("expected the dead session to be closed")
	}
}

func TestSlowRemoteOpenDoesNotBlockOtherServers(t *testing.T) {
	h := newHarness(t)
	h.started = make(chan struct{}, 1)
	h.release = make(chan struct{})
	ctx := context.Background()

	remoteDone := make(chan error, 1)
	go func() {
		_, err := h.router.RuntimeFor(ctx, remoteServer(), engine.KindService)
		remoteDone <- err
	}()
	<-h.started

	localDone := make(chan error, 1)
	go func() {
		_, err := h.router.RuntimeFor(ctx, localServer(), engine.KindService)
		localDone <- err
	}()

	select {
	case err := <-localDone:
		if err != nil {
			t.Fatalf("local RuntimeFor: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local RuntimeFor waited for an unrelated remote open")
	}

	close(h.release)
	if err := <-remoteDone; err != nil {
		t.Fatalf("remote RuntimeFor: %v", err)
	}
}

func TestConcurrentRemoteOpensShareOneSession(t *testing.T) {
	h := newHarness(t)
	h.started = make(chan struct{}, 1)
	h.release = make(chan struct{})
	ctx := context.Background()
	srv := remoteServer()

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := h.router.RuntimeFor(ctx, srv, engine.KindService)
			errs <- err
		}()
	}

	<-h.started
	close(h.release)
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("RuntimeFor: %v", err)
		}
	}
	if h.remoteCount() != 1 {
		t.Errorf("expected one ssh session for concurrent callers, got %d", h.remoteCount())
	}
}
