package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/source"
)

// fakeEngine records calls and returns canned results.
type fakeEngine struct {
	mu sync.Mutex

	pulled   []string
	pullBody string
	pullErr  error

	built      []types.ImageBuildOptions
	buildBytes int
	buildBody  string

	created    []createCall
	createErr  error
	started    []string
	startErr   error
	stopped    []string
	stopOpts   []container.StopOptions
	stopErr    error
	removed    []string
	removeErr  error
	logsOpts   container.LogsOptions
	logsStream []byte
	logsErr    error
	closed     bool
}

type createCall struct {
	config *container.Config
	host   *container.HostConfig
	name   string
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	body := f.pullBody
	if body == "" {
		body = `{"status":"Pulling from library/nginx","id":"1.27"}` + "\n" + `{"status":"Download complete"}`
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeEngine) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	n, _ := io.Copy(io.Discard, buildContext)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, options)
	f.buildBytes = int(n)
	body := f.buildBody
	if body == "" {
		body = `{"stream":"Step 1/1 : FROM scratch"}`
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, config *container.Config, host *container.HostConfig, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = append(f.created, createCall{config, host, name})
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return f.startErr
}

func (f *fakeEngine) ContainerStop(_ context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	f.stopOpts = append(f.stopOpts, opts)
	return f.stopErr
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeEngine) ContainerLogs(_ context.Context, _ string, opts container.LogsOptions) (io.ReadCloser, error) {
	f.logsOpts = opts
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return io.NopCloser(bytes.NewReader(f.logsStream)), nil
}

func (f *fakeEngine) Close() error {
	f.closed = true
	return nil
}

type stubSources struct {
	dockerfile bool
	err        error
	root       string
	ws         *source.Workspace
}

func (s *stubSources) Materialize(ctx context.Context, res *engine.Resource) (*source.Workspace, error) {
	if s.err != nil {
		return nil, s.err
	}
	var fetcher source.Fetcher = source.NoopFetcher{}
	if s.dockerfile {
		fetcher = dockerfileFetcher{}
	}
	p, err := source.NewProvider(s.root, fetcher, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	ws, err := p.Materialize(ctx, res)
	s.ws = ws
	return ws, err
}

type dockerfileFetcher struct{}

func (dockerfileFetcher) Fetch(_ context.Context, _, _, dest string) error {
	return os.WriteFile(filepath.Join(dest, "Dockerfile"), []byte("FROM scratch\n"), 0o644)
}

func newRuntime(eng *fakeEngine, sources Materializer) *Runtime {
	return New(eng, sources, Config{}, zerolog.Nop())
}

func resource(kind engine.ResourceKind, cfg engine.KindConfig) *engine.Resource {
	return &engine.Resource{ID: "res-0123456789abcdef", ProjectID: "proj-1", Name: "api", Kind: kind, Config: cfg}
}

func TestDeployService(t *testing.T) {
	eng := &fakeEngine{}
	rt := newRuntime(eng, nil)

	res := resource(engine.KindService, engine.ServiceConfig{Port: 3000, Command: []string{"node", "server.js"}})
	id, err := rt.Deploy(context.Background(), engine.DeployRequest{
		Resource: res,
		Env: []engine.EnvVar{
			{Key: "LOG_LEVEL", Value: "debug"},
			{Key: "API_TOKEN", Value: "tok", Secret: true},
		},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if len(eng.created) != 1 {
		t.Fatalf("expected one container, got %d", len(eng.created))
	}
	call := eng.created[0]
	if id != "cid-"+call.name {
		t.Errorf("unexpected container id %s", id)
	}
	if len(eng.started) != 1 || eng.started[0] != id {
		t.Errorf("expected container %s to be started, got %v", id, eng.started)
	}
	if !strings.HasPrefix(call.name, "dockyard-api-") || len(call.name) != len("dockyard-api-")+8 {
		t.Errorf("unexpected container name %s", call.name)
	}
	if call.config.Image != "alpine:3.20" {
		t.Errorf("expected default service image, got %s", call.config.Image)
	}
	if len(eng.pulled) != 1 || eng.pulled[0] != "alpine:3.20" {
		t.Errorf("expected image pull, got %v", eng.pulled)
	}
	if strings.Join(call.config.Cmd, " ") != "node server.js" {
		t.Errorf("unexpected command %v", call.config.Cmd)
	}
	if got := strings.Join(call.config.Env, ","); got != "LOG_LEVEL=debug,API_TOKEN=tok" {
		t.Errorf("unexpected env %s", got)
	}
	if call.config.Labels[LabelResource] != res.ID || call.config.Labels[LabelProject] != "proj-1" {
		t.Errorf("unexpected labels %v", call.config.Labels)
	}

	port := nat.Port("3000/tcp")
	if _, ok := call.config.ExposedPorts[port]; !ok {
		t.Errorf("expected %s to be exposed, got %v", port, call.config.ExposedPorts)
	}
	bindings := call.host.PortBindings[port]
	if len(bindings) != 1 || bindings[0].HostPort != "3000" {
		t.Errorf("unexpected port bindings %v", call.host.PortBindings)
	}
	if call.host.RestartPolicy.Name != container.RestartPolicyUnlessStopped {
		t.Errorf("unexpected restart policy %v", call.host.RestartPolicy)
	}
}

func TestDeployImageAndWebsite(t *testing.T) {
	tests := []struct {
		name      string
		kind      engine.ResourceKind
		cfg       engine.KindConfig
		wantImage string
		wantPort  nat.Port
	}{
		{"explicit image", engine.KindDockerImage, engine.ImageConfig{Image: "ghcr.io/acme/api:1.2", Port: 8080}, "ghcr.io/acme/api:1.2", "8080/tcp"},
		{"website default", engine.KindWebsite, engine.WebsiteConfig{}, "nginx:1.27-alpine", "80/tcp"},
		{"website custom", engine.KindWebsite, engine.WebsiteConfig{Image: "caddy:2", Port: 2015}, "caddy:2", "2015/tcp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			if _, err := newRuntime(eng, nil).Deploy(context.Background(), engine.DeployRequest{Resource: resource(tt.kind, tt.cfg)}); err != nil {
				t.Fatalf("Deploy: %v", err)
			}
			call := eng.created[0]
			if call.config.Image != tt.wantImage {
				t.Errorf("expected image %s, got %s", tt.wantImage, call.config.Image)
			}
			if _, ok := call.config.ExposedPorts[tt.wantPort]; !ok {
				t.Errorf("expected port %s, got %v", tt.wantPort, call.config.ExposedPorts)
			}
		})
	}
}

func TestDeployDatabase(t *testing.T) {
	eng := &fakeEngine{}
	cfg := engine.DatabaseConfig{Engine: "postgres", Version: "16", Name: "shop", User: "postgres", Password: "pw-123", Port: 5432}
	req := engine.DeployRequest{
		Resource: resource(engine.KindDatabase, cfg),
		Env:      []engine.EnvVar{{Key: "POSTGRES_DB", Value: "override"}},
	}

	if _, err := newRuntime(eng, nil).Deploy(context.Background(), req); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	call := eng.created[0]
	if call.config.Image != "postgres:16" {
		t.Errorf("unexpected image %s", call.config.Image)
	}
	env := strings.Join(call.config.Env, ",")
	if !strings.Contains(env, "POSTGRES_DB=override") || !strings.Contains(env, "POSTGRES_PASSWORD=pw-123") {
		t.Errorf("unexpected env %s", env)
	}
	if _, ok := call.config.ExposedPorts["5432/tcp"]; !ok {
		t.Errorf("expected 5432/tcp exposed")
	}
	if len(call.config.Cmd) != 0 {
		t.Errorf("postgres should keep the image command, got %v", call.config.Cmd)
	}
}

func TestDeployRedisRequiresPassword(t *testing.T) {
	eng := &fakeEngine{}
	cfg := engine.DatabaseConfig{Engine: "redis", Version: "7", Password: "pw-123", Port: 6379}

	if _, err := newRuntime(eng, nil).Deploy(context.Background(), engine.DeployRequest{
		Resource: resource(engine.KindDatabase, cfg),
	}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	call := eng.created[0]
	cmd := strings.Join(call.config.Cmd, " ")
	if !strings.Contains(cmd, "redis-server --requirepass \"$REDIS_PASSWORD\"") {
		t.Errorf("expected redis to require the password, got %q", cmd)
	}
	if strings.Contains(cmd, "pw-123") {
		t.Errorf("password must not appear in the container command: %q", cmd)
	}
	if !strings.Contains(strings.Join(call.config.Env, ","), "REDIS_PASSWORD=pw-123") {
		t.Errorf("expected the password in the container env, got %v", call.config.Env)
	}
}

func TestDeployGitBuildsFromDockerfile(t *testing.T) {
	eng := &fakeEngine{}
	sources := &stubSources{dockerfile: true, root: t.TempDir()}
	res := resource(engine.KindGitService, engine.GitConfig{RepositoryURL: "https://example.com/a.git", Branch: "main"})

	if _, err := newRuntime(eng, sources).Deploy(context.Background(), engine.DeployRequest{Resource: res}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(eng.built) != 1 {
		t.Fatalf("expected one build, got %d", len(eng.built))
	}
	tag := BuildTag(res)
	if eng.built[0].Tags[0] != tag || tag != "dockyard/api:res-01234567" {
		t.Errorf("unexpected build tag %v", eng.built[0].Tags)
	}
	if eng.buildBytes == 0 {
		t.Error("expected a non-empty build context")
	}
	if len(eng.pulled) != 0 {
		t.Errorf("built images must not be pulled, got %v", eng.pulled)
	}
	if eng.created[0].config.Image != tag {
		t.Errorf("container should run the built image, got %s", eng.created[0].config.Image)
	}
	if _, ok := eng.created[0].config.ExposedPorts["3000/tcp"]; !ok {
		t.Error("expected git-service default port 3000")
	}
	if _, err := os.Stat(sources.ws.Dir); !os.IsNotExist(err) {
		t.Error("workspace should be removed after deploy")
	}
}

func TestDeployGitWithoutDockerfileUsesBaseImage(t *testing.T) {
	eng := &fakeEngine{}
	sources := &stubSources{root: t.TempDir()}
	res := resource(engine.KindGitWebsite, engine.GitConfig{RepositoryURL: "https://example.com/a.git", Branch: "main", Website: true})

	if _, err := newRuntime(eng, sources).Deploy(context.Background(), engine.DeployRequest{Resource: res}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(eng.built) != 0 {
		t.Error("expected no build without a Dockerfile")
	}
	if eng.created[0].config.Image != "nginx:1.27-alpine" {
		t.Errorf("unexpected image %s", eng.created[0].config.Image)
	}
}

func TestDeployFailures(t *testing.T) {
	notFound := errdefs.NotFound(errors.New("manifest unknown"))

	tests := []struct {
		name     string
		eng      *fakeEngine
		sources  Materializer
		res      *engine.Resource
		wantKind engine.ErrorKind
		wantOp   string
	}{
		{
			name:     "pull error",
			eng:      &fakeEngine{pullErr: notFound},
			res:      resource(engine.KindService, engine.ServiceConfig{Port: 1}),
			wantKind: engine.KindDeployment,
			wantOp:   "pull",
		},
		{
			name:     "pull stream error",
			eng:      &fakeEngine{pullBody: `{"error":"denied: requested access to the resource is denied"}`},
			res:      resource(engine.KindService, engine.ServiceConfig{Port: 1}),
			wantKind: engine.KindDeployment,
			wantOp:   "pull",
		},
		{
			name:     "create error",
			eng:      &fakeEngine{createErr: errors.New("port is already allocated")},
			res:      resource(engine.KindService, engine.ServiceConfig{Port: 1}),
			wantKind: engine.KindDeployment,
			wantOp:   "create",
		},
		{
			name:     "build stream error",
			eng:      &fakeEngine{buildBody: `{"errorDetail":{"message":"COPY failed"}}`},
			sources:  &stubSources{dockerfile: true},
			res:      resource(engine.KindGitService, engine.GitConfig{RepositoryURL: "https://example.com/a.git", Branch: "main"}),
			wantKind: engine.KindDeployment,
			wantOp:   "build",
		},
		{
			name:     "source failure",
			eng:      &fakeEngine{},
			sources:  &stubSources{err: errors.New("repository not found")},
			res:      resource(engine.KindGitService, engine.GitConfig{RepositoryURL: "https://example.com/a.git", Branch: "main"}),
			wantKind: engine.KindDeployment,
			wantOp:   "fetch",
		},
		{
			name:     "compose is not a container",
			eng:      &fakeEngine{},
			res:      resource(engine.KindCompose, engine.ComposeConfig{Content: "services: {}"}),
			wantKind: engine.KindInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s, ok := tt.sources.(*stubSources); ok && s.root == "" {
				s.root = t.TempDir()
			}
			_, err := newRuntime(tt.eng, tt.sources).Deploy(context.Background(), engine.DeployRequest{Resource: tt.res})
			var e *engine.Error
			if !errors.As(err, &e) {
				t.Fatalf("expected *engine.Error, got %v", err)
			}
			if e.Kind != tt.wantKind || e.Op != tt.wantOp {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantKind, tt.wantOp, e.Kind, e.Op)
			}
			if len(tt.eng.started) != 0 {
				t.Error("no container should be started")
			}
		})
	}
}

func TestDeployStartFailureRemovesContainer(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("OCI runtime create failed")}
	_, err := newRuntime(eng, nil).Deploy(context.Background(), engine.DeployRequest{
		Resource: resource(engine.KindService, engine.ServiceConfig{Port: 3000}),
	})
	if !engine.IsDeployment(err) {
		t.Fatalf("expected deployment error, got %v", err)
	}
	if len(eng.removed) != 1 || eng.removed[0] != eng.started[0] {
		t.Errorf("expected the unstarted container to be removed, got %v", eng.removed)
	}
}

func TestStop(t *testing.T) {
	t.Run("stop then remove", func(t *testing.T) {
		eng := &fakeEngine{}
		if err := newRuntime(eng, nil).Stop(context.Background(), "c1"); err != nil {
			t.Fatalf("Stop: %v", err)
		}
		if len(eng.stopped) != 1 || len(eng.removed) != 1 {
			t.Fatalf("expected stop and remove, got %v %v", eng.stopped, eng.removed)
		}
		if eng.stopOpts[0].Timeout == nil || *eng.stopOpts[0].Timeout != 10 {
			t.Errorf("expected a 10s grace period, got %v", eng.stopOpts[0].Timeout)
		}
	})

	t.Run("missing container is stopped", func(t *testing.T) {
		gone := errdefs.NotFound(errors.New("No such container: c1"))
		eng := &fakeEngine{stopErr: gone, removeErr: gone}
		if err := newRuntime(eng, nil).Stop(context.Background(), "c1"); err != nil {
			t.Errorf("expected success for a missing container, got %v", err)
		}
	})

	t.Run("graceful stop failure still force removes", func(t *testing.T) {
		eng := &fakeEngine{stopErr: errors.New("timeout")}
		if err := newRuntime(eng, nil).Stop(context.Background(), "c1"); err != nil {
			t.Errorf("expected forced removal to succeed, got %v", err)
		}
		if len(eng.removed) != 1 {
			t.Error("expected forced removal")
		}
	})

	t.Run("remove failure", func(t *testing.T) {
		eng := &fakeEngine{removeErr: errors.New("daemon unreachable")}
		err := newRuntime(eng, nil).Stop(context.Background(), "c1")
		if !engine.IsOperation(err) {
			t.Errorf("expected operation error, got %v", err)
		}
	})
}

func muxed(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout)); err != nil {
		t.Fatal(err)
	}
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLogs(t *testing.T) {
	eng := &fakeEngine{logsStream: muxed(t, "2024-01-01T00:00:00Z listening\n", "2024-01-01T00:00:01Z warn\n")}
	rt := newRuntime(eng, nil)

	out, err := rt.Logs(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "2024-01-01T00:00:00Z listening\n2024-01-01T00:00:01Z warn\n" {
		t.Errorf("unexpected logs %q", out)
	}
	if eng.logsOpts.Tail != "100" || !eng.logsOpts.Timestamps || !eng.logsOpts.ShowStdout || !eng.logsOpts.ShowStderr {
		t.Errorf("unexpected log options %+v", eng.logsOpts)
	}

	if _, err := rt.Logs(context.Background(), "c1", 25); err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if eng.logsOpts.Tail != "25" {
		t.Errorf("expected tail 25, got %s", eng.logsOpts.Tail)
	}
}

func TestLogsBounded(t *testing.T) {
	eng := &fakeEngine{logsStream: muxed(t, strings.Repeat("x", 64), "")}
	rt := New(eng, nil, Config{MaxLogBytes: 16}, zerolog.Nop())

	out, err := rt.Logs(context.Background(), "c1", 10)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "...(truncated)\n"+strings.Repeat("x", 16) {
		t.Errorf("unexpected bounded output %q", out)
	}
}

func TestLogsBoundedKeepsNewestLines(t *testing.T) {
	stream := strings.Repeat("old line\n", 20) + "newest-1\nnewest-2\n"
	eng := &fakeEngine{logsStream: muxed(t, stream, "")}
	rt := New(eng, nil, Config{MaxLogBytes: 24}, zerolog.Nop())

	out, err := rt.Logs(context.Background(), "c1", 100)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.HasSuffix(out, "newest-1\nnewest-2\n") {
		t.Errorf("expected the newest lines to survive, got %q", out)
	}
	if !strings.HasPrefix(out, "...(truncated)\n") {
		t.Errorf("expected a truncation marker, got %q", out)
	}
	body := strings.TrimPrefix(out, "...(truncated)\n")
	if len(body) > 24 || strings.HasPrefix(body, "ld") || strings.HasPrefix(body, "ine") {
		t.Errorf("expected whole lines within the limit, got %q", body)
	}
}

func TestLogsErrors(t *testing.T) {
	eng := &fakeEngine{logsErr: errdefs.NotFound(errors.New("no such container"))}
	if _, err := newRuntime(eng, nil).Logs(context.Background(), "c1", 0); !engine.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	eng = &fakeEngine{logsErr: errors.New("connection reset")}
	if _, err := newRuntime(eng, nil).Logs(context.Background(), "c1", 0); !engine.IsOperation(err) {
		t.Errorf("expected operation error, got %v", err)
	}
}

func TestPingAndClose(t *testing.T) {
	eng := &fakeEngine{}
	rt := newRuntime(eng, nil)
	if err := rt.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := rt.Close(); err != nil || !eng.closed {
		t.Errorf("expected engine to be closed")
	}
}

func TestNewTunnelEngineValidation(t *testing.T) {
	if _, err := NewTunnelEngine(nil, "/var/run/docker.sock"); err == nil {
		t.Error("expected error without dialer")
	}
}
