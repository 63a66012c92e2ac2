package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory implementation of every store interface.
type memStore struct {
	mu        sync.Mutex
	resources map[string]*Resource
	servers   map[string]*Server
	projects  map[string]*Project
	envs      map[string]*Environment
	audit     []*AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		resources: make(map[string]*Resource),
		servers:   make(map[string]*Server),
		projects:  make(map[string]*Project),
		envs:      make(map[string]*Environment),
	}
}

func cloneResource(r *Resource) *Resource {
	c := *r
	c.Variables = append([]EnvVar(nil), r.Variables...)
	return &c
}

func (m *memStore) CreateResource(_ context.Context, res *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		if r.ProjectID == res.ProjectID && r.Name == res.Name {
			return fmt.Errorf("resource %s: %w", res.Name, ErrDuplicate)
		}
	}
	m.resources[res.ID] = cloneResource(res)
	return nil
}

func (m *memStore) GetResource(_ context.Context, id string) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return cloneResource(r), nil
}

func (m *memStore) ListResources(_ context.Context, projectID string) ([]*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Resource
	for _, r := range m.resources {
		if r.ProjectID == projectID {
			out = append(out, cloneResource(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) TransitionResource(_ context.Context, id string, from []ResourceStatus, t Transition) (*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if !statusIn(r.Status, from) {
		return nil, ErrStaleTransition
	}
	r.Status = t.Status
	r.Error = t.Error
	r.ContainerID = t.ContainerID
	r.Version++
	r.StatusChangedAt = time.Now().UTC()
	r.UpdatedAt = r.StatusChangedAt
	return cloneResource(r), nil
}

func (m *memStore) DeleteResource(_ context.Context, id string, from []ResourceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	if !statusIn(r.Status, from) {
		return ErrStaleTransition
	}
	delete(m.resources, id)
	return nil
}

func (m *memStore) ListStaleResources(_ context.Context, status ResourceStatus, before time.Time) ([]*Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Resource
	for _, r := range m.resources {
		if r.Status == status && r.StatusChangedAt.Before(before) {
			out = append(out, cloneResource(r))
		}
	}
	return out, nil
}

func (m *memStore) CountResourcesByServer(_ context.Context, serverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.resources {
		if r.ServerID == serverID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountResourcesByStatus(_ context.Context) (map[ResourceStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[ResourceStatus]int)
	for _, r := range m.resources {
		counts[r.Status]++
	}
	return counts, nil
}

// setStatus forces a stored resource into a state for test setup.
func (m *memStore) setStatus(id string, status ResourceStatus, containerID *string, changedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resources[id]
	r.Status = status
	r.ContainerID = containerID
	r.StatusChangedAt = changedAt
}

func statusIn(s ResourceStatus, set []ResourceStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (m *memStore) CreateServer(_ context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.Name == srv.Name {
			return ErrDuplicate
		}
	}
	c := *srv
	m.servers[srv.ID] = &c
	return nil
}

func (m *memStore) GetServer(_ context.Context, id string) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *memStore) ListServers(_ context.Context) ([]*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Server
	for _, s := range m.servers {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) UpdateServer(_ context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[srv.ID]; !ok {
		return ErrNotFound
	}
	c := *srv
	m.servers[srv.ID] = &c
	return nil
}

func (m *memStore) UpdateServerStatus(_ context.Context, id string, status ServerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	return nil
}

func (m *memStore) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)
	return nil
}

func (m *memStore) UpsertLocalServer(_ context.Context, srv *Server) (*Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		if s.Type == ServerLocal {
			c := *s
			return &c, nil
		}
	}
	c := *srv
	m.servers[srv.ID] = &c
	out := c
	return &out, nil
}

func (m *memStore) CreateProject(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.projects[p.ID] = &c
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (m *memStore) ListProjects(_ context.Context, ownerID string) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Project
	for _, p := range m.projects {
		if p.OwnerID == ownerID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) CreateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *env
	m.envs[env.ID] = &c
	return nil
}

func (m *memStore) GetEnvironment(_ context.Context, id string) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[id]
	if !ok {
		return nil, fmt.Errorf("environment %s: %w", id, ErrNotFound)
	}
	c := *e
	c.Variables = append([]EnvVar(nil), e.Variables...)
	return &c, nil
}

func (m *memStore) ListEnvironments(_ context.Context, projectID string) ([]*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Environment
	for _, e := range m.envs {
		if e.ProjectID == projectID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) SetEnvironmentVariable(_ context.Context, environmentID string, v EnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[environmentID]
	if !ok {
		return ErrNotFound
	}
	e.Variables = MergeVariables(e.Variables, []EnvVar{v})
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	c.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, &c)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, targetID string, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.audit {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) auditActions(targetID string) []string {
	entries, _ := m.ListAudit(context.Background(), targetID, 0)
	var out []string
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// fakeRuntime records calls and returns scripted results.
type fakeRuntime struct {
	mu        sync.Mutex
	deploys   []DeployRequest
	stops     []string
	next      int
	deployErr error
	stopErr   error
	logs      string
	logsErr   error
	lastTail  int

	// block, when set, holds Deploy until it is closed.
	block chan struct{}
	// started is signaled when Deploy begins.
	started chan struct{}
}

func (f *fakeRuntime) Deploy(ctx context.Context, req DeployRequest) (string, error) {
	f.mu.Lock()
	f.deploys = append(f.deploys, req)
	f.next++
	id := fmt.Sprintf("c%d", f.next)
	err := f.deployErr
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeRuntime) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, containerID)
	return f.stopErr
}

func (f *fakeRuntime) Logs(_ context.Context, _ string, tail int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTail = tail
	return f.logs, f.logsErr
}

func (f *fakeRuntime) deployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deploys)
}

func (f *fakeRuntime) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

type fakeProvider struct {
	rt  Runtime
	err error
}

func (p *fakeProvider) RuntimeFor(context.Context, *Server, ResourceKind) (Runtime, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.rt, nil
}

type fakeChecker struct {
	mu    sync.Mutex
	err   error
	calls []Server
}

func (p *fakeChecker) Check(_ context.Context, srv *Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, *srv)
	return p.err
}

type fakeAdmission struct {
	denials []string
}

func (a *fakeAdmission) Admit(context.Context, *Resource, *Server) ([]string, error) {
	return a.denials, nil
}

var errEngineDown = errors.New("engine unavailable")

// fixture is a wired orchestrator over in-memory collaborators.
type fixture struct {
	store   *memStore
	runtime *fakeRuntime
	orch    *Orchestrator
	local   *Server
	project *Project
	env     *Environment
}

const (
	owner    = "alice"
	stranger = "mallory"
)

func newFixture() *fixture {
	store := newMemStore()
	rt := &fakeRuntime{logs: "hello\n"}
	orch := NewOrchestrator(Dependencies{
		Resources: store,
		Projects:  store,
		Servers:   store,
		Audit:     store,
		Runtimes:  &fakeProvider{rt: rt},
	}, LifecycleConfig{}, zerolog.Nop())

	local, _ := store.UpsertLocalServer(context.Background(), &Server{
		ID: "srv-local", Name: LocalServerName, Type: ServerLocal, Status: ServerOnline,
	})
	project := &Project{ID: "P", OwnerID: owner, Name: "shop"}
	_ = store.CreateProject(context.Background(), project)
	env := &Environment{ID: "E", ProjectID: "P", Name: "production", Variables: []EnvVar{
		{Key: "LOG_LEVEL", Value: "info"},
		{Key: "API_TOKEN", Value: "tok-secret-123", Secret: true},
	}}
	_ = store.CreateEnvironment(context.Background(), env)

	return &fixture{store: store, runtime: rt, orch: orch, local: local, project: project, env: env}
}

func (f *fixture) serviceSpec(name string) ResourceSpec {
	return ResourceSpec{
		Name:          name,
		Kind:          KindService,
		EnvironmentID: f.env.ID,
		ServerID:      f.local.ID,
		Config:        []byte(`{"port": 3000}`),
	}
}
