package engine

import (
	"context"
	"time"
)

// ResourceStore persists resources. Status fields are changed only through
// TransitionResource.
type ResourceStore interface {
	// CreateResource inserts a new resource. A duplicate name within the
	// project returns an error wrapping ErrDuplicate.
	CreateResource(ctx context.Context, res *Resource) error

	// GetResource returns an error wrapping ErrNotFound when id is unknown.
	GetResource(ctx context.Context, id string) (*Resource, error)

	// ListResources returns the resources of a project ordered by name.
	ListResources(ctx context.Context, projectID string) ([]*Resource, error)

	// TransitionResource applies t only if the stored status is one of from,
	// and returns the updated row. It returns ErrStaleTransition when the
	// status no longer matches.
	TransitionResource(ctx context.Context, id string, from []ResourceStatus, t Transition) (*Resource, error)

	// DeleteResource removes a resource if its status is one of from.
	DeleteResource(ctx context.Context, id string, from []ResourceStatus) error

	// ListStaleResources returns resources in status whose status has not
	// changed since before.
	ListStaleResources(ctx context.Context, status ResourceStatus, before time.Time) ([]*Resource, error)

	// CountResourcesByServer returns how many resources reference a server.
	CountResourcesByServer(ctx context.Context, serverID string) (int, error)

	// CountResourcesByStatus returns a histogram over all resources.
	CountResourcesByStatus(ctx context.Context) (map[ResourceStatus]int, error)
}

// Transition is the full set of lifecycle fields written together.
type Transition struct {
	Status      ResourceStatus
	Error       *string
	ContainerID *string
}

// ServerStore persists the server catalog.
type ServerStore interface {
	CreateServer(ctx context.Context, srv *Server) error
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	UpdateServer(ctx context.Context, srv *Server) error
	UpdateServerStatus(ctx context.Context, id string, status ServerStatus) error
	DeleteServer(ctx context.Context, id string) error

	// UpsertLocalServer inserts srv as the local server unless one exists,
	// and returns the stored local server either way.
	UpsertLocalServer(ctx context.Context, srv *Server) (*Server, error)
}

// ProjectStore persists projects and environments.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, ownerID string) ([]*Project, error)

	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context, projectID string) ([]*Environment, error)

	// SetEnvironmentVariable inserts or replaces the variable with v.Key.
	SetEnvironmentVariable(ctx context.Context, environmentID string, v EnvVar) error
}

// AuditLog is the append-only lifecycle history.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, targetID string, limit int) ([]*AuditEntry, error)
}

// Runtime realizes resources on one server's container engine. It returns
// values and errors only; status transitions are decided by the caller.
type Runtime interface {
	// Deploy creates and starts the container for req and returns its id.
	Deploy(ctx context.Context, req DeployRequest) (string, error)

	// Stop stops and removes a container. A container that no longer exists
	// is not an error.
	Stop(ctx context.Context, containerID string) error

	// Logs returns combined, timestamped stdout and stderr.
	Logs(ctx context.Context, containerID string, tail int) (string, error)
}

// DeployRequest carries everything a runtime needs to deploy one resource.
type DeployRequest struct {
	Resource *Resource
	Server   *Server

	// Env is the merged environment and resource variable set.
	Env []EnvVar
}

// RuntimeProvider resolves the runtime for a server and kind.
type RuntimeProvider interface {
	RuntimeFor(ctx context.Context, srv *Server, kind ResourceKind) (Runtime, error)
}

// Checker proves a remote server is reachable with its stored credentials.
type Checker interface {
	Check(ctx context.Context, srv *Server) error
}

// Admission decides whether a resource may be deployed to a server.
// It returns the denial messages, empty when admitted.
type Admission interface {
	Admit(ctx context.Context, res *Resource, srv *Server) ([]string, error)
}

// Recorder receives lifecycle measurements.
type Recorder interface {
	RecordOperation(op string, kind ResourceKind, result string, d time.Duration)
	RecordCheck(result string)
	RecordReclaimed(n int)
	SetResourcesByStatus(counts map[ResourceStatus]int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, ResourceKind, string, time.Duration) {}
func (nopRecorder) RecordCheck(string)                                          {}
func (nopRecorder) RecordReclaimed(int)                                         {}
func (nopRecorder) SetResourcesByStatus(map[ResourceStatus]int)                 {}
