package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SecretMask replaces secret values in any output meant for humans.
const SecretMask = "********"

// AuthMethod selects how the gateway authenticates to a remote server.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
)

// Server is a registered deployment target.
type Server struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Type ServerType `json:"type"`

	// Connection endpoint. Ignored for the local server.
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username,omitempty"`
	AuthMethod     AuthMethod `json:"auth_method,omitempty"`
	PrivateKeyPath string     `json:"private_key_path,omitempty"`
	PrivateKey     string     `json:"-"`
	Password       string     `json:"-"`

	// Role flags are advisory; nothing schedules on them.
	IsBuildServer  bool `json:"is_build_server"`
	IsSwarmManager bool `json:"is_swarm_manager"`
	IsSwarmWorker  bool `json:"is_swarm_worker"`

	Status ServerStatus `json:"status"`

	// SupportedKinds restricts which resource kinds may target this server.
	// An empty list accepts every kind.
	SupportedKinds []ResourceKind `json:"supported_kinds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLocal returns true for the installation-local server.
func (s *Server) IsLocal() bool {
	return s.Type == ServerLocal
}

// Supports reports whether resources of kind may target this server.
func (s *Server) Supports(kind ResourceKind) bool {
	if len(s.SupportedKinds) == 0 {
		return true
	}
	for _, k := range s.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Address returns host:port for remote servers.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Project groups environments and resources under one owner.
type Project struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Environment is a named grouping of resources and variables within a project.
type Environment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Variables []EnvVar  `json:"variables"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnvVar is a key/value pair delivered to a container.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// MarshalJSON masks secret values.
func (v EnvVar) MarshalJSON() ([]byte, error) {
	type plain EnvVar
	out := plain(v)
	if v.Secret {
		out.Value = SecretMask
	}
	return json.Marshal(out)
}

// MergeVariables overlays overrides on base; later keys win and order follows first appearance.
func MergeVariables(base, overrides []EnvVar) []EnvVar {
	index := make(map[string]int, len(base)+len(overrides))
	merged := make([]EnvVar, 0, len(base)+len(overrides))
	for _, set := range [][]EnvVar{base, overrides} {
		for _, v := range set {
			if i, ok := index[v.Key]; ok {
				merged[i] = v
				continue
			}
			index[v.Key] = len(merged)
			merged = append(merged, v)
		}
	}
	return merged
}

// Resource is the orchestrated unit with one lifecycle state machine.
type Resource struct {
	ID            string `json:"id"`
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
	ServerID      string `json:"server_id"`
	Name          string `json:"name"`

	Kind   ResourceKind `json:"kind"`
	Config KindConfig   `json:"-"`

	// Variables override environment variables with the same key.
	Variables []EnvVar `json:"variables"`

	Status      ResourceStatus `json:"status"`
	Error       *string        `json:"error,omitempty"`
	ContainerID *string        `json:"container_id"`

	// Version increments on every status transition.
	Version         int64     `json:"version"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HasContainer returns true while a deployment exists.
func (r *Resource) HasContainer() bool {
	return r.ContainerID != nil && *r.ContainerID != ""
}

// SecretValues returns the values of every secret variable on the resource
// and its database password, if any.
func (r *Resource) SecretValues() []string {
	var out []string
	for _, v := range r.Variables {
		if v.Secret && v.Value != "" {
			out = append(out, v.Value)
		}
	}
	if db, ok := r.Config.(DatabaseConfig); ok && db.Password != "" {
		out = append(out, db.Password)
	}
	return out
}

// MarshalJSON emits the kind configuration inline under "config" with
// credentials masked.
func (r Resource) MarshalJSON() ([]byte, error) {
	type alias Resource
	cfg, err := MarshalKindConfig(maskConfig(r.Config))
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		*alias
		Config json.RawMessage `json:"config"`
	}{alias: (*alias)(&r), Config: cfg})
}

func maskConfig(cfg KindConfig) KindConfig {
	if db, ok := cfg.(DatabaseConfig); ok && db.Password != "" {
		db.Password = SecretMask
		return db
	}
	return cfg
}

// ResourceSpec is the caller-supplied definition of a new resource.
type ResourceSpec struct {
	Name          string          `json:"name"`
	Kind          ResourceKind    `json:"kind"`
	EnvironmentID string          `json:"environment_id"`
	ServerID      string          `json:"server_id"`
	Config        json.RawMessage `json:"config"`
	Variables     []EnvVar        `json:"variables"`
}

// Normalize trims whitespace from identifying fields.
func (s *ResourceSpec) Normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Kind = ResourceKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	s.EnvironmentID = strings.TrimSpace(s.EnvironmentID)
	s.ServerID = strings.TrimSpace(s.ServerID)
	for i := range s.Variables {
		s.Variables[i].Key = strings.TrimSpace(s.Variables[i].Key)
	}
}

// AuditEntry is an append-only record of a lifecycle action.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  string    `json:"target_id"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Audit actions recorded by the orchestrator and registry.
const (
	AuditResourceCreated      = "resource.created"
	AuditResourceDeployed     = "resource.deployed"
	AuditResourceDeployFailed = "resource.deploy_failed"
	AuditResourceStopped      = "resource.stopped"
	AuditResourceStopFailed   = "resource.stop_failed"
	AuditResourceRemoved      = "resource.removed"
	AuditResourceReclaimed    = "resource.reclaimed"
	AuditServerCreated        = "server.created"
	AuditServerUpdated        = "server.updated"
	AuditServerDeleted        = "server.deleted"
)
