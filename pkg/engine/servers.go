package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LocalServerName is the name of the auto-provisioned local server.
const LocalServerName = "local"

// DefaultCheckTimeout bounds a single connectivity check.
const DefaultCheckTimeout = 15 * time.Second

// ServerSpec is the caller-supplied definition of a remote server.
type ServerSpec struct {
	Name           string         `json:"name"`
	Host           string         `json:"host"`
	Port           int            `json:"port"`
	Username       string         `json:"username"`
	AuthMethod     AuthMethod     `json:"auth_method"`
	PrivateKeyPath string         `json:"private_key_path"`
	PrivateKey     string         `json:"private_key"`
	Password       string         `json:"password"`
	IsBuildServer  bool           `json:"is_build_server"`
	IsSwarmManager bool           `json:"is_swarm_manager"`
	IsSwarmWorker  bool           `json:"is_swarm_worker"`
	SupportedKinds []ResourceKind `json:"supported_kinds"`
}

// ServerUpdate lists the fields to change; nil fields are kept.
type ServerUpdate struct {
	Name           *string         `json:"name"`
	Type           *ServerType     `json:"type"`
	Host           *string         `json:"host"`
	Port           *int            `json:"port"`
	Username       *string         `json:"username"`
	AuthMethod     *AuthMethod     `json:"auth_method"`
	PrivateKeyPath *string         `json:"private_key_path"`
	PrivateKey     *string         `json:"private_key"`
	Password       *string         `json:"password"`
	IsBuildServer  *bool           `json:"is_build_server"`
	IsSwarmManager *bool           `json:"is_swarm_manager"`
	IsSwarmWorker  *bool           `json:"is_swarm_worker"`
	SupportedKinds *[]ResourceKind `json:"supported_kinds"`
}

// ConnectionCheck is the outcome of an on-demand reachability check.
type ConnectionCheck struct {
	Online bool   `json:"online"`
	Error  string `json:"error,omitempty"`
}

// ServerRegistry manages the catalog of deployment targets.
type ServerRegistry struct {
	store        ServerStore
	resources    ResourceStore
	audit        AuditLog
	checker      Checker
	recorder     Recorder
	checkTimeout time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// RegistryOption configures a ServerRegistry.
type RegistryOption func(*ServerRegistry)

// WithCheckTimeout overrides DefaultCheckTimeout.
func WithCheckTimeout(d time.Duration) RegistryOption {
	return func(r *ServerRegistry) {
		if d > 0 {
			r.checkTimeout = d
		}
	}
}

// WithRegistryRecorder sets the measurement sink.
func WithRegistryRecorder(rec Recorder) RegistryOption {
	return func(r *ServerRegistry) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithRegistryAudit sets the audit log.
func WithRegistryAudit(audit AuditLog) RegistryOption {
	return func(r *ServerRegistry) {
		r.audit = audit
	}
}

// NewServerRegistry creates a new server registry.
func NewServerRegistry(store ServerStore, resources ResourceStore, checker Checker, logger zerolog.Logger, opts ...RegistryOption) *ServerRegistry {
	r := &ServerRegistry{
		store:        store,
		resources:    resources,
		checker:      checker,
		recorder:     nopRecorder{},
		checkTimeout: DefaultCheckTimeout,
		logger:       logger.With().Str("component", "server-registry").Logger(),
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureLocal provisions the local server if it does not exist and returns it.
// Calling it repeatedly is safe.
func (r *ServerRegistry) EnsureLocal(ctx context.Context) (*Server, error) {
	now := time.Now().UTC()
	srv, err := r.store.UpsertLocalServer(ctx, &Server{
		ID:        uuid.New().String(),
		Name:      LocalServerName,
		Type:      ServerLocal,
		Status:    ServerOnline,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure local server: %w", err)
	}
	return srv, nil
}

// Get returns a server by id.
func (r *ServerRegistry) Get(ctx context.Context, id string) (*Server, error) {
	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("server %s not found", id), nil)
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return srv, nil
}

// List returns every registered server.
func (r *ServerRegistry) List(ctx context.Context) ([]*Server, error) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

// Create registers a remote server. The server is persisted only after a
// successful connectivity check.
func (r *ServerRegistry) Create(ctx context.Context, spec ServerSpec) (*Server, error) {
	now := time.Now().UTC()
	srv := &Server{
		ID:             uuid.New().String(),
		Name:           strings.TrimSpace(spec.Name),
		Type:           ServerRemote,
		Host:           strings.TrimSpace(spec.Host),
		Port:           spec.Port,
		Username:       strings.TrimSpace(spec.Username),
		AuthMethod:     spec.AuthMethod,
		PrivateKeyPath: spec.PrivateKeyPath,
		PrivateKey:     spec.PrivateKey,
		Password:       spec.Password,
		IsBuildServer:  spec.IsBuildServer,
		IsSwarmManager: spec.IsSwarmManager,
		IsSwarmWorker:  spec.IsSwarmWorker,
		SupportedKinds: spec.SupportedKinds,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validateServer(srv); err != nil {
		return nil, err
	}
	if err := r.checkDuplicates(ctx, srv); err != nil {
		return nil, err
	}

	if err := r.verifyConnection(ctx, srv); err != nil {
		return nil, NewConnectionError(fmt.Sprintf("server %s is unreachable", srv.Address()), err).
			WithOperation("create")
	}
	srv.Status = ServerOnline

	if err := r.store.CreateServer(ctx, srv); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, NewConflictError(fmt.Sprintf("server %q already exists", srv.Name), nil).WithCode(ErrCodeAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	r.record(ctx, AuditServerCreated, srv.ID, srv.Address())
	r.logger.Info().Str("server_id", srv.ID).Str("address", srv.Address()).Msg("Server registered")
	return srv, nil
}

// Update applies upd to a server. Changes to connection fields of a remote
// server are checked with the merged configuration before they are committed.
func (r *ServerRegistry) Update(ctx context.Context, id string, upd ServerUpdate) (*Server, error) {
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if upd.Type != nil && *upd.Type != current.Type {
		return nil, NewForbiddenError("server type cannot be changed", nil).WithResource(id).WithOperation("update")
	}

	merged := *current
	if upd.Name != nil {
		merged.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.IsBuildServer != nil {
		merged.IsBuildServer = *upd.IsBuildServer
	}
	if upd.IsSwarmManager != nil {
		merged.IsSwarmManager = *upd.IsSwarmManager
	}
	if upd.IsSwarmWorker != nil {
		merged.IsSwarmWorker = *upd.IsSwarmWorker
	}
	if upd.SupportedKinds != nil {
		merged.SupportedKinds = *upd.SupportedKinds
	}
	// Connection fields of the local server are ignored.
	if !current.IsLocal() {
		applyConnection(&merged, upd)
	}

	if err := validateServer(&merged); err != nil {
		return nil, err
	}
	if err := r.checkDuplicates(ctx, &merged); err != nil {
		return nil, err
	}

	if !merged.IsLocal() && connectionChanged(current, &merged) {
		if err := r.verifyConnection(ctx, &merged); err != nil {
			return nil, NewConnectionError(fmt.Sprintf("server %s is unreachable with the new settings", merged.Address()), err).
				WithResource(id).WithOperation("update")
		}
		merged.Status = ServerOnline
	}

	merged.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateServer(ctx, &merged); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, NewConflictError(fmt.Sprintf("server %q already exists", merged.Name), nil).WithCode(ErrCodeAlreadyExists)
		}
		return nil, fmt.Errorf("failed to update server: %w", err)
	}

	r.record(ctx, AuditServerUpdated, id, merged.Address())
	return &merged, nil
}

func applyConnection(s *Server, upd ServerUpdate) {
	if upd.Host != nil {
		s.Host = strings.TrimSpace(*upd.Host)
	}
	if upd.Port != nil {
		s.Port = *upd.Port
	}
	if upd.Username != nil {
		s.Username = strings.TrimSpace(*upd.Username)
	}
	if upd.AuthMethod != nil {
		s.AuthMethod = *upd.AuthMethod
	}
	if upd.PrivateKeyPath != nil {
		s.PrivateKeyPath = *upd.PrivateKeyPath
	}
	if upd.PrivateKey != nil {
		s.PrivateKey = *upd.PrivateKey
	}
	if upd.Password != nil {
		s.Password = *upd.Password
	}
}

func connectionChanged(a, b *Server) bool {
	return a.Host != b.Host ||
		a.Port != b.Port ||
		a.Username != b.Username ||
		a.AuthMethod != b.AuthMethod ||
		a.PrivateKeyPath != b.PrivateKeyPath ||
		a.PrivateKey != b.PrivateKey ||
		a.Password != b.Password
}

// Delete removes a remote server that no resource references.
func (r *ServerRegistry) Delete(ctx context.Context, id string) error {
	srv, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if srv.IsLocal() {
		return NewForbiddenError("the local server cannot be deleted", nil).WithResource(id).WithOperation("delete")
	}

	n, err := r.resources.CountResourcesByServer(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to count server references: %w", err)
	}
	if n > 0 {
		return NewConflictError(fmt.Sprintf("server %s is used by %d resource(s)", srv.Name, n), nil).
			WithCode(ErrCodeInUse).WithResource(id).WithOperation("delete")
	}

	if err := r.store.DeleteServer(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewNotFoundError(fmt.Sprintf("server %s not found", id), nil)
		}
		return fmt.Errorf("failed to delete server: %w", err)
	}

	r.record(ctx, AuditServerDeleted, id, srv.Name)
	r.logger.Info().Str("server_id", id).Msg("Server deleted")
	return nil
}

// TestConnection reports whether srv is reachable. It never returns an error;
// the caller decides whether a failure matters.
func (r *ServerRegistry) TestConnection(ctx context.Context, srv *Server) bool {
	return r.verifyConnection(ctx, srv) == nil
}

// CheckConnection checks a stored server without changing its stored status.
func (r *ServerRegistry) CheckConnection(ctx context.Context, id string) (*ConnectionCheck, error) {
	srv, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.verifyConnection(ctx, srv); err != nil {
		return &ConnectionCheck{Online: false, Error: err.Error()}, nil
	}
	return &ConnectionCheck{Online: true}, nil
}

// RefreshStatus checks a server and persists the result.
func (r *ServerRegistry) RefreshStatus(ctx context.Context, id string) (*Server, *ConnectionCheck, error) {
	check, err := r.CheckConnection(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	status := ServerOffline
	if check.Online {
		status = ServerOnline
	}
	if err := r.store.UpdateServerStatus(ctx, id, status); err != nil {
		return nil, nil, fmt.Errorf("failed to update server status: %w", err)
	}
	srv, err := r.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return srv, check, nil
}

// verifyConnection is trivially successful for the local server.
func (r *ServerRegistry) verifyConnection(ctx context.Context, srv *Server) (err error) {
	if srv.IsLocal() {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "server.check", trace.WithAttributes(
		attribute.String("server.id", srv.ID),
		attribute.String("server.address", srv.Address()),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("connection check panicked: %v", p)
		}
		result := "success"
		if err != nil {
			result = "failure"
		}
		r.recorder.RecordCheck(result)
	}()

	if r.checker == nil {
		return errors.New("no remote connection checker configured")
	}
	checkCtx, cancel := context.WithTimeout(ctx, r.checkTimeout)
	defer cancel()
	if err := r.checker.Check(checkCtx, srv); err != nil {
		r.logger.Debug().Err(err).Str("address", srv.Address()).Msg("Connection check failed")
		return err
	}
	return nil
}

func (r *ServerRegistry) checkDuplicates(ctx context.Context, srv *Server) error {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	for _, other := range servers {
		if other.ID == srv.ID {
			continue
		}
		if strings.EqualFold(other.Name, srv.Name) {
			return NewConflictError(fmt.Sprintf("a server named %q already exists", srv.Name), nil).WithCode(ErrCodeAlreadyExists)
		}
		if !srv.IsLocal() && !other.IsLocal() && strings.EqualFold(other.Host, srv.Host) {
			return NewConflictError(fmt.Sprintf("a server with host %q already exists", srv.Host), nil).WithCode(ErrCodeAlreadyExists)
		}
	}
	return nil
}

func (r *ServerRegistry) record(ctx context.Context, action, targetID, details string) {
	if r.audit == nil {
		return
	}
	entry := &AuditEntry{Action: action, Actor: "system", TargetID: targetID, Details: details, Timestamp: time.Now().UTC()}
	if err := r.audit.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}

func validateServer(s *Server) error {
	if s.Name == "" {
		return NewInvalidConfigError("server name is required", nil)
	}
	for _, k := range s.SupportedKinds {
		if _, ok := lookupKind(k); !ok {
			return NewInvalidConfigError(fmt.Sprintf("unknown resource kind %q", k), nil)
		}
	}
	if s.IsLocal() {
		return nil
	}
	if s.Host == "" {
		return NewInvalidConfigError("server host is required", nil)
	}
	if s.Port == 0 {
		s.Port = 22
	}
	if s.Port < 1 || s.Port > 65535 {
		return NewInvalidConfigError(fmt.Sprintf("invalid port %d", s.Port), nil)
	}
	if s.Username == "" {
		return NewInvalidConfigError("server username is required", nil)
	}
	switch s.AuthMethod {
	case "":
		if s.PrivateKey != "" || s.PrivateKeyPath != "" {
			s.AuthMethod = AuthKey
		} else if s.Password != "" {
			s.AuthMethod = AuthPassword
		} else {
			return NewInvalidConfigError("a private key or password is required", nil)
		}
	case AuthKey:
		if s.PrivateKey == "" && s.PrivateKeyPath == "" {
			return NewInvalidConfigError("key authentication requires private_key or private_key_path", nil)
		}
	case AuthPassword:
		if s.Password == "" {
			return NewInvalidConfigError("password authentication requires a password", nil)
		}
	default:
		return NewInvalidConfigError(fmt.Sprintf("unknown auth method %q", s.AuthMethod), nil)
	}
	return nil
}
