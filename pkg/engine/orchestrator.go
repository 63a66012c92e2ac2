package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/dockyard/pkg/engine"

// statusWriteTimeout bounds the final status write after a remote call returns.
const statusWriteTimeout = 10 * time.Second

// LifecycleConfig holds the timeouts and limits of lifecycle operations.
type LifecycleConfig struct {
	DeployTimeout  time.Duration
	StopTimeout    time.Duration
	LogsTimeout    time.Duration
	DeployDeadline time.Duration
	MaxErrorLength int
	DefaultLogTail int
	MaxLogTail     int
}

// DefaultLifecycleConfig returns the default lifecycle limits.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		DeployTimeout:  10 * time.Minute,
		StopTimeout:    time.Minute,
		LogsTimeout:    30 * time.Second,
		DeployDeadline: 15 * time.Minute,
		MaxErrorLength: DefaultMaxErrorLength,
		DefaultLogTail: 100,
		MaxLogTail:     5000,
	}
}

func (c LifecycleConfig) withDefaults() LifecycleConfig {
	def := DefaultLifecycleConfig()
	if c.DeployTimeout <= 0 {
		c.DeployTimeout = def.DeployTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.LogsTimeout <= 0 {
		c.LogsTimeout = def.LogsTimeout
	}
	if c.DeployDeadline <= 0 {
		c.DeployDeadline = def.DeployDeadline
	}
	if c.MaxErrorLength <= 0 {
		c.MaxErrorLength = def.MaxErrorLength
	}
	if c.DefaultLogTail <= 0 {
		c.DefaultLogTail = def.DefaultLogTail
	}
	if c.MaxLogTail <= 0 {
		c.MaxLogTail = def.MaxLogTail
	}
	return c
}

// Dependencies are the collaborators of the Orchestrator. Admission and
// Recorder are optional.
type Dependencies struct {
	Resources ResourceStore
	Projects  ProjectStore
	Servers   ServerStore
	Audit     AuditLog
	Runtimes  RuntimeProvider
	Admission Admission
	Recorder  Recorder
}

// Orchestrator drives resources through their lifecycle. It is the only
// writer of resource status, error and container id.
type Orchestrator struct {
	resources ResourceStore
	projects  ProjectStore
	servers   ServerStore
	audit     AuditLog
	runtimes  RuntimeProvider
	admission Admission
	recorder  Recorder

	cfg    LifecycleConfig
	locks  resourceLocks
	async  sync.WaitGroup
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, cfg LifecycleConfig, logger zerolog.Logger) *Orchestrator {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Orchestrator{
		resources: deps.Resources,
		projects:  deps.Projects,
		servers:   deps.Servers,
		audit:     deps.Audit,
		runtimes:  deps.Runtimes,
		admission: deps.Admission,
		recorder:  recorder,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
}

// Wait blocks until every deployment started by DeployAsync has finished.
func (o *Orchestrator) Wait() {
	o.async.Wait()
}

// Create validates spec and persists a new resource in CREATED status.
func (o *Orchestrator) Create(ctx context.Context, user, projectID string, spec ResourceSpec) (*Resource, error) {
	spec.Normalize()
	if _, err := o.authorize(ctx, user, projectID); err != nil {
		return nil, err
	}

	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	cfg, err := ParseKindConfig(spec.Kind, spec.Config)
	if err != nil {
		return nil, err
	}
	if err := validateVariables(spec.Variables); err != nil {
		return nil, err
	}

	env, err := o.projects.GetEnvironment(ctx, spec.EnvironmentID)
	if err != nil {
		return nil, o.lookupError("environment", spec.EnvironmentID, err)
	}
	if env.ProjectID != projectID {
		return nil, NewNotFoundError(fmt.Sprintf("environment %s not found in project %s", spec.EnvironmentID, projectID), nil)
	}

	srv, err := o.servers.GetServer(ctx, spec.ServerID)
	if err != nil {
		return nil, o.lookupError("server", spec.ServerID, err)
	}
	if !srv.Supports(spec.Kind) {
		return nil, NewInvalidConfigError(fmt.Sprintf("server %s does not support %s resources", srv.Name, spec.Kind), nil)
	}

	now := o.now().UTC()
	res := &Resource{
		ID:              uuid.New().String(),
		ProjectID:       projectID,
		EnvironmentID:   env.ID,
		ServerID:        srv.ID,
		Name:            spec.Name,
		Kind:            spec.Kind,
		Config:          cfg,
		Variables:       spec.Variables,
		Status:          StatusCreated,
		Version:         1,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if res.Variables == nil {
		res.Variables = []EnvVar{}
	}

	if err := o.resources.CreateResource(ctx, res); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return nil, NewConflictError(fmt.Sprintf("resource %q already exists in project", spec.Name), nil).
				WithCode(ErrCodeAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	o.record(ctx, AuditResourceCreated, user, res.ID, string(res.Kind))
	o.logger.Info().
		Str("resource_id", res.ID).
		Str("kind", string(res.Kind)).
		Str("server_id", res.ServerID).
		Msg("Resource created")
	return res, nil
}

// Get returns one resource of an owned project.
func (o *Orchestrator) Get(ctx context.Context, user, projectID, id string) (*Resource, error) {
	if _, err := o.authorize(ctx, user, projectID); err != nil {
		return nil, err
	}
	res, err := o.load(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	return o.reclaimIfStuck(ctx, res), nil
}

// List returns the resources of an owned project.
func (o *Orchestrator) List(ctx context.Context, user, projectID string) ([]*Resource, error) {
	if _, err := o.authorize(ctx, user, projectID); err != nil {
		return nil, err
	}
	list, err := o.resources.ListResources(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	for i, res := range list {
		list[i] = o.reclaimIfStuck(ctx, res)
	}
	return list, nil
}

// StatusReport is the read-only lifecycle view of a resource.
type StatusReport struct {
	Status          ResourceStatus `json:"status"`
	Error           *string        `json:"error,omitempty"`
	ContainerID     *string        `json:"container_id,omitempty"`
	StatusChangedAt time.Time      `json:"status_changed_at"`
}

// Status returns the current lifecycle status of a resource.
func (o *Orchestrator) Status(ctx context.Context, user, projectID, id string) (*StatusReport, error) {
	res, err := o.Get(ctx, user, projectID, id)
	if err != nil {
		return nil, err
	}
	return &StatusReport{
		Status:          res.Status,
		Error:           res.Error,
		ContainerID:     res.ContainerID,
		StatusChangedAt: res.StatusChangedAt,
	}, nil
}

// deployment is a resource that has entered DEPLOYING, with everything the
// remote call needs.
type deployment struct {
	res     *Resource
	srv     *Server
	env     *Environment
	user    string
	release func()
}

// Deploy realizes a resource on its server and returns the resulting state.
// The resource is DEPLOYING before any remote call starts.
func (o *Orchestrator) Deploy(ctx context.Context, user, projectID, id string) (*Resource, error) {
	d, err := o.beginDeploy(ctx, user, projectID, id)
	if err != nil {
		return nil, err
	}
	defer d.release()
	return o.runDeploy(ctx, d)
}

// DeployAsync enters DEPLOYING synchronously, then finishes the deployment in
// the background. The returned resource is in DEPLOYING status.
func (o *Orchestrator) DeployAsync(ctx context.Context, user, projectID, id string) (*Resource, error) {
	d, err := o.beginDeploy(ctx, user, projectID, id)
	if err != nil {
		return nil, err
	}
	snapshot := *d.res
	o.async.Add(1)
	go func() {
		defer o.async.Done()
		defer d.release()
		if _, err := o.runDeploy(context.WithoutCancel(ctx), d); err != nil {
			o.logger.Debug().Err(err).Str("resource_id", d.res.ID).Msg("Background deployment finished with error")
		}
	}()
	return &snapshot, nil
}

func (o *Orchestrator) beginDeploy(ctx context.Context, user, projectID, id string) (*deployment, error) {
	res, release, err := o.acquire(ctx, user, projectID, id)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	res = o.reclaimLocked(ctx, res)
	if !res.Status.CanDeploy() {
		return nil, deployRejection(res)
	}

	srv, err := o.servers.GetServer(ctx, res.ServerID)
	if err != nil {
		return nil, o.lookupError("server", res.ServerID, err)
	}
	env, err := o.projects.GetEnvironment(ctx, res.EnvironmentID)
	if err != nil {
		return nil, o.lookupError("environment", res.EnvironmentID, err)
	}

	if o.admission != nil {
		denials, err := o.admission.Admit(ctx, res, srv)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate admission policies: %w", err)
		}
		if len(denials) > 0 {
			return nil, NewInvalidConfigError("deployment denied by policy: "+strings.Join(denials, "; "), nil).
				WithCode(ErrCodePolicyDenied).
				WithResource(res.ID).
				WithOperation("deploy")
		}
	}

	updated, err := o.resources.TransitionResource(ctx, res.ID, deployableFrom, Transition{Status: StatusDeploying})
	if err != nil {
		return nil, o.transitionError(res.ID, "deploy", err)
	}

	o.logger.Info().
		Str("resource_id", res.ID).
		Str("server_id", srv.ID).
		Str("from", string(res.Status)).
		Msg("Deployment started")

	ok = true
	return &deployment{res: updated, srv: srv, env: env, user: user, release: release}, nil
}

func deployRejection(res *Resource) error {
	var msg string
	switch res.Status {
	case StatusDeploying:
		msg = "a deployment is already in progress"
	case StatusRunning:
		msg = "resource is already running; stop it before redeploying"
	case StatusError:
		msg = "the last stop failed and a container may still exist; stop it before redeploying"
	default:
		msg = fmt.Sprintf("cannot deploy from status %s", res.Status)
	}
	return NewConflictError(msg, nil).WithResource(res.ID).WithOperation("deploy")
}

func (o *Orchestrator) runDeploy(ctx context.Context, d *deployment) (*Resource, error) {
	start := o.now()
	ctx, span := o.startSpan(ctx, "deploy", d.res)
	defer span.End()

	containerID, err := o.callDeploy(ctx, d)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err != nil {
		msg := o.sanitize(err, d.res, d.env)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = o.sanitize(fmt.Errorf("deployment timed out after %s: %w", o.cfg.DeployTimeout, err), d.res, d.env)
		}
		failed, terr := o.resources.TransitionResource(writeCtx, d.res.ID, []ResourceStatus{StatusDeploying},
			Transition{Status: StatusFailed, Error: &msg})
		if terr != nil {
			o.logger.Error().Err(terr).Str("resource_id", d.res.ID).Msg("Failed to record deployment failure")
			failed = d.res
		}
		o.record(writeCtx, AuditResourceDeployFailed, d.user, d.res.ID, msg)
		o.recorder.RecordOperation("deploy", d.res.Kind, "failure", o.now().Sub(start))
		o.logger.Warn().Str("resource_id", d.res.ID).Str("error", msg).Msg("Deployment failed")

		outErr := classify(err, KindDeployment, msg).WithResource(d.res.ID).WithOperation("deploy")
		if errors.Is(err, context.DeadlineExceeded) {
			outErr.WithCode(ErrCodeTimeout)
		}
		endSpan(span, outErr)
		return failed, outErr
	}

	running, err := o.resources.TransitionResource(writeCtx, d.res.ID, []ResourceStatus{StatusDeploying},
		Transition{Status: StatusRunning, ContainerID: &containerID})
	if err != nil {
		// The row moved on without us, so the new container is orphaned.
		o.logger.Error().Err(err).
			Str("resource_id", d.res.ID).
			Str("container_id", containerID).
			Msg("Failed to record running state; removing container")
		o.discard(writeCtx, d, containerID)
		outErr := o.transitionError(d.res.ID, "deploy", err)
		endSpan(span, outErr)
		return nil, outErr
	}

	o.record(writeCtx, AuditResourceDeployed, d.user, d.res.ID, containerID)
	o.recorder.RecordOperation("deploy", d.res.Kind, "success", o.now().Sub(start))
	o.logger.Info().
		Str("resource_id", d.res.ID).
		Str("container_id", containerID).
		Dur("duration", o.now().Sub(start)).
		Msg("Deployment succeeded")
	endSpan(span, nil)
	return running, nil
}

func (o *Orchestrator) callDeploy(ctx context.Context, d *deployment) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.DeployTimeout)
	defer cancel()

	rt, err := o.runtimes.RuntimeFor(callCtx, d.srv, d.res.Kind)
	if err != nil {
		return "", err
	}
	containerID, err := rt.Deploy(callCtx, DeployRequest{
		Resource: d.res,
		Server:   d.srv,
		Env:      MergeVariables(d.env.Variables, d.res.Variables),
	})
	if err != nil {
		return "", err
	}
	if containerID == "" {
		return "", errors.New("runtime returned an empty container id")
	}
	return containerID, nil
}

func (o *Orchestrator) discard(ctx context.Context, d *deployment, containerID string) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	defer cancel()
	rt, err := o.runtimes.RuntimeFor(callCtx, d.srv, d.res.Kind)
	if err == nil {
		err = rt.Stop(callCtx, containerID)
	}
	if err != nil {
		o.logger.Error().Err(err).Str("container_id", containerID).Msg("Failed to remove orphaned container")
	}
}

// Stop stops and removes a resource's container. Stopping a resource that is
// already STOPPED is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, user, projectID, id string) (*Resource, error) {
	res, release, err := o.acquire(ctx, user, projectID, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if !res.HasContainer() {
		if res.Status == StatusStopped {
			return res, nil
		}
		return nil, NewNotFoundError("resource has no container", nil).WithResource(res.ID).WithOperation("stop")
	}
	if !res.Status.CanStop() {
		return nil, NewConflictError(fmt.Sprintf("cannot stop from status %s", res.Status), nil).
			WithResource(res.ID).WithOperation("stop")
	}
	return o.stopLocked(ctx, user, res)
}

func (o *Orchestrator) stopLocked(ctx context.Context, user string, res *Resource) (*Resource, error) {
	start := o.now()
	ctx, span := o.startSpan(ctx, "stop", res)
	defer span.End()

	containerID := *res.ContainerID
	err := o.callStop(ctx, res, containerID)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	if err != nil {
		msg := o.sanitize(err, res, nil)
		if _, terr := o.resources.TransitionResource(writeCtx, res.ID, []ResourceStatus{StatusRunning, StatusError},
			Transition{Status: StatusError, Error: &msg, ContainerID: &containerID}); terr != nil {
			o.logger.Error().Err(terr).Str("resource_id", res.ID).Msg("Failed to record stop failure")
		}
		o.record(writeCtx, AuditResourceStopFailed, user, res.ID, msg)
		o.recorder.RecordOperation("stop", res.Kind, "failure", o.now().Sub(start))
		o.logger.Warn().Str("resource_id", res.ID).Str("container_id", containerID).Str("error", msg).Msg("Stop failed")

		outErr := classify(err, KindOperation, msg).WithResource(res.ID).WithOperation("stop")
		endSpan(span, outErr)
		return nil, outErr
	}

	stopped, err := o.resources.TransitionResource(writeCtx, res.ID, []ResourceStatus{StatusRunning, StatusError},
		Transition{Status: StatusStopped})
	if err != nil {
		outErr := o.transitionError(res.ID, "stop", err)
		endSpan(span, outErr)
		return nil, outErr
	}

	o.record(writeCtx, AuditResourceStopped, user, res.ID, containerID)
	o.recorder.RecordOperation("stop", res.Kind, "success", o.now().Sub(start))
	o.logger.Info().Str("resource_id", res.ID).Str("container_id", containerID).Msg("Resource stopped")
	endSpan(span, nil)
	return stopped, nil
}

func (o *Orchestrator) callStop(ctx context.Context, res *Resource, containerID string) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StopTimeout)
	defer cancel()

	srv, err := o.servers.GetServer(callCtx, res.ServerID)
	if err != nil {
		return o.lookupError("server", res.ServerID, err)
	}
	rt, err := o.runtimes.RuntimeFor(callCtx, srv, res.Kind)
	if err != nil {
		return err
	}
	return rt.Stop(callCtx, containerID)
}

// Remove deletes a resource. A resource with a live container is stopped
// first, and the removal is aborted if that stop fails.
func (o *Orchestrator) Remove(ctx context.Context, user, projectID, id string) error {
	res, release, err := o.acquire(ctx, user, projectID, id)
	if err != nil {
		return err
	}
	defer release()

	res = o.reclaimLocked(ctx, res)
	if res.Status == StatusDeploying {
		return NewConflictError("a deployment is in progress", nil).WithResource(res.ID).WithOperation("remove")
	}
	if res.HasContainer() && res.Status.CanStop() {
		if _, err := o.stopLocked(ctx, user, res); err != nil {
			return fmt.Errorf("remove aborted: %w", err)
		}
	}

	removable := []ResourceStatus{StatusCreated, StatusRunning, StatusStopped, StatusFailed, StatusError}
	if err := o.resources.DeleteResource(ctx, res.ID, removable); err != nil {
		return o.transitionError(res.ID, "remove", err)
	}
	o.locks.forget(res.ID)

	o.record(ctx, AuditResourceRemoved, user, res.ID, res.Name)
	o.logger.Info().Str("resource_id", res.ID).Msg("Resource removed")
	return nil
}

// Logs returns the tail of a resource's container output. A tail of zero or
// less selects the default.
func (o *Orchestrator) Logs(ctx context.Context, user, projectID, id string, tail int) (string, error) {
	if _, err := o.authorize(ctx, user, projectID); err != nil {
		return "", err
	}
	res, err := o.load(ctx, projectID, id)
	if err != nil {
		return "", err
	}
	if !res.HasContainer() {
		return "", NewNotFoundError("resource has no container", nil).WithResource(res.ID).WithOperation("logs")
	}

	if tail <= 0 {
		tail = o.cfg.DefaultLogTail
	}
	if tail > o.cfg.MaxLogTail {
		tail = o.cfg.MaxLogTail
	}

	ctx, span := o.startSpan(ctx, "logs", res)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.LogsTimeout)
	defer cancel()

	srv, err := o.servers.GetServer(callCtx, res.ServerID)
	if err != nil {
		return "", o.lookupError("server", res.ServerID, err)
	}
	rt, err := o.runtimes.RuntimeFor(callCtx, srv, res.Kind)
	if err == nil {
		var out string
		if out, err = rt.Logs(callCtx, *res.ContainerID, tail); err == nil {
			endSpan(span, nil)
			return out, nil
		}
	}
	outErr := classify(err, KindOperation, o.sanitize(err, res, nil)).WithResource(res.ID).WithOperation("logs")
	endSpan(span, outErr)
	return "", outErr
}

// authorize loads a project and checks that user owns it.
func (o *Orchestrator) authorize(ctx context.Context, user, projectID string) (*Project, error) {
	return authorizeProject(ctx, o.projects, user, projectID)
}

func authorizeProject(ctx context.Context, projects ProjectStore, user, projectID string) (*Project, error) {
	if user == "" {
		return nil, NewForbiddenError("caller identity is required", nil)
	}
	p, err := projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, NewNotFoundError(fmt.Sprintf("project %s not found", projectID), nil)
		}
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	if p.OwnerID != user {
		return nil, NewForbiddenError(fmt.Sprintf("user %s does not own project %s", user, projectID), nil)
	}
	return p, nil
}

// load returns a resource of projectID. Resources of other projects are
// reported as not found.
func (o *Orchestrator) load(ctx context.Context, projectID, id string) (*Resource, error) {
	res, err := o.resources.GetResource(ctx, id)
	if err != nil {
		return nil, o.lookupError("resource", id, err)
	}
	if res.ProjectID != projectID {
		return nil, NewNotFoundError(fmt.Sprintf("resource %s not found", id), nil)
	}
	return res, nil
}

// acquire checks ownership, takes the resource lock and re-reads the
// resource under it.
func (o *Orchestrator) acquire(ctx context.Context, user, projectID, id string) (*Resource, func(), error) {
	if _, err := o.authorize(ctx, user, projectID); err != nil {
		return nil, nil, err
	}
	if _, err := o.load(ctx, projectID, id); err != nil {
		return nil, nil, err
	}
	release, ok := o.locks.tryLock(id)
	if !ok {
		return nil, nil, NewConflictError("another operation is in progress for this resource", nil).
			WithCode(ErrCodeBusy).WithResource(id)
	}
	res, err := o.load(ctx, projectID, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	return res, release, nil
}

func (o *Orchestrator) lookupError(entity, id string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return NewNotFoundError(fmt.Sprintf("%s %s not found", entity, id), nil)
	}
	return fmt.Errorf("failed to load %s %s: %w", entity, id, err)
}

func (o *Orchestrator) transitionError(id, op string, err error) error {
	if errors.Is(err, ErrStaleTransition) {
		return NewConflictError("resource status changed concurrently", err).WithResource(id).WithOperation(op)
	}
	if errors.Is(err, ErrNotFound) {
		return NewNotFoundError(fmt.Sprintf("resource %s not found", id), nil).WithOperation(op)
	}
	return fmt.Errorf("failed to %s resource %s: %w", op, id, err)
}

// sanitize turns err into text that is safe to persist and return.
func (o *Orchestrator) sanitize(err error, res *Resource, env *Environment) string {
	if err == nil {
		return ""
	}
	secrets := res.SecretValues()
	if db, ok := res.Config.(DatabaseConfig); ok && db.Password != "" {
		secrets = append(secrets, db.Password)
	}
	if env != nil {
		for _, v := range env.Variables {
			if v.Secret && v.Value != "" {
				secrets = append(secrets, v.Value)
			}
		}
	}
	return Truncate(Redact(err.Error(), secrets), o.cfg.MaxErrorLength)
}

// classify keeps the kind of a classified runtime error and falls back to
// def. The message is always the sanitized text.
func classify(err error, def ErrorKind, msg string) *Error {
	kind, code := def, ""
	var e *Error
	if errors.As(err, &e) {
		kind, code = e.Kind, e.Code
	}
	out := newError(kind, msg, nil)
	switch {
	case code != "":
		out.Code = code
	case kind == KindDeployment || kind == KindOperation:
		out.Code = ErrCodeEngineRejected
	case kind == KindConnection:
		out.Code = ErrCodeUnreachable
	case kind == KindNotFound:
		out.Code = ErrCodeNotFound
	}
	return out
}

// reclaimIfStuck demotes a resource left in DEPLOYING past the deadline.
// Resources with an operation running in this process are left alone.
func (o *Orchestrator) reclaimIfStuck(ctx context.Context, res *Resource) *Resource {
	if !o.isStuck(res) {
		return res
	}
	release, ok := o.locks.tryLock(res.ID)
	if !ok {
		return res
	}
	defer release()
	return o.reclaimLocked(ctx, res)
}

func (o *Orchestrator) isStuck(res *Resource) bool {
	return res.Status == StatusDeploying && o.now().Sub(res.StatusChangedAt) > o.cfg.DeployDeadline
}

func (o *Orchestrator) reclaimLocked(ctx context.Context, res *Resource) *Resource {
	if !o.isStuck(res) {
		return res
	}
	msg := fmt.Sprintf("deployment exceeded deadline of %s", o.cfg.DeployDeadline)
	updated, err := o.resources.TransitionResource(ctx, res.ID, []ResourceStatus{StatusDeploying},
		Transition{Status: StatusFailed, Error: &msg})
	if err != nil {
		if !errors.Is(err, ErrStaleTransition) {
			o.logger.Error().Err(err).Str("resource_id", res.ID).Msg("Failed to reclaim stuck deployment")
		}
		return res
	}
	o.record(ctx, AuditResourceReclaimed, "system", res.ID, msg)
	o.recorder.RecordReclaimed(1)
	o.logger.Warn().Str("resource_id", res.ID).Time("since", res.StatusChangedAt).Msg("Reclaimed stuck deployment")
	return updated
}

func (o *Orchestrator) record(ctx context.Context, action, actor, targetID, details string) {
	if o.audit == nil {
		return
	}
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  targetID,
		Details:   details,
		Timestamp: o.now().UTC(),
	}
	if err := o.audit.AppendAudit(ctx, entry); err != nil {
		o.logger.Warn().Err(err).Str("action", action).Str("target_id", targetID).Msg("Failed to append audit entry")
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, op string, res *Resource) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "resource."+op, trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
		attribute.String("server.id", res.ServerID),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

func validateVariables(vars []EnvVar) error {
	seen := make(map[string]bool, len(vars))
	for _, v := range vars {
		if v.Key == "" || strings.ContainsAny(v.Key, "= \t\n") {
			return NewInvalidConfigError(fmt.Sprintf("invalid variable name %q", v.Key), nil)
		}
		if seen[v.Key] {
			return NewInvalidConfigError(fmt.Sprintf("duplicate variable %q", v.Key), nil)
		}
		seen[v.Key] = true
	}
	return nil
}
