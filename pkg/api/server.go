package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/telemetry"
)

const (
	maxBodyBytes       = 1 << 20
	healthCheckTimeout = 2 * time.Second
)

// Lifecycle is the resource surface served under /projects/{projectID}/resources.
type Lifecycle interface {
	Create(ctx context.Context, user, projectID string, spec engine.ResourceSpec) (*engine.Resource, error)
	Get(ctx context.Context, user, projectID, id string) (*engine.Resource, error)
	List(ctx context.Context, user, projectID string) ([]*engine.Resource, error)
	Status(ctx context.Context, user, projectID, id string) (*engine.StatusReport, error)
	Deploy(ctx context.Context, user, projectID, id string) (*engine.Resource, error)
	DeployAsync(ctx context.Context, user, projectID, id string) (*engine.Resource, error)
	Stop(ctx context.Context, user, projectID, id string) (*engine.Resource, error)
	Remove(ctx context.Context, user, projectID, id string) error
	Logs(ctx context.Context, user, projectID, id string, tail int) (string, error)
}

// Servers is the server registry surface served under /servers.
type Servers interface {
	List(ctx context.Context) ([]*engine.Server, error)
	Get(ctx context.Context, id string) (*engine.Server, error)
	Create(ctx context.Context, spec engine.ServerSpec) (*engine.Server, error)
	Update(ctx context.Context, id string, upd engine.ServerUpdate) (*engine.Server, error)
	Delete(ctx context.Context, id string) error
	CheckConnection(ctx context.Context, id string) (*engine.ConnectionCheck, error)
}

// Projects is the project and environment catalog.
type Projects interface {
	CreateProject(ctx context.Context, user, name string) (*engine.Project, error)
	ListProjects(ctx context.Context, user string) ([]*engine.Project, error)
	CreateEnvironment(ctx context.Context, user, projectID, name, envType string) (*engine.Environment, error)
	ListEnvironments(ctx context.Context, user, projectID string) ([]*engine.Environment, error)
	SetVariable(ctx context.Context, user, projectID, environmentID string, v engine.EnvVar) error
}

// Options wires the server to its collaborators. Auth defaults to
// HeaderAuthenticator and Metrics may be nil.
type Options struct {
	Lifecycle Lifecycle
	Servers   Servers
	Projects  Projects
	Auth      Authenticator
	Metrics   *telemetry.Metrics
	Health    func(context.Context) error
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	mux       *http.ServeMux
	lifecycle Lifecycle
	servers   Servers
	projects  Projects
	auth      Authenticator
	metrics   *telemetry.Metrics
	health    func(context.Context) error
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// New assembles the routes.
func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		lifecycle: opts.Lifecycle,
		servers:   opts.Servers,
		projects:  opts.Projects,
		auth:      opts.Auth,
		metrics:   opts.Metrics,
		health:    opts.Health,
		tracer:    otel.Tracer("github.com/openfroyo/dockyard/pkg/api"),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	if s.auth == nil {
		s.auth = HeaderAuthenticator{}
	}
	s.register()
	return s
}

// ServeHTTP delegates to the underlying mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) register() {
	s.handle("GET /healthz", false, s.handleHealthz)
	if s.metrics != nil && s.metrics.Enabled() {
		s.mux.Handle("GET "+s.metrics.Path(), s.metrics.Handler())
	}

	s.handle("GET /servers", true, s.handleListServers)
	s.handle("POST /servers", true, s.handleCreateServer)
	s.handle("GET /servers/{serverID}", true, s.handleGetServer)
	s.handle("PATCH /servers/{serverID}", true, s.handleUpdateServer)
	s.handle("DELETE /servers/{serverID}", true, s.handleDeleteServer)
	s.handle("POST /servers/{serverID}/check", true, s.handleCheckServer)

	s.handle("GET /projects", true, s.handleListProjects)
	s.handle("POST /projects", true, s.handleCreateProject)
	s.handle("GET /projects/{projectID}/environments", true, s.handleListEnvironments)
	s.handle("POST /projects/{projectID}/environments", true, s.handleCreateEnvironment)
	s.handle("PUT /projects/{projectID}/environments/{environmentID}/variables", true, s.handleSetVariable)

	s.handle("POST /projects/{projectID}/resources", true, s.handleCreateResource)
	s.handle("GET /projects/{projectID}/resources", true, s.handleListResources)
	s.handle("GET /projects/{projectID}/resources/{resourceID}", true, s.handleGetResource)
	s.handle("DELETE /projects/{projectID}/resources/{resourceID}", true, s.handleRemoveResource)
	s.handle("POST /projects/{projectID}/resources/{resourceID}/deploy", true, s.handleDeployResource)
	s.handle("POST /projects/{projectID}/resources/{resourceID}/stop", true, s.handleStopResource)
	s.handle("GET /projects/{projectID}/resources/{resourceID}/status", true, s.handleResourceStatus)
	s.handle("GET /projects/{projectID}/resources/{resourceID}/logs", true, s.handleResourceLogs)
}

// handle registers fn behind request logging, metrics, tracing and, when
// authenticated is set, caller identity.
func (s *Server) handle(pattern string, authenticated bool, fn http.HandlerFunc) {
	method, route, _ := strings.Cut(pattern, " ")
	spanName := method + " " + route

	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		ctx, span := s.tracer.Start(r.Context(), spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()
		r = r.WithContext(ctx)

		var user string
		if authenticated {
			u, err := s.auth.Authenticate(r)
			if err != nil {
				writeError(rec, http.StatusUnauthorized, ErrUnauthenticated.Error())
				s.finish(rec, r, method, route, "", start)
				return
			}
			user = u
			r = r.WithContext(withUser(r.Context(), user))
		}

		fn(rec, r)
		span.SetAttributes(attribute.Int("http.response.status_code", rec.code()))
		s.finish(rec, r, method, route, user, start)
	})
}

func (s *Server) finish(rec *statusRecorder, r *http.Request, method, route, user string, start time.Time) {
	code := rec.code()
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(method, route, code)
	}

	event := s.logger.Debug()
	if code >= http.StatusInternalServerError {
		event = s.logger.Warn()
	}
	event = event.
		Str("method", method).
		Str("path", r.URL.Path).
		Int("status", code).
		Int("bytes", rec.bytes).
		Dur("duration", time.Since(start))
	if user != "" {
		event = event.Str("user", user)
	}
	if id := telemetry.TraceID(r.Context()); id != "" {
		event = event.Str("trace_id", id)
	}
	event.Msg("Request served")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail writes err, logging it when it maps to an internal error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeEngineError(w, err)
}

// caller returns the identity stored by handle.
func caller(r *http.Request) string {
	user, _ := UserFromContext(r.Context())
	return user
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
