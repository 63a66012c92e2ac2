package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dockyard/pkg/config"
	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/policy"
	"github.com/openfroyo/dockyard/pkg/runtime"
	"github.com/openfroyo/dockyard/pkg/source"
	"github.com/openfroyo/dockyard/pkg/stores"
	"github.com/openfroyo/dockyard/pkg/telemetry"
	"github.com/openfroyo/dockyard/pkg/transports/ssh"
)

// app holds the wired components shared by serve and the local commands.
type app struct {
	cfgPath  string
	cfg      *config.Config
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	store    *stores.SQLiteStore
	router   *runtime.Router
	policies *policy.Engine
	registry *engine.ServerRegistry
	servers  *serverService
	catalog  *engine.Catalog
	orch     *engine.Orchestrator
}

// openApp loads the configuration, opens and migrates the store, bootstraps
// the local server and wires the orchestrator.
func openApp(ctx context.Context) (_ *app, err error) {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Telemetry.ServiceVersion = buildVersion

	a := &app{cfgPath: path, cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger, err = telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	zl := a.logger.Zerolog()

	a.metrics, err = telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	a.store, err = stores.NewSQLiteStore(cfg.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := a.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var fetcher source.Fetcher = source.NoopFetcher{}
	if cfg.Workspace.Fetch == "git" {
		fetcher = source.GitFetcher{Binary: cfg.Workspace.GitBinary}
	}
	sources, err := source.NewProvider(cfg.Workspace.Root, fetcher, zl)
	if err != nil {
		return nil, err
	}
	a.router = runtime.NewRouter(cfg.RuntimeOptions(), sources, zl)

	a.registry = engine.NewServerRegistry(a.store, a.store, ssh.NewChecker(cfg.SSHOptions()), zl,
		engine.WithCheckTimeout(cfg.SSH.ConnectTimeout+cfg.SSH.ConnectTimeout/2),
		engine.WithRegistryRecorder(a.metrics),
		engine.WithRegistryAudit(a.store),
	)
	if _, err := a.registry.EnsureLocal(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap local server: %w", err)
	}
	a.servers = &serverService{ServerRegistry: a.registry, router: a.router}
	a.catalog = engine.NewCatalog(a.store)

	deps := engine.Dependencies{
		Resources: a.store,
		Projects:  a.store,
		Servers:   a.store,
		Audit:     a.store,
		Runtimes:  a.router,
		Recorder:  a.metrics,
	}
	if cfg.Policy.Enabled {
		a.policies, err = policy.NewEngine(cfg.PolicyParams(), zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
		deps.Admission = a.policies
	}
	a.orch = engine.NewOrchestrator(deps, cfg.LifecycleLimits(), zl)

	return a, nil
}

func (a *app) zerolog() zerolog.Logger {
	if a.logger == nil {
		return zerolog.Nop()
	}
	return a.logger.Zerolog()
}

// Close waits for background deployments and releases every connection.
func (a *app) Close() error {
	var errs []error
	if a.orch != nil {
		a.orch.Wait()
	}
	if a.router != nil {
		errs = append(errs, a.router.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

// serverService drops cached engine sessions when a server changes.
type serverService struct {
	*engine.ServerRegistry
	router *runtime.Router
}

// Update re-checks through the registry, then forgets the old session.
func (s *serverService) Update(ctx context.Context, id string, upd engine.ServerUpdate) (*engine.Server, error) {
	srv, err := s.ServerRegistry.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.router.Forget(id)
	return srv, nil
}

// Delete removes the server and its cached session.
func (s *serverService) Delete(ctx context.Context, id string) error {
	if err := s.ServerRegistry.Delete(ctx, id); err != nil {
		return err
	}
	s.router.Forget(id)
	return nil
}
