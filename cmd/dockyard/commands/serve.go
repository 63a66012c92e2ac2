package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/dockyard/pkg/api"
	"github.com/openfroyo/dockyard/pkg/config"
	"github.com/openfroyo/dockyard/pkg/engine"
	"github.com/openfroyo/dockyard/pkg/policy"
	"github.com/openfroyo/dockyard/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the Dockyard HTTP API.

serve migrates the database, bootstraps the local server, starts the
stuck-deployment sweeper and then serves the resource, server and project
routes until interrupted. Changes to the config file's logging level and to
watched policy files are applied without a restart.`,
		Example: `  # Serve with defaults on :8080
  dockyard serve

  # Serve with a config file
  dockyard serve --config /etc/dockyard/dockyard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	logger := a.zerolog()

	tracer, err := telemetry.NewTracer(ctx, cfg.Telemetry.Tracing,
		cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion, cfg.Telemetry.Environment)
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	sweeper := engine.NewSweeper(a.orch, cfg.Lifecycle.SweepInterval, logger)
	go sweeper.Run(ctx)

	if a.policies != nil && cfg.Policy.Watch && len(cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(logger)
		err := loader.Watch(ctx, cfg.Policy.Paths, func(policies []policy.Policy) error {
			return a.policies.ReplaceLoaded(ctx, policies)
		})
		if err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	if a.cfgPath != "" {
		err := config.Watch(ctx, a.cfgPath, func(next *config.Config) {
			level := next.Telemetry.Logging.Level
			if level == a.logger.Level() {
				return
			}
			if err := a.logger.SetLevel(level); err != nil {
				log.Warn().Err(err).Msg("Ignoring log level from reloaded config")
				return
			}
			log.Info().Str("level", level).Msg("Log level changed")
		}, logger)
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload disabled")
		}
	}

	handler := api.New(api.Options{
		Lifecycle: a.orch,
		Servers:   a.servers,
		Projects:  a.catalog,
		Auth:      api.HeaderAuthenticator{Header: cfg.HTTP.UserHeader},
		Metrics:   a.metrics,
		Health:    a.store.HealthCheck,
	}, logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("version", buildVersion).Msg("Dockyard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
