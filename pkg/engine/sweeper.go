package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is how often the sweeper looks for stuck deployments.
const DefaultSweepInterval = time.Minute

// Sweeper periodically demotes resources stuck in DEPLOYING to FAILED and
// refreshes the status gauge.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper over the orchestrator's resources.
func NewSweeper(orch *Orchestrator, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		orch:     orch,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("deadline", s.orch.cfg.DeployDeadline).Msg("Sweeper started")
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce reclaims every stuck deployment and returns how many it demoted.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	o := s.orch
	before := o.now().Add(-o.cfg.DeployDeadline)
	stale, err := o.resources.ListStaleResources(ctx, StatusDeploying, before)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck deployments: %w", err)
	}

	reclaimed := 0
	for _, res := range stale {
		if updated := o.reclaimIfStuck(ctx, res); updated.Status == StatusFailed {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		s.logger.Warn().Int("count", reclaimed).Msg("Reclaimed stuck deployments")
	}

	counts, err := o.resources.CountResourcesByStatus(ctx)
	if err != nil {
		return reclaimed, fmt.Errorf("failed to count resources: %w", err)
	}
	o.recorder.SetResourcesByStatus(counts)
	return reclaimed, nil
}
