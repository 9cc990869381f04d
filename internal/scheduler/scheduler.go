// Package scheduler runs the periodic maintenance sweeps: reclaiming
// messages stuck in SENDING and re-dispatching failed messages that still
// have retry budget.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/message-dispatch/internal/retry"
)

// Config tunes the sweep cadence.
type Config struct {
	Interval   time.Duration
	SweepLimit int
	StuckAfter time.Duration
}

// Scheduler drives the retry orchestrator on a fixed interval.
type Scheduler struct {
	cfg    Config
	orch   *retry.Orchestrator
	logger zerolog.Logger
}

// New validates configuration and constructs a Scheduler.
func New(cfg Config, orch *retry.Orchestrator, logger zerolog.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be positive")
	}
	if cfg.StuckAfter <= 0 {
		return nil, errors.New("scheduler: stuck-after cutoff must be positive")
	}
	if orch == nil {
		return nil, errors.New("scheduler: retry orchestrator is required")
	}
	return &Scheduler{
		cfg:    cfg,
		orch:   orch,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run sweeps until the context is cancelled. The first sweep happens one
// interval after start, not immediately, so a crash-looping process does not
// hammer the store.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Reclaim runs first so freshly failed
// messages are visible to the retry pass that follows.
func (s *Scheduler) Sweep(ctx context.Context) {
	reclaimed, err := s.orch.ReclaimStuck(ctx, s.cfg.StuckAfter)
	if err != nil {
		s.logger.Error().Err(err).Msg("stuck-message reclaim failed")
	} else if reclaimed > 0 {
		s.logger.Warn().Int("reclaimed", reclaimed).Msg("reclaimed stuck messages")
	}

	report, err := s.orch.RetryAll(ctx, s.cfg.SweepLimit)
	if err != nil {
		s.logger.Error().Err(err).Msg("retry sweep failed")
		return
	}
	if report.Retried > 0 || report.Skipped > 0 {
		s.logger.Info().
			Int("retried", report.Retried).
			Int("skipped", report.Skipped).
			Msg("retry sweep finished")
	}
}
