package worker

import (
	"context"
	"time"

	"gymbook/internal/models"

	"github.com/rs/zerolog"
)

// Sweeper runs one pass of the stale PENDING sweep.
type Sweeper interface {
	ExpireStalePending(ctx context.Context) (models.ExpiryReport, error)
}

// ExpiryScheduler drives the sweep on a fixed interval.
type ExpiryScheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   zerolog.Logger
}

func NewExpiryScheduler(sweeper Sweeper, interval time.Duration, logger *zerolog.Logger) *ExpiryScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryScheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With().Str("component", "expiry").Logger(),
	}
}

// Start sweeps once immediately, then on every tick until ctx is done.
func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("expiry scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *ExpiryScheduler) runOnce(ctx context.Context) {
	if _, err := s.sweeper.ExpireStalePending(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
	}
}
