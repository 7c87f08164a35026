package grid

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Ticker is anything the scheduler can drive; *Reconciler satisfies it
type Ticker interface {
	Tick(ctx context.Context) (TickResult, error)
}

// Scheduler runs ticks forever: PollInterval after a clean tick, an
// exponential error backoff after a failed one.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	backoff  *backoff.ExponentialBackOff
	logger   zerolog.Logger

	// sleep waits for d or until ctx is done, returning false on cancellation
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewScheduler(t Ticker, cfg Config, logger zerolog.Logger) *Scheduler {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ErrorBackoff()
	b.MaxInterval = cfg.MaxErrorBackoff()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	return &Scheduler{
		ticker:   t,
		interval: cfg.PollInterval(),
		backoff:  b,
		logger:   logger.With().Str("component", "Scheduler").Logger(),
		sleep:    sleepCtx,
	}
}

// Run blocks until ctx is canceled. No tick error ever stops the loop;
// an in-flight tick is allowed to observe the cancellation itself.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("poll_interval", s.interval).
		Dur("error_backoff", s.backoff.InitialInterval).
		Dur("max_error_backoff", s.backoff.MaxInterval).
		Msg("Scheduler started")

	for {
		if ctx.Err() != nil {
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		}

		wait := s.interval
		if err := s.safeTick(ctx); err != nil {
			wait = s.backoff.NextBackOff()
			if wait == backoff.Stop {
				wait = s.backoff.MaxInterval
			}
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Tick failed, backing off")
		} else {
			s.backoff.Reset()
		}

		if !s.sleep(ctx, wait) {
			s.logger.Info().Msg("Scheduler stopped")
			return ctx.Err()
		}
	}
}

// safeTick converts a panic inside a tick into an ordinary tick failure
func (s *Scheduler) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Tick panicked")
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	_, err = s.ticker.Tick(ctx)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
