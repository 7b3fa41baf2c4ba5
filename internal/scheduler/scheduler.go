package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrStop ends Run without error when returned by a TickFunc.
var ErrStop = errors.New("scheduler stop")

// TickFunc is invoked once per interval with the number of ticks already
// driven by this scheduler.
type TickFunc func(ctx context.Context, n int64) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
	// MaxTicks stops the loop after that many invocations; zero means no limit.
	MaxTicks int64
	// StopOnError ends the loop on the first failed tick instead of logging it.
	StopOnError bool
}

// Scheduler paces simulation ticks against the wall clock.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function every interval until ctx is
// cancelled, MaxTicks is reached or the function returns ErrStop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := time.Now().UTC().Add(s.opts.Interval)
	for n := int64(0); s.opts.MaxTicks == 0 || n < s.opts.MaxTicks; n++ {
		delay := time.Until(next)
		if delay < 0 {
			// Overran the previous interval; start counting from now.
			next = time.Now().UTC()
			delay = 0
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.logger.Debug().Int64("n", n).Msg("executing scheduled tick")
		if err := tick(ctx, n); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			if s.opts.StopOnError {
				return err
			}
			s.logger.Error().Err(err).Int64("n", n).Msg("tick execution failed")
		}

		next = next.Add(s.opts.Interval)
	}
	return nil
}
