// Package scheduler drives periodic spool rescans. The filesystem watcher
// is the primary trigger; the scheduler sweeps up files whose events were
// missed (network mounts, editor moves).
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc runs one scheduled scan.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune the cadence.
type Options struct {
	Interval time.Duration
	// AlignToInterval snaps fire times to wall-clock boundaries, so a 5m
	// interval fires at :00, :05, :10 rather than relative to start time.
	AlignToInterval bool
	StartupDelay    time.Duration
}

// Scheduler fires a tick per interval until its context ends.
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

// Run blocks, invoking tick each interval. Tick errors are logged and the
// loop keeps going; only context errors stop it.
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

	next := s.next(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.next(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_scan", next).Msg("waiting for next scan")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := tick(ctx, next); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Error().Err(err).Time("scan", next).Msg("scheduled scan failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

// next returns the first fire time after now.
func (s *Scheduler) next(now time.Time) time.Time {
	if !s.opts.AlignToInterval {
		return now.Add(s.opts.Interval)
	}
	aligned := now.Truncate(s.opts.Interval)
	if !aligned.After(now) {
		aligned = aligned.Add(s.opts.Interval)
	}
	return aligned
}
