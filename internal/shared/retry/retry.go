// Package retry provides bounded polling with configurable delay
// schedules, shared by the webhook and transfer-ownership wait loops.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout indicates the predicate never completed within MaxElapsed.
var ErrTimeout = errors.New("retry: timed out")

// Predicate runs one poll attempt. done=true stops the loop; a non-nil
// error stops the loop immediately and is returned to the caller.
type Predicate func(ctx context.Context) (done bool, err error)

// DelayFunc computes the sleep before the given retry attempt,
// starting at 0 for the delay after the first poll.
type DelayFunc func(attempt int) time.Duration

// Config bounds a polling loop.
type Config struct {
	// MaxElapsed is the hard wall-clock cap measured from the first
	// attempt. Zero means no cap.
	MaxElapsed time.Duration

	// Delay computes the pause between attempts.
	Delay DelayFunc

	// InitialDelay, when set, is slept before the first attempt.
	InitialDelay time.Duration

	// Now and Sleep are seams for tests; nil uses the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// LinearBackoff returns a delay schedule base + attempt*step, capped at max.
func LinearBackoff(base, step, max time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		d := base + time.Duration(attempt)*step
		if d > max {
			return max
		}
		return d
	}
}

// FixedDelay returns a constant delay schedule.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration { return d }
}

// Poll runs fn until it reports done, fails, exceeds cfg.MaxElapsed
// (ErrTimeout) or the context ends.
func Poll(ctx context.Context, cfg Config, fn Predicate) error {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := cfg.Delay
	if delay == nil {
		delay = FixedDelay(time.Second)
	}

	if cfg.InitialDelay > 0 {
		if err := sleep(ctx, cfg.InitialDelay); err != nil {
			return err
		}
	}

	start := now()
	for attempt := 0; ; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if cfg.MaxElapsed > 0 && now().Sub(start) > cfg.MaxElapsed {
			return ErrTimeout
		}
		if err := sleep(ctx, delay(attempt)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
