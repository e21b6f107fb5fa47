package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrBackoffStopped is returned by Poll when the policy gives up before ctx ends.
var ErrBackoffStopped = errors.New("backoff stopped")

// Policy hands out a fresh backoff for each wait loop. backoff.BackOff
// values are stateful and not safe to share between loops.
type Policy func() backoff.BackOff

// Constant waits the same interval between attempts.
func Constant(interval time.Duration) Policy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(interval)
	}
}

// Exponential grows the wait from initial up to maxInterval with ±50% jitter.
func Exponential(initial, maxInterval time.Duration) Policy {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.RandomizationFactor = 0.5
		b.Multiplier = 1.5
		b.Reset()
		return b
	}
}

// DefaultPolicy is the jittered policy used by lock acquisition and barrier polling.
func DefaultPolicy() Policy {
	return Exponential(10*time.Millisecond, 250*time.Millisecond)
}

// NoTimeout makes Poll wait until ctx ends.
const NoTimeout time.Duration = -1

// Poll calls attempt until it reports done or returns an error.
//
// timeout bounds the whole loop: the first attempt always runs, and the
// deadline is checked before every retry. Zero allows exactly one attempt,
// NoTimeout (any negative value) leaves only ctx in charge. ctx itself is
// checked before every attempt. On expiry Poll returns
// context.DeadlineExceeded, on cancellation ctx.Err().
func Poll(ctx context.Context, policy Policy, timeout time.Duration, attempt func(context.Context) (bool, error)) error {
	if policy == nil {
		policy = DefaultPolicy()
	}
	b := policy()

	var deadline time.Time
	attemptCtx := ctx
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n > 0 && !deadline.IsZero() && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}

		done, err := attempt(attemptCtx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if attemptCtx.Err() != nil {
				return context.DeadlineExceeded
			}
			return err
		}
		if done {
			return nil
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return ErrBackoffStopped
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return context.DeadlineExceeded
			}
			if wait > remaining {
				wait = remaining
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TimeoutError maps a Poll error onto the caller facing taxonomy. A deadline
// becomes timeout wrapped together with context.DeadlineExceeded, caller
// cancellation is returned unchanged, anything else passes through.
func TimeoutError(err, timeout error, subject string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", timeout, subject, context.DeadlineExceeded)
	}
	return err
}
