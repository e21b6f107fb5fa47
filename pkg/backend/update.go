package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxRetries bounds optimistic update loops.
const DefaultMaxRetries = 64

// Mutation computes the next stored value from the current one. Returning
// write=false ends the update without touching the store.
type Mutation func(current []byte, found bool) (next []byte, write bool, err error)

// Lost races are spaced by a short jittered backoff so that contending
// writers stop colliding in lockstep.
const (
	raceBackoffInitial = time.Millisecond
	raceBackoffMax     = 20 * time.Millisecond
)

func newRaceBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = raceBackoffInitial
	b.MaxInterval = raceBackoffMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.Reset()
	return b
}

// Update applies mutate with compare-and-set until it wins the race or
// maxRetries attempts have lost, in which case ErrConvergence is returned.
// Errors from the store or from mutate are returned unchanged.
func Update(ctx context.Context, store Store, key string, maxRetries int, mutate Mutation) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	var race *backoff.ExponentialBackOff

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, found, err := store.Get(ctx, key)
		if err != nil {
			return err
		}

		next, write, err := mutate(current, found)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		var expected []byte
		if found {
			// CompareAndSet treats nil as "absent", an existing empty value must not look like that
			expected = current
			if expected == nil {
				expected = []byte{}
			}
		}

		ok, err := store.CompareAndSet(ctx, key, expected, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt+1 == maxRetries {
			break
		}

		if race == nil {
			race = newRaceBackoff()
		}
		timer := time.NewTimer(race.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrConvergence, key, maxRetries)
}
