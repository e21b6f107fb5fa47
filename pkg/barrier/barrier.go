// Package barrier provides a cyclic N-party rendezvous over a backing store.
//
// The record under "barrier:<key>" holds the current generation and the
// number of arrivals counted toward it. An arrival increments the count in a
// single compare-and-set. The arrival that brings the count to the party
// total also resets it and advances the generation in that same write, so no
// late caller can be counted against a generation that already released.
//
// An arrival that keeps losing compare-and-set races is retried until the
// Wait timeout; if it never lands, Wait fails with ErrBarrierTimeout and
// the caller was not counted.
//
// A caller that times out after arriving has still been counted. Its slot
// stays consumed: the next generation releases after one arrival fewer than
// parties, unless the caller tries again, in which case it counts twice.
// Callers that must keep the party count exact should treat
// ErrBarrierTimeout as fatal for the barrier key.
package barrier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/metrics"
	"github.com/night-slayer18/dtypes/pkg/resilience"
)

const (
	DefaultTimeout = 30 * time.Second

	// NoTimeout makes Wait block until ctx ends.
	NoTimeout = resilience.NoTimeout
)

// Result describes a completed Wait.
type Result struct {
	// Generation is the generation this caller was released from.
	Generation uint64
	// Leader is true for exactly one caller per generation: the last to arrive.
	Leader bool
}

type record struct {
	Generation uint64 `json:"generation"`
	Count      int    `json:"count"`
}

// Barrier is a handle on one distributed barrier.
type Barrier struct {
	h          backend.Handle
	parties    int
	timeout    time.Duration
	maxRetries int
	policy     resilience.Policy
	log        *zap.Logger
}

// Option configures a Barrier.
type Option func(*Barrier)

// WithTimeout bounds how long Wait blocks after arriving.
func WithTimeout(d time.Duration) Option {
	return func(b *Barrier) { b.timeout = d }
}

// WithMaxRetries bounds one round of the arrival compare-and-set loop.
// Rounds that lose every race are retried until the timeout.
func WithMaxRetries(n int) Option {
	return func(b *Barrier) { b.maxRetries = n }
}

// WithBackoff sets the interval between generation polls.
func WithBackoff(p resilience.Policy) Option {
	return func(b *Barrier) { b.policy = p }
}

// WithLogger replaces the package logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Barrier) { b.log = log }
}

// New creates a handle for a barrier of parties participants. It does not arrive.
func New(store backend.Store, key string, parties int, opts ...Option) (*Barrier, error) {
	if parties < 1 {
		return nil, fmt.Errorf("%w: barrier needs at least one party, got %d", backend.ErrInvalidArgument, parties)
	}
	h, err := backend.NewHandle(store, backend.NamespaceBarrier, key)
	if err != nil {
		return nil, err
	}

	b := &Barrier{
		h:          h,
		parties:    parties,
		timeout:    DefaultTimeout,
		maxRetries: backend.DefaultMaxRetries,
		policy:     resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.Named("barrier")
	}
	b.log = b.log.With(zap.String("key", h.Key()), zap.Int("parties", parties))
	return b, nil
}

// Key returns the store key of the barrier record.
func (b *Barrier) Key() string {
	return b.h.Key()
}

// Parties returns the number of arrivals that release a generation.
func (b *Barrier) Parties() int {
	return b.parties
}

func decode(raw []byte, found bool) (record, error) {
	var rec record
	if !found {
		return rec, nil
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: barrier record: %v", backend.ErrCorruptRecord, err)
	}
	return rec, nil
}

func (b *Barrier) load(ctx context.Context) (record, error) {
	raw, found, err := b.h.Store().Get(ctx, b.h.Key())
	if err != nil {
		return record{}, err
	}
	return decode(raw, found)
}

// arrive counts this caller and returns the generation it joined. Losing
// every race in a round is contention, so it polls again until timeout.
func (b *Barrier) arrive(ctx context.Context, timeout time.Duration) (gen uint64, leader bool, err error) {
	err = resilience.Poll(ctx, b.policy, timeout, func(ctx context.Context) (bool, error) {
		err := backend.Update(ctx, b.h.Store(), b.h.Key(), b.maxRetries, func(raw []byte, found bool) ([]byte, bool, error) {
			rec, err := decode(raw, found)
			if err != nil {
				return nil, false, err
			}
			gen = rec.Generation
			rec.Count++
			leader = rec.Count >= b.parties
			if leader {
				rec = record{Generation: gen + 1}
			}
			next, err := json.Marshal(rec)
			return next, err == nil, err
		})
		if errors.Is(err, backend.ErrConvergence) {
			b.log.Debug("barrier record contended, retrying arrival")
			return false, nil
		}
		return err == nil, err
	})
	return gen, leader, err
}

// remaining is what is left of the Wait timeout after elapsed.
func (b *Barrier) remaining(elapsed time.Duration) time.Duration {
	if b.timeout < 0 {
		return b.timeout
	}
	return max(b.timeout-elapsed, 0)
}

// Wait arrives at the barrier and blocks until the current generation
// releases. The last arrival returns immediately with Leader set.
func (b *Barrier) Wait(ctx context.Context) (res Result, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordBarrierWait(waitResult(res, err), time.Since(start))
	}()

	gen, leader, err := b.arrive(ctx, b.timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.Warn("barrier arrival not recorded before deadline", zap.Duration("waited", time.Since(start)))
		}
		return Result{}, resilience.TimeoutError(err, backend.ErrBarrierTimeout, b.h.Key())
	}
	if leader {
		b.log.Debug("barrier released", zap.Uint64("generation", gen))
		return Result{Generation: gen, Leader: true}, nil
	}

	err = resilience.Poll(ctx, b.policy, b.remaining(time.Since(start)), func(ctx context.Context) (bool, error) {
		rec, err := b.load(ctx)
		if err != nil {
			return false, err
		}
		return rec.Generation != gen, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.log.Warn("barrier wait timed out, arrival stays counted",
				zap.Uint64("generation", gen),
				zap.Duration("waited", time.Since(start)),
			)
		}
		return Result{}, resilience.TimeoutError(err, backend.ErrBarrierTimeout, b.h.Key())
	}

	return Result{Generation: gen}, nil
}

// Generation returns the generation currently accepting arrivals.
func (b *Barrier) Generation(ctx context.Context) (uint64, error) {
	rec, err := b.load(ctx)
	return rec.Generation, err
}

// Waiting returns how many arrivals the current generation has counted.
func (b *Barrier) Waiting(ctx context.Context) (int, error) {
	rec, err := b.load(ctx)
	return rec.Count, err
}

func waitResult(res Result, err error) string {
	switch {
	case err == nil && res.Leader:
		return "leader"
	case err == nil:
		return "released"
	case errors.Is(err, backend.ErrBarrierTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
