package resilience

import (
	"context"
	"time"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// BreakerStore fails fast while the wrapped store keeps losing its connection.
// Only connection errors trip the breaker. Calls are never retried.
type BreakerStore struct {
	next backend.Store
	cb   *CircuitBreaker
}

// BreakStore wraps next with cb.
func BreakStore(next backend.Store, cb *CircuitBreaker) *BreakerStore {
	return &BreakerStore{next: next, cb: cb}
}

// StoreBreakerConfig is DefaultCircuitBreakerConfig counting only connection errors.
func StoreBreakerConfig() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.IsFailure = backend.IsConnectionError
	return cfg
}

// Breaker exposes the circuit breaker for inspection.
func (s *BreakerStore) Breaker() *CircuitBreaker {
	return s.cb
}

func (s *BreakerStore) do(ctx context.Context, op, key string, fn func() error) error {
	err := s.cb.Execute(ctx, fn)
	if err == ErrCircuitOpen {
		return backend.NewConnectionError(op, key, ErrCircuitOpen)
	}
	return err
}

func (s *BreakerStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = s.do(ctx, "get", key, func() error {
		var e error
		value, found, e = s.next.Get(ctx, key)
		return e
	})
	return value, found, err
}

func (s *BreakerStore) Set(ctx context.Context, key string, value []byte) error {
	return s.do(ctx, "set", key, func() error {
		return s.next.Set(ctx, key, value)
	})
}

func (s *BreakerStore) CompareAndSet(ctx context.Context, key string, expected, value []byte) (ok bool, err error) {
	err = s.do(ctx, "cas", key, func() error {
		var e error
		ok, e = s.next.CompareAndSet(ctx, key, expected, value)
		return e
	})
	return ok, err
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	return s.do(ctx, "delete", key, func() error {
		return s.next.Delete(ctx, key)
	})
}

func (s *BreakerStore) Increment(ctx context.Context, key string) (n int64, err error) {
	err = s.do(ctx, "incr", key, func() error {
		var e error
		n, e = s.next.Increment(ctx, key)
		return e
	})
	return n, err
}

func (s *BreakerStore) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "lease_acquire", key, func() error {
		var e error
		ok, e = s.next.AcquireLease(ctx, key, token, ttl)
		return e
	})
	return ok, err
}

func (s *BreakerStore) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error) {
	err = s.do(ctx, "lease_refresh", key, func() error {
		var e error
		ok, e = s.next.RefreshLease(ctx, key, token, ttl)
		return e
	})
	return ok, err
}

func (s *BreakerStore) ReleaseLease(ctx context.Context, key, token string) (ok bool, err error) {
	err = s.do(ctx, "lease_release", key, func() error {
		var e error
		ok, e = s.next.ReleaseLease(ctx, key, token)
		return e
	})
	return ok, err
}

func (s *BreakerStore) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (ok bool, err error) {
	err = s.do(ctx, "guarded_set", key, func() error {
		var e error
		ok, e = s.next.SetIfHeld(ctx, leaseKey, token, key, value)
		return e
	})
	return ok, err
}

func (s *BreakerStore) GetIfHeld(ctx context.Context, leaseKey, token, key string) (value []byte, found, held bool, err error) {
	err = s.do(ctx, "guarded_get", key, func() error {
		var e error
		value, found, held, e = s.next.GetIfHeld(ctx, leaseKey, token, key)
		return e
	})
	return value, found, held, err
}

func (s *BreakerStore) Close() error {
	return s.next.Close()
}

var _ backend.Store = (*BreakerStore)(nil)
