// Package mutex provides a lease based distributed mutual exclusion lock.
//
// The lock lives in the backing store under "lock:<key>" and holds the
// fencing token of the current holder. Tokens come from an atomic counter at
// "lock:<key>:fence", so every acquisition is distinguishable and tokens
// grow strictly over the life of the key. A holder whose lease expires loses
// the lock silently; Guard.Extend is the caller's heartbeat.
//
// There is no re-entrancy: acquiring the same key twice from one process is
// two independent contenders, exactly as it would be from two processes.
package mutex

import (
	"context"
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
	DefaultLeaseTTL = 30 * time.Second
	DefaultTimeout  = 10 * time.Second

	// NoTimeout makes Acquire wait until ctx ends.
	NoTimeout = resilience.NoTimeout
)

// Mutex is a handle on one distributed lock. It holds no remote state and
// is safe for concurrent use; every Acquire is a separate contender.
type Mutex struct {
	h        backend.Handle
	leaseTTL time.Duration
	timeout  time.Duration
	policy   resilience.Policy
	log      *zap.Logger
}

// Option configures a Mutex.
type Option func(*Mutex)

// WithLeaseTTL sets how long an acquisition holds the lock without Extend.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(m *Mutex) { m.leaseTTL = ttl }
}

// WithTimeout bounds Acquire. Zero allows a single attempt, NoTimeout waits until ctx ends.
func WithTimeout(d time.Duration) Option {
	return func(m *Mutex) { m.timeout = d }
}

// WithBackoff sets the wait between attempts.
func WithBackoff(p resilience.Policy) Option {
	return func(m *Mutex) { m.policy = p }
}

// WithLogger replaces the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Mutex) { m.log = l }
}

// New creates a handle for the lock named key.
func New(store backend.Store, key string, opts ...Option) (*Mutex, error) {
	h, err := backend.NewHandle(store, backend.NamespaceLock, key)
	if err != nil {
		return nil, err
	}

	m := &Mutex{
		h:        h,
		leaseTTL: DefaultLeaseTTL,
		timeout:  DefaultTimeout,
		policy:   resilience.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.leaseTTL <= 0 {
		return nil, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	if m.log == nil {
		m.log = logger.Named("mutex")
	}
	m.log = m.log.With(zap.String("key", h.Key()))
	return m, nil
}

// Key returns the store key of the lock.
func (m *Mutex) Key() string {
	return m.h.Key()
}

// LeaseTTL returns the configured lease duration.
func (m *Mutex) LeaseTTL() time.Duration {
	return m.leaseTTL
}

func (m *Mutex) nextToken(ctx context.Context) (uint64, error) {
	n, err := m.h.Store().Increment(ctx, m.h.Sub("fence"))
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// TryAcquire makes a single attempt. ok is false if another holder has the lock.
func (m *Mutex) TryAcquire(ctx context.Context) (g *Guard, ok bool, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAcquire(metrics.KindMutex, acquireStatus(ok, err), time.Since(start))
	}()

	token, err := m.nextToken(ctx)
	if err != nil {
		return nil, false, err
	}
	ok, err = m.h.Store().AcquireLease(ctx, m.h.Key(), backend.FormatToken(token), m.leaseTTL)
	if err != nil || !ok {
		return nil, false, err
	}

	m.log.Debug("lock acquired", zap.Uint64("token", token))
	return m.newGuard(token), true, nil
}

// Acquire waits for the lock within the configured timeout.
//
// The fencing token is allocated once and reused across retries. Expiry
// yields an error matching both backend.ErrLockTimeout and
// context.DeadlineExceeded; cancelling ctx returns ctx.Err().
func (m *Mutex) Acquire(ctx context.Context) (g *Guard, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAcquire(metrics.KindMutex, acquireStatus(g != nil, err), time.Since(start))
	}()

	token, err := m.nextToken(ctx)
	if err != nil {
		return nil, err
	}
	tokenStr := backend.FormatToken(token)

	attempts := 0
	err = resilience.Poll(ctx, m.policy, m.timeout, func(ctx context.Context) (bool, error) {
		attempts++
		return m.h.Store().AcquireLease(ctx, m.h.Key(), tokenStr, m.leaseTTL)
	})
	if err != nil {
		// an attempt cut short by the deadline may still have landed
		m.abandon(ctx, tokenStr)
		err = resilience.TimeoutError(err, backend.ErrLockTimeout, m.h.Key())
		if errors.Is(err, backend.ErrLockTimeout) {
			m.log.Debug("lock acquisition timed out", zap.Int("attempts", attempts), zap.Duration("waited", time.Since(start)))
		}
		return nil, err
	}

	m.log.Debug("lock acquired",
		zap.Uint64("token", token),
		zap.Int("attempts", attempts),
		zap.Duration("waited", time.Since(start)),
	)
	return m.newGuard(token), nil
}

func (m *Mutex) abandon(ctx context.Context, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_, _ = m.h.Store().ReleaseLease(ctx, m.h.Key(), token)
}

// Holder returns the fencing token of the current holder, if any.
func (m *Mutex) Holder(ctx context.Context) (uint64, bool, error) {
	raw, found, err := m.h.Store().Get(ctx, m.h.Key())
	if err != nil || !found {
		return 0, false, err
	}
	token, err := backend.ParseToken(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("%w: lock %s holds %q", backend.ErrCorruptRecord, m.h.Key(), raw)
	}
	return token, true, nil
}

// Do runs fn while holding the lock and always releases afterwards, also
// when fn fails or panics. Losing the lease before release is logged, not
// returned; other release errors are joined with fn's error.
func Do(ctx context.Context, m *Mutex, fn func(ctx context.Context, g *Guard) error) (err error) {
	g, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		relErr := g.Release(context.WithoutCancel(ctx))
		if errors.Is(relErr, backend.ErrOwnershipMismatch) {
			m.log.Warn("lease expired before release, critical section may have overlapped",
				zap.Uint64("token", g.Token()),
				zap.Duration("lease_ttl", m.leaseTTL),
			)
			return
		}
		err = errors.Join(err, relErr)
	}()

	return fn(ctx, g)
}

func acquireStatus(ok bool, err error) string {
	switch {
	case ok:
		return "acquired"
	case errors.Is(err, backend.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "error"
	default:
		return "busy"
	}
}
