// Package rwlock provides a distributed reader-writer lock.
//
// All lock state is one record under "rwlock:<key>" and every transition
// is a single compare-and-set of that record, so the "no readers and no
// writer" check and the writer taking the lock happen atomically.
//
// Fairness is writer preference: a writer that cannot get in registers as
// waiting, and while any waiting entry is live new readers are refused.
// Readers already inside are never revoked. Waiting entries expire after
// the lease TTL, so a writer that vanishes cannot block readers for longer.
//
// Lease expiry is judged by the local clock of whichever process touches
// the record. Hosts sharing a lock must keep their clocks within a small
// fraction of the lease TTL.
package rwlock

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

	// NoTimeout makes RLock and Lock wait until ctx ends.
	NoTimeout = resilience.NoTimeout
)

// RWLock is a handle on one distributed reader-writer lock.
type RWLock struct {
	h          backend.Handle
	leaseTTL   time.Duration
	timeout    time.Duration
	maxRetries int
	policy     resilience.Policy
	now        func() time.Time
	log        *zap.Logger
}

// Option configures an RWLock.
type Option func(*RWLock)

// WithLeaseTTL sets how long a reader, writer or waiting writer entry lives without Extend.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(l *RWLock) { l.leaseTTL = ttl }
}

// WithTimeout bounds RLock and Lock. Zero allows a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(l *RWLock) { l.timeout = d }
}

// WithMaxRetries bounds each compare-and-set transition.
func WithMaxRetries(n int) Option {
	return func(l *RWLock) { l.maxRetries = n }
}

// WithBackoff sets the wait between acquisition attempts.
func WithBackoff(p resilience.Policy) Option {
	return func(l *RWLock) { l.policy = p }
}

// WithClock replaces time.Now for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(l *RWLock) { l.now = now }
}

// WithLogger replaces the package logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *RWLock) { l.log = log }
}

// New creates a handle for the lock named key.
func New(store backend.Store, key string, opts ...Option) (*RWLock, error) {
	h, err := backend.NewHandle(store, backend.NamespaceRWLock, key)
	if err != nil {
		return nil, err
	}

	l := &RWLock{
		h:          h,
		leaseTTL:   DefaultLeaseTTL,
		timeout:    DefaultTimeout,
		maxRetries: backend.DefaultMaxRetries,
		policy:     resilience.DefaultPolicy(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.leaseTTL <= 0 {
		return nil, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}
	if l.log == nil {
		l.log = logger.Named("rwlock")
	}
	l.log = l.log.With(zap.String("key", h.Key()))
	return l, nil
}

// Key returns the store key of the lock record.
func (l *RWLock) Key() string {
	return l.h.Key()
}

func (l *RWLock) nextToken(ctx context.Context) (uint64, error) {
	n, err := l.h.Store().Increment(ctx, l.h.Sub("fence"))
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// update runs one transition. fn reports whether the record changed.
func (l *RWLock) update(ctx context.Context, fn func(st *state) (bool, error)) error {
	return backend.Update(ctx, l.h.Store(), l.h.Key(), l.maxRetries, func(raw []byte, found bool) ([]byte, bool, error) {
		st, err := decodeState(raw, found)
		if err != nil {
			return nil, false, err
		}
		st.prune(l.now())
		changed, err := fn(st)
		if err != nil || !changed {
			return nil, false, err
		}
		next, err := st.encode()
		return next, err == nil, err
	})
}

func (l *RWLock) expiry() int64 {
	return l.now().Add(l.leaseTTL).UnixMilli()
}

func (l *RWLock) tryRead(ctx context.Context, token uint64) (bool, error) {
	acquired := false
	err := l.update(ctx, func(st *state) (bool, error) {
		acquired = st.acquireRead(backend.FormatToken(token), l.expiry())
		return acquired, nil
	})
	return acquired, err
}

func (l *RWLock) tryWrite(ctx context.Context, token uint64) (bool, error) {
	acquired := false
	err := l.update(ctx, func(st *state) (bool, error) {
		acquired = st.acquireWrite(backend.FormatToken(token), token, l.expiry())
		return true, nil
	})
	return acquired, err
}

// abandon clears token after a failed or interrupted acquisition.
func (l *RWLock) abandon(ctx context.Context, token uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	err := l.update(ctx, func(st *state) (bool, error) {
		return st.abandon(backend.FormatToken(token), token), nil
	})
	if err != nil {
		l.log.Warn("failed to clear abandoned acquisition", zap.Uint64("token", token), zap.Error(err))
	}
}

// attempt adapts a transition for resilience.Poll. Losing every
// compare-and-set race is contention, not failure, so polling goes on.
func (l *RWLock) attempt(try func(context.Context, uint64) (bool, error), token uint64) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		ok, err := try(ctx, token)
		if errors.Is(err, backend.ErrConvergence) {
			l.log.Debug("lock record contended", zap.Uint64("token", token))
			return false, nil
		}
		return ok, err
	}
}

func (l *RWLock) acquire(ctx context.Context, kind string, try func(context.Context, uint64) (bool, error)) (token uint64, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordAcquire(kind, acquireStatus(err == nil, err), time.Since(start))
	}()

	token, err = l.nextToken(ctx)
	if err != nil {
		return 0, err
	}

	err = resilience.Poll(ctx, l.policy, l.timeout, l.attempt(try, token))
	if err != nil {
		l.abandon(ctx, token)
		return 0, resilience.TimeoutError(err, backend.ErrLockTimeout, l.h.Key())
	}

	l.log.Debug("lock acquired", zap.String("kind", kind), zap.Uint64("token", token), zap.Duration("waited", time.Since(start)))
	return token, nil
}

// RLock waits for shared access.
func (l *RWLock) RLock(ctx context.Context) (*ReadGuard, error) {
	token, err := l.acquire(ctx, metrics.KindRead, l.tryRead)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{guard{l: l, token: token, kind: metrics.KindRead}}, nil
}

// Lock waits for exclusive access. While it waits, new readers are refused.
func (l *RWLock) Lock(ctx context.Context) (*WriteGuard, error) {
	token, err := l.acquire(ctx, metrics.KindWrite, l.tryWrite)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{guard{l: l, token: token, kind: metrics.KindWrite}}, nil
}

// TryRLock makes a single attempt at shared access.
func (l *RWLock) TryRLock(ctx context.Context) (*ReadGuard, bool, error) {
	token, err := l.nextToken(ctx)
	if err != nil {
		return nil, false, err
	}
	ok, err := l.tryRead(ctx, token)
	metrics.RecordAcquire(metrics.KindRead, acquireStatus(ok, err), 0)
	if err != nil || !ok {
		return nil, false, err
	}
	return &ReadGuard{guard{l: l, token: token, kind: metrics.KindRead}}, true, nil
}

// TryLock makes a single attempt at exclusive access. A failed attempt
// leaves no waiting entry behind.
func (l *RWLock) TryLock(ctx context.Context) (*WriteGuard, bool, error) {
	token, err := l.nextToken(ctx)
	if err != nil {
		return nil, false, err
	}
	ok, err := l.tryWrite(ctx, token)
	metrics.RecordAcquire(metrics.KindWrite, acquireStatus(ok, err), 0)
	if err != nil || !ok {
		l.abandon(ctx, token)
		return nil, false, err
	}
	return &WriteGuard{guard{l: l, token: token, kind: metrics.KindWrite}}, true, nil
}

// Status reads the current lock record, ignoring expired entries.
func (l *RWLock) Status(ctx context.Context) (Status, error) {
	raw, found, err := l.h.Store().Get(ctx, l.h.Key())
	if err != nil {
		return Status{}, err
	}
	st, err := decodeState(raw, found)
	if err != nil {
		return Status{}, err
	}
	st.prune(l.now())
	return st.status(), nil
}

// WithRead runs fn under a read guard and always releases it.
func WithRead(ctx context.Context, l *RWLock, fn func(ctx context.Context, g *ReadGuard) error) (err error) {
	g, err := l.RLock(ctx)
	if err != nil {
		return err
	}
	defer func() { err = l.finish(ctx, &g.guard, err) }()
	return fn(ctx, g)
}

// WithWrite runs fn under a write guard and always releases it.
func WithWrite(ctx context.Context, l *RWLock, fn func(ctx context.Context, g *WriteGuard) error) (err error) {
	g, err := l.Lock(ctx)
	if err != nil {
		return err
	}
	defer func() { err = l.finish(ctx, &g.guard, err) }()
	return fn(ctx, g)
}

func (l *RWLock) finish(ctx context.Context, g *guard, err error) error {
	relErr := g.Release(context.WithoutCancel(ctx))
	if errors.Is(relErr, backend.ErrOwnershipMismatch) {
		l.log.Warn("lease expired before release, critical section may have overlapped",
			zap.String("kind", g.kind),
			zap.Uint64("token", g.token),
		)
		return err
	}
	return errors.Join(err, relErr)
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
