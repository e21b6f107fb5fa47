package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// ErrClosed is wrapped in a ConnectionError once the store is closed.
var ErrClosed = errors.New("memory store closed")

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a single process backend. Every operation runs inside
// xsync.MapOf.Compute, which serialises writers per key. Lease changes and
// lease guarded access also hold leaseMu, so a guarded call sees the lease
// and the guarded key at one instant.
type Store struct {
	id      string
	data    *xsync.MapOf[string, entry]
	now     func() time.Time
	closed  atomic.Bool
	leaseMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		id:   uuid.NewString(),
		data: xsync.NewMapOf[string, entry](),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID identifies this store instance in logs.
func (s *Store) ID() string {
	return s.id
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) check(op, key string) error {
	if s.closed.Load() {
		return backend.NewConnectionError(op, key, ErrClosed)
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.check("get", key); err != nil {
		return nil, false, err
	}
	e, ok := s.data.Load(key)
	if !ok || e.expired(s.now()) {
		return nil, false, nil
	}
	return clone(e.value), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.check("set", key); err != nil {
		return err
	}
	s.data.Store(key, entry{value: clone(value)})
	return nil
}

func (s *Store) CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if err := s.check("cas", key); err != nil {
		return false, err
	}

	swapped := false
	now := s.now()
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		present := loaded && !old.expired(now)
		switch {
		case expected == nil && !present:
			swapped = true
		case expected != nil && present && bytes.Equal(old.value, expected):
			swapped = true
		}
		if !swapped {
			// keep whatever is there, dropping it only if it was never present
			return old, !loaded
		}
		return entry{value: clone(value)}, false
	})
	return swapped, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check("delete", key); err != nil {
		return err
	}
	s.data.Delete(key)
	return nil
}

func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	if err := s.check("incr", key); err != nil {
		return 0, err
	}

	var (
		result int64
		opErr  error
	)
	now := s.now()
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		var current int64
		if loaded && !old.expired(now) {
			n, err := strconv.ParseInt(string(old.value), 10, 64)
			if err != nil {
				opErr = fmt.Errorf("%w: %s is not an integer", backend.ErrCorruptRecord, key)
				return old, false
			}
			current = n
		}
		result = current + 1
		return entry{value: []byte(strconv.FormatInt(result, 10))}, false
	})
	return result, opErr
}

func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.check("lease_acquire", key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	acquired := false
	now := s.now()
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if loaded && !old.expired(now) && string(old.value) != token {
			return old, false
		}
		acquired = true
		return entry{value: []byte(token), expiresAt: now.Add(ttl)}, false
	})
	return acquired, nil
}

func (s *Store) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.check("lease_refresh", key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	refreshed := false
	now := s.now()
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.expired(now) || string(old.value) != token {
			return old, false
		}
		refreshed = true
		return entry{value: old.value, expiresAt: now.Add(ttl)}, false
	})
	return refreshed, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	if err := s.check("lease_release", key); err != nil {
		return false, err
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	released := false
	now := s.now()
	s.data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if old.expired(now) || string(old.value) != token {
			return old, false
		}
		released = true
		return old, true
	})
	return released, nil
}

// held reports whether token owns the lease at leaseKey. Caller holds leaseMu.
func (s *Store) held(leaseKey, token string) bool {
	e, ok := s.data.Load(leaseKey)
	return ok && !e.expired(s.now()) && string(e.value) == token
}

func (s *Store) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error) {
	if err := s.check("guarded_set", key); err != nil {
		return false, err
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if !s.held(leaseKey, token) {
		return false, nil
	}
	s.data.Store(key, entry{value: clone(value)})
	return true, nil
}

func (s *Store) GetIfHeld(ctx context.Context, leaseKey, token, key string) ([]byte, bool, bool, error) {
	if err := s.check("guarded_get", key); err != nil {
		return nil, false, false, err
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if !s.held(leaseKey, token) {
		return nil, false, false, nil
	}
	e, ok := s.data.Load(key)
	if !ok || e.expired(s.now()) {
		return nil, false, true, nil
	}
	return clone(e.value), true, true, nil
}

var _ backend.Store = (*Store)(nil)
