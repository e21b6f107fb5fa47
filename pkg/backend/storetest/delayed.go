package storetest

import (
	"context"
	"time"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// DelayedStore adds a fixed round trip to every call, so tests against an
// in-process store see the interleavings a networked backend produces.
type DelayedStore struct {
	backend.Store
	delay time.Duration
}

func Delayed(store backend.Store, delay time.Duration) *DelayedStore {
	return &DelayedStore{Store: store, delay: delay}
}

func (s *DelayedStore) pause(ctx context.Context) error {
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *DelayedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.pause(ctx); err != nil {
		return nil, false, err
	}
	return s.Store.Get(ctx, key)
}

func (s *DelayedStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	return s.Store.Set(ctx, key, value)
}

func (s *DelayedStore) CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error) {
	if err := s.pause(ctx); err != nil {
		return false, err
	}
	return s.Store.CompareAndSet(ctx, key, expected, value)
}

func (s *DelayedStore) Delete(ctx context.Context, key string) error {
	if err := s.pause(ctx); err != nil {
		return err
	}
	return s.Store.Delete(ctx, key)
}

func (s *DelayedStore) Increment(ctx context.Context, key string) (int64, error) {
	if err := s.pause(ctx); err != nil {
		return 0, err
	}
	return s.Store.Increment(ctx, key)
}

func (s *DelayedStore) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.pause(ctx); err != nil {
		return false, err
	}
	return s.Store.AcquireLease(ctx, key, token, ttl)
}

func (s *DelayedStore) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := s.pause(ctx); err != nil {
		return false, err
	}
	return s.Store.RefreshLease(ctx, key, token, ttl)
}

func (s *DelayedStore) ReleaseLease(ctx context.Context, key, token string) (bool, error) {
	if err := s.pause(ctx); err != nil {
		return false, err
	}
	return s.Store.ReleaseLease(ctx, key, token)
}

func (s *DelayedStore) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error) {
	if err := s.pause(ctx); err != nil {
		return false, err
	}
	return s.Store.SetIfHeld(ctx, leaseKey, token, key, value)
}

func (s *DelayedStore) GetIfHeld(ctx context.Context, leaseKey, token, key string) ([]byte, bool, bool, error) {
	if err := s.pause(ctx); err != nil {
		return nil, false, false, err
	}
	return s.Store.GetIfHeld(ctx, leaseKey, token, key)
}
