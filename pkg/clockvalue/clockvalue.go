// Package clockvalue stores a value together with a logical counter.
//
// Every committed write carries a counter exactly one greater than the write
// before it, so concurrent writers end up totally ordered without talking
// to each other: each one reads the current counter, proposes the next, and
// retries if another writer got there first.
package clockvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/metrics"
)

// record is the stored form. Value holds the codec output verbatim.
type record struct {
	Counter uint64          `json:"counter"`
	Value   json.RawMessage `json:"value"`
}

// Value is a handle on one clock ordered value.
type Value[T any] struct {
	h          backend.Handle
	codec      backend.Codec[T]
	maxRetries int
	log        *zap.Logger

	// highest counter this handle has written or read
	observed atomic.Uint64
}

// Option configures a Value.
type Option[T any] func(*Value[T])

// WithMaxRetries bounds the optimistic write loop.
func WithMaxRetries[T any](n int) Option[T] {
	return func(v *Value[T]) { v.maxRetries = n }
}

// WithCodec replaces the JSON codec. The codec output must be valid JSON.
func WithCodec[T any](c backend.Codec[T]) Option[T] {
	return func(v *Value[T]) { v.codec = c }
}

// WithLogger replaces the package logger.
func WithLogger[T any](log *zap.Logger) Option[T] {
	return func(v *Value[T]) { v.log = log }
}

// New creates a handle for the value named key.
func New[T any](store backend.Store, key string, opts ...Option[T]) (*Value[T], error) {
	h, err := backend.NewHandle(store, backend.NamespaceClock, key)
	if err != nil {
		return nil, err
	}

	v := &Value[T]{
		h:          h,
		codec:      backend.JSONCodec[T]{},
		maxRetries: backend.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.maxRetries <= 0 {
		return nil, fmt.Errorf("%w: max retries must be positive", backend.ErrInvalidArgument)
	}
	if v.log == nil {
		v.log = logger.Named("clockvalue")
	}
	v.log = v.log.With(zap.String("key", h.Key()))
	return v, nil
}

// Key returns the store key of the record.
func (v *Value[T]) Key() string {
	return v.h.Key()
}

// Counter returns the highest counter this handle has seen.
func (v *Value[T]) Counter() uint64 {
	return v.observed.Load()
}

func (v *Value[T]) observe(counter uint64) {
	for {
		cur := v.observed.Load()
		if counter <= cur || v.observed.CompareAndSwap(cur, counter) {
			return
		}
	}
}

func decode(raw []byte, found bool) (record, bool, error) {
	if !found {
		return record{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, false, fmt.Errorf("%w: clock record: %v", backend.ErrCorruptRecord, err)
	}
	return rec, true, nil
}

func (v *Value[T]) encode(val T, counter uint64) ([]byte, error) {
	payload, err := v.codec.Marshal(val)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record{Counter: counter, Value: payload})
}

// Write stores val with the next counter and returns that counter. Losing a
// race to another writer means re-reading and trying again, up to the retry
// bound, after which ErrConvergence is returned.
func (v *Value[T]) Write(ctx context.Context, val T) (uint64, error) {
	var (
		counter   uint64
		conflicts = -1
	)
	err := backend.Update(ctx, v.h.Store(), v.h.Key(), v.maxRetries, func(raw []byte, found bool) ([]byte, bool, error) {
		conflicts++
		rec, _, err := decode(raw, found)
		if err != nil {
			return nil, false, err
		}
		counter = rec.Counter + 1
		next, err := v.encode(val, counter)
		return next, err == nil, err
	})
	if conflicts < 0 {
		conflicts = 0
	}

	switch {
	case err == nil:
		metrics.RecordClockWrite("committed", conflicts)
	case errors.Is(err, backend.ErrConvergence):
		metrics.RecordClockWrite("diverged", conflicts)
		v.log.Warn("clock write did not converge", zap.Int("attempts", v.maxRetries))
		return 0, err
	default:
		metrics.RecordClockWrite("error", conflicts)
		return 0, err
	}

	v.observe(counter)
	return counter, nil
}

// WriteAt stores val only if counter is greater than the stored counter.
// It makes a single attempt and fails with ErrStaleCounter otherwise. A
// concurrent writer slipping in between is reported the same way.
func (v *Value[T]) WriteAt(ctx context.Context, val T, counter uint64) error {
	store := v.h.Store()
	raw, found, err := store.Get(ctx, v.h.Key())
	if err != nil {
		metrics.RecordClockWrite("error", 0)
		return err
	}
	rec, _, err := decode(raw, found)
	if err != nil {
		metrics.RecordClockWrite("error", 0)
		return err
	}
	if counter <= rec.Counter {
		metrics.RecordClockWrite("stale", 0)
		return fmt.Errorf("%w: %s has %d, offered %d", backend.ErrStaleCounter, v.h.Key(), rec.Counter, counter)
	}

	next, err := v.encode(val, counter)
	if err != nil {
		return err
	}
	var expected []byte
	if found {
		expected = raw
		if expected == nil {
			expected = []byte{}
		}
	}
	ok, err := store.CompareAndSet(ctx, v.h.Key(), expected, next)
	if err != nil {
		metrics.RecordClockWrite("error", 0)
		return err
	}
	if !ok {
		metrics.RecordClockWrite("stale", 1)
		return fmt.Errorf("%w: %s changed concurrently", backend.ErrStaleCounter, v.h.Key())
	}

	metrics.RecordClockWrite("committed", 0)
	v.observe(counter)
	return nil
}

// Read returns the stored value and its counter. found is false if nothing
// was ever written.
func (v *Value[T]) Read(ctx context.Context) (val T, counter uint64, found bool, err error) {
	raw, ok, err := v.h.Store().Get(ctx, v.h.Key())
	if err != nil {
		return val, 0, false, err
	}
	rec, found, err := decode(raw, ok)
	if err != nil || !found {
		return val, 0, false, err
	}
	val, err = v.codec.Unmarshal(rec.Value)
	if err != nil {
		return val, 0, false, err
	}
	v.observe(rec.Counter)
	return val, rec.Counter, true, nil
}

// Load refreshes the handle's observed counter and returns the value.
// A missing record yields the zero value.
func (v *Value[T]) Load(ctx context.Context) (T, error) {
	val, _, _, err := v.Read(ctx)
	return val, err
}
