// Package list provides a store backed sequence with a local read cache.
//
// The whole list lives in one record under "list:<key>" carrying a version
// that every mutation bumps, and every mutation is a compare-and-set of that
// record. Reads are served from a snapshot of the last fetched record.
//
// A mutation through a handle drops that handle's snapshot, so the handle
// reads its own writes. Mutations made through other handles or other
// processes are not visible until the snapshot is refetched, either because
// it is older than the cache TTL or because Refresh was called. Callers that
// need the current contents must Refresh or use WithoutCache.
package list

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/logger"
	"github.com/night-slayer18/dtypes/pkg/metrics"
)

type record struct {
	Version uint64            `json:"version"`
	Items   []json.RawMessage `json:"items"`
}

type snapshot[T any] struct {
	version uint64
	items   []T
	fetched time.Time
}

// List is a handle on one distributed list.
type List[T any] struct {
	h          backend.Handle
	codec      backend.Codec[T]
	maxRetries int
	cache      bool
	cacheTTL   time.Duration
	now        func() time.Time
	log        *zap.Logger

	mu   sync.Mutex
	snap *snapshot[T]
	// epoch counts invalidations. A fetch is installed only if no
	// invalidation happened while it was in flight.
	epoch uint64
}

// Option configures a List.
type Option[T any] func(*List[T])

// WithCacheTTL bounds snapshot age. Zero keeps a snapshot until the handle
// mutates the list or Refresh is called.
func WithCacheTTL[T any](ttl time.Duration) Option[T] {
	return func(l *List[T]) { l.cacheTTL = ttl }
}

// WithoutCache makes every read go to the store.
func WithoutCache[T any]() Option[T] {
	return func(l *List[T]) { l.cache = false }
}

// WithMaxRetries bounds each mutation's compare-and-set loop.
func WithMaxRetries[T any](n int) Option[T] {
	return func(l *List[T]) { l.maxRetries = n }
}

// WithCodec replaces the JSON codec for items. The codec output must be valid JSON.
func WithCodec[T any](c backend.Codec[T]) Option[T] {
	return func(l *List[T]) { l.codec = c }
}

// WithClock replaces time.Now for snapshot aging.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(l *List[T]) { l.now = now }
}

// WithLogger replaces the package logger.
func WithLogger[T any](log *zap.Logger) Option[T] {
	return func(l *List[T]) { l.log = log }
}

// New creates a handle for the list named key.
func New[T any](store backend.Store, key string, opts ...Option[T]) (*List[T], error) {
	h, err := backend.NewHandle(store, backend.NamespaceList, key)
	if err != nil {
		return nil, err
	}

	l := &List[T]{
		h:          h,
		codec:      backend.JSONCodec[T]{},
		maxRetries: backend.DefaultMaxRetries,
		cache:      true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cacheTTL < 0 {
		return nil, fmt.Errorf("%w: negative cache ttl", backend.ErrInvalidArgument)
	}
	if l.log == nil {
		l.log = logger.Named("list")
	}
	l.log = l.log.With(zap.String("key", h.Key()))
	return l, nil
}

// Key returns the store key of the list record.
func (l *List[T]) Key() string {
	return l.h.Key()
}

func (l *List[T]) decode(raw []byte, found bool) (uint64, []T, error) {
	if !found {
		return 0, nil, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, nil, fmt.Errorf("%w: list record: %v", backend.ErrCorruptRecord, err)
	}
	items := make([]T, 0, len(rec.Items))
	for i, data := range rec.Items {
		v, err := l.codec.Unmarshal(data)
		if err != nil {
			return 0, nil, fmt.Errorf("list item %d: %w", i, err)
		}
		items = append(items, v)
	}
	return rec.Version, items, nil
}

func (l *List[T]) encode(version uint64, items []T) ([]byte, error) {
	rec := record{Version: version, Items: make([]json.RawMessage, 0, len(items))}
	for _, v := range items {
		data, err := l.codec.Marshal(v)
		if err != nil {
			return nil, err
		}
		rec.Items = append(rec.Items, data)
	}
	return json.Marshal(rec)
}

// Invalidate drops the local snapshot. Reads already in flight will not
// install what they fetched.
func (l *List[T]) Invalidate() {
	l.mu.Lock()
	l.snap = nil
	l.epoch++
	l.mu.Unlock()
}

// install stores snap unless the snapshot was invalidated since epoch.
func (l *List[T]) install(snap *snapshot[T], epoch uint64) {
	l.mu.Lock()
	if l.epoch == epoch {
		l.snap = snap
	}
	l.mu.Unlock()
}

// mutate applies fn to the current items as one compare-and-set. The
// snapshot is dropped both before and after, so no read that overlaps the
// mutation can cache what it saw.
func (l *List[T]) mutate(ctx context.Context, op string, fn func(items []T) ([]T, error)) error {
	l.Invalidate()
	defer l.Invalidate()

	err := backend.Update(ctx, l.h.Store(), l.h.Key(), l.maxRetries, func(raw []byte, found bool) ([]byte, bool, error) {
		version, items, err := l.decode(raw, found)
		if err != nil {
			return nil, false, err
		}
		next, err := fn(items)
		if err != nil {
			return nil, false, err
		}
		data, err := l.encode(version+1, next)
		return data, err == nil, err
	})
	if err != nil {
		l.log.Debug("list mutation failed", zap.String("op", op), zap.Error(err))
	}
	return err
}

func (l *List[T]) fetch(ctx context.Context) (*snapshot[T], error) {
	raw, found, err := l.h.Store().Get(ctx, l.h.Key())
	if err != nil {
		return nil, err
	}
	version, items, err := l.decode(raw, found)
	if err != nil {
		return nil, err
	}
	return &snapshot[T]{version: version, items: items, fetched: l.now()}, nil
}

// view returns the snapshot reads are served from. Snapshots are never
// modified after creation, so callers may read them without the lock.
func (l *List[T]) view(ctx context.Context) (*snapshot[T], error) {
	if !l.cache {
		return l.fetch(ctx)
	}

	l.mu.Lock()
	snap, epoch := l.snap, l.epoch
	l.mu.Unlock()
	if snap != nil && (l.cacheTTL == 0 || l.now().Sub(snap.fetched) < l.cacheTTL) {
		metrics.RecordListCache(true)
		return snap, nil
	}

	metrics.RecordListCache(false)
	snap, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}
	l.install(snap, epoch)
	return snap, nil
}

// Refresh replaces the snapshot with the current store contents. If the
// handle mutates the list meanwhile, the fetched contents are discarded and
// the next read fetches again.
func (l *List[T]) Refresh(ctx context.Context) error {
	l.mu.Lock()
	epoch := l.epoch
	l.mu.Unlock()

	snap, err := l.fetch(ctx)
	if err != nil {
		return err
	}
	l.install(snap, epoch)
	return nil
}

// Get returns the item at index i.
func (l *List[T]) Get(ctx context.Context, i int) (T, error) {
	var zero T
	snap, err := l.view(ctx)
	if err != nil {
		return zero, err
	}
	if i < 0 || i >= len(snap.items) {
		return zero, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, len(snap.items))
	}
	return snap.items[i], nil
}

// Len returns the number of items.
func (l *List[T]) Len(ctx context.Context) (int, error) {
	snap, err := l.view(ctx)
	if err != nil {
		return 0, err
	}
	return len(snap.items), nil
}

// Items returns a copy of all items.
func (l *List[T]) Items(ctx context.Context) ([]T, error) {
	snap, err := l.view(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(snap.items))
	copy(out, snap.items)
	return out, nil
}

// Contains reports whether any item equals v according to eq.
func (l *List[T]) Contains(ctx context.Context, v T, eq func(a, b T) bool) (bool, error) {
	snap, err := l.view(ctx)
	if err != nil {
		return false, err
	}
	for _, item := range snap.items {
		if eq(item, v) {
			return true, nil
		}
	}
	return false, nil
}

// Version returns the version of the snapshot reads are served from.
func (l *List[T]) Version(ctx context.Context) (uint64, error) {
	snap, err := l.view(ctx)
	if err != nil {
		return 0, err
	}
	return snap.version, nil
}

// PushBack appends vals.
func (l *List[T]) PushBack(ctx context.Context, vals ...T) error {
	return l.mutate(ctx, "push_back", func(items []T) ([]T, error) {
		return append(items, vals...), nil
	})
}

// PushFront prepends v.
func (l *List[T]) PushFront(ctx context.Context, v T) error {
	return l.mutate(ctx, "push_front", func(items []T) ([]T, error) {
		return append([]T{v}, items...), nil
	})
}

// PopBack removes and returns the last item, or ErrEmpty.
func (l *List[T]) PopBack(ctx context.Context) (T, error) {
	var popped T
	err := l.mutate(ctx, "pop_back", func(items []T) ([]T, error) {
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: %s", backend.ErrEmpty, l.h.Key())
		}
		popped = items[len(items)-1]
		return items[:len(items)-1], nil
	})
	return popped, err
}

// PopFront removes and returns the first item, or ErrEmpty.
func (l *List[T]) PopFront(ctx context.Context) (T, error) {
	var popped T
	err := l.mutate(ctx, "pop_front", func(items []T) ([]T, error) {
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: %s", backend.ErrEmpty, l.h.Key())
		}
		popped = items[0]
		return items[1:], nil
	})
	return popped, err
}

// Set replaces the item at index i.
func (l *List[T]) Set(ctx context.Context, i int, v T) error {
	return l.mutate(ctx, "set", func(items []T) ([]T, error) {
		if i < 0 || i >= len(items) {
			return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, len(items))
		}
		items[i] = v
		return items, nil
	})
}

// Insert places v at index i, shifting later items. i may equal the length.
func (l *List[T]) Insert(ctx context.Context, i int, v T) error {
	return l.mutate(ctx, "insert", func(items []T) ([]T, error) {
		if i < 0 || i > len(items) {
			return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, len(items))
		}
		var zero T
		items = append(items, zero)
		copy(items[i+1:], items[i:])
		items[i] = v
		return items, nil
	})
}

// Remove deletes and returns the item at index i.
func (l *List[T]) Remove(ctx context.Context, i int) (T, error) {
	var removed T
	err := l.mutate(ctx, "remove", func(items []T) ([]T, error) {
		if i < 0 || i >= len(items) {
			return nil, fmt.Errorf("%w: %d of %d", backend.ErrIndexOutOfRange, i, len(items))
		}
		removed = items[i]
		return append(items[:i], items[i+1:]...), nil
	})
	return removed, err
}

// Clear removes every item. The version keeps counting.
func (l *List[T]) Clear(ctx context.Context) error {
	return l.mutate(ctx, "clear", func([]T) ([]T, error) {
		return nil, nil
	})
}
