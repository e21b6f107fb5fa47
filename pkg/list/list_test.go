package list

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/memory"
	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
)

type ListSuite struct {
	suite.Suite
	clock *memory.ManualClock
	store *memory.Store
	ctx   context.Context
}

func TestListSuite(t *testing.T) {
	suite.Run(t, new(ListSuite))
}

func (s *ListSuite) SetupTest() {
	s.clock = memory.NewManualClock(time.Unix(1_700_000_000, 0))
	s.store = memory.NewStore()
	s.ctx = context.Background()
}

func (s *ListSuite) newList(opts ...Option[string]) *List[string] {
	base := []Option[string]{
		WithClock[string](s.clock.Now),
		WithLogger[string](zap.NewNop()),
	}
	l, err := New[string](s.store, "queue", append(base, opts...)...)
	s.Require().NoError(err)
	return l
}

func (s *ListSuite) items(l *List[string]) []string {
	items, err := l.Items(s.ctx)
	s.Require().NoError(err)
	return items
}

func (s *ListSuite) TestEmptyList() {
	l := s.newList()

	n, err := l.Len(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	_, err = l.Get(s.ctx, 0)
	s.ErrorIs(err, backend.ErrIndexOutOfRange)

	_, err = l.PopBack(s.ctx)
	s.ErrorIs(err, backend.ErrEmpty)
	_, err = l.PopFront(s.ctx)
	s.ErrorIs(err, backend.ErrEmpty)
}

func (s *ListSuite) TestPushThenLenOnSameHandle() {
	l := s.newList()

	n, err := l.Len(s.ctx)
	s.Require().NoError(err)
	s.Zero(n, "snapshot of the empty list is now cached")

	s.Require().NoError(l.PushBack(s.ctx, "a", "b"))

	n, err = l.Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, n, "a mutation drops the handle's own snapshot")
}

func (s *ListSuite) TestOtherHandleStaysStaleUntilRefresh() {
	writer := s.newList()
	reader := s.newList()

	s.Require().NoError(writer.PushBack(s.ctx, "a"))
	s.Equal([]string{"a"}, s.items(reader))

	s.Require().NoError(writer.PushBack(s.ctx, "b"))
	s.Equal([]string{"a"}, s.items(reader), "cached snapshot is served")

	s.Require().NoError(reader.Refresh(s.ctx))
	s.Equal([]string{"a", "b"}, s.items(reader))
}

func (s *ListSuite) TestCacheTTL() {
	writer := s.newList()
	reader := s.newList(WithCacheTTL[string](time.Second))

	s.Require().NoError(writer.PushBack(s.ctx, "a"))
	s.Equal([]string{"a"}, s.items(reader))

	s.Require().NoError(writer.PushBack(s.ctx, "b"))
	s.clock.Advance(500 * time.Millisecond)
	s.Equal([]string{"a"}, s.items(reader))

	s.clock.Advance(time.Second)
	s.Equal([]string{"a", "b"}, s.items(reader), "expired snapshot is refetched")
}

func (s *ListSuite) TestWithoutCache() {
	writer := s.newList()
	reader := s.newList(WithoutCache[string]())

	s.Require().NoError(writer.PushBack(s.ctx, "a"))
	s.Equal([]string{"a"}, s.items(reader))
	s.Require().NoError(writer.PushBack(s.ctx, "b"))
	s.Equal([]string{"a", "b"}, s.items(reader))
}

func (s *ListSuite) TestInvalidate() {
	writer := s.newList()
	reader := s.newList()

	s.Equal([]string{}, s.items(reader))
	s.Require().NoError(writer.PushBack(s.ctx, "a"))

	reader.Invalidate()
	s.Equal([]string{"a"}, s.items(reader))
}

func (s *ListSuite) TestSequenceOperations() {
	l := s.newList()

	s.Require().NoError(l.PushBack(s.ctx, "b", "c"))
	s.Require().NoError(l.PushFront(s.ctx, "a"))
	s.Require().NoError(l.Insert(s.ctx, 3, "d"))
	s.Require().NoError(l.Insert(s.ctx, 1, "x"))
	s.Equal([]string{"a", "x", "b", "c", "d"}, s.items(l))

	removed, err := l.Remove(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal("x", removed)

	s.Require().NoError(l.Set(s.ctx, 0, "A"))
	v, err := l.Get(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal("A", v)

	front, err := l.PopFront(s.ctx)
	s.Require().NoError(err)
	s.Equal("A", front)
	back, err := l.PopBack(s.ctx)
	s.Require().NoError(err)
	s.Equal("d", back)
	s.Equal([]string{"b", "c"}, s.items(l))

	found, err := l.Contains(s.ctx, "c", func(a, b string) bool { return a == b })
	s.Require().NoError(err)
	s.True(found)

	s.ErrorIs(l.Set(s.ctx, 2, "z"), backend.ErrIndexOutOfRange)
	s.ErrorIs(l.Insert(s.ctx, 3, "z"), backend.ErrIndexOutOfRange)
	_, err = l.Remove(s.ctx, -1)
	s.ErrorIs(err, backend.ErrIndexOutOfRange)

	s.Require().NoError(l.Clear(s.ctx))
	s.Empty(s.items(l))
}

func (s *ListSuite) TestVersionCountsMutations() {
	l := s.newList()

	s.Require().NoError(l.PushBack(s.ctx, "a"))
	s.Require().NoError(l.PushBack(s.ctx, "b"))
	_, err := l.PopBack(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(l.Clear(s.ctx))

	v, err := l.Version(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(4), v)

	_, err = l.PopBack(s.ctx)
	s.ErrorIs(err, backend.ErrEmpty)
	s.Require().NoError(l.Refresh(s.ctx))
	v, err = l.Version(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(4), v, "failed mutations write nothing")
}

func (s *ListSuite) TestItemsReturnsCopy() {
	l := s.newList()
	s.Require().NoError(l.PushBack(s.ctx, "a"))

	items := s.items(l)
	items[0] = "mutated"
	s.Equal([]string{"a"}, s.items(l))
}

func (s *ListSuite) TestConcurrentPushesAreAllKept() {
	const writers, each = 8, 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := s.newList(WithMaxRetries[string](1000))
			for i := 0; i < each; i++ {
				assert.NoError(s.T(), l.PushBack(s.ctx, "x"))
			}
		}()
	}
	wg.Wait()

	n, err := s.newList().Len(s.ctx)
	s.Require().NoError(err)
	s.Equal(writers*each, n)
}

func (s *ListSuite) TestCorruptRecord() {
	l := s.newList()
	s.Require().NoError(s.store.Set(s.ctx, l.Key(), []byte(`{"version":1,"items":[1]}`)))

	_, err := l.Len(s.ctx)
	s.ErrorIs(err, backend.ErrCorruptRecord, "an int item cannot decode as string")

	s.Require().NoError(s.store.Set(s.ctx, l.Key(), []byte("nope")))
	s.ErrorIs(l.PushBack(s.ctx, "a"), backend.ErrCorruptRecord)
}

// parkingStore holds the next Get until released, once armed.
type parkingStore struct {
	backend.Store
	armed   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func newParkingStore(inner backend.Store) *parkingStore {
	return &parkingStore{Store: inner, parked: make(chan struct{}), release: make(chan struct{})}
}

func (s *parkingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.parked)
		<-s.release
	}
	return s.Store.Get(ctx, key)
}

func TestReadOverlappingOwnPushIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := newParkingStore(memory.NewStore())
	l, err := New[string](store, "q", WithLogger[string](zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, l.PushBack(ctx, "a"))

	store.armed.Store(true)
	done := make(chan int)
	go func() {
		n, err := l.Len(ctx)
		assert.NoError(t, err)
		done <- n
	}()
	<-store.parked

	require.NoError(t, l.PushBack(ctx, "b"))
	close(store.release)
	assert.Contains(t, []int{1, 2}, <-done, "an overlapping read may see either state")

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the read that started before the push must not be cached")
}

func TestRefreshOverlappingOwnPushIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := newParkingStore(memory.NewStore())
	l, err := New[string](store, "q", WithLogger[string](zap.NewNop()))
	require.NoError(t, err)

	store.armed.Store(true)
	done := make(chan error)
	go func() { done <- l.Refresh(ctx) }()
	<-store.parked

	require.NoError(t, l.PushBack(ctx, "a"))
	close(store.release)
	require.NoError(t, <-done)

	items, err := l.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, items)
}

func TestSameHandleReadsAndPushesUnderLatency(t *testing.T) {
	const writers, each = 4, 10
	ctx := context.Background()
	l, err := New[int](storetest.Delayed(memory.NewStore(), time.Millisecond), "q", WithLogger[int](zap.NewNop()))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := l.Len(ctx)
				assert.NoError(t, err)
			}
		}()
	}

	var pushers sync.WaitGroup
	for w := 0; w < writers; w++ {
		pushers.Add(1)
		go func(w int) {
			defer pushers.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, l.PushBack(ctx, w*each+i))
				n, err := l.Len(ctx)
				assert.NoError(t, err)
				assert.GreaterOrEqual(t, n, i+1, "a push is visible to the next read on the same handle")
			}
		}(w)
	}
	pushers.Wait()
	close(stop)
	wg.Wait()

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*each, n)
}

func TestStoredLayout(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	l, err := New[int](store, "nums", WithLogger[int](zap.NewNop()))
	require.NoError(t, err)

	require.NoError(t, l.PushBack(ctx, 1, 2))

	raw, found, err := store.Get(ctx, "list:nums")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"version":1,"items":[1,2]}`, string(raw))
}

func TestNewValidates(t *testing.T) {
	_, err := New[int](nil, "k")
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)

	_, err = New[int](memory.NewStore(), "k", WithCacheTTL[int](-time.Second))
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}
