package barrier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/memory"
	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
	"github.com/night-slayer18/dtypes/pkg/resilience"
)

type BarrierSuite struct {
	suite.Suite
	store *memory.Store
	ctx   context.Context
}

func TestBarrierSuite(t *testing.T) {
	suite.Run(t, new(BarrierSuite))
}

func (s *BarrierSuite) SetupTest() {
	s.store = memory.NewStore()
	s.ctx = context.Background()
}

func (s *BarrierSuite) newBarrier(parties int, opts ...Option) *Barrier {
	base := []Option{
		WithBackoff(resilience.Constant(time.Millisecond)),
		WithLogger(zap.NewNop()),
	}
	b, err := New(s.store, "stage", parties, append(base, opts...)...)
	s.Require().NoError(err)
	return b
}

// waitAll runs n concurrent Waits, each on its own handle.
func (s *BarrierSuite) waitAll(parties, n int) []Result {
	results := make([]Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.newBarrier(parties).Wait(s.ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		s.Require().NoError(err)
	}
	return results
}

func leaders(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Leader {
			n++
		}
	}
	return n
}

func (s *BarrierSuite) TestReleasesAllParties() {
	results := s.waitAll(3, 3)

	s.Equal(1, leaders(results), "exactly the last arrival leads")
	for _, r := range results {
		s.Equal(uint64(0), r.Generation)
	}

	b := s.newBarrier(3)
	gen, err := b.Generation(s.ctx)
	s.Require().NoError(err)
	s.Equal(uint64(1), gen)

	waiting, err := b.Waiting(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, waiting)
}

func (s *BarrierSuite) TestNotReleasedEarly() {
	b := s.newBarrier(3)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.newBarrier(3).Wait(s.ctx)
			done <- err
		}()
	}

	s.Eventually(func() bool {
		n, err := b.Waiting(s.ctx)
		return err == nil && n == 2
	}, 2*time.Second, time.Millisecond)

	select {
	case <-done:
		s.Fail("released before the third arrival")
	case <-time.After(20 * time.Millisecond):
	}

	res, err := b.Wait(s.ctx)
	s.Require().NoError(err)
	s.True(res.Leader)
	s.NoError(<-done)
	s.NoError(<-done)
}

func (s *BarrierSuite) TestReuseNeedsNewArrivals() {
	first := s.waitAll(2, 2)
	second := s.waitAll(2, 2)

	s.Equal(uint64(0), first[0].Generation)
	s.Equal(uint64(1), second[0].Generation)
	s.Equal(1, leaders(second))

	_, err := s.newBarrier(2, WithTimeout(10*time.Millisecond)).Wait(s.ctx)
	s.ErrorIs(err, backend.ErrBarrierTimeout, "a lone arrival in generation 2 must wait")
}

func (s *BarrierSuite) TestSinglePartyNeverBlocks() {
	b := s.newBarrier(1)
	for want := uint64(0); want < 3; want++ {
		res, err := b.Wait(s.ctx)
		s.Require().NoError(err)
		s.Equal(Result{Generation: want, Leader: true}, res)
	}
}

func (s *BarrierSuite) TestTimeoutLeavesSlotConsumed() {
	b := s.newBarrier(2, WithTimeout(20*time.Millisecond))

	_, err := b.Wait(s.ctx)
	s.ErrorIs(err, backend.ErrBarrierTimeout)
	s.ErrorIs(err, context.DeadlineExceeded)

	waiting, err := b.Waiting(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, waiting, "the timed out arrival is still counted")

	res, err := s.newBarrier(2).Wait(s.ctx)
	s.Require().NoError(err)
	s.True(res.Leader, "one more arrival releases a generation of two")
	s.Equal(uint64(0), res.Generation)
}

func (s *BarrierSuite) TestCancellationIsNotATimeout() {
	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := s.newBarrier(2, WithTimeout(NoTimeout)).Wait(ctx)
	s.ErrorIs(err, context.Canceled)
	s.NotErrorIs(err, backend.ErrBarrierTimeout)
}

func (s *BarrierSuite) TestCorruptRecord() {
	b := s.newBarrier(2)
	s.Require().NoError(s.store.Set(s.ctx, b.Key(), []byte("{")))

	_, err := b.Wait(s.ctx)
	s.ErrorIs(err, backend.ErrCorruptRecord)

	_, err = b.Generation(s.ctx)
	s.ErrorIs(err, backend.ErrCorruptRecord)
}

func (s *BarrierSuite) TestStoreErrorsPropagate() {
	b := s.newBarrier(2)
	s.Require().NoError(s.store.Close())

	_, err := b.Wait(s.ctx)
	s.True(backend.IsConnectionError(err))
}

func (s *BarrierSuite) TestManyRounds() {
	const parties, rounds = 5, 4

	var (
		mu       sync.Mutex
		seen     = make(map[uint64]int)
		leadersN = make(map[uint64]int)
		wg       sync.WaitGroup
	)
	for p := 0; p < parties; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := s.newBarrier(parties, WithTimeout(10*time.Second))
			for r := 0; r < rounds; r++ {
				res, err := b.Wait(s.ctx)
				if !assert.NoError(s.T(), err) {
					return
				}
				mu.Lock()
				seen[res.Generation]++
				if res.Leader {
					leadersN[res.Generation]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for g := uint64(0); g < rounds; g++ {
		s.Equal(parties, seen[g], "generation %d", g)
		s.Equal(1, leadersN[g], "generation %d", g)
	}
}

// slowWaitAll runs one Wait per party over a store with a 1ms round trip.
func slowWaitAll(t *testing.T, parties int, opts ...Option) []Result {
	t.Helper()
	store := storetest.Delayed(memory.NewStore(), time.Millisecond)
	ctx := context.Background()

	results := make([]Result, parties)
	errs := make([]error, parties)
	var wg sync.WaitGroup
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := New(store, "crowd", parties, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = b.Wait(ctx)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			t.Log(err)
		}
	}
	require.Zero(t, failed, "%d of %d arrivals failed", failed, parties)

	b, err := New(store, "crowd", parties)
	require.NoError(t, err)
	gen, err := b.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	return results
}

func TestHundredPartiesOverSlowStore(t *testing.T) {
	results := slowWaitAll(t, 100)

	n := 0
	for _, r := range results {
		assert.Equal(t, uint64(0), r.Generation)
		if r.Leader {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestArrivalOutlastsLostRaceRounds(t *testing.T) {
	// one compare-and-set per round, so most rounds end in ErrConvergence
	results := slowWaitAll(t, 20, WithMaxRetries(1), WithBackoff(resilience.Constant(time.Millisecond)))
	assert.Len(t, results, 20)
}

func TestNewValidates(t *testing.T) {
	store := memory.NewStore()

	_, err := New(store, "b", 0)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)

	_, err = New(nil, "b", 2)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)

	b, err := New(store, "b", 2)
	require.NoError(t, err)
	assert.Equal(t, "barrier:b", b.Key())
	assert.Equal(t, 2, b.Parties())
}

func TestWaitResult(t *testing.T) {
	assert.Equal(t, "leader", waitResult(Result{Leader: true}, nil))
	assert.Equal(t, "released", waitResult(Result{}, nil))
	assert.Equal(t, "timeout", waitResult(Result{}, fmt.Errorf("%w: k", backend.ErrBarrierTimeout)))
	assert.Equal(t, "canceled", waitResult(Result{}, context.Canceled))
	assert.Equal(t, "error", waitResult(Result{}, errors.New("x")))
}
