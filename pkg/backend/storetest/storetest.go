// Package storetest holds the conformance suite every backend.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// Harness is what a backend hands to the suite.
type Harness struct {
	Store backend.Store

	// LeaseTTL is the shortest lease the backend honours reliably.
	LeaseTTL time.Duration

	// Advance lets at least d pass as far as lease expiry is concerned.
	// Fake clocks jump, real backends sleep.
	Advance func(d time.Duration)
}

// Factory creates a fresh harness for one sub test.
type Factory func(t *testing.T) Harness

// Run executes the whole suite against the backend produced by factory.
func Run(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("GetSet", func(t *testing.T) { testGetSet(t, factory(t)) })
		t.Run("CompareAndSet", func(t *testing.T) { testCompareAndSet(t, factory(t)) })
		t.Run("ConcurrentCompareAndSet", func(t *testing.T) { testConcurrentCompareAndSet(t, factory(t)) })
		t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
		t.Run("Increment", func(t *testing.T) { testIncrement(t, factory(t)) })
		t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, factory(t)) })
		t.Run("Lease", func(t *testing.T) { testLease(t, factory(t)) })
		t.Run("LeaseRefresh", func(t *testing.T) { testLeaseRefresh(t, factory(t)) })
		t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, factory(t)) })
		t.Run("ConcurrentLease", func(t *testing.T) { testConcurrentLease(t, factory(t)) })
		t.Run("GuardedValue", func(t *testing.T) { testGuardedValue(t, factory(t)) })
		t.Run("GuardedValueAfterExpiry", func(t *testing.T) { testGuardedValueAfterExpiry(t, factory(t)) })
	})
}

// key isolates sub tests that share a real server. The braces keep a lease
// and its guarded key in one Redis Cluster slot.
func key(t *testing.T) string {
	return fmt.Sprintf("storetest:{%s:%s}", t.Name(), uuid.NewString())
}

func testGetSet(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	_, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found, "missing key should not be found")

	require.NoError(t, h.Store.Set(ctx, k, []byte("value-1")))
	got, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value-1"), got)

	require.NoError(t, h.Store.Set(ctx, k, []byte("value-2")))
	got, _, err = h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("value-2"), got)

	// returned slices must not alias stored state
	got[0] = 'X'
	again, _, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("value-2"), again)
}

func testCompareAndSet(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	ok, err := h.Store.CompareAndSet(ctx, k, nil, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok, "CAS from absent should succeed on a missing key")

	ok, err = h.Store.CompareAndSet(ctx, k, nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok, "CAS from absent should fail once the key exists")

	ok, err = h.Store.CompareAndSet(ctx, k, []byte("wrong"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), got, "failed CAS must not write")

	ok, err = h.Store.CompareAndSet(ctx, k, []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err = h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)

	ok, err = h.Store.CompareAndSet(ctx, key(t), []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok, "CAS with an expected value should fail on a missing key")
}

func testConcurrentCompareAndSet(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	const contenders = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.Store.CompareAndSet(ctx, k, nil, []byte(strconv.Itoa(i)))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one contender may create the key")
}

func testDelete(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	require.NoError(t, h.Store.Set(ctx, k, []byte("v")))
	require.NoError(t, h.Store.Delete(ctx, k))

	_, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, h.Store.Delete(ctx, k), "deleting a missing key is not an error")
}

func testIncrement(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	n, err := h.Store.Increment(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = h.Store.Increment(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(got))
}

func testConcurrentIncrement(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	const workers, perWorker = 8, 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				n, err := h.Store.Increment(ctx, k)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[n], "value %d returned twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func testLease(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)
	ttl := 30 * time.Second

	ok, err := h.Store.AcquireLease(ctx, k, "holder-1", ttl)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "holder-1", string(got), "lease value is the holder token")

	ok, err = h.Store.AcquireLease(ctx, k, "holder-2", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "a held lease cannot be taken by another token")

	ok, err = h.Store.AcquireLease(ctx, k, "holder-1", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "the holder may re-acquire to refresh")

	ok, err = h.Store.ReleaseLease(ctx, k, "holder-2")
	require.NoError(t, err)
	assert.False(t, ok, "release with a foreign token must fail")

	ok, err = h.Store.ReleaseLease(ctx, k, "holder-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Store.ReleaseLease(ctx, k, "holder-1")
	require.NoError(t, err)
	assert.False(t, ok, "second release is a mismatch")

	ok, err = h.Store.AcquireLease(ctx, k, "holder-2", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free again")
}

func testLeaseRefresh(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	ok, err := h.Store.RefreshLease(ctx, k, "holder-1", h.LeaseTTL)
	require.NoError(t, err)
	assert.False(t, ok, "refreshing a missing lease fails")

	ok, err = h.Store.AcquireLease(ctx, k, "holder-1", h.LeaseTTL)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Store.RefreshLease(ctx, k, "holder-2", h.LeaseTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = h.Store.RefreshLease(ctx, k, "holder-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// the refreshed lease outlives the original ttl
	h.Advance(h.LeaseTTL)
	ok, err = h.Store.AcquireLease(ctx, k, "holder-2", h.LeaseTTL)
	require.NoError(t, err)
	assert.False(t, ok, "refreshed lease should still be held")
}

func testLeaseExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	ok, err := h.Store.AcquireLease(ctx, k, "holder-1", h.LeaseTTL)
	require.NoError(t, err)
	require.True(t, ok)

	h.Advance(h.LeaseTTL)

	_, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found, "expired lease is logically absent")

	ok, err = h.Store.AcquireLease(ctx, k, "holder-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease can be reclaimed")

	ok, err = h.Store.ReleaseLease(ctx, k, "holder-1")
	require.NoError(t, err)
	assert.False(t, ok, "stale holder cannot release the new lease")

	ok, err = h.Store.RefreshLease(ctx, k, "holder-1", h.LeaseTTL)
	require.NoError(t, err)
	assert.False(t, ok, "stale holder cannot refresh the new lease")

	got, _, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "holder-2", string(got))
}

func testConcurrentLease(t *testing.T, h Harness) {
	ctx := context.Background()
	k := key(t)

	const contenders = 16
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := h.Store.AcquireLease(ctx, k, "holder-"+strconv.Itoa(i), 30*time.Second)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one contender may hold the lease")
}

func testGuardedValue(t *testing.T, h Harness) {
	ctx := context.Background()
	lease := key(t)
	k := lease + ":value"

	ok, err := h.Store.SetIfHeld(ctx, lease, "holder-1", k, []byte("v0"))
	require.NoError(t, err)
	assert.False(t, ok, "no lease, no write")
	_, found, err := h.Store.Get(ctx, k)
	require.NoError(t, err)
	assert.False(t, found)

	ok, err = h.Store.AcquireLease(ctx, lease, "holder-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, held, err := h.Store.GetIfHeld(ctx, lease, "holder-1", k)
	require.NoError(t, err)
	assert.True(t, held)
	assert.False(t, found)

	ok, err = h.Store.SetIfHeld(ctx, lease, "holder-1", k, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, held, err := h.Store.GetIfHeld(ctx, lease, "holder-1", k)
	require.NoError(t, err)
	require.True(t, held)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), got)

	ok, err = h.Store.SetIfHeld(ctx, lease, "holder-2", k, []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok, "a foreign token cannot write")
	_, _, held, err = h.Store.GetIfHeld(ctx, lease, "holder-2", k)
	require.NoError(t, err)
	assert.False(t, held)

	ok, err = h.Store.ReleaseLease(ctx, lease, "holder-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.Store.SetIfHeld(ctx, lease, "holder-1", k, []byte("v3"))
	require.NoError(t, err)
	assert.False(t, ok, "a released token cannot write")

	got, found, err = h.Store.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, found, "releasing the lease keeps the value")
	assert.Equal(t, []byte("v1"), got)
}

func testGuardedValueAfterExpiry(t *testing.T, h Harness) {
	ctx := context.Background()
	lease := key(t)
	k := lease + ":value"

	ok, err := h.Store.AcquireLease(ctx, lease, "holder-1", h.LeaseTTL)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = h.Store.SetIfHeld(ctx, lease, "holder-1", k, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	h.Advance(h.LeaseTTL)

	ok, err = h.Store.SetIfHeld(ctx, lease, "holder-1", k, []byte("stale"))
	require.NoError(t, err)
	assert.False(t, ok, "an expired lease guards nothing")

	ok, err = h.Store.AcquireLease(ctx, lease, "holder-2", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	got, found, held, err := h.Store.GetIfHeld(ctx, lease, "holder-2", k)
	require.NoError(t, err)
	require.True(t, held)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), got, "the new holder sees the last write of the old one")

	_, _, held, err = h.Store.GetIfHeld(ctx, lease, "holder-1", k)
	require.NoError(t, err)
	assert.False(t, held)
}
