package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/memory"
	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
	"github.com/night-slayer18/dtypes/pkg/resilience"
)

func TestBreakerStoreConformance(t *testing.T) {
	storetest.Run(t, "breaker", func(t *testing.T) storetest.Harness {
		clock := memory.NewManualClock(time.Unix(1_700_000_000, 0))
		inner := memory.NewStore(memory.WithClock(clock.Now))
		cb := resilience.NewCircuitBreaker("test", resilience.StoreBreakerConfig())
		return storetest.Harness{
			Store:    resilience.BreakStore(inner, cb),
			LeaseTTL: time.Second,
			Advance:  clock.Advance,
		}
	})
}

func TestBreakerStoreFailsFastAfterConnectionErrors(t *testing.T) {
	inner := memory.NewStore()
	require.NoError(t, inner.Close())

	cfg := resilience.StoreBreakerConfig()
	cfg.FailureThreshold = 2
	store := resilience.BreakStore(inner, resilience.NewCircuitBreaker("test", cfg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "k")
		require.ErrorIs(t, err, memory.ErrClosed)
	}
	assert.Equal(t, resilience.CircuitOpen, store.Breaker().State())

	_, err := store.AcquireLease(ctx, "k", "t", time.Second)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.ErrorIs(t, err, backend.ErrConnection, "an open circuit still reads as a connection failure")
	assert.False(t, errors.Is(err, memory.ErrClosed), "open circuit must not reach the store")
}

func TestBreakerStoreIgnoresDataErrors(t *testing.T) {
	inner := memory.NewStore()
	cfg := resilience.StoreBreakerConfig()
	cfg.FailureThreshold = 1
	store := resilience.BreakStore(inner, resilience.NewCircuitBreaker("test", cfg))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("x")))
	_, err := store.Increment(ctx, "k")
	require.ErrorIs(t, err, backend.ErrCorruptRecord)

	assert.Equal(t, resilience.CircuitClosed, store.Breaker().State())
}
