package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, "redis", func(t *testing.T) storetest.Harness {
		mr := miniredis.RunT(t)
		store, err := NewStoreWithConfig(DefaultConfig(mr.Addr()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		return storetest.Harness{
			Store:    store,
			LeaseTTL: time.Second,
			Advance: func(d time.Duration) {
				mr.FastForward(d + time.Millisecond)
			},
		}
	})
}

func TestNewStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultConfig(addr)
	cfg.DialTimeout = 200 * time.Millisecond
	_, err := NewStoreWithConfig(cfg)
	require.Error(t, err)
	assert.True(t, backend.IsConnectionError(err))
}

func TestOperationsAfterServerLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := NewStoreFromClient(client)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v")))

	mr.Close()

	_, _, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, backend.ErrConnection)

	_, err = store.AcquireLease(ctx, "lease", "holder", time.Second)
	assert.ErrorIs(t, err, backend.ErrConnection)
}

func TestIncrementRejectsNonInteger(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	require.NoError(t, mr.Set("k", "abc"))
	_, err := store.Increment(ctx, "k")
	assert.ErrorIs(t, err, backend.ErrCorruptRecord)
	assert.False(t, backend.IsConnectionError(err))
}

func TestLeaseUsesServerExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "lease", "holder", 1500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 1500*time.Millisecond, mr.TTL("lease"))
}

func TestCompareAndSetBinaryValues(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	first := []byte{0x00, 0xff, 0x10}
	ok, err := store.CompareAndSet(ctx, "bin", nil, first)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.CompareAndSet(ctx, "bin", first, []byte{0x01})
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := store.Get(ctx, "bin")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{0x01}, got)
}

func TestTTLMillisRoundsUp(t *testing.T) {
	assert.Equal(t, int64(1), ttlMillis(time.Microsecond))
	assert.Equal(t, int64(1000), ttlMillis(time.Second))
	assert.Equal(t, int64(1001), ttlMillis(time.Second+time.Nanosecond))
}
