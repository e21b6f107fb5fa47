package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
)

// Set DTYPES_TEST_ETCD_ENDPOINTS=localhost:2379 to run against a live cluster.
func endpoints(t *testing.T) []string {
	raw := os.Getenv("DTYPES_TEST_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("DTYPES_TEST_ETCD_ENDPOINTS not set")
	}
	return strings.Split(raw, ",")
}

func TestStoreConformance(t *testing.T) {
	eps := endpoints(t)

	storetest.Run(t, "etcd", func(t *testing.T) storetest.Harness {
		cfg := DefaultConfig(eps)
		cfg.Prefix = "/dtypes-test/" + uuid.NewString() + "/"
		store, err := NewStore(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		return storetest.Harness{
			Store: store,
			// etcd rounds lease ttls up to its own minimum, about two seconds
			LeaseTTL: 2 * time.Second,
			Advance: func(d time.Duration) {
				time.Sleep(d + 1500*time.Millisecond)
			},
		}
	})
}

func newTestStore(t *testing.T) *Store {
	cfg := DefaultConfig(endpoints(t))
	cfg.Prefix = "/dtypes-test/" + uuid.NewString() + "/"
	store, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func leaseOf(t *testing.T, s *Store, key string) clientv3.LeaseID {
	resp, err := s.client.Get(context.Background(), s.k(key))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	return clientv3.LeaseID(resp.Kvs[0].Lease)
}

func requireRevoked(t *testing.T, s *Store, id clientv3.LeaseID) {
	ttl, err := s.client.TimeToLive(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ttl.TTL, "lease %x should be gone", id)
}

func TestRefreshRevokesReplacedLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "lock:orders", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	first := leaseOf(t, s, "lock:orders")

	ok, err = s.RefreshLease(ctx, "lock:orders", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	second := leaseOf(t, s, "lock:orders")
	assert.NotEqual(t, first, second)
	requireRevoked(t, s, first)

	ok, err = s.AcquireLease(ctx, "lock:orders", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	requireRevoked(t, s, second)
}

func TestAcquireOnHeldKeyGrantsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "lock:orders", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := s.client.Leases(ctx)
	require.NoError(t, err)
	for range 5 {
		ok, err = s.AcquireLease(ctx, "lock:orders", "2", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	after, err := s.client.Leases(ctx)
	require.NoError(t, err)
	assert.Len(t, after.Leases, len(before.Leases))
}

func TestLeaseSeconds(t *testing.T) {
	assert.Equal(t, int64(1), leaseSeconds(time.Millisecond))
	assert.Equal(t, int64(2), leaseSeconds(2*time.Second))
	assert.Equal(t, int64(3), leaseSeconds(2*time.Second+time.Nanosecond))
}
