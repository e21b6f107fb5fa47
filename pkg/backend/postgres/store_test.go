package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/backend/storetest"
	"github.com/night-slayer18/dtypes/pkg/models"
)

// Set DTYPES_TEST_POSTGRES_DSN to run against a live database.
func dsn(t *testing.T) string {
	v := os.Getenv("DTYPES_TEST_POSTGRES_DSN")
	if v == "" {
		t.Skip("DTYPES_TEST_POSTGRES_DSN not set")
	}
	return v
}

func newStore(t *testing.T) *Store {
	store, err := NewStore(DefaultConfig(dsn(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreConformance(t *testing.T) {
	dsn(t)

	storetest.Run(t, "postgres", func(t *testing.T) storetest.Harness {
		return storetest.Harness{
			Store:    newStore(t),
			LeaseTTL: time.Second,
			Advance: func(d time.Duration) {
				time.Sleep(d + 200*time.Millisecond)
			},
		}
	})
}

func TestSweepRemovesExpiredLeases(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "sweep-test", "holder", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(300 * time.Millisecond)

	n, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestNewStoreRejectsBadSweepSchedule(t *testing.T) {
	cfg := DefaultConfig("host=localhost")
	cfg.SweepSchedule = "every now and then"

	_, err := NewStore(cfg)
	assert.ErrorIs(t, err, backend.ErrInvalidArgument)
}

func TestScheduledSweep(t *testing.T) {
	cfg := DefaultConfig(dsn(t))
	cfg.SweepSchedule = "@every 1s"
	store, err := NewStore(cfg)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	ok, err := store.AcquireLease(ctx, "scheduled-sweep", "holder", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		var count int64
		store.db.WithContext(ctx).Model(&models.Entry{}).Where("id = ?", "scheduled-sweep").Count(&count)
		return count == 0
	}, 5*time.Second, 100*time.Millisecond)
}
