package backend

import (
	"context"
	"time"
)

// Store is the capability every distributed type needs from the backing store.
// Each method must be a single atomic operation on the store side.
// Implementations never retry; transport failures come back as *ConnectionError.
type Store interface {
	// Get returns the current value of key. The boolean is false when the key
	// does not exist or holds an expired lease.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set overwrites key unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// CompareAndSet writes value only if the stored value equals expected.
	// A nil expected means "key is absent".
	CompareAndSet(ctx context.Context, key string, expected, value []byte) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds one to the integer stored at key (absent counts as 0)
	// and returns the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// AcquireLease claims key for token for ttl. It fails if another token holds an
	// unexpired lease. Acquiring again with the holding token refreshes the expiry.
	AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// RefreshLease extends the lease only if token still holds it.
	RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the lease only if token still holds it.
	ReleaseLease(ctx context.Context, key, token string) (bool, error)

	// SetIfHeld overwrites key only while token holds an unexpired lease on
	// leaseKey. The check and the write happen in one atomic operation.
	SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (bool, error)

	// GetIfHeld reads key in the same atomic operation that checks the lease.
	// When held is false value and found are meaningless.
	GetIfHeld(ctx context.Context, leaseKey, token, key string) (value []byte, found, held bool, err error)

	// Close releases the connection resources owned by the store.
	Close() error
}
