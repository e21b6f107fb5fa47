package mutex

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/metrics"
)

// Guard is the only capability that can release an acquisition.
type Guard struct {
	m        *Mutex
	token    uint64
	tokenStr string
	released atomic.Bool
}

func (m *Mutex) newGuard(token uint64) *Guard {
	return &Guard{m: m, token: token, tokenStr: backend.FormatToken(token)}
}

// Token is the fencing token of this acquisition. Pass it to downstream
// systems so they can reject writes from a holder whose lease expired.
func (g *Guard) Token() uint64 {
	return g.token
}

// Key returns the store key of the lock.
func (g *Guard) Key() string {
	return g.m.Key()
}

// Released reports whether Release has been called.
func (g *Guard) Released() bool {
	return g.released.Load()
}

// Check reports ErrOwnershipMismatch if the lease is no longer held by this guard.
func (g *Guard) Check(ctx context.Context) error {
	if g.released.Load() {
		return fmt.Errorf("%w: guard already released", backend.ErrOwnershipMismatch)
	}
	holder, found, err := g.m.Holder(ctx)
	if err != nil {
		return err
	}
	if !found || holder != g.token {
		return fmt.Errorf("%w: %s token %d", backend.ErrOwnershipMismatch, g.Key(), g.token)
	}
	return nil
}

// Extend pushes the lease expiry to ttl from now. It fails with
// ErrOwnershipMismatch once the lease has been lost or released.
func (g *Guard) Extend(ctx context.Context, ttl time.Duration) error {
	if g.released.Load() {
		return fmt.Errorf("%w: guard already released", backend.ErrOwnershipMismatch)
	}
	ok, err := g.m.h.Store().RefreshLease(ctx, g.Key(), g.tokenStr, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s token %d", backend.ErrOwnershipMismatch, g.Key(), g.token)
	}
	return nil
}

// Release gives the lock up. Only the first call talks to the store; later
// calls return nil. If the lease expired and was reclaimed, nothing is
// deleted and the result matches backend.ErrOwnershipMismatch.
func (g *Guard) Release(ctx context.Context) error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}

	ok, err := g.m.h.Store().ReleaseLease(ctx, g.Key(), g.tokenStr)
	if err != nil {
		metrics.RecordRelease(metrics.KindMutex, "error")
		return err
	}
	if !ok {
		metrics.RecordRelease(metrics.KindMutex, "mismatch")
		return fmt.Errorf("%w: %s token %d", backend.ErrOwnershipMismatch, g.Key(), g.token)
	}

	metrics.RecordRelease(metrics.KindMutex, "released")
	g.m.log.Debug("lock released", zap.Uint64("token", g.token))
	return nil
}
