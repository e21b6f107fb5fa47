package rwlock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/metrics"
)

type guard struct {
	l        *RWLock
	token    uint64
	kind     string
	released atomic.Bool
}

// ReadGuard releases one shared acquisition.
type ReadGuard struct{ guard }

// WriteGuard releases the exclusive acquisition.
type WriteGuard struct{ guard }

// Token is the fencing token of this acquisition.
func (g *guard) Token() uint64 {
	return g.token
}

// Released reports whether Release has been called.
func (g *guard) Released() bool {
	return g.released.Load()
}

func (g *guard) holds(st *state) bool {
	if g.kind == metrics.KindWrite {
		return st.holdsWrite(g.token)
	}
	return st.holdsRead(backend.FormatToken(g.token))
}

func (g *guard) mismatch() error {
	return fmt.Errorf("%w: %s %s token %d", backend.ErrOwnershipMismatch, g.l.Key(), g.kind, g.token)
}

// Extend pushes this guard's lease expiry to ttl from now.
func (g *guard) Extend(ctx context.Context, ttl time.Duration) error {
	if g.released.Load() {
		return fmt.Errorf("%w: guard already released", backend.ErrOwnershipMismatch)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: lease ttl must be positive", backend.ErrInvalidArgument)
	}

	held := false
	err := g.l.update(ctx, func(st *state) (bool, error) {
		held = g.holds(st)
		if !held {
			return false, nil
		}
		expires := g.l.now().Add(ttl).UnixMilli()
		if g.kind == metrics.KindWrite {
			st.Writer.ExpiresAt = expires
		} else {
			st.Readers[backend.FormatToken(g.token)] = expires
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !held {
		return g.mismatch()
	}
	return nil
}

// Release gives the acquisition up. Only the first call talks to the store;
// later calls return nil. A lease that already expired yields
// backend.ErrOwnershipMismatch and changes nothing.
func (g *guard) Release(ctx context.Context) error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}

	held := false
	err := g.l.update(ctx, func(st *state) (bool, error) {
		held = g.holds(st)
		if !held {
			return false, nil
		}
		if g.kind == metrics.KindWrite {
			st.Writer = nil
		} else {
			delete(st.Readers, backend.FormatToken(g.token))
		}
		return true, nil
	})
	if err != nil {
		metrics.RecordRelease(g.kind, "error")
		return err
	}
	if !held {
		metrics.RecordRelease(g.kind, "mismatch")
		return g.mismatch()
	}

	metrics.RecordRelease(g.kind, "released")
	g.l.log.Debug("lock released", zap.String("kind", g.kind), zap.Uint64("token", g.token))
	return nil
}
