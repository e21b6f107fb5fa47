package mutex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/backend"
)

// Value is a payload that only the current holder of a Mutex can read or
// write. It lives next to the lock at "lock:<key>:value", and every access
// checks the holder token in the same store operation that touches the
// payload, so a guard whose lease expired can never overwrite the work of
// the next holder.
//
// On Redis Cluster name the lock with a hash tag, e.g. "{orders}", so the
// lock and its value share a slot.
type Value[T any] struct {
	m     *Mutex
	key   string
	codec backend.Codec[T]
}

// ValueOption configures a Value.
type ValueOption[T any] func(*Value[T])

// WithValueCodec replaces the JSON codec.
func WithValueCodec[T any](c backend.Codec[T]) ValueOption[T] {
	return func(v *Value[T]) { v.codec = c }
}

// NewValue binds a payload to m.
func NewValue[T any](m *Mutex, opts ...ValueOption[T]) *Value[T] {
	v := &Value[T]{
		m:     m,
		key:   m.h.Sub("value"),
		codec: backend.JSONCodec[T]{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Key returns the store key of the payload.
func (v *Value[T]) Key() string {
	return v.key
}

func (v *Value[T]) check(g *Guard) error {
	if g == nil || g.m.Key() != v.m.Key() {
		return fmt.Errorf("%w: guard does not belong to lock %s", backend.ErrInvalidArgument, v.m.Key())
	}
	if g.released.Load() {
		return fmt.Errorf("%w: guard already released", backend.ErrOwnershipMismatch)
	}
	return nil
}

// Store writes x if g still holds the lock, and fails with
// backend.ErrOwnershipMismatch otherwise.
func (v *Value[T]) Store(ctx context.Context, g *Guard, x T) error {
	if err := v.check(g); err != nil {
		return err
	}
	data, err := v.codec.Marshal(x)
	if err != nil {
		return err
	}
	ok, err := v.m.h.Store().SetIfHeld(ctx, g.Key(), g.tokenStr, v.key, data)
	if err != nil {
		return err
	}
	if !ok {
		v.m.log.Debug("guarded write refused", zap.Uint64("token", g.token))
		return fmt.Errorf("%w: %s token %d", backend.ErrOwnershipMismatch, g.Key(), g.token)
	}
	return nil
}

// Load reads the payload if g still holds the lock. found is false until
// the first Store.
func (v *Value[T]) Load(ctx context.Context, g *Guard) (x T, found bool, err error) {
	if err := v.check(g); err != nil {
		return x, false, err
	}
	data, found, held, err := v.m.h.Store().GetIfHeld(ctx, g.Key(), g.tokenStr, v.key)
	if err != nil {
		return x, false, err
	}
	if !held {
		return x, false, fmt.Errorf("%w: %s token %d", backend.ErrOwnershipMismatch, g.Key(), g.token)
	}
	if !found {
		return x, false, nil
	}
	x, err = v.codec.Unmarshal(data)
	if err != nil {
		return x, false, err
	}
	return x, true, nil
}
