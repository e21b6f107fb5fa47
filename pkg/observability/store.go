package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/night-slayer18/dtypes/pkg/backend"
	"github.com/night-slayer18/dtypes/pkg/metrics"
)

// InstrumentedStore wraps every store round trip in a client span and
// records it in the store metrics.
type InstrumentedStore struct {
	next    backend.Store
	backend string
	tracer  trace.Tracer
}

// InstrumentStore decorates next. A nil tracer uses the global provider.
func InstrumentStore(next backend.Store, backendName string, tracer trace.Tracer) *InstrumentedStore {
	if tracer == nil {
		tracer = otel.Tracer("github.com/night-slayer18/dtypes")
	}
	return &InstrumentedStore{next: next, backend: backendName, tracer: tracer}
}

func (s *InstrumentedStore) observe(ctx context.Context, op, key string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, "dtypes.store."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", s.backend),
			attribute.String("dtypes.key", key),
		),
	)
	defer span.End()
	span.SetAttributes(attrs...)

	start := time.Now()
	err := fn(ctx)
	metrics.RecordStoreOp(s.backend, op, err, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	err = s.observe(ctx, "get", key, func(ctx context.Context) error {
		var e error
		value, found, e = s.next.Get(ctx, key)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dtypes.found", found))
		return e
	})
	return value, found, err
}

func (s *InstrumentedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.observe(ctx, "set", key, func(ctx context.Context) error {
		return s.next.Set(ctx, key, value)
	}, attribute.Int("dtypes.value_bytes", len(value)))
}

func (s *InstrumentedStore) CompareAndSet(ctx context.Context, key string, expected, value []byte) (ok bool, err error) {
	err = s.observe(ctx, "cas", key, func(ctx context.Context) error {
		var e error
		ok, e = s.next.CompareAndSet(ctx, key, expected, value)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dtypes.swapped", ok))
		return e
	}, attribute.Bool("dtypes.expect_absent", expected == nil))
	return ok, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	return s.observe(ctx, "delete", key, func(ctx context.Context) error {
		return s.next.Delete(ctx, key)
	})
}

func (s *InstrumentedStore) Increment(ctx context.Context, key string) (n int64, err error) {
	err = s.observe(ctx, "incr", key, func(ctx context.Context) error {
		var e error
		n, e = s.next.Increment(ctx, key)
		return e
	})
	return n, err
}

func (s *InstrumentedStore) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error) {
	err = s.observe(ctx, "lease_acquire", key, func(ctx context.Context) error {
		var e error
		ok, e = s.next.AcquireLease(ctx, key, token, ttl)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dtypes.acquired", ok))
		return e
	}, attribute.String("dtypes.token", token), attribute.Int64("dtypes.ttl_ms", ttl.Milliseconds()))
	return ok, err
}

func (s *InstrumentedStore) RefreshLease(ctx context.Context, key, token string, ttl time.Duration) (ok bool, err error) {
	err = s.observe(ctx, "lease_refresh", key, func(ctx context.Context) error {
		var e error
		ok, e = s.next.RefreshLease(ctx, key, token, ttl)
		return e
	}, attribute.String("dtypes.token", token), attribute.Int64("dtypes.ttl_ms", ttl.Milliseconds()))
	return ok, err
}

func (s *InstrumentedStore) ReleaseLease(ctx context.Context, key, token string) (ok bool, err error) {
	err = s.observe(ctx, "lease_release", key, func(ctx context.Context) error {
		var e error
		ok, e = s.next.ReleaseLease(ctx, key, token)
		return e
	}, attribute.String("dtypes.token", token))
	return ok, err
}

func (s *InstrumentedStore) SetIfHeld(ctx context.Context, leaseKey, token, key string, value []byte) (ok bool, err error) {
	err = s.observe(ctx, "guarded_set", key, func(ctx context.Context) error {
		var e error
		ok, e = s.next.SetIfHeld(ctx, leaseKey, token, key, value)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dtypes.held", ok))
		return e
	}, attribute.String("dtypes.lease_key", leaseKey), attribute.String("dtypes.token", token), attribute.Int("dtypes.value_bytes", len(value)))
	return ok, err
}

func (s *InstrumentedStore) GetIfHeld(ctx context.Context, leaseKey, token, key string) (value []byte, found, held bool, err error) {
	err = s.observe(ctx, "guarded_get", key, func(ctx context.Context) error {
		var e error
		value, found, held, e = s.next.GetIfHeld(ctx, leaseKey, token, key)
		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("dtypes.held", held), attribute.Bool("dtypes.found", found))
		return e
	}, attribute.String("dtypes.lease_key", leaseKey), attribute.String("dtypes.token", token))
	return value, found, held, err
}

func (s *InstrumentedStore) Close() error {
	return s.next.Close()
}

var _ backend.Store = (*InstrumentedStore)(nil)
