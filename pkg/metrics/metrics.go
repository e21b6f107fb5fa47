package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dtypes"

// Lock kinds used as the "kind" label.
const (
	KindMutex = "mutex"
	KindRead  = "rwlock_read"
	KindWrite = "rwlock_write"
)

// Metrics holds all Prometheus metrics for dtypes.
// Using promauto for automatic registration with default registry.
var (
	// --- Lock Metrics ---

	// LockAcquireTotal counts acquisition attempts by outcome.
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisitions by kind and status (acquired, busy, timeout, error)",
		},
		[]string{"kind", "status"},
	)

	// LockAcquireDuration tracks how long callers waited for a lock.
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent waiting for a lock",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"kind", "status"},
	)

	// LockReleasesTotal counts guard releases by result.
	LockReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "releases_total",
			Help:      "Guard releases by kind and result (released, mismatch, error)",
		},
		[]string{"kind", "result"},
	)

	// --- Barrier Metrics ---

	// BarrierWaitsTotal counts barrier waits by outcome.
	BarrierWaitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barrier",
			Name:      "waits_total",
			Help:      "Barrier waits by result (leader, released, timeout, canceled, error)",
		},
		[]string{"result"},
	)

	// BarrierWaitDuration tracks time spent blocked at a barrier.
	BarrierWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "barrier",
			Name:      "wait_duration_seconds",
			Help:      "Time spent blocked at a barrier",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// --- Clock Value Metrics ---

	// ClockWritesTotal counts clock ordered writes by result.
	ClockWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "writes_total",
			Help:      "Clock ordered writes by result (committed, stale, diverged, error)",
		},
		[]string{"result"},
	)

	// ClockWriteConflicts counts lost compare-and-set races.
	ClockWriteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clock",
			Name:      "write_conflicts_total",
			Help:      "Compare-and-set races lost by clock ordered writers",
		},
	)

	// --- List Metrics ---

	// ListCacheTotal counts snapshot lookups.
	ListCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "list",
			Name:      "cache_total",
			Help:      "List snapshot lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	// --- Store Metrics ---

	// StoreOpsTotal counts backing store operations.
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ops_total",
			Help:      "Backing store operations by backend, op and status",
		},
		[]string{"backend", "op", "status"},
	)

	// StoreOpDuration tracks store round trip latency.
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "Backing store round trip latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"backend", "op"},
	)

	// --- Breaker Metrics ---

	// BreakerState is 0 closed, 1 open, 2 half-open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state changes by target state",
		},
		[]string{"breaker", "to"},
	)

	BreakerRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls refused without reaching the backing store",
		},
		[]string{"breaker"},
	)
)

// RecordAcquire records one finished acquisition.
func RecordAcquire(kind, status string, waited time.Duration) {
	LockAcquireTotal.WithLabelValues(kind, status).Inc()
	LockAcquireDuration.WithLabelValues(kind, status).Observe(waited.Seconds())
}

// RecordRelease records one guard release.
func RecordRelease(kind, result string) {
	LockReleasesTotal.WithLabelValues(kind, result).Inc()
}

// RecordBarrierWait records one finished barrier wait.
func RecordBarrierWait(result string, waited time.Duration) {
	BarrierWaitsTotal.WithLabelValues(result).Inc()
	BarrierWaitDuration.Observe(waited.Seconds())
}

// RecordClockWrite records a clock write and the races it lost on the way.
func RecordClockWrite(result string, conflicts int) {
	ClockWritesTotal.WithLabelValues(result).Inc()
	if conflicts > 0 {
		ClockWriteConflicts.Add(float64(conflicts))
	}
}

// RecordListCache records a snapshot hit or miss.
func RecordListCache(hit bool) {
	if hit {
		ListCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	ListCacheTotal.WithLabelValues("miss").Inc()
}

// RecordStoreOp records a store round trip.
func RecordStoreOp(backend, op string, err error, took time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOpsTotal.WithLabelValues(backend, op, status).Inc()
	StoreOpDuration.WithLabelValues(backend, op).Observe(took.Seconds())
}

// RecordBreakerState records a transition into state, given as its gauge
// value and its name.
func RecordBreakerState(breaker string, state int, name string) {
	BreakerState.WithLabelValues(breaker).Set(float64(state))
	BreakerTransitionsTotal.WithLabelValues(breaker, name).Inc()
}
