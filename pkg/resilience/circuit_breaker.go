package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/night-slayer18/dtypes/pkg/metrics"
)

// ErrCircuitOpen is returned, without running the call, while the circuit
// is open or while every half-open trial slot is taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig: FailureThreshold consecutive failures open the
// circuit. After Timeout up to MaxRequests concurrent trial calls are let
// through, and SuccessThreshold successful trials close it again.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MaxRequests      int
	// IsFailure picks the errors that count. Nil counts every error.
	IsFailure func(error) bool
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig
	log  *zap.Logger
	now  func() time.Time

	mu    sync.Mutex
	state CircuitState
	// generation changes on every transition. Results of calls admitted
	// under an older generation are dropped.
	generation     uint64
	failures       int
	trialSuccesses int
	trials         int
	openUntil      time.Time
	lastFailure    time.Time
}

type BreakerOption func(*CircuitBreaker)

func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.log = l }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// NewCircuitBreaker returns a closed breaker. name labels its log lines and
// its dtypes_breaker_* metrics.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name: name,
		cfg:  cfg,
		log:  zap.NewNop(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	metrics.BreakerState.WithLabelValues(name).Set(float64(CircuitClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire(cb.now())
	return cb.state
}

// Execute runs fn unless the circuit refuses it. fn's own error is returned
// unchanged.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := cb.admit()
	if err != nil {
		metrics.BreakerRejectionsTotal.WithLabelValues(cb.name).Inc()
		return err
	}
	err = fn()
	cb.record(gen, err)
	return err
}

// expire turns an open circuit half-open once its timeout has passed.
// Caller holds mu.
func (cb *CircuitBreaker) expire(now time.Time) {
	if cb.state == CircuitOpen && !now.Before(cb.openUntil) {
		cb.moveTo(CircuitHalfOpen, now)
	}
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.expire(cb.now())
	switch cb.state {
	case CircuitOpen:
		return 0, ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.trials >= cb.cfg.MaxRequests {
			return 0, ErrCircuitOpen
		}
		cb.trials++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	now := cb.now()
	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))
	if failed {
		cb.lastFailure = now
	}

	switch cb.state {
	case CircuitClosed:
		if !failed {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.moveTo(CircuitOpen, now)
		}
	case CircuitHalfOpen:
		cb.trials--
		if failed {
			cb.moveTo(CircuitOpen, now)
			return
		}
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.cfg.SuccessThreshold {
			cb.moveTo(CircuitClosed, now)
		}
	}
}

// moveTo starts a new generation in state to. Caller holds mu.
func (cb *CircuitBreaker) moveTo(to CircuitState, now time.Time) {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.trials = 0
	cb.trialSuccesses = 0
	switch to {
	case CircuitOpen:
		cb.openUntil = now.Add(cb.cfg.Timeout)
	case CircuitClosed:
		cb.failures = 0
	}

	metrics.RecordBreakerState(cb.name, int(to), to.String())
	cb.log.Info("circuit breaker state changed",
		zap.String("breaker", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// Reset closes the circuit and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.moveTo(CircuitClosed, cb.now())
	}
	cb.failures = 0
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.expire(cb.now())
	return BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state.String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}
