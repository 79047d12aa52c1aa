package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker fast-fails calls to a dependency presumed unhealthy.
// Thread-safe; the lock is never held while the guarded function runs.
type CircuitBreaker struct {
	name string
	mu   sync.Mutex

	state         State
	failureCount  int
	successCount  int
	lastFailure   time.Time
	probeInFlight bool

	// Configuration
	failureThreshold int           // Failures before opening
	successThreshold int           // Successes before closing (in half-open)
	timeout          time.Duration // Time before trying half-open
	isFailure        func(error) bool

	transitions metric.Int64Counter
	rejections  metric.Int64Counter
}

// CircuitBreakerConfig holds configuration for creating a circuit breaker.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	// IsFailure decides whether an error returned by the guarded function
	// counts toward the threshold. Errors it rejects are treated as a
	// healthy response from the dependency. Nil counts every error.
	// Caller cancellation never reaches it.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view for monitoring.
type BreakerSnapshot struct {
	Name        string
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
}

// NewCircuitBreaker creates a new circuit breaker. Zero thresholds fall back
// to the defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}

	cb := &CircuitBreaker{
		name:             cfg.Name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		isFailure:        cfg.IsFailure,
	}
	meter := otel.Meter("infra")
	cb.transitions, _ = meter.Int64Counter("breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"))
	cb.rejections, _ = meter.Int64Counter("breaker.rejections",
		metric.WithDescription("Calls rejected without invoking the dependency"))
	return cb
}

func defaultIsFailure(err error) bool {
	return err != nil
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker is open. An open breaker returns an
// errs.KindCircuitOpen error and fn is not invoked. A call cancelled by the
// caller, or one that panics, says nothing about the dependency: it frees the
// probe slot and leaves the counters alone.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	returned := false
	defer func() {
		if !returned {
			cb.release(probe)
		}
	}()

	ferr := fn(ctx)
	returned = true
	if errors.Is(ferr, context.Canceled) {
		cb.release(probe)
		return ferr
	}
	cb.record(probe, cb.isFailure(ferr))
	return ferr
}

// Call is Execute for functions returning a value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// acquire decides whether a call may proceed. In HALF_OPEN exactly one probe
// is admitted at a time.
func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		elapsed := time.Since(cb.lastFailure)
		if elapsed < cb.timeout {
			return false, cb.rejectLocked(cb.timeout - elapsed)
		}
		cb.transitionLocked(StateHalfOpen)
		cb.successCount = 0
		slog.Info("Circuit breaker transitioning to HALF_OPEN",
			slog.String("name", cb.name))
		cb.probeInFlight = true
		return true, nil

	case StateHalfOpen:
		if cb.probeInFlight {
			return false, cb.rejectLocked(0)
		}
		cb.probeInFlight = true
		return true, nil

	default:
		return false, cb.rejectLocked(0)
	}
}

func (cb *CircuitBreaker) rejectLocked(remaining time.Duration) error {
	if cb.rejections != nil {
		cb.rejections.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("breaker", cb.name)))
	}
	msg := "circuit breaker open"
	if cb.state == StateHalfOpen {
		msg = "circuit breaker half-open, probe in flight"
	} else if remaining > 0 {
		msg = fmt.Sprintf("circuit breaker open, retry in %s", remaining.Round(time.Millisecond))
	}
	return errs.New(errs.KindCircuitOpen,
		errs.WithOp(cb.name),
		errs.WithMessage(msg),
		errs.WithRetryAfter(remaining),
	)
}

func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(probe, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}
	if failed {
		cb.onFailureLocked()
	} else {
		cb.onSuccessLocked()
	}
}

// RecordSuccess records a successful operation performed outside Execute.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onSuccessLocked()
}

// RecordFailure records a failed operation performed outside Execute.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onFailureLocked()
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0

	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.transitionLocked(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			slog.Info("Circuit breaker CLOSED (recovered)",
				slog.String("name", cb.name))
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionLocked(StateOpen)
			slog.Warn("Circuit breaker OPEN (failures exceeded threshold)",
				slog.String("name", cb.name),
				slog.Int("failures", cb.failureCount))
		}

	case StateHalfOpen:
		// Any failure in half-open returns to open
		cb.transitionLocked(StateOpen)
		cb.successCount = 0
		slog.Warn("Circuit breaker OPEN (half-open test failed)",
			slog.String("name", cb.name))
	}
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	cb.state = to
	if cb.transitions != nil && from != to {
		cb.transitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("breaker", cb.name),
			attribute.String("from", from.String()),
			attribute.String("to", to.String()),
		))
	}
}

// GetState returns the current state (for monitoring).
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the counters and state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failureCount,
		Successes:   cb.successCount,
		LastFailure: cb.lastFailure,
	}
}

// Reset forces the circuit breaker to closed state (for testing/admin).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.probeInFlight = false
	slog.Info("Circuit breaker RESET", slog.String("name", cb.name))
}
