package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freshwaterbruce2/vibetech-sub003/internal/errs"
)

var errBoom = errors.New("boom")

func failing(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return errBoom
	}
}

func succeeding(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return nil
	}
}

func TestCircuitBreaker_AllowInClosed(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	var calls int32
	if err := cb.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Expected nil error in CLOSED state, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected state CLOSED, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_DefaultConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("rest")
	if cfg.FailureThreshold != 5 || cfg.SuccessThreshold != 2 || cfg.Timeout != 60*time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

// Three failing calls open the breaker; the fourth never reaches the dependency.
func TestCircuitBreaker_OpenFastFailsWithoutInvoking(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "rest",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	})

	var calls int32
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), failing(&calls)); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: expected dependency error, got %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected OPEN after 3 failures, got %s", cb.GetState())
	}

	err := cb.Execute(context.Background(), failing(&calls))
	if !errs.Is(err, errs.KindCircuitOpen) {
		t.Errorf("Expected CIRCUIT_OPEN, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected no invocation while open, got %d calls", calls)
	}
	if e, ok := errs.As(err); !ok || e.RetryAfter <= 0 || e.Op != "rest" {
		t.Errorf("Expected breaker name and cooldown in error, got %+v", e)
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	})

	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	cb.Execute(context.Background(), failing(&calls))
	if cb.GetState() != StateOpen {
		t.Fatal("Expected OPEN state")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Expected probe to be admitted, got %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HALF_OPEN after one probe success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SingleProbeInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})
	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(context.Background(), succeeding(&calls)); !errs.Is(err, errs.KindCircuitOpen) {
		t.Errorf("Expected second caller rejected during probe, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("Probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after probe success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_ClosesOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          10 * time.Millisecond,
	})

	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	cb.Execute(context.Background(), failing(&calls))

	time.Sleep(15 * time.Millisecond)

	cb.Execute(context.Background(), succeeding(&calls))
	if cb.GetState() != StateHalfOpen {
		t.Error("Should still be HALF_OPEN after 1 success")
	}

	cb.Execute(context.Background(), succeeding(&calls))
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after 2 successes, got %s", cb.GetState())
	}
	if snap := cb.Snapshot(); snap.Failures != 0 {
		t.Errorf("Expected failure count reset, got %d", snap.Failures)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	})
	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	time.Sleep(25 * time.Millisecond)

	cb.Execute(context.Background(), failing(&calls))
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected OPEN after failed probe, got %s", cb.GetState())
	}

	// Timer restarted by the failed probe.
	before := calls
	if err := cb.Execute(context.Background(), succeeding(&calls)); !errs.Is(err, errs.KindCircuitOpen) {
		t.Errorf("Expected CIRCUIT_OPEN right after reopening, got %v", err)
	}
	if calls != before {
		t.Error("dependency invoked while reopened")
	}
}

func TestCircuitBreaker_IsFailurePredicate(t *testing.T) {
	validation := errs.New(errs.KindValidation)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 2,
		Timeout:          time.Minute,
		IsFailure: func(err error) bool {
			return err != nil && !errs.Is(err, errs.KindValidation)
		},
	})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return validation })
		if !errs.Is(err, errs.KindValidation) {
			t.Fatalf("Expected caller error passed through, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Caller errors must not open the breaker, got %s", cb.GetState())
	}
}

func TestCall_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	v, err := Call(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("Expected 42, got %d (%v)", v, err)
	}
}

func TestCircuitBreaker_ConcurrentAccounting(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 1000,
		Timeout:          time.Minute,
	})

	var calls int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(context.Background(), failing(&calls))
		}()
	}
	wg.Wait()

	if snap := cb.Snapshot(); snap.Failures != 50 {
		t.Errorf("Expected 50 failures recorded, got %d", snap.Failures)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatal("Expected OPEN state")
	}

	cb.Reset()

	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after Reset, got %s", cb.GetState())
	}
	var calls int32
	if err := cb.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Expected call admitted after Reset, got %v", err)
	}
}

func TestCircuitBreaker_CancelledContextNotInvoked(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls int32
	if err := cb.Execute(ctx, succeeding(&calls)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if calls != 0 {
		t.Error("fn invoked with cancelled context")
	}
}

func cancelled(calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return context.Canceled
	}
}

// A probe abandoned by its caller proves nothing about the dependency.
func TestCircuitBreaker_CancelledProbeKeepsHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "token",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})

	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	if cb.GetState() != StateOpen {
		t.Fatalf("Expected OPEN, got %s", cb.GetState())
	}
	time.Sleep(30 * time.Millisecond)

	if err := cb.Execute(context.Background(), cancelled(&calls)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected HALF_OPEN after cancelled probe, got %s", cb.GetState())
	}

	// The probe slot is free again.
	if err := cb.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Expected next probe admitted, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED after real probe success, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_CancelledCallKeepsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "rest",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	cb.Execute(context.Background(), failing(&calls))
	cb.Execute(context.Background(), cancelled(&calls))
	if got := cb.Snapshot().Failures; got != 2 {
		t.Errorf("Expected 2 failures after cancellation, got %d", got)
	}
	cb.Execute(context.Background(), failing(&calls))
	if cb.GetState() != StateOpen {
		t.Errorf("Expected OPEN after third failure, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_PanickingProbeReleasesSlot(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "token",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})

	var calls int32
	cb.Execute(context.Background(), failing(&calls))
	time.Sleep(30 * time.Millisecond)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		cb.Execute(context.Background(), func(context.Context) error { panic("handler bug") })
	}()

	if err := cb.Execute(context.Background(), succeeding(&calls)); err != nil {
		t.Errorf("Expected probe admitted after panic, got %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", cb.GetState())
	}
}
