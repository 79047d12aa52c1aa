package infra

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_TryAcquire(t *testing.T) {
	// 60/min with buffer = 54/min, burst 2
	rl := NewRateLimiterForTier(RateTier{Public: 60, Private: 30, Trading: 15})

	if !rl.TryAcquire(ClassPublic) {
		t.Error("expected first TryAcquire to succeed")
	}
	if !rl.TryAcquire(ClassPublic) {
		t.Error("expected second TryAcquire to succeed")
	}
	if rl.TryAcquire(ClassPublic) {
		t.Error("expected third TryAcquire to fail")
	}

	// Classes have independent budgets.
	if !rl.TryAcquire(ClassTrading) {
		t.Error("expected trading budget untouched by public calls")
	}
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiterForTier(RateTier{Public: 60, Private: 2, Trading: 2})
	rl.TryAcquire(ClassPrivate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := rl.Wait(ctx, ClassPrivate)
	if err == nil {
		t.Fatal("expected Wait to fail: next token is ~60s away")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait should give up promptly, took %v", elapsed)
	}
}

func TestLookupRateTier(t *testing.T) {
	tier, err := LookupRateTier("Intermediate")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier.Public != 120 || tier.Private != 60 || tier.Trading != 30 {
		t.Errorf("Unexpected intermediate tier: %+v", tier)
	}
	if _, err := NewRateLimiter("platinum"); err == nil {
		t.Error("expected unknown tier to fail")
	}
}

func TestAttemptLimiter(t *testing.T) {
	l := NewAttemptLimiter(150, 10*time.Minute, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("attempt %d should be within burst", i)
		}
	}
	if l.Allow() {
		t.Error("expected burst exhausted")
	}

	unlimited := NewAttemptLimiter(0, 0, 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow() {
			t.Fatal("zero config should not limit")
		}
	}
}
