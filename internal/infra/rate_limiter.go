package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// EndpointClass groups REST endpoints that share an exchange rate budget.
type EndpointClass int

const (
	ClassPublic EndpointClass = iota
	ClassPrivate
	ClassTrading
)

func (c EndpointClass) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassPrivate:
		return "private"
	case ClassTrading:
		return "trading"
	default:
		return "unknown"
	}
}

// RateTier is a requests-per-minute budget per endpoint class.
type RateTier struct {
	Public  int
	Private int
	Trading int
}

// Kraken account tiers (requests per minute).
var rateTiers = map[string]RateTier{
	"starter":      {Public: 60, Private: 30, Trading: 15},
	"intermediate": {Public: 120, Private: 60, Trading: 30},
	"pro":          {Public: 300, Private: 180, Trading: 60},
}

// rateBuffer keeps us this far under the published limit.
const rateBuffer = 0.1

// LookupRateTier returns the tier by name (case-insensitive).
func LookupRateTier(name string) (RateTier, error) {
	tier, ok := rateTiers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return RateTier{}, fmt.Errorf("unknown rate tier %q", name)
	}
	return tier, nil
}

// RateLimiter throttles REST calls per endpoint class.
// It only waits; it never retries.
type RateLimiter struct {
	limiters map[EndpointClass]*rate.Limiter
}

// NewRateLimiter builds limiters for the named tier with the safety buffer applied.
func NewRateLimiter(tierName string) (*RateLimiter, error) {
	tier, err := LookupRateTier(tierName)
	if err != nil {
		return nil, err
	}
	return NewRateLimiterForTier(tier), nil
}

// NewRateLimiterForTier builds limiters for an explicit budget.
func NewRateLimiterForTier(tier RateTier) *RateLimiter {
	return &RateLimiter{
		limiters: map[EndpointClass]*rate.Limiter{
			ClassPublic:  perMinuteLimiter(tier.Public),
			ClassPrivate: perMinuteLimiter(tier.Private),
			ClassTrading: perMinuteLimiter(tier.Trading),
		},
	}
}

func perMinuteLimiter(perMinute int) *rate.Limiter {
	effective := int(float64(perMinute) * (1 - rateBuffer))
	if effective < 1 {
		effective = 1
	}
	burst := effective / 20
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(effective)), burst)
}

// Wait blocks until the class has budget or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context, class EndpointClass) error {
	l, ok := r.limiters[class]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}

// TryAcquire takes a token without blocking.
func (r *RateLimiter) TryAcquire(class EndpointClass) bool {
	l, ok := r.limiters[class]
	if !ok {
		return true
	}
	return l.Allow()
}

// NewAttemptLimiter allows n attempts per window with a burst of burst.
// Used to cap WebSocket connection attempts.
func NewAttemptLimiter(n int, window time.Duration, burst int) *rate.Limiter {
	if n <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), burst)
}
