package infra

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// Standard reconnect backoff bounds
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// ReconnectBackoff is an exponential reconnect delay bounded by a max interval.
// It never gives up; the caller's context ends the retry loop.
type ReconnectBackoff struct {
	b   *backoff.ExponentialBackOff
	max time.Duration
}

// NewReconnectBackoff returns a backoff starting at initial and capped at max.
// Non-positive values fall back to 1s and 60s.
func NewReconnectBackoff(initial, max time.Duration) *ReconnectBackoff {
	if initial <= 0 {
		initial = baseDelay
	}
	if max <= 0 {
		max = maxDelay
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return &ReconnectBackoff{b: b, max: max}
}

// Next returns the delay before the next attempt.
func (r *ReconnectBackoff) Next() time.Duration {
	d := r.b.NextBackOff()
	if d == backoff.Stop || d > r.max {
		return r.max
	}
	return d
}

// Reset starts the sequence over after a healthy connection.
func (r *ReconnectBackoff) Reset() {
	r.b.Reset()
}
