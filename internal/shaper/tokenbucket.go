// Package shaper holds the single-threaded shaping primitives: a token
// bucket, a flow-ordered delay queue and a Bernoulli loss simulator.
// None of them block or read the clock; callers pass the current time.
package shaper

import (
	"math"
	"time"
)

// tokenEpsilon absorbs float rounding so that a request retried exactly
// at its WaitUntil is admitted.
const tokenEpsilon = 1e-6

// Decision is the result of an admission check.
type Decision struct {
	Allow bool
	// WaitUntil is the earliest instant the same request can succeed.
	// Zero when Allow is true.
	WaitUntil time.Time
}

// TokenBucket is a byte-denominated token bucket.
// Invariant: 0 <= tokens <= capacity.
type TokenBucket struct {
	rate       float64 // bytes per second, 0 = unlimited
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket refilled at rate bytes/s. A
// non-positive capacity selects one second worth of rate.
func NewTokenBucket(rate, capacity float64, now time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = rate
	}
	return &TokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: now,
	}
}

// CapacityFor returns the bucket capacity for rate and a burst window.
func CapacityFor(rate float64, burst time.Duration) float64 {
	if burst <= 0 {
		burst = time.Second
	}
	return rate * burst.Seconds()
}

// Rate returns the refill rate in bytes/s.
func (b *TokenBucket) Rate() float64 { return b.rate }

// Capacity returns the bucket size in bytes.
func (b *TokenBucket) Capacity() float64 { return b.capacity }

// Tokens returns the token count as of the last refill.
func (b *TokenBucket) Tokens() float64 { return b.tokens }

// Unlimited reports whether the bucket admits everything.
func (b *TokenBucket) Unlimited() bool { return b.rate <= 0 }

func (b *TokenBucket) refill(now time.Time) {
	if !now.After(b.lastRefill) {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

// Admit decides whether size bytes may pass at now and consumes the
// tokens if so. A request larger than the capacity is admitted once the
// bucket is full and leaves it empty.
func (b *TokenBucket) Admit(size int, now time.Time) Decision {
	if b.Unlimited() {
		return Decision{Allow: true}
	}
	b.refill(now)

	need := float64(size)
	if need > b.capacity {
		need = b.capacity
	}
	if b.tokens+tokenEpsilon >= need {
		b.tokens = math.Max(0, b.tokens-float64(size))
		return Decision{Allow: true}
	}

	deficit := need - b.tokens
	wait := time.Duration(math.Ceil(deficit * float64(time.Second) / b.rate))
	return Decision{WaitUntil: now.Add(wait)}
}

// SetRate changes rate and capacity. Tokens accrued so far are credited
// at the old rate and then clamped to the new capacity.
func (b *TokenBucket) SetRate(rate, capacity float64, now time.Time) {
	if !b.Unlimited() {
		b.refill(now)
	} else {
		b.tokens = math.Inf(1)
		b.lastRefill = now
	}
	if capacity <= 0 {
		capacity = rate
	}
	b.rate = rate
	b.capacity = capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Reset sets the token count at now, clamped to [0, capacity].
func (b *TokenBucket) Reset(now time.Time, tokens float64) {
	b.tokens = math.Max(0, math.Min(tokens, b.capacity))
	b.lastRefill = now
}
