package ratelimit

import (
	"math"
	"math/bits"
	"time"
)

// Defaults for inbound telemetry: a 50-packet startup burst, then 100/s.
const (
	AudioProcessingCapacity   = 50
	AudioProcessingRefillRate = 100
)

const nanosPerSecond = uint64(time.Second)

// TokenBucket admits one event per token. It starts full and refills
// continuously at RefillRate tokens per second up to Capacity.
//
// A TokenBucket is not safe for concurrent use; it is owned by the single
// goroutine running the receive loop.
type TokenBucket struct {
	capacity   uint32
	tokens     uint32
	refillRate uint32
	lastRefill time.Time
	now        func() time.Time
}

// Option configures a TokenBucket
type Option func(*TokenBucket)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *TokenBucket) {
		b.now = now
	}
}

// New creates a full bucket.
func New(capacity, refillRate uint32, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.now()
	return b
}

// ForAudioProcessing returns a bucket tuned for level telemetry.
func ForAudioProcessing(opts ...Option) *TokenBucket {
	return New(AudioProcessingCapacity, AudioProcessingRefillRate, opts...)
}

// TryConsume takes one token if one is available.
func (b *TokenBucket) TryConsume() bool {
	b.refill()

	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

// TimeUntilNextToken returns false when a token is available now. Otherwise
// it returns the nominal inter-token interval as a wait hint; callers must
// re-check rather than rely on it as a deadline.
func (b *TokenBucket) TimeUntilNextToken() (time.Duration, bool) {
	b.refill()

	if b.tokens > 0 {
		return 0, false
	}
	if b.refillRate == 0 {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(nanosPerSecond / uint64(b.refillRate)), true
}

// Tokens returns the tokens currently available.
func (b *TokenBucket) Tokens() uint32 {
	b.refill()
	return b.tokens
}

// Capacity returns the bucket size
func (b *TokenBucket) Capacity() uint32 {
	return b.capacity
}

// refill adds elapsed*rate/1e9 whole tokens. lastRefill only moves when at
// least one token was added so fractional progress is not lost.
func (b *TokenBucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	add := tokensFor(uint64(elapsed), b.refillRate)
	if add == 0 {
		return
	}

	b.tokens = uint32(min(uint64(b.tokens)+uint64(add), uint64(b.capacity)))
	b.lastRefill = now
}

// tokensFor computes elapsedNanos*rate/1e9 in 128-bit arithmetic,
// saturating at MaxUint32.
func tokensFor(elapsedNanos uint64, rate uint32) uint32 {
	hi, lo := bits.Mul64(elapsedNanos, uint64(rate))
	if hi >= nanosPerSecond {
		return math.MaxUint32
	}
	q, _ := bits.Div64(hi, lo, nanosPerSecond)
	if q > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(q)
}
