package retry

import (
	"context"
	"math/bits"
	"math/rand/v2"
	"time"
)

// Preset delays
const (
	DefaultInitialDelay           = time.Second
	InitialConnectionInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay               = 15 * time.Second
)

// Strategy tracks reconnect attempts and computes the delay before the next
// one. It is owned by the goroutine managing a connection's lifecycle.
type Strategy struct {
	Attempt               uint32
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	UseExponentialBackoff bool

	// jitter returns a value in [0, n); nil means math/rand/v2.
	jitter func(n int64) int64
}

// Default returns the strategy used after an established connection drops.
func Default() *Strategy {
	return &Strategy{
		InitialDelay:          DefaultInitialDelay,
		MaxDelay:              DefaultMaxDelay,
		UseExponentialBackoff: true,
	}
}

// ForInitialConnection retries faster for first contact with the server.
func ForInitialConnection() *Strategy {
	return &Strategy{
		InitialDelay:          InitialConnectionInitialDelay,
		MaxDelay:              DefaultMaxDelay,
		UseExponentialBackoff: true,
	}
}

// WithJitter replaces the jitter source, for tests. fn must return a value
// in [0, n).
func (s *Strategy) WithJitter(fn func(n int64) int64) *Strategy {
	s.jitter = fn
	return s
}

// NextDelay returns min(InitialDelay*2^Attempt, MaxDelay) perturbed by up
// to ±10%. Without backoff it returns InitialDelay unchanged.
func (s *Strategy) NextDelay() time.Duration {
	if !s.UseExponentialBackoff {
		return s.InitialDelay
	}

	capped := s.backoff()
	if capped <= 0 {
		return 0
	}

	spread := int64(capped / 10)
	if spread == 0 {
		return capped
	}

	j := s.randN(2 * spread)
	return capped + time.Duration(j-spread)
}

// ShouldRetry records another attempt. It always returns true.
func (s *Strategy) ShouldRetry() bool {
	s.Attempt++
	return true
}

// Reset starts the backoff sequence over.
func (s *Strategy) Reset() {
	s.Attempt = 0
}

// backoff doubles InitialDelay Attempt times, saturating at MaxDelay.
func (s *Strategy) backoff() time.Duration {
	base := s.InitialDelay
	if base <= 0 {
		return 0
	}
	if s.Attempt >= 63 || bits.Len64(uint64(base))+int(s.Attempt) >= 63 {
		return s.MaxDelay
	}
	return min(base<<s.Attempt, s.MaxDelay)
}

func (s *Strategy) randN(n int64) int64 {
	if s.jitter != nil {
		return s.jitter(n)
	}
	return rand.Int64N(n)
}

// Wait sleeps for d or until ctx is done, whichever comes first. The timer
// is released on cancellation.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
