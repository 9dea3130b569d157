package dispatch

import (
	"errors"
	"math/rand"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
)

// Policy describes how the dispatcher retries a failed call. It is injected
// so tests can drive the worker with a deterministic clock and no real
// sleeps.
type Policy struct {
	// MaxAttempts bounds retries for transient failures (including the first
	// attempt). Rate-limited responses do not consume attempts; they requeue
	// the job instead.
	MaxAttempts int

	// Backoff returns the delay before retry attempt n (1-based).
	Backoff func(attempt int) time.Duration

	// Retryable reports whether an error is worth retrying at all.
	// Non-retryable errors fail the job immediately.
	Retryable func(err error) bool
}

// DefaultPolicy retries transient failures with linearly increasing backoff
// and fails clock-skew rejections immediately.
func DefaultPolicy(maxAttempts int) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff: func(attempt int) time.Duration {
			base := time.Duration(attempt) * 500 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
			return base + jitter
		},
		Retryable: func(err error) bool {
			return !errors.Is(err, domain.ErrClockSkew)
		},
	}
}

// Clock abstracts time for the dispatcher so the sliding window and backoff
// sleeps are testable with a fake.
type Clock struct {
	Now   func() time.Time
	Sleep func(d time.Duration)
}

// RealClock uses the wall clock.
func RealClock() Clock {
	return Clock{
		Now:   time.Now,
		Sleep: time.Sleep,
	}
}
