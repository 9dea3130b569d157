package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
)

// fakeClock advances time explicitly; Sleep jumps the clock forward and
// records each request so tests can assert on pacing decisions.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Clock() Clock {
	return Clock{
		Now: func() time.Time {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.now
		},
		Sleep: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sleeps = append(c.sleeps, d)
			c.now = c.now.Add(d)
		},
	}
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func immediatePolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Backoff:     func(int) time.Duration { return time.Millisecond },
		Retryable:   func(err error) bool { return !errors.Is(err, domain.ErrClockSkew) },
	}
}

func startDispatcher(t *testing.T, cfg Config, policy Policy, clock Clock) *Dispatcher {
	t.Helper()
	d := New(cfg, policy, clock, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = d.Run(ctx) }()
	return d
}

func TestDoExecutesInOrder(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100}, immediatePolicy(1), clock.Clock())

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return json.RawMessage(`{}`), nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
		// Stagger submissions so queue order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want FIFO", order)
		}
	}
}

func TestPerMinuteCapDelaysNextCall(t *testing.T) {
	clock := newFakeClock()
	limit := 5
	d := startDispatcher(t, Config{PerMinuteLimit: limit}, immediatePolicy(1), clock.Clock())

	for i := 0; i < limit+1; i++ {
		if _, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Do %d: %v", i, err)
		}
	}

	// The fake clock never advances on its own, so the first limit calls
	// complete at the same instant and the (limit+1)th must sleep the
	// window out.
	var waited bool
	for _, s := range clock.slept() {
		if s >= time.Minute {
			waited = true
		}
	}
	if !waited {
		t.Fatalf("no sleep >= 1m recorded for call %d, sleeps: %v", limit+1, clock.slept())
	}
}

func TestRateLimitedRequeuesInsteadOfFailing(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100}, immediatePolicy(3), clock.Clock())

	calls := 0
	body, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("http 429: %w", domain.ErrRateLimited)
		}
		return json.RawMessage(`"ok"`), nil
	})
	if err != nil {
		t.Fatalf("Do after rate limits: %v", err)
	}
	if string(body) != `"ok"` {
		t.Fatalf("body = %s", body)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	// Each requeue backs off at least a second before retrying.
	var backoffs int
	for _, s := range clock.slept() {
		if s >= time.Second {
			backoffs++
		}
	}
	if backoffs < 2 {
		t.Fatalf("want >= 2 rate-limit backoffs, sleeps: %v", clock.slept())
	}
}

func TestClockSkewFailsFast(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100}, immediatePolicy(5), clock.Clock())

	calls := 0
	_, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
		calls++
		return nil, fmt.Errorf("code -1021: %w", domain.ErrClockSkew)
	})
	if !errors.Is(err, domain.ErrClockSkew) {
		t.Fatalf("err = %v, want ErrClockSkew", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly 1 (no retries on clock skew)", calls)
	}
}

func TestTransientErrorRetriesUpToPolicy(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100}, immediatePolicy(3), clock.Clock())

	calls := 0
	wantErr := errors.New("connection reset")
	_, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
		calls++
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 attempts", calls)
	}
}

func TestCancelledJobSkipped(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100}, immediatePolicy(1), clock.Clock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Do(ctx, func(context.Context) (json.RawMessage, error) {
		t.Fatal("cancelled job must not execute")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestMinIntervalSpacing(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100, MinInterval: 120 * time.Millisecond},
		immediatePolicy(1), clock.Clock())

	for i := 0; i < 3; i++ {
		if _, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}

	var spacing int
	for _, s := range clock.slept() {
		if s == 120*time.Millisecond {
			spacing++
		}
	}
	if spacing < 3 {
		t.Fatalf("want min-interval sleeps after each call, sleeps: %v", clock.slept())
	}
}

func TestRetryAttemptsCountAgainstWindow(t *testing.T) {
	clock := newFakeClock()
	d := startDispatcher(t, Config{PerMinuteLimit: 100, MinInterval: 120 * time.Millisecond},
		immediatePolicy(3), clock.Clock())

	calls := 0
	boom := errors.New("connection reset")
	if _, err := d.Do(context.Background(), func(context.Context) (json.RawMessage, error) {
		calls++
		if calls < 3 {
			return nil, boom
		}
		return json.RawMessage(`"ok"`), nil
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Every attempt hit the exchange, so every attempt occupies the window.
	if _, inWindow := d.Stats(); inWindow != 3 {
		t.Fatalf("window = %d, want 3", inWindow)
	}

	// Retries pace at least the configured min interval apart, not just the
	// 1ms policy backoff.
	var spaced int
	for _, s := range clock.slept() {
		if s >= 120*time.Millisecond {
			spaced++
		}
	}
	if spaced < 2 {
		t.Fatalf("want min-interval spacing between attempts, sleeps: %v", clock.slept())
	}
}
