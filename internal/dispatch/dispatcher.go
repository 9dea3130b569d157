// Package dispatch serializes all authenticated exchange calls through a
// single FIFO worker that honours a sliding-window per-minute cap and a
// minimum inter-call spacing. It is the only path by which signed,
// state-mutating requests reach the exchange.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
)

// windowSafetyMargin is added to the computed sleep when the per-minute cap
// is hit, so the oldest entry is guaranteed out of the window on wake.
const windowSafetyMargin = 150 * time.Millisecond

// Call performs one authenticated exchange request.
type Call func(ctx context.Context) (json.RawMessage, error)

// Config bounds the dispatcher.
type Config struct {
	PerMinuteLimit int
	MinInterval    time.Duration
	QueueSize      int
	StatsEvery     time.Duration
}

type result struct {
	body json.RawMessage
	err  error
}

type job struct {
	ctx  context.Context
	fn   Call
	done chan result
}

// Dispatcher drains a FIFO queue of signed calls with one worker goroutine.
type Dispatcher struct {
	cfg    Config
	policy Policy
	clock  Clock
	logger *slog.Logger

	jobs    chan *job
	queued  atomic.Int64
	windowM sync.Mutex
	window  []time.Time
}

// New creates a Dispatcher. Run must be started for Do to make progress.
func New(cfg Config, policy Policy, clock Clock, logger *slog.Logger) *Dispatcher {
	if cfg.PerMinuteLimit <= 0 {
		cfg.PerMinuteLimit = 110
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if clock.Now == nil {
		clock = RealClock()
	}
	return &Dispatcher{
		cfg:    cfg,
		policy: policy,
		clock:  clock,
		logger: logger.With(slog.String("component", "dispatcher")),
		jobs:   make(chan *job, cfg.QueueSize),
	}
}

// Do submits a call and blocks until the worker has executed it (including
// retries and rate-limit requeues) or ctx is cancelled.
func (d *Dispatcher) Do(ctx context.Context, fn Call) (json.RawMessage, error) {
	j := &job{ctx: ctx, fn: fn, done: make(chan result, 1)}

	select {
	case d.jobs <- j:
		d.queued.Add(1)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-j.done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the worker loop. It must be called exactly once and returns when
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var pending []*job
	statsAt := d.clock.Now()

	for {
		// Refill the local FIFO from the submission channel.
		if len(pending) == 0 {
			select {
			case j := <-d.jobs:
				pending = append(pending, j)
			case <-ctx.Done():
				d.failAll(pending, ctx.Err())
				return ctx.Err()
			}
		}
	drain:
		for {
			select {
			case j := <-d.jobs:
				pending = append(pending, j)
			default:
				break drain
			}
		}

		j := pending[0]
		pending = pending[1:]
		d.queued.Add(-1)

		if j.ctx.Err() != nil {
			j.done <- result{err: j.ctx.Err()}
			continue
		}

		start := d.clock.Now()
		body, err := d.execute(j.ctx, j.fn)

		if errors.Is(err, domain.ErrRateLimited) {
			// Re-enqueue at the tail after a randomized backoff rather than
			// failing the job.
			backoff := time.Second + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
			d.logger.Warn("rate limited, requeueing job",
				slog.Duration("backoff", backoff),
				slog.Int("pending", len(pending)),
			)
			d.clock.Sleep(backoff)
			pending = append(pending, j)
			d.queued.Add(1)
			continue
		}

		j.done <- result{body: body, err: err}

		// Minimum spacing between calls, minus time the call already took.
		if rest := d.cfg.MinInterval - d.clock.Now().Sub(start); rest > 0 {
			d.clock.Sleep(rest)
		}

		if d.cfg.StatsEvery > 0 && d.clock.Now().Sub(statsAt) >= d.cfg.StatsEvery {
			queued, inWindow := d.Stats()
			d.logger.Info("dispatcher stats",
				slog.Int64("queued", queued),
				slog.Int("window", inWindow),
			)
			statsAt = d.clock.Now()
		}
	}
}

// execute runs the call with the retry policy. Every attempt hits the
// exchange, so each one waits for window room and is recorded against the
// sliding cap. Rate-limited errors are returned to the worker for requeueing
// and do not consume attempts.
func (d *Dispatcher) execute(ctx context.Context, fn Call) (json.RawMessage, error) {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d.waitForWindow()
		body, err := fn(ctx)
		d.recordCompletion(d.clock.Now())
		if err == nil {
			return body, nil
		}
		if errors.Is(err, domain.ErrRateLimited) {
			return nil, err
		}
		if d.policy.Retryable != nil && !d.policy.Retryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt < d.policy.MaxAttempts {
			delay := d.policy.Backoff(attempt)
			if delay < d.cfg.MinInterval {
				delay = d.cfg.MinInterval
			}
			d.logger.Debug("retrying signed call",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			d.clock.Sleep(delay)
		}
	}
	return nil, lastErr
}

// waitForWindow blocks until the rolling 60s window has room for one more
// completion.
func (d *Dispatcher) waitForWindow() {
	for {
		d.windowM.Lock()
		now := d.clock.Now()
		d.evictLocked(now)
		if len(d.window) < d.cfg.PerMinuteLimit {
			d.windowM.Unlock()
			return
		}
		wait := d.window[0].Add(time.Minute).Sub(now) + windowSafetyMargin
		d.windowM.Unlock()

		if wait <= 0 {
			wait = windowSafetyMargin
		}
		d.logger.Debug("per-minute cap reached, sleeping", slog.Duration("wait", wait))
		d.clock.Sleep(wait)
	}
}

func (d *Dispatcher) recordCompletion(t time.Time) {
	d.windowM.Lock()
	d.window = append(d.window, t)
	d.evictLocked(t)
	d.windowM.Unlock()
}

// evictLocked drops completion timestamps older than one minute. Callers
// hold windowM.
func (d *Dispatcher) evictLocked(now time.Time) {
	cut := 0
	for cut < len(d.window) && now.Sub(d.window[cut]) > time.Minute {
		cut++
	}
	if cut > 0 {
		d.window = append(d.window[:0], d.window[cut:]...)
	}
}

// Stats returns the queued job count and the number of completions inside
// the current window.
func (d *Dispatcher) Stats() (queued int64, inWindow int) {
	d.windowM.Lock()
	d.evictLocked(d.clock.Now())
	inWindow = len(d.window)
	d.windowM.Unlock()
	return d.queued.Load(), inWindow
}

func (d *Dispatcher) failAll(pending []*job, err error) {
	for _, j := range pending {
		j.done <- result{err: err}
	}
	for {
		select {
		case j := <-d.jobs:
			j.done <- result{err: err}
		default:
			return
		}
	}
}
