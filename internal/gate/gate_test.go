package gate

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// fakeKlines serves canned candles keyed by symbol and interval.
type fakeKlines struct {
	mu    sync.Mutex
	data  map[string][]binance.Kline // key: symbol + "/" + interval
	calls int
	err   error
}

func (f *fakeKlines) Klines(_ context.Context, symbol, interval string, _ int) ([]binance.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[symbol+"/"+interval], nil
}

// memDirection is an in-memory domain.DirectionCache ignoring TTL.
type memDirection struct {
	mu  sync.Mutex
	dir domain.Side
	set bool
}

func (c *memDirection) Get(context.Context) (domain.Side, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return "", domain.ErrNotFound
	}
	return c.dir, nil
}

func (c *memDirection) Set(_ context.Context, dir domain.Side, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dir, c.set = dir, true
	return nil
}

// trendKlines produces a close series trending in the given direction so
// the last close sits on the right side of EMA20.
func trendKlines(n int, start, step float64) []binance.Kline {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]binance.Kline, n)
	price := start
	for i := range out {
		out[i] = binance.Kline{
			OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open:     price,
			High:     price + math.Abs(step),
			Low:      price - math.Abs(step),
			Close:    price + step,
			Volume:   10,
		}
		price += step
	}
	return out
}

// accelKlines produces a close series growing by a fixed ratio per candle.
// The acceleration keeps EMA20 above SMA20 at the end, which a linear ramp
// never does.
func accelKlines(n int, start, ratio float64) []binance.Kline {
	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]binance.Kline, n)
	price := start
	for i := range out {
		next := price * ratio
		out[i] = binance.Kline{
			OpenTime: t0.Add(time.Duration(i) * 15 * time.Minute),
			Open:     price,
			High:     math.Max(price, next) * 1.001,
			Low:      math.Min(price, next) * 0.999,
			Close:    next,
			Volume:   10,
		}
		price = next
	}
	return out
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func longSignal(symbol string) domain.Signal {
	return domain.Signal{Symbol: symbol, Direction: domain.SideLong, TriggerTime: time.Now()}
}

func TestBTCGateRejectsCounterTrend(t *testing.T) {
	src := &fakeKlines{data: map[string][]binance.Kline{
		"BTCUSDT/15m": trendKlines(50, 70000, -50),
		"BTCUSDT/1h":  trendKlines(50, 72000, -80),
	}}
	g := NewBTCGate(src, nil, "BTCUSDT", time.Minute, discardLogger())

	res, err := g.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatal("long signal passed against a falling BTC")
	}
	if res.Reason == "" {
		t.Fatal("rejection carries no reason")
	}

	short := domain.Signal{Symbol: "ETHUSDT", Direction: domain.SideShort, TriggerTime: time.Now()}
	res, err = g.Check(context.Background(), short)
	if err != nil || !res.Pass {
		t.Fatalf("aligned short rejected: %+v, %v", res, err)
	}
}

func TestBTCGateSplitVerdictPasses(t *testing.T) {
	src := &fakeKlines{data: map[string][]binance.Kline{
		"BTCUSDT/15m": trendKlines(50, 70000, 50),
		"BTCUSDT/1h":  trendKlines(50, 72000, -80),
	}}
	g := NewBTCGate(src, nil, "BTCUSDT", time.Minute, discardLogger())

	for _, dir := range []domain.Side{domain.SideLong, domain.SideShort} {
		sig := domain.Signal{Symbol: "ETHUSDT", Direction: dir, TriggerTime: time.Now()}
		res, err := g.Check(context.Background(), sig)
		if err != nil || !res.Pass {
			t.Fatalf("split verdict blocked %s: %+v, %v", dir, res, err)
		}
	}
}

func TestBTCGateFailsOpenOnDataError(t *testing.T) {
	src := &fakeKlines{err: errors.New("exchange down")}
	g := NewBTCGate(src, nil, "BTCUSDT", time.Minute, discardLogger())

	res, err := g.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass {
		t.Fatalf("data failure blocked entries: %+v, %v", res, err)
	}
}

func TestBTCGateCachesVerdict(t *testing.T) {
	src := &fakeKlines{data: map[string][]binance.Kline{
		"BTCUSDT/15m": trendKlines(50, 70000, 50),
		"BTCUSDT/1h":  trendKlines(50, 68000, 80),
	}}
	cache := &memDirection{}
	g := NewBTCGate(src, cache, "BTCUSDT", time.Minute, discardLogger())
	ctx := context.Background()

	if _, err := g.Direction(ctx); err != nil {
		t.Fatal(err)
	}
	first := src.calls
	if first == 0 {
		t.Fatal("no fetches on cold cache")
	}
	dir, err := g.Direction(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dir != domain.SideLong {
		t.Fatalf("direction = %s, want LONG", dir)
	}
	if src.calls != first {
		t.Fatalf("cache miss: %d fetches after warm call, want %d", src.calls, first)
	}
}

func TestScoreGateGradesDirection(t *testing.T) {
	src := &fakeKlines{data: map[string][]binance.Kline{
		"ETHUSDT/15m": accelKlines(50, 2000, 1.02),
	}}
	g := NewScoreGate(src, 40, discardLogger())
	ctx := context.Background()

	// Momentum fully aligned with the long: top score, top confidence.
	res, err := g.Check(ctx, longSignal("ETHUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Pass {
		t.Fatalf("aligned signal rejected: %+v", res)
	}
	if math.Abs(res.Scale-1.2) > 1e-9 {
		t.Fatalf("scale = %v, want 1.2 at full score", res.Scale)
	}

	// The same chart graded short scores zero.
	short := domain.Signal{Symbol: "ETHUSDT", Direction: domain.SideShort, TriggerTime: time.Now()}
	res, err = g.Check(ctx, short)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass {
		t.Fatalf("counter-momentum signal passed: %+v", res)
	}
}

func TestScoreGatePassesOnThinData(t *testing.T) {
	src := &fakeKlines{data: map[string][]binance.Kline{
		"ETHUSDT/15m": trendKlines(10, 2000, 5),
	}}
	g := NewScoreGate(src, 40, discardLogger())
	res, err := g.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass || res.Scale != 1 {
		t.Fatalf("thin data should pass at scale 1: %+v, %v", res, err)
	}
}

func TestVolSizerScalesTowardTarget(t *testing.T) {
	// ATR 20 on a 2000 close is 1%; targeting 2% doubles the size.
	src := &fakeKlines{data: map[string][]binance.Kline{
		"ETHUSDT/15m": flatKlines(30, 2000, 20),
	}}
	g := NewVolSizer(src, 2.0, 0.5, 2.0, discardLogger())

	res, err := g.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass {
		t.Fatalf("sizer rejected: %+v, %v", res, err)
	}
	if math.Abs(res.Scale-2.0) > 1e-9 {
		t.Fatalf("scale = %v, want 2.0", res.Scale)
	}

	// A violent symbol sizes down to the floor.
	src.data["ETHUSDT/15m"] = flatKlines(30, 2000, 200)
	res, _ = g.Check(context.Background(), longSignal("ETHUSDT"))
	if math.Abs(res.Scale-0.5) > 1e-9 {
		t.Fatalf("scale = %v, want the 0.5 floor", res.Scale)
	}
}

func TestVolSizerNeverRejects(t *testing.T) {
	src := &fakeKlines{err: errors.New("exchange down")}
	g := NewVolSizer(src, 2.0, 0.5, 2.0, discardLogger())
	res, err := g.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass || res.Scale != 1 {
		t.Fatalf("sizer must fail open at scale 1: %+v, %v", res, err)
	}
}

type staticGate struct {
	res domain.GateResult
	err error
}

func (g *staticGate) Check(context.Context, domain.Signal) (domain.GateResult, error) {
	return g.res, g.err
}

func TestChainFirstRejectionWins(t *testing.T) {
	reject := &staticGate{res: domain.GateResult{Pass: false, Reason: "nope"}}
	after := &staticGate{res: domain.GateResult{Pass: true, Scale: 2}}
	c := NewChain(0.5, 2.0, reject, after)

	res, err := c.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Pass || res.Reason != "nope" {
		t.Fatalf("chain result %+v", res)
	}
}

func TestChainMultipliesAndClampsScales(t *testing.T) {
	a := &staticGate{res: domain.GateResult{Pass: true, Scale: 1.2}}
	b := &staticGate{res: domain.GateResult{Pass: true, Scale: 1.5}}
	c := NewChain(0.5, 1.6, a, b)

	res, err := c.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass {
		t.Fatalf("chain rejected: %+v, %v", res, err)
	}
	// 1.2 * 1.5 = 1.8, clamped to the 1.6 ceiling.
	if math.Abs(res.Scale-1.6) > 1e-9 {
		t.Fatalf("scale = %v, want 1.6", res.Scale)
	}
}

func TestChainSkipsNilGates(t *testing.T) {
	c := NewChain(0, 0, nil, &staticGate{res: domain.GateResult{Pass: true, Scale: 0.9}})
	res, err := c.Check(context.Background(), longSignal("ETHUSDT"))
	if err != nil || !res.Pass {
		t.Fatalf("chain rejected: %+v, %v", res, err)
	}
	if math.Abs(res.Scale-0.9) > 1e-9 {
		t.Fatalf("scale = %v, want 0.9", res.Scale)
	}
}

func TestChainPropagatesGateError(t *testing.T) {
	boom := errors.New("boom")
	c := NewChain(0, 0, &staticGate{err: boom})
	if _, err := c.Check(context.Background(), longSignal("ETHUSDT")); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
