package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

func TestCloseReasonPriorities(t *testing.T) {
	eng, _, _, _, _ := newTestEngine(t, testEngineConfig())
	now := eng.now()

	long := func(heldMin int, ironDefense bool) *domain.Position {
		return &domain.Position{
			Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
			EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
			IronDefenseActive: ironDefense,
			OpenedAt:          now.Add(-time.Duration(heldMin) * time.Minute),
		}
	}

	cases := []struct {
		name string
		p    *domain.Position
		mc   marketContext
		want string
	}{
		{
			name: "healthy position holds",
			p:    long(10, false),
			mc:   marketContext{mark: 2010, sma20: 2000, ema20: 2000},
			want: "",
		},
		{
			name: "losing trade cut after 30m",
			p:    long(35, false),
			mc:   marketContext{mark: 1990},
			want: "time decay 30m weak",
		},
		{
			name: "flat trade cut after 45m",
			p:    long(50, false),
			mc:   marketContext{mark: 2001},
			want: "time decay 45m no profit",
		},
		{
			name: "max hold with broken trend",
			p:    long(70, false),
			mc:   marketContext{mark: 2010, ema20: 2020},
			want: "time expiry, trend broken",
		},
		{
			name: "max hold extended while trend healthy",
			p:    long(70, false),
			mc:   marketContext{mark: 2030, ema20: 2015},
			want: "",
		},
		{
			name: "extension exhausted",
			p:    long(130, false),
			mc:   marketContext{mark: 2030, ema20: 2015},
			want: "time expiry, extension exhausted",
		},
		{
			name: "middle band break",
			p:    long(10, false),
			mc:   marketContext{mark: 2005, sma20: 2010},
			want: "middle band break",
		},
		{
			name: "middle band ignored deep in the red",
			p:    long(10, false),
			mc:   marketContext{mark: 1985, sma20: 2010},
			want: "",
		},
		{
			name: "hard stop loss",
			p:    long(10, false),
			mc:   marketContext{mark: 1940},
			want: "hard stop loss",
		},
		{
			name: "atr stop",
			p:    long(10, false),
			mc:   marketContext{mark: 1965, atr: 15},
			want: "atr stop",
		},
		{
			name: "iron defense breakeven",
			p:    long(10, true),
			mc:   marketContext{mark: 2002},
			want: "iron defense breakeven",
		},
		{
			name: "iron defense holds above breakeven",
			p:    long(10, true),
			mc:   marketContext{mark: 2010},
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			profitPct, _ := tc.p.ProfitPct(tc.mc.mark)
			if got := eng.closeReason(tc.p, tc.mc, profitPct); got != tc.want {
				t.Fatalf("closeReason = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCloseReasonShortMiddleBand(t *testing.T) {
	eng, _, _, _, _ := newTestEngine(t, testEngineConfig())
	p := &domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideShort, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
		OpenedAt: eng.now().Add(-10 * time.Minute),
	}
	mc := marketContext{mark: 1998, sma20: 1995}
	profitPct, _ := p.ProfitPct(mc.mark)
	if got := eng.closeReason(p, mc, profitPct); got != "middle band break" {
		t.Fatalf("closeReason = %q, want middle band break", got)
	}
}

func constantKlines(n int, close, spread float64, start time.Time) []binance.Kline {
	out := make([]binance.Kline, n)
	for i := range out {
		out[i] = binance.Kline{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     close,
			High:     close + spread/2,
			Low:      close - spread/2,
			Close:    close,
			Volume:   100,
		}
	}
	return out
}

func TestCheckAllTakesDynamicPartialProfit(t *testing.T) {
	eng, exch, positions, history, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// ATR ~20 on a 2000 entry puts the take-profit target at the 1.5% clamp;
	// +2% clears it.
	exch.setPosition("ETHUSDT", 1.0, 2000, 2040)
	exch.klines["ETHUSDT"] = constantKlines(50, 2000, 20, eng.now().Add(-5*time.Hour))
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 1.0,
		EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
		HighestPrice: 2000, OpenedAt: eng.now().Add(-10 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	eng.CheckAll(ctx)

	p, _ := positions.Get(ctx, "ETHUSDT")
	if !p.Open || !p.PartialClosed || !p.IronDefenseActive {
		t.Fatalf("after risk pass: %+v", p)
	}
	if math.Abs(p.Amount-0.5) > 1e-9 {
		t.Fatalf("remaining = %v, want half", p.Amount)
	}
	// +2% also earned tier 1 on the way.
	if p.CurrentStopTier != 1 {
		t.Fatalf("tier = %d, want 1", p.CurrentStopTier)
	}
	recs := history.all()
	if len(recs) != 1 || recs[0].Kind != domain.ClosePartial {
		t.Fatalf("history %+v", recs)
	}
}

func TestCheckAllSettlesWhenExchangeFlat(t *testing.T) {
	eng, exch, positions, history, cache := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// The stop was consumed between passes; the exchange reads flat.
	exch.setPosition("ETHUSDT", 0, 2000, 2004)
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: 0,
		OpenedAt: eng.now().Add(-20 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}
	_ = cache.Set(ctx, "ETHUSDT", domain.StopOrderEntry{OrderID: 4, Tier: 0, StopPrice: 2006})

	eng.CheckAll(ctx)

	p, _ := positions.Get(ctx, "ETHUSDT")
	if p.Open {
		t.Fatalf("still open: %+v", p)
	}
	recs := history.all()
	if len(recs) != 1 || recs[0].ClosePrice != 2006 {
		t.Fatalf("history %+v", recs)
	}
}

func TestCheckDrawdownHaltsEntries(t *testing.T) {
	eng, exch, _, _, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	exch.balance = 1000
	eng.CheckAll(ctx)
	if eng.Halted() {
		t.Fatal("halted at peak")
	}

	// 30% under the peak breaches the 20% ceiling.
	exch.mu.Lock()
	exch.balance = 700
	exch.mu.Unlock()
	eng.CheckAll(ctx)
	if !eng.Halted() {
		t.Fatal("drawdown breach did not halt")
	}

	err := eng.Open(ctx, freshSignal(eng, "ETHUSDT", domain.SideLong))
	if err == nil {
		t.Fatal("entry allowed while halted")
	}
}

func TestTrailingStopFollowsPeak(t *testing.T) {
	eng, exch, positions, _, cache := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// Already on the trailing tier; a new peak must drag the stop up.
	exch.setPosition("ETHUSDT", 0.5, 2000, 2150)
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: 3,
		HighestPrice: 2120, OpenedAt: eng.now().Add(-10 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}
	_ = cache.Set(ctx, "ETHUSDT", domain.StopOrderEntry{OrderID: 1, Tier: 3, StopPrice: 2120 * 0.98})

	eng.OnPriceTick(ctx, "ETHUSDT", 2150)

	entry, err := cache.Get(ctx, "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if want := 2150 * 0.98; math.Abs(entry.StopPrice-want) > 1e-9 {
		t.Fatalf("trailing stop = %v, want %v", entry.StopPrice, want)
	}
	p, _ := positions.Get(ctx, "ETHUSDT")
	if p.HighestPrice != 2150 {
		t.Fatalf("high water = %v, want 2150", p.HighestPrice)
	}
}

func TestCheckAllSettleWaitsForUsablePrice(t *testing.T) {
	eng, exch, positions, history, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// The exchange has no row for the symbol at all: it reads flat with a
	// zero mark. Settling here would book the full entry as a loss.
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 1.0,
		EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
		OpenedAt: eng.now().Add(-20 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	eng.CheckAll(ctx)

	p, _ := positions.Get(ctx, "ETHUSDT")
	if !p.Open {
		t.Fatalf("settled without a price: %+v", p)
	}
	if p.RealizedProfit != 0 {
		t.Fatalf("phantom pnl booked: %v", p.RealizedProfit)
	}
	if recs := history.all(); len(recs) != 0 {
		t.Fatalf("history written without a price: %+v", recs)
	}

	// Once a live mark is available the next pass settles against it.
	exch.mu.Lock()
	exch.mark["ETHUSDT"] = 1985
	exch.mu.Unlock()

	eng.CheckAll(ctx)

	p, _ = positions.Get(ctx, "ETHUSDT")
	if p.Open {
		t.Fatalf("still open: %+v", p)
	}
	if math.Abs(p.RealizedProfit-(-15)) > 1e-9 {
		t.Fatalf("realized = %v, want -15", p.RealizedProfit)
	}
	recs := history.all()
	if len(recs) != 1 || recs[0].ClosePrice != 1985 || recs[0].Reason != "exchange exposure gone" {
		t.Fatalf("history %+v", recs)
	}
}

func TestCloseReasonQuickProtect(t *testing.T) {
	eng, _, _, _, _ := newTestEngine(t, testEngineConfig())
	now := eng.now()

	pos := func(peak float64) *domain.Position {
		return &domain.Position{
			Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
			EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
			PeakProfitPct: peak,
			OpenedAt:      now.Add(-10 * time.Minute),
		}
	}

	cases := []struct {
		name string
		p    *domain.Position
		mark float64
		want string
	}{
		{
			name: "collapse from protected peak",
			p:    pos(2.0),
			mark: 2004,
			want: "quick protect",
		},
		{
			name: "peak never armed protection",
			p:    pos(1.0),
			mark: 2004,
			want: "",
		},
		{
			name: "profit above the give-back line",
			p:    pos(2.0),
			mark: 2010,
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			profitPct, _ := tc.p.ProfitPct(tc.mark)
			got := eng.closeReason(tc.p, marketContext{mark: tc.mark}, profitPct)
			if got != tc.want {
				t.Fatalf("closeReason = %q, want %q", got, tc.want)
			}
		})
	}
}
