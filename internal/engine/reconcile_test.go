package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
)

func TestReconcileRestoresTierStop(t *testing.T) {
	eng, exch, positions, _, cache := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// Restart scenario: the store remembers tier 2, the stop cache is empty
	// and the exchange still holds the position.
	exch.setPosition("ETHUSDT", 0.5, 2000, 2070)
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: 2,
		HighestPrice: 2070, OpenedAt: eng.now().Add(-30 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	stops := exch.stopOrders("ETHUSDT")
	if len(stops) != 1 {
		t.Fatalf("%d stop orders live, want exactly 1", len(stops))
	}
	// Tier 2 locks 2% above entry for a long.
	if want := 2000 * 1.02; math.Abs(stops[0].StopPrice-want) > 1e-9 {
		t.Fatalf("restored stop = %v, want %v", stops[0].StopPrice, want)
	}
	entry, err := cache.Get(ctx, "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Tier != 2 {
		t.Fatalf("cached tier = %d, want 2", entry.Tier)
	}
}

func TestReconcileRestoresIronDefense(t *testing.T) {
	eng, exch, positions, _, cache := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	exch.setPosition("ETHUSDT", 0.4, 2000, 2010)
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.4,
		EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
		PartialClosed: true, IronDefenseActive: true,
		OpenedAt: eng.now().Add(-30 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	entry, err := cache.Get(ctx, "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if want := 2000 * 1.003; math.Abs(entry.StopPrice-want) > 1e-9 {
		t.Fatalf("breakeven stop = %v, want %v", entry.StopPrice, want)
	}
}

func TestReconcileSettlesGhostPosition(t *testing.T) {
	eng, _, positions, history, cache := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// The exchange reports nothing; the stop must have fired while offline.
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: 1,
		OpenedAt: eng.now().Add(-2 * time.Hour),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}
	if err := cache.Set(ctx, "ETHUSDT", domain.StopOrderEntry{OrderID: 7, Tier: 1, StopPrice: 2020}); err != nil {
		t.Fatal(err)
	}

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := positions.Get(ctx, "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if p.Open {
		t.Fatalf("ghost still open: %+v", p)
	}

	// The close priced from the cached stop, and the cache entry is gone.
	recs := history.all()
	if len(recs) != 1 {
		t.Fatalf("history has %d records, want 1", len(recs))
	}
	if recs[0].ClosePrice != 2020 || recs[0].Reason != "closed while offline" {
		t.Fatalf("ghost close record %+v", recs[0])
	}
	if _, err := cache.Get(ctx, "ETHUSDT"); err == nil {
		t.Fatal("stop cache entry should be deleted")
	}
}

func TestReconcileAdoptsUntrackedExposure(t *testing.T) {
	eng, exch, positions, _, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	exch.setPosition("SOLUSDT", -12, 150, 149)

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := positions.Get(ctx, "SOLUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Open || p.Side != domain.SideShort {
		t.Fatalf("adopted %+v", p)
	}
	if p.Amount != 12 || p.EntryPrice != 150 {
		t.Fatalf("adopted %+v", p)
	}
	if p.Source != "reconciled" || p.CurrentStopTier != domain.NoTier {
		t.Fatalf("adopted %+v", p)
	}
}

func TestReconcileAdjustsAmountFromExchange(t *testing.T) {
	eng, exch, positions, _, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	// A partial close landed on the exchange but the local write was lost.
	exch.setPosition("ETHUSDT", 0.25, 2000, 2010)
	seed := domain.Position{
		Symbol: "ETHUSDT", Side: domain.SideLong, Amount: 0.5,
		EntryPrice: 2000, Open: true, CurrentStopTier: domain.NoTier,
		OpenedAt: eng.now().Add(-30 * time.Minute),
	}
	if err := positions.Save(ctx, seed); err != nil {
		t.Fatal(err)
	}

	if err := eng.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	p, _ := positions.Get(ctx, "ETHUSDT")
	if math.Abs(p.Amount-0.25) > 1e-9 {
		t.Fatalf("amount = %v, want the exchange's 0.25", p.Amount)
	}
}
