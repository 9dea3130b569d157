package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/triplewz/ironguard/internal/config"
	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// Gate decides whether an entry signal may trade and at what size scale.
type Gate interface {
	Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error)
}

// Notifier delivers operator-facing event messages. Implementations must not
// block the caller on delivery failures.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// exposure polling bounds for waitForExposureZero.
const (
	exposurePollEvery = 500 * time.Millisecond
	exposurePollMax   = 20
)

// Engine drives the position lifecycle against one exchange account.
type Engine struct {
	cfg       config.EngineConfig
	exch      Exchange
	positions domain.PositionStore
	stops     *StopOrders
	ladder    *TierLadder
	acct      *Accountant
	locks     domain.LockManager
	gate      Gate
	notifier  Notifier
	logger    *slog.Logger

	now    func() time.Time
	halted atomic.Bool

	// peakBalance is only touched by the risk loop goroutine.
	peakBalance float64
}

// New creates an Engine. gate and notifier may be nil; a nil gate passes
// everything at scale 1.
func New(cfg config.EngineConfig, exch Exchange, positions domain.PositionStore,
	stops *StopOrders, acct *Accountant, locks domain.LockManager,
	gate Gate, notifier Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		exch:      exch,
		positions: positions,
		stops:     stops,
		ladder:    NewTierLadder(cfg.Tiers, cfg.TierBufferPct),
		acct:      acct,
		locks:     locks,
		gate:      gate,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
	}
}

// Halted reports whether the drawdown halt is engaged.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Halt engages the global entry stop. Open positions continue to be managed.
func (e *Engine) Halt(reason string) {
	if e.halted.CompareAndSwap(false, true) {
		e.logger.Error("global entry halt engaged", slog.String("reason", reason))
		e.notify(context.Background(), "halt", "entry halt engaged: "+reason)
	}
}

func (e *Engine) notify(ctx context.Context, event, msg string) {
	if e.notifier != nil {
		e.notifier.Notify(ctx, event, msg)
	}
}

// withSymbolLock serializes record mutations for one symbol between the
// signal path, the poll loop and the tick listener.
func (e *Engine) withSymbolLock(ctx context.Context, symbol string, fn func(ctx context.Context) error) error {
	unlock, err := e.locks.Acquire(ctx, "position:"+symbol, 30*time.Second)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Open processes an entry signal end to end. The same-direction duplicate is
// a silent no-op; an opposite-direction signal closes the existing position
// first and only enters once exchange exposure reads zero.
func (e *Engine) Open(ctx context.Context, sig domain.Signal) error {
	if e.halted.Load() {
		return domain.ErrGlobalStop
	}
	if sig.Expired(e.now(), 15*time.Minute) {
		return fmt.Errorf("engine: signal %s: %w", sig.Symbol, domain.ErrStale)
	}

	return e.withSymbolLock(ctx, sig.Symbol, func(ctx context.Context) error {
		return e.open(ctx, sig)
	})
}

func (e *Engine) open(ctx context.Context, sig domain.Signal) error {
	now := e.now()

	existing, err := e.positions.Get(ctx, sig.Symbol)
	switch {
	case err == nil && existing.Open:
		if existing.Side == sig.Direction {
			e.logger.Debug("duplicate signal for open position", slog.String("symbol", sig.Symbol))
			return nil
		}
		e.logger.Info("direction flip, closing existing position",
			slog.String("symbol", sig.Symbol),
			slog.String("held", string(existing.Side)),
			slog.String("signal", string(sig.Direction)))
		if err := e.close(ctx, &existing, "direction flip"); err != nil {
			return err
		}
	case err == nil:
		if existing.InCooldown(sig.Direction, now, e.cfg.Cooldown()) {
			e.logger.Debug("signal rejected by cooldown",
				slog.String("symbol", sig.Symbol), slog.String("side", string(sig.Direction)))
			return nil
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return err
	}

	scale := 1.0
	if e.gate != nil {
		res, err := e.gate.Check(ctx, sig)
		if err != nil {
			return fmt.Errorf("engine: gate check %s: %w", sig.Symbol, err)
		}
		if !res.Pass {
			e.logger.Info("signal rejected by gate",
				slog.String("symbol", sig.Symbol), slog.String("reason", res.Reason))
			return nil
		}
		if res.Scale > 0 {
			scale = res.Scale
		}
	}

	if err := e.waitForExposureZero(ctx, sig.Symbol); err != nil {
		return err
	}

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}
	if err := e.exch.SetIsolatedMargin(ctx, sig.Symbol); err != nil {
		e.logger.Warn("set isolated margin failed", slog.String("symbol", sig.Symbol), slog.Any("error", err))
	}
	if err := e.exch.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		return fmt.Errorf("engine: set leverage %s: %w", sig.Symbol, err)
	}

	mark, err := e.exch.MarkPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("engine: mark price %s: %w", sig.Symbol, err)
	}
	qty, err := e.sizeOrder(sig, mark, scale, leverage)
	if err != nil {
		return err
	}

	fillPrice, filledQty, orderID, err := e.enter(ctx, sig.Symbol, sig.Direction, qty)
	if err != nil {
		return err
	}
	if filledQty < domain.AmountEpsilon {
		return fmt.Errorf("engine: entry for %s filled nothing", sig.Symbol)
	}

	p := domain.Position{
		Symbol:          sig.Symbol,
		Side:            sig.Direction,
		Amount:          filledQty,
		EntryPrice:      fillPrice,
		Open:            true,
		CurrentStopTier: domain.NoTier,
		HighestPrice:    fillPrice,
		LastOrderID:     orderID,
		SizeScale:       scale,
		Source:          sig.Source,
		OpenedAt:        now,
	}
	if err := e.positions.Save(ctx, p); err != nil {
		return fmt.Errorf("engine: save opened position %s: %w", sig.Symbol, err)
	}

	e.logger.Info("position opened",
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Float64("amount", p.Amount),
		slog.Float64("entry_price", p.EntryPrice),
		slog.Float64("scale", scale))
	e.notify(ctx, "open", fmt.Sprintf("%s %s %.6g @ %.6g", p.Side, p.Symbol, p.Amount, p.EntryPrice))
	return nil
}

// sizeOrder converts the configured stake into a lot-rounded quantity.
func (e *Engine) sizeOrder(sig domain.Signal, mark, scale float64, leverage int) (float64, error) {
	stake := e.cfg.USDTPerTrade
	if sig.MarginUSDT > 0 {
		stake = sig.MarginUSDT
	}
	notional := stake * scale
	if e.cfg.USDTIsMargin {
		notional *= float64(leverage)
	}
	if e.cfg.MaxNotionalUSDT > 0 && notional > e.cfg.MaxNotionalUSDT {
		notional = e.cfg.MaxNotionalUSDT
	}
	if mark <= 0 {
		return 0, fmt.Errorf("engine: size %s: mark price %v", sig.Symbol, mark)
	}
	qty := e.exch.LotRound(sig.Symbol, notional/mark)
	if qty <= 0 {
		return 0, fmt.Errorf("engine: size %s: notional %.2f rounds to zero quantity", sig.Symbol, notional)
	}
	return qty, nil
}

// enter places a post-only limit at the near side of the book, waits a
// bounded time for it to fill, then cancels and takes the remainder at
// market. Returns the blended fill price and total filled quantity.
func (e *Engine) enter(ctx context.Context, symbol string, side domain.Side, qty float64) (price, filled float64, orderID int64, err error) {
	bid, ask, err := e.exch.BookTicker(ctx, symbol)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("engine: book ticker %s: %w", symbol, err)
	}
	limitPrice := bid
	if side == domain.SideShort {
		limitPrice = ask
	}

	var fills []binance.Order

	maker, err := e.exch.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:      symbol,
		Side:        string(side.EntryOrderSide()),
		Type:        binance.OrderTypeLimit,
		Quantity:    qty,
		Price:       e.exch.TickRound(symbol, limitPrice),
		TimeInForce: "GTX",
	})
	switch {
	case err != nil:
		// A GTX order that would cross is rejected outright; fall through
		// to the market path.
		e.logger.Debug("maker entry rejected", slog.String("symbol", symbol), slog.Any("error", err))
	default:
		maker = e.awaitFill(ctx, maker)
		if !maker.Filled() && maker.OrderID != 0 {
			if cErr := e.exch.CancelOrder(ctx, symbol, maker.OrderID); cErr != nil && !errors.Is(cErr, domain.ErrOrderNotFound) {
				return 0, 0, 0, fmt.Errorf("engine: cancel maker entry %s: %w", symbol, cErr)
			}
			// Re-query once: the order may have filled in the cancel race.
			if q, qErr := e.exch.QueryOrder(ctx, symbol, maker.OrderID); qErr == nil {
				maker = q
			}
		}
		if maker.ExecutedQty > 0 {
			fills = append(fills, maker)
			orderID = maker.OrderID
		}
	}

	remainder := e.exch.LotRound(symbol, qty-executedQty(fills))
	if remainder > 0 {
		taker, tErr := e.exch.PlaceOrder(ctx, binance.OrderRequest{
			Symbol:   symbol,
			Side:     string(side.EntryOrderSide()),
			Type:     binance.OrderTypeMarket,
			Quantity: remainder,
		})
		if tErr != nil {
			if executedQty(fills) < domain.AmountEpsilon {
				return 0, 0, 0, fmt.Errorf("engine: market entry %s: %w", symbol, tErr)
			}
			e.logger.Warn("market remainder failed, keeping partial entry",
				slog.String("symbol", symbol), slog.Any("error", tErr))
		} else {
			fills = append(fills, taker)
			orderID = taker.OrderID
		}
	}

	filled = executedQty(fills)
	price, err = e.blendedPrice(ctx, fills)
	if err != nil {
		return 0, 0, 0, err
	}
	return price, filled, orderID, nil
}

// awaitFill polls the order until it fills or the entry wait elapses.
func (e *Engine) awaitFill(ctx context.Context, o binance.Order) binance.Order {
	wait := time.Duration(e.cfg.EntryWaitSeconds) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}
	deadline := e.now().Add(wait)

	for !o.Filled() && e.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return o
		case <-time.After(500 * time.Millisecond):
		}
		q, err := e.exch.QueryOrder(ctx, o.Symbol, o.OrderID)
		if err != nil {
			e.logger.Debug("query entry order failed", slog.String("symbol", o.Symbol), slog.Any("error", err))
			continue
		}
		o = q
	}
	return o
}

func executedQty(orders []binance.Order) float64 {
	var total float64
	for _, o := range orders {
		total += o.ExecutedQty
	}
	return total
}

// blendedPrice weights each order's fill price by its executed quantity.
func (e *Engine) blendedPrice(ctx context.Context, orders []binance.Order) (float64, error) {
	var qty, weighted float64
	for _, o := range orders {
		if o.ExecutedQty <= 0 {
			continue
		}
		p, err := e.exch.EffectiveFillPrice(ctx, o)
		if err != nil {
			return 0, err
		}
		qty += o.ExecutedQty
		weighted += o.ExecutedQty * p
	}
	if qty <= 0 {
		return 0, nil
	}
	return weighted / qty, nil
}

// waitForExposureZero polls the exchange until the symbol reads flat, so a
// new entry can never stack onto residue from a close still settling.
func (e *Engine) waitForExposureZero(ctx context.Context, symbol string) error {
	for i := 0; i < exposurePollMax; i++ {
		pos, err := e.exch.Position(ctx, symbol)
		if err != nil {
			return fmt.Errorf("engine: check exposure %s: %w", symbol, err)
		}
		if pos.Flat() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(exposurePollEvery):
		}
	}
	return fmt.Errorf("engine: %s: %w", symbol, domain.ErrExposureNotCleared)
}

// PartialClose takes profit on a fraction of the position and arms the iron
// defense: from here the position may no longer round-trip to a loss, so a
// breakeven stop replaces any weaker tier stop.
func (e *Engine) PartialClose(ctx context.Context, symbol string, frac float64, reason string) error {
	return e.withSymbolLock(ctx, symbol, func(ctx context.Context) error {
		p, err := e.positions.Get(ctx, symbol)
		if err != nil {
			return err
		}
		if !p.Open {
			return nil
		}
		return e.partialClose(ctx, &p, frac, reason)
	})
}

func (e *Engine) partialClose(ctx context.Context, p *domain.Position, frac float64, reason string) error {
	qty := e.exch.LotRound(p.Symbol, p.Amount*frac)
	if qty <= 0 || qty >= p.Amount-domain.AmountEpsilon {
		// Too small to split; treat as a full close request.
		return e.close(ctx, p, reason)
	}

	order, err := e.exch.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     p.Symbol,
		Side:       string(p.Side.CloseOrderSide()),
		Type:       binance.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("engine: partial close %s: %w", p.Symbol, err)
	}
	closePrice, err := e.exch.EffectiveFillPrice(ctx, order)
	if err != nil {
		return err
	}
	closedQty := order.ExecutedQty
	if closedQty <= 0 {
		closedQty = qty
	}
	now := e.now()

	// Prefer the exchange's view of the remaining amount over local
	// arithmetic.
	remaining := p.Amount - closedQty
	if pos, posErr := e.exch.Position(ctx, p.Symbol); posErr == nil && !pos.Flat() {
		remaining = math.Abs(pos.PositionAmt)
	}

	profit, _ := Realized(p.Side, p.EntryPrice, closePrice, closedQty)
	p.Amount = remaining
	p.PartialClosed = true
	p.IronDefenseActive = true
	p.RealizedProfit += profit
	p.LastPartialAt = now

	if err := e.positions.Save(ctx, *p); err != nil {
		return fmt.Errorf("engine: save after partial close %s: %w", p.Symbol, err)
	}
	if _, err := e.acct.RecordClose(ctx, p, domain.ClosePartial, closedQty, closePrice, reason, now); err != nil {
		e.logger.Warn("history append failed", slog.String("symbol", p.Symbol), slog.Any("error", err))
	}

	if err := e.armIronDefense(ctx, p); err != nil {
		e.logger.Warn("iron defense stop placement failed",
			slog.String("symbol", p.Symbol), slog.Any("error", err))
	}

	e.logger.Info("partial close",
		slog.String("symbol", p.Symbol),
		slog.Float64("qty", closedQty),
		slog.Float64("price", closePrice),
		slog.Float64("profit", profit),
		slog.String("reason", reason))
	e.notify(ctx, "partial_close",
		fmt.Sprintf("%s partial close %.6g @ %.6g (%+.2f), iron defense armed", p.Symbol, closedQty, closePrice, profit))
	return nil
}

// armIronDefense places the breakeven stop unless the current tier stop is
// already at least as protective.
func (e *Engine) armIronDefense(ctx context.Context, p *domain.Position) error {
	stop := BreakevenStop(p.EntryPrice, p.Side, e.cfg.BreakevenBufferPct)
	if tierStop, ok := e.ladder.StopPrice(p, p.CurrentStopTier); ok {
		if (p.Side == domain.SideLong && tierStop >= stop) ||
			(p.Side == domain.SideShort && tierStop <= stop) {
			stop = tierStop
		}
	}
	return e.stops.PlaceOrUpdate(ctx, p, p.CurrentStopTier, stop)
}

// Close fully exits the position and soft-closes the record, leaving it in
// cooldown until garbage collection removes it.
func (e *Engine) Close(ctx context.Context, symbol, reason string) error {
	return e.withSymbolLock(ctx, symbol, func(ctx context.Context) error {
		p, err := e.positions.Get(ctx, symbol)
		if err != nil {
			return err
		}
		if !p.Open {
			return nil
		}
		return e.close(ctx, &p, reason)
	})
}

func (e *Engine) close(ctx context.Context, p *domain.Position, reason string) error {
	if err := e.stops.Sweep(ctx, p.Symbol); err != nil {
		e.logger.Warn("stop sweep before close failed",
			slog.String("symbol", p.Symbol), slog.Any("error", err))
	}

	qty := p.Amount
	if pos, err := e.exch.Position(ctx, p.Symbol); err == nil {
		if pos.Flat() {
			// Stop already consumed the exposure; just settle the record.
			price := e.settlePrice(ctx, p.Symbol, pos.MarkPrice)
			if price <= 0 {
				return fmt.Errorf("engine: close %s: no usable close price", p.Symbol)
			}
			return e.settleClose(ctx, p, p.Amount, price, reason)
		}
		qty = math.Abs(pos.PositionAmt)
	}

	order, err := e.exch.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     p.Symbol,
		Side:       string(p.Side.CloseOrderSide()),
		Type:       binance.OrderTypeMarket,
		Quantity:   e.exch.LotRound(p.Symbol, qty),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("engine: close %s: %w", p.Symbol, err)
	}
	if err := e.waitForExposureZero(ctx, p.Symbol); err != nil {
		return err
	}
	closePrice, err := e.exch.EffectiveFillPrice(ctx, order)
	if err != nil {
		return err
	}
	return e.settleClose(ctx, p, qty, closePrice, reason)
}

// CloseAll flattens every open position. Failures do not stop the sweep; the
// error reports how many closes failed.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: close all: %w", err)
	}
	var failed int
	for _, p := range open {
		if err := e.Close(ctx, p.Symbol, reason); err != nil {
			failed++
			e.logger.Error("close failed",
				slog.String("symbol", p.Symbol), slog.Any("error", err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("engine: close all: %d of %d closes failed", failed, len(open))
	}
	e.logger.Info("all positions closed", slog.Int("count", len(open)))
	return nil
}

// settlePrice picks a usable close price for settling a position whose
// exchange exposure is already gone. Candidates are tried in order, then a
// live mark fetch. Returns 0 when no positive price is available; callers
// must skip the settle rather than book a close at zero.
func (e *Engine) settlePrice(ctx context.Context, symbol string, candidates ...float64) float64 {
	for _, c := range candidates {
		if c > 0 {
			return c
		}
	}
	if mark, err := e.exch.MarkPrice(ctx, symbol); err == nil && mark > 0 {
		return mark
	}
	return 0
}

func (e *Engine) settleClose(ctx context.Context, p *domain.Position, qty, closePrice float64, reason string) error {
	now := e.now()
	profit, pct := Realized(p.Side, p.EntryPrice, closePrice, qty)
	p.RealizedProfit += profit
	p.SoftClose(now)

	if err := e.positions.Save(ctx, *p); err != nil {
		return fmt.Errorf("engine: save after close %s: %w", p.Symbol, err)
	}
	if _, err := e.acct.RecordClose(ctx, p, domain.CloseFull, qty, closePrice, reason, now); err != nil {
		e.logger.Warn("history append failed", slog.String("symbol", p.Symbol), slog.Any("error", err))
	}

	e.logger.Info("position closed",
		slog.String("symbol", p.Symbol),
		slog.Float64("qty", qty),
		slog.Float64("price", closePrice),
		slog.Float64("profit", profit),
		slog.Float64("profit_pct", pct),
		slog.String("reason", reason))
	e.notify(ctx, "close",
		fmt.Sprintf("%s closed %.6g @ %.6g (%+.2f, %+.2f%%): %s", p.Symbol, qty, closePrice, profit, pct, reason))
	return nil
}

// GC deletes soft-closed records whose cooldown has fully elapsed.
func (e *Engine) GC(ctx context.Context) error {
	cutoff := e.now().Add(-e.cfg.Cooldown())
	stale, err := e.positions.ListClosedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := e.positions.Delete(ctx, p.Symbol); err != nil {
			return err
		}
		e.logger.Debug("cooldown record removed", slog.String("symbol", p.Symbol))
	}
	return nil
}
