package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/gate"
)

// risk loop constants mirroring the production tuning.
const (
	decayEarlyMinutes  = 30  // losing trades get cut here
	decayLateMinutes   = 45  // flat trades get cut here
	decayEarlyLossPct  = -0.2
	decayLateProfitPct = 0.1
	hardExpiryHours    = 24
	klineInterval      = "5m"
	klineDepth         = 50
	atrPeriod          = 14
	emaPeriod          = 20
)

// marketContext is the indicator snapshot one risk check runs against.
type marketContext struct {
	mark  float64
	atr   float64
	ema20 float64
	sma20 float64
}

func (e *Engine) marketContext(ctx context.Context, symbol string) (marketContext, error) {
	mark, err := e.exch.MarkPrice(ctx, symbol)
	if err != nil {
		return marketContext{}, err
	}
	mc := marketContext{mark: mark}

	klines, err := e.exch.Klines(ctx, symbol, klineInterval, klineDepth)
	if err != nil {
		// Indicators are advisory; price-based checks still run.
		e.logger.Debug("kline fetch failed", slog.String("symbol", symbol), slog.Any("error", err))
		return mc, nil
	}
	closes := gate.Closes(klines)
	mc.atr = gate.ATR(klines, atrPeriod)
	mc.ema20 = gate.EMA(closes, emaPeriod)
	mc.sma20 = gate.SMA(closes, emaPeriod)
	return mc, nil
}

// RunRiskLoop periodically re-evaluates every open position until ctx ends.
func (e *Engine) RunRiskLoop(ctx context.Context) error {
	interval := e.cfg.CheckInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("risk loop started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.CheckAll(ctx)
		}
	}
}

// CheckAll runs one risk pass over every open position. A symbol whose lock
// is held by the tick listener is skipped until the next pass.
func (e *Engine) CheckAll(ctx context.Context) {
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		e.logger.Error("list open positions failed", slog.Any("error", err))
		return
	}

	e.checkDrawdown(ctx)

	for _, p := range open {
		p := p
		err := e.withSymbolLock(ctx, p.Symbol, func(ctx context.Context) error {
			return e.checkPosition(ctx, &p)
		})
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			e.logger.Debug("symbol busy, skipping cycle", slog.String("symbol", p.Symbol))
		case err != nil:
			e.logger.Error("risk check failed", slog.String("symbol", p.Symbol), slog.Any("error", err))
		}
	}
}

// checkDrawdown engages the global entry halt when the account equity falls
// too far from its high-water mark. Open positions keep being managed.
func (e *Engine) checkDrawdown(ctx context.Context) {
	if e.cfg.MaxDrawdownPct <= 0 || e.halted.Load() {
		return
	}
	balance, err := e.exch.Balance(ctx)
	if err != nil {
		e.logger.Debug("balance fetch failed", slog.Any("error", err))
		return
	}
	if balance > e.peakBalance {
		e.peakBalance = balance
		return
	}
	if e.peakBalance > 0 && balance < e.peakBalance*(1-e.cfg.MaxDrawdownPct/100) {
		e.Halt(fmt.Sprintf("balance %.2f fell %.1f%% from peak %.2f",
			balance, e.cfg.MaxDrawdownPct, e.peakBalance))
	}
}

// checkPosition is one full risk evaluation of an open position. A missing
// mark price skips the cycle without mutating anything.
func (e *Engine) checkPosition(ctx context.Context, p *domain.Position) error {
	// Reload inside the lock; the list snapshot may be stale.
	cur, err := e.positions.Get(ctx, p.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	if !cur.Open {
		return nil
	}
	p = &cur

	// Safety net: the exchange stop may have fired between passes.
	if pos, err := e.exch.Position(ctx, p.Symbol); err == nil && pos.Flat() {
		var cachedStop float64
		if cached, cErr := e.stops.cache.Get(ctx, p.Symbol); cErr == nil {
			cachedStop = cached.StopPrice
		}
		price := e.settlePrice(ctx, p.Symbol, cachedStop, pos.MarkPrice)
		if price <= 0 {
			e.logger.Debug("exposure gone but no usable close price, skipping cycle",
				slog.String("symbol", p.Symbol))
			return nil
		}
		_ = e.stops.cache.Delete(ctx, p.Symbol)
		return e.settleClose(ctx, p, p.Amount, price, "exchange exposure gone")
	}

	mc, err := e.marketContext(ctx, p.Symbol)
	if err != nil || mc.mark <= 0 || p.EntryPrice <= 0 {
		e.logger.Debug("no usable mark, skipping cycle", slog.String("symbol", p.Symbol))
		return nil
	}

	changed := e.updateHighWater(p, mc.mark)
	profitPct, _ := p.ProfitPct(mc.mark)

	if e.escalateTier(ctx, p, profitPct) {
		changed = true
	}

	if e.cfg.PartialCloseOn && !p.PartialClosed && mc.atr > 0 {
		atrPct := mc.atr / p.EntryPrice * 100
		target := clamp(atrPct*1.5, 0.8, 1.5)
		if profitPct >= target {
			if changed {
				if err := e.positions.Save(ctx, *p); err != nil {
					return err
				}
			}
			return e.partialClose(ctx, p, e.cfg.PartialCloseFrac,
				fmt.Sprintf("take profit %.2f%% >= target %.2f%%", profitPct, target))
		}
	}

	if reason := e.closeReason(p, mc, profitPct); reason != "" {
		return e.close(ctx, p, reason)
	}

	if changed {
		return e.positions.Save(ctx, *p)
	}
	return nil
}

// updateHighWater advances the peak favorable price and peak profit marks.
func (e *Engine) updateHighWater(p *domain.Position, mark float64) bool {
	changed := false
	if p.Side == domain.SideLong {
		if mark > p.HighestPrice {
			p.HighestPrice = mark
			changed = true
		}
	} else if p.HighestPrice == 0 || mark < p.HighestPrice {
		p.HighestPrice = mark
		changed = true
	}
	if pct, ok := p.ProfitPct(mark); ok && pct > p.PeakProfitPct {
		p.PeakProfitPct = pct
		changed = true
	}
	return changed
}

// escalateTier moves the ladder strictly upward and keeps the trailing tier's
// stop following the peak price. Returns true when the record changed.
func (e *Engine) escalateTier(ctx context.Context, p *domain.Position, profitPct float64) bool {
	next := e.ladder.Next(profitPct, p.CurrentStopTier)
	if next > p.CurrentStopTier {
		stop, ok := e.ladder.StopPrice(p, next)
		if !ok {
			return false
		}
		if err := e.stops.PlaceOrUpdate(ctx, p, next, stop); err != nil {
			e.logger.Warn("tier stop placement failed",
				slog.String("symbol", p.Symbol), slog.Int("tier", next), slog.Any("error", err))
			return false
		}
		p.CurrentStopTier = next
		e.logger.Info("tier upgraded",
			slog.String("symbol", p.Symbol),
			slog.Int("tier", next),
			slog.Float64("profit_pct", profitPct),
			slog.Float64("stop", stop))
		e.notify(ctx, "tier_upgrade", fmt.Sprintf("%s tier %d at %.2f%%", p.Symbol, next, profitPct))
		return true
	}

	if e.ladder.Trailing(p.CurrentStopTier) {
		if stop, ok := e.ladder.StopPrice(p, p.CurrentStopTier); ok {
			if err := e.stops.PlaceOrUpdate(ctx, p, p.CurrentStopTier, stop); err != nil {
				e.logger.Warn("trailing stop update failed",
					slog.String("symbol", p.Symbol), slog.Any("error", err))
			}
		}
	}
	return false
}

// closeReason applies the exit rules in priority order and returns the first
// that fires, or "".
func (e *Engine) closeReason(p *domain.Position, mc marketContext, profitPct float64) string {
	now := e.now()
	held := now.Sub(p.OpenedAt)
	heldMin := held.Minutes()
	maxHold := float64(e.cfg.MaxHoldMinutes)

	switch {
	case heldMin > decayEarlyMinutes && heldMin <= decayLateMinutes && profitPct < decayEarlyLossPct:
		return "time decay 30m weak"
	case heldMin > decayLateMinutes && heldMin <= maxHold && profitPct < decayLateProfitPct:
		return "time decay 45m no profit"
	case heldMin > maxHold:
		if heldMin > maxHold+float64(e.cfg.MaxExtendMinutes) || held > hardExpiryHours*time.Hour {
			return "time expiry, extension exhausted"
		}
		trendHealthy := mc.ema20 > 0 &&
			((p.Side == domain.SideLong && mc.mark > mc.ema20) ||
				(p.Side == domain.SideShort && mc.mark < mc.ema20))
		if !trendHealthy {
			return "time expiry, trend broken"
		}
		e.logger.Info("hold extended past max, trend healthy",
			slog.String("symbol", p.Symbol), slog.Float64("held_min", heldMin))
	}

	// Quick protect: a trade that peaked well into profit and gave nearly
	// all of it back gets cut before it can round-trip into a loss.
	if e.quickProtect(p, profitPct) {
		return "quick protect"
	}

	// Middle-band break take-profit, only once the trade is not deep red.
	if mc.sma20 > 0 && profitPct > -0.5 {
		if (p.Side == domain.SideLong && mc.mark < mc.sma20) ||
			(p.Side == domain.SideShort && mc.mark > mc.sma20) {
			return "middle band break"
		}
	}

	if profitPct < -e.cfg.StopLossPct {
		return "hard stop loss"
	}

	if mc.atr > 0 && e.cfg.ATRStopMultiplier > 0 {
		dist := mc.atr * e.cfg.ATRStopMultiplier
		if (p.Side == domain.SideLong && mc.mark < p.EntryPrice-dist) ||
			(p.Side == domain.SideShort && mc.mark > p.EntryPrice+dist) {
			return "atr stop"
		}
	}

	// In-process iron defense backstop for the exchange breakeven stop.
	if p.IronDefenseActive {
		stop := BreakevenStop(p.EntryPrice, p.Side, e.cfg.BreakevenBufferPct)
		if (p.Side == domain.SideLong && mc.mark < stop) ||
			(p.Side == domain.SideShort && mc.mark > stop) {
			return "iron defense breakeven"
		}
	}
	return ""
}

// quickProtect reports whether the profit collapsed from a protected peak
// back to the give-back line.
func (e *Engine) quickProtect(p *domain.Position, profitPct float64) bool {
	return e.cfg.QuickProtectEnterPct > 0 &&
		p.PeakProfitPct >= e.cfg.QuickProtectEnterPct &&
		profitPct <= e.cfg.QuickProtectCloseToPct
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
