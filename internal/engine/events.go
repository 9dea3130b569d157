package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// OnPriceTick is the fast path driven by the market stream. It must stay
// cheap: high-water marks, tier escalation and the local protective closes,
// no indicator fetches. A symbol whose lock is busy is simply skipped; the
// poll loop will catch up.
func (e *Engine) OnPriceTick(ctx context.Context, symbol string, mark float64) {
	if mark <= 0 {
		return
	}
	err := e.withSymbolLock(ctx, symbol, func(ctx context.Context) error {
		p, err := e.positions.Get(ctx, symbol)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		if !p.Open || p.EntryPrice <= 0 {
			return nil
		}

		changed := e.updateHighWater(&p, mark)
		profitPct, _ := p.ProfitPct(mark)

		if e.escalateTier(ctx, &p, profitPct) {
			changed = true
		}

		if profitPct < -e.cfg.StopLossPct {
			return e.close(ctx, &p, "hard stop loss (tick)")
		}
		if p.IronDefenseActive {
			stop := BreakevenStop(p.EntryPrice, p.Side, e.cfg.BreakevenBufferPct)
			if (p.Side == domain.SideLong && mark < stop) ||
				(p.Side == domain.SideShort && mark > stop) {
				return e.close(ctx, &p, "iron defense breakeven (tick)")
			}
		}
		if e.quickProtect(&p, profitPct) {
			return e.close(ctx, &p, "quick protect (tick)")
		}

		if changed {
			return e.positions.Save(ctx, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrLockHeld) {
		e.logger.Error("price tick handling failed", slog.String("symbol", symbol), slog.Any("error", err))
	}
}

// HandleOrderUpdate processes a filled order from the user data stream. Fills
// of our own synchronous closes arrive here too, so the handler only moves
// the record toward the exchange's view: it settles when the exchange reads
// flat, adjusts the amount when it does not, and adopts positions it has
// never seen. It never double-books history for closes settled inline.
func (e *Engine) HandleOrderUpdate(ctx context.Context, u binance.OrderUpdate) {
	if u.Status != "FILLED" || u.Symbol == "" {
		return
	}
	err := e.withSymbolLock(ctx, u.Symbol, func(ctx context.Context) error {
		p, err := e.positions.Get(ctx, u.Symbol)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && !p.Open) {
			if !u.ReduceOnly {
				return e.adoptFill(ctx, u)
			}
			return nil
		}
		if err != nil {
			return err
		}
		return e.applyFill(ctx, &p, u)
	})
	if err != nil && !errors.Is(err, domain.ErrLockHeld) {
		e.logger.Error("order update handling failed", slog.String("symbol", u.Symbol), slog.Any("error", err))
	}
}

// adoptFill synthesizes a record for a fill on a symbol the engine does not
// track, so manually opened exposure still gets risk management.
func (e *Engine) adoptFill(ctx context.Context, u binance.OrderUpdate) error {
	side := domain.SideLong
	if u.Side == string(domain.OrderSideSell) {
		side = domain.SideShort
	}
	price := u.AvgPrice
	if price <= 0 {
		price = u.LastPrice
	}
	if price <= 0 || u.FilledQty < domain.AmountEpsilon {
		return nil
	}

	p := domain.Position{
		Symbol:          u.Symbol,
		Side:            side,
		Amount:          u.FilledQty,
		EntryPrice:      price,
		Open:            true,
		CurrentStopTier: domain.NoTier,
		HighestPrice:    price,
		LastOrderID:     u.OrderID,
		SizeScale:       1,
		Source:          "adopted",
		OpenedAt:        e.now(),
	}
	if err := e.positions.Save(ctx, p); err != nil {
		return err
	}
	e.logger.Warn("adopted untracked position",
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Float64("amount", p.Amount))
	e.notify(ctx, "recovery", fmt.Sprintf("adopted untracked %s %s %.6g", p.Side, p.Symbol, p.Amount))
	return nil
}

// applyFill reconciles a tracked position against a fill event.
func (e *Engine) applyFill(ctx context.Context, p *domain.Position, u binance.OrderUpdate) error {
	closing := u.ReduceOnly || u.Side == string(p.Side.CloseOrderSide())

	if !closing {
		// Entry-side fill: backfill price and size if the local write lost
		// the race with the stream.
		if p.EntryPrice <= 0 && u.AvgPrice > 0 {
			p.EntryPrice = u.AvgPrice
			p.HighestPrice = u.AvgPrice
			return e.positions.Save(ctx, *p)
		}
		return nil
	}

	pos, err := e.exch.Position(ctx, u.Symbol)
	if err != nil {
		return err
	}
	if pos.Flat() {
		price := e.settlePrice(ctx, u.Symbol, u.AvgPrice, u.LastPrice)
		if price <= 0 {
			// Leave the record for the risk loop to settle once a price
			// exists again.
			e.logger.Warn("fill left no usable close price, settle deferred",
				slog.String("symbol", u.Symbol))
			return nil
		}
		reason := "external close"
		if u.Type == binance.OrderTypeStopMarket {
			reason = "stop order filled"
			if p.IronDefenseActive {
				reason = "iron defense stop filled"
			}
		}
		_ = e.stops.cache.Delete(ctx, u.Symbol)
		return e.settleClose(ctx, p, p.Amount, price, reason)
	}

	remaining := math.Abs(pos.PositionAmt)
	if math.Abs(remaining-p.Amount) < domain.AmountEpsilon {
		return nil
	}

	closedQty := p.Amount - remaining
	now := e.now()
	if u.EventTime > 0 {
		now = time.UnixMilli(u.EventTime)
	}
	e.logger.Info("position amount adjusted from stream",
		slog.String("symbol", p.Symbol),
		slog.Float64("was", p.Amount),
		slog.Float64("now", remaining))
	p.Amount = remaining
	p.LastPartialAt = now

	// A shrink is a partial close someone else executed; book the realized
	// slice so the running PnL and history stay truthful.
	if closedQty > domain.AmountEpsilon {
		price := e.settlePrice(ctx, u.Symbol, u.AvgPrice, u.LastPrice)
		if price > 0 {
			profit, _ := Realized(p.Side, p.EntryPrice, price, closedQty)
			p.RealizedProfit += profit
			if err := e.positions.Save(ctx, *p); err != nil {
				return err
			}
			if _, err := e.acct.RecordClose(ctx, p, domain.ClosePartial, closedQty, price, "external partial close", now); err != nil {
				e.logger.Warn("history append failed", slog.String("symbol", p.Symbol), slog.Any("error", err))
			}
			return nil
		}
		e.logger.Warn("external reduce without usable price, booking skipped",
			slog.String("symbol", p.Symbol), slog.Float64("qty", closedQty))
	}
	return e.positions.Save(ctx, *p)
}
