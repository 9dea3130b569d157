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

// Reconcile merges exchange state into the store and restores protective
// stops. It assumes nothing survived in memory: the store rows and whatever
// the exchange reports are the only inputs. Run once at startup before the
// loops, and periodically after to catch drift.
func (e *Engine) Reconcile(ctx context.Context) error {
	exchPositions, err := e.exch.Positions(ctx)
	if err != nil {
		return fmt.Errorf("engine: reconcile: %w", err)
	}
	bySymbol := make(map[string]binance.PositionRisk, len(exchPositions))
	for _, p := range exchPositions {
		bySymbol[p.Symbol] = p
	}

	local, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: reconcile: %w", err)
	}

	for _, p := range local {
		p := p
		err := e.withSymbolLock(ctx, p.Symbol, func(ctx context.Context) error {
			exch, alive := bySymbol[p.Symbol]
			delete(bySymbol, p.Symbol)
			if !alive {
				return e.settleGhost(ctx, &p)
			}
			return e.restore(ctx, &p, exch)
		})
		if err != nil {
			e.logger.Error("reconcile failed for symbol",
				slog.String("symbol", p.Symbol), slog.Any("error", err))
		}
	}

	// Exchange exposure with no local record: adopt it so risk management
	// applies from the next pass.
	for _, exch := range bySymbol {
		side := domain.SideLong
		if exch.PositionAmt < 0 {
			side = domain.SideShort
		}
		p := domain.Position{
			Symbol:          exch.Symbol,
			Side:            side,
			Amount:          math.Abs(exch.PositionAmt),
			EntryPrice:      exch.EntryPrice,
			Open:            true,
			CurrentStopTier: domain.NoTier,
			HighestPrice:    exch.EntryPrice,
			SizeScale:       1,
			Source:          "reconciled",
			OpenedAt:        e.now(),
		}
		if err := e.positions.Save(ctx, p); err != nil {
			e.logger.Error("reconcile adopt failed",
				slog.String("symbol", p.Symbol), slog.Any("error", err))
			continue
		}
		e.logger.Warn("adopted exchange position without local record",
			slog.String("symbol", p.Symbol),
			slog.String("side", string(side)),
			slog.Float64("amount", p.Amount))
		e.notify(ctx, "recovery", fmt.Sprintf("reconciled untracked %s %s %.6g", side, p.Symbol, p.Amount))
	}
	return nil
}

// settleGhost soft-closes a local record whose exchange exposure is gone,
// pricing the close from the cached stop when one exists.
func (e *Engine) settleGhost(ctx context.Context, p *domain.Position) error {
	price := p.EntryPrice
	if cached, err := e.stops.cache.Get(ctx, p.Symbol); err == nil && cached.StopPrice > 0 {
		price = cached.StopPrice
	} else if mark, err := e.exch.MarkPrice(ctx, p.Symbol); err == nil && mark > 0 {
		price = mark
	}
	_ = e.stops.cache.Delete(ctx, p.Symbol)
	e.logger.Info("settling position closed while down", slog.String("symbol", p.Symbol))
	return e.settleClose(ctx, p, p.Amount, price, "closed while offline")
}

// restore re-adopts the exchange's amounts and re-places the protective stop
// the record says the position had earned.
func (e *Engine) restore(ctx context.Context, p *domain.Position, exch binance.PositionRisk) error {
	changed := false
	if amt := math.Abs(exch.PositionAmt); math.Abs(amt-p.Amount) > domain.AmountEpsilon {
		e.logger.Info("amount adjusted from exchange",
			slog.String("symbol", p.Symbol),
			slog.Float64("was", p.Amount),
			slog.Float64("now", amt))
		p.Amount = amt
		changed = true
	}
	if p.EntryPrice <= 0 && exch.EntryPrice > 0 {
		p.EntryPrice = exch.EntryPrice
		if p.HighestPrice <= 0 {
			p.HighestPrice = exch.EntryPrice
		}
		changed = true
	}
	if changed {
		if err := e.positions.Save(ctx, *p); err != nil {
			return err
		}
	}

	switch {
	case p.CurrentStopTier >= 0:
		stop, ok := e.ladder.StopPrice(p, p.CurrentStopTier)
		if !ok {
			return nil
		}
		if err := e.stops.PlaceOrUpdate(ctx, p, p.CurrentStopTier, stop); err != nil {
			return err
		}
		e.logger.Info("tier stop restored",
			slog.String("symbol", p.Symbol),
			slog.Int("tier", p.CurrentStopTier),
			slog.Float64("stop", stop))
	case p.IronDefenseActive || p.PartialClosed:
		if err := e.armIronDefense(ctx, p); err != nil {
			return err
		}
		e.logger.Info("breakeven stop restored", slog.String("symbol", p.Symbol))
	}
	return nil
}

// RunReconcileLoop re-runs reconciliation on a fixed cadence to correct
// drift between the store, the stop cache and the exchange.
func (e *Engine) RunReconcileLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("periodic reconcile failed", slog.Any("error", err))
			}
		}
	}
}

// RunGCLoop purges cooled-down soft-closed records on a fixed cadence.
func (e *Engine) RunGCLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.GC(ctx); err != nil {
				e.logger.Error("position gc failed", slog.Any("error", err))
			}
		}
	}
}
