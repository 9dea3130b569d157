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

// churnThresholdPct is the minimum relative price move that justifies
// replacing a live stop order. Trailing recomputation produces a slightly
// different stop on nearly every poll; without this floor the engine would
// burn its request budget cancelling and replacing equivalent orders.
const churnThresholdPct = 0.1

// StopOrders owns the one live exchange stop per symbol and the cache that
// tracks it. The cache is advisory; every mutation goes to the exchange
// first and the cache follows.
type StopOrders struct {
	exch   Exchange
	cache  domain.StopOrderCache
	logger *slog.Logger
}

// NewStopOrders creates a StopOrders manager.
func NewStopOrders(exch Exchange, cache domain.StopOrderCache, logger *slog.Logger) *StopOrders {
	return &StopOrders{
		exch:   exch,
		cache:  cache,
		logger: logger.With(slog.String("component", "stoporders")),
	}
}

// PlaceOrUpdate ensures the symbol's stop order sits at stopPrice for tier.
// A cached order already within churnThresholdPct of the target at the same
// tier is left alone. Otherwise the old order is cancelled (an order the
// exchange no longer knows is treated as already consumed) and a fresh
// reduce-only STOP_MARKET is placed for the full position amount.
func (so *StopOrders) PlaceOrUpdate(ctx context.Context, p *domain.Position, tier int, stopPrice float64) error {
	stopPrice = so.exch.TickRound(p.Symbol, stopPrice)

	if cached, err := so.cache.Get(ctx, p.Symbol); err == nil {
		if cached.Tier == tier && cached.StopPrice > 0 &&
			math.Abs(stopPrice-cached.StopPrice)/cached.StopPrice*100 < churnThresholdPct {
			return nil
		}
		if err := so.cancelOrder(ctx, p.Symbol, cached.OrderID); err != nil {
			return err
		}
	}

	qty := so.exch.LotRound(p.Symbol, p.Amount)
	if qty <= 0 {
		return fmt.Errorf("engine: stop for %s: amount %v rounds to zero", p.Symbol, p.Amount)
	}

	order, err := so.exch.PlaceOrder(ctx, binance.OrderRequest{
		Symbol:     p.Symbol,
		Side:       string(p.Side.CloseOrderSide()),
		Type:       binance.OrderTypeStopMarket,
		Quantity:   qty,
		StopPrice:  stopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("engine: place stop for %s: %w", p.Symbol, err)
	}

	entry := domain.StopOrderEntry{
		OrderID:   order.OrderID,
		Tier:      tier,
		StopPrice: stopPrice,
		PlacedAt:  time.Now(),
	}
	if err := so.cache.Set(ctx, p.Symbol, entry); err != nil {
		so.logger.Warn("stop order cache write failed",
			slog.String("symbol", p.Symbol), slog.Any("error", err))
	}
	so.logger.Info("stop order placed",
		slog.String("symbol", p.Symbol),
		slog.Int("tier", tier),
		slog.Float64("stop_price", stopPrice),
		slog.Int64("order_id", order.OrderID))
	return nil
}

// Cancel removes the symbol's cached stop order, tolerating an order the
// exchange already consumed or expired.
func (so *StopOrders) Cancel(ctx context.Context, symbol string) error {
	cached, err := so.cache.Get(ctx, symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := so.cancelOrder(ctx, symbol, cached.OrderID); err != nil {
		return err
	}
	return so.cache.Delete(ctx, symbol)
}

func (so *StopOrders) cancelOrder(ctx context.Context, symbol string, orderID int64) error {
	err := so.exch.CancelOrder(ctx, symbol, orderID)
	if err == nil || errors.Is(err, domain.ErrOrderNotFound) {
		return nil
	}
	return fmt.Errorf("engine: cancel stop %d for %s: %w", orderID, symbol, err)
}

// Sweep cancels every open stop-market order for symbol on the exchange,
// cached or not. Used before a full close and by reconciliation when the
// cache has diverged from reality.
func (so *StopOrders) Sweep(ctx context.Context, symbol string) error {
	orders, err := so.exch.OpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("engine: sweep stops for %s: %w", symbol, err)
	}
	for _, o := range orders {
		if o.Type != binance.OrderTypeStopMarket {
			continue
		}
		if err := so.cancelOrder(ctx, symbol, o.OrderID); err != nil {
			return err
		}
	}
	return so.cache.Delete(ctx, symbol)
}
