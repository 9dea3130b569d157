package engine

import (
	"context"

	"github.com/triplewz/ironguard/internal/platform/binance"
)

// Exchange is the slice of the futures client the engine depends on.
// *binance.Client satisfies it; tests use an in-memory fake.
type Exchange interface {
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)

	PlaceOrder(ctx context.Context, req binance.OrderRequest) (binance.Order, error)
	QueryOrder(ctx context.Context, symbol string, orderID int64) (binance.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	OpenOrders(ctx context.Context, symbol string) ([]binance.Order, error)

	Position(ctx context.Context, symbol string) (binance.PositionRisk, error)
	Positions(ctx context.Context) ([]binance.PositionRisk, error)
	Balance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetIsolatedMargin(ctx context.Context, symbol string) error

	LotRound(symbol string, qty float64) float64
	TickRound(symbol string, price float64) float64
	EffectiveFillPrice(ctx context.Context, o binance.Order) (float64, error)
}

// Compile-time check that the real client satisfies the interface.
var _ Exchange = (*binance.Client)(nil)
