package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
	"github.com/triplewz/ironguard/internal/platform/binance"
)

// KlineSource supplies candles. *binance.Client satisfies it.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]binance.Kline, error)
}

// BTCGate rejects entries that fight the BTC trend. Direction is EMA20 on
// the 15m chart confirmed by the 1h chart; a split verdict blocks nothing.
// The verdict is cached with a TTL so a burst of signals costs one fetch.
type BTCGate struct {
	src    KlineSource
	cache  domain.DirectionCache
	symbol string
	ttl    time.Duration
	logger *slog.Logger
}

// NewBTCGate creates a BTCGate. cache may be nil to disable caching.
func NewBTCGate(src KlineSource, cache domain.DirectionCache, symbol string, ttl time.Duration, logger *slog.Logger) *BTCGate {
	return &BTCGate{
		src:    src,
		cache:  cache,
		symbol: symbol,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "btc_gate")),
	}
}

// Direction returns the current BTC trend, or "" when the timeframes
// disagree.
func (g *BTCGate) Direction(ctx context.Context) (domain.Side, error) {
	if g.cache != nil {
		if dir, err := g.cache.Get(ctx); err == nil {
			return dir, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			g.logger.Debug("direction cache read failed", slog.Any("error", err))
		}
	}

	fast, err := g.trend(ctx, "15m")
	if err != nil {
		return "", err
	}
	slow, err := g.trend(ctx, "1h")
	if err != nil {
		return "", err
	}
	if fast != slow {
		return "", nil
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, fast, g.ttl); err != nil {
			g.logger.Debug("direction cache write failed", slog.Any("error", err))
		}
	}
	return fast, nil
}

func (g *BTCGate) trend(ctx context.Context, interval string) (domain.Side, error) {
	klines, err := g.src.Klines(ctx, g.symbol, interval, 50)
	if err != nil {
		return "", fmt.Errorf("gate: btc klines %s: %w", interval, err)
	}
	closes := Closes(klines)
	ema := EMA(closes, 20)
	if ema <= 0 || len(closes) == 0 {
		return "", fmt.Errorf("gate: btc trend %s: not enough data", interval)
	}
	if closes[len(closes)-1] > ema {
		return domain.SideLong, nil
	}
	return domain.SideShort, nil
}

// Check implements the gate contract: pass unless BTC trends clearly against
// the signal's direction.
func (g *BTCGate) Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error) {
	dir, err := g.Direction(ctx)
	if err != nil {
		// Fail open: a market-data hiccup must not freeze entries.
		g.logger.Warn("btc direction unavailable, passing", slog.Any("error", err))
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}
	if dir == "" || dir == sig.Direction {
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}
	return domain.GateResult{
		Pass:   false,
		Reason: fmt.Sprintf("btc trend %s against %s signal", dir, sig.Direction),
	}, nil
}
