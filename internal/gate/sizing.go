package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/triplewz/ironguard/internal/domain"
)

// VolSizer scales position size toward a target volatility: quiet symbols
// size up, violent symbols size down, always inside [minScale, maxScale].
// It never rejects a signal.
type VolSizer struct {
	src       KlineSource
	targetPct float64
	minScale  float64
	maxScale  float64
	logger    *slog.Logger
}

// NewVolSizer creates a VolSizer targeting targetPct ATR per position.
func NewVolSizer(src KlineSource, targetPct, minScale, maxScale float64, logger *slog.Logger) *VolSizer {
	return &VolSizer{
		src:       src,
		targetPct: targetPct,
		minScale:  minScale,
		maxScale:  maxScale,
		logger:    logger.With(slog.String("component", "vol_sizer")),
	}
}

// Check implements the gate contract.
func (g *VolSizer) Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error) {
	klines, err := g.src.Klines(ctx, sig.Symbol, "15m", 50)
	if err != nil {
		g.logger.Warn("sizing data unavailable, default scale", slog.String("symbol", sig.Symbol), slog.Any("error", err))
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}
	atr := ATR(klines, 14)
	last := 0.0
	if n := len(klines); n > 0 {
		last = klines[n-1].Close
	}
	if atr <= 0 || last <= 0 {
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}

	atrPct := atr / last * 100
	scale := clampF(g.targetPct/atrPct, g.minScale, g.maxScale)
	return domain.GateResult{
		Pass:   true,
		Scale:  scale,
		Reason: fmt.Sprintf("atr %.2f%% scale %.2f", atrPct, scale),
	}, nil
}

// Chain runs gates in order: the first rejection wins and scales multiply.
type Chain struct {
	gates []interface {
		Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error)
	}
	minScale float64
	maxScale float64
}

// NewChain builds a Chain from the given gates. Nil entries are skipped.
func NewChain(minScale, maxScale float64, gates ...interface {
	Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error)
}) *Chain {
	c := &Chain{minScale: minScale, maxScale: maxScale}
	for _, g := range gates {
		if g != nil {
			c.gates = append(c.gates, g)
		}
	}
	return c
}

// Check implements the gate contract.
func (c *Chain) Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error) {
	scale := 1.0
	for _, g := range c.gates {
		res, err := g.Check(ctx, sig)
		if err != nil {
			return domain.GateResult{}, err
		}
		if !res.Pass {
			return res, nil
		}
		if res.Scale > 0 {
			scale *= res.Scale
		}
	}
	if c.minScale > 0 || c.maxScale > 0 {
		scale = clampF(scale, c.minScale, c.maxScale)
	}
	return domain.GateResult{Pass: true, Scale: scale}, nil
}
