package gate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/triplewz/ironguard/internal/domain"
)

// ScoreGate grades a signal's symbol by momentum quality on the 15m chart
// and converts the grade into a size confidence. It is deliberately thin:
// the engine only consumes pass/scale/reason.
type ScoreGate struct {
	src    KlineSource
	minOK  float64
	logger *slog.Logger
}

// NewScoreGate creates a ScoreGate passing symbols that grade at least minOK
// out of 100.
func NewScoreGate(src KlineSource, minOK float64, logger *slog.Logger) *ScoreGate {
	if minOK <= 0 {
		minOK = 40
	}
	return &ScoreGate{
		src:    src,
		minOK:  minOK,
		logger: logger.With(slog.String("component", "score_gate")),
	}
}

// Check implements the gate contract.
func (g *ScoreGate) Check(ctx context.Context, sig domain.Signal) (domain.GateResult, error) {
	klines, err := g.src.Klines(ctx, sig.Symbol, "15m", 50)
	if err != nil {
		g.logger.Warn("score data unavailable, passing", slog.String("symbol", sig.Symbol), slog.Any("error", err))
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}
	closes := Closes(klines)
	if len(closes) < 21 {
		return domain.GateResult{Pass: true, Scale: 1}, nil
	}

	score := g.score(closes, sig.Direction)
	if score < g.minOK {
		return domain.GateResult{
			Pass:   false,
			Reason: fmt.Sprintf("score %.0f below %.0f", score, g.minOK),
		}, nil
	}

	// Confidence scales size between 0.8x at the floor and 1.2x at 100.
	scale := 0.8 + 0.4*(score-g.minOK)/(100-g.minOK)
	return domain.GateResult{Pass: true, Scale: scale}, nil
}

// score grades momentum agreement with the signal direction out of 100.
func (g *ScoreGate) score(closes []float64, dir domain.Side) float64 {
	last := closes[len(closes)-1]
	ema20 := EMA(closes, 20)
	sma20 := SMA(closes, 20)

	var score float64 = 50
	aligned := func(above bool) bool {
		if dir == domain.SideLong {
			return above
		}
		return !above
	}
	if aligned(last > ema20) {
		score += 25
	} else {
		score -= 25
	}
	if aligned(ema20 > sma20) {
		score += 15
	} else {
		score -= 15
	}
	// Recent impulse in the signal direction.
	prev := closes[len(closes)-4]
	if aligned(last > prev) {
		score += 10
	} else {
		score -= 10
	}
	return clampF(score, 0, 100)
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
