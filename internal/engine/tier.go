// Package engine implements the position lifecycle: entry, the tiered
// trailing-stop ladder, partial and full closes, the risk poll loop and
// startup reconciliation against the exchange.
package engine

import (
	"github.com/triplewz/ironguard/internal/config"
	"github.com/triplewz/ironguard/internal/domain"
)

// TierLadder evaluates the trailing-stop tier table. All methods are pure;
// state lives in the position record.
type TierLadder struct {
	tiers     []config.TierConfig
	bufferPct float64
}

// NewTierLadder builds a ladder from validated config.
func NewTierLadder(tiers []config.TierConfig, bufferPct float64) *TierLadder {
	return &TierLadder{tiers: tiers, bufferPct: bufferPct}
}

// Next returns the tier the position should hold at the given profit. The
// result never drops below current: once a tier is reached the stop only
// ratchets upward. Tiers at or below current keep a hysteresis buffer so a
// profit hovering at a trigger does not flap the ladder.
func (l *TierLadder) Next(profitPct float64, current int) int {
	best := current
	for i := len(l.tiers) - 1; i >= 0; i-- {
		required := l.tiers[i].TriggerPct
		if i <= current {
			required -= l.bufferPct
		}
		if profitPct >= required {
			if i > best {
				best = i
			}
			break
		}
	}
	return best
}

// Trailing reports whether tier is the trailing rung of the ladder.
func (l *TierLadder) Trailing(tier int) bool {
	return tier >= 0 && tier < len(l.tiers) && l.tiers[tier].TrailingPct > 0
}

// Top returns the index of the highest tier.
func (l *TierLadder) Top() int {
	return len(l.tiers) - 1
}

// StopPrice computes the stop for a position holding tier. Fixed tiers lock
// profit at a percentage offset from entry in the position's favor. The
// trailing tier follows the peak favorable price instead.
func (l *TierLadder) StopPrice(p *domain.Position, tier int) (float64, bool) {
	if tier < 0 || tier >= len(l.tiers) {
		return 0, false
	}
	t := l.tiers[tier]

	if t.TrailingPct > 0 {
		peak := p.HighestPrice
		if peak <= 0 {
			peak = p.EntryPrice
		}
		if p.Side == domain.SideLong {
			return peak * (1 - t.TrailingPct/100), true
		}
		return peak * (1 + t.TrailingPct/100), true
	}

	if p.Side == domain.SideLong {
		return p.EntryPrice * (1 + t.StopPct/100), true
	}
	return p.EntryPrice * (1 - t.StopPct/100), true
}

// BreakevenStop computes the iron-defense stop: entry shifted slightly into
// profit so a round trip after a partial close cannot end negative.
func BreakevenStop(entry float64, side domain.Side, bufferPct float64) float64 {
	if side == domain.SideLong {
		return entry * (1 + bufferPct/100)
	}
	return entry * (1 - bufferPct/100)
}
