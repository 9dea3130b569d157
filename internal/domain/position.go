package domain

import (
	"fmt"
	"time"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide is the direction of an exchange order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// CloseOrderSide returns the order side that reduces a position held on s.
func (s Side) CloseOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntryOrderSide returns the order side that opens a position on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Phase is the lifecycle phase of a position record.
type Phase string

const (
	PhaseOpen            Phase = "open"
	PhasePartiallyClosed Phase = "partially_closed"
	PhaseSoftClosed      Phase = "soft_closed"
)

// NoTier marks a position with no trailing-stop tier armed yet.
const NoTier = -1

// AmountEpsilon is the threshold below which a remaining position amount is
// considered zero.
const AmountEpsilon = 1e-7

// Position is the per-symbol record the engine persists. At most one record
// exists per symbol; closed positions are kept soft-closed until the reopen
// cooldown elapses.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Amount     float64 `json:"amount"`
	EntryPrice float64 `json:"entryPrice"`

	Open          bool `json:"open"`
	PartialClosed bool `json:"partialClosed"`

	// CurrentStopTier only ever increases while the position stays open.
	CurrentStopTier int `json:"currentStopTier"`
	// IronDefenseActive, once set, stays set until the position fully closes.
	IronDefenseActive bool `json:"ironDefenseActive"`

	PeakProfitPct float64 `json:"peakProfitPct"`
	HighestPrice  float64 `json:"highestPrice"`

	RealizedProfit float64 `json:"realizedProfit"`
	LastOrderID    int64   `json:"lastOrderId"`
	SizeScale      float64 `json:"sizeScale"`
	Source         string  `json:"source"`

	OpenedAt       time.Time `json:"openedAt"`
	LastClosedAt   time.Time `json:"lastClosedAt"`
	LastClosedSide Side      `json:"lastClosedSide"`
	LastPartialAt  time.Time `json:"lastPartialAt"`
}

// Phase derives the lifecycle phase from the record's flags.
func (p *Position) Phase() Phase {
	switch {
	case !p.Open:
		return PhaseSoftClosed
	case p.PartialClosed:
		return PhasePartiallyClosed
	default:
		return PhaseOpen
	}
}

// Normalize applies defaults for fields a loaded document may be missing and
// returns an error for documents that violate the record invariants.
func (p *Position) Normalize() error {
	if p.Symbol == "" {
		return fmt.Errorf("position: missing symbol")
	}
	if p.Open && p.Side != SideLong && p.Side != SideShort {
		return fmt.Errorf("position %s: invalid side %q", p.Symbol, p.Side)
	}
	if p.Amount < 0 {
		return fmt.Errorf("position %s: negative amount %f", p.Symbol, p.Amount)
	}
	if p.CurrentStopTier < NoTier {
		p.CurrentStopTier = NoTier
	}
	if p.SizeScale == 0 {
		p.SizeScale = 1
	}
	// amount > 0 <=> open; falling to ~0 forces closed.
	if p.Open && p.Amount < AmountEpsilon {
		p.Open = false
		p.Amount = 0
	}
	return nil
}

// ProfitPct returns the unrealized profit percentage at mark relative to the
// entry price, signed for the position side. Returns false when entry is
// unknown or mark is not usable.
func (p *Position) ProfitPct(mark float64) (float64, bool) {
	if p.EntryPrice <= 0 || mark <= 0 {
		return 0, false
	}
	if p.Side == SideLong {
		return (mark - p.EntryPrice) / p.EntryPrice * 100, true
	}
	return (p.EntryPrice - mark) / p.EntryPrice * 100, true
}

// InCooldown reports whether a reopen on side at time now is still blocked by
// the same-direction cooldown after the last close.
func (p *Position) InCooldown(side Side, now time.Time, cooldown time.Duration) bool {
	if p.Open || p.LastClosedAt.IsZero() || cooldown <= 0 {
		return false
	}
	if p.LastClosedSide != side {
		return false
	}
	return now.Sub(p.LastClosedAt) < cooldown
}

// SoftClose flips the record to the soft-closed phase, clearing tier state but
// keeping the close timestamp and side for cooldown checks.
func (p *Position) SoftClose(now time.Time) {
	p.Open = false
	p.Amount = 0
	p.PartialClosed = false
	p.LastClosedSide = p.Side
	p.LastClosedAt = now
	p.IronDefenseActive = false
	p.CurrentStopTier = NoTier
	p.LastOrderID = 0
}
