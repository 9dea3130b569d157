package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/triplewz/ironguard/internal/domain"
)

// Accountant computes realized profit for closes and writes the audit
// history. PnL is signed by position side: a short closed below entry is a
// gain.
type Accountant struct {
	history domain.HistoryStore
	keep    int
	logger  *slog.Logger
}

// NewAccountant creates an Accountant. keep bounds the history length.
func NewAccountant(history domain.HistoryStore, keep int, logger *slog.Logger) *Accountant {
	return &Accountant{
		history: history,
		keep:    keep,
		logger:  logger.With(slog.String("component", "accountant")),
	}
}

// Realized returns the profit in quote currency and in percent of entry for
// closing qty at closePrice.
func Realized(side domain.Side, entry, closePrice, qty float64) (profit, pct float64) {
	if entry <= 0 || qty <= 0 {
		return 0, 0
	}
	diff := closePrice - entry
	if side == domain.SideShort {
		diff = -diff
	}
	return diff * qty, diff / entry * 100
}

// RecordClose appends the close event and prunes history past the cap. The
// record ID is derived from symbol and timestamps, so replaying the same
// close after a crash overwrites rather than duplicates.
func (a *Accountant) RecordClose(ctx context.Context, p *domain.Position, kind domain.CloseKind, qty, closePrice float64, reason string, closedAt time.Time) (domain.HistoryRecord, error) {
	profit, pct := Realized(p.Side, p.EntryPrice, closePrice, qty)
	rec := domain.HistoryRecord{
		ID:             domain.HistoryID(p.Symbol, p.OpenedAt, closedAt),
		Symbol:         p.Symbol,
		Side:           p.Side,
		Kind:           kind,
		Qty:            qty,
		EntryPrice:     p.EntryPrice,
		ClosePrice:     closePrice,
		RealizedProfit: profit,
		RealizedPct:    pct,
		OpenedAt:       p.OpenedAt,
		ClosedAt:       closedAt,
		Reason:         reason,
	}

	if err := a.history.Append(ctx, rec); err != nil {
		return rec, err
	}
	if a.keep > 0 {
		if n, err := a.history.Prune(ctx, a.keep); err != nil {
			a.logger.Warn("history prune failed", slog.Any("error", err))
		} else if n > 0 {
			a.logger.Debug("history pruned", slog.Int64("removed", n))
		}
	}
	return rec, nil
}
