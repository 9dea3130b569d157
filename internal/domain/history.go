package domain

import (
	"fmt"
	"time"
)

// CloseKind distinguishes full closes from partial take-profits in the
// history archive.
type CloseKind string

const (
	CloseFull    CloseKind = "full"
	ClosePartial CloseKind = "partial"
)

// HistoryRecord is the immutable audit record appended on every full or
// partial close. Records are deduplicated by ID.
type HistoryRecord struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Kind           CloseKind `json:"kind"`
	Qty            float64   `json:"qty"`
	EntryPrice     float64   `json:"entryPrice"`
	ClosePrice     float64   `json:"closePrice"`
	RealizedProfit float64   `json:"realizedProfit"`
	RealizedPct    float64   `json:"realizedPct"`
	OpenedAt       time.Time `json:"openedAt"`
	ClosedAt       time.Time `json:"closedAt"`
	Reason         string    `json:"reason"`
}

// HistoryID derives the deduplication key for a close event.
func HistoryID(symbol string, openedAt, closedAt time.Time) string {
	return fmt.Sprintf("%s_%d_%d", symbol, openedAt.UnixMilli(), closedAt.UnixMilli())
}
