package domain

import (
	"context"
	"time"
)

// PositionStore is the durable keyed-by-symbol position document store. A
// record is read, mutated, and written back as a whole document; the store is
// the single source of truth across restarts.
type PositionStore interface {
	// Get returns the record for symbol, or ErrNotFound.
	Get(ctx context.Context, symbol string) (Position, error)
	// Save writes the whole document, replacing any existing record.
	Save(ctx context.Context, p Position) error
	// Delete removes the record entirely (cooldown GC).
	Delete(ctx context.Context, symbol string) error
	// ListOpen returns all records currently flagged open.
	ListOpen(ctx context.Context) ([]Position, error)
	// ListClosedBefore returns soft-closed records whose close predates cutoff.
	ListClosedBefore(ctx context.Context, cutoff time.Time) ([]Position, error)
}

// HistoryStore is the append-only close archive.
type HistoryStore interface {
	// Append upserts a record by its dedup ID.
	Append(ctx context.Context, rec HistoryRecord) error
	// ListClosedBefore returns records closed before cutoff, oldest first.
	ListClosedBefore(ctx context.Context, cutoff time.Time) ([]HistoryRecord, error)
	// DeleteBefore removes records closed before cutoff and reports how many.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Prune keeps only the newest keep records.
	Prune(ctx context.Context, keep int) (int64, error)
}

// StopOrderEntry caches the one live exchange stop order for a symbol. It may
// be stale after a crash and must be rebuilt by reconciliation, never trusted
// blindly.
type StopOrderEntry struct {
	OrderID   int64     `json:"orderId"`
	Tier      int       `json:"tier"`
	StopPrice float64   `json:"stopPrice"`
	PlacedAt  time.Time `json:"placedAt"`
}

// StopOrderCache maps each open symbol to its cached stop order.
type StopOrderCache interface {
	Get(ctx context.Context, symbol string) (StopOrderEntry, error)
	Set(ctx context.Context, symbol string, e StopOrderEntry) error
	Delete(ctx context.Context, symbol string) error
}

// DirectionCache holds the TTL'd market direction used by the BTC-alignment
// gate so repeated entries within the TTL do not refetch candles.
type DirectionCache interface {
	Get(ctx context.Context) (Side, error)
	Set(ctx context.Context, dir Side, ttl time.Duration) error
}

// LockManager serializes read-modify-write cycles on a single symbol's record
// between the tick listener and the slower poll loop.
type LockManager interface {
	// Acquire returns an unlock func, or ErrLockHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
