package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triplewz/ironguard/internal/domain"
)

// HistoryStore implements domain.HistoryStore. Each close event is one row
// keyed by its dedup ID, so a crash between the exchange fill and the local
// write cannot record the same close twice.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Append upserts a record by its dedup ID.
func (s *HistoryStore) Append(ctx context.Context, rec domain.HistoryRecord) error {
	const query = `
		INSERT INTO close_history (
			id, symbol, side, kind, amount, entry_price, exit_price,
			profit, profit_pct, reason, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			amount = EXCLUDED.amount,
			exit_price = EXCLUDED.exit_price,
			profit = EXCLUDED.profit,
			profit_pct = EXCLUDED.profit_pct,
			reason = EXCLUDED.reason,
			closed_at = EXCLUDED.closed_at`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, string(rec.Side), string(rec.Kind),
		rec.Qty, rec.EntryPrice, rec.ClosePrice,
		rec.RealizedProfit, rec.RealizedPct, rec.Reason,
		rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history %s: %w", rec.ID, err)
	}
	return nil
}

const historySelectCols = `id, symbol, side, kind, amount, entry_price,
	exit_price, profit, profit_pct, reason, opened_at, closed_at`

func scanHistoryRows(rows pgx.Rows) ([]domain.HistoryRecord, error) {
	var records []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var side, kind string
		if err := rows.Scan(
			&rec.ID, &rec.Symbol, &side, &kind,
			&rec.Qty, &rec.EntryPrice, &rec.ClosePrice,
			&rec.RealizedProfit, &rec.RealizedPct, &rec.Reason,
			&rec.OpenedAt, &rec.ClosedAt,
		); err != nil {
			return nil, err
		}
		rec.Side = domain.Side(side)
		rec.Kind = domain.CloseKind(kind)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListClosedBefore returns records closed before cutoff, oldest first.
func (s *HistoryStore) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]domain.HistoryRecord, error) {
	query := "SELECT " + historySelectCols + ` FROM close_history
		WHERE closed_at < $1 ORDER BY closed_at ASC`
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	records, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history: %w", err)
	}
	return records, nil
}

// DeleteBefore removes records closed before cutoff.
func (s *HistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM close_history WHERE closed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Prune keeps only the newest keep records.
func (s *HistoryStore) Prune(ctx context.Context, keep int) (int64, error) {
	const query = `
		DELETE FROM close_history WHERE id IN (
			SELECT id FROM close_history
			ORDER BY closed_at DESC
			OFFSET $1
		)`
	tag, err := s.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.HistoryStore = (*HistoryStore)(nil)
