package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/triplewz/ironguard/internal/domain"
)

// PositionStore implements domain.PositionStore. The record is stored as one
// JSONB document per symbol; open and last_closed_at are denormalized columns
// for the list queries. A document that fails to decode is moved to the
// quarantine table and reported as ErrNotFound, so a torn write degrades to a
// fresh record instead of wedging the symbol.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Get returns the record for symbol, or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, symbol string) (domain.Position, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		"SELECT doc FROM positions WHERE symbol = $1", symbol,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", symbol, err)
	}

	p, err := s.decode(ctx, symbol, raw)
	if err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

func (s *PositionStore) decode(ctx context.Context, symbol string, raw []byte) (domain.Position, error) {
	var p domain.Position
	decodeErr := json.Unmarshal(raw, &p)
	if decodeErr == nil {
		decodeErr = p.Normalize()
	}
	if decodeErr == nil {
		return p, nil
	}

	s.quarantine(ctx, symbol, raw, decodeErr)
	return domain.Position{}, domain.ErrNotFound
}

// quarantine preserves a corrupt document and removes the live row. Failures
// here are swallowed; the caller already treats the record as missing.
func (s *PositionStore) quarantine(ctx context.Context, symbol string, raw []byte, cause error) {
	_, _ = s.pool.Exec(ctx,
		"INSERT INTO position_quarantine (symbol, doc, reason) VALUES ($1, $2, $3)",
		symbol, string(raw), cause.Error(),
	)
	_, _ = s.pool.Exec(ctx, "DELETE FROM positions WHERE symbol = $1", symbol)
}

// Save writes the whole document, replacing any existing record.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	if err := p.Normalize(); err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Symbol, err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", p.Symbol, err)
	}

	var lastClosed *time.Time
	if !p.LastClosedAt.IsZero() {
		lastClosed = &p.LastClosedAt
	}

	const query = `
		INSERT INTO positions (symbol, doc, open, last_closed_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			doc = EXCLUDED.doc,
			open = EXCLUDED.open,
			last_closed_at = EXCLUDED.last_closed_at,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, p.Symbol, raw, p.Open, lastClosed); err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Symbol, err)
	}
	return nil
}

// Delete removes the record entirely.
func (s *PositionStore) Delete(ctx context.Context, symbol string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM positions WHERE symbol = $1", symbol); err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", symbol, err)
	}
	return nil
}

// ListOpen returns all records currently flagged open.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "SELECT symbol, doc FROM positions WHERE open ORDER BY symbol")
}

// ListClosedBefore returns soft-closed records whose close predates cutoff.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time) ([]domain.Position, error) {
	return s.list(ctx,
		"SELECT symbol, doc FROM positions WHERE NOT open AND last_closed_at < $1 ORDER BY symbol",
		cutoff,
	)
}

func (s *PositionStore) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	type rawRow struct {
		symbol string
		doc    []byte
	}
	var raws []rawRow
	for rows.Next() {
		var r rawRow
		if err := rows.Scan(&r.symbol, &r.doc); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}

	// Decode after the rows are drained; quarantining issues writes on the
	// same pool and must not run inside an open result set.
	var positions []domain.Position
	for _, r := range raws {
		p, err := s.decode(ctx, r.symbol, r.doc)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
