package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/triplewz/ironguard/internal/domain"
)

// StopOrderCache implements domain.StopOrderCache. Each symbol's live stop
// order is a JSON document at key "stoporder:{symbol}". Entries survive a
// process restart but are advisory only; reconciliation rebuilds them from
// the exchange on startup.
type StopOrderCache struct {
	rdb *redis.Client
}

// NewStopOrderCache creates a StopOrderCache backed by the given Client.
func NewStopOrderCache(c *Client) *StopOrderCache {
	return &StopOrderCache{rdb: c.Underlying()}
}

func stopOrderKey(symbol string) string {
	return "stoporder:" + symbol
}

// Get returns the cached stop order for symbol, or domain.ErrNotFound.
func (sc *StopOrderCache) Get(ctx context.Context, symbol string) (domain.StopOrderEntry, error) {
	raw, err := sc.rdb.Get(ctx, stopOrderKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StopOrderEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StopOrderEntry{}, fmt.Errorf("redis: get stop order %s: %w", symbol, err)
	}

	var e domain.StopOrderEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is indistinguishable from a missing one; the
		// caller re-queries the exchange either way.
		return domain.StopOrderEntry{}, domain.ErrNotFound
	}
	return e, nil
}

// Set stores the cached stop order for symbol.
func (sc *StopOrderCache) Set(ctx context.Context, symbol string, e domain.StopOrderEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal stop order %s: %w", symbol, err)
	}
	if err := sc.rdb.Set(ctx, stopOrderKey(symbol), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set stop order %s: %w", symbol, err)
	}
	return nil
}

// Delete removes the cached stop order for symbol.
func (sc *StopOrderCache) Delete(ctx context.Context, symbol string) error {
	if err := sc.rdb.Del(ctx, stopOrderKey(symbol)).Err(); err != nil {
		return fmt.Errorf("redis: delete stop order %s: %w", symbol, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.StopOrderCache = (*StopOrderCache)(nil)
