package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/triplewz/ironguard/internal/domain"
)

const directionKey = "gate:btc_direction"

// DirectionCache implements domain.DirectionCache. The BTC trend verdict is
// stored with a TTL so bursts of entry signals share one candle fetch.
type DirectionCache struct {
	rdb *redis.Client
}

// NewDirectionCache creates a DirectionCache backed by the given Client.
func NewDirectionCache(c *Client) *DirectionCache {
	return &DirectionCache{rdb: c.Underlying()}
}

// Get returns the cached direction, or domain.ErrNotFound when expired.
func (dc *DirectionCache) Get(ctx context.Context) (domain.Side, error) {
	val, err := dc.rdb.Get(ctx, directionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: get direction: %w", err)
	}

	side := domain.Side(val)
	if side != domain.SideLong && side != domain.SideShort {
		return "", domain.ErrNotFound
	}
	return side, nil
}

// Set stores the direction verdict for ttl.
func (dc *DirectionCache) Set(ctx context.Context, dir domain.Side, ttl time.Duration) error {
	if err := dc.rdb.Set(ctx, directionKey, string(dir), ttl).Err(); err != nil {
		return fmt.Errorf("redis: set direction: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DirectionCache = (*DirectionCache)(nil)
