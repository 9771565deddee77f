package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol is
// stored at "price:{symbol}" with fields "micro" (micro-units) and "ts" (Unix
// nanoseconds). Entries expire after ttl so a dead feed is never trusted
// indefinitely.
type PriceCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), prefix: c.prefix, ttl: ttl}
}

func (pc *PriceCache) key(symbol string) string {
	return namespaced(pc.prefix, "price:"+symbol)
}

// SetPrice stores the latest price and observation time for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price fixed.Amount, ts time.Time) error {
	key := pc.key(symbol)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"micro": strconv.FormatInt(price.Micro(), 10),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price of symbol or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (fixed.Amount, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.key(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return decodePrice(symbol, vals)
}

func decodePrice(symbol string, vals map[string]string) (fixed.Amount, time.Time, error) {
	microStr, ok := vals["micro"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	micro, err := strconv.ParseInt(microStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	return fixed.FromMicro(micro), time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
