package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

// RoundCache implements domain.RoundCache. The current round of a category
// is kept as JSON at "round:current:{category}".
type RoundCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRoundCache creates a RoundCache whose entries expire after ttl.
func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	return &RoundCache{rdb: c.Underlying(), prefix: c.prefix, ttl: ttl}
}

func (rc *RoundCache) key(category string) string {
	return namespaced(rc.prefix, "round:current:"+category)
}

// SetCurrent stores round as its category's current round.
func (rc *RoundCache) SetCurrent(ctx context.Context, round domain.Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("redis: marshal round %s: %w", round.ID, err)
	}
	if err := rc.rdb.Set(ctx, rc.key(round.Category), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set current round %s: %w", round.Category, err)
	}
	return nil
}

// GetCurrent returns the cached current round or domain.ErrNotFound.
func (rc *RoundCache) GetCurrent(ctx context.Context, category string) (domain.Round, error) {
	data, err := rc.rdb.Get(ctx, rc.key(category)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Round{}, domain.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("redis: get current round %s: %w", category, err)
	}
	var round domain.Round
	if err := json.Unmarshal(data, &round); err != nil {
		return domain.Round{}, fmt.Errorf("redis: unmarshal round %s: %w", category, err)
	}
	return round, nil
}

// Invalidate drops the cached current round of category.
func (rc *RoundCache) Invalidate(ctx context.Context, category string) error {
	if err := rc.rdb.Del(ctx, rc.key(category)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate round %s: %w", category, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RoundCache = (*RoundCache)(nil)
