package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PriceCache keeps the last good reference price per symbol.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price fixed.Amount, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (fixed.Amount, time.Time, error)
}

// RoundCache provides fast lookups of the current round per category.
type RoundCache interface {
	SetCurrent(ctx context.Context, round Round) error
	GetCurrent(ctx context.Context, category string) (Round, error)
	Invalidate(ctx context.Context, category string) error
}

// RateLimiter provides sliding-window rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion across processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string `json:"id"`
	Payload []byte `json:"payload"`
}

// BusMessage is a pub/sub delivery tagged with the channel it arrived on.
type BusMessage struct {
	Channel string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams. Subscribe accepts
// glob patterns such as "round:*".
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan BusMessage, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
