// Package memory provides single-process implementations of the cache, lock
// and bus interfaces, used when Redis is disabled and in tests.
package memory

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// LockManager is an in-process domain.LockManager with TTL expiry.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}

// SignalBus is an in-process domain.SignalBus. Streams are bounded rings.
type SignalBus struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextSub int
	streams map[string]*stream
	maxLen  int
}

type subscription struct {
	pattern string
	ch      chan domain.BusMessage
}

type stream struct {
	seq     int64
	entries []domain.StreamMessage
}

// NewSignalBus creates a bus keeping at most maxLen entries per stream.
func NewSignalBus(maxLen int) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &SignalBus{
		subs:    make(map[int]*subscription),
		streams: make(map[string]*stream),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// drop messages rather than block the publisher.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- domain.BusMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

// Subscribe registers for channel, which may be a glob pattern. The
// returned channel is closed when ctx ends.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan domain.BusMessage, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	s := &subscription{pattern: channel, ch: make(chan domain.BusMessage, 128)}
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

func matches(pattern, channel string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == channel
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

// StreamAppend appends payload with a monotonically increasing id.
func (b *SignalBus) StreamAppend(_ context.Context, name string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{}
		b.streams[name] = s
	}
	s.seq++
	s.entries = append(s.entries, domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", s.seq),
		Payload: append([]byte(nil), payload...),
	})
	if over := len(s.entries) - b.maxLen; over > 0 {
		s.entries = append(s.entries[:0:0], s.entries[over:]...)
	}
	return nil
}

// StreamRead returns up to count entries with ids after lastID.
func (b *SignalBus) StreamRead(_ context.Context, name, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseStreamID(lastID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[name]
	if !ok {
		return nil, nil
	}
	var out []domain.StreamMessage
	for _, e := range s.entries {
		id, _ := parseStreamID(e.ID)
		if id <= after {
			continue
		}
		out = append(out, e)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseStreamID(id string) (int64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	var seq, sub int64
	if _, err := fmt.Sscanf(id, "%d-%d", &seq, &sub); err != nil {
		return 0, domain.ErrInvalidInput.With("invalid stream id %q", id)
	}
	return seq, nil
}

// RoundCache is an in-process domain.RoundCache.
type RoundCache struct {
	mu      sync.RWMutex
	current map[string]domain.Round
}

// NewRoundCache creates an empty RoundCache.
func NewRoundCache() *RoundCache {
	return &RoundCache{current: make(map[string]domain.Round)}
}

func (c *RoundCache) SetCurrent(_ context.Context, r domain.Round) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[r.Category] = r
	return nil
}

func (c *RoundCache) GetCurrent(_ context.Context, category string) (domain.Round, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.current[category]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r, nil
}

func (c *RoundCache) Invalidate(_ context.Context, category string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, category)
	return nil
}

// PriceCache is an in-process domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

type cachedPrice struct {
	price fixed.Amount
	ts    time.Time
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice)}
}

func (c *PriceCache) SetPrice(_ context.Context, symbol string, price fixed.Amount, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = cachedPrice{price: price, ts: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, symbol string) (fixed.Amount, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// RateLimiter is an in-process domain.RateLimiter built on token buckets,
// one per key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow admits up to limit requests per window with a burst of limit.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, nil
	}
	r.mu.Lock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		r.limiters[key] = l
	}
	r.mu.Unlock()
	return l.Allow(), nil
}

// Compile-time interface checks.
var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
	_ domain.RoundCache  = (*RoundCache)(nil)
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
