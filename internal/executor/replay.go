package executor

import (
	"sync"
	"time"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
)

type replayEntry struct {
	result domain.TradeResult
	at     time.Time
}

// ReplayCache remembers the results of recently executed trade requests so a
// retried request is answered without touching the store. It is safe for
// concurrent use.
type ReplayCache struct {
	seen  map[string]replayEntry // requestID -> result
	ttl   time.Duration
	clock clock.Clock
	mu    sync.Mutex
}

// NewReplayCache creates a ReplayCache whose entries live for ttl.
func NewReplayCache(ttl time.Duration, clk clock.Clock) *ReplayCache {
	return &ReplayCache{
		seen:  make(map[string]replayEntry),
		ttl:   ttl,
		clock: clk,
	}
}

// Get returns the recorded result of requestID, marked as replayed.
func (c *ReplayCache) Get(requestID string) (domain.TradeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[requestID]
	if !ok || c.clock.Now().Sub(e.at) >= c.ttl {
		return domain.TradeResult{}, false
	}
	res := e.result
	res.Replayed = true
	return res, true
}

// Put records the result of requestID.
func (c *ReplayCache) Put(requestID string, res domain.TradeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res.Replayed = false
	c.seen[requestID] = replayEntry{result: res, at: c.clock.Now()}
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (c *ReplayCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for id, e := range c.seen {
		if now.Sub(e.at) >= c.ttl {
			delete(c.seen, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of cached entries, expired or not.
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
