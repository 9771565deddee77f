package round

import (
	"context"
	"sync"
)

// Gate serialises every mutation of one round: trades, and the lock
// transition. Waiters are admitted in arrival order and leave the queue when
// their context ends.
type Gate struct {
	slot chan struct{}
}

func newGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done. The returned release
// func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-g.slot }) }, nil
}

// Gates holds one Gate per live round. Gates of different rounds are
// independent.
type Gates struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGates creates an empty gate map.
func NewGates() *Gates {
	return &Gates{gates: make(map[string]*Gate)}
}

// Get returns the gate of roundID, creating it on first use.
func (g *Gates) Get(roundID string) *Gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate, ok := g.gates[roundID]
	if !ok {
		gate = newGate()
		g.gates[roundID] = gate
	}
	return gate
}

// Acquire is shorthand for Get(roundID).Acquire(ctx).
func (g *Gates) Acquire(ctx context.Context, roundID string) (func(), error) {
	return g.Get(roundID).Acquire(ctx)
}

// Remove drops the gate of a terminal round.
func (g *Gates) Remove(roundID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.gates, roundID)
}

// Len reports the number of live gates.
func (g *Gates) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}
