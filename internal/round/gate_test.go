package round

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

func TestGate_Exclusive(t *testing.T) {
	g := NewGates()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "r1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel, err := g.Acquire(ctx, "r1")
		if err == nil {
			close(acquired)
			rel()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the gate was held")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never admitted")
	}
}

func TestGate_IndependentRounds(t *testing.T) {
	g := NewGates()
	ctx := context.Background()
	r1, err := g.Acquire(ctx, "r1")
	require.NoError(t, err)
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := g.Acquire(ctx2, "r2")
	require.NoError(t, err)
	r2()
	assert.Equal(t, 2, g.Len())

	g.Remove("r2")
	assert.Equal(t, 1, g.Len())
}

func TestGate_CancelledWaiterLeaves(t *testing.T) {
	g := NewGates()
	release, err := g.Acquire(context.Background(), "r1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := g.Acquire(context.Background(), "r1")
	require.NoError(t, err)
	again()
}

func TestSlot(t *testing.T) {
	cfg := storetest.RoundConfig()
	now := time.Date(2026, 3, 1, 12, 7, 31, 0, time.UTC)
	open, lock, resolve := Slot(now, cfg)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), open)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 9, 0, 0, time.UTC), lock)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), resolve)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, domain.OutcomeYes, Outcome(fixed.FromInt(100), fixed.MustParse("100.000001")))
	assert.Equal(t, domain.OutcomeNo, Outcome(fixed.FromInt(100), fixed.MustParse("99.999999")))
	assert.Equal(t, domain.OutcomeVoid, Outcome(fixed.FromInt(100), fixed.FromInt(100)))
}
