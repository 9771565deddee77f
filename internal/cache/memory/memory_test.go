package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	lm := NewLockManager()
	now := time.Unix(1000, 0)
	lm.now = func() time.Time { return now }

	unlock, err := lm.Acquire(ctx, "round:open:btc:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "round:open:btc:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "round:open:btc:1", time.Minute)
	require.NoError(t, err)

	// An expired lock can be taken over, and the stale unlock is a no-op.
	now = now.Add(2 * time.Minute)
	_, err = lm.Acquire(ctx, "round:open:btc:1", time.Minute)
	require.NoError(t, err)
	unlock2()
	_, err = lm.Acquire(ctx, "round:open:btc:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestSignalBus_PatternSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewSignalBus(10)

	all, err := bus.Subscribe(ctx, "price:*")
	require.NoError(t, err)
	btc, err := bus.Subscribe(ctx, "price:btc")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "price:eth", []byte("e")))
	require.NoError(t, bus.Publish(ctx, "price:btc", []byte("b")))
	require.NoError(t, bus.Publish(ctx, "round:btc", []byte("r")))

	msg := <-all
	assert.Equal(t, "price:eth", msg.Channel)
	msg = <-all
	assert.Equal(t, "price:btc", msg.Channel)
	assert.Equal(t, []byte("b"), msg.Payload)

	msg = <-btc
	assert.Equal(t, "price:btc", msg.Channel)
	select {
	case m := <-btc:
		t.Fatalf("unexpected message on %s", m.Channel)
	default:
	}

	cancel()
	select {
	case _, ok := <-all:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestSignalBus_Stream(t *testing.T) {
	ctx := context.Background()
	bus := NewSignalBus(3)
	for _, p := range []string{"a", "b", "c", "d"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.RoundEventStream, []byte(p)))
	}

	msgs, err := bus.StreamRead(ctx, domain.RoundEventStream, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", string(msgs[0].Payload))

	next, err := bus.StreamRead(ctx, domain.RoundEventStream, msgs[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "c", string(next[0].Payload))

	none, err := bus.StreamRead(ctx, "missing", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = bus.StreamRead(ctx, domain.RoundEventStream, "bogus", 1)
	assert.Error(t, err)
}

func TestCaches(t *testing.T) {
	ctx := context.Background()

	rc := NewRoundCache()
	_, err := rc.GetCurrent(ctx, "btc")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, rc.SetCurrent(ctx, domain.Round{ID: "r1", Category: "btc"}))
	r, err := rc.GetCurrent(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, "r1", r.ID)
	require.NoError(t, rc.Invalidate(ctx, "btc"))
	_, err = rc.GetCurrent(ctx, "btc")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pc := NewPriceCache()
	ts := time.Unix(5, 0)
	require.NoError(t, pc.SetPrice(ctx, "BTCUSDT", fixed.FromInt(64000), ts))
	p, got, err := pc.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(64000), p)
	assert.Equal(t, ts, got)
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter()
	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
