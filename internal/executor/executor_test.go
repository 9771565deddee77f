package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/roundamm/internal/amm"
	cachemem "github.com/alanyoungcy/roundamm/internal/cache/memory"
	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/round"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	gates *round.Gates
	bus   *cachemem.SignalBus
	clock *clock.Manual
	exec  *Executor
	round domain.Round
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.New(),
		gates: round.NewGates(),
		bus:   cachemem.NewSignalBus(100),
		clock: clock.NewManual(start.Add(time.Second)),
		round: storetest.NewRound("btc", 1, start),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.exec = NewExecutor(f.store, f.gates, f.bus, f.clock, Options{MaxRetries: 3}, logger)

	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateRound(ctx, f.round); err != nil {
			return err
		}
		return tx.CreatePool(ctx, storetest.NewPool(f.round))
	}))
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount fixed.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Credit(ctx, userID, amount)
		return err
	}))
}

func (f *fixture) buy(userID string, side domain.Side, amount fixed.Amount) BuyRequest {
	return BuyRequest{
		RequestID: fmt.Sprintf("%s-%s-%d", userID, side, amount),
		UserID:    userID,
		RoundID:   f.round.ID,
		Side:      side,
		Amount:    amount,
	}
}

func TestBuy_MatchesQuote(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()

	pool, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)
	q, err := amm.QuoteBuy(pool, domain.SideYes, fixed.FromInt(100))
	require.NoError(t, err)

	res, err := f.exec.Buy(ctx, f.buy("alice", domain.SideYes, fixed.FromInt(100)))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, q.AmountOut, res.Trade.AmountOut)
	assert.Equal(t, fixed.MustParse("187.253187"), res.Position.Shares)
	assert.Equal(t, fixed.FromInt(100), res.Position.CostBasis)
	assert.Equal(t, fixed.FromInt(400), res.Balance.Amount)
	assert.Equal(t, fixed.MustParse("912.746813"), res.Pool.YesReserve)
	assert.Equal(t, fixed.FromInt(1100), res.Pool.NoReserve)
	assert.Equal(t, int64(2), res.Pool.Version)

	stored, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Pool.YesReserve, stored.YesReserve)
}

func TestBuy_AccumulatesIntoOnePosition(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()

	first, err := f.exec.Buy(ctx, f.buy("alice", domain.SideNo, fixed.FromInt(50)))
	require.NoError(t, err)
	second, err := f.exec.Buy(ctx, f.buy("alice", domain.SideNo, fixed.FromInt(20)))
	require.NoError(t, err)

	assert.Equal(t, first.Position.ID, second.Position.ID)
	assert.Equal(t, first.Trade.AmountOut+second.Trade.AmountOut, second.Position.Shares)
	assert.Equal(t, fixed.FromInt(70), second.Position.CostBasis)

	positions, err := f.store.ListPositions(ctx, "alice", f.round.ID)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestBuy_Validation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(100_000))
	ctx := context.Background()

	tests := []struct {
		name string
		req  BuyRequest
		want error
	}{
		{"missing request id", BuyRequest{UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Amount: fixed.One}, domain.ErrInvalidInput},
		{"bad side", BuyRequest{RequestID: "r", UserID: "alice", RoundID: f.round.ID, Side: "maybe", Amount: fixed.One}, domain.ErrInvalidSide},
		{"zero amount", BuyRequest{RequestID: "r", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes}, domain.ErrInvalidInput},
		{"below min bet", BuyRequest{RequestID: "r", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Amount: fixed.MustParse("0.5")}, domain.ErrInvalidInput},
		{"above max bet", BuyRequest{RequestID: "r", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Amount: fixed.FromInt(10_001)}, domain.ErrInvalidInput},
		{"unknown round", BuyRequest{RequestID: "r", UserID: "alice", RoundID: "nope", Side: domain.SideYes, Amount: fixed.One}, domain.ErrRoundNotFound},
		{"slippage", BuyRequest{RequestID: "r", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Amount: fixed.FromInt(10), MinSharesOut: fixed.FromInt(100)}, domain.ErrSlippageExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.exec.Buy(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	pool, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Version, "rejected trades must not touch the pool")
}

func TestBuy_InsufficientBalanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", fixed.FromInt(5))
	ctx := context.Background()

	_, err := f.exec.Buy(ctx, f.buy("bob", domain.SideYes, fixed.FromInt(10)))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	bal, err := f.store.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(5), bal.Amount)
	pool, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pool.Version)
	positions, err := f.store.ListPositions(ctx, "bob", f.round.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestBuy_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()
	req := f.buy("alice", domain.SideYes, fixed.FromInt(100))

	first, err := f.exec.Buy(ctx, req)
	require.NoError(t, err)
	again, err := f.exec.Buy(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Trade.ID, again.Trade.ID)

	// A fresh executor has an empty replay cache and falls back to the store.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	other := NewExecutor(f.store, f.gates, f.bus, f.clock, Options{}, logger)
	third, err := other.Buy(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.Trade.ID, third.Trade.ID)

	bal, err := f.store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(400), bal.Amount)

	req.UserID = "mallory"
	_, err = other.Buy(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBuy_RequestIDBoundToRoundAndAction(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()

	other := storetest.NewRound("eth", 1, start)
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateRound(ctx, other); err != nil {
			return err
		}
		return tx.CreatePool(ctx, storetest.NewPool(other))
	}))

	req := f.buy("alice", domain.SideYes, fixed.FromInt(100))
	first, err := f.exec.Buy(ctx, req)
	require.NoError(t, err)

	elsewhere := req
	elsewhere.RoundID = other.ID
	_, err = f.exec.Buy(ctx, elsewhere)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.exec.Sell(ctx, SellRequest{
		RequestID: req.RequestID,
		UserID:    "alice",
		RoundID:   f.round.ID,
		Side:      domain.SideYes,
		Shares:    first.Trade.AmountOut,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// Same checks against the store when the replay cache is cold.
	cold := NewExecutor(f.store, f.gates, f.bus, f.clock, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = cold.Buy(ctx, elsewhere)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	bal, err := f.store.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(400), bal.Amount)
	pool, err := f.store.GetPool(ctx, other.ID)
	require.NoError(t, err)
	assert.Zero(t, pool.TradeCount)
}

func TestSell_ProportionalCostBasis(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()

	bought, err := f.exec.Buy(ctx, f.buy("alice", domain.SideYes, fixed.FromInt(100)))
	require.NoError(t, err)
	half := bought.Position.Shares / 2

	sold, err := f.exec.Sell(ctx, SellRequest{
		RequestID: "sell-1",
		UserID:    "alice",
		RoundID:   f.round.ID,
		Side:      domain.SideYes,
		Shares:    half,
	})
	require.NoError(t, err)
	assert.Equal(t, bought.Position.Shares-half, sold.Position.Shares)
	want, err := fixed.MulDiv(int64(fixed.FromInt(100)), int64(half), int64(bought.Position.Shares), fixed.Floor)
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(100)-fixed.Amount(want), sold.Position.CostBasis)
	assert.Equal(t, sold.Trade.AmountOut, sold.Position.Proceeds)
	assert.Equal(t, domain.PositionOpen, sold.Position.Status)
	assert.Equal(t, fixed.FromInt(400)+sold.Trade.AmountOut, sold.Balance.Amount)

	rest, err := f.exec.Sell(ctx, SellRequest{
		RequestID: "sell-2",
		UserID:    "alice",
		RoundID:   f.round.ID,
		Side:      domain.SideYes,
		Shares:    sold.Position.Shares,
	})
	require.NoError(t, err)
	assert.Equal(t, fixed.Amount(0), rest.Position.Shares)
	assert.Equal(t, fixed.Amount(0), rest.Position.CostBasis)
	assert.Equal(t, domain.PositionClosed, rest.Position.Status)
	assert.NotNil(t, rest.Position.ClosedAt)

	// A closed position frees the slot for a new one.
	again, err := f.exec.Buy(ctx, BuyRequest{RequestID: "buy-2", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Amount: fixed.FromInt(10)})
	require.NoError(t, err)
	assert.NotEqual(t, bought.Position.ID, again.Position.ID)
}

func TestSell_Rejections(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx := context.Background()

	_, err := f.exec.Sell(ctx, SellRequest{RequestID: "s0", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Shares: fixed.One})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	bought, err := f.exec.Buy(ctx, f.buy("alice", domain.SideYes, fixed.FromInt(100)))
	require.NoError(t, err)

	_, err = f.exec.Sell(ctx, SellRequest{RequestID: "s1", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Shares: bought.Position.Shares + 1})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = f.exec.Sell(ctx, SellRequest{RequestID: "s2", UserID: "alice", RoundID: f.round.ID, Side: domain.SideYes, Shares: fixed.FromInt(10), MinAmountOut: fixed.FromInt(10)})
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)

	_, err = f.exec.Sell(ctx, SellRequest{RequestID: "s3", UserID: "alice", RoundID: f.round.ID, Side: domain.SideNo, Shares: fixed.One})
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestBuy_RejectedAfterLock(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", fixed.FromInt(500))
	ctx := context.Background()

	// Hold the gate so bob's request queues, then cross the lock time
	// before letting it through.
	release, err := f.gates.Acquire(ctx, f.round.ID)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := f.exec.Buy(ctx, f.buy("bob", domain.SideYes, fixed.FromInt(10)))
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.clock.Set(f.round.LockTime.Add(time.Millisecond))
	release()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrRoundLocked)
	case <-time.After(2 * time.Second):
		t.Fatal("queued buy never finished")
	}

	bal, err := f.store.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(500), bal.Amount)
}

func TestBuy_RejectedWhenRoundLocked(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", fixed.FromInt(500))
	ctx := context.Background()

	r := f.round
	r.Status = domain.RoundLocked
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error { return tx.UpdateRound(ctx, r) }))

	_, err := f.exec.Buy(ctx, f.buy("bob", domain.SideYes, fixed.FromInt(10)))
	assert.ErrorIs(t, err, domain.ErrRoundLocked)
}

func TestBuy_CancelledWhileQueued(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "bob", fixed.FromInt(500))

	release, err := f.gates.Acquire(context.Background(), f.round.ID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.exec.Buy(ctx, f.buy("bob", domain.SideYes, fixed.FromInt(10)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuy_Concurrent(t *testing.T) {
	f := newFixture(t)
	const users = 20
	for i := range users {
		f.fund(t, fmt.Sprintf("u%d", i), fixed.FromInt(100))
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, users)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			side := domain.SideYes
			if i%2 == 1 {
				side = domain.SideNo
			}
			_, errs[i] = f.exec.Buy(ctx, f.buy(fmt.Sprintf("u%d", i), side, fixed.FromInt(10)))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "user %d", i)
	}

	pool, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(users), pool.TradeCount)
	assert.Equal(t, int64(users+1), pool.Version)
	assert.Equal(t, fixed.FromInt(1000+10*users), pool.Collateral)
	require.NoError(t, amm.CheckPool(pool))

	trades, err := f.store.ListTrades(ctx, f.round.ID, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, trades, users)
}

func TestBuy_PublishesPriceEvent(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", fixed.FromInt(500))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe(ctx, "price:*")
	require.NoError(t, err)

	res, err := f.exec.Buy(ctx, f.buy("alice", domain.SideYes, fixed.FromInt(100)))
	require.NoError(t, err)

	select {
	case msg := <-sub:
		assert.Equal(t, domain.PriceChannel("btc"), msg.Channel)
		var ev domain.PriceEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		assert.Equal(t, f.round.ID, ev.RoundID)
		assert.Equal(t, res.Pool.Version, ev.Version)
		assert.Equal(t, fixed.One, ev.YesPrice+ev.NoPrice)
		assert.Greater(t, int64(ev.YesPrice), int64(fixed.One/2))
	case <-time.After(time.Second):
		t.Fatal("no price event")
	}
}

func TestReplayCache_Expiry(t *testing.T) {
	clk := clock.NewManual(start)
	c := NewReplayCache(time.Minute, clk)
	c.Put("r1", domain.TradeResult{Trade: domain.Trade{ID: "t1"}})

	res, ok := c.Get("r1")
	require.True(t, ok)
	assert.True(t, res.Replayed)
	assert.Equal(t, "t1", res.Trade.ID)

	clk.Advance(time.Minute)
	_, ok = c.Get("r1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Len())
}

func TestExecutor_Properties(t *testing.T) {
	users := []string{"u0", "u1", "u2"}
	funding := fixed.FromInt(200)

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		for _, u := range users {
			f.fund(t, u, funding)
		}
		ctx := context.Background()

		pool, err := f.store.GetPool(ctx, f.round.ID)
		require.NoError(rt, err)
		seed := pool.Collateral
		k := amm.Invariant(pool)

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := range steps {
			user := rapid.SampledFrom(users).Draw(rt, "user")
			side := rapid.SampledFrom([]domain.Side{domain.SideYes, domain.SideNo}).Draw(rt, "side")
			reqID := fmt.Sprintf("p%d", i)

			if rapid.Bool().Draw(rt, "buy") {
				amount := fixed.FromInt(rapid.Int64Range(1, 150).Draw(rt, "amount"))
				_, err = f.exec.Buy(ctx, BuyRequest{RequestID: reqID, UserID: user, RoundID: f.round.ID, Side: side, Amount: amount})
			} else {
				held := heldShares(rt, f, user, side)
				if held <= 0 {
					continue
				}
				shares := fixed.FromMicro(rapid.Int64Range(1, held.Micro()).Draw(rt, "shares"))
				_, err = f.exec.Sell(ctx, SellRequest{RequestID: reqID, UserID: user, RoundID: f.round.ID, Side: side, Shares: shares})
			}
			if err != nil && !expectedRejection(err) {
				rt.Fatalf("step %d: unexpected error: %v", i, err)
			}

			pool, err = f.store.GetPool(ctx, f.round.ID)
			require.NoError(rt, err)
			require.NoError(rt, amm.CheckPool(pool))
			next := amm.Invariant(pool)
			require.GreaterOrEqual(rt, next.Cmp(k), 0, "invariant decreased at step %d", i)
			k = next

			// Every PTS is either in a wallet or in the pool's collateral.
			var wallets fixed.Amount
			for _, u := range users {
				bal, err := f.store.GetBalance(ctx, u)
				require.NoError(rt, err)
				require.GreaterOrEqual(rt, int64(bal.Amount), int64(0))
				wallets += bal.Amount
			}
			assert.Equal(rt, funding*fixed.Amount(len(users)), wallets+pool.Collateral-seed)
		}
	})
}

func heldShares(rt *rapid.T, f *fixture, userID string, side domain.Side) fixed.Amount {
	positions, err := f.store.ListPositions(context.Background(), userID, f.round.ID)
	require.NoError(rt, err)
	var held fixed.Amount
	for _, p := range positions {
		require.GreaterOrEqual(rt, int64(p.Shares), int64(0))
		if p.Side == side && p.Status == domain.PositionOpen {
			held += p.Shares
		}
	}
	return held
}

func expectedRejection(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, domain.ErrInsufficientShares) ||
		errors.Is(err, domain.ErrPoolExhausted) ||
		errors.Is(err, domain.ErrAmountTooSmall)
}
