// Package storetest is a conformance suite every domain.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) domain.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Rounds", func(t *testing.T) { testRounds(t, newStore(t)) })
	t.Run("PoolVersion", func(t *testing.T) { testPoolVersion(t, newStore(t)) })
	t.Run("Positions", func(t *testing.T) { testPositions(t, newStore(t)) })
	t.Run("Balances", func(t *testing.T) { testBalances(t, newStore(t)) })
	t.Run("Trades", func(t *testing.T) { testTrades(t, newStore(t)) })
	t.Run("Settlement", func(t *testing.T) { testSettlement(t, newStore(t)) })
	t.Run("Combo", func(t *testing.T) { testCombo(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("AuditAndConfig", func(t *testing.T) { testAuditAndConfig(t, newStore(t)) })
}

// RoundConfig is the configuration snapshot used by fixtures.
func RoundConfig() domain.RoundConfig {
	return domain.RoundConfig{
		RoundDuration:    5 * time.Minute,
		BettingWindow:    4 * time.Minute,
		LockPeriod:       time.Minute,
		OracleGrace:      time.Minute,
		MinBet:           fixed.One,
		MaxBet:           fixed.FromInt(10_000),
		PayoutRatio:      fixed.MustParse("0.98"),
		PayoutModel:      domain.PayoutPerShare,
		FeeBps:           200,
		InitialLiquidity: fixed.FromInt(1000),
		MinReserve:       fixed.One,
	}
}

// NewRound builds a BETTING round for category opening at open.
func NewRound(category string, seq int64, open time.Time) domain.Round {
	cfg := RoundConfig()
	return domain.Round{
		ID:          uuid.NewString(),
		Category:    category,
		Sequence:    seq,
		OpenTime:    open,
		LockTime:    open.Add(cfg.BettingWindow),
		ResolveTime: open.Add(cfg.BettingWindow + cfg.LockPeriod),
		Status:      domain.RoundBetting,
		Config:      cfg,
		CreatedAt:   open,
		UpdatedAt:   open,
	}
}

// NewPool builds the seed pool of round r.
func NewPool(r domain.Round) domain.Pool {
	return domain.Pool{
		RoundID:          r.ID,
		YesReserve:       r.Config.InitialLiquidity,
		NoReserve:        r.Config.InitialLiquidity,
		Collateral:       r.Config.InitialLiquidity,
		InitialLiquidity: r.Config.InitialLiquidity,
		FeeBps:           r.Config.FeeBps,
		MinReserve:       r.Config.MinReserve,
		Version:          1,
		UpdatedAt:        r.OpenTime,
	}
}

func seedRound(t *testing.T, s domain.Store, r domain.Round) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx domain.Tx) error {
		if err := tx.CreateRound(context.Background(), r); err != nil {
			return err
		}
		return tx.CreatePool(context.Background(), NewPool(r))
	}))
}

func testRounds(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r1 := NewRound("btc", 1, base)
	r2 := NewRound("btc", 2, base.Add(5*time.Minute))
	other := NewRound("eth", 1, base)
	seedRound(t, s, r1)
	seedRound(t, s, r2)
	seedRound(t, s, other)

	got, err := s.GetRound(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.Category, got.Category)
	assert.Equal(t, int64(1), got.Sequence)
	assert.True(t, r1.LockTime.Equal(got.LockTime))
	assert.Equal(t, r1.Config, got.Config)
	assert.Nil(t, got.OpenPrice)

	bySlot, err := s.GetRoundBySlot(ctx, "btc", r2.OpenTime)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, bySlot.ID)

	_, err = s.GetRound(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	dupSlot := NewRound("btc", 3, base)
	err = s.InTx(ctx, func(tx domain.Tx) error { return tx.CreateRound(ctx, dupSlot) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	dupSeq := NewRound("btc", 2, base.Add(time.Hour))
	err = s.InTx(ctx, func(tx domain.Tx) error { return tx.CreateRound(ctx, dupSeq) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	list, err := s.ListRounds(ctx, "btc", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, r2.ID, list[0].ID)

	limited, err := s.ListRounds(ctx, "btc", domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, r1.ID, limited[0].ID)

	var seq int64
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		var err error
		seq, err = tx.LatestSequence(ctx, "btc")
		return err
	}))
	assert.Equal(t, int64(2), seq)

	price := fixed.MustParse("64000.5")
	settledAt := base.Add(10 * time.Minute)
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		r, err := tx.LockRoundExclusive(ctx, r1.ID)
		if err != nil {
			return err
		}
		r.Status = domain.RoundSettled
		r.OpenPrice = &price
		r.SettlementPrice = &price
		r.Outcome = domain.OutcomeVoid
		r.VoidReason = "tie"
		r.SettledAt = &settledAt
		return tx.UpdateRound(ctx, r)
	}))
	got, err = s.GetRound(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundSettled, got.Status)
	require.NotNil(t, got.OpenPrice)
	assert.Equal(t, price, *got.OpenPrice)
	assert.Equal(t, "tie", got.VoidReason)
	require.NotNil(t, got.SettledAt)
	assert.True(t, settledAt.Equal(*got.SettledAt))

	active, err := s.ListActiveRounds(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{r2.ID, other.ID}, ids)
}

func testPoolVersion(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r := NewRound("btc", 1, base)
	seedRound(t, s, r)

	p, err := s.GetPool(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Version)

	next := p
	next.YesReserve -= fixed.FromInt(10)
	next.Version = 2
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.UpdatePool(ctx, next, 1) }))

	stale := p
	stale.Version = 2
	err = s.InTx(ctx, func(tx domain.Tx) error { return tx.UpdatePool(ctx, stale, 1) })
	assert.ErrorIs(t, err, domain.ErrConflict)

	got, err := s.GetPool(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, next.YesReserve, got.YesReserve)
	assert.Equal(t, int64(2), got.Version)
}

func testPositions(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r := NewRound("btc", 1, base)
	seedRound(t, s, r)

	pos := domain.Position{
		ID:        uuid.NewString(),
		UserID:    "alice",
		RoundID:   r.ID,
		Side:      domain.SideYes,
		Shares:    fixed.FromInt(10),
		CostBasis: fixed.FromInt(6),
		Status:    domain.PositionOpen,
		OpenedAt:  base,
		UpdatedAt: base,
	}
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.CreatePosition(ctx, pos) }))

	dup := pos
	dup.ID = uuid.NewString()
	err := s.InTx(ctx, func(tx domain.Tx) error { return tx.CreatePosition(ctx, dup) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		open, err := tx.GetOpenPosition(ctx, "alice", r.ID, domain.SideYes)
		if err != nil {
			return err
		}
		closedAt := base.Add(time.Minute)
		open.Shares = 0
		open.Proceeds = fixed.FromInt(5)
		open.Status = domain.PositionClosed
		open.ClosedAt = &closedAt
		return tx.UpdatePosition(ctx, open)
	}))

	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.GetOpenPosition(ctx, "alice", r.ID, domain.SideYes)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		dup.OpenedAt = base.Add(2 * time.Minute)
		return tx.CreatePosition(ctx, dup)
	}))

	list, err := s.ListPositions(ctx, "alice", r.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, pos.ID, list[0].ID)
	assert.Equal(t, domain.PositionClosed, list[0].Status)
	assert.Equal(t, fixed.FromInt(5), list[0].Proceeds)
	require.NotNil(t, list[0].ClosedAt)
	assert.Equal(t, domain.PositionOpen, list[1].Status)

	all, err := s.ListPositions(ctx, "alice", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byRound, err := s.ListRoundPositions(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, byRound, 2)

	got, err := s.GetPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(6), got.CostBasis)
}

func testBalances(t *testing.T, s domain.Store) {
	ctx := context.Background()

	b, err := s.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, fixed.Zero, b.Amount)

	err = s.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.Debit(ctx, "bob", fixed.One)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		b, err := tx.Credit(ctx, "bob", fixed.FromInt(100))
		if err != nil {
			return err
		}
		assert.Equal(t, fixed.FromInt(100), b.Amount)
		b, err = tx.Debit(ctx, "bob", fixed.FromInt(40))
		if err != nil {
			return err
		}
		assert.Equal(t, fixed.FromInt(60), b.Amount)
		return nil
	}))

	b, err = s.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(60), b.Amount)
}

func testTrades(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r := NewRound("btc", 1, base)
	seedRound(t, s, r)

	tr := domain.Trade{
		ID:          uuid.NewString(),
		RequestID:   "req-1",
		UserID:      "alice",
		RoundID:     r.ID,
		PositionID:  uuid.NewString(),
		Side:        domain.SideNo,
		Action:      domain.ActionBuy,
		AmountIn:    fixed.FromInt(10),
		AmountOut:   fixed.MustParse("19.2"),
		Fee:         fixed.MustParse("0.2"),
		AvgPrice:    fixed.MustParse("0.520833"),
		PriceBefore: fixed.MustParse("0.5"),
		PriceAfter:  fixed.MustParse("0.509"),
		PoolVersion: 1,
		ExecutedAt:  base.Add(time.Second),
	}
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertTrade(ctx, tr) }))

	again := tr
	again.ID = uuid.NewString()
	err := s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertTrade(ctx, again) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := s.GetTradeByRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, tr.AmountOut, got.AmountOut)
	assert.Equal(t, domain.ActionBuy, got.Action)

	_, err = s.GetTradeByRequest(ctx, "req-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := s.ListTrades(ctx, r.ID, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testSettlement(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r := NewRound("btc", 1, base)
	seedRound(t, s, r)

	posID := uuid.NewString()
	p := domain.Payout{
		ID:         uuid.NewString(),
		RoundID:    r.ID,
		PositionID: posID,
		UserID:     "alice",
		Kind:       domain.PayoutWin,
		Base:       fixed.FromInt(98),
		Multiplier: fixed.One,
		Total:      fixed.FromInt(98),
		CreatedAt:  base,
	}
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertPayout(ctx, p) }))

	dup := p
	dup.ID = uuid.NewString()
	err := s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertPayout(ctx, dup) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	sum := domain.Settlement{
		RoundID:        r.ID,
		Outcome:        domain.OutcomeYes,
		Model:          domain.PayoutPerShare,
		PoolValue:      fixed.FromInt(1100),
		TotalBase:      fixed.FromInt(98),
		PlatformMargin: fixed.FromInt(2),
		HouseRetained:  fixed.FromInt(1000),
		Winners:        1,
		SettledAt:      base,
	}
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertSettlement(ctx, sum) }))
	err = s.InTx(ctx, func(tx domain.Tx) error { return tx.InsertSettlement(ctx, sum) })
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := s.GetSettlement(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, sum.PoolValue, got.PoolValue)
	assert.Equal(t, 1, got.Winners)

	payouts, err := s.ListPayouts(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, posID, payouts[0].PositionID)
}

func testCombo(t *testing.T, s domain.Store) {
	ctx := context.Background()

	c, err := s.GetCombo(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Combo)
	assert.Equal(t, fixed.Zero, c.Multiplier)

	at := base
	state := domain.ComboState{
		UserID:        "carol",
		Combo:         3,
		Multiplier:    fixed.MustParse("1.3"),
		BestCombo:     3,
		Wins:          3,
		LastOutcomeAt: &at,
	}
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.SaveCombo(ctx, state) }))
	state.Combo = 0
	state.Multiplier = fixed.One
	state.Losses = 1
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error { return tx.SaveCombo(ctx, state) }))

	c, err = s.GetCombo(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Combo)
	assert.Equal(t, fixed.One, c.Multiplier)
	assert.Equal(t, 3, c.BestCombo)
	assert.Equal(t, int64(1), c.Losses)
}

func testRollback(t *testing.T, s domain.Store) {
	ctx := context.Background()
	r := NewRound("btc", 1, base)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		if err := tx.CreatePool(ctx, NewPool(r)); err != nil {
			return err
		}
		if _, err := tx.Credit(ctx, "dave", fixed.FromInt(5)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetRound(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetPool(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	b, err := s.GetBalance(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, fixed.Zero, b.Amount)

	// The slot is free again.
	seedRound(t, s, r)
}

func testAuditAndConfig(t *testing.T, s domain.Store) {
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "round_opened", map[string]any{"round_id": "r1"}))
	require.NoError(t, s.InTx(ctx, func(tx domain.Tx) error {
		return tx.Audit(ctx, "round_locked", map[string]any{"round_id": "r1"})
	}))
	entries, err := s.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "round_locked", entries[0].Event)
	assert.Equal(t, "r1", entries[0].Detail["round_id"])

	_, err = s.GetConfig(ctx, "combo")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.PutConfig(ctx, domain.AdminConfig{
		Key:   "combo",
		Value: map[string]any{"max_multiplier": "2.5"},
	}))
	require.NoError(t, s.PutConfig(ctx, domain.AdminConfig{
		Key:   "combo",
		Value: map[string]any{"max_multiplier": "3"},
	}))
	cfg, err := s.GetConfig(ctx, "combo")
	require.NoError(t, err)
	assert.Equal(t, "3", cfg.Value["max_multiplier"])
}
