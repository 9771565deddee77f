package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/combo"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/executor"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/round"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type comboSource struct{ cfg domain.ComboConfig }

func (c comboSource) RoundConfig(context.Context, string) (domain.RoundConfig, error) {
	return storetest.RoundConfig(), nil
}

func (c comboSource) ComboConfig(context.Context) (domain.ComboConfig, error) { return c.cfg, nil }

func comboConfig() domain.ComboConfig {
	return domain.ComboConfig{
		BaseMultiplier:      fixed.One,
		MultiplierIncrement: fixed.MustParse("0.1"),
		MaxMultiplier:       fixed.FromInt(3),
		MaxComboCount:       50,
		ResetMultiplier:     fixed.One,
	}
}

type fixture struct {
	store  *memory.Store
	clock  *clock.Manual
	exec   *executor.Executor
	engine *Engine
	round  domain.Round
}

func newFixture(t *testing.T, model domain.PayoutModel) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		store: memory.New(),
		clock: clock.NewManual(start.Add(time.Second)),
		round: storetest.NewRound("btc", 1, start),
	}
	f.round.Config.PayoutModel = model
	src := comboSource{cfg: comboConfig()}
	tracker := combo.NewTracker(f.store, src, f.clock, logger)
	f.exec = executor.NewExecutor(f.store, round.NewGates(), nil, f.clock, executor.Options{}, logger)
	f.engine = NewEngine(f.store, src, tracker, f.clock, 3, logger)

	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.CreateRound(ctx, f.round); err != nil {
			return err
		}
		if err := tx.CreatePool(ctx, storetest.NewPool(f.round)); err != nil {
			return err
		}
		for _, u := range []string{"alice", "bob", "carol"} {
			if _, err := tx.Credit(ctx, u, fixed.FromInt(1000)); err != nil {
				return err
			}
		}
		return nil
	}))
	return f
}

func (f *fixture) buy(t *testing.T, id, user string, side domain.Side, amount int64) domain.TradeResult {
	t.Helper()
	res, err := f.exec.Buy(context.Background(), executor.BuyRequest{
		RequestID: id,
		UserID:    user,
		RoundID:   f.round.ID,
		Side:      side,
		Amount:    fixed.FromInt(amount),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) setStatus(t *testing.T, status domain.RoundStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		r, err := tx.LockRoundExclusive(ctx, f.round.ID)
		if err != nil {
			return err
		}
		r.Status = status
		return tx.UpdateRound(ctx, r)
	}))
}

func (f *fixture) balance(t *testing.T, user string) fixed.Amount {
	t.Helper()
	b, err := f.store.GetBalance(context.Background(), user)
	require.NoError(t, err)
	return b.Amount
}

func TestSettle_PerShare(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()

	alice := f.buy(t, "a1", "alice", domain.SideYes, 100)
	f.buy(t, "b1", "bob", domain.SideNo, 50)
	carolYes := f.buy(t, "c1", "carol", domain.SideYes, 20)
	f.buy(t, "c2", "carol", domain.SideNo, 20)
	f.setStatus(t, domain.RoundLocked)

	pool, err := f.store.GetPool(ctx, f.round.ID)
	require.NoError(t, err)

	price := fixed.FromInt(101)
	sum, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, price)
	require.NoError(t, err)

	ratio := f.round.Config.PayoutRatio
	aliceBase, err := alice.Position.Shares.Mul(ratio, fixed.Floor)
	require.NoError(t, err)
	carolBase, err := carolYes.Position.Shares.Mul(ratio, fixed.Floor)
	require.NoError(t, err)

	assert.Equal(t, fixed.FromInt(900)+aliceBase, f.balance(t, "alice"))
	assert.Equal(t, fixed.FromInt(950), f.balance(t, "bob"))
	assert.Equal(t, fixed.FromInt(960)+carolBase, f.balance(t, "carol"), "hedged winning leg is still paid")

	assert.Equal(t, 2, sum.Winners)
	assert.Equal(t, 2, sum.Losers)
	assert.Equal(t, aliceBase+carolBase, sum.TotalBase)
	assert.Equal(t, fixed.Amount(0), sum.TotalBonus)

	// Conservation: every complete set is either paid out, kept as margin,
	// or backs the winning reserve.
	winningShares := alice.Position.Shares + carolYes.Position.Shares
	assert.Equal(t, pool.Collateral, sum.PoolValue)
	assert.Equal(t, pool.YesReserve, sum.HouseRetained)
	assert.Equal(t, winningShares-sum.TotalBase, sum.PlatformMargin)
	assert.Equal(t, sum.PoolValue, sum.TotalBase+sum.PlatformMargin+sum.HouseRetained)
	assert.LessOrEqual(t, int64(sum.TotalBase), int64(sum.PoolValue))
	assert.GreaterOrEqual(t, int64(sum.PlatformMargin), int64(0))

	r, err := f.store.GetRound(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundSettled, r.Status)
	assert.Equal(t, domain.OutcomeYes, r.Outcome)
	require.NotNil(t, r.SettlementPrice)
	assert.Equal(t, price, *r.SettlementPrice)

	positions, err := f.store.ListRoundPositions(ctx, f.round.ID)
	require.NoError(t, err)
	for _, p := range positions {
		assert.Equal(t, domain.PositionSettled, p.Status)
	}

	aliceCombo, err := f.store.GetCombo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, aliceCombo.Combo)
	assert.Equal(t, fixed.MustParse("1.1"), aliceCombo.Multiplier)

	bobCombo, err := f.store.GetCombo(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, bobCombo.Combo)
	assert.Equal(t, int64(1), bobCombo.Losses)

	carolCombo, err := f.store.GetCombo(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 0, carolCombo.Combo, "hedged users count as a loss")
	assert.Equal(t, int64(1), carolCombo.Losses)
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()
	f.buy(t, "a1", "alice", domain.SideYes, 100)
	f.setStatus(t, domain.RoundSettling)

	first, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, fixed.FromInt(2))
	require.NoError(t, err)
	balance := f.balance(t, "alice")
	payouts, err := f.store.ListPayouts(ctx, f.round.ID)
	require.NoError(t, err)

	second, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, fixed.FromInt(2))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, balance, f.balance(t, "alice"))
	again, err := f.store.ListPayouts(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, payouts, again)

	state, err := f.store.GetCombo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Combo, "combo applied once")
}

func TestSettle_UsesPriorMultiplier(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		return tx.SaveCombo(ctx, domain.ComboState{UserID: "alice", Combo: 2, Multiplier: fixed.MustParse("1.2"), BestCombo: 2, Wins: 2})
	}))
	alice := f.buy(t, "a1", "alice", domain.SideNo, 100)
	f.setStatus(t, domain.RoundLocked)

	sum, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeNo, fixed.One)
	require.NoError(t, err)

	base, err := alice.Position.Shares.Mul(f.round.Config.PayoutRatio, fixed.Floor)
	require.NoError(t, err)
	total, err := base.Mul(fixed.MustParse("1.2"), fixed.Floor)
	require.NoError(t, err)

	payouts, err := f.store.ListPayouts(ctx, f.round.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.Equal(t, domain.PayoutWin, payouts[0].Kind)
	assert.Equal(t, base, payouts[0].Base)
	assert.Equal(t, fixed.MustParse("1.2"), payouts[0].Multiplier)
	assert.Equal(t, total, payouts[0].Total)
	assert.Equal(t, total-base, payouts[0].Bonus)
	assert.Equal(t, total-base, sum.TotalBonus)
	assert.Equal(t, fixed.FromInt(900)+total, f.balance(t, "alice"))

	state, err := f.store.GetCombo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, state.Combo)
	assert.Equal(t, fixed.MustParse("1.3"), state.Multiplier)
}

func TestSettle_CostBasis(t *testing.T) {
	f := newFixture(t, domain.PayoutCostBasis)
	ctx := context.Background()
	f.buy(t, "a1", "alice", domain.SideYes, 100)
	f.setStatus(t, domain.RoundLocked)

	sum, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, fixed.One)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutCostBasis, sum.Model)
	assert.Equal(t, fixed.FromInt(98), sum.TotalBase)
	assert.Equal(t, fixed.FromInt(998), f.balance(t, "alice"))
	assert.Equal(t, sum.PoolValue, sum.TotalBase+sum.PlatformMargin+sum.HouseRetained)
}

func TestSettle_NoPositions(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()
	f.setStatus(t, domain.RoundLocked)

	sum, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeNo, fixed.One)
	require.NoError(t, err)
	assert.Zero(t, sum.Winners)
	assert.Zero(t, sum.TotalBase)
	assert.Equal(t, sum.PoolValue, sum.HouseRetained+sum.PlatformMargin)
}

func TestSettle_RejectsWrongState(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()

	_, err := f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, fixed.One)
	assert.ErrorIs(t, err, domain.ErrRoundNotSettleable, "betting round")

	_, err = f.engine.Settle(ctx, f.round.ID, domain.OutcomeVoid, fixed.One)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f.setStatus(t, domain.RoundLocked)
	_, err = f.engine.Void(ctx, f.round.ID, "tie")
	require.NoError(t, err)
	_, err = f.engine.Settle(ctx, f.round.ID, domain.OutcomeYes, fixed.One)
	assert.ErrorIs(t, err, domain.ErrRoundNotSettleable, "void round")
}

func TestVoid_RefundsCostBasis(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	ctx := context.Background()
	require.NoError(t, f.store.InTx(ctx, func(tx domain.Tx) error {
		return tx.SaveCombo(ctx, domain.ComboState{UserID: "alice", Combo: 4, Multiplier: fixed.MustParse("1.4")})
	}))

	f.buy(t, "a1", "alice", domain.SideYes, 100)
	f.buy(t, "b1", "bob", domain.SideNo, 40)
	bought := f.buy(t, "c1", "carol", domain.SideYes, 30)
	_, err := f.exec.Sell(ctx, executor.SellRequest{
		RequestID: "c2",
		UserID:    "carol",
		RoundID:   f.round.ID,
		Side:      domain.SideYes,
		Shares:    bought.Position.Shares / 2,
	})
	require.NoError(t, err)
	carolBefore := f.balance(t, "carol")
	carolPos, err := f.store.GetPosition(ctx, bought.Position.ID)
	require.NoError(t, err)
	f.setStatus(t, domain.RoundSettling)

	sum, err := f.engine.Void(ctx, f.round.ID, "oracle_unavailable")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVoid, sum.Outcome)
	assert.Equal(t, 3, sum.Refunds)

	assert.Equal(t, fixed.FromInt(1000), f.balance(t, "alice"))
	assert.Equal(t, fixed.FromInt(1000), f.balance(t, "bob"))
	assert.Equal(t, carolBefore+carolPos.CostBasis, f.balance(t, "carol"))

	r, err := f.store.GetRound(ctx, f.round.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoundVoid, r.Status)
	assert.Equal(t, "oracle_unavailable", r.VoidReason)

	state, err := f.store.GetCombo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, state.Combo, "void leaves combos untouched")

	again, err := f.engine.Void(ctx, f.round.ID, "tie")
	require.NoError(t, err)
	assert.Equal(t, sum, again)
	assert.Equal(t, fixed.FromInt(1000), f.balance(t, "alice"))
}

func TestVoid_RejectsBetting(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	_, err := f.engine.Void(context.Background(), f.round.ID, "tie")
	assert.ErrorIs(t, err, domain.ErrRoundNotSettleable)
}

type failingStore struct {
	*memory.Store
	attempts int
}

func (s *failingStore) InTx(context.Context, func(domain.Tx) error) error {
	s.attempts++
	return errors.New("connection reset")
}

func TestSettle_Deferred(t *testing.T) {
	f := newFixture(t, domain.PayoutPerShare)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := &failingStore{Store: f.store}
	src := comboSource{cfg: comboConfig()}
	engine := NewEngine(fs, src, combo.NewTracker(fs, src, f.clock, logger), f.clock, 4, logger)

	_, err := engine.Settle(context.Background(), f.round.ID, domain.OutcomeYes, fixed.One)
	assert.ErrorIs(t, err, domain.ErrSettlementDeferred)
	assert.Equal(t, 4, fs.attempts)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}

func TestStrategyFor(t *testing.T) {
	s, err := StrategyFor(domain.PayoutPerShare)
	require.NoError(t, err)
	base, err := s.Base(domain.Position{Shares: fixed.FromInt(10), CostBasis: fixed.FromInt(4)}, storetest.RoundConfig())
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("9.8"), base)

	s, err = StrategyFor(domain.PayoutCostBasis)
	require.NoError(t, err)
	base, err = s.Base(domain.Position{Shares: fixed.FromInt(10), CostBasis: fixed.FromInt(4)}, storetest.RoundConfig())
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("3.92"), base)

	_, err = StrategyFor("lottery")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
