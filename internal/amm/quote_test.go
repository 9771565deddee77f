package amm

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

func testConfig() domain.RoundConfig {
	return domain.RoundConfig{
		FeeBps:           200,
		InitialLiquidity: fixed.FromInt(1000),
		MinReserve:       fixed.One,
	}
}

func newTestPool(t *testing.T, cfg domain.RoundConfig) domain.Pool {
	t.Helper()
	p, err := NewPool("r1", cfg, time.Unix(0, 0))
	require.NoError(t, err)
	return p
}

func TestNewPool(t *testing.T) {
	p := newTestPool(t, testConfig())
	assert.Equal(t, fixed.FromInt(1000), p.YesReserve)
	assert.Equal(t, fixed.FromInt(1000), p.NoReserve)
	assert.Equal(t, fixed.FromInt(1000), p.Collateral)
	assert.Equal(t, int64(1), p.Version)

	yes, no := Prices(p)
	assert.Equal(t, fixed.MustParse("0.5"), yes)
	assert.Equal(t, fixed.MustParse("0.5"), no)

	cfg := testConfig()
	cfg.InitialLiquidity = cfg.MinReserve
	_, err := NewPool("r1", cfg, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestQuoteBuy_ReferenceTrade(t *testing.T) {
	p := newTestPool(t, testConfig())

	q, err := QuoteBuy(p, domain.SideYes, fixed.FromInt(100))
	require.NoError(t, err)

	assert.Equal(t, fixed.FromInt(2), q.Fee)
	assert.Equal(t, fixed.MustParse("187.253187"), q.AmountOut)
	assert.Equal(t, fixed.MustParse("0.5"), q.PriceBefore)
	assert.Greater(t, q.PriceAfter, q.PriceBefore)
	assert.True(t, q.PriceImpactPct.IsPositive())
	assert.Equal(t, int64(1), q.PoolVersion)

	next := q.Next
	assert.Equal(t, fixed.MustParse("912.746813"), next.YesReserve)
	assert.Equal(t, fixed.FromInt(1100), next.NoReserve)
	assert.Equal(t, fixed.FromInt(1100), next.Collateral)
	assert.Equal(t, fixed.FromInt(2), next.FeesCollected)
	assert.Equal(t, fixed.FromInt(100), next.Volume)
	assert.Equal(t, int64(1), next.TradeCount)
	assert.Equal(t, int64(2), next.Version)

	// Reserve plus user shares equals collateral on both sides.
	assert.Equal(t, next.Collateral, next.YesReserve+q.AmountOut)
	assert.Equal(t, next.Collateral, next.NoReserve)

	// Original pool is untouched.
	assert.Equal(t, fixed.FromInt(1000), p.YesReserve)
}

func TestQuoteBuy_Rejections(t *testing.T) {
	p := newTestPool(t, testConfig())

	_, err := QuoteBuy(p, domain.Side("maybe"), fixed.One)
	assert.ErrorIs(t, err, domain.ErrInvalidSide)

	_, err = QuoteBuy(p, domain.SideYes, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	// One micro-unit is entirely consumed by the rounded-up fee.
	_, err = QuoteBuy(p, domain.SideNo, fixed.FromMicro(1))
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)

	cfg := testConfig()
	cfg.MinReserve = fixed.FromInt(999)
	tight := newTestPool(t, cfg)
	_, err = QuoteBuy(tight, domain.SideYes, fixed.FromInt(10))
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestQuote_TotalsOverflowIsFinal(t *testing.T) {
	p := newTestPool(t, testConfig())
	p.Volume = fixed.Amount(math.MaxInt64 - 10)

	_, err := QuoteBuy(p, domain.SideYes, fixed.FromInt(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, fixed.ErrOverflow)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.False(t, domain.Retryable(err))

	p = newTestPool(t, testConfig())
	buy, err := QuoteBuy(p, domain.SideYes, fixed.FromInt(100))
	require.NoError(t, err)
	held := buy.Next
	held.FeesCollected = fixed.Amount(math.MaxInt64)
	_, err = QuoteSell(held, domain.SideYes, buy.AmountOut)
	assert.ErrorIs(t, err, fixed.ErrOverflow)
}

func TestQuoteSell_AfterBuy(t *testing.T) {
	p := newTestPool(t, testConfig())
	buy, err := QuoteBuy(p, domain.SideYes, fixed.FromInt(100))
	require.NoError(t, err)
	p = buy.Next

	sell, err := QuoteSell(p, domain.SideYes, buy.AmountOut)
	require.NoError(t, err)

	// Round trip loses roughly two fees.
	assert.Less(t, sell.AmountOut, fixed.FromInt(100))
	assert.Greater(t, sell.AmountOut, fixed.FromInt(95))
	assert.True(t, sell.Fee.IsPositive())
	assert.Less(t, sell.PriceAfter, sell.PriceBefore)

	next := sell.Next
	assert.Equal(t, p.Collateral-sell.AmountOut, next.Collateral)
	assert.Equal(t, next.Collateral, next.YesReserve)
	assert.Equal(t, next.Collateral, next.NoReserve)
	assert.True(t, Invariant(next).Cmp(Invariant(p)) >= 0)
}

func TestQuoteSell_Rejections(t *testing.T) {
	cfg := testConfig()
	cfg.MinReserve = fixed.FromInt(999)
	p := newTestPool(t, cfg)

	_, err := QuoteSell(p, domain.SideYes, fixed.FromInt(1000))
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)

	_, err = QuoteSell(p, domain.SideYes, fixed.FromMicro(1))
	assert.ErrorIs(t, err, domain.ErrAmountTooSmall)

	_, err = QuoteSell(p, domain.SideYes, -fixed.One)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestQuote_Dispatch(t *testing.T) {
	p := newTestPool(t, testConfig())
	q, err := Quote(p, domain.ActionBuy, domain.SideNo, fixed.FromInt(10))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBuy, q.Action)
	assert.Equal(t, domain.SideNo, q.Side)

	_, err = Quote(p, domain.TradeAction("swap"), domain.SideNo, fixed.FromInt(10))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestApply(t *testing.T) {
	p := newTestPool(t, testConfig())
	q, err := QuoteBuy(p, domain.SideYes, fixed.FromInt(10))
	require.NoError(t, err)

	next, err := Apply(p, q)
	require.NoError(t, err)
	assert.Equal(t, q.Next, next)

	_, err = Apply(next, q)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestPool_Invariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := domain.RoundConfig{
			FeeBps:           rapid.Int64Range(0, 1000).Draw(t, "feeBps"),
			InitialLiquidity: fixed.FromInt(rapid.Int64Range(10, 100_000).Draw(t, "liquidity")),
			MinReserve:       fixed.One,
		}
		p, err := NewPool("prop", cfg, time.Unix(0, 0))
		if err != nil {
			t.Fatalf("new pool: %v", err)
		}
		held := map[domain.Side]fixed.Amount{}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			side := domain.SideYes
			if rapid.Bool().Draw(t, "no") {
				side = domain.SideNo
			}
			var q domain.Quote
			if rapid.Bool().Draw(t, "buy") || held[side] == 0 {
				amt := fixed.FromMicro(rapid.Int64Range(1, 50_000_000_000).Draw(t, "amount"))
				q, err = QuoteBuy(p, side, amt)
			} else {
				amt := fixed.FromMicro(rapid.Int64Range(1, int64(held[side])).Draw(t, "shares"))
				q, err = QuoteSell(p, side, amt)
			}
			if errors.Is(err, domain.ErrAmountTooSmall) || errors.Is(err, domain.ErrPoolExhausted) {
				continue
			}
			if err != nil {
				t.Fatalf("quote: %v", err)
			}

			if Invariant(q.Next).Cmp(Invariant(p)) < 0 {
				t.Fatalf("k decreased")
			}
			next, err := Apply(p, q)
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if q.Action == domain.ActionBuy {
				held[side] += q.AmountOut
			} else {
				held[side] -= q.AmountIn
			}
			p = next

			for _, s := range []domain.Side{domain.SideYes, domain.SideNo} {
				if p.Reserve(s)+held[s] != p.Collateral {
					t.Fatalf("collateral identity broken on %s: %s + %s != %s", s, p.Reserve(s), held[s], p.Collateral)
				}
			}
			if err := CheckPool(p); err != nil {
				t.Fatalf("check pool: %v", err)
			}
			yes, no := Prices(p)
			if yes+no != fixed.One || yes < 0 || yes > fixed.One {
				t.Fatalf("bad prices %s / %s", yes, no)
			}
		}
	})
}
