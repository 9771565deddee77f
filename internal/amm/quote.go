package amm

import (
	"fmt"
	"math/big"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

var percentScale = 100 * fixed.Scale

// Quote dispatches to QuoteBuy or QuoteSell.
func Quote(p domain.Pool, action domain.TradeAction, side domain.Side, amount fixed.Amount) (domain.Quote, error) {
	switch action {
	case domain.ActionBuy:
		return QuoteBuy(p, side, amount)
	case domain.ActionSell:
		return QuoteSell(p, side, amount)
	default:
		return domain.Quote{}, domain.ErrInvalidInput.With("unknown action %q", action)
	}
}

// QuoteBuy prices spending amount PTS on side.
//
// The fee is taken first. The net amount mints complete sets into the pool,
// which then releases enough side shares to restore the invariant. The fee
// is minted as complete sets and left in both reserves, so k grows and
// collateral grows by the full amount.
func QuoteBuy(p domain.Pool, side domain.Side, amount fixed.Amount) (domain.Quote, error) {
	if !side.Valid() {
		return domain.Quote{}, domain.ErrInvalidSide
	}
	if !amount.IsPositive() {
		return domain.Quote{}, domain.ErrInvalidInput.With("amount must be positive")
	}
	fee, err := amount.Bps(p.FeeBps, fixed.Ceil)
	if err != nil {
		return domain.Quote{}, arith("fee", err)
	}
	net := amount - fee
	if net <= 0 {
		return domain.Quote{}, domain.ErrAmountTooSmall.With("amount %s is consumed by the fee", amount)
	}

	s, o := p.Reserve(side), p.Reserve(side.Opposite())
	k := mul(int64(s), int64(o))

	s1 := new(big.Int).Add(big.NewInt(int64(s)), big.NewInt(int64(net)))
	o1 := new(big.Int).Add(big.NewInt(int64(o)), big.NewInt(int64(net)))
	s2 := ceilDiv(k, o1)
	out := new(big.Int).Sub(s1, s2)
	if out.Sign() <= 0 {
		return domain.Quote{}, domain.ErrAmountTooSmall.With("amount %s buys no shares", amount)
	}

	shares, err := toAmount(out)
	if err != nil {
		return domain.Quote{}, arith("shares", err)
	}
	newS, err := toAmount(new(big.Int).Add(s2, big.NewInt(int64(fee))))
	if err != nil {
		return domain.Quote{}, arith("reserve", err)
	}
	newO, err := toAmount(new(big.Int).Add(o1, big.NewInt(int64(fee))))
	if err != nil {
		return domain.Quote{}, arith("reserve", err)
	}
	if newS < p.MinReserve {
		return domain.Quote{}, domain.ErrPoolExhausted.With("%s reserve would fall to %s", side, newS)
	}

	next := p
	next.SetReserve(side, newS)
	next.SetReserve(side.Opposite(), newO)
	if next.Collateral, err = fixed.Add(p.Collateral, amount); err != nil {
		return domain.Quote{}, arith("collateral", err)
	}
	if err := accrue(&next, fee, amount); err != nil {
		return domain.Quote{}, err
	}
	next.TradeCount++
	next.Version++

	return buildQuote(p, next, domain.ActionBuy, side, amount, shares, fee, amount, shares)
}

// QuoteSell prices selling shares of side back to the pool.
//
// The pool takes the shares and burns A complete sets, the largest A that
// keeps (s+q-A)(o-A) >= k. The fee is withheld from A and stays in both
// reserves; the seller receives A - fee.
func QuoteSell(p domain.Pool, side domain.Side, shares fixed.Amount) (domain.Quote, error) {
	if !side.Valid() {
		return domain.Quote{}, domain.ErrInvalidSide
	}
	if !shares.IsPositive() {
		return domain.Quote{}, domain.ErrInvalidInput.With("shares must be positive")
	}

	s, o := p.Reserve(side), p.Reserve(side.Opposite())
	k := mul(int64(s), int64(o))
	s1 := new(big.Int).Add(big.NewInt(int64(s)), big.NewInt(int64(shares)))
	bigO := big.NewInt(int64(o))

	// A² - (s1+o)A + (s1·o - k) = 0, smaller root.
	b := new(big.Int).Add(s1, bigO)
	c := new(big.Int).Sub(new(big.Int).Mul(s1, bigO), k)
	disc := new(big.Int).Sub(new(big.Int).Mul(b, b), new(big.Int).Lsh(c, 2))
	a := new(big.Int).Sub(b, ceilSqrt(disc))
	a.Rsh(a, 1)
	if a.Sign() < 0 {
		a.SetInt64(0)
	}
	one := big.NewInt(1)
	for a.Sign() > 0 {
		lhs := new(big.Int).Mul(new(big.Int).Sub(s1, a), new(big.Int).Sub(bigO, a))
		if lhs.Cmp(k) >= 0 {
			break
		}
		a.Sub(a, one)
	}

	gross, err := toAmount(a)
	if err != nil {
		return domain.Quote{}, arith("proceeds", err)
	}
	fee, err := gross.Bps(p.FeeBps, fixed.Ceil)
	if err != nil {
		return domain.Quote{}, arith("fee", err)
	}
	net := gross - fee
	if net <= 0 {
		return domain.Quote{}, domain.ErrAmountTooSmall.With("selling %s shares returns nothing", shares)
	}

	newS, err := toAmount(new(big.Int).Add(new(big.Int).Sub(s1, a), big.NewInt(int64(fee))))
	if err != nil {
		return domain.Quote{}, arith("reserve", err)
	}
	newO := o - gross + fee
	if newO < p.MinReserve {
		return domain.Quote{}, domain.ErrPoolExhausted.With("%s reserve would fall to %s", side.Opposite(), newO)
	}

	next := p
	next.SetReserve(side, newS)
	next.SetReserve(side.Opposite(), newO)
	if next.Collateral, err = fixed.Sub(p.Collateral, net); err != nil {
		return domain.Quote{}, arith("collateral", err)
	}
	if err := accrue(&next, fee, gross); err != nil {
		return domain.Quote{}, err
	}
	next.TradeCount++
	next.Version++

	return buildQuote(p, next, domain.ActionSell, side, shares, net, fee, net, shares)
}

// accrue adds a trade's fee and volume to the pool's running totals.
func accrue(p *domain.Pool, fee, volume fixed.Amount) error {
	var err error
	if p.FeesCollected, err = fixed.Add(p.FeesCollected, fee); err != nil {
		return arith("fees collected", err)
	}
	if p.Volume, err = fixed.Add(p.Volume, volume); err != nil {
		return arith("volume", err)
	}
	return nil
}

// arith reports an arithmetic failure while pricing. It depends only on the
// inputs and the pool, so it is a final validation error.
func arith(what string, err error) error {
	return domain.ErrInvalidInput.Wrap(fmt.Errorf("amm: %s: %w", what, err))
}

func buildQuote(prev, next domain.Pool, action domain.TradeAction, side domain.Side,
	in, out, fee, pts, shares fixed.Amount) (domain.Quote, error) {
	avg, err := pts.Div(shares, fixed.Floor)
	if err != nil {
		return domain.Quote{}, arith("average price", err)
	}
	before := Price(prev, side)
	after := Price(next, side)
	var impact fixed.Amount
	if before > 0 {
		v, err := fixed.MulDiv(int64((after - before).Abs()), percentScale, int64(before), fixed.Floor)
		if err != nil {
			return domain.Quote{}, arith("price impact", err)
		}
		impact = fixed.Amount(v)
	}
	return domain.Quote{
		RoundID:        prev.RoundID,
		Side:           side,
		Action:         action,
		AmountIn:       in,
		AmountOut:      out,
		Fee:            fee,
		AvgPrice:       avg,
		PriceBefore:    before,
		PriceAfter:     after,
		PriceImpactPct: impact,
		PoolVersion:    prev.Version,
		Next:           next,
	}, nil
}
