// Package amm implements the two-outcome constant-product market maker used
// by every round. All arithmetic is exact on micro-units; products of two
// reserves are carried in big.Int.
package amm

import (
	"fmt"
	"math/big"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// NewPool seeds a pool with InitialLiquidity complete sets, giving both
// outcomes an implied price of 0.5.
func NewPool(roundID string, cfg domain.RoundConfig, now time.Time) (domain.Pool, error) {
	if cfg.InitialLiquidity <= cfg.MinReserve {
		return domain.Pool{}, domain.ErrInvalidInput.With("initial liquidity %s must exceed min reserve %s",
			cfg.InitialLiquidity, cfg.MinReserve)
	}
	return domain.Pool{
		RoundID:          roundID,
		YesReserve:       cfg.InitialLiquidity,
		NoReserve:        cfg.InitialLiquidity,
		Collateral:       cfg.InitialLiquidity,
		InitialLiquidity: cfg.InitialLiquidity,
		FeeBps:           cfg.FeeBps,
		MinReserve:       cfg.MinReserve,
		Version:          1,
		UpdatedAt:        now,
	}, nil
}

// Price returns the implied probability of side: the opposite reserve over
// the sum of reserves. YES is rounded down and NO is its complement, so the
// two always sum to exactly one.
func Price(p domain.Pool, side domain.Side) fixed.Amount {
	yes := yesPrice(p)
	if side == domain.SideYes {
		return yes
	}
	return fixed.One - yes
}

// Prices returns the YES and NO prices.
func Prices(p domain.Pool) (yes, no fixed.Amount) {
	yes = yesPrice(p)
	return yes, fixed.One - yes
}

func yesPrice(p domain.Pool) fixed.Amount {
	total := int64(p.YesReserve) + int64(p.NoReserve)
	if total <= 0 {
		return 0
	}
	v, err := fixed.MulDiv(int64(p.NoReserve), fixed.Scale, total, fixed.Floor)
	if err != nil {
		return 0
	}
	return fixed.Amount(v)
}

// Invariant returns k = yes × no.
func Invariant(p domain.Pool) *big.Int {
	return mul(int64(p.YesReserve), int64(p.NoReserve))
}

// CheckPool verifies the structural invariants of p.
func CheckPool(p domain.Pool) error {
	if p.YesReserve < p.MinReserve || p.NoReserve < p.MinReserve {
		return fmt.Errorf("amm: pool %s reserve below minimum", p.RoundID)
	}
	if p.YesReserve > p.Collateral || p.NoReserve > p.Collateral {
		return fmt.Errorf("amm: pool %s reserve exceeds collateral", p.RoundID)
	}
	return nil
}

// Apply returns the pool state produced by q. It fails with ErrConflict if
// p has moved on since the quote was computed.
func Apply(p domain.Pool, q domain.Quote) (domain.Pool, error) {
	if p.RoundID != q.RoundID {
		return domain.Pool{}, fmt.Errorf("amm: quote for round %s applied to %s", q.RoundID, p.RoundID)
	}
	if p.Version != q.PoolVersion {
		return domain.Pool{}, fmt.Errorf("amm: pool %s at version %d, quote at %d: %w",
			p.RoundID, p.Version, q.PoolVersion, domain.ErrConflict)
	}
	return q.Next, nil
}

func mul(a, b int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
}

// ceilDiv returns ⌈n/d⌉ for positive operands.
func ceilDiv(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ceilSqrt returns ⌈√n⌉ for n ≥ 0.
func ceilSqrt(n *big.Int) *big.Int {
	r := new(big.Int).Sqrt(n)
	if new(big.Int).Mul(r, r).Cmp(n) < 0 {
		r.Add(r, big.NewInt(1))
	}
	return r
}

func toAmount(v *big.Int) (fixed.Amount, error) {
	if !v.IsInt64() {
		return 0, fixed.ErrOverflow
	}
	return fixed.Amount(v.Int64()), nil
}
