package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Pool is the constant-product market of one round.
//
// Collateral is the PTS backing every outstanding share: for each side,
// the reserve plus all user-held shares equals Collateral.
type Pool struct {
	RoundID          string       `json:"round_id"`
	YesReserve       fixed.Amount `json:"yes_reserve"`
	NoReserve        fixed.Amount `json:"no_reserve"`
	Collateral       fixed.Amount `json:"collateral"`
	InitialLiquidity fixed.Amount `json:"initial_liquidity"`
	FeesCollected    fixed.Amount `json:"fees_collected"`
	Volume           fixed.Amount `json:"volume"`
	TradeCount       int64        `json:"trade_count"`
	FeeBps           int64        `json:"fee_bps"`
	MinReserve       fixed.Amount `json:"min_reserve"`
	Version          int64        `json:"version"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Reserve returns the reserve of side.
func (p Pool) Reserve(side Side) fixed.Amount {
	if side == SideYes {
		return p.YesReserve
	}
	return p.NoReserve
}

// SetReserve updates the reserve of side in place.
func (p *Pool) SetReserve(side Side, v fixed.Amount) {
	if side == SideYes {
		p.YesReserve = v
	} else {
		p.NoReserve = v
	}
}

// TradeAction distinguishes purchases from sales.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// ParseAction accepts "buy"/"sell".
func ParseAction(s string) (TradeAction, error) {
	switch TradeAction(s) {
	case ActionBuy, ActionSell:
		return TradeAction(s), nil
	default:
		return "", ErrInvalidInput.With("unknown action %q", s)
	}
}

// Quote is a read-only trade preview against a specific pool version.
// For a buy AmountIn is PTS and AmountOut is shares; for a sell the reverse.
type Quote struct {
	RoundID        string       `json:"round_id"`
	Side           Side         `json:"side"`
	Action         TradeAction  `json:"action"`
	AmountIn       fixed.Amount `json:"amount_in"`
	AmountOut      fixed.Amount `json:"amount_out"`
	Fee            fixed.Amount `json:"fee"`
	AvgPrice       fixed.Amount `json:"avg_price"`
	PriceBefore    fixed.Amount `json:"price_before"`
	PriceAfter     fixed.Amount `json:"price_after"`
	PriceImpactPct fixed.Amount `json:"price_impact_pct"`
	PoolVersion    int64        `json:"pool_version"`

	// Next is the pool state the quote would produce.
	Next Pool `json:"-"`
}
