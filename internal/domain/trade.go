package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Trade is the immutable record of an executed buy or sell.
type Trade struct {
	ID          string       `json:"id"`
	RequestID   string       `json:"request_id"`
	UserID      string       `json:"user_id"`
	RoundID     string       `json:"round_id"`
	PositionID  string       `json:"position_id"`
	Side        Side         `json:"side"`
	Action      TradeAction  `json:"action"`
	AmountIn    fixed.Amount `json:"amount_in"`
	AmountOut   fixed.Amount `json:"amount_out"`
	Fee         fixed.Amount `json:"fee"`
	AvgPrice    fixed.Amount `json:"avg_price"`
	PriceBefore fixed.Amount `json:"price_before"`
	PriceAfter  fixed.Amount `json:"price_after"`
	PoolVersion int64        `json:"pool_version"`
	ExecutedAt  time.Time    `json:"executed_at"`
}

// TradeResult is returned for an executed or replayed trade.
type TradeResult struct {
	Trade    Trade    `json:"trade"`
	Position Position `json:"position"`
	Pool     Pool     `json:"pool"`
	Balance  Balance  `json:"balance"`
	Replayed bool     `json:"replayed"`
}
