package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PayoutKind distinguishes winning payouts from void refunds.
type PayoutKind string

const (
	PayoutWin    PayoutKind = "win"
	PayoutRefund PayoutKind = "refund"
)

// Payout is a PTS credit issued by settlement. At most one exists per
// position.
type Payout struct {
	ID         string       `json:"id"`
	RoundID    string       `json:"round_id"`
	PositionID string       `json:"position_id"`
	UserID     string       `json:"user_id"`
	Kind       PayoutKind   `json:"kind"`
	Base       fixed.Amount `json:"base"`
	Multiplier fixed.Amount `json:"multiplier"`
	Bonus      fixed.Amount `json:"bonus"`
	Total      fixed.Amount `json:"total"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Settlement summarises the money flow of a finished round. Under the
// per_share model the identity PoolValue = TotalBase + PlatformMargin +
// HouseRetained holds exactly. TotalBonus is the multiplier-funded amount
// paid on top of the base.
type Settlement struct {
	RoundID         string        `json:"round_id"`
	Outcome         Outcome       `json:"outcome"`
	SettlementPrice *fixed.Amount `json:"settlement_price,omitempty"`
	Model           PayoutModel   `json:"model"`
	PoolValue       fixed.Amount  `json:"pool_value"`
	TotalBase       fixed.Amount  `json:"total_base"`
	TotalBonus      fixed.Amount  `json:"total_bonus"`
	PlatformMargin  fixed.Amount  `json:"platform_margin"`
	HouseRetained   fixed.Amount  `json:"house_retained"`
	FeesCollected   fixed.Amount  `json:"fees_collected"`
	Winners         int           `json:"winners"`
	Losers          int           `json:"losers"`
	Refunds         int           `json:"refunds"`
	SettledAt       time.Time     `json:"settled_at"`
}
