package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PositionStatus tracks a position from first buy to settlement.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosed  PositionStatus = "closed"
	PositionSettled PositionStatus = "settled"
)

// Position is a user's holding on one side of one round. At most one open
// position exists per (user, round, side); buys accumulate into it.
// CostBasis is the PTS paid for the shares still held: a partial sale
// releases a proportional part of it. Proceeds accumulates sale returns.
type Position struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	RoundID   string         `json:"round_id"`
	Side      Side           `json:"side"`
	Shares    fixed.Amount   `json:"shares"`
	CostBasis fixed.Amount   `json:"cost_basis"`
	Proceeds  fixed.Amount   `json:"proceeds"`
	Payout    fixed.Amount   `json:"payout"`
	Status    PositionStatus `json:"status"`
	OpenedAt  time.Time      `json:"opened_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	ClosedAt  *time.Time     `json:"closed_at,omitempty"`
}
