package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// RoundEventStream is the durable stream of round lifecycle events.
const RoundEventStream = "rounds:events"

// RoundChannel is the pub/sub channel of a category's lifecycle events.
func RoundChannel(category string) string { return "round:" + category }

// PriceChannel is the pub/sub channel of a category's pool price updates.
func PriceChannel(category string) string { return "price:" + category }

// RoundEventType names a lifecycle transition.
type RoundEventType string

const (
	EventRoundOpened   RoundEventType = "round_opened"
	EventRoundLocked   RoundEventType = "round_locked"
	EventRoundSettling RoundEventType = "round_settling"
	EventRoundSettled  RoundEventType = "round_settled"
	EventRoundVoided   RoundEventType = "round_voided"
	EventRoundUpdated  RoundEventType = "round_updated"
)

// RoundEvent is published on every lifecycle transition.
type RoundEvent struct {
	Type            RoundEventType `json:"type"`
	RoundID         string         `json:"round_id"`
	Category        string         `json:"category"`
	Sequence        int64          `json:"sequence"`
	Status          RoundStatus    `json:"status"`
	Outcome         Outcome        `json:"outcome,omitempty"`
	OpenPrice       *fixed.Amount  `json:"open_price,omitempty"`
	SettlementPrice *fixed.Amount  `json:"settlement_price,omitempty"`
	LockTime        time.Time      `json:"lock_time"`
	ResolveTime     time.Time      `json:"resolve_time"`
	At              time.Time      `json:"at"`
}

// NewRoundEvent builds the event describing r's current state.
func NewRoundEvent(t RoundEventType, r Round, at time.Time) RoundEvent {
	return RoundEvent{
		Type:            t,
		RoundID:         r.ID,
		Category:        r.Category,
		Sequence:        r.Sequence,
		Status:          r.Status,
		Outcome:         r.Outcome,
		OpenPrice:       r.OpenPrice,
		SettlementPrice: r.SettlementPrice,
		LockTime:        r.LockTime,
		ResolveTime:     r.ResolveTime,
		At:              at,
	}
}

// PriceEvent is published after every executed trade.
type PriceEvent struct {
	RoundID    string       `json:"round_id"`
	Category   string       `json:"category"`
	YesPrice   fixed.Amount `json:"yes_price"`
	NoPrice    fixed.Amount `json:"no_price"`
	Volume     fixed.Amount `json:"volume"`
	TradeCount int64        `json:"trade_count"`
	Version    int64        `json:"version"`
	At         time.Time    `json:"at"`
}
