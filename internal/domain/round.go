package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Side is the outcome a position backs.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	default:
		return "", ErrInvalidSide.With("unknown side %q", s)
	}
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Outcome is the resolved result of a round.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeYes  Outcome = "yes"
	OutcomeNo   Outcome = "no"
	OutcomeVoid Outcome = "void"
)

// WinningSide returns the side paid by o, if any.
func (o Outcome) WinningSide() (Side, bool) {
	switch o {
	case OutcomeYes:
		return SideYes, true
	case OutcomeNo:
		return SideNo, true
	default:
		return "", false
	}
}

// RoundStatus is the lifecycle state of a round.
type RoundStatus string

const (
	RoundBetting  RoundStatus = "betting"
	RoundLocked   RoundStatus = "locked"
	RoundSettling RoundStatus = "settling"
	RoundSettled  RoundStatus = "settled"
	RoundVoid     RoundStatus = "void"
)

// Terminal reports whether no further transitions are possible.
func (s RoundStatus) Terminal() bool {
	return s == RoundSettled || s == RoundVoid
}

// ActiveStatuses lists the non-terminal states.
var ActiveStatuses = []RoundStatus{RoundBetting, RoundLocked, RoundSettling}

var roundTransitions = map[RoundStatus][]RoundStatus{
	RoundBetting:  {RoundLocked, RoundVoid},
	RoundLocked:   {RoundSettling, RoundSettled, RoundVoid},
	RoundSettling: {RoundSettled, RoundVoid},
}

// CanTransition reports whether the state machine permits from → to.
func CanTransition(from, to RoundStatus) bool {
	for _, next := range roundTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Round is one betting epoch of a category.
type Round struct {
	ID              string        `json:"id"`
	Category        string        `json:"category"`
	Sequence        int64         `json:"sequence"`
	OpenTime        time.Time     `json:"open_time"`
	LockTime        time.Time     `json:"lock_time"`
	ResolveTime     time.Time     `json:"resolve_time"`
	Status          RoundStatus   `json:"status"`
	OpenPrice       *fixed.Amount `json:"open_price,omitempty"`
	SettlementPrice *fixed.Amount `json:"settlement_price,omitempty"`
	Outcome         Outcome       `json:"outcome,omitempty"`
	VoidReason      string        `json:"void_reason,omitempty"`
	Config          RoundConfig   `json:"config"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	SettledAt       *time.Time    `json:"settled_at,omitempty"`
}

// Validate checks the timing invariants.
func (r Round) Validate() error {
	if !r.LockTime.After(r.OpenTime) {
		return fmt.Errorf("round %s: lock time must be after open time", r.ID)
	}
	if r.ResolveTime.Before(r.LockTime) {
		return fmt.Errorf("round %s: resolve time must not precede lock time", r.ID)
	}
	return nil
}

// AcceptsTradesAt reports whether a trade executed at t may apply.
func (r Round) AcceptsTradesAt(t time.Time) bool {
	return r.Status == RoundBetting && t.Before(r.LockTime)
}

// Countdown is the time remaining until the next scheduled transition.
func (r Round) Countdown(now time.Time) time.Duration {
	var target time.Time
	switch r.Status {
	case RoundBetting:
		target = r.LockTime
	case RoundLocked, RoundSettling:
		target = r.ResolveTime
	default:
		return 0
	}
	if d := target.Sub(now); d > 0 {
		return d
	}
	return 0
}
