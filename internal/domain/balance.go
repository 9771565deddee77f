package domain

import (
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Balance is a user's PTS account. Amount never goes negative.
type Balance struct {
	UserID    string       `json:"user_id"`
	Amount    fixed.Amount `json:"amount"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ComboState is a user's win streak and the multiplier applied to their
// next settled win.
type ComboState struct {
	UserID        string       `json:"user_id"`
	Combo         int          `json:"combo"`
	Multiplier    fixed.Amount `json:"multiplier"`
	BestCombo     int          `json:"best_combo"`
	Wins          int64        `json:"wins"`
	Losses        int64        `json:"losses"`
	LastOutcomeAt *time.Time   `json:"last_outcome_at,omitempty"`
}
