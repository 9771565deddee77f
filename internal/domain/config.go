package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PayoutModel selects how a winning position's base payout is computed.
type PayoutModel string

const (
	// PayoutPerShare pays shares × payout ratio.
	PayoutPerShare PayoutModel = "per_share"
	// PayoutCostBasis pays remaining cost basis × payout ratio.
	PayoutCostBasis PayoutModel = "cost_basis"
)

// RoundConfig is the per-round economic and timing configuration. A snapshot
// is stored on every round at creation so later changes never affect a round
// already in progress.
type RoundConfig struct {
	RoundDuration    time.Duration `json:"round_duration"`
	BettingWindow    time.Duration `json:"betting_window"`
	LockPeriod       time.Duration `json:"lock_period"`
	OracleGrace      time.Duration `json:"oracle_grace"`
	MinBet           fixed.Amount  `json:"min_bet"`
	MaxBet           fixed.Amount  `json:"max_bet"`
	PayoutRatio      fixed.Amount  `json:"payout_ratio"`
	PayoutModel      PayoutModel   `json:"payout_model"`
	FeeBps           int64         `json:"fee_bps"`
	InitialLiquidity fixed.Amount  `json:"initial_liquidity"`
	MinReserve       fixed.Amount  `json:"min_reserve"`
}

// Validate returns every violated constraint joined into one error.
func (c RoundConfig) Validate() error {
	var errs []error
	if c.RoundDuration <= 0 {
		errs = append(errs, fmt.Errorf("round_duration must be positive"))
	}
	if c.BettingWindow <= 0 || c.BettingWindow > c.RoundDuration {
		errs = append(errs, fmt.Errorf("betting_window must be in (0, round_duration]"))
	}
	if c.LockPeriod < 0 {
		errs = append(errs, fmt.Errorf("lock_period must not be negative"))
	}
	if c.OracleGrace < 0 {
		errs = append(errs, fmt.Errorf("oracle_grace must not be negative"))
	}
	if !c.MinBet.IsPositive() {
		errs = append(errs, fmt.Errorf("min_bet must be positive"))
	}
	if c.MaxBet < c.MinBet {
		errs = append(errs, fmt.Errorf("max_bet must be >= min_bet"))
	}
	if c.PayoutRatio <= 0 || c.PayoutRatio > fixed.One {
		errs = append(errs, fmt.Errorf("payout_ratio must be in (0, 1]"))
	}
	if c.PayoutModel != PayoutPerShare && c.PayoutModel != PayoutCostBasis {
		errs = append(errs, fmt.Errorf("payout_model %q is not supported", c.PayoutModel))
	}
	if c.FeeBps < 0 || c.FeeBps >= fixed.BpsDenominator {
		errs = append(errs, fmt.Errorf("fee_bps must be in [0, 10000)"))
	}
	if !c.MinReserve.IsPositive() {
		errs = append(errs, fmt.Errorf("min_reserve must be positive"))
	}
	if c.InitialLiquidity <= c.MinReserve {
		errs = append(errs, fmt.Errorf("initial_liquidity must exceed min_reserve"))
	}
	return errors.Join(errs...)
}

// ComboConfig parameterises the win-streak multiplier.
type ComboConfig struct {
	BaseMultiplier      fixed.Amount `json:"base_multiplier"`
	MultiplierIncrement fixed.Amount `json:"multiplier_increment"`
	MaxMultiplier       fixed.Amount `json:"max_multiplier"`
	MaxComboCount       int          `json:"max_combo_count"`
	ResetMultiplier     fixed.Amount `json:"reset_multiplier"`
	ResetCombo          int          `json:"reset_combo"`
}

// Validate returns every violated constraint joined into one error.
func (c ComboConfig) Validate() error {
	var errs []error
	if !c.BaseMultiplier.IsPositive() {
		errs = append(errs, fmt.Errorf("base_multiplier must be positive"))
	}
	if c.MultiplierIncrement < 0 {
		errs = append(errs, fmt.Errorf("multiplier_increment must not be negative"))
	}
	if c.MaxMultiplier < c.BaseMultiplier {
		errs = append(errs, fmt.Errorf("max_multiplier must be >= base_multiplier"))
	}
	if c.MaxComboCount < 0 {
		errs = append(errs, fmt.Errorf("max_combo_count must not be negative"))
	}
	if !c.ResetMultiplier.IsPositive() {
		errs = append(errs, fmt.Errorf("reset_multiplier must be positive"))
	}
	if c.ResetCombo < 0 {
		errs = append(errs, fmt.Errorf("reset_combo must not be negative"))
	}
	return errors.Join(errs...)
}

// ConfigSource resolves the effective configuration. Implementations re-read
// on every call so administrative changes apply to the next round or result.
type ConfigSource interface {
	RoundConfig(ctx context.Context, category string) (RoundConfig, error)
	ComboConfig(ctx context.Context) (ComboConfig, error)
}

// AdminConfig is one administrator-managed override document.
type AdminConfig struct {
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AdminConfigStore persists override documents keyed by "round",
// "round:{category}" or "combo".
type AdminConfigStore interface {
	GetConfig(ctx context.Context, key string) (AdminConfig, error)
	PutConfig(ctx context.Context, cfg AdminConfig) error
}
