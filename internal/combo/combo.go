// Package combo tracks per-user win streaks and the payout multiplier they
// earn.
package combo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Multiplier returns min(base + combo × increment, max). The multiplier is
// always derived from the streak length, never compounded, so it cannot
// drift.
func Multiplier(combo int, cfg domain.ComboConfig) fixed.Amount {
	if combo <= 0 {
		return fixed.Min(cfg.BaseMultiplier, cfg.MaxMultiplier)
	}
	bonus, err := fixed.MulDiv(int64(combo), int64(cfg.MultiplierIncrement), 1, fixed.Floor)
	if err != nil {
		return cfg.MaxMultiplier
	}
	m, err := fixed.Add(cfg.BaseMultiplier, fixed.Amount(bonus))
	if err != nil {
		return cfg.MaxMultiplier
	}
	return fixed.Min(m, cfg.MaxMultiplier)
}

// Initial is the state of a user with no recorded results.
func Initial(userID string, cfg domain.ComboConfig) domain.ComboState {
	return domain.ComboState{UserID: userID, Multiplier: Multiplier(0, cfg)}
}

// Normalize fills in a state read from a store that had no row for the user.
func Normalize(state domain.ComboState, userID string, cfg domain.ComboConfig) domain.ComboState {
	if state.Multiplier == 0 {
		initial := Initial(userID, cfg)
		initial.BestCombo = state.BestCombo
		initial.Wins = state.Wins
		initial.Losses = state.Losses
		initial.LastOutcomeAt = state.LastOutcomeAt
		return initial
	}
	state.UserID = userID
	return state
}

// Apply returns the state after one round result.
func Apply(state domain.ComboState, won bool, cfg domain.ComboConfig, at time.Time) domain.ComboState {
	next := state
	next.LastOutcomeAt = &at
	if !won {
		next.Combo = cfg.ResetCombo
		next.Multiplier = cfg.ResetMultiplier
		next.Losses++
		return next
	}
	next.Combo = state.Combo + 1
	if cfg.MaxComboCount > 0 && next.Combo > cfg.MaxComboCount {
		next.Combo = cfg.MaxComboCount
	}
	next.Multiplier = Multiplier(next.Combo, cfg)
	next.Wins++
	if next.Combo > next.BestCombo {
		next.BestCombo = next.Combo
	}
	return next
}

// Tracker persists combo state.
type Tracker struct {
	store  domain.Store
	config domain.ConfigSource
	clock  clock.Clock
	logger *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(store domain.Store, config domain.ConfigSource, clk clock.Clock, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		config: config,
		clock:  clk,
		logger: logger.With(slog.String("component", "combo")),
	}
}

// Current returns the user's state, defaulting to the base multiplier.
func (t *Tracker) Current(ctx context.Context, userID string) (domain.ComboState, error) {
	cfg, err := t.config.ComboConfig(ctx)
	if err != nil {
		return domain.ComboState{}, fmt.Errorf("combo: config: %w", err)
	}
	state, err := t.store.GetCombo(ctx, userID)
	if err != nil {
		return domain.ComboState{}, fmt.Errorf("combo: get %s: %w", userID, err)
	}
	return Normalize(state, userID, cfg), nil
}

// OnRoundResult records one result, reading the combo configuration afresh.
func (t *Tracker) OnRoundResult(ctx context.Context, userID string, won bool) (domain.ComboState, error) {
	cfg, err := t.config.ComboConfig(ctx)
	if err != nil {
		return domain.ComboState{}, fmt.Errorf("combo: config: %w", err)
	}
	var out domain.ComboState
	err = t.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		out, err = t.ApplyTx(ctx, tx, userID, won, cfg)
		return err
	})
	if err != nil {
		return domain.ComboState{}, err
	}
	return out, nil
}

// ApplyTx records one result inside an existing transaction.
func (t *Tracker) ApplyTx(ctx context.Context, tx domain.Tx, userID string, won bool, cfg domain.ComboConfig) (domain.ComboState, error) {
	state, err := t.StateTx(ctx, tx, userID, cfg)
	if err != nil {
		return domain.ComboState{}, err
	}
	next := Apply(state, won, cfg, t.clock.Now())
	if err := tx.SaveCombo(ctx, next); err != nil {
		return domain.ComboState{}, fmt.Errorf("combo: save %s: %w", userID, err)
	}
	t.logger.Debug("combo updated",
		slog.String("user", userID),
		slog.Bool("won", won),
		slog.Int("combo", next.Combo),
		slog.String("multiplier", next.Multiplier.String()),
	)
	return next, nil
}

// StateTx reads the user's state inside a transaction.
func (t *Tracker) StateTx(ctx context.Context, tx domain.Tx, userID string, cfg domain.ComboConfig) (domain.ComboState, error) {
	state, err := tx.GetCombo(ctx, userID)
	if err != nil {
		return domain.ComboState{}, fmt.Errorf("combo: get %s: %w", userID, err)
	}
	return Normalize(state, userID, cfg), nil
}
