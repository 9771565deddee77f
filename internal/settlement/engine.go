// Package settlement turns a resolved round into payouts. Settling a round,
// crediting winners, updating combos and writing the summary happen in one
// store transaction, so a round is either fully settled or untouched.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/combo"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Engine settles and voids rounds.
type Engine struct {
	store      domain.Store
	config     domain.ConfigSource
	combo      *combo.Tracker
	clock      clock.Clock
	maxRetries int
	logger     *slog.Logger
}

// NewEngine creates an Engine. maxRetries bounds the attempts made for
// transient store failures.
func NewEngine(store domain.Store, config domain.ConfigSource, tracker *combo.Tracker, clk clock.Clock, maxRetries int, logger *slog.Logger) *Engine {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Engine{
		store:      store,
		config:     config,
		combo:      tracker,
		clock:      clk,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "settlement")),
	}
}

type userResult struct {
	won, lost bool
}

// Settle pays the winners of roundID. A round already SETTLED returns its
// stored summary unchanged.
func (e *Engine) Settle(ctx context.Context, roundID string, outcome domain.Outcome, price fixed.Amount) (domain.Settlement, error) {
	winSide, ok := outcome.WinningSide()
	if !ok {
		return domain.Settlement{}, domain.ErrInvalidInput.With("outcome %q has no winning side", outcome)
	}
	comboCfg, err := e.config.ComboConfig(ctx)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: combo config: %w", err)
	}

	var sum domain.Settlement
	err = e.retry(ctx, roundID, func() error {
		return e.store.InTx(ctx, func(tx domain.Tx) error {
			var err error
			sum, err = e.settleTx(ctx, tx, roundID, outcome, winSide, price, comboCfg)
			return err
		})
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	return sum, nil
}

func (e *Engine) settleTx(ctx context.Context, tx domain.Tx, roundID string, outcome domain.Outcome,
	winSide domain.Side, price fixed.Amount, comboCfg domain.ComboConfig) (domain.Settlement, error) {
	r, err := tx.LockRoundExclusive(ctx, roundID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: load round %s: %w", roundID, err)
	}
	if r.Status == domain.RoundSettled {
		return tx.GetSettlement(ctx, roundID)
	}
	if r.Status != domain.RoundLocked && r.Status != domain.RoundSettling {
		return domain.Settlement{}, domain.ErrRoundNotSettleable.With("round %s is %s", roundID, r.Status)
	}
	strategy, err := StrategyFor(r.Config.PayoutModel)
	if err != nil {
		return domain.Settlement{}, err
	}
	pool, err := tx.GetPool(ctx, roundID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: load pool %s: %w", roundID, err)
	}
	positions, err := openPositions(ctx, tx, roundID)
	if err != nil {
		return domain.Settlement{}, err
	}

	now := e.clock.Now()
	sum := domain.Settlement{
		RoundID:         roundID,
		Outcome:         outcome,
		SettlementPrice: &price,
		Model:           strategy.Model(),
		PoolValue:       pool.Collateral,
		HouseRetained:   pool.Reserve(winSide),
		FeesCollected:   pool.FeesCollected,
		SettledAt:       now,
	}

	results := make(map[string]*userResult)
	multipliers := make(map[string]fixed.Amount)
	for _, pos := range positions {
		res, ok := results[pos.UserID]
		if !ok {
			res = &userResult{}
			results[pos.UserID] = res
			state, err := e.combo.StateTx(ctx, tx, pos.UserID, comboCfg)
			if err != nil {
				return domain.Settlement{}, err
			}
			multipliers[pos.UserID] = state.Multiplier
		}

		if pos.Side != winSide {
			res.lost = true
			sum.Losers++
			pos.Payout = 0
		} else {
			res.won = true
			sum.Winners++
			base, err := strategy.Base(pos, r.Config)
			if err != nil {
				return domain.Settlement{}, fmt.Errorf("settlement: base payout %s: %w", pos.ID, err)
			}
			mult := multipliers[pos.UserID]
			total, err := base.Mul(mult, fixed.Floor)
			if err != nil {
				return domain.Settlement{}, fmt.Errorf("settlement: apply multiplier %s: %w", pos.ID, err)
			}
			payout := domain.Payout{
				ID:         uuid.NewString(),
				RoundID:    roundID,
				PositionID: pos.ID,
				UserID:     pos.UserID,
				Kind:       domain.PayoutWin,
				Base:       base,
				Multiplier: mult,
				Bonus:      total - base,
				Total:      total,
				CreatedAt:  now,
			}
			if err := tx.InsertPayout(ctx, payout); err != nil {
				return domain.Settlement{}, fmt.Errorf("settlement: payout %s: %w", pos.ID, err)
			}
			if total > 0 {
				if _, err := tx.Credit(ctx, pos.UserID, total); err != nil {
					return domain.Settlement{}, fmt.Errorf("settlement: credit %s: %w", pos.UserID, err)
				}
			}
			pos.Payout = total
			sum.TotalBase += base
			sum.TotalBonus += payout.Bonus
		}

		pos.Status = domain.PositionSettled
		pos.UpdatedAt = now
		pos.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return domain.Settlement{}, fmt.Errorf("settlement: close position %s: %w", pos.ID, err)
		}
	}

	// Hedged users count as a loss. The new multiplier only affects later
	// rounds because this round's payouts were computed above.
	users := make([]string, 0, len(results))
	for u := range results {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		res := results[u]
		if _, err := e.combo.ApplyTx(ctx, tx, u, res.won && !res.lost, comboCfg); err != nil {
			return domain.Settlement{}, err
		}
	}

	sum.PlatformMargin = sum.PoolValue - sum.TotalBase - sum.HouseRetained
	if err := tx.InsertSettlement(ctx, sum); err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: summary %s: %w", roundID, err)
	}

	r.Status = domain.RoundSettled
	r.Outcome = outcome
	r.SettlementPrice = &price
	r.SettledAt = &now
	r.UpdatedAt = now
	if err := tx.UpdateRound(ctx, r); err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: mark settled %s: %w", roundID, err)
	}
	return sum, tx.Audit(ctx, "round_settled", map[string]any{
		"round_id":   roundID,
		"outcome":    string(outcome),
		"winners":    sum.Winners,
		"losers":     sum.Losers,
		"total_base": sum.TotalBase.String(),
	})
}

// Void refunds the cost basis of every open position of roundID and marks
// the round VOID. Combos are untouched. Voiding a VOID round returns its
// stored summary.
func (e *Engine) Void(ctx context.Context, roundID, reason string) (domain.Settlement, error) {
	var sum domain.Settlement
	err := e.retry(ctx, roundID, func() error {
		return e.store.InTx(ctx, func(tx domain.Tx) error {
			var err error
			sum, err = e.voidTx(ctx, tx, roundID, reason)
			return err
		})
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	return sum, nil
}

func (e *Engine) voidTx(ctx context.Context, tx domain.Tx, roundID, reason string) (domain.Settlement, error) {
	r, err := tx.LockRoundExclusive(ctx, roundID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: load round %s: %w", roundID, err)
	}
	if r.Status == domain.RoundVoid {
		return tx.GetSettlement(ctx, roundID)
	}
	if r.Status != domain.RoundLocked && r.Status != domain.RoundSettling {
		return domain.Settlement{}, domain.ErrRoundNotSettleable.With("round %s is %s", roundID, r.Status)
	}
	pool, err := tx.GetPool(ctx, roundID)
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: load pool %s: %w", roundID, err)
	}
	positions, err := openPositions(ctx, tx, roundID)
	if err != nil {
		return domain.Settlement{}, err
	}

	now := e.clock.Now()
	sum := domain.Settlement{
		RoundID:         roundID,
		Outcome:         domain.OutcomeVoid,
		SettlementPrice: r.SettlementPrice,
		Model:           r.Config.PayoutModel,
		PoolValue:       pool.Collateral,
		FeesCollected:   pool.FeesCollected,
		SettledAt:       now,
	}
	for _, pos := range positions {
		refund := pos.CostBasis
		payout := domain.Payout{
			ID:         uuid.NewString(),
			RoundID:    roundID,
			PositionID: pos.ID,
			UserID:     pos.UserID,
			Kind:       domain.PayoutRefund,
			Base:       refund,
			Multiplier: fixed.One,
			Total:      refund,
			CreatedAt:  now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			return domain.Settlement{}, fmt.Errorf("settlement: refund %s: %w", pos.ID, err)
		}
		if refund > 0 {
			if _, err := tx.Credit(ctx, pos.UserID, refund); err != nil {
				return domain.Settlement{}, fmt.Errorf("settlement: credit %s: %w", pos.UserID, err)
			}
		}
		pos.Payout = refund
		pos.Status = domain.PositionSettled
		pos.UpdatedAt = now
		pos.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return domain.Settlement{}, fmt.Errorf("settlement: close position %s: %w", pos.ID, err)
		}
		sum.TotalBase += refund
		sum.Refunds++
	}
	sum.HouseRetained = sum.PoolValue - sum.TotalBase

	if err := tx.InsertSettlement(ctx, sum); err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: summary %s: %w", roundID, err)
	}
	r.Status = domain.RoundVoid
	r.Outcome = domain.OutcomeVoid
	r.VoidReason = reason
	r.SettledAt = &now
	r.UpdatedAt = now
	if err := tx.UpdateRound(ctx, r); err != nil {
		return domain.Settlement{}, fmt.Errorf("settlement: mark void %s: %w", roundID, err)
	}
	return sum, tx.Audit(ctx, "round_voided", map[string]any{
		"round_id": roundID,
		"reason":   reason,
		"refunds":  sum.Refunds,
	})
}

// retry runs fn until it succeeds, fails permanently or the attempt budget
// is spent. An exhausted budget surfaces as SettlementDeferred so the
// scheduler tries again on a later tick.
func (e *Engine) retry(ctx context.Context, roundID string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err = fn()
		if err == nil || !domain.Retryable(err) {
			return err
		}
		e.logger.Warn("settlement attempt failed",
			slog.String("round", roundID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.ErrSettlementDeferred.Wrap(err)
}

func openPositions(ctx context.Context, tx domain.Tx, roundID string) ([]domain.Position, error) {
	all, err := tx.ListRoundPositions(ctx, roundID)
	if err != nil {
		return nil, fmt.Errorf("settlement: list positions %s: %w", roundID, err)
	}
	open := all[:0]
	for _, p := range all {
		if p.Status == domain.PositionOpen {
			open = append(open, p)
		}
	}
	return open, nil
}
