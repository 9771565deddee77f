package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// GetBalance returns a user's balance; a missing row is a zero balance.
func (r reader) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	err := r.db.QueryRow(ctx,
		`SELECT amount, updated_at FROM balances WHERE user_id = $1`, userID,
	).Scan((*int64)(&b.Amount), &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return domain.Balance{}, mapErr(err, "get balance %s", userID)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// GetCombo returns a user's combo state; a missing row is the zero state.
func (r reader) GetCombo(ctx context.Context, userID string) (domain.ComboState, error) {
	c := domain.ComboState{UserID: userID}
	const query = `
		SELECT combo, multiplier, best_combo, wins, losses, last_outcome_at
		FROM combos WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&c.Combo, (*int64)(&c.Multiplier), &c.BestCombo, &c.Wins, &c.Losses, &c.LastOutcomeAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return domain.ComboState{}, mapErr(err, "get combo %s", userID)
	}
	c.LastOutcomeAt = utcPtr(c.LastOutcomeAt)
	return c, nil
}

// Debit is a conditional single-row decrement; it never takes the balance
// below zero.
func (t *tx) Debit(ctx context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative debit %s", amount)
	}
	b := domain.Balance{UserID: userID}
	const query = `
		UPDATE balances SET amount = amount - $2, updated_at = $3
		WHERE user_id = $1 AND amount >= $2
		RETURNING amount, updated_at`
	err := t.db.QueryRow(ctx, query, userID, int64(amount), t.now()).Scan((*int64)(&b.Amount), &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := t.GetBalance(ctx, userID)
		if getErr != nil {
			return domain.Balance{}, getErr
		}
		return domain.Balance{}, domain.ErrInsufficientBalance.With("balance %s below %s", cur.Amount, amount)
	}
	if err != nil {
		return domain.Balance{}, mapErr(err, "debit %s", userID)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// Credit adds amount, creating the balance row if needed.
func (t *tx) Credit(ctx context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative credit %s", amount)
	}
	b := domain.Balance{UserID: userID}
	const query = `
		INSERT INTO balances (user_id, amount, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			amount     = balances.amount + EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at
		RETURNING amount, updated_at`
	err := t.db.QueryRow(ctx, query, userID, int64(amount), t.now()).Scan((*int64)(&b.Amount), &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, mapErr(err, "credit %s", userID)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// SaveCombo upserts a user's combo state.
func (t *tx) SaveCombo(ctx context.Context, c domain.ComboState) error {
	const query = `
		INSERT INTO combos (user_id, combo, multiplier, best_combo, wins, losses, last_outcome_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			combo           = EXCLUDED.combo,
			multiplier      = EXCLUDED.multiplier,
			best_combo      = EXCLUDED.best_combo,
			wins            = EXCLUDED.wins,
			losses          = EXCLUDED.losses,
			last_outcome_at = EXCLUDED.last_outcome_at`
	_, err := t.db.Exec(ctx, query,
		c.UserID, c.Combo, int64(c.Multiplier), c.BestCombo, c.Wins, c.Losses, c.LastOutcomeAt,
	)
	if err != nil {
		return mapErr(err, "save combo %s", c.UserID)
	}
	return nil
}
