package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

// GetSettlement returns the settlement summary of a round.
func (r reader) GetSettlement(ctx context.Context, roundID string) (domain.Settlement, error) {
	const query = `
		SELECT round_id, outcome, settlement_price, model, pool_value, total_base, total_bonus,
		       platform_margin, house_retained, fees_collected, winners, losers, refunds, settled_at
		FROM settlements WHERE round_id = $1`
	var (
		s     domain.Settlement
		price *int64
	)
	err := r.db.QueryRow(ctx, query, roundID).Scan(
		&s.RoundID, &s.Outcome, &price, &s.Model, (*int64)(&s.PoolValue), (*int64)(&s.TotalBase),
		(*int64)(&s.TotalBonus), (*int64)(&s.PlatformMargin), (*int64)(&s.HouseRetained),
		(*int64)(&s.FeesCollected), &s.Winners, &s.Losers, &s.Refunds, &s.SettledAt,
	)
	if err != nil {
		return domain.Settlement{}, mapErr(err, "get settlement %s", roundID)
	}
	s.SettlementPrice = amountPtr(price)
	s.SettledAt = s.SettledAt.UTC()
	return s, nil
}

// ListPayouts returns the payouts of a round.
func (r reader) ListPayouts(ctx context.Context, roundID string) ([]domain.Payout, error) {
	const query = `
		SELECT id, round_id, position_id, user_id, kind, base, multiplier, bonus, total, created_at
		FROM payouts WHERE round_id = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Query(ctx, query, roundID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payouts %s: %w", roundID, err)
	}
	defer rows.Close()

	payouts := make([]domain.Payout, 0)
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(
			&p.ID, &p.RoundID, &p.PositionID, &p.UserID, &p.Kind, (*int64)(&p.Base),
			(*int64)(&p.Multiplier), (*int64)(&p.Bonus), (*int64)(&p.Total), &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan payout: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payouts rows: %w", err)
	}
	return payouts, nil
}

// InsertPayout records a payout; a position can be paid once.
func (t *tx) InsertPayout(ctx context.Context, p domain.Payout) error {
	const query = `
		INSERT INTO payouts (id, round_id, position_id, user_id, kind, base, multiplier, bonus, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.db.Exec(ctx, query,
		p.ID, p.RoundID, p.PositionID, p.UserID, string(p.Kind), int64(p.Base),
		int64(p.Multiplier), int64(p.Bonus), int64(p.Total), p.CreatedAt,
	)
	if err != nil {
		return mapErr(err, "insert payout for position %s", p.PositionID)
	}
	return nil
}

// InsertSettlement records the settlement summary of a round.
func (t *tx) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	const query = `
		INSERT INTO settlements (
			round_id, outcome, settlement_price, model, pool_value, total_base, total_bonus,
			platform_margin, house_retained, fees_collected, winners, losers, refunds, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := t.db.Exec(ctx, query,
		s.RoundID, string(s.Outcome), nullAmount(s.SettlementPrice), string(s.Model),
		int64(s.PoolValue), int64(s.TotalBase), int64(s.TotalBonus), int64(s.PlatformMargin),
		int64(s.HouseRetained), int64(s.FeesCollected), s.Winners, s.Losers, s.Refunds, s.SettledAt,
	)
	if err != nil {
		return mapErr(err, "insert settlement %s", s.RoundID)
	}
	return nil
}
