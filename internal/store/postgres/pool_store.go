package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

const poolSelectCols = `round_id, yes_reserve, no_reserve, collateral, initial_liquidity,
	fees_collected, volume, trade_count, fee_bps, min_reserve, version, updated_at`

// GetPool returns the pool of a round.
func (r reader) GetPool(ctx context.Context, roundID string) (domain.Pool, error) {
	var p domain.Pool
	err := r.db.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM pools WHERE round_id = $1`, roundID).Scan(
		&p.RoundID, (*int64)(&p.YesReserve), (*int64)(&p.NoReserve), (*int64)(&p.Collateral),
		(*int64)(&p.InitialLiquidity), (*int64)(&p.FeesCollected), (*int64)(&p.Volume),
		&p.TradeCount, &p.FeeBps, (*int64)(&p.MinReserve), &p.Version, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Pool{}, mapErr(err, "get pool %s", roundID)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// CreatePool inserts the seed pool of a round.
func (t *tx) CreatePool(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (` + poolSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := t.db.Exec(ctx, query,
		p.RoundID, int64(p.YesReserve), int64(p.NoReserve), int64(p.Collateral),
		int64(p.InitialLiquidity), int64(p.FeesCollected), int64(p.Volume), p.TradeCount,
		p.FeeBps, int64(p.MinReserve), p.Version, p.UpdatedAt,
	)
	if err != nil {
		return mapErr(err, "create pool %s", p.RoundID)
	}
	return nil
}

// UpdatePool writes p if the stored version is still prevVersion.
func (t *tx) UpdatePool(ctx context.Context, p domain.Pool, prevVersion int64) error {
	const query = `
		UPDATE pools SET
			yes_reserve    = $2,
			no_reserve     = $3,
			collateral     = $4,
			fees_collected = $5,
			volume         = $6,
			trade_count    = $7,
			version        = $8,
			updated_at     = $9
		WHERE round_id = $1 AND version = $10`
	tag, err := t.db.Exec(ctx, query,
		p.RoundID, int64(p.YesReserve), int64(p.NoReserve), int64(p.Collateral),
		int64(p.FeesCollected), int64(p.Volume), p.TradeCount, p.Version, p.UpdatedAt, prevVersion,
	)
	if err != nil {
		return mapErr(err, "update pool %s", p.RoundID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := t.GetPool(ctx, p.RoundID); errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return fmt.Errorf("postgres: pool %s moved past version %d: %w", p.RoundID, prevVersion, domain.ErrConflict)
}
