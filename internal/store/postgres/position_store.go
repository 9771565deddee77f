package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

const positionSelectCols = `id, user_id, round_id, side, shares, cost_basis, proceeds, payout,
	status, opened_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.RoundID, &p.Side, (*int64)(&p.Shares), (*int64)(&p.CostBasis),
		(*int64)(&p.Proceeds), (*int64)(&p.Payout), &p.Status, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.OpenedAt = p.OpenedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.ClosedAt = utcPtr(p.ClosedAt)
	return p, nil
}

// GetPosition returns a position by id.
func (r reader) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(r.db.QueryRow(ctx, `SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return domain.Position{}, mapErr(err, "get position %s", id)
	}
	return p, nil
}

// ListPositions returns a user's positions, optionally limited to a round.
func (r reader) ListPositions(ctx context.Context, userID, roundID string) ([]domain.Position, error) {
	const query = `SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id = $1 AND ($2 = '' OR round_id = $2)
		ORDER BY opened_at ASC, id ASC`
	return r.queryPositions(ctx, query, userID, roundID)
}

// ListRoundPositions returns every position of a round.
func (r reader) ListRoundPositions(ctx context.Context, roundID string) ([]domain.Position, error) {
	const query = `SELECT ` + positionSelectCols + ` FROM positions
		WHERE round_id = $1
		ORDER BY opened_at ASC, id ASC`
	return r.queryPositions(ctx, query, roundID)
}

func (r reader) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}

// GetOpenPosition returns the open position of (user, round, side) locked
// for update.
func (t *tx) GetOpenPosition(ctx context.Context, userID, roundID string, side domain.Side) (domain.Position, error) {
	const query = `SELECT ` + positionSelectCols + ` FROM positions
		WHERE user_id = $1 AND round_id = $2 AND side = $3 AND status = 'open'
		FOR UPDATE`
	p, err := scanPosition(t.db.QueryRow(ctx, query, userID, roundID, string(side)))
	if err != nil {
		return domain.Position{}, mapErr(err, "get open position %s/%s/%s", userID, roundID, side)
	}
	return p, nil
}

// CreatePosition inserts a position. A second open position for the same
// (user, round, side) violates idx_positions_open.
func (t *tx) CreatePosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (` + positionSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := t.db.Exec(ctx, query,
		p.ID, p.UserID, p.RoundID, string(p.Side), int64(p.Shares), int64(p.CostBasis),
		int64(p.Proceeds), int64(p.Payout), string(p.Status), p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return mapErr(err, "create position %s", p.ID)
	}
	return nil
}

// UpdatePosition writes the mutable columns of a position.
func (t *tx) UpdatePosition(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			shares     = $2,
			cost_basis = $3,
			proceeds   = $4,
			payout     = $5,
			status     = $6,
			updated_at = $7,
			closed_at  = $8
		WHERE id = $1`
	tag, err := t.db.Exec(ctx, query,
		p.ID, int64(p.Shares), int64(p.CostBasis), int64(p.Proceeds), int64(p.Payout),
		string(p.Status), p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return mapErr(err, "update position %s", p.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}
