package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

const tradeSelectCols = `id, request_id, user_id, round_id, position_id, side, action,
	amount_in, amount_out, fee, avg_price, price_before, price_after, pool_version, executed_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	err := row.Scan(
		&t.ID, &t.RequestID, &t.UserID, &t.RoundID, &t.PositionID, &t.Side, &t.Action,
		(*int64)(&t.AmountIn), (*int64)(&t.AmountOut), (*int64)(&t.Fee), (*int64)(&t.AvgPrice),
		(*int64)(&t.PriceBefore), (*int64)(&t.PriceAfter), &t.PoolVersion, &t.ExecutedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.ExecutedAt = t.ExecutedAt.UTC()
	return t, nil
}

// GetTradeByRequest returns the trade recorded for an idempotency key.
func (r reader) GetTradeByRequest(ctx context.Context, requestID string) (domain.Trade, error) {
	t, err := scanTrade(r.db.QueryRow(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE request_id = $1`, requestID))
	if err != nil {
		return domain.Trade{}, mapErr(err, "get trade %s", requestID)
	}
	return t, nil
}

// ListTrades returns a round's trades in execution order.
func (r reader) ListTrades(ctx context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE round_id = $1`
	query, args := listQuery(query, "executed_at", "executed_at ASC, seq ASC", []any{roundID}, opts)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades %s: %w", roundID, err)
	}
	defer rows.Close()

	trades := make([]domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

// InsertTrade records an executed trade. A reused request id is
// ErrAlreadyExists.
func (t *tx) InsertTrade(ctx context.Context, tr domain.Trade) error {
	const query = `
		INSERT INTO trades (` + tradeSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := t.db.Exec(ctx, query,
		tr.ID, tr.RequestID, tr.UserID, tr.RoundID, tr.PositionID, string(tr.Side), string(tr.Action),
		int64(tr.AmountIn), int64(tr.AmountOut), int64(tr.Fee), int64(tr.AvgPrice),
		int64(tr.PriceBefore), int64(tr.PriceAfter), tr.PoolVersion, tr.ExecutedAt,
	)
	if err != nil {
		return mapErr(err, "insert trade %s", tr.RequestID)
	}
	return nil
}
