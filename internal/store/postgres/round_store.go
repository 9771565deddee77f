package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

const roundSelectCols = `id, category, sequence, open_time, lock_time, resolve_time, status,
	open_price, settlement_price, outcome, void_reason, config, created_at, updated_at, settled_at`

func scanRound(row pgx.Row) (domain.Round, error) {
	var (
		r           domain.Round
		openPrice   *int64
		settlePrice *int64
		configJSON  []byte
	)
	err := row.Scan(
		&r.ID, &r.Category, &r.Sequence, &r.OpenTime, &r.LockTime, &r.ResolveTime, &r.Status,
		&openPrice, &settlePrice, &r.Outcome, &r.VoidReason, &configJSON,
		&r.CreatedAt, &r.UpdatedAt, &r.SettledAt,
	)
	if err != nil {
		return domain.Round{}, err
	}
	if err := json.Unmarshal(configJSON, &r.Config); err != nil {
		return domain.Round{}, fmt.Errorf("unmarshal round config: %w", err)
	}
	r.OpenTime = r.OpenTime.UTC()
	r.LockTime = r.LockTime.UTC()
	r.ResolveTime = r.ResolveTime.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	r.SettledAt = utcPtr(r.SettledAt)
	r.OpenPrice = amountPtr(openPrice)
	r.SettlementPrice = amountPtr(settlePrice)
	return r, nil
}

func (r reader) getRound(ctx context.Context, query, id string) (domain.Round, error) {
	round, err := scanRound(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return domain.Round{}, mapErr(err, "get round %s", id)
	}
	return round, nil
}

// GetRound returns a round by id.
func (r reader) GetRound(ctx context.Context, id string) (domain.Round, error) {
	return r.getRound(ctx, `SELECT `+roundSelectCols+` FROM rounds WHERE id = $1`, id)
}

// GetRoundBySlot returns the round of category opening at openTime.
func (r reader) GetRoundBySlot(ctx context.Context, category string, openTime time.Time) (domain.Round, error) {
	const query = `SELECT ` + roundSelectCols + ` FROM rounds WHERE category = $1 AND open_time = $2`
	round, err := scanRound(r.db.QueryRow(ctx, query, category, openTime))
	if err != nil {
		return domain.Round{}, mapErr(err, "get round %s@%s", category, openTime.Format(time.RFC3339))
	}
	return round, nil
}

// ListRounds returns rounds of category, newest first.
func (r reader) ListRounds(ctx context.Context, category string, opts domain.ListOpts) ([]domain.Round, error) {
	query := `SELECT ` + roundSelectCols + ` FROM rounds WHERE ($1 = '' OR category = $1)`
	query, args := listQuery(query, "open_time", "open_time DESC, category ASC", []any{category}, opts)
	return r.queryRounds(ctx, query, args...)
}

// ListActiveRounds returns every non-terminal round ordered by open time.
func (r reader) ListActiveRounds(ctx context.Context) ([]domain.Round, error) {
	const query = `SELECT ` + roundSelectCols + ` FROM rounds
		WHERE status IN ('betting', 'locked', 'settling')
		ORDER BY open_time ASC, category ASC`
	return r.queryRounds(ctx, query)
}

func (r reader) queryRounds(ctx context.Context, query string, args ...any) ([]domain.Round, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list rounds: %w", err)
	}
	defer rows.Close()

	rounds := make([]domain.Round, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rounds rows: %w", err)
	}
	return rounds, nil
}

// LockRoundShared reads the round FOR SHARE.
func (t *tx) LockRoundShared(ctx context.Context, id string) (domain.Round, error) {
	return t.getRound(ctx, `SELECT `+roundSelectCols+` FROM rounds WHERE id = $1 FOR SHARE`, id)
}

// LockRoundExclusive reads the round FOR UPDATE.
func (t *tx) LockRoundExclusive(ctx context.Context, id string) (domain.Round, error) {
	return t.getRound(ctx, `SELECT `+roundSelectCols+` FROM rounds WHERE id = $1 FOR UPDATE`, id)
}

// LatestSequence returns the highest sequence of category, or 0.
func (t *tx) LatestSequence(ctx context.Context, category string) (int64, error) {
	var seq int64
	err := t.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM rounds WHERE category = $1`, category,
	).Scan(&seq)
	if err != nil {
		return 0, mapErr(err, "latest sequence %s", category)
	}
	return seq, nil
}

// CreateRound inserts a round. A taken slot or sequence is ErrAlreadyExists.
func (t *tx) CreateRound(ctx context.Context, r domain.Round) error {
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("postgres: marshal round config: %w", err)
	}
	const query = `
		INSERT INTO rounds (` + roundSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = t.db.Exec(ctx, query,
		r.ID, r.Category, r.Sequence, r.OpenTime, r.LockTime, r.ResolveTime, string(r.Status),
		nullAmount(r.OpenPrice), nullAmount(r.SettlementPrice), string(r.Outcome), r.VoidReason,
		configJSON, r.CreatedAt, r.UpdatedAt, r.SettledAt,
	)
	if err != nil {
		return mapErr(err, "create round %s", r.ID)
	}
	return nil
}

// UpdateRound writes the mutable columns of a round.
func (t *tx) UpdateRound(ctx context.Context, r domain.Round) error {
	const query = `
		UPDATE rounds SET
			status           = $2,
			open_price       = $3,
			settlement_price = $4,
			outcome          = $5,
			void_reason      = $6,
			updated_at       = $7,
			settled_at       = $8
		WHERE id = $1`
	tag, err := t.db.Exec(ctx, query,
		r.ID, string(r.Status), nullAmount(r.OpenPrice), nullAmount(r.SettlementPrice),
		string(r.Outcome), r.VoidReason, r.UpdatedAt, r.SettledAt,
	)
	if err != nil {
		return mapErr(err, "update round %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update round %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}
