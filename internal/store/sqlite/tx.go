package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

type tx struct {
	reader
	now func() time.Time
}

var _ domain.Tx = (*tx)(nil)

// The single connection already serialises transactions, so both lock
// flavours are plain reads.
func (t *tx) LockRoundShared(ctx context.Context, id string) (domain.Round, error) {
	return t.GetRound(ctx, id)
}

func (t *tx) LockRoundExclusive(ctx context.Context, id string) (domain.Round, error) {
	return t.GetRound(ctx, id)
}

func (t *tx) LatestSequence(ctx context.Context, category string) (int64, error) {
	var seq int64
	err := t.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM rounds WHERE category = ?`, category,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: latest sequence %s: %w", category, err)
	}
	return seq, nil
}

func (t *tx) CreateRound(ctx context.Context, r domain.Round) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("sqlite: encode round config: %w", err)
	}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO rounds (`+roundCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Category, r.Sequence, nanos(r.OpenTime), nanos(r.LockTime), nanos(r.ResolveTime),
		string(r.Status), nullAmount(r.OpenPrice), nullAmount(r.SettlementPrice), string(r.Outcome),
		r.VoidReason, string(cfg), nanos(r.CreatedAt), nanos(r.UpdatedAt), nullNanos(r.SettledAt))
	if err != nil {
		return mapWriteErr(err, "create round %s", r.ID)
	}
	return nil
}

func (t *tx) UpdateRound(ctx context.Context, r domain.Round) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE rounds SET status = ?, open_price = ?, settlement_price = ?, outcome = ?,
		       void_reason = ?, updated_at = ?, settled_at = ?
		WHERE id = ?`,
		string(r.Status), nullAmount(r.OpenPrice), nullAmount(r.SettlementPrice), string(r.Outcome),
		r.VoidReason, nanos(r.UpdatedAt), nullNanos(r.SettledAt), r.ID)
	return expectRow(res, err, "update round %s", r.ID)
}

func (t *tx) CreatePool(ctx context.Context, p domain.Pool) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO pools (`+poolCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RoundID, int64(p.YesReserve), int64(p.NoReserve), int64(p.Collateral),
		int64(p.InitialLiquidity), int64(p.FeesCollected), int64(p.Volume), p.TradeCount,
		p.FeeBps, int64(p.MinReserve), p.Version, nanos(p.UpdatedAt))
	if err != nil {
		return mapWriteErr(err, "create pool %s", p.RoundID)
	}
	return nil
}

func (t *tx) UpdatePool(ctx context.Context, p domain.Pool, prevVersion int64) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE pools SET yes_reserve = ?, no_reserve = ?, collateral = ?, fees_collected = ?,
		       volume = ?, trade_count = ?, version = ?, updated_at = ?
		WHERE round_id = ? AND version = ?`,
		int64(p.YesReserve), int64(p.NoReserve), int64(p.Collateral), int64(p.FeesCollected),
		int64(p.Volume), p.TradeCount, p.Version, nanos(p.UpdatedAt), p.RoundID, prevVersion)
	if err != nil {
		return fmt.Errorf("sqlite: update pool %s: %w", p.RoundID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := t.GetPool(ctx, p.RoundID); err != nil {
		return err
	}
	return fmt.Errorf("sqlite: pool %s moved past version %d: %w", p.RoundID, prevVersion, domain.ErrConflict)
}

func (t *tx) GetOpenPosition(ctx context.Context, userID, roundID string, side domain.Side) (domain.Position, error) {
	p, err := scanPosition(t.q.QueryRowContext(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND round_id = ? AND side = ? AND status = ?`,
		userID, roundID, string(side), string(domain.PositionOpen)))
	if err != nil {
		return domain.Position{}, notFound(err, "open position %s/%s/%s", userID, roundID, side)
	}
	return p, nil
}

func (t *tx) CreatePosition(ctx context.Context, p domain.Position) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO positions (`+positionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.RoundID, string(p.Side), int64(p.Shares), int64(p.CostBasis),
		int64(p.Proceeds), int64(p.Payout), string(p.Status), nanos(p.OpenedAt), nanos(p.UpdatedAt),
		nullNanos(p.ClosedAt))
	if err != nil {
		return mapWriteErr(err, "create position %s", p.ID)
	}
	return nil
}

func (t *tx) UpdatePosition(ctx context.Context, p domain.Position) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE positions SET shares = ?, cost_basis = ?, proceeds = ?, payout = ?, status = ?,
		       updated_at = ?, closed_at = ?
		WHERE id = ?`,
		int64(p.Shares), int64(p.CostBasis), int64(p.Proceeds), int64(p.Payout), string(p.Status),
		nanos(p.UpdatedAt), nullNanos(p.ClosedAt), p.ID)
	return expectRow(res, err, "update position %s", p.ID)
}

func (t *tx) Debit(ctx context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative debit %s", amount)
	}
	b := domain.Balance{UserID: userID, UpdatedAt: t.now()}
	err := t.q.QueryRowContext(ctx, `
		UPDATE balances SET amount = amount - ?, updated_at = ?
		WHERE user_id = ? AND amount >= ?
		RETURNING amount`,
		int64(amount), nanos(b.UpdatedAt), userID, int64(amount),
	).Scan((*int64)(&b.Amount))
	if errors.Is(err, sql.ErrNoRows) {
		cur, getErr := t.GetBalance(ctx, userID)
		if getErr != nil {
			return domain.Balance{}, getErr
		}
		return domain.Balance{}, domain.ErrInsufficientBalance.With("balance %s below %s", cur.Amount, amount)
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: debit %s: %w", userID, err)
	}
	return b, nil
}

func (t *tx) Credit(ctx context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative credit %s", amount)
	}
	cur, err := t.GetBalance(ctx, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	next, err := fixed.Add(cur.Amount, amount)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: credit %s: %w", userID, err)
	}
	b := domain.Balance{UserID: userID, Amount: next, UpdatedAt: t.now()}
	_, err = t.q.ExecContext(ctx, `
		INSERT INTO balances (user_id, amount, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`,
		userID, int64(b.Amount), nanos(b.UpdatedAt))
	if err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: credit %s: %w", userID, err)
	}
	return b, nil
}

func (t *tx) InsertTrade(ctx context.Context, tr domain.Trade) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.RequestID, tr.UserID, tr.RoundID, tr.PositionID, string(tr.Side), string(tr.Action),
		int64(tr.AmountIn), int64(tr.AmountOut), int64(tr.Fee), int64(tr.AvgPrice),
		int64(tr.PriceBefore), int64(tr.PriceAfter), tr.PoolVersion, nanos(tr.ExecutedAt))
	if err != nil {
		return mapWriteErr(err, "insert trade %s", tr.RequestID)
	}
	return nil
}

func (t *tx) SaveCombo(ctx context.Context, c domain.ComboState) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO combos (user_id, combo, multiplier, best_combo, wins, losses, last_outcome_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			combo = excluded.combo, multiplier = excluded.multiplier, best_combo = excluded.best_combo,
			wins = excluded.wins, losses = excluded.losses, last_outcome_at = excluded.last_outcome_at`,
		c.UserID, c.Combo, int64(c.Multiplier), c.BestCombo, c.Wins, c.Losses, nullNanos(c.LastOutcomeAt))
	if err != nil {
		return fmt.Errorf("sqlite: save combo %s: %w", c.UserID, err)
	}
	return nil
}

func (t *tx) InsertPayout(ctx context.Context, p domain.Payout) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO payouts (id, round_id, position_id, user_id, kind, base, multiplier, bonus, total, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RoundID, p.PositionID, p.UserID, string(p.Kind), int64(p.Base), int64(p.Multiplier),
		int64(p.Bonus), int64(p.Total), nanos(p.CreatedAt))
	if err != nil {
		return mapWriteErr(err, "insert payout for position %s", p.PositionID)
	}
	return nil
}

func (t *tx) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO settlements (round_id, outcome, settlement_price, model, pool_value, total_base,
			total_bonus, platform_margin, house_retained, fees_collected, winners, losers, refunds, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RoundID, string(s.Outcome), nullAmount(s.SettlementPrice), string(s.Model), int64(s.PoolValue),
		int64(s.TotalBase), int64(s.TotalBonus), int64(s.PlatformMargin), int64(s.HouseRetained),
		int64(s.FeesCollected), s.Winners, s.Losers, s.Refunds, nanos(s.SettledAt))
	if err != nil {
		return mapWriteErr(err, "insert settlement %s", s.RoundID)
	}
	return nil
}

func (t *tx) Audit(ctx context.Context, event string, detail map[string]any) error {
	return insertAudit(ctx, t.q, event, detail, t.now())
}

func expectRow(res sql.Result, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf("sqlite: "+format+": %w", append(args, err)...)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: "+format+": %w", append(args, domain.ErrNotFound)...)
	}
	return nil
}
