// Package sqlite implements domain.Store on an embedded SQLite database for
// single-node deployments. The pool is pinned to one connection: SQLite has
// a single writer, and serialising every transaction on that connection
// gives the same isolation the row locks give on Postgres.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

//go:embed schema.sql
var schemaSQL string

// querier is the subset shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Store implements domain.Store on SQLite.
type Store struct {
	reader
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" yields a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{
		reader: reader{q: db},
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// InTx implements domain.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&tx{reader: reader{q: sqlTx}, now: s.now}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Log implements domain.AuditStore.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	return insertAudit(ctx, s.db, event, detail, s.now())
}

// List returns audit entries newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	since, until := window(opts)
	limit, offset := page(opts)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, detail, created_at FROM audit_log
		WHERE (? IS NULL OR created_at >= ?) AND (? IS NULL OR created_at < ?)
		ORDER BY id DESC LIMIT ? OFFSET ?`,
		since, since, until, until, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("sqlite: decode audit %d: %w", e.ID, err)
		}
		e.CreatedAt = fromNanos(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetConfig implements domain.AdminConfigStore.
func (s *Store) GetConfig(ctx context.Context, key string) (domain.AdminConfig, error) {
	var (
		cfg     = domain.AdminConfig{Key: key}
		raw     string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM admin_config WHERE key = ?`, key,
	).Scan(&raw, &updated)
	if err != nil {
		return domain.AdminConfig{}, notFound(err, "get config %s", key)
	}
	if err := json.Unmarshal([]byte(raw), &cfg.Value); err != nil {
		return domain.AdminConfig{}, fmt.Errorf("sqlite: decode config %s: %w", key, err)
	}
	cfg.UpdatedAt = fromNanos(updated)
	return cfg, nil
}

// PutConfig implements domain.AdminConfigStore.
func (s *Store) PutConfig(ctx context.Context, cfg domain.AdminConfig) error {
	raw, err := json.Marshal(cfg.Value)
	if err != nil {
		return fmt.Errorf("sqlite: encode config %s: %w", cfg.Key, err)
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		cfg.Key, string(raw), nanos(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: put config %s: %w", cfg.Key, err)
	}
	return nil
}

// reader serves domain.Reader from either the database or a transaction.
type reader struct {
	q querier
}

const roundCols = `id, category, sequence, open_time, lock_time, resolve_time, status,
	open_price, settlement_price, outcome, void_reason, config, created_at, updated_at, settled_at`

func scanRound(s scanner) (domain.Round, error) {
	var (
		r                        domain.Round
		openT, lockT, resolveT   int64
		created, updated         int64
		openPrice, settlePrice   sql.NullInt64
		settledAt                sql.NullInt64
		status, outcome, cfgJSON string
	)
	err := s.Scan(&r.ID, &r.Category, &r.Sequence, &openT, &lockT, &resolveT, &status,
		&openPrice, &settlePrice, &outcome, &r.VoidReason, &cfgJSON, &created, &updated, &settledAt)
	if err != nil {
		return domain.Round{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return domain.Round{}, fmt.Errorf("decode round config: %w", err)
	}
	r.OpenTime = fromNanos(openT)
	r.LockTime = fromNanos(lockT)
	r.ResolveTime = fromNanos(resolveT)
	r.Status = domain.RoundStatus(status)
	r.Outcome = domain.Outcome(outcome)
	r.OpenPrice = amountPtr(openPrice)
	r.SettlementPrice = amountPtr(settlePrice)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.SettledAt = timePtr(settledAt)
	return r, nil
}

func (r reader) GetRound(ctx context.Context, id string) (domain.Round, error) {
	round, err := scanRound(r.q.QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE id = ?`, id))
	if err != nil {
		return domain.Round{}, notFound(err, "get round %s", id)
	}
	return round, nil
}

func (r reader) GetRoundBySlot(ctx context.Context, category string, openTime time.Time) (domain.Round, error) {
	round, err := scanRound(r.q.QueryRowContext(ctx,
		`SELECT `+roundCols+` FROM rounds WHERE category = ? AND open_time = ?`, category, nanos(openTime)))
	if err != nil {
		return domain.Round{}, notFound(err, "get round %s@%s", category, openTime)
	}
	return round, nil
}

func (r reader) ListRounds(ctx context.Context, category string, opts domain.ListOpts) ([]domain.Round, error) {
	since, until := window(opts)
	limit, offset := page(opts)
	return r.queryRounds(ctx, `
		SELECT `+roundCols+` FROM rounds
		WHERE (? = '' OR category = ?)
		  AND (? IS NULL OR open_time >= ?) AND (? IS NULL OR open_time < ?)
		ORDER BY open_time DESC, category ASC LIMIT ? OFFSET ?`,
		category, category, since, since, until, until, limit, offset)
}

func (r reader) ListActiveRounds(ctx context.Context) ([]domain.Round, error) {
	return r.queryRounds(ctx, `
		SELECT `+roundCols+` FROM rounds
		WHERE status IN (?, ?, ?)
		ORDER BY open_time ASC, category ASC`,
		string(domain.RoundBetting), string(domain.RoundLocked), string(domain.RoundSettling))
}

func (r reader) queryRounds(ctx context.Context, query string, args ...any) ([]domain.Round, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list rounds: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Round, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan round: %w", err)
		}
		out = append(out, round)
	}
	return out, rows.Err()
}

const poolCols = `round_id, yes_reserve, no_reserve, collateral, initial_liquidity, fees_collected,
	volume, trade_count, fee_bps, min_reserve, version, updated_at`

func (r reader) GetPool(ctx context.Context, roundID string) (domain.Pool, error) {
	var (
		p       domain.Pool
		updated int64
	)
	err := r.q.QueryRowContext(ctx, `SELECT `+poolCols+` FROM pools WHERE round_id = ?`, roundID).Scan(
		&p.RoundID, (*int64)(&p.YesReserve), (*int64)(&p.NoReserve), (*int64)(&p.Collateral),
		(*int64)(&p.InitialLiquidity), (*int64)(&p.FeesCollected), (*int64)(&p.Volume),
		&p.TradeCount, &p.FeeBps, (*int64)(&p.MinReserve), &p.Version, &updated,
	)
	if err != nil {
		return domain.Pool{}, notFound(err, "get pool %s", roundID)
	}
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

const positionCols = `id, user_id, round_id, side, shares, cost_basis, proceeds, payout, status,
	opened_at, updated_at, closed_at`

func scanPosition(s scanner) (domain.Position, error) {
	var (
		p               domain.Position
		side, status    string
		opened, updated int64
		closed          sql.NullInt64
	)
	err := s.Scan(&p.ID, &p.UserID, &p.RoundID, &side, (*int64)(&p.Shares), (*int64)(&p.CostBasis),
		(*int64)(&p.Proceeds), (*int64)(&p.Payout), &status, &opened, &updated, &closed)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.OpenedAt = fromNanos(opened)
	p.UpdatedAt = fromNanos(updated)
	p.ClosedAt = timePtr(closed)
	return p, nil
}

func (r reader) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(r.q.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if err != nil {
		return domain.Position{}, notFound(err, "get position %s", id)
	}
	return p, nil
}

func (r reader) ListPositions(ctx context.Context, userID, roundID string) ([]domain.Position, error) {
	return r.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions
		WHERE user_id = ? AND (? = '' OR round_id = ?)
		ORDER BY opened_at ASC, id ASC`, userID, roundID, roundID)
}

func (r reader) ListRoundPositions(ctx context.Context, roundID string) ([]domain.Position, error) {
	return r.queryPositions(ctx, `
		SELECT `+positionCols+` FROM positions WHERE round_id = ?
		ORDER BY opened_at ASC, id ASC`, roundID)
}

func (r reader) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r reader) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	var updated int64
	err := r.q.QueryRowContext(ctx,
		`SELECT amount, updated_at FROM balances WHERE user_id = ?`, userID,
	).Scan((*int64)(&b.Amount), &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("sqlite: get balance %s: %w", userID, err)
	}
	b.UpdatedAt = fromNanos(updated)
	return b, nil
}

func (r reader) GetCombo(ctx context.Context, userID string) (domain.ComboState, error) {
	c := domain.ComboState{UserID: userID}
	var last sql.NullInt64
	err := r.q.QueryRowContext(ctx, `
		SELECT combo, multiplier, best_combo, wins, losses, last_outcome_at
		FROM combos WHERE user_id = ?`, userID,
	).Scan(&c.Combo, (*int64)(&c.Multiplier), &c.BestCombo, &c.Wins, &c.Losses, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return c, nil
	}
	if err != nil {
		return domain.ComboState{}, fmt.Errorf("sqlite: get combo %s: %w", userID, err)
	}
	c.LastOutcomeAt = timePtr(last)
	return c, nil
}

const tradeCols = `id, request_id, user_id, round_id, position_id, side, action, amount_in, amount_out,
	fee, avg_price, price_before, price_after, pool_version, executed_at`

func scanTrade(s scanner) (domain.Trade, error) {
	var (
		t            domain.Trade
		side, action string
		executed     int64
	)
	err := s.Scan(&t.ID, &t.RequestID, &t.UserID, &t.RoundID, &t.PositionID, &side, &action,
		(*int64)(&t.AmountIn), (*int64)(&t.AmountOut), (*int64)(&t.Fee), (*int64)(&t.AvgPrice),
		(*int64)(&t.PriceBefore), (*int64)(&t.PriceAfter), &t.PoolVersion, &executed)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Action = domain.TradeAction(action)
	t.ExecutedAt = fromNanos(executed)
	return t, nil
}

func (r reader) GetTradeByRequest(ctx context.Context, requestID string) (domain.Trade, error) {
	t, err := scanTrade(r.q.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE request_id = ?`, requestID))
	if err != nil {
		return domain.Trade{}, notFound(err, "get trade %s", requestID)
	}
	return t, nil
}

func (r reader) ListTrades(ctx context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error) {
	since, until := window(opts)
	limit, offset := page(opts)
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE round_id = ?
		  AND (? IS NULL OR executed_at >= ?) AND (? IS NULL OR executed_at < ?)
		ORDER BY executed_at ASC, rowid ASC LIMIT ? OFFSET ?`,
		roundID, since, since, until, until, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r reader) GetSettlement(ctx context.Context, roundID string) (domain.Settlement, error) {
	var (
		s              domain.Settlement
		outcome, model string
		price          sql.NullInt64
		settled        int64
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT round_id, outcome, settlement_price, model, pool_value, total_base, total_bonus,
		       platform_margin, house_retained, fees_collected, winners, losers, refunds, settled_at
		FROM settlements WHERE round_id = ?`, roundID,
	).Scan(&s.RoundID, &outcome, &price, &model, (*int64)(&s.PoolValue), (*int64)(&s.TotalBase),
		(*int64)(&s.TotalBonus), (*int64)(&s.PlatformMargin), (*int64)(&s.HouseRetained),
		(*int64)(&s.FeesCollected), &s.Winners, &s.Losers, &s.Refunds, &settled)
	if err != nil {
		return domain.Settlement{}, notFound(err, "get settlement %s", roundID)
	}
	s.Outcome = domain.Outcome(outcome)
	s.Model = domain.PayoutModel(model)
	s.SettlementPrice = amountPtr(price)
	s.SettledAt = fromNanos(settled)
	return s, nil
}

func (r reader) ListPayouts(ctx context.Context, roundID string) ([]domain.Payout, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, round_id, position_id, user_id, kind, base, multiplier, bonus, total, created_at
		FROM payouts WHERE round_id = ?
		ORDER BY created_at ASC, id ASC`, roundID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list payouts: %w", err)
	}
	defer rows.Close()
	out := make([]domain.Payout, 0)
	for rows.Next() {
		var (
			p       domain.Payout
			kind    string
			created int64
		)
		if err := rows.Scan(&p.ID, &p.RoundID, &p.PositionID, &p.UserID, &kind, (*int64)(&p.Base),
			(*int64)(&p.Multiplier), (*int64)(&p.Bonus), (*int64)(&p.Total), &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan payout: %w", err)
		}
		p.Kind = domain.PayoutKind(kind)
		p.CreatedAt = fromNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, q querier, event string, detail map[string]any, at time.Time) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: encode audit %s: %w", event, err)
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(raw), nanos(at),
	); err != nil {
		return fmt.Errorf("sqlite: audit %s: %w", event, err)
	}
	return nil
}

// --- helpers ---

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullAmount(a *fixed.Amount) any {
	if a == nil {
		return nil
	}
	return int64(*a)
}

func amountPtr(v sql.NullInt64) *fixed.Amount {
	if !v.Valid {
		return nil
	}
	a := fixed.Amount(v.Int64)
	return &a
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}

func window(opts domain.ListOpts) (since, until any) {
	return nullNanos(opts.Since), nullNanos(opts.Until)
}

func page(opts domain.ListOpts) (limit, offset int) {
	limit = -1
	if opts.Limit > 0 {
		limit = opts.Limit
	}
	if opts.Offset > 0 {
		offset = opts.Offset
	}
	return limit, offset
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: "+format+": %w", append(args, domain.ErrNotFound)...)
	}
	return fmt.Errorf("sqlite: "+format+": %w", append(args, err)...)
}

// mapWriteErr turns constraint violations into domain sentinels.
func mapWriteErr(err error, format string, args ...any) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			err = domain.ErrAlreadyExists
		}
	}
	return fmt.Errorf("sqlite: "+format+": %w", append(args, err)...)
}
