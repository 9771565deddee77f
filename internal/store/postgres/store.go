package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements domain.Store on PostgreSQL.
type Store struct {
	reader
	client *Client
	now    func() time.Time
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a Store on client's pool.
func NewStore(client *Client) *Store {
	return &Store{
		reader: reader{db: client.Pool()},
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// InTx runs fn in a READ COMMITTED transaction. Serialization failures and
// deadlocks surface as domain.ErrConflict so callers can retry.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	pgTx, err := s.client.Pool().BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgTx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgTx.Rollback(ctx)
		}
	}()

	if err = fn(&tx{reader: reader{db: pgTx}, now: s.now}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// reader serves domain.Reader from either the pool or a transaction.
type reader struct {
	db dbtx
}

// tx implements domain.Tx.
type tx struct {
	reader
	now func() time.Time
}

var _ domain.Tx = (*tx)(nil)

// mapErr translates driver errors into domain sentinels.
func mapErr(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			err = domain.ErrAlreadyExists
		case "40001", "40P01", "55P03":
			err = fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.Message)
		}
	}
	return fmt.Errorf("postgres: "+format+": %w", append(args, err)...)
}

func nullAmount(a *fixed.Amount) *int64 {
	if a == nil {
		return nil
	}
	v := int64(*a)
	return &v
}

func amountPtr(v *int64) *fixed.Amount {
	if v == nil {
		return nil
	}
	a := fixed.Amount(*v)
	return &a
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// listQuery appends the optional time window and pagination of opts to
// query, numbering placeholders after args.
func listQuery(query, column, order string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND %s >= $%d", column, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND %s < $%d", column, len(args))
	}
	query += " ORDER BY " + order
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
