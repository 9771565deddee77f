package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RoundReader reads rounds.
type RoundReader interface {
	GetRound(ctx context.Context, id string) (Round, error)
	GetRoundBySlot(ctx context.Context, category string, openTime time.Time) (Round, error)
	// ListRounds returns rounds of category, newest first. An empty category
	// lists every category.
	ListRounds(ctx context.Context, category string, opts ListOpts) ([]Round, error)
	// ListActiveRounds returns every non-terminal round ordered by open time.
	ListActiveRounds(ctx context.Context) ([]Round, error)
}

// PoolReader reads pools.
type PoolReader interface {
	GetPool(ctx context.Context, roundID string) (Pool, error)
}

// PositionReader reads positions.
type PositionReader interface {
	GetPosition(ctx context.Context, id string) (Position, error)
	// ListPositions returns the positions of userID, optionally limited to
	// roundID.
	ListPositions(ctx context.Context, userID, roundID string) ([]Position, error)
	ListRoundPositions(ctx context.Context, roundID string) ([]Position, error)
}

// AccountReader reads balances and combo state. Missing rows read as zero
// values rather than ErrNotFound.
type AccountReader interface {
	GetBalance(ctx context.Context, userID string) (Balance, error)
	GetCombo(ctx context.Context, userID string) (ComboState, error)
}

// TradeReader reads executed trades.
type TradeReader interface {
	GetTradeByRequest(ctx context.Context, requestID string) (Trade, error)
	ListTrades(ctx context.Context, roundID string, opts ListOpts) ([]Trade, error)
}

// SettlementReader reads settlement results.
type SettlementReader interface {
	GetSettlement(ctx context.Context, roundID string) (Settlement, error)
	ListPayouts(ctx context.Context, roundID string) ([]Payout, error)
}

// Reader is the read surface shared by Store and Tx.
type Reader interface {
	RoundReader
	PoolReader
	PositionReader
	AccountReader
	TradeReader
	SettlementReader
}

// Tx is a unit of work. Reads through a Tx observe its own writes.
type Tx interface {
	Reader

	// LockRoundShared reads a round and holds it against concurrent status
	// changes for the rest of the transaction.
	LockRoundShared(ctx context.Context, id string) (Round, error)
	// LockRoundExclusive reads a round for a status change.
	LockRoundExclusive(ctx context.Context, id string) (Round, error)
	LatestSequence(ctx context.Context, category string) (int64, error)
	CreateRound(ctx context.Context, r Round) error
	UpdateRound(ctx context.Context, r Round) error

	CreatePool(ctx context.Context, p Pool) error
	// UpdatePool writes p if the stored version still equals prevVersion,
	// otherwise it returns ErrConflict.
	UpdatePool(ctx context.Context, p Pool, prevVersion int64) error

	// GetOpenPosition returns the open position for (user, round, side) or
	// ErrNotFound.
	GetOpenPosition(ctx context.Context, userID, roundID string, side Side) (Position, error)
	CreatePosition(ctx context.Context, p Position) error
	UpdatePosition(ctx context.Context, p Position) error

	// Debit removes amount from userID's balance or returns
	// ErrInsufficientBalance.
	Debit(ctx context.Context, userID string, amount fixed.Amount) (Balance, error)
	// Credit adds amount, creating the balance row if needed.
	Credit(ctx context.Context, userID string, amount fixed.Amount) (Balance, error)

	// InsertTrade returns ErrAlreadyExists on a duplicate request id.
	InsertTrade(ctx context.Context, t Trade) error
	SaveCombo(ctx context.Context, c ComboState) error
	// InsertPayout returns ErrAlreadyExists if the position was already paid.
	InsertPayout(ctx context.Context, p Payout) error
	InsertSettlement(ctx context.Context, s Settlement) error
	Audit(ctx context.Context, event string, detail map[string]any) error
}

// Store is the transactional system of record.
type Store interface {
	Reader
	AuditStore
	AdminConfigStore

	// InTx runs fn in a transaction, committing if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
