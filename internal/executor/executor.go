// Package executor applies user buy and sell requests to round pools. Every
// trade runs under its round's gate and inside one store transaction, so a
// request either fully executes or leaves no trace.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/roundamm/internal/amm"
	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/round"
)

// errDuplicate aborts a transaction whose request id was committed by a
// concurrent call.
var errDuplicate = errors.New("executor: duplicate request")

// BuyRequest spends Amount PTS on Side.
type BuyRequest struct {
	RequestID    string       `json:"request_id"`
	UserID       string       `json:"user_id"`
	RoundID      string       `json:"round_id"`
	Side         domain.Side  `json:"side"`
	Amount       fixed.Amount `json:"amount"`
	MinSharesOut fixed.Amount `json:"min_shares_out"`
}

// SellRequest returns Shares of Side to the pool.
type SellRequest struct {
	RequestID    string       `json:"request_id"`
	UserID       string       `json:"user_id"`
	RoundID      string       `json:"round_id"`
	Side         domain.Side  `json:"side"`
	Shares       fixed.Amount `json:"shares"`
	MinAmountOut fixed.Amount `json:"min_amount_out"`
}

// Options tunes an Executor.
type Options struct {
	MaxRetries      int
	ReplayTTL       time.Duration
	CleanupInterval time.Duration
}

// Executor executes trades.
type Executor struct {
	store      domain.Store
	gates      *round.Gates
	bus        domain.SignalBus
	clock      clock.Clock
	replay     *ReplayCache
	maxRetries int
	cleanup    time.Duration
	logger     *slog.Logger
}

// NewExecutor creates an Executor. bus may be nil, in which case no price
// events are published.
func NewExecutor(store domain.Store, gates *round.Gates, bus domain.SignalBus, clk clock.Clock, opts Options, logger *slog.Logger) *Executor {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 10 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	return &Executor{
		store:      store,
		gates:      gates,
		bus:        bus,
		clock:      clk,
		replay:     NewReplayCache(opts.ReplayTTL, clk),
		maxRetries: opts.MaxRetries,
		cleanup:    opts.CleanupInterval,
		logger:     logger.With(slog.String("component", "executor")),
	}
}

// Run prunes the replay cache until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.cleanup):
			if n := e.replay.Cleanup(); n > 0 {
				e.logger.Debug("replay cache pruned", slog.Int("removed", n))
			}
		}
	}
}

// Buy executes req.
func (e *Executor) Buy(ctx context.Context, req BuyRequest) (domain.TradeResult, error) {
	if err := validateIDs(req.RequestID, req.UserID, req.RoundID); err != nil {
		return domain.TradeResult{}, err
	}
	if !req.Side.Valid() {
		return domain.TradeResult{}, domain.ErrInvalidSide
	}
	if !req.Amount.IsPositive() {
		return domain.TradeResult{}, domain.ErrInvalidInput.With("amount must be positive")
	}
	if req.MinSharesOut < 0 {
		return domain.TradeResult{}, domain.ErrInvalidInput.With("min_shares_out must not be negative")
	}
	r, err := e.store.GetRound(ctx, req.RoundID)
	if err != nil {
		return domain.TradeResult{}, roundErr(req.RoundID, err)
	}
	cfg := r.Config
	if req.Amount < cfg.MinBet || req.Amount > cfg.MaxBet {
		return domain.TradeResult{}, domain.ErrInvalidInput.With("amount %s outside [%s, %s]", req.Amount, cfg.MinBet, cfg.MaxBet)
	}

	key := replayKey{requestID: req.RequestID, userID: req.UserID, roundID: r.ID, action: domain.ActionBuy}
	return e.execute(ctx, key, r, func(ctx context.Context, tx domain.Tx) (domain.TradeResult, error) {
		return e.buyTx(ctx, tx, req)
	})
}

// Sell executes req.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (domain.TradeResult, error) {
	if err := validateIDs(req.RequestID, req.UserID, req.RoundID); err != nil {
		return domain.TradeResult{}, err
	}
	if !req.Side.Valid() {
		return domain.TradeResult{}, domain.ErrInvalidSide
	}
	if !req.Shares.IsPositive() {
		return domain.TradeResult{}, domain.ErrInvalidInput.With("shares must be positive")
	}
	if req.MinAmountOut < 0 {
		return domain.TradeResult{}, domain.ErrInvalidInput.With("min_amount_out must not be negative")
	}
	r, err := e.store.GetRound(ctx, req.RoundID)
	if err != nil {
		return domain.TradeResult{}, roundErr(req.RoundID, err)
	}

	key := replayKey{requestID: req.RequestID, userID: req.UserID, roundID: r.ID, action: domain.ActionSell}
	return e.execute(ctx, key, r, func(ctx context.Context, tx domain.Tx) (domain.TradeResult, error) {
		return e.sellTx(ctx, tx, req)
	})
}

// execute runs the shared replay, gate, retry and publish steps around apply.
func (e *Executor) execute(ctx context.Context, key replayKey, r domain.Round,
	apply func(context.Context, domain.Tx) (domain.TradeResult, error)) (domain.TradeResult, error) {
	requestID := key.requestID
	log := e.logger.With(
		slog.String("request", requestID),
		slog.String("user", key.userID),
		slog.String("round", r.ID),
	)

	if res, ok, err := e.lookupReplay(ctx, key); err != nil || ok {
		return res, err
	}

	release, err := e.gates.Acquire(ctx, r.ID)
	if err != nil {
		return domain.TradeResult{}, err
	}
	res, err := e.underGate(ctx, requestID, r.ID, apply, log)
	release()
	if err != nil {
		if errors.Is(err, errDuplicate) {
			res, _, err = e.lookupReplay(ctx, key)
			return res, err
		}
		return domain.TradeResult{}, err
	}

	e.replay.Put(requestID, res)
	e.publishPrice(ctx, r.Category, res.Pool)
	log.Info("trade executed",
		slog.String("action", string(res.Trade.Action)),
		slog.String("side", string(res.Trade.Side)),
		slog.String("in", res.Trade.AmountIn.String()),
		slog.String("out", res.Trade.AmountOut.String()),
		slog.Int64("pool_version", res.Pool.Version),
	)
	return res, nil
}

func (e *Executor) underGate(ctx context.Context, requestID, roundID string,
	apply func(context.Context, domain.Tx) (domain.TradeResult, error), log *slog.Logger) (domain.TradeResult, error) {
	r, err := e.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.TradeResult{}, roundErr(roundID, err)
	}
	if err := e.checkOpen(r); err != nil {
		return domain.TradeResult{}, err
	}

	var res domain.TradeResult
	for attempt := 1; ; attempt++ {
		err = e.store.InTx(ctx, func(tx domain.Tx) error {
			var err error
			res, err = apply(ctx, tx)
			return err
		})
		if err == nil || errors.Is(err, errDuplicate) || !domain.Retryable(err) {
			return res, err
		}
		if attempt >= e.maxRetries || ctx.Err() != nil {
			break
		}
		log.Warn("trade attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	log.Error("trade failed", slog.String("request", requestID), slog.String("error", err.Error()))
	return domain.TradeResult{}, domain.ErrTradeFailed.Wrap(err)
}

func (e *Executor) buyTx(ctx context.Context, tx domain.Tx, req BuyRequest) (domain.TradeResult, error) {
	pool, err := e.lockPool(ctx, tx, req.RoundID)
	if err != nil {
		return domain.TradeResult{}, err
	}
	q, err := amm.QuoteBuy(pool, req.Side, req.Amount)
	if err != nil {
		return domain.TradeResult{}, err
	}
	if q.AmountOut < req.MinSharesOut {
		return domain.TradeResult{}, domain.ErrSlippageExceeded.With("%s shares below minimum %s", q.AmountOut, req.MinSharesOut)
	}
	bal, err := tx.Debit(ctx, req.UserID, req.Amount)
	if err != nil {
		return domain.TradeResult{}, err
	}
	next, err := e.commitPool(ctx, tx, pool, q)
	if err != nil {
		return domain.TradeResult{}, err
	}

	now := e.clock.Now()
	pos, err := tx.GetOpenPosition(ctx, req.UserID, req.RoundID, req.Side)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.Position{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			RoundID:   req.RoundID,
			Side:      req.Side,
			Shares:    q.AmountOut,
			CostBasis: req.Amount,
			Status:    domain.PositionOpen,
			OpenedAt:  now,
			UpdatedAt: now,
		}
		if err := tx.CreatePosition(ctx, pos); err != nil {
			return domain.TradeResult{}, fmt.Errorf("executor: create position: %w", err)
		}
	case err != nil:
		return domain.TradeResult{}, fmt.Errorf("executor: load position: %w", err)
	default:
		pos.Shares += q.AmountOut
		pos.CostBasis += req.Amount
		pos.UpdatedAt = now
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return domain.TradeResult{}, fmt.Errorf("executor: update position: %w", err)
		}
	}

	trade, err := e.recordTrade(ctx, tx, req.RequestID, req.UserID, pos.ID, q, now)
	if err != nil {
		return domain.TradeResult{}, err
	}
	return domain.TradeResult{Trade: trade, Position: pos, Pool: next, Balance: bal}, nil
}

func (e *Executor) sellTx(ctx context.Context, tx domain.Tx, req SellRequest) (domain.TradeResult, error) {
	pool, err := e.lockPool(ctx, tx, req.RoundID)
	if err != nil {
		return domain.TradeResult{}, err
	}
	pos, err := tx.GetOpenPosition(ctx, req.UserID, req.RoundID, req.Side)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TradeResult{}, domain.ErrInsufficientShares.With("no open %s position", req.Side)
	}
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: load position: %w", err)
	}
	if pos.Shares < req.Shares {
		return domain.TradeResult{}, domain.ErrInsufficientShares.With("holding %s, selling %s", pos.Shares, req.Shares)
	}
	q, err := amm.QuoteSell(pool, req.Side, req.Shares)
	if err != nil {
		return domain.TradeResult{}, err
	}
	if q.AmountOut < req.MinAmountOut {
		return domain.TradeResult{}, domain.ErrSlippageExceeded.With("%s PTS below minimum %s", q.AmountOut, req.MinAmountOut)
	}
	next, err := e.commitPool(ctx, tx, pool, q)
	if err != nil {
		return domain.TradeResult{}, err
	}
	bal, err := tx.Credit(ctx, req.UserID, q.AmountOut)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: credit: %w", err)
	}

	released, err := releasedCost(pos, req.Shares)
	if err != nil {
		return domain.TradeResult{}, err
	}
	now := e.clock.Now()
	pos.Shares -= req.Shares
	pos.CostBasis -= released
	pos.Proceeds += q.AmountOut
	pos.UpdatedAt = now
	if pos.Shares == 0 {
		pos.Status = domain.PositionClosed
		pos.ClosedAt = &now
	}
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: update position: %w", err)
	}

	trade, err := e.recordTrade(ctx, tx, req.RequestID, req.UserID, pos.ID, q, now)
	if err != nil {
		return domain.TradeResult{}, err
	}
	return domain.TradeResult{Trade: trade, Position: pos, Pool: next, Balance: bal}, nil
}

// releasedCost is the cost basis attributed to shares sold from pos.
func releasedCost(pos domain.Position, shares fixed.Amount) (fixed.Amount, error) {
	if shares == pos.Shares {
		return pos.CostBasis, nil
	}
	v, err := fixed.MulDiv(int64(pos.CostBasis), int64(shares), int64(pos.Shares), fixed.Floor)
	if err != nil {
		return 0, fmt.Errorf("executor: cost basis: %w", err)
	}
	return fixed.Amount(v), nil
}

// lockPool re-checks the round inside the transaction and loads its pool.
func (e *Executor) lockPool(ctx context.Context, tx domain.Tx, roundID string) (domain.Pool, error) {
	r, err := tx.LockRoundShared(ctx, roundID)
	if err != nil {
		return domain.Pool{}, roundErr(roundID, err)
	}
	if err := e.checkOpen(r); err != nil {
		return domain.Pool{}, err
	}
	pool, err := tx.GetPool(ctx, roundID)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("executor: load pool %s: %w", roundID, err)
	}
	return pool, nil
}

func (e *Executor) commitPool(ctx context.Context, tx domain.Tx, pool domain.Pool, q domain.Quote) (domain.Pool, error) {
	next, err := amm.Apply(pool, q)
	if err != nil {
		return domain.Pool{}, err
	}
	next.UpdatedAt = e.clock.Now()
	if err := tx.UpdatePool(ctx, next, pool.Version); err != nil {
		return domain.Pool{}, fmt.Errorf("executor: update pool: %w", err)
	}
	return next, nil
}

func (e *Executor) recordTrade(ctx context.Context, tx domain.Tx, requestID, userID, positionID string, q domain.Quote, now time.Time) (domain.Trade, error) {
	trade := domain.Trade{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		UserID:      userID,
		RoundID:     q.RoundID,
		PositionID:  positionID,
		Side:        q.Side,
		Action:      q.Action,
		AmountIn:    q.AmountIn,
		AmountOut:   q.AmountOut,
		Fee:         q.Fee,
		AvgPrice:    q.AvgPrice,
		PriceBefore: q.PriceBefore,
		PriceAfter:  q.PriceAfter,
		PoolVersion: q.Next.Version,
		ExecutedAt:  now,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Trade{}, errDuplicate
		}
		return domain.Trade{}, fmt.Errorf("executor: insert trade: %w", err)
	}
	return trade, nil
}

// checkOpen enforces the betting window against the injected clock.
func (e *Executor) checkOpen(r domain.Round) error {
	if r.Status != domain.RoundBetting {
		return domain.ErrRoundLocked.With("round %s is %s", r.ID, r.Status)
	}
	if !e.clock.Now().Before(r.LockTime) {
		return domain.ErrRoundLocked.With("round %s locked at %s", r.ID, r.LockTime.Format(time.RFC3339Nano))
	}
	return nil
}

// replayKey identifies what a request id was first used for.
type replayKey struct {
	requestID string
	userID    string
	roundID   string
	action    domain.TradeAction
}

// check rejects reuse of a request id for another user, round or action.
func (k replayKey) check(t domain.Trade) error {
	switch {
	case t.UserID != k.userID:
		return domain.ErrInvalidInput.With("request id %q belongs to another user", k.requestID)
	case t.RoundID != k.roundID:
		return domain.ErrInvalidInput.With("request id %q was used for round %s", k.requestID, t.RoundID)
	case t.Action != k.action:
		return domain.ErrInvalidInput.With("request id %q was used for a %s", k.requestID, t.Action)
	}
	return nil
}

// lookupReplay answers a request that already executed, first from memory
// and then from the store.
func (e *Executor) lookupReplay(ctx context.Context, key replayKey) (domain.TradeResult, bool, error) {
	requestID := key.requestID
	if res, ok := e.replay.Get(requestID); ok {
		if err := key.check(res.Trade); err != nil {
			return domain.TradeResult{}, false, err
		}
		return res, true, nil
	}
	trade, err := e.store.GetTradeByRequest(ctx, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TradeResult{}, false, nil
	}
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("executor: replay lookup: %w", err)
	}
	if err := key.check(trade); err != nil {
		return domain.TradeResult{}, false, err
	}

	pos, err := e.store.GetPosition(ctx, trade.PositionID)
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("executor: replay position: %w", err)
	}
	pool, err := e.store.GetPool(ctx, trade.RoundID)
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("executor: replay pool: %w", err)
	}
	bal, err := e.store.GetBalance(ctx, key.userID)
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("executor: replay balance: %w", err)
	}
	res := domain.TradeResult{Trade: trade, Position: pos, Pool: pool, Balance: bal}
	e.replay.Put(requestID, res)
	res.Replayed = true
	return res, true, nil
}

func (e *Executor) publishPrice(ctx context.Context, category string, p domain.Pool) {
	if e.bus == nil {
		return
	}
	yes, no := amm.Prices(p)
	payload, err := json.Marshal(domain.PriceEvent{
		RoundID:    p.RoundID,
		Category:   category,
		YesPrice:   yes,
		NoPrice:    no,
		Volume:     p.Volume,
		TradeCount: p.TradeCount,
		Version:    p.Version,
		At:         e.clock.Now(),
	})
	if err != nil {
		e.logger.Error("marshal price event", slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, domain.PriceChannel(category), payload); err != nil {
		e.logger.Warn("publish price event failed", slog.String("round", p.RoundID), slog.String("error", err.Error()))
	}
}

func validateIDs(requestID, userID, roundID string) error {
	switch {
	case requestID == "":
		return domain.ErrInvalidInput.With("request_id is required")
	case userID == "":
		return domain.ErrInvalidInput.With("user_id is required")
	case roundID == "":
		return domain.ErrInvalidInput.With("round_id is required")
	}
	return nil
}

func roundErr(roundID string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrRoundNotFound.With("round %s not found", roundID)
	}
	return fmt.Errorf("executor: load round %s: %w", roundID, err)
}
