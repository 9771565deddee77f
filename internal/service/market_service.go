package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/roundamm/internal/amm"
	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/combo"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/round"
)

// RoundView is a round as seen by clients at a given instant.
type RoundView struct {
	Round       domain.Round
	CountdownMs int64
	CanBet      bool
}

// PoolView is a pool snapshot with implied prices.
type PoolView struct {
	Pool     domain.Pool
	YesPrice fixed.Amount
	NoPrice  fixed.Amount
}

// SettlementView is a settlement summary with its payouts.
type SettlementView struct {
	Settlement domain.Settlement
	Payouts    []domain.Payout
}

// MarketService serves the read side of the API: rounds, pools, quotes,
// positions, settlements and account state.
type MarketService struct {
	store  domain.Store
	rounds *round.Manager
	combo  *combo.Tracker
	bus    domain.SignalBus
	clock  clock.Clock
	logger *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	store domain.Store,
	rounds *round.Manager,
	tracker *combo.Tracker,
	bus domain.SignalBus,
	clk clock.Clock,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		store:  store,
		rounds: rounds,
		combo:  tracker,
		bus:    bus,
		clock:  clk,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

func (s *MarketService) view(r domain.Round) RoundView {
	now := s.clock.Now()
	return RoundView{
		Round:       r,
		CountdownMs: r.Countdown(now).Milliseconds(),
		CanBet:      r.AcceptsTradesAt(now),
	}
}

// CurrentRound returns the newest round of category.
func (s *MarketService) CurrentRound(ctx context.Context, category string) (RoundView, error) {
	if category == "" {
		return RoundView{}, domain.ErrInvalidInput.With("category is required")
	}
	r, err := s.rounds.Current(ctx, category)
	if err != nil {
		return RoundView{}, err
	}
	return s.view(r), nil
}

// GetRound returns one round.
func (s *MarketService) GetRound(ctx context.Context, id string) (RoundView, error) {
	r, err := s.store.GetRound(ctx, id)
	if err != nil {
		return RoundView{}, notFound(err, domain.ErrRoundNotFound, "round %s", id)
	}
	return s.view(r), nil
}

// ListRounds lists rounds of category, newest first.
func (s *MarketService) ListRounds(ctx context.Context, category string, opts domain.ListOpts) ([]RoundView, error) {
	rounds, err := s.store.ListRounds(ctx, category, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list rounds: %w", err)
	}
	out := make([]RoundView, len(rounds))
	for i, r := range rounds {
		out[i] = s.view(r)
	}
	return out, nil
}

// Pool returns the pool of a round with its implied prices.
func (s *MarketService) Pool(ctx context.Context, roundID string) (PoolView, error) {
	p, err := s.store.GetPool(ctx, roundID)
	if err != nil {
		return PoolView{}, notFound(err, domain.ErrResourceNotFound, "pool %s", roundID)
	}
	yes, no := amm.Prices(p)
	return PoolView{Pool: p, YesPrice: yes, NoPrice: no}, nil
}

// Quote previews a trade against the current pool. Only rounds open for
// betting can be quoted.
func (s *MarketService) Quote(ctx context.Context, roundID string, action domain.TradeAction, side domain.Side, amount fixed.Amount) (domain.Quote, error) {
	r, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Quote{}, notFound(err, domain.ErrRoundNotFound, "round %s", roundID)
	}
	if !r.AcceptsTradesAt(s.clock.Now()) {
		return domain.Quote{}, domain.ErrRoundLocked.With("round %s is %s", roundID, r.Status)
	}
	p, err := s.store.GetPool(ctx, roundID)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("market_service: pool %s: %w", roundID, err)
	}
	return amm.Quote(p, action, side, amount)
}

// Positions lists a user's positions, optionally limited to one round.
func (s *MarketService) Positions(ctx context.Context, userID, roundID string) ([]domain.Position, error) {
	if userID == "" {
		return nil, domain.ErrInvalidInput.With("user_id is required")
	}
	positions, err := s.store.ListPositions(ctx, userID, roundID)
	if err != nil {
		return nil, fmt.Errorf("market_service: positions: %w", err)
	}
	return positions, nil
}

// Trades lists a round's trades.
func (s *MarketService) Trades(ctx context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.store.ListTrades(ctx, roundID, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: trades: %w", err)
	}
	return trades, nil
}

// Settlement returns the settlement of a finished round.
func (s *MarketService) Settlement(ctx context.Context, roundID string) (SettlementView, error) {
	sum, err := s.store.GetSettlement(ctx, roundID)
	if err != nil {
		return SettlementView{}, notFound(err, domain.ErrResourceNotFound, "settlement %s", roundID)
	}
	payouts, err := s.store.ListPayouts(ctx, roundID)
	if err != nil {
		return SettlementView{}, fmt.Errorf("market_service: payouts: %w", err)
	}
	return SettlementView{Settlement: sum, Payouts: payouts}, nil
}

// Balance returns a user's PTS balance.
func (s *MarketService) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	b, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("market_service: balance: %w", err)
	}
	b.UserID = userID
	return b, nil
}

// Combo returns a user's win streak.
func (s *MarketService) Combo(ctx context.Context, userID string) (domain.ComboState, error) {
	return s.combo.Current(ctx, userID)
}

// Events replays the durable round-event stream after the given id.
func (s *MarketService) Events(ctx context.Context, after string, count int) ([]domain.StreamMessage, error) {
	if count <= 0 || count > 500 {
		count = 100
	}
	msgs, err := s.bus.StreamRead(ctx, domain.RoundEventStream, after, count)
	if err != nil {
		return nil, fmt.Errorf("market_service: events: %w", err)
	}
	return msgs, nil
}

// Grant credits amount PTS to a user and records an audit entry.
func (s *MarketService) Grant(ctx context.Context, userID string, amount fixed.Amount, reason string) (domain.Balance, error) {
	bal, err := GrantBalance(ctx, s.store, userID, amount, reason)
	if err != nil {
		return domain.Balance{}, err
	}
	s.logger.Info("balance granted", slog.String("user", userID), slog.String("amount", amount.String()))
	return bal, nil
}

// GrantBalance credits amount PTS to a user and records the audit entry in
// the same transaction.
func GrantBalance(ctx context.Context, store domain.Store, userID string, amount fixed.Amount, reason string) (domain.Balance, error) {
	if userID == "" {
		return domain.Balance{}, domain.ErrInvalidInput.With("user_id is required")
	}
	if !amount.IsPositive() {
		return domain.Balance{}, domain.ErrInvalidInput.With("amount must be positive")
	}
	var bal domain.Balance
	err := store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		if bal, err = tx.Credit(ctx, userID, amount); err != nil {
			return err
		}
		return tx.Audit(ctx, "balance_granted", map[string]any{
			"user_id": userID,
			"amount":  amount.String(),
			"reason":  reason,
		})
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("market_service: grant %s: %w", userID, err)
	}
	return bal, nil
}

func notFound(err error, kind *domain.Error, format string, args ...any) error {
	if errors.Is(err, domain.ErrNotFound) {
		return kind.With(format+" not found", args...)
	}
	return fmt.Errorf("market_service: "+format+": %w", append(args, err)...)
}
