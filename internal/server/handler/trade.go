package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/executor"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Trader defines the methods that the trade handler requires.
type Trader interface {
	Buy(ctx context.Context, req executor.BuyRequest) (domain.TradeResult, error)
	Sell(ctx context.Context, req executor.SellRequest) (domain.TradeResult, error)
}

// TradeHandler serves the buy and sell endpoints.
type TradeHandler struct {
	trader Trader
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given trader and logger.
func NewTradeHandler(trader Trader, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trader: trader,
		logger: logHandler(logger, "trade"),
	}
}

type buyRequest struct {
	RequestID    string       `json:"request_id"`
	UserID       string       `json:"user_id"`
	Side         string       `json:"side"`
	Amount       fixed.Amount `json:"amount"`
	MinSharesOut fixed.Amount `json:"min_shares_out"`
}

type sellRequest struct {
	RequestID    string       `json:"request_id"`
	UserID       string       `json:"user_id"`
	Side         string       `json:"side"`
	Shares       fixed.Amount `json:"shares"`
	MinAmountOut fixed.Amount `json:"min_amount_out"`
}

// Buy spends PTS on one side of a round. Idempotent on request_id.
// POST /api/rounds/{id}/buy
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var body buyRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.trader.Buy(r.Context(), executor.BuyRequest{
		RequestID:    body.RequestID,
		UserID:       body.UserID,
		RoundID:      r.PathValue("id"),
		Side:         side,
		Amount:       body.Amount,
		MinSharesOut: body.MinSharesOut,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, tradeStatus(res), res)
}

// Sell returns shares of one side to the pool. Idempotent on request_id.
// POST /api/rounds/{id}/sell
func (h *TradeHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var body sellRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	res, err := h.trader.Sell(r.Context(), executor.SellRequest{
		RequestID:    body.RequestID,
		UserID:       body.UserID,
		RoundID:      r.PathValue("id"),
		Side:         side,
		Shares:       body.Shares,
		MinAmountOut: body.MinAmountOut,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, tradeStatus(res), res)
}

// tradeStatus is 201 for a new trade and 200 for a replay.
func tradeStatus(res domain.TradeResult) int {
	if res.Replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}
