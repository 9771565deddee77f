package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/service"
)

// RoundService defines the methods that the round handler requires.
type RoundService interface {
	CurrentRound(ctx context.Context, category string) (service.RoundView, error)
	GetRound(ctx context.Context, id string) (service.RoundView, error)
	ListRounds(ctx context.Context, category string, opts domain.ListOpts) ([]service.RoundView, error)
	Pool(ctx context.Context, roundID string) (service.PoolView, error)
	Quote(ctx context.Context, roundID string, action domain.TradeAction, side domain.Side, amount fixed.Amount) (domain.Quote, error)
	Trades(ctx context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error)
	Settlement(ctx context.Context, roundID string) (service.SettlementView, error)
	Events(ctx context.Context, after string, count int) ([]domain.StreamMessage, error)
}

// RoundHandler serves round, pool, quote and settlement endpoints.
type RoundHandler struct {
	rounds RoundService
	logger *slog.Logger
}

// NewRoundHandler creates a RoundHandler with the given service and logger.
func NewRoundHandler(rounds RoundService, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds: rounds,
		logger: logHandler(logger, "round"),
	}
}

// RoundResponse is the client view of a round.
type RoundResponse struct {
	ID              string             `json:"id"`
	Category        string             `json:"category"`
	RoundNumber     int64              `json:"round_number"`
	Status          domain.RoundStatus `json:"status"`
	CountdownMs     int64              `json:"countdown_ms"`
	CanBet          bool               `json:"can_bet"`
	OpenPrice       *fixed.Amount      `json:"open_price"`
	SettlementPrice *fixed.Amount      `json:"settlement_price,omitempty"`
	Outcome         domain.Outcome     `json:"outcome,omitempty"`
	VoidReason      string             `json:"void_reason,omitempty"`
	OpenTime        time.Time          `json:"open_time"`
	LockTime        time.Time          `json:"lock_time"`
	ResolveTime     time.Time          `json:"resolve_time"`
	SettledAt       *time.Time         `json:"settled_at,omitempty"`
}

func roundResponse(v service.RoundView) RoundResponse {
	r := v.Round
	return RoundResponse{
		ID:              r.ID,
		Category:        r.Category,
		RoundNumber:     r.Sequence,
		Status:          r.Status,
		CountdownMs:     v.CountdownMs,
		CanBet:          v.CanBet,
		OpenPrice:       r.OpenPrice,
		SettlementPrice: r.SettlementPrice,
		Outcome:         r.Outcome,
		VoidReason:      r.VoidReason,
		OpenTime:        r.OpenTime,
		LockTime:        r.LockTime,
		ResolveTime:     r.ResolveTime,
		SettledAt:       r.SettledAt,
	}
}

// PoolResponse is a pool snapshot. Prices are display floats; amounts are
// decimal strings.
type PoolResponse struct {
	RoundID       string       `json:"round_id"`
	YesPrice      float64      `json:"yes_price"`
	NoPrice       float64      `json:"no_price"`
	YesReserve    fixed.Amount `json:"yes_reserve"`
	NoReserve     fixed.Amount `json:"no_reserve"`
	Collateral    fixed.Amount `json:"collateral"`
	TotalVolume   fixed.Amount `json:"total_volume"`
	FeesCollected fixed.Amount `json:"fees_collected"`
	TradeCount    int64        `json:"trade_count"`
	FeeBps        int64        `json:"fee_bps"`
	Version       int64        `json:"version"`
}

// QuoteResponse is a trade preview.
type QuoteResponse struct {
	domain.Quote
	AvgPriceDisplay float64 `json:"avg_price_display"`
	PriceImpact     float64 `json:"price_impact"`
}

// SettlementResponse is a settlement summary with its payouts.
type SettlementResponse struct {
	Settlement domain.Settlement `json:"settlement"`
	Payouts    []domain.Payout   `json:"payouts"`
}

// EventResponse is one entry of the durable round-event stream.
type EventResponse struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// Current returns the newest round of a category.
// GET /api/rounds/current?category=btc
func (h *RoundHandler) Current(w http.ResponseWriter, r *http.Request) {
	v, err := h.rounds.CurrentRound(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, roundResponse(v))
}

// List returns rounds newest first.
// GET /api/rounds?category=btc&limit=20&offset=0
func (h *RoundHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.rounds.ListRounds(r.Context(), r.URL.Query().Get("category"), parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]RoundResponse, len(views))
	for i, v := range views {
		out[i] = roundResponse(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": out})
}

// Get returns one round.
// GET /api/rounds/{id}
func (h *RoundHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.rounds.GetRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, roundResponse(v))
}

// Pool returns a round's pool with implied prices.
// GET /api/rounds/{id}/pool
func (h *RoundHandler) Pool(w http.ResponseWriter, r *http.Request) {
	v, err := h.rounds.Pool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	p := v.Pool
	writeJSON(w, http.StatusOK, PoolResponse{
		RoundID:       p.RoundID,
		YesPrice:      v.YesPrice.Float64(),
		NoPrice:       v.NoPrice.Float64(),
		YesReserve:    p.YesReserve,
		NoReserve:     p.NoReserve,
		Collateral:    p.Collateral,
		TotalVolume:   p.Volume,
		FeesCollected: p.FeesCollected,
		TradeCount:    p.TradeCount,
		FeeBps:        p.FeeBps,
		Version:       p.Version,
	})
}

// Quote previews a trade.
// GET /api/rounds/{id}/quote?action=buy&side=yes&amount=100
func (h *RoundHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := domain.ActionBuy
	if raw := q.Get("action"); raw != "" {
		a, err := domain.ParseAction(raw)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		action = a
	}
	side, err := domain.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	amount, err := parseAmount(r, "amount")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	quote, err := h.rounds.Quote(r.Context(), r.PathValue("id"), action, side, amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Quote:           quote,
		AvgPriceDisplay: quote.AvgPrice.Float64(),
		PriceImpact:     quote.PriceImpactPct.Float64(),
	})
}

// Trades lists a round's trades in execution order.
// GET /api/rounds/{id}/trades?limit=50
func (h *RoundHandler) Trades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.rounds.Trades(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// Settlement returns the settlement of a finished round.
// GET /api/rounds/{id}/settlement
func (h *RoundHandler) Settlement(w http.ResponseWriter, r *http.Request) {
	v, err := h.rounds.Settlement(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	payouts := v.Payouts
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	writeJSON(w, http.StatusOK, SettlementResponse{Settlement: v.Settlement, Payouts: payouts})
}

// Events replays the durable round-event stream.
// GET /api/events?after=0&count=100
func (h *RoundHandler) Events(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := q.Get("after")
	if after == "" {
		after = "0"
	}
	count := 100
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			invalid(w, r, h.logger, "count must be a positive integer")
			return
		}
		count = n
	}

	msgs, err := h.rounds.Events(r.Context(), after, count)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	out := make([]EventResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, EventResponse{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}
