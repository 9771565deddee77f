package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

// AccountService defines the methods that the account handler requires.
type AccountService interface {
	Positions(ctx context.Context, userID, roundID string) ([]domain.Position, error)
	Balance(ctx context.Context, userID string) (domain.Balance, error)
	Combo(ctx context.Context, userID string) (domain.ComboState, error)
}

// AccountHandler serves per-user endpoints: positions, balance and combo.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given service and logger.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logHandler(logger, "account"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns a user's positions, optionally for one round.
// GET /api/positions?user_id=alice&round_id=...
func (h *AccountHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := h.accounts.Positions(r.Context(), q.Get("user_id"), q.Get("round_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// Balance returns a user's PTS balance.
// GET /api/users/{id}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	b, err := h.accounts.Balance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Combo returns a user's win streak and next multiplier.
// GET /api/users/{id}/combo
func (h *AccountHandler) Combo(w http.ResponseWriter, r *http.Request) {
	c, err := h.accounts.Combo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
