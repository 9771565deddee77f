package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// ConfigAdmin defines the configuration methods the admin handler requires.
type ConfigAdmin interface {
	RoundConfig(ctx context.Context, category string) (domain.RoundConfig, error)
	ComboConfig(ctx context.Context) (domain.ComboConfig, error)
	SetOverride(ctx context.Context, key string, value map[string]any) error
}

// Granter credits balances.
type Granter interface {
	Grant(ctx context.Context, userID string, amount fixed.Amount, reason string) (domain.Balance, error)
}

// AdminHandler serves effective configuration and operator actions.
type AdminHandler struct {
	configs ConfigAdmin
	granter Granter
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(configs ConfigAdmin, granter Granter, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		configs: configs,
		granter: granter,
		logger:  logHandler(logger, "admin"),
	}
}

// GetConfig returns the effective configuration for a category.
// GET /api/config?category=btc
func (h *AdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		invalid(w, r, h.logger, "category is required")
		return
	}
	rc, err := h.configs.RoundConfig(r.Context(), category)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	cc, err := h.configs.ComboConfig(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"round":    rc,
		"combo":    cc,
	})
}

// PutConfig stores an override document for "round", "round:{category}"
// or "combo". It applies from the next round.
// PUT /api/admin/config/{key}
func (h *AdminHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var value map[string]any
	if err := decodeBody(w, r, &value); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	key := r.PathValue("key")
	if err := h.configs.SetOverride(r.Context(), key, value); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "updated",
		"key":    key,
	})
}

type grantRequest struct {
	UserID string       `json:"user_id"`
	Amount fixed.Amount `json:"amount"`
	Reason string       `json:"reason"`
}

// Grant credits PTS to a user.
// POST /api/admin/grant
func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var body grantRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	b, err := h.granter.Grant(r.Context(), body.UserID, body.Amount, body.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
