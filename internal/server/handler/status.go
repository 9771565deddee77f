package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the process mode and uptime.
type StatusHandler struct {
	Mode       string
	Categories []string
	StartedAt  time.Time
	// Clients reports connected push clients; nil when the hub is absent.
	Clients func() int
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, categories []string, startedAt time.Time, clients func() int) *StatusHandler {
	return &StatusHandler{Mode: mode, Categories: categories, StartedAt: startedAt, Clients: clients}
}

// GetStatus responds with the current mode, categories and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if h.Clients != nil {
		clients = h.Clients()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"categories":     h.Categories,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"ws_clients":     clients,
	})
}
