package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/server/handler"
	"github.com/alanyoungcy/roundamm/internal/server/middleware"
	"github.com/alanyoungcy/roundamm/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is requests per RateWindow per client IP; 0 disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health   *handler.HealthHandler
	Status   *handler.StatusHandler
	Rounds   *handler.RoundHandler
	Trades   *handler.TradeHandler
	Accounts *handler.AccountHandler
	Admin    *handler.AdminHandler
}

// Server is the HTTP and WebSocket API of the market engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with every route registered. limiter and wsHub
// may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed and middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(cfg.APIKey)
	protect := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/rounds/current", handlers.Rounds.Current)
	mux.HandleFunc("GET /api/rounds", handlers.Rounds.List)
	mux.HandleFunc("GET /api/rounds/{id}", handlers.Rounds.Get)
	mux.HandleFunc("GET /api/rounds/{id}/pool", handlers.Rounds.Pool)
	mux.HandleFunc("GET /api/rounds/{id}/quote", handlers.Rounds.Quote)
	mux.HandleFunc("GET /api/rounds/{id}/trades", handlers.Rounds.Trades)
	mux.HandleFunc("GET /api/rounds/{id}/settlement", handlers.Rounds.Settlement)
	mux.HandleFunc("GET /api/events", handlers.Rounds.Events)

	mux.Handle("POST /api/rounds/{id}/buy", protect(handlers.Trades.Buy))
	mux.Handle("POST /api/rounds/{id}/sell", protect(handlers.Trades.Sell))

	mux.HandleFunc("GET /api/positions", handlers.Accounts.ListPositions)
	mux.HandleFunc("GET /api/users/{id}/balance", handlers.Accounts.Balance)
	mux.HandleFunc("GET /api/users/{id}/combo", handlers.Accounts.Combo)

	mux.HandleFunc("GET /api/config", handlers.Admin.GetConfig)
	mux.Handle("PUT /api/admin/config/{key}", protect(handlers.Admin.PutConfig))
	mux.Handle("POST /api/admin/grant", protect(handlers.Admin.Grant))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Recover(logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
