package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/combo"
	"github.com/alanyoungcy/roundamm/internal/executor"
	"github.com/alanyoungcy/roundamm/internal/round"
	"github.com/alanyoungcy/roundamm/internal/server"
	"github.com/alanyoungcy/roundamm/internal/server/handler"
	"github.com/alanyoungcy/roundamm/internal/server/ws"
	"github.com/alanyoungcy/roundamm/internal/service"
	"github.com/alanyoungcy/roundamm/internal/settlement"
)

// engine holds the round engine components shared by every mode.
type engine struct {
	configs  *service.ConfigService
	manager  *round.Manager
	executor *executor.Executor
	market   *service.MarketService

	// archive is nil when S3 is disabled or the mode runs no scheduler.
	archive *service.ArchiveWorker
}

// buildEngine constructs the engine components. withArchive attaches the
// archive worker to the lifecycle so terminal rounds are copied to S3.
func (a *App) buildEngine(deps *Dependencies, withArchive bool) (*engine, error) {
	roundDefaults, err := a.cfg.RoundConfig()
	if err != nil {
		return nil, fmt.Errorf("app: round defaults: %w", err)
	}
	comboDefaults, err := a.cfg.ComboConfig()
	if err != nil {
		return nil, fmt.Errorf("app: combo defaults: %w", err)
	}
	configs, err := service.NewConfigService(deps.Store, roundDefaults, comboDefaults, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: config service: %w", err)
	}

	clk := clock.Real{}
	gates := round.NewGates()
	tracker := combo.NewTracker(deps.Store, configs, clk, a.logger)
	settler := settlement.NewEngine(deps.Store, configs, tracker, clk, a.cfg.Engine.SettleRetries, a.logger)

	e := &engine{configs: configs}
	roundDeps := round.Deps{
		Store:   deps.Store,
		Config:  configs,
		Oracle:  deps.Oracle,
		Settler: settler,
		Gates:   gates,
		Locks:   deps.Locks,
		Bus:     deps.Bus,
		Cache:   deps.RoundCache,
		Clock:   clk,
	}
	if withArchive && deps.Archiver != nil {
		e.archive = service.NewArchiveWorker(deps.Archiver, a.cfg.S3.QueueSize, a.cfg.S3.MaxRetries, a.cfg.S3.RetryBackoff.Duration, a.logger)
		roundDeps.Archive = e.archive
	}
	e.manager = round.NewManager(roundDeps, round.Options{
		OracleTimeout: a.cfg.Engine.OracleTimeout.Duration,
		OpenLockTTL:   a.cfg.Engine.OpenLockTTL.Duration,
	}, a.logger)
	e.executor = executor.NewExecutor(deps.Store, gates, deps.Bus, clk, executor.Options{
		MaxRetries:      a.cfg.Engine.TradeRetries,
		ReplayTTL:       a.cfg.Engine.ReplayTTL.Duration,
		CleanupInterval: a.cfg.Engine.CleanupInterval.Duration,
	}, a.logger)
	e.market = service.NewMarketService(deps.Store, e.manager, tracker, deps.Bus, clk, a.logger)
	return e, nil
}

// FullMode runs the scheduler, the archive worker, and the HTTP and
// WebSocket API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	e, err := a.buildEngine(deps, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, e)
	a.startHTTPServer(ctx, g, deps, e)
	return g.Wait()
}

// ServerMode runs only the HTTP and WebSocket API. Another replica runs the
// scheduler against the same store and Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	e, err := a.buildEngine(deps, false)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, e)
	return g.Wait()
}

// SchedulerMode runs the round lifecycle and the archive worker without the
// API.
func (a *App) SchedulerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scheduler mode")

	e, err := a.buildEngine(deps, true)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startScheduler(ctx, g, e)
	return g.Wait()
}

// startScheduler launches the round scheduler and, when configured, the
// archive worker.
func (a *App) startScheduler(ctx context.Context, g *errgroup.Group, e *engine) {
	sched := round.NewScheduler(e.manager, a.cfg.Engine.Categories, a.cfg.Engine.Tick.Duration, clock.Real{}, a.logger)
	g.Go(func() error {
		return sched.Run(ctx)
	})

	if e.archive != nil {
		g.Go(func() error {
			return e.archive.Run(ctx)
		})
	} else {
		a.logger.InfoContext(ctx, "round archive disabled (s3.enabled is false)")
	}
}

// startHTTPServer launches the WebSocket hub, the executor's replay cleanup
// and the HTTP server, shutting the server down when ctx ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(func() error {
		return e.executor.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.logger, deps.Health...),
		Status:   handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.Categories, startedAt, hub.ClientCount),
		Rounds:   handler.NewRoundHandler(e.market, a.logger),
		Trades:   handler.NewTradeHandler(e.executor, a.logger),
		Accounts: handler.NewAccountHandler(e.market, a.logger),
		Admin:    handler.NewAdminHandler(e.configs, e.market, a.logger),
	}
	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty; trade and admin routes are unauthenticated")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
