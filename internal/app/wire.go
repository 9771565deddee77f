package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/roundamm/internal/blob/s3"
	cachemem "github.com/alanyoungcy/roundamm/internal/cache/memory"
	"github.com/alanyoungcy/roundamm/internal/cache/redis"
	"github.com/alanyoungcy/roundamm/internal/config"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/oracle"
	"github.com/alanyoungcy/roundamm/internal/server/handler"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
	"github.com/alanyoungcy/roundamm/internal/store/postgres"
	"github.com/alanyoungcy/roundamm/internal/store/sqlite"
)

// Dependencies bundles every adapter the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store domain.Store

	// Caches and coordination
	Locks       domain.LockManager
	Bus         domain.SignalBus
	RoundCache  domain.RoundCache
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter

	// Archiver is nil when S3 is disabled.
	Archiver domain.RoundArchiver

	Oracle domain.PriceOracle

	// Health checks for /api/health, one per external backend.
	Health []handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Store ---
	store, health, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { _ = store.Close() })
	deps.Store = store
	if health != nil {
		deps.Health = append(deps.Health, *health)
	}

	// --- Redis, or in-process equivalents ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Bus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.RoundCache = redis.NewRoundCache(redisClient, cfg.Engine.Round.RoundDuration.Duration*2)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Health = append(deps.Health, handler.HealthCheck{Name: "redis", Check: redisClient.Ping})
	} else {
		logger.Info("wire: redis disabled, using in-process locks, bus and caches")
		deps.Locks = cachemem.NewLockManager()
		deps.Bus = cachemem.NewSignalBus(int(cfg.Redis.StreamMaxLen))
		deps.RoundCache = cachemem.NewRoundCache()
		deps.PriceCache = cachemem.NewPriceCache()
		deps.RateLimiter = cachemem.NewRateLimiter()
	}

	// --- S3 round archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			store,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			cfg.S3.MultipartThreshold,
		)
		deps.Health = append(deps.Health, handler.HealthCheck{Name: "s3", Check: s3Client.Health})
	}

	// --- Price oracle ---
	providers := make([]domain.PriceOracle, 0, len(cfg.Oracle.Providers))
	for i, p := range cfg.Oracle.Providers {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("provider-%d", i)
		}
		providers = append(providers, oracle.NewHTTPProvider(oracle.HTTPConfig{
			Name:         name,
			URL:          p.URL,
			Symbols:      p.Symbols,
			Field:        p.Field,
			Timeout:      p.Timeout.Duration,
			RatePerSec:   p.RatePerSec,
			Burst:        p.Burst,
			MaxRetries:   p.MaxRetries,
			RetryBackoff: p.RetryBackoff.Duration,
		}, logger))
	}
	deps.Oracle = oracle.NewCached(
		oracle.NewFallback(logger, providers...),
		deps.PriceCache,
		cfg.Oracle.MaxStaleness.Duration,
		logger,
	)

	return deps, cleanup, nil
}

// OpenStore opens the configured store backend, running migrations for
// postgres when enabled. The returned health check is nil for backends
// without a connection to probe.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, *handler.HealthCheck, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		if cfg.Postgres.RunMigrations {
			applied, err := pgClient.RunMigrations(ctx)
			if err != nil {
				pgClient.Close()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("wire: applied migrations", slog.Any("files", applied))
			}
		}
		return postgres.NewStore(pgClient), &handler.HealthCheck{Name: "postgres", Check: pgClient.Health}, nil

	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		return store, nil, nil

	case "memory":
		logger.Warn("wire: memory store selected, state is lost on exit")
		return memory.New(), nil, nil

	default:
		return nil, nil, fmt.Errorf("wire: unknown store driver %q", cfg.Store.Driver)
	}
}
