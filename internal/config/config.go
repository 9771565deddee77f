// Package config defines the top-level configuration for the round engine
// and provides validation helpers.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ROUNDAMM_* environment variables.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Oracle   OracleConfig   `toml:"oracle"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StoreConfig selects the transactional store backend.
type StoreConfig struct {
	Driver     string `toml:"driver"` // postgres | sqlite | memory
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, locks, the
// signal bus, caches and the rate limiter run in-process.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the round
// archive.
type S3Config struct {
	Enabled            bool     `toml:"enabled"`
	Endpoint           string   `toml:"endpoint"`
	Region             string   `toml:"region"`
	Bucket             string   `toml:"bucket"`
	AccessKey          string   `toml:"access_key"`
	SecretKey          string   `toml:"secret_key"`
	UseSSL             bool     `toml:"use_ssl"`
	ForcePathStyle     bool     `toml:"force_path_style"`
	Prefix             string   `toml:"prefix"`
	MultipartThreshold int64    `toml:"multipart_threshold"`
	QueueSize          int      `toml:"queue_size"`
	MaxRetries         int      `toml:"max_retries"`
	RetryBackoff       duration `toml:"retry_backoff"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// EngineConfig holds round scheduling and trade execution parameters.
type EngineConfig struct {
	Categories      []string      `toml:"categories"`
	Tick            duration      `toml:"tick"`
	TradeRetries    int           `toml:"trade_retries"`
	SettleRetries   int           `toml:"settle_retries"`
	ReplayTTL       duration      `toml:"replay_ttl"`
	CleanupInterval duration      `toml:"cleanup_interval"`
	OracleTimeout   duration      `toml:"oracle_timeout"`
	OpenLockTTL     duration      `toml:"open_lock_ttl"`
	Round           RoundDefaults `toml:"round"`
	Combo           ComboDefaults `toml:"combo"`
}

// RoundDefaults is the static round configuration. Administrative overrides
// stored in the database take precedence.
type RoundDefaults struct {
	RoundDuration    duration        `toml:"round_duration"`
	BettingWindow    duration        `toml:"betting_window"`
	LockPeriod       duration        `toml:"lock_period"`
	OracleGrace      duration        `toml:"oracle_grace"`
	MinBet           decimal.Decimal `toml:"min_bet"`
	MaxBet           decimal.Decimal `toml:"max_bet"`
	PayoutRatio      decimal.Decimal `toml:"payout_ratio"`
	PayoutModel      string          `toml:"payout_model"`
	FeeBps           int64           `toml:"fee_bps"`
	InitialLiquidity decimal.Decimal `toml:"initial_liquidity"`
	MinReserve       decimal.Decimal `toml:"min_reserve"`
}

// ComboDefaults is the static win-streak configuration.
type ComboDefaults struct {
	BaseMultiplier      decimal.Decimal `toml:"base_multiplier"`
	MultiplierIncrement decimal.Decimal `toml:"multiplier_increment"`
	MaxMultiplier       decimal.Decimal `toml:"max_multiplier"`
	MaxComboCount       int             `toml:"max_combo_count"`
	ResetMultiplier     decimal.Decimal `toml:"reset_multiplier"`
	ResetCombo          int             `toml:"reset_combo"`
}

// OracleConfig holds the reference price providers, tried in order.
type OracleConfig struct {
	MaxStaleness duration         `toml:"max_staleness"`
	CacheTTL     duration         `toml:"cache_ttl"`
	Providers    []ProviderConfig `toml:"providers"`
}

// ProviderConfig describes one JSON ticker endpoint. URL may contain a
// "{symbol}" placeholder, filled from Symbols by category.
type ProviderConfig struct {
	Name         string            `toml:"name"`
	URL          string            `toml:"url"`
	Field        string            `toml:"field"`
	Symbols      map[string]string `toml:"symbols"`
	Timeout      duration          `toml:"timeout"`
	RatePerSec   float64           `toml:"rate_per_sec"`
	Burst        int               `toml:"burst"`
	MaxRetries   int               `toml:"max_retries"`
	RetryBackoff duration          `toml:"retry_backoff"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "roundamm.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "roundamm",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "roundamm-archive",
			ForcePathStyle: true,
			QueueSize:      256,
			MaxRetries:     3,
			RetryBackoff:   duration{2 * time.Second},
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"*"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Engine: EngineConfig{
			Categories:      []string{"btc"},
			Tick:            duration{time.Second},
			TradeRetries:    3,
			SettleRetries:   3,
			ReplayTTL:       duration{10 * time.Minute},
			CleanupInterval: duration{time.Minute},
			OracleTimeout:   duration{5 * time.Second},
			OpenLockTTL:     duration{30 * time.Second},
			Round: RoundDefaults{
				RoundDuration:    duration{5 * time.Minute},
				BettingWindow:    duration{4 * time.Minute},
				LockPeriod:       duration{time.Minute},
				OracleGrace:      duration{30 * time.Second},
				MinBet:           decimal.NewFromInt(1),
				MaxBet:           decimal.NewFromInt(10000),
				PayoutRatio:      decimal.RequireFromString("0.98"),
				PayoutModel:      string(domain.PayoutPerShare),
				FeeBps:           200,
				InitialLiquidity: decimal.NewFromInt(1000),
				MinReserve:       decimal.NewFromInt(1),
			},
			Combo: ComboDefaults{
				BaseMultiplier:      decimal.NewFromInt(1),
				MultiplierIncrement: decimal.RequireFromString("0.1"),
				MaxMultiplier:       decimal.NewFromInt(3),
				MaxComboCount:       50,
				ResetMultiplier:     decimal.NewFromInt(1),
				ResetCombo:          0,
			},
		},
		Oracle: OracleConfig{
			MaxStaleness: duration{time.Minute},
			CacheTTL:     duration{10 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":      true,
	"server":    true,
	"scheduler": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, scheduler)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Store
	driver := strings.ToLower(c.Store.Driver)
	if !validDrivers[driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}
	if driver == "sqlite" && strings.TrimSpace(c.Store.SQLitePath) == "" {
		errs = append(errs, "store: sqlite_path must not be empty for the sqlite driver")
	}
	if driver == "memory" && c.Mode != "full" {
		errs = append(errs, "store: the memory driver is single-process and requires mode full")
	}

	// Postgres
	if driver == "postgres" && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port %d out of range", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < c.Postgres.PoolMinConns {
		errs = append(errs, "postgres: pool_max_conns must be >= pool_min_conns")
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty when enabled")
	}
	if !c.Redis.Enabled && c.Mode != "full" {
		errs = append(errs, fmt.Sprintf("redis: mode %s shares rounds across processes and requires redis.enabled", c.Mode))
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when enabled")
		}
	}

	// Server
	if c.Mode != "scheduler" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Engine
	if len(c.Engine.Categories) == 0 {
		errs = append(errs, "engine: at least one category is required")
	}
	seen := make(map[string]bool, len(c.Engine.Categories))
	for _, cat := range c.Engine.Categories {
		if strings.TrimSpace(cat) == "" || strings.ContainsAny(cat, ":*?[ ") {
			errs = append(errs, fmt.Sprintf("engine: invalid category %q", cat))
		}
		if seen[cat] {
			errs = append(errs, fmt.Sprintf("engine: duplicate category %q", cat))
		}
		seen[cat] = true
	}
	if c.Engine.Tick.Duration <= 0 {
		errs = append(errs, "engine: tick must be positive")
	}
	if _, err := c.RoundConfig(); err != nil {
		errs = append(errs, "engine.round: "+err.Error())
	}
	if _, err := c.ComboConfig(); err != nil {
		errs = append(errs, "engine.combo: "+err.Error())
	}

	// Oracle
	for i, p := range c.Oracle.Providers {
		if p.URL == "" {
			errs = append(errs, fmt.Sprintf("oracle: providers[%d] url must not be empty", i))
		}
		if p.RatePerSec < 0 {
			errs = append(errs, fmt.Sprintf("oracle: providers[%d] rate_per_sec must not be negative", i))
		}
	}
	if c.Mode != "server" && len(c.Oracle.Providers) == 0 {
		errs = append(errs, "oracle: at least one provider is required to run the scheduler")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RoundConfig converts the static round defaults to the domain form and
// validates them.
func (c *Config) RoundConfig() (domain.RoundConfig, error) {
	r := c.Engine.Round
	amounts, err := toAmounts(map[string]decimal.Decimal{
		"min_bet":           r.MinBet,
		"max_bet":           r.MaxBet,
		"payout_ratio":      r.PayoutRatio,
		"initial_liquidity": r.InitialLiquidity,
		"min_reserve":       r.MinReserve,
	})
	if err != nil {
		return domain.RoundConfig{}, err
	}
	cfg := domain.RoundConfig{
		RoundDuration:    r.RoundDuration.Duration,
		BettingWindow:    r.BettingWindow.Duration,
		LockPeriod:       r.LockPeriod.Duration,
		OracleGrace:      r.OracleGrace.Duration,
		MinBet:           amounts["min_bet"],
		MaxBet:           amounts["max_bet"],
		PayoutRatio:      amounts["payout_ratio"],
		PayoutModel:      domain.PayoutModel(r.PayoutModel),
		FeeBps:           r.FeeBps,
		InitialLiquidity: amounts["initial_liquidity"],
		MinReserve:       amounts["min_reserve"],
	}
	if err := cfg.Validate(); err != nil {
		return domain.RoundConfig{}, err
	}
	return cfg, nil
}

// ComboConfig converts the static combo defaults to the domain form and
// validates them.
func (c *Config) ComboConfig() (domain.ComboConfig, error) {
	cc := c.Engine.Combo
	amounts, err := toAmounts(map[string]decimal.Decimal{
		"base_multiplier":      cc.BaseMultiplier,
		"multiplier_increment": cc.MultiplierIncrement,
		"max_multiplier":       cc.MaxMultiplier,
		"reset_multiplier":     cc.ResetMultiplier,
	})
	if err != nil {
		return domain.ComboConfig{}, err
	}
	cfg := domain.ComboConfig{
		BaseMultiplier:      amounts["base_multiplier"],
		MultiplierIncrement: amounts["multiplier_increment"],
		MaxMultiplier:       amounts["max_multiplier"],
		MaxComboCount:       cc.MaxComboCount,
		ResetMultiplier:     amounts["reset_multiplier"],
		ResetCombo:          cc.ResetCombo,
	}
	if err := cfg.Validate(); err != nil {
		return domain.ComboConfig{}, err
	}
	return cfg, nil
}

func toAmounts(in map[string]decimal.Decimal) (map[string]fixed.Amount, error) {
	out := make(map[string]fixed.Amount, len(in))
	var errs []error
	for name, d := range in {
		a, err := fixed.FromDecimal(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = a
	}
	return out, errors.Join(errs...)
}
