package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROUNDAMM_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ROUNDAMM_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Store ──
	setStr(&cfg.Store.Driver, "ROUNDAMM_STORE_DRIVER")
	setStr(&cfg.Store.SQLitePath, "ROUNDAMM_STORE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ROUNDAMM_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ROUNDAMM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ROUNDAMM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ROUNDAMM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ROUNDAMM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ROUNDAMM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ROUNDAMM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ROUNDAMM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ROUNDAMM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ROUNDAMM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ROUNDAMM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ROUNDAMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ROUNDAMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ROUNDAMM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ROUNDAMM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ROUNDAMM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ROUNDAMM_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ROUNDAMM_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ROUNDAMM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ROUNDAMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ROUNDAMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "ROUNDAMM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ROUNDAMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ROUNDAMM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ROUNDAMM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ROUNDAMM_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "ROUNDAMM_S3_PREFIX")

	// ── Server ──
	setInt(&cfg.Server.Port, "ROUNDAMM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ROUNDAMM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ROUNDAMM_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ROUNDAMM_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ROUNDAMM_SERVER_RATE_WINDOW")

	// ── Engine ──
	setStringSlice(&cfg.Engine.Categories, "ROUNDAMM_ENGINE_CATEGORIES")
	setDuration(&cfg.Engine.Tick, "ROUNDAMM_ENGINE_TICK")
	setDuration(&cfg.Engine.Round.RoundDuration, "ROUNDAMM_ENGINE_ROUND_DURATION")
	setDuration(&cfg.Engine.Round.BettingWindow, "ROUNDAMM_ENGINE_BETTING_WINDOW")
	setDuration(&cfg.Engine.Round.LockPeriod, "ROUNDAMM_ENGINE_LOCK_PERIOD")
	setDecimal(&cfg.Engine.Round.MinBet, "ROUNDAMM_ENGINE_MIN_BET")
	setDecimal(&cfg.Engine.Round.MaxBet, "ROUNDAMM_ENGINE_MAX_BET")
	setDecimal(&cfg.Engine.Round.PayoutRatio, "ROUNDAMM_ENGINE_PAYOUT_RATIO")
	setStr(&cfg.Engine.Round.PayoutModel, "ROUNDAMM_ENGINE_PAYOUT_MODEL")
	setInt64(&cfg.Engine.Round.FeeBps, "ROUNDAMM_ENGINE_FEE_BPS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ROUNDAMM_MODE")
	setStr(&cfg.LogLevel, "ROUNDAMM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
