package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Oracle.Providers = []ProviderConfig{{Name: "primary", URL: "https://example.test/{symbol}"}}
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults_Valid(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	rc, err := cfg.RoundConfig()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, rc.RoundDuration)
	assert.Equal(t, fixed.MustParse("0.98"), rc.PayoutRatio)
	assert.Equal(t, domain.PayoutPerShare, rc.PayoutModel)

	cc, err := cfg.ComboConfig()
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("0.1"), cc.MultiplierIncrement)
	assert.Equal(t, fixed.FromInt(3), cc.MaxMultiplier)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
mode = "server"
log_level = "debug"

[store]
driver = "sqlite"
sqlite_path = "/tmp/rounds.db"

[server]
port = 9090
rate_window = "30s"

[engine]
categories = ["btc", "eth"]
tick = "250ms"

[engine.round]
round_duration = "10m"
betting_window = "8m"
min_bet = "0.5"
max_bet = 500
payout_ratio = "0.95"
payout_model = "cost_basis"

[engine.combo]
max_multiplier = "2.5"

[[oracle.providers]]
name = "primary"
url = "https://prices.test/{symbol}"
field = "price"
timeout = "2s"
[oracle.providers.symbols]
btc = "BTCUSDT"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RateWindow.Duration)
	assert.Equal(t, []string{"btc", "eth"}, cfg.Engine.Categories)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Tick.Duration)
	assert.True(t, decimal.NewFromInt(500).Equal(cfg.Engine.Round.MaxBet))
	// Keys not in the file keep their defaults.
	assert.Equal(t, time.Minute, cfg.Engine.Round.LockPeriod.Duration)
	assert.Equal(t, 8080, Defaults().Server.Port)

	require.Len(t, cfg.Oracle.Providers, 1)
	assert.Equal(t, "BTCUSDT", cfg.Oracle.Providers[0].Symbols["btc"])
	assert.Equal(t, 2*time.Second, cfg.Oracle.Providers[0].Timeout.Duration)

	rc, err := cfg.RoundConfig()
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("0.5"), rc.MinBet)
	assert.Equal(t, domain.PayoutCostBasis, rc.PayoutModel)

	cc, err := cfg.ComboConfig()
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("2.5"), cc.MaxMultiplier)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `mode = "full"`)
	t.Setenv("ROUNDAMM_MODE", "scheduler")
	t.Setenv("ROUNDAMM_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("ROUNDAMM_ENGINE_CATEGORIES", " btc , sol ,")
	t.Setenv("ROUNDAMM_ENGINE_FEE_BPS", "75")
	t.Setenv("ROUNDAMM_ENGINE_MIN_BET", "2.5")
	t.Setenv("ROUNDAMM_SERVER_RATE_WINDOW", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", cfg.Mode)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
	assert.Equal(t, []string{"btc", "sol"}, cfg.Engine.Categories)
	assert.EqualValues(t, 75, cfg.Engine.Round.FeeBps)
	assert.True(t, decimal.RequireFromString("2.5").Equal(cfg.Engine.Round.MinBet))
	// Unparseable values leave the previous setting.
	assert.Equal(t, time.Minute, cfg.Server.RateWindow.Duration)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Mode = "trade" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log_level"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store: unknown driver"},
		{"memory outside full", func(c *Config) {
			c.Store.Driver = "memory"
			c.Mode = "server"
		}, "requires mode full"},
		{"split mode without redis", func(c *Config) {
			c.Mode = "scheduler"
			c.Redis.Enabled = false
		}, "requires redis.enabled"},
		{"s3 without bucket", func(c *Config) {
			c.S3.Enabled = true
			c.S3.Bucket = ""
		}, "s3: bucket"},
		{"no categories", func(c *Config) { c.Engine.Categories = nil }, "at least one category"},
		{"duplicate category", func(c *Config) { c.Engine.Categories = []string{"btc", "btc"} }, "duplicate category"},
		{"category with colon", func(c *Config) { c.Engine.Categories = []string{"btc:usd"} }, "invalid category"},
		{"window longer than round", func(c *Config) {
			c.Engine.Round.BettingWindow = duration{time.Hour}
		}, "betting_window"},
		{"too precise amount", func(c *Config) {
			c.Engine.Round.MinBet = decimal.RequireFromString("0.0000001")
		}, "min_bet"},
		{"bad payout model", func(c *Config) { c.Engine.Round.PayoutModel = "flat" }, "payout_model"},
		{"bad combo", func(c *Config) { c.Engine.Combo.MaxMultiplier = decimal.RequireFromString("0.5") }, "max_multiplier"},
		{"no oracle for scheduler", func(c *Config) { c.Oracle.Providers = nil }, "at least one provider"},
		{"rate limit without window", func(c *Config) {
			c.Server.RateLimit = 10
			c.Server.RateWindow = duration{}
		}, "rate_window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ServerModeNeedsNoOracle(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pw"
	cfg.Postgres.DSN = "postgres://u:pw@db/roundamm"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKey = "key"
	cfg.Oracle.Providers[0].Symbols = map[string]string{"btc": "BTCUSDT"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password)

	out.Engine.Categories[0] = "changed"
	out.Oracle.Providers[0].Symbols["btc"] = "changed"
	assert.Equal(t, "btc", cfg.Engine.Categories[0])
	assert.Equal(t, "BTCUSDT", cfg.Oracle.Providers[0].Symbols["btc"])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}
