package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
	"github.com/alanyoungcy/roundamm/internal/store/storetest"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func comboDefaults() domain.ComboConfig {
	return domain.ComboConfig{
		BaseMultiplier:      fixed.One,
		MultiplierIncrement: fixed.MustParse("0.1"),
		MaxMultiplier:       fixed.FromInt(3),
		MaxComboCount:       50,
		ResetMultiplier:     fixed.One,
	}
}

// flakyAdmin fails reads while down is set.
type flakyAdmin struct {
	domain.AdminConfigStore
	down bool
}

func (f *flakyAdmin) GetConfig(ctx context.Context, key string) (domain.AdminConfig, error) {
	if f.down {
		return domain.AdminConfig{}, errors.New("connection refused")
	}
	return f.AdminConfigStore.GetConfig(ctx, key)
}

func TestConfigService_RejectsInvalidDefaults(t *testing.T) {
	bad := storetest.RoundConfig()
	bad.PayoutRatio = fixed.FromInt(2)
	_, err := NewConfigService(memory.New(), bad, comboDefaults(), discard)
	assert.Error(t, err)
}

func TestConfigService_Overlay(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc, err := NewConfigService(store, storetest.RoundConfig(), comboDefaults(), discard)
	require.NoError(t, err)

	cfg, err := svc.RoundConfig(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, storetest.RoundConfig(), cfg, "no overrides")

	require.NoError(t, svc.SetOverride(ctx, ConfigKeyRound, map[string]any{
		"fee_bps":        100,
		"betting_window": "3m",
	}))
	require.NoError(t, svc.SetOverride(ctx, RoundConfigKey("btc"), map[string]any{
		"min_bet":      "5",
		"payout_model": "cost_basis",
		"lock_period":  90,
	}))

	btc, err := svc.RoundConfig(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(100), btc.FeeBps)
	assert.Equal(t, 3*time.Minute, btc.BettingWindow)
	assert.Equal(t, fixed.FromInt(5), btc.MinBet)
	assert.Equal(t, domain.PayoutCostBasis, btc.PayoutModel)
	assert.Equal(t, 90*time.Second, btc.LockPeriod)

	eth, err := svc.RoundConfig(ctx, "eth")
	require.NoError(t, err)
	assert.Equal(t, int64(100), eth.FeeBps, "global override applies")
	assert.Equal(t, fixed.One, eth.MinBet, "category override does not leak")

	require.NoError(t, svc.SetOverride(ctx, ConfigKeyCombo, map[string]any{"max_multiplier": "2.5"}))
	combo, err := svc.ComboConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, fixed.MustParse("2.5"), combo.MaxMultiplier)
	assert.Equal(t, fixed.MustParse("0.1"), combo.MultiplierIncrement)
}

func TestConfigService_SetOverrideValidates(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc, err := NewConfigService(store, storetest.RoundConfig(), comboDefaults(), discard)
	require.NoError(t, err)

	tests := []struct {
		name  string
		key   string
		value map[string]any
	}{
		{"unknown key", "risk", map[string]any{"x": 1}},
		{"bad ratio", ConfigKeyRound, map[string]any{"payout_ratio": "1.5"}},
		{"bad model", RoundConfigKey("btc"), map[string]any{"payout_model": "lmsr"}},
		{"bad duration", ConfigKeyRound, map[string]any{"round_duration": "soon"}},
		{"max below base", ConfigKeyCombo, map[string]any{"max_multiplier": "0.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetOverride(ctx, tt.key, tt.value)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			_, getErr := store.GetConfig(ctx, tt.key)
			assert.ErrorIs(t, getErr, domain.ErrNotFound, "nothing stored")
		})
	}
}

func TestConfigService_FallsBackToLastKnownGood(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	admin := &flakyAdmin{AdminConfigStore: store}
	svc, err := NewConfigService(admin, storetest.RoundConfig(), comboDefaults(), discard)
	require.NoError(t, err)

	admin.down = true
	cfg, err := svc.RoundConfig(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, storetest.RoundConfig(), cfg, "defaults before any good read")

	admin.down = false
	require.NoError(t, svc.SetOverride(ctx, ConfigKeyRound, map[string]any{"fee_bps": 50}))
	cfg, err = svc.RoundConfig(ctx, "btc")
	require.NoError(t, err)
	require.Equal(t, int64(50), cfg.FeeBps)

	admin.down = true
	cfg, err = svc.RoundConfig(ctx, "btc")
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.FeeBps, "last known good")

	// A document written behind the service's back that fails validation.
	require.NoError(t, store.PutConfig(ctx, domain.AdminConfig{
		Key:   ConfigKeyCombo,
		Value: map[string]any{"base_multiplier": "0"},
	}))
	admin.down = false
	combo, err := svc.ComboConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, comboDefaults(), combo)
}
