package combo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
	"github.com/alanyoungcy/roundamm/internal/store/memory"
)

func defaultConfig() domain.ComboConfig {
	return domain.ComboConfig{
		BaseMultiplier:      fixed.One,
		MultiplierIncrement: fixed.MustParse("0.1"),
		MaxMultiplier:       fixed.FromInt(3),
		MaxComboCount:       50,
		ResetMultiplier:     fixed.One,
		ResetCombo:          0,
	}
}

type staticConfig struct {
	combo domain.ComboConfig
	calls int
}

func (s *staticConfig) RoundConfig(context.Context, string) (domain.RoundConfig, error) {
	return domain.RoundConfig{}, nil
}

func (s *staticConfig) ComboConfig(context.Context) (domain.ComboConfig, error) {
	s.calls++
	return s.combo, nil
}

func TestApply_WinSequence(t *testing.T) {
	cfg := defaultConfig()
	at := time.Unix(0, 0)
	state := Initial("u", cfg)
	assert.Equal(t, fixed.One, state.Multiplier)

	want := []string{"1.1", "1.2", "1.3", "1.4"}
	for i, w := range want {
		state = Apply(state, true, cfg, at)
		assert.Equal(t, i+1, state.Combo)
		assert.Equal(t, fixed.MustParse(w), state.Multiplier, "after win %d", i+1)
	}
	assert.Equal(t, 4, state.BestCombo)
	assert.Equal(t, int64(4), state.Wins)
}

func TestApply_CapsAtMax(t *testing.T) {
	cfg := defaultConfig()
	state := Initial("u", cfg)
	for i := 0; i < 40; i++ {
		state = Apply(state, true, cfg, time.Unix(0, 0))
	}
	assert.Equal(t, fixed.FromInt(3), state.Multiplier)
	assert.Equal(t, 40, state.Combo)

	cfg.MaxComboCount = 5
	capped := Initial("u", cfg)
	for i := 0; i < 10; i++ {
		capped = Apply(capped, true, cfg, time.Unix(0, 0))
	}
	assert.Equal(t, 5, capped.Combo)
	assert.Equal(t, fixed.MustParse("1.5"), capped.Multiplier)
}

func TestApply_LossResets(t *testing.T) {
	cfg := defaultConfig()
	state := Initial("u", cfg)
	for i := 0; i < 3; i++ {
		state = Apply(state, true, cfg, time.Unix(0, 0))
	}
	at := time.Unix(100, 0)
	state = Apply(state, false, cfg, at)
	assert.Equal(t, 0, state.Combo)
	assert.Equal(t, fixed.One, state.Multiplier)
	assert.Equal(t, 3, state.BestCombo)
	assert.Equal(t, int64(1), state.Losses)
	require.NotNil(t, state.LastOutcomeAt)
	assert.Equal(t, at, *state.LastOutcomeAt)

	// The streak restarts from the reset values.
	state = Apply(state, true, cfg, at)
	assert.Equal(t, fixed.MustParse("1.1"), state.Multiplier)
}

func TestMultiplier_NoOverflow(t *testing.T) {
	cfg := defaultConfig()
	cfg.MultiplierIncrement = fixed.Amount(1 << 62)
	assert.Equal(t, cfg.MaxMultiplier, Multiplier(1_000_000, cfg))
}

func TestTracker_OnRoundResult(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	src := &staticConfig{combo: defaultConfig()}
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := NewTracker(store, src, clk, slog.New(slog.NewTextHandler(io.Discard, nil)))

	cur, err := tr.Current(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, fixed.One, cur.Multiplier)
	assert.Equal(t, "alice", cur.UserID)

	st, err := tr.OnRoundResult(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Combo)
	assert.Equal(t, fixed.MustParse("1.1"), st.Multiplier)

	// Config changes apply to the very next result.
	src.combo.MultiplierIncrement = fixed.MustParse("0.5")
	st, err = tr.OnRoundResult(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, fixed.FromInt(2), st.Multiplier)
	assert.Equal(t, 3, src.calls)

	stored, err := store.GetCombo(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Combo)

	st, err = tr.OnRoundResult(ctx, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Combo)
	assert.Equal(t, fixed.One, st.Multiplier)
}
