package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Admin config keys.
const (
	ConfigKeyRound = "round"
	ConfigKeyCombo = "combo"
)

// RoundConfigKey is the admin key holding overrides for one category.
func RoundConfigKey(category string) string { return ConfigKeyRound + ":" + category }

// ConfigService resolves the effective round and combo configuration: static
// defaults overlaid by admin documents, re-read on every call. When the
// admin store fails or yields an invalid result, the last value that
// validated is served instead.
type ConfigService struct {
	admin     domain.AdminConfigStore
	round     domain.RoundConfig
	combo     domain.ComboConfig
	mu        sync.Mutex
	goodRound map[string]domain.RoundConfig
	goodCombo *domain.ComboConfig
	logger    *slog.Logger
}

var _ domain.ConfigSource = (*ConfigService)(nil)

// NewConfigService creates a ConfigService. The defaults must validate.
func NewConfigService(admin domain.AdminConfigStore, round domain.RoundConfig, combo domain.ComboConfig, logger *slog.Logger) (*ConfigService, error) {
	if err := round.Validate(); err != nil {
		return nil, fmt.Errorf("config_service: round defaults: %w", err)
	}
	if err := combo.Validate(); err != nil {
		return nil, fmt.Errorf("config_service: combo defaults: %w", err)
	}
	return &ConfigService{
		admin:     admin,
		round:     round,
		combo:     combo,
		goodRound: make(map[string]domain.RoundConfig),
		logger:    logger.With(slog.String("component", "config_service")),
	}, nil
}

// RoundConfig implements domain.ConfigSource.
func (s *ConfigService) RoundConfig(ctx context.Context, category string) (domain.RoundConfig, error) {
	cfg := s.round
	err := s.overlay(ctx, ConfigKeyRound, &roundOverlay{cfg: &cfg})
	if err == nil {
		err = s.overlay(ctx, RoundConfigKey(category), &roundOverlay{cfg: &cfg})
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		s.logger.Warn("round config fallback", slog.String("category", category), slog.String("error", err.Error()))
		s.mu.Lock()
		defer s.mu.Unlock()
		if good, ok := s.goodRound[category]; ok {
			return good, nil
		}
		return s.round, nil
	}
	s.mu.Lock()
	s.goodRound[category] = cfg
	s.mu.Unlock()
	return cfg, nil
}

// ComboConfig implements domain.ConfigSource.
func (s *ConfigService) ComboConfig(ctx context.Context) (domain.ComboConfig, error) {
	cfg := s.combo
	err := s.overlay(ctx, ConfigKeyCombo, &comboOverlay{cfg: &cfg})
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		s.logger.Warn("combo config fallback", slog.String("error", err.Error()))
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.goodCombo != nil {
			return *s.goodCombo, nil
		}
		return s.combo, nil
	}
	s.mu.Lock()
	s.goodCombo = &cfg
	s.mu.Unlock()
	return cfg, nil
}

// SetOverride validates and stores an admin document. The merged result
// must validate against the current defaults.
func (s *ConfigService) SetOverride(ctx context.Context, key string, value map[string]any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return domain.ErrInvalidInput.With("encode %s: %v", key, err)
	}
	switch {
	case key == ConfigKeyCombo:
		cfg := s.combo
		if err := (&comboOverlay{cfg: &cfg}).apply(raw); err != nil {
			return domain.ErrInvalidInput.With("%s: %v", key, err)
		}
		if err := cfg.Validate(); err != nil {
			return domain.ErrInvalidInput.With("%s: %v", key, err)
		}
	case key == ConfigKeyRound || strings.HasPrefix(key, ConfigKeyRound+":"):
		cfg := s.round
		if err := (&roundOverlay{cfg: &cfg}).apply(raw); err != nil {
			return domain.ErrInvalidInput.With("%s: %v", key, err)
		}
		if err := cfg.Validate(); err != nil {
			return domain.ErrInvalidInput.With("%s: %v", key, err)
		}
	default:
		return domain.ErrInvalidInput.With("unknown config key %q", key)
	}
	if err := s.admin.PutConfig(ctx, domain.AdminConfig{Key: key, Value: value}); err != nil {
		return fmt.Errorf("config_service: put %s: %w", key, err)
	}
	s.logger.Info("config override stored", slog.String("key", key))
	return nil
}

type overlayer interface {
	apply(raw []byte) error
}

// overlay applies the admin document stored under key, if any.
func (s *ConfigService) overlay(ctx context.Context, key string, o overlayer) error {
	doc, err := s.admin.GetConfig(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config_service: get %s: %w", key, err)
	}
	raw, err := json.Marshal(doc.Value)
	if err != nil {
		return fmt.Errorf("config_service: encode %s: %w", key, err)
	}
	if err := o.apply(raw); err != nil {
		return fmt.Errorf("config_service: apply %s: %w", key, err)
	}
	return nil
}

// duration accepts "90s"-style strings or a number of seconds.
type duration struct{ d time.Duration }

func (d *duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, `"`) {
		v, err := time.ParseDuration(strings.Trim(s, `"`))
		if err != nil {
			return err
		}
		d.d = v
		return nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("duration %s: %w", s, err)
	}
	d.d = time.Duration(secs * float64(time.Second))
	return nil
}

type roundOverlay struct {
	cfg *domain.RoundConfig
}

func (o *roundOverlay) apply(raw []byte) error {
	var v struct {
		RoundDuration    *duration           `json:"round_duration"`
		BettingWindow    *duration           `json:"betting_window"`
		LockPeriod       *duration           `json:"lock_period"`
		OracleGrace      *duration           `json:"oracle_grace"`
		MinBet           *fixed.Amount       `json:"min_bet"`
		MaxBet           *fixed.Amount       `json:"max_bet"`
		PayoutRatio      *fixed.Amount       `json:"payout_ratio"`
		PayoutModel      *domain.PayoutModel `json:"payout_model"`
		FeeBps           *int64              `json:"fee_bps"`
		InitialLiquidity *fixed.Amount       `json:"initial_liquidity"`
		MinReserve       *fixed.Amount       `json:"min_reserve"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	c := o.cfg
	setDuration(&c.RoundDuration, v.RoundDuration)
	setDuration(&c.BettingWindow, v.BettingWindow)
	setDuration(&c.LockPeriod, v.LockPeriod)
	setDuration(&c.OracleGrace, v.OracleGrace)
	set(&c.MinBet, v.MinBet)
	set(&c.MaxBet, v.MaxBet)
	set(&c.PayoutRatio, v.PayoutRatio)
	set(&c.PayoutModel, v.PayoutModel)
	set(&c.FeeBps, v.FeeBps)
	set(&c.InitialLiquidity, v.InitialLiquidity)
	set(&c.MinReserve, v.MinReserve)
	return nil
}

type comboOverlay struct {
	cfg *domain.ComboConfig
}

func (o *comboOverlay) apply(raw []byte) error {
	var v struct {
		BaseMultiplier      *fixed.Amount `json:"base_multiplier"`
		MultiplierIncrement *fixed.Amount `json:"multiplier_increment"`
		MaxMultiplier       *fixed.Amount `json:"max_multiplier"`
		MaxComboCount       *int          `json:"max_combo_count"`
		ResetMultiplier     *fixed.Amount `json:"reset_multiplier"`
		ResetCombo          *int          `json:"reset_combo"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	c := o.cfg
	set(&c.BaseMultiplier, v.BaseMultiplier)
	set(&c.MultiplierIncrement, v.MultiplierIncrement)
	set(&c.MaxMultiplier, v.MaxMultiplier)
	set(&c.MaxComboCount, v.MaxComboCount)
	set(&c.ResetMultiplier, v.ResetMultiplier)
	set(&c.ResetCombo, v.ResetCombo)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *duration) {
	if v != nil {
		*dst = v.d
	}
}
