package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/roundamm/internal/domain"
)

// GetConfig retrieves an override document by key.
func (s *Store) GetConfig(ctx context.Context, key string) (domain.AdminConfig, error) {
	const query = `SELECT key, value, updated_at FROM admin_config WHERE key = $1`

	var (
		cfg       domain.AdminConfig
		valueJSON []byte
	)
	err := s.client.Pool().QueryRow(ctx, query, key).Scan(&cfg.Key, &valueJSON, &cfg.UpdatedAt)
	if err != nil {
		return domain.AdminConfig{}, mapErr(err, "get config %s", key)
	}
	if err := json.Unmarshal(valueJSON, &cfg.Value); err != nil {
		return domain.AdminConfig{}, fmt.Errorf("postgres: unmarshal config %s: %w", key, err)
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

// PutConfig inserts or replaces an override document. The value is stored
// as JSONB.
func (s *Store) PutConfig(ctx context.Context, cfg domain.AdminConfig) error {
	valueJSON, err := json.Marshal(cfg.Value)
	if err != nil {
		return fmt.Errorf("postgres: marshal config %s: %w", cfg.Key, err)
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = s.now()
	}

	const query = `
		INSERT INTO admin_config (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.client.Pool().Exec(ctx, query, cfg.Key, valueJSON, cfg.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: upsert config %s: %w", cfg.Key, err)
	}
	return nil
}
