// Package oracle provides domain.PriceOracle implementations: an HTTP ticker
// client, an ordered fallback chain, a write-through cache and a manual
// oracle for tests and development.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// HTTPConfig describes one ticker endpoint. URL may contain {symbol}, which
// is replaced by the category's symbol.
type HTTPConfig struct {
	Name         string
	URL          string
	Symbols      map[string]string
	Field        string
	Timeout      time.Duration
	RatePerSec   float64
	Burst        int
	MaxRetries   int
	RetryBackoff time.Duration
}

// HTTPProvider reads spot prices from a JSON ticker endpoint. The endpoint
// is expected to be queried at (or just after) the requested timestamp, so
// ts is used only for logging.
type HTTPProvider struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ domain.PriceOracle = (*HTTPProvider)(nil)

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) *HTTPProvider {
	if cfg.Field == "" {
		cfg.Field = "price"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &HTTPProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:  logger.With(slog.String("component", "oracle"), slog.String("provider", cfg.Name)),
	}
}

// errPermanent marks a response that retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// ReferencePrice implements domain.PriceOracle.
func (h *HTTPProvider) ReferencePrice(ctx context.Context, category string, ts time.Time) (fixed.Amount, error) {
	symbol := category
	if s, ok := h.cfg.Symbols[category]; ok {
		symbol = s
	}
	url := strings.ReplaceAll(h.cfg.URL, "{symbol}", symbol)

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxRetries; attempt++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return 0, domain.ErrOracleUnavailable.Wrap(err)
		}
		price, err := h.fetch(ctx, url)
		if err == nil {
			return price, nil
		}
		lastErr = err
		var perm errPermanent
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		h.logger.Debug("price fetch failed",
			slog.String("category", category),
			slog.Time("at", ts),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < h.cfg.MaxRetries {
			select {
			case <-ctx.Done():
				return 0, domain.ErrOracleUnavailable.Wrap(ctx.Err())
			case <-time.After(h.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
	}
	return 0, domain.ErrOracleUnavailable.With("%s: %s", h.cfg.Name, category).Wrap(lastErr)
}

func (h *HTTPProvider) fetch(ctx context.Context, url string) (fixed.Amount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errPermanent{fmt.Errorf("oracle: build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("oracle: read body: %w", err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("oracle: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return 0, errPermanent{fmt.Errorf("oracle: status %d", resp.StatusCode)}
	}
	price, err := parsePrice(body, h.cfg.Field)
	if err != nil {
		return 0, errPermanent{err}
	}
	return price, nil
}

// parsePrice extracts field from a JSON object. The value may be a JSON
// number or a decimal string, and must be positive. Digits beyond micro
// precision are truncated.
func parsePrice(body []byte, field string) (fixed.Amount, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("oracle: decode: %w", err)
	}
	raw, ok := doc[field]
	if !ok {
		return 0, fmt.Errorf("oracle: field %q missing", field)
	}
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("oracle: parse %q: %w", s, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("oracle: non-positive price %s", d)
	}
	return fixed.FromDecimal(d.Truncate(fixed.Decimals))
}
