package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Fallback asks each provider in order and returns the first price.
type Fallback struct {
	providers []domain.PriceOracle
	logger    *slog.Logger
}

var _ domain.PriceOracle = (*Fallback)(nil)

// NewFallback creates a Fallback over providers.
func NewFallback(logger *slog.Logger, providers ...domain.PriceOracle) *Fallback {
	return &Fallback{
		providers: providers,
		logger:    logger.With(slog.String("component", "oracle_fallback")),
	}
}

func (f *Fallback) ReferencePrice(ctx context.Context, category string, ts time.Time) (fixed.Amount, error) {
	if len(f.providers) == 0 {
		return 0, domain.ErrOracleUnavailable.With("no providers configured")
	}
	errs := make([]error, 0, len(f.providers))
	for i, p := range f.providers {
		price, err := p.ReferencePrice(ctx, category, ts)
		if err == nil {
			if i > 0 {
				f.logger.Info("served by fallback provider", slog.String("category", category), slog.Int("index", i))
			}
			return price, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return 0, domain.ErrOracleUnavailable.With("all providers failed for %s", category).Wrap(errors.Join(errs...))
}

// Cached writes every good price through to a PriceCache and, when the
// inner oracle fails, serves a cached price no older than maxStaleness
// relative to ts.
type Cached struct {
	inner        domain.PriceOracle
	cache        domain.PriceCache
	maxStaleness time.Duration
	logger       *slog.Logger
}

var _ domain.PriceOracle = (*Cached)(nil)

// NewCached creates a Cached oracle.
func NewCached(inner domain.PriceOracle, cache domain.PriceCache, maxStaleness time.Duration, logger *slog.Logger) *Cached {
	return &Cached{
		inner:        inner,
		cache:        cache,
		maxStaleness: maxStaleness,
		logger:       logger.With(slog.String("component", "oracle_cache")),
	}
}

func (c *Cached) ReferencePrice(ctx context.Context, category string, ts time.Time) (fixed.Amount, error) {
	price, err := c.inner.ReferencePrice(ctx, category, ts)
	if err == nil {
		if cerr := c.cache.SetPrice(ctx, category, price, ts); cerr != nil {
			c.logger.Warn("price cache write failed", slog.String("category", category), slog.String("error", cerr.Error()))
		}
		return price, nil
	}

	cached, at, cerr := c.cache.GetPrice(ctx, category)
	if cerr != nil {
		return 0, err
	}
	age := ts.Sub(at)
	if age < 0 {
		age = -age
	}
	if age > c.maxStaleness {
		return 0, domain.ErrOracleUnavailable.With("cached %s price is %s away from %s", category, age, ts.Format(time.RFC3339)).Wrap(err)
	}
	c.logger.Warn("serving cached price",
		slog.String("category", category),
		slog.Duration("age", age),
		slog.String("error", err.Error()),
	)
	return cached, nil
}

// Manual is an oracle whose prices are set by hand.
type Manual struct {
	mu     sync.Mutex
	exact  map[string]fixed.Amount
	latest map[string]fixed.Amount
	down   map[string]bool
}

var _ domain.PriceOracle = (*Manual)(nil)

// NewManual creates an empty Manual oracle.
func NewManual() *Manual {
	return &Manual{
		exact:  make(map[string]fixed.Amount),
		latest: make(map[string]fixed.Amount),
		down:   make(map[string]bool),
	}
}

func exactKey(category string, ts time.Time) string {
	return fmt.Sprintf("%s@%d", category, ts.UnixNano())
}

// SetAt sets the price of category at exactly ts.
func (m *Manual) SetAt(category string, ts time.Time, price fixed.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact[exactKey(category, ts)] = price
}

// Set sets the price returned for any timestamp without an exact entry.
func (m *Manual) Set(category string, price fixed.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[category] = price
}

// SetDown makes category unavailable until called again with false.
func (m *Manual) SetDown(category string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[category] = down
}

func (m *Manual) ReferencePrice(_ context.Context, category string, ts time.Time) (fixed.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down[category] {
		return 0, domain.ErrOracleUnavailable.With("%s is down", category)
	}
	if p, ok := m.exact[exactKey(category, ts)]; ok {
		return p, nil
	}
	if p, ok := m.latest[category]; ok {
		return p, nil
	}
	return 0, domain.ErrOracleUnavailable.With("no price for %s", category)
}
