package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// PriceOracle supplies the reference price of a category's underlying as of
// ts. Implementations return an error matching ErrOracleUnavailable when no
// usable price exists.
type PriceOracle interface {
	ReferencePrice(ctx context.Context, category string, ts time.Time) (fixed.Amount, error)
}
