package settlement

import (
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Strategy computes the base payout of a winning position. Implementations
// are pure functions of the position and the round's configuration
// snapshot.
type Strategy interface {
	Model() domain.PayoutModel
	Base(pos domain.Position, cfg domain.RoundConfig) (fixed.Amount, error)
}

// PerShare pays each winning share one PTS less the platform margin.
type PerShare struct{}

func (PerShare) Model() domain.PayoutModel { return domain.PayoutPerShare }

func (PerShare) Base(pos domain.Position, cfg domain.RoundConfig) (fixed.Amount, error) {
	return pos.Shares.Mul(cfg.PayoutRatio, fixed.Floor)
}

// CostBasis pays the PTS still at risk scaled by the payout ratio.
type CostBasis struct{}

func (CostBasis) Model() domain.PayoutModel { return domain.PayoutCostBasis }

func (CostBasis) Base(pos domain.Position, cfg domain.RoundConfig) (fixed.Amount, error) {
	return pos.CostBasis.Mul(cfg.PayoutRatio, fixed.Floor)
}

// StrategyFor returns the strategy implementing model.
func StrategyFor(model domain.PayoutModel) (Strategy, error) {
	switch model {
	case domain.PayoutPerShare, "":
		return PerShare{}, nil
	case domain.PayoutCostBasis:
		return CostBasis{}, nil
	default:
		return nil, domain.ErrInvalidInput.With("unknown payout model %q", model)
	}
}
