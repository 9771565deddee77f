// Package round drives the round state machine: opening one round per
// category per slot, locking it at LockTime, resolving it against the price
// oracle and handing it to settlement.
package round

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/roundamm/internal/amm"
	"github.com/alanyoungcy/roundamm/internal/clock"
	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Settler finalises a resolved round.
type Settler interface {
	Settle(ctx context.Context, roundID string, outcome domain.Outcome, price fixed.Amount) (domain.Settlement, error)
	Void(ctx context.Context, roundID, reason string) (domain.Settlement, error)
}

// ArchiveQueue accepts terminal rounds for cold storage.
type ArchiveQueue interface {
	Enqueue(roundID string)
}

// Void reasons recorded on the round.
const (
	VoidTie               = "tie"
	VoidMissingOpenPrice  = "missing_open_price"
	VoidOracleUnavailable = "oracle_unavailable"
)

// Deps are the collaborators of a Manager. Archive may be nil.
type Deps struct {
	Store   domain.Store
	Config  domain.ConfigSource
	Oracle  domain.PriceOracle
	Settler Settler
	Gates   *Gates
	Locks   domain.LockManager
	Bus     domain.SignalBus
	Cache   domain.RoundCache
	Archive ArchiveQueue
	Clock   clock.Clock
}

// Options tune timeouts.
type Options struct {
	OracleTimeout time.Duration
	OpenLockTTL   time.Duration
}

// Manager owns round transitions. Every transition re-reads the round under
// an exclusive row lock, so several schedulers may run against one store.
type Manager struct {
	Deps
	opts   Options
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if opts.OracleTimeout <= 0 {
		opts.OracleTimeout = 5 * time.Second
	}
	if opts.OpenLockTTL <= 0 {
		opts.OpenLockTTL = 30 * time.Second
	}
	return &Manager{
		Deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "round")),
	}
}

// Slot returns the open, lock and resolve times of the slot containing now.
func Slot(now time.Time, cfg domain.RoundConfig) (open, lock, resolve time.Time) {
	open = now.Truncate(cfg.RoundDuration)
	lock = open.Add(cfg.BettingWindow)
	resolve = lock.Add(cfg.LockPeriod)
	return open, lock, resolve
}

// Recover rebuilds gates for every non-terminal round. Overdue transitions
// fire on the next tick.
func (m *Manager) Recover(ctx context.Context) ([]domain.Round, error) {
	rounds, err := m.Store.ListActiveRounds(ctx)
	if err != nil {
		return nil, fmt.Errorf("round: recover: %w", err)
	}
	for _, r := range rounds {
		m.Gates.Get(r.ID)
		if err := m.Cache.SetCurrent(ctx, r); err != nil {
			m.logger.Warn("round cache write failed", slog.String("round", r.ID), slog.String("error", err.Error()))
		}
	}
	m.logger.Info("recovered active rounds", slog.Int("count", len(rounds)))
	return rounds, nil
}

// Open creates the round of category's current slot if it does not exist
// and betting is still possible. It reports whether this call created it.
func (m *Manager) Open(ctx context.Context, category string) (domain.Round, bool, error) {
	cfg, err := m.Config.RoundConfig(ctx, category)
	if err != nil {
		return domain.Round{}, false, fmt.Errorf("round: config %s: %w", category, err)
	}
	now := m.Clock.Now()
	openAt, lockAt, resolveAt := Slot(now, cfg)
	if !now.Before(lockAt) {
		return domain.Round{}, false, nil
	}

	if existing, err := m.Store.GetRoundBySlot(ctx, category, openAt); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Round{}, false, fmt.Errorf("round: slot lookup: %w", err)
	}

	key := fmt.Sprintf("round:open:%s:%d", category, openAt.Unix())
	unlock, err := m.Locks.Acquire(ctx, key, m.opts.OpenLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return domain.Round{}, false, nil
	}
	if err != nil {
		return domain.Round{}, false, fmt.Errorf("round: open lock: %w", err)
	}
	defer unlock()

	openPrice := m.fetchPrice(ctx, category, openAt)

	r := domain.Round{
		ID:          uuid.NewString(),
		Category:    category,
		OpenTime:    openAt,
		LockTime:    lockAt,
		ResolveTime: resolveAt,
		Status:      domain.RoundBetting,
		OpenPrice:   openPrice,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Validate(); err != nil {
		return domain.Round{}, false, err
	}
	pool, err := amm.NewPool(r.ID, cfg, now)
	if err != nil {
		return domain.Round{}, false, err
	}

	err = m.Store.InTx(ctx, func(tx domain.Tx) error {
		seq, err := tx.LatestSequence(ctx, category)
		if err != nil {
			return err
		}
		r.Sequence = seq + 1
		if err := tx.CreateRound(ctx, r); err != nil {
			return err
		}
		if err := tx.CreatePool(ctx, pool); err != nil {
			return err
		}
		return tx.Audit(ctx, "round_opened", map[string]any{
			"round_id": r.ID,
			"category": category,
			"sequence": r.Sequence,
		})
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		existing, getErr := m.Store.GetRoundBySlot(ctx, category, openAt)
		if getErr != nil {
			return domain.Round{}, false, fmt.Errorf("round: open raced: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return domain.Round{}, false, fmt.Errorf("round: open %s: %w", category, err)
	}

	m.Gates.Get(r.ID)
	m.logger.Info("round opened",
		slog.String("round", r.ID),
		slog.String("category", category),
		slog.Int64("sequence", r.Sequence),
		slog.Time("lock_time", r.LockTime),
		slog.Bool("has_open_price", r.OpenPrice != nil),
	)
	m.announce(ctx, domain.EventRoundOpened, r)
	return r, true, nil
}

// Advance fires whatever transition r is due for at the current time.
func (m *Manager) Advance(ctx context.Context, r domain.Round) (domain.Round, error) {
	now := m.Clock.Now()
	switch r.Status {
	case domain.RoundBetting:
		if r.OpenPrice == nil && now.Before(r.LockTime) {
			return m.backfillOpenPrice(ctx, r)
		}
		if !now.Before(r.LockTime) {
			return m.Lock(ctx, r.ID)
		}
	case domain.RoundLocked:
		if !now.Before(r.ResolveTime) {
			return m.beginSettling(ctx, r.ID)
		}
	case domain.RoundSettling:
		return m.Resolve(ctx, r.ID)
	}
	return r, nil
}

// Lock moves a BETTING round to LOCKED. It waits for the round's gate so any
// in-flight trade finishes first and every queued trade then sees LOCKED.
func (m *Manager) Lock(ctx context.Context, roundID string) (domain.Round, error) {
	release, err := m.Gates.Acquire(ctx, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	defer release()

	r, changed, err := m.transition(ctx, roundID, domain.RoundBetting, domain.RoundLocked, "round_locked")
	if err != nil || !changed {
		return r, err
	}
	m.logger.Info("round locked", slog.String("round", r.ID), slog.String("category", r.Category))
	m.announce(ctx, domain.EventRoundLocked, r)
	return r, nil
}

func (m *Manager) beginSettling(ctx context.Context, roundID string) (domain.Round, error) {
	r, changed, err := m.transition(ctx, roundID, domain.RoundLocked, domain.RoundSettling, "round_settling")
	if err != nil || !changed {
		return r, err
	}
	m.announce(ctx, domain.EventRoundSettling, r)
	return m.Resolve(ctx, r.ID)
}

// Resolve fetches the settlement price of a SETTLING round and settles or
// voids it. While the oracle is unavailable and the grace period has not
// elapsed the round stays SETTLING.
func (m *Manager) Resolve(ctx context.Context, roundID string) (domain.Round, error) {
	r, err := m.Store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round: resolve %s: %w", roundID, err)
	}
	if r.Status != domain.RoundSettling {
		return r, nil
	}
	if r.OpenPrice == nil {
		return m.void(ctx, r, VoidMissingOpenPrice)
	}

	price := r.SettlementPrice
	if price == nil {
		price = m.fetchPrice(ctx, r.Category, r.ResolveTime)
		if price == nil {
			deadline := r.ResolveTime.Add(r.Config.OracleGrace)
			if !m.Clock.Now().Before(deadline) {
				return m.void(ctx, r, VoidOracleUnavailable)
			}
			m.logger.Warn("settlement price unavailable, retrying",
				slog.String("round", r.ID),
				slog.Time("deadline", deadline),
			)
			return r, nil
		}
		if r, err = m.recordSettlementPrice(ctx, r.ID, *price); err != nil {
			return r, err
		}
	}

	outcome := Outcome(*r.OpenPrice, *price)
	if outcome == domain.OutcomeVoid {
		return m.void(ctx, r, VoidTie)
	}
	sum, err := m.Settler.Settle(ctx, r.ID, outcome, *price)
	if err != nil {
		m.logger.Error("settlement failed",
			slog.String("round", r.ID),
			slog.String("error", err.Error()),
		)
		return r, err
	}
	return m.finish(ctx, r.ID, domain.EventRoundSettled, sum)
}

// Outcome compares the settlement price with the open price. Equal prices
// resolve VOID.
func Outcome(open, settle fixed.Amount) domain.Outcome {
	switch {
	case settle > open:
		return domain.OutcomeYes
	case settle < open:
		return domain.OutcomeNo
	default:
		return domain.OutcomeVoid
	}
}

func (m *Manager) void(ctx context.Context, r domain.Round, reason string) (domain.Round, error) {
	sum, err := m.Settler.Void(ctx, r.ID, reason)
	if err != nil {
		m.logger.Error("void failed", slog.String("round", r.ID), slog.String("error", err.Error()))
		return r, err
	}
	m.logger.Warn("round voided", slog.String("round", r.ID), slog.String("reason", reason))
	return m.finish(ctx, r.ID, domain.EventRoundVoided, sum)
}

func (m *Manager) finish(ctx context.Context, roundID string, ev domain.RoundEventType, sum domain.Settlement) (domain.Round, error) {
	r, err := m.Store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, fmt.Errorf("round: reload %s: %w", roundID, err)
	}
	m.logger.Info("round finished",
		slog.String("round", r.ID),
		slog.String("status", string(r.Status)),
		slog.String("outcome", string(r.Outcome)),
		slog.Int("winners", sum.Winners),
		slog.String("total_base", sum.TotalBase.String()),
	)
	m.announce(ctx, ev, r)
	m.Gates.Remove(r.ID)
	if m.Archive != nil {
		m.Archive.Enqueue(r.ID)
	}
	return r, nil
}

// transition moves roundID from → to under an exclusive row lock. It is a
// no-op when the round has already left from.
func (m *Manager) transition(ctx context.Context, roundID string, from, to domain.RoundStatus, event string) (domain.Round, bool, error) {
	var (
		out     domain.Round
		changed bool
	)
	err := m.Store.InTx(ctx, func(tx domain.Tx) error {
		r, err := tx.LockRoundExclusive(ctx, roundID)
		if err != nil {
			return err
		}
		out = r
		if r.Status != from {
			return nil
		}
		if !domain.CanTransition(from, to) {
			return fmt.Errorf("round: illegal transition %s -> %s", from, to)
		}
		r.Status = to
		r.UpdatedAt = m.Clock.Now()
		if err := tx.UpdateRound(ctx, r); err != nil {
			return err
		}
		out, changed = r, true
		return tx.Audit(ctx, event, map[string]any{"round_id": r.ID, "category": r.Category})
	})
	if err != nil {
		return domain.Round{}, false, fmt.Errorf("round: %s %s: %w", event, roundID, err)
	}
	return out, changed, nil
}

func (m *Manager) backfillOpenPrice(ctx context.Context, r domain.Round) (domain.Round, error) {
	price := m.fetchPrice(ctx, r.Category, r.OpenTime)
	if price == nil {
		return r, nil
	}
	var (
		out     domain.Round
		changed bool
	)
	err := m.Store.InTx(ctx, func(tx domain.Tx) error {
		cur, err := tx.LockRoundExclusive(ctx, r.ID)
		if err != nil {
			return err
		}
		out = cur
		if cur.Status != domain.RoundBetting || cur.OpenPrice != nil {
			return nil
		}
		cur.OpenPrice = price
		cur.UpdatedAt = m.Clock.Now()
		out, changed = cur, true
		return tx.UpdateRound(ctx, cur)
	})
	if err != nil {
		return r, fmt.Errorf("round: backfill open price %s: %w", r.ID, err)
	}
	if changed {
		m.logger.Info("open price backfilled", slog.String("round", r.ID), slog.String("price", price.String()))
		m.announce(ctx, domain.EventRoundUpdated, out)
	}
	return out, nil
}

func (m *Manager) recordSettlementPrice(ctx context.Context, roundID string, price fixed.Amount) (domain.Round, error) {
	var out domain.Round
	err := m.Store.InTx(ctx, func(tx domain.Tx) error {
		r, err := tx.LockRoundExclusive(ctx, roundID)
		if err != nil {
			return err
		}
		r.SettlementPrice = &price
		r.UpdatedAt = m.Clock.Now()
		out = r
		return tx.UpdateRound(ctx, r)
	})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round: record settlement price %s: %w", roundID, err)
	}
	return out, nil
}

// fetchPrice asks the oracle with a bounded wait. It returns nil when no
// price is available.
func (m *Manager) fetchPrice(ctx context.Context, category string, ts time.Time) *fixed.Amount {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OracleTimeout)
	defer cancel()
	p, err := m.Oracle.ReferencePrice(ctx, category, ts)
	if err != nil {
		m.logger.Warn("reference price unavailable",
			slog.String("category", category),
			slog.Time("at", ts),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return &p
}

// Current returns the newest round of category, preferring the cache.
func (m *Manager) Current(ctx context.Context, category string) (domain.Round, error) {
	if r, err := m.Cache.GetCurrent(ctx, category); err == nil {
		return r, nil
	}
	rounds, err := m.Store.ListRounds(ctx, category, domain.ListOpts{Limit: 1})
	if err != nil {
		return domain.Round{}, fmt.Errorf("round: current %s: %w", category, err)
	}
	if len(rounds) == 0 {
		return domain.Round{}, domain.ErrRoundNotFound.With("no rounds for category %q", category)
	}
	if err := m.Cache.SetCurrent(ctx, rounds[0]); err != nil {
		m.logger.Warn("round cache write failed", slog.String("error", err.Error()))
	}
	return rounds[0], nil
}

// announce publishes ev for r and keeps the current-round cache in step.
// Delivery failures are logged; the store remains authoritative.
func (m *Manager) announce(ctx context.Context, ev domain.RoundEventType, r domain.Round) {
	cur, err := m.Cache.GetCurrent(ctx, r.Category)
	if err != nil || cur.ID == r.ID || cur.OpenTime.Before(r.OpenTime) {
		if err := m.Cache.SetCurrent(ctx, r); err != nil {
			m.logger.Warn("round cache write failed", slog.String("round", r.ID), slog.String("error", err.Error()))
		}
	}

	payload, err := json.Marshal(domain.NewRoundEvent(ev, r, m.Clock.Now()))
	if err != nil {
		m.logger.Error("marshal round event", slog.String("error", err.Error()))
		return
	}
	if err := m.Bus.Publish(ctx, domain.RoundChannel(r.Category), payload); err != nil {
		m.logger.Warn("publish round event failed", slog.String("round", r.ID), slog.String("error", err.Error()))
	}
	if err := m.Bus.StreamAppend(ctx, domain.RoundEventStream, payload); err != nil {
		m.logger.Warn("append round event failed", slog.String("round", r.ID), slog.String("error", err.Error()))
	}
}
