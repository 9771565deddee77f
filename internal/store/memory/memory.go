// Package memory is a single-process Store for development and tests. All
// transactions are serialised behind one mutex and rolled back through an
// undo log.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

type slotKey struct {
	category string
	openTime int64
}

type seqKey struct {
	category string
	sequence int64
}

type positionKey struct {
	userID  string
	roundID string
	side    domain.Side
}

type state struct {
	rounds      map[string]domain.Round
	slots       map[slotKey]string
	sequences   map[seqKey]string
	pools       map[string]domain.Pool
	positions   map[string]domain.Position
	open        map[positionKey]string
	balances    map[string]domain.Balance
	combos      map[string]domain.ComboState
	trades      map[string]domain.Trade
	requests    map[string]string
	roundTrades map[string][]string
	payouts     map[string]domain.Payout
	paid        map[string]string
	settlements map[string]domain.Settlement
	audit       []domain.AuditEntry
	admin       map[string]domain.AdminConfig
}

// Store implements domain.Store in memory.
type Store struct {
	mu  sync.RWMutex
	s   *state
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		s: &state{
			rounds:      make(map[string]domain.Round),
			slots:       make(map[slotKey]string),
			sequences:   make(map[seqKey]string),
			pools:       make(map[string]domain.Pool),
			positions:   make(map[string]domain.Position),
			open:        make(map[positionKey]string),
			balances:    make(map[string]domain.Balance),
			combos:      make(map[string]domain.ComboState),
			trades:      make(map[string]domain.Trade),
			requests:    make(map[string]string),
			roundTrades: make(map[string][]string),
			payouts:     make(map[string]domain.Payout),
			paid:        make(map[string]string),
			settlements: make(map[string]domain.Settlement),
			admin:       make(map[string]domain.AdminConfig),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// InTx runs fn under the store lock. If fn fails every write it made is
// undone.
func (m *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &tx{state: m.s, now: m.now}
	defer func() {
		if p := recover(); p != nil {
			t.rollback()
			panic(p)
		}
		if err != nil {
			t.rollback()
		}
	}()
	return fn(t)
}

func (m *Store) Close() error { return nil }

func (m *Store) GetRound(ctx context.Context, id string) (domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetRound(ctx, id)
}

func (m *Store) GetRoundBySlot(ctx context.Context, category string, openTime time.Time) (domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetRoundBySlot(ctx, category, openTime)
}

func (m *Store) ListRounds(ctx context.Context, category string, opts domain.ListOpts) ([]domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListRounds(ctx, category, opts)
}

func (m *Store) ListActiveRounds(ctx context.Context) ([]domain.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListActiveRounds(ctx)
}

func (m *Store) GetPool(ctx context.Context, roundID string) (domain.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetPool(ctx, roundID)
}

func (m *Store) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetPosition(ctx, id)
}

func (m *Store) ListPositions(ctx context.Context, userID, roundID string) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListPositions(ctx, userID, roundID)
}

func (m *Store) ListRoundPositions(ctx context.Context, roundID string) ([]domain.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListRoundPositions(ctx, roundID)
}

func (m *Store) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetBalance(ctx, userID)
}

func (m *Store) GetCombo(ctx context.Context, userID string) (domain.ComboState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetCombo(ctx, userID)
}

func (m *Store) GetTradeByRequest(ctx context.Context, requestID string) (domain.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetTradeByRequest(ctx, requestID)
}

func (m *Store) ListTrades(ctx context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListTrades(ctx, roundID, opts)
}

func (m *Store) GetSettlement(ctx context.Context, roundID string) (domain.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.GetSettlement(ctx, roundID)
}

func (m *Store) ListPayouts(ctx context.Context, roundID string) ([]domain.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.ListPayouts(ctx, roundID)
}

// Log appends an audit entry outside any trade or round transaction.
func (m *Store) Log(_ context.Context, event string, detail map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s.appendAudit(event, detail, m.now())
	return nil
}

// List returns audit entries newest first.
func (m *Store) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(m.s.audit))
	for i := len(m.s.audit) - 1; i >= 0; i-- {
		e := m.s.audit[i]
		if !inWindow(e.CreatedAt, opts) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

func (m *Store) GetConfig(_ context.Context, key string) (domain.AdminConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.s.admin[key]
	if !ok {
		return domain.AdminConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (m *Store) PutConfig(_ context.Context, cfg domain.AdminConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = m.now()
	}
	m.s.admin[cfg.Key] = cfg
	return nil
}

// --- reads shared by Store and tx; callers hold the lock ---

func (s *state) GetRound(_ context.Context, id string) (domain.Round, error) {
	r, ok := s.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return cloneRound(r), nil
}

func (s *state) GetRoundBySlot(ctx context.Context, category string, openTime time.Time) (domain.Round, error) {
	id, ok := s.slots[slotKey{category, openTime.UnixNano()}]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return s.GetRound(ctx, id)
}

func (s *state) ListRounds(_ context.Context, category string, opts domain.ListOpts) ([]domain.Round, error) {
	out := make([]domain.Round, 0)
	for _, r := range s.rounds {
		if category != "" && r.Category != category {
			continue
		}
		if !inWindow(r.OpenTime, opts) {
			continue
		}
		out = append(out, cloneRound(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.After(out[j].OpenTime)
		}
		return out[i].Category < out[j].Category
	})
	return paginate(out, opts), nil
}

func (s *state) ListActiveRounds(_ context.Context) ([]domain.Round, error) {
	out := make([]domain.Round, 0)
	for _, r := range s.rounds {
		if !r.Status.Terminal() {
			out = append(out, cloneRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenTime.Equal(out[j].OpenTime) {
			return out[i].OpenTime.Before(out[j].OpenTime)
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}

func (s *state) GetPool(_ context.Context, roundID string) (domain.Pool, error) {
	p, ok := s.pools[roundID]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *state) GetPosition(_ context.Context, id string) (domain.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return clonePosition(p), nil
}

func (s *state) ListPositions(_ context.Context, userID, roundID string) ([]domain.Position, error) {
	return s.filterPositions(func(p domain.Position) bool {
		return p.UserID == userID && (roundID == "" || p.RoundID == roundID)
	}), nil
}

func (s *state) ListRoundPositions(_ context.Context, roundID string) ([]domain.Position, error) {
	return s.filterPositions(func(p domain.Position) bool { return p.RoundID == roundID }), nil
}

func (s *state) filterPositions(keep func(domain.Position) bool) []domain.Position {
	out := make([]domain.Position, 0)
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, clonePosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].OpenedAt.Before(out[j].OpenedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) GetBalance(_ context.Context, userID string) (domain.Balance, error) {
	b, ok := s.balances[userID]
	if !ok {
		return domain.Balance{UserID: userID}, nil
	}
	return b, nil
}

func (s *state) GetCombo(_ context.Context, userID string) (domain.ComboState, error) {
	c, ok := s.combos[userID]
	if !ok {
		return domain.ComboState{UserID: userID}, nil
	}
	return c, nil
}

func (s *state) GetTradeByRequest(_ context.Context, requestID string) (domain.Trade, error) {
	id, ok := s.requests[requestID]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return s.trades[id], nil
}

func (s *state) ListTrades(_ context.Context, roundID string, opts domain.ListOpts) ([]domain.Trade, error) {
	ids := s.roundTrades[roundID]
	out := make([]domain.Trade, 0, len(ids))
	for _, id := range ids {
		t := s.trades[id]
		if inWindow(t.ExecutedAt, opts) {
			out = append(out, t)
		}
	}
	return paginate(out, opts), nil
}

func (s *state) GetSettlement(_ context.Context, roundID string) (domain.Settlement, error) {
	st, ok := s.settlements[roundID]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *state) ListPayouts(_ context.Context, roundID string) ([]domain.Payout, error) {
	out := make([]domain.Payout, 0)
	for _, p := range s.payouts {
		if p.RoundID == roundID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) appendAudit(event string, detail map[string]any, at time.Time) {
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: at,
	})
}

func cloneRound(r domain.Round) domain.Round {
	if r.OpenPrice != nil {
		v := *r.OpenPrice
		r.OpenPrice = &v
	}
	if r.SettlementPrice != nil {
		v := *r.SettlementPrice
		r.SettlementPrice = &v
	}
	if r.SettledAt != nil {
		v := *r.SettledAt
		r.SettledAt = &v
	}
	return r
}

func clonePosition(p domain.Position) domain.Position {
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		p.ClosedAt = &v
	}
	return p
}

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func balanceAfter(b domain.Balance, delta fixed.Amount) (fixed.Amount, error) {
	return fixed.Add(b.Amount, delta)
}
