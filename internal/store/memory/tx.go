package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

type tx struct {
	*state
	now  func() time.Time
	undo []func()
}

var _ domain.Tx = (*tx)(nil)

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// remember records how to restore m[k] to its current value.
func remember[K comparable, V any](t *tx, m map[K]V, k K) {
	old, ok := m[k]
	t.undo = append(t.undo, func() {
		if ok {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
}

func (t *tx) LockRoundShared(ctx context.Context, id string) (domain.Round, error) {
	return t.GetRound(ctx, id)
}

func (t *tx) LockRoundExclusive(ctx context.Context, id string) (domain.Round, error) {
	return t.GetRound(ctx, id)
}

func (t *tx) LatestSequence(_ context.Context, category string) (int64, error) {
	var max int64
	for k := range t.sequences {
		if k.category == category && k.sequence > max {
			max = k.sequence
		}
	}
	return max, nil
}

func (t *tx) CreateRound(_ context.Context, r domain.Round) error {
	sk := slotKey{r.Category, r.OpenTime.UnixNano()}
	qk := seqKey{r.Category, r.Sequence}
	if _, ok := t.rounds[r.ID]; ok {
		return fmt.Errorf("memory: round %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	if _, ok := t.slots[sk]; ok {
		return fmt.Errorf("memory: round slot %s@%s: %w", r.Category, r.OpenTime, domain.ErrAlreadyExists)
	}
	if _, ok := t.sequences[qk]; ok {
		return fmt.Errorf("memory: round sequence %s#%d: %w", r.Category, r.Sequence, domain.ErrAlreadyExists)
	}
	remember(t, t.rounds, r.ID)
	remember(t, t.slots, sk)
	remember(t, t.sequences, qk)
	t.rounds[r.ID] = cloneRound(r)
	t.slots[sk] = r.ID
	t.sequences[qk] = r.ID
	return nil
}

func (t *tx) UpdateRound(_ context.Context, r domain.Round) error {
	if _, ok := t.rounds[r.ID]; !ok {
		return fmt.Errorf("memory: update round %s: %w", r.ID, domain.ErrNotFound)
	}
	remember(t, t.rounds, r.ID)
	t.rounds[r.ID] = cloneRound(r)
	return nil
}

func (t *tx) CreatePool(_ context.Context, p domain.Pool) error {
	if _, ok := t.pools[p.RoundID]; ok {
		return fmt.Errorf("memory: pool %s: %w", p.RoundID, domain.ErrAlreadyExists)
	}
	remember(t, t.pools, p.RoundID)
	t.pools[p.RoundID] = p
	return nil
}

func (t *tx) UpdatePool(_ context.Context, p domain.Pool, prevVersion int64) error {
	cur, ok := t.pools[p.RoundID]
	if !ok {
		return fmt.Errorf("memory: update pool %s: %w", p.RoundID, domain.ErrNotFound)
	}
	if cur.Version != prevVersion {
		return fmt.Errorf("memory: pool %s at version %d, expected %d: %w",
			p.RoundID, cur.Version, prevVersion, domain.ErrConflict)
	}
	remember(t, t.pools, p.RoundID)
	t.pools[p.RoundID] = p
	return nil
}

func (t *tx) GetOpenPosition(ctx context.Context, userID, roundID string, side domain.Side) (domain.Position, error) {
	id, ok := t.open[positionKey{userID, roundID, side}]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return t.GetPosition(ctx, id)
}

func (t *tx) CreatePosition(_ context.Context, p domain.Position) error {
	if _, ok := t.positions[p.ID]; ok {
		return fmt.Errorf("memory: position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	key := positionKey{p.UserID, p.RoundID, p.Side}
	if p.Status == domain.PositionOpen {
		if _, ok := t.open[key]; ok {
			return fmt.Errorf("memory: open position %s/%s/%s: %w", p.UserID, p.RoundID, p.Side, domain.ErrAlreadyExists)
		}
		remember(t, t.open, key)
		t.open[key] = p.ID
	}
	remember(t, t.positions, p.ID)
	t.positions[p.ID] = clonePosition(p)
	return nil
}

func (t *tx) UpdatePosition(_ context.Context, p domain.Position) error {
	cur, ok := t.positions[p.ID]
	if !ok {
		return fmt.Errorf("memory: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	key := positionKey{cur.UserID, cur.RoundID, cur.Side}
	if cur.Status == domain.PositionOpen && p.Status != domain.PositionOpen {
		remember(t, t.open, key)
		delete(t.open, key)
	}
	remember(t, t.positions, p.ID)
	t.positions[p.ID] = clonePosition(p)
	return nil
}

func (t *tx) Debit(_ context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative debit %s", amount)
	}
	b := t.balances[userID]
	if b.Amount < amount {
		return domain.Balance{}, domain.ErrInsufficientBalance.With("balance %s below %s", b.Amount, amount)
	}
	remember(t, t.balances, userID)
	b.UserID = userID
	b.Amount -= amount
	b.UpdatedAt = t.now()
	t.balances[userID] = b
	return b, nil
}

func (t *tx) Credit(_ context.Context, userID string, amount fixed.Amount) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.ErrInvalidInput.With("negative credit %s", amount)
	}
	b := t.balances[userID]
	next, err := balanceAfter(b, amount)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("memory: credit %s: %w", userID, err)
	}
	remember(t, t.balances, userID)
	b.UserID = userID
	b.Amount = next
	b.UpdatedAt = t.now()
	t.balances[userID] = b
	return b, nil
}

func (t *tx) InsertTrade(_ context.Context, tr domain.Trade) error {
	if _, ok := t.requests[tr.RequestID]; ok {
		return fmt.Errorf("memory: trade request %s: %w", tr.RequestID, domain.ErrAlreadyExists)
	}
	remember(t, t.trades, tr.ID)
	remember(t, t.requests, tr.RequestID)
	remember(t, t.roundTrades, tr.RoundID)
	t.trades[tr.ID] = tr
	t.requests[tr.RequestID] = tr.ID
	ids := t.roundTrades[tr.RoundID]
	t.roundTrades[tr.RoundID] = append(ids[:len(ids):len(ids)], tr.ID)
	return nil
}

func (t *tx) SaveCombo(_ context.Context, c domain.ComboState) error {
	remember(t, t.combos, c.UserID)
	t.combos[c.UserID] = c
	return nil
}

func (t *tx) InsertPayout(_ context.Context, p domain.Payout) error {
	if _, ok := t.paid[p.PositionID]; ok {
		return fmt.Errorf("memory: payout for position %s: %w", p.PositionID, domain.ErrAlreadyExists)
	}
	remember(t, t.payouts, p.ID)
	remember(t, t.paid, p.PositionID)
	t.payouts[p.ID] = p
	t.paid[p.PositionID] = p.ID
	return nil
}

func (t *tx) InsertSettlement(_ context.Context, s domain.Settlement) error {
	if _, ok := t.settlements[s.RoundID]; ok {
		return fmt.Errorf("memory: settlement %s: %w", s.RoundID, domain.ErrAlreadyExists)
	}
	remember(t, t.settlements, s.RoundID)
	t.settlements[s.RoundID] = s
	return nil
}

func (t *tx) Audit(_ context.Context, event string, detail map[string]any) error {
	n := len(t.state.audit)
	t.undo = append(t.undo, func() { t.state.audit = t.state.audit[:n] })
	t.appendAudit(event, detail, t.now())
	return nil
}
