package state

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"position-engine/internal/order"
	"position-engine/internal/risk"
	"position-engine/pkg/db"
	"position-engine/pkg/logger"
)

// Intent statuses stored in the journal.
const (
	IntentPending   = "PENDING"
	IntentFilled    = "FILLED"
	IntentPartial   = "PARTIALLY_FILLED"
	IntentCancelled = "CANCELLED"
	IntentRejected  = "REJECTED"
)

// Manager keeps an in-memory view of open legs while persisting intents,
// fills, closed trades and leg snapshots to the SQLite journal.
type Manager struct {
	mu   sync.RWMutex
	legs map[string]Leg
	db   *db.Database
	log  *zap.Logger
}

// NewManager builds a journal over database. A nil database keeps state in
// memory only.
func NewManager(database *db.Database, log *zap.Logger) *Manager {
	return &Manager{
		db:   database,
		legs: make(map[string]Leg),
		log:  logger.OrNop(log).Named("journal"),
	}
}

// Load seeds the in-memory view from the positions table.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	pos, err := m.db.ListPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "list positions")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pos {
		leg, err := legFromRow(p)
		if err != nil {
			m.log.Warn("skipping unreadable position", zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		m.legs[p.Symbol] = *leg
	}
	return nil
}

// Restore returns the persisted leg (nil when flat) and the applied fill keys
// for symbol, for seeding a Ledger after restart.
func (m *Manager) Restore(ctx context.Context, symbol string) (*Leg, []FillKey, error) {
	m.mu.RLock()
	leg, ok := m.legs[symbol]
	m.mu.RUnlock()

	var out *Leg
	if ok {
		out = leg.clone()
	}
	if m.db == nil {
		return out, nil, nil
	}
	fills, err := m.db.ListFills(ctx, symbol)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "list fills %s", symbol)
	}
	keys := make([]FillKey, 0, len(fills))
	for _, f := range fills {
		keys = append(keys, FillKey{OrderID: f.OrderID, FillID: f.FillID})
	}
	return out, keys, nil
}

// RecordIntent journals an intent as pending.
func (m *Manager) RecordIntent(ctx context.Context, in order.Intent) error {
	if m.db == nil {
		return nil
	}
	return m.db.UpsertIntent(ctx, db.Intent{
		ID:        in.ID,
		Symbol:    in.Symbol,
		Kind:      string(in.Kind),
		Side:      string(in.Side),
		Volume:    in.Volume,
		Price:     in.Price,
		TargetID:  in.TargetID,
		Purpose:   string(in.Purpose),
		Status:    IntentPending,
		CreatedAt: in.CreatedAt,
	})
}

// UpdateIntent records the latest gateway status of an intent.
func (m *Manager) UpdateIntent(ctx context.Context, id, status, reason string) error {
	if m.db == nil {
		return nil
	}
	return m.db.UpdateIntentStatus(ctx, id, status, reason)
}

// RecordFill journals an applied fill. It reports false when the key was
// already journaled.
func (m *Manager) RecordFill(ctx context.Context, symbol string, f Fill) (bool, error) {
	if m.db == nil {
		return true, nil
	}
	return m.db.InsertFill(ctx, db.Fill{
		OrderID:  f.OrderID,
		FillID:   f.FillID,
		Symbol:   symbol,
		Side:     string(f.Side),
		Price:    f.Price,
		Volume:   f.Volume,
		FilledAt: f.Time,
	})
}

// SaveLeg persists the open leg of symbol; nil deletes the snapshot.
func (m *Manager) SaveLeg(ctx context.Context, symbol string, leg *Leg) error {
	m.mu.Lock()
	if leg == nil {
		delete(m.legs, symbol)
	} else {
		m.legs[symbol] = *leg.clone()
	}
	m.mu.Unlock()

	if m.db == nil {
		return nil
	}
	if leg == nil {
		return m.db.DeletePosition(ctx, symbol)
	}
	levels, err := json.Marshal(leg.Levels)
	if err != nil {
		return errors.Wrap(err, "encode levels")
	}
	return m.db.UpsertPosition(ctx, db.Position{
		Symbol:      symbol,
		Side:        string(leg.Side),
		Qty:         leg.Volume,
		AvgPrice:    leg.AvgEntry,
		RealizedPnL: leg.Realized,
		Levels:      string(levels),
		OpenedAt:    leg.OpenedAt,
	})
}

// RecordClosed journals a realized outcome.
func (m *Manager) RecordClosed(ctx context.Context, o risk.Outcome) error {
	if m.db == nil {
		return nil
	}
	return m.db.InsertClosedTrade(ctx, db.ClosedTrade{
		Symbol:   o.Symbol,
		Side:     string(o.Side),
		Volume:   o.Volume,
		Entry:    o.Entry,
		Exit:     o.Exit,
		PnL:      o.PnL,
		ClosedAt: o.ClosedAt,
	})
}

// ClosedTrades returns the most recent outcomes for symbol, newest first.
func (m *Manager) ClosedTrades(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error) {
	if m.db == nil {
		return nil, nil
	}
	rows, err := m.db.ListClosedTrades(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	out := make([]risk.Outcome, 0, len(rows))
	for _, r := range rows {
		out = append(out, risk.Outcome{
			Symbol:   r.Symbol,
			Side:     risk.Side(r.Side),
			Volume:   r.Volume,
			Entry:    r.Entry,
			Exit:     r.Exit,
			PnL:      r.PnL,
			ClosedAt: r.ClosedAt,
		})
	}
	return out, nil
}

// LastOutcome returns the newest closed trade for symbol, used to restore
// martingale memory after restart.
func (m *Manager) LastOutcome(ctx context.Context, symbol string) (*risk.Outcome, error) {
	list, err := m.ClosedTrades(ctx, symbol, 1)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// Position returns the latest in-memory snapshot for a symbol.
func (m *Manager) Position(symbol string) (Leg, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.legs[symbol]
	return l, ok
}

// Positions returns a snapshot of all open legs.
func (m *Manager) Positions() []Leg {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Leg, 0, len(m.legs))
	for _, l := range m.legs {
		res = append(res, l)
	}
	return res
}

func legFromRow(p db.Position) (*Leg, error) {
	side := risk.Side(p.Side)
	if !side.Valid() || !(p.Qty > 0) || !(p.AvgPrice > 0) {
		return nil, errors.Errorf("invalid leg side=%q qty=%v avg=%v", p.Side, p.Qty, p.AvgPrice)
	}
	leg := &Leg{
		Symbol:   p.Symbol,
		Side:     side,
		Volume:   p.Qty,
		AvgEntry: p.AvgPrice,
		OpenedAt: p.OpenedAt,
		Realized: p.RealizedPnL,
		Entered:  p.Qty,
	}
	if p.Levels != "" {
		if err := json.Unmarshal([]byte(p.Levels), &leg.Levels); err != nil {
			return nil, errors.Wrap(err, "decode levels")
		}
	}
	return leg, nil
}
