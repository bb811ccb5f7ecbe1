package db

import (
	"context"
	"database/sql"
	"time"
)

// Intent is a journaled order intent and its last known gateway status.
type Intent struct {
	ID        string
	Symbol    string
	Kind      string
	Side      string
	Volume    float64
	Price     float64
	TargetID  string
	Purpose   string
	Status    string
	Reason    string
	CreatedAt time.Time
}

// Fill is one applied execution; (OrderID, FillID) is the idempotence key.
type Fill struct {
	OrderID  string
	FillID   string
	Symbol   string
	Side     string
	Price    float64
	Volume   float64
	FilledAt time.Time
}

// ClosedTrade is the realized outcome of a fully closed leg.
type ClosedTrade struct {
	ID       int64
	Symbol   string
	Side     string
	Volume   float64
	Entry    float64
	Exit     float64
	PnL      float64
	ClosedAt time.Time
}

// Position is the latest open-leg snapshot per symbol. Levels is JSON.
type Position struct {
	Symbol      string
	Side        string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	Levels      string
	OpenedAt    time.Time
	UpdatedAt   time.Time
}

// UpsertIntent inserts an intent or refreshes its status.
func (d *Database) UpsertIntent(ctx context.Context, in Intent) error {
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO intents (id, symbol, kind, side, volume, price, target_id, purpose, status, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			updated_at = CURRENT_TIMESTAMP
	`, in.ID, in.Symbol, in.Kind, in.Side, in.Volume, in.Price, in.TargetID, in.Purpose, in.Status, in.Reason, created)
	return err
}

// UpdateIntentStatus sets the status of a journaled intent.
func (d *Database) UpdateIntentStatus(ctx context.Context, id, status, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE intents SET status = ?, reason = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, reason, id)
	return err
}

// ListIntentsByStatus returns intents for a symbol in the given status, oldest first.
func (d *Database) ListIntentsByStatus(ctx context.Context, symbol, status string) ([]Intent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, kind, side, volume, price, target_id, purpose, status, reason, created_at
		FROM intents WHERE symbol = ? AND status = ?
		ORDER BY created_at ASC`, symbol, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.Symbol, &in.Kind, &in.Side, &in.Volume, &in.Price,
			&in.TargetID, &in.Purpose, &in.Status, &in.Reason, &in.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// InsertFill journals a fill. It reports false when the key was already present.
func (d *Database) InsertFill(ctx context.Context, f Fill) (bool, error) {
	filled := f.FilledAt
	if filled.IsZero() {
		filled = time.Now()
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (order_id, fill_id, symbol, side, price, volume, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.OrderID, f.FillID, f.Symbol, f.Side, f.Price, f.Volume, filled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListFills returns the journaled fills for a symbol in application order.
func (d *Database) ListFills(ctx context.Context, symbol string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, fill_id, symbol, side, price, volume, filled_at
		FROM fills WHERE symbol = ?
		ORDER BY rowid ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.OrderID, &f.FillID, &f.Symbol, &f.Side, &f.Price, &f.Volume, &f.FilledAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// InsertClosedTrade records a realized outcome.
func (d *Database) InsertClosedTrade(ctx context.Context, t ClosedTrade) error {
	closed := t.ClosedAt
	if closed.IsZero() {
		closed = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO closed_trades (symbol, side, volume, entry_price, exit_price, pnl, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.Symbol, t.Side, t.Volume, t.Entry, t.Exit, t.PnL, closed)
	return err
}

// ListClosedTrades returns the most recent closed trades for a symbol.
func (d *Database) ListClosedTrades(ctx context.Context, symbol string, limit int) ([]ClosedTrade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, volume, entry_price, exit_price, pnl, closed_at
		FROM closed_trades WHERE symbol = ?
		ORDER BY id DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Volume, &t.Entry, &t.Exit, &t.PnL, &t.ClosedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertPosition stores the latest leg snapshot for a symbol.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	levels := p.Levels
	if levels == "" {
		levels = "{}"
	}
	var opened sql.NullTime
	if !p.OpenedAt.IsZero() {
		opened = sql.NullTime{Time: p.OpenedAt, Valid: true}
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, side, qty, avg_price, realized_pnl, levels, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			levels = excluded.levels,
			opened_at = excluded.opened_at,
			updated_at = CURRENT_TIMESTAMP
	`, p.Symbol, p.Side, p.Qty, p.AvgPrice, p.RealizedPnL, levels, opened)
	return err
}

// DeletePosition removes the snapshot of a closed leg.
func (d *Database) DeletePosition(ctx context.Context, symbol string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

// GetPosition returns the snapshot for a symbol or nil if flat.
func (d *Database) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT symbol, side, qty, avg_price, realized_pnl, levels, opened_at, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, side, qty, avg_price, realized_pnl, levels, opened_at, updated_at
		FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanPosition(scan func(dest ...any) error) (Position, error) {
	var (
		p      Position
		opened sql.NullTime
	)
	if err := scan(&p.Symbol, &p.Side, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &p.Levels, &opened, &p.UpdatedAt); err != nil {
		return Position{}, err
	}
	if opened.Valid {
		p.OpenedAt = opened.Time
	}
	return p, nil
}
