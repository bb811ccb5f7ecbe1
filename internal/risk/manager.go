package risk

import (
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"position-engine/pkg/logger"
)

// RiskMetrics aggregates realized outcomes across all instruments.
type RiskMetrics struct {
	// Daily Statistics
	DailyPnL    float64 `json:"daily_pnl"`
	DailyTrades int     `json:"daily_trades"`
	DailyWins   int     `json:"daily_wins"`
	DailyLosses float64 `json:"daily_losses"`

	// Cumulative
	TotalTrades      int     `json:"total_trades"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxProfit        float64 `json:"max_profit"`
	GrossProfit      float64 `json:"gross_profit"`
	GrossLoss        float64 `json:"gross_loss"`

	// Ratios
	WinRate      float64 `json:"win_rate"`
	ProfitFactor float64 `json:"profit_factor"`

	wins int
}

// Manager records closed-trade metrics and persists daily aggregates.
type Manager struct {
	db      *sql.DB
	log     *zap.Logger
	metrics *RiskMetrics
	now     func() time.Time
	day     string // date the daily counters belong to
	mu      sync.RWMutex
}

// NewManager creates a metrics manager backed by the DB and restores today's
// aggregate row, if any.
func NewManager(db *sql.DB, log *zap.Logger) (*Manager, error) {
	mgr := &Manager{
		db:      db,
		log:     logger.OrNop(log),
		metrics: &RiskMetrics{},
		now:     time.Now,
	}
	today := mgr.now().UTC().Format(dayLayout)
	mgr.day = today
	if db == nil {
		return mgr, nil
	}

	err := db.QueryRow(
		`SELECT daily_pnl, daily_trades, daily_wins, daily_losses FROM risk_metrics WHERE date = ?`, today,
	).Scan(&mgr.metrics.DailyPnL, &mgr.metrics.DailyTrades, &mgr.metrics.DailyWins, &mgr.metrics.DailyLosses)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "load risk metrics")
	}

	mgr.log.Info("risk manager initialized",
		zap.Float64("daily_pnl", mgr.metrics.DailyPnL),
		zap.Int("daily_trades", mgr.metrics.DailyTrades))
	return mgr, nil
}

// NewInMemory creates a metrics manager without DB persistence.
func NewInMemory() *Manager {
	return &Manager{
		log:     zap.NewNop(),
		metrics: &RiskMetrics{},
		now:     time.Now,
		day:     time.Now().UTC().Format(dayLayout),
	}
}

// dayLayout keys daily aggregates by UTC date.
const dayLayout = "2006-01-02"

// UpdateMetrics folds a fully closed leg into the in-memory and DB metrics.
func (m *Manager) UpdateMetrics(o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := o.ClosedAt
	if day.IsZero() {
		day = m.now()
	}
	if key := day.UTC().Format(dayLayout); key > m.day {
		m.resetDailyLocked()
		m.day = key
	}

	pnl := o.PnL
	mt := m.metrics
	mt.DailyTrades++
	mt.TotalTrades++
	mt.DailyPnL += pnl
	mt.TotalRealizedPnL += pnl

	wins := 0
	losses := 0.0
	switch {
	case pnl > 0:
		wins = 1
		mt.wins++
		mt.DailyWins++
		mt.GrossProfit += pnl
	case pnl < 0:
		losses = -pnl
		mt.DailyLosses += losses
		mt.GrossLoss += losses
	}

	if mt.TotalRealizedPnL > mt.MaxProfit {
		mt.MaxProfit = mt.TotalRealizedPnL
	}
	if dd := mt.MaxProfit - mt.TotalRealizedPnL; dd > mt.MaxDrawdown {
		mt.MaxDrawdown = dd
	}
	mt.WinRate = float64(mt.wins) / float64(mt.TotalTrades)
	if mt.GrossLoss > 0 {
		mt.ProfitFactor = mt.GrossProfit / mt.GrossLoss
	}

	if m.db == nil {
		return nil
	}

	_, err := m.db.Exec(`
		INSERT INTO risk_metrics (date, daily_pnl, daily_trades, daily_wins, daily_losses)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			daily_pnl = daily_pnl + ?,
			daily_trades = daily_trades + 1,
			daily_wins = daily_wins + ?,
			daily_losses = daily_losses + ?
	`,
		day.UTC().Format(dayLayout), pnl, wins, losses,
		pnl, wins, losses,
	)
	return errors.Wrap(err, "persist risk metrics")
}

// ResetDailyMetrics resets in-memory daily counters. UpdateMetrics does this
// itself when the first trade of a new day arrives.
func (m *Manager) ResetDailyMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked()
}

func (m *Manager) resetDailyLocked() {
	m.log.Info("daily metrics reset",
		zap.Float64("pnl", m.metrics.DailyPnL),
		zap.Int("trades", m.metrics.DailyTrades),
		zap.Float64("losses", m.metrics.DailyLosses))

	m.metrics.DailyPnL = 0
	m.metrics.DailyTrades = 0
	m.metrics.DailyWins = 0
	m.metrics.DailyLosses = 0
}

// GetMetrics returns current metrics snapshot.
func (m *Manager) GetMetrics() RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.metrics
}
