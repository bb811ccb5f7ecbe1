// Package balance provides the account equity used for risk-percent sizing.
package balance

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-engine/pkg/logger"
)

// EquitySource reports current account equity. ok is false when the value is
// unknown, in which case sizing falls back to its safe default.
type EquitySource interface {
	Equity() (equity float64, ok bool)
}

// Balance represents the cached account state.
type Balance struct {
	Equity   float64   `json:"equity"`
	LastSync time.Time `json:"last_sync"`
}

// Manager caches equity from an upstream source and refreshes it
// periodically. Values older than MaxAge are treated as unknown.
type Manager struct {
	source       EquitySource
	syncInterval time.Duration
	maxAge       time.Duration
	log          *zap.Logger
	now          func() time.Time

	mu       sync.RWMutex
	equity   float64
	lastSync time.Time
}

// NewManager creates a balance manager. maxAge <= 0 never expires the cache.
func NewManager(source EquitySource, syncInterval, maxAge time.Duration, log *zap.Logger) *Manager {
	if syncInterval <= 0 {
		syncInterval = 5 * time.Second
	}
	return &Manager{
		source:       source,
		syncInterval: syncInterval,
		maxAge:       maxAge,
		log:          logger.OrNop(log).Named("balance"),
		now:          time.Now,
	}
}

// Start begins periodic balance sync
func (m *Manager) Start(ctx context.Context) {
	// Initial sync
	m.Sync()

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sync()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest equity from the source. It reports whether a
// usable value was obtained.
func (m *Manager) Sync() bool {
	if m.source == nil {
		return false
	}
	eq, ok := m.source.Equity()
	if !ok || math.IsNaN(eq) || math.IsInf(eq, 0) {
		m.log.Warn("equity unavailable")
		return false
	}

	m.mu.Lock()
	m.equity = eq
	m.lastSync = m.now()
	m.mu.Unlock()

	m.log.Debug("equity synced", zap.Float64("equity", eq))
	return true
}

// SetInitialBalance seeds the cache, e.g. before the first sync.
func (m *Manager) SetInitialBalance(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = amount
	m.lastSync = m.now()
}

// Equity implements EquitySource over the cached value.
func (m *Manager) Equity() (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSync.IsZero() {
		return 0, false
	}
	if m.maxAge > 0 && m.now().Sub(m.lastSync) > m.maxAge {
		return m.equity, false
	}
	return m.equity, true
}

// GetBalance returns current balance snapshot
func (m *Manager) GetBalance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Balance{Equity: m.equity, LastSync: m.lastSync}
}

// Static is a fixed equity value, handy for tests and backtests.
type Static float64

func (s Static) Equity() (float64, bool) { return float64(s), float64(s) > 0 }
