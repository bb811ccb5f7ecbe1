package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"position-engine/internal/risk"
	"position-engine/internal/state"
)

// Service is what the API layer may do with the engine. Apart from
// forwarding externally generated signals it only reads; trading decisions
// stay inside the coordinators.
type Service interface {
	SubmitSignal(ctx context.Context, sig Signal) error
	ListInstruments(ctx context.Context) ([]Snapshot, error)
	GetInstrument(ctx context.Context, symbol string) (*Snapshot, error)
	ClosedTrades(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error)
	GetRiskMetrics(ctx context.Context) (*risk.RiskMetrics, error)
	GetSystemStatus(ctx context.Context) *SystemStatus
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode        string    `json:"mode"`
	Venue       string    `json:"venue"`
	Symbols     []string  `json:"symbols"`
	UseMockFeed bool      `json:"use_mock_feed"`
	Equity      float64   `json:"equity"`
	EquityKnown bool      `json:"equity_known"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	ServerTime  time.Time `json:"server_time"`
}

// TradeHistory reads closed trades. Implemented by state.Manager.
type TradeHistory interface {
	ClosedTrades(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error)
}

// Impl implements Service by composing the registry and its collaborators.
type Impl struct {
	registry *Registry
	riskMgr  *risk.Manager
	history  TradeHistory
	meta     SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Registry *Registry
	RiskMgr  *risk.Manager
	History  TradeHistory
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Meta.StartedAt.IsZero() {
		cfg.Meta.StartedAt = time.Now()
	}
	return &Impl{
		registry: cfg.Registry,
		riskMgr:  cfg.RiskMgr,
		history:  cfg.History,
		meta:     cfg.Meta,
	}
}

var _ Service = (*Impl)(nil)
var _ TradeHistory = (*state.Manager)(nil)

func (e *Impl) SubmitSignal(ctx context.Context, sig Signal) error {
	if e.registry == nil {
		return errors.New("engine not available")
	}
	if sig.Time.IsZero() {
		sig.Time = time.Now()
	}
	return e.registry.OnSignal(ctx, sig)
}

func (e *Impl) ListInstruments(ctx context.Context) ([]Snapshot, error) {
	if e.registry == nil {
		return nil, errors.New("engine not available")
	}
	return e.registry.Snapshots(), nil
}

func (e *Impl) GetInstrument(ctx context.Context, symbol string) (*Snapshot, error) {
	if e.registry == nil {
		return nil, errors.New("engine not available")
	}
	c, ok := e.registry.Get(symbol)
	if !ok {
		return nil, errors.Wrap(ErrUnknownSymbol, symbol)
	}
	s := c.Snapshot()
	return &s, nil
}

func (e *Impl) ClosedTrades(ctx context.Context, symbol string, limit int) ([]risk.Outcome, error) {
	if e.history == nil {
		return nil, nil
	}
	if e.registry != nil {
		if _, ok := e.registry.Get(symbol); !ok {
			return nil, errors.Wrap(ErrUnknownSymbol, symbol)
		}
	}
	return e.history.ClosedTrades(ctx, symbol, limit)
}

func (e *Impl) GetRiskMetrics(ctx context.Context) (*risk.RiskMetrics, error) {
	if e.riskMgr == nil {
		return nil, errors.New("risk manager not available")
	}
	m := e.riskMgr.GetMetrics()
	return &m, nil
}

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now()
	if e.registry != nil {
		status.Symbols = e.registry.Symbols()
		if eq := e.registry.shared.Equity; eq != nil {
			status.Equity, status.EquityKnown = eq.Equity()
		}
	}
	return &status
}
