package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"position-engine/internal/balance"
	"position-engine/internal/events"
	"position-engine/internal/market"
	"position-engine/internal/order"
	"position-engine/internal/risk"
	"position-engine/internal/state"
	"position-engine/pkg/logger"
)

// ErrUnknownSymbol is returned when no coordinator owns the symbol.
var ErrUnknownSymbol = errors.New("unknown instrument")

// Restorer loads persisted state for one instrument. Implemented by state.Manager.
type Restorer interface {
	Restore(ctx context.Context, symbol string) (*state.Leg, []state.FillKey, error)
	LastOutcome(ctx context.Context, symbol string) (*risk.Outcome, error)
}

// Shared holds the collaborators every coordinator of a registry uses.
type Shared struct {
	Submitter     order.Submitter
	Equity        balance.EquitySource
	Journal       Journal
	Outcomes      OutcomeRecorder
	Bus           *events.Bus
	Log           *zap.Logger
	InboxSize     int
	SweepInterval time.Duration
}

// Registry owns one coordinator per instrument and routes events by symbol.
type Registry struct {
	shared Shared
	log    *zap.Logger

	mu     sync.RWMutex
	coords map[string]*Coordinator
	wg     sync.WaitGroup
}

func NewRegistry(shared Shared) *Registry {
	return &Registry{
		shared: shared,
		log:    logger.OrNop(shared.Log).Named("engine"),
		coords: make(map[string]*Coordinator),
	}
}

// Add builds a coordinator for cfg. A bad configuration is reported and
// leaves the other instruments unaffected.
func (r *Registry) Add(cfg risk.RiskConfig) (*Coordinator, error) {
	symbol := cfg.Instrument.Symbol
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.coords[symbol]; ok {
		return nil, errors.Errorf("instrument %s already registered", symbol)
	}
	c, err := NewCoordinator(Options{
		Risk:          cfg,
		Submitter:     r.shared.Submitter,
		Equity:        r.shared.Equity,
		Journal:       r.shared.Journal,
		Outcomes:      r.shared.Outcomes,
		Bus:           r.shared.Bus,
		Log:           r.log,
		InboxSize:     r.shared.InboxSize,
		SweepInterval: r.shared.SweepInterval,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "instrument %s", symbol)
	}
	r.coords[symbol] = c
	return c, nil
}

// Restore seeds every coordinator from persisted state. Call before Start.
func (r *Registry) Restore(ctx context.Context, src Restorer) error {
	for _, c := range r.all() {
		leg, keys, err := src.Restore(ctx, c.Symbol())
		if err != nil {
			return errors.Wrapf(err, "restore %s", c.Symbol())
		}
		last, err := src.LastOutcome(ctx, c.Symbol())
		if err != nil {
			return errors.Wrapf(err, "restore %s outcome", c.Symbol())
		}
		c.Restore(leg, keys, last)
		if leg != nil {
			r.log.Info("restored open leg",
				zap.String("symbol", c.Symbol()),
				zap.String("side", string(leg.Side)),
				zap.Float64("volume", leg.Volume))
		}
	}
	return nil
}

// Start runs every coordinator until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	for _, c := range r.all() {
		c := c
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("coordinator exited", zap.String("symbol", c.Symbol()), zap.Error(err))
			}
		}()
	}
}

// Wait blocks until every coordinator has returned.
func (r *Registry) Wait() { r.wg.Wait() }

// Get returns the coordinator for symbol.
func (r *Registry) Get(symbol string) (*Coordinator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.coords[symbol]
	return c, ok
}

// Symbols returns the registered instruments, sorted.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.coords))
	for s := range r.coords {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Snapshots returns a snapshot of every coordinator, sorted by symbol.
func (r *Registry) Snapshots() []Snapshot {
	coords := r.all()
	out := make([]Snapshot, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Snapshot())
	}
	return out
}

func (r *Registry) all() []*Coordinator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Coordinator, 0, len(r.coords))
	for _, c := range r.coords {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].symbol < out[j].symbol })
	return out
}

// OnBar routes a closed bar. It matches market.BarHandler.
func (r *Registry) OnBar(bar market.Bar) {
	c, ok := r.Get(bar.Symbol)
	if !ok {
		return
	}
	_ = c.OnBar(bar)
}

// OnSignal routes a signal to its instrument.
func (r *Registry) OnSignal(ctx context.Context, sig Signal) error {
	c, ok := r.Get(sig.Symbol)
	if !ok {
		return errors.Wrap(ErrUnknownSymbol, sig.Symbol)
	}
	return c.OnSignal(ctx, sig)
}

// OnReport routes a gateway report. It matches order.ReportSink.
func (r *Registry) OnReport(rep order.Report) {
	c, ok := r.Get(rep.Symbol)
	if !ok {
		r.log.Warn("report for unknown instrument", zap.String("symbol", rep.Symbol), zap.String("intent_id", rep.IntentID))
		return
	}
	c.OnReport(rep)
}
