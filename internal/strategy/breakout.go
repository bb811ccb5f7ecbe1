// Package strategy holds the demo signal source used to drive the engine
// end-to-end. Real deployments feed signals through the API instead.
package strategy

import (
	"sync"

	"position-engine/internal/engine"
	"position-engine/internal/indicators"
	"position-engine/internal/market"
)

// Breakout emits an entry when a bar closes outside the high/low range of
// the previous Lookback bars. A direction is signalled once; the next signal
// for the symbol must point the other way.
type Breakout struct {
	mu   sync.Mutex
	ind  *indicators.Engine
	last map[string]engine.Action

	// TrendFilter requires longs above and shorts below the SMA of the
	// last 3*lookback closes.
	TrendFilter bool
}

// NewBreakout creates a breakout source over lookback bars.
func NewBreakout(lookback int, trendFilter bool) *Breakout {
	return &Breakout{
		ind:         indicators.NewEngine(lookback, 3*lookback),
		last:        make(map[string]engine.Action),
		TrendFilter: trendFilter,
	}
}

func (b *Breakout) Name() string { return "breakout" }

// OnBar ingests a closed bar and returns a signal, or nil.
func (b *Breakout) OnBar(bar market.Bar) *engine.Signal {
	if !bar.Valid() {
		return nil
	}
	v := b.ind.Update(bar.Symbol, bar.High, bar.Low, bar.Close)
	if !v.Ready || v.RangeHigh <= v.RangeLow {
		return nil
	}

	var action engine.Action
	switch {
	case bar.Close > v.RangeHigh && (!b.TrendFilter || bar.Close > v.SMA):
		action = engine.ActionEnterLong
	case bar.Close < v.RangeLow && (!b.TrendFilter || bar.Close < v.SMA):
		action = engine.ActionEnterShort
	default:
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last[bar.Symbol] == action {
		return nil
	}
	b.last[bar.Symbol] = action

	return &engine.Signal{
		Symbol:    bar.Symbol,
		Action:    action,
		Price:     bar.Close,
		RangeHigh: v.RangeHigh,
		RangeLow:  v.RangeLow,
		Time:      bar.Time,
	}
}
