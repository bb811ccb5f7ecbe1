package risk

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Outcome is the result of a fully closed leg, remembered for martingale sizing.
type Outcome struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Volume   float64   `json:"volume"`
	Entry    float64   `json:"entry"`
	Exit     float64   `json:"exit"`
	PnL      float64   `json:"pnl"`
	ClosedAt time.Time `json:"closed_at"`
}

// OutcomeMemory holds the most recent closed trade until an entry consumes it.
type OutcomeMemory struct {
	mu   sync.Mutex
	last *Outcome
}

// Record replaces the remembered outcome.
func (m *OutcomeMemory) Record(o Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &o
}

// Peek returns the remembered outcome without consuming it.
func (m *OutcomeMemory) Peek() *Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	o := *m.last
	return &o
}

// Take returns the remembered outcome and clears it, so a result sizes at
// most one subsequent entry.
func (m *OutcomeMemory) Take() *Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.last
	m.last = nil
	return o
}

// ComputeVolume sizes a new entry and returns the normalized volume. A zero
// volume means no trade. stopDistance is in price units; refPrice is the
// expected entry price.
func ComputeVolume(cfg RiskConfig, equity, refPrice, stopDistance float64, last *Outcome) (float64, error) {
	var raw float64
	switch cfg.SizingMode {
	case SizingFixed:
		raw = cfg.BaseVolume

	case SizingRiskPercent:
		raw = riskPercentVolume(cfg, equity, refPrice, stopDistance)

	case SizingMartingale:
		if cfg.MartingaleMultiplier < 1 {
			return 0, errors.Wrapf(ErrInvalidConfig, "martingale multiplier %v < 1", cfg.MartingaleMultiplier)
		}
		raw = cfg.BaseVolume
		if last != nil && last.PnL < 0 && last.Volume > 0 {
			raw = last.Volume * cfg.MartingaleMultiplier
		}

	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "unknown sizing mode %q", cfg.SizingMode)
	}
	return Normalize(raw, cfg.Instrument), nil
}

// riskPercentVolume risks equity*RiskPercent over the stop distance. Missing
// inputs fail closed to the instrument minimum.
func riskPercentVolume(cfg RiskConfig, equity, refPrice, stopDistance float64) float64 {
	if !(equity > 0) || math.IsInf(equity, 0) {
		return cfg.Instrument.MinVolume
	}
	divisor := refPrice
	if cfg.StopDistance > 0 || cfg.RangeStopMultiple > 0 {
		divisor = stopDistance
	}
	if !(divisor > 0) || math.IsInf(divisor, 0) {
		return cfg.Instrument.MinVolume
	}
	v, _ := decimal.NewFromFloat(equity).
		Mul(decimal.NewFromFloat(cfg.RiskPercent)).
		Div(decimal.NewFromFloat(divisor)).
		Float64()
	return v
}

// Normalize floors raw to the volume step and clamps it to the instrument
// limits. Non-positive or NaN input returns 0.
func Normalize(raw float64, in Instrument) float64 {
	if !(raw > 0) || math.IsInf(raw, 0) {
		return 0
	}
	v := RoundDownToStep(raw, in.VolumeStep)
	if in.MaxVolume > 0 && v > in.MaxVolume {
		v = RoundDownToStep(in.MaxVolume, in.VolumeStep)
	}
	if v < in.MinVolume {
		v = in.MinVolume
	}
	return v
}
