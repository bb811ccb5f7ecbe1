package risk

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid risk config")

// Side is the direction of a leg, slot or order intent.
// For orders, SideLong means buy and SideShort means sell.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign returns +1 for long, -1 for short and 0 otherwise.
func (s Side) Sign() float64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	}
	return 0
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	if s == SideShort {
		return SideLong
	}
	return s
}

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// SizingMode selects the volume sizing policy.
type SizingMode string

const (
	SizingFixed       SizingMode = "fixed"
	SizingRiskPercent SizingMode = "risk_percent"
	SizingMartingale  SizingMode = "martingale"
)

// DistanceUnit says how stop/take/trailing/break-even/spacing distances are expressed.
type DistanceUnit string

const (
	UnitPrice DistanceUnit = "price"
	UnitTicks DistanceUnit = "ticks"
)

// ProtectionMode selects how protective levels are enforced.
type ProtectionMode string

const (
	// ProtectVirtual: levels are checked against incoming bars by the engine.
	ProtectVirtual ProtectionMode = "virtual"
	// ProtectBroker: levels are mirrored as live stop/limit orders at the gateway.
	ProtectBroker ProtectionMode = "broker"
)

// EntryMode selects what happens on a setup signal while flat.
type EntryMode string

const (
	EntryMarket  EntryMode = "market"
	EntryPending EntryMode = "pending"
)

// PendingType is the order type used for staged grid entries.
type PendingType string

const (
	PendingStop  PendingType = "stop"
	PendingLimit PendingType = "limit"
)

// Instrument holds the venue constraints for one traded symbol.
type Instrument struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	TickSize   float64 `json:"tick_size" yaml:"tick_size"`
	VolumeStep float64 `json:"volume_step" yaml:"volume_step"`
	MinVolume  float64 `json:"min_volume" yaml:"min_volume"`
	MaxVolume  float64 `json:"max_volume" yaml:"max_volume"`
}

// RiskConfig is the immutable per-instrument configuration of the engine.
// Percentages are fractions (0.05 = 5%).
type RiskConfig struct {
	Instrument Instrument `json:"instrument" yaml:"instrument"`

	// Sizing
	SizingMode           SizingMode `json:"sizing_mode" yaml:"sizing_mode"`
	BaseVolume           float64    `json:"base_volume" yaml:"base_volume"`
	RiskPercent          float64    `json:"risk_percent" yaml:"risk_percent"`
	MartingaleMultiplier float64    `json:"martingale_multiplier" yaml:"martingale_multiplier"`

	// Protective levels
	DistanceUnit      DistanceUnit `json:"distance_unit" yaml:"distance_unit"`
	StopDistance      float64      `json:"stop_distance" yaml:"stop_distance"`
	TakeDistance      float64      `json:"take_distance" yaml:"take_distance"`
	RangeStopMultiple float64      `json:"range_stop_multiple" yaml:"range_stop_multiple"` // stop = range height * multiple
	RangeTakeMultiple float64      `json:"range_take_multiple" yaml:"range_take_multiple"`
	TrailingDistance  float64      `json:"trailing_distance" yaml:"trailing_distance"`
	TrailingStep      float64      `json:"trailing_step" yaml:"trailing_step"`
	BreakEvenTrigger  float64      `json:"break_even_trigger" yaml:"break_even_trigger"`
	BreakEvenOffset   float64      `json:"break_even_offset" yaml:"break_even_offset"`

	ProtectionMode  ProtectionMode `json:"protection_mode" yaml:"protection_mode"`
	ExitOnReversal  bool           `json:"exit_on_reversal" yaml:"exit_on_reversal"`
	ReverseOnSignal bool           `json:"reverse_on_signal" yaml:"reverse_on_signal"`

	// Entries
	EntryMode         EntryMode     `json:"entry_mode" yaml:"entry_mode"`
	PendingType       PendingType   `json:"pending_type" yaml:"pending_type"`
	GridSpacing       float64       `json:"grid_spacing" yaml:"grid_spacing"`
	GridLevels        int           `json:"grid_levels" yaml:"grid_levels"` // per side; 0 means MaxSlots
	MaxSlots          int           `json:"max_slots" yaml:"max_slots"`
	SlotTTL           time.Duration `json:"slot_ttl" yaml:"slot_ttl"`
	ReplaceOnNewSetup bool          `json:"replace_on_new_setup" yaml:"replace_on_new_setup"`
}

// DefaultConfig returns a conservative fixed-volume market-entry configuration.
func DefaultConfig() RiskConfig {
	return RiskConfig{
		Instrument: Instrument{
			Symbol:     "BTCUSDT",
			TickSize:   0.01,
			VolumeStep: 0.001,
			MinVolume:  0.001,
			MaxVolume:  100,
		},
		SizingMode:           SizingFixed,
		BaseVolume:           0.01,
		RiskPercent:          0.01,
		MartingaleMultiplier: 2,
		DistanceUnit:         UnitPrice,
		ProtectionMode:       ProtectVirtual,
		EntryMode:            EntryMarket,
		PendingType:          PendingStop,
		MaxSlots:             1,
	}
}

// Validate reports configuration errors. A failing config is fatal for the
// instrument's engine instance.
func (c RiskConfig) Validate() error {
	in := c.Instrument
	if in.Symbol == "" {
		return errors.Wrap(ErrInvalidConfig, "instrument symbol is empty")
	}
	for name, v := range map[string]float64{
		"tick_size": in.TickSize, "volume_step": in.VolumeStep,
		"min_volume": in.MinVolume, "max_volume": in.MaxVolume,
		"base_volume": c.BaseVolume, "risk_percent": c.RiskPercent,
		"stop_distance": c.StopDistance, "take_distance": c.TakeDistance,
		"range_stop_multiple": c.RangeStopMultiple, "range_take_multiple": c.RangeTakeMultiple,
		"trailing_distance": c.TrailingDistance, "trailing_step": c.TrailingStep,
		"break_even_trigger": c.BreakEvenTrigger, "break_even_offset": c.BreakEvenOffset,
		"grid_spacing": c.GridSpacing,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrInvalidConfig, "%s must be a finite non-negative number, got %v", name, v)
		}
	}
	if in.MaxVolume > 0 && in.MaxVolume < in.MinVolume {
		return errors.Wrapf(ErrInvalidConfig, "max_volume %v < min_volume %v", in.MaxVolume, in.MinVolume)
	}

	switch c.SizingMode {
	case SizingFixed:
		if c.BaseVolume <= 0 {
			return errors.Wrap(ErrInvalidConfig, "fixed sizing requires base_volume > 0")
		}
	case SizingRiskPercent:
		if c.RiskPercent <= 0 || c.RiskPercent > 1 {
			return errors.Wrapf(ErrInvalidConfig, "risk_percent %v outside (0, 1]", c.RiskPercent)
		}
	case SizingMartingale:
		if c.BaseVolume <= 0 {
			return errors.Wrap(ErrInvalidConfig, "martingale sizing requires base_volume > 0")
		}
		if c.MartingaleMultiplier < 1 {
			return errors.Wrapf(ErrInvalidConfig, "martingale multiplier %v < 1", c.MartingaleMultiplier)
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown sizing mode %q", c.SizingMode)
	}

	switch c.DistanceUnit {
	case UnitPrice:
	case UnitTicks:
		if in.TickSize <= 0 {
			return errors.Wrap(ErrInvalidConfig, "tick distances require tick_size > 0")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown distance unit %q", c.DistanceUnit)
	}

	if c.BreakEvenTrigger > 0 && c.BreakEvenOffset >= c.BreakEvenTrigger {
		return errors.Wrapf(ErrInvalidConfig, "break_even_offset %v must be below break_even_trigger %v",
			c.BreakEvenOffset, c.BreakEvenTrigger)
	}

	switch c.ProtectionMode {
	case ProtectVirtual, ProtectBroker:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown protection mode %q", c.ProtectionMode)
	}

	switch c.EntryMode {
	case EntryMarket:
	case EntryPending:
		if c.PendingType != PendingStop && c.PendingType != PendingLimit {
			return errors.Wrapf(ErrInvalidConfig, "unknown pending type %q", c.PendingType)
		}
		if c.MaxSlots <= 0 {
			return errors.Wrap(ErrInvalidConfig, "pending entries require max_slots > 0")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown entry mode %q", c.EntryMode)
	}
	if c.MaxSlots < 0 || c.GridLevels < 0 || c.SlotTTL < 0 {
		return errors.Wrap(ErrInvalidConfig, "max_slots, grid_levels and slot_ttl must not be negative")
	}
	if c.GridSpacing == 0 && c.MaxSlots > 1 && c.EntryMode == EntryPending {
		return errors.Wrapf(ErrInvalidConfig, "grid_spacing is zero with max_slots %d", c.MaxSlots)
	}
	return nil
}

// PriceDistance converts a configured distance into price units.
func (c RiskConfig) PriceDistance(d float64) float64 {
	if c.DistanceUnit == UnitTicks {
		return d * c.Instrument.TickSize
	}
	return d
}

// LevelsPerSide returns the number of grid levels generated on each side.
func (c RiskConfig) LevelsPerSide() int {
	if c.GridLevels > 0 {
		return c.GridLevels
	}
	return c.MaxSlots
}
