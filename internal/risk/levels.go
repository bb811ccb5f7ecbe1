package risk

import (
	"math"

	"position-engine/internal/market"
)

// Level is an optional protective price.
type Level struct {
	Price float64 `json:"price"`
	Set   bool    `json:"set"`
}

// At returns a set level at price p.
func At(p float64) Level { return Level{Price: p, Set: true} }

// Levels are the protective prices owned by an open leg. For a long leg
// Stop < entry < TakeProfit when both are set, inverted for short.
type Levels struct {
	Stop          Level `json:"stop"`
	TakeProfit    Level `json:"take_profit"`
	Trailing      Level `json:"trailing"`
	BreakEvenDone bool  `json:"break_even_done"`
}

// EffectiveStop returns the more protective of Stop and Trailing.
func (l Levels) EffectiveStop(side Side) Level {
	switch {
	case !l.Trailing.Set:
		return l.Stop
	case !l.Stop.Set:
		return l.Trailing
	case (l.Trailing.Price-l.Stop.Price)*side.Sign() > 0:
		return l.Trailing
	default:
		return l.Stop
	}
}

// ExitReason labels why a leg was closed by the level engine.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "take_profit"
	ExitStop       ExitReason = "stop"
	ExitTrailing   ExitReason = "trailing"
	ExitReversal   ExitReason = "reversal"
	ExitSignal     ExitReason = "signal"
)

// Exit is a close decision at a given price.
type Exit struct {
	Reason ExitReason `json:"reason"`
	Price  float64    `json:"price"`
}

// Update is the outcome of one bar against a leg.
type Update struct {
	Levels Levels
	Exit   *Exit
	Moved  bool // stop or trailing changed
}

// LevelEngine derives and maintains protective levels for one instrument.
type LevelEngine struct {
	cfg RiskConfig
}

func NewLevelEngine(cfg RiskConfig) *LevelEngine {
	return &LevelEngine{cfg: cfg}
}

// StopDistance returns the initial stop distance in price units. When a range
// multiple is configured and a structural range is given it wins over the
// fixed distance.
func (e *LevelEngine) StopDistance(structuralRange float64) float64 {
	if e.cfg.RangeStopMultiple > 0 && structuralRange > 0 {
		return structuralRange * e.cfg.RangeStopMultiple
	}
	return e.cfg.PriceDistance(e.cfg.StopDistance)
}

// TakeDistance is the take-profit counterpart of StopDistance.
func (e *LevelEngine) TakeDistance(structuralRange float64) float64 {
	if e.cfg.RangeTakeMultiple > 0 && structuralRange > 0 {
		return structuralRange * e.cfg.RangeTakeMultiple
	}
	return e.cfg.PriceDistance(e.cfg.TakeDistance)
}

// Initial computes the opening levels for a leg entered at entry.
func (e *LevelEngine) Initial(side Side, entry, structuralRange float64) Levels {
	var lv Levels
	if !side.Valid() || !(entry > 0) || math.IsInf(entry, 0) {
		return lv
	}
	tick := e.cfg.Instrument.TickSize
	if d := e.StopDistance(structuralRange); d > 0 {
		if p := entry - side.Sign()*d; p > 0 {
			lv.Stop = At(awayFromEntry(p, entry, tick))
		}
	}
	if d := e.TakeDistance(structuralRange); d > 0 {
		if p := entry + side.Sign()*d; p > 0 {
			lv.TakeProfit = At(awayFromEntry(p, entry, tick))
		}
	}
	return lv
}

// OnPriceUpdate evaluates one bar against a leg of the given side and average
// entry. Exits are checked against the levels in force when the bar opened, in
// the order take-profit, stop, reversal. Break-even and trailing adjustments
// are applied only when the leg survives the bar.
func (e *LevelEngine) OnPriceUpdate(side Side, entry float64, lv Levels, bar market.Bar, reversal bool) Update {
	up := Update{Levels: lv}
	if !side.Valid() || !(entry > 0) || !bar.Valid() {
		return up
	}
	sign := side.Sign()

	if tp := lv.TakeProfit; tp.Set && touched(side, bar, tp.Price, true) {
		up.Exit = &Exit{Reason: ExitTakeProfit, Price: fillThrough(side, bar.Open, tp.Price, true)}
		return up
	}
	if st := lv.EffectiveStop(side); st.Set && touched(side, bar, st.Price, false) {
		reason := ExitStop
		if lv.Trailing.Set && st == lv.Trailing {
			reason = ExitTrailing
		}
		up.Exit = &Exit{Reason: reason, Price: fillThrough(side, bar.Open, st.Price, false)}
		return up
	}
	if reversal && e.cfg.ExitOnReversal {
		up.Exit = &Exit{Reason: ExitReversal, Price: bar.Close}
		return up
	}

	tick := e.cfg.Instrument.TickSize
	excursion := (bar.Close - entry) * sign

	if trigger := e.cfg.PriceDistance(e.cfg.BreakEvenTrigger); trigger > 0 && !up.Levels.BreakEvenDone && excursion >= trigger {
		up.Levels.BreakEvenDone = true
		be := roundStop(side, entry+sign*e.cfg.PriceDistance(e.cfg.BreakEvenOffset), tick)
		if cur := up.Levels.Stop; !cur.Set || (be-cur.Price)*sign > 0 {
			up.Levels.Stop = At(be)
			up.Moved = true
		}
	}

	dist := e.cfg.PriceDistance(e.cfg.TrailingDistance)
	step := e.cfg.PriceDistance(e.cfg.TrailingStep)
	if dist > 0 && excursion > dist+step {
		candidate := roundStop(side, bar.Close-sign*dist, tick)
		eff := up.Levels.EffectiveStop(side)
		gain := (candidate - eff.Price) * sign
		if !eff.Set || (step > 0 && gain >= step) || (step == 0 && gain > 0) {
			up.Levels.Trailing = At(candidate)
			up.Moved = true
		}
	}
	return up
}

// touched reports whether the bar's range reached price. favourable selects
// the take-profit direction.
func touched(side Side, bar market.Bar, price float64, favourable bool) bool {
	up := (side == SideLong) == favourable
	if up {
		return bar.High >= price
	}
	return bar.Low <= price
}

// fillThrough returns the level price, or the bar open when the bar gapped
// through the level.
func fillThrough(side Side, open, price float64, favourable bool) float64 {
	if !(open > 0) {
		return price
	}
	up := (side == SideLong) == favourable
	if up && open > price {
		return open
	}
	if !up && open < price {
		return open
	}
	return price
}

// roundStop rounds a stop toward the protective side of the tick grid.
func roundStop(side Side, p, tick float64) float64 {
	if side == SideShort {
		return RoundUpToStep(p, tick)
	}
	return RoundDownToStep(p, tick)
}
