package state

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"position-engine/internal/risk"
)

// ErrInvalidFill is returned for fills that can never be applied.
var ErrInvalidFill = errors.New("invalid fill")

// volumeEpsilon treats residual float volume as zero.
const volumeEpsilon = 1e-9

// Leg is the accumulated open exposure on one side of an instrument.
type Leg struct {
	Symbol   string      `json:"symbol"`
	Side     risk.Side   `json:"side"`
	Volume   float64     `json:"volume"`
	AvgEntry float64     `json:"avg_entry"`
	OpenedAt time.Time   `json:"opened_at"`
	Levels   risk.Levels `json:"levels"`
	Realized float64     `json:"realized"` // from partial closes so far
	Entered  float64     `json:"entered"`  // total volume added over the leg's life
}

func (l *Leg) clone() *Leg {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// UnrealizedPnL values the leg at price.
func (l *Leg) UnrealizedPnL(price float64) float64 {
	if l == nil {
		return 0
	}
	return (price - l.AvgEntry) * l.Volume * l.Side.Sign()
}

// Fill is one execution report applied to the ledger. Side is the direction
// of the execution: long buys, short sells.
type Fill struct {
	OrderID string
	FillID  string
	Side    risk.Side
	Price   float64
	Volume  float64
	Time    time.Time
}

// FillKey identifies an applied fill.
type FillKey struct {
	OrderID string
	FillID  string
}

func (k FillKey) String() string { return k.OrderID + "/" + k.FillID }

// FillResult describes what a fill did to the ledger.
type FillResult struct {
	Realized  float64       // P&L realized by this fill
	Closed    *risk.Outcome // set when the previous leg closed fully
	Opened    *Leg          // set when this fill started a new leg
	Reversed  bool          // closed one side and opened the other
	Duplicate bool
	Leg       *Leg // the leg after the fill, nil when flat
}

// Ledger tracks the single open leg of one instrument and the fills applied
// to it. It is owned by one coordinator; the mutex only guards snapshots.
type Ledger struct {
	mu      sync.RWMutex
	symbol  string
	leg     *Leg
	applied map[FillKey]struct{}
}

func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:  symbol,
		applied: make(map[FillKey]struct{}),
	}
}

// AlreadyApplied reports whether the fill key has been applied.
func (l *Ledger) AlreadyApplied(orderID, fillID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.applied[FillKey{OrderID: orderID, FillID: fillID}]
	return ok
}

// ApplyFill folds an execution into the ledger. Same-side fills average in;
// opposite-side fills close first and open the remainder on the other side at
// the fill price. Repeated keys are reported as duplicates and change nothing.
func (l *Ledger) ApplyFill(f Fill) (FillResult, error) {
	if !f.Side.Valid() || !(f.Volume > 0) || !(f.Price > 0) ||
		math.IsInf(f.Volume, 0) || math.IsInf(f.Price, 0) {
		return FillResult{}, errors.Wrapf(ErrInvalidFill, "side=%s price=%v volume=%v", f.Side, f.Price, f.Volume)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := FillKey{OrderID: f.OrderID, FillID: f.FillID}
	keyed := f.OrderID != "" || f.FillID != ""
	if keyed {
		if _, ok := l.applied[key]; ok {
			return FillResult{Duplicate: true, Leg: l.leg.clone()}, nil
		}
		l.applied[key] = struct{}{}
	}
	if f.Time.IsZero() {
		f.Time = time.Now()
	}

	var res FillResult
	switch {
	case l.leg == nil:
		l.leg = l.open(f.Side, f.Price, f.Volume, f.Time)
		res.Opened = l.leg.clone()

	case l.leg.Side == f.Side:
		leg := l.leg
		total := leg.Volume + f.Volume
		leg.AvgEntry = (leg.AvgEntry*leg.Volume + f.Price*f.Volume) / total
		leg.Volume = total
		leg.Entered += f.Volume

	default:
		leg := l.leg
		closed := math.Min(f.Volume, leg.Volume)
		pnl := (f.Price - leg.AvgEntry) * closed * leg.Side.Sign()
		leg.Realized += pnl
		leg.Volume -= closed
		res.Realized = pnl

		if leg.Volume <= volumeEpsilon {
			res.Closed = &risk.Outcome{
				Symbol:   l.symbol,
				Side:     leg.Side,
				Volume:   leg.Entered,
				Entry:    leg.AvgEntry,
				Exit:     f.Price,
				PnL:      leg.Realized,
				ClosedAt: f.Time,
			}
			l.leg = nil
		}
		if rem := f.Volume - closed; rem > volumeEpsilon {
			l.leg = l.open(f.Side, f.Price, rem, f.Time)
			res.Opened = l.leg.clone()
			res.Reversed = true
		}
	}
	res.Leg = l.leg.clone()
	return res, nil
}

func (l *Ledger) open(side risk.Side, price, volume float64, at time.Time) *Leg {
	return &Leg{
		Symbol:   l.symbol,
		Side:     side,
		Volume:   volume,
		AvgEntry: price,
		OpenedAt: at,
		Entered:  volume,
	}
}

// Leg returns a copy of the open leg, or nil when flat.
func (l *Ledger) Leg() *Leg {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leg.clone()
}

// SetLevels replaces the protective levels of the open leg. It reports false
// when there is no leg to protect.
func (l *Ledger) SetLevels(lv risk.Levels) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leg == nil {
		return false
	}
	l.leg.Levels = lv
	return true
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	Symbol       string `json:"symbol"`
	Leg          *Leg   `json:"leg,omitempty"`
	AppliedFills int    `json:"applied_fills"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Symbol: l.symbol, Leg: l.leg.clone(), AppliedFills: len(l.applied)}
}

// Restore seeds the ledger from a persisted leg and fill journal.
func (l *Ledger) Restore(leg *Leg, keys []FillKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leg = leg.clone()
	if l.leg != nil {
		l.leg.Symbol = l.symbol
	}
	for _, k := range keys {
		l.applied[k] = struct{}{}
	}
}

// Reset drops the leg and the fill history.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leg = nil
	l.applied = make(map[FillKey]struct{})
}
