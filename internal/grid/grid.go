// Package grid stages pending entry orders as a ladder around a reference
// range and tracks them until they fill, expire or are cancelled.
package grid

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"position-engine/internal/risk"
)

// Status of a slot.
type Status string

const (
	StatusStaged     Status = "STAGED"     // planned, not yet sent
	StatusWorking    Status = "WORKING"    // resting at the gateway
	StatusFilling    Status = "FILLING"    // partially filled
	StatusCancelling Status = "CANCELLING" // cancel sent, awaiting confirmation
)

// Slot is a staged entry order. ID doubles as the order intent id.
type Slot struct {
	ID          string     `json:"id"`
	Side        risk.Side  `json:"side"`
	Price       float64    `json:"price"`
	Volume      float64    `json:"volume"`
	Filled      float64    `json:"filled"`
	PlannedStop risk.Level `json:"planned_stop"`
	PlannedTake risk.Level `json:"planned_take"`
	Range       float64    `json:"range"`
	Rung        int        `json:"rung"`
	PlacedAt    time.Time  `json:"placed_at"`
	ExpiresAt   time.Time  `json:"expires_at"` // zero = good till cancelled
	Status      Status     `json:"status"`
}

// Expired reports whether the slot's TTL has elapsed at now.
func (s Slot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SizeFunc returns the volume for an entry at price with the given stop
// distance. Zero skips the slot.
type SizeFunc func(side risk.Side, price, stopDistance float64) float64

// Grid holds the pending slots of one instrument.
type Grid struct {
	cfg    risk.RiskConfig
	levels *risk.LevelEngine
	size   SizeFunc
	slots  map[string]*Slot
	newID  func() string
}

// New builds an empty grid. A nil size func uses the configured base volume.
func New(cfg risk.RiskConfig, size SizeFunc) *Grid {
	if size == nil {
		size = func(risk.Side, float64, float64) float64 { return risk.Normalize(cfg.BaseVolume, cfg.Instrument) }
	}
	return &Grid{
		cfg:    cfg,
		levels: risk.NewLevelEngine(cfg),
		size:   size,
		slots:  make(map[string]*Slot),
		newID:  uuid.NewString,
	}
}

// OnSetup lays a new ladder for the reference range [refLow, refHigh].
// Stop entries sit above the high for longs and below the low for shorts,
// limit entries mirror that. Candidates alternate long/short by rung and are
// capped so pending slots plus openLegs never exceed MaxSlots. With
// ReplaceOnNewSetup every active slot is returned for cancellation first.
func (g *Grid) OnSetup(refHigh, refLow float64, openLegs int, now time.Time) (place []Slot, cancel []Slot) {
	return g.OnSetupFor(refHigh, refLow, openLegs, bothSides, now)
}

var bothSides = []risk.Side{risk.SideLong, risk.SideShort}

// OnSetupFor is OnSetup restricted to the given sides, used to add to an
// open leg without staging entries against it.
func (g *Grid) OnSetupFor(refHigh, refLow float64, openLegs int, sides []risk.Side, now time.Time) (place []Slot, cancel []Slot) {
	if !(refLow > 0) || refHigh < refLow || len(sides) == 0 {
		return nil, nil
	}
	if g.cfg.ReplaceOnNewSetup {
		cancel = g.cancelWhere(func(*Slot) bool { return true })
	}

	free := g.cfg.MaxSlots - openLegs - g.activeCount()
	if free <= 0 {
		return nil, cancel
	}

	rng := refHigh - refLow
	spacing := g.cfg.PriceDistance(g.cfg.GridSpacing)
	tick := g.cfg.Instrument.TickSize
	for k := 0; k < g.cfg.LevelsPerSide() && len(place) < free; k++ {
		off := float64(k) * spacing
		for _, side := range sides {
			if len(place) >= free {
				break
			}
			price := risk.RoundToStep(g.entryPrice(side, refHigh, refLow, off), tick)
			if !(price > 0) || g.occupied(side, price) {
				continue
			}
			planned := g.levels.Initial(side, price, rng)
			stopDist := 0.0
			if planned.Stop.Set {
				stopDist = (price - planned.Stop.Price) * side.Sign()
			}
			vol := g.size(side, price, stopDist)
			if !(vol > 0) {
				continue
			}
			s := &Slot{
				ID:          g.newID(),
				Side:        side,
				Price:       price,
				Volume:      vol,
				PlannedStop: planned.Stop,
				PlannedTake: planned.TakeProfit,
				Range:       rng,
				Rung:        k,
				PlacedAt:    now,
				Status:      StatusStaged,
			}
			if g.cfg.SlotTTL > 0 {
				s.ExpiresAt = now.Add(g.cfg.SlotTTL)
			}
			g.slots[s.ID] = s
			place = append(place, *s)
		}
	}
	return place, cancel
}

func (g *Grid) entryPrice(side risk.Side, high, low, off float64) float64 {
	stopType := g.cfg.PendingType != risk.PendingLimit
	if (side == risk.SideLong) == stopType {
		return high + off
	}
	return low - off
}

func (g *Grid) occupied(side risk.Side, price float64) bool {
	for _, s := range g.slots {
		if s.Status != StatusCancelling && s.Side == side && s.Price == price {
			return true
		}
	}
	return false
}

func (g *Grid) activeCount() int {
	n := 0
	for _, s := range g.slots {
		if s.Status != StatusCancelling {
			n++
		}
	}
	return n
}

// cancelWhere marks matching working slots as cancelling and returns them.
// Partially filled slots are left alone so their fills stay attributable.
func (g *Grid) cancelWhere(match func(*Slot) bool) []Slot {
	var out []Slot
	for _, s := range g.slots {
		if s.Status == StatusCancelling || s.Status == StatusFilling || !match(s) {
			continue
		}
		s.Status = StatusCancelling
		out = append(out, *s)
	}
	sortSlots(out)
	return out
}

// MarkWorking records that the slot's order was sent.
func (g *Grid) MarkWorking(id string) bool {
	s, ok := g.slots[id]
	if !ok || s.Status != StatusStaged {
		return false
	}
	s.Status = StatusWorking
	return true
}

// MarkFilled records volume filled on a slot and returns the opposite-side
// slots that must be cancelled now that the direction is decided. The slot is
// removed once it is completely filled.
func (g *Grid) MarkFilled(id string, volume float64) (slot Slot, siblings []Slot, ok bool) {
	s, found := g.slots[id]
	if !found {
		return Slot{}, nil, false
	}
	s.Filled += volume
	s.Status = StatusFilling
	slot = *s
	if s.Filled >= s.Volume-1e-9 {
		delete(g.slots, id)
	}
	siblings = g.cancelWhere(func(o *Slot) bool { return o.Side != s.Side })
	return slot, siblings, true
}

// Invalidate cancels every active slot, e.g. when the regime changes.
func (g *Grid) Invalidate() []Slot {
	return g.cancelWhere(func(*Slot) bool { return true })
}

// Expire returns the slots whose TTL elapsed at now and marks them for
// cancellation; they stay tracked until the cancel is confirmed. Slots that
// already started filling never expire.
func (g *Grid) Expire(now time.Time) []Slot {
	return g.cancelWhere(func(s *Slot) bool { return s.Expired(now) })
}

// Remove drops a slot after its order was cancelled or rejected.
func (g *Grid) Remove(id string) (Slot, bool) {
	s, ok := g.slots[id]
	if !ok {
		return Slot{}, false
	}
	delete(g.slots, id)
	return *s, true
}

// Get returns a copy of the slot with the given id.
func (g *Grid) Get(id string) (Slot, bool) {
	s, ok := g.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// Slots returns all tracked slots ordered by placement time and rung.
func (g *Grid) Slots() []Slot {
	out := make([]Slot, 0, len(g.slots))
	for _, s := range g.slots {
		out = append(out, *s)
	}
	sortSlots(out)
	return out
}

// Len counts slots that are not being cancelled.
func (g *Grid) Len() int { return g.activeCount() }

// Reset forgets every slot without producing cancellations.
func (g *Grid) Reset() { g.slots = make(map[string]*Slot) }

func sortSlots(s []Slot) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].PlacedAt.Equal(s[j].PlacedAt) {
			return s[i].PlacedAt.Before(s[j].PlacedAt)
		}
		if s[i].Rung != s[j].Rung {
			return s[i].Rung < s[j].Rung
		}
		return s[i].Side < s[j].Side
	})
}
