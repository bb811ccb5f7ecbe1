package engine

import (
	"math"

	"github.com/google/uuid"

	"position-engine/internal/order"
	"position-engine/internal/risk"
	"position-engine/internal/state"
)

// Protector decides how a leg's protective levels are enforced.
//
// The level computation is identical in both modes; only the enforcement
// differs. A virtual protector lets the coordinator close the leg itself when
// a bar touches a level. An order protector mirrors the levels as resting
// stop/limit orders and leaves the exit to the gateway's fill.
type Protector interface {
	// Sync reconciles protective orders with leg (nil when flat) and
	// returns the intents to send, cancels first.
	Sync(leg *state.Leg) []order.Intent
	// Exit filters a level update down to the exit the coordinator must
	// execute itself, or nil.
	Exit(upd risk.Update) *risk.Exit
	// Owns reports whether id is a live protective order.
	Owns(id string) bool
	// Filled books volume executed on a protective order.
	Filled(id string, volume float64)
	// Gone forgets a protective order that was cancelled or rejected.
	Gone(id string)
	// Orders returns the live protective orders.
	Orders() []order.Intent
}

// NewProtector returns the protector selected by cfg.ProtectionMode.
func NewProtector(cfg risk.RiskConfig) Protector {
	if cfg.ProtectionMode == risk.ProtectBroker {
		return NewOrderProtector(cfg.Instrument.Symbol)
	}
	return VirtualProtector{}
}

// VirtualProtector enforces levels inside the engine.
type VirtualProtector struct{}

func (VirtualProtector) Sync(*state.Leg) []order.Intent { return nil }
func (VirtualProtector) Exit(upd risk.Update) *risk.Exit { return upd.Exit }
func (VirtualProtector) Owns(string) bool { return false }
func (VirtualProtector) Filled(string, float64) {}
func (VirtualProtector) Gone(string) {}
func (VirtualProtector) Orders() []order.Intent { return nil }

// protective is a live broker-held order and its unfilled volume.
type protective struct {
	intent    order.Intent
	remaining float64
}

// OrderProtector mirrors stop and take-profit as reduce-side resting orders.
// When levels move the stop is cancelled and replaced; when the leg closes
// whatever is still resting is cancelled.
type OrderProtector struct {
	symbol string
	group  string // one-cancels-other group of the current leg
	stop   *protective
	take   *protective
}

func NewOrderProtector(symbol string) *OrderProtector {
	return &OrderProtector{symbol: symbol}
}

func (p *OrderProtector) Sync(leg *state.Leg) []order.Intent {
	var wantStop, wantTake *order.Intent
	if leg != nil && leg.Volume > 0 {
		if p.stop == nil && p.take == nil {
			p.group = uuid.NewString()
		}
		exitSide := leg.Side.Opposite()
		if eff := leg.Levels.EffectiveStop(leg.Side); eff.Set {
			in := p.intent(order.KindPlaceStop, order.PurposeStop, exitSide, eff.Price, leg.Volume)
			wantStop = &in
		}
		if tp := leg.Levels.TakeProfit; tp.Set {
			in := p.intent(order.KindPlaceLimit, order.PurposeTake, exitSide, tp.Price, leg.Volume)
			wantTake = &in
		}
	}

	var cancels, places []order.Intent
	reconcile := func(cur **protective, want *order.Intent) {
		if *cur != nil && (want == nil || !matches(*cur, *want)) {
			cancels = append(cancels, order.Cancel(p.symbol, (*cur).intent.ID))
			*cur = nil
		}
		if *cur == nil && want != nil {
			want.Group = p.group
			*cur = &protective{intent: *want, remaining: want.Volume}
			places = append(places, *want)
		}
	}
	reconcile(&p.stop, wantStop)
	reconcile(&p.take, wantTake)
	return append(cancels, places...)
}

func (p *OrderProtector) intent(kind order.Kind, purpose order.Purpose, side risk.Side, price, volume float64) order.Intent {
	in := order.NewIntent(p.symbol, kind, purpose)
	in.Side = side
	in.Price = price
	in.Volume = volume
	return in
}

func matches(cur *protective, want order.Intent) bool {
	return cur.intent.Side == want.Side &&
		cur.intent.Price == want.Price &&
		math.Abs(cur.remaining-want.Volume) < 1e-9
}

// Exit only lets through what no resting order covers: reversal exits always,
// and stop or take touches whose order is not live.
func (p *OrderProtector) Exit(upd risk.Update) *risk.Exit {
	if upd.Exit == nil {
		return nil
	}
	switch upd.Exit.Reason {
	case risk.ExitStop, risk.ExitTrailing:
		if p.stop != nil {
			return nil
		}
	case risk.ExitTakeProfit:
		if p.take != nil {
			return nil
		}
	}
	return upd.Exit
}

func (p *OrderProtector) Owns(id string) bool {
	return (p.stop != nil && p.stop.intent.ID == id) || (p.take != nil && p.take.intent.ID == id)
}

func (p *OrderProtector) Filled(id string, volume float64) {
	for _, cur := range []**protective{&p.stop, &p.take} {
		if *cur != nil && (*cur).intent.ID == id {
			(*cur).remaining -= volume
			if (*cur).remaining <= 1e-9 {
				*cur = nil
			}
		}
	}
}

func (p *OrderProtector) Gone(id string) {
	if p.stop != nil && p.stop.intent.ID == id {
		p.stop = nil
	}
	if p.take != nil && p.take.intent.ID == id {
		p.take = nil
	}
}

func (p *OrderProtector) Orders() []order.Intent {
	var out []order.Intent
	if p.stop != nil {
		out = append(out, p.stop.intent)
	}
	if p.take != nil {
		out = append(out, p.take.intent)
	}
	return out
}
