package engine

import (
	"sort"
	"time"

	"position-engine/internal/grid"
	"position-engine/internal/market"
	"position-engine/internal/order"
	"position-engine/internal/state"
)

// Snapshot is a read-only copy of a coordinator, refreshed after every event.
type Snapshot struct {
	Symbol      string         `json:"symbol"`
	State       State          `json:"state"`
	Leg         *state.Leg     `json:"leg,omitempty"`
	Slots       []grid.Slot    `json:"slots"`
	Protection  []order.Intent `json:"protection,omitempty"`
	OpenIntents []order.Intent `json:"open_intents"`
	LastPrice   float64        `json:"last_price"`
	LastBar     *market.Bar    `json:"last_bar,omitempty"`
	DroppedBars uint64         `json:"dropped_bars"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Snapshot returns the latest published snapshot. Safe from any goroutine.
func (c *Coordinator) Snapshot() Snapshot {
	s := *c.snap.Load()
	s.DroppedBars = c.droppedBars.Load()
	return s
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return c.snap.Load().State }

func (c *Coordinator) refresh() {
	s := &Snapshot{
		Symbol:     c.symbol,
		State:      c.state,
		Leg:        c.ledger.Leg(),
		Slots:      c.grid.Slots(),
		Protection: c.protector.Orders(),
		LastPrice:  c.lastBar.Close,
		UpdatedAt:  c.now(),
	}
	if c.lastBar.Valid() {
		bar := c.lastBar
		s.LastBar = &bar
	}
	for _, r := range c.intents {
		s.OpenIntents = append(s.OpenIntents, r.intent)
	}
	sort.Slice(s.OpenIntents, func(i, j int) bool {
		return s.OpenIntents[i].CreatedAt.Before(s.OpenIntents[j].CreatedAt)
	})
	c.snap.Store(s)
}
