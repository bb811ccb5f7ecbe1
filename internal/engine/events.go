package engine

import (
	"time"

	"position-engine/internal/grid"
	"position-engine/internal/risk"
	"position-engine/internal/state"
)

// Bus payloads published by the coordinator. Order intents and reports are
// published as order.Intent and order.Report.

// StateChange is published on events.EventStateChange.
type StateChange struct {
	Symbol string    `json:"symbol"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Time   time.Time `json:"time"`
}

// FillApplied is published on events.EventFillApplied.
type FillApplied struct {
	Symbol   string     `json:"symbol"`
	Fill     state.Fill `json:"fill"`
	Realized float64    `json:"realized"`
}

// PositionChange is published on events.EventPositionChange; Leg is nil when flat.
type PositionChange struct {
	Symbol string     `json:"symbol"`
	Leg    *state.Leg `json:"leg,omitempty"`
}

// TradeClosed is published on events.EventTradeClosed.
type TradeClosed struct {
	Outcome risk.Outcome    `json:"outcome"`
	Reason  risk.ExitReason `json:"reason"`
}

// LevelsMoved is published on events.EventLevelsMoved.
type LevelsMoved struct {
	Symbol string      `json:"symbol"`
	Levels risk.Levels `json:"levels"`
}

// SlotExpired is published on events.EventSlotExpired.
type SlotExpired struct {
	Symbol string    `json:"symbol"`
	Slot   grid.Slot `json:"slot"`
}

// Alert is published on events.EventRiskAlert.
type Alert struct {
	Symbol  string    `json:"symbol"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (a Alert) String() string { return a.Symbol + ": " + a.Message }
