package events

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventBar            Event = "market.bar"
	EventStrategySignal Event = "strategy.signal"
	EventRiskAlert      Event = "risk.alert"

	EventOrderSubmitted Event = "order.submitted"
	EventOrderReport    Event = "order.report"
	EventOrderRejected  Event = "order.rejected"

	EventFillApplied    Event = "position.fill_applied"
	EventPositionChange Event = "position.change"
	EventTradeClosed    Event = "position.closed"
	EventLevelsMoved    Event = "position.levels_moved"

	EventStateChange Event = "engine.state"
	EventSlotExpired Event = "grid.slot_expired"
)
