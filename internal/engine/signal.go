package engine

import (
	"time"

	"position-engine/internal/risk"
)

// Action is what a signal asks the coordinator to do.
type Action string

const (
	ActionNone       Action = "NONE"
	ActionEnterLong  Action = "ENTER_LONG"
	ActionEnterShort Action = "ENTER_SHORT"
	ActionExitLong   Action = "EXIT_LONG"
	ActionExitShort  Action = "EXIT_SHORT"
	// ActionCancelSetup withdraws pending slots when the setup no longer holds.
	ActionCancelSetup Action = "CANCEL_SETUP"
)

// Signal is one evaluation from the signal source. Price is the reference
// price for sizing; RangeHigh/RangeLow describe the structural range used for
// grid placement and range-based levels.
type Signal struct {
	Symbol    string    `json:"symbol"`
	Action    Action    `json:"action"`
	Price     float64   `json:"price,omitempty"`
	RangeHigh float64   `json:"range_high,omitempty"`
	RangeLow  float64   `json:"range_low,omitempty"`
	Time      time.Time `json:"time"`
}

// Side returns the leg side the action refers to.
func (s Signal) Side() risk.Side {
	switch s.Action {
	case ActionEnterLong, ActionExitLong:
		return risk.SideLong
	case ActionEnterShort, ActionExitShort:
		return risk.SideShort
	}
	return ""
}

// IsEntry reports whether the action opens exposure.
func (s Signal) IsEntry() bool {
	return s.Action == ActionEnterLong || s.Action == ActionEnterShort
}

// IsExit reports whether the action closes exposure.
func (s Signal) IsExit() bool {
	return s.Action == ActionExitLong || s.Action == ActionExitShort
}

// Range is the structural range, or 0 when none was given.
func (s Signal) Range() float64 {
	if s.RangeLow > 0 && s.RangeHigh > s.RangeLow {
		return s.RangeHigh - s.RangeLow
	}
	return 0
}
