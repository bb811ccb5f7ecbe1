package order

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"position-engine/internal/risk"
)

// ErrInvalidIntent is returned for intents a gateway must never see.
var ErrInvalidIntent = errors.New("invalid order intent")

// Kind is the action an intent asks the gateway to perform.
type Kind string

const (
	KindPlaceMarket Kind = "PLACE_MARKET"
	KindPlaceStop   Kind = "PLACE_STOP"
	KindPlaceLimit  Kind = "PLACE_LIMIT"
	KindCancel      Kind = "CANCEL"
)

// Purpose records why the engine produced an intent.
type Purpose string

const (
	PurposeEntry   Purpose = "entry"   // market entry from a signal
	PurposeSlot    Purpose = "slot"    // pending grid entry
	PurposeExit    Purpose = "exit"    // market close of the open leg
	PurposeReverse Purpose = "reverse" // one order closing the leg and opening the other side
	PurposeStop    Purpose = "stop"    // broker-held protective stop
	PurposeTake    Purpose = "take"    // broker-held take-profit
	PurposeCancel  Purpose = "cancel"
)

// Intent is an abstract order instruction. Side is the execution direction:
// long buys, short sells.
type Intent struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"kind"`
	Side      risk.Side `json:"side,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Price     float64   `json:"price,omitempty"` // trigger/limit price; zero for market
	TargetID  string    `json:"target_id,omitempty"`
	// Group links resting orders one-cancels-other: once a member trades
	// the venue cancels the rest.
	Group     string    `json:"group,omitempty"`
	Purpose   Purpose   `json:"purpose"`
	CreatedAt time.Time `json:"created_at"`
}

// NewIntent stamps a fresh id and creation time.
func NewIntent(symbol string, kind Kind, purpose Purpose) Intent {
	return Intent{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      kind,
		Purpose:   purpose,
		CreatedAt: time.Now(),
	}
}

// Cancel builds a cancel intent for target.
func Cancel(symbol, targetID string) Intent {
	in := NewIntent(symbol, KindCancel, PurposeCancel)
	in.TargetID = targetID
	return in
}

// Validate checks the intent is well formed for its kind.
func (i Intent) Validate() error {
	if i.ID == "" || i.Symbol == "" {
		return errors.Wrap(ErrInvalidIntent, "id and symbol are required")
	}
	switch i.Kind {
	case KindCancel:
		if i.TargetID == "" {
			return errors.Wrap(ErrInvalidIntent, "cancel without target")
		}
		return nil
	case KindPlaceMarket:
	case KindPlaceStop, KindPlaceLimit:
		if !(i.Price > 0) || math.IsInf(i.Price, 0) {
			return errors.Wrapf(ErrInvalidIntent, "%s requires a positive price, got %v", i.Kind, i.Price)
		}
	default:
		return errors.Wrapf(ErrInvalidIntent, "unknown kind %q", i.Kind)
	}
	if !i.Side.Valid() {
		return errors.Wrapf(ErrInvalidIntent, "invalid side %q", i.Side)
	}
	if !(i.Volume > 0) || math.IsInf(i.Volume, 0) {
		return errors.Wrapf(ErrInvalidIntent, "volume must be positive, got %v", i.Volume)
	}
	return nil
}

// ReportKind is the gateway outcome carried by a report.
type ReportKind string

const (
	ReportFilled          ReportKind = "FILLED"
	ReportPartiallyFilled ReportKind = "PARTIALLY_FILLED"
	ReportCancelled       ReportKind = "CANCELLED"
	ReportRejected        ReportKind = "REJECTED"
)

// Rejection reasons the engine acts on.
const (
	ReasonAlreadyFilled = "already_filled" // cancel lost the race against a fill
	ReasonUnknownOrder  = "unknown_order"
	ReasonNoPrice       = "no_price"
	ReasonQueueFull     = "queue_full"
)

// Report is an asynchronous gateway notification about an intent.
//
// Fill reports carry the incremental volume of that execution and a FillID
// unique within the intent. A cancel that failed because the target already
// traded is reported as Rejected with ReasonAlreadyFilled; TargetID and the
// fill fields then describe the target's execution.
type Report struct {
	IntentID string     `json:"intent_id"`
	Symbol   string     `json:"symbol"`
	Kind     ReportKind `json:"kind"`
	FillID   string     `json:"fill_id,omitempty"`
	Side     risk.Side  `json:"side,omitempty"`
	Price    float64    `json:"price,omitempty"`
	Volume   float64    `json:"volume,omitempty"`
	TargetID string     `json:"target_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Time     time.Time  `json:"time"`
}

// IsFill reports whether the report carries an execution.
func (r Report) IsFill() bool {
	return r.Kind == ReportFilled || r.Kind == ReportPartiallyFilled
}

// CancelLostToFill reports a cancel rejected because its target already filled.
func (r Report) CancelLostToFill() bool {
	return r.Kind == ReportRejected && r.Reason == ReasonAlreadyFilled && r.TargetID != ""
}
