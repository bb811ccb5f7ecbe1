// Package engine runs one lifecycle coordinator per instrument. A coordinator
// owns the instrument's ledger, protective levels and pending grid, and
// serializes signals, bars and gateway reports through a single inbox.
package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"position-engine/internal/balance"
	"position-engine/internal/events"
	"position-engine/internal/grid"
	"position-engine/internal/market"
	"position-engine/internal/order"
	"position-engine/internal/risk"
	"position-engine/internal/state"
	"position-engine/pkg/logger"
)

// ErrInboxFull is returned when a bar is dropped because the coordinator is behind.
var ErrInboxFull = errors.New("coordinator inbox full")

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("coordinator stopped")

const (
	maxExitAttempts = 3
	journalTimeout  = 2 * time.Second
)

// Journal persists what the coordinator does. Implemented by state.Manager.
type Journal interface {
	RecordIntent(ctx context.Context, in order.Intent) error
	UpdateIntent(ctx context.Context, id, status, reason string) error
	RecordFill(ctx context.Context, symbol string, f state.Fill) (bool, error)
	SaveLeg(ctx context.Context, symbol string, leg *state.Leg) error
	RecordClosed(ctx context.Context, o risk.Outcome) error
}

// OutcomeRecorder aggregates closed trades. Implemented by risk.Manager.
type OutcomeRecorder interface {
	UpdateMetrics(o risk.Outcome) error
}

// Options wires a coordinator.
type Options struct {
	Risk      risk.RiskConfig
	Submitter order.Submitter
	Equity    balance.EquitySource // optional; unknown equity sizes at the minimum
	Journal   Journal              // optional
	Outcomes  OutcomeRecorder      // optional
	Bus       *events.Bus          // optional
	Log       *zap.Logger

	InboxSize     int
	SweepInterval time.Duration
	Now           func() time.Time
}

// Event is something the coordinator consumes from its inbox.
type Event interface{ isEvent() }

type SignalEvent struct{ Signal Signal }
type BarEvent struct{ Bar market.Bar }
type ReportEvent struct{ Report order.Report }
type SweepEvent struct{ Time time.Time }

func (SignalEvent) isEvent() {}
func (BarEvent) isEvent()    {}
func (ReportEvent) isEvent() {}
func (SweepEvent) isEvent()  {}

// intentRecord is the coordinator's view of an intent it sent.
type intentRecord struct {
	intent order.Intent
	filled float64
	rng    float64       // structural range for the levels of the leg it opens
	memo   *risk.Outcome // martingale memory consumed by the entry, restored on reject
	legGen uint64        // leg a protective order belongs to
	// local is set on exits already applied to the ledger; their fills only
	// confirm the close.
	local    bool
	reason   risk.ExitReason
	price    float64 // local exit price
	attempts int
	seen     map[string]struct{} // confirmation fill ids of a local exit
}

// Coordinator is the single owner of one instrument's trading state.
type Coordinator struct {
	symbol    string
	cfg       risk.RiskConfig
	levels    *risk.LevelEngine
	ledger    *state.Ledger
	grid      *grid.Grid
	memory    *risk.OutcomeMemory
	protector Protector

	submit   order.Submitter
	equity   balance.EquitySource
	journal  Journal
	outcomes OutcomeRecorder
	bus      *events.Bus
	log      *zap.Logger
	now      func() time.Time

	inbox      chan Event
	stopped    chan struct{}
	sweepEvery time.Duration

	state    State
	intents  map[string]*intentRecord
	entryID  string // outstanding market entry or reverse order
	legGen   uint64
	reversal bool // opposite signal seen, evaluated on the next bar
	lastBar  market.Bar

	snap        atomic.Pointer[Snapshot]
	droppedBars atomic.Uint64
}

// NewCoordinator validates the risk configuration and builds a coordinator.
// An invalid configuration is fatal for this instrument only.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if err := opts.Risk.Validate(); err != nil {
		return nil, err
	}
	if opts.Submitter == nil {
		return nil, errors.New("coordinator requires an order submitter")
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	symbol := opts.Risk.Instrument.Symbol
	c := &Coordinator{
		symbol:     symbol,
		cfg:        opts.Risk,
		levels:     risk.NewLevelEngine(opts.Risk),
		ledger:     state.NewLedger(symbol),
		memory:     &risk.OutcomeMemory{},
		protector:  NewProtector(opts.Risk),
		submit:     opts.Submitter,
		equity:     opts.Equity,
		journal:    opts.Journal,
		outcomes:   opts.Outcomes,
		bus:        opts.Bus,
		log:        logger.OrNop(opts.Log).With(zap.String("symbol", symbol)),
		now:        opts.Now,
		inbox:      make(chan Event, opts.InboxSize),
		stopped:    make(chan struct{}),
		sweepEvery: opts.SweepInterval,
		state:      StateFlat,
		intents:    make(map[string]*intentRecord),
	}
	c.grid = grid.New(opts.Risk, c.slotVolume)
	c.refresh()
	return c, nil
}

// Symbol returns the instrument this coordinator owns.
func (c *Coordinator) Symbol() string { return c.symbol }

// Run drains the inbox until ctx is cancelled. Slot expiry is swept on a
// timer so it fires even when no bars arrive.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.stopped)
	sweep := time.NewTicker(c.sweepEvery)
	defer sweep.Stop()

	c.log.Info("coordinator started", zap.String("state", string(c.state)))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator stopped")
			return ctx.Err()
		case ev := <-c.inbox:
			c.handle(ev)
		case now := <-sweep.C:
			c.handle(SweepEvent{Time: now})
		}
	}
}

// Submit enqueues an event. Bars never block: when the inbox is full the bar
// is dropped and ErrInboxFull returned. Other events wait for room.
func (c *Coordinator) Submit(ctx context.Context, ev Event) error {
	if _, ok := ev.(BarEvent); ok {
		select {
		case c.inbox <- ev:
			return nil
		case <-c.stopped:
			return ErrStopped
		default:
			c.droppedBars.Add(1)
			c.log.Warn("inbox full, dropping bar")
			return ErrInboxFull
		}
	}
	select {
	case c.inbox <- ev:
		return nil
	case <-c.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnBar enqueues a closed bar.
func (c *Coordinator) OnBar(bar market.Bar) error {
	return c.Submit(context.Background(), BarEvent{Bar: bar})
}

// OnSignal enqueues a signal.
func (c *Coordinator) OnSignal(ctx context.Context, sig Signal) error {
	return c.Submit(ctx, SignalEvent{Signal: sig})
}

// OnReport enqueues a gateway report; it blocks until accepted.
func (c *Coordinator) OnReport(r order.Report) {
	if err := c.Submit(context.Background(), ReportEvent{Report: r}); err != nil {
		c.log.Warn("report not delivered", zap.String("intent_id", r.IntentID), zap.Error(err))
	}
}

func (c *Coordinator) handle(ev Event) {
	switch e := ev.(type) {
	case SignalEvent:
		c.handleSignal(e.Signal)
	case BarEvent:
		c.handleBar(e.Bar)
	case ReportEvent:
		c.handleReport(e.Report)
	case SweepEvent:
		c.handleSweep(e.Time)
	}
	c.refresh()
}

// --- signals ---

func (c *Coordinator) handleSignal(sig Signal) {
	if sig.Action == ActionNone {
		return
	}
	c.bus.Publish(events.EventStrategySignal, sig)
	log := c.log.With(zap.String("action", string(sig.Action)), zap.String("state", string(c.state)))

	switch {
	case sig.Action == ActionCancelSetup:
		c.sendCancels(c.grid.Invalidate())
		c.settle()

	case sig.IsExit():
		leg := c.ledger.Leg()
		if leg == nil || leg.Side != sig.Side() || c.busy() {
			log.Debug("exit signal ignored")
			return
		}
		c.exitLeg(leg, risk.Exit{Reason: risk.ExitSignal, Price: c.refPrice(sig)})

	case sig.IsEntry():
		if c.busy() || c.entryID != "" {
			log.Info("entry signal ignored while an order is in flight")
			return
		}
		side := sig.Side()
		leg := c.ledger.Leg()
		if leg != nil && leg.Side != side {
			switch {
			case c.cfg.ReverseOnSignal:
				c.reverse(leg, sig)
			case c.cfg.ExitOnReversal:
				c.reversal = true
			default:
				log.Debug("opposite signal ignored")
			}
			return
		}
		if c.cfg.EntryMode == risk.EntryPending {
			c.stage(sig, leg)
			return
		}
		if leg != nil {
			log.Debug("already positioned")
			return
		}
		c.enterMarket(sig, side)
	}
}

// busy reports whether an exit or reversal is being settled.
func (c *Coordinator) busy() bool {
	return c.state == StateClosing || c.state == StateReversing
}

func (c *Coordinator) refPrice(sig Signal) float64 {
	if sig.Price > 0 && !math.IsInf(sig.Price, 0) {
		return sig.Price
	}
	return c.lastBar.Close
}

func (c *Coordinator) equityNow() float64 {
	if c.equity == nil {
		return 0
	}
	eq, ok := c.equity.Equity()
	if !ok {
		return 0
	}
	return eq
}

// size computes an entry volume; memo is the outcome it is based on.
func (c *Coordinator) size(price, stopDistance float64, memo *risk.Outcome) float64 {
	vol, err := risk.ComputeVolume(c.cfg, c.equityNow(), price, stopDistance, memo)
	if err != nil {
		c.log.Error("sizing failed", zap.Error(err))
		return 0
	}
	return vol
}

// slotVolume sizes grid slots without consuming the outcome memory; the
// memory is consumed when a slot actually opens a leg.
func (c *Coordinator) slotVolume(_ risk.Side, price, stopDistance float64) float64 {
	return c.size(price, stopDistance, c.memory.Peek())
}

func (c *Coordinator) enterMarket(sig Signal, side risk.Side) {
	ref := c.refPrice(sig)
	if !(ref > 0) {
		c.log.Warn("no reference price, entry skipped")
		c.alert("entry skipped: no reference price")
		return
	}
	rng := sig.Range()
	memo := c.memory.Take()
	vol := c.size(ref, c.levels.StopDistance(rng), memo)
	if !(vol > 0) {
		c.restoreMemo(memo)
		c.log.Info("sized to zero, no trade")
		return
	}

	in := order.NewIntent(c.symbol, order.KindPlaceMarket, order.PurposeEntry)
	in.Side = side
	in.Volume = vol
	if err := c.send(&intentRecord{intent: in, rng: rng, memo: memo}); err != nil {
		c.restoreMemo(memo)
		return
	}
	c.entryID = in.ID
}

func (c *Coordinator) reverse(leg *state.Leg, sig Signal) {
	side := leg.Side.Opposite()
	ref := c.refPrice(sig)
	rng := sig.Range()
	memo := c.memory.Take()
	vol := c.size(ref, c.levels.StopDistance(rng), memo)
	if !(vol > 0) {
		c.restoreMemo(memo)
		return
	}

	in := order.NewIntent(c.symbol, order.KindPlaceMarket, order.PurposeReverse)
	in.Side = side
	in.Volume = leg.Volume + vol
	if err := c.send(&intentRecord{intent: in, rng: rng, memo: memo}); err != nil {
		c.restoreMemo(memo)
		return
	}
	c.entryID = in.ID
	c.setState(StateReversing)
}

// stage lays pending slots for the signal's range. With an open leg only
// same-side slots are added, within the slot cap.
func (c *Coordinator) stage(sig Signal, leg *state.Leg) {
	if !(sig.RangeLow > 0) || sig.RangeHigh < sig.RangeLow {
		c.log.Warn("pending setup without a reference range")
		return
	}
	openLegs := 0
	sides := []risk.Side{risk.SideLong, risk.SideShort}
	if leg != nil {
		openLegs = 1
		sides = []risk.Side{leg.Side}
	}
	place, cancel := c.grid.OnSetupFor(sig.RangeHigh, sig.RangeLow, openLegs, sides, c.now())
	c.sendCancels(cancel)

	kind := order.KindPlaceStop
	if c.cfg.PendingType == risk.PendingLimit {
		kind = order.KindPlaceLimit
	}
	for _, s := range place {
		in := order.Intent{
			ID:        s.ID,
			Symbol:    c.symbol,
			Kind:      kind,
			Side:      s.Side,
			Volume:    s.Volume,
			Price:     s.Price,
			Purpose:   order.PurposeSlot,
			CreatedAt: s.PlacedAt,
		}
		if err := c.send(&intentRecord{intent: in, rng: s.Range}); err != nil {
			c.grid.Remove(s.ID)
			continue
		}
		c.grid.MarkWorking(s.ID)
	}
	c.settle()
}

// --- bars ---

func (c *Coordinator) handleBar(bar market.Bar) {
	if bar.Symbol != "" && bar.Symbol != c.symbol {
		return
	}
	if !bar.Valid() {
		c.log.Debug("invalid bar ignored")
		return
	}
	c.lastBar = bar

	reversal := c.reversal
	c.reversal = false
	leg := c.ledger.Leg()
	if leg == nil || c.busy() {
		return
	}

	upd := c.levels.OnPriceUpdate(leg.Side, leg.AvgEntry, leg.Levels, bar, reversal)
	if exit := c.protector.Exit(upd); exit != nil {
		c.exitLeg(leg, *exit)
		return
	}
	if upd.Exit != nil || upd.Levels == leg.Levels {
		return
	}

	c.ledger.SetLevels(upd.Levels)
	if upd.Moved {
		c.log.Debug("levels moved",
			zap.Float64("stop", upd.Levels.Stop.Price),
			zap.Float64("trailing", upd.Levels.Trailing.Price))
		c.bus.Publish(events.EventLevelsMoved, LevelsMoved{Symbol: c.symbol, Levels: upd.Levels})
	}
	c.syncProtection()
	c.saveLeg()
}

// exitLeg closes the leg locally at the exit price and sends the market order
// that realizes it. The gateway's fill only confirms the close. If the order
// cannot even be queued the leg is kept and the exit is retried on the next bar.
func (c *Coordinator) exitLeg(leg *state.Leg, exit risk.Exit) {
	if !(exit.Price > 0) {
		exit.Price = c.lastBar.Close
	}
	if !(exit.Price > 0) {
		c.log.Warn("exit without a price, deferred", zap.String("reason", string(exit.Reason)))
		return
	}

	in := order.NewIntent(c.symbol, order.KindPlaceMarket, order.PurposeExit)
	in.Side = leg.Side.Opposite()
	in.Volume = leg.Volume
	rec := &intentRecord{intent: in, local: true, reason: exit.Reason, price: exit.Price, attempts: 1}
	if err := c.send(rec); err != nil {
		return
	}

	c.log.Info("exit",
		zap.String("reason", string(exit.Reason)),
		zap.String("side", string(leg.Side)),
		zap.Float64("price", exit.Price),
		zap.Float64("volume", leg.Volume))

	fill := state.Fill{OrderID: in.ID, FillID: "local", Side: in.Side, Price: exit.Price, Volume: leg.Volume, Time: c.now()}
	c.setState(StateClosing)
	c.applyToLedger(rec, fill, nil, exit.Reason)
}

// --- reports ---

func (c *Coordinator) handleReport(r order.Report) {
	if r.Symbol != "" && r.Symbol != c.symbol {
		return
	}
	c.bus.Publish(events.EventOrderReport, r)

	if r.CancelLostToFill() {
		c.onCancelLostToFill(r)
		return
	}
	rec, ok := c.intents[r.IntentID]
	if !ok {
		c.log.Warn("report for unknown intent discarded",
			zap.String("intent_id", r.IntentID), zap.String("kind", string(r.Kind)))
		return
	}
	switch r.Kind {
	case order.ReportFilled, order.ReportPartiallyFilled:
		c.onFill(rec, r)
	case order.ReportCancelled:
		c.onCancelled(rec)
	case order.ReportRejected:
		c.onRejected(rec, r)
	}
}

// onCancelLostToFill applies the target's execution carried by the rejected
// cancel. If the real fill report also arrives it is a duplicate.
func (c *Coordinator) onCancelLostToFill(r order.Report) {
	delete(c.intents, r.IntentID)
	target, ok := c.intents[r.TargetID]
	if !ok {
		c.log.Debug("cancel lost to a fill already settled", zap.String("target_id", r.TargetID))
		return
	}
	c.log.Info("cancel lost to fill, applying the fill", zap.String("target_id", r.TargetID))
	fill := r
	fill.IntentID = r.TargetID
	fill.Kind = order.ReportFilled
	c.onFill(target, fill)
}

func (c *Coordinator) onFill(rec *intentRecord, r order.Report) {
	id := rec.intent.ID
	if !(r.Volume > 0) || !(r.Price > 0) || math.IsInf(r.Price, 0) || math.IsInf(r.Volume, 0) {
		c.log.Warn("malformed fill discarded", zap.String("intent_id", id))
		return
	}
	fill := state.Fill{
		OrderID: id,
		FillID:  r.FillID,
		Side:    rec.intent.Side,
		Price:   r.Price,
		Volume:  r.Volume,
		Time:    r.Time,
	}
	if fill.Time.IsZero() {
		fill.Time = c.now()
	}

	if rec.local {
		c.confirmExit(rec, fill)
		return
	}
	if c.ledger.AlreadyApplied(fill.OrderID, fill.FillID) {
		c.log.Debug("duplicate fill discarded", zap.String("intent_id", id), zap.String("fill_id", fill.FillID))
		return
	}

	rec.filled += fill.Volume
	complete := rec.filled >= rec.intent.Volume-1e-9
	if complete {
		delete(c.intents, id)
		if c.entryID == id {
			c.entryID = ""
		}
	}
	c.updateIntent(id, fillStatus(complete), "")

	var reason risk.ExitReason
	switch rec.intent.Purpose {
	case order.PurposeStop, order.PurposeTake:
		if rec.legGen != c.legGen || c.ledger.Leg() == nil {
			c.log.Error("protective fill for a closed leg discarded",
				zap.String("intent_id", id), zap.Float64("volume", fill.Volume))
			c.alert("protective order filled after its leg closed")
			return
		}
		c.protector.Filled(id, fill.Volume)
		reason = risk.ExitTakeProfit
		if rec.intent.Purpose == order.PurposeStop {
			reason = risk.ExitStop
			if lv := c.ledger.Leg().Levels; lv.Trailing.Set && lv.EffectiveStop(c.ledger.Leg().Side) == lv.Trailing {
				reason = risk.ExitTrailing
			}
		}
	case order.PurposeReverse:
		reason = risk.ExitSignal
	}

	var slot *grid.Slot
	if rec.intent.Purpose == order.PurposeSlot {
		s, siblings, ok := c.grid.MarkFilled(id, fill.Volume)
		if ok {
			slot = &s
			c.sendCancels(siblings)
		}
	}

	c.applyToLedger(rec, fill, slot, reason)
}

// applyToLedger folds a fill into the ledger and runs the close and open
// transitions it causes.
func (c *Coordinator) applyToLedger(rec *intentRecord, fill state.Fill, slot *grid.Slot, reason risk.ExitReason) {
	res, err := c.ledger.ApplyFill(fill)
	if err != nil {
		c.log.Warn("fill rejected by ledger", zap.Error(err))
		return
	}
	if res.Duplicate {
		return
	}
	c.recordFill(fill)
	c.bus.Publish(events.EventFillApplied, FillApplied{Symbol: c.symbol, Fill: fill, Realized: res.Realized})

	if res.Closed != nil {
		c.onClosed(*res.Closed, reason)
	}
	if res.Opened != nil {
		c.onOpened(res.Opened, rec, slot)
	} else if res.Leg != nil {
		c.syncProtection()
	}
	c.saveLeg()
	c.bus.Publish(events.EventPositionChange, PositionChange{Symbol: c.symbol, Leg: c.ledger.Leg()})
	c.settle()
}

func (c *Coordinator) onClosed(o risk.Outcome, reason risk.ExitReason) {
	if reason == "" {
		reason = risk.ExitSignal
	}
	if c.state != StateReversing {
		c.setState(StateClosing)
	}
	c.memory.Record(o)
	c.reversal = false
	c.log.Info("leg closed",
		zap.String("side", string(o.Side)),
		zap.String("reason", string(reason)),
		zap.Float64("pnl", o.PnL),
		zap.Float64("volume", o.Volume))

	if c.outcomes != nil {
		if err := c.outcomes.UpdateMetrics(o); err != nil {
			c.log.Warn("risk metrics update failed", zap.Error(err))
		}
	}
	if c.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := c.journal.RecordClosed(ctx, o); err != nil {
			c.log.Warn("journal closed trade failed", zap.Error(err))
		}
		cancel()
	}
	c.bus.Publish(events.EventTradeClosed, TradeClosed{Outcome: o, Reason: reason})
	// stale protective orders of the closed leg
	c.syncProtection()
}

func (c *Coordinator) onOpened(leg *state.Leg, rec *intentRecord, slot *grid.Slot) {
	c.legGen++
	lv := c.levels.Initial(leg.Side, leg.AvgEntry, rec.rng)
	if slot != nil && plannedValid(*slot, leg) {
		lv = risk.Levels{Stop: slot.PlannedStop, TakeProfit: slot.PlannedTake}
	}
	if rec.intent.Purpose == order.PurposeSlot {
		c.memory.Take()
	}
	c.ledger.SetLevels(lv)
	c.log.Info("leg opened",
		zap.String("side", string(leg.Side)),
		zap.Float64("entry", leg.AvgEntry),
		zap.Float64("volume", leg.Volume),
		zap.Float64("stop", lv.Stop.Price),
		zap.Float64("take", lv.TakeProfit.Price))

	c.setState(StateOpen)
	c.syncProtection()
	c.setState(StateManaging)
}

// plannedValid checks the slot's precomputed levels still bracket the actual
// entry; a gap through the planned stop makes them unusable.
func plannedValid(s grid.Slot, leg *state.Leg) bool {
	sign := leg.Side.Sign()
	if s.PlannedStop.Set && (leg.AvgEntry-s.PlannedStop.Price)*sign <= 0 {
		return false
	}
	if s.PlannedTake.Set && (s.PlannedTake.Price-leg.AvgEntry)*sign <= 0 {
		return false
	}
	return true
}

// confirmExit books the gateway's execution of an exit applied locally.
func (c *Coordinator) confirmExit(rec *intentRecord, fill state.Fill) {
	if _, dup := rec.seen[fill.FillID]; dup {
		return
	}
	if rec.seen == nil {
		rec.seen = make(map[string]struct{})
	}
	rec.seen[fill.FillID] = struct{}{}
	rec.filled += fill.Volume
	c.recordFill(fill)
	if rec.filled < rec.intent.Volume-1e-9 {
		c.updateIntent(rec.intent.ID, fillStatus(false), "")
		return
	}
	delete(c.intents, rec.intent.ID)
	c.updateIntent(rec.intent.ID, fillStatus(true), "")
	c.log.Info("exit confirmed",
		zap.String("intent_id", rec.intent.ID),
		zap.Float64("price", fill.Price),
		zap.Float64("slippage", (fill.Price-rec.price)*rec.intent.Side.Sign()))
	c.settle()
}

func (c *Coordinator) onCancelled(rec *intentRecord) {
	target := rec
	if rec.intent.Kind == order.KindCancel {
		delete(c.intents, rec.intent.ID)
		t, ok := c.intents[rec.intent.TargetID]
		if !ok {
			return
		}
		target = t
	}
	c.forget(target, order.ReportCancelled, "")
	c.settle()
}

// forget drops a resting intent that is no longer live at the gateway.
func (c *Coordinator) forget(rec *intentRecord, status order.ReportKind, reason string) {
	id := rec.intent.ID
	delete(c.intents, id)
	for cid, r := range c.intents {
		if r.intent.Kind == order.KindCancel && r.intent.TargetID == id {
			delete(c.intents, cid)
		}
	}
	c.updateIntent(id, string(status), reason)
	switch rec.intent.Purpose {
	case order.PurposeSlot:
		c.grid.Remove(id)
	case order.PurposeStop, order.PurposeTake:
		c.protector.Gone(id)
	}
}

func (c *Coordinator) onRejected(rec *intentRecord, r order.Report) {
	id := rec.intent.ID
	c.log.Warn("intent rejected",
		zap.String("intent_id", id),
		zap.String("purpose", string(rec.intent.Purpose)),
		zap.String("reason", r.Reason))
	c.bus.Publish(events.EventOrderRejected, r)

	switch {
	case rec.intent.Kind == order.KindCancel:
		delete(c.intents, id)
		c.updateIntent(id, string(order.ReportRejected), r.Reason)
		if target, ok := c.intents[rec.intent.TargetID]; ok && r.Reason == order.ReasonUnknownOrder {
			c.forget(target, order.ReportCancelled, r.Reason)
		}

	case rec.local:
		delete(c.intents, id)
		c.updateIntent(id, string(order.ReportRejected), r.Reason)
		c.retryExit(rec)

	default:
		c.forget(rec, order.ReportRejected, r.Reason)
		switch rec.intent.Purpose {
		case order.PurposeEntry, order.PurposeReverse:
			if c.entryID == id {
				c.entryID = ""
			}
			c.restoreMemo(rec.memo)
		case order.PurposeStop, order.PurposeTake:
			// the engine enforces the level itself until the next sync
			c.alert("protective order rejected: " + r.Reason)
		}
	}
	c.settle()
}

// retryExit resends an exit the gateway refused. The leg is already closed
// locally, so the order must eventually reach the venue.
func (c *Coordinator) retryExit(rec *intentRecord) {
	remaining := rec.intent.Volume - rec.filled
	if rec.attempts >= maxExitAttempts || !(remaining > 1e-9) {
		c.log.Error("exit abandoned after retries", zap.Int("attempts", rec.attempts))
		c.alert("exit order could not be placed; venue position may be open")
		return
	}
	in := order.NewIntent(c.symbol, order.KindPlaceMarket, order.PurposeExit)
	in.Side = rec.intent.Side
	in.Volume = remaining
	next := &intentRecord{intent: in, local: true, reason: rec.reason, price: rec.price, attempts: rec.attempts + 1}
	if err := c.send(next); err != nil {
		c.alert("exit retry could not be queued")
	}
}

func (c *Coordinator) restoreMemo(memo *risk.Outcome) {
	if memo != nil && c.memory.Peek() == nil {
		c.memory.Record(*memo)
	}
}

// --- sweep ---

func (c *Coordinator) handleSweep(now time.Time) {
	c.resendCancels()
	expired := c.grid.Expire(now)
	for _, s := range expired {
		c.log.Info("slot expired", zap.String("slot_id", s.ID), zap.Float64("price", s.Price))
		c.bus.Publish(events.EventSlotExpired, SlotExpired{Symbol: c.symbol, Slot: s})
	}
	c.sendCancels(expired)
	if len(expired) > 0 {
		c.settle()
	}
}

// --- plumbing ---

// send records and submits an intent. The record exists before submission so
// an immediate report always finds it.
func (c *Coordinator) send(rec *intentRecord) error {
	in := rec.intent
	c.intents[in.ID] = rec
	if err := c.submit.Submit(in); err != nil {
		delete(c.intents, in.ID)
		c.log.Warn("intent not submitted",
			zap.String("intent_id", in.ID),
			zap.String("kind", string(in.Kind)),
			zap.String("purpose", string(in.Purpose)),
			zap.Error(err))
		c.bus.Publish(events.EventOrderRejected, order.Report{
			IntentID: in.ID, Symbol: c.symbol, Kind: order.ReportRejected,
			TargetID: in.TargetID, Reason: err.Error(), Time: c.now(),
		})
		return err
	}
	if c.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := c.journal.RecordIntent(ctx, in); err != nil {
			c.log.Warn("journal intent failed", zap.Error(err))
		}
		cancel()
	}
	c.bus.Publish(events.EventOrderSubmitted, in)
	return nil
}

// sendCancels cancels slots already marked cancelling in the grid. A cancel
// the dispatcher refuses is sent again on the next sweep.
func (c *Coordinator) sendCancels(slots []grid.Slot) {
	for _, s := range slots {
		if err := c.send(&intentRecord{intent: order.Cancel(c.symbol, s.ID)}); err != nil {
			c.log.Warn("slot cancel deferred", zap.String("slot_id", s.ID))
		}
	}
}

// resendCancels retries cancelling slots that have no cancel in flight.
func (c *Coordinator) resendCancels() {
	inFlight := make(map[string]bool)
	for _, r := range c.intents {
		if r.intent.Kind == order.KindCancel {
			inFlight[r.intent.TargetID] = true
		}
	}
	var stuck []grid.Slot
	for _, s := range c.grid.Slots() {
		if s.Status == grid.StatusCancelling && !inFlight[s.ID] {
			stuck = append(stuck, s)
		}
	}
	c.sendCancels(stuck)
}

func (c *Coordinator) syncProtection() {
	for _, in := range c.protector.Sync(c.ledger.Leg()) {
		rec := &intentRecord{intent: in, legGen: c.legGen}
		if err := c.send(rec); err != nil && in.Kind != order.KindCancel {
			c.protector.Gone(in.ID)
		}
	}
}

func (c *Coordinator) recordFill(f state.Fill) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if _, err := c.journal.RecordFill(ctx, c.symbol, f); err != nil {
		c.log.Warn("journal fill failed", zap.Error(err))
	}
}

func (c *Coordinator) updateIntent(id, status, reason string) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.UpdateIntent(ctx, id, status, reason); err != nil {
		c.log.Warn("journal intent status failed", zap.Error(err))
	}
}

func (c *Coordinator) saveLeg() {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.SaveLeg(ctx, c.symbol, c.ledger.Leg()); err != nil {
		c.log.Warn("journal leg failed", zap.Error(err))
	}
}

func fillStatus(complete bool) string {
	if complete {
		return string(order.ReportFilled)
	}
	return string(order.ReportPartiallyFilled)
}

// settle moves to the resting state implied by the ledger, outstanding local
// exits and the grid.
func (c *Coordinator) settle() {
	if c.state == StateReversing && c.entryID != "" {
		return
	}
	switch {
	case c.ledger.Leg() != nil:
		c.setState(StateManaging)
	case c.pendingExits():
		c.setState(StateClosing)
	case c.grid.Len() > 0:
		c.setState(StatePendingStaged)
	default:
		c.setState(StateFlat)
	}
}

func (c *Coordinator) pendingExits() bool {
	for _, r := range c.intents {
		if r.local {
			return true
		}
	}
	return false
}

func (c *Coordinator) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.log.Debug("state change", zap.String("from", string(from)), zap.String("to", string(s)))
	c.bus.Publish(events.EventStateChange, StateChange{Symbol: c.symbol, From: from, To: s, Time: c.now()})
}

func (c *Coordinator) alert(msg string) {
	c.bus.Publish(events.EventRiskAlert, Alert{Symbol: c.symbol, Message: msg, Time: c.now()})
}

// Restore seeds a stopped coordinator from persisted state. Broker-held
// protection is re-armed for a restored leg.
func (c *Coordinator) Restore(leg *state.Leg, keys []state.FillKey, last *risk.Outcome) {
	c.ledger.Restore(leg, keys)
	if last != nil {
		c.memory.Record(*last)
	}
	if leg != nil {
		c.legGen++
		c.syncProtection()
	}
	c.settle()
	c.refresh()
}

// Reset drops all state without sending anything. Only call it while the
// coordinator is not running.
func (c *Coordinator) Reset() {
	c.ledger.Reset()
	c.grid.Reset()
	c.memory.Take()
	c.protector = NewProtector(c.cfg)
	c.intents = make(map[string]*intentRecord)
	c.entryID = ""
	c.reversal = false
	c.lastBar = market.Bar{}
	c.state = StateFlat
	c.refresh()
}
