package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"position-engine/internal/balance"
	"position-engine/internal/events"
	"position-engine/internal/grid"
	"position-engine/internal/market"
	"position-engine/internal/order"
	"position-engine/internal/risk"
	"position-engine/internal/state"
)

const testSymbol = "TEST"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSubmitter struct {
	mu      sync.Mutex
	intents []order.Intent
	err     error
}

func (s *recordingSubmitter) Submit(in order.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.intents = append(s.intents, in)
	return nil
}

func (s *recordingSubmitter) sent() []order.Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Intent(nil), s.intents...)
}

func (s *recordingSubmitter) last(t *testing.T) order.Intent {
	t.Helper()
	sent := s.sent()
	if len(sent) == 0 {
		t.Fatalf("no intents sent")
	}
	return sent[len(sent)-1]
}

type fakeJournal struct {
	intents map[string]string
	fills   []state.Fill
	closed  []risk.Outcome
	leg     *state.Leg
}

func newFakeJournal() *fakeJournal { return &fakeJournal{intents: map[string]string{}} }

func (j *fakeJournal) RecordIntent(_ context.Context, in order.Intent) error {
	j.intents[in.ID] = state.IntentPending
	return nil
}

func (j *fakeJournal) UpdateIntent(_ context.Context, id, status, _ string) error {
	j.intents[id] = status
	return nil
}

func (j *fakeJournal) RecordFill(_ context.Context, _ string, f state.Fill) (bool, error) {
	j.fills = append(j.fills, f)
	return true, nil
}

func (j *fakeJournal) SaveLeg(_ context.Context, _ string, leg *state.Leg) error {
	j.leg = leg
	return nil
}

func (j *fakeJournal) RecordClosed(_ context.Context, o risk.Outcome) error {
	j.closed = append(j.closed, o)
	return nil
}

func testConfig() risk.RiskConfig {
	cfg := risk.DefaultConfig()
	cfg.Instrument = risk.Instrument{Symbol: testSymbol, TickSize: 0.01, VolumeStep: 0.01, MinVolume: 0.01, MaxVolume: 1000}
	cfg.BaseVolume = 1
	cfg.StopDistance = 10
	cfg.TakeDistance = 20
	return cfg
}

type harness struct {
	c   *Coordinator
	sub *recordingSubmitter
	j   *fakeJournal
	bus *events.Bus
}

func newHarness(t *testing.T, cfg risk.RiskConfig, equity balance.EquitySource) *harness {
	t.Helper()
	h := &harness{sub: &recordingSubmitter{}, j: newFakeJournal(), bus: events.NewBus()}
	c, err := NewCoordinator(Options{
		Risk:      cfg,
		Submitter: h.sub,
		Equity:    equity,
		Journal:   h.j,
		Outcomes:  risk.NewInMemory(),
		Bus:       h.bus,
		Now:       func() time.Time { return t0 },
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h.c = c
	return h
}

func (h *harness) signal(action Action, price float64) {
	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: action, Price: price, Time: t0}})
}

func (h *harness) bar(open, high, low, close float64) {
	h.c.handle(BarEvent{Bar: market.Bar{Symbol: testSymbol, Open: open, High: high, Low: low, Close: close, Time: t0}})
}

func (h *harness) fill(in order.Intent, price float64) {
	h.fillPart(in, in.ID+"-1", price, in.Volume)
}

func (h *harness) fillPart(in order.Intent, fillID string, price, volume float64) {
	kind := order.ReportFilled
	if volume < in.Volume {
		kind = order.ReportPartiallyFilled
	}
	h.c.handle(ReportEvent{Report: order.Report{
		IntentID: in.ID, Symbol: testSymbol, Kind: kind, FillID: fillID,
		Side: in.Side, Price: price, Volume: volume, Time: t0,
	}})
}

func (h *harness) report(id string, kind order.ReportKind, reason string) {
	h.c.handle(ReportEvent{Report: order.Report{IntentID: id, Symbol: testSymbol, Kind: kind, Reason: reason, Time: t0}})
}

// openLong enters a market long and fills it at price.
func (h *harness) openLong(t *testing.T, price float64) order.Intent {
	t.Helper()
	h.signal(ActionEnterLong, price)
	in := h.sub.last(t)
	if in.Kind != order.KindPlaceMarket || in.Purpose != order.PurposeEntry || in.Side != risk.SideLong {
		t.Fatalf("unexpected entry intent %+v", in)
	}
	h.fill(in, price)
	return in
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestStopExitUsesLevelPrice(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.openLong(t, 100)

	snap := h.c.Snapshot()
	if snap.State != StateManaging || snap.Leg == nil {
		t.Fatalf("after entry: state %s leg %+v", snap.State, snap.Leg)
	}
	lv := snap.Leg.Levels
	if !approx(lv.Stop.Price, 90) || !approx(lv.TakeProfit.Price, 120) {
		t.Fatalf("levels = %+v, want stop 90 take 120", lv)
	}

	h.bar(100, 105, 95, 102)
	if n := len(h.sub.sent()); n != 1 {
		t.Fatalf("quiet bar sent %d intents", n)
	}

	h.bar(101, 103, 85, 88)
	exit := h.sub.last(t)
	if exit.Purpose != order.PurposeExit || exit.Side != risk.SideShort || !approx(exit.Volume, 1) {
		t.Fatalf("exit intent = %+v", exit)
	}
	if h.c.Snapshot().Leg != nil {
		t.Fatalf("leg still open after stop")
	}
	if len(h.j.closed) != 1 || !approx(h.j.closed[0].Exit, 90) || !approx(h.j.closed[0].PnL, -10) {
		t.Fatalf("closed trades = %+v, want one exit at 90", h.j.closed)
	}
	if s := h.c.State(); s != StateClosing {
		t.Fatalf("state before confirmation = %s", s)
	}

	h.fill(exit, 89.5)
	if s := h.c.State(); s != StateFlat {
		t.Fatalf("state after confirmation = %s", s)
	}
	if h.j.intents[exit.ID] != state.IntentFilled {
		t.Fatalf("exit journal status = %q", h.j.intents[exit.ID])
	}
}

func TestRiskPercentSizing(t *testing.T) {
	cfg := testConfig()
	cfg.Instrument = risk.Instrument{Symbol: testSymbol, TickSize: 0.0001, VolumeStep: 1, MinVolume: 1, MaxVolume: 1e6}
	cfg.SizingMode = risk.SizingRiskPercent
	cfg.RiskPercent = 0.05
	cfg.StopDistance = 0.0050
	cfg.TakeDistance = 0.0100

	h := newHarness(t, cfg, balance.Static(10000))
	h.signal(ActionEnterLong, 1.1000)
	if got := h.sub.last(t).Volume; !approx(got, 100000) {
		t.Fatalf("volume = %v, want 100000", got)
	}
}

func TestMartingaleSizingFollowsLastOutcome(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMode = risk.SizingMartingale
	cfg.MartingaleMultiplier = 2
	h := newHarness(t, cfg, nil)

	// loss at the stop
	h.openLong(t, 100)
	h.bar(101, 103, 85, 88)
	h.fill(h.sub.last(t), 90)

	h.signal(ActionEnterLong, 100)
	second := h.sub.last(t)
	if !approx(second.Volume, 2) {
		t.Fatalf("volume after loss = %v, want 2", second.Volume)
	}
	h.fill(second, 100)

	// win at the take
	h.bar(110, 125, 109, 121)
	h.fill(h.sub.last(t), 120)

	h.signal(ActionEnterLong, 100)
	if got := h.sub.last(t).Volume; !approx(got, 1) {
		t.Fatalf("volume after win = %v, want 1", got)
	}
}

func TestPendingGridCappedAndSiblingsCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.EntryMode = risk.EntryPending
	cfg.PendingType = risk.PendingStop
	cfg.GridSpacing = 10
	cfg.MaxSlots = 3
	h := newHarness(t, cfg, nil)

	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: ActionEnterLong, RangeHigh: 100, RangeLow: 100}})
	placed := h.sub.sent()
	if len(placed) != 3 {
		t.Fatalf("placed %d slots, want 3", len(placed))
	}
	want := []struct {
		side  risk.Side
		price float64
	}{
		{risk.SideLong, 100},
		{risk.SideShort, 100},
		{risk.SideLong, 110},
	}
	for i, w := range want {
		in := placed[i]
		if in.Kind != order.KindPlaceStop || in.Purpose != order.PurposeSlot || in.Side != w.side || !approx(in.Price, w.price) {
			t.Fatalf("slot %d = %+v, want %s @ %v", i, in, w.side, w.price)
		}
	}
	if s := h.c.State(); s != StatePendingStaged {
		t.Fatalf("state = %s", s)
	}

	h.fill(placed[0], 100)
	snap := h.c.Snapshot()
	if snap.State != StateManaging || snap.Leg == nil || snap.Leg.Side != risk.SideLong {
		t.Fatalf("after slot fill: %+v", snap)
	}
	if !approx(snap.Leg.Levels.Stop.Price, 90) {
		t.Fatalf("planned stop not used: %+v", snap.Leg.Levels)
	}
	cancel := h.sub.last(t)
	if cancel.Kind != order.KindCancel || cancel.TargetID != placed[1].ID {
		t.Fatalf("expected cancel of the short slot, got %+v", cancel)
	}

	h.report(placed[1].ID, order.ReportCancelled, "")
	if n := len(h.c.Snapshot().Slots); n != 1 {
		t.Fatalf("slots left = %d, want the long at 110", n)
	}

	// a new setup with a leg open only adds same-side slots within the cap
	before := len(h.sub.sent())
	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: ActionEnterLong, RangeHigh: 130, RangeLow: 120}})
	added := h.sub.sent()[before:]
	if len(added) != 1 || added[0].Side != risk.SideLong || !approx(added[0].Price, 130) {
		t.Fatalf("added slots = %+v", added)
	}
}

func TestFillsAreIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.BaseVolume = 2
	h := newHarness(t, cfg, nil)

	h.signal(ActionEnterLong, 100)
	in := h.sub.last(t)
	h.fillPart(in, "a", 100, 1)
	h.fillPart(in, "a", 100, 1)
	if got := h.c.Snapshot().Leg.Volume; !approx(got, 1) {
		t.Fatalf("volume after duplicate = %v", got)
	}
	h.fillPart(in, "b", 102, 1)
	h.fillPart(in, "b", 102, 1)
	leg := h.c.Snapshot().Leg
	if !approx(leg.Volume, 2) || !approx(leg.AvgEntry, 101) {
		t.Fatalf("leg = %+v, want 2 @ 101", leg)
	}
	if len(h.j.fills) != 2 {
		t.Fatalf("journaled %d fills, want 2", len(h.j.fills))
	}
}

func TestReverseOnSignal(t *testing.T) {
	cfg := testConfig()
	cfg.ReverseOnSignal = true
	h := newHarness(t, cfg, nil)
	trades, unsub := h.bus.Subscribe(events.EventTradeClosed, 4)
	defer unsub()

	h.openLong(t, 100)
	h.signal(ActionEnterShort, 110)
	rev := h.sub.last(t)
	if rev.Purpose != order.PurposeReverse || rev.Side != risk.SideShort || !approx(rev.Volume, 2) {
		t.Fatalf("reverse intent = %+v", rev)
	}
	if s := h.c.State(); s != StateReversing {
		t.Fatalf("state = %s", s)
	}

	h.fill(rev, 110)
	snap := h.c.Snapshot()
	if snap.State != StateManaging || snap.Leg == nil || snap.Leg.Side != risk.SideShort || !approx(snap.Leg.Volume, 1) {
		t.Fatalf("after reversal: %+v", snap)
	}
	if !approx(snap.Leg.Levels.Stop.Price, 120) || !approx(snap.Leg.Levels.TakeProfit.Price, 90) {
		t.Fatalf("short levels = %+v", snap.Leg.Levels)
	}
	tc := (<-trades).(TradeClosed)
	if tc.Outcome.Side != risk.SideLong || !approx(tc.Outcome.PnL, 10) {
		t.Fatalf("closed = %+v", tc)
	}
}

func TestExitOnReversalWaitsForBar(t *testing.T) {
	cfg := testConfig()
	cfg.ExitOnReversal = true
	h := newHarness(t, cfg, nil)
	h.openLong(t, 100)

	h.signal(ActionEnterShort, 101)
	if n := len(h.sub.sent()); n != 1 {
		t.Fatalf("opposite signal sent %d intents before the bar", n)
	}
	h.bar(100, 102, 99, 101)
	exit := h.sub.last(t)
	if exit.Purpose != order.PurposeExit {
		t.Fatalf("exit intent = %+v", exit)
	}
	if len(h.j.closed) != 1 || !approx(h.j.closed[0].Exit, 101) {
		t.Fatalf("closed = %+v", h.j.closed)
	}
}

func TestRejectedEntryRestoresMemory(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMode = risk.SizingMartingale
	cfg.MartingaleMultiplier = 2
	h := newHarness(t, cfg, nil)
	h.c.memory.Record(risk.Outcome{Symbol: testSymbol, Side: risk.SideLong, Volume: 1, PnL: -5})

	h.signal(ActionEnterLong, 100)
	first := h.sub.last(t)
	if !approx(first.Volume, 2) {
		t.Fatalf("volume = %v", first.Volume)
	}
	h.report(first.ID, order.ReportRejected, "margin")
	if h.c.memory.Peek() == nil {
		t.Fatalf("outcome memory not restored")
	}
	if h.c.State() != StateFlat {
		t.Fatalf("state = %s", h.c.State())
	}

	h.signal(ActionEnterLong, 100)
	if got := h.sub.last(t).Volume; !approx(got, 2) {
		t.Fatalf("retry volume = %v, want 2", got)
	}
}

func TestSubmitFailureLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMode = risk.SizingMartingale
	cfg.MartingaleMultiplier = 2
	h := newHarness(t, cfg, nil)
	h.c.memory.Record(risk.Outcome{Volume: 1, PnL: -5})
	h.sub.err = order.ErrQueueFull

	h.signal(ActionEnterLong, 100)
	if h.c.entryID != "" || len(h.c.intents) != 0 {
		t.Fatalf("failed submit left intent state: %q %d", h.c.entryID, len(h.c.intents))
	}
	if h.c.memory.Peek() == nil {
		t.Fatalf("outcome memory consumed by a failed submit")
	}
}

func TestSlotExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.EntryMode = risk.EntryPending
	cfg.GridSpacing = 10
	cfg.MaxSlots = 2
	cfg.SlotTTL = time.Minute
	h := newHarness(t, cfg, nil)
	expired, unsub := h.bus.Subscribe(events.EventSlotExpired, 4)
	defer unsub()

	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: ActionEnterLong, RangeHigh: 100, RangeLow: 95}})
	placed := h.sub.sent()
	if len(placed) != 2 {
		t.Fatalf("placed %d", len(placed))
	}

	h.c.handle(SweepEvent{Time: t0.Add(30 * time.Second)})
	if n := len(h.sub.sent()); n != 2 {
		t.Fatalf("sweep before ttl sent %d intents", n)
	}

	h.c.handle(SweepEvent{Time: t0.Add(2 * time.Minute)})
	cancels := h.sub.sent()[2:]
	if len(cancels) != 2 || cancels[0].Kind != order.KindCancel {
		t.Fatalf("cancels = %+v", cancels)
	}
	if len(expired) != 2 {
		t.Fatalf("slot expired events = %d", len(expired))
	}
	if h.c.State() != StateFlat {
		t.Fatalf("state = %s", h.c.State())
	}
	for _, in := range placed {
		h.report(in.ID, order.ReportCancelled, "")
	}
	if n := len(h.c.Snapshot().Slots); n != 0 {
		t.Fatalf("slots left = %d", n)
	}
}

func TestSlotCancelRetriedAfterSubmitFailure(t *testing.T) {
	cfg := testConfig()
	cfg.EntryMode = risk.EntryPending
	cfg.GridSpacing = 10
	cfg.MaxSlots = 2
	cfg.SlotTTL = time.Minute
	h := newHarness(t, cfg, nil)

	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: ActionEnterLong, RangeHigh: 100, RangeLow: 95}})
	placed := h.sub.sent()
	if len(placed) != 2 {
		t.Fatalf("placed %d", len(placed))
	}

	h.sub.mu.Lock()
	h.sub.err = errors.New("queue full")
	h.sub.mu.Unlock()
	h.c.handle(SweepEvent{Time: t0.Add(2 * time.Minute)})
	if n := len(h.sub.sent()); n != 2 {
		t.Fatalf("cancels recorded despite failure: %d", n)
	}
	for _, s := range h.c.Snapshot().Slots {
		if s.Status != grid.StatusCancelling {
			t.Fatalf("slot %s status = %s", s.ID, s.Status)
		}
	}

	h.sub.mu.Lock()
	h.sub.err = nil
	h.sub.mu.Unlock()
	h.c.handle(SweepEvent{Time: t0.Add(2*time.Minute + time.Second)})
	cancels := h.sub.sent()[2:]
	if len(cancels) != 2 {
		t.Fatalf("cancels after retry = %+v", cancels)
	}
	targets := map[string]bool{}
	for _, in := range cancels {
		if in.Kind != order.KindCancel {
			t.Fatalf("unexpected intent %+v", in)
		}
		targets[in.TargetID] = true
	}
	for _, in := range placed {
		if !targets[in.ID] {
			t.Fatalf("slot %s never cancelled", in.ID)
		}
	}

	h.c.handle(SweepEvent{Time: t0.Add(2*time.Minute + 2*time.Second)})
	if n := len(h.sub.sent()); n != 4 {
		t.Fatalf("cancel resent while in flight: %d intents", n)
	}
	for _, in := range placed {
		h.report(in.ID, order.ReportCancelled, "")
	}
	if n := len(h.c.Snapshot().Slots); n != 0 {
		t.Fatalf("slots left = %d", n)
	}
}

func TestCancelLostToFillAppliesFill(t *testing.T) {
	cfg := testConfig()
	cfg.EntryMode = risk.EntryPending
	cfg.MaxSlots = 1
	h := newHarness(t, cfg, nil)

	h.c.handle(SignalEvent{Signal: Signal{Symbol: testSymbol, Action: ActionEnterLong, RangeHigh: 100, RangeLow: 95}})
	slot := h.sub.last(t)

	h.signal(ActionCancelSetup, 0)
	cancel := h.sub.last(t)
	if cancel.Kind != order.KindCancel || cancel.TargetID != slot.ID {
		t.Fatalf("cancel = %+v", cancel)
	}

	fillID := slot.ID + "-1"
	h.c.handle(ReportEvent{Report: order.Report{
		IntentID: cancel.ID, Symbol: testSymbol, Kind: order.ReportRejected, Reason: order.ReasonAlreadyFilled,
		TargetID: slot.ID, FillID: fillID, Side: risk.SideLong, Price: 100, Volume: 1, Time: t0,
	}})
	snap := h.c.Snapshot()
	if snap.Leg == nil || !approx(snap.Leg.Volume, 1) || snap.State != StateManaging {
		t.Fatalf("after lost cancel: %+v", snap)
	}

	h.fillPart(slot, fillID, 100, 1)
	if got := h.c.Snapshot().Leg.Volume; !approx(got, 1) {
		t.Fatalf("late fill report applied twice: volume %v", got)
	}
}

func TestBrokerProtectionFollowsLevels(t *testing.T) {
	cfg := testConfig()
	cfg.ProtectionMode = risk.ProtectBroker
	cfg.TrailingDistance = 5
	h := newHarness(t, cfg, nil)
	trades, unsub := h.bus.Subscribe(events.EventTradeClosed, 4)
	defer unsub()

	h.openLong(t, 100)
	sent := h.sub.sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d intents, want entry, stop, take", len(sent))
	}
	stop, take := sent[1], sent[2]
	if stop.Kind != order.KindPlaceStop || stop.Side != risk.SideShort || !approx(stop.Price, 90) {
		t.Fatalf("stop = %+v", stop)
	}
	if take.Kind != order.KindPlaceLimit || !approx(take.Price, 120) {
		t.Fatalf("take = %+v", take)
	}

	// trailing moves to 105: the stop is replaced
	h.bar(100, 111, 99, 110)
	sent = h.sub.sent()
	if len(sent) != 5 || sent[3].Kind != order.KindCancel || sent[3].TargetID != stop.ID {
		t.Fatalf("replace intents = %+v", sent[3:])
	}
	trail := sent[4]
	if trail.Kind != order.KindPlaceStop || !approx(trail.Price, 105) {
		t.Fatalf("trailing stop = %+v", trail)
	}
	h.report(stop.ID, order.ReportCancelled, "")

	// the touch is left to the resting order
	h.bar(108, 109, 104, 106)
	if n := len(h.sub.sent()); n != 5 {
		t.Fatalf("engine acted on a broker-held level: %d intents", n)
	}
	if h.c.Snapshot().Leg == nil {
		t.Fatalf("leg closed without a fill")
	}

	h.fill(trail, 105)
	if h.c.Snapshot().Leg != nil {
		t.Fatalf("leg open after stop fill")
	}
	tc := (<-trades).(TradeClosed)
	if tc.Reason != risk.ExitTrailing || !approx(tc.Outcome.PnL, 5) {
		t.Fatalf("trade closed = %+v", tc)
	}
	last := h.sub.last(t)
	if last.Kind != order.KindCancel || last.TargetID != take.ID {
		t.Fatalf("take not cancelled: %+v", last)
	}
	if h.c.State() != StateFlat {
		t.Fatalf("state = %s", h.c.State())
	}
}

func TestRejectedProtectionFallsBackToEngine(t *testing.T) {
	cfg := testConfig()
	cfg.ProtectionMode = risk.ProtectBroker
	h := newHarness(t, cfg, nil)
	h.openLong(t, 100)
	stop := h.sub.sent()[1]

	h.report(stop.ID, order.ReportRejected, "trigger too close")
	h.bar(95, 96, 88, 89)
	var exits int
	for _, in := range h.sub.sent() {
		if in.Purpose == order.PurposeExit {
			exits++
		}
	}
	if exits != 1 {
		t.Fatalf("engine exits = %d, want 1", exits)
	}
	if len(h.j.closed) != 1 || !approx(h.j.closed[0].Exit, 90) {
		t.Fatalf("closed = %+v", h.j.closed)
	}
}

func TestRejectedLocalExitIsRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	alerts, unsub := h.bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()
	h.openLong(t, 100)

	h.signal(ActionExitLong, 105)
	for attempt := 1; attempt <= maxExitAttempts; attempt++ {
		exit := h.sub.last(t)
		if exit.Purpose != order.PurposeExit || !approx(exit.Volume, 1) {
			t.Fatalf("attempt %d: %+v", attempt, exit)
		}
		h.report(exit.ID, order.ReportRejected, "venue busy")
	}
	if n := len(h.sub.sent()); n != 1+maxExitAttempts {
		t.Fatalf("sent %d intents", n)
	}
	if len(alerts) == 0 {
		t.Fatalf("no alert after abandoning the exit")
	}
	if len(h.j.closed) != 1 || !approx(h.j.closed[0].PnL, 5) {
		t.Fatalf("closed = %+v", h.j.closed)
	}
	if h.c.State() != StateFlat {
		t.Fatalf("state = %s", h.c.State())
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.SizingMode = "kelly"
	_, err := NewCoordinator(Options{Risk: cfg, Submitter: &recordingSubmitter{}})
	if !errors.Is(err, risk.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestBarsDroppedWhenInboxFull(t *testing.T) {
	c, err := NewCoordinator(Options{Risk: testConfig(), Submitter: &recordingSubmitter{}, InboxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	b := market.Bar{Symbol: testSymbol, Open: 1, High: 1, Low: 1, Close: 1}
	if err := c.OnBar(b); err != nil {
		t.Fatalf("first bar: %v", err)
	}
	if err := c.OnBar(b); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("second bar err = %v", err)
	}
	if got := c.Snapshot().DroppedBars; got != 1 {
		t.Fatalf("dropped = %d", got)
	}
}

func TestRestoreRearmsLeg(t *testing.T) {
	cfg := testConfig()
	cfg.ProtectionMode = risk.ProtectBroker
	h := newHarness(t, cfg, nil)
	leg := &state.Leg{
		Symbol: testSymbol, Side: risk.SideShort, Volume: 1, AvgEntry: 50, Entered: 1,
		Levels: risk.Levels{Stop: risk.At(55), TakeProfit: risk.At(40)},
	}
	h.c.Restore(leg, []state.FillKey{{OrderID: "o1", FillID: "f1"}}, nil)

	if h.c.State() != StateManaging {
		t.Fatalf("state = %s", h.c.State())
	}
	if n := len(h.sub.sent()); n != 2 {
		t.Fatalf("protection re-armed with %d intents", n)
	}
	if !h.c.ledger.AlreadyApplied("o1", "f1") {
		t.Fatalf("fill keys not restored")
	}

	h.c.Reset()
	if h.c.Snapshot().Leg != nil || h.c.State() != StateFlat {
		t.Fatalf("reset left state behind")
	}
}
