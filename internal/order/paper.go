package order

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"position-engine/internal/market"
	"position-engine/internal/risk"
	"position-engine/pkg/cache"
	"position-engine/pkg/logger"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialEquity float64
	SlippageBps   float64 // random adverse slippage applied to market fills
	FeeRate       float64 // fraction of notional charged per fill
	Seed          int64   // 0 = time based
}

// PaperGateway simulates a venue: market intents fill at the last price,
// stop and limit intents rest until a bar trades through them. It also keeps
// a netted paper account so it can serve as the equity source.
type PaperGateway struct {
	mu      sync.Mutex
	cfg     PaperConfig
	prices  *cache.Sharded[float64]
	sink    ReportSink
	rng     *rand.Rand
	log     *zap.Logger
	working map[string]*restingOrder
	filled  map[string]Report // intent id -> its last fill, for cancel races
	seq     int64

	positions map[string]*paperPosition
	balance   float64
}

type restingOrder struct {
	intent Intent
	seq    int64
}

type paperPosition struct {
	side     risk.Side
	quantity float64
	entry    float64
}

// NewPaperGateway creates a paper venue that reports to sink.
func NewPaperGateway(cfg PaperConfig, sink ReportSink, log *zap.Logger) *PaperGateway {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &PaperGateway{
		cfg:       cfg,
		prices:    cache.NewShardedPriceCache(),
		sink:      sink,
		rng:       rand.New(rand.NewSource(seed)),
		log:       logger.OrNop(log).Named("paper"),
		working:   make(map[string]*restingOrder),
		filled:    make(map[string]Report),
		positions: make(map[string]*paperPosition),
		balance:   cfg.InitialEquity,
	}
}

// SetSink replaces the report sink; used when the consumer is built later.
func (p *PaperGateway) SetSink(sink ReportSink) {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()
}

// Submit implements Gateway.
func (p *PaperGateway) Submit(_ context.Context, in Intent) error {
	if err := in.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	var reports []Report
	switch in.Kind {
	case KindPlaceMarket:
		last, ok := p.prices.Get(in.Symbol)
		if !ok || !(last > 0) {
			p.mu.Unlock()
			return errors.Errorf("%s: no last price for %s", ReasonNoPrice, in.Symbol)
		}
		reports = append(reports, p.fillLocked(in, p.slip(in.Side, last)))

	case KindPlaceStop, KindPlaceLimit:
		p.seq++
		p.working[in.ID] = &restingOrder{intent: in, seq: p.seq}

	case KindCancel:
		reports = append(reports, p.cancelLocked(in))
	}
	sink := p.sink
	p.mu.Unlock()

	p.emit(sink, reports)
	return nil
}

func (p *PaperGateway) cancelLocked(in Intent) Report {
	now := time.Now()
	if o, ok := p.working[in.TargetID]; ok {
		delete(p.working, in.TargetID)
		return Report{IntentID: in.TargetID, Symbol: o.intent.Symbol, Kind: ReportCancelled, Time: now}
	}
	if f, ok := p.filled[in.TargetID]; ok {
		return Report{
			IntentID: in.ID,
			Symbol:   in.Symbol,
			Kind:     ReportRejected,
			Reason:   ReasonAlreadyFilled,
			TargetID: in.TargetID,
			FillID:   f.FillID,
			Side:     f.Side,
			Price:    f.Price,
			Volume:   f.Volume,
			Time:     now,
		}
	}
	return Report{IntentID: in.ID, Symbol: in.Symbol, Kind: ReportRejected, Reason: ReasonUnknownOrder, TargetID: in.TargetID, Time: now}
}

// OnBar records the bar's close as the last price and triggers resting
// orders the bar traded through, oldest first. Of a linked group only one
// order trades per bar, a limit ahead of a stop, and its siblings are
// cancelled.
func (p *PaperGateway) OnBar(bar market.Bar) {
	if !bar.Valid() {
		return
	}
	p.mu.Lock()
	p.prices.Set(bar.Symbol, bar.Close)

	var triggered []*restingOrder
	for _, o := range p.working {
		if o.intent.Symbol == bar.Symbol {
			if _, ok := triggerPrice(o.intent, bar); ok {
				triggered = append(triggered, o)
			}
		}
	}
	sort.Slice(triggered, func(i, j int) bool { return triggered[i].seq < triggered[j].seq })

	winner := make(map[string]*restingOrder)
	for _, o := range triggered {
		g := o.intent.Group
		if g == "" {
			continue
		}
		if w, ok := winner[g]; !ok || (w.intent.Kind == KindPlaceStop && o.intent.Kind == KindPlaceLimit) {
			winner[g] = o
		}
	}

	var reports []Report
	for _, o := range triggered {
		if g := o.intent.Group; g != "" && winner[g] != o {
			continue
		}
		if _, live := p.working[o.intent.ID]; !live {
			continue
		}
		px, _ := triggerPrice(o.intent, bar)
		delete(p.working, o.intent.ID)
		reports = append(reports, p.fillLocked(o.intent, px))
		reports = append(reports, p.cancelGroupLocked(o.intent)...)
	}
	sink := p.sink
	p.mu.Unlock()

	p.emit(sink, reports)
}

// cancelGroupLocked removes the resting siblings of a traded order.
func (p *PaperGateway) cancelGroupLocked(in Intent) []Report {
	if in.Group == "" {
		return nil
	}
	var siblings []*restingOrder
	for id, o := range p.working {
		if o.intent.Group == in.Group && id != in.ID {
			siblings = append(siblings, o)
		}
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i].seq < siblings[j].seq })
	out := make([]Report, 0, len(siblings))
	for _, o := range siblings {
		delete(p.working, o.intent.ID)
		out = append(out, Report{
			IntentID: o.intent.ID,
			Symbol:   o.intent.Symbol,
			Kind:     ReportCancelled,
			Reason:   "oco",
			Time:     time.Now(),
		})
	}
	return out
}

// triggerPrice returns the execution price if the bar reaches the order.
// Stops fill at the trigger or worse on a gap; limits at the limit or better.
func triggerPrice(in Intent, bar market.Bar) (float64, bool) {
	buy := in.Side == risk.SideLong
	stop := in.Kind == KindPlaceStop
	open := bar.Open
	if !(open > 0) {
		open = in.Price
	}
	switch {
	case stop && buy && bar.High >= in.Price:
		return max(in.Price, open), true
	case stop && !buy && bar.Low <= in.Price:
		return min(in.Price, open), true
	case !stop && buy && bar.Low <= in.Price:
		return min(in.Price, open), true
	case !stop && !buy && bar.High >= in.Price:
		return max(in.Price, open), true
	}
	return 0, false
}

func (p *PaperGateway) slip(side risk.Side, price float64) float64 {
	frac := p.cfg.SlippageBps / 10000.0
	if frac <= 0 {
		return price
	}
	noise := p.rng.Float64() * frac
	return price * (1 + side.Sign()*noise)
}

func (p *PaperGateway) fillLocked(in Intent, price float64) Report {
	r := Report{
		IntentID: in.ID,
		Symbol:   in.Symbol,
		Kind:     ReportFilled,
		FillID:   fmt.Sprintf("%s-1", in.ID),
		Side:     in.Side,
		Price:    price,
		Volume:   in.Volume,
		Time:     time.Now(),
	}
	p.filled[in.ID] = r
	p.updateAccount(in.Symbol, in.Side, in.Volume, price)
	return r
}

// updateAccount nets the paper position and books realized P&L and fees.
func (p *PaperGateway) updateAccount(symbol string, side risk.Side, qty, price float64) {
	p.balance -= qty * price * p.cfg.FeeRate

	pos, ok := p.positions[symbol]
	if !ok {
		p.positions[symbol] = &paperPosition{side: side, quantity: qty, entry: price}
		return
	}
	if pos.side == side {
		total := pos.quantity + qty
		pos.entry = (pos.quantity*pos.entry + qty*price) / total
		pos.quantity = total
		return
	}
	closed := min(qty, pos.quantity)
	p.balance += (price - pos.entry) * closed * pos.side.Sign()
	pos.quantity -= closed
	if rem := qty - closed; rem > 1e-12 {
		p.positions[symbol] = &paperPosition{side: side, quantity: rem, entry: price}
	} else if pos.quantity <= 1e-12 {
		delete(p.positions, symbol)
	}
}

func (p *PaperGateway) emit(sink ReportSink, reports []Report) {
	for _, r := range reports {
		p.log.Debug("paper report",
			zap.String("symbol", r.Symbol),
			zap.String("intent_id", r.IntentID),
			zap.String("kind", string(r.Kind)),
			zap.Float64("price", r.Price),
			zap.Float64("volume", r.Volume))
		if sink != nil {
			sink(r)
		}
	}
}

// Equity returns realized balance plus open P&L marked at the last price.
// It implements balance.EquitySource.
func (p *PaperGateway) Equity() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	eq := p.balance
	for sym, pos := range p.positions {
		last, ok := p.prices.Get(sym)
		if !ok {
			last = pos.entry
		}
		eq += (last - pos.entry) * pos.quantity * pos.side.Sign()
	}
	return eq, true
}

// Working returns the resting intents, oldest first.
func (p *PaperGateway) Working() []Intent {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := make([]*restingOrder, 0, len(p.working))
	for _, o := range p.working {
		list = append(list, o)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]Intent, len(list))
	for i, o := range list {
		out[i] = o.intent
	}
	return out
}

// LastPrice returns the last close seen for symbol.
func (p *PaperGateway) LastPrice(symbol string) (float64, bool) {
	return p.prices.Get(symbol)
}

// GetPositions returns the paper account's net position per symbol, signed
// by side (long positive).
func (p *PaperGateway) GetPositions(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = pos.quantity * pos.side.Sign()
	}
	return out, nil
}
