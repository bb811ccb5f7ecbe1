package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"position-engine/internal/market"
	"position-engine/internal/risk"
)

type reportLog struct {
	mu      sync.Mutex
	reports []Report
}

func (l *reportLog) sink(r Report) {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
}

func (l *reportLog) all() []Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Report(nil), l.reports...)
}

func bar(open, high, low, close float64) market.Bar {
	return market.Bar{Symbol: "BTCUSDT", Open: open, High: high, Low: low, Close: close, Time: time.Unix(1_700_000_000, 0)}
}

func place(kind Kind, side risk.Side, price, volume float64) Intent {
	in := NewIntent("BTCUSDT", kind, PurposeSlot)
	in.Side = side
	in.Price = price
	in.Volume = volume
	return in
}

func TestPaperMarketFill(t *testing.T) {
	log := &reportLog{}
	p := NewPaperGateway(PaperConfig{InitialEquity: 1000, Seed: 1}, log.sink, nil)

	in := place(KindPlaceMarket, risk.SideLong, 0, 1)
	err := p.Submit(context.Background(), in)
	if err == nil {
		t.Fatalf("expected no-price error before any bar")
	}

	p.OnBar(bar(100, 101, 99, 100))
	if err := p.Submit(context.Background(), in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := log.all()
	if len(got) != 1 || got[0].Kind != ReportFilled {
		t.Fatalf("expected one fill, got %+v", got)
	}
	if got[0].Price != 100 || got[0].Volume != 1 || got[0].FillID != in.ID+"-1" {
		t.Fatalf("unexpected fill %+v", got[0])
	}
}

func TestPaperRestingOrders(t *testing.T) {
	tests := []struct {
		name      string
		kind      Kind
		side      risk.Side
		price     float64
		bar       market.Bar
		wantFill  bool
		wantPrice float64
	}{
		{"buy stop touched", KindPlaceStop, risk.SideLong, 105, bar(100, 106, 99, 104), true, 105},
		{"buy stop gapped", KindPlaceStop, risk.SideLong, 105, bar(108, 110, 107, 109), true, 108},
		{"buy stop not reached", KindPlaceStop, risk.SideLong, 105, bar(100, 104, 99, 103), false, 0},
		{"sell stop gapped", KindPlaceStop, risk.SideShort, 95, bar(90, 92, 88, 91), true, 90},
		{"buy limit touched", KindPlaceLimit, risk.SideLong, 95, bar(100, 101, 94, 96), true, 95},
		{"sell limit gapped", KindPlaceLimit, risk.SideShort, 105, bar(107, 108, 106, 107), true, 107},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &reportLog{}
			p := NewPaperGateway(PaperConfig{Seed: 1}, log.sink, nil)
			in := place(tt.kind, tt.side, tt.price, 2)
			if err := p.Submit(context.Background(), in); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if len(log.all()) != 0 {
				t.Fatalf("resting order reported before trigger")
			}
			p.OnBar(tt.bar)
			got := log.all()
			if !tt.wantFill {
				if len(got) != 0 || len(p.Working()) != 1 {
					t.Fatalf("expected order to keep resting, reports=%+v", got)
				}
				return
			}
			if len(got) != 1 || got[0].Price != tt.wantPrice || got[0].IntentID != in.ID {
				t.Fatalf("expected fill at %v, got %+v", tt.wantPrice, got)
			}
			if len(p.Working()) != 0 {
				t.Fatalf("filled order still working")
			}
		})
	}
}

func TestPaperCancel(t *testing.T) {
	log := &reportLog{}
	p := NewPaperGateway(PaperConfig{Seed: 1}, log.sink, nil)
	ctx := context.Background()

	working := place(KindPlaceStop, risk.SideLong, 105, 1)
	filled := place(KindPlaceStop, risk.SideShort, 95, 1)
	_ = p.Submit(ctx, working)
	_ = p.Submit(ctx, filled)
	p.OnBar(bar(100, 101, 94, 96))

	_ = p.Submit(ctx, Cancel("BTCUSDT", working.ID))
	_ = p.Submit(ctx, Cancel("BTCUSDT", filled.ID))
	_ = p.Submit(ctx, Cancel("BTCUSDT", "nope"))

	got := log.all()
	if len(got) != 4 {
		t.Fatalf("expected fill plus three cancel reports, got %+v", got)
	}
	if got[1].Kind != ReportCancelled || got[1].IntentID != working.ID {
		t.Fatalf("expected cancelled report for working order, got %+v", got[1])
	}
	if !got[2].CancelLostToFill() || got[2].TargetID != filled.ID || got[2].FillID != got[0].FillID || got[2].Price != 95 {
		t.Fatalf("expected already_filled rejection carrying the fill, got %+v", got[2])
	}
	if got[3].Kind != ReportRejected || got[3].Reason != ReasonUnknownOrder {
		t.Fatalf("expected unknown order rejection, got %+v", got[3])
	}
}

func TestPaperEquity(t *testing.T) {
	p := NewPaperGateway(PaperConfig{InitialEquity: 1000, Seed: 1}, nil, nil)
	ctx := context.Background()
	p.OnBar(bar(100, 100, 100, 100))

	buy := place(KindPlaceMarket, risk.SideLong, 0, 2)
	if err := p.Submit(ctx, buy); err != nil {
		t.Fatalf("submit: %v", err)
	}
	p.OnBar(bar(110, 110, 110, 110))
	if eq, _ := p.Equity(); eq != 1020 {
		t.Fatalf("expected marked equity 1020, got %v", eq)
	}
	if pos, _ := p.GetPositions(ctx); pos["BTCUSDT"] != 2 {
		t.Fatalf("positions = %v", pos)
	}

	sell := place(KindPlaceMarket, risk.SideShort, 0, 2)
	if err := p.Submit(ctx, sell); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if eq, _ := p.Equity(); eq != 1020 {
		t.Fatalf("expected realized equity 1020, got %v", eq)
	}
	if pos, _ := p.GetPositions(ctx); len(pos) != 0 {
		t.Fatalf("flat account still reports %v", pos)
	}
}

func TestPaperRejectsInvalidIntent(t *testing.T) {
	p := NewPaperGateway(PaperConfig{Seed: 1}, nil, nil)
	err := p.Submit(context.Background(), place(KindPlaceStop, risk.SideLong, 0, 1))
	if !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected ErrInvalidIntent, got %v", err)
	}
}

func TestPaperLinkedOrdersFillOnce(t *testing.T) {
	tests := []struct {
		name     string
		bar      market.Bar
		wantFill Kind // zero when nothing trades
	}{
		{"both touched prefers limit", bar(100, 125, 85, 100), KindPlaceLimit},
		{"stop only", bar(100, 101, 85, 88), KindPlaceStop},
		{"limit only", bar(100, 125, 99, 121), KindPlaceLimit},
		{"neither", bar(100, 110, 95, 100), ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			log := &reportLog{}
			p := NewPaperGateway(PaperConfig{InitialEquity: 1000, Seed: 1}, log.sink, nil)
			p.OnBar(bar(100, 101, 99, 100))

			entry := place(KindPlaceMarket, risk.SideLong, 0, 1)
			if err := p.Submit(context.Background(), entry); err != nil {
				t.Fatalf("entry: %v", err)
			}
			stop := place(KindPlaceStop, risk.SideShort, 90, 1)
			stop.Group = "leg-1"
			take := place(KindPlaceLimit, risk.SideShort, 120, 1)
			take.Group = "leg-1"
			for _, in := range []Intent{stop, take} {
				if err := p.Submit(context.Background(), in); err != nil {
					t.Fatalf("submit: %v", err)
				}
			}

			p.OnBar(tc.bar)
			var fills, cancels []Report
			for _, r := range log.all()[1:] {
				switch r.Kind {
				case ReportFilled:
					fills = append(fills, r)
				case ReportCancelled:
					cancels = append(cancels, r)
				}
			}
			pos, _ := p.GetPositions(context.Background())

			if tc.wantFill == "" {
				if len(fills) != 0 || len(p.Working()) != 2 || pos["BTCUSDT"] != 1 {
					t.Fatalf("fills=%+v working=%d pos=%v", fills, len(p.Working()), pos)
				}
				return
			}
			winner, loser := take, stop
			if tc.wantFill == KindPlaceStop {
				winner, loser = stop, take
			}
			if len(fills) != 1 || fills[0].IntentID != winner.ID {
				t.Fatalf("fills = %+v, want %s", fills, winner.ID)
			}
			if len(cancels) != 1 || cancels[0].IntentID != loser.ID {
				t.Fatalf("cancels = %+v, want %s", cancels, loser.ID)
			}
			if len(p.Working()) != 0 {
				t.Fatalf("working = %+v", p.Working())
			}
			if len(pos) != 0 {
				t.Fatalf("venue position = %v, want flat", pos)
			}
		})
	}
}
