package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"position-engine/internal/risk"
)

type recordingGateway struct {
	mu   sync.Mutex
	seen []Intent
	fail error
}

func (g *recordingGateway) Submit(_ context.Context, in Intent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = append(g.seen, in)
	return g.fail
}

func (g *recordingGateway) intents() []Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Intent(nil), g.seen...)
}

func marketIntent(symbol string, volume float64) Intent {
	in := NewIntent(symbol, KindPlaceMarket, PurposeEntry)
	in.Side = risk.SideLong
	in.Volume = volume
	return in
}

func TestDispatcherKeepsPerSymbolOrder(t *testing.T) {
	gw := &recordingGateway{}
	d := NewDispatcher(gw, nil, DispatcherConfig{Workers: 4, QueueSize: 64}, nil)
	d.Start(context.Background())

	symbols := []string{"BTCUSDT", "ETHUSDT", "EURUSD"}
	for i := 1; i <= 20; i++ {
		for _, s := range symbols {
			if err := d.Submit(marketIntent(s, float64(i))); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}
	}
	d.Close()

	last := map[string]float64{}
	for _, in := range gw.intents() {
		if in.Volume <= last[in.Symbol] {
			t.Fatalf("%s out of order: %v after %v", in.Symbol, in.Volume, last[in.Symbol])
		}
		last[in.Symbol] = in.Volume
	}
	for _, s := range symbols {
		if last[s] != 20 {
			t.Fatalf("%s: expected all intents delivered, last=%v", s, last[s])
		}
	}
}

func TestDispatcherReportsSubmitFailure(t *testing.T) {
	gw := &recordingGateway{fail: errors.New("venue down")}
	log := &reportLog{}
	d := NewDispatcher(gw, log.sink, DispatcherConfig{Workers: 1}, nil)
	d.Start(context.Background())

	in := marketIntent("BTCUSDT", 1)
	if err := d.Submit(in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.Close()

	got := log.all()
	if len(got) != 1 || got[0].Kind != ReportRejected || got[0].IntentID != in.ID {
		t.Fatalf("expected rejection for %s, got %+v", in.ID, got)
	}
}

func TestDispatcherSubmitErrors(t *testing.T) {
	gw := &recordingGateway{}
	d := NewDispatcher(gw, nil, DispatcherConfig{Workers: 1, QueueSize: 1}, nil)

	if err := d.Submit(Intent{ID: "x", Symbol: "BTCUSDT", Kind: KindPlaceMarket}); !errors.Is(err, ErrInvalidIntent) {
		t.Fatalf("expected ErrInvalidIntent, got %v", err)
	}

	// not started: the single slot fills up
	if err := d.Submit(marketIntent("BTCUSDT", 1)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := d.Submit(marketIntent("BTCUSDT", 2)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("expected one pending intent, got %d", d.Pending())
	}

	d.Close()
	if err := d.Submit(marketIntent("BTCUSDT", 3)); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherRateLimit(t *testing.T) {
	gw := &recordingGateway{}
	d := NewDispatcher(gw, nil, DispatcherConfig{Workers: 1, RatePerSec: 20, Burst: 1}, nil)
	d.Start(context.Background())

	start := time.Now()
	for i := 1; i <= 5; i++ {
		_ = d.Submit(marketIntent("BTCUSDT", float64(i)))
	}
	d.Close()
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("expected limiter to space submits, took %v", elapsed)
	}
	if len(gw.intents()) != 5 {
		t.Fatalf("expected 5 submits, got %d", len(gw.intents()))
	}
}
