package strategy

import (
	"testing"

	"position-engine/internal/engine"
	"position-engine/internal/market"
)

func bar(h, l, c float64) market.Bar {
	return market.Bar{Symbol: "BTCUSDT", Open: c, High: h, Low: l, Close: c}
}

func TestBreakoutSignals(t *testing.T) {
	b := NewBreakout(2, false)

	steps := []struct {
		name string
		bar  market.Bar
		want engine.Action
	}{
		{"warmup 1", bar(101, 99, 100), ""},
		{"warmup 2", bar(102, 98, 100), ""},
		{"inside range", bar(101, 99, 100), ""},
		{"break up", bar(105, 100, 104), engine.ActionEnterLong},
		{"repeat long suppressed", bar(108, 104, 107), ""},
		{"break down", bar(104, 90, 91), engine.ActionEnterShort},
		{"invalid bar", market.Bar{Symbol: "BTCUSDT"}, ""},
	}
	for _, s := range steps {
		t.Run(s.name, func(t *testing.T) {
			sig := b.OnBar(s.bar)
			if s.want == "" {
				if sig != nil {
					t.Fatalf("unexpected signal %+v", sig)
				}
				return
			}
			if sig == nil || sig.Action != s.want {
				t.Fatalf("signal = %+v, want %s", sig, s.want)
			}
			if sig.RangeHigh <= sig.RangeLow || sig.Price != s.bar.Close {
				t.Fatalf("signal range/price = %+v", sig)
			}
		})
	}
}

func TestBreakoutTrendFilter(t *testing.T) {
	b := NewBreakout(1, true)
	b.OnBar(bar(130, 120, 125))
	if sig := b.OnBar(bar(101, 99, 100)); sig != nil {
		t.Fatalf("short without a warm average emitted %+v", sig)
	}
	// above the previous bar but below the mean of the last closes
	if sig := b.OnBar(bar(106, 101, 105)); sig != nil {
		t.Fatalf("filtered breakout emitted %+v", sig)
	}
}
