package risk

import (
	"testing"
	"time"
)

func TestUpdateMetricsTracksDrawdownAndRatios(t *testing.T) {
	tests := []struct {
		name            string
		pnls            []float64
		wantTotal       float64
		wantDailyLosses float64
		wantMaxProfit   float64
		wantMaxDrawdown float64
		wantWinRate     float64
	}{
		{
			name:          "profit",
			pnls:          []float64{120.5},
			wantTotal:     120.5,
			wantMaxProfit: 120.5,
			wantWinRate:   1,
		},
		{
			name:            "loss",
			pnls:            []float64{-42.75},
			wantTotal:       -42.75,
			wantDailyLosses: 42.75,
			wantMaxDrawdown: 42.75,
		},
		{
			name:            "win then loss",
			pnls:            []float64{100, -30},
			wantTotal:       70,
			wantDailyLosses: 30,
			wantMaxProfit:   100,
			wantMaxDrawdown: 30,
			wantWinRate:     0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewInMemory()
			for _, pnl := range tt.pnls {
				if err := mgr.UpdateMetrics(Outcome{Symbol: "BTCUSDT", Side: SideLong, Volume: 1, PnL: pnl}); err != nil {
					t.Fatalf("UpdateMetrics returned error: %v", err)
				}
			}

			metrics := mgr.GetMetrics()
			if metrics.DailyPnL != tt.wantTotal {
				t.Fatalf("DailyPnL=%v, expected %v", metrics.DailyPnL, tt.wantTotal)
			}
			if metrics.TotalRealizedPnL != tt.wantTotal {
				t.Fatalf("TotalRealizedPnL=%v, expected %v", metrics.TotalRealizedPnL, tt.wantTotal)
			}
			if metrics.DailyLosses != tt.wantDailyLosses {
				t.Fatalf("DailyLosses=%v, expected %v", metrics.DailyLosses, tt.wantDailyLosses)
			}
			if metrics.MaxDrawdown != tt.wantMaxDrawdown {
				t.Fatalf("MaxDrawdown=%v, expected %v", metrics.MaxDrawdown, tt.wantMaxDrawdown)
			}
			if metrics.MaxProfit != tt.wantMaxProfit {
				t.Fatalf("MaxProfit=%v, expected %v", metrics.MaxProfit, tt.wantMaxProfit)
			}
			if metrics.WinRate != tt.wantWinRate {
				t.Fatalf("WinRate=%v, expected %v", metrics.WinRate, tt.wantWinRate)
			}
			if metrics.DailyTrades != len(tt.pnls) {
				t.Fatalf("DailyTrades=%v, expected %d", metrics.DailyTrades, len(tt.pnls))
			}
		})
	}
}

func TestResetDailyMetricsKeepsCumulative(t *testing.T) {
	mgr := NewInMemory()
	_ = mgr.UpdateMetrics(Outcome{PnL: -10})
	mgr.ResetDailyMetrics()

	m := mgr.GetMetrics()
	if m.DailyTrades != 0 || m.DailyPnL != 0 || m.DailyLosses != 0 {
		t.Fatalf("daily counters not reset: %+v", m)
	}
	if m.TotalRealizedPnL != -10 || m.TotalTrades != 1 {
		t.Fatalf("cumulative counters changed: %+v", m)
	}
}

func TestDailyCountersRollOverOnNewDay(t *testing.T) {
	mgr := NewInMemory()
	today := time.Now().UTC()
	_ = mgr.UpdateMetrics(Outcome{PnL: -10, ClosedAt: today})
	_ = mgr.UpdateMetrics(Outcome{PnL: 4, ClosedAt: today.Add(48 * time.Hour)})

	m := mgr.GetMetrics()
	if m.DailyTrades != 1 || m.DailyPnL != 4 || m.DailyLosses != 0 {
		t.Fatalf("daily counters not rolled over: %+v", m)
	}
	if m.TotalTrades != 2 || m.TotalRealizedPnL != -6 {
		t.Fatalf("cumulative counters = %+v", m)
	}
}
