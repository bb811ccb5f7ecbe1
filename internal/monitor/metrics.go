package monitor

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus series the engine exports:
//
//	engine_intents_total{symbol,kind,purpose}   intents handed to the gateway
//	engine_reports_total{symbol,kind}           gateway reports received
//	engine_exits_total{symbol,reason,side}      closed legs by exit reason and leg side
//	engine_trades_total{symbol,result}          closed legs by result (win|loss|flat)
//	engine_realized_pnl{symbol}                 cumulative realized P&L
//	engine_slots_expired_total{symbol}          pending slots withdrawn by TTL
//	engine_state{symbol}                        lifecycle state code (0 flat .. 5 reversing)
//	engine_bars_total{symbol}                   closed bars seen
//	engine_alerts_total{symbol}                 risk alerts raised
//	engine_dispatch_latency_seconds             rate wait plus gateway submit time
//	engine_dispatch_failures_total              submits the gateway refused
//	engine_bus_dropped                          bus deliveries skipped for slow subscribers
//	engine_equity                               account equity used for sizing
type Metrics struct {
	Intents          *prometheus.CounterVec
	Reports          *prometheus.CounterVec
	Exits            *prometheus.CounterVec
	Trades           *prometheus.CounterVec
	RealizedPnL      *prometheus.GaugeVec
	SlotsExpired     *prometheus.CounterVec
	State            *prometheus.GaugeVec
	Bars             *prometheus.CounterVec
	Alerts           *prometheus.CounterVec
	DispatchLatency  prometheus.Histogram
	DispatchFailures prometheus.Counter
	BusDropped       prometheus.Gauge
	Equity           prometheus.Gauge

	started time.Time
}

// NewMetrics creates the series and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_intents_total", Help: "Order intents handed to the gateway"},
			[]string{"symbol", "kind", "purpose"},
		),
		Reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_reports_total", Help: "Gateway reports received"},
			[]string{"symbol", "kind"},
		),
		Exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_exits_total", Help: "Closed legs split by exit reason and leg side"},
			[]string{"symbol", "reason", "side"},
		),
		Trades: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_trades_total", Help: "Closed legs by result (win|loss|flat)"},
			[]string{"symbol", "result"},
		),
		RealizedPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "engine_realized_pnl", Help: "Cumulative realized P&L"},
			[]string{"symbol"},
		),
		SlotsExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_slots_expired_total", Help: "Pending slots withdrawn after their TTL"},
			[]string{"symbol"},
		),
		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "engine_state", Help: "Lifecycle state code: 0 flat, 1 pending, 2 open, 3 managing, 4 closing, 5 reversing"},
			[]string{"symbol"},
		),
		Bars: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_bars_total", Help: "Closed bars received"},
			[]string{"symbol"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "engine_alerts_total", Help: "Risk alerts raised"},
			[]string{"symbol"},
		),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_dispatch_latency_seconds",
			Help:    "Time from dequeue to gateway acknowledgement, including rate limiting",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "engine_dispatch_failures_total", Help: "Intents the gateway refused"},
		),
		BusDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "engine_bus_dropped", Help: "Event deliveries skipped because a subscriber was full"},
		),
		Equity: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "engine_equity", Help: "Account equity used for sizing"},
		),
		started: time.Now(),
	}
	reg.MustRegister(
		m.Intents, m.Reports, m.Exits, m.Trades, m.RealizedPnL, m.SlotsExpired,
		m.State, m.Bars, m.Alerts, m.DispatchLatency, m.DispatchFailures, m.BusDropped, m.Equity,
	)
	return m
}

// RuntimeSnapshot is the process health reported by the status endpoint.
type RuntimeSnapshot struct {
	GoroutineCount int       `json:"goroutine_count"`
	HeapAlloc      uint64    `json:"heap_alloc_bytes"`
	HeapSys        uint64    `json:"heap_sys_bytes"`
	Uptime         string    `json:"uptime"`
	Timestamp      time.Time `json:"timestamp"`
}

// Runtime returns a point-in-time process snapshot.
func (m *Metrics) Runtime() RuntimeSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	return RuntimeSnapshot{
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Uptime:         time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:      time.Now(),
	}
}
