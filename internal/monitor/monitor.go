// Package monitor turns engine bus traffic into Prometheus metrics and
// forwards risk alerts to a sink.
package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"position-engine/internal/balance"
	"position-engine/internal/engine"
	"position-engine/internal/events"
	"position-engine/internal/market"
	"position-engine/internal/order"
	"position-engine/pkg/logger"
)

var watched = []events.Event{
	events.EventBar,
	events.EventOrderSubmitted,
	events.EventOrderReport,
	events.EventTradeClosed,
	events.EventStateChange,
	events.EventSlotExpired,
	events.EventRiskAlert,
}

// Monitor watches events and emits alerts.
type Monitor struct {
	Bus      *events.Bus
	Metrics  *Metrics
	Sink     AlertSink                    // optional
	Equity   balance.EquitySource         // optional
	Dispatch <-chan order.ExecutionResult // optional
	Interval time.Duration                // gauge refresh period
	Log      *zap.Logger
}

func (m *Monitor) Start(ctx context.Context) {
	log := logger.OrNop(m.Log).Named("monitor")
	if m.Bus == nil || m.Metrics == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	if m.Interval <= 0 {
		m.Interval = 5 * time.Second
	}

	for _, e := range watched {
		stream, unsub := m.Bus.Subscribe(e, 256)
		go func(e events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-stream:
					if !ok {
						return
					}
					m.Observe(e, payload)
				}
			}
		}(e)
	}

	if m.Dispatch != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case r, ok := <-m.Dispatch:
					if !ok {
						return
					}
					m.ObserveDispatch(r)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		for {
			m.refreshGauges()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Observe folds one bus payload into the metrics.
func (m *Monitor) Observe(e events.Event, payload any) {
	mt := m.Metrics
	switch p := payload.(type) {
	case market.Bar:
		mt.Bars.WithLabelValues(p.Symbol).Inc()
	case order.Intent:
		mt.Intents.WithLabelValues(p.Symbol, string(p.Kind), string(p.Purpose)).Inc()
	case order.Report:
		if e == events.EventOrderReport {
			mt.Reports.WithLabelValues(p.Symbol, string(p.Kind)).Inc()
		}
	case engine.TradeClosed:
		o := p.Outcome
		mt.Exits.WithLabelValues(o.Symbol, string(p.Reason), string(o.Side)).Inc()
		mt.Trades.WithLabelValues(o.Symbol, result(o.PnL)).Inc()
		mt.RealizedPnL.WithLabelValues(o.Symbol).Add(o.PnL)
	case engine.StateChange:
		mt.State.WithLabelValues(p.Symbol).Set(p.To.Code())
	case engine.SlotExpired:
		mt.SlotsExpired.WithLabelValues(p.Symbol).Inc()
	case engine.Alert:
		mt.Alerts.WithLabelValues(p.Symbol).Inc()
		m.alert(formatAlert(p))
	case string:
		if e == events.EventRiskAlert {
			mt.Alerts.WithLabelValues("").Inc()
			m.alert(formatAlert(p))
		}
	}
}

// ObserveDispatch records one gateway submission.
func (m *Monitor) ObserveDispatch(r order.ExecutionResult) {
	m.Metrics.DispatchLatency.Observe(r.Latency.Seconds())
	if !r.Success {
		m.Metrics.DispatchFailures.Inc()
	}
}

func (m *Monitor) refreshGauges() {
	m.Metrics.BusDropped.Set(float64(m.Bus.Dropped()))
	if m.Equity != nil {
		if eq, ok := m.Equity.Equity(); ok {
			m.Metrics.Equity.Set(eq)
		}
	}
}

func (m *Monitor) alert(msg string) {
	if m.Sink == nil {
		return
	}
	if err := m.Sink.Send(msg); err != nil {
		logger.OrNop(m.Log).Warn("alert delivery failed", zap.Error(err))
	}
}

func result(pnl float64) string {
	switch {
	case pnl > 0:
		return "win"
	case pnl < 0:
		return "loss"
	}
	return "flat"
}

func formatAlert(msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case engine.Alert:
		return t.String()
	default:
		return "alert triggered"
	}
}
