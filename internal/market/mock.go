package market

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"position-engine/internal/events"
	"position-engine/pkg/logger"
)

// MockFeed generates synthetic random-walk bars for local development.
type MockFeed struct {
	Bus        *events.Bus
	Handle     BarHandler
	Symbols    []string
	StartPrice float64
	Step       float64 // max absolute move per sub-tick
	Interval   time.Duration
	Seed       int64
	Log        *zap.Logger
}

// Start emits one bar per symbol every Interval until ctx is cancelled.
func (m *MockFeed) Start(ctx context.Context) {
	if m.Bus == nil && m.Handle == nil {
		logger.OrNop(m.Log).Warn("mock feed: no bus or handler set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTCUSDT"}
	}
	if m.StartPrice == 0 {
		m.StartPrice = 100.0
	}
	if m.Step == 0 {
		m.Step = 0.5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	last := make(map[string]float64, len(m.Symbols))
	for _, sym := range m.Symbols {
		last[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					bar := walk(rng, sym, last[sym], m.Step, now)
					last[sym] = bar.Close
					m.Bus.Publish(events.EventBar, bar)
					if m.Handle != nil {
						m.Handle(bar)
					}
				}
			}
		}
	}()
}

// walk builds a bar from four random sub-ticks starting at open.
func walk(rng *rand.Rand, symbol string, open, step float64, at time.Time) Bar {
	b := Bar{Symbol: symbol, Open: open, High: open, Low: open, Close: open, Time: at}
	price := open
	for i := 0; i < 4; i++ {
		price += (rng.Float64()*2 - 1) * step
		price = math.Max(price, step)
		b.High = math.Max(b.High, price)
		b.Low = math.Min(b.Low, price)
	}
	b.Close = price
	return b
}
