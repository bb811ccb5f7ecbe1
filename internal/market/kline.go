package market

import (
	"math"
	"time"

	marketpkg "position-engine/pkg/market/binance"
)

// Bar is one closed OHLC interval for an instrument.
type Bar struct {
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Time   time.Time `json:"time"`
}

// Valid reports whether the bar can drive level evaluation.
func (b Bar) Valid() bool {
	for _, v := range []float64{b.High, b.Low, b.Close} {
		if !(v > 0) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.High >= b.Low && b.Close <= b.High && b.Close >= b.Low
}

// Range is the high-low span of the bar.
func (b Bar) Range() float64 { return b.High - b.Low }

// FromKline converts a streamed kline into a bar stamped with its close time.
func FromKline(k marketpkg.Kline) Bar {
	return Bar{
		Symbol: k.Symbol,
		Open:   k.Open,
		High:   k.High,
		Low:    k.Low,
		Close:  k.Close,
		Time:   time.UnixMilli(k.CloseTime),
	}
}
