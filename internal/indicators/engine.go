package indicators

import "sync"

// Values is what Update reports for one symbol. The range covers the bars
// before the one just ingested, so a close outside it is a breakout.
type Values struct {
	RangeHigh float64
	RangeLow  float64
	SMA       float64
	Ready     bool
}

type window struct {
	highs  []float64
	lows   []float64
	closes []float64
}

// Engine maintains per-symbol bar windows.
type Engine struct {
	mu       sync.Mutex
	windows  map[string]*window
	lookback int
	smaLen   int
}

// NewEngine builds an indicator engine over lookback bars with an SMA of smaLen closes.
func NewEngine(lookback, smaLen int) *Engine {
	if lookback <= 0 {
		lookback = 20
	}
	if smaLen <= 0 {
		smaLen = lookback
	}
	return &Engine{
		windows:  make(map[string]*window),
		lookback: lookback,
		smaLen:   smaLen,
	}
}

// Update ingests a closed bar and returns the latest computed values.
func (e *Engine) Update(symbol string, high, low, close float64) Values {
	e.mu.Lock()
	defer e.mu.Unlock()

	w := e.windows[symbol]
	if w == nil {
		w = &window{}
		e.windows[symbol] = w
	}

	var v Values
	if len(w.highs) >= e.lookback {
		v.RangeHigh = Highest(w.highs, e.lookback)
		v.RangeLow = Lowest(w.lows, e.lookback)
		v.Ready = true
	}

	w.highs = trim(append(w.highs, high), e.lookback)
	w.lows = trim(append(w.lows, low), e.lookback)
	w.closes = trim(append(w.closes, close), e.smaLen)
	v.SMA = SMA(w.closes, e.smaLen)
	return v
}

func trim(arr []float64, n int) []float64 {
	if len(arr) > n {
		return arr[len(arr)-n:]
	}
	return arr
}
