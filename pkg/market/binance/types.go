package market

// Kline represents a single candlestick with the Binance fields the engine uses.
type Kline struct {
	Symbol      string  // trading pair symbol
	Interval    string  // e.g. 1m, 15m
	OpenTime    int64   // open time (ms)
	Open        float64 // open price
	High        float64 // high price
	Low         float64 // low price
	Close       float64 // close price
	Volume      float64 // base asset volume
	CloseTime   int64   // close time (ms)
	QuoteVolume float64 // quote asset volume
	Trades      int     // number of trades
	Closed      bool    // false while the interval is still forming
}
