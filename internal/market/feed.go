package market

import (
	"context"
	"time"

	"go.uber.org/zap"

	"position-engine/internal/events"
	"position-engine/pkg/logger"
	marketpkg "position-engine/pkg/market/binance"
)

// BarHandler consumes closed bars.
type BarHandler func(Bar)

// KlineSource is the streaming side of the Binance client.
type KlineSource interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan marketpkg.Kline, func(), error)
}

// KlineFetcher is the REST side used to seed the first bar.
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]marketpkg.Kline, error)
}

// Feed streams closed klines from Binance and hands them on as bars.
// Forming klines are ignored; the engine only evaluates completed bars.
type Feed struct {
	Client   KlineFetcher // optional
	Stream   KlineSource
	Bus      *events.Bus
	Handle   BarHandler
	Symbols  []string
	Interval string
	Log      *zap.Logger

	// RetryDelay is the pause before resubscribing after the stream ends.
	RetryDelay time.Duration
}

// Start seeds each symbol with its last closed kline and then follows the
// websocket stream, resubscribing until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) {
	log := logger.OrNop(f.Log).Named("feed")
	if f.Stream == nil || (f.Handle == nil && f.Bus == nil) {
		log.Warn("market feed not fully configured; skipping start")
		return
	}
	if f.Interval == "" {
		f.Interval = "1m"
	}
	if f.RetryDelay <= 0 {
		f.RetryDelay = 5 * time.Second
	}

	for _, sym := range f.Symbols {
		symbol := sym
		go func() {
			f.seed(ctx, symbol, log)
			f.follow(ctx, symbol, log)
		}()
	}
}

func (f *Feed) seed(ctx context.Context, symbol string, log *zap.Logger) {
	if f.Client == nil {
		return
	}
	klines, err := f.Client.GetKlines(ctx, symbol, f.Interval, 2)
	if err != nil {
		log.Warn("kline snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	for i := len(klines) - 1; i >= 0; i-- {
		if klines[i].Closed {
			f.emit(klines[i], log)
			return
		}
	}
}

func (f *Feed) follow(ctx context.Context, symbol string, log *zap.Logger) {
	for ctx.Err() == nil {
		ch, stop, err := f.Stream.SubscribeKlines(ctx, symbol, f.Interval)
		if err != nil {
			log.Warn("ws subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		} else {
			for k := range ch {
				if k.Closed {
					f.emit(k, log)
				}
			}
			stop()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(f.RetryDelay):
		}
	}
}

func (f *Feed) emit(k marketpkg.Kline, log *zap.Logger) {
	if k.Symbol == "" {
		return
	}
	bar := FromKline(k)
	if !bar.Valid() {
		log.Debug("dropping invalid bar", zap.String("symbol", bar.Symbol))
		return
	}
	f.Bus.Publish(events.EventBar, bar)
	if f.Handle != nil {
		f.Handle(bar)
	}
}
