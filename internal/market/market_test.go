package market

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	marketpkg "position-engine/pkg/market/binance"
)

type stubStream struct {
	klines []marketpkg.Kline
	calls  int
	mu     sync.Mutex
}

func (s *stubStream) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan marketpkg.Kline, func(), error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	ch := make(chan marketpkg.Kline, len(s.klines))
	for _, k := range s.klines {
		ch <- k
	}
	close(ch)
	return ch, func() {}, nil
}

func TestBarValid(t *testing.T) {
	tests := []struct {
		name string
		bar  Bar
		want bool
	}{
		{"ok", Bar{Open: 10, High: 11, Low: 9, Close: 10}, true},
		{"zero close", Bar{High: 11, Low: 9}, false},
		{"inverted", Bar{High: 9, Low: 11, Close: 10}, false},
		{"close above high", Bar{High: 11, Low: 9, Close: 12}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bar.Valid(); got != tt.want {
				t.Fatalf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFeedForwardsClosedKlinesOnly(t *testing.T) {
	stream := &stubStream{klines: []marketpkg.Kline{
		{Symbol: "BTCUSDT", Open: 10, High: 11, Low: 9, Close: 10.5, CloseTime: 1000, Closed: false},
		{Symbol: "BTCUSDT", Open: 10, High: 12, Low: 9, Close: 11, CloseTime: 2000, Closed: true},
	}}

	got := make(chan Bar, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &Feed{Stream: stream, Handle: func(b Bar) { got <- b }, Symbols: []string{"BTCUSDT"}, RetryDelay: time.Hour}
	f.Start(ctx)

	select {
	case b := <-got:
		if b.Close != 11 || !b.Time.Equal(time.UnixMilli(2000)) {
			t.Fatalf("unexpected bar %+v", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no bar forwarded")
	}
	select {
	case b := <-got:
		t.Fatalf("forming kline forwarded: %+v", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWalkProducesValidBars(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	price := 100.0
	for i := 0; i < 200; i++ {
		b := walk(rng, "BTCUSDT", price, 0.5, time.Now())
		if !b.Valid() || b.Open != price {
			t.Fatalf("invalid bar %+v", b)
		}
		price = b.Close
	}
}
