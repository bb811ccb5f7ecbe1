package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// StreamClient manages kline streaming from Binance public websockets.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       *zap.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, log *zap.Logger) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    websocket.DefaultDialer,
		log:       log.Named("binance-ws"),
	}
}

// SubscribeKlines listens to the kline stream and pushes parsed klines into a
// channel. It returns the channel and a stop function; the channel closes when
// the connection ends or ctx is cancelled.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "dial binance ws")
	}

	out := make(chan Kline, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	// unblock ReadMessage on cancellation
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				c.log.Warn("read error", zap.String("stream", stream), zap.Error(err))
				return
			}

			parsed, err := parseKlineMessage(msg)
			if err != nil {
				c.log.Warn("parse error", zap.String("stream", stream), zap.Error(err))
				continue
			}
			select {
			case out <- parsed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseKlineMessage decodes only the fields we need.
func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Data struct {
			StartTime int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      any    `json:"o"`
			Close     any    `json:"c"`
			High      any    `json:"h"`
			Low       any    `json:"l"`
			Volume    any    `json:"v"`
			Quote     any    `json:"q"`
			Trades    int    `json:"n"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	if raw.Data.Symbol == "" {
		return Kline{}, errors.New("not a kline message")
	}
	return Kline{
		Symbol:      raw.Data.Symbol,
		Interval:    raw.Data.Interval,
		OpenTime:    raw.Data.StartTime,
		CloseTime:   raw.Data.CloseTime,
		Open:        toFloat(raw.Data.Open),
		Close:       toFloat(raw.Data.Close),
		High:        toFloat(raw.Data.High),
		Low:         toFloat(raw.Data.Low),
		Volume:      toFloat(raw.Data.Volume),
		QuoteVolume: toFloat(raw.Data.Quote),
		Trades:      raw.Data.Trades,
		Closed:      raw.Data.Closed,
	}, nil
}
