package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Client wraps public REST access to Binance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Testnet    bool
}

// NewClient builds a REST client; use Testnet to switch base URLs.
func NewClient(testnet bool) *Client {
	base := "https://api.binance.com"
	if testnet {
		base = "https://testnet.binance.vision"
	}
	return &Client{
		BaseURL:    base,
		Testnet:    testnet,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetKlines fetches the most recent klines for symbol using the public endpoint.
// Klines whose close time lies in the future are returned with Closed=false.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	u := fmt.Sprintf("%s/api/v3/klines?%s", c.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "binance klines")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("binance klines status %d", res.StatusCode)
	}

	var raw [][]any
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode klines")
	}
	return parseRESTKlines(symbol, interval, raw, time.Now().UnixMilli()), nil
}

func parseRESTKlines(symbol, interval string, raw [][]any, nowMs int64) []Kline {
	klines := make([]Kline, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline
		if len(item) < 9 {
			continue
		}
		k := Kline{
			Symbol:      symbol,
			Interval:    interval,
			OpenTime:    toInt64(item[0]),
			Open:        toFloat(item[1]),
			High:        toFloat(item[2]),
			Low:         toFloat(item[3]),
			Close:       toFloat(item[4]),
			Volume:      toFloat(item[5]),
			CloseTime:   toInt64(item[6]),
			QuoteVolume: toFloat(item[7]),
			Trades:      int(toInt64(item[8])),
		}
		k.Closed = k.CloseTime < nowMs
		klines = append(klines, k)
	}
	return klines
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}
