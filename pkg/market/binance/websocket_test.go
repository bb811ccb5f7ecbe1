package market

import "testing"

func TestParseKlineMessage(t *testing.T) {
	msg := []byte(`{"e":"kline","E":1700000000100,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,
		"s":"BTCUSDT","i":"1m","o":"100.5","c":"101.25","h":"102","l":"99.75","v":"12.5","q":"1260","n":42,"x":true}}`)

	k, err := parseKlineMessage(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k.Symbol != "BTCUSDT" || k.Interval != "1m" || !k.Closed || k.Trades != 42 {
		t.Fatalf("unexpected header fields: %+v", k)
	}
	if k.Open != 100.5 || k.High != 102 || k.Low != 99.75 || k.Close != 101.25 || k.CloseTime != 1700000059999 {
		t.Fatalf("unexpected prices: %+v", k)
	}

	if _, err := parseKlineMessage([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatalf("expected error for non-kline message")
	}
}

func TestParseRESTKlines(t *testing.T) {
	raw := [][]any{
		{float64(1000), "1", "2", "0.5", "1.5", "10", float64(1999), "15", float64(7), "0", "0", "0"},
		{float64(2000), "1.5", "2.5", "1", "2", "10", float64(2999), "15", float64(3), "0", "0", "0"},
		{float64(3000), "bad"},
	}
	got := parseRESTKlines("ETHUSDT", "1s", raw, 2500)
	if len(got) != 2 {
		t.Fatalf("expected 2 klines, got %d", len(got))
	}
	if !got[0].Closed || got[1].Closed {
		t.Fatalf("expected first closed and second forming: %+v", got)
	}
	if got[0].Symbol != "ETHUSDT" || got[0].High != 2 || got[0].Trades != 7 {
		t.Fatalf("unexpected kline %+v", got[0])
	}
}
