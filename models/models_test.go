package models

import (
	"encoding/json"
	"testing"
)

func TestBinanceDepthRespToDepthUpdate(t *testing.T) {
	raw := `{"e":"depthUpdate","E":1700000000123,"T":1700000000120,"s":"BTCUSDT",
		"U":157,"u":160,"pu":149,"b":[["0.0024","10"]],"a":[["0.0026","100"],["0.0027","0"]]}`

	var resp BinanceDepthResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	u, err := resp.ToDepthUpdate()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if u.Symbol != "BTCUSDT" || u.FirstUpdateID != 157 || u.FinalUpdateID != 160 || u.PrevFinalUpdateID != 149 {
		t.Fatalf("unexpected ids: %+v", u)
	}
	if u.EventTime != 1700000000123 {
		t.Fatalf("unexpected event time: %d", u.EventTime)
	}
	if len(u.Bids) != 1 || u.Bids[0] != (Level{Price: "0.0024", Quantity: "10"}) {
		t.Fatalf("unexpected bids: %v", u.Bids)
	}
	if len(u.Asks) != 2 || u.Asks[1].Quantity != "0" {
		t.Fatalf("unexpected asks: %v", u.Asks)
	}
}

func TestBinanceDepthRespMalformedLevel(t *testing.T) {
	resp := BinanceDepthResp{Symbol: "BTCUSDT", Bids: [][]string{{"1.0"}}}
	if _, err := resp.ToDepthUpdate(); err == nil {
		t.Fatal("expected error for single-field level")
	}
}

func TestBinanceBookTickerResp(t *testing.T) {
	raw := `{"u":400900217,"s":"BNBUSDT","b":"25.35190000","B":"31.21000000","a":"25.36520000","A":"40.66000000"}`
	var resp BinanceBookTickerResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	u := resp.ToTopOfBookUpdate()
	if u.UpdateID != 400900217 || u.BestBidPrice != "25.35190000" || u.BestAskQuantity != "40.66000000" {
		t.Fatalf("unexpected ticker: %+v", u)
	}
}

func TestBinanceDepthSnapshotResp(t *testing.T) {
	raw := `{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`
	var resp BinanceDepthSnapshotResp
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	snap, err := resp.ToDepthSnapshot("BNBBTC")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if snap.Symbol != "BNBBTC" || snap.LastUpdateID != 1027024 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFeedEventEntryCount(t *testing.T) {
	depth := NewDepthEvent("binance", MarketFutures, &DepthUpdate{
		Symbol: "BTCUSDT",
		Bids:   []Level{{"1", "1"}, {"2", "1"}},
		Asks:   []Level{{"3", "1"}},
	})
	if depth.Kind != FeedDepth || depth.Symbol != "BTCUSDT" || depth.EntryCount() != 3 {
		t.Fatalf("unexpected depth event: %+v", depth)
	}
	if depth.ReceivedAt.IsZero() {
		t.Fatal("received time not stamped")
	}

	ticker := NewTickerEvent("binance", MarketSpot, &TopOfBookUpdate{Symbol: "ETHUSDT"})
	if ticker.Kind != FeedTicker || ticker.EntryCount() != 2 {
		t.Fatalf("unexpected ticker event: %+v", ticker)
	}

	if (FeedEvent{Kind: FeedSnapshot}).EntryCount() != 0 {
		t.Fatal("nil snapshot should count zero entries")
	}
}
