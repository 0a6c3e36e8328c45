package models

import (
	"encoding/json"
	"fmt"
)

// BinanceStreamMessage is the combined-stream envelope used by
// wss://<host>/stream?streams=a/b.
type BinanceStreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// BinanceDepthResp mirrors Binance's diff depth websocket event. Spot events
// carry U and u; futures events additionally carry pu and T.
type BinanceDepthResp struct {
	Event            string     `json:"e"`
	Time             int64      `json:"E"`
	TransactionTime  int64      `json:"T"`
	Symbol           string     `json:"s"`
	FirstUpdateID    uint64     `json:"U"`
	LastUpdateID     uint64     `json:"u"`
	PrevLastUpdateID uint64     `json:"pu"`
	Bids             [][]string `json:"b"`
	Asks             [][]string `json:"a"`
}

// ToDepthUpdate converts the wire event into the feed contract.
func (r BinanceDepthResp) ToDepthUpdate() (*DepthUpdate, error) {
	bids, err := levelsFromPairs(r.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := levelsFromPairs(r.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &DepthUpdate{
		Symbol:            r.Symbol,
		EventTime:         r.Time,
		FirstUpdateID:     r.FirstUpdateID,
		FinalUpdateID:     r.LastUpdateID,
		PrevFinalUpdateID: r.PrevLastUpdateID,
		Bids:              bids,
		Asks:              asks,
	}, nil
}

// BinanceBookTickerResp mirrors the <symbol>@bookTicker payload.
type BinanceBookTickerResp struct {
	Event       string `json:"e"`
	UpdateID    uint64 `json:"u"`
	Symbol      string `json:"s"`
	BidPrice    string `json:"b"`
	BidQuantity string `json:"B"`
	AskPrice    string `json:"a"`
	AskQuantity string `json:"A"`
}

func (r BinanceBookTickerResp) ToTopOfBookUpdate() *TopOfBookUpdate {
	return &TopOfBookUpdate{
		Symbol:          r.Symbol,
		UpdateID:        r.UpdateID,
		BestBidPrice:    r.BidPrice,
		BestBidQuantity: r.BidQuantity,
		BestAskPrice:    r.AskPrice,
		BestAskQuantity: r.AskQuantity,
	}
}

// BinanceDepthSnapshotResp is the REST /depth response body.
type BinanceDepthSnapshotResp struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// ToDepthSnapshot converts the REST body; the venue omits the symbol so the
// caller supplies it.
func (r BinanceDepthSnapshotResp) ToDepthSnapshot(symbol string) (*DepthSnapshot, error) {
	bids, err := levelsFromPairs(r.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := levelsFromPairs(r.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return &DepthSnapshot{Symbol: symbol, LastUpdateID: r.LastUpdateID, Bids: bids, Asks: asks}, nil
}

func levelsFromPairs(pairs [][]string) ([]Level, error) {
	levels := make([]Level, 0, len(pairs))
	for i, p := range pairs {
		if len(p) < 2 {
			return nil, fmt.Errorf("level %d: expected [price, quantity], got %d fields", i, len(p))
		}
		levels = append(levels, Level{Price: p[0], Quantity: p[1]})
	}
	return levels, nil
}
