package models

import "time"

// Level is one (price, quantity) pair as quoted by the venue. A quantity of
// "0" in a depth update removes the level.
type Level struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// DepthUpdate is an incremental diff of the full-depth book.
//
// FirstUpdateID and PrevFinalUpdateID are optional: spot streams carry U,
// futures streams carry pu. They are only used for gap detection; staleness
// is decided on FinalUpdateID alone.
type DepthUpdate struct {
	Symbol            string  `json:"symbol"`
	EventTime         int64   `json:"event_time"`
	FirstUpdateID     uint64  `json:"first_update_id"`
	FinalUpdateID     uint64  `json:"final_update_id"`
	PrevFinalUpdateID uint64  `json:"prev_final_update_id"`
	Bids              []Level `json:"bids"`
	Asks              []Level `json:"asks"`
}

// TopOfBookUpdate is a ticker style best bid/ask quote. It is not sequenced
// against depth updates.
type TopOfBookUpdate struct {
	Symbol          string `json:"symbol"`
	UpdateID        uint64 `json:"update_id"`
	BestBidPrice    string `json:"best_bid_price"`
	BestBidQuantity string `json:"best_bid_quantity"`
	BestAskPrice    string `json:"best_ask_price"`
	BestAskQuantity string `json:"best_ask_quantity"`
}

// DepthSnapshot is a full-depth picture of the book as of LastUpdateID.
type DepthSnapshot struct {
	Symbol       string  `json:"symbol"`
	LastUpdateID uint64  `json:"last_update_id"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

// FeedEventKind tags the payload carried by a FeedEvent.
type FeedEventKind string

const (
	FeedDepth    FeedEventKind = "depth"
	FeedTicker   FeedEventKind = "book_ticker"
	FeedSnapshot FeedEventKind = "snapshot"
)

const (
	MarketFutures = "future"
	MarketSpot    = "spot"
)

// FeedEvent is what transports hand to the book processor. Exactly one of
// Depth, Ticker or Snapshot is set, matching Kind. Events for one symbol must
// be delivered in venue order on a single channel.
type FeedEvent struct {
	Exchange   string
	Market     string
	Symbol     string
	Kind       FeedEventKind
	Depth      *DepthUpdate
	Ticker     *TopOfBookUpdate
	Snapshot   *DepthSnapshot
	ReceivedAt time.Time
}

// NewDepthEvent wraps a depth update.
func NewDepthEvent(exchange, market string, u *DepthUpdate) FeedEvent {
	return FeedEvent{Exchange: exchange, Market: market, Symbol: u.Symbol, Kind: FeedDepth, Depth: u, ReceivedAt: time.Now()}
}

// NewTickerEvent wraps a top of book quote.
func NewTickerEvent(exchange, market string, u *TopOfBookUpdate) FeedEvent {
	return FeedEvent{Exchange: exchange, Market: market, Symbol: u.Symbol, Kind: FeedTicker, Ticker: u, ReceivedAt: time.Now()}
}

// NewSnapshotEvent wraps a depth snapshot.
func NewSnapshotEvent(exchange, market string, s *DepthSnapshot) FeedEvent {
	return FeedEvent{Exchange: exchange, Market: market, Symbol: s.Symbol, Kind: FeedSnapshot, Snapshot: s, ReceivedAt: time.Now()}
}

// EntryCount reports how many price levels the event carries.
func (e FeedEvent) EntryCount() int {
	switch e.Kind {
	case FeedDepth:
		if e.Depth != nil {
			return len(e.Depth.Bids) + len(e.Depth.Asks)
		}
	case FeedSnapshot:
		if e.Snapshot != nil {
			return len(e.Snapshot.Bids) + len(e.Snapshot.Asks)
		}
	case FeedTicker:
		if e.Ticker != nil {
			return 2
		}
	}
	return 0
}
