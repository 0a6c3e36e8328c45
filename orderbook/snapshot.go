package orderbook

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State is the synchronisation state of a book.
type State int

const (
	Uninitialized State = iota
	Synchronized
)

func (s State) String() string {
	if s == Synchronized {
		return "synchronized"
	}
	return "uninitialized"
}

// DecimalLevel is a Level converted back to decimals for callers.
type DecimalLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BestBidAsk pairs the best level of each side.
type BestBidAsk struct {
	Bid DecimalLevel `json:"bid"`
	Ask DecimalLevel `json:"ask"`
}

// Spread is Ask.Price - Bid.Price. It can be zero or negative on a crossed
// book.
func (b BestBidAsk) Spread() decimal.Decimal {
	return b.Ask.Price.Sub(b.Bid.Price)
}

// TopOfBook is the last quote received from a ticker feed, kept apart from
// the sequenced ledgers.
type TopOfBook struct {
	UpdateID   uint64       `json:"update_id"`
	Bid        DecimalLevel `json:"bid"`
	Ask        DecimalLevel `json:"ask"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Snapshot is an immutable view of a book published after one complete
// event application. It is safe for concurrent use.
type Snapshot struct {
	symbol       string
	codec        Codec
	lastUpdateID uint64
	bids         *Ledger
	asks         *Ledger
	top          *TopOfBook
	updatedAt    time.Time
}

func (s *Snapshot) Symbol() string { return s.symbol }

func (s *Snapshot) LastUpdateID() uint64 { return s.lastUpdateID }

func (s *Snapshot) UpdatedAt() time.Time { return s.updatedAt }

func (s *Snapshot) State() State {
	if s.lastUpdateID > 0 {
		return Synchronized
	}
	return Uninitialized
}

// BestBidAsk returns the best bid and ask, or false unless both sides hold at
// least one level.
func (s *Snapshot) BestBidAsk() (BestBidAsk, bool) {
	bid, ok := s.bids.Best()
	if !ok {
		return BestBidAsk{}, false
	}
	ask, ok := s.asks.Best()
	if !ok {
		return BestBidAsk{}, false
	}
	return BestBidAsk{Bid: s.toDecimal(bid), Ask: s.toDecimal(ask)}, true
}

// VolumeAtPrice sums the quantity resting at price on both sides.
func (s *Snapshot) VolumeAtPrice(price string) (decimal.Decimal, error) {
	p, err := s.codec.PriceToFixed(price)
	if err != nil {
		return decimal.Zero, err
	}
	bid := s.codec.QuantityToDecimal(s.bids.VolumeAt(p))
	ask := s.codec.QuantityToDecimal(s.asks.VolumeAt(p))
	return bid.Add(ask), nil
}

// NormalizePrice returns price as the book stores it, truncated to the
// codec's price precision.
func (s *Snapshot) NormalizePrice(price string) (decimal.Decimal, error) {
	p, err := s.codec.PriceToFixed(price)
	if err != nil {
		return decimal.Zero, err
	}
	return s.codec.PriceToDecimal(p), nil
}

// Levels returns up to limit levels of side, best first. limit <= 0 returns
// the whole side.
func (s *Snapshot) Levels(side Side, limit int) []DecimalLevel {
	l := s.ledger(side)
	if l == nil {
		return nil
	}
	n := l.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DecimalLevel, 0, n)
	err := s.Iterate(side, func(lvl DecimalLevel) bool {
		out = append(out, lvl)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil
	}
	return out
}

// Iterate walks side best to worst until fn returns false.
func (s *Snapshot) Iterate(side Side, fn func(DecimalLevel) bool) error {
	l := s.ledger(side)
	if l == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSide, int(side))
	}
	l.Ascend(func(lvl Level) bool { return fn(s.toDecimal(lvl)) })
	return nil
}

// Depth reports the number of levels on each side.
func (s *Snapshot) Depth() (bids, asks int) {
	return s.bids.Len(), s.asks.Len()
}

// TopOfBook returns the last ticker quote, if any was received.
func (s *Snapshot) TopOfBook() (TopOfBook, bool) {
	if s.top == nil {
		return TopOfBook{}, false
	}
	return *s.top, true
}

func (s *Snapshot) ledger(side Side) *Ledger {
	switch side {
	case Bid:
		return s.bids
	case Ask:
		return s.asks
	default:
		return nil
	}
}

func (s *Snapshot) toDecimal(lvl Level) DecimalLevel {
	return DecimalLevel{
		Price:    s.codec.PriceToDecimal(lvl.Price),
		Quantity: s.codec.QuantityToDecimal(lvl.Quantity),
	}
}
