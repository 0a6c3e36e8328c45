// Package orderbook keeps an in-memory mirror of one symbol's limit order
// book from sequenced depth updates.
//
// A Book has a single writer. Every successful apply publishes a new
// immutable Snapshot; queries read the latest one, so a reader never sees
// one side of an event without the other.
package orderbook

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"bookmirror/models"
)

// TickerMode selects how top-of-book quotes interact with the ledgers.
type TickerMode int

const (
	// TickerSeparate keeps ticker quotes only in the TopOfBook field.
	TickerSeparate TickerMode = iota
	// TickerMerge also asserts the quoted levels into the ledgers.
	TickerMerge
)

func (m TickerMode) String() string {
	if m == TickerMerge {
		return "merge"
	}
	return "separate"
}

// ParseTickerMode accepts "separate" (or empty) and "merge".
func ParseTickerMode(s string) (TickerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "separate":
		return TickerSeparate, nil
	case "merge":
		return TickerMerge, nil
	default:
		return 0, fmt.Errorf("unknown ticker mode %q", s)
	}
}

type Option func(*Book)

func WithTickerMode(m TickerMode) Option {
	return func(b *Book) { b.tickerMode = m }
}

// Book is the order book aggregate for one symbol.
type Book struct {
	symbol     string
	codec      Codec
	tickerMode TickerMode

	mu           sync.Mutex // serialises writers
	bids         *Ledger
	asks         *Ledger
	lastUpdateID uint64
	top          *TopOfBook

	current atomic.Pointer[Snapshot]
}

// NewBook returns an empty, uninitialised book.
func NewBook(symbol string, codec Codec, opts ...Option) *Book {
	b := &Book{
		symbol: symbol,
		codec:  codec,
		bids:   NewLedger(Bid),
		asks:   NewLedger(Ask),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.publish()
	return b
}

func (b *Book) Symbol() string { return b.symbol }

func (b *Book) Codec() Codec { return b.codec }

func (b *Book) TickerMode() TickerMode { return b.tickerMode }

// ApplyDepthUpdate applies a diff. It returns false without touching the book
// when FinalUpdateID does not exceed the last applied id. A malformed price
// or quantity rejects the whole event and leaves the book unchanged.
func (b *Book) ApplyDepthUpdate(u models.DepthUpdate) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.FinalUpdateID <= b.lastUpdateID {
		return false, nil
	}

	bids, err := b.convert(u.Bids)
	if err != nil {
		return false, fmt.Errorf("depth update %d bids: %w", u.FinalUpdateID, err)
	}
	asks, err := b.convert(u.Asks)
	if err != nil {
		return false, fmt.Errorf("depth update %d asks: %w", u.FinalUpdateID, err)
	}

	for _, lvl := range bids {
		b.bids.Upsert(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range asks {
		b.asks.Upsert(lvl.Price, lvl.Quantity)
	}
	b.lastUpdateID = u.FinalUpdateID
	b.publish()
	return true, nil
}

// ApplySnapshot replaces both sides with a full-depth snapshot. Like a diff,
// it is ignored unless LastUpdateID exceeds the last applied id. Zero
// quantities in a snapshot are skipped.
func (b *Book) ApplySnapshot(s models.DepthSnapshot) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.LastUpdateID <= b.lastUpdateID {
		return false, nil
	}

	bids, err := b.convert(s.Bids)
	if err != nil {
		return false, fmt.Errorf("snapshot %d bids: %w", s.LastUpdateID, err)
	}
	asks, err := b.convert(s.Asks)
	if err != nil {
		return false, fmt.Errorf("snapshot %d asks: %w", s.LastUpdateID, err)
	}

	nb, na := NewLedger(Bid), NewLedger(Ask)
	for _, lvl := range bids {
		nb.Upsert(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range asks {
		na.Upsert(lvl.Price, lvl.Quantity)
	}
	b.bids, b.asks = nb, na
	b.lastUpdateID = s.LastUpdateID
	b.publish()
	return true, nil
}

// ApplyTopOfBookUpdate records a ticker quote. It neither reads nor advances
// the sequence id and never removes levels. In TickerMerge mode the quoted
// levels are also written to the ledgers; a zero quantity asserts nothing
// for that side.
func (b *Book) ApplyTopOfBookUpdate(u models.TopOfBookUpdate) error {
	bid, err := b.codec.levelToFixed(u.BestBidPrice, u.BestBidQuantity)
	if err != nil {
		return fmt.Errorf("book ticker %d bid: %w", u.UpdateID, err)
	}
	ask, err := b.codec.levelToFixed(u.BestAskPrice, u.BestAskQuantity)
	if err != nil {
		return fmt.Errorf("book ticker %d ask: %w", u.UpdateID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tickerMode == TickerMerge {
		if bid.Quantity > 0 {
			b.bids.Upsert(bid.Price, bid.Quantity)
		}
		if ask.Quantity > 0 {
			b.asks.Upsert(ask.Price, ask.Quantity)
		}
	}
	b.top = &TopOfBook{
		UpdateID:   u.UpdateID,
		Bid:        DecimalLevel{Price: b.codec.PriceToDecimal(bid.Price), Quantity: b.codec.QuantityToDecimal(bid.Quantity)},
		Ask:        DecimalLevel{Price: b.codec.PriceToDecimal(ask.Price), Quantity: b.codec.QuantityToDecimal(ask.Quantity)},
		ReceivedAt: time.Now(),
	}
	b.publish()
	return nil
}

// Snapshot returns the latest published view.
func (b *Book) Snapshot() *Snapshot {
	return b.current.Load()
}

func (b *Book) LastUpdateID() uint64 { return b.Snapshot().LastUpdateID() }

func (b *Book) State() State { return b.Snapshot().State() }

func (b *Book) BestBidAsk() (BestBidAsk, bool) { return b.Snapshot().BestBidAsk() }

func (b *Book) VolumeAtPrice(price string) (decimal.Decimal, error) {
	return b.Snapshot().VolumeAtPrice(price)
}

func (b *Book) Levels(side Side, limit int) []DecimalLevel {
	return b.Snapshot().Levels(side, limit)
}

// publish must be called with mu held.
func (b *Book) publish() {
	b.current.Store(&Snapshot{
		symbol:       b.symbol,
		codec:        b.codec,
		lastUpdateID: b.lastUpdateID,
		bids:         b.bids.Clone(),
		asks:         b.asks.Clone(),
		top:          b.top,
		updatedAt:    time.Now(),
	})
}

func (b *Book) convert(in []models.Level) ([]Level, error) {
	out := make([]Level, 0, len(in))
	for i, raw := range in {
		lvl, err := b.codec.levelToFixed(raw.Price, raw.Quantity)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		out = append(out, lvl)
	}
	return out, nil
}
