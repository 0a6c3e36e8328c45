package orderbook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/btree"
)

// Side identifies one half of the book.
type Side int

const (
	Bid Side = iota
	Ask
)

var ErrUnknownSide = errors.New("unknown side")

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// ParseSide accepts bid/bids/buy and ask/asks/sell, case-insensitively.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bid", "bids", "buy":
		return Bid, nil
	case "ask", "asks", "sell":
		return Ask, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSide, s)
	}
}

// Level is a resting price level. A zero Quantity never rests in a ledger.
type Level struct {
	Price    Price
	Quantity Quantity
}

const ledgerDegree = 16

// Ledger is the ordered price -> quantity store for one side. Iteration and
// Best follow the side's notion of "best": highest price first for bids,
// lowest first for asks.
//
// A Ledger is not safe for concurrent mutation. Clone gives an independent
// copy-on-write view that may be read while the original keeps changing.
type Ledger struct {
	side Side
	tree *btree.BTreeG[Level]
}

// NewLedger returns an empty ledger for side.
func NewLedger(side Side) *Ledger {
	less := func(a, b Level) bool { return a.Price < b.Price }
	if side == Bid {
		less = func(a, b Level) bool { return a.Price > b.Price }
	}
	return &Ledger{side: side, tree: btree.NewG[Level](ledgerDegree, less)}
}

func (l *Ledger) Side() Side { return l.side }

// Upsert sets the quantity resting at price; zero removes the level.
// Removing an absent level is a no-op.
func (l *Ledger) Upsert(price Price, qty Quantity) {
	if qty == 0 {
		l.tree.Delete(Level{Price: price})
		return
	}
	l.tree.ReplaceOrInsert(Level{Price: price, Quantity: qty})
}

// Best returns the extreme level for the side, or false when empty.
func (l *Ledger) Best() (Level, bool) {
	return l.tree.Min()
}

// VolumeAt returns the quantity resting at exactly price, zero if absent.
func (l *Ledger) VolumeAt(price Price) Quantity {
	lvl, ok := l.tree.Get(Level{Price: price})
	if !ok {
		return 0
	}
	return lvl.Quantity
}

func (l *Ledger) Len() int { return l.tree.Len() }

// Ascend walks levels from best to worst until fn returns false.
func (l *Ledger) Ascend(fn func(Level) bool) {
	l.tree.Ascend(btree.ItemIteratorG[Level](fn))
}

// Clone returns a lazily copied ledger. It must not be called concurrently
// with mutation of l.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{side: l.side, tree: l.tree.Clone()}
}
