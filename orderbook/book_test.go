package orderbook

import (
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"bookmirror/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lv(price, qty string) models.Level { return models.Level{Price: price, Quantity: qty} }

func TestNewBook(t *testing.T) {
	b := NewBook("BNBUSDT", DefaultCodec())
	if b.Symbol() != "BNBUSDT" {
		t.Fatalf("unexpected symbol %s", b.Symbol())
	}
	if b.LastUpdateID() != 0 || b.State() != Uninitialized {
		t.Fatalf("expected uninitialized book, got id=%d state=%s", b.LastUpdateID(), b.State())
	}
	if _, ok := b.BestBidAsk(); ok {
		t.Fatalf("expected no best bid/ask on empty book")
	}
}

func TestBookScenario(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())

	applied, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 10,
		Bids:          []models.Level{lv("100.00", "5.0")},
		Asks:          []models.Level{lv("101.00", "3.0")},
	})
	if err != nil || !applied {
		t.Fatalf("apply 10: applied=%v err=%v", applied, err)
	}
	top, ok := b.BestBidAsk()
	if !ok {
		t.Fatalf("expected best bid/ask")
	}
	if !top.Bid.Price.Equal(dec("100")) || !top.Bid.Quantity.Equal(dec("5")) ||
		!top.Ask.Price.Equal(dec("101")) || !top.Ask.Quantity.Equal(dec("3")) {
		t.Fatalf("unexpected top: %+v", top)
	}
	if b.LastUpdateID() != 10 || b.State() != Synchronized {
		t.Fatalf("expected id 10 synchronized, got %d %s", b.LastUpdateID(), b.State())
	}

	applied, err = b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 11,
		Bids:          []models.Level{lv("100.00", "0")},
	})
	if err != nil || !applied {
		t.Fatalf("apply 11: applied=%v err=%v", applied, err)
	}
	if _, ok := b.BestBidAsk(); ok {
		t.Fatalf("expected no best bid/ask after bid side emptied")
	}

	before := b.Snapshot()
	applied, err = b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 5,
		Bids:          []models.Level{lv("99", "1")},
		Asks:          []models.Level{lv("101.00", "0")},
	})
	if err != nil || applied {
		t.Fatalf("stale update applied=%v err=%v", applied, err)
	}
	if b.Snapshot() != before {
		t.Fatalf("stale update published a new snapshot")
	}
	if b.LastUpdateID() != 11 {
		t.Fatalf("stale update moved id to %d", b.LastUpdateID())
	}
	if got := b.Levels(Ask, 0); len(got) != 1 || !got[0].Price.Equal(dec("101")) {
		t.Fatalf("ask side changed by stale update: %+v", got)
	}
}

func TestBookMonotonicSequence(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())
	for _, id := range []uint64{3, 7, 8, 20} {
		if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
			FinalUpdateID: id,
			Bids:          []models.Level{lv(strconv.FormatUint(id, 10), "1")},
		}); err != nil {
			t.Fatalf("apply %d: %v", id, err)
		}
	}
	if b.LastUpdateID() != 20 {
		t.Fatalf("expected last id 20, got %d", b.LastUpdateID())
	}
	for _, id := range []uint64{3, 8, 20} {
		applied, err := b.ApplyDepthUpdate(models.DepthUpdate{
			FinalUpdateID: id,
			Bids:          []models.Level{lv("500", "9")},
		})
		if err != nil || applied {
			t.Fatalf("replay %d applied=%v err=%v", id, applied, err)
		}
	}
	if got := b.Levels(Bid, 0); len(got) != 4 || !got[0].Price.Equal(dec("20")) {
		t.Fatalf("replays changed bid side: %+v", got)
	}
}

func TestBookRejectsMalformedEventAtomically(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())
	if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 1,
		Bids:          []models.Level{lv("100", "1")},
		Asks:          []models.Level{lv("101", "1")},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	applied, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 2,
		Bids:          []models.Level{lv("100", "4")},
		Asks:          []models.Level{lv("102", "-1")},
	})
	if applied || !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("expected ErrInvalidNumeric, got applied=%v err=%v", applied, err)
	}
	if b.LastUpdateID() != 1 {
		t.Fatalf("malformed event advanced id to %d", b.LastUpdateID())
	}
	vol, err := b.VolumeAtPrice("100")
	if err != nil || !vol.Equal(dec("1")) {
		t.Fatalf("bid side partially applied: vol=%s err=%v", vol, err)
	}
}

func TestBookVolumeAtPrice(t *testing.T) {
	b := NewBook("BNBUSDT", DefaultCodec())
	if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 160,
		Bids:          []models.Level{lv("0.0024", "10"), lv("0.0025", "20")},
		Asks:          []models.Level{lv("0.0024", "100"), lv("0.0027", "200")},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	cases := map[string]string{
		"0.0024": "110",
		"0.0025": "20",
		"0.0026": "0",
		"0.0027": "200",
	}
	for price, want := range cases {
		got, err := b.VolumeAtPrice(price)
		if err != nil {
			t.Fatalf("volume at %s: %v", price, err)
		}
		if !got.Equal(dec(want)) {
			t.Fatalf("volume at %s: expected %s, got %s", price, want, got)
		}
	}
	if _, err := b.VolumeAtPrice("not-a-price"); !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("expected ErrInvalidNumeric, got %v", err)
	}
}

func TestSnapshotIterate(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())
	if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 10,
		Bids:          []models.Level{lv("99", "1"), lv("101", "2"), lv("100", "3")},
		Asks:          []models.Level{lv("103", "4"), lv("102", "5")},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	snap := b.Snapshot()

	var bids []string
	if err := snap.Iterate(Bid, func(lvl DecimalLevel) bool {
		bids = append(bids, lvl.Price.String())
		return true
	}); err != nil {
		t.Fatalf("iterate bids: %v", err)
	}
	if len(bids) != 3 || bids[0] != "101" || bids[1] != "100" || bids[2] != "99" {
		t.Fatalf("bids out of order: %v", bids)
	}

	var asks []DecimalLevel
	if err := snap.Iterate(Ask, func(lvl DecimalLevel) bool {
		asks = append(asks, lvl)
		return false
	}); err != nil {
		t.Fatalf("iterate asks: %v", err)
	}
	if len(asks) != 1 || !asks[0].Price.Equal(dec("102")) || !asks[0].Quantity.Equal(dec("5")) {
		t.Fatalf("early exit should stop after the best ask, got %v", asks)
	}

	called := false
	err := snap.Iterate(Side(7), func(DecimalLevel) bool {
		called = true
		return true
	})
	if !errors.Is(err, ErrUnknownSide) || called {
		t.Fatalf("expected ErrUnknownSide without callbacks, got %v (called %v)", err, called)
	}

	if got := snap.Levels(Bid, 2); len(got) != 2 || !got[1].Price.Equal(dec("100")) {
		t.Fatalf("unexpected capped levels: %v", got)
	}
	if got := snap.Levels(Side(7), 0); got != nil {
		t.Fatalf("unknown side should yield no levels, got %v", got)
	}

	p, err := snap.NormalizePrice("99.123456789")
	if err != nil || !p.Equal(dec("99.12345678")) {
		t.Fatalf("unexpected normalized price %s (%v)", p, err)
	}
}

func TestBookSnapshotReplacesSides(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())
	if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
		FinalUpdateID: 5,
		Bids:          []models.Level{lv("90", "1")},
		Asks:          []models.Level{lv("95", "1")},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	applied, err := b.ApplySnapshot(models.DepthSnapshot{
		LastUpdateID: 50,
		Bids:         []models.Level{lv("100", "2"), lv("99", "3")},
		Asks:         []models.Level{lv("101", "4")},
	})
	if err != nil || !applied {
		t.Fatalf("snapshot applied=%v err=%v", applied, err)
	}
	if bids, asks := b.Snapshot().Depth(); bids != 2 || asks != 1 {
		t.Fatalf("unexpected depth %d/%d", bids, asks)
	}
	if vol, _ := b.VolumeAtPrice("90"); !vol.IsZero() {
		t.Fatalf("old level survived snapshot: %s", vol)
	}

	applied, err = b.ApplySnapshot(models.DepthSnapshot{LastUpdateID: 40})
	if err != nil || applied {
		t.Fatalf("stale snapshot applied=%v err=%v", applied, err)
	}
	if b.LastUpdateID() != 50 {
		t.Fatalf("expected id 50, got %d", b.LastUpdateID())
	}
}

func TestBookTickerSeparate(t *testing.T) {
	b := NewBook("BNBUSDT", DefaultCodec())
	err := b.ApplyTopOfBookUpdate(models.TopOfBookUpdate{
		UpdateID:        400900217,
		BestBidPrice:    "25.3519",
		BestBidQuantity: "31.21",
		BestAskPrice:    "25.3652",
		BestAskQuantity: "40.66",
	})
	if err != nil {
		t.Fatalf("apply ticker: %v", err)
	}
	if b.LastUpdateID() != 0 {
		t.Fatalf("ticker advanced sequence id to %d", b.LastUpdateID())
	}
	if bids, asks := b.Snapshot().Depth(); bids != 0 || asks != 0 {
		t.Fatalf("separate mode wrote to ledgers: %d/%d", bids, asks)
	}
	top, ok := b.Snapshot().TopOfBook()
	if !ok || !top.Bid.Price.Equal(dec("25.3519")) || !top.Ask.Quantity.Equal(dec("40.66")) {
		t.Fatalf("unexpected top of book: %+v ok=%v", top, ok)
	}
}

func TestBookTickerMerge(t *testing.T) {
	b := NewBook("BNBUSDT", DefaultCodec(), WithTickerMode(TickerMerge))
	if err := b.ApplyTopOfBookUpdate(models.TopOfBookUpdate{
		BestBidPrice:    "25.3519",
		BestBidQuantity: "31.21",
		BestAskPrice:    "25.3652",
		BestAskQuantity: "0",
	}); err != nil {
		t.Fatalf("apply ticker: %v", err)
	}
	if bids, asks := b.Snapshot().Depth(); bids != 1 || asks != 0 {
		t.Fatalf("expected one asserted bid only, got %d/%d", bids, asks)
	}
	if b.LastUpdateID() != 0 {
		t.Fatalf("ticker advanced sequence id")
	}

	// A later diff is still accepted, since the ticker never touched the id.
	applied, err := b.ApplyDepthUpdate(models.DepthUpdate{FinalUpdateID: 1, Asks: []models.Level{lv("25.3652", "1")}})
	if err != nil || !applied {
		t.Fatalf("diff after ticker applied=%v err=%v", applied, err)
	}
	top, ok := b.BestBidAsk()
	if !ok || !top.Bid.Price.Equal(dec("25.3519")) {
		t.Fatalf("unexpected top: %+v", top)
	}
}

func TestBookTickerRejectsInvalid(t *testing.T) {
	b := NewBook("BNBUSDT", DefaultCodec(), WithTickerMode(TickerMerge))
	err := b.ApplyTopOfBookUpdate(models.TopOfBookUpdate{
		BestBidPrice:    "1",
		BestBidQuantity: "1",
		BestAskPrice:    "x",
		BestAskQuantity: "1",
	})
	if !errors.Is(err, ErrInvalidNumeric) {
		t.Fatalf("expected ErrInvalidNumeric, got %v", err)
	}
	if bids, _ := b.Snapshot().Depth(); bids != 0 {
		t.Fatalf("bid asserted despite invalid ask")
	}
}

func TestParseTickerMode(t *testing.T) {
	if m, err := ParseTickerMode(""); err != nil || m != TickerSeparate {
		t.Fatalf("expected separate default, got %v %v", m, err)
	}
	if m, err := ParseTickerMode("MERGE"); err != nil || m != TickerMerge {
		t.Fatalf("expected merge, got %v %v", m, err)
	}
	if _, err := ParseTickerMode("both"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

// Each event writes quantity n on both sides, so any published view must show
// equal quantities and a matching sequence id.
func TestBookReadersSeeWholeEvents(t *testing.T) {
	b := NewBook("BTCUSDT", DefaultCodec())
	const events = 2000

	var wg sync.WaitGroup
	done := make(chan struct{})
	errs := make(chan string, 4)

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := b.Snapshot()
				top, ok := snap.BestBidAsk()
				if !ok {
					continue
				}
				want := decimal.NewFromInt(int64(snap.LastUpdateID()))
				if !top.Bid.Quantity.Equal(top.Ask.Quantity) || !top.Bid.Quantity.Equal(want) {
					select {
					case errs <- "torn read: " + top.Bid.Quantity.String() + "/" + top.Ask.Quantity.String() + " at " + want.String():
					default:
					}
					return
				}
			}
		}()
	}

	for i := 1; i <= events; i++ {
		n := strconv.Itoa(i)
		if _, err := b.ApplyDepthUpdate(models.DepthUpdate{
			FinalUpdateID: uint64(i),
			Bids:          []models.Level{lv("100", n)},
			Asks:          []models.Level{lv("101", n)},
		}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
	if b.LastUpdateID() != events {
		t.Fatalf("expected id %d, got %d", events, b.LastUpdateID())
	}
}
