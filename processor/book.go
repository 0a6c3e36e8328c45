package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	appconfig "bookmirror/config"
	"bookmirror/internal/metrics"
	"bookmirror/internal/symbols"
	"bookmirror/logger"
	"bookmirror/models"
	"bookmirror/orderbook"
)

// Resyncer requests a fresh depth snapshot for a symbol. It must not block.
type Resyncer interface {
	RequestSnapshot(symbol string) bool
}

// BookStats counts what happened to the events of one book.
type BookStats struct {
	Applied    int64 `json:"applied"`
	Stale      int64 `json:"stale"`
	Invalid    int64 `json:"invalid"`
	Gaps       int64 `json:"gaps"`
	Snapshots  int64 `json:"snapshots"`
	Superseded int64 `json:"superseded"`
	Tickers    int64 `json:"tickers"`
}

type bookCounters struct {
	applied, stale, invalid, gaps, snapshots, superseded, tickers atomic.Int64
}

func (c *bookCounters) load() BookStats {
	return BookStats{
		Applied:    c.applied.Load(),
		Stale:      c.stale.Load(),
		Invalid:    c.invalid.Load(),
		Gaps:       c.gaps.Load(),
		Snapshots:  c.snapshots.Load(),
		Superseded: c.superseded.Load(),
		Tickers:    c.tickers.Load(),
	}
}

// BookProcessor is the single writer of every book. It drains the feed
// channel in order, applies each event and requests a resync when a sequence
// gap is observed. Readers use Book or Snapshots concurrently.
type BookProcessor struct {
	config *appconfig.Config
	events <-chan models.FeedEvent
	resync Resyncer

	// books and counters are fixed at construction and only read afterwards.
	books    map[string]*orderbook.Book
	counters map[string]*bookCounters
	symbols  []string

	// afterSnapshot is owned by the worker goroutine.
	afterSnapshot map[string]bool

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

// NewBookProcessor builds one book per configured symbol. resync may be nil,
// in which case gaps are only logged.
func NewBookProcessor(cfg *appconfig.Config, events <-chan models.FeedEvent, resync Resyncer) (*BookProcessor, error) {
	codec, err := orderbook.NewCodec(cfg.Book.PriceDecimals, cfg.Book.QuantityDecimals)
	if err != nil {
		return nil, fmt.Errorf("book codec: %w", err)
	}
	mode, err := orderbook.ParseTickerMode(cfg.Book.TickerMode)
	if err != nil {
		return nil, err
	}

	p := &BookProcessor{
		config:        cfg,
		events:        events,
		resync:        resync,
		books:         make(map[string]*orderbook.Book),
		counters:      make(map[string]*bookCounters),
		afterSnapshot: make(map[string]bool),
		wg:            &sync.WaitGroup{},
		log:           logger.GetLogger(),
	}
	for _, s := range cfg.Source.Binance.Symbols {
		s = symbols.Normalize(s)
		if _, ok := p.books[s]; ok {
			continue
		}
		p.books[s] = orderbook.NewBook(s, codec, orderbook.WithTickerMode(mode))
		p.counters[s] = &bookCounters{}
		p.symbols = append(p.symbols, s)
	}
	sort.Strings(p.symbols)
	return p, nil
}

func (p *BookProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("book processor already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("book_processor").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"symbols":           p.symbols,
		"price_decimals":    p.config.Book.PriceDecimals,
		"quantity_decimals": p.config.Book.QuantityDecimals,
		"ticker_mode":       p.config.Book.TickerMode,
	}).Info("starting book processor")

	p.wg.Add(1)
	go p.worker()

	if p.config.Book.ReportInterval > 0 {
		p.wg.Add(1)
		go p.reporter(p.config.Book.ReportInterval)
	}

	log.Info("book processor started successfully")
	return nil
}

func (p *BookProcessor) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("book_processor").Info("stopping book processor")
	p.wg.Wait()
	p.log.WithComponent("book_processor").Info("book processor stopped")
}

// Book returns the book for symbol.
func (p *BookProcessor) Book(symbol string) (*orderbook.Book, bool) {
	b, ok := p.books[symbols.Normalize(symbol)]
	return b, ok
}

// Symbols lists the maintained symbols in ascending order.
func (p *BookProcessor) Symbols() []string {
	out := make([]string, len(p.symbols))
	copy(out, p.symbols)
	return out
}

// Snapshots returns the current published view of every book.
func (p *BookProcessor) Snapshots() map[string]*orderbook.Snapshot {
	out := make(map[string]*orderbook.Snapshot, len(p.books))
	for s, b := range p.books {
		out[s] = b.Snapshot()
	}
	return out
}

func (p *BookProcessor) Stats(symbol string) (BookStats, bool) {
	c, ok := p.counters[symbols.Normalize(symbol)]
	if !ok {
		return BookStats{}, false
	}
	return c.load(), true
}

func (p *BookProcessor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.events:
			if !ok {
				return
			}
			p.handleEvent(ev)
		}
	}
}

func (p *BookProcessor) handleEvent(ev models.FeedEvent) {
	symbol := symbols.Normalize(ev.Symbol)
	book, ok := p.books[symbol]
	if !ok {
		p.log.WithComponent("book_processor").WithFields(logger.Fields{"symbol": ev.Symbol}).Debug("event for unknown symbol, dropping")
		return
	}
	c := p.counters[symbol]

	switch ev.Kind {
	case models.FeedDepth:
		if ev.Depth != nil {
			p.handleDepth(book, c, ev)
		}
	case models.FeedSnapshot:
		if ev.Snapshot != nil {
			p.handleSnapshot(book, c, ev)
		}
	case models.FeedTicker:
		if ev.Ticker != nil {
			p.handleTicker(book, c, ev)
		}
	}
}

func (p *BookProcessor) handleDepth(book *orderbook.Book, c *bookCounters, ev models.FeedEvent) {
	symbol := book.Symbol()
	u := ev.Depth
	lastID := book.LastUpdateID()
	gap := detectGap(lastID, p.afterSnapshot[symbol], u)

	applied, err := book.ApplyDepthUpdate(*u)
	if err != nil {
		c.invalid.Add(1)
		logger.IncrementInvalid()
		p.log.WithComponent("book_processor").WithFields(logger.Fields{
			"symbol":   symbol,
			"final_id": u.FinalUpdateID,
		}).WithError(err).Warn("rejected malformed depth update")
		p.requestResync(symbol, "invalid_event")
		return
	}
	if !applied {
		c.stale.Add(1)
		logger.IncrementStale()
		p.log.WithComponent("book_processor").WithFields(logger.Fields{
			"symbol":         symbol,
			"final_id":       u.FinalUpdateID,
			"last_update_id": lastID,
		}).Debug("discarded stale depth update")
		return
	}

	c.applied.Add(1)
	logger.IncrementApplied()
	p.afterSnapshot[symbol] = false

	if gap {
		c.gaps.Add(1)
		p.log.WithComponent("book_processor").WithFields(logger.Fields{
			"symbol":         symbol,
			"first_id":       u.FirstUpdateID,
			"prev_final_id":  u.PrevFinalUpdateID,
			"last_update_id": lastID,
		}).Warn("sequence gap detected")
		p.requestResync(symbol, "gap")
	}
}

func (p *BookProcessor) handleSnapshot(book *orderbook.Book, c *bookCounters, ev models.FeedEvent) {
	symbol := book.Symbol()
	log := p.log.WithComponent("book_processor").WithFields(logger.Fields{
		"symbol":      symbol,
		"snapshot_id": ev.Snapshot.LastUpdateID,
	})

	applied, err := book.ApplySnapshot(*ev.Snapshot)
	if err != nil {
		c.invalid.Add(1)
		logger.IncrementInvalid()
		log.WithError(err).Warn("rejected malformed snapshot")
		return
	}
	if !applied {
		// Diffs already carried the book past this snapshot. Any gap it was
		// meant to repair stays in the book until the next resync.
		c.stale.Add(1)
		c.superseded.Add(1)
		logger.IncrementStale()
		metrics.EmitMetric(p.log, "book_processor", "book_snapshot_superseded", 1, "counter", logger.Fields{"symbol": symbol})
		log.WithFields(logger.Fields{"last_update_id": book.LastUpdateID()}).Warn("snapshot superseded by applied diffs, ignored")
		return
	}

	c.snapshots.Add(1)
	p.afterSnapshot[symbol] = true
	bids, asks := book.Snapshot().Depth()
	log.WithFields(logger.Fields{"bid_levels": bids, "ask_levels": asks}).Info("book synchronized from snapshot")
}

func (p *BookProcessor) handleTicker(book *orderbook.Book, c *bookCounters, ev models.FeedEvent) {
	if err := book.ApplyTopOfBookUpdate(*ev.Ticker); err != nil {
		c.invalid.Add(1)
		logger.IncrementInvalid()
		p.log.WithComponent("book_processor").WithFields(logger.Fields{
			"symbol":    book.Symbol(),
			"update_id": ev.Ticker.UpdateID,
		}).WithError(err).Warn("rejected malformed book ticker")
		return
	}
	c.tickers.Add(1)
}

func (p *BookProcessor) requestResync(symbol, reason string) {
	if p.resync == nil {
		return
	}
	if p.resync.RequestSnapshot(symbol) {
		logger.IncrementResync()
		p.log.WithComponent("book_processor").WithFields(logger.Fields{
			"symbol": symbol,
			"reason": reason,
		}).Info("snapshot resync requested")
	}
}

// detectGap reports whether u does not continue from lastID. An empty book
// never gaps. Right after a snapshot the first diff only has to straddle the
// snapshot id; afterwards futures diffs must chain pu to the last final id and
// spot diffs must start at most one past it.
func detectGap(lastID uint64, afterSnapshot bool, u *models.DepthUpdate) bool {
	if lastID == 0 || u.FinalUpdateID <= lastID {
		return false
	}
	if afterSnapshot {
		return u.FirstUpdateID > lastID+1
	}
	if u.PrevFinalUpdateID != 0 {
		return u.PrevFinalUpdateID != lastID
	}
	return u.FirstUpdateID > lastID+1
}

func (p *BookProcessor) reporter(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range p.symbols {
				p.reportBook(symbol)
			}
		}
	}
}

func (p *BookProcessor) reportBook(symbol string) {
	snap := p.books[symbol].Snapshot()
	stats := p.counters[symbol].load()
	bids, asks := snap.Depth()

	ms := metrics.BookStats{
		Symbol:       symbol,
		LastUpdateID: snap.LastUpdateID(),
		BidLevels:    bids,
		AskLevels:    asks,
		Applied:      stats.Applied,
		Stale:        stats.Stale,
		Invalid:      stats.Invalid,
		Gaps:         stats.Gaps,
		Superseded:   stats.Superseded,
	}
	fields := logger.Fields{
		"symbol":         symbol,
		"state":          snap.State().String(),
		"last_update_id": snap.LastUpdateID(),
		"bid_levels":     bids,
		"ask_levels":     asks,
	}
	if bba, ok := snap.BestBidAsk(); ok {
		ms.Spread = bba.Spread().InexactFloat64()
		ms.HasSpread = true
		fields["best_bid"] = bba.Bid.Price.String()
		fields["best_ask"] = bba.Ask.Price.String()
		fields["spread"] = bba.Spread().String()
	}
	if depth := p.config.Book.ReportDepth; depth > 0 {
		fields["top_bids"] = formatLevels(snap.Levels(orderbook.Bid, depth))
		fields["top_asks"] = formatLevels(snap.Levels(orderbook.Ask, depth))
	}

	metrics.ReportBook(p.log, ms)
	p.log.WithComponent("book_processor").WithFields(fields).Info("book summary")
}

func formatLevels(levels []orderbook.DecimalLevel) []string {
	out := make([]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Price.String()+"@"+l.Quantity.String())
	}
	return out
}
