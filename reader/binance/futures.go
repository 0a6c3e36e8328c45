package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/sirupsen/logrus"

	appconfig "bookmirror/config"
	"bookmirror/internal/channel/feed"
	"bookmirror/logger"
	"bookmirror/models"
)

// Replaced in tests.
var (
	wsDiffDepthServeWithRate = futures.WsDiffDepthServeWithRate
	wsBookTickerServe        = futures.WsBookTickerServe
)

// FuturesReader streams USDⓈ-M futures diff depth and book ticker events via
// go-binance and forwards them as feed events.
type FuturesReader struct {
	config   *appconfig.Config
	channels *feed.Channels
	symbols  []string
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewFuturesReader(cfg *appconfig.Config, ch *feed.Channels) *FuturesReader {
	return &FuturesReader{
		config:   cfg,
		channels: ch,
		symbols:  cfg.Source.Binance.Symbols,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start subscribes one depth stream and, when enabled, one book ticker stream
// per configured symbol.
func (r *FuturesReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("futures reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	src := r.config.Source.Binance
	log := r.log.WithComponent("binance_futures_reader").WithFields(logger.Fields{"operation": "start"})

	if !src.Depth.Enabled && !src.BookTicker.Enabled {
		log.Warn("binance futures depth and book ticker are both disabled")
		return fmt.Errorf("binance futures depth and book ticker are both disabled")
	}

	interval := time.Duration(src.Depth.IntervalMs) * time.Millisecond
	log.WithFields(logger.Fields{
		"symbols":     r.symbols,
		"interval_ms": src.Depth.IntervalMs,
		"book_ticker": src.BookTicker.Enabled,
	}).Info("starting futures reader")

	for _, symbol := range r.symbols {
		symbol := symbol
		if src.Depth.Enabled {
			r.wg.Add(1)
			go r.serve(symbol, "depth", func() (chan struct{}, chan struct{}, error) {
				return wsDiffDepthServeWithRate(symbol, interval, r.handleDepth, r.errHandler(symbol, "depth"))
			})
		}
		if src.BookTicker.Enabled {
			r.wg.Add(1)
			go r.serve(symbol, "book_ticker", func() (chan struct{}, chan struct{}, error) {
				return wsBookTickerServe(symbol, r.handleTicker, r.errHandler(symbol, "book_ticker"))
			})
		}
	}

	log.Info("binance futures reader started successfully")
	return nil
}

func (r *FuturesReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_futures_reader").Info("stopping futures reader")
	r.wg.Wait()
	r.log.WithComponent("binance_futures_reader").Info("futures reader stopped")
}

// serve keeps one SDK subscription alive, resubscribing with backoff when the
// stream ends or fails to open.
func (r *FuturesReader) serve(symbol, stream string, subscribe func() (chan struct{}, chan struct{}, error)) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_futures_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"stream": stream,
	})
	b := newBackoff(r.config.Source.Binance.Depth.Reconnect)

	for r.ctx.Err() == nil {
		doneC, stopC, err := subscribe()
		if err != nil {
			wait := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("failed to subscribe, retrying")
			if !sleepCtx(r.ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		log.Info("stream subscribed")

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			wait := b.Duration()
			log.WithFields(logger.Fields{"retry_in": wait.String()}).Warn("stream closed, resubscribing")
			if !sleepCtx(r.ctx, wait) {
				return
			}
		}
	}
}

func (r *FuturesReader) handleDepth(event *futures.WsDepthEvent) {
	update := depthUpdateFromSDK(event)
	ev := models.NewDepthEvent(exchangeName, models.MarketFutures, update)
	if !r.channels.Send(r.ctx, ev) {
		if r.ctx.Err() == nil {
			r.log.WithComponent("binance_futures_reader").WithFields(logger.Fields{
				"symbol":   update.Symbol,
				"final_id": update.FinalUpdateID,
			}).Warn("feed channel full, dropping depth event")
		}
		return
	}

	entries := ev.EntryCount()
	logger.IncrementDepthRead(entries)
	log := r.log.WithComponent("binance_futures_reader")
	if log.Entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.LogDataFlowEntry(log, "binance_ws", "feed_channel", entries, "depth_levels")
	}
}

func (r *FuturesReader) handleTicker(event *futures.WsBookTickerEvent) {
	ev := models.NewTickerEvent(exchangeName, models.MarketFutures, &models.TopOfBookUpdate{
		Symbol:          event.Symbol,
		UpdateID:        uint64(event.UpdateID),
		BestBidPrice:    event.BestBidPrice,
		BestBidQuantity: event.BestBidQty,
		BestAskPrice:    event.BestAskPrice,
		BestAskQuantity: event.BestAskQty,
	})
	if r.channels.Send(r.ctx, ev) {
		logger.IncrementTickerRead()
	}
}

func (r *FuturesReader) errHandler(symbol, stream string) func(error) {
	return func(err error) {
		if err != nil {
			r.log.WithComponent("binance_futures_reader").WithFields(logger.Fields{
				"symbol": symbol,
				"stream": stream,
			}).WithError(err).Warn("websocket error")
		}
	}
}

func depthUpdateFromSDK(e *futures.WsDepthEvent) *models.DepthUpdate {
	u := &models.DepthUpdate{
		Symbol:            e.Symbol,
		EventTime:         e.Time,
		FirstUpdateID:     uint64(e.FirstUpdateID),
		FinalUpdateID:     uint64(e.LastUpdateID),
		PrevFinalUpdateID: uint64(e.PrevLastUpdateID),
		Bids:              make([]models.Level, 0, len(e.Bids)),
		Asks:              make([]models.Level, 0, len(e.Asks)),
	}
	for _, b := range e.Bids {
		u.Bids = append(u.Bids, models.Level{Price: b.Price, Quantity: b.Quantity})
	}
	for _, a := range e.Asks {
		u.Asks = append(u.Asks, models.Level{Price: a.Price, Quantity: a.Quantity})
	}
	return u
}
