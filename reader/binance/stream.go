package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "bookmirror/config"
	"bookmirror/internal/channel/feed"
	"bookmirror/internal/symbols"
	"bookmirror/logger"
	"bookmirror/models"
)

const streamReadTimeout = 5 * time.Minute

// StreamReader consumes a Binance combined stream over a raw websocket. It
// serves spot markets and futures when the SDK transport is not wanted.
type StreamReader struct {
	config   *appconfig.Config
	channels *feed.Channels
	market   string
	dialer   *websocket.Dialer
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewStreamReader(cfg *appconfig.Config, ch *feed.Channels) *StreamReader {
	return &StreamReader{
		config:   cfg,
		channels: ch,
		market:   cfg.Source.Binance.Market,
		dialer:   newWSDialer(cfg.Source.Binance),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (r *StreamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("stream reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_stream_reader").WithFields(logger.Fields{"operation": "start"})

	wsURL, err := r.streamURL()
	if err != nil {
		log.WithError(err).Error("invalid stream url")
		return err
	}

	log.WithFields(logger.Fields{"url": wsURL, "market": r.market}).Info("starting stream reader")

	r.wg.Add(1)
	go r.stream(wsURL)
	return nil
}

func (r *StreamReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_stream_reader").Info("stopping stream reader")
	r.wg.Wait()
	r.log.WithComponent("binance_stream_reader").Info("stream reader stopped")
}

// streamURL renders <depth.url>?streams=<sym>@depth@<n>ms/<sym>@bookTicker/...
func (r *StreamReader) streamURL() (string, error) {
	src := r.config.Source.Binance
	u, err := url.Parse(src.Depth.URL)
	if err != nil {
		return "", fmt.Errorf("parse depth url: %w", err)
	}

	var streams []string
	for _, symbol := range src.Symbols {
		s := symbols.StreamName(symbol)
		if src.Depth.Enabled {
			if src.Depth.IntervalMs > 0 {
				streams = append(streams, fmt.Sprintf("%s@depth@%dms", s, src.Depth.IntervalMs))
			} else {
				streams = append(streams, s+"@depth")
			}
		}
		if src.BookTicker.Enabled {
			streams = append(streams, s+"@bookTicker")
		}
	}
	if len(streams) == 0 {
		return "", fmt.Errorf("no streams enabled")
	}

	q := u.Query()
	q.Set("streams", strings.Join(streams, "/"))
	u.RawQuery = q.Encode()
	// Binance expects literal '/' and '@' separators.
	u.RawQuery = strings.NewReplacer("%2F", "/", "%40", "@").Replace(u.RawQuery)
	return u.String(), nil
}

// stream owns the connection lifecycle and reconnects with backoff.
func (r *StreamReader) stream(wsURL string) {
	defer r.wg.Done()
	log := r.log.WithComponent("binance_stream_reader").WithFields(logger.Fields{"worker": "stream"})
	b := newBackoff(r.config.Source.Binance.Depth.Reconnect)

	for r.ctx.Err() == nil {
		conn, _, err := r.dialer.DialContext(r.ctx, wsURL, nil)
		if err != nil {
			wait := b.Duration()
			log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("failed to connect websocket, retrying")
			if !sleepCtx(r.ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		log.Info("websocket connected")

		err = r.readLoop(conn)
		conn.Close()
		if r.ctx.Err() != nil {
			return
		}
		wait := b.Duration()
		log.WithError(err).WithFields(logger.Fields{"retry_in": wait.String()}).Warn("websocket read error, reconnecting")
		if !sleepCtx(r.ctx, wait) {
			return
		}
	}
}

func (r *StreamReader) readLoop(conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.processMessage(msg)
	}
}

func (r *StreamReader) processMessage(msg []byte) {
	log := r.log.WithComponent("binance_stream_reader")

	var envelope models.BinanceStreamMessage
	if err := json.Unmarshal(msg, &envelope); err != nil {
		log.WithError(err).Debug("failed to decode message")
		return
	}
	if len(envelope.Data) == 0 {
		// subscription acknowledgements carry no data
		return
	}

	switch {
	case strings.Contains(envelope.Stream, "@depth"):
		var resp models.BinanceDepthResp
		if err := json.Unmarshal(envelope.Data, &resp); err != nil {
			log.WithError(err).WithFields(logger.Fields{"stream": envelope.Stream}).Warn("failed to decode depth event")
			return
		}
		update, err := resp.ToDepthUpdate()
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"stream": envelope.Stream}).Warn("malformed depth event")
			return
		}
		ev := models.NewDepthEvent(exchangeName, r.market, update)
		if r.channels.Send(r.ctx, ev) {
			logger.IncrementDepthRead(ev.EntryCount())
		} else if r.ctx.Err() == nil {
			log.WithFields(logger.Fields{"symbol": update.Symbol}).Warn("feed channel full, dropping depth event")
		}
	case strings.HasSuffix(envelope.Stream, "@bookTicker"):
		var resp models.BinanceBookTickerResp
		if err := json.Unmarshal(envelope.Data, &resp); err != nil {
			log.WithError(err).WithFields(logger.Fields{"stream": envelope.Stream}).Warn("failed to decode book ticker")
			return
		}
		if r.channels.Send(r.ctx, models.NewTickerEvent(exchangeName, r.market, resp.ToTopOfBookUpdate())) {
			logger.IncrementTickerRead()
		}
	default:
		log.WithFields(logger.Fields{"stream": envelope.Stream}).Debug("ignoring unknown stream")
	}
}
