package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "bookmirror/config"
	"bookmirror/internal/channel/feed"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/models"
)

// SnapshotFetcher pulls REST depth snapshots for bootstrap and resync. Requests
// are deduplicated per symbol and paced by a token bucket; results are sent
// through the feed channel so the book keeps a single writer.
type SnapshotFetcher struct {
	config     *appconfig.Config
	client     *futures.Client
	httpClient *http.Client
	limiter    *rate.Limiter
	channels   *feed.Channels
	market     string

	requests  chan string
	pendingMu sync.Mutex
	pending   map[string]bool

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func NewSnapshotFetcher(cfg *appconfig.Config, ch *feed.Channels) *SnapshotFetcher {
	src := cfg.Source.Binance
	httpClient := newHTTPClient(src)

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(src.Snapshot.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	burst := src.Snapshot.BurstSize
	if burst <= 0 {
		burst = 1
	}

	f := &SnapshotFetcher{
		config:     cfg,
		client:     client,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(src.Snapshot.RequestsPerSecond), burst),
		channels:   ch,
		market:     src.Market,
		requests:   make(chan string, len(src.Symbols)+1),
		pending:    make(map[string]bool),
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}

	f.log.WithComponent("binance_snapshot").WithFields(logger.Fields{
		"max_idle_conns":      src.ConnectionPool.MaxIdleConns,
		"max_conns_per_host":  src.ConnectionPool.MaxConnsPerHost,
		"timeout":             src.Timeout.String(),
		"requests_per_second": src.Snapshot.RequestsPerSecond,
	}).Info("snapshot fetcher initialized")

	return f
}

// Start launches the fetch worker and queues a bootstrap snapshot for every
// configured symbol.
func (f *SnapshotFetcher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("snapshot fetcher already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	log := f.log.WithComponent("binance_snapshot").WithFields(logger.Fields{"operation": "start"})

	if f.market == models.MarketFutures {
		if limit, err := f.fetchRequestWeightLimit(ctx); err == nil && limit > 0 {
			log.WithFields(logger.Fields{"request_weight_limit": limit}).Info("fetched request weight limit")
		} else if err != nil {
			log.WithError(err).Warn("failed to fetch request weight limit")
		}
	}

	f.wg.Add(1)
	go f.worker()

	for _, symbol := range f.config.Source.Binance.Symbols {
		f.RequestSnapshot(symbol)
	}

	log.Info("snapshot fetcher started")
	return nil
}

func (f *SnapshotFetcher) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	f.log.WithComponent("binance_snapshot").Info("snapshot fetcher stopped")
}

// RequestSnapshot queues a fetch for symbol unless one is already pending. It
// never blocks and reports whether a new request was queued.
func (f *SnapshotFetcher) RequestSnapshot(symbol string) bool {
	f.pendingMu.Lock()
	if f.pending[symbol] {
		f.pendingMu.Unlock()
		return false
	}
	f.pending[symbol] = true
	f.pendingMu.Unlock()

	select {
	case f.requests <- symbol:
		return true
	default:
		f.clearPending(symbol)
		return false
	}
}

func (f *SnapshotFetcher) clearPending(symbol string) {
	f.pendingMu.Lock()
	delete(f.pending, symbol)
	f.pendingMu.Unlock()
}

func (f *SnapshotFetcher) worker() {
	defer f.wg.Done()
	for {
		select {
		case <-f.ctx.Done():
			return
		case symbol := <-f.requests:
			f.resync(symbol)
			f.clearPending(symbol)
		}
	}
}

func (f *SnapshotFetcher) resync(symbol string) {
	log := f.log.WithComponent("binance_snapshot").WithFields(logger.Fields{"symbol": symbol})

	snap, err := f.Fetch(f.ctx, symbol)
	if err != nil {
		if f.ctx.Err() == nil {
			log.WithError(err).Warn("failed to fetch snapshot")
		}
		return
	}

	ev := models.NewSnapshotEvent(exchangeName, f.market, snap)
	if f.channels.SendBlocking(f.ctx, ev) {
		logger.IncrementSnapshotRead(ev.EntryCount())
		log.WithFields(logger.Fields{
			"last_update_id": snap.LastUpdateID,
			"levels":         ev.EntryCount(),
		}).Info("snapshot sent to feed channel")
	}
}

// Fetch performs one rate-limited GET <snapshot.url>?symbol=&limit=.
func (f *SnapshotFetcher) Fetch(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	cfg := f.config.Source.Binance.Snapshot
	reqURL := fmt.Sprintf("%s?symbol=%s&limit=%d", cfg.URL, url.QueryEscape(symbol), cfg.Limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	log := f.log.WithComponent("binance_snapshot")
	logger.LogPerformanceEntry(log, "binance_snapshot", "api_request", time.Since(start), logger.Fields{"symbol": symbol})
	metrics.ReportUsedWeight(f.log, resp, "binance_snapshot", symbol, f.market)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.ReportLimit(f.log, "binance_snapshot", symbol, metrics.DetectLimit(resp.StatusCode, string(body)))
		return nil, fmt.Errorf("snapshot status %d: %s", resp.StatusCode, string(body))
	}

	var body models.BinanceDepthSnapshotResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return body.ToDepthSnapshot(symbol)
}

func (f *SnapshotFetcher) fetchRequestWeightLimit(ctx context.Context) (int64, error) {
	info, err := f.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}
