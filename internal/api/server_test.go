package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bookmirror/config"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/models"
	"bookmirror/processor"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                          "0.0.0.0:8080",
		"  :9090  ":                 "0.0.0.0:9090",
		"localhost":                 "localhost:8080",
		"0.0.0.0:80":                "0.0.0.0:80",
		"[::1]:443":                 "[::1]:443",
		"::1":                       "[::1]:8080",
		"*:8080":                    "0.0.0.0:8080",
		"http://10.0.0.7:8080":      "10.0.0.7:8080",
		"https://10.0.0.7":          "10.0.0.7:8080",
		"http://:7070":              "0.0.0.0:7070",
		"tcp://localhost:5050":      "localhost:5050",
		"https://books.example.com": "books.example.com:8080",
	}
	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.APIConfig{}, logger.Logger(), nil)
	if err != nil || srv != nil {
		t.Fatalf("expected nil server for disabled api, got %v %v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server should report empty address")
	}
}

func TestNewServerRequiresBooks(t *testing.T) {
	if _, err := NewServer(config.APIConfig{Enabled: true}, logger.Logger(), nil); err == nil {
		t.Fatal("expected error without a book source")
	}
}

func newTestServer(t *testing.T) (*Server, *gin.Engine, *processor.BookProcessor) {
	t.Helper()
	cfg := &config.Config{
		Book: config.BookConfig{PriceDecimals: 8, QuantityDecimals: 8, TickerMode: "separate"},
		Source: config.SourceConfig{Binance: config.BinanceSourceConfig{
			Market:  models.MarketFutures,
			Symbols: []string{"BTCUSDT", "ETHUSDT"},
		}},
	}
	proc, err := processor.NewBookProcessor(cfg, make(chan models.FeedEvent), nil)
	if err != nil {
		t.Fatalf("processor: %v", err)
	}

	book, _ := proc.Book("BTCUSDT")
	applied, err := book.ApplySnapshot(models.DepthSnapshot{
		Symbol:       "BTCUSDT",
		LastUpdateID: 100,
		Bids:         []models.Level{{Price: "100", Quantity: "1.5"}, {Price: "99.5", Quantity: "2"}, {Price: "99", Quantity: "3"}},
		Asks:         []models.Level{{Price: "101", Quantity: "0.5"}, {Price: "102", Quantity: "4"}},
	})
	if err != nil || !applied {
		t.Fatalf("seed snapshot: applied=%v err=%v", applied, err)
	}

	srv, err := NewServer(config.APIConfig{Enabled: true, Address: ":0", MaxDepth: 2, LogHistory: 10, MetricsHistory: 10}, logger.Logger(), proc)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.cleanup)

	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter: %v", err)
	}
	return srv, router, proc
}

func get(t *testing.T, router http.Handler, path string, wantStatus int) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != wantStatus {
		t.Fatalf("GET %s: status %d, want %d (body %s)", path, res.Code, wantStatus, res.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return body
}

func TestHealthReportsSyncProgress(t *testing.T) {
	_, router, _ := newTestServer(t)
	body := get(t, router, "/healthz", http.StatusOK)
	if body["status"] != "syncing" || body["books"].(float64) != 2 || body["synchronized"].(float64) != 1 {
		t.Fatalf("unexpected health: %v", body)
	}
	if body["environment"] != "development" {
		t.Fatalf("unexpected environment: %v", body["environment"])
	}
}

func TestHealthReportsEnvironmentAlias(t *testing.T) {
	t.Setenv("APP_ENV", "stage")
	_, router, _ := newTestServer(t)
	body := get(t, router, "/healthz", http.StatusOK)
	if body["environment"] != "staging" {
		t.Fatalf("unexpected environment: %v", body["environment"])
	}
	if gin.Mode() != gin.ReleaseMode {
		t.Fatalf("staging should run gin in release mode, got %s", gin.Mode())
	}
}

func TestListBooks(t *testing.T) {
	_, router, _ := newTestServer(t)
	body := get(t, router, "/api/books", http.StatusOK)
	books := body["books"].([]interface{})
	if len(books) != 2 {
		t.Fatalf("expected 2 books, got %d", len(books))
	}
	btc := books[0].(map[string]interface{})
	if btc["symbol"] != "BTCUSDT" || btc["state"] != "synchronized" || btc["last_update_id"].(float64) != 100 {
		t.Fatalf("unexpected summary: %v", btc)
	}
	if btc["spread"] != "1" {
		t.Fatalf("unexpected spread: %v", btc["spread"])
	}
	eth := books[1].(map[string]interface{})
	if eth["state"] != "uninitialized" {
		t.Fatalf("unexpected eth state: %v", eth["state"])
	}
	if _, ok := eth["best_bid_ask"]; ok {
		t.Fatal("empty book must not report a best bid/ask")
	}
}

func TestTopOfBook(t *testing.T) {
	_, router, _ := newTestServer(t)
	body := get(t, router, "/api/books/btcusdt/top", http.StatusOK)
	bid := body["bid"].(map[string]interface{})
	ask := body["ask"].(map[string]interface{})
	if bid["price"] != "100" || bid["quantity"] != "1.5" || ask["price"] != "101" {
		t.Fatalf("unexpected top: %v", body)
	}

	get(t, router, "/api/books/ETHUSDT/top", http.StatusNotFound)
	get(t, router, "/api/books/XRPUSDT/top", http.StatusNotFound)
}

func TestVolumeAtPrice(t *testing.T) {
	_, router, _ := newTestServer(t)
	body := get(t, router, "/api/books/BTCUSDT/volume?price=99.50", http.StatusOK)
	if body["quantity"] != "2" || body["price"] != "99.5" || body["requested_price"] != "99.50" {
		t.Fatalf("unexpected volume: %v", body)
	}
	body = get(t, router, "/api/books/BTCUSDT/volume?price=99.500000009", http.StatusOK)
	if body["price"] != "99.5" || body["quantity"] != "2" {
		t.Fatalf("price beyond precision should be truncated, got %v", body)
	}
	body = get(t, router, "/api/books/BTCUSDT/volume?price=98", http.StatusOK)
	if body["quantity"] != "0" {
		t.Fatalf("absent level should report zero, got %v", body)
	}
	get(t, router, "/api/books/BTCUSDT/volume", http.StatusBadRequest)
	get(t, router, "/api/books/BTCUSDT/volume?price=abc", http.StatusBadRequest)
}

func TestDepthIsCappedAndOrdered(t *testing.T) {
	_, router, _ := newTestServer(t)

	body := get(t, router, "/api/books/BTCUSDT/depth", http.StatusOK)
	bids := body["bids"].([]interface{})
	if len(bids) != 2 {
		t.Fatalf("max depth not applied: %d bids", len(bids))
	}
	if bids[0].(map[string]interface{})["price"] != "100" || bids[1].(map[string]interface{})["price"] != "99.5" {
		t.Fatalf("bids not best first: %v", bids)
	}

	body = get(t, router, "/api/books/BTCUSDT/depth?side=ask&limit=1", http.StatusOK)
	if _, ok := body["bids"]; ok {
		t.Fatal("ask-only request returned bids")
	}
	asks := body["asks"].([]interface{})
	if len(asks) != 1 || asks[0].(map[string]interface{})["price"] != "101" {
		t.Fatalf("unexpected asks: %v", asks)
	}

	get(t, router, "/api/books/BTCUSDT/depth?side=middle", http.StatusBadRequest)
	get(t, router, "/api/books/BTCUSDT/depth?limit=-1", http.StatusBadRequest)
}

func TestMetricsEndpointFiltersByPrefix(t *testing.T) {
	srv, router, _ := newTestServer(t)
	log := logger.Logger()

	metrics.EmitMetric(log, "book_processor", "book_bid_levels", 3, "gauge", logger.Fields{"symbol": "BTCUSDT"})
	metrics.EmitMetric(log, "channels", "feed_buffer_length", 5, "gauge", nil)

	if len(srv.metricStore.snapshot("")) < 2 {
		t.Fatal("metric store did not capture emitted metrics")
	}
	body := get(t, router, "/api/metrics?prefix=book_", http.StatusOK)
	for _, m := range body["metrics"].([]interface{}) {
		if name := m.(map[string]interface{})["name"].(string); name[:5] != "book_" {
			t.Fatalf("prefix filter leaked %q", name)
		}
	}
}

func TestLogsEndpointLevelFilter(t *testing.T) {
	srv, router, _ := newTestServer(t)
	srv.log.WithComponent("test").Warn("level warn")
	srv.log.WithComponent("test").Info("level info")

	body := get(t, router, "/api/logs?level=warning", http.StatusOK)
	logs := body["logs"].([]interface{})
	for _, l := range logs {
		if lvl := l.(map[string]interface{})["level"]; lvl != "warning" && lvl != "error" && lvl != "fatal" && lvl != "panic" {
			t.Fatalf("level filter leaked %v", lvl)
		}
	}
	if len(logs) == 0 {
		t.Fatal("expected the warning to be captured")
	}
	get(t, router, "/api/logs?level=loud", http.StatusBadRequest)
}
