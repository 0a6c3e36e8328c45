package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"bookmirror/config"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/orderbook"
	"bookmirror/processor"
)

// BookSource is the read side of the book processor.
type BookSource interface {
	Symbols() []string
	Book(symbol string) (*orderbook.Book, bool)
	Stats(symbol string) (processor.BookStats, bool)
}

// Server exposes the mirrored books and recent metrics/logs over HTTP.
type Server struct {
	cfg           config.APIConfig
	env           config.Environment
	log           *logger.Log
	books         BookSource
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the API is disabled.
func NewServer(cfg config.APIConfig, log *logger.Log, books BookSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if books == nil {
		return nil, errors.New("api server requires a book source")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 1000
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		env:           config.AppEnvironment(),
		log:           log,
		books:         books,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("api server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	if s.env.ProductionLike() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.health)

	books := router.Group("/api/books")
	books.GET("", s.listBooks)
	books.GET("/:symbol", s.withBook(s.bookSummary))
	books.GET("/:symbol/top", s.withBook(s.topOfBook))
	books.GET("/:symbol/volume", s.withBook(s.volumeAtPrice))
	books.GET("/:symbol/depth", s.withBook(s.depth))

	router.GET("/api/metrics", s.listMetrics)
	router.GET("/api/logs", s.listLogs)

	return router, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithComponent("api").WithFields(logger.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request served")
	}
}

func (s *Server) health(c *gin.Context) {
	symbols := s.books.Symbols()
	synced := 0
	for _, sym := range symbols {
		if b, ok := s.books.Book(sym); ok && b.State() == orderbook.Synchronized {
			synced++
		}
	}
	status := "ok"
	if synced < len(symbols) {
		status = "syncing"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"environment":  s.env,
		"books":        len(symbols),
		"synchronized": synced,
	})
}

func (s *Server) listBooks(c *gin.Context) {
	symbols := s.books.Symbols()
	out := make([]gin.H, 0, len(symbols))
	for _, sym := range symbols {
		if b, ok := s.books.Book(sym); ok {
			out = append(out, s.summarize(b.Snapshot()))
		}
	}
	c.JSON(http.StatusOK, gin.H{"books": out})
}

// withBook resolves :symbol to one published snapshot so a handler reads a
// single consistent view.
func (s *Server) withBook(fn func(*gin.Context, *orderbook.Snapshot)) gin.HandlerFunc {
	return func(c *gin.Context) {
		book, ok := s.books.Book(c.Param("symbol"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		fn(c, book.Snapshot())
	}
}

func (s *Server) summarize(snap *orderbook.Snapshot) gin.H {
	bids, asks := snap.Depth()
	h := gin.H{
		"symbol":         snap.Symbol(),
		"state":          snap.State().String(),
		"last_update_id": snap.LastUpdateID(),
		"bid_levels":     bids,
		"ask_levels":     asks,
	}
	if !snap.UpdatedAt().IsZero() {
		h["updated_at"] = snap.UpdatedAt().Format(time.RFC3339Nano)
	}
	if bba, ok := snap.BestBidAsk(); ok {
		h["best_bid_ask"] = bba
		h["spread"] = bba.Spread()
	}
	if stats, ok := s.books.Stats(snap.Symbol()); ok {
		h["stats"] = stats
	}
	return h
}

func (s *Server) bookSummary(c *gin.Context, snap *orderbook.Snapshot) {
	c.JSON(http.StatusOK, s.summarize(snap))
}

func (s *Server) topOfBook(c *gin.Context, snap *orderbook.Snapshot) {
	h := gin.H{"symbol": snap.Symbol(), "last_update_id": snap.LastUpdateID()}
	bba, ok := snap.BestBidAsk()
	if ok {
		h["bid"] = bba.Bid
		h["ask"] = bba.Ask
		h["spread"] = bba.Spread()
	}
	if top, hasTop := snap.TopOfBook(); hasTop {
		h["ticker"] = top
		ok = true
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "book has no two-sided quote"})
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) volumeAtPrice(c *gin.Context, snap *orderbook.Snapshot) {
	price := c.Query("price")
	if price == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price is required"})
		return
	}
	normalized, err := snap.NormalizePrice(price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qty, err := snap.VolumeAtPrice(price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":          snap.Symbol(),
		"price":           normalized,
		"requested_price": price,
		"quantity":        qty,
		"last_update_id":  snap.LastUpdateID(),
	})
}

func (s *Server) depth(c *gin.Context, snap *orderbook.Snapshot) {
	limit := s.cfg.MaxDepth
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n < limit {
			limit = n
		}
	}

	h := gin.H{"symbol": snap.Symbol(), "last_update_id": snap.LastUpdateID()}
	switch side := c.DefaultQuery("side", "both"); side {
	case "both":
		h["bids"] = snap.Levels(orderbook.Bid, limit)
		h["asks"] = snap.Levels(orderbook.Ask, limit)
	default:
		parsed, err := orderbook.ParseSide(side)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if parsed == orderbook.Bid {
			h["bids"] = snap.Levels(orderbook.Bid, limit)
		} else {
			h["asks"] = snap.Levels(orderbook.Ask, limit)
		}
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) listMetrics(c *gin.Context) {
	stored := s.metricStore.snapshot(c.Query("prefix"))
	payload := make([]gin.H, 0, len(stored))
	for _, m := range stored {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) listLogs(c *gin.Context) {
	minLevel := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		minLevel = lvl
	}

	stored := s.logStore.snapshot(minLevel)
	payload := make([]gin.H, 0, len(stored))
	for _, l := range stored {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level.String(),
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
