package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookmirror/config"
	"bookmirror/internal/api"
	"bookmirror/internal/channel"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/processor"
	"bookmirror/reader/binance"
	"bookmirror/writer"
)

type component interface {
	Start(ctx context.Context) error
	Stop()
}

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookmirror.Name,
		"version": cfg.Bookmirror.Version,
		"market":  cfg.Source.Binance.Market,
		"symbols": cfg.Source.Binance.Symbols,
	}).WithEnv("APP_ENV").Info("starting bookmirror")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	metrics.Configure(cfg.Metrics)
	if cfg.Metrics.Enabled && cfg.Metrics.CloudWatch.Enabled {
		metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.Interval)
	}

	channels := channel.NewChannels(cfg.Channels.EventBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx, cfg.Metrics.Interval)

	src := cfg.Source.Binance

	var fetcher *binance.SnapshotFetcher
	var resync processor.Resyncer
	if src.Snapshot.Enabled {
		fetcher = binance.NewSnapshotFetcher(cfg, channels.Feed)
		resync = fetcher
	} else {
		log.WithComponent("main").Warn("snapshots disabled; books synchronise from diffs only")
	}

	books, err := processor.NewBookProcessor(cfg, channels.Feed.Events, resync)
	if err != nil {
		log.WithError(err).Error("failed to create book processor")
		os.Exit(1)
	}

	var feedReader component
	if src.Depth.Connection == "sdk" {
		feedReader = binance.NewFuturesReader(cfg, channels.Feed)
	} else {
		feedReader = binance.NewStreamReader(cfg, channels.Feed)
	}

	var depthWriter *writer.DepthWriter
	if cfg.Writer.Enabled {
		depthWriter, err = writer.NewDepthWriter(cfg, books)
		if err != nil {
			log.WithError(err).Error("failed to create depth writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("depth writer disabled")
	}

	apiServer, err := api.NewServer(cfg.API, log, books)
	if err != nil {
		log.WithError(err).Error("failed to create api server")
		os.Exit(1)
	}

	// Start consumers before producers so bootstrap snapshots are not dropped.
	started := []component{books}
	if fetcher != nil {
		started = append(started, fetcher)
	}
	started = append(started, feedReader)
	if depthWriter != nil {
		started = append(started, depthWriter)
	}

	for i, c := range started {
		if err := c.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start component")
			cancel()
			for j := i - 1; j >= 0; j-- {
				started[j].Stop()
			}
			os.Exit(1)
		}
	}

	var wg sync.WaitGroup
	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Run(ctx); err != nil {
				log.WithError(err).Error("api server stopped with error")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i].Stop()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("bookmirror stopped")
}
