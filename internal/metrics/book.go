package metrics

import (
	"context"
	"time"

	"bookmirror/logger"
)

// DropMetric names a dropped-event counter.
type DropMetric string

const (
	DropMetricDepth    DropMetric = "depth_events_dropped"
	DropMetricTicker   DropMetric = "ticker_events_dropped"
	DropMetricSnapshot DropMetric = "snapshot_events_dropped"
)

// EmitDropMetric records one dropped feed event.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, market, symbol string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if market != "" {
		fields["market"] = market
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	EmitMetric(log, "feed_channel", string(metric), 1, "counter", fields)
}

// BookStats is a point-in-time summary of one book.
type BookStats struct {
	Symbol       string
	LastUpdateID uint64
	BidLevels    int
	AskLevels    int
	Spread       float64
	HasSpread    bool
	Applied      int64
	Stale        int64
	Invalid      int64
	Gaps         int64
	Superseded   int64
}

// ReportBook emits gauges and counters for one book.
func ReportBook(log *logger.Log, stats BookStats) {
	fields := logger.Fields{"symbol": stats.Symbol}
	EmitMetric(log, "book", "book_bid_levels", stats.BidLevels, "gauge", fields)
	EmitMetric(log, "book", "book_ask_levels", stats.AskLevels, "gauge", fields)
	EmitMetric(log, "book", "book_applied_events", stats.Applied, "counter", fields)
	EmitMetric(log, "book", "book_stale_events", stats.Stale, "counter", fields)
	EmitMetric(log, "book", "book_invalid_events", stats.Invalid, "counter", fields)
	EmitMetric(log, "book", "book_sequence_gaps", stats.Gaps, "counter", fields)
	EmitMetric(log, "book", "book_superseded_snapshots", stats.Superseded, "counter", fields)
	if stats.HasSpread {
		EmitMetric(log, "book", "book_spread", stats.Spread, "gauge", fields)
	}
}

// Buffer is anything with a length and capacity, e.g. a buffered channel
// wrapper.
type Buffer interface {
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits the occupancy of each named buffer every
// interval until ctx is cancelled.
func StartChannelSizeMetrics(ctx context.Context, buffers map[string]Buffer, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) || len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, b := range buffers {
					EmitMetric(log, "channel_buffers", name+"_buffer_length", b.Len(), "gauge", logger.Fields{
						"buffer":   name,
						"capacity": b.Cap(),
					})
				}
			}
		}
	}()
}

// WriterStats holds counters for the archive writer.
type WriterStats struct {
	BatchesWritten int64
	RecordsWritten int64
	BytesWritten   int64
	ErrorsCount    int64
	Buffered       int
}

// ReportWriter emits writer counters and logs a summary line, at warn level
// when uploads have failed.
func ReportWriter(log *logger.Log, component string, stats WriterStats) {
	errorRate := float64(0)
	if stats.BatchesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.BatchesWritten+stats.ErrorsCount)
	}

	EmitMetric(log, component, "batches_written", stats.BatchesWritten, "counter", nil)
	EmitMetric(log, component, "records_written", stats.RecordsWritten, "counter", nil)
	EmitMetric(log, component, "bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "errors_count", stats.ErrorsCount, "counter", nil)
	EmitMetric(log, component, "error_rate", errorRate, "gauge", nil)

	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent(component).WithFields(logger.Fields{
		"batches_written": stats.BatchesWritten,
		"records_written": stats.RecordsWritten,
		"bytes_written":   stats.BytesWritten,
		"errors_count":    stats.ErrorsCount,
		"error_rate":      errorRate,
		"buffered":        stats.Buffered,
	})
	if stats.ErrorsCount > 0 {
		entry.Warn(component + " metrics")
		return
	}
	entry.Info(component + " metrics")
}
