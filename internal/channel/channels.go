package channel

import (
	"context"
	"time"

	"bookmirror/internal/channel/feed"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
)

type Channels struct {
	Feed *feed.Channels
}

func NewChannels(eventBufferSize int) *Channels {
	return &Channels{
		Feed: feed.NewChannels(eventBufferSize),
	}
}

// StartMetricsReporting logs channel statistics every interval and emits
// buffer occupancy gauges.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	metrics.StartChannelSizeMetrics(ctx, map[string]metrics.Buffer{"feed": c.Feed}, interval)

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats(log)
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	stats := c.Feed.GetStats()
	log.WithComponent("channels").WithFields(logger.Fields{
		"depth_sent":       stats.DepthSent,
		"ticker_sent":      stats.TickerSent,
		"snapshot_sent":    stats.SnapshotSent,
		"depth_dropped":    stats.DepthDropped,
		"ticker_dropped":   stats.TickerDropped,
		"snapshot_dropped": stats.SnapshotDropped,
		"feed_channel_len": c.Feed.Len(),
		"feed_channel_cap": c.Feed.Cap(),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.Feed != nil {
		c.Feed.Close()
	}
}
