package feed

import (
	"context"
	"sync"

	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/models"
)

type ChannelStats struct {
	DepthSent       int64
	TickerSent      int64
	SnapshotSent    int64
	DepthDropped    int64
	TickerDropped   int64
	SnapshotDropped int64
}

// Channels carries every feed event to the single book writer. All symbols
// share one channel so per-symbol venue order is preserved.
type Channels struct {
	Events chan models.FeedEvent

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.FeedEvent, bufferSize),
		log:    log,
	}

	log.WithComponent("feed_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("feed channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Events)
		c.log.WithComponent("feed_channels").Info("feed channels closed")
	})
}

func (c *Channels) Len() int { return len(c.Events) }

func (c *Channels) Cap() int { return cap(c.Events) }

// Send enqueues a depth or ticker event without blocking. A full buffer drops
// the event; the consumer detects the resulting sequence gap.
func (c *Channels) Send(ctx context.Context, ev models.FeedEvent) bool {
	select {
	case c.Events <- ev:
		c.recordSent(ev.Kind)
		return true
	case <-ctx.Done():
		return false
	default:
		c.recordDropped(ev)
		return false
	}
}

// SendBlocking enqueues ev, waiting for room until ctx is done. Snapshots use
// it because a dropped snapshot would leave a gap unrepaired.
func (c *Channels) SendBlocking(ctx context.Context, ev models.FeedEvent) bool {
	select {
	case c.Events <- ev:
		c.recordSent(ev.Kind)
		return true
	case <-ctx.Done():
		c.recordDropped(ev)
		return false
	}
}

func (c *Channels) recordSent(kind models.FeedEventKind) {
	c.statsMutex.Lock()
	switch kind {
	case models.FeedDepth:
		c.stats.DepthSent++
	case models.FeedTicker:
		c.stats.TickerSent++
	case models.FeedSnapshot:
		c.stats.SnapshotSent++
	}
	c.statsMutex.Unlock()
}

func (c *Channels) recordDropped(ev models.FeedEvent) {
	var metric metrics.DropMetric
	c.statsMutex.Lock()
	switch ev.Kind {
	case models.FeedDepth:
		c.stats.DepthDropped++
		metric = metrics.DropMetricDepth
	case models.FeedTicker:
		c.stats.TickerDropped++
		metric = metrics.DropMetricTicker
	case models.FeedSnapshot:
		c.stats.SnapshotDropped++
		metric = metrics.DropMetricSnapshot
	}
	c.statsMutex.Unlock()

	if metric != "" {
		metrics.EmitDropMetric(c.log, metric, ev.Exchange, ev.Market, ev.Symbol)
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
