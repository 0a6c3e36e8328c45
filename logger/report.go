package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type streamStat struct {
	messages int64
	entries  int64
}

var (
	errorsFeed     int64
	errorsWriter   int64
	warnsFeed      int64
	warnsWriter    int64
	depthReads     int64
	tickerReads    int64
	snapshotReads  int64
	appliedEvents  int64
	staleEvents    int64
	invalidEvents  int64
	resyncRequests int64
	s3Writes       int64
	streams        sync.Map // map[string]*streamStat
)

func recordWarn(component string) {
	if strings.Contains(component, "writer") {
		atomic.AddInt64(&warnsWriter, 1)
	} else {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "writer") {
		atomic.AddInt64(&errorsWriter, 1)
	} else {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

func IncrementDepthRead(entries int) {
	atomic.AddInt64(&depthReads, 1)
	recordStream("depth", entries)
}

func IncrementTickerRead() {
	atomic.AddInt64(&tickerReads, 1)
	recordStream("book_ticker", 2)
}

func IncrementSnapshotRead(entries int) {
	atomic.AddInt64(&snapshotReads, 1)
	recordStream("snapshot", entries)
}

func IncrementApplied() { atomic.AddInt64(&appliedEvents, 1) }

func IncrementStale() { atomic.AddInt64(&staleEvents, 1) }

func IncrementInvalid() { atomic.AddInt64(&invalidEvents, 1) }

func IncrementResync() { atomic.AddInt64(&resyncRequests, 1) }

func IncrementS3Write() { atomic.AddInt64(&s3Writes, 1) }

func recordStream(name string, entries int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.entries, int64(entries))
}

// ReportFields returns the current counters.
func ReportFields() Fields {
	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&st.messages),
			"entries":  atomic.LoadInt64(&st.entries),
		}
		return true
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Fields{
		"errors_feed":     atomic.LoadInt64(&errorsFeed),
		"errors_writer":   atomic.LoadInt64(&errorsWriter),
		"warns_feed":      atomic.LoadInt64(&warnsFeed),
		"warns_writer":    atomic.LoadInt64(&warnsWriter),
		"depth_reads":     atomic.LoadInt64(&depthReads),
		"ticker_reads":    atomic.LoadInt64(&tickerReads),
		"snapshot_reads":  atomic.LoadInt64(&snapshotReads),
		"applied_events":  atomic.LoadInt64(&appliedEvents),
		"stale_events":    atomic.LoadInt64(&staleEvents),
		"invalid_events":  atomic.LoadInt64(&invalidEvents),
		"resync_requests": atomic.LoadInt64(&resyncRequests),
		"s3_writes":       atomic.LoadInt64(&s3Writes),
		"goroutines":      runtime.NumGoroutine(),
		"heap_alloc_mb":   int64(mem.HeapAlloc) / 1024 / 1024,
		"streams":         streamData,
	}
}

// StartReport begins periodic logging of feed counters.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(ReportFields()).Info("runtime report")
			}
		}
	}()
}
