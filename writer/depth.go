package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	appconfig "bookmirror/config"
	"bookmirror/internal/metadata"
	"bookmirror/internal/metrics"
	"bookmirror/logger"
	"bookmirror/models"
	"bookmirror/orderbook"
)

const exchangeName = "binance"

// SnapshotSource exposes the published book views to sample.
type SnapshotSource interface {
	Snapshots() map[string]*orderbook.Snapshot
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DepthWriter samples the top of every synchronized book at a fixed interval
// and archives the levels to S3 as parquet. Samples are buffered per symbol
// and flushed on FlushInterval or when MaxBuffer records are pending.
type DepthWriter struct {
	cfg    *appconfig.Config
	source SnapshotSource
	s3     objectPutter
	market string
	table  *metadata.Table

	buffer      map[string][]models.DepthLevelRecord
	lastSampled map[string]uint64
	bufMu       sync.Mutex

	batches, records, written, failures atomic.Int64

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewDepthWriter builds a writer backed by an S3 client from the storage
// config. Static credentials are used when both keys are set.
func NewDepthWriter(cfg *appconfig.Config, source SnapshotSource) (*DepthWriter, error) {
	s3cfg := cfg.Storage.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})
	return newDepthWriter(cfg, source, client), nil
}

func newDepthWriter(cfg *appconfig.Config, source SnapshotSource, client objectPutter) *DepthWriter {
	w := &DepthWriter{
		cfg:         cfg,
		source:      source,
		s3:          client,
		market:      cfg.Source.Binance.Market,
		buffer:      make(map[string][]models.DepthLevelRecord),
		lastSampled: make(map[string]uint64),
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
	}
	if cfg.Writer.Manifest {
		prefix := strings.Trim(cfg.Storage.S3.Prefix, "/")
		location := strings.TrimSuffix("s3://"+path.Join(cfg.Storage.S3.Bucket, prefix), "/")
		w.table = metadata.NewTable("depth", location, prefix, 0)
	}
	return w
}

func (w *DepthWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("depth writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.wg.Add(3)
	go w.sampleLoop()
	go w.flushLoop()
	go w.metricsReporter()

	w.log.WithComponent("depth_writer").WithFields(logger.Fields{
		"interval":       w.cfg.Writer.Interval.String(),
		"flush_interval": w.cfg.Writer.FlushInterval.String(),
		"top_n":          w.cfg.Writer.TopN,
		"bucket":         w.cfg.Storage.S3.Bucket,
	}).Info("depth writer started")
	return nil
}

// Stop waits for the loops and uploads whatever is still buffered.
func (w *DepthWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	w.flushBuffers()
	w.log.WithComponent("depth_writer").Info("depth writer stopped")
}

func (w *DepthWriter) sampleLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Writer.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case now := <-ticker.C:
			w.sample(now)
		}
	}
}

// sample buffers the top levels of every synchronized book that moved since
// the previous sample.
func (w *DepthWriter) sample(now time.Time) {
	snaps := w.source.Snapshots()
	symbols := make([]string, 0, len(snaps))
	for s := range snaps {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		snap := snaps[symbol]
		if snap.State() != orderbook.Synchronized {
			continue
		}

		w.bufMu.Lock()
		if last, ok := w.lastSampled[symbol]; ok && last == snap.LastUpdateID() {
			w.bufMu.Unlock()
			continue
		}
		w.lastSampled[symbol] = snap.LastUpdateID()
		w.buffer[symbol] = append(w.buffer[symbol], w.buildRecords(snap, now)...)
		size := len(w.buffer[symbol])
		w.bufMu.Unlock()

		if limit := w.cfg.Writer.MaxBuffer; limit > 0 && size >= limit {
			w.flushSymbol(symbol)
		}
	}
}

func (w *DepthWriter) buildRecords(snap *orderbook.Snapshot, now time.Time) []models.DepthLevelRecord {
	topN := w.cfg.Writer.TopN
	bids := snap.Levels(orderbook.Bid, topN)
	asks := snap.Levels(orderbook.Ask, topN)

	out := make([]models.DepthLevelRecord, 0, len(bids)+len(asks))
	add := func(side orderbook.Side, levels []orderbook.DecimalLevel) {
		for i, l := range levels {
			out = append(out, models.DepthLevelRecord{
				Exchange:     exchangeName,
				Market:       w.market,
				Symbol:       snap.Symbol(),
				Timestamp:    now.UnixMilli(),
				LastUpdateID: snap.LastUpdateID(),
				Side:         side.String(),
				Price:        l.Price.String(),
				Quantity:     l.Quantity.String(),
				Level:        i + 1,
			})
		}
	}
	add(orderbook.Bid, bids)
	add(orderbook.Ask, asks)
	return out
}

func (w *DepthWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Writer.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flushBuffers()
		}
	}
}

func (w *DepthWriter) flushSymbol(symbol string) {
	w.bufMu.Lock()
	records := w.buffer[symbol]
	delete(w.buffer, symbol)
	w.bufMu.Unlock()

	if len(records) > 0 {
		w.writeBatch(w.newBatch(symbol, records))
	}
}

func (w *DepthWriter) flushBuffers() {
	w.bufMu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.DepthLevelRecord)
	w.bufMu.Unlock()

	for symbol, records := range buffers {
		if len(records) > 0 {
			w.writeBatch(w.newBatch(symbol, records))
		}
	}
}

func (w *DepthWriter) newBatch(symbol string, records []models.DepthLevelRecord) models.DepthBatch {
	return models.DepthBatch{
		BatchID:     uuid.New().String(),
		Exchange:    exchangeName,
		Market:      w.market,
		Symbol:      symbol,
		Records:     records,
		RecordCount: len(records),
		Timestamp:   time.Now().UTC(),
	}
}

func (w *DepthWriter) writeBatch(batch models.DepthBatch) {
	log := w.log.WithComponent("depth_writer").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"symbol":   batch.Symbol,
	})

	start := time.Now()
	data, err := createParquet(batch.Records)
	if err != nil {
		w.failures.Add(1)
		log.WithError(err).Error("create parquet failed")
		return
	}

	key := w.s3Key(batch)
	if err := w.put(key, data, "application/vnd.apache.parquet"); err != nil {
		w.failures.Add(1)
		log.WithError(err).Error("upload to s3 failed")
		return
	}

	w.batches.Add(1)
	w.records.Add(int64(batch.RecordCount))
	w.written.Add(int64(len(data)))
	logger.IncrementS3Write()

	duration := time.Since(start)
	fields := logger.Fields{
		"s3_key":      key,
		"records":     batch.RecordCount,
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(len(data)) / duration.Seconds()
	}
	log.WithFields(fields).Info("depth batch uploaded")

	if w.table != nil {
		w.updateManifest(key, batch, int64(len(data)))
	}
}

// updateManifest records an uploaded batch in the table metadata. Failures
// leave the data file in place and are only logged.
func (w *DepthWriter) updateManifest(key string, batch models.DepthBatch, size int64) {
	ts := batch.Timestamp
	objects, err := w.table.AddFile(metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", w.cfg.Storage.S3.Bucket, key),
		FileSize:    size,
		RecordCount: int64(batch.RecordCount),
		Partition: map[string]any{
			"exchange": batch.Exchange,
			"market":   batch.Market,
			"symbol":   batch.Symbol,
			"year":     ts.Year(),
			"month":    int(ts.Month()),
			"day":      ts.Day(),
			"hour":     ts.Hour(),
		},
		Timestamp: ts,
	})
	if err != nil {
		w.log.WithComponent("depth_writer").WithError(err).Warn("build manifest failed")
		return
	}
	for _, obj := range objects {
		if err := w.put(obj.Key, obj.Body, "application/json"); err != nil {
			w.log.WithComponent("depth_writer").WithError(err).WithFields(logger.Fields{"s3_key": obj.Key}).Warn("upload manifest failed")
			return
		}
	}
}

func (w *DepthWriter) put(key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), 30*time.Second)
	defer cancel()
	_, err := w.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	return err
}

// Stats reports the writer counters and the number of buffered records.
func (w *DepthWriter) Stats() metrics.WriterStats {
	w.bufMu.Lock()
	buffered := 0
	for _, r := range w.buffer {
		buffered += len(r)
	}
	w.bufMu.Unlock()

	return metrics.WriterStats{
		BatchesWritten: w.batches.Load(),
		RecordsWritten: w.records.Load(),
		BytesWritten:   w.written.Load(),
		ErrorsCount:    w.failures.Load(),
		Buffered:       buffered,
	}
}

func (w *DepthWriter) metricsReporter() {
	defer w.wg.Done()
	interval := w.cfg.Metrics.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportWriter(w.log, "depth_writer", w.Stats())
		}
	}
}

// s3Key renders <prefix>/<additional keys>/<time format>/depth_<exchange>_<symbol>_<nanos>.parquet.
func (w *DepthWriter) s3Key(batch models.DepthBatch) string {
	ts := batch.Timestamp

	var parts []string
	if p := strings.Trim(w.cfg.Storage.S3.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	for _, k := range w.cfg.Writer.Partitioning.AdditionalKeys {
		switch k {
		case "exchange":
			parts = append(parts, "exchange="+batch.Exchange)
		case "market":
			parts = append(parts, "market="+batch.Market)
		case "symbol":
			parts = append(parts, "symbol="+batch.Symbol)
		}
	}

	timePath := strings.NewReplacer(
		"{year}", fmt.Sprintf("%04d", ts.Year()),
		"{month}", fmt.Sprintf("%02d", int(ts.Month())),
		"{day}", fmt.Sprintf("%02d", ts.Day()),
		"{hour}", fmt.Sprintf("%02d", ts.Hour()),
	).Replace(w.cfg.Writer.Partitioning.TimeFormat)
	if timePath != "" {
		parts = append(parts, timePath)
	}

	filename := fmt.Sprintf("depth_%s_%s_%d.parquet", batch.Exchange, batch.Symbol, ts.UnixNano())
	return path.Join(append(parts, filename)...)
}
