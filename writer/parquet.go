package writer

import (
	"bytes"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"bookmirror/models"
)

// depthRecord is the parquet schema of one archived price level. Prices and
// quantities stay decimal strings so no precision is lost.
type depthRecord struct {
	Exchange     string `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market       string `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LastUpdateID int64  `parquet:"name=last_update_id, type=INT64"`
	Side         string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity     string `parquet:"name=quantity, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level        int32  `parquet:"name=level, type=INT32"`
}

// memFileWriter lets parquet-go write into memory before the S3 upload.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

func createParquet(records []models.DepthLevelRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(depthRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range records {
		rec := depthRecord{
			Exchange:     r.Exchange,
			Market:       r.Market,
			Symbol:       r.Symbol,
			Timestamp:    r.Timestamp,
			LastUpdateID: int64(r.LastUpdateID),
			Side:         r.Side,
			Price:        r.Price,
			Quantity:     r.Quantity,
			Level:        int32(r.Level),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}
