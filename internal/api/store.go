package api

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bookmirror/internal/metrics"
)

const defaultHistory = 200

// ring keeps the most recent limit items in insertion order.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &ring[T]{items: make([]T, limit)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.items[r.next] = v
	r.next = (r.next + 1) % len(r.items)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// collect returns matching items oldest first.
func (r *ring[T]) collect(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ordered []T
	if r.full {
		ordered = append(append(ordered, r.items[r.next:]...), r.items[:r.next]...)
	} else {
		ordered = r.items[:r.next]
	}

	out := make([]T, 0, len(ordered))
	for _, v := range ordered {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// metricStore retains the latest metrics emitted through metrics.EmitMetric.
type metricStore struct {
	items *ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{items: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.items.push(metric)
}

// snapshot returns stored metrics, optionally restricted to names with the
// given prefix.
func (s *metricStore) snapshot(prefix string) []metrics.Metric {
	if prefix == "" {
		return s.items.collect(nil)
	}
	return s.items.collect(func(m metrics.Metric) bool {
		return strings.HasPrefix(m.Name, prefix)
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     logrus.Level           `json:"-"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook holding recent log entries for /api/logs.
type logStore struct {
	items   *ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{items: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level,
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			record.Component, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.items.push(record)
	return nil
}

// snapshot returns records at least as severe as minLevel.
func (s *logStore) snapshot(minLevel logrus.Level) []logRecord {
	return s.items.collect(func(r logRecord) bool {
		return r.Level <= minLevel
	})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
