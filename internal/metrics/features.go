package metrics

import (
	"strings"
	"sync/atomic"

	"bookmirror/config"
)

type Feature int

const (
	FeatureUsedWeight Feature = iota
	FeatureChannelSize
	FeatureBookStats
	featureCount
)

var (
	metricsEnabled atomic.Bool
	features       [featureCount]atomic.Bool
)

func init() {
	Configure(config.MetricsConfig{Enabled: true, UsedWeight: true, ChannelSize: true, BookStats: true})
}

// Configure applies the metrics section. Disabled features are dropped at
// EmitMetric before logging.
func Configure(cfg config.MetricsConfig) {
	metricsEnabled.Store(cfg.Enabled)
	features[FeatureUsedWeight].Store(cfg.UsedWeight)
	features[FeatureChannelSize].Store(cfg.ChannelSize)
	features[FeatureBookStats].Store(cfg.BookStats)
}

func IsFeatureEnabled(f Feature) bool {
	if f < 0 || f >= featureCount {
		return false
	}
	return metricsEnabled.Load() && features[f].Load()
}

// featureFor maps a metric name to the feature gating it. Names outside any
// feature are governed by the global switch only.
func featureFor(metric string) (Feature, bool) {
	switch {
	case strings.HasPrefix(metric, "used_weight"):
		return FeatureUsedWeight, true
	case strings.HasSuffix(metric, "_buffer_length"):
		return FeatureChannelSize, true
	case strings.HasPrefix(metric, "book_"):
		return FeatureBookStats, true
	}
	return 0, false
}

func metricEnabled(metric string) bool {
	if !metricsEnabled.Load() {
		return false
	}
	if f, ok := featureFor(metric); ok {
		return features[f].Load()
	}
	return true
}
