package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"bookmirror/internal/symbols"
)

const defaultConfigPath = "config/config.yml"

type Config struct {
	Bookmirror BookmirrorConfig `yaml:"bookmirror"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Book       BookConfig       `yaml:"book"`
	Source     SourceConfig     `yaml:"source"`
	API        APIConfig        `yaml:"api"`
	Writer     WriterConfig     `yaml:"writer"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookmirrorConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled     bool             `yaml:"enabled"`
	UsedWeight  bool             `yaml:"used_weight"`
	ChannelSize bool             `yaml:"channel_size"`
	BookStats   bool             `yaml:"book_stats"`
	Interval    time.Duration    `yaml:"interval"`
	CloudWatch  CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

// BookConfig controls the fixed-point scales and ticker handling of every
// book.
type BookConfig struct {
	PriceDecimals    int           `yaml:"price_decimals"`
	QuantityDecimals int           `yaml:"quantity_decimals"`
	TickerMode       string        `yaml:"ticker_mode"`
	ReportDepth      int           `yaml:"report_depth"`
	ReportInterval   time.Duration `yaml:"report_interval"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	// Market is "future" or "spot".
	Market         string                `yaml:"market"`
	Symbols        []string              `yaml:"symbols"`
	LocalIP        string                `yaml:"local_ip"`
	Timeout        time.Duration         `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig  `yaml:"connection_pool"`
	Depth          BinanceDepthConfig    `yaml:"depth"`
	BookTicker     BinanceTickerConfig   `yaml:"book_ticker"`
	Snapshot       BinanceSnapshotConfig `yaml:"snapshot"`
}

type BinanceDepthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Connection selects the transport: "sdk" (go-binance) or "websocket".
	Connection string          `yaml:"connection"`
	URL        string          `yaml:"url"`
	IntervalMs int             `yaml:"interval_ms"`
	Reconnect  ReconnectConfig `yaml:"reconnect"`
}

type BinanceTickerConfig struct {
	Enabled bool `yaml:"enabled"`
}

type BinanceSnapshotConfig struct {
	Enabled           bool    `yaml:"enabled"`
	URL               string  `yaml:"url"`
	Limit             int     `yaml:"limit"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Factor   float64       `yaml:"factor"`
}

type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	LogHistory     int    `yaml:"log_history"`
	MetricsHistory int    `yaml:"metrics_history"`
	MaxDepth       int    `yaml:"max_depth"`
}

type WriterConfig struct {
	Enabled       bool               `yaml:"enabled"`
	Interval      time.Duration      `yaml:"interval"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	TopN          int                `yaml:"top_n"`
	MaxBuffer     int                `yaml:"max_buffer"`
	Manifest      bool               `yaml:"manifest"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func defaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:     true,
			UsedWeight:  true,
			ChannelSize: true,
			BookStats:   true,
			Interval:    10 * time.Second,
		},
		Channels: ChannelsConfig{EventBuffer: 4096},
		Book: BookConfig{
			PriceDecimals:    8,
			QuantityDecimals: 8,
			TickerMode:       "separate",
			ReportDepth:      5,
			ReportInterval:   30 * time.Second,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Market:  "future",
				Timeout: 10 * time.Second,
				Depth: BinanceDepthConfig{
					Enabled:    true,
					Connection: "sdk",
					IntervalMs: 100,
					Reconnect: ReconnectConfig{
						MinDelay: 500 * time.Millisecond,
						MaxDelay: 30 * time.Second,
						Factor:   2,
					},
				},
				Snapshot: BinanceSnapshotConfig{
					Limit:             1000,
					RequestsPerSecond: 1,
					BurstSize:         1,
				},
			},
		},
		API: APIConfig{Address: "0.0.0.0:8080", MaxDepth: 1000},
		Writer: WriterConfig{
			Interval:      time.Second,
			FlushInterval: time.Minute,
			TopN:          20,
			Partitioning:  PartitioningConfig{TimeFormat: "{year}/{month}/{day}/{hour}"},
		},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// LoadConfig reads path (or the APP_ENV specific file when path is the
// default), applies environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	path = resolveConfigPath(path, AppEnvironment())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BOOKMIRROR_SYMBOLS"); v != "" {
		config.Source.Binance.Symbols = splitSymbols(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	for i, s := range config.Source.Binance.Symbols {
		config.Source.Binance.Symbols[i] = symbols.Normalize(s)
	}
}

func splitSymbols(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Bookmirror.Name == "" {
		return fmt.Errorf("bookmirror.name is required")
	}
	if cfg.Bookmirror.Version == "" {
		return fmt.Errorf("bookmirror.version is required")
	}
	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Book.PriceDecimals < 0 || cfg.Book.PriceDecimals > 18 {
		return fmt.Errorf("book.price_decimals must be between 0 and 18")
	}
	if cfg.Book.QuantityDecimals < 0 || cfg.Book.QuantityDecimals > 18 {
		return fmt.Errorf("book.quantity_decimals must be between 0 and 18")
	}
	switch strings.ToLower(cfg.Book.TickerMode) {
	case "", "separate", "merge":
	default:
		return fmt.Errorf("book.ticker_mode '%s' is invalid", cfg.Book.TickerMode)
	}

	src := cfg.Source.Binance
	if len(src.Symbols) == 0 {
		return fmt.Errorf("source.binance.symbols must not be empty")
	}
	switch src.Market {
	case "future", "spot":
	default:
		return fmt.Errorf("source.binance.market '%s' is invalid", src.Market)
	}
	switch src.Depth.Connection {
	case "sdk", "websocket":
	default:
		return fmt.Errorf("source.binance.depth.connection '%s' is invalid", src.Depth.Connection)
	}
	if src.Depth.Connection == "sdk" && src.Market != "future" {
		return fmt.Errorf("source.binance.depth.connection 'sdk' requires market 'future'")
	}
	if src.Depth.Enabled && src.Depth.Connection == "websocket" && src.Depth.URL == "" {
		return fmt.Errorf("source.binance.depth.url is required for websocket connection")
	}
	if env := AppEnvironment(); !src.Snapshot.Enabled && env.ProductionLike() {
		return fmt.Errorf("source.binance.snapshot.enabled is required in %s", env)
	}
	if src.Snapshot.Enabled {
		if src.Snapshot.URL == "" {
			return fmt.Errorf("source.binance.snapshot.url is required when snapshots are enabled")
		}
		if src.Snapshot.RequestsPerSecond <= 0 {
			return fmt.Errorf("source.binance.snapshot.requests_per_second must be greater than 0")
		}
	}

	if cfg.Writer.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("writer.enabled requires storage.s3.enabled")
		}
		if cfg.Writer.Interval <= 0 || cfg.Writer.FlushInterval <= 0 {
			return fmt.Errorf("writer.interval and writer.flush_interval must be greater than 0")
		}
		if cfg.Writer.TopN <= 0 {
			return fmt.Errorf("writer.top_n must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
