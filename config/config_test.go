package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `bookmirror:
  name: "TestApp"
  version: "1.0"
source:
  binance:
    symbols: ["btcusdt", " ethusdt "]
`

// writeTempConfig writes content to a temporary file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("BOOKMIRROR_SYMBOLS", "")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Bookmirror.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Bookmirror.Name)
	}
	if got := cfg.Source.Binance.Symbols; len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Errorf("symbols not normalised: %v", got)
	}
	if cfg.Book.PriceDecimals != 8 || cfg.Book.QuantityDecimals != 8 {
		t.Errorf("unexpected default scales: %d/%d", cfg.Book.PriceDecimals, cfg.Book.QuantityDecimals)
	}
	if cfg.Book.TickerMode != "separate" {
		t.Errorf("unexpected ticker mode: %s", cfg.Book.TickerMode)
	}
	if cfg.Channels.EventBuffer != 4096 {
		t.Errorf("unexpected event buffer: %d", cfg.Channels.EventBuffer)
	}
	if cfg.Source.Binance.Depth.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("unexpected reconnect max delay: %s", cfg.Source.Binance.Depth.Reconnect.MaxDelay)
	}
}

func TestLoadConfigSymbolsFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("BOOKMIRROR_SYMBOLS", "solusdt, ,XRP-USDT")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Source.Binance.Symbols; len(got) != 2 || got[0] != "SOLUSDT" || got[1] != "XRPUSDT" {
		t.Errorf("unexpected symbols: %v", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("APP_ENV", "")

	valid := func() Config {
		cfg := defaultConfig()
		cfg.Bookmirror = BookmirrorConfig{Name: "x", Version: "1"}
		cfg.Source.Binance.Symbols = []string{"BTCUSDT"}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no symbols", func(c *Config) { c.Source.Binance.Symbols = nil }, "symbols"},
		{"bad decimals", func(c *Config) { c.Book.PriceDecimals = 19 }, "price_decimals"},
		{"bad ticker mode", func(c *Config) { c.Book.TickerMode = "both" }, "ticker_mode"},
		{"bad market", func(c *Config) { c.Source.Binance.Market = "margin" }, "market"},
		{"sdk on spot", func(c *Config) { c.Source.Binance.Market = "spot" }, "requires market"},
		{"websocket without url", func(c *Config) { c.Source.Binance.Depth.Connection = "websocket" }, "depth.url"},
		{"snapshot without url", func(c *Config) { c.Source.Binance.Snapshot.Enabled = true }, "snapshot.url"},
		{"writer without s3", func(c *Config) { c.Writer.Enabled = true }, "storage.s3.enabled"},
		{"bad bucket", func(c *Config) {
			c.Storage.S3 = S3Config{Enabled: true, Bucket: "Bad_Bucket", Region: "us-east-1"}
		}, "bucket"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid()
			c.mutate(&cfg)
			err := validateConfig(&cfg)
			if c.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Fatalf("expected error containing %q, got %v", c.wantErr, err)
			}
		})
	}
}

func TestValidateConfigProductionRequiresSnapshot(t *testing.T) {
	t.Setenv("APP_ENV", "prod")

	cfg := defaultConfig()
	cfg.Bookmirror = BookmirrorConfig{Name: "x", Version: "1"}
	cfg.Source.Binance.Symbols = []string{"BTCUSDT"}
	if err := validateConfig(&cfg); err == nil {
		t.Fatal("expected snapshot requirement in production")
	}

	cfg.Source.Binance.Snapshot.Enabled = true
	cfg.Source.Binance.Snapshot.URL = "https://fapi.binance.com/fapi/v1/depth"
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := resolveConfigPath("", Staging); got != "config/config.staging.yml" {
		t.Errorf("unexpected path: %s", got)
	}
	if got := resolveConfigPath(defaultConfigPath, Production); got != "config/config.production.yml" {
		t.Errorf("unexpected path: %s", got)
	}
	if got := resolveConfigPath("custom.yml", Production); got != "custom.yml" {
		t.Errorf("explicit path overridden: %s", got)
	}
	if got := resolveConfigPath("", Development); got != defaultConfigPath {
		t.Errorf("development should keep the default path, got %s", got)
	}
}

func TestAppEnvironment(t *testing.T) {
	cases := []struct {
		raw            string
		want           Environment
		productionLike bool
	}{
		{"", Development, false},
		{"dev", Development, false},
		{" PROD ", Production, true},
		{"stage", Staging, true},
		{"staging", Staging, true},
		{"qa", Environment("qa"), false},
	}
	for _, tc := range cases {
		t.Setenv("APP_ENV", tc.raw)
		got := AppEnvironment()
		if got != tc.want || got.ProductionLike() != tc.productionLike {
			t.Errorf("APP_ENV=%q: got %s (production-like %v)", tc.raw, got, got.ProductionLike())
		}
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
