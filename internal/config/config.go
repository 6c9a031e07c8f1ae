// Package config loads and validates the immutable service configuration.
// A Config is built once at startup from defaults, an optional YAML file
// and environment overrides, then passed by value into the core; nothing
// mutates it afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/radarwatch/radar-publisher/internal/logging"
	"github.com/radarwatch/radar-publisher/internal/product"
)

// Config holds all service settings.
type Config struct {
	Streams  StreamsConfig  `yaml:"streams"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Render   RenderConfig   `yaml:"render"`
	Storage  StorageConfig  `yaml:"storage"`
	Forecast ForecastConfig `yaml:"forecast"`
	Product  ProductConfig  `yaml:"product"`
	Log      logging.Config `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StreamsConfig selects the enabled streams and their listing endpoints.
type StreamsConfig struct {
	CurrentEnabled  bool   `yaml:"current_enabled"`
	ForecastEnabled bool   `yaml:"forecast_enabled"`
	CurrentURL      string `yaml:"current_url" validate:"required,url"`
	ForecastURL     string `yaml:"forecast_url" validate:"required,url"`
}

// ScheduleConfig drives the cycle timer.
type ScheduleConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"required,min=1s"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"required,min=1s"`
}

// FetchConfig governs retrieval and retry behavior.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout" validate:"required,min=1s"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"required,min=1,max=10"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" validate:"required,min=100ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"required"`
	Cooldown       time.Duration `yaml:"cooldown" validate:"required,min=1m"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout" validate:"required,min=1s"`
}

// RenderConfig sizes the worker pool and fixes the published pixel
// densities.
type RenderConfig struct {
	Workers int   `yaml:"workers" validate:"required,min=1,max=64"`
	Scales  []int `yaml:"scales" validate:"required,len=2,dive,min=1,max=2"`
}

// StorageConfig locates local directories and the optional mirror.
type StorageConfig struct {
	DataDir    string `yaml:"data_dir" validate:"required"`
	OutputDir  string `yaml:"output_dir" validate:"required"`
	MaxTracked int    `yaml:"max_tracked" validate:"required,min=1"`
	MirrorURL  string `yaml:"mirror_url"` // blob URL (file://, s3://, gs://); empty disables
}

// ForecastConfig pins the expected lead-time series and retention.
type ForecastConfig struct {
	LeadMinutes   []int `yaml:"lead_minutes" validate:"required,min=1,dive,min=1,max=360"`
	KeepIssuances int   `yaml:"keep_issuances" validate:"min=1"`
}

// ProductConfig overrides the default grid contract.
type ProductConfig struct {
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when no file or overrides are
// present. Endpoints default to the public composite feeds.
func Default() Config {
	return Config{
		Streams: StreamsConfig{
			CurrentEnabled:  true,
			ForecastEnabled: true,
			CurrentURL:      "https://opendata.example.org/radar/composite/maxz/hdf5/",
			ForecastURL:     "https://opendata.example.org/radar/composite/fct_maxz/hdf5/",
		},
		Schedule: ScheduleConfig{
			Interval:      5 * time.Minute,
			ShutdownGrace: 30 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxAttempts:    4,
			RetryBackoff:   2 * time.Second,
			MaxBackoff:     30 * time.Second,
			Cooldown:       15 * time.Minute,
			BreakerTimeout: time.Minute,
		},
		Render: RenderConfig{
			Workers: 4,
			Scales:  []int{1, 2},
		},
		Storage: StorageConfig{
			DataDir:    "./radar_data",
			OutputDir:  "./output",
			MaxTracked: 600,
		},
		Forecast: ForecastConfig{
			LeadMinutes:   []int{10, 20, 30, 40, 50, 60},
			KeepIssuances: 1,
		},
		Log:     logging.Config{Format: "json", Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides the settings most often changed per deployment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RADAR_CURRENT_URL"); v != "" {
		cfg.Streams.CurrentURL = v
	}
	if v := os.Getenv("RADAR_FORECAST_URL"); v != "" {
		cfg.Streams.ForecastURL = v
	}
	if v := os.Getenv("RADAR_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("RADAR_OUTPUT_DIR"); v != "" {
		cfg.Storage.OutputDir = v
	}
	if v := os.Getenv("RADAR_MIRROR_URL"); v != "" {
		cfg.Storage.MirrorURL = v
	}
	if v := os.Getenv("RADAR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Schedule.Interval = d
		}
	}
	if v := os.Getenv("RADAR_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Render.Workers = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if !c.Streams.CurrentEnabled && !c.Streams.ForecastEnabled {
		return fmt.Errorf("config validation: no streams enabled")
	}
	if c.Fetch.MaxBackoff < c.Fetch.RetryBackoff {
		return fmt.Errorf("config validation: max_backoff %v below retry_backoff %v",
			c.Fetch.MaxBackoff, c.Fetch.RetryBackoff)
	}
	if c.Render.Scales[0] >= c.Render.Scales[1] {
		return fmt.Errorf("config validation: scales %v must be increasing", c.Render.Scales)
	}
	if err := c.Contract().Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("config validation: metrics enabled without an address")
	}
	return nil
}

// Contract returns the product contract, applying any overrides.
func (c Config) Contract() product.Contract {
	contract := product.DefaultContract()
	if c.Product.Width > 0 {
		contract.Width = c.Product.Width
	}
	if c.Product.Height > 0 {
		contract.Height = c.Product.Height
	}
	if c.Product.LonMin != 0 || c.Product.LonMax != 0 {
		contract.LonMin = c.Product.LonMin
		contract.LonMax = c.Product.LonMax
	}
	if c.Product.LatMin != 0 || c.Product.LatMax != 0 {
		contract.LatMin = c.Product.LatMin
		contract.LatMax = c.Product.LatMax
	}
	return contract
}
