// Package config loads and validates the eventstore service configuration
// from a YAML file with environment overrides. Validation happens once at
// startup; components receive already-validated sections.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/eventstore/cardinality"
	"github.com/c360/eventstore/deletion"
	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/natsclient"
	"github.com/c360/eventstore/pkg/cache"
)

// bucketCap is the document store's hard aggregation-bucket ceiling. The
// dynamic sizing policy budgets against a percentage of it.
const bucketCap = 10000

// Config is the complete service configuration.
type Config struct {
	// Aggregation read path.
	MaxMetricsConcurrency      int  `yaml:"max_metrics_concurrency"`
	DynamicMetricsSizing       bool `yaml:"dynamic_metrics_sizing"`
	DynamicMetricsCountPct     int  `yaml:"dynamic_metrics_count_threshold"`
	MaxMetricsCount            int  `yaml:"max_metrics_count"`
	MaxVariantsCount           int  `yaml:"max_variants_count"`
	AllowUninitializedVariants bool `yaml:"allow_uninitialized_variants"`

	// Scroll.
	MaxRawScalarsSize  int    `yaml:"max_raw_scalars_size"`
	StateExpirationSec int    `yaml:"state_expiration_sec"`
	ScrollSecret       string `yaml:"scroll_secret"`

	// Plots.
	ValidatePlots            bool         `yaml:"validate_plot_str"`
	PlotCompressionThreshold int          `yaml:"plot_compression_threshold"`
	PlotCache                cache.Config `yaml:"plot_cache"`

	// Deletion pipeline.
	MaxDeletionEventsPerSec int64                    `yaml:"max_deletion_events_per_sec"`
	DeleteAllowBatch        bool                     `yaml:"delete_allow_batch"`
	URLPrefixes             []string                 `yaml:"url_prefixes"`
	Deletion                deletion.SchedulerConfig `yaml:"deletion"`

	// Backing services.
	Elasticsearch docstore.ElasticConfig       `yaml:"elasticsearch"`
	NATS          natsclient.Config            `yaml:"nats"`
	NATSJobBucket string                       `yaml:"nats_job_bucket"`
	FileServer    deletion.ObjectDeleterConfig `yaml:"fileserver"`

	// HTTP surface.
	HTTP HTTPConfig `yaml:"http"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// MaxRequestBytes bounds request bodies (default 1 MiB).
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
	// ShutdownTimeoutSec bounds graceful shutdown (default 15).
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

// Default returns the configuration defaults applied before file and
// environment values.
func Default() *Config {
	return &Config{
		MaxMetricsConcurrency:    4,
		DynamicMetricsCountPct:   80,
		MaxMetricsCount:          100,
		MaxVariantsCount:         100,
		MaxRawScalarsSize:        10000,
		StateExpirationSec:       600,
		ValidatePlots:            true,
		PlotCompressionThreshold: 100000,
		PlotCache: cache.Config{
			Enabled: true,
			MaxSize: 256,
			TTL:     300,
		},
		MaxDeletionEventsPerSec: 1000,
		URLPrefixes:             nil,
		Elasticsearch:           docstore.DefaultElasticConfig(),
		NATS:                    natsclient.DefaultConfig(),
		NATSJobBucket:           "eventstore-deletion-jobs",
		FileServer: deletion.ObjectDeleterConfig{
			RequestsPerSecond: 100,
			Burst:             10,
			TimeoutSec:        10,
		},
		HTTP: HTTPConfig{
			Addr:               ":8080",
			MaxRequestBytes:    1 << 20,
			ShutdownTimeoutSec: 15,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays EVENTSTORE_* environment variables on the loaded
// values. Only operationally-sensitive settings are overridable.
func (c *Config) applyEnv() {
	if v := os.Getenv("EVENTSTORE_ELASTICSEARCH_ADDRESSES"); v != "" {
		c.Elasticsearch.Addresses = splitAndTrim(v)
	}
	if v := os.Getenv("EVENTSTORE_ELASTICSEARCH_USERNAME"); v != "" {
		c.Elasticsearch.Username = v
	}
	if v := os.Getenv("EVENTSTORE_ELASTICSEARCH_PASSWORD"); v != "" {
		c.Elasticsearch.Password = v
	}
	if v := os.Getenv("EVENTSTORE_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("EVENTSTORE_SCROLL_SECRET"); v != "" {
		c.ScrollSecret = v
	}
	if v := os.Getenv("EVENTSTORE_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("EVENTSTORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("EVENTSTORE_MAX_DELETION_EVENTS_PER_SEC"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxDeletionEventsPerSec = n
		}
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks cross-field invariants. It is called by Load; callers
// constructing a Config directly must call it themselves.
func (c *Config) Validate() error {
	if c.MaxMetricsConcurrency <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"max_metrics_concurrency must be positive")
	}
	if c.Elasticsearch.MaxConns > 0 && c.MaxMetricsConcurrency > c.Elasticsearch.MaxConns {
		return errors.WrapInvalid(
			fmt.Errorf("max_metrics_concurrency %d exceeds elasticsearch.max_conns %d",
				c.MaxMetricsConcurrency, c.Elasticsearch.MaxConns),
			"config", "Validate", "concurrency ceiling")
	}
	if c.MaxMetricsCount <= 0 || c.MaxVariantsCount <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"max_metrics_count and max_variants_count must be positive")
	}
	if c.DynamicMetricsSizing {
		if c.DynamicMetricsCountPct <= 0 || c.DynamicMetricsCountPct > 100 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"dynamic_metrics_count_threshold must be in (0, 100]")
		}
	}
	if c.MaxRawScalarsSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"max_raw_scalars_size must be positive")
	}
	if c.StateExpirationSec <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"state_expiration_sec must be positive")
	}
	if c.ScrollSecret == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
			"scroll_secret is required")
	}
	if c.MaxDeletionEventsPerSec <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"max_deletion_events_per_sec must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log_level %q", c.LogLevel),
			"config", "Validate", "log level")
	}
	return nil
}

// CardinalityPolicy builds the clamping policy selected by configuration.
// The choice is made once here; the rest of the system sees only the
// Policy interface.
func (c *Config) CardinalityPolicy() cardinality.Policy {
	if c.DynamicMetricsSizing {
		return cardinality.DynamicPolicy{
			ThresholdPct: c.DynamicMetricsCountPct,
			BucketCap:    bucketCap,
		}
	}
	return cardinality.StaticPolicy{
		MaxMetrics:  c.MaxMetricsCount,
		MaxVariants: c.MaxVariantsCount,
	}
}

// StaticCaps returns the static fallback caps used when the population
// cannot be measured.
func (c *Config) StaticCaps() cardinality.StaticPolicy {
	return cardinality.StaticPolicy{
		MaxMetrics:  c.MaxMetricsCount,
		MaxVariants: c.MaxVariantsCount,
	}
}
