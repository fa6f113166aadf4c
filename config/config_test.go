package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventstore/cardinality"
	"github.com/c360/eventstore/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validYAML = `
max_metrics_concurrency: 8
max_metrics_count: 100
max_variants_count: 100
max_raw_scalars_size: 5000
scroll_secret: "test-secret"
elasticsearch:
  addresses: ["http://localhost:9200"]
  index_prefix: "events"
  max_conns: 16
nats:
  url: "nats://localhost:4222"
log_level: "debug"
`

func TestLoadValidFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxMetricsConcurrency)
	assert.Equal(t, 5000, cfg.MaxRawScalarsSize)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "events", cfg.Elasticsearch.IndexPrefix)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Defaults survive where the file is silent.
	assert.Equal(t, int64(1000), cfg.MaxDeletionEventsPerSec)
	assert.Equal(t, 100000, cfg.PlotCompressionThreshold)
	assert.True(t, cfg.ValidatePlots)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "max_metrics_concurrency: [not an int"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateConcurrencyAgainstStoreConnections(t *testing.T) {
	cfg := Default()
	cfg.ScrollSecret = "s"
	cfg.MaxMetricsConcurrency = 64
	cfg.Elasticsearch.MaxConns = 16

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "max_conns")
}

func TestValidateRequiresScrollSecret(t *testing.T) {
	cfg := Default()
	cfg.ScrollSecret = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestValidateDynamicThresholdBounds(t *testing.T) {
	cfg := Default()
	cfg.ScrollSecret = "s"
	cfg.DynamicMetricsSizing = true

	cfg.DynamicMetricsCountPct = 0
	require.Error(t, cfg.Validate())

	cfg.DynamicMetricsCountPct = 101
	require.Error(t, cfg.Validate())

	cfg.DynamicMetricsCountPct = 80
	require.NoError(t, cfg.Validate())
}

func TestValidateLogLevel(t *testing.T) {
	cfg := Default()
	cfg.ScrollSecret = "s"
	cfg.LogLevel = "verbose"

	require.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EVENTSTORE_ELASTICSEARCH_ADDRESSES", "http://es1:9200, http://es2:9200")
	t.Setenv("EVENTSTORE_SCROLL_SECRET", "from-env")
	t.Setenv("EVENTSTORE_MAX_DELETION_EVENTS_PER_SEC", "250")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, "from-env", cfg.ScrollSecret)
	assert.Equal(t, int64(250), cfg.MaxDeletionEventsPerSec)
}

func TestCardinalityPolicySelection(t *testing.T) {
	cfg := Default()
	cfg.MaxMetricsCount = 100
	cfg.MaxVariantsCount = 50

	static, ok := cfg.CardinalityPolicy().(cardinality.StaticPolicy)
	require.True(t, ok)
	assert.Equal(t, 100, static.MaxMetrics)
	assert.Equal(t, 50, static.MaxVariants)
	assert.False(t, static.NeedsPopulation())

	cfg.DynamicMetricsSizing = true
	cfg.DynamicMetricsCountPct = 80

	dynamic, ok := cfg.CardinalityPolicy().(cardinality.DynamicPolicy)
	require.True(t, ok)
	assert.Equal(t, 8000, dynamic.Threshold())
	assert.True(t, dynamic.NeedsPopulation())
}
