package pipelineconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const fullConfig = `
datasource:
  plugin: csv_reader
  options:
    path: data/input.csv
sinks:
  results:
    plugin: csv_writer
    options:
      path: out/results.csv
  flagged:
    plugin: csv_writer
output_sink: results
row_plugins:
  - plugin: score_doubler
    type: transform
  - plugin: threshold
    type: gate
    routes:
      high: flagged
      low: continue
landscape:
  enabled: true
  url: landscape.db
concurrency:
  max_workers: 4
retry:
  max_attempts: 3
  base_delay: 10ms
  max_delay: 100ms
  jitter: 5ms
payload_store:
  backend: filesystem
  base_path: /tmp/payloads
  inline_threshold_bytes: 4096
telemetry:
  granularity: [node_state, routing]
  backpressure_mode: DROP
  queue_capacity: 500
  exporters:
    - type: log
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeTemp(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "csv_reader", cfg.Datasource.Plugin)
	assert.Equal(t, "data/input.csv", cfg.Datasource.Options["path"])
	assert.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "results", cfg.OutputSink)
	require.Len(t, cfg.RowPlugins, 2)
	assert.Equal(t, "gate", cfg.RowPlugins[1].Type)
	assert.Equal(t, "flagged", cfg.RowPlugins[1].Routes["high"])
	assert.True(t, cfg.Landscape.Enabled)
	assert.Equal(t, 4, cfg.Concurrency.MaxWorkers)
	assert.Equal(t, int64(4096), cfg.PayloadStore.InlineThresholdBytes)
	assert.Equal(t, "DROP", cfg.Telemetry.BackpressureMode)

	rc := cfg.Retry.ToPlugin()
	assert.Equal(t, 3, rc.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, rc.BaseDelay)
	assert.Equal(t, 100*time.Millisecond, rc.MaxDelay)
	assert.Equal(t, 5*time.Millisecond, rc.Jitter)
}

func TestLoadEnvOverridesLandscapeURL(t *testing.T) {
	t.Setenv("ELSPETH_LANDSCAPE_URL", "postgres://audit.internal/elspeth")
	cfg, err := Load(writeTemp(t, fullConfig))
	require.NoError(t, err)
	assert.Equal(t, "postgres://audit.internal/elspeth", cfg.Landscape.URL)
}

func TestValidateRejectsUndeclaredRouteSink(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: results
row_plugins:
  - plugin: threshold
    type: gate
    routes:
      high: nowhere
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared sink")
}

func TestValidateRejectsRoutesOnTransform(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: results
row_plugins:
  - plugin: score_doubler
    type: transform
    routes:
      high: results
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares routes")
}

func TestValidateRejectsUnknownRowPluginType(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: results
row_plugins:
  - plugin: something
    type: mystery
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestValidateRejectsMissingOutputSink(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: elsewhere
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a declared sink")
}

func TestValidateRejectsBadBackpressureMode(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: results
telemetry:
  backpressure_mode: SOMETIMES
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backpressure_mode")
}

func TestDurationRejectsGarbage(t *testing.T) {
	bad := `
datasource:
  plugin: csv_reader
sinks:
  results:
    plugin: csv_writer
output_sink: results
retry:
  base_delay: quickly
`
	_, err := Load(writeTemp(t, bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
