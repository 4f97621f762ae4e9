package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/plugin/plugintest"
)

const testConfig = `
datasource:
  plugin: static_scores
sinks:
  results:
    plugin: memory
output_sink: results
row_plugins:
  - plugin: double
    type: transform
retry:
  max_attempts: 2
  base_delay: 10ms
  max_delay: 100ms
  jitter: 0s
`

func testRegistry() *plugin.Registry {
	reg := plugin.NewRegistry()
	reg.RegisterSource("static_scores", func(map[string]interface{}) (plugin.Source, error) {
		return &plugintest.StaticSource{Name: "static_scores", Rows: []plugin.Row{
			{"id": 1, "score": 75},
			{"id": 2, "score": 45},
		}}, nil
	})
	reg.RegisterTransform("double", func(map[string]interface{}) (plugin.Transform, error) {
		return &plugintest.FuncTransform{
			Name: "double",
			Fn: func(_ context.Context, row plugin.Row) (plugin.TransformResult, error) {
				out := row.Clone()
				out["score"] = out["score"].(int) * 2
				return plugin.Success(out), nil
			},
		}, nil
	})
	reg.RegisterSink("memory", func(map[string]interface{}) (plugin.Sink, error) {
		return &plugintest.MemorySink{Name: "memory"}, nil
	})
	return reg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "frobnicate"}, testRegistry(), &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth"}, testRegistry(), &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "usage:")
}

func TestDoctorValidConfig(t *testing.T) {
	path := writeConfig(t, testConfig)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "doctor", "-config", path}, testRegistry(), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "ok: 3 nodes")
	assert.Contains(t, stdout.String(), "source:static_scores")
	assert.Contains(t, stdout.String(), "sink:results")
}

func TestDoctorRejectsBadOutputSink(t *testing.T) {
	bad := strings.Replace(testConfig, "output_sink: results", "output_sink: nowhere", 1)
	path := writeConfig(t, bad)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "doctor", "-config", path}, testRegistry(), &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "output_sink")
}

func TestRunCommandExecutesPipeline(t *testing.T) {
	path := writeConfig(t, testConfig)
	var stdout, stderr bytes.Buffer
	code := Run([]string{"elspeth", "run", "-config", path}, testRegistry(), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "status: completed")
	assert.Contains(t, stdout.String(), "rows_processed: 2")
}
