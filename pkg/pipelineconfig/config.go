// Package pipelineconfig loads and validates the YAML pipeline
// configuration document: the datasource, spine, sinks, and the
// operational knobs (landscape, retry, concurrency, payload store,
// telemetry) the execution core consumes.
package pipelineconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// Duration is a yaml-parseable time.Duration ("250ms", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("pipelineconfig: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// PluginRef names a plugin and carries its options.
type PluginRef struct {
	Plugin  string                 `yaml:"plugin" json:"plugin"`
	Options map[string]interface{} `yaml:"options" json:"options"`
}

// RowPluginConfig is one spine entry.
type RowPluginConfig struct {
	Plugin  string                 `yaml:"plugin" json:"plugin"`
	Type    string                 `yaml:"type" json:"type"` // transform | gate | aggregation | coalesce
	Options map[string]interface{} `yaml:"options" json:"options"`
	Routes  map[string]string      `yaml:"routes,omitempty" json:"routes,omitempty"`
	// Mode applies to gate routes: move (default) or copy.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
	// CoalesceName names the join point for coalesce entries.
	CoalesceName string `yaml:"coalesce_name,omitempty" json:"coalesce_name,omitempty"`
}

// LandscapeConfig selects the audit database.
type LandscapeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url"`
}

// ConcurrencyConfig sizes the work-item worker pool.
type ConcurrencyConfig struct {
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
}

// RetryConfig is the run-wide default retry policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      Duration `yaml:"jitter" json:"jitter"`
}

// ToPlugin converts to the engine's retry type.
func (r RetryConfig) ToPlugin() plugin.RetryConfig {
	rc := plugin.RetryConfig{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelay),
		MaxDelay:    time.Duration(r.MaxDelay),
		Jitter:      time.Duration(r.Jitter),
	}
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	return rc
}

// PayloadStoreConfig selects the blob-store backend and the inline
// externalization threshold.
type PayloadStoreConfig struct {
	Backend              string `yaml:"backend" json:"backend"` // memory | filesystem | s3 | gcs
	BasePath             string `yaml:"base_path" json:"base_path"`
	InlineThresholdBytes int64  `yaml:"inline_threshold_bytes" json:"inline_threshold_bytes"`
}

// ExporterConfig names one telemetry exporter.
type ExporterConfig struct {
	Type     string `yaml:"type" json:"type"` // log | otlp
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// TelemetryConfig configures the bounded fan-out.
type TelemetryConfig struct {
	Granularity      []string         `yaml:"granularity" json:"granularity"`
	BackpressureMode string           `yaml:"backpressure_mode" json:"backpressure_mode"` // BLOCK | DROP
	QueueCapacity    int              `yaml:"queue_capacity" json:"queue_capacity"`
	Exporters        []ExporterConfig `yaml:"exporters" json:"exporters"`
}

// Config is the root pipeline configuration document.
type Config struct {
	Datasource   PluginRef            `yaml:"datasource" json:"datasource"`
	Sinks        map[string]PluginRef `yaml:"sinks" json:"sinks"`
	RowPlugins   []RowPluginConfig    `yaml:"row_plugins" json:"row_plugins"`
	OutputSink   string               `yaml:"output_sink" json:"output_sink"`
	Landscape    LandscapeConfig      `yaml:"landscape" json:"landscape"`
	Concurrency  ConcurrencyConfig    `yaml:"concurrency" json:"concurrency"`
	Retry        RetryConfig          `yaml:"retry" json:"retry"`
	PayloadStore PayloadStoreConfig   `yaml:"payload_store" json:"payload_store"`
	Telemetry    TelemetryConfig      `yaml:"telemetry" json:"telemetry"`
}

// Load reads, parses, and validates a pipeline configuration file.
// Operational knobs can be overridden from the environment:
// ELSPETH_LANDSCAPE_URL replaces landscape.url.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parse %s: %w", path, err)
	}
	if url := os.Getenv("ELSPETH_LANDSCAPE_URL"); url != "" {
		cfg.Landscape.URL = url
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural rules the DAG compiler cannot, because
// they concern the document itself rather than plugin bindings.
func (c *Config) Validate() error {
	if c.Datasource.Plugin == "" {
		return fmt.Errorf("pipelineconfig: datasource.plugin is required")
	}
	if len(c.Sinks) == 0 {
		return fmt.Errorf("pipelineconfig: at least one sink is required")
	}
	if c.OutputSink == "" {
		return fmt.Errorf("pipelineconfig: output_sink is required")
	}
	if _, ok := c.Sinks[c.OutputSink]; !ok {
		return fmt.Errorf("pipelineconfig: output_sink %q is not a declared sink", c.OutputSink)
	}
	for i, rp := range c.RowPlugins {
		switch rp.Type {
		case "transform", "gate", "aggregation", "coalesce":
		default:
			return fmt.Errorf("pipelineconfig: row_plugins[%d] has unknown type %q", i, rp.Type)
		}
		if rp.Plugin == "" {
			return fmt.Errorf("pipelineconfig: row_plugins[%d] names no plugin", i)
		}
		if len(rp.Routes) > 0 && rp.Type != "gate" {
			return fmt.Errorf("pipelineconfig: row_plugins[%d] declares routes but is a %s", i, rp.Type)
		}
		for label, dest := range rp.Routes {
			if dest == "continue" {
				continue
			}
			if _, ok := c.Sinks[dest]; !ok {
				return fmt.Errorf("pipelineconfig: row_plugins[%d] route %q targets undeclared sink %q", i, label, dest)
			}
		}
		if rp.Type == "coalesce" && rp.CoalesceName == "" {
			return fmt.Errorf("pipelineconfig: row_plugins[%d] is a coalesce with no coalesce_name", i)
		}
	}
	switch c.Telemetry.BackpressureMode {
	case "", "BLOCK", "DROP":
	default:
		return fmt.Errorf("pipelineconfig: telemetry.backpressure_mode must be BLOCK or DROP, got %q", c.Telemetry.BackpressureMode)
	}
	return nil
}
