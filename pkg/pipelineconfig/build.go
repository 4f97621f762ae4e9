package pipelineconfig

import (
	"fmt"

	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// Build resolves every configured plugin name through the registry and
// assembles the compiler's Pipeline input. It does not compile; callers
// pass the result to graph.Compile.
func Build(cfg *Config, reg *plugin.Registry) (graph.Pipeline, error) {
	src, err := reg.BuildSource(cfg.Datasource.Plugin, cfg.Datasource.Options)
	if err != nil {
		return graph.Pipeline{}, err
	}

	stages := make([]graph.RowStage, 0, len(cfg.RowPlugins))
	for i, rp := range cfg.RowPlugins {
		stage := graph.RowStage{
			Options:      rp.Options,
			Routes:       rp.Routes,
			CoalesceName: rp.CoalesceName,
		}
		if rp.Mode != "" {
			stage.RouteMode = landscape.EdgeMode(rp.Mode)
		}
		switch rp.Type {
		case "transform":
			stage.Transform, err = reg.BuildTransform(rp.Plugin, rp.Options)
		case "gate":
			stage.Gate, err = reg.BuildGate(rp.Plugin, rp.Options)
		case "aggregation":
			stage.Aggregation, err = reg.BuildAggregation(rp.Plugin, rp.Options)
		case "coalesce":
			stage.Coalesce, err = reg.BuildCoalesce(rp.Plugin, rp.Options)
		default:
			err = fmt.Errorf("pipelineconfig: unknown row plugin type %q", rp.Type)
		}
		if err != nil {
			return graph.Pipeline{}, fmt.Errorf("pipelineconfig: row_plugins[%d]: %w", i, err)
		}
		stages = append(stages, stage)
	}

	sinks := make(map[string]graph.SinkSpec, len(cfg.Sinks))
	for name, ref := range cfg.Sinks {
		sink, serr := reg.BuildSink(ref.Plugin, ref.Options)
		if serr != nil {
			return graph.Pipeline{}, fmt.Errorf("pipelineconfig: sink %q: %w", name, serr)
		}
		sinks[name] = graph.SinkSpec{Sink: sink, Options: ref.Options}
	}

	return graph.Pipeline{
		Source:        src,
		SourceOptions: cfg.Datasource.Options,
		Stages:        stages,
		Sinks:         sinks,
		OutputSink:    cfg.OutputSink,
	}, nil
}
