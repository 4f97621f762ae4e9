package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/plugin/plugintest"
)

func passthroughTransform(name string) *plugintest.FuncTransform {
	return &plugintest.FuncTransform{
		Name: name,
		Fn: func(_ context.Context, row plugin.Row) (plugin.TransformResult, error) {
			return plugin.Success(row), nil
		},
	}
}

func continueGate(name string, routes map[string]string) RowStage {
	return RowStage{
		Gate: &plugintest.FuncGate{
			Name: name,
			Fn: func(_ context.Context, row plugin.Row) (plugin.GateResult, error) {
				return plugin.GateResult{Row: row, Action: plugin.RoutingAction{Kind: landscape.RoutingContinue}}, nil
			},
		},
		Routes: routes,
	}
}

func linearPipeline() Pipeline {
	return Pipeline{
		Source: &plugintest.StaticSource{Name: "rows"},
		Stages: []RowStage{
			{Transform: passthroughTransform("double")},
			continueGate("threshold", map[string]string{"high": "flagged", "low": "continue"}),
		},
		Sinks: map[string]SinkSpec{
			"results": {Sink: &plugintest.MemorySink{Name: "results"}},
			"flagged": {Sink: &plugintest.MemorySink{Name: "flagged"}},
		},
		OutputSink: "results",
	}
}

func TestCompileLinearPipeline(t *testing.T) {
	g, err := Compile(linearPipeline())
	require.NoError(t, err)

	require.Equal(t, "source:rows", g.SourceID())

	stageIDs := g.GetTransformIDMap()
	require.Len(t, stageIDs, 2)
	assert.Equal(t, "stage-000:double", stageIDs[0])
	assert.Equal(t, "stage-001:threshold", stageIDs[1])

	sinkIDs := g.GetSinkIDMap()
	assert.Equal(t, "sink:results", sinkIDs["results"])
	assert.Equal(t, "sink:flagged", sinkIDs["flagged"])
	assert.Equal(t, "sink:results", g.OutputSinkID())

	order := g.TopologicalOrder()
	require.Len(t, order, 5)
	assert.Equal(t, "source:rows", order[0])

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, e := range g.GetEdges() {
		assert.Less(t, pos[e.FromNodeID], pos[e.ToNodeID], "edge %s must respect topological order", e.EdgeID)
	}
}

func TestCompileGateRouteEdges(t *testing.T) {
	g, err := Compile(linearPipeline())
	require.NoError(t, err)

	var routeEdges []EdgeInfo
	for _, e := range g.GetEdges() {
		if e.Label != "continue" {
			routeEdges = append(routeEdges, e)
		}
	}
	// routes["low"] == "continue" compiles to no edge; only "high" remains.
	require.Len(t, routeEdges, 1)
	assert.Equal(t, "stage-001:threshold", routeEdges[0].FromNodeID)
	assert.Equal(t, "sink:flagged", routeEdges[0].ToNodeID)
	assert.Equal(t, "high", routeEdges[0].Label)
	assert.Equal(t, landscape.EdgeModeMove, routeEdges[0].Mode)
}

func TestCompileRejectsUndeclaredRouteSink(t *testing.T) {
	p := linearPipeline()
	p.Stages[1].Routes["high"] = "nonexistent"

	_, err := Compile(p)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "routes", verr.Rule)
}

func TestCompileRejectsUndeclaredOutputSink(t *testing.T) {
	p := linearPipeline()
	p.OutputSink = "missing"

	_, err := Compile(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "output_sink", verr.Rule)
}

func TestCompileRejectsDoubleRoleStage(t *testing.T) {
	p := linearPipeline()
	p.Stages[0].Gate = &plugintest.FuncGate{Name: "extra"}

	_, err := Compile(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "row_plugins", verr.Rule)
}

func TestCompileRejectsBadPluginVersion(t *testing.T) {
	p := linearPipeline()
	p.Stages[0].Transform = &versionlessTransform{inner: passthroughTransform("bad")}

	_, err := Compile(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "plugin_version", verr.Rule)
}

type versionlessTransform struct{ inner plugin.Transform }

func (v *versionlessTransform) Descriptor() plugin.Descriptor {
	d := v.inner.Descriptor()
	d.PluginVersion = "not-a-version"
	return d
}
func (v *versionlessTransform) CreatesTokens() bool { return v.inner.CreatesTokens() }
func (v *versionlessTransform) Process(ctx context.Context, row plugin.Row, pctx *plugin.Context) (plugin.TransformResult, error) {
	return v.inner.Process(ctx, row, pctx)
}

func TestCompileSchemaCompatibility(t *testing.T) {
	intOut := plugintest.ObjectSchema(map[string]string{"id": "integer"})
	floatIn := plugintest.ObjectSchema(map[string]string{"id": "number"})
	stringIn := plugintest.ObjectSchema(map[string]string{"id": "string"})

	base := func(in map[string]interface{}) Pipeline {
		producer := passthroughTransform("producer")
		producer.Output = intOut
		consumer := passthroughTransform("consumer")
		consumer.Input = in
		return Pipeline{
			Source:     &plugintest.StaticSource{Name: "rows"},
			Stages:     []RowStage{{Transform: producer}, {Transform: consumer}},
			Sinks:      map[string]SinkSpec{"results": {Sink: &plugintest.MemorySink{Name: "results"}}},
			OutputSink: "results",
		}
	}

	_, err := Compile(base(floatIn))
	assert.NoError(t, err, "integer widens to number")

	_, err = Compile(base(stringIn))
	require.Error(t, err, "integer does not satisfy string")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "schema", verr.Rule)

	optionalIn := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id": map[string]interface{}{"type": []interface{}{"integer", "null"}},
		},
		"required": []interface{}{"id"},
	}
	_, err = Compile(base(optionalIn))
	assert.NoError(t, err, "T accepted where Optional[T] declared")
}

func TestCompileRejectsMissingRequiredField(t *testing.T) {
	producer := passthroughTransform("producer")
	producer.Output = plugintest.ObjectSchema(map[string]string{"id": "integer"})
	consumer := passthroughTransform("consumer")
	consumer.Input = plugintest.ObjectSchema(map[string]string{"score": "integer"})

	_, err := Compile(Pipeline{
		Source:     &plugintest.StaticSource{Name: "rows"},
		Stages:     []RowStage{{Transform: producer}, {Transform: consumer}},
		Sinks:      map[string]SinkSpec{"results": {Sink: &plugintest.MemorySink{Name: "results"}}},
		OutputSink: "results",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "schema", verr.Rule)
}

func TestCompileRejectsExpansionInForkedRegion(t *testing.T) {
	exploder := &plugintest.FuncTransform{
		Name:        "exploder",
		MultiOutput: true,
		Fn: func(_ context.Context, row plugin.Row) (plugin.TransformResult, error) {
			return plugin.SuccessMulti([]plugin.Row{row}), nil
		},
	}
	p := Pipeline{
		Source: &plugintest.StaticSource{Name: "rows"},
		Stages: []RowStage{
			continueGate("fork", nil),
			{Transform: exploder},
			{Coalesce: &plugintest.MergeCoalesce{Name: "merge"}, CoalesceName: "join"},
		},
		Sinks:      map[string]SinkSpec{"results": {Sink: &plugintest.MemorySink{Name: "results"}}},
		OutputSink: "results",
	}

	_, err := Compile(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "fork_expansion", verr.Rule)
}

func TestCompileRejectsRoutesOnNonGate(t *testing.T) {
	p := linearPipeline()
	p.Stages[0].Routes = map[string]string{"x": "results"}

	_, err := Compile(p)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "routes", verr.Rule)
}

func TestCompileStrictValidatesRows(t *testing.T) {
	schema, err := CompileStrict(plugintest.ObjectSchema(map[string]string{"id": "integer", "score": "integer"}))
	require.NoError(t, err)

	assert.NoError(t, schema.Validate(map[string]interface{}{"id": 1, "score": 75}))
	assert.Error(t, schema.Validate(map[string]interface{}{"id": "one", "score": 75}))
	assert.Error(t, schema.Validate(map[string]interface{}{"id": 2}))
}
