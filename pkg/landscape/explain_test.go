package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// explainFixture builds a run with one source, one gate, and one sink, and
// returns helpers for driving tokens through recorded states.
type explainFixture struct {
	rec    *MemoryRecorder
	run    *Run
	source *Node
	gate   *Node
	sink   *Node
}

func newExplainFixture(t *testing.T) *explainFixture {
	t.Helper()
	rec := NewMemoryRecorder()
	ctx := context.Background()

	run, err := rec.BeginRun(ctx, "cfg", "jcs-rfc8785/sha-256")
	require.NoError(t, err)
	source, err := rec.RegisterNode(ctx, run.RunID, "source:rows", "rows", NodeTypeSource, "1.0.0", nil, DeterminismIORead, SchemaConfig{}, 0)
	require.NoError(t, err)
	gate, err := rec.RegisterNode(ctx, run.RunID, "stage-000:gate", "gate", NodeTypeGate, "1.0.0", nil, DeterminismDeterministic, SchemaConfig{}, 1)
	require.NoError(t, err)
	sink, err := rec.RegisterNode(ctx, run.RunID, "sink:results", "results", NodeTypeSink, "1.0.0", nil, DeterminismDeterministic, SchemaConfig{}, 2)
	require.NoError(t, err)
	return &explainFixture{rec: rec, run: run, source: source, gate: gate, sink: sink}
}

func (f *explainFixture) newToken(t *testing.T, rowIndex int) *Token {
	t.Helper()
	ctx := context.Background()
	row, err := f.rec.CreateRow(ctx, f.run.RunID, f.source.NodeID, rowIndex, map[string]interface{}{"id": rowIndex})
	require.NoError(t, err)
	tok, err := f.rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)
	return tok
}

func (f *explainFixture) completeState(t *testing.T, tokenID, nodeID string, status NodeStateStatus) *NodeState {
	t.Helper()
	ctx := context.Background()
	state, err := f.rec.BeginNodeState(ctx, tokenID, nodeID, 0, map[string]interface{}{"x": 1}, 1)
	require.NoError(t, err)
	require.NoError(t, f.rec.CompleteNodeState(ctx, state.StateID, status, map[string]interface{}{"x": 1}, 1, nil, nil))
	return state
}

func explainOne(t *testing.T, f *explainFixture, tokenID string) TokenExplanation {
	t.Helper()
	expl, err := Explain(context.Background(), f.rec, f.run.RunID, "")
	require.NoError(t, err)
	for _, e := range expl {
		if e.TokenID == tokenID {
			return e
		}
	}
	t.Fatalf("token %s not in explanation", tokenID)
	return TokenExplanation{}
}

func TestExplainCompleted(t *testing.T) {
	f := newExplainFixture(t)
	tok := f.newToken(t, 0)
	f.completeState(t, tok.TokenID, f.source.NodeID, NodeStateCompleted)
	f.completeState(t, tok.TokenID, f.sink.NodeID, NodeStateCompleted)

	e := explainOne(t, f, tok.TokenID)
	assert.Equal(t, OutcomeCompleted, e.Outcome)
	assert.Equal(t, f.sink.NodeID, e.LastNodeID)
}

func TestExplainRoutedViaGate(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	tok := f.newToken(t, 0)

	f.completeState(t, tok.TokenID, f.source.NodeID, NodeStateCompleted)
	gateState := f.completeState(t, tok.TokenID, f.gate.NodeID, NodeStateCompleted)
	_, err := f.rec.RecordRoutingEvent(ctx, gateState.StateID, RoutingRouteToSink, []string{"flagged"}, EdgeModeMove, map[string]interface{}{"score": 90})
	require.NoError(t, err)
	// The routed token terminates at the sink, a later state than the gate's.
	f.completeState(t, tok.TokenID, f.sink.NodeID, NodeStateCompleted)

	e := explainOne(t, f, tok.TokenID)
	assert.Equal(t, OutcomeRouted, e.Outcome)
	assert.Equal(t, "flagged", e.RoutedTo)
}

func TestExplainCopyModeRouteIsNotTerminal(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	tok := f.newToken(t, 0)

	gateState := f.completeState(t, tok.TokenID, f.gate.NodeID, NodeStateCompleted)
	_, err := f.rec.RecordRoutingEvent(ctx, gateState.StateID, RoutingRouteToSink, []string{"mirror"}, EdgeModeCopy, nil)
	require.NoError(t, err)
	f.completeState(t, tok.TokenID, f.sink.NodeID, NodeStateCompleted)

	e := explainOne(t, f, tok.TokenID)
	assert.Equal(t, OutcomeCompleted, e.Outcome, "a copy-routed token still completes on the spine")
}

func TestExplainForked(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	tok := f.newToken(t, 0)

	gateState := f.completeState(t, tok.TokenID, f.gate.NodeID, NodeStateCompleted)
	_, err := f.rec.RecordRoutingEvent(ctx, gateState.StateID, RoutingForkPaths, []string{"left", "right"}, EdgeModeMove, nil)
	require.NoError(t, err)

	e := explainOne(t, f, tok.TokenID)
	assert.Equal(t, OutcomeForked, e.Outcome)
}

func TestExplainFailedAndBuffered(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()

	failed := f.newToken(t, 0)
	f.completeState(t, failed.TokenID, f.gate.NodeID, NodeStateFailed)

	buffered := f.newToken(t, 1)
	_, err := f.rec.BeginNodeState(ctx, buffered.TokenID, f.gate.NodeID, 0, map[string]interface{}{"x": 1}, 1)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, explainOne(t, f, failed.TokenID).Outcome)
	assert.Equal(t, OutcomeBuffered, explainOne(t, f, buffered.TokenID).Outcome)

	// Once the run itself fails, a still-buffered token resolves to failed.
	require.NoError(t, f.rec.CompleteRun(ctx, f.run.RunID, RunStatusFailed))
	assert.Equal(t, OutcomeFailed, explainOne(t, f, buffered.TokenID).Outcome)
}

func TestExplainExpandedParent(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	tok := f.newToken(t, 0)

	f.completeState(t, tok.TokenID, f.gate.NodeID, NodeStateCompleted)
	_, err := f.rec.ExpandToken(ctx, tok.TokenID, tok.RowID, 2, 1)
	require.NoError(t, err)

	assert.Equal(t, OutcomeExpanded, explainOne(t, f, tok.TokenID).Outcome)
}

func TestExplainConsumedInBatchOnlyAtBatchNode(t *testing.T) {
	f := newExplainFixture(t)
	ctx := context.Background()
	aggNode, err := f.rec.RegisterNode(ctx, f.run.RunID, "stage-001:agg", "agg", NodeTypeAggregation, "1.0.0", nil, DeterminismDeterministic, SchemaConfig{}, 2)
	require.NoError(t, err)

	consumed := f.newToken(t, 0)
	passthrough := f.newToken(t, 1)

	batch, err := f.rec.CreateBatch(ctx, f.run.RunID, aggNode.NodeID)
	require.NoError(t, err)
	require.NoError(t, f.rec.AddBatchMember(ctx, batch.BatchID, consumed.TokenID, 0))
	require.NoError(t, f.rec.AddBatchMember(ctx, batch.BatchID, passthrough.TokenID, 1))

	// The consumed token terminates at the aggregation node; the
	// passthrough token continues to the sink.
	f.completeState(t, consumed.TokenID, aggNode.NodeID, NodeStateCompleted)
	f.completeState(t, passthrough.TokenID, aggNode.NodeID, NodeStateCompleted)
	f.completeState(t, passthrough.TokenID, f.sink.NodeID, NodeStateCompleted)

	assert.Equal(t, OutcomeConsumedInBatch, explainOne(t, f, consumed.TokenID).Outcome)
	assert.Equal(t, OutcomeCompleted, explainOne(t, f, passthrough.TokenID).Outcome)
}

func TestExplainCELFilter(t *testing.T) {
	f := newExplainFixture(t)
	a := f.newToken(t, 0)
	b := f.newToken(t, 1)
	f.completeState(t, a.TokenID, f.sink.NodeID, NodeStateCompleted)
	f.completeState(t, b.TokenID, f.gate.NodeID, NodeStateFailed)

	filtered, err := Explain(context.Background(), f.rec, f.run.RunID, `outcome == "failed"`)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, b.TokenID, filtered[0].TokenID)

	_, err = Explain(context.Background(), f.rec, f.run.RunID, `outcome ==`)
	assert.Error(t, err, "a malformed CEL expression is reported, not ignored")
}
