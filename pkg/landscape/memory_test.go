package landscape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, rec *MemoryRecorder) (*Run, *Node, *Node) {
	t.Helper()
	ctx := context.Background()

	run, err := rec.BeginRun(ctx, "cfg-hash", "jcs-rfc8785/sha-256")
	require.NoError(t, err)

	source, err := rec.RegisterNode(ctx, run.RunID, "source:rows", "rows", NodeTypeSource, "1.0.0", nil, DeterminismIORead, SchemaConfig{}, 0)
	require.NoError(t, err)
	sink, err := rec.RegisterNode(ctx, run.RunID, "sink:results", "results", NodeTypeSink, "1.0.0", nil, DeterminismDeterministic, SchemaConfig{}, 1)
	require.NoError(t, err)
	return run, source, sink
}

func TestRunLifecycle(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()

	run, _, _ := seedRun(t, rec)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, rec.CompleteRun(ctx, run.RunID, RunStatusCompleted))
	got, err := rec.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	assert.Error(t, rec.CompleteRun(ctx, "no-such-run", RunStatusFailed))
}

func TestRegisterNodeIsIdempotent(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	again, err := rec.RegisterNode(ctx, run.RunID, "source:rows", "rows", NodeTypeSource, "1.0.0", nil, DeterminismIORead, SchemaConfig{}, 0)
	require.NoError(t, err)
	assert.Equal(t, source.NodeID, again.NodeID, "same identity tuple returns the existing node")
}

func TestRegisterEdgeIsIdempotent(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, sink := seedRun(t, rec)

	first, err := rec.RegisterEdge(ctx, run.RunID, "edge:a", source.NodeID, sink.NodeID, "continue", EdgeModeMove)
	require.NoError(t, err)
	second, err := rec.RegisterEdge(ctx, run.RunID, "edge:a", source.NodeID, sink.NodeID, "continue", EdgeModeMove)
	require.NoError(t, err)
	assert.Equal(t, first.EdgeID, second.EdgeID)
}

func TestNodeStateRunningInvariant(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, err := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	require.NoError(t, err)
	tok, err := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, err)

	state, err := rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, NodeStateRunning, state.Status)
	assert.NotEmpty(t, state.InputHash)

	// At most one running state per (token, node) at a time.
	_, err = rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": 1}, 2)
	require.Error(t, err)

	require.NoError(t, rec.CompleteNodeState(ctx, state.StateID, NodeStateCompleted, map[string]interface{}{"id": 1}, 5, nil, nil))

	// Once terminal, a new attempt may open.
	_, err = rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": 1}, 2)
	assert.NoError(t, err)
}

func TestCompleteNodeStateRejectsRunning(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	tok, _ := rec.CreateToken(ctx, row.RowID)
	state, err := rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": 1}, 1)
	require.NoError(t, err)

	assert.Error(t, rec.CompleteNodeState(ctx, state.StateID, NodeStateRunning, nil, 0, nil, nil))
}

func TestForkTokenSharesForkGroup(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	parent, _ := rec.CreateToken(ctx, row.RowID)

	left, err := rec.ForkToken(ctx, parent.TokenID, "left", 1, nil)
	require.NoError(t, err)
	right, err := rec.ForkToken(ctx, parent.TokenID, "right", 1, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, left.ForkGroupID)
	assert.Equal(t, left.ForkGroupID, right.ForkGroupID)
	assert.Equal(t, "left", left.BranchName)
	assert.Equal(t, "right", right.BranchName)
	assert.Equal(t, parent.RowID, left.RowID, "the row identity persists across forks")
}

func TestExpandTokenOrdinals(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	parent, _ := rec.CreateToken(ctx, row.RowID)

	children, err := rec.ExpandToken(ctx, parent.TokenID, row.RowID, 3, 1)
	require.NoError(t, err)
	require.Len(t, children, 3)

	group := children[0].ExpandGroupID
	require.NotEmpty(t, group)
	for _, c := range children {
		assert.Equal(t, group, c.ExpandGroupID)
	}

	parents, err := rec.ListTokenParents(ctx, run.RunID)
	require.NoError(t, err)
	ordinals := map[int]bool{}
	for _, p := range parents {
		assert.Equal(t, parent.TokenID, p.ParentTokenID)
		ordinals[p.Ordinal] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, ordinals)

	_, err = rec.ExpandToken(ctx, parent.TokenID, row.RowID, 0, 1)
	assert.Error(t, err, "zero-count expansion is rejected")
}

func TestListTokenParentsIsRunScoped(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()

	// Two runs on one recorder: each expands its own token. A run's
	// lineage listing must never include the other run's parents.
	runA, sourceA, _ := seedRun(t, rec)
	rowA, _ := rec.CreateRow(ctx, runA.RunID, sourceA.NodeID, 0, map[string]interface{}{"id": 1})
	parentA, _ := rec.CreateToken(ctx, rowA.RowID)
	_, err := rec.ExpandToken(ctx, parentA.TokenID, rowA.RowID, 2, 1)
	require.NoError(t, err)

	runB, sourceB, _ := seedRun(t, rec)
	rowB, _ := rec.CreateRow(ctx, runB.RunID, sourceB.NodeID, 0, map[string]interface{}{"id": 2})
	parentB, _ := rec.CreateToken(ctx, rowB.RowID)
	_, err = rec.ExpandToken(ctx, parentB.TokenID, rowB.RowID, 3, 1)
	require.NoError(t, err)

	parentsA, err := rec.ListTokenParents(ctx, runA.RunID)
	require.NoError(t, err)
	require.Len(t, parentsA, 2)
	for _, p := range parentsA {
		assert.Equal(t, parentA.TokenID, p.ParentTokenID)
	}

	parentsB, err := rec.ListTokenParents(ctx, runB.RunID)
	require.NoError(t, err)
	require.Len(t, parentsB, 3)
	for _, p := range parentsB {
		assert.Equal(t, parentB.TokenID, p.ParentTokenID)
	}
}

func TestJoinTokensRecordsAllParents(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	a, _ := rec.CreateToken(ctx, row.RowID)
	b, _ := rec.CreateToken(ctx, row.RowID)

	joined, err := rec.JoinTokens(ctx, []string{a.TokenID, b.TokenID}, "rejoin", row.RowID)
	require.NoError(t, err)
	assert.Equal(t, "rejoin", joined.JoinGroupID)

	parents, err := rec.ListTokenParents(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, parents, 2)
	seen := map[string]bool{}
	for _, p := range parents {
		assert.Equal(t, joined.TokenID, p.TokenID)
		seen[p.ParentTokenID] = true
	}
	assert.True(t, seen[a.TokenID])
	assert.True(t, seen[b.TokenID])
}

func TestBatchProtocol(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)
	aggNode, err := rec.RegisterNode(ctx, run.RunID, "stage-000:agg", "agg", NodeTypeAggregation, "1.0.0", nil, DeterminismDeterministic, SchemaConfig{}, 1)
	require.NoError(t, err)

	batch, err := rec.CreateBatch(ctx, run.RunID, aggNode.NodeID)
	require.NoError(t, err)
	assert.Equal(t, BatchStatusDraft, batch.Status)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	tok, _ := rec.CreateToken(ctx, row.RowID)
	require.NoError(t, rec.AddBatchMember(ctx, batch.BatchID, tok.TokenID, 0))

	// Outputs before executing violate the protocol.
	assert.Error(t, rec.AddBatchOutput(ctx, batch.BatchID, 0, "hash", ""))

	require.NoError(t, rec.UpdateBatchStatus(ctx, batch.BatchID, BatchStatusExecuting, nil))
	require.NoError(t, rec.AddBatchOutput(ctx, batch.BatchID, 0, "hash", ""))
	require.NoError(t, rec.UpdateBatchStatus(ctx, batch.BatchID, BatchStatusCompleted, nil))

	batches, err := rec.ListBatches(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, BatchStatusCompleted, batches[0].Status)
	assert.NotNil(t, batches[0].CompletedAt)

	// A token joins at most one batch per node.
	second, err := rec.CreateBatch(ctx, run.RunID, aggNode.NodeID)
	require.NoError(t, err)
	assert.Error(t, rec.AddBatchMember(ctx, second.BatchID, tok.TokenID, 0))
}

func TestRecordCallRequiresState(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	_, err := rec.RecordCall(ctx, "no-such-state", "api.example.com", "req", "resp", 12)
	assert.Error(t, err)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	tok, _ := rec.CreateToken(ctx, row.RowID)
	state, _ := rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": 1}, 1)

	call, err := rec.RecordCall(ctx, state.StateID, "api.example.com", "req", "resp", 12)
	require.NoError(t, err)
	assert.Equal(t, state.StateID, call.StateID)
	assert.NotEmpty(t, call.CallID)
}

func TestHashChainDetectsTampering(t *testing.T) {
	chain := newHashChain()
	first, err := chain.Append("state-1", "payload-1")
	require.NoError(t, err)
	require.NotEmpty(t, first)
	_, err = chain.Append("state-2", "payload-2")
	require.NoError(t, err)

	intact, err := chain.Verify()
	require.NoError(t, err)
	assert.True(t, intact)

	chain.links[0].payloadHash = "doctored"
	intact, err = chain.Verify()
	require.NoError(t, err)
	assert.False(t, intact, "altering a past entry breaks every later link")
}

func TestVerifyAfterNodeStates(t *testing.T) {
	rec := NewMemoryRecorder()
	ctx := context.Background()
	run, source, _ := seedRun(t, rec)

	row, _ := rec.CreateRow(ctx, run.RunID, source.NodeID, 0, map[string]interface{}{"id": 1})
	tok, _ := rec.CreateToken(ctx, row.RowID)
	for attempt := 1; attempt <= 3; attempt++ {
		state, err := rec.BeginNodeState(ctx, tok.TokenID, source.NodeID, 0, map[string]interface{}{"id": attempt}, attempt)
		require.NoError(t, err)
		require.NoError(t, rec.CompleteNodeState(ctx, state.StateID, NodeStateCompleted, map[string]interface{}{"id": attempt}, 1, nil, nil))
	}

	intact, err := rec.Verify(run.RunID)
	require.NoError(t, err)
	assert.True(t, intact)
}
