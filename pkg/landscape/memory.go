package landscape

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tachyon-beep/elspeth/pkg/canonicalize"
	"github.com/tachyon-beep/elspeth/pkg/ids"
)

var memLogger = slog.Default().With("component", "landscape.memory")

// nodeKey and edgeKey identify register_node/register_edge's idempotency
// tuples, so repeated registration within a run is a no-op rather than a
// duplicate append.
type nodeKey struct {
	runID      string
	pluginName string
	nodeType   NodeType
	sequence   int
}

type edgeKey struct {
	runID      string
	fromNodeID string
	label      string
}

// MemoryRecorder is an in-memory Recorder, the fast-unit-test twin of the
// SQLite/Postgres backends: mutex-guarded maps, no persistence.
type MemoryRecorder struct {
	mu sync.Mutex

	runs    map[string]*Run
	nodes   map[string]*Node
	edges   map[string]*Edge
	rows    map[string]*Row
	tokens  map[string]*Token
	parents map[string][]*TokenParent // keyed by child token_id

	states  map[string]*NodeState
	running map[[2]string]string // (token_id, node_id) -> running state_id

	routingEvents []*RoutingEvent

	batches       map[string]*Batch
	batchMembers  map[string][]*BatchMember // keyed by batch_id
	batchOutputs  map[string][]*BatchOutput
	tokenBatchOf  map[string]string // node_id|token_id -> batch_id, enforces "at most one batch per node" per token

	artifacts []*Artifact
	valErrors []*ValidationErrorRecord
	calls     []*Call

	nodeByKey map[nodeKey]string
	edgeByKey map[edgeKey]string

	chains map[string]*hashChain // keyed by run_id
}

// NewMemoryRecorder constructs an empty in-memory Recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		runs:         make(map[string]*Run),
		nodes:        make(map[string]*Node),
		edges:        make(map[string]*Edge),
		rows:         make(map[string]*Row),
		tokens:       make(map[string]*Token),
		parents:      make(map[string][]*TokenParent),
		states:       make(map[string]*NodeState),
		running:      make(map[[2]string]string),
		batches:      make(map[string]*Batch),
		batchMembers: make(map[string][]*BatchMember),
		batchOutputs: make(map[string][]*BatchOutput),
		tokenBatchOf: make(map[string]string),
		nodeByKey:    make(map[nodeKey]string),
		edgeByKey:    make(map[edgeKey]string),
		chains:       make(map[string]*hashChain),
	}
}

func (m *MemoryRecorder) BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := &Run{
		RunID:            ids.New(),
		StartedAt:        now(),
		Status:           RunStatusRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
	}
	m.runs[run.RunID] = run
	m.chains[run.RunID] = newHashChain()
	memLogger.InfoContext(ctx, "run started", "run_id", run.RunID, "config_hash", configHash)
	return run, nil
}

func (m *MemoryRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("landscape: complete_run: run %s not found", runID)
	}
	t := now()
	run.CompletedAt = &t
	run.Status = status
	memLogger.InfoContext(ctx, "run completed", "run_id", runID, "status", status)
	return nil
}

func (m *MemoryRecorder) RegisterNode(ctx context.Context, runID, nodeID, pluginName string, nodeType NodeType, pluginVersion string, config map[string]interface{}, determinism Determinism, schema SchemaConfig, sequence int) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeKey{runID: runID, pluginName: pluginName, nodeType: nodeType, sequence: sequence}
	if existingID, ok := m.nodeByKey[key]; ok {
		return m.nodes[existingID], nil
	}

	configHash, err := canonicalize.CanonicalHash(config)
	if err != nil {
		return nil, fmt.Errorf("landscape: register_node: hash config: %w", err)
	}

	var inHash, outHash string
	if schema.InputSchema != nil {
		if inHash, err = canonicalize.CanonicalHash(schema.InputSchema); err != nil {
			return nil, fmt.Errorf("landscape: register_node: hash input schema: %w", err)
		}
	}
	if schema.OutputSchema != nil {
		if outHash, err = canonicalize.CanonicalHash(schema.OutputSchema); err != nil {
			return nil, fmt.Errorf("landscape: register_node: hash output schema: %w", err)
		}
	}

	node := &Node{
		NodeID:           nodeID,
		RunID:            runID,
		PluginName:       pluginName,
		NodeType:         nodeType,
		PluginVersion:    pluginVersion,
		Determinism:      determinism,
		Config:           config,
		ConfigHash:       configHash,
		InputSchemaHash:  inHash,
		OutputSchemaHash: outHash,
		Sequence:         sequence,
	}
	m.nodes[node.NodeID] = node
	m.nodeByKey[key] = node.NodeID
	return node, nil
}

func (m *MemoryRecorder) RegisterEdge(ctx context.Context, runID, edgeID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := edgeKey{runID: runID, fromNodeID: fromNodeID, label: label}
	if existingID, ok := m.edgeByKey[key]; ok {
		return m.edges[existingID], nil
	}

	edge := &Edge{
		EdgeID:     edgeID,
		RunID:      runID,
		FromNodeID: fromNodeID,
		ToNodeID:   toNodeID,
		Label:      label,
		Mode:       mode,
	}
	m.edges[edge.EdgeID] = edge
	m.edgeByKey[key] = edge.EdgeID
	return edge, nil
}

func (m *MemoryRecorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := &Row{
		RowID:        ids.New(),
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		Data:         deepCopyMap(data),
		CreatedAt:    now(),
	}
	m.rows[row.RowID] = row
	return row, nil
}

func (m *MemoryRecorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := &Token{
		TokenID:   ids.New(),
		RowID:     rowID,
		CreatedAt: now(),
	}
	m.tokens[tok.TokenID] = tok
	return tok, nil
}

func (m *MemoryRecorder) ForkToken(ctx context.Context, parentTokenID, branchName string, stepInPipeline int, overrideData map[string]interface{}) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.tokens[parentTokenID]
	if !ok {
		return nil, fmt.Errorf("landscape: fork_token: parent %s not found", parentTokenID)
	}

	forkGroup := parent.ForkGroupID
	if forkGroup == "" {
		forkGroup = ids.New()
		parent.ForkGroupID = forkGroup
	}

	child := &Token{
		TokenID:        ids.New(),
		RowID:          parent.RowID,
		CreatedAt:      now(),
		ForkGroupID:    forkGroup,
		BranchName:     branchName,
		StepInPipeline: stepInPipeline,
		HasStep:        true,
	}
	m.tokens[child.TokenID] = child
	m.parents[child.TokenID] = append(m.parents[child.TokenID], &TokenParent{
		TokenID:       child.TokenID,
		ParentTokenID: parentTokenID,
		Ordinal:       0,
	})
	_ = overrideData // deep-copy isolation is enforced by the token manager, which owns row_data
	return child, nil
}

func (m *MemoryRecorder) ExpandToken(ctx context.Context, parentTokenID, rowID string, count int, stepInPipeline int) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count <= 0 {
		return nil, fmt.Errorf("landscape: expand_token: count must be positive, got %d", count)
	}

	expandGroup := ids.New()
	children := make([]*Token, count)
	for i := 0; i < count; i++ {
		child := &Token{
			TokenID:        ids.New(),
			RowID:          rowID,
			CreatedAt:      now(),
			ExpandGroupID:  expandGroup,
			StepInPipeline: stepInPipeline,
			HasStep:        true,
		}
		m.tokens[child.TokenID] = child
		m.parents[child.TokenID] = append(m.parents[child.TokenID], &TokenParent{
			TokenID:       child.TokenID,
			ParentTokenID: parentTokenID,
			Ordinal:       i,
		})
		children[i] = child
	}
	return children, nil
}

func (m *MemoryRecorder) JoinTokens(ctx context.Context, tokenIDs []string, joinGroupID string, rowID string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := &Token{
		TokenID:     ids.New(),
		RowID:       rowID,
		CreatedAt:   now(),
		JoinGroupID: joinGroupID,
	}
	m.tokens[joined.TokenID] = joined
	for i, parentID := range tokenIDs {
		m.parents[joined.TokenID] = append(m.parents[joined.TokenID], &TokenParent{
			TokenID:       joined.TokenID,
			ParentTokenID: parentID,
			Ordinal:       i,
		})
	}
	return joined, nil
}

func (m *MemoryRecorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex int, inputData interface{}, attempt int) (*NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{tokenID, nodeID}
	if existing, ok := m.running[key]; ok {
		return nil, fmt.Errorf("landscape: begin_node_state: token %s already has a running state %s at node %s", tokenID, existing, nodeID)
	}

	inputHash, err := canonicalize.CanonicalHash(inputData)
	if err != nil {
		return nil, fmt.Errorf("landscape: begin_node_state: hash input: %w", err)
	}

	state := &NodeState{
		StateID:   ids.New(),
		TokenID:   tokenID,
		NodeID:    nodeID,
		Attempt:   attempt,
		Status:    NodeStateRunning,
		StartedAt: now(),
		InputHash: inputHash,
	}
	m.states[state.StateID] = state
	m.running[key] = state.StateID
	return state, nil
}

func (m *MemoryRecorder) CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputData interface{}, durationMS int64, errInfo map[string]interface{}, contextAfter map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[stateID]
	if !ok {
		return fmt.Errorf("landscape: complete_node_state: state %s not found", stateID)
	}

	var outputHash string
	if outputData != nil {
		h, err := canonicalize.CanonicalHash(outputData)
		if err != nil {
			return fmt.Errorf("landscape: complete_node_state: hash output: %w", err)
		}
		outputHash = h
	}

	t := now()
	state.Status = status
	state.CompletedAt = &t
	state.OutputHash = outputHash
	state.DurationMS = durationMS
	state.ErrorJSON = errInfo
	state.ContextAfter = contextAfter

	if status == NodeStateRunning {
		return fmt.Errorf("landscape: complete_node_state: status must be terminal, got running")
	}
	delete(m.running, [2]string{state.TokenID, state.NodeID})

	chain, ok := m.chainForState(state)
	if ok {
		payloadHash := outputHash
		if payloadHash == "" {
			payloadHash = state.InputHash
		}
		if _, err := chain.Append(stateID, payloadHash); err != nil {
			return fmt.Errorf("landscape: complete_node_state: append ledger: %w", err)
		}
	}
	return nil
}

// chainForState finds the hash chain for the run a node state belongs to,
// by resolving the state's node back to its run.
func (m *MemoryRecorder) chainForState(state *NodeState) (*hashChain, bool) {
	node, ok := m.nodes[state.NodeID]
	if !ok {
		return nil, false
	}
	chain, ok := m.chains[node.RunID]
	return chain, ok
}

func (m *MemoryRecorder) RecordRoutingEvent(ctx context.Context, stateID string, kind RoutingKind, destinations []string, mode EdgeMode, reason map[string]interface{}) (*RoutingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event := &RoutingEvent{
		EventID:      ids.New(),
		StateID:      stateID,
		Kind:         kind,
		Destinations: append([]string(nil), destinations...),
		Mode:         mode,
		Reason:       deepCopyMap(reason), // defensive copy: plugin's map must not mutate the audit record post-hoc
	}
	m.routingEvents = append(m.routingEvents, event)
	return event, nil
}

func (m *MemoryRecorder) CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := &Batch{
		BatchID:   ids.New(),
		RunID:     runID,
		NodeID:    nodeID,
		Status:    BatchStatusDraft,
		CreatedAt: now(),
	}
	m.batches[batch.BatchID] = batch
	return batch, nil
}

func (m *MemoryRecorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("landscape: add_batch_member: batch %s not found", batchID)
	}
	memberKey := batch.NodeID + "|" + tokenID
	if existing, ok := m.tokenBatchOf[memberKey]; ok && existing != batchID {
		return fmt.Errorf("landscape: add_batch_member: token %s already a member of batch %s at node %s", tokenID, existing, batch.NodeID)
	}
	m.tokenBatchOf[memberKey] = batchID

	m.batchMembers[batchID] = append(m.batchMembers[batchID], &BatchMember{
		BatchID: batchID,
		TokenID: tokenID,
		Ordinal: ordinal,
	})
	return nil
}

func (m *MemoryRecorder) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, errInfo map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("landscape: update_batch_status: batch %s not found", batchID)
	}
	batch.Status = status
	if status == BatchStatusCompleted || status == BatchStatusFailed {
		t := now()
		batch.CompletedAt = &t
	}
	return nil
}

func (m *MemoryRecorder) AddBatchOutput(ctx context.Context, batchID string, ordinal int, dataHash string, payloadRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[batchID]
	if !ok {
		return fmt.Errorf("landscape: add_batch_output: batch %s not found", batchID)
	}
	if batch.Status != BatchStatusExecuting && batch.Status != BatchStatusCompleted {
		return fmt.Errorf("landscape: add_batch_output: batch %s not in executing/completed state (is %s)", batchID, batch.Status)
	}
	m.batchOutputs[batchID] = append(m.batchOutputs[batchID], &BatchOutput{
		BatchID:    batchID,
		Ordinal:    ordinal,
		DataHash:   dataHash,
		PayloadRef: payloadRef,
	})
	return nil
}

func (m *MemoryRecorder) RecordArtifact(ctx context.Context, stateID, kind, pathOrURI string, contentHash string, sizeBytes int64, idempotencyKey string) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact := &Artifact{
		ArtifactID:     ids.New(),
		StateID:        stateID,
		Kind:           kind,
		PathOrURI:      pathOrURI,
		ContentHash:    contentHash,
		SizeBytes:      sizeBytes,
		IdempotencyKey: idempotencyKey,
	}
	m.artifacts = append(m.artifacts, artifact)
	return artifact, nil
}

func (m *MemoryRecorder) RecordValidationError(ctx context.Context, runID, sourceNodeID string, rowIndex int, reason, rawDataRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.valErrors = append(m.valErrors, &ValidationErrorRecord{
		RunID:        runID,
		SourceNodeID: sourceNodeID,
		RowIndex:     rowIndex,
		Reason:       reason,
		RawDataRef:   rawDataRef,
		CreatedAt:    now(),
	})
	return nil
}

func (m *MemoryRecorder) RecordCall(ctx context.Context, stateID, target, requestHash, responseHash string, durationMS int64) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[stateID]; !ok {
		return nil, fmt.Errorf("landscape: record_call: state %s not found", stateID)
	}
	call := &Call{
		CallID:       ids.New(),
		StateID:      stateID,
		Target:       target,
		RequestHash:  requestHash,
		ResponseHash: responseHash,
		DurationMS:   durationMS,
		CreatedAt:    now(),
	}
	m.calls = append(m.calls, call)
	return call, nil
}

func (m *MemoryRecorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("landscape: get_run: run %s not found", runID)
	}
	return run, nil
}

func (m *MemoryRecorder) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*NodeState
	for _, s := range m.states {
		if node, ok := m.nodes[s.NodeID]; ok && node.RunID == runID {
			out = append(out, s)
		}
	}
	sortNodeStates(out)
	return out, nil
}

func (m *MemoryRecorder) ListRoutingEvents(ctx context.Context, runID string) ([]*RoutingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stateRun := make(map[string]bool)
	for _, s := range m.states {
		if node, ok := m.nodes[s.NodeID]; ok && node.RunID == runID {
			stateRun[s.StateID] = true
		}
	}
	var out []*RoutingEvent
	for _, e := range m.routingEvents {
		if stateRun[e.StateID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRecorder) ListTokenParents(ctx context.Context, runID string) ([]*TokenParent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rowsInRun := make(map[string]bool)
	for _, r := range m.rows {
		if r.RunID == runID {
			rowsInRun[r.RowID] = true
		}
	}
	var out []*TokenParent
	for childID, parents := range m.parents {
		if child, ok := m.tokens[childID]; ok && rowsInRun[child.RowID] {
			out = append(out, parents...)
		}
	}
	return out, nil
}

func (m *MemoryRecorder) ListBatchMembers(ctx context.Context, runID string) ([]*BatchMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BatchMember
	for batchID, members := range m.batchMembers {
		if b, ok := m.batches[batchID]; ok && b.RunID == runID {
			out = append(out, members...)
		}
	}
	return out, nil
}

func (m *MemoryRecorder) ListBatches(ctx context.Context, runID string) ([]*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Batch
	for _, b := range m.batches {
		if b.RunID == runID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryRecorder) ListTokens(ctx context.Context, runID string) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rowsInRun := make(map[string]bool)
	for _, r := range m.rows {
		if r.RunID == runID {
			rowsInRun[r.RowID] = true
		}
	}
	var out []*Token
	for _, t := range m.tokens {
		if rowsInRun[t.RowID] {
			out = append(out, t)
		}
	}
	return out, nil
}

// Verify recomputes the run's hash chain and reports whether it is intact.
func (m *MemoryRecorder) Verify(runID string) (bool, error) {
	m.mu.Lock()
	chain, ok := m.chains[runID]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("landscape: verify: run %s has no chain", runID)
	}
	return chain.Verify()
}

func (m *MemoryRecorder) Close() error { return nil }

func deepCopyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func sortNodeStates(states []*NodeState) {
	// Within (token_id, node_id), attempts order by attempt, tiebroken by
	// started_at. Across different (token_id, node_id) pairs we order by
	// started_at for a stable, reproducible listing.
	for i := 1; i < len(states); i++ {
		for j := i; j > 0; j-- {
			a, b := states[j-1], states[j]
			if !statesLess(a, b) {
				states[j-1], states[j] = states[j], states[j-1]
			} else {
				break
			}
		}
	}
}

func statesLess(a, b *NodeState) bool {
	if a.TokenID != b.TokenID || a.NodeID != b.NodeID {
		return a.StartedAt.Before(b.StartedAt)
	}
	if a.Attempt != b.Attempt {
		return a.Attempt < b.Attempt
	}
	return a.StartedAt.Before(b.StartedAt)
}

var _ Recorder = (*MemoryRecorder)(nil)
