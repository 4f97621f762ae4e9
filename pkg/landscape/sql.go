package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/tachyon-beep/elspeth/pkg/canonicalize"
	"github.com/tachyon-beep/elspeth/pkg/ids"
)

var sqlLogger = slog.Default().With("component", "landscape.sql")

// placeholderFunc renders the Nth (1-indexed) bind parameter for a
// dialect: SQLite (and modernc.org/sqlite) accepts "?", Postgres via
// lib/pq requires "$1", "$2", etc. SQLRecorder supports both dialects
// from one implementation by parameterizing this.
type placeholderFunc func(n int) string

func sqlitePlaceholder(int) string { return "?" }

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// SQLRecorder is a database/sql-backed Recorder shared by the SQLite and
// Postgres backends. It is the persistent twin of MemoryRecorder: same
// idempotency and hash-chain semantics, backed by an append-only schema.
type SQLRecorder struct {
	db   *sql.DB
	ph   placeholderFunc
	mu   sync.Mutex // the recorder is the sole serialization point for audit data
	chains map[string]*hashChain
	runningGuard map[[2]string]string
}

func newSQLRecorder(ctx context.Context, db *sql.DB, ph placeholderFunc) (*SQLRecorder, error) {
	r := &SQLRecorder{db: db, ph: ph, chains: make(map[string]*hashChain), runningGuard: make(map[[2]string]string)}
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLRecorder) init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("landscape: init schema: %w", err)
		}
	}
	return nil
}

func (r *SQLRecorder) q(query string, argCount int) string {
	var b strings.Builder
	argN := 0
	for _, ch := range query {
		if ch == '?' {
			argN++
			b.WriteString(r.ph(argN))
		} else {
			b.WriteRune(ch)
		}
	}
	_ = argCount
	return b.String()
}

func (r *SQLRecorder) BeginRun(ctx context.Context, configHash, canonicalVersion string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &Run{
		RunID:            ids.New(),
		StartedAt:        now(),
		Status:           RunStatusRunning,
		ConfigHash:       configHash,
		CanonicalVersion: canonicalVersion,
	}
	query := r.q(`INSERT INTO runs (run_id, started_at, completed_at, status, config_hash, canonical_version) VALUES (?, ?, NULL, ?, ?, ?)`, 5)
	if _, err := r.db.ExecContext(ctx, query, run.RunID, run.StartedAt, string(run.Status), run.ConfigHash, run.CanonicalVersion); err != nil {
		return nil, fmt.Errorf("landscape: begin_run: %w", err)
	}
	r.chains[run.RunID] = newHashChain()
	sqlLogger.InfoContext(ctx, "run started", "run_id", run.RunID)
	return run, nil
}

func (r *SQLRecorder) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := r.q(`UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`, 3)
	res, err := r.db.ExecContext(ctx, query, string(status), now(), runID)
	if err != nil {
		return fmt.Errorf("landscape: complete_run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("landscape: complete_run: run %s not found", runID)
	}
	return nil
}

func (r *SQLRecorder) RegisterNode(ctx context.Context, runID, nodeID, pluginName string, nodeType NodeType, pluginVersion string, config map[string]interface{}, determinism Determinism, schema SchemaConfig, sequence int) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.findNode(ctx, runID, pluginName, nodeType, sequence)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
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
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("landscape: register_node: marshal config: %w", err)
	}

	query := r.q(`INSERT INTO nodes (node_id, run_id, plugin_name, node_type, plugin_version, config_json, config_hash, determinism, input_schema_hash, output_schema_hash, sequence) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, 11)
	if _, err := r.db.ExecContext(ctx, query, nodeID, runID, pluginName, string(nodeType), pluginVersion, string(configJSON), configHash, string(determinism), inHash, outHash, sequence); err != nil {
		return nil, fmt.Errorf("landscape: register_node: %w", err)
	}

	return &Node{
		NodeID: nodeID, RunID: runID, PluginName: pluginName, NodeType: nodeType,
		PluginVersion: pluginVersion, Determinism: determinism, Config: config,
		ConfigHash: configHash, InputSchemaHash: inHash, OutputSchemaHash: outHash, Sequence: sequence,
	}, nil
}

func (r *SQLRecorder) findNode(ctx context.Context, runID, pluginName string, nodeType NodeType, sequence int) (*Node, error) {
	query := r.q(`SELECT node_id, plugin_version, config_json, config_hash, determinism, input_schema_hash, output_schema_hash FROM nodes WHERE run_id = ? AND plugin_name = ? AND node_type = ? AND sequence = ?`, 4)
	row := r.db.QueryRowContext(ctx, query, runID, pluginName, string(nodeType), sequence)
	var n Node
	var configJSON string
	var inHash, outHash sql.NullString
	if err := row.Scan(&n.NodeID, &n.PluginVersion, &configJSON, &n.ConfigHash, &n.Determinism, &inHash, &outHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("landscape: find_node: %w", err)
	}
	n.RunID = runID
	n.PluginName = pluginName
	n.NodeType = nodeType
	n.Sequence = sequence
	n.InputSchemaHash = inHash.String
	n.OutputSchemaHash = outHash.String
	_ = json.Unmarshal([]byte(configJSON), &n.Config)
	return &n, nil
}

func (r *SQLRecorder) RegisterEdge(ctx context.Context, runID, edgeID, fromNodeID, toNodeID, label string, mode EdgeMode) (*Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := r.q(`SELECT edge_id, to_node_id, mode FROM edges WHERE run_id = ? AND from_node_id = ? AND label = ?`, 3)
	row := r.db.QueryRowContext(ctx, query, runID, fromNodeID, label)
	var existingID, existingTo, existingMode string
	if err := row.Scan(&existingID, &existingTo, &existingMode); err == nil {
		return &Edge{EdgeID: existingID, RunID: runID, FromNodeID: fromNodeID, ToNodeID: existingTo, Label: label, Mode: EdgeMode(existingMode)}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("landscape: register_edge: lookup: %w", err)
	}

	insert := r.q(`INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, mode) VALUES (?, ?, ?, ?, ?, ?)`, 6)
	if _, err := r.db.ExecContext(ctx, insert, edgeID, runID, fromNodeID, toNodeID, label, string(mode)); err != nil {
		return nil, fmt.Errorf("landscape: register_edge: %w", err)
	}
	return &Edge{EdgeID: edgeID, RunID: runID, FromNodeID: fromNodeID, ToNodeID: toNodeID, Label: label, Mode: mode}, nil
}

func (r *SQLRecorder) CreateRow(ctx context.Context, runID, sourceNodeID string, rowIndex int, data map[string]interface{}) (*Row, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := &Row{RowID: ids.New(), RunID: runID, SourceNodeID: sourceNodeID, RowIndex: rowIndex, Data: data, CreatedAt: now()}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("landscape: create_row: marshal data: %w", err)
	}
	query := r.q(`INSERT INTO rows_ (row_id, run_id, source_node_id, row_index, data_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`, 6)
	if _, err := r.db.ExecContext(ctx, query, row.RowID, runID, sourceNodeID, rowIndex, string(dataJSON), row.CreatedAt); err != nil {
		return nil, fmt.Errorf("landscape: create_row: %w", err)
	}
	return row, nil
}

func (r *SQLRecorder) insertToken(ctx context.Context, t *Token) error {
	query := r.q(`INSERT INTO tokens (token_id, row_id, created_at, fork_group_id, join_group_id, expand_group_id, branch_name, step_in_pipeline, has_step) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, 9)
	var step sql.NullInt64
	if t.HasStep {
		step = sql.NullInt64{Int64: int64(t.StepInPipeline), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, query, t.TokenID, t.RowID, t.CreatedAt, nullStr(t.ForkGroupID), nullStr(t.JoinGroupID), nullStr(t.ExpandGroupID), nullStr(t.BranchName), step, t.HasStep)
	return err
}

func (r *SQLRecorder) insertTokenParent(ctx context.Context, childID, parentID string, ordinal int) error {
	query := r.q(`INSERT INTO token_parents (token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`, 3)
	_, err := r.db.ExecContext(ctx, query, childID, parentID, ordinal)
	return err
}

func (r *SQLRecorder) CreateToken(ctx context.Context, rowID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Token{TokenID: ids.New(), RowID: rowID, CreatedAt: now()}
	if err := r.insertToken(ctx, t); err != nil {
		return nil, fmt.Errorf("landscape: create_token: %w", err)
	}
	return t, nil
}

func (r *SQLRecorder) ForkToken(ctx context.Context, parentTokenID, branchName string, stepInPipeline int, overrideData map[string]interface{}) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rowID string
	var forkGroup sql.NullString
	q := r.q(`SELECT row_id, fork_group_id FROM tokens WHERE token_id = ?`, 1)
	if err := r.db.QueryRowContext(ctx, q, parentTokenID).Scan(&rowID, &forkGroup); err != nil {
		return nil, fmt.Errorf("landscape: fork_token: parent lookup: %w", err)
	}
	group := forkGroup.String
	if group == "" {
		group = ids.New()
		upd := r.q(`UPDATE tokens SET fork_group_id = ? WHERE token_id = ?`, 2)
		if _, err := r.db.ExecContext(ctx, upd, group, parentTokenID); err != nil {
			return nil, fmt.Errorf("landscape: fork_token: set fork group: %w", err)
		}
	}

	child := &Token{TokenID: ids.New(), RowID: rowID, CreatedAt: now(), ForkGroupID: group, BranchName: branchName, StepInPipeline: stepInPipeline, HasStep: true}
	if err := r.insertToken(ctx, child); err != nil {
		return nil, fmt.Errorf("landscape: fork_token: %w", err)
	}
	if err := r.insertTokenParent(ctx, child.TokenID, parentTokenID, 0); err != nil {
		return nil, fmt.Errorf("landscape: fork_token: parent edge: %w", err)
	}
	_ = overrideData
	return child, nil
}

func (r *SQLRecorder) ExpandToken(ctx context.Context, parentTokenID, rowID string, count int, stepInPipeline int) ([]*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if count <= 0 {
		return nil, fmt.Errorf("landscape: expand_token: count must be positive, got %d", count)
	}
	group := ids.New()
	children := make([]*Token, count)
	for i := 0; i < count; i++ {
		child := &Token{TokenID: ids.New(), RowID: rowID, CreatedAt: now(), ExpandGroupID: group, StepInPipeline: stepInPipeline, HasStep: true}
		if err := r.insertToken(ctx, child); err != nil {
			return nil, fmt.Errorf("landscape: expand_token: %w", err)
		}
		if err := r.insertTokenParent(ctx, child.TokenID, parentTokenID, i); err != nil {
			return nil, fmt.Errorf("landscape: expand_token: parent edge: %w", err)
		}
		children[i] = child
	}
	return children, nil
}

func (r *SQLRecorder) JoinTokens(ctx context.Context, tokenIDs []string, joinGroupID string, rowID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := &Token{TokenID: ids.New(), RowID: rowID, CreatedAt: now(), JoinGroupID: joinGroupID}
	if err := r.insertToken(ctx, joined); err != nil {
		return nil, fmt.Errorf("landscape: join_tokens: %w", err)
	}
	for i, parentID := range tokenIDs {
		if err := r.insertTokenParent(ctx, joined.TokenID, parentID, i); err != nil {
			return nil, fmt.Errorf("landscape: join_tokens: parent edge: %w", err)
		}
	}
	return joined, nil
}

func (r *SQLRecorder) BeginNodeState(ctx context.Context, tokenID, nodeID string, stepIndex int, inputData interface{}, attempt int) (*NodeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]string{tokenID, nodeID}
	if existing, ok := r.runningGuard[key]; ok {
		return nil, fmt.Errorf("landscape: begin_node_state: token %s already has running state %s at node %s", tokenID, existing, nodeID)
	}

	inputHash, err := canonicalize.CanonicalHash(inputData)
	if err != nil {
		return nil, fmt.Errorf("landscape: begin_node_state: hash input: %w", err)
	}

	state := &NodeState{StateID: ids.New(), TokenID: tokenID, NodeID: nodeID, Attempt: attempt, Status: NodeStateRunning, StartedAt: now(), InputHash: inputHash}
	query := r.q(`INSERT INTO node_states (state_id, token_id, node_id, attempt, status, started_at, completed_at, input_hash, output_hash, duration_ms, error_json, context_before_json, context_after_json) VALUES (?, ?, ?, ?, ?, ?, NULL, ?, NULL, NULL, NULL, NULL, NULL)`, 8)
	if _, err := r.db.ExecContext(ctx, query, state.StateID, tokenID, nodeID, attempt, string(NodeStateRunning), state.StartedAt, inputHash); err != nil {
		return nil, fmt.Errorf("landscape: begin_node_state: %w", err)
	}
	r.runningGuard[key] = state.StateID
	return state, nil
}

func (r *SQLRecorder) CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputData interface{}, durationMS int64, errInfo map[string]interface{}, contextAfter map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if status == NodeStateRunning {
		return fmt.Errorf("landscape: complete_node_state: status must be terminal, got running")
	}

	var outputHash sql.NullString
	if outputData != nil {
		h, err := canonicalize.CanonicalHash(outputData)
		if err != nil {
			return fmt.Errorf("landscape: complete_node_state: hash output: %w", err)
		}
		outputHash = sql.NullString{String: h, Valid: true}
	}
	errJSON, _ := marshalOptional(errInfo)
	ctxJSON, _ := marshalOptional(contextAfter)

	var tokenID, nodeID string
	lookup := r.q(`SELECT token_id, node_id FROM node_states WHERE state_id = ?`, 1)
	if err := r.db.QueryRowContext(ctx, lookup, stateID).Scan(&tokenID, &nodeID); err != nil {
		return fmt.Errorf("landscape: complete_node_state: lookup state %s: %w", stateID, err)
	}

	query := r.q(`UPDATE node_states SET status = ?, completed_at = ?, output_hash = ?, duration_ms = ?, error_json = ?, context_after_json = ? WHERE state_id = ?`, 7)
	if _, err := r.db.ExecContext(ctx, query, string(status), now(), outputHash, durationMS, errJSON, ctxJSON, stateID); err != nil {
		return fmt.Errorf("landscape: complete_node_state: %w", err)
	}
	delete(r.runningGuard, [2]string{tokenID, nodeID})

	var runID string
	runLookup := r.q(`SELECT run_id FROM nodes WHERE node_id = ?`, 1)
	if err := r.db.QueryRowContext(ctx, runLookup, nodeID).Scan(&runID); err != nil {
		return fmt.Errorf("landscape: complete_node_state: resolve run: %w", err)
	}

	chain, ok := r.chains[runID]
	if !ok {
		chain = newHashChain()
		r.chains[runID] = chain
	}
	payloadHash := outputHash.String
	if payloadHash == "" {
		var inputHash string
		ih := r.q(`SELECT input_hash FROM node_states WHERE state_id = ?`, 1)
		_ = r.db.QueryRowContext(ctx, ih, stateID).Scan(&inputHash)
		payloadHash = inputHash
	}
	content, err := chain.Append(stateID, payloadHash)
	if err != nil {
		return fmt.Errorf("landscape: complete_node_state: append ledger: %w", err)
	}
	link := chain.links[len(chain.links)-1]
	insertLink := r.q(`INSERT INTO ledger_links (run_id, seq, state_id, prev_hash, payload_hash, content_hash) VALUES (?, ?, ?, ?, ?, ?)`, 6)
	if _, err := r.db.ExecContext(ctx, insertLink, runID, link.seq, stateID, link.prevHash, payloadHash, content); err != nil {
		return fmt.Errorf("landscape: complete_node_state: persist ledger link: %w", err)
	}
	return nil
}

func (r *SQLRecorder) RecordRoutingEvent(ctx context.Context, stateID string, kind RoutingKind, destinations []string, mode EdgeMode, reason map[string]interface{}) (*RoutingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	destJSON, err := json.Marshal(destinations)
	if err != nil {
		return nil, fmt.Errorf("landscape: record_routing_event: marshal destinations: %w", err)
	}
	reasonCopy := deepCopyMap(reason)
	reasonJSON, err := json.Marshal(reasonCopy)
	if err != nil {
		return nil, fmt.Errorf("landscape: record_routing_event: marshal reason: %w", err)
	}

	event := &RoutingEvent{EventID: ids.New(), StateID: stateID, Kind: kind, Destinations: destinations, Mode: mode, Reason: reasonCopy}
	query := r.q(`INSERT INTO routing_events (event_id, state_id, kind, destinations_json, mode, reason_json) VALUES (?, ?, ?, ?, ?, ?)`, 6)
	if _, err := r.db.ExecContext(ctx, query, event.EventID, stateID, string(kind), string(destJSON), string(mode), string(reasonJSON)); err != nil {
		return nil, fmt.Errorf("landscape: record_routing_event: %w", err)
	}
	return event, nil
}

func (r *SQLRecorder) CreateBatch(ctx context.Context, runID, nodeID string) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := &Batch{BatchID: ids.New(), RunID: runID, NodeID: nodeID, Status: BatchStatusDraft, CreatedAt: now()}
	query := r.q(`INSERT INTO batches (batch_id, run_id, node_id, status, created_at, completed_at) VALUES (?, ?, ?, ?, ?, NULL)`, 5)
	if _, err := r.db.ExecContext(ctx, query, batch.BatchID, runID, nodeID, string(BatchStatusDraft), batch.CreatedAt); err != nil {
		return nil, fmt.Errorf("landscape: create_batch: %w", err)
	}
	return batch, nil
}

func (r *SQLRecorder) AddBatchMember(ctx context.Context, batchID, tokenID string, ordinal int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var nodeID string
	nodeLookup := r.q(`SELECT node_id FROM batches WHERE batch_id = ?`, 1)
	if err := r.db.QueryRowContext(ctx, nodeLookup, batchID).Scan(&nodeID); err != nil {
		return fmt.Errorf("landscape: add_batch_member: batch %s: %w", batchID, err)
	}

	dupCheck := r.q(`SELECT bm.batch_id FROM batch_members bm JOIN batches b ON bm.batch_id = b.batch_id WHERE b.node_id = ? AND bm.token_id = ?`, 2)
	var otherBatch string
	err := r.db.QueryRowContext(ctx, dupCheck, nodeID, tokenID).Scan(&otherBatch)
	if err == nil && otherBatch != batchID {
		return fmt.Errorf("landscape: add_batch_member: token %s already a member of batch %s at node %s", tokenID, otherBatch, nodeID)
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("landscape: add_batch_member: dup check: %w", err)
	}

	insert := r.q(`INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`, 3)
	if _, err := r.db.ExecContext(ctx, insert, batchID, tokenID, ordinal); err != nil {
		return fmt.Errorf("landscape: add_batch_member: %w", err)
	}
	return nil
}

func (r *SQLRecorder) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus, errInfo map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completedAt interface{}
	if status == BatchStatusCompleted || status == BatchStatusFailed {
		completedAt = now()
	}
	query := r.q(`UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?`, 3)
	res, err := r.db.ExecContext(ctx, query, string(status), completedAt, batchID)
	if err != nil {
		return fmt.Errorf("landscape: update_batch_status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("landscape: update_batch_status: batch %s not found", batchID)
	}
	return nil
}

func (r *SQLRecorder) AddBatchOutput(ctx context.Context, batchID string, ordinal int, dataHash string, payloadRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var status string
	lookup := r.q(`SELECT status FROM batches WHERE batch_id = ?`, 1)
	if err := r.db.QueryRowContext(ctx, lookup, batchID).Scan(&status); err != nil {
		return fmt.Errorf("landscape: add_batch_output: batch %s: %w", batchID, err)
	}
	if status != string(BatchStatusExecuting) && status != string(BatchStatusCompleted) {
		return fmt.Errorf("landscape: add_batch_output: batch %s not in executing/completed state (is %s)", batchID, status)
	}

	query := r.q(`INSERT INTO batch_outputs (batch_id, ordinal, data_hash, payload_ref) VALUES (?, ?, ?, ?)`, 4)
	if _, err := r.db.ExecContext(ctx, query, batchID, ordinal, dataHash, nullStr(payloadRef)); err != nil {
		return fmt.Errorf("landscape: add_batch_output: %w", err)
	}
	return nil
}

func (r *SQLRecorder) RecordArtifact(ctx context.Context, stateID, kind, pathOrURI string, contentHash string, sizeBytes int64, idempotencyKey string) (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifact := &Artifact{ArtifactID: ids.New(), StateID: stateID, Kind: kind, PathOrURI: pathOrURI, ContentHash: contentHash, SizeBytes: sizeBytes, IdempotencyKey: idempotencyKey}
	query := r.q(`INSERT INTO artifacts (artifact_id, state_id, kind, path_or_uri, content_hash, size_bytes, idempotency_key) VALUES (?, ?, ?, ?, ?, ?, ?)`, 7)
	if _, err := r.db.ExecContext(ctx, query, artifact.ArtifactID, stateID, kind, pathOrURI, nullStr(contentHash), sizeBytes, nullStr(idempotencyKey)); err != nil {
		return nil, fmt.Errorf("landscape: record_artifact: %w", err)
	}
	return artifact, nil
}

func (r *SQLRecorder) RecordValidationError(ctx context.Context, runID, sourceNodeID string, rowIndex int, reason, rawDataRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	query := r.q(`INSERT INTO validation_errors (run_id, source_node_id, row_index, reason, raw_data_ref, created_at) VALUES (?, ?, ?, ?, ?, ?)`, 6)
	if _, err := r.db.ExecContext(ctx, query, runID, sourceNodeID, rowIndex, reason, nullStr(rawDataRef), now()); err != nil {
		return fmt.Errorf("landscape: record_validation_error: %w", err)
	}
	return nil
}

func (r *SQLRecorder) RecordCall(ctx context.Context, stateID, target, requestHash, responseHash string, durationMS int64) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := &Call{CallID: ids.New(), StateID: stateID, Target: target, RequestHash: requestHash, ResponseHash: responseHash, DurationMS: durationMS, CreatedAt: now()}
	query := r.q(`INSERT INTO calls (call_id, state_id, target, request_hash, response_hash, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`, 7)
	if _, err := r.db.ExecContext(ctx, query, call.CallID, stateID, target, nullStr(requestHash), nullStr(responseHash), durationMS, call.CreatedAt); err != nil {
		return nil, fmt.Errorf("landscape: record_call: %w", err)
	}
	return call, nil
}

func (r *SQLRecorder) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := r.q(`SELECT run_id, started_at, completed_at, status, config_hash, canonical_version FROM runs WHERE run_id = ?`, 1)
	row := r.db.QueryRowContext(ctx, query, runID)
	var run Run
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&run.RunID, &run.StartedAt, &completedAt, &status, &run.ConfigHash, &run.CanonicalVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("landscape: get_run: run %s not found", runID)
		}
		return nil, fmt.Errorf("landscape: get_run: %w", err)
	}
	run.Status = RunStatus(status)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func (r *SQLRecorder) ListNodeStates(ctx context.Context, runID string) ([]*NodeState, error) {
	query := r.q(`SELECT ns.state_id, ns.token_id, ns.node_id, ns.attempt, ns.status, ns.started_at, ns.completed_at, ns.input_hash, ns.output_hash, ns.duration_ms, ns.error_json FROM node_states ns JOIN nodes n ON ns.node_id = n.node_id WHERE n.run_id = ? ORDER BY ns.started_at, ns.attempt`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_node_states: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeState
	for rows.Next() {
		var s NodeState
		var completedAt sql.NullTime
		var outputHash, errJSON sql.NullString
		var duration sql.NullInt64
		var status string
		if err := rows.Scan(&s.StateID, &s.TokenID, &s.NodeID, &s.Attempt, &status, &s.StartedAt, &completedAt, &s.InputHash, &outputHash, &duration, &errJSON); err != nil {
			return nil, fmt.Errorf("landscape: list_node_states: scan: %w", err)
		}
		s.Status = NodeStateStatus(status)
		if completedAt.Valid {
			s.CompletedAt = &completedAt.Time
		}
		s.OutputHash = outputHash.String
		s.DurationMS = duration.Int64
		if errJSON.Valid {
			_ = json.Unmarshal([]byte(errJSON.String), &s.ErrorJSON)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) ListRoutingEvents(ctx context.Context, runID string) ([]*RoutingEvent, error) {
	query := r.q(`SELECT re.event_id, re.state_id, re.kind, re.destinations_json, re.mode, re.reason_json FROM routing_events re JOIN node_states ns ON re.state_id = ns.state_id JOIN nodes n ON ns.node_id = n.node_id WHERE n.run_id = ?`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_routing_events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RoutingEvent
	for rows.Next() {
		var e RoutingEvent
		var destJSON, reasonJSON, kind, mode string
		if err := rows.Scan(&e.EventID, &e.StateID, &kind, &destJSON, &mode, &reasonJSON); err != nil {
			return nil, fmt.Errorf("landscape: list_routing_events: scan: %w", err)
		}
		e.Kind = RoutingKind(kind)
		e.Mode = EdgeMode(mode)
		_ = json.Unmarshal([]byte(destJSON), &e.Destinations)
		_ = json.Unmarshal([]byte(reasonJSON), &e.Reason)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) ListTokenParents(ctx context.Context, runID string) ([]*TokenParent, error) {
	query := r.q(`SELECT tp.token_id, tp.parent_token_id, tp.ordinal FROM token_parents tp JOIN tokens t ON tp.token_id = t.token_id JOIN rows_ rw ON t.row_id = rw.row_id WHERE rw.run_id = ?`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_token_parents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*TokenParent
	for rows.Next() {
		var p TokenParent
		if err := rows.Scan(&p.TokenID, &p.ParentTokenID, &p.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: list_token_parents: scan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) ListBatchMembers(ctx context.Context, runID string) ([]*BatchMember, error) {
	query := r.q(`SELECT bm.batch_id, bm.token_id, bm.ordinal FROM batch_members bm JOIN batches b ON bm.batch_id = b.batch_id WHERE b.run_id = ?`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_batch_members: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*BatchMember
	for rows.Next() {
		var m BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, fmt.Errorf("landscape: list_batch_members: scan: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) ListBatches(ctx context.Context, runID string) ([]*Batch, error) {
	query := r.q(`SELECT batch_id, run_id, node_id, status, created_at, completed_at FROM batches WHERE run_id = ?`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Batch
	for rows.Next() {
		var b Batch
		var status string
		var completedAt sql.NullTime
		if err := rows.Scan(&b.BatchID, &b.RunID, &b.NodeID, &status, &b.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("landscape: list_batches: scan: %w", err)
		}
		b.Status = BatchStatus(status)
		if completedAt.Valid {
			b.CompletedAt = &completedAt.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (r *SQLRecorder) ListTokens(ctx context.Context, runID string) ([]*Token, error) {
	query := r.q(`SELECT t.token_id, t.row_id, t.created_at, t.fork_group_id, t.join_group_id, t.expand_group_id, t.branch_name, t.step_in_pipeline, t.has_step FROM tokens t JOIN rows_ rw ON t.row_id = rw.row_id WHERE rw.run_id = ?`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: list_tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Token
	for rows.Next() {
		var t Token
		var fork, join, expand, branch sql.NullString
		var step sql.NullInt64
		var hasStep bool
		if err := rows.Scan(&t.TokenID, &t.RowID, &t.CreatedAt, &fork, &join, &expand, &branch, &step, &hasStep); err != nil {
			return nil, fmt.Errorf("landscape: list_tokens: scan: %w", err)
		}
		t.ForkGroupID, t.JoinGroupID, t.ExpandGroupID, t.BranchName = fork.String, join.String, expand.String, branch.String
		t.StepInPipeline = int(step.Int64)
		t.HasStep = hasStep
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Verify recomputes runID's in-memory-mirrored ledger chain (populated since
// process start) and reports whether it is intact. For a chain spanning a
// prior process's writes, callers should reconstruct it from ledger_links
// via VerifyPersisted.
func (r *SQLRecorder) Verify(runID string) (bool, error) {
	r.mu.Lock()
	chain, ok := r.chains[runID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("landscape: verify: run %s has no in-process chain", runID)
	}
	return chain.Verify()
}

// VerifyPersisted recomputes the hash chain directly from ledger_links,
// independent of in-process state -- this is what `elspeth verify` uses
// against a database written by a prior process.
func (r *SQLRecorder) VerifyPersisted(ctx context.Context, runID string) (bool, error) {
	query := r.q(`SELECT seq, state_id, prev_hash, payload_hash, content_hash FROM ledger_links WHERE run_id = ? ORDER BY seq`, 1)
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return false, fmt.Errorf("landscape: verify_persisted: %w", err)
	}
	defer func() { _ = rows.Close() }()

	chain := newHashChain()
	for rows.Next() {
		var seq int
		var stateID, prevHash, payloadHash, contentHash string
		if err := rows.Scan(&seq, &stateID, &prevHash, &payloadHash, &contentHash); err != nil {
			return false, fmt.Errorf("landscape: verify_persisted: scan: %w", err)
		}
		computedPrev := ""
		if len(chain.links) > 0 {
			computedPrev = chain.links[len(chain.links)-1].contentHash
		}
		if computedPrev != prevHash {
			return false, nil
		}
		recomputed, err := chain.Append(stateID, payloadHash)
		if err != nil {
			return false, err
		}
		if recomputed != contentHash {
			return false, nil
		}
	}
	return true, rows.Err()
}

func (r *SQLRecorder) Close() error { return r.db.Close() }

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func marshalOptional(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Recorder = (*SQLRecorder)(nil)
