package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/canonicalize"
	"github.com/tachyon-beep/elspeth/pkg/elserr"
	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/telemetry"
	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// aggMember is one buffered token awaiting flush: its open node state
// stays running until the batch resolves, which is what makes the derived
// outcome "buffered" in the meantime.
type aggMember struct {
	token   tokenmanager.Managed
	stateID string
	row     plugin.Row
	started time.Time

	coalesceAtStep int
	coalesceName   string
}

// aggBuffer is the per-node buffer plus its draft batch.
type aggBuffer struct {
	batchID string
	members []aggMember
	bytes   int64
	firstAt time.Time
}

// aggregator guards every aggregation node's buffer and owns the batch
// protocol: draft on first accept, eager member records, atomic flush.
type aggregator struct {
	o  *Orchestrator
	mu sync.Mutex
	// buffers is keyed by node ID.
	buffers map[string]*aggBuffer
}

func newAggregator(o *Orchestrator) *aggregator {
	return &aggregator{o: o, buffers: make(map[string]*aggBuffer)}
}

// accept offers one token to an aggregation node. The token is either
// buffered (its node state left running) or the buffer flushes, in which
// case downstream work items are enqueued before accept returns. The
// returned error is always fatal.
func (a *aggregator) accept(ctx context.Context, item *workItem, node *graph.NodeInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o := a.o
	tok := item.token
	if err := o.externalizePayload(ctx, tok.RowData); err != nil {
		return err
	}

	state, err := o.recorder.BeginNodeState(ctx, tok.Token.TokenID, node.NodeID, node.StageIndex, map[string]interface{}(tok.RowData), 1)
	if err != nil {
		return elserr.NewAuditError("begin_node_state", err)
	}
	o.emit(telemetry.GranularityNodeState, "node_started", node.NodeID, tok.Token.TokenID, nil, nil)

	res, aerr := node.Aggregation.Accept(ctx, tok.RowData, o.pluginContext(node, state.StateID))
	if aerr != nil {
		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateFailed, nil, 0, errInfoOf(aerr.Error(), false), nil); cerr != nil {
			return elserr.NewAuditError("complete_node_state", cerr)
		}
		o.logger.Warn("aggregation accept failed", "node_id", node.NodeID, "token_id", tok.Token.TokenID, "error", aerr)
		return nil
	}
	if !res.Accepted {
		// A row the plugin declines is excluded like a filtered row.
		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, nil, 0, nil, map[string]interface{}{"accepted": false}); cerr != nil {
			return elserr.NewAuditError("complete_node_state", cerr)
		}
		return nil
	}

	buf := a.buffers[node.NodeID]
	if buf == nil {
		batch, berr := o.recorder.CreateBatch(ctx, o.runID, node.NodeID)
		if berr != nil {
			return elserr.NewAuditError("create_batch", berr)
		}
		buf = &aggBuffer{batchID: batch.BatchID, firstAt: time.Now()}
		a.buffers[node.NodeID] = buf
		o.emit(telemetry.GranularityBatch, "batch_status_changed", node.NodeID, "", map[string]interface{}{"batch_id": batch.BatchID, "status": string(landscape.BatchStatusDraft)}, nil)
	}

	ordinal := len(buf.members)
	if merr := o.recorder.AddBatchMember(ctx, buf.batchID, tok.Token.TokenID, ordinal); merr != nil {
		return elserr.NewAuditError("add_batch_member", merr)
	}
	rowBytes, herr := canonicalize.JCS(map[string]interface{}(tok.RowData))
	if herr != nil {
		return elserr.NewAuditError("canonicalize_row", herr)
	}
	buf.bytes += int64(len(rowBytes))
	buf.members = append(buf.members, aggMember{
		token:          tok,
		stateID:        state.StateID,
		row:            tok.RowData,
		started:        state.StartedAt,
		coalesceAtStep: item.coalesceAtStep,
		coalesceName:   item.coalesceName,
	})

	if a.shouldFlush(node, buf, res.Trigger) {
		return a.flushLocked(ctx, node, buf, len(buf.members)-1)
	}
	return nil
}

func (a *aggregator) shouldFlush(node *graph.NodeInfo, buf *aggBuffer, acceptTrigger bool) bool {
	if acceptTrigger || node.Aggregation.ShouldTrigger() {
		return true
	}
	cfg := node.Aggregation.TriggerConfig()
	if cfg.Count > 0 && len(buf.members) >= cfg.Count {
		return true
	}
	if cfg.MaxBytes > 0 && buf.bytes >= cfg.MaxBytes {
		return true
	}
	if cfg.MaxDuration > 0 && time.Since(buf.firstAt) >= time.Duration(cfg.MaxDuration) {
		return true
	}
	return false
}

// flushLocked drives one batch through executing to completed or failed.
// triggerIdx names the member whose arrival triggered the flush; it is the
// carrier in single mode and the recorded parent in transform mode.
func (a *aggregator) flushLocked(ctx context.Context, node *graph.NodeInfo, buf *aggBuffer, triggerIdx int) error {
	o := a.o
	delete(a.buffers, node.NodeID)

	if err := o.recorder.UpdateBatchStatus(ctx, buf.batchID, landscape.BatchStatusExecuting, nil); err != nil {
		return elserr.NewAuditError("update_batch_status", err)
	}
	o.emit(telemetry.GranularityBatch, "batch_status_changed", node.NodeID, "", map[string]interface{}{"batch_id": buf.batchID, "status": string(landscape.BatchStatusExecuting)}, nil)

	trigger := buf.members[triggerIdx]
	outputs, ferr := node.Aggregation.Flush(ctx, o.pluginContext(node, trigger.stateID))
	if ferr == nil {
		switch node.Aggregation.OutputMode() {
		case plugin.OutputModeSingle:
			if len(outputs) != 1 {
				ferr = fmt.Errorf("engine: single-mode flush emitted %d rows, want exactly 1", len(outputs))
			}
		case plugin.OutputModePassthrough:
			if len(outputs) != len(buf.members) {
				ferr = fmt.Errorf("engine: passthrough flush emitted %d rows for %d buffered inputs", len(outputs), len(buf.members))
			}
		default:
			if len(outputs) < 1 {
				ferr = fmt.Errorf("engine: transform-mode flush emitted no rows")
			}
		}
	}
	if ferr != nil {
		return a.failBatch(ctx, node, buf, ferr)
	}

	for i, out := range outputs {
		hash, herr := canonicalize.CanonicalHash(map[string]interface{}(out))
		if herr != nil {
			return a.failBatch(ctx, node, buf, herr)
		}
		if oerr := o.recorder.AddBatchOutput(ctx, buf.batchID, i, hash, ""); oerr != nil {
			return elserr.NewAuditError("add_batch_output", oerr)
		}
	}
	if err := o.recorder.UpdateBatchStatus(ctx, buf.batchID, landscape.BatchStatusCompleted, nil); err != nil {
		return elserr.NewAuditError("update_batch_status", err)
	}
	o.emit(telemetry.GranularityBatch, "batch_status_changed", node.NodeID, "", map[string]interface{}{"batch_id": buf.batchID, "status": string(landscape.BatchStatusCompleted)}, nil)

	// Complete every member's open state. Passthrough members carry their
	// paired output row; consumed members carry none.
	passthrough := node.Aggregation.OutputMode() == plugin.OutputModePassthrough
	for i, m := range buf.members {
		var outputData interface{}
		if passthrough {
			outputData = map[string]interface{}(outputs[i])
		}
		durationMS := time.Since(m.started).Milliseconds()
		if cerr := o.recorder.CompleteNodeState(ctx, m.stateID, landscape.NodeStateCompleted, outputData, durationMS, nil, nil); cerr != nil {
			return elserr.NewAuditError("complete_node_state", cerr)
		}
		o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, m.token.Token.TokenID, map[string]interface{}{"batch_id": buf.batchID}, nil)
	}

	return a.dispatchOutputs(ctx, node, buf, trigger, outputs)
}

func (a *aggregator) dispatchOutputs(ctx context.Context, node *graph.NodeInfo, buf *aggBuffer, trigger aggMember, outputs []plugin.Row) error {
	o := a.o
	nextStep := node.StageIndex + 1

	switch node.Aggregation.OutputMode() {
	case plugin.OutputModeSingle:
		// The triggering token is reused as the carrier for the one
		// emitted row.
		carrier := trigger
		carrier.token.RowData = outputs[0].Clone()
		o.enqueue(&workItem{token: carrier.token, startStep: nextStep, coalesceAtStep: carrier.coalesceAtStep, coalesceName: carrier.coalesceName})

	case plugin.OutputModePassthrough:
		for i, m := range buf.members {
			m.token.RowData = outputs[i].Clone()
			o.enqueue(&workItem{token: m.token, startStep: nextStep, coalesceAtStep: m.coalesceAtStep, coalesceName: m.coalesceName})
		}

	case plugin.OutputModeTransform:
		rows := make([]map[string]interface{}, len(outputs))
		for i, out := range outputs {
			rows[i] = out
		}
		children, err := o.tokens.Expand(ctx, trigger.token, rows, nextStep)
		if err != nil {
			return elserr.NewAuditError("expand_token", err)
		}
		o.emit(telemetry.GranularityNodeState, "token_expanded", node.NodeID, trigger.token.Token.TokenID, map[string]interface{}{"children": len(children)}, nil)
		for _, child := range children {
			o.enqueue(&workItem{token: child, startStep: nextStep, coalesceAtStep: trigger.coalesceAtStep, coalesceName: trigger.coalesceName})
		}
	}
	return nil
}

// failBatch fails every buffered token atomically and surfaces a
// BatchError, which the orchestrator treats as run-fatal.
func (a *aggregator) failBatch(ctx context.Context, node *graph.NodeInfo, buf *aggBuffer, cause error) error {
	o := a.o
	if err := o.recorder.UpdateBatchStatus(ctx, buf.batchID, landscape.BatchStatusFailed, errInfoOf(cause.Error(), false)); err != nil {
		return elserr.NewAuditError("update_batch_status", err)
	}
	o.emit(telemetry.GranularityBatch, "batch_status_changed", node.NodeID, "", map[string]interface{}{"batch_id": buf.batchID, "status": string(landscape.BatchStatusFailed)}, nil)
	for _, m := range buf.members {
		durationMS := time.Since(m.started).Milliseconds()
		if cerr := o.recorder.CompleteNodeState(ctx, m.stateID, landscape.NodeStateFailed, nil, durationMS, errInfoOf(cause.Error(), false), nil); cerr != nil {
			return elserr.NewAuditError("complete_node_state", cerr)
		}
	}
	return &elserr.BatchError{BatchID: buf.batchID, NodeID: node.NodeID, Err: cause}
}

// flushAll performs the source-exhaustion sweep: every non-empty buffer
// flushes once, in topological node order, regardless of trigger state.
// The last-arrived member stands in as the triggering token.
func (a *aggregator) flushAll(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	flushed := false
	for _, nodeID := range a.o.graph.TopologicalOrder() {
		buf, ok := a.buffers[nodeID]
		if !ok || len(buf.members) == 0 {
			continue
		}
		node, _ := a.o.graph.GetNodeInfo(nodeID)
		if err := a.flushLocked(ctx, node, buf, len(buf.members)-1); err != nil {
			return flushed, err
		}
		flushed = true
	}
	return flushed, nil
}
