package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/canonicalize"
	"github.com/tachyon-beep/elspeth/pkg/elserr"
	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/telemetry"
	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// transformOutcome is what the transform executor reports back to the row
// processor.
type transformOutcome int

const (
	transformContinue transformOutcome = iota
	transformFiltered
	transformExpanded
	transformFailed
)

// errInfoOf shapes an error for node_state.error_json.
func errInfoOf(reason string, retryable bool) map[string]interface{} {
	return map[string]interface{}{"reason": reason, "retryable": retryable}
}

// kindRetryable reports whether an error raised (not returned) by a plugin
// matches one of the stage's declared retryable error kinds.
func kindRetryable(err error, rc plugin.RetryConfig) bool {
	type kinder interface{ Kind() string }
	var k kinder
	if !errors.As(err, &k) {
		return false
	}
	for _, kind := range rc.RetryableErrors {
		if k.Kind() == kind {
			return true
		}
	}
	return false
}

func (o *Orchestrator) acquireRate(ctx context.Context, category string) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Acquire(ctx, category, 1)
}

// externalizePayload writes a row's canonical bytes to the payload store
// when it exceeds the inline threshold. The blob's content address equals
// the hash the recorder stores for the same row, so an auditor can
// recover the payload from any *_hash column.
func (o *Orchestrator) externalizePayload(ctx context.Context, row map[string]interface{}) error {
	if o.payloads == nil || o.inlineThreshold <= 0 {
		return nil
	}
	raw, err := canonicalize.JCS(row)
	if err != nil {
		// Un-canonicalizable rows fail at BeginNodeState with a clearer error.
		return nil
	}
	if int64(len(raw)) <= o.inlineThreshold {
		return nil
	}
	if _, err := o.payloads.Put(ctx, raw); err != nil {
		return elserr.NewAuditError("externalize_payload", err)
	}
	return nil
}

// execTransform runs one transform stage for a token, retrying within the
// stage's budget. It returns the outcome plus the produced row(s); a
// non-nil error is fatal for the run (audit failure or programming error).
func (o *Orchestrator) execTransform(ctx context.Context, item *workItem, node *graph.NodeInfo) (transformOutcome, plugin.Row, []plugin.Row, error) {
	rc := o.retryFor(node)
	tok := item.token
	if err := o.externalizePayload(ctx, tok.RowData); err != nil {
		return transformFailed, nil, nil, err
	}

	for attempt := 1; ; attempt++ {
		state, err := o.recorder.BeginNodeState(ctx, tok.Token.TokenID, node.NodeID, node.StageIndex, map[string]interface{}(tok.RowData), attempt)
		if err != nil {
			return transformFailed, nil, nil, elserr.NewAuditError("begin_node_state", err)
		}
		o.emit(telemetry.GranularityNodeState, "node_started", node.NodeID, tok.Token.TokenID, map[string]interface{}{"attempt": attempt, "input_hash": state.InputHash}, nil)

		if err := o.acquireRate(ctx, node.Descriptor.Name); err != nil {
			return transformFailed, nil, nil, fmt.Errorf("engine: rate limiter: %w", err)
		}

		start := time.Now()
		res, perr := node.Transform.Process(ctx, tok.RowData, o.pluginContext(node, state.StateID))
		durationMS := time.Since(start).Milliseconds()

		reason, retryable := "", false
		switch {
		case perr != nil:
			reason, retryable = perr.Error(), kindRetryable(perr, rc)
		case res.Status == plugin.TransformError:
			reason, retryable = res.Reason, res.Retryable
		case res.Status == plugin.TransformFiltered:
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, nil, durationMS, nil, map[string]interface{}{"filtered": res.Reason}); cerr != nil {
				return transformFailed, nil, nil, elserr.NewAuditError("complete_node_state", cerr)
			}
			o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, tok.Token.TokenID, map[string]interface{}{"filtered": true}, nil)
			return transformFiltered, nil, nil, nil

		default: // success
			if !res.HasOutputData() {
				return transformFailed, nil, nil, &elserr.PluginTypeError{NodeID: node.NodeID, Reason: "success result must carry exactly one of row or rows"}
			}
			if len(res.Rows) > 0 && !node.Transform.CreatesTokens() {
				return transformFailed, nil, nil, &elserr.PluginTypeError{NodeID: node.NodeID, Reason: "multi-row result from a transform that does not create tokens"}
			}

			var outputData interface{}
			if len(res.Rows) > 0 {
				outputData = res.Rows
			} else {
				outputData = map[string]interface{}(res.Row)
			}
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, outputData, durationMS, nil, nil); cerr != nil {
				return transformFailed, nil, nil, elserr.NewAuditError("complete_node_state", cerr)
			}
			o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, tok.Token.TokenID, map[string]interface{}{"attempt": attempt}, nil)
			if len(res.Rows) > 0 {
				return transformExpanded, nil, res.Rows, nil
			}
			return transformContinue, res.Row, nil, nil
		}

		if retryable && attempt < rc.MaxAttempts {
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateRetried, nil, durationMS, errInfoOf(reason, true), nil); cerr != nil {
				return transformFailed, nil, nil, elserr.NewAuditError("complete_node_state", cerr)
			}
			o.sleep(ctx, computeBackoff(rc, node.NodeID, tok.Token.TokenID, attempt))
			continue
		}

		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateFailed, nil, durationMS, errInfoOf(reason, retryable), nil); cerr != nil {
			return transformFailed, nil, nil, elserr.NewAuditError("complete_node_state", cerr)
		}
		o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, tok.Token.TokenID, map[string]interface{}{"failed": true}, &elserr.PluginValueError{NodeID: node.NodeID, Reason: reason})
		o.logger.Warn("transform failed", "node_id", node.NodeID, "token_id", tok.Token.TokenID, "reason", reason, "attempts", attempt)
		return transformFailed, nil, nil, nil
	}
}

// execGate runs one gate stage: exactly one routing event per invocation,
// including continue. The returned action references route labels; label
// resolution to sink node IDs stays with the row processor.
func (o *Orchestrator) execGate(ctx context.Context, item *workItem, node *graph.NodeInfo) (plugin.GateResult, bool, error) {
	rc := o.retryFor(node)
	tok := item.token
	if err := o.externalizePayload(ctx, tok.RowData); err != nil {
		return plugin.GateResult{}, false, err
	}

	for attempt := 1; ; attempt++ {
		state, err := o.recorder.BeginNodeState(ctx, tok.Token.TokenID, node.NodeID, node.StageIndex, map[string]interface{}(tok.RowData), attempt)
		if err != nil {
			return plugin.GateResult{}, false, elserr.NewAuditError("begin_node_state", err)
		}
		o.emit(telemetry.GranularityNodeState, "node_started", node.NodeID, tok.Token.TokenID, map[string]interface{}{"attempt": attempt}, nil)

		start := time.Now()
		res, perr := node.Gate.Evaluate(ctx, tok.RowData, o.pluginContext(node, state.StateID))
		durationMS := time.Since(start).Milliseconds()

		if perr != nil {
			if kindRetryable(perr, rc) && attempt < rc.MaxAttempts {
				if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateRetried, nil, durationMS, errInfoOf(perr.Error(), true), nil); cerr != nil {
					return plugin.GateResult{}, false, elserr.NewAuditError("complete_node_state", cerr)
				}
				o.sleep(ctx, computeBackoff(rc, node.NodeID, tok.Token.TokenID, attempt))
				continue
			}
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateFailed, nil, durationMS, errInfoOf(perr.Error(), false), nil); cerr != nil {
				return plugin.GateResult{}, false, elserr.NewAuditError("complete_node_state", cerr)
			}
			o.logger.Warn("gate failed", "node_id", node.NodeID, "token_id", tok.Token.TokenID, "error", perr)
			return plugin.GateResult{}, false, nil
		}

		mode := res.Action.Mode
		if mode == "" {
			mode = node.RouteMode
		}
		// The reason is deep-copied before recording so a plugin holding
		// on to the map cannot mutate the audit record after the fact.
		reason := deepCopyReason(res.Action.Reason)
		if _, rerr := o.recorder.RecordRoutingEvent(ctx, state.StateID, res.Action.Kind, res.Action.Destinations, mode, reason); rerr != nil {
			return plugin.GateResult{}, false, elserr.NewAuditError("record_routing_event", rerr)
		}
		o.emit(telemetry.GranularityRouting, "routing_decided", node.NodeID, tok.Token.TokenID, map[string]interface{}{
			"kind":         string(res.Action.Kind),
			"destinations": res.Action.Destinations,
		}, nil)

		outRow := res.Row
		if outRow == nil {
			outRow = tok.RowData
		}
		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, map[string]interface{}(outRow), durationMS, nil, nil); cerr != nil {
			return plugin.GateResult{}, false, elserr.NewAuditError("complete_node_state", cerr)
		}
		res.Action.Mode = mode
		res.Row = outRow
		return res, true, nil
	}
}

// execSink writes one row to a sink. Non-idempotent sinks are never
// re-invoked on retry: their write either succeeds on the first attempt or
// the token fails. The returned bool reports write success.
func (o *Orchestrator) execSink(ctx context.Context, tok tokenmanager.Managed, row plugin.Row, node *graph.NodeInfo) (bool, error) {
	rc := o.retryFor(node)
	if !node.Sink.Idempotent() {
		rc.MaxAttempts = 1
	}
	if err := o.externalizePayload(ctx, row); err != nil {
		return false, err
	}

	for attempt := 1; ; attempt++ {
		state, err := o.recorder.BeginNodeState(ctx, tok.Token.TokenID, node.NodeID, node.Sequence, map[string]interface{}(row), attempt)
		if err != nil {
			return false, elserr.NewAuditError("begin_node_state", err)
		}
		o.emit(telemetry.GranularityNodeState, "node_started", node.NodeID, tok.Token.TokenID, map[string]interface{}{"attempt": attempt}, nil)

		if err := o.acquireRate(ctx, node.Descriptor.Name); err != nil {
			return false, fmt.Errorf("engine: rate limiter: %w", err)
		}

		start := time.Now()
		res, werr := node.Sink.Write(ctx, row, o.pluginContext(node, state.StateID))
		durationMS := time.Since(start).Milliseconds()

		if werr == nil {
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, map[string]interface{}(row), durationMS, nil, nil); cerr != nil {
				return false, elserr.NewAuditError("complete_node_state", cerr)
			}
			kind := res.ArtifactKind
			if kind == "" {
				kind = "file"
			}
			if _, aerr := o.recorder.RecordArtifact(ctx, state.StateID, kind, res.PathOrURI, res.ContentHash, res.SizeBytes, res.IdempotencyKey); aerr != nil {
				return false, elserr.NewAuditError("record_artifact", aerr)
			}
			o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, tok.Token.TokenID, map[string]interface{}{"sink": node.SinkName}, nil)
			return true, nil
		}

		retryable := kindRetryable(werr, rc)
		if retryable && attempt < rc.MaxAttempts {
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateRetried, nil, durationMS, errInfoOf(werr.Error(), true), nil); cerr != nil {
				return false, elserr.NewAuditError("complete_node_state", cerr)
			}
			o.sleep(ctx, computeBackoff(rc, node.NodeID, tok.Token.TokenID, attempt))
			continue
		}

		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateFailed, nil, durationMS, errInfoOf(werr.Error(), retryable), nil); cerr != nil {
			return false, elserr.NewAuditError("complete_node_state", cerr)
		}
		o.emit(telemetry.GranularityNodeState, "node_completed", node.NodeID, tok.Token.TokenID, map[string]interface{}{"failed": true}, &elserr.ExternalError{NodeID: node.NodeID, Err: werr})
		o.logger.Warn("sink write failed", "node_id", node.NodeID, "token_id", tok.Token.TokenID, "error", werr)
		return false, nil
	}
}

// sleep waits for the backoff delay, returning early on cancellation.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func deepCopyReason(reason map[string]interface{}) map[string]interface{} {
	if reason == nil {
		return nil
	}
	out := make(map[string]interface{}, len(reason))
	for k, v := range reason {
		out[k] = deepCopyReasonValue(v)
	}
	return out
}

func deepCopyReasonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyReason(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyReasonValue(e)
		}
		return out
	default:
		return v
	}
}
