package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tachyon-beep/elspeth/pkg/canonicalize"
	"github.com/tachyon-beep/elspeth/pkg/elserr"
	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/telemetry"
	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// Run executes the compiled graph end to end: begin the run, register the
// graph, start plugins, stream the source, drain the work queue, flush
// aggregation buffers, finish plugins, and complete the run. The recorder
// and payload store stay open afterwards so the explain read model can
// still query them; their lifetime belongs to the caller.
func (o *Orchestrator) Run(ctx context.Context) (RunResult, error) {
	configHash, err := canonicalize.CanonicalHash(o.configFingerprint())
	if err != nil {
		return RunResult{}, elserr.NewConfigError("hash_config", err)
	}

	run, err := o.recorder.BeginRun(ctx, configHash, canonicalize.Version)
	if err != nil {
		return RunResult{}, elserr.NewAuditError("begin_run", err)
	}
	o.runID = run.RunID
	o.logger.Info("run started", "run_id", o.runID, "config_hash", configHash)

	if err := o.registerGraph(ctx); err != nil {
		return o.finishRun(ctx, err)
	}
	if err := o.startPlugins(ctx); err != nil {
		return o.finishRun(ctx, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < o.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := o.queue.Pop()
				if !ok {
					return
				}
				if perr := o.processItem(ctx, item); perr != nil {
					o.fatal(perr)
				}
				o.queue.Done()
			}
		}()
	}

	if err := o.streamSource(ctx); err != nil {
		o.fatal(err)
	}

	// Drain in phases: wait for quiescence, then sweep aggregation
	// buffers and unresolved joins; each sweep can enqueue more work.
	o.queue.WaitIdle()
	for o.fatalError() == nil {
		flushedAgg, aerr := o.agg.flushAll(ctx)
		if aerr != nil {
			o.fatal(aerr)
			break
		}
		o.queue.WaitIdle()
		flushedJoin, jerr := o.finalizeCoalesce(ctx)
		if jerr != nil {
			o.fatal(jerr)
			break
		}
		if !flushedAgg && !flushedJoin {
			break
		}
		o.queue.WaitIdle()
	}

	o.queue.Close(false)
	wg.Wait()

	return o.finishRun(ctx, o.fatalError())
}

// finishRun performs the best-effort tail: on_complete hooks, run
// completion, telemetry drain.
func (o *Orchestrator) finishRun(ctx context.Context, cause error) (RunResult, error) {
	o.completePlugins(ctx)

	status := landscape.RunStatusCompleted
	if cause != nil {
		status = landscape.RunStatusFailed
	}
	if err := o.recorder.CompleteRun(ctx, o.runID, status); err != nil {
		o.logger.Error("complete_run failed", "run_id", o.runID, "error", err)
		if cause == nil {
			cause = elserr.NewAuditError("complete_run", err)
			status = landscape.RunStatusFailed
		}
	}

	if o.tele != nil {
		o.tele.Shutdown(o.teleTimeout)
	}

	result := RunResult{RunID: o.runID, Status: status, RowsProcessed: atomic.LoadInt64(&o.sinkWrites)}
	o.logger.Info("run finished", "run_id", o.runID, "status", string(status), "rows_processed", result.RowsProcessed)
	return result, cause
}

// configFingerprint builds the stable representation hashed into
// run.config_hash.
func (o *Orchestrator) configFingerprint() map[string]interface{} {
	p := o.graph.Pipeline()
	stages := make([]interface{}, 0, len(p.Stages))
	for i := range p.Stages {
		nodeID, _ := o.graph.StageID(i)
		node, _ := o.graph.GetNodeInfo(nodeID)
		stages = append(stages, map[string]interface{}{
			"plugin":  node.Descriptor.Name,
			"version": node.Descriptor.PluginVersion,
			"type":    string(node.Type),
			"options": node.Options,
			"routes":  node.Routes,
		})
	}
	sinks := make(map[string]interface{}, len(p.Sinks))
	for name, id := range o.graph.GetSinkIDMap() {
		node, _ := o.graph.GetNodeInfo(id)
		sinks[name] = map[string]interface{}{
			"plugin":  node.Descriptor.Name,
			"version": node.Descriptor.PluginVersion,
			"options": node.Options,
		}
	}
	srcNode, _ := o.graph.GetNodeInfo(o.graph.SourceID())
	return map[string]interface{}{
		"datasource": map[string]interface{}{
			"plugin":  srcNode.Descriptor.Name,
			"version": srcNode.Descriptor.PluginVersion,
			"options": srcNode.Options,
		},
		"row_plugins": stages,
		"sinks":       sinks,
		"output_sink": p.OutputSink,
	}
}

// registerGraph writes every compiled node and edge to the recorder using
// the graph's explicit IDs.
func (o *Orchestrator) registerGraph(ctx context.Context) error {
	for _, nodeID := range o.graph.TopologicalOrder() {
		node, _ := o.graph.GetNodeInfo(nodeID)
		schema := landscape.SchemaConfig{
			InputSchema:  node.Descriptor.InputSchema,
			OutputSchema: node.Descriptor.OutputSchema,
		}
		if _, err := o.recorder.RegisterNode(ctx, o.runID, node.NodeID, node.Descriptor.Name, node.Type, node.Descriptor.PluginVersion, node.Options, node.Descriptor.Determinism, schema, node.Sequence); err != nil {
			return elserr.NewAuditError("register_node", err)
		}
	}
	for _, e := range o.graph.GetEdges() {
		if _, err := o.recorder.RegisterEdge(ctx, o.runID, e.EdgeID, e.FromNodeID, e.ToNodeID, e.Label, e.Mode); err != nil {
			return elserr.NewAuditError("register_edge", err)
		}
	}
	return nil
}

// pluginHandle returns a node's bound plugin as an untyped handle, for
// lifecycle hook dispatch.
func pluginHandle(node *graph.NodeInfo) interface{} {
	switch {
	case node.Source != nil:
		return node.Source
	case node.Transform != nil:
		return node.Transform
	case node.Gate != nil:
		return node.Gate
	case node.Aggregation != nil:
		return node.Aggregation
	case node.Coalesce != nil:
		return node.Coalesce
	default:
		return node.Sink
	}
}

// startPlugins calls on_start on every stage, in topological order.
// Errors propagate and fail the run before any row is read.
func (o *Orchestrator) startPlugins(ctx context.Context) error {
	for _, nodeID := range o.graph.TopologicalOrder() {
		node, _ := o.graph.GetNodeInfo(nodeID)
		if starter, ok := pluginHandle(node).(plugin.OnStarter); ok {
			if err := starter.OnStart(ctx, o.pluginContext(node, "")); err != nil {
				return fmt.Errorf("engine: on_start %s: %w", node.NodeID, err)
			}
		}
	}
	return nil
}

// completePlugins calls on_complete (and sink Close) best-effort; failures
// are logged and do not alter the final run status.
func (o *Orchestrator) completePlugins(ctx context.Context) {
	for _, nodeID := range o.graph.TopologicalOrder() {
		node, _ := o.graph.GetNodeInfo(nodeID)
		pctx := o.pluginContext(node, "")
		if node.Sink != nil {
			if err := node.Sink.Close(ctx, pctx); err != nil {
				o.logger.Warn("sink close failed", "node_id", node.NodeID, "error", err)
			}
		}
		if completer, ok := pluginHandle(node).(plugin.OnCompleter); ok {
			if err := completer.OnComplete(ctx, pctx); err != nil {
				o.logger.Warn("on_complete failed", "node_id", node.NodeID, "error", err)
			}
		}
	}
}

// streamSource iterates the source's lazy row stream, validating each row
// at the trust boundary and seeding one token per admitted row.
func (o *Orchestrator) streamSource(ctx context.Context) error {
	srcNode, _ := o.graph.GetNodeInfo(o.graph.SourceID())
	src := srcNode.Source

	validator := (*validatorHolder)(nil)
	if srcNode.Descriptor.OutputSchema != nil {
		compiled, err := graph.CompileStrict(srcNode.Descriptor.OutputSchema)
		if err != nil {
			return elserr.NewConfigError("source_schema", err)
		}
		validator = &validatorHolder{validate: func(v interface{}) error { return compiled.Validate(v) }}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	rows, errCh := src.Stream(sctx)

	for sr := range rows {
		if o.fatalError() != nil {
			cancel()
			break
		}
		data := map[string]interface{}(sr.Data)
		if validator != nil {
			if verr := validator.validate(data); verr != nil {
				if qerr := o.quarantineRow(ctx, srcNode, src, sr, verr); qerr != nil {
					return qerr
				}
				continue
			}
		}

		row, err := o.recorder.CreateRow(ctx, o.runID, srcNode.NodeID, sr.Index, data)
		if err != nil {
			return elserr.NewAuditError("create_row", err)
		}
		tok, err := o.recorder.CreateToken(ctx, row.RowID)
		if err != nil {
			return elserr.NewAuditError("create_token", err)
		}
		state, err := o.recorder.BeginNodeState(ctx, tok.TokenID, srcNode.NodeID, -1, data, 1)
		if err != nil {
			return elserr.NewAuditError("begin_node_state", err)
		}
		if err := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, data, 0, nil, nil); err != nil {
			return elserr.NewAuditError("complete_node_state", err)
		}
		o.emit(telemetry.GranularityNodeState, "node_completed", srcNode.NodeID, tok.TokenID, map[string]interface{}{"row_index": sr.Index}, nil)

		o.enqueue(&workItem{
			token:          tokenmanager.Managed{Token: tok, RowData: sr.Data.Clone()},
			startStep:      0,
			coalesceAtStep: -1,
		})
	}

	if serr := <-errCh; serr != nil {
		return fmt.Errorf("engine: source stream: %w", serr)
	}
	return nil
}

type validatorHolder struct {
	validate func(interface{}) error
}

// quarantineRow handles a source row that failed schema validation: the
// failure is recorded, the raw row optionally externalized and routed to
// the declared quarantine sink, and no token is ever created.
func (o *Orchestrator) quarantineRow(ctx context.Context, srcNode *graph.NodeInfo, src plugin.Source, sr plugin.SourceRow, cause error) error {
	rawRef := ""
	if o.payloads != nil {
		if raw, jerr := canonicalize.JCS(map[string]interface{}(sr.Data)); jerr == nil {
			if ref, perr := o.payloads.Put(ctx, raw); perr == nil {
				rawRef = ref
			} else {
				return elserr.NewAuditError("externalize_quarantined_row", perr)
			}
		}
	}
	if err := o.recorder.RecordValidationError(ctx, o.runID, srcNode.NodeID, sr.Index, cause.Error(), rawRef); err != nil {
		return elserr.NewAuditError("record_validation_error", err)
	}
	o.emit(telemetry.GranularityRun, "quarantine", srcNode.NodeID, "", map[string]interface{}{"row_index": sr.Index}, cause)

	if src.OnValidationFailure() == plugin.OnValidationFailureQuarantine && src.QuarantineSink() != "" {
		sinkID, ok := o.graph.SinkID(src.QuarantineSink())
		if !ok {
			return elserr.NewConfigError("quarantine_sink", fmt.Errorf("sink %q is not declared", src.QuarantineSink()))
		}
		sinkNode, _ := o.graph.GetNodeInfo(sinkID)
		// The raw row never became a token, so the write happens outside
		// any node state; the validation_errors row is its audit record.
		if _, werr := sinkNode.Sink.Write(ctx, sr.Data, o.pluginContext(sinkNode, "")); werr != nil {
			o.logger.Warn("quarantine sink write failed", "sink", src.QuarantineSink(), "row_index", sr.Index, "error", werr)
		}
	} else {
		o.logger.Info("row dropped at source validation", "row_index", sr.Index, "reason", cause.Error())
	}
	return nil
}

func (o *Orchestrator) enqueue(item *workItem) {
	o.queue.Push(item)
}

func (o *Orchestrator) stageNode(step int) *graph.NodeInfo {
	nodeID, _ := o.graph.StageID(step)
	node, _ := o.graph.GetNodeInfo(nodeID)
	return node
}

// processItem walks one token forward from its start step until it
// terminates: at a sink, in a buffer, by filtering, by forking or
// expanding into children, or by failure. A non-nil return is run-fatal.
func (o *Orchestrator) processItem(ctx context.Context, item *workItem) error {
	stageCount := o.graph.StageCount()
	step := item.startStep

	for step < stageCount {
		if item.coalesceAtStep == step {
			return o.handleCoalesceArrival(ctx, item, o.stageNode(step), false)
		}
		node := o.stageNode(step)
		if node == nil {
			return fmt.Errorf("engine: no stage at step %d", step)
		}

		switch node.Type {
		case landscape.NodeTypeTransform:
			outcome, row, rows, err := o.execTransform(ctx, item, node)
			if err != nil {
				return err
			}
			switch outcome {
			case transformContinue:
				item.token.RowData = row
				step++
			case transformFiltered:
				return nil
			case transformExpanded:
				return o.expandToken(ctx, item, node, rows, step)
			case transformFailed:
				return o.handleBranchFailure(ctx, item)
			}

		case landscape.NodeTypeGate:
			res, ok, err := o.execGate(ctx, item, node)
			if err != nil {
				return err
			}
			if !ok {
				return o.handleBranchFailure(ctx, item)
			}
			item.token.RowData = res.Row

			switch res.Action.Kind {
			case landscape.RoutingContinue:
				step++

			case landscape.RoutingRouteToSink:
				if len(res.Action.Destinations) != 1 {
					return &elserr.PluginTypeError{NodeID: node.NodeID, Reason: fmt.Sprintf("route_to_sink carries %d destinations, want 1", len(res.Action.Destinations))}
				}
				sinkNode, rerr := o.resolveRoute(node, res.Action.Destinations[0])
				if rerr != nil {
					return rerr
				}
				if res.Action.Mode == landscape.EdgeModeCopy {
					// Copy: the sink receives a copy, the original token
					// continues down the spine.
					if _, serr := o.execSink(ctx, item.token, item.token.RowData.Clone(), sinkNode); serr != nil {
						return serr
					}
					step++
					continue
				}
				wrote, serr := o.execSink(ctx, item.token, item.token.RowData, sinkNode)
				if serr != nil {
					return serr
				}
				if wrote {
					atomic.AddInt64(&o.sinkWrites, 1)
				}
				return nil

			case landscape.RoutingForkPaths:
				return o.forkToken(ctx, item, node, res.Action.Destinations, step)

			default:
				return &elserr.PluginTypeError{NodeID: node.NodeID, Reason: fmt.Sprintf("unknown routing kind %q", res.Action.Kind)}
			}

		case landscape.NodeTypeAggregation:
			return o.agg.accept(ctx, item, node)

		case landscape.NodeTypeCoalesce:
			// A token that was never forked has nothing to join; it passes
			// the stage with a skipped state.
			state, err := o.recorder.BeginNodeState(ctx, item.token.Token.TokenID, node.NodeID, node.StageIndex, map[string]interface{}(item.token.RowData), 1)
			if err != nil {
				return elserr.NewAuditError("begin_node_state", err)
			}
			if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateSkipped, nil, 0, nil, nil); cerr != nil {
				return elserr.NewAuditError("complete_node_state", cerr)
			}
			step++

		default:
			return fmt.Errorf("engine: unexpected node type %q on the spine", node.Type)
		}
	}

	// End of the spine: the token terminates at the output sink.
	outNode, _ := o.graph.GetNodeInfo(o.graph.OutputSinkID())
	wrote, err := o.execSink(ctx, item.token, item.token.RowData, outNode)
	if err != nil {
		return err
	}
	if wrote {
		atomic.AddInt64(&o.sinkWrites, 1)
	}
	return nil
}

// expandToken turns a multi-row transform result into child tokens, one
// per row, enqueued on the same path at the next step.
func (o *Orchestrator) expandToken(ctx context.Context, item *workItem, node *graph.NodeInfo, rows []plugin.Row, step int) error {
	expanded := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		expanded[i] = r
	}
	children, err := o.tokens.Expand(ctx, item.token, expanded, step+1)
	if err != nil {
		return elserr.NewAuditError("expand_token", err)
	}
	o.emit(telemetry.GranularityNodeState, "token_expanded", node.NodeID, item.token.Token.TokenID, map[string]interface{}{"children": len(children)}, nil)
	for _, child := range children {
		o.enqueue(&workItem{
			token:          child,
			startStep:      step + 1,
			coalesceAtStep: item.coalesceAtStep,
			coalesceName:   item.coalesceName,
		})
	}
	return nil
}

// forkToken creates one child per branch destination and enqueues each at
// the next step. When a coalesce stage is declared downstream, children
// carry its step and name so the join can collect them.
func (o *Orchestrator) forkToken(ctx context.Context, item *workItem, node *graph.NodeInfo, branches []string, step int) error {
	if len(branches) == 0 {
		return &elserr.PluginTypeError{NodeID: node.NodeID, Reason: "fork_to_paths carries no destinations"}
	}
	children, err := o.tokens.Fork(ctx, item.token, branches, step+1, nil)
	if err != nil {
		return elserr.NewAuditError("fork_token", err)
	}
	cStep, cName := o.nextCoalesce(step + 1)
	if cStep >= 0 {
		o.coalescer.expect(children[0].Token.ForkGroupID, cName, len(children))
	}
	o.emit(telemetry.GranularityNodeState, "token_forked", node.NodeID, item.token.Token.TokenID, map[string]interface{}{"branches": branches}, nil)
	for _, child := range children {
		o.enqueue(&workItem{
			token:          child,
			startStep:      step + 1,
			coalesceAtStep: cStep,
			coalesceName:   cName,
		})
	}
	return nil
}

// nextCoalesce finds the first coalesce stage at or after the given step.
func (o *Orchestrator) nextCoalesce(from int) (int, string) {
	p := o.graph.Pipeline()
	for i := from; i < len(p.Stages); i++ {
		if p.Stages[i].Coalesce != nil {
			return i, p.Stages[i].CoalesceName
		}
	}
	return -1, ""
}

// resolveRoute maps a gate's route label to its destination sink node via
// the gate's declared routes and the graph's sink-ID map. An undeclared
// label is an upstream bug and crashes the run.
func (o *Orchestrator) resolveRoute(gate *graph.NodeInfo, label string) (*graph.NodeInfo, error) {
	sinkName, ok := gate.Routes[label]
	if !ok {
		return nil, &elserr.PluginTypeError{NodeID: gate.NodeID, Reason: fmt.Sprintf("gate returned undeclared route label %q", label)}
	}
	sinkID, ok := o.graph.SinkID(sinkName)
	if !ok {
		return nil, &elserr.PluginTypeError{NodeID: gate.NodeID, Reason: fmt.Sprintf("route label %q resolves to undeclared sink %q", label, sinkName)}
	}
	node, _ := o.graph.GetNodeInfo(sinkID)
	return node, nil
}

// handleBranchFailure reports a failed forked branch to its join point so
// the coalesce policy can account for it; outside a fork the failed token
// simply stops.
func (o *Orchestrator) handleBranchFailure(ctx context.Context, item *workItem) error {
	if item.coalesceAtStep < 0 {
		return nil
	}
	return o.handleCoalesceArrival(ctx, item, o.stageNode(item.coalesceAtStep), true)
}
