// Package graph compiles a validated pipeline configuration into a typed,
// acyclic ExecutionGraph. The graph carries an explicit node ID for every
// component and explicit lookup maps (sink name -> node ID, spine index ->
// node ID); nothing downstream is ever allowed to resolve a destination by
// substring matching.
package graph

import (
	"fmt"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// ValidationError is the compiler's failure type. Every rejected
// configuration names the rule it broke.
type ValidationError struct {
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("graph validation: %s: %s", e.Rule, e.Detail)
}

func invalid(rule, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// RowStage is one spine position: exactly one of Transform, Gate,
// Aggregation, or Coalesce must be set.
type RowStage struct {
	Transform   plugin.Transform
	Gate        plugin.Gate
	Aggregation plugin.Aggregation
	Coalesce    plugin.Coalesce

	// Routes maps a gate's route labels to sink names; the reserved value
	// "continue" means "use the spine's continue edge" and compiles to no
	// route edge at all.
	Routes map[string]string
	// RouteMode applies to every route edge out of this gate; zero value
	// defaults to move.
	RouteMode landscape.EdgeMode

	// CoalesceName is the join point name forked children are collected
	// under. Coalesce stages only.
	CoalesceName string

	Options map[string]interface{}
	Retry   *plugin.RetryConfig
}

// SinkSpec pairs a sink plugin with its configuration.
type SinkSpec struct {
	Sink    plugin.Sink
	Options map[string]interface{}
	Retry   *plugin.RetryConfig
}

// Pipeline is the compiler's input: a source, an ordered spine of row
// stages, named sinks, and the default output sink.
type Pipeline struct {
	Source        plugin.Source
	SourceOptions map[string]interface{}
	Stages        []RowStage
	Sinks         map[string]SinkSpec
	OutputSink    string
}

// NodeInfo is everything the orchestrator needs to know about one compiled
// vertex, including the bound plugin handles.
type NodeInfo struct {
	NodeID     string
	Type       landscape.NodeType
	Descriptor plugin.Descriptor
	Options    map[string]interface{}

	// Sequence is the position along the linear spine; the source is 0,
	// stages follow, sinks take one position each after the spine, in sorted
	// name order.
	Sequence int
	// StageIndex indexes Pipeline.Stages; -1 for the source and sinks.
	StageIndex int
	// SinkName is set for sink nodes only.
	SinkName string

	Routes       map[string]string
	RouteMode    landscape.EdgeMode
	CoalesceName string
	Retry        plugin.RetryConfig

	Source      plugin.Source
	Transform   plugin.Transform
	Gate        plugin.Gate
	Aggregation plugin.Aggregation
	Coalesce    plugin.Coalesce
	Sink        plugin.Sink
}

// EdgeInfo is one compiled directed edge.
type EdgeInfo struct {
	EdgeID     string
	FromNodeID string
	ToNodeID   string
	Label      string
	Mode       landscape.EdgeMode
}

// ExecutionGraph is the compiled, validated execution plan.
type ExecutionGraph struct {
	nodes    map[string]*NodeInfo
	order    []string
	edges    []EdgeInfo
	sinkIDs  map[string]string
	stageIDs map[int]string
	sourceID string
	pipeline *Pipeline
}

// TopologicalOrder returns every node ID in a valid execution order,
// source first.
func (g *ExecutionGraph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// GetNodeInfo looks a node up by its exact ID.
func (g *ExecutionGraph) GetNodeInfo(nodeID string) (*NodeInfo, bool) {
	n, ok := g.nodes[nodeID]
	return n, ok
}

// GetEdges returns every compiled edge.
func (g *ExecutionGraph) GetEdges() []EdgeInfo {
	out := make([]EdgeInfo, len(g.edges))
	copy(out, g.edges)
	return out
}

// GetSinkIDMap maps declared sink names to their node IDs.
func (g *ExecutionGraph) GetSinkIDMap() map[string]string {
	out := make(map[string]string, len(g.sinkIDs))
	for k, v := range g.sinkIDs {
		out[k] = v
	}
	return out
}

// GetTransformIDMap maps spine stage indexes to their node IDs. The name
// keeps the original interface wording; gates, aggregations, and coalesces
// on the spine appear here too.
func (g *ExecutionGraph) GetTransformIDMap() map[int]string {
	out := make(map[int]string, len(g.stageIDs))
	for k, v := range g.stageIDs {
		out[k] = v
	}
	return out
}

// SourceID returns the source node's ID.
func (g *ExecutionGraph) SourceID() string { return g.sourceID }

// SinkID resolves a sink name to its node ID.
func (g *ExecutionGraph) SinkID(name string) (string, bool) {
	id, ok := g.sinkIDs[name]
	return id, ok
}

// StageID resolves a spine index to its node ID.
func (g *ExecutionGraph) StageID(index int) (string, bool) {
	id, ok := g.stageIDs[index]
	return id, ok
}

// OutputSinkID returns the node ID of the default output sink.
func (g *ExecutionGraph) OutputSinkID() string {
	return g.sinkIDs[g.pipeline.OutputSink]
}

// Pipeline returns the compiled pipeline's input definition.
func (g *ExecutionGraph) Pipeline() *Pipeline { return g.pipeline }

// StageCount returns the spine length.
func (g *ExecutionGraph) StageCount() int { return len(g.pipeline.Stages) }
