package graph

import (
	"fmt"
	"sort"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// continueLabel is the spine edge label and the reserved route value that
// means "no route edge, follow the spine".
const continueLabel = "continue"

// Compile validates a pipeline and produces its ExecutionGraph. All
// failures are *ValidationError; callers that need the taxonomy kind wrap
// the result as a config error.
func Compile(p Pipeline) (*ExecutionGraph, error) {
	if p.Source == nil {
		return nil, invalid("source", "pipeline has no source")
	}
	if len(p.Sinks) == 0 {
		return nil, invalid("sinks", "pipeline declares no sinks")
	}
	if _, ok := p.Sinks[p.OutputSink]; !ok {
		return nil, invalid("output_sink", "output_sink %q is not a declared sink", p.OutputSink)
	}

	g := &ExecutionGraph{
		nodes:    make(map[string]*NodeInfo),
		sinkIDs:  make(map[string]string),
		stageIDs: make(map[int]string),
		pipeline: &p,
	}

	if err := g.buildNodes(p); err != nil {
		return nil, err
	}
	if err := g.buildEdges(p); err != nil {
		return nil, err
	}
	if err := g.checkVersions(); err != nil {
		return nil, err
	}
	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	if err := g.checkSinkReachability(p); err != nil {
		return nil, err
	}
	if err := g.checkSchemas(); err != nil {
		return nil, err
	}
	if err := checkExpansionInForkedRegion(p); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *ExecutionGraph) buildNodes(p Pipeline) error {
	srcDesc := p.Source.Descriptor()
	g.sourceID = fmt.Sprintf("source:%s", srcDesc.Name)
	g.nodes[g.sourceID] = &NodeInfo{
		NodeID:     g.sourceID,
		Type:       landscape.NodeTypeSource,
		Descriptor: srcDesc,
		Options:    p.SourceOptions,
		Sequence:   0,
		StageIndex: -1,
		Source:     p.Source,
	}

	for i, stage := range p.Stages {
		info, err := stageNodeInfo(i, stage)
		if err != nil {
			return err
		}
		if _, exists := g.nodes[info.NodeID]; exists {
			return invalid("node_id", "duplicate node id %q", info.NodeID)
		}
		g.nodes[info.NodeID] = info
		g.stageIDs[i] = info.NodeID
	}

	// Sinks occupy the sequence positions after the spine, in sorted name
	// order so compilation is deterministic across processes.
	names := make([]string, 0, len(p.Sinks))
	for name := range p.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		spec := p.Sinks[name]
		if spec.Sink == nil {
			return invalid("sinks", "sink %q has no plugin bound", name)
		}
		nodeID := fmt.Sprintf("sink:%s", name)
		g.nodes[nodeID] = &NodeInfo{
			NodeID:     nodeID,
			Type:       landscape.NodeTypeSink,
			Descriptor: spec.Sink.Descriptor(),
			Options:    spec.Options,
			Sequence:   len(p.Stages) + 1 + i,
			StageIndex: -1,
			SinkName:   name,
			Retry:      retryOrDefault(spec.Retry),
			Sink:       spec.Sink,
		}
		g.sinkIDs[name] = nodeID
	}
	return nil
}

func stageNodeInfo(index int, stage RowStage) (*NodeInfo, error) {
	set := 0
	var desc plugin.Descriptor
	var nodeType landscape.NodeType
	if stage.Transform != nil {
		set++
		desc, nodeType = stage.Transform.Descriptor(), landscape.NodeTypeTransform
	}
	if stage.Gate != nil {
		set++
		desc, nodeType = stage.Gate.Descriptor(), landscape.NodeTypeGate
	}
	if stage.Aggregation != nil {
		set++
		desc, nodeType = stage.Aggregation.Descriptor(), landscape.NodeTypeAggregation
	}
	if stage.Coalesce != nil {
		set++
		desc, nodeType = stage.Coalesce.Descriptor(), landscape.NodeTypeCoalesce
	}
	if set != 1 {
		return nil, invalid("row_plugins", "stage %d must bind exactly one plugin role, has %d", index, set)
	}
	if len(stage.Routes) > 0 && stage.Gate == nil {
		return nil, invalid("routes", "stage %d declares routes but is not a gate", index)
	}
	if stage.Coalesce != nil && stage.CoalesceName == "" {
		return nil, invalid("coalesce", "stage %d is a coalesce with no coalesce name", index)
	}

	mode := stage.RouteMode
	if mode == "" {
		mode = landscape.EdgeModeMove
	}
	return &NodeInfo{
		NodeID:       fmt.Sprintf("stage-%03d:%s", index, desc.Name),
		Type:         nodeType,
		Descriptor:   desc,
		Options:      stage.Options,
		Sequence:     index + 1,
		StageIndex:   index,
		Routes:       stage.Routes,
		RouteMode:    mode,
		CoalesceName: stage.CoalesceName,
		Retry:        retryOrDefault(stage.Retry),
		Transform:    stage.Transform,
		Gate:         stage.Gate,
		Aggregation:  stage.Aggregation,
		Coalesce:     stage.Coalesce,
	}, nil
}

func retryOrDefault(rc *plugin.RetryConfig) plugin.RetryConfig {
	if rc == nil {
		return plugin.DefaultRetryConfig()
	}
	return *rc
}

func (g *ExecutionGraph) buildEdges(p Pipeline) error {
	addEdge := func(from, to, label string, mode landscape.EdgeMode) error {
		if from == to {
			return invalid("edges", "self-loop on node %q", from)
		}
		g.edges = append(g.edges, EdgeInfo{
			EdgeID:     fmt.Sprintf("edge:%s->%s:%s", from, to, label),
			FromNodeID: from,
			ToNodeID:   to,
			Label:      label,
			Mode:       mode,
		})
		return nil
	}

	// The spine: source through each stage to the output sink.
	prev := g.sourceID
	for i := range p.Stages {
		next := g.stageIDs[i]
		if err := addEdge(prev, next, continueLabel, landscape.EdgeModeMove); err != nil {
			return err
		}
		prev = next
	}
	if err := addEdge(prev, g.sinkIDs[p.OutputSink], continueLabel, landscape.EdgeModeMove); err != nil {
		return err
	}

	// Gate route edges, one per non-continue route, in sorted label order
	// for deterministic edge IDs.
	for i, stage := range p.Stages {
		if stage.Gate == nil {
			continue
		}
		info := g.nodes[g.stageIDs[i]]
		labels := make([]string, 0, len(stage.Routes))
		for label := range stage.Routes {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			dest := stage.Routes[label]
			if dest == continueLabel {
				continue
			}
			sinkID, ok := g.sinkIDs[dest]
			if !ok {
				return invalid("routes", "gate %q route %q targets undeclared sink %q", info.NodeID, label, dest)
			}
			if err := addEdge(info.NodeID, sinkID, label, info.RouteMode); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoSort runs Kahn's algorithm over the compiled edges. Construction
// cannot produce a cycle, but the acyclicity contract is checked anyway so
// a future graph shape cannot silently regress it.
func (g *ExecutionGraph) topoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	succ := make(map[string][]string, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e.ToNodeID)
		indegree[e.ToNodeID]++
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	var order []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		next := succ[id]
		sort.Strings(next)
		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				frontier = append(frontier, to)
			}
		}
		sort.Strings(frontier)
	}
	if len(order) != len(g.nodes) {
		return nil, invalid("acyclicity", "graph has a cycle: %d of %d nodes ordered", len(order), len(g.nodes))
	}
	return order, nil
}

func (g *ExecutionGraph) checkSinkReachability(p Pipeline) error {
	reached := make(map[string]bool, len(g.nodes))
	queue := []string{g.sourceID}
	reached[g.sourceID] = true
	succ := make(map[string][]string, len(g.nodes))
	for _, e := range g.edges {
		succ[e.FromNodeID] = append(succ[e.FromNodeID], e.ToNodeID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, to := range succ[id] {
			if !reached[to] {
				reached[to] = true
				queue = append(queue, to)
			}
		}
	}

	referenced := map[string]bool{p.OutputSink: true}
	for _, stage := range p.Stages {
		for _, dest := range stage.Routes {
			if dest != continueLabel {
				referenced[dest] = true
			}
		}
	}
	for name := range referenced {
		if !reached[g.sinkIDs[name]] {
			return invalid("reachability", "sink %q is referenced but unreachable from the source", name)
		}
	}
	return nil
}

func (g *ExecutionGraph) checkSchemas() error {
	for _, e := range g.edges {
		from := g.nodes[e.FromNodeID]
		to := g.nodes[e.ToNodeID]
		if err := checkFieldCompatibility(from.Descriptor.OutputSchema, to.Descriptor.InputSchema); err != nil {
			return invalid("schema", "edge %s -> %s: %v", e.FromNodeID, e.ToNodeID, err)
		}
	}
	return nil
}

func (g *ExecutionGraph) checkVersions() error {
	for _, info := range g.nodes {
		if err := validateVersion(info.Descriptor.Name, info.Descriptor.PluginVersion); err != nil {
			return err
		}
	}
	return nil
}

// checkExpansionInForkedRegion rejects a token-creating transform between
// a gate and a downstream coalesce. A forked branch that expands has
// undefined coalesce semantics, so the compiler refuses it rather than
// leaving the behavior to chance at runtime.
func checkExpansionInForkedRegion(p Pipeline) error {
	firstGate := -1
	for i, stage := range p.Stages {
		if stage.Gate != nil && firstGate == -1 {
			firstGate = i
		}
		if stage.Coalesce != nil && firstGate != -1 {
			for j := firstGate + 1; j < i; j++ {
				t := p.Stages[j].Transform
				if t != nil && t.CreatesTokens() {
					return invalid("fork_expansion", "stage %d expands tokens inside the forked region coalesced at stage %d", j, i)
				}
			}
		}
	}
	return nil
}
