package engine

import (
	"context"
	"sync"

	"github.com/tachyon-beep/elspeth/pkg/elserr"
	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// coalesceGroup collects the forked siblings of one fork group at one
// named join point.
type coalesceGroup struct {
	expected int
	inputs   []plugin.CoalesceInput
	tokens   []tokenmanager.Managed
	failed   int
	node     *graph.NodeInfo
}

func (g *coalesceGroup) complete() bool {
	return len(g.inputs) >= g.expected
}

// coalescer tracks in-flight fork groups between the fork and their
// declared join point.
type coalescer struct {
	mu     sync.Mutex
	groups map[string]*coalesceGroup
}

func newCoalescer() *coalescer {
	return &coalescer{groups: make(map[string]*coalesceGroup)}
}

func coalesceKey(forkGroupID, name string) string { return forkGroupID + "/" + name }

// expect registers how many branches a fork group will deliver.
func (c *coalescer) expect(forkGroupID, name string, branches int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[coalesceKey(forkGroupID, name)] = &coalesceGroup{expected: branches}
}

// arrive records one branch's arrival (successful or failed) and returns
// the group when every expected branch is accounted for.
func (c *coalescer) arrive(forkGroupID, name string, node *graph.NodeInfo, tok tokenmanager.Managed, failed bool) (*coalesceGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := coalesceKey(forkGroupID, name)
	g, ok := c.groups[key]
	if !ok {
		g = &coalesceGroup{expected: 1}
		c.groups[key] = g
	}
	g.node = node
	g.inputs = append(g.inputs, plugin.CoalesceInput{TokenID: tok.Token.TokenID, Row: tok.RowData, Failed: failed})
	if failed {
		g.failed++
	} else {
		g.tokens = append(g.tokens, tok)
	}
	if g.complete() {
		delete(c.groups, key)
		return g, true
	}
	return nil, false
}

// pending drains every unresolved group, for end-of-run finalization.
func (c *coalescer) pending() map[string]*coalesceGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.groups
	c.groups = make(map[string]*coalesceGroup)
	return out
}

// handleCoalesceArrival is called by the row processor when a forked child
// reaches its join step. The arriving token's node state completes here;
// when the group is full the merged token continues past the join.
func (o *Orchestrator) handleCoalesceArrival(ctx context.Context, item *workItem, node *graph.NodeInfo, failed bool) error {
	tok := item.token

	if !failed {
		state, err := o.recorder.BeginNodeState(ctx, tok.Token.TokenID, node.NodeID, node.StageIndex, map[string]interface{}(tok.RowData), 1)
		if err != nil {
			return elserr.NewAuditError("begin_node_state", err)
		}
		if cerr := o.recorder.CompleteNodeState(ctx, state.StateID, landscape.NodeStateCompleted, nil, 0, nil, map[string]interface{}{"awaiting_join": node.CoalesceName}); cerr != nil {
			return elserr.NewAuditError("complete_node_state", cerr)
		}
	}

	group, ready := o.coalescer.arrive(tok.Token.ForkGroupID, node.CoalesceName, node, tok, failed)
	if !ready {
		return nil
	}
	return o.resolveCoalesceGroup(ctx, group, node)
}

// resolveCoalesceGroup applies the join policy to a complete group and, on
// success, merges and enqueues the joined token after the coalesce stage.
func (o *Orchestrator) resolveCoalesceGroup(ctx context.Context, group *coalesceGroup, node *graph.NodeInfo) error {
	policy := node.Coalesce.Policy()
	arrived := len(group.tokens)

	ok := false
	switch policy {
	case plugin.CoalesceRequireAll:
		ok = group.failed == 0
	case plugin.CoalesceQuorum:
		ok = arrived >= node.Coalesce.QuorumThreshold()
	case plugin.CoalesceBestEffort:
		ok = arrived > 0
	}
	if !ok {
		o.logger.Warn("coalesce group unresolvable under policy",
			"node_id", node.NodeID, "coalesce", node.CoalesceName,
			"policy", string(policy), "arrived", arrived, "failed", group.failed)
		return nil
	}

	merged, err := node.Coalesce.Merge(ctx, group.inputs, o.pluginContext(node, ""))
	if err != nil {
		o.logger.Warn("coalesce merge failed", "node_id", node.NodeID, "coalesce", node.CoalesceName, "error", err)
		return nil
	}

	joined, err := o.tokens.Join(ctx, group.tokens, node.CoalesceName, merged)
	if err != nil {
		return elserr.NewAuditError("join_tokens", err)
	}
	o.enqueue(&workItem{token: joined, startStep: node.StageIndex + 1, coalesceAtStep: -1})
	return nil
}

// finalizeCoalesce resolves groups still waiting at end of run:
// best-effort groups merge whatever arrived, and quorum groups merge when
// their threshold was met; every other group is left unresolved and logged.
func (o *Orchestrator) finalizeCoalesce(ctx context.Context) (bool, error) {
	resolved := false
	for _, group := range o.coalescer.pending() {
		if group.node == nil {
			continue
		}
		policy := group.node.Coalesce.Policy()
		if policy == plugin.CoalesceBestEffort || (policy == plugin.CoalesceQuorum && len(group.tokens) >= group.node.Coalesce.QuorumThreshold()) {
			if err := o.resolveCoalesceGroup(ctx, group, group.node); err != nil {
				return resolved, err
			}
			resolved = true
			continue
		}
		o.logger.Warn("coalesce group never completed",
			"node_id", group.node.NodeID, "coalesce", group.node.CoalesceName,
			"arrived", len(group.tokens), "expected", group.expected)
	}
	return resolved, nil
}
