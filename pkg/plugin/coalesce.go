package plugin

import "context"

// CoalescePolicy decides how a coalesce node treats branches that
// haven't all arrived.
type CoalescePolicy string

const (
	CoalesceRequireAll  CoalescePolicy = "require_all"
	CoalesceQuorum      CoalescePolicy = "quorum"
	CoalesceBestEffort  CoalescePolicy = "best_effort"
)

// CoalesceInput is one forked branch's arrival at a coalesce node.
type CoalesceInput struct {
	TokenID string
	Row     Row
	Failed  bool
}

// Coalesce merges forked children sharing a fork_group_id and declared
// coalesce_name back into a single row.
type Coalesce interface {
	Descriptor() Descriptor

	Policy() CoalescePolicy
	QuorumThreshold() int // only consulted when Policy() == CoalesceQuorum

	Merge(ctx context.Context, inputs []CoalesceInput, pctx *Context) (Row, error)
}
