package plugin

import (
	"context"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
)

// RoutingAction is a gate's decision for one row. Destinations holds
// route labels (fork_to_paths) or a single route label (route_to_sink);
// resolution to sink/node IDs is the executor's job, never the plugin's.
type RoutingAction struct {
	Kind         landscape.RoutingKind
	Destinations []string
	Mode         landscape.EdgeMode
	Reason       map[string]interface{}
}

// GateResult pairs a (possibly modified) row with the routing decision
// for it.
type GateResult struct {
	Row    Row
	Action RoutingAction
}

// Gate evaluates a row and decides where it goes next. Every invocation
// must produce exactly one RoutingAction, including Kind=continue --
// the executor records a RoutingEvent for all of them, never just the
// interesting ones.
type Gate interface {
	Descriptor() Descriptor
	Evaluate(ctx context.Context, row Row, pctx *Context) (GateResult, error)
}
