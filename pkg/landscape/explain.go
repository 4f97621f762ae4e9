package landscape

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// TokenExplanation is one row of the "explain" read model: a token's
// derived terminal RowOutcome plus the evidence it was derived from.
type TokenExplanation struct {
	TokenID       string
	RowID         string
	Outcome       RowOutcome
	LastNodeID    string
	LastStatus    NodeStateStatus
	Attempt       int
	RoutedTo      string
	ForkGroupID   string
	ExpandGroupID string
	BatchID       string
}

// Explain derives each token's final RowOutcome for a run: the last
// non-buffered state joined with routing events and batch membership,
// ordered by started_at then attempt. If celFilter is non-empty, it is
// compiled as a CEL boolean expression over the explanation's fields
// (token_id, row_id, outcome, last_node_id, routed_to) and only matching
// rows are returned.
func Explain(ctx context.Context, r Recorder, runID string, celFilter string) ([]TokenExplanation, error) {
	states, err := r.ListNodeStates(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list node states: %w", err)
	}
	routingEvents, err := r.ListRoutingEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list routing events: %w", err)
	}
	parents, err := r.ListTokenParents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list token parents: %w", err)
	}
	batchMembers, err := r.ListBatchMembers(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list batch members: %w", err)
	}
	batches, err := r.ListBatches(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list batches: %w", err)
	}
	tokens, err := r.ListTokens(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: list tokens: %w", err)
	}
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: get run: %w", err)
	}

	routingByState := make(map[string]*RoutingEvent, len(routingEvents))
	for _, e := range routingEvents {
		routingByState[e.StateID] = e
	}

	// A token is a parent in a fork/expand/join iff it appears as
	// parent_token_id with children recorded; distinguish fork vs expand by
	// whether the *child* carries a fork_group_id or expand_group_id.
	childrenOf := make(map[string][]*TokenParent)
	for _, p := range parents {
		childrenOf[p.ParentTokenID] = append(childrenOf[p.ParentTokenID], p)
	}
	tokenByID := make(map[string]*Token, len(tokens))
	for _, t := range tokens {
		tokenByID[t.TokenID] = t
	}

	batchMemberOf := make(map[string]string) // token_id -> batch_id
	for _, bm := range batchMembers {
		batchMemberOf[bm.TokenID] = bm.BatchID
	}
	batchNodeOf := make(map[string]string, len(batches)) // batch_id -> node_id
	for _, b := range batches {
		batchNodeOf[b.BatchID] = b.NodeID
	}

	// Group node states by token, in (started_at, attempt) order as
	// ListNodeStates already guarantees.
	statesByToken := make(map[string][]*NodeState)
	for _, s := range states {
		statesByToken[s.TokenID] = append(statesByToken[s.TokenID], s)
	}

	var out []TokenExplanation
	for tokenID, tokenStates := range statesByToken {
		last := tokenStates[len(tokenStates)-1]
		expl := TokenExplanation{
			TokenID:    tokenID,
			LastNodeID: last.NodeID,
			LastStatus: last.Status,
			Attempt:    last.Attempt,
		}
		if tok, ok := tokenByID[tokenID]; ok {
			expl.RowID = tok.RowID
			expl.ForkGroupID = tok.ForkGroupID
			expl.ExpandGroupID = tok.ExpandGroupID
		}
		if batchID, ok := batchMemberOf[tokenID]; ok {
			expl.BatchID = batchID
		}

		expl.Outcome = deriveOutcome(tokenID, tokenStates, routingByState, childrenOf[tokenID], tokenByID, batchMemberOf, batchNodeOf, run.Status)
		for _, s := range tokenStates {
			if re, ok := routingByState[s.StateID]; ok && re.Kind == RoutingRouteToSink && len(re.Destinations) > 0 {
				expl.RoutedTo = re.Destinations[0]
			}
		}
		out = append(out, expl)
	}

	if celFilter == "" {
		return out, nil
	}
	return filterByCEL(out, celFilter)
}

func deriveOutcome(tokenID string, states []*NodeState, routingByState map[string]*RoutingEvent, children []*TokenParent, tokenByID map[string]*Token, batchMemberOf, batchNodeOf map[string]string, runStatus RunStatus) RowOutcome {
	last := states[len(states)-1]
	if last.Status == NodeStateFailed {
		return OutcomeFailed
	}
	if last.Status != NodeStateCompleted && last.Status != NodeStateSkipped {
		if runStatus == RunStatusFailed {
			return OutcomeFailed
		}
		return OutcomeBuffered
	}
	if routing, ok := routingByState[last.StateID]; ok && routing.Kind == RoutingForkPaths {
		return OutcomeForked
	}
	// A token routed by a gate in move mode terminates at the sink, so the
	// routing event sits on an earlier (gate) state than the terminal one.
	for _, s := range states {
		if re, ok := routingByState[s.StateID]; ok && re.Kind == RoutingRouteToSink && re.Mode != EdgeModeCopy {
			return OutcomeRouted
		}
	}
	// consumed_in_batch only applies when the token terminated at the batch's
	// own node; a passthrough member that continued downstream is completed.
	// The batch check precedes the children check so that a transform-mode
	// triggering token (consumed, then used as expand parent) derives as
	// consumed rather than expanded.
	if batchID, inBatch := batchMemberOf[tokenID]; inBatch && batchNodeOf[batchID] == last.NodeID {
		return OutcomeConsumedInBatch
	}
	if len(children) > 0 {
		// Determine fork vs expand vs join by inspecting a child's group IDs.
		if child, ok := tokenByID[children[0].TokenID]; ok {
			switch {
			case child.ExpandGroupID != "":
				return OutcomeExpanded
			case child.ForkGroupID != "":
				return OutcomeForked
			case child.JoinGroupID != "":
				return OutcomeCoalesced
			}
		}
	}
	return OutcomeCompleted
}

func filterByCEL(rows []TokenExplanation, expr string) ([]TokenExplanation, error) {
	env, err := cel.NewEnv(
		cel.Variable("token_id", cel.StringType),
		cel.Variable("row_id", cel.StringType),
		cel.Variable("outcome", cel.StringType),
		cel.Variable("last_node_id", cel.StringType),
		cel.Variable("routed_to", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("landscape: explain: cel compile: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("landscape: explain: cel program: %w", err)
	}

	var out []TokenExplanation
	for _, row := range rows {
		val, _, err := prg.Eval(map[string]interface{}{
			"token_id":     row.TokenID,
			"row_id":       row.RowID,
			"outcome":      string(row.Outcome),
			"last_node_id": row.LastNodeID,
			"routed_to":    row.RoutedTo,
		})
		if err != nil {
			return nil, fmt.Errorf("landscape: explain: cel eval: %w", err)
		}
		if b, ok := val.Value().(bool); ok && b {
			out = append(out, row)
		}
	}
	return out, nil
}
