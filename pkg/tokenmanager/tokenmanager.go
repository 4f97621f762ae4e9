// Package tokenmanager owns in-memory token construction: forking,
// expanding, and joining tokens in lockstep with landscape recorder
// writes. It enforces deep-copy isolation on row data so that a mutation
// made on one branch can never bleed into a sibling's view of the row --
// the lineage-corruption bug this package exists to rule out.
package tokenmanager

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// Managed pairs a recorded landscape.Token with the row data it currently
// carries as it moves through the pipeline. The token manager does not
// keep a registry of these -- once handed off as a work item, ownership
// follows the work item.
type Managed struct {
	Token   *landscape.Token
	RowData plugin.Row
}

// Manager issues fork/expand/join operations, writing lineage to the
// recorder before (or as) it hands back the new in-memory tokens.
type Manager struct {
	recorder landscape.Recorder
}

// New builds a Manager backed by the given recorder.
func New(recorder landscape.Recorder) *Manager {
	return &Manager{recorder: recorder}
}

// Fork creates one child token per branch name. Each child's row data is a
// deep copy of the parent's, unless overrides supplies a replacement for
// that branch. All children share a fork_group_id assigned by the
// recorder's first ForkToken call.
func (m *Manager) Fork(ctx context.Context, parent Managed, branches []string, stepInPipeline int, overrides map[string]map[string]interface{}) ([]Managed, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("tokenmanager: fork requires at least one branch")
	}

	children := make([]Managed, 0, len(branches))
	for _, branch := range branches {
		var overrideData map[string]interface{}
		if overrides != nil {
			if o, ok := overrides[branch]; ok {
				overrideData = o
			}
		}

		childTok, err := m.recorder.ForkToken(ctx, parent.Token.TokenID, branch, stepInPipeline, overrideData)
		if err != nil {
			return nil, fmt.Errorf("tokenmanager: fork token: %w", err)
		}

		rowData := overrideData
		if rowData == nil {
			rowData = deepCopyMap(parent.RowData)
		} else {
			rowData = deepCopyMap(rowData)
		}

		children = append(children, Managed{Token: childTok, RowData: rowData})
	}
	return children, nil
}

// Expand creates one child token per row in expandedRows. Children share
// an expand_group_id and each carries a single TokenParent pointing back
// at parent, ordered by position in expandedRows.
func (m *Manager) Expand(ctx context.Context, parent Managed, expandedRows []map[string]interface{}, step int) ([]Managed, error) {
	if len(expandedRows) == 0 {
		return nil, fmt.Errorf("tokenmanager: expand requires at least one row")
	}

	tokens, err := m.recorder.ExpandToken(ctx, parent.Token.TokenID, parent.Token.RowID, len(expandedRows), step)
	if err != nil {
		return nil, fmt.Errorf("tokenmanager: expand token: %w", err)
	}
	if len(tokens) != len(expandedRows) {
		return nil, fmt.Errorf("tokenmanager: recorder returned %d tokens for %d expanded rows", len(tokens), len(expandedRows))
	}

	children := make([]Managed, 0, len(tokens))
	for i, tok := range tokens {
		children = append(children, Managed{Token: tok, RowData: deepCopyMap(expandedRows[i])})
	}
	return children, nil
}

// Join merges the given input tokens into a single output token whose row
// data is the coalesce plugin's merge result. Every input is recorded as
// a TokenParent of the result.
func (m *Manager) Join(ctx context.Context, inputs []Managed, joinGroupID string, merged map[string]interface{}) (Managed, error) {
	if len(inputs) == 0 {
		return Managed{}, fmt.Errorf("tokenmanager: join requires at least one input token")
	}

	tokenIDs := make([]string, 0, len(inputs))
	rowID := inputs[0].Token.RowID
	for _, in := range inputs {
		tokenIDs = append(tokenIDs, in.Token.TokenID)
	}

	joined, err := m.recorder.JoinTokens(ctx, tokenIDs, joinGroupID, rowID)
	if err != nil {
		return Managed{}, fmt.Errorf("tokenmanager: join tokens: %w", err)
	}

	return Managed{Token: joined, RowData: deepCopyMap(merged)}, nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return val
	}
}
