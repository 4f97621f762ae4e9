package tokenmanager

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
)

func seedToken(t *testing.T, ctx context.Context, rec landscape.Recorder, rowData map[string]interface{}) (Managed, string) {
	t.Helper()
	run, err := rec.BeginRun(ctx, "cfg-hash", "v1")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	row, err := rec.CreateRow(ctx, run.RunID, "source-1", 0, rowData)
	if err != nil {
		t.Fatalf("CreateRow: %v", err)
	}
	tok, err := rec.CreateToken(ctx, row.RowID)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	return Managed{Token: tok, RowData: deepCopyMap(rowData)}, run.RunID
}

func TestFork_DeepCopyIsolation(t *testing.T) {
	ctx := context.Background()
	rec := landscape.NewMemoryRecorder()
	mgr := New(rec)

	parent, _ := seedToken(t, ctx, rec, map[string]interface{}{
		"nested": map[string]interface{}{"count": float64(1)},
	})

	children, err := mgr.Fork(ctx, parent, []string{"left", "right"}, 1, nil)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}

	// Mutate one child's nested map and confirm the sibling and parent are
	// untouched -- the whole point of deep-copy isolation.
	leftNested := children[0].RowData["nested"].(map[string]interface{})
	leftNested["count"] = float64(999)

	rightNested := children[1].RowData["nested"].(map[string]interface{})
	if rightNested["count"] != float64(1) {
		t.Fatalf("sibling mutation leaked: got %v", rightNested["count"])
	}
	parentNested := parent.RowData["nested"].(map[string]interface{})
	if parentNested["count"] != float64(1) {
		t.Fatalf("parent mutation leaked: got %v", parentNested["count"])
	}

	if children[0].Token.ForkGroupID == "" || children[0].Token.ForkGroupID != children[1].Token.ForkGroupID {
		t.Fatalf("expected shared fork_group_id, got %q and %q", children[0].Token.ForkGroupID, children[1].Token.ForkGroupID)
	}
	if children[0].Token.BranchName != "left" || children[1].Token.BranchName != "right" {
		t.Fatalf("branch names not set correctly: %q, %q", children[0].Token.BranchName, children[1].Token.BranchName)
	}
}

func TestFork_Override(t *testing.T) {
	ctx := context.Background()
	rec := landscape.NewMemoryRecorder()
	mgr := New(rec)

	parent, _ := seedToken(t, ctx, rec, map[string]interface{}{"x": float64(1)})

	overrides := map[string]map[string]interface{}{
		"special": {"x": float64(42)},
	}
	children, err := mgr.Fork(ctx, parent, []string{"special"}, 1, overrides)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if children[0].RowData["x"] != float64(42) {
		t.Fatalf("expected override to win, got %v", children[0].RowData["x"])
	}
}

func TestExpand_OneChildPerRow(t *testing.T) {
	ctx := context.Background()
	rec := landscape.NewMemoryRecorder()
	mgr := New(rec)

	parent, runID := seedToken(t, ctx, rec, map[string]interface{}{"batch": true})

	rows := []map[string]interface{}{
		{"i": float64(0)},
		{"i": float64(1)},
		{"i": float64(2)},
	}
	children, err := mgr.Expand(ctx, parent, rows, 2)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(children))
	}
	groupID := children[0].Token.ExpandGroupID
	if groupID == "" {
		t.Fatal("expected non-empty expand_group_id")
	}
	for i, c := range children {
		if c.Token.ExpandGroupID != groupID {
			t.Fatalf("child %d has mismatched expand_group_id", i)
		}
		if c.RowData["i"] != float64(i) {
			t.Fatalf("child %d row data mismatch: %v", i, c.RowData["i"])
		}
	}

	parents, err := rec.ListTokenParents(ctx, runID)
	if err != nil {
		t.Fatalf("ListTokenParents: %v", err)
	}
	found := 0
	for _, p := range parents {
		for _, c := range children {
			if p.TokenID == c.Token.TokenID {
				if p.ParentTokenID != parent.Token.TokenID {
					t.Fatalf("expected parent token id %s, got %s", parent.Token.TokenID, p.ParentTokenID)
				}
				found++
			}
		}
	}
	if found != 3 {
		t.Fatalf("expected 3 TokenParent rows for expanded children, found %d", found)
	}
}

func TestJoin_MergesInputs(t *testing.T) {
	ctx := context.Background()
	rec := landscape.NewMemoryRecorder()
	mgr := New(rec)

	a, _ := seedToken(t, ctx, rec, map[string]interface{}{"a": float64(1)})
	b, _ := seedToken(t, ctx, rec, map[string]interface{}{"b": float64(2)})

	merged := map[string]interface{}{"a": float64(1), "b": float64(2)}
	joined, err := mgr.Join(ctx, []Managed{a, b}, "join-group-1", merged)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if joined.Token.JoinGroupID != "join-group-1" {
		t.Fatalf("expected join_group_id to be set, got %q", joined.Token.JoinGroupID)
	}
	if joined.RowData["a"] != float64(1) || joined.RowData["b"] != float64(2) {
		t.Fatalf("unexpected merged row data: %v", joined.RowData)
	}
}
