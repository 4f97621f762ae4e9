package plugin

import "testing"

func TestRowClone_Isolation(t *testing.T) {
	original := Row{"nested": map[string]interface{}{"n": float64(1)}}
	clone := original.Clone()

	clone["nested"].(map[string]interface{})["n"] = float64(2)

	if original["nested"].(map[string]interface{})["n"] != float64(1) {
		t.Fatal("mutation of clone leaked into original")
	}
}

func TestTransformResult_HasOutputData(t *testing.T) {
	cases := []struct {
		name string
		res  TransformResult
		want bool
	}{
		{"row only", Success(Row{"a": 1}), true},
		{"rows only", SuccessMulti([]Row{{"a": 1}, {"b": 2}}), true},
		{"neither", TransformResult{Status: TransformSuccess}, false},
		{"both", TransformResult{Status: TransformSuccess, Row: Row{"a": 1}, Rows: []Row{{"b": 2}}}, false},
	}
	for _, tc := range cases {
		if got := tc.res.HasOutputData(); got != tc.want {
			t.Errorf("%s: HasOutputData() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
