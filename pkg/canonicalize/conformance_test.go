package canonicalize

import (
	"encoding/json"
	"testing"

	webpki "github.com/gowebpki/jcs"
)

// TestJCS_ConformsToReferenceImplementation cross-checks this package's
// canonicalizer against an independent RFC 8785 implementation. Agreement
// here is stronger evidence of spec conformance than agreement with our own
// hand-written expectations.
func TestJCS_ConformsToReferenceImplementation(t *testing.T) {
	cases := []interface{}{
		map[string]interface{}{"b": 2, "a": 1},
		map[string]interface{}{"nested": map[string]interface{}{"z": 1, "a": 2}, "list": []interface{}{3, 1, 2}},
		map[string]interface{}{"s": "hello \"world\" <tag>&amp;"},
		map[string]interface{}{"n": json.Number("0")},
		map[string]interface{}{"n": json.Number("-17")},
		map[string]interface{}{"f": json.Number("1.5")},
	}

	for _, c := range cases {
		ours, err := JCS(c)
		if err != nil {
			t.Fatalf("JCS failed for %v: %v", c, err)
		}

		raw, err := json.Marshal(c)
		if err != nil {
			t.Fatalf("json.Marshal failed for %v: %v", c, err)
		}
		theirs, err := webpki.Transform(raw)
		if err != nil {
			t.Fatalf("webpki jcs.Transform failed for %v: %v", c, err)
		}

		if string(ours) != string(theirs) {
			t.Errorf("canonicalization mismatch for %v:\n  ours:   %s\n  webpki: %s", c, ours, theirs)
		}
	}
}
