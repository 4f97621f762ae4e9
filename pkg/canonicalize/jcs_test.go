package canonicalize

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}
	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}
	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}
	expected := `{"html":"<script>alert('xss')</script> &"}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestCanonicalHash_IntFloatWidening(t *testing.T) {
	// stable_hash must treat 2 and 2.0 as the same mathematical value.
	h1, err := CanonicalHash(map[string]interface{}{"n": json.Number("2")})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(map[string]interface{}{"n": json.Number("2.0")})
	if err != nil {
		t.Fatal(err)
	}
	// RFC 8785 emits "2" for both 2 and 2.0 (shortest round-trip integral
	// float), so their canonical forms - and hashes - coincide.
	if h1 != h2 {
		t.Errorf("expected int/float widening to preserve hash equality: %s != %s", h1, h2)
	}
}

func TestJCS_NumberTypes(t *testing.T) {
	input := map[string]interface{}{
		"num": json.Number("123.456"),
	}
	expected := `{"num":123.456}`

	b, err := JCS(input)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCSString_IsReachable(t *testing.T) {
	s, err := JCSString(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s == "" {
		t.Fatal("expected non-empty string")
	}
}

func TestJCS_RejectsNaN(t *testing.T) {
	_, err := JCS(map[string]interface{}{"n": math.NaN()})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestJCS_RejectsInfinity(t *testing.T) {
	_, err := JCS(map[string]interface{}{"n": math.Inf(1)})
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestJCS_RejectsUnsafeInteger(t *testing.T) {
	input := map[string]interface{}{"n": json.Number("9007199254740993")} // 2^53 + 1
	_, err := JCS(input)
	if !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestJCS_KeyPermutationInvariance(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2, "c": 3}
	v2 := map[string]interface{}{"c": 3, "b": 2, "a": 1}

	h1, err := CanonicalHash(v1)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := CanonicalHash(v2)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("expected key-order invariance: %s != %s", h1, h2)
	}
}
