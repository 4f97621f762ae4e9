package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func objSchema(props map[string]interface{}, required ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func TestFieldCompatibilityNilSchemasPass(t *testing.T) {
	assert.NoError(t, checkFieldCompatibility(nil, objSchema(nil)))
	assert.NoError(t, checkFieldCompatibility(objSchema(nil), nil))
}

func TestFieldCompatibilityExactMatch(t *testing.T) {
	from := objSchema(map[string]interface{}{"id": map[string]interface{}{"type": "integer"}})
	to := objSchema(map[string]interface{}{"id": map[string]interface{}{"type": "integer"}}, "id")
	assert.NoError(t, checkFieldCompatibility(from, to))
}

func TestFieldCompatibilityIntWidensToNumber(t *testing.T) {
	from := objSchema(map[string]interface{}{"score": map[string]interface{}{"type": "integer"}}, "score")
	to := objSchema(map[string]interface{}{"score": map[string]interface{}{"type": "number"}}, "score")
	assert.NoError(t, checkFieldCompatibility(from, to))

	// The widening is one-way.
	back := checkFieldCompatibility(to, from)
	assert.Error(t, back)
}

func TestFieldCompatibilityOptionalAcceptsConcrete(t *testing.T) {
	from := objSchema(map[string]interface{}{"note": map[string]interface{}{"type": "string"}})
	to := objSchema(map[string]interface{}{"note": map[string]interface{}{"type": []interface{}{"string", "null"}}}, "note")
	assert.NoError(t, checkFieldCompatibility(from, to))
}

func TestFieldCompatibilityDefaultSatisfiesRequired(t *testing.T) {
	from := objSchema(map[string]interface{}{})
	to := objSchema(map[string]interface{}{
		"mode": map[string]interface{}{"type": "string", "default": "strict"},
	}, "mode")
	assert.NoError(t, checkFieldCompatibility(from, to), "a defaulted field need not be produced upstream")
}

func TestFieldCompatibilityMissingRequiredField(t *testing.T) {
	from := objSchema(map[string]interface{}{"id": map[string]interface{}{"type": "integer"}})
	to := objSchema(map[string]interface{}{"score": map[string]interface{}{"type": "integer"}}, "score")
	err := checkFieldCompatibility(from, to)
	assert.ErrorContains(t, err, "not produced upstream")
}

func TestFieldCompatibilityUndeclaredTypeMatchesAnything(t *testing.T) {
	from := objSchema(map[string]interface{}{"blob": map[string]interface{}{}})
	to := objSchema(map[string]interface{}{"blob": map[string]interface{}{"type": "string"}}, "blob")
	assert.NoError(t, checkFieldCompatibility(from, to))
}

func TestValidateVersion(t *testing.T) {
	assert.NoError(t, validateVersion("mapper", "1.2.3"))
	assert.NoError(t, validateVersion("mapper", "v2.0.0-rc.1"))
	assert.Error(t, validateVersion("mapper", ""))
	assert.Error(t, validateVersion("mapper", "latest"))
}
