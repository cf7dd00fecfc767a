package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	a := Fingerprint("SELECT id FROM users WHERE id = $1", map[string]any{"id": 1}, 3)
	b := Fingerprint("SELECT id FROM users WHERE id = $1", map[string]any{"id": 1}, 3)
	assert.Equal(t, a, b)
}

func TestFingerprint_IndependentOfParamInsertionOrder(t *testing.T) {
	t.Parallel()
	a := Fingerprint("q", map[string]any{"a": 1, "b": 2}, 1)
	b := Fingerprint("q", map[string]any{"b": 2, "a": 1}, 1)
	assert.Equal(t, a, b)
}

func TestFingerprint_SensitiveToSQL(t *testing.T) {
	t.Parallel()
	a := Fingerprint("SELECT id FROM users", nil, 1)
	b := Fingerprint("SELECT name FROM users", nil, 1)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_SensitiveToParamValues(t *testing.T) {
	t.Parallel()
	a := Fingerprint("q", map[string]any{"id": 1}, 1)
	b := Fingerprint("q", map[string]any{"id": 2}, 1)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_SensitiveToSchemaVersion(t *testing.T) {
	t.Parallel()
	a := Fingerprint("q", map[string]any{"id": 1}, 1)
	b := Fingerprint("q", map[string]any{"id": 1}, 2)
	assert.NotEqual(t, a, b)
}

func TestFingerprint_NoCrossTypeCollisions(t *testing.T) {
	t.Parallel()
	asInt := Fingerprint("q", map[string]any{"v": int64(1)}, 1)
	asFloat := Fingerprint("q", map[string]any{"v": float64(1)}, 1)
	asString := Fingerprint("q", map[string]any{"v": "1"}, 1)
	assert.NotEqual(t, asInt, asFloat)
	assert.NotEqual(t, asInt, asString)
	assert.NotEqual(t, asFloat, asString)
}

func TestFingerprint_NameValueBoundary(t *testing.T) {
	t.Parallel()
	// {"ab": "c"} and {"a": "bc"} must not encode identically.
	a := Fingerprint("q", map[string]any{"ab": "c"}, 1)
	b := Fingerprint("q", map[string]any{"a": "bc"}, 1)
	assert.NotEqual(t, a, b)
}
