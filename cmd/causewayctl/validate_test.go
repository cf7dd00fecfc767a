package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/registry"
)

func seedRegistry(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")

	reg := registry.New(path, 0, discardLogger())
	_, changed := reg.Publish([]domain.Table{
		{
			Schema: "public",
			Name:   "users",
			Columns: []domain.Column{
				{Name: "id", DataType: "bigint"},
				{Name: "name", DataType: "text", Nullable: true},
				{Name: "created_at", DataType: "timestamp with time zone"},
			},
		},
	}, time.Now().UTC())
	require.True(t, changed)
	return path
}

func TestValidate_AcceptsParameterizedSelect(t *testing.T) {
	path := seedRegistry(t)

	out, err := runCtl(t, "validate", "SELECT id, name FROM users WHERE id = :id",
		"--params", `{"id": 7}`, "--registry-file", path, "-o", "json")
	require.NoError(t, err)

	var got struct {
		Allowed       bool     `json:"allowed"`
		NormalizedSQL string   `json:"normalized_sql"`
		Tables        []string `json:"tables"`
		Columns       []string `json:"columns"`
		Params        []string `json:"params"`
		SchemaVersion uint64   `json:"schema_version"`
		CacheKey      string   `json:"cache_key"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))

	assert.True(t, got.Allowed)
	assert.Contains(t, got.NormalizedSQL, "$1")
	assert.Equal(t, []string{"public.users"}, got.Tables)
	assert.Equal(t, []string{"id", "name"}, got.Columns)
	assert.Equal(t, []string{"id"}, got.Params)
	assert.Equal(t, uint64(1), got.SchemaVersion)
	assert.True(t, isHexKey(got.CacheKey))
}

func TestValidate_RejectsDelete(t *testing.T) {
	path := seedRegistry(t)

	out, err := runCtl(t, "validate", "DELETE FROM users", "--registry-file", path, "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(domain.ReasonForbiddenVerb))

	var got struct {
		Allowed  bool             `json:"allowed"`
		Rejected domain.Rejection `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.Allowed)
	assert.Equal(t, domain.ReasonForbiddenVerb, got.Rejected.Code)
}

func TestValidate_RejectsUnknownColumn(t *testing.T) {
	path := seedRegistry(t)

	out, err := runCtl(t, "validate", "SELECT serial_number FROM users",
		"--registry-file", path, "-o", "json")
	require.Error(t, err)

	var got struct {
		Rejected domain.Rejection `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, domain.ReasonUnknownColumn, got.Rejected.Code)
	assert.Equal(t, "serial_number", got.Rejected.Fragment)
}

func TestValidate_PolicyFileDeniesFunction(t *testing.T) {
	path := seedRegistry(t)

	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("guard:\n  functions:\n    deny: [lower]\n"), 0644))

	// Accepted under the stock policy.
	_, err := runCtl(t, "validate", "SELECT lower(name) FROM users",
		"--registry-file", path, "-o", "json")
	require.NoError(t, err)

	// Denied once the policy file removes lower from the allow-list.
	out, err := runCtl(t, "validate", "SELECT lower(name) FROM users",
		"--registry-file", path, "--policy-file", policyPath, "-o", "json")
	require.Error(t, err)

	var got struct {
		Rejected domain.Rejection `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, domain.ReasonForbiddenFunction, got.Rejected.Code)
}

func TestValidate_MissingRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	_, err := runCtl(t, "validate", "SELECT id FROM users", "--registry-file", path, "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema snapshot")
}

func TestValidate_RejectsBadParamsJSON(t *testing.T) {
	path := seedRegistry(t)

	_, err := runCtl(t, "validate", "SELECT id FROM users", "--params", "{",
		"--registry-file", path, "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --params")
}
