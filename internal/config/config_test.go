package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 8, cfg.MaxConcurrentQueries)
	assert.Equal(t, ".causeway/cache", cfg.CacheDir)
	assert.Equal(t, ".causeway/runs", cfg.TraceDir)
	assert.Equal(t, ".causeway/registry.json", cfg.RegistryFile)
	assert.Equal(t, uint64(0), cfg.SchemaStaleness)
	assert.Equal(t, time.Duration(0), cfg.SchemaRefresh)
	assert.Equal(t, "stdio", cfg.Transport)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_EnvVars(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_ROWS", "500")
	t.Setenv("QUERY_TIMEOUT", "5s")
	t.Setenv("MAX_CONCURRENT_QUERIES", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SCHEMAS", "public, analytics")
	t.Setenv("SCHEMA_STALENESS", "2")
	t.Setenv("SCHEMA_REFRESH", "5m")
	t.Setenv("REGISTRY_FILE", "/var/lib/causeway/registry.json")
	t.Setenv("CACHE_DIR", "/var/cache/causeway")
	t.Setenv("CACHE_MAX_ENTRIES", "64")
	t.Setenv("CACHE_MAX_BYTES", "1048576")
	t.Setenv("CACHE_MAX_AGE", "24h")
	t.Setenv("TRACE_DIR", "/var/log/causeway/runs")
	t.Setenv("POLICY_FILE", "/etc/causeway/policy.yaml")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.MaxRows)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrentQueries)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"public", "analytics"}, cfg.Schemas)
	assert.Equal(t, uint64(2), cfg.SchemaStaleness)
	assert.Equal(t, 5*time.Minute, cfg.SchemaRefresh)
	assert.Equal(t, "/var/lib/causeway/registry.json", cfg.RegistryFile)
	assert.Equal(t, "/var/cache/causeway", cfg.CacheDir)
	assert.Equal(t, 64, cfg.CacheMaxEntries)
	assert.Equal(t, int64(1048576), cfg.CacheMaxBytes)
	assert.Equal(t, 24*time.Hour, cfg.CacheMaxAge)
	assert.Equal(t, "/var/log/causeway/runs", cfg.TraceDir)
	assert.Equal(t, "/etc/causeway/policy.yaml", cfg.PolicyFile)
}

func TestLoad_EmptyDirsDisableFeatures(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CACHE_DIR", "")
	t.Setenv("TRACE_DIR", "")

	cfg, err := Load(Overrides{})
	require.NoError(t, err)

	assert.Empty(t, cfg.CacheDir)
	assert.Empty(t, cfg.TraceDir)
}

func TestLoad_OverridesBeatEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_ROWS", "10")

	maxRows := 20
	staleness := uint64(3)
	cfg, err := Load(Overrides{MaxRows: &maxRows, SchemaStaleness: &staleness})
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.MaxRows)
	assert.Equal(t, uint64(3), cfg.SchemaStaleness)
}

func TestLoad_InvalidMaxRows(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_ROWS", "-1")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ROWS")
}

func TestLoad_InvalidMaxConcurrentQueries(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("MAX_CONCURRENT_QUERIES", "0")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_CONCURRENT_QUERIES")
}

func TestLoad_InvalidQueryTimeout(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("QUERY_TIMEOUT", "not-a-duration")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUERY_TIMEOUT")
}

func TestLoad_InvalidStaleness(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCHEMA_STALENESS", "-1")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCHEMA_STALENESS")
}

func TestLoad_InvalidCacheMaxAge(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CACHE_MAX_AGE", "-1h")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CACHE_MAX_AGE")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("LOG_LEVEL", "invalid")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestLoad_InvalidTransport(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("TRANSPORT", "grpc")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSPORT")
}

func TestLoad_HTTPRequiresBearerToken(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("TRANSPORT", "http")

	_, err := Load(Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_BEARER_TOKEN")

	t.Setenv("HTTP_BEARER_TOKEN", "secret")
	cfg, err := Load(Overrides{})
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Transport)
}
