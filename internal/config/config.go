package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Database connection.
	DatabaseURL          string
	MaxRows              int
	QueryTimeout         time.Duration
	MaxConcurrentQueries int

	// Schema registry.
	Schemas         []string      // empty means all non-system schemas
	SchemaStaleness uint64        // versions behind current a cached result may be
	SchemaRefresh   time.Duration // 0 disables the periodic refresh loop
	RegistryFile    string

	// Result cache.
	CacheDir        string        // empty disables the result cache
	CacheMaxEntries int           // 0 means unlimited
	CacheMaxBytes   int64         // 0 means unlimited
	CacheMaxAge     time.Duration // 0 keeps entries until evicted

	// Run traces.
	TraceDir string // empty disables trace recording

	// Guard policy.
	PolicyFile string // optional path to policy YAML

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Observability.
	OTelEnabled bool // enable OpenTelemetry tracing and metrics
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	DatabaseURL          *string
	LogLevel             *string
	MaxRows              *int
	QueryTimeout         *time.Duration
	MaxConcurrentQueries *int
	CacheDir             *string
	TraceDir             *string
	RegistryFile         *string
	PolicyFile           *string
	Transport            *string
	HTTPAddr             *string
	HTTPBearerToken      *string
	SchemaStaleness      *uint64
	SchemaRefresh        *time.Duration
	OTelEnabled          bool
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		MaxRows:              1000,
		QueryTimeout:         30 * time.Second,
		MaxConcurrentQueries: 8,
		RegistryFile:         ".causeway/registry.json",
		CacheDir:             ".causeway/cache",
		CacheMaxEntries:      256,
		CacheMaxBytes:        1 << 30,
		TraceDir:             ".causeway/runs",
		Transport:            "stdio",
		HTTPAddr:             ":8080",
	}
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	if v := os.Getenv("MAX_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_ROWS value %q: must be a positive integer", v)
		}
		cfg.MaxRows = n
	}

	if v := os.Getenv("QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUERY_TIMEOUT value %q: %w", v, err)
		}
		cfg.QueryTimeout = d
	}

	if v := os.Getenv("MAX_CONCURRENT_QUERIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MAX_CONCURRENT_QUERIES value %q: must be a positive integer", v)
		}
		cfg.MaxConcurrentQueries = n
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	if v := os.Getenv("SCHEMAS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				cfg.Schemas = append(cfg.Schemas, s)
			}
		}
	}

	if v := os.Getenv("SCHEMA_STALENESS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SCHEMA_STALENESS value %q: must be a non-negative integer", v)
		}
		cfg.SchemaStaleness = n
	}

	if v := os.Getenv("SCHEMA_REFRESH"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEMA_REFRESH value %q: %w", v, err)
		}
		cfg.SchemaRefresh = d
	}

	if v, ok := os.LookupEnv("REGISTRY_FILE"); ok {
		cfg.RegistryFile = v
	}

	if err := loadCacheEnvVars(cfg); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("TRACE_DIR"); ok {
		cfg.TraceDir = v
	}

	cfg.PolicyFile = os.Getenv("POLICY_FILE")

	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED value %q: %w", v, err)
		}
		cfg.OTelEnabled = b
	}

	return nil
}

// loadCacheEnvVars reads result-cache environment variables. CACHE_DIR and
// TRACE_DIR use LookupEnv so an explicitly empty value disables the feature
// instead of falling back to the default path.
func loadCacheEnvVars(cfg *Config) error {
	if v, ok := os.LookupEnv("CACHE_DIR"); ok {
		cfg.CacheDir = v
	}
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid CACHE_MAX_ENTRIES value %q: must be a non-negative integer", v)
		}
		cfg.CacheMaxEntries = n
	}
	if v := os.Getenv("CACHE_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid CACHE_MAX_BYTES value %q: must be a non-negative integer", v)
		}
		cfg.CacheMaxBytes = n
	}
	if v := os.Getenv("CACHE_MAX_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid CACHE_MAX_AGE value %q: must be a non-negative duration", v)
		}
		cfg.CacheMaxAge = d
	}
	return nil
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.DatabaseURL != nil {
		cfg.DatabaseURL = *o.DatabaseURL
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if o.MaxRows != nil {
		if *o.MaxRows <= 0 {
			return fmt.Errorf("invalid --max-rows value: must be a positive integer")
		}
		cfg.MaxRows = *o.MaxRows
	}
	if o.QueryTimeout != nil {
		cfg.QueryTimeout = *o.QueryTimeout
	}
	if o.MaxConcurrentQueries != nil {
		if *o.MaxConcurrentQueries <= 0 {
			return fmt.Errorf("invalid --max-concurrent-queries value: must be a positive integer")
		}
		cfg.MaxConcurrentQueries = *o.MaxConcurrentQueries
	}
	if o.CacheDir != nil {
		cfg.CacheDir = *o.CacheDir
	}
	if o.TraceDir != nil {
		cfg.TraceDir = *o.TraceDir
	}
	if o.RegistryFile != nil {
		cfg.RegistryFile = *o.RegistryFile
	}
	if o.PolicyFile != nil {
		cfg.PolicyFile = *o.PolicyFile
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}
	if o.SchemaStaleness != nil {
		cfg.SchemaStaleness = *o.SchemaStaleness
	}
	if o.SchemaRefresh != nil {
		cfg.SchemaRefresh = *o.SchemaRefresh
	}
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (set via env var or --database-url flag)")
	}

	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", cfg.QueryTimeout)
	}

	if cfg.SchemaRefresh < 0 {
		return fmt.Errorf("SCHEMA_REFRESH must not be negative, got %s", cfg.SchemaRefresh)
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}
