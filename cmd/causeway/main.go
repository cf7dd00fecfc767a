package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel"

	"github.com/causewaylabs/causeway/internal/adapter/mcp"
	"github.com/causewaylabs/causeway/internal/adapter/postgres"
	"github.com/causewaylabs/causeway/internal/cache"
	"github.com/causewaylabs/causeway/internal/config"
	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/core/port"
	"github.com/causewaylabs/causeway/internal/core/service"
	"github.com/causewaylabs/causeway/internal/policy"
	"github.com/causewaylabs/causeway/internal/registry"
	"github.com/causewaylabs/causeway/internal/telemetry"
	runtrace "github.com/causewaylabs/causeway/internal/trace"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	overrides, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr — stdout is reserved for the MCP stdio transport.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("starting causeway",
		slog.String("version", version),
		slog.String("database", redactDSN(cfg.DatabaseURL)),
		slog.Int("max_rows", cfg.MaxRows),
		slog.String("query_timeout", cfg.QueryTimeout.String()),
		slog.Int("max_concurrent_queries", cfg.MaxConcurrentQueries),
		slog.String("transport", cfg.Transport),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Telemetry (optional).
	tracer := telemetry.NoopTracer()
	var inst port.Instrumentation = port.NoopInstrumentation{}
	if cfg.OTelEnabled {
		provider, err := telemetry.Init(ctx, "causeway", version)
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown", slog.Any("error", err))
			}
		}()
		tracer = otel.Tracer("github.com/causewaylabs/causeway")
		inst = telemetry.NewInstruments()
		logger.Info("telemetry enabled")
	}

	// A few connections beyond the execution cap so introspection never
	// queues behind query traffic.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, int32(cfg.MaxConcurrentQueries)+2)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logger.Info("database pool connected", slog.String("db.system", "postgresql"))

	// Schema registry: restore persisted snapshots, then introspect. Keep
	// enough history to cover the staleness window.
	keep := int(cfg.SchemaStaleness) + 1
	if keep < 8 {
		keep = 8
	}
	reg := registry.New(cfg.RegistryFile, keep, logger)
	if err := reg.Load(); err != nil {
		logger.Warn("restoring schema registry failed, starting fresh", slog.Any("error", err))
	}

	introspector := postgres.NewIntrospector(pool)
	if _, _, err := reg.Refresh(ctx, introspector, cfg.Schemas); err != nil {
		if reg.Current() == nil {
			return fmt.Errorf("publishing initial schema snapshot: %w", err)
		}
		logger.Warn("initial schema refresh failed, serving restored snapshot", slog.Any("error", err))
	}

	// Result cache (optional).
	var results *cache.Store
	if cfg.CacheDir != "" {
		results, err = cache.Open(cache.Options{
			Dir:        cfg.CacheDir,
			MaxEntries: cfg.CacheMaxEntries,
			MaxBytes:   cfg.CacheMaxBytes,
			MaxAge:     cfg.CacheMaxAge,
			Logger:     logger,
		})
		if err != nil {
			return fmt.Errorf("opening result cache: %w", err)
		}
		logger.Info("result cache open", slog.String("dir", cfg.CacheDir))
	}

	if cfg.SchemaRefresh > 0 {
		var onChange func(*domain.SchemaSnapshot)
		if results != nil {
			onChange = func(snap *domain.SchemaSnapshot) {
				if snap.Version <= cfg.SchemaStaleness {
					return
				}
				floor := snap.Version - cfg.SchemaStaleness
				if n := results.DropBelow(floor); n > 0 {
					logger.Info("dropped cache entries for superseded schema versions",
						slog.Int("entries", n),
						slog.Uint64("min_version", floor),
					)
				}
			}
		}
		go reg.RefreshEvery(ctx, cfg.SchemaRefresh, introspector, cfg.Schemas, onChange)
		logger.Info("schema refresh scheduled", slog.String("interval", cfg.SchemaRefresh.String()))
	}

	// Run traces (optional).
	var recorder *runtrace.Recorder
	var runs *runtrace.Store
	if cfg.TraceDir != "" {
		recorder, err = runtrace.NewRecorder(cfg.TraceDir)
		if err != nil {
			return fmt.Errorf("opening trace recorder: %w", err)
		}
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("closing trace recorder", slog.Any("error", err))
			}
		}()
		runs = runtrace.NewStore(cfg.TraceDir)
		logger.Info("run traces recording", slog.String("dir", cfg.TraceDir))
	}

	// Guard policy (optional file on top of the defaults).
	guardPolicy := domain.DefaultGuardPolicy()
	if cfg.PolicyFile != "" {
		pol, err := policy.LoadFromFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		guardPolicy = pol.GuardPolicy()
		logger.Info("policy loaded", slog.String("file", cfg.PolicyFile))
	}

	executor := postgres.NewExecutor(pool, postgres.ExecutorOptions{
		MaxRows:       cfg.MaxRows,
		QueryTimeout:  cfg.QueryTimeout,
		MaxConcurrent: int64(cfg.MaxConcurrentQueries),
	})

	deps := service.PipelineDeps{
		Guard:              domain.NewGuard(guardPolicy),
		Schemas:            reg,
		Executor:           executor,
		Logger:             logger,
		Tracer:             tracer,
		Instr:              inst,
		StalenessTolerance: cfg.SchemaStaleness,
	}
	if results != nil {
		deps.Cache = results
	}
	if recorder != nil {
		deps.Recorder = recorder
		deps.Runs = runs
	}
	pipeline := service.NewPipeline(deps)

	mcpServer := mcp.NewServer(version, pipeline, logger, tracer, inst)

	if cfg.Transport == "http" {
		return serveHTTP(ctx, mcpServer, cfg, logger)
	}

	stdioServer := mcpserver.NewStdioServer(mcpServer)

	logger.Info("serving MCP over stdio")
	if err := stdioServer.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// serveHTTP runs the streamable HTTP transport behind bearer auth, with a
// health endpoint outside the auth boundary.
func serveHTTP(ctx context.Context, s *mcpserver.MCPServer, cfg *config.Config, logger *slog.Logger) error {
	streamable := mcpserver.NewStreamableHTTPServer(s)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.Handle("/mcp", bearerAuthMiddleware(streamable, cfg.HTTPBearerToken))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           recoveryMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving MCP over HTTP", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// parseFlags maps CLI flags onto config overrides. Only flags the user
// actually set are applied, so env vars keep their place in precedence.
func parseFlags(args []string) (config.Overrides, error) {
	fs := flag.NewFlagSet("causeway", flag.ContinueOnError)

	databaseURL := fs.String("database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	maxRows := fs.Int("max-rows", 0, "row ceiling per query result")
	queryTimeout := fs.Duration("query-timeout", 0, "per-query statement timeout")
	maxConcurrent := fs.Int("max-concurrent-queries", 0, "cap on concurrently executing queries")
	cacheDir := fs.String("cache-dir", "", "result cache directory (empty disables caching)")
	traceDir := fs.String("trace-dir", "", "run trace directory (empty disables recording)")
	registryFile := fs.String("registry-file", "", "schema registry persistence file")
	policyFile := fs.String("policy-file", "", "guard policy YAML file")
	transport := fs.String("transport", "", `transport: "stdio" or "http"`)
	httpAddr := fs.String("http-addr", "", "HTTP listen address")
	httpToken := fs.String("http-bearer-token", "", "bearer token required on the HTTP transport")
	staleness := fs.Uint64("schema-staleness", 0, "schema versions behind current a cached result may be served from")
	refresh := fs.Duration("schema-refresh", 0, "schema snapshot refresh interval (0 disables)")
	otelEnabled := fs.Bool("otel", false, "enable OpenTelemetry tracing and metrics")

	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}

	o := config.Overrides{OTelEnabled: *otelEnabled}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "database-url":
			o.DatabaseURL = databaseURL
		case "log-level":
			o.LogLevel = logLevel
		case "max-rows":
			o.MaxRows = maxRows
		case "query-timeout":
			o.QueryTimeout = queryTimeout
		case "max-concurrent-queries":
			o.MaxConcurrentQueries = maxConcurrent
		case "cache-dir":
			o.CacheDir = cacheDir
		case "trace-dir":
			o.TraceDir = traceDir
		case "registry-file":
			o.RegistryFile = registryFile
		case "policy-file":
			o.PolicyFile = policyFile
		case "transport":
			o.Transport = transport
		case "http-addr":
			o.HTTPAddr = httpAddr
		case "http-bearer-token":
			o.HTTPBearerToken = httpToken
		case "schema-staleness":
			o.SchemaStaleness = staleness
		case "schema-refresh":
			o.SchemaRefresh = refresh
		}
	})
	return o, nil
}

// recoveryMiddleware turns handler panics into 500s instead of dropping the
// connection.
func recoveryMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in http handler",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
				)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bearerAuthMiddleware(next http.Handler, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, cred, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(cred), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// redactDSN replaces any password in the connection string for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
