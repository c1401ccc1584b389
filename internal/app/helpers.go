package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"relquery/internal/catalog"
	"relquery/internal/compiler"
	"relquery/internal/config"
	"relquery/internal/dbexec"
	"relquery/internal/logging"
	"relquery/internal/naming"
	"relquery/internal/observability"
	"relquery/internal/schemafilter"
)

// InitLogger builds the process logger and, when log export is enabled,
// the OTLP logger provider feeding it.
func InitLogger(ctx context.Context, cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.LogsOTLP()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)
	loggerProvider, err := observability.InitLoggerProvider(ctx, telemetryConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	return logger, loggerProvider, nil
}

func telemetryConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLP: observability.ExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			Retry:             otlp.RetryEnabled,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.QueryMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}
	meterProvider, err := observability.InitMeterProvider(telemetryConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return meterProvider, metrics, nil
}

func initTracing(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}
	tracesConfig := cfg.Observability.TracesOTLP()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)
	return observability.InitTracerProvider(ctx, telemetryConfig(cfg, tracesConfig))
}

// dbSystem is the db.system attribute value for a configured driver.
func dbSystem(driver string) string {
	switch strings.ToLower(driver) {
	case config.DriverPostgres:
		return "postgresql"
	default:
		return strings.ToLower(driver)
	}
}

// connectDB opens the configured database, instrumented with otelsql when
// metrics or tracing are on. It returns a nil handle when no driver is set.
func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	if cfg.Database.Driver == "" {
		logger.Debug("no database driver configured; queries can only be explained")
		return nil, nil, nil
	}
	dsn, err := cfg.Database.DSN()
	if err != nil {
		return nil, nil, err
	}
	driver := cfg.Database.SQLDriverName()
	obs := cfg.Observability

	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open(driver, dsn)
		return db, nil, err
	}

	system := semconv.DBSystemKey.String(dbSystem(cfg.Database.Driver))
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if obs.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		if obs.SQLCommenterEnabled {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		}
	}
	db, err := otelsql.Open(driver, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if obs.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}
	logger.Debug("database instrumentation enabled",
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	pool := cfg.Database.Pool
	if strings.ToLower(cfg.Database.Driver) == config.DriverSQLite && strings.Contains(cfg.Database.ConnectionString, ":memory:") {
		// every connection to an in-memory database sees its own empty database
		pool.MaxOpen, pool.MaxIdle, pool.MaxLifetime = 1, 1, 0
	}
	db.SetMaxOpenConns(pool.MaxOpen)
	db.SetMaxIdleConns(pool.MaxIdle)
	db.SetConnMaxLifetime(pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database.ConnectionTimeout, logger, db); err != nil {
		return err
	}
	logger.Debug("connected to database",
		slog.String("driver", cfg.Database.Driver),
		slog.Int("pool_max_open", pool.MaxOpen),
	)
	return nil
}

// waitForDatabase pings until the database answers or timeout passes,
// backing off exponentially. A zero timeout pings once.
func waitForDatabase(ctx context.Context, timeout time.Duration, logger *logging.Logger, db *sql.DB) error {
	if timeout == 0 {
		return db.PingContext(ctx)
	}
	deadline := time.Now().Add(timeout)
	interval := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}
		logger.Warn("database not ready, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return ctx.Err()
		}
		interval = min(interval*2, 5*time.Second)
	}
}

func buildExecutor(cfg *config.Config, db *sql.DB) dbexec.QueryExecutor {
	if db == nil {
		return nil
	}
	var executor dbexec.QueryExecutor = dbexec.NewStandardExecutor(db)
	if cfg.Database.Role != "" && strings.ToLower(cfg.Database.Driver) == config.DriverMySQL {
		executor = dbexec.NewSessionExecutor(dbexec.SessionExecutorConfig{
			DB:          db,
			RoleFromCtx: dbexec.StaticRole(cfg.Database.Role),
		})
	}
	if cfg.Observability.TracingEnabled {
		executor = dbexec.NewTracedExecutor(executor, dbSystem(cfg.Database.Driver))
	}
	return executor
}

func loadCatalog(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) (*catalog.Catalog, error) {
	if cfg.Catalog.File != "" {
		cat, err := catalog.LoadFile(cfg.Catalog.File)
		if err != nil {
			return nil, err
		}
		logger.Debug("catalog loaded",
			slog.String("file", cfg.Catalog.File),
			slog.Int("entity_types", len(cat.EntityTypes())),
		)
		return cat, nil
	}
	if !cfg.Catalog.Introspect {
		return nil, errors.New("no catalog source configured")
	}
	if db == nil {
		return nil, errors.New("introspection needs a database connection")
	}

	name := cfg.Database.DatabaseName()
	schema, err := catalog.Introspect(ctx, db, name)
	if err != nil {
		return nil, err
	}
	if report := schemafilter.Apply(schema, cfg.Catalog.Filters); !report.Empty() {
		logger.Debug("schema filters applied",
			slog.Any("tables", report.Tables),
			slog.Any("columns", report.Columns),
			slog.Any("foreign_keys", report.ForeignKeys),
		)
	}
	cat, err := catalog.FromSchema(ctx, schema, naming.New(cfg.Catalog.Naming, logger.Logger), logger.Logger)
	if err != nil {
		return nil, err
	}
	logger.Info("catalog introspected",
		slog.String("database", name),
		slog.Int("tables", len(schema.Tables)),
		slog.Int("entity_types", len(cat.EntityTypes())),
	)
	return cat, nil
}

func buildCompiler(cfg *config.Config, logger *logging.Logger, cat *catalog.Catalog, metrics *observability.QueryMetrics) (*compiler.Compiler, error) {
	d, err := cfg.ResolveDialect()
	if err != nil {
		return nil, err
	}
	opts := []compiler.Option{
		compiler.WithDialect(d),
		compiler.WithLogger(logger),
		compiler.WithMetrics(metrics),
		compiler.WithTracking(cfg.Compiler.Tracking),
		compiler.WithPagingWarnings(cfg.Compiler.WarnUnorderedPaging),
	}
	if cfg.Compiler.IncludeBatchSize > 0 {
		opts = append(opts, compiler.WithIncludeBatchSize(cfg.Compiler.IncludeBatchSize))
	}
	logger.Debug("compiler ready",
		slog.String("dialect", d.Name),
		slog.Bool("lateral", d.SupportsLateral()),
	)
	return compiler.New(cat, opts...), nil
}

// startMetricsServer serves /metrics in the background while the process
// runs. It returns nil when metrics or the address are not configured.
func startMetricsServer(cfg *config.Config, logger *logging.Logger, mp *observability.MeterProvider) *http.Server {
	if mp == nil || cfg.Observability.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", mp.Handler())
	srv := &http.Server{
		Addr:              cfg.Observability.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics endpoint enabled", slog.String("addr", srv.Addr), slog.String("path", "/metrics"))
	return srv
}
