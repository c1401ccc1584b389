// Package app owns the runtime resources of the relquery CLI: telemetry
// providers, the database handle, the catalog and the compiler.
package app

import (
	"database/sql"
	"fmt"
	"net/http"
	"sync"

	"relquery/internal/catalog"
	"relquery/internal/compiler"
	"relquery/internal/config"
	"relquery/internal/dbexec"
	"relquery/internal/logging"
	"relquery/internal/observability"
)

// App is built once per process: New, Init, then Explain or Execute any
// number of times, then Shutdown.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider
	meterProvider  *observability.MeterProvider
	metrics        *observability.QueryMetrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }
	executor   dbexec.QueryExecutor

	catalog  *catalog.Catalog
	compiler *compiler.Compiler

	metricsSrv *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	shutdownOnce sync.Once
}

// New creates an App for cfg.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// AttachLoggerProvider registers the OTLP logger provider for shutdown.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Catalog returns the catalog loaded by Init.
func (a *App) Catalog() *catalog.Catalog {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.catalog
}

// Compiler returns the compiler built by Init.
func (a *App) Compiler() *compiler.Compiler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.compiler
}

// MetricsHandler serves the Prometheus registry, or nil when metrics are off.
func (a *App) MetricsHandler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.meterProvider == nil {
		return nil
	}
	return a.meterProvider.Handler()
}
