package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/catalog/catalogtest"
	"relquery/internal/config"
	"relquery/internal/logging"
	"relquery/internal/querydoc"
)

const squadNames = `
from: {name: s, entity: Squad}
body:
  - where: {ne: [{member: s.Id}, {param: skip}]}
  - orderby: [{expr: {member: s.Id}}]
select: {member: s.Name}
parameters: {skip: 3}
`

const gearCount = `
from: {name: g, entity: Gear}
operators: [count]
`

// seededConfig writes the Gears catalog and a seeded SQLite database to a
// temporary directory and returns a config pointing at both.
func seededConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogtest.GearsYAML), 0o600))

	dbPath := filepath.Join(dir, "gears.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	for _, stmt := range catalogtest.SeedSQL {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	return &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, ConnectionString: dbPath},
		Catalog:  config.CatalogConfig{File: catalogPath},
		Compiler: config.CompilerConfig{Tracking: true, IncludeBatchSize: 100},
		Observability: config.ObservabilityConfig{
			ServiceName: "relquery-test",
			Logging:     config.LoggingConfig{Level: "error", Format: "text"},
		},
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func parse(t *testing.T, a *App, text string) *querydoc.Document {
	t.Helper()
	doc, err := querydoc.Parse([]byte(text), a.Catalog())
	require.NoError(t, err)
	return doc
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, logging.Discard())
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestInit_Idempotent(t *testing.T) {
	a := startApp(t, seededConfig(t))
	cat := a.Catalog()
	require.NotNil(t, cat)
	require.NoError(t, a.Init(context.Background()))
	assert.Same(t, cat, a.Catalog())
	assert.NotNil(t, a.Compiler())
	assert.Nil(t, a.MetricsHandler(), "metrics are disabled")
}

func TestInit_FailsWithoutCatalog(t *testing.T) {
	cfg := seededConfig(t)
	cfg.Catalog = config.CatalogConfig{}

	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	err = a.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load catalog")
	assert.Nil(t, a.Catalog())
}

func TestExplain(t *testing.T) {
	a := startApp(t, seededConfig(t))

	var out bytes.Buffer
	require.NoError(t, a.Explain(context.Background(), &out, Request{Document: parse(t, a, squadNames)}))

	text := out.String()
	assert.Contains(t, text, "-- plan ")
	assert.Contains(t, text, "FROM")
	assert.Contains(t, text, "Squad")
	assert.Contains(t, text, "-- parameters: skip")
	assert.NotContains(t, text, "-- client:")
}

func TestExecute_Sequence(t *testing.T) {
	a := startApp(t, seededConfig(t))
	doc := parse(t, a, squadNames)

	var out bytes.Buffer
	require.NoError(t, a.Execute(context.Background(), &out, Request{Document: doc}))
	var names []string
	require.NoError(t, json.Unmarshal(out.Bytes(), &names))
	assert.Equal(t, []string{"Delta", "Kilo"}, names)

	out.Reset()
	req := Request{Document: doc, Parameters: map[string]any{"skip": int64(1)}}
	require.NoError(t, a.Execute(context.Background(), &out, req))
	require.NoError(t, json.Unmarshal(out.Bytes(), &names))
	assert.Equal(t, []string{"Kilo", "Empty"}, names, "request parameters override the document's")
}

func TestExecute_Scalar(t *testing.T) {
	a := startApp(t, seededConfig(t))

	var out bytes.Buffer
	require.NoError(t, a.Execute(context.Background(), &out, Request{Document: parse(t, a, gearCount), Pretty: true}))
	assert.JSONEq(t, "5", out.String())
}

func TestExecute_WithoutDatabase(t *testing.T) {
	cfg := seededConfig(t)
	cfg.Database = config.DatabaseConfig{}
	cfg.Compiler.Dialect = "sqlite"
	a := startApp(t, cfg)

	var out bytes.Buffer
	err := a.Execute(context.Background(), &out, Request{Document: parse(t, a, gearCount)})
	assert.ErrorIs(t, err, ErrNoDatabase)

	require.NoError(t, a.Explain(context.Background(), &out, Request{Document: parse(t, a, gearCount)}))
	assert.Contains(t, out.String(), "COUNT(*)")
}

func TestExplain_BeforeInit(t *testing.T) {
	a, err := New(seededConfig(t), logging.Discard())
	require.NoError(t, err)
	err = a.Explain(context.Background(), &bytes.Buffer{}, Request{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestMetricsHandler_ServesQueryMetrics(t *testing.T) {
	cfg := seededConfig(t)
	cfg.Observability.MetricsEnabled = true
	a := startApp(t, cfg)

	require.NoError(t, a.Execute(context.Background(), &bytes.Buffer{}, Request{Document: parse(t, a, gearCount)}))

	handler := a.MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relquery_")
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := New(seededConfig(t), logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Init(context.Background()))

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))

	err = a.Execute(context.Background(), &bytes.Buffer{}, Request{Document: parse(t, a, gearCount)})
	assert.ErrorIs(t, err, ErrNoDatabase)
}

func TestCleanupStack_RunsInReverse(t *testing.T) {
	var order []string
	var s cleanupStack
	for _, name := range []string{"first", "second", "third"} {
		s.push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, s.run(context.Background(), nil))
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestCleanupStack_JoinsErrors(t *testing.T) {
	var s cleanupStack
	s.push("db", func(context.Context) error { return sql.ErrConnDone })
	s.push("ok", func(context.Context) error { return nil })

	err := s.run(context.Background(), logging.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Contains(t, err.Error(), "db:")
}
