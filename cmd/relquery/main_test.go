package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"relquery/internal/catalog/catalogtest"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"rank=2", "name=Marcus", "ids=[1, 2]", "flag=true", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"rank":  int64(2),
		"name":  "Marcus",
		"ids":   []any{int64(1), int64(2)},
		"flag":  true,
		"empty": "",
	}, got)

	got, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"rank", "=2"} {
		_, err := parseParams([]string{bad})
		assert.Error(t, err, bad)
	}
}

// workspace writes a seeded SQLite database, the Gears catalog and a query
// document into a fresh working directory.
func workspace(t *testing.T, query string) (dbPath, catalogPath, queryPath string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	dbPath = filepath.Join(dir, "gears.db")
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	for _, stmt := range catalogtest.SeedSQL {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	catalogPath = filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogtest.GearsYAML), 0o600))
	queryPath = filepath.Join(dir, "query.yaml")
	require.NoError(t, os.WriteFile(queryPath, []byte(query), 0o600))
	return dbPath, catalogPath, queryPath
}

const officersByRank = `
from: {name: g, entity: Gear}
body:
  - where: {ge: [{member: g.Rank}, {param: min}]}
  - orderby: [{expr: {member: g.Rank}, desc: true}]
select: {member: g.Nickname}
parameters: {min: 4}
`

func TestRun_Execute(t *testing.T) {
	dbPath, catalogPath, queryPath := workspace(t, officersByRank)
	args := []string{
		"--database.driver=sqlite", "--database.dsn=" + dbPath,
		"--catalog.file=" + catalogPath,
		"--observability.logging.level=error",
		"--query", queryPath,
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), args, &out))
	assert.JSONEq(t, `["Marcus"]`, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), append(args, "--param", "min=3"), &out))
	assert.JSONEq(t, `["Marcus", "Baird"]`, out.String())
}

func TestRun_Explain(t *testing.T) {
	_, catalogPath, queryPath := workspace(t, officersByRank)

	var out bytes.Buffer
	err := run(context.Background(), []string{
		"--compiler.dialect=sqlite",
		"--catalog.file=" + catalogPath,
		"--observability.logging.level=error",
		"--explain", "-q", queryPath,
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "ORDER BY")
	assert.Contains(t, out.String(), "-- parameters: min")
}

func TestRun_Errors(t *testing.T) {
	_, catalogPath, queryPath := workspace(t, officersByRank)

	err := run(context.Background(), []string{"--catalog.file=" + catalogPath}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "--query is required")

	err = run(context.Background(), []string{"--query", queryPath}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "configuration validation failed")

	err = run(context.Background(), []string{"--query", queryPath, "--param", "novalue"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "expected name=value")
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out))
	assert.Equal(t, "relquery dev (none)\n", out.String())
}
