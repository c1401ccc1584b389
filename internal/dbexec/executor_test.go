package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardExecutor_NilDB(t *testing.T) {
	exec := NewStandardExecutor(nil)
	_, err := exec.QueryContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestStandardExecutor_Transaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT Id FROM Squad").WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow(1))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	rows, err := NewStandardExecutor(tx).QueryContext(context.Background(), "SELECT Id FROM Squad")
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, rows.Close())
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTracedExecutor_PassesRowsThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM squads").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Delta").AddRow("Kilo"))

	exec := NewTracedExecutor(NewStandardExecutor(db), "sqlite")
	rows, err := exec.QueryContext(context.Background(), "SELECT name FROM squads")
	require.NoError(t, err)

	cols, err := rows.Columns()
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, cols)

	var names []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		names = append(names, name)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"Delta", "Kilo"}, names)
	assert.Equal(t, int64(2), rows.(*tracedRows).count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTracedExecutor_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectQuery("SELECT 1").WillReturnError(boom)

	exec := NewTracedExecutor(NewStandardExecutor(db), "mysql")
	_, err = exec.QueryContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, boom)
}

func TestExecutionError(t *testing.T) {
	inner := errors.New("no such table: gears")
	err := error(&ExecutionError{QueryID: "q1", Target: "Gear", SQL: "SELECT 1", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "q1")
	assert.Contains(t, err.Error(), "Gear")

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "SELECT 1", execErr.SQL)
}

func TestSessionExecutor_Statements(t *testing.T) {
	t.Run("role from context", func(t *testing.T) {
		exec := NewSessionExecutor(SessionExecutorConfig{
			DatabaseName: "gears",
			RoleFromCtx:  StaticRole("reader"),
		})
		stmts, err := exec.sessionStatements(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"SET ROLE NONE", "SET ROLE `reader`", "USE `gears`"}, stmts)

		stmts, err = exec.sessionStatements(WithRole(context.Background(), "writer"))
		require.NoError(t, err)
		assert.Equal(t, "SET ROLE `writer`", stmts[1])
	})

	t.Run("allowlist", func(t *testing.T) {
		exec := NewSessionExecutor(SessionExecutorConfig{
			RoleFromCtx:  StaticRole("intruder"),
			AllowedRoles: []string{"reader"},
			ValidateRole: true,
		})
		_, err := exec.sessionStatements(context.Background())
		assert.ErrorContains(t, err, "role not allowed")
	})

	t.Run("no session state", func(t *testing.T) {
		exec := NewSessionExecutor(SessionExecutorConfig{})
		stmts, err := exec.sessionStatements(context.Background())
		require.NoError(t, err)
		assert.Empty(t, stmts)
	})
}

func TestSessionExecutor_AppliesStatementsOnConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("USE `gears`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	exec := NewSessionExecutor(SessionExecutorConfig{DB: db, DatabaseName: "gears"})
	rows, err := exec.QueryContext(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.True(t, rows.Next())
	require.NoError(t, rows.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
