// Package dbexec provides database query execution abstractions used by
// compiled plans: a plain executor over *sql.DB, a session executor that
// prepares each connection, and a tracing decorator.
package dbexec

import (
	"context"
	"database/sql"
	"fmt"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// QueryExecutor runs the read-only commands of a compiled plan.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// SQLQueryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type SQLQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StandardExecutor runs commands directly on a database handle, connection
// or transaction.
type StandardExecutor struct {
	q SQLQueryer
}

// NewStandardExecutor creates an executor over q. Passing a *sql.Tx pins
// every command of an execution to one snapshot where the isolation level
// allows it.
func NewStandardExecutor(q SQLQueryer) *StandardExecutor {
	return &StandardExecutor{q: q}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.q == nil {
		return nil, sql.ErrConnDone
	}
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExecutionError wraps a database failure with the plan and command it came from.
type ExecutionError struct {
	QueryID string
	// Target names what the command reads: an entity type or an include path.
	Target string
	SQL    string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query %s (%s): %v", e.QueryID, e.Target, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
