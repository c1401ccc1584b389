package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"relquery/internal/sqlutil"
)

// SessionExecutor runs each query on a dedicated connection after applying
// session statements (SET ROLE, USE), and resets the session afterwards.
type SessionExecutor struct {
	db           *sql.DB
	databaseName string
	roleFromCtx  func(context.Context) (string, bool)
	allowedRoles map[string]struct{}
	validateRole bool
}

// SessionExecutorConfig controls session setup.
type SessionExecutorConfig struct {
	DB *sql.DB
	// DatabaseName is selected with USE on every connection when set.
	DatabaseName string
	// RoleFromCtx returns the role to activate; nil disables SET ROLE.
	RoleFromCtx  func(context.Context) (string, bool)
	AllowedRoles []string
	ValidateRole bool
}

// NewSessionExecutor creates an executor that prepares a connection per query.
func NewSessionExecutor(cfg SessionExecutorConfig) *SessionExecutor {
	allowed := make(map[string]struct{}, len(cfg.AllowedRoles))
	for _, role := range cfg.AllowedRoles {
		allowed[role] = struct{}{}
	}
	return &SessionExecutor{
		db:           cfg.DB,
		databaseName: cfg.DatabaseName,
		roleFromCtx:  cfg.RoleFromCtx,
		allowedRoles: allowed,
		validateRole: cfg.ValidateRole,
	}
}

type roleKey struct{}

// WithRole attaches the database role queries issued under ctx run as.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFromContext returns the role set by WithRole.
func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey{}).(string)
	return role, ok
}

// StaticRole returns a role source that always yields role.
func StaticRole(role string) func(context.Context) (string, bool) {
	return func(ctx context.Context) (string, bool) {
		if r, ok := RoleFromContext(ctx); ok {
			return r, true
		}
		return role, role != ""
	}
}

// sessionStatements returns the statements that prepare a connection for ctx.
func (e *SessionExecutor) sessionStatements(ctx context.Context) ([]string, error) {
	var stmts []string
	if e.roleFromCtx != nil {
		if role, ok := e.roleFromCtx(ctx); ok && role != "" {
			if e.validateRole {
				if _, allowed := e.allowedRoles[role]; !allowed {
					return nil, fmt.Errorf("role not allowed: %s", role)
				}
			}
			// SET ROLE cannot be parameterized; the role is quoted as an identifier.
			stmts = append(stmts, "SET ROLE NONE", fmt.Sprintf("SET ROLE %s", sqlutil.QuoteIdentifier(role)))
		}
	}
	if e.databaseName != "" {
		stmts = append(stmts, fmt.Sprintf("USE %s", sqlutil.QuoteIdentifier(e.databaseName)))
	}
	return stmts, nil
}

func (e *SessionExecutor) prepare(ctx context.Context) (*sql.Conn, func(), error) {
	if e.db == nil {
		return nil, nil, sql.ErrConnDone
	}
	stmts, err := e.sessionStatements(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	cleanup := func() {
		if e.roleFromCtx != nil {
			_, _ = conn.ExecContext(context.Background(), "SET ROLE DEFAULT")
		}
		_ = conn.Close()
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to prepare session (%s): %w", stmt, err)
		}
	}
	return conn, cleanup, nil
}

func (e *SessionExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	conn, cleanup, err := e.prepare(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &sessionRows{Rows: rows, cleanup: cleanup}, nil
}

type sessionRows struct {
	*sql.Rows
	cleanup func()
}

func (r *sessionRows) Close() error {
	defer r.cleanup()
	return r.Rows.Close()
}
