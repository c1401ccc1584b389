package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"strings"

	"relquery/internal/compiler"
	"relquery/internal/querydoc"
)

// ErrNoDatabase is returned by Execute when no database driver is configured.
var ErrNoDatabase = errors.New("no database configured")

// ErrNotInitialized is returned when Explain or Execute run before Init.
var ErrNotInitialized = errors.New("app is not initialized")

// Request is one query document run through the app.
type Request struct {
	Document *querydoc.Document
	// Parameters override the document's parameters by name.
	Parameters map[string]any
	Pretty     bool
}

func (r Request) parameters() map[string]any {
	out := make(map[string]any, len(r.Document.Parameters)+len(r.Parameters))
	maps.Copy(out, r.Document.Parameters)
	maps.Copy(out, r.Parameters)
	return out
}

func (a *App) compile(ctx context.Context, req Request) (*compiler.Plan, error) {
	a.stateMu.Lock()
	comp := a.compiler
	a.stateMu.Unlock()
	if comp == nil {
		return nil, ErrNotInitialized
	}
	if req.Document == nil || req.Document.Query == nil {
		return nil, fmt.Errorf("%w: empty request", querydoc.ErrInvalidDocument)
	}
	return comp.Compile(ctx, req.Document.Query)
}

// Explain compiles the request and writes the SQL commands it would run,
// followed by the parts evaluated on the client.
func (a *App) Explain(ctx context.Context, w io.Writer, req Request) error {
	plan, err := a.compile(ctx, req)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "-- plan %s\n", plan.ID)
	for _, cmd := range plan.Commands() {
		b.WriteString(cmd.SQL)
		b.WriteString(";\n")
		if len(cmd.Parameters) > 0 {
			fmt.Fprintf(&b, "-- parameters: %s\n", strings.Join(cmd.Parameters, ", "))
		}
	}
	for _, f := range plan.Fallbacks() {
		fmt.Fprintf(&b, "-- client: %s\n", f)
	}
	_, err = io.WriteString(w, b.String())
	return err
}

// Execute compiles and runs the request and writes the result as JSON: the
// value itself for a scalar query, an array otherwise.
func (a *App) Execute(ctx context.Context, w io.Writer, req Request) error {
	a.stateMu.Lock()
	executor := a.executor
	a.stateMu.Unlock()
	if executor == nil {
		return ErrNoDatabase
	}

	plan, err := a.compile(ctx, req)
	if err != nil {
		return err
	}
	qctx := compiler.QueryContext{
		Executor:   executor,
		Parameters: req.parameters(),
		Logger:     a.logger,
	}

	var out any
	if plan.IsScalar() {
		out, err = plan.Scalar(ctx, qctx)
	} else {
		var items []any
		items, err = plan.All(ctx, qctx)
		if items == nil {
			items = []any{}
		}
		out = items
	}
	if err != nil {
		return err
	}
	for _, f := range plan.Fallbacks() {
		a.logger.Debug("evaluated on client", slog.String("plan_id", plan.ID), slog.String("part", f))
	}

	enc := json.NewEncoder(w)
	if req.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(out)
}
