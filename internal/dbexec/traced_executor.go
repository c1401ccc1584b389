package dbexec

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracedExecutor records a span per command around another executor.
type TracedExecutor struct {
	next   QueryExecutor
	system string
	tracer trace.Tracer
}

// NewTracedExecutor wraps next; system is the db.system attribute value.
func NewTracedExecutor(next QueryExecutor, system string) *TracedExecutor {
	return &TracedExecutor{next: next, system: system, tracer: otel.Tracer("relquery/dbexec")}
}

func (e *TracedExecutor) start(ctx context.Context, name, query string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", e.system),
			attribute.String("db.statement", query),
		),
	)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *TracedExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	ctx, span := e.start(ctx, "dbexec.query", query)
	rows, err := e.next.QueryContext(ctx, query, args...)
	if err != nil {
		finish(span, err)
		return nil, err
	}
	return &tracedRows{Rows: rows, span: span}, nil
}

// tracedRows ends the span when the rows are closed, counting what was read.
type tracedRows struct {
	Rows
	span  trace.Span
	count int64
	done  bool
}

func (r *tracedRows) Next() bool {
	ok := r.Rows.Next()
	if ok {
		r.count++
	}
	return ok
}

func (r *tracedRows) Close() error {
	err := r.Rows.Close()
	if r.done {
		return err
	}
	r.done = true
	r.span.SetAttributes(attribute.Int64("db.rows", r.count))
	if err != nil {
		finish(r.span, err)
	} else {
		finish(r.span, r.Rows.Err())
	}
	return err
}
