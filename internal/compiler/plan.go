package compiler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"relquery/internal/dbexec"
	"relquery/internal/logging"
	"relquery/internal/observability"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlgen"
)

// queryPlan is the executable form of one query model.
type queryPlan struct {
	target string
	main   *qm.MainFromClause
	// command is nil when the model runs on the client; source then yields
	// the main from items.
	command *sqlgen.Command
	source  sequenceFunc
	rows    shaper.Shaper

	stages   []stage
	fixups   []fixup
	selector selector
	ops      []clientOp
	terminal clientOp
	scalar   bool
	single   bool

	outerParams []outerParam
}

func (p *queryPlan) run(ex *execution, outer *scope) iterSeq {
	scopes := p.scopes(ex, outer)
	for _, st := range p.stages {
		scopes = st(ex, scopes)
	}
	var out iterSeq = func(yield func(any, error) bool) {
		for sc, err := range scopes {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, f := range p.fixups {
				if err := f(ex, sc); err != nil {
					yield(nil, err)
					return
				}
			}
			v, err := p.selector(ex, sc)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
	for _, op := range p.ops {
		out = op(ex, outer, out)
	}
	if p.terminal != nil {
		out = p.terminal(ex, outer, out)
	}
	return out
}

func (p *queryPlan) scopes(ex *execution, outer *scope) scopeSeq {
	if p.command == nil {
		return func(yield func(*scope, error) bool) {
			if p.source == nil {
				yield(nil, fmt.Errorf("%w: query over %s has no source", ErrInvalidOperation, p.target))
				return
			}
			for item, err := range p.source(ex, outer) {
				if err != nil {
					yield(nil, err)
					return
				}
				sc := newScope(outer)
				sc.items[p.main] = item
				if !yield(sc, nil) {
					return
				}
			}
		}
	}
	return func(yield func(*scope, error) bool) {
		params, err := p.bindOuter(ex.params, outer)
		if err != nil {
			yield(nil, err)
			return
		}
		args, err := p.command.Bind(params)
		if err != nil {
			yield(nil, err)
			return
		}
		rows := ex.query("query", p.target, p.command.SQL, args)
		if ex.nested {
			rows = drained(rows)
		}
		for row, err := range rows {
			if err != nil {
				yield(nil, err)
				return
			}
			v, err := p.rows.Shape(ex.shaping, row)
			if err != nil {
				yield(nil, fmt.Errorf("shape %s: %w", p.target, err))
				return
			}
			sc := v.(*scope)
			sc.parent = outer
			sc.row = row
			if !yield(sc, nil) {
				return
			}
		}
	}
}

// bindOuter adds the _outer_ parameters read from the enclosing row.
func (p *queryPlan) bindOuter(params map[string]any, outer *scope) (map[string]any, error) {
	if len(p.outerParams) == 0 {
		return params, nil
	}
	out := maps.Clone(params)
	if out == nil {
		out = make(map[string]any, len(p.outerParams))
	}
	for _, op := range p.outerParams {
		item, ok := outer.lookup(op.src)
		if !ok {
			return nil, fmt.Errorf("%w: outer source %s is not in scope", ErrInvalidOperation, op.src.ItemName())
		}
		v, err := memberValue(item, op.prop.Name)
		if err != nil {
			return nil, err
		}
		out[op.name] = v
	}
	return out, nil
}

// execution is the state of one run of a plan.
type execution struct {
	ctx      context.Context
	plan     *Plan
	executor dbexec.QueryExecutor
	params   map[string]any
	shaping  *shaper.Context
	logger   *logging.Logger
	metrics  *observability.QueryMetrics
	// nested is set when rows of one command drive further round trips.
	nested bool
}

// query runs one SQL round trip and yields its rows. kind labels the round
// trip in metrics.
func (ex *execution) query(kind, target, sql string, args []any) iter.Seq2[shaper.Row, error] {
	return func(yield func(shaper.Row, error) bool) {
		if ex.executor == nil {
			yield(nil, fmt.Errorf("%w: no executor to run the query over %s", ErrInvalidOperation, target))
			return
		}
		ex.metrics.RecordRoundTrip(ex.ctx, kind)
		ex.logger.Debug("executing SQL", "kind", kind, "target", target, "sql", sql)
		rows, err := ex.executor.QueryContext(ex.ctx, sql, args...)
		if err != nil {
			yield(nil, ex.failed(target, sql, err))
			return
		}
		defer rows.Close()
		columns, err := rows.Columns()
		if err != nil {
			yield(nil, ex.failed(target, sql, err))
			return
		}
		for rows.Next() {
			if err := ex.ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			values := make(shaper.Row, len(columns))
			valuePtrs := make([]any, len(columns))
			for i := range values {
				valuePtrs[i] = &values[i]
			}
			if err := rows.Scan(valuePtrs...); err != nil {
				yield(nil, ex.failed(target, sql, err))
				return
			}
			if !yield(values, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, ex.failed(target, sql, err))
		}
	}
}

// drained reads rows to the end before yielding the first, so the cursor is
// closed by the time the caller issues its next round trip. Executors bound to
// one connection cannot serve a second query while a cursor is open.
func drained(rows iter.Seq2[shaper.Row, error]) iter.Seq2[shaper.Row, error] {
	return func(yield func(shaper.Row, error) bool) {
		var buf []shaper.Row
		for row, err := range rows {
			if err != nil {
				yield(nil, err)
				return
			}
			buf = append(buf, row)
		}
		for _, row := range buf {
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (ex *execution) failed(target, sql string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &dbexec.ExecutionError{QueryID: ex.plan.ID, Target: target, SQL: sql, Err: err}
}

// Plan is a compiled query. It is immutable and may be executed any number
// of times, concurrently.
type Plan struct {
	ID string

	root      *queryPlan
	plans     []*queryPlan
	includes  []*includeNode
	tracking  bool
	subPlans  map[*qm.QueryModel]*queryPlan
	fallbacks []fallback
	compiler  *Compiler
}

// QueryContext carries what one execution needs.
type QueryContext struct {
	Executor   dbexec.QueryExecutor
	Parameters map[string]any
	// Logger defaults to the compiler's logger.
	Logger *logging.Logger
}

// Result is one element delivered by Stream.
type Result struct {
	Value any
	Err   error
}

// IsScalar reports whether the plan produces a single value rather than a
// sequence.
func (p *Plan) IsScalar() bool {
	return p.root.scalar
}

// Commands returns the SQL commands of the plan, the top-level command first.
// Include loads are generated at run time and are not listed.
func (p *Plan) Commands() []sqlgen.Command {
	out := make([]sqlgen.Command, 0, len(p.plans))
	for _, qp := range p.plans {
		out = append(out, *qp.command)
	}
	return out
}

// Fallbacks describes the query parts evaluated on the client, as
// "clause: reason".
func (p *Plan) Fallbacks() []string {
	out := make([]string, len(p.fallbacks))
	for i, f := range p.fallbacks {
		out[i] = f.clause + ": " + f.err.Error()
	}
	return out
}

func (p *Plan) newExecution(ctx context.Context, qctx QueryContext) *execution {
	logger := qctx.Logger
	if logger == nil {
		logger = p.compiler.logger
	}
	return &execution{
		ctx:      ctx,
		plan:     p,
		executor: qctx.Executor,
		params:   qctx.Parameters,
		shaping:  shaper.NewContext(p.tracking),
		logger:   logger.WithQueryID(p.ID),
		metrics:  p.compiler.metrics,
		nested:   len(p.plans) > 1,
	}
}

// Results runs the plan and yields its elements as they are read. A scalar
// plan yields exactly one value. With includes, the elements are read fully
// before the first is yielded so that navigations can load in batches.
func (p *Plan) Results(ctx context.Context, qctx QueryContext) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx, span := startCompilerSpan(ctx, "query.execute",
			attribute.String("relquery.plan_id", p.ID),
			attribute.String("relquery.target", p.root.target),
		)
		metrics := p.compiler.metrics
		metrics.IncrementActiveQueries(ctx)
		start := time.Now()
		var (
			count  int64
			runErr error
		)
		defer func() {
			metrics.DecrementActiveQueries(ctx)
			metrics.RecordExecution(ctx, time.Since(start), count, runErr != nil, p.root.scalar)
			span.SetAttributes(attribute.Int64("relquery.results", count))
			finishCompilerSpan(span, runErr)
			span.End()
		}()

		ex := p.newExecution(ctx, qctx)
		results := p.root.run(ex, nil)
		if len(p.includes) > 0 {
			items, err := collect(results)
			if err == nil {
				err = ex.loadIncludes(p.includes, items)
			}
			if err != nil {
				runErr = err
				yield(nil, err)
				return
			}
			results = iterate(items)
		}
		for v, err := range results {
			if err != nil {
				runErr = err
				yield(nil, err)
				return
			}
			count++
			if !yield(v, nil) {
				return
			}
		}
	}
}

// All runs the plan and collects its elements.
func (p *Plan) All(ctx context.Context, qctx QueryContext) ([]any, error) {
	return collect(p.Results(ctx, qctx))
}

// Scalar runs a scalar plan and returns its value.
func (p *Plan) Scalar(ctx context.Context, qctx QueryContext) (any, error) {
	if !p.root.scalar {
		return nil, fmt.Errorf("%w: query over %s returns a sequence", ErrInvalidOperation, p.root.target)
	}
	for v, err := range p.Results(ctx, qctx) {
		return v, err
	}
	return nil, nil
}

// Stream runs the plan in the background. The channel is closed after the
// last element or the first error; cancelling ctx stops the producer.
func (p *Plan) Stream(ctx context.Context, qctx QueryContext) <-chan Result {
	out := make(chan Result)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for v, err := range p.Results(gctx, qctx) {
			select {
			case out <- Result{Value: v, Err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// String renders the commands of the plan for diagnostics.
func (p *Plan) String() string {
	var b strings.Builder
	for i, cmd := range p.Commands() {
		if i > 0 {
			b.WriteString(";\n")
		}
		b.WriteString(cmd.SQL)
	}
	return b.String()
}
