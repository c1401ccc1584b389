// Package compiler turns query models into executable plans.
//
// A plan is one SQL command for the outermost query plus the client-side
// work the command cannot express: residual filters and orderings, joins
// against client sequences, projection pieces, result operators, correlated
// sub-queries run once per outer row, and batched include loads. Client
// evaluation is always correct but slower; every clause that falls back is
// logged once at compile time and counted.
package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"relquery/internal/catalog"
	"relquery/internal/dialect"
	"relquery/internal/logging"
	"relquery/internal/observability"
	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqlgen"
)

// DefaultIncludeBatchSize is the number of parent keys per include batch query.
const DefaultIncludeBatchSize = 500

// Rewriter is a pluggable optimization applied to every top-level model
// before the built-in rewrites.
type Rewriter func(m *qm.QueryModel) (*qm.QueryModel, error)

// Compiler compiles query models against one catalog and dialect. It holds no
// per-query state and is safe for concurrent use.
type Compiler struct {
	catalog    *catalog.Catalog
	dialect    *dialect.Dialect
	gen        *sqlgen.Generator
	logger     *logging.Logger
	metrics    *observability.QueryMetrics
	tracking   bool
	batchSize  int
	warnPaging bool
	rewriters  []Rewriter
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithDialect selects the SQL dialect (MySQL by default).
func WithDialect(d *dialect.Dialect) Option {
	return func(c *Compiler) { c.dialect = d }
}

// WithLogger sets the logger used for fallback and paging warnings.
func WithLogger(l *logging.Logger) Option {
	return func(c *Compiler) { c.logger = l }
}

// WithMetrics records compile and execution metrics.
func WithMetrics(m *observability.QueryMetrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// WithTracking sets the default identity-resolution mode; a Tracking
// operator on the query overrides it.
func WithTracking(enabled bool) Option {
	return func(c *Compiler) { c.tracking = enabled }
}

// WithIncludeBatchSize bounds the parent keys sent in one include query.
func WithIncludeBatchSize(n int) Option {
	return func(c *Compiler) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPagingWarnings toggles the warning for paging without ordering.
func WithPagingWarnings(enabled bool) Option {
	return func(c *Compiler) { c.warnPaging = enabled }
}

// WithRewriter adds a model rewrite run before the built-in optimizations.
func WithRewriter(r Rewriter) Option {
	return func(c *Compiler) { c.rewriters = append(c.rewriters, r) }
}

// New creates a compiler for cat.
func New(cat *catalog.Catalog, opts ...Option) *Compiler {
	c := &Compiler{
		catalog:    cat,
		dialect:    dialect.MySQL,
		logger:     logging.FromContext(context.Background()),
		tracking:   true,
		batchSize:  DefaultIncludeBatchSize,
		warnPaging: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.gen = sqlgen.New(c.dialect)
	return c
}

// Catalog returns the catalog the compiler resolves entity types against.
func (c *Compiler) Catalog() *catalog.Catalog {
	return c.catalog
}

// Dialect returns the dialect the compiler generates SQL for.
func (c *Compiler) Dialect() *dialect.Dialect {
	return c.dialect
}

// Compile compiles model into a plan. The model is not modified.
func (c *Compiler) Compile(ctx context.Context, model *qm.QueryModel) (*Plan, error) {
	ctx, span := startCompilerSpan(ctx, "compiler.compile")
	start := time.Now()
	plan, err := c.compile(ctx, model)
	c.metrics.RecordCompile(ctx, time.Since(start), err != nil)
	if plan != nil {
		span.SetAttributes(
			attribute.String("relquery.plan_id", plan.ID),
			attribute.Int("relquery.fallbacks", len(plan.fallbacks)),
			attribute.Int("relquery.commands", len(plan.Commands())),
		)
	}
	finishCompilerSpan(span, err)
	span.End()
	return plan, err
}

// compilation is the state of one Compile call, shared by the compilers of
// the top-level model and all of its sub-queries.
type compilation struct {
	compiler *Compiler
	ctx      context.Context
	id       string
	aliases  *sqlexpr.Aliases
	logger   *logging.Logger
	// bindings maps sources whose items are another query's elements to the
	// expression that computes them, for translation.
	bindings map[qm.QuerySource]qm.Expr
	// subPlans holds the client-evaluated sub-queries, by model.
	subPlans map[*qm.QueryModel]*queryPlan
	// plans lists every plan that has a SQL command, in completion order.
	plans []*queryPlan
}

func (c *Compiler) compile(ctx context.Context, model *qm.QueryModel) (*Plan, error) {
	if model == nil || model.MainFrom == nil || model.Select == nil {
		return nil, fmt.Errorf("%w: query model needs a main from clause and a select clause", ErrInvalidOperation)
	}
	id := uuid.NewString()
	cc := &compilation{
		compiler: c,
		ctx:      ctx,
		id:       id,
		aliases:  sqlexpr.NewAliases(),
		logger:   c.logger.WithQueryID(id),
		bindings: map[qm.QuerySource]qm.Expr{},
		subPlans: map[*qm.QueryModel]*queryPlan{},
	}
	var guard phaseGuard

	m := qm.Clone(model)
	ann, err := extractAnnotations(m)
	if err != nil {
		return nil, err
	}
	if err := guard.advance(PhaseAnnotationsExtracted); err != nil {
		return nil, err
	}

	m, err = cc.optimize(m)
	if err != nil {
		return nil, err
	}
	includes, err := resolveIncludes(m, ann.includes)
	if err != nil {
		return nil, err
	}
	if err := rewriteNavigations(m); err != nil {
		return nil, err
	}
	if err := guard.advance(PhaseOptimized); err != nil {
		return nil, err
	}

	qc := cc.newQuery(m, nil, correlationNone)
	qc.fromSQL = ann.fromSQL
	if err := qc.visit(); err != nil {
		return nil, err
	}
	if err := guard.advance(PhaseVisited); err != nil {
		return nil, err
	}

	if includes != nil && !qc.keepsEntities() {
		cc.logger.Debug("include dropped for scalar result")
		includes = nil
	}
	if includes != nil {
		if err := qc.joinIncludes(includes); err != nil {
			return nil, err
		}
	}
	root, err := qc.finish()
	if err != nil {
		return nil, err
	}
	if err := guard.advance(PhaseShaped); err != nil {
		return nil, err
	}

	tracking := c.tracking
	if ann.tracking != nil {
		tracking = *ann.tracking
	}
	if err := guard.advance(PhaseTracked); err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        id,
		root:      root,
		plans:     rootFirst(root, cc.plans),
		includes:  includes,
		tracking:  tracking,
		subPlans:  cc.subPlans,
		fallbacks: qc.fallbacks,
		compiler:  c,
	}
	for _, f := range plan.fallbacks {
		cc.logger.Warn("query part evaluated on the client", "clause", f.clause, "reason", f.err.Error())
		c.metrics.RecordFallback(ctx, f.clause)
	}
	if err := guard.advance(PhaseFinalized); err != nil {
		return nil, err
	}
	return plan, nil
}

func rootFirst(root *queryPlan, plans []*queryPlan) []*queryPlan {
	out := make([]*queryPlan, 0, len(plans))
	if root.command != nil {
		out = append(out, root)
	}
	for _, p := range plans {
		if p != root {
			out = append(out, p)
		}
	}
	return out
}

func startCompilerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("relquery/compiler")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func finishCompilerSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	span.SetAttributes(attribute.String("relquery.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
