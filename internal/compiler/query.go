package compiler

import (
	"errors"
	"fmt"
	"iter"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlexpr"
	"relquery/internal/translator"
)

// correlation says how a query reaches the sources of enclosing queries.
type correlation int

const (
	correlationNone correlation = iota
	// correlationEmbedded: the query becomes part of its parent's SQL and
	// reads outer columns directly.
	correlationEmbedded
	// correlationInjected: the query runs on its own, once per outer
	// element, with outer columns bound as _outer_ parameters.
	correlationInjected
)

type fallback struct {
	clause string
	err    error
}

type outerParam struct {
	name string
	src  qm.QuerySource
	prop *catalog.Property
}

// block is a contiguous column range of the projection that materializes the
// item of one query source.
type block struct {
	src    qm.QuerySource
	entity *catalog.EntityType
	exprs  func() ([]sqlexpr.Expr, error)
	shaper shaper.Shaper
}

type iterSeq = iter.Seq2[any, error]

type (
	sequenceFunc func(ex *execution, sc *scope) iterSeq
	stage        func(ex *execution, in iter.Seq2[*scope, error]) iter.Seq2[*scope, error]
	clientOp     func(ex *execution, outer *scope, in iterSeq) iterSeq
	selector     func(ex *execution, sc *scope) (any, error)
	fixup        func(ex *execution, sc *scope) error
)

// queryCompiler compiles one query model. Sub-queries get their own
// queryCompiler linked to the parent.
type queryCompiler struct {
	cc      *compilation
	parent  *queryCompiler
	mode    correlation
	model   *qm.QueryModel
	fromSQL *qm.FromSQL
	trans   *translator.Translator

	// sel is nil when the model runs entirely on the client.
	sel    *sqlexpr.Select
	blocks []*block
	live   []qm.QuerySource
	flags  ClientFlags
	stages []stage
	source sequenceFunc

	element      *selNode
	selector     selector
	selectorPure bool
	rows         shaper.Shaper

	ops []clientOp
	// terminal is the First/Single/Last kind, or -1; terminalOp picks the
	// element.
	terminal   qm.OperatorKind
	terminalOp clientOp
	scalar     bool
	fixups     []fixup

	outerParams []outerParam
	fallbacks   []fallback
}

func (cc *compilation) newQuery(m *qm.QueryModel, parent *queryCompiler, mode correlation) *queryCompiler {
	qc := &queryCompiler{cc: cc, parent: parent, mode: mode, model: m, terminal: -1}
	qc.trans = translator.New(qc, cc.compiler.dialect)
	return qc
}

func (qc *queryCompiler) visit() error {
	if err := qc.visitMainFrom(qc.model.MainFrom); err != nil {
		return err
	}
	for _, clause := range qc.model.BodyClauses {
		var err error
		switch c := clause.(type) {
		case *qm.AdditionalFromClause:
			err = qc.visitAdditionalFrom(c)
		case *qm.JoinClause:
			err = qc.visitJoin(c)
		case *qm.GroupJoinClause:
			err = qc.visitGroupJoin(c)
		case *qm.WhereClause:
			err = qc.visitWhere(c)
		case *qm.OrderByClause:
			err = qc.visitOrderBy(c)
		default:
			err = fmt.Errorf("%w: unsupported body clause %T", ErrInvalidOperation, clause)
		}
		if err != nil {
			return err
		}
	}
	if err := qc.visitSelect(qc.model.Select); err != nil {
		return err
	}
	for _, op := range qc.model.ResultOperators {
		if err := qc.visitResultOperator(op); err != nil {
			return err
		}
	}
	return nil
}

// Column implements translator.Binder.
func (qc *queryCompiler) Column(src qm.QuerySource, prop *catalog.Property) (sqlexpr.Expr, error) {
	if qc.sel != nil && qc.sel.ContainsSource(src) {
		nullable := prop.Nullable
		if t := src.ItemType(); t != nil {
			nullable = t.IsPropertyNullable(prop)
		}
		col, err := qc.sel.ColumnFor(src, prop.Column, prop.Kind, nullable)
		if errors.Is(err, sqlexpr.ErrProjectionFrozen) {
			return nil, translator.Untranslatable(&qm.Member{Target: qm.Ref(src), Name: prop.Name}, "column %s is hidden by DISTINCT", prop.Name)
		}
		return col, err
	}
	if bound, ok := qc.cc.bindings[src]; ok {
		return qc.translate(&qm.Member{Target: bound, Name: prop.Name})
	}
	if qc.model.Owns(src) {
		return nil, translator.Untranslatable(qm.Ref(src), "source %s is evaluated on the client", src.ItemName())
	}
	switch qc.mode {
	case correlationEmbedded:
		return qc.parent.Column(src, prop)
	case correlationInjected:
		return qc.injectOuter(src, prop), nil
	}
	return nil, translator.Untranslatable(qm.Ref(src), "source %s is not in scope", src.ItemName())
}

// SubQuery implements translator.Binder. The child only translates when all
// of it runs on the server.
func (qc *queryCompiler) SubQuery(m *qm.QueryModel) (*sqlexpr.Select, error) {
	child := qc.cc.newQuery(m, qc, correlationEmbedded)
	if err := child.visit(); err != nil {
		return nil, err
	}
	if !child.serverComplete() {
		return nil, translator.Untranslatable(&qm.SubQuery{Model: m}, "sub-query needs client evaluation")
	}
	return child.sel, nil
}

func (qc *queryCompiler) injectOuter(src qm.QuerySource, prop *catalog.Property) sqlexpr.Expr {
	for _, p := range qc.outerParams {
		if p.src == src && p.prop == prop {
			return &sqlexpr.Parameter{Name: p.name, Kind: prop.Kind}
		}
	}
	name := "_outer_" + prop.Name
	for n := 1; qc.outerParamTaken(name); n++ {
		name = fmt.Sprintf("_outer_%s_%d", prop.Name, n)
	}
	qc.outerParams = append(qc.outerParams, outerParam{name: name, src: src, prop: prop})
	return &sqlexpr.Parameter{Name: name, Kind: prop.Kind}
}

func (qc *queryCompiler) outerParamTaken(name string) bool {
	for _, p := range qc.outerParams {
		if p.name == name {
			return true
		}
	}
	return false
}

func (qc *queryCompiler) translate(e qm.Expr) (sqlexpr.Expr, error) {
	return qc.trans.Translate(qc.cc.substitute(e))
}

func (qc *queryCompiler) translatePredicate(e qm.Expr) (sqlexpr.Expr, error) {
	return qc.trans.TranslatePredicate(qc.cc.substitute(e))
}

// substitute replaces references to sources whose items are another query's
// elements with the expression computing those elements.
func (cc *compilation) substitute(e qm.Expr) qm.Expr {
	if len(cc.bindings) == 0 || !cc.referencesBound(e) {
		return e
	}
	return qm.Transform(qm.CloneExpr(e), func(n qm.Expr) qm.Expr {
		if ref, ok := n.(*qm.QuerySourceRef); ok {
			if bound, ok := cc.bindings[ref.Source]; ok {
				return qm.CloneExpr(cc.substitute(bound))
			}
		}
		return n
	})
}

func (cc *compilation) referencesBound(e qm.Expr) bool {
	found := false
	qm.Walk(e, func(n qm.Expr) bool {
		if ref, ok := n.(*qm.QuerySourceRef); ok {
			if _, bound := cc.bindings[ref.Source]; bound {
				found = true
			}
		}
		return !found
	})
	return found
}

// prepareClient compiles the sub-queries of an expression that is evaluated
// on the client.
func (qc *queryCompiler) prepareClient(e qm.Expr) error {
	var err error
	qm.Walk(e, func(n qm.Expr) bool {
		if err != nil {
			return false
		}
		sub, ok := n.(*qm.SubQuery)
		if !ok {
			return true
		}
		if _, done := qc.cc.subPlans[sub.Model]; !done {
			var p *queryPlan
			if p, err = qc.compileClientQuery(sub.Model); err == nil {
				qc.cc.subPlans[sub.Model] = p
			}
		}
		return false
	})
	return err
}

// compileClientQuery compiles m to run on its own, once per outer element
// when it is correlated.
func (qc *queryCompiler) compileClientQuery(m *qm.QueryModel) (*queryPlan, error) {
	child := qc.cc.newQuery(m, qc, correlationInjected)
	if err := child.visit(); err != nil {
		return nil, err
	}
	qc.fallbacks = append(qc.fallbacks, child.fallbacks...)
	if len(qm.OuterReferences(m)) > 0 {
		qc.fallback("subquery", fmt.Errorf("correlated sub-query over %s runs once per outer element", child.target()))
	}
	return child.finish()
}

func (qc *queryCompiler) fallback(clause string, err error) {
	qc.fallbacks = append(qc.fallbacks, fallback{clause: clause, err: err})
}

// adopt takes over the fallbacks of a child merged into this query.
func (qc *queryCompiler) adopt(child *queryCompiler) {
	qc.fallbacks = append(qc.fallbacks, child.fallbacks...)
}

// serverRows reports whether the next clause can still change the SQL rows.
func (qc *queryCompiler) serverRows() bool {
	return qc.sel != nil && len(qc.stages) == 0
}

// serverComplete reports whether the whole model is expressed by sel.
func (qc *queryCompiler) serverComplete() bool {
	return qc.sel != nil &&
		qc.flags == 0 &&
		len(qc.stages) == 0 &&
		qc.selectorPure &&
		len(qc.ops) == 0 &&
		len(qc.fixups) == 0 &&
		qc.terminal != qm.KindSingle
}

func (qc *queryCompiler) mergeable() bool {
	return !qc.sel.IsPaged() && !qc.sel.IsDistinct
}

// derived names sel and returns it for use as a derived table.
func (qc *queryCompiler) derived() *sqlexpr.Select {
	if qc.sel.Alias == "" {
		qc.sel.Alias = qc.cc.aliases.Next("t")
	}
	qc.sel.NameProjection()
	return qc.sel
}

// blockFor makes the projection of this (child) query a block of its
// parent, materializing src. Derived children are read through their alias.
func (qc *queryCompiler) blockFor(src qm.QuerySource, derived bool) *block {
	b := &block{src: src, entity: qc.elementEntity(), shaper: qc.elementShaper()}
	if derived {
		sel := qc.sel
		b.exprs = func() ([]sqlexpr.Expr, error) {
			out := make([]sqlexpr.Expr, 0, len(sel.Projection))
			for _, e := range sel.Projection {
				col, err := sel.Lift(e)
				if err != nil {
					return nil, err
				}
				out = append(out, col)
			}
			return out, nil
		}
		return b
	}
	exprs := append([]sqlexpr.Expr(nil), qc.sel.Projection...)
	b.exprs = func() ([]sqlexpr.Expr, error) { return exprs, nil }
	return b
}

// elementEntity is the entity type of the elements when the selector is a
// plain entity source.
func (qc *queryCompiler) elementEntity() *catalog.EntityType {
	if qc.element == nil || qc.element.kind != nodeSource {
		return nil
	}
	return qc.element.src.ItemType()
}

// keepsEntities reports whether the results can carry included navigations.
func (qc *queryCompiler) keepsEntities() bool {
	if qc.scalar && qc.terminal < 0 {
		return false
	}
	for _, op := range qc.model.ResultOperators {
		if _, ok := op.(*qm.GroupBy); ok {
			return false
		}
	}
	return true
}

// pushDown wraps the select into a derived table and re-points the
// projected selector columns at the lifted projection.
func (qc *queryCompiler) pushDown() {
	qc.sel.PushDownSubquery()
	if qc.element != nil {
		qc.element.walk(func(n *selNode) {
			if n.kind == nodeSQL && n.index >= 0 && n.index < len(qc.sel.Projection) {
				n.sql = qc.sel.Projection[n.index]
			}
		})
	}
}

func (qc *queryCompiler) target() string {
	if t := qc.model.MainFrom.Type; t != nil {
		return t.Name
	}
	return qc.model.MainFrom.Name
}

func (qc *queryCompiler) finish() (*queryPlan, error) {
	p := &queryPlan{
		target:      qc.target(),
		main:        qc.model.MainFrom,
		source:      qc.source,
		rows:        qc.rows,
		stages:      qc.stages,
		selector:    qc.selector,
		fixups:      qc.fixups,
		ops:         qc.ops,
		terminal:    qc.terminalOp,
		scalar:      qc.scalar,
		single:      qm.IsSingleElement(qc.model),
		outerParams: qc.outerParams,
	}
	if qc.sel != nil {
		cmd, err := qc.cc.compiler.gen.Generate(qc.sel)
		if err != nil {
			return nil, fmt.Errorf("generate SQL for %s: %w", p.target, err)
		}
		p.command = &cmd
		qc.cc.plans = append(qc.cc.plans, p)
		qc.cc.logger.Debug("generated SQL", "target", p.target, "sql", cmd.SQL)
	}
	return p, nil
}
