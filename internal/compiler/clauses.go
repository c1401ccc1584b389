package compiler

import (
	"errors"
	"fmt"
	"slices"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlexpr"
	"relquery/internal/translator"
)

var errAfterClientStage = errors.New("follows a clause evaluated on the client")

func (qc *queryCompiler) entityTable(src qm.QuerySource, t *catalog.EntityType) (sqlexpr.TableExpr, error) {
	alias := qc.cc.aliases.Next(t.Name)
	if qc.fromSQL != nil && src == qm.QuerySource(qc.model.MainFrom) {
		args := make([]sqlexpr.Expr, len(qc.fromSQL.Args))
		for i, a := range qc.fromSQL.Args {
			v, err := qc.translate(a)
			if err != nil {
				return nil, fmt.Errorf("%w: raw SQL argument %d: %v", ErrInvalidOperation, i, err)
			}
			args[i] = v
		}
		return &sqlexpr.FromSQL{SQL: qc.fromSQL.SQL, Args: args, Alias: alias, Source: src}, nil
	}
	return &sqlexpr.Table{Name: t.TableName(), Schema: t.SchemaName(), Alias: alias, Source: src}, nil
}

func (qc *queryCompiler) entityBlock(src qm.QuerySource, t *catalog.EntityType) *block {
	props := t.HierarchyProperties()
	return &block{
		src:    src,
		entity: t,
		shaper: shaper.NewEntityShaper(t, 0),
		exprs: func() ([]sqlexpr.Expr, error) {
			out := make([]sqlexpr.Expr, len(props))
			for i, p := range props {
				col, err := qc.Column(src, p)
				if err != nil {
					return nil, err
				}
				out[i] = col
			}
			return out, nil
		},
	}
}

// discriminatorFilter restricts src to the concrete types assignable to t.
func (qc *queryCompiler) discriminatorFilter(src qm.QuerySource, t *catalog.EntityType) (sqlexpr.Expr, error) {
	d := t.Discriminator()
	if d == nil || !t.InHierarchy() {
		return nil, nil
	}
	col, err := qc.Column(src, d)
	if err != nil {
		return nil, err
	}
	return translator.DiscriminatorPredicate(col, t), nil
}

func (qc *queryCompiler) visitMainFrom(c *qm.MainFromClause) error {
	qc.live = append(qc.live, c)
	switch from := c.From.(type) {
	case *qm.EntitySet:
		qc.sel = sqlexpr.NewSelect(qc.cc.aliases, c)
		table, err := qc.entityTable(c, from.Type)
		if err != nil {
			return err
		}
		qc.sel.AddTable(table)
		qc.blocks = append(qc.blocks, qc.entityBlock(c, from.Type))
		pred, err := qc.discriminatorFilter(c, from.Type)
		if err != nil {
			return err
		}
		qc.sel.AddToPredicate(pred)
		return nil
	case *qm.SubQuery:
		return qc.mainFromSubQuery(c, from.Model)
	case *qm.Constant, *qm.Parameter:
		return qc.clientMainFrom(c, false)
	}
	return qc.clientMainFrom(c, true)
}

func (qc *queryCompiler) mainFromSubQuery(c *qm.MainFromClause, m *qm.QueryModel) error {
	child := qc.cc.newQuery(m, qc, correlationEmbedded)
	if err := child.visit(); err != nil {
		return err
	}
	if !child.serverComplete() || child.scalar {
		p, err := qc.compileClientQuery(m)
		if err != nil {
			return err
		}
		qc.source = func(ex *execution, sc *scope) iterSeq { return p.run(ex, sc) }
		qc.flags = qc.flags.With(RequiresClientEval)
		qc.fallback("from", translator.Untranslatable(&qm.SubQuery{Model: m}, "sub-query needs client evaluation"))
		return nil
	}
	qc.adopt(child)
	qc.cc.bindings[c] = m.Select.Selector
	if child.mergeable() {
		qc.sel = child.sel
		qc.sel.Source = c
		qc.blocks = append(qc.blocks, child.blockFor(c, false))
		return nil
	}
	qc.sel = sqlexpr.NewSelect(qc.cc.aliases, c)
	qc.sel.AddTable(child.derived())
	qc.blocks = append(qc.blocks, child.blockFor(c, true))
	return nil
}

func (qc *queryCompiler) clientMainFrom(c *qm.MainFromClause, logFallback bool) error {
	if err := qc.prepareClient(c.From); err != nil {
		return err
	}
	from := c.From
	qc.source = func(ex *execution, sc *scope) iterSeq { return ex.sequence(from, sc) }
	qc.flags = qc.flags.With(RequiresClientEval)
	if logFallback {
		qc.fallback("from", translator.Untranslatable(from, "source is not a table or sub-query"))
	}
	return nil
}

func (qc *queryCompiler) visitAdditionalFrom(c *qm.AdditionalFromClause) error {
	qc.live = append(qc.live, c)
	if qc.serverRows() {
		ok, err := qc.serverAdditionalFrom(c)
		if err != nil || ok {
			return err
		}
	} else if qc.sel != nil {
		qc.fallback("from", errAfterClientStage)
	}
	return qc.clientSelectMany(c)
}

func (qc *queryCompiler) serverAdditionalFrom(c *qm.AdditionalFromClause) (bool, error) {
	switch from := c.From.(type) {
	case *qm.EntitySet:
		table, err := qc.entityTable(c, from.Type)
		if err != nil {
			return false, err
		}
		qc.sel.AddJoin(sqlexpr.JoinCross, table, nil)
		qc.blocks = append(qc.blocks, qc.entityBlock(c, from.Type))
		pred, err := qc.discriminatorFilter(c, from.Type)
		if err != nil {
			return false, err
		}
		qc.sel.AddToPredicate(pred)
		return true, nil

	case *qm.SubQuery:
		correlated := len(qm.OuterReferences(from.Model)) > 0
		if correlated && !qc.cc.compiler.dialect.SupportsLateral() {
			qc.fallback("from", translator.Untranslatable(from, "correlated sub-query needs a lateral join"))
			return false, nil
		}
		child := qc.cc.newQuery(from.Model, qc, correlationEmbedded)
		if err := child.visit(); err != nil {
			return false, err
		}
		if !child.serverComplete() || child.scalar {
			qc.fallback("from", translator.Untranslatable(from, "sub-query needs client evaluation"))
			return false, nil
		}
		qc.adopt(child)
		qc.cc.bindings[c] = from.Model.Select.Selector
		switch {
		case correlated:
			qc.sel.AddJoin(sqlexpr.JoinCrossLateral, child.derived(), nil)
			qc.blocks = append(qc.blocks, child.blockFor(c, true))
		case child.mergeable():
			qc.mergeTables(child.sel)
			qc.blocks = append(qc.blocks, child.blockFor(c, false))
		default:
			qc.sel.AddJoin(sqlexpr.JoinCross, child.derived(), nil)
			qc.blocks = append(qc.blocks, child.blockFor(c, true))
		}
		return true, nil
	}
	return false, nil
}

// mergeTables lifts the FROM list of an uncorrelated child into this select.
func (qc *queryCompiler) mergeTables(child *sqlexpr.Select) {
	for i, t := range child.Tables {
		if i == 0 {
			qc.sel.AddJoin(sqlexpr.JoinCross, t, nil)
			continue
		}
		qc.sel.AddTable(t)
	}
	qc.sel.AddToPredicate(child.Predicate)
	for _, o := range child.OrderBy {
		qc.sel.AddToOrderBy(o)
	}
}

func (qc *queryCompiler) clientSelectMany(c *qm.AdditionalFromClause) error {
	items, _, err := qc.clientSequence(c.From)
	if err != nil {
		return err
	}
	qc.flags = qc.flags.With(ClientSelectMany)
	qc.stages = append(qc.stages, selectManyStage(c, items))
	return nil
}

// clientSequence compiles a source expression for client evaluation.
// correlated reports whether its items depend on the current scope.
func (qc *queryCompiler) clientSequence(e qm.Expr) (sequenceFunc, bool, error) {
	switch from := e.(type) {
	case *qm.EntitySet:
		p, err := qc.compileClientQuery(qm.NewQuery(from.Type.Name, from.Type))
		if err != nil {
			return nil, false, err
		}
		return func(ex *execution, _ *scope) iterSeq { return p.run(ex, nil) }, false, nil
	case *qm.SubQuery:
		p, err := qc.compileClientQuery(from.Model)
		if err != nil {
			return nil, false, err
		}
		correlated := len(qm.OuterReferences(from.Model)) > 0
		return func(ex *execution, sc *scope) iterSeq { return p.run(ex, sc) }, correlated, nil
	case *qm.Constant:
		return func(ex *execution, sc *scope) iterSeq { return ex.sequence(from, sc) }, false, nil
	}
	if err := qc.prepareClient(e); err != nil {
		return nil, false, err
	}
	return func(ex *execution, sc *scope) iterSeq { return ex.sequence(e, sc) }, true, nil
}

func (qc *queryCompiler) visitJoin(j *qm.JoinClause) error {
	qc.live = append(qc.live, j)
	if qc.serverRows() {
		ok, err := qc.serverJoin(j, j.LeftOuter)
		if err != nil || ok {
			return err
		}
	} else if qc.sel != nil {
		qc.fallback("join", errAfterClientStage)
	}
	return qc.clientJoin(j, nil)
}

// serverJoin adds j to the select. It reports false, leaving the select
// untouched, when the join has to run on the client.
func (qc *queryCompiler) serverJoin(j *qm.JoinClause, leftOuter bool) (bool, error) {
	kind := sqlexpr.JoinInner
	if leftOuter {
		kind = sqlexpr.JoinLeftOuter
	}
	var (
		table  sqlexpr.TableExpr
		extra  sqlexpr.Expr
		blk    *block
		child  *queryCompiler
		entity *catalog.EntityType
	)
	switch inner := j.Inner.(type) {
	case *qm.EntitySet:
		t, err := qc.entityTable(j, inner.Type)
		if err != nil {
			return false, err
		}
		table, entity = t, inner.Type
		blk = qc.entityBlock(j, inner.Type)
	case *qm.SubQuery:
		if len(qm.OuterReferences(inner.Model)) > 0 {
			qc.fallback("join", translator.Untranslatable(inner, "correlated join source"))
			return false, nil
		}
		child = qc.cc.newQuery(inner.Model, qc, correlationEmbedded)
		if err := child.visit(); err != nil {
			return false, err
		}
		if !child.serverComplete() || child.scalar || (leftOuter && child.elementEntity() == nil) {
			qc.fallback("join", translator.Untranslatable(inner, "join source needs client evaluation"))
			return false, nil
		}
		if child.mergeableAsJoin() {
			table, extra = child.sel.Tables[0], child.sel.Predicate
			blk = child.blockFor(j, false)
		} else {
			table = child.derived()
			blk = child.blockFor(j, true)
		}
		qc.cc.bindings[j] = inner.Model.Select.Selector
	default:
		qc.fallback("join", translator.Untranslatable(j.Inner, "join source is not a table or sub-query"))
		return false, nil
	}

	mark := len(qc.sel.Tables)
	node := &sqlexpr.Join{Kind: kind, Table: table}
	qc.sel.Tables = append(qc.sel.Tables, node)
	on, err := qc.keyEquality(j.OuterKey, j.InnerKey)
	if err == nil && entity != nil {
		extra, err = qc.discriminatorFilter(j, entity)
	}
	if err != nil {
		qc.sel.Tables = qc.sel.Tables[:mark]
		delete(qc.cc.bindings, j)
		if errors.Is(err, translator.ErrUntranslatable) {
			qc.fallback("join", err)
			return false, nil
		}
		return false, err
	}
	node.On = sqlexpr.AndAlso(on, extra)
	qc.blocks = append(qc.blocks, blk)
	if child != nil {
		qc.adopt(child)
	}
	return true, nil
}

func (qc *queryCompiler) mergeableAsJoin() bool {
	if !qc.mergeable() || len(qc.sel.Tables) != 1 || len(qc.sel.OrderBy) > 0 {
		return false
	}
	switch qc.sel.Tables[0].(type) {
	case *sqlexpr.Table, *sqlexpr.FromSQL:
		return true
	}
	return false
}

// keyEquality translates a join key pair into ANDed equalities; composite
// keys are records compared field by field.
func (qc *queryCompiler) keyEquality(outer, inner qm.Expr) (sqlexpr.Expr, error) {
	ol, il := keyParts(outer), keyParts(inner)
	if len(ol) != len(il) {
		return nil, fmt.Errorf("%w: join keys have %d and %d parts", ErrInvalidOperation, len(ol), len(il))
	}
	var on sqlexpr.Expr
	for i := range ol {
		l, err := qc.translate(ol[i])
		if err != nil {
			return nil, err
		}
		r, err := qc.translate(il[i])
		if err != nil {
			return nil, err
		}
		on = sqlexpr.AndAlso(on, &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: l, Right: r})
	}
	return on, nil
}

func keyParts(e qm.Expr) []qm.Expr {
	if n, ok := e.(*qm.New); ok {
		parts := make([]qm.Expr, len(n.Fields))
		for i, f := range n.Fields {
			parts[i] = f.Value
		}
		return parts
	}
	return []qm.Expr{e}
}

func (qc *queryCompiler) clientJoin(j *qm.JoinClause, gj *qm.GroupJoinClause) error {
	inner, correlated, err := qc.clientSequence(j.Inner)
	if err != nil {
		return err
	}
	for _, k := range []qm.Expr{j.OuterKey, j.InnerKey} {
		if err := qc.prepareClient(k); err != nil {
			return err
		}
	}
	qc.flags = qc.flags.With(ClientJoin)
	if gj != nil {
		qc.flags = qc.flags.With(SingleColumnResultOperators)
		qc.stages = append(qc.stages, groupJoinStage(gj, j, inner, correlated))
		return nil
	}
	qc.stages = append(qc.stages, joinStage(j, inner, correlated))
	return nil
}

func (qc *queryCompiler) visitGroupJoin(gj *qm.GroupJoinClause) error {
	if qc.serverRows() {
		if _, ok := gj.Join.Inner.(*qm.EntitySet); ok {
			outer := slices.Clone(qc.live)
			if orderings, ok := qc.identityOrderings(outer); ok {
				joined, err := qc.serverJoin(gj.Join, true)
				if err != nil {
					return err
				}
				if joined {
					for _, o := range orderings {
						qc.sel.AddToOrderBy(o)
					}
					qc.flags = qc.flags.With(ClientJoin | SingleColumnResultOperators)
					qc.stages = append(qc.stages, groupJoinCollapse(gj, gj.Join, outer))
					qc.live = append(outer, gj)
					return nil
				}
			}
		}
	} else if qc.sel != nil {
		qc.fallback("group join", errAfterClientStage)
	}
	qc.live = append(qc.live, gj)
	return qc.clientJoin(gj.Join, gj)
}

// identityOrderings orders rows by the identity of every outer source so
// that the rows of one outer item are adjacent.
func (qc *queryCompiler) identityOrderings(outer []qm.QuerySource) ([]sqlexpr.Ordering, bool) {
	var out []sqlexpr.Ordering
	for _, src := range outer {
		b := qc.blockOf(src)
		if b == nil {
			return nil, false
		}
		var exprs []sqlexpr.Expr
		if b.entity != nil {
			for _, p := range b.entity.FindPrimaryKey() {
				col, err := qc.translate(&qm.Member{Target: qm.Ref(src), Name: p.Name})
				if err != nil {
					return nil, false
				}
				exprs = append(exprs, col)
			}
		} else {
			var err error
			if exprs, err = b.exprs(); err != nil {
				return nil, false
			}
		}
		for _, e := range exprs {
			out = append(out, sqlexpr.Ordering{Expr: e})
		}
	}
	return out, true
}

func (qc *queryCompiler) blockOf(src qm.QuerySource) *block {
	for _, b := range qc.blocks {
		if b.src == src {
			return b
		}
	}
	return nil
}

func (qc *queryCompiler) visitWhere(w *qm.WhereClause) error {
	if !qc.serverRows() {
		if qc.sel != nil {
			qc.fallback("where", errAfterClientStage)
		}
		return qc.clientFilter(w.Predicate)
	}
	var residual qm.Expr
	for _, c := range conjuncts(w.Predicate) {
		pred, err := qc.translatePredicate(c)
		if err == nil {
			if qc.sel.IsPaged() || qc.sel.IsDistinct {
				qc.pushDown()
			}
			qc.sel.AddToPredicate(pred)
			continue
		}
		if !errors.Is(err, translator.ErrUntranslatable) {
			return err
		}
		qc.fallback("where", err)
		if residual == nil {
			residual = c
		} else {
			residual = qm.And(residual, c)
		}
	}
	if residual == nil {
		return nil
	}
	return qc.clientFilter(residual)
}

func conjuncts(e qm.Expr) []qm.Expr {
	if b, ok := e.(*qm.Binary); ok && b.Op == qm.OpAndAlso {
		return append(conjuncts(b.Left), conjuncts(b.Right)...)
	}
	return []qm.Expr{e}
}

func (qc *queryCompiler) clientFilter(pred qm.Expr) error {
	if err := qc.prepareClient(pred); err != nil {
		return err
	}
	qc.flags = qc.flags.With(ClientFilter)
	qc.stages = append(qc.stages, filterStage(pred))
	return nil
}

func (qc *queryCompiler) visitOrderBy(o *qm.OrderByClause) error {
	if qc.serverRows() && !qc.flags.Has(ClientOrderBy) {
		orderings := make([]sqlexpr.Ordering, 0, len(o.Orderings))
		var failed error
		for _, ord := range o.Orderings {
			e, err := qc.translate(ord.Expr)
			if err != nil {
				if !errors.Is(err, translator.ErrUntranslatable) {
					return err
				}
				failed = err
				break
			}
			orderings = append(orderings, sqlexpr.Ordering{Expr: e, Descending: ord.Descending})
		}
		if failed == nil {
			qc.sel.PrependOrderBy(orderings...)
			return nil
		}
		qc.fallback("order by", failed)
	} else if qc.sel != nil {
		qc.fallback("order by", errAfterClientStage)
	}
	for _, ord := range o.Orderings {
		if err := qc.prepareClient(ord.Expr); err != nil {
			return err
		}
	}
	qc.flags = qc.flags.With(ClientOrderBy)
	qc.stages = append(qc.stages, orderStage(o.Orderings))
	return nil
}
