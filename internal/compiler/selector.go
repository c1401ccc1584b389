package compiler

import (
	"errors"
	"fmt"

	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
	"relquery/internal/translator"
)

type nodeKind int

const (
	nodeSQL nodeKind = iota
	nodeSource
	nodeRecord
	nodeConst
	nodeClient
)

// selNode is one piece of an analyzed selector: a projected SQL value, a
// query source item, a record, a constant or a client-evaluated expression.
type selNode struct {
	kind nodeKind

	sql       sqlexpr.Expr
	index     int
	valueKind sqltype.Kind

	src    qm.QuerySource
	names  []string
	fields []*selNode
	value  any
	expr   qm.Expr
}

func (n *selNode) walk(fn func(*selNode)) {
	fn(n)
	for _, f := range n.fields {
		f.walk(fn)
	}
}

// scope holds the items of the query sources visible to one row.
type scope struct {
	parent *scope
	items  map[qm.QuerySource]any
	row    shaper.Row
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, items: map[qm.QuerySource]any{}}
}

func (s *scope) lookup(src qm.QuerySource) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.items[src]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *scope) with(src qm.QuerySource, v any) *scope {
	out := &scope{parent: s.parent, row: s.row, items: make(map[qm.QuerySource]any, len(s.items)+1)}
	for k, item := range s.items {
		out.items[k] = item
	}
	out.items[src] = v
	return out
}

func (s *scope) without(src qm.QuerySource) *scope {
	delete(s.items, src)
	return s
}

func (qc *queryCompiler) visitSelect(s *qm.SelectClause) error {
	root, err := qc.analyze(s.Selector)
	if err != nil {
		return err
	}
	qc.element = root
	qc.selectorPure = qc.pure(root)
	if !qc.selectorPure && qc.sel != nil {
		qc.flags = qc.flags.With(ClientProjection)
	}
	if qc.sel != nil {
		if err := qc.project(); err != nil {
			return err
		}
	}
	qc.selector = compileSelector(root)
	return nil
}

func (qc *queryCompiler) analyze(e qm.Expr) (*selNode, error) {
	switch x := e.(type) {
	case *qm.QuerySourceRef:
		return &selNode{kind: nodeSource, src: x.Source}, nil
	case *qm.New:
		n := &selNode{kind: nodeRecord}
		for _, f := range x.Fields {
			field, err := qc.analyze(f.Value)
			if err != nil {
				return nil, err
			}
			n.names = append(n.names, f.Name)
			n.fields = append(n.fields, field)
		}
		return n, nil
	case *qm.Constant:
		return &selNode{kind: nodeConst, value: x.Value}, nil
	case *qm.Parameter:
		return &selNode{kind: nodeClient, expr: e}, nil
	}
	if qc.sel != nil {
		sqlE, err := qc.translate(e)
		if err == nil {
			return &selNode{kind: nodeSQL, sql: sqlE, index: -1, valueKind: sqlexpr.KindOf(sqlE)}, nil
		}
		if !errors.Is(err, translator.ErrUntranslatable) {
			return nil, err
		}
		qc.fallback("select", err)
	}
	if err := qc.prepareClient(e); err != nil {
		return nil, err
	}
	return &selNode{kind: nodeClient, expr: e}, nil
}

// pure reports whether the selector reads nothing but the projected row.
func (qc *queryCompiler) pure(root *selNode) bool {
	ok := true
	root.walk(func(n *selNode) {
		switch n.kind {
		case nodeClient:
			ok = false
		case nodeSource:
			if qc.sel == nil || qc.blockOf(n.src) == nil {
				ok = false
			}
		}
	})
	return ok
}

// project rebuilds the projection: the blocks of the sources the selector
// needs, then its SQL values.
func (qc *queryCompiler) project() error {
	needed := map[qm.QuerySource]bool{}
	qc.element.walk(func(n *selNode) {
		switch n.kind {
		case nodeSource:
			needed[n.src] = true
		case nodeClient:
			for _, src := range qm.ReferencedSources(n.expr) {
				needed[src] = true
			}
		}
	})
	all := len(qc.stages) > 0

	qc.sel.ClearProjection()
	var rows shaper.Shaper
	width := 0
	for _, b := range qc.blocks {
		if !all && !needed[b.src] {
			continue
		}
		exprs, err := b.exprs()
		if err != nil {
			return fmt.Errorf("project %s: %w", b.src.ItemName(), err)
		}
		for _, e := range exprs {
			qc.sel.AppendProjection(e)
		}
		rows = chainScope(rows, b, width)
		width += len(exprs)
	}
	if rows == nil {
		rows = rowScope()
	}
	qc.rows = rows
	qc.element.walk(func(n *selNode) {
		if n.kind == nodeSQL {
			n.index = qc.sel.AddToProjection(n.sql)
		}
	})
	return nil
}

func chainScope(rows shaper.Shaper, b *block, offset int) shaper.Shaper {
	src := b.src
	if rows == nil {
		return &shaper.ProjectionShaper{
			Inner: b.shaper,
			Selector: func(_ *shaper.Context, item any, _ shaper.Row) (any, error) {
				sc := newScope(nil)
				sc.items[src] = item
				return sc, nil
			},
		}
	}
	return &shaper.CompositeShaper{
		Outer:  rows,
		Inner:  b.shaper,
		Offset: offset,
		Materialize: func(outer, inner any) (any, error) {
			sc := outer.(*scope)
			sc.items[src] = inner
			return sc, nil
		},
	}
}

func rowScope() shaper.Shaper {
	return &shaper.ProjectionShaper{
		Inner: shaper.ValueBufferShaper{},
		Selector: func(_ *shaper.Context, _ any, _ shaper.Row) (any, error) {
			return newScope(nil), nil
		},
	}
}

// scalarColumn makes the single projected column the query's only result.
func (qc *queryCompiler) scalarColumn(kind sqltype.Kind) {
	n := &selNode{kind: nodeSQL, index: 0, valueKind: kind}
	if len(qc.sel.Projection) > 0 {
		n.sql = qc.sel.Projection[0]
	}
	qc.rows = rowScope()
	qc.element = n
	qc.selector = compileSelector(n)
	qc.selectorPure = true
	qc.scalar = true
}

func compileSelector(n *selNode) selector {
	switch n.kind {
	case nodeSQL:
		return func(_ *execution, sc *scope) (any, error) {
			if n.index < 0 || n.index >= len(sc.row) {
				return nil, fmt.Errorf("%w: column %d is not projected", ErrInvalidOperation, n.index)
			}
			return sqltype.Coerce(sc.row[n.index], n.valueKind)
		}
	case nodeSource:
		src := n.src
		return func(_ *execution, sc *scope) (any, error) {
			v, ok := sc.lookup(src)
			if !ok {
				return nil, fmt.Errorf("%w: source %s is not in scope", ErrInvalidOperation, src.ItemName())
			}
			return v, nil
		}
	case nodeRecord:
		names := n.names
		fields := make([]selector, len(n.fields))
		for i, f := range n.fields {
			fields[i] = compileSelector(f)
		}
		return func(ex *execution, sc *scope) (any, error) {
			values := make([]any, len(fields))
			for i, f := range fields {
				v, err := f(ex, sc)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", names[i], err)
				}
				values[i] = v
			}
			return shaper.NewRecord(names, values), nil
		}
	case nodeConst:
		v := n.value
		return func(*execution, *scope) (any, error) { return v, nil }
	}
	e := n.expr
	return func(ex *execution, sc *scope) (any, error) { return ex.eval(e, sc, nil) }
}

// elementShaper shapes this query's elements from its own column range, for
// a parent that projects the query as one of its blocks. The selector is
// pure, so shaping needs no execution state.
func (qc *queryCompiler) elementShaper() shaper.Shaper {
	rows, sel := qc.rows, qc.selector
	return &shaper.ProjectionShaper{
		Inner: rows,
		Selector: func(c *shaper.Context, inner any, row shaper.Row) (any, error) {
			sc := inner.(*scope)
			sc.row = row
			return sel(&execution{shaping: c}, sc)
		},
	}
}
