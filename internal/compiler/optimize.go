package compiler

import (
	"fmt"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
)

// annotations are the query-level directives lifted off the operator chain.
type annotations struct {
	includes [][]string
	tracking *bool
	fromSQL  *qm.FromSQL
}

// extractAnnotations removes Include, Tracking and FromSQL from the top-level
// operator chain. Includes and tracking switches on sub-queries are dropped;
// raw SQL can only replace the outermost entity set.
func extractAnnotations(m *qm.QueryModel) (annotations, error) {
	var ann annotations
	ops := m.ResultOperators[:0]
	for _, op := range m.ResultOperators {
		switch o := op.(type) {
		case *qm.Include:
			if len(o.Path) == 0 {
				return ann, fmt.Errorf("%w: include needs a navigation path", ErrInvalidOperation)
			}
			ann.includes = append(ann.includes, o.Path)
		case *qm.Tracking:
			enabled := o.Enabled
			ann.tracking = &enabled
		case *qm.FromSQL:
			if ann.fromSQL != nil {
				return ann, fmt.Errorf("%w: more than one raw SQL source", ErrInvalidOperation)
			}
			if _, ok := m.MainFrom.From.(*qm.EntitySet); !ok {
				return ann, fmt.Errorf("%w: raw SQL must replace an entity set", ErrInvalidOperation)
			}
			ann.fromSQL = o
		default:
			ops = append(ops, op)
		}
	}
	m.ResultOperators = ops

	var err error
	qm.WalkModel(m, func(e qm.Expr) bool {
		sub, ok := e.(*qm.SubQuery)
		if !ok || err != nil {
			return err == nil
		}
		kept := sub.Model.ResultOperators[:0]
		for _, op := range sub.Model.ResultOperators {
			switch op.(type) {
			case *qm.Include, *qm.Tracking:
			case *qm.FromSQL:
				err = fmt.Errorf("%w: raw SQL is only allowed on the outermost query", ErrInvalidOperation)
			default:
				kept = append(kept, op)
			}
		}
		sub.Model.ResultOperators = kept
		return true
	})
	return ann, err
}

// optimize runs the pluggable rewriters and then the built-in model rewrites.
func (cc *compilation) optimize(m *qm.QueryModel) (*qm.QueryModel, error) {
	for _, r := range cc.compiler.rewriters {
		out, err := r(m)
		if err != nil {
			return nil, fmt.Errorf("query rewriter: %w", err)
		}
		if out == nil || out.MainFrom == nil || out.Select == nil {
			return nil, fmt.Errorf("%w: query rewriter returned an incomplete model", ErrInvalidOperation)
		}
		m = out
	}
	if err := rewriteEntityEquality(m); err != nil {
		return nil, err
	}
	qm.TransformModel(m, func(e qm.Expr) qm.Expr {
		if mem, ok := e.(*qm.Member); ok {
			return pushMemberIntoSubQuery(mem)
		}
		return e
	})
	if cc.compiler.warnPaging {
		cc.warnUnorderedPaging(m)
	}
	return m, nil
}

// rewriteEntityEquality turns comparisons and join keys between entities into
// comparisons of their primary keys.
func rewriteEntityEquality(m *qm.QueryModel) error {
	var err error
	qm.TransformModel(m, func(e qm.Expr) qm.Expr {
		b, ok := e.(*qm.Binary)
		if !ok || (b.Op != qm.OpEqual && b.Op != qm.OpNotEqual) || err != nil {
			return e
		}
		out, rerr := entityComparison(b)
		if rerr != nil {
			err = rerr
			return e
		}
		return out
	})
	if err != nil {
		return err
	}
	for _, model := range modelsOf(m) {
		for _, bc := range model.BodyClauses {
			j, ok := bc.(*qm.JoinClause)
			if !ok {
				if gj, isGroup := bc.(*qm.GroupJoinClause); isGroup {
					j = gj.Join
				} else {
					continue
				}
			}
			outer, inner := qm.EntityTypeOf(j.OuterKey), qm.EntityTypeOf(j.InnerKey)
			if outer == nil || inner == nil {
				continue
			}
			if outer.Root() != inner.Root() {
				return fmt.Errorf("%w: join compares %s with %s", ErrInvalidOperation, outer.Name, inner.Name)
			}
			pk := outer.Root().FindPrimaryKey()
			j.OuterKey = keyRecord(j.OuterKey, pk)
			j.InnerKey = keyRecord(j.InnerKey, pk)
		}
	}
	return nil
}

func entityComparison(b *qm.Binary) (qm.Expr, error) {
	lt, rt := qm.EntityTypeOf(b.Left), qm.EntityTypeOf(b.Right)
	switch {
	case lt == nil && rt == nil:
		return b, nil
	case lt != nil && rt != nil:
		if lt.Root() != rt.Root() {
			return nil, fmt.Errorf("%w: cannot compare %s with %s", ErrInvalidOperation, lt.Name, rt.Name)
		}
	case lt == nil && !isNullConstant(b.Left), rt == nil && !isNullConstant(b.Right):
		return b, nil
	}
	t := lt
	if t == nil {
		t = rt
	}
	var out qm.Expr
	for _, p := range t.Root().FindPrimaryKey() {
		cmp := &qm.Binary{Op: b.Op, Left: keySide(b.Left, p.Name), Right: keySide(b.Right, p.Name)}
		switch {
		case out == nil:
			out = cmp
		case b.Op == qm.OpEqual:
			out = qm.And(out, cmp)
		default:
			out = &qm.Binary{Op: qm.OpOrElse, Left: out, Right: cmp}
		}
		if isNullConstant(b.Left) || isNullConstant(b.Right) {
			// a null entity has every key null; one key decides
			break
		}
	}
	return out, nil
}

func keySide(e qm.Expr, name string) qm.Expr {
	if isNullConstant(e) {
		return e
	}
	return keyMember(e, name)
}

func isNullConstant(e qm.Expr) bool {
	c, ok := e.(*qm.Constant)
	return ok && isNil(c.Value)
}

// keyRecord projects an entity expression onto its key properties.
func keyRecord(e qm.Expr, pk []*catalog.Property) qm.Expr {
	if len(pk) == 1 {
		return keyMember(e, pk[0].Name)
	}
	fields := make([]qm.Field, len(pk))
	for i, p := range pk {
		fields[i] = qm.Field{Name: p.Name, Value: keyMember(e, p.Name)}
	}
	return &qm.New{Fields: fields}
}

// pushMemberIntoSubQuery rewrites a member read on a single-element sub-query
// into a sub-query that selects the member.
func pushMemberIntoSubQuery(mem *qm.Member) qm.Expr {
	sub, ok := mem.Target.(*qm.SubQuery)
	if !ok || !qm.IsSingleElement(sub.Model) {
		return mem
	}
	for _, op := range sub.Model.ResultOperators {
		if _, grouped := op.(*qm.GroupBy); grouped {
			return mem
		}
	}
	inner := qm.Clone(sub.Model)
	inner.Select = &qm.SelectClause{Selector: pushMemberIntoSubQuery(&qm.Member{Target: inner.Select.Selector, Name: mem.Name})}
	return &qm.SubQuery{Model: inner}
}

// warnUnorderedPaging logs each model that pages or picks an element from a
// sequence with no ordering. The result is then up to the database.
func (cc *compilation) warnUnorderedPaging(m *qm.QueryModel) {
	for _, model := range modelsOf(m) {
		if hasOrdering(model) {
			continue
		}
		for _, op := range model.ResultOperators {
			switch op.(type) {
			case *qm.Skip, *qm.Take, *qm.First, *qm.Single, *qm.Last:
				cc.logger.Warn("row limiting operator without ordering may return unpredictable results",
					"operator", op.Kind().String(), "source", model.MainFrom.Name)
			default:
				continue
			}
			break
		}
	}
}

func hasOrdering(m *qm.QueryModel) bool {
	for _, bc := range m.BodyClauses {
		if _, ok := bc.(*qm.OrderByClause); ok {
			return true
		}
	}
	return false
}

// modelsOf returns m and every sub-query model nested in it, outermost first.
func modelsOf(m *qm.QueryModel) []*qm.QueryModel {
	models := []*qm.QueryModel{m}
	qm.WalkModel(m, func(e qm.Expr) bool {
		if sub, ok := e.(*qm.SubQuery); ok {
			models = append(models, sub.Model)
		}
		return true
	})
	return models
}
