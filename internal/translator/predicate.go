package translator

import (
	"reflect"

	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
)

// predicate translates e as a condition. Negation is pushed down to the leaves
// so that each comparison can compensate for SQL's three-valued logic: a
// comparison with a NULL operand is false on the client, and so is its SQL form,
// but its negation must then be true.
func (t *Translator) predicate(e qm.Expr, negated bool) (sqlexpr.Expr, error) {
	switch x := e.(type) {
	case *qm.Binary:
		switch {
		case x.Op.IsLogical() || x.Op == qm.OpAnd || x.Op == qm.OpOr:
			left, err := t.predicate(x.Left, negated)
			if err != nil {
				return nil, err
			}
			right, err := t.predicate(x.Right, negated)
			if err != nil {
				return nil, err
			}
			conj := x.Op == qm.OpAndAlso || x.Op == qm.OpAnd
			if conj != negated {
				return sqlexpr.AndAlso(left, right), nil
			}
			return sqlexpr.OrElse(left, right), nil
		case x.Op == qm.OpEqual || x.Op == qm.OpNotEqual:
			return t.equality(x, negated != (x.Op == qm.OpNotEqual))
		case x.Op.IsComparison():
			return t.relational(x, negated)
		}
	case *qm.Unary:
		if x.Op == qm.OpNot {
			return t.predicate(x.Operand, !negated)
		}
	case *qm.Constant:
		if b, ok := x.Value.(bool); ok {
			if b != negated {
				return TruePredicate(), nil
			}
			return FalsePredicate(), nil
		}
	case *qm.Call:
		if x.Method.IsPredicate() {
			return t.callPredicate(x, negated)
		}
	case *qm.TypeIs:
		p, err := t.typeIs(x)
		if err != nil {
			return nil, err
		}
		return negate(p, negated), nil
	case *qm.SubQuery:
		v, err := t.subQueryValue(x)
		if err != nil {
			return nil, err
		}
		return negate(AsPredicate(v), negated), nil
	}

	v, err := t.value(e)
	if err != nil {
		return nil, err
	}
	if kind := sqlexpr.KindOf(v); kind != sqltype.KindBool && kind != sqltype.KindUnknown {
		return nil, Untranslatable(e, "%s value used as a condition", kind)
	}
	if sqlexpr.IsPredicate(v) {
		return negate(v, negated), nil
	}
	// A NULL boolean is neither true nor false on the client either.
	return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: v, Right: &sqlexpr.Constant{Value: !negated}}, nil
}

func negate(p sqlexpr.Expr, negated bool) sqlexpr.Expr {
	if !negated {
		return p
	}
	switch x := p.(type) {
	case *sqlexpr.Not:
		return x.Operand
	case *sqlexpr.Exists:
		return &sqlexpr.Exists{Subquery: x.Subquery, Negated: !x.Negated}
	case *sqlexpr.IsNull:
		return &sqlexpr.IsNull{Operand: x.Operand, Negated: !x.Negated}
	}
	if reflect.DeepEqual(p, TruePredicate()) {
		return FalsePredicate()
	}
	if IsFalsePredicate(p) {
		return TruePredicate()
	}
	return &sqlexpr.Not{Operand: p}
}

func (t *Translator) operands(x *qm.Binary) (sqlexpr.Expr, sqlexpr.Expr, error) {
	if qm.EntityTypeOf(x.Left) != nil || qm.EntityTypeOf(x.Right) != nil {
		return nil, nil, Untranslatable(x, "entity comparison must be rewritten to key comparison")
	}
	left, err := t.value(x.Left)
	if err != nil {
		return nil, nil, err
	}
	right, err := t.value(x.Right)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func isNullConst(e sqlexpr.Expr) bool {
	c, ok := e.(*sqlexpr.Constant)
	return ok && c.Value == nil
}

func (t *Translator) equality(x *qm.Binary, negated bool) (sqlexpr.Expr, error) {
	left, right, err := t.operands(x)
	if err != nil {
		return nil, err
	}
	return Equality(left, right, negated), nil
}

// Equality compares two values with null-safe semantics: NULL equals NULL and
// differs from every other value.
func Equality(left, right sqlexpr.Expr, negated bool) sqlexpr.Expr {
	leftNull, rightNull := isNullConst(left), isNullConst(right)
	switch {
	case leftNull && rightNull:
		if negated {
			return FalsePredicate()
		}
		return TruePredicate()
	case rightNull:
		return &sqlexpr.IsNull{Operand: left, Negated: negated}
	case leftNull:
		return &sqlexpr.IsNull{Operand: right, Negated: negated}
	}

	ln, rn := sqlexpr.Nullable(left), sqlexpr.Nullable(right)
	isNull := func(e sqlexpr.Expr) sqlexpr.Expr { return &sqlexpr.IsNull{Operand: e} }
	notNull := func(e sqlexpr.Expr) sqlexpr.Expr { return &sqlexpr.IsNull{Operand: e, Negated: true} }

	if !negated {
		eq := &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: left, Right: right}
		if ln && rn {
			return sqlexpr.OrElse(eq, sqlexpr.AndAlso(isNull(left), isNull(right)))
		}
		return eq
	}

	ne := &sqlexpr.Binary{Op: sqlexpr.OpNe, Left: left, Right: right}
	switch {
	case ln && rn:
		return sqlexpr.AndAlso(
			sqlexpr.OrElse(ne, isNull(left), isNull(right)),
			sqlexpr.OrElse(notNull(left), notNull(right)),
		)
	case ln:
		return sqlexpr.OrElse(ne, isNull(left))
	case rn:
		return sqlexpr.OrElse(ne, isNull(right))
	}
	return ne
}

var (
	comparisonOps = map[qm.BinaryOp]sqlexpr.BinaryOp{
		qm.OpLessThan:           sqlexpr.OpLt,
		qm.OpLessThanOrEqual:    sqlexpr.OpLe,
		qm.OpGreaterThan:        sqlexpr.OpGt,
		qm.OpGreaterThanOrEqual: sqlexpr.OpGe,
	}
	inverseOps = map[sqlexpr.BinaryOp]sqlexpr.BinaryOp{
		sqlexpr.OpLt: sqlexpr.OpGe,
		sqlexpr.OpLe: sqlexpr.OpGt,
		sqlexpr.OpGt: sqlexpr.OpLe,
		sqlexpr.OpGe: sqlexpr.OpLt,
	}
)

func (t *Translator) relational(x *qm.Binary, negated bool) (sqlexpr.Expr, error) {
	left, right, err := t.operands(x)
	if err != nil {
		return nil, err
	}
	op := comparisonOps[x.Op]
	if !negated {
		return &sqlexpr.Binary{Op: op, Left: left, Right: right}, nil
	}
	out := sqlexpr.Expr(&sqlexpr.Binary{Op: inverseOps[op], Left: left, Right: right})
	for _, operand := range []sqlexpr.Expr{left, right} {
		if sqlexpr.Nullable(operand) {
			out = sqlexpr.OrElse(out, &sqlexpr.IsNull{Operand: operand})
		}
	}
	return out, nil
}

func (t *Translator) callPredicate(x *qm.Call, negated bool) (sqlexpr.Expr, error) {
	switch x.Method {
	case qm.MethodEnumerableContains:
		return t.enumerableContains(x, negated)
	case qm.MethodIsNullOrEmpty:
		target, err := t.value(x.Target)
		if err != nil {
			return nil, err
		}
		empty := &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: target, Right: &sqlexpr.Constant{Value: ""}}
		if negated {
			return sqlexpr.AndAlso(&sqlexpr.IsNull{Operand: target, Negated: true}, &sqlexpr.Binary{Op: sqlexpr.OpNe, Left: target, Right: &sqlexpr.Constant{Value: ""}}), nil
		}
		return sqlexpr.OrElse(&sqlexpr.IsNull{Operand: target}, empty), nil
	case qm.MethodHasFlag:
		target, args, err := t.callOperands(x)
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, Untranslatable(x, "HasFlag takes one flag")
		}
		masked := &sqlexpr.Binary{Op: sqlexpr.OpBitAnd, Left: target, Right: args[0]}
		return Equality(masked, args[0], negated), nil
	case qm.MethodStringContains, qm.MethodStartsWith, qm.MethodEndsWith:
		if len(x.Args) == 1 && isEmptyString(x.Args[0]) {
			target, err := t.value(x.Target)
			if err != nil {
				return nil, err
			}
			return &sqlexpr.IsNull{Operand: target, Negated: !negated}, nil
		}
	}

	target, args, err := t.callOperands(x)
	if err != nil {
		return nil, err
	}
	out, ok := t.methods.TranslateMethod(x.Method, target, args)
	if !ok {
		return nil, Untranslatable(x, "no SQL translation for %s", x.Method)
	}
	out = AsPredicate(out)
	if !negated {
		return out, nil
	}
	// A NULL receiver makes the call false on the client, so its negation holds.
	if sqlexpr.Nullable(target) {
		return sqlexpr.OrElse(negate(out, true), &sqlexpr.IsNull{Operand: target}), nil
	}
	return negate(out, true), nil
}

func (t *Translator) enumerableContains(x *qm.Call, negated bool) (sqlexpr.Expr, error) {
	if len(x.Args) != 1 {
		return nil, Untranslatable(x, "Contains takes one item")
	}
	item, err := t.value(x.Args[0])
	if err != nil {
		return nil, err
	}

	switch list := x.Target.(type) {
	case *qm.SubQuery:
		sel, err := t.binder.SubQuery(list.Model)
		if err != nil {
			return nil, err
		}
		if len(sel.Projection) != 1 {
			return nil, Untranslatable(x, "sub-query projects %d columns", len(sel.Projection))
		}
		return ContainsSubquery(item, sel, negated), nil
	case *qm.Constant:
		return InList(x, item, list.Value, negated)
	}
	return nil, Untranslatable(x, "list must be a constant or a sub-query")
}

// ContainsSubquery translates item [NOT] IN (sel) for a single-column sel.
// When either side can be NULL, IN is rewritten to [NOT] EXISTS over sel
// filtered on null-aware equality, so that a NULL item matches a NULL row
// and a NULL row never poisons NOT IN. sel is modified.
func ContainsSubquery(item sqlexpr.Expr, sel *sqlexpr.Select, negated bool) sqlexpr.Expr {
	if len(sel.Projection) != 1 {
		return &sqlexpr.In{Operand: item, Subquery: sel, Negated: negated}
	}
	col := sel.Projection[0]
	if !sqlexpr.Nullable(item) && !sqlexpr.Nullable(col) {
		return &sqlexpr.In{Operand: item, Subquery: sel, Negated: negated}
	}
	if _, agg := sqlexpr.Unalias(col).(*sqlexpr.Aggregate); agg || sel.IsPaged() {
		sel.PushDownSubquery()
		col = sel.Projection[0]
	}
	sel.AddToPredicate(Equality(sqlexpr.Unalias(col), item, false))
	sel.OrderBy = nil
	sel.ClearProjection()
	sel.AppendProjection(&sqlexpr.Constant{Value: int64(1)})
	return &sqlexpr.Exists{Subquery: sel, Negated: negated}
}

// InList translates item IN (values) for a constant slice. A nil element matches a NULL item.
func InList(origin qm.Expr, item sqlexpr.Expr, list any, negated bool) (sqlexpr.Expr, error) {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, Untranslatable(origin, "%T is not a list", list)
	}

	var values []sqlexpr.Expr
	hasNull := false
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if elem == nil {
			hasNull = true
			continue
		}
		v, err := constant(&qm.Constant{Value: elem})
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	if len(values) == 0 {
		switch {
		case hasNull:
			return &sqlexpr.IsNull{Operand: item, Negated: negated}, nil
		case negated:
			return TruePredicate(), nil
		default:
			return FalsePredicate(), nil
		}
	}

	in := &sqlexpr.In{Operand: item, Values: values, Negated: negated}
	nullable := sqlexpr.Nullable(item)
	switch {
	case !negated && hasNull && nullable:
		return sqlexpr.OrElse(in, &sqlexpr.IsNull{Operand: item}), nil
	case negated && hasNull && nullable:
		return sqlexpr.AndAlso(in, &sqlexpr.IsNull{Operand: item, Negated: true}), nil
	case negated && nullable:
		return sqlexpr.OrElse(in, &sqlexpr.IsNull{Operand: item}), nil
	}
	return in, nil
}

func (t *Translator) typeIs(x *qm.TypeIs) (sqlexpr.Expr, error) {
	ref, ok := x.Operand.(*qm.QuerySourceRef)
	et := qm.EntityTypeOf(x.Operand)
	if !ok || et == nil {
		return nil, Untranslatable(x, "type test needs a query source")
	}
	switch {
	case x.Type.IsAssignableFrom(et):
		return TruePredicate(), nil
	case !et.IsAssignableFrom(x.Type):
		return FalsePredicate(), nil
	}
	disc := et.Discriminator()
	if disc == nil {
		return nil, Untranslatable(x, "%s has no discriminator", et.Name)
	}
	col, err := t.binder.Column(ref.Source, disc)
	if err != nil {
		return nil, err
	}
	return DiscriminatorPredicate(col, x.Type), nil
}
