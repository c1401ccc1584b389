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

// operatorHandler expresses a result operator in the active select. An
// untranslatable error leaves the select as it was and sends the operator to
// the client.
type operatorHandler func(qc *queryCompiler, op qm.ResultOperator) error

var operatorHandlers map[qm.OperatorKind]operatorHandler

func init() {
	operatorHandlers = map[qm.OperatorKind]operatorHandler{
		qm.KindCount:     (*queryCompiler).handleCount,
		qm.KindLongCount: (*queryCompiler).handleCount,
		qm.KindSum:       (*queryCompiler).handleAggregate,
		qm.KindMin:       (*queryCompiler).handleAggregate,
		qm.KindMax:       (*queryCompiler).handleAggregate,
		qm.KindAverage:   (*queryCompiler).handleAggregate,
		qm.KindAny:       (*queryCompiler).handleAny,
		qm.KindAll:       (*queryCompiler).handleAll,
		qm.KindContains:  (*queryCompiler).handleContains,
		qm.KindDistinct:  (*queryCompiler).handleDistinct,
		qm.KindSkip:      (*queryCompiler).handleSkip,
		qm.KindTake:      (*queryCompiler).handleTake,
		qm.KindFirst:     (*queryCompiler).handleFirst,
		qm.KindSingle:    (*queryCompiler).handleSingle,
		qm.KindLast:      (*queryCompiler).handleLast,
		qm.KindGroupBy:   (*queryCompiler).handleGroupBy,
		qm.KindOfType:    (*queryCompiler).handleOfType,
	}
}

var errNoSQLForm = errors.New("operator has no SQL form")

func (qc *queryCompiler) visitResultOperator(op qm.ResultOperator) error {
	switch op.(type) {
	case *qm.Include, *qm.Tracking, *qm.FromSQL:
		return nil
	}
	if qc.scalar {
		return fmt.Errorf("%w: %s follows a single-value result", ErrInvalidOperation, op.Kind())
	}
	if qc.sel == nil {
		return qc.clientOperator(op)
	}
	reason := errAfterClientStage
	if qc.canServe(op.Kind()) {
		reason = errNoSQLForm
		if h, ok := operatorHandlers[op.Kind()]; ok {
			err := h(qc, op)
			if err == nil {
				return nil
			}
			if !errors.Is(err, translator.ErrUntranslatable) {
				return err
			}
			reason = err
		}
	}
	qc.fallback("result operator "+op.Kind().String(), reason)
	qc.flags = qc.flags.With(ClientResultOperator)
	return qc.clientOperator(op)
}

func (qc *queryCompiler) canServe(kind qm.OperatorKind) bool {
	if qc.sel == nil || qc.flags.Any(rowChanging|ClientResultOperator) {
		return false
	}
	if qc.flags.Has(ClientProjection) {
		switch kind {
		case qm.KindSum, qm.KindMin, qm.KindMax, qm.KindAverage, qm.KindDistinct,
			qm.KindContains, qm.KindAll, qm.KindGroupBy, qm.KindOfType:
			return false
		}
	}
	return true
}

// itemExpr rewrites an operator argument written against ItemRef into one
// over the query's sources.
func (qc *queryCompiler) itemExpr(e qm.Expr) qm.Expr {
	selector := qc.model.Select.Selector
	return qm.Transform(qm.CloneExpr(e), func(n qm.Expr) qm.Expr {
		if _, ok := n.(*qm.ItemRef); ok {
			return qm.CloneExpr(selector)
		}
		return n
	})
}

func (qc *queryCompiler) pushDownIfPaged() {
	if qc.sel.IsPaged() || qc.sel.IsDistinct {
		qc.pushDown()
	}
}

func (qc *queryCompiler) handleCount(qm.ResultOperator) error {
	qc.pushDownIfPaged()
	qc.sel.OrderBy = nil
	qc.sel.ClearProjection()
	qc.sel.AppendProjection(&sqlexpr.Aggregate{Func: sqlexpr.AggCount, Kind: sqltype.KindInt})
	qc.scalarColumn(sqltype.KindInt)
	return nil
}

func (qc *queryCompiler) handleAggregate(op qm.ResultOperator) error {
	n := qc.element
	if n.kind != nodeSQL {
		return translator.Untranslatable(qc.model.Select.Selector, "%s needs a single scalar column", op.Kind())
	}
	if _, nested := sqlexpr.Unalias(n.sql).(*sqlexpr.ScalarSubquery); nested {
		return translator.Untranslatable(qc.model.Select.Selector, "%s over a sub-select", op.Kind())
	}
	qc.pushDownIfPaged()
	arg, kind := n.sql, n.valueKind
	var agg sqlexpr.Expr
	switch op.Kind() {
	case qm.KindSum:
		agg = &sqlexpr.Function{
			Name: "COALESCE",
			Args: []sqlexpr.Expr{&sqlexpr.Aggregate{Func: sqlexpr.AggSum, Arg: arg, Kind: kind}, &sqlexpr.Constant{Value: int64(0)}},
			Kind: kind,
		}
	case qm.KindMin:
		agg = &sqlexpr.Aggregate{Func: sqlexpr.AggMin, Arg: arg, Kind: kind}
	case qm.KindMax:
		agg = &sqlexpr.Aggregate{Func: sqlexpr.AggMax, Arg: arg, Kind: kind}
	case qm.KindAverage:
		if kind == sqltype.KindInt {
			arg = &sqlexpr.Cast{Operand: arg, Kind: sqltype.KindFloat}
		}
		if kind != sqltype.KindDecimal {
			kind = sqltype.KindFloat
		}
		agg = &sqlexpr.Aggregate{Func: sqlexpr.AggAvg, Arg: arg, Kind: kind}
	}
	qc.sel.OrderBy = nil
	qc.sel.ClearProjection()
	qc.sel.AppendProjection(agg)
	qc.scalarColumn(kind)
	return nil
}

// existsSelect turns the active select into the operand of EXISTS.
func (qc *queryCompiler) existsSelect(pred sqlexpr.Expr) *sqlexpr.Select {
	inner := qc.sel
	if !inner.IsPaged() {
		inner.OrderBy = nil
	}
	inner.AddToPredicate(pred)
	inner.ClearProjection()
	inner.AppendProjection(&sqlexpr.Constant{Value: int64(1)})
	return inner
}

// tableless replaces the active select with "SELECT <value>".
func (qc *queryCompiler) tableless(value sqlexpr.Expr, kind sqltype.Kind) {
	outer := sqlexpr.NewSelect(qc.cc.aliases, qc.model.MainFrom)
	outer.AppendProjection(value)
	qc.sel = outer
	qc.scalarColumn(kind)
}

func (qc *queryCompiler) handleAny(qm.ResultOperator) error {
	inner := qc.existsSelect(nil)
	qc.tableless(translator.BoolValue(&sqlexpr.Exists{Subquery: inner}), sqltype.KindBool)
	return nil
}

func (qc *queryCompiler) handleAll(op qm.ResultOperator) error {
	all := op.(*qm.All)
	qc.pushDownIfPaged()
	violated, err := qc.translatePredicate(qm.Not(qc.itemExpr(all.Predicate)))
	if err != nil {
		return err
	}
	inner := qc.existsSelect(violated)
	qc.tableless(translator.BoolValue(&sqlexpr.Exists{Subquery: inner, Negated: true}), sqltype.KindBool)
	return nil
}

func (qc *queryCompiler) handleContains(op qm.ResultOperator) error {
	item := op.(*qm.Contains).Item
	n := qc.element
	switch {
	case n.kind == nodeSQL:
		v, err := qc.translate(item)
		if err != nil {
			return err
		}
		qc.pushDownIfPaged()
		inner := qc.sel
		if !inner.IsPaged() {
			inner.OrderBy = nil
		}
		qc.tableless(translator.BoolValue(translator.ContainsSubquery(v, inner, false)), sqltype.KindBool)
		return nil
	case n.kind == nodeSource && n.src.ItemType() != nil:
		t := n.src.ItemType()
		var pred sqlexpr.Expr
		for _, p := range t.FindPrimaryKey() {
			want, err := qc.translate(keyMember(item, p.Name))
			if err != nil {
				return err
			}
			col, err := qc.translate(&qm.Member{Target: qm.Ref(n.src), Name: p.Name})
			if err != nil {
				return err
			}
			pred = sqlexpr.AndAlso(pred, &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col, Right: want})
		}
		qc.pushDownIfPaged()
		inner := qc.existsSelect(pred)
		qc.tableless(translator.BoolValue(&sqlexpr.Exists{Subquery: inner}), sqltype.KindBool)
		return nil
	}
	return translator.Untranslatable(item, "Contains over records")
}

// keyMember reads one key property of an entity-valued expression; constant
// entities are read directly.
func keyMember(item qm.Expr, name string) qm.Expr {
	if c, ok := item.(*qm.Constant); ok {
		if e, ok := c.Value.(*shaper.Entity); ok && e != nil {
			v, _ := e.Value(name)
			return qm.Const(v)
		}
	}
	return pushMemberIntoSubQuery(&qm.Member{Target: item, Name: name})
}

func (qc *queryCompiler) handleDistinct(qm.ResultOperator) error {
	if qc.sel.IsPaged() {
		qc.pushDown()
	}
	qc.sel.OrderBy = nil
	qc.sel.IsDistinct = true
	return nil
}

func (qc *queryCompiler) pagingValue(e qm.Expr) (sqlexpr.Expr, error) {
	v, err := qc.translate(e)
	if err != nil {
		return nil, err
	}
	switch sqlexpr.Unalias(v).(type) {
	case *sqlexpr.Constant, *sqlexpr.Parameter:
		return v, nil
	}
	return nil, translator.Untranslatable(e, "paging count must be a constant or parameter")
}

func (qc *queryCompiler) handleSkip(op qm.ResultOperator) error {
	v, err := qc.pagingValue(op.(*qm.Skip).Count)
	if err != nil {
		return err
	}
	qc.pushDownIfPaged()
	qc.sel.Offset = v
	return nil
}

func (qc *queryCompiler) handleTake(op qm.ResultOperator) error {
	v, err := qc.pagingValue(op.(*qm.Take).Count)
	if err != nil {
		return err
	}
	if qc.sel.Limit != nil {
		qc.pushDown()
	}
	qc.sel.Limit = v
	return nil
}

func (qc *queryCompiler) limit(n int64) {
	if qc.sel.Limit != nil {
		qc.pushDown()
	}
	qc.sel.Limit = &sqlexpr.Constant{Value: n}
}

func (qc *queryCompiler) handleFirst(op qm.ResultOperator) error {
	qc.limit(1)
	qc.setTerminal(qm.KindFirst, firstOp(op.(*qm.First).OrDefault))
	return nil
}

func (qc *queryCompiler) handleSingle(op qm.ResultOperator) error {
	qc.limit(2)
	qc.setTerminal(qm.KindSingle, singleOp(op.(*qm.Single).OrDefault))
	return nil
}

func (qc *queryCompiler) handleLast(op qm.ResultOperator) error {
	if len(qc.sel.OrderBy) == 0 {
		return translator.Untranslatable(nil, "Last needs an ordering")
	}
	if qc.sel.IsPaged() {
		qc.pushDown()
	}
	qc.sel.ReverseOrderBy()
	qc.limit(1)
	qc.setTerminal(qm.KindLast, firstOp(op.(*qm.Last).OrDefault))
	return nil
}

func (qc *queryCompiler) setTerminal(kind qm.OperatorKind, op clientOp) {
	qc.terminal = kind
	qc.terminalOp = op
	qc.scalar = true
}

func (qc *queryCompiler) handleGroupBy(op qm.ResultOperator) error {
	g := op.(*qm.GroupBy)
	var orderings []sqlexpr.Ordering
	for _, part := range keyParts(qc.itemExpr(g.Key)) {
		e, err := qc.translate(part)
		if err != nil {
			return err
		}
		orderings = append(orderings, sqlexpr.Ordering{Expr: e})
	}
	if err := qc.prepareGroupBy(g); err != nil {
		return err
	}
	qc.pushDownIfPaged()
	qc.sel.PrependOrderBy(orderings...)
	qc.flags = qc.flags.With(ClientResultOperator)
	qc.ops = append(qc.ops, groupByOp(g, false))
	return nil
}

func (qc *queryCompiler) prepareGroupBy(g *qm.GroupBy) error {
	if err := qc.prepareClient(g.Key); err != nil {
		return err
	}
	return qc.prepareClient(g.Element)
}

func (qc *queryCompiler) handleOfType(op qm.ResultOperator) error {
	t := op.(*qm.OfType).Type
	n := qc.element
	if n.kind != nodeSource || n.src.ItemType() == nil {
		return translator.Untranslatable(nil, "OfType over a non-entity element")
	}
	if !n.src.ItemType().Root().IsAssignableFrom(t) {
		return fmt.Errorf("%w: %s is not in the hierarchy of %s", ErrInvalidOperation, t.Name, n.src.ItemType().Name)
	}
	qc.pushDownIfPaged()
	pred, err := qc.discriminatorFilter(n.src, t)
	if err != nil {
		return err
	}
	qc.sel.AddToPredicate(pred)
	return nil
}

// clientOperator runs op over the element sequence.
func (qc *queryCompiler) clientOperator(op qm.ResultOperator) error {
	switch o := op.(type) {
	case *qm.Count, *qm.LongCount:
		qc.ops = append(qc.ops, countOp())
	case *qm.Sum:
		qc.ops = append(qc.ops, sumOp())
	case *qm.Min:
		qc.ops = append(qc.ops, extremeOp(-1))
	case *qm.Max:
		qc.ops = append(qc.ops, extremeOp(1))
	case *qm.Average:
		qc.ops = append(qc.ops, averageOp())
	case *qm.Any:
		qc.ops = append(qc.ops, anyOp())
	case *qm.All:
		if err := qc.prepareClient(o.Predicate); err != nil {
			return err
		}
		qc.ops = append(qc.ops, allOp(o.Predicate))
	case *qm.Contains:
		if err := qc.prepareClient(o.Item); err != nil {
			return err
		}
		qc.ops = append(qc.ops, containsOp(o.Item))
	case *qm.Distinct:
		qc.ops = append(qc.ops, distinctOp())
		return nil
	case *qm.Skip:
		qc.ops = append(qc.ops, skipOp(o.Count))
		return nil
	case *qm.Take:
		qc.ops = append(qc.ops, takeOp(o.Count))
		return nil
	case *qm.First:
		qc.setTerminal(qm.KindFirst, firstOp(o.OrDefault))
		return nil
	case *qm.Single:
		qc.setTerminal(qm.KindSingle, singleOp(o.OrDefault))
		return nil
	case *qm.Last:
		qc.setTerminal(qm.KindLast, lastOp(o.OrDefault))
		return nil
	case *qm.GroupBy:
		if err := qc.prepareGroupBy(o); err != nil {
			return err
		}
		qc.ops = append(qc.ops, groupByOp(o, true))
		return nil
	case *qm.OfType:
		qc.ops = append(qc.ops, ofTypeOp(o.Type))
		return nil
	case *qm.DefaultIfEmpty:
		qc.ops = append(qc.ops, defaultIfEmptyOp())
		return nil
	default:
		return fmt.Errorf("%w: unsupported result operator %T", ErrInvalidOperation, op)
	}
	qc.scalar = true
	return nil
}
