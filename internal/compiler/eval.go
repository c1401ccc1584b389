package compiler

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlgen"
	"relquery/internal/sqltype"
	"relquery/internal/translator"
)

var errDivideByZero = errors.New("integer divide by zero")

// eval evaluates e on the client. item is the value of ItemRef inside result
// operator lambdas.
func (ex *execution) eval(e qm.Expr, sc *scope, item any) (any, error) {
	switch x := e.(type) {
	case *qm.Constant:
		return x.Value, nil
	case *qm.Parameter:
		v, ok := ex.params[x.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", sqlgen.ErrMissingParameter, x.Name)
		}
		return v, nil
	case *qm.QuerySourceRef:
		v, ok := sc.lookup(x.Source)
		if !ok {
			return nil, fmt.Errorf("%w: source %s is not in scope", ErrInvalidOperation, x.Source.ItemName())
		}
		return v, nil
	case *qm.ItemRef:
		return item, nil
	case *qm.Member:
		target, err := ex.eval(x.Target, sc, item)
		if err != nil {
			return nil, err
		}
		return memberValue(target, x.Name)
	case *qm.Binary:
		return ex.binary(x, sc, item)
	case *qm.Unary:
		v, err := ex.eval(x.Operand, sc, item)
		if err != nil {
			return nil, err
		}
		return unary(x, v)
	case *qm.Conditional:
		test, err := ex.eval(x.Test, sc, item)
		if err != nil {
			return nil, err
		}
		if b, _ := test.(bool); b {
			return ex.eval(x.IfTrue, sc, item)
		}
		return ex.eval(x.IfFalse, sc, item)
	case *qm.Call:
		return ex.call(x, sc, item)
	case *qm.Invoke:
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			v, err := ex.eval(a, sc, item)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		if x.Func == nil {
			return nil, fmt.Errorf("%w: function %s has no implementation", ErrInvalidOperation, x.Name)
		}
		v, err := x.Func(args)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", x.Name, err)
		}
		return v, nil
	case *qm.New:
		names := make([]string, len(x.Fields))
		values := make([]any, len(x.Fields))
		for i, f := range x.Fields {
			v, err := ex.eval(f.Value, sc, item)
			if err != nil {
				return nil, err
			}
			names[i], values[i] = f.Name, v
		}
		return shaper.NewRecord(names, values), nil
	case *qm.SubQuery:
		return ex.subQuery(x.Model, sc)
	case *qm.TypeIs:
		v, err := ex.eval(x.Operand, sc, item)
		if err != nil {
			return nil, err
		}
		ent, ok := v.(*shaper.Entity)
		return ok && ent != nil && x.Type.IsAssignableFrom(ent.EntityType()), nil
	case *qm.EntitySet:
		return nil, fmt.Errorf("%w: entity set %s used as a value", ErrInvalidOperation, x.Type.Name)
	}
	return nil, fmt.Errorf("%w: cannot evaluate %T", ErrInvalidOperation, e)
}

// sequence evaluates e to a sequence.
func (ex *execution) sequence(e qm.Expr, sc *scope) iterSeq {
	v, err := ex.eval(e, sc, nil)
	if err != nil {
		return func(yield func(any, error) bool) { yield(nil, err) }
	}
	return iterate(v)
}

func (ex *execution) subQuery(m *qm.QueryModel, sc *scope) (any, error) {
	p, ok := ex.plan.subPlans[m]
	if !ok {
		return nil, fmt.Errorf("%w: sub-query was not compiled", ErrInvalidOperation)
	}
	if p.scalar || p.single {
		for v, err := range p.run(ex, sc) {
			return v, err
		}
		return nil, nil
	}
	return collect(p.run(ex, sc))
}

func memberValue(target any, name string) (any, error) {
	switch x := target.(type) {
	case nil:
		return nil, nil
	case *shaper.Entity:
		if x == nil {
			return nil, nil
		}
		if v, ok := x.Value(name); ok {
			return v, nil
		}
		if x.EntityType().Root().FindNavigationInHierarchy(name) == nil {
			return nil, fmt.Errorf("%w: %s.%s", translator.ErrUnknownMember, x.EntityType().Name, name)
		}
		v, ok := x.Navigation(name)
		if !ok {
			return nil, fmt.Errorf("%w: navigation %s.%s is not loaded", ErrInvalidOperation, x.EntityType().Name, name)
		}
		if ref, isRef := v.(*shaper.Entity); isRef && ref == nil {
			return nil, nil
		}
		return v, nil
	case *shaper.Record:
		if v, ok := x.Get(name); ok {
			return v, nil
		}
	case *shaper.Grouping:
		switch name {
		case "Key":
			return x.Key, nil
		case "Elements":
			return x.Elements, nil
		}
	case map[string]any:
		if v, ok := x[name]; ok {
			return v, nil
		}
	default:
		rv := reflect.Indirect(reflect.ValueOf(target))
		if rv.Kind() == reflect.Struct {
			if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
				return f.Interface(), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s on %T", translator.ErrUnknownMember, name, target)
}

func (ex *execution) binary(x *qm.Binary, sc *scope, item any) (any, error) {
	l, err := ex.eval(x.Left, sc, item)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case qm.OpAndAlso:
		if b, ok := l.(bool); ok && !b {
			return false, nil
		}
	case qm.OpOrElse:
		if b, ok := l.(bool); ok && b {
			return true, nil
		}
	case qm.OpCoalesce:
		if !isNil(l) {
			return l, nil
		}
	}
	r, err := ex.eval(x.Right, sc, item)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case qm.OpAndAlso, qm.OpOrElse:
		return logical(x.Op, l, r), nil
	case qm.OpCoalesce:
		return r, nil
	case qm.OpEqual:
		return equalValues(l, r), nil
	case qm.OpNotEqual:
		return !equalValues(l, r), nil
	case qm.OpLessThan, qm.OpLessThanOrEqual, qm.OpGreaterThan, qm.OpGreaterThanOrEqual:
		if isNil(l) || isNil(r) {
			return false, nil
		}
		c := compareValues(l, r)
		switch x.Op {
		case qm.OpLessThan:
			return c < 0, nil
		case qm.OpLessThanOrEqual:
			return c <= 0, nil
		case qm.OpGreaterThan:
			return c > 0, nil
		}
		return c >= 0, nil
	case qm.OpAdd:
		if ls, rs, ok := concatOperands(l, r); ok {
			return ls + rs, nil
		}
	}
	if isNil(l) || isNil(r) {
		return nil, nil
	}
	return arithmetic(x.Op, l, r)
}

// logical is three-valued AND/OR with nil as unknown.
func logical(op qm.BinaryOp, l, r any) any {
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if op == qm.OpAndAlso {
		switch {
		case (lok && !lb) || (rok && !rb):
			return false
		case lok && rok:
			return true
		}
		return nil
	}
	switch {
	case (lok && lb) || (rok && rb):
		return true
	case lok && rok:
		return false
	}
	return nil
}

// concatOperands treats a nil operand of a string concatenation as empty.
func concatOperands(l, r any) (string, string, bool) {
	ls, lok := l.(string)
	rs, rok := r.(string)
	switch {
	case lok && rok:
		return ls, rs, true
	case lok && r == nil:
		return ls, "", true
	case rok && l == nil:
		return "", rs, true
	}
	return "", "", false
}

func arithmetic(op qm.BinaryOp, l, r any) (any, error) {
	l, r = normalize(l), normalize(r)
	if lb, ok := l.(bool); ok {
		if rb, ok := r.(bool); ok {
			switch op {
			case qm.OpAnd:
				return lb && rb, nil
			case qm.OpOr:
				return lb || rb, nil
			case qm.OpExclusiveOr:
				return lb != rb, nil
			}
		}
	}
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case qm.OpAdd:
			return li + ri, nil
		case qm.OpSubtract:
			return li - ri, nil
		case qm.OpMultiply:
			return li * ri, nil
		case qm.OpDivide, qm.OpModulo:
			if ri == 0 {
				return nil, errDivideByZero
			}
			if op == qm.OpDivide {
				return li / ri, nil
			}
			return li % ri, nil
		case qm.OpAnd:
			return li & ri, nil
		case qm.OpOr:
			return li | ri, nil
		case qm.OpExclusiveOr:
			return li ^ ri, nil
		}
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if lok && rok {
		switch op {
		case qm.OpAdd:
			return lf + rf, nil
		case qm.OpSubtract:
			return lf - rf, nil
		case qm.OpMultiply:
			return lf * rf, nil
		case qm.OpDivide:
			return lf / rf, nil
		case qm.OpModulo:
			return math.Mod(lf, rf), nil
		}
	}
	return nil, fmt.Errorf("%w: operator %s on %T and %T", ErrInvalidOperation, op, l, r)
}

func unary(x *qm.Unary, v any) (any, error) {
	if isNil(v) {
		return nil, nil
	}
	switch x.Op {
	case qm.OpNot:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: not on %T", ErrInvalidOperation, v)
		}
		return !b, nil
	case qm.OpNegate:
		switch n := normalize(v).(type) {
		case int64:
			return -n, nil
		case float64:
			return -n, nil
		}
		return nil, fmt.Errorf("%w: negate on %T", ErrInvalidOperation, v)
	case qm.OpConvert:
		return sqltype.Coerce(v, x.Kind)
	}
	return nil, fmt.Errorf("%w: unary operator %d", ErrInvalidOperation, x.Op)
}

func (ex *execution) call(x *qm.Call, sc *scope, item any) (any, error) {
	target, err := ex.eval(x.Target, sc, item)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(x.Args))
	for i, a := range x.Args {
		if args[i], err = ex.eval(a, sc, item); err != nil {
			return nil, err
		}
	}
	switch x.Method {
	case qm.MethodEnumerableContains:
		if len(args) != 1 {
			break
		}
		for v, err := range iterate(target) {
			if err != nil {
				return nil, err
			}
			if equalValues(v, args[0]) {
				return true, nil
			}
		}
		return false, nil
	case qm.MethodIsNullOrEmpty:
		s, _ := target.(string)
		return target == nil || s == "", nil
	}
	if isNil(target) {
		if x.Method.IsPredicate() {
			return false, nil
		}
		return nil, nil
	}
	if s, ok := target.(string); ok {
		return stringMethod(x.Method, s, args)
	}
	if t, ok := target.(time.Time); ok {
		return dateMethod(x.Method, t)
	}
	return numericMethod(x.Method, target, args)
}

func stringMethod(m qm.Method, s string, args []any) (any, error) {
	arg := func(i int) (string, bool) {
		if i >= len(args) {
			return "", false
		}
		v, ok := args[i].(string)
		return v, ok
	}
	switch m {
	case qm.MethodStringContains, qm.MethodStartsWith, qm.MethodEndsWith:
		a, ok := arg(0)
		if !ok {
			return false, nil
		}
		switch m {
		case qm.MethodStringContains:
			return strings.Contains(s, a), nil
		case qm.MethodStartsWith:
			return strings.HasPrefix(s, a), nil
		}
		return strings.HasSuffix(s, a), nil
	case qm.MethodToUpper:
		return strings.ToUpper(s), nil
	case qm.MethodToLower:
		return strings.ToLower(s), nil
	case qm.MethodTrim:
		return strings.TrimSpace(s), nil
	case qm.MethodLength:
		return int64(utf8.RuneCountInString(s)), nil
	case qm.MethodIndexOf:
		a, ok := arg(0)
		if !ok {
			return nil, nil
		}
		i := strings.Index(s, a)
		if i < 0 {
			return int64(-1), nil
		}
		return int64(utf8.RuneCountInString(s[:i])), nil
	case qm.MethodReplace:
		from, ok1 := arg(0)
		to, ok2 := arg(1)
		if !ok1 || !ok2 {
			return nil, nil
		}
		return strings.ReplaceAll(s, from, to), nil
	case qm.MethodSubstring:
		runes := []rune(s)
		if len(args) == 0 {
			break
		}
		start, ok := toInt(args[0])
		if !ok {
			return nil, nil
		}
		start = max(0, min(start, int64(len(runes))))
		end := int64(len(runes))
		if len(args) > 1 {
			n, ok := toInt(args[1])
			if !ok {
				return nil, nil
			}
			end = max(start, min(end, start+n))
		}
		return string(runes[start:end]), nil
	}
	return nil, fmt.Errorf("%w: %s on string", ErrInvalidOperation, m)
}

func dateMethod(m qm.Method, t time.Time) (any, error) {
	switch m {
	case qm.MethodDateYear:
		return int64(t.Year()), nil
	case qm.MethodDateMonth:
		return int64(t.Month()), nil
	case qm.MethodDateDay:
		return int64(t.Day()), nil
	case qm.MethodDateHour:
		return int64(t.Hour()), nil
	case qm.MethodDateMinute:
		return int64(t.Minute()), nil
	case qm.MethodDateSecond:
		return int64(t.Second()), nil
	}
	return nil, fmt.Errorf("%w: %s on time", ErrInvalidOperation, m)
}

func numericMethod(m qm.Method, target any, args []any) (any, error) {
	v := normalize(target)
	if m == qm.MethodHasFlag {
		flags, ok1 := toInt(v)
		if len(args) != 1 {
			return false, nil
		}
		flag, ok2 := toInt(args[0])
		if !ok1 || !ok2 {
			return false, nil
		}
		return flags&flag == flag, nil
	}
	if i, ok := v.(int64); ok {
		switch m {
		case qm.MethodAbs:
			if i < 0 {
				return -i, nil
			}
			return i, nil
		case qm.MethodRound, qm.MethodCeiling, qm.MethodFloor:
			return i, nil
		}
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %T", ErrInvalidOperation, m, target)
	}
	switch m {
	case qm.MethodAbs:
		return math.Abs(f), nil
	case qm.MethodCeiling:
		return math.Ceil(f), nil
	case qm.MethodFloor:
		return math.Floor(f), nil
	case qm.MethodRound:
		digits := int64(0)
		if len(args) > 0 {
			if d, ok := toInt(args[0]); ok {
				digits = d
			}
		}
		scale := math.Pow(10, float64(digits))
		return math.Round(f*scale) / scale, nil
	}
	return nil, fmt.Errorf("%w: %s on %T", ErrInvalidOperation, m, target)
}
