// Package translator converts query-model expressions into sqlexpr fragments.
//
// A fragment that has no SQL equivalent is reported with an error matching
// ErrUntranslatable; callers fall back to client evaluation for the smallest
// enclosing clause. No partial translation is ever returned.
package translator

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
)

var (
	// ErrUntranslatable marks an expression that must be evaluated on the client.
	ErrUntranslatable = errors.New("expression cannot be translated to SQL")
	// ErrUnknownMember is a caller error: the member does not exist on the entity type.
	ErrUnknownMember = errors.New("unknown member")
)

// UntranslatableError carries the offending expression and a reason.
type UntranslatableError struct {
	Expr   qm.Expr
	Reason string
}

func (e *UntranslatableError) Error() string {
	return fmt.Sprintf("cannot translate %s: %s", qm.Format(e.Expr), e.Reason)
}

// Is matches ErrUntranslatable.
func (e *UntranslatableError) Is(target error) bool {
	return target == ErrUntranslatable
}

// Untranslatable builds an UntranslatableError.
func Untranslatable(e qm.Expr, format string, args ...any) error {
	return &UntranslatableError{Expr: e, Reason: fmt.Sprintf(format, args...)}
}

// Binder resolves references that depend on the select being built.
type Binder interface {
	// Column returns the SQL expression reading prop of the current item of src.
	Column(src qm.QuerySource, prop *catalog.Property) (sqlexpr.Expr, error)
	// SubQuery compiles a nested model into a select usable inside an expression.
	SubQuery(m *qm.QueryModel) (*sqlexpr.Select, error)
}

// MethodTranslator maps recognised method calls onto dialect functions.
type MethodTranslator interface {
	TranslateMethod(m qm.Method, target sqlexpr.Expr, args []sqlexpr.Expr) (sqlexpr.Expr, bool)
}

// Translator translates expressions against one binder.
type Translator struct {
	binder  Binder
	methods MethodTranslator
}

// New creates a translator.
func New(binder Binder, methods MethodTranslator) *Translator {
	return &Translator{binder: binder, methods: methods}
}

// Translate translates e in value position. Boolean expressions become
// CASE WHEN … THEN TRUE ELSE FALSE END.
func (t *Translator) Translate(e qm.Expr) (sqlexpr.Expr, error) {
	return t.value(e)
}

// TranslatePredicate translates e in predicate position (WHERE, ON, CASE WHEN).
func (t *Translator) TranslatePredicate(e qm.Expr) (sqlexpr.Expr, error) {
	return t.predicate(e, false)
}

func (t *Translator) value(e qm.Expr) (sqlexpr.Expr, error) {
	switch x := e.(type) {
	case *qm.Constant:
		return constant(x)
	case *qm.Parameter:
		return &sqlexpr.Parameter{Name: x.Name}, nil
	case *qm.Member:
		return t.member(x)
	case *qm.Binary:
		if x.Op.IsComparison() || x.Op.IsLogical() {
			return t.boolValue(x)
		}
		return t.arithmetic(x)
	case *qm.Unary:
		return t.unary(x)
	case *qm.Conditional:
		test, err := t.predicate(x.Test, false)
		if err != nil {
			return nil, err
		}
		ifTrue, err := t.value(x.IfTrue)
		if err != nil {
			return nil, err
		}
		ifFalse, err := t.value(x.IfFalse)
		if err != nil {
			return nil, err
		}
		return &sqlexpr.Case{Whens: []sqlexpr.When{{Cond: test, Result: ifTrue}}, Else: ifFalse}, nil
	case *qm.Call:
		if x.Method.IsPredicate() {
			return t.boolValue(x)
		}
		return t.call(x)
	case *qm.TypeIs:
		return t.boolValue(x)
	case *qm.SubQuery:
		return t.subQueryValue(x)
	case *qm.QuerySourceRef:
		return nil, Untranslatable(e, "a whole row is not a scalar")
	case *qm.New:
		return nil, Untranslatable(e, "records are shaped on the client")
	case *qm.Invoke:
		return nil, Untranslatable(e, "function %s runs on the client", x.Name)
	}
	return nil, Untranslatable(e, "unsupported expression")
}

func (t *Translator) boolValue(e qm.Expr) (sqlexpr.Expr, error) {
	p, err := t.predicate(e, false)
	if err != nil {
		return nil, err
	}
	return BoolValue(p), nil
}

// BoolValue turns a predicate into a boolean value.
func BoolValue(p sqlexpr.Expr) sqlexpr.Expr {
	if c, ok := p.(*sqlexpr.Case); ok {
		return c
	}
	return &sqlexpr.Case{
		Whens: []sqlexpr.When{{Cond: p, Result: &sqlexpr.Constant{Value: true}}},
		Else:  &sqlexpr.Constant{Value: false},
	}
}

// AsPredicate unwraps a value produced by BoolValue, or compares a boolean value with TRUE.
func AsPredicate(v sqlexpr.Expr) sqlexpr.Expr {
	v = sqlexpr.Unalias(v)
	if sqlexpr.IsPredicate(v) {
		return v
	}
	if c, ok := v.(*sqlexpr.Case); ok && len(c.Whens) == 1 && isBoolConst(c.Whens[0].Result, true) && isBoolConst(c.Else, false) {
		return c.Whens[0].Cond
	}
	return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: v, Right: &sqlexpr.Constant{Value: true}}
}

func isBoolConst(e sqlexpr.Expr, want bool) bool {
	c, ok := e.(*sqlexpr.Constant)
	return ok && c.Value == want
}

func constant(c *qm.Constant) (sqlexpr.Expr, error) {
	switch v := c.Value.(type) {
	case nil, string, bool, int64, float64, time.Time, []byte:
		return &sqlexpr.Constant{Value: v}, nil
	case int:
		return &sqlexpr.Constant{Value: int64(v)}, nil
	case int32:
		return &sqlexpr.Constant{Value: int64(v)}, nil
	case float32:
		return &sqlexpr.Constant{Value: float64(v)}, nil
	case qm.EntityValue:
		return nil, Untranslatable(c, "entity constants are compared by key")
	}
	return nil, Untranslatable(c, "constant of type %T has no SQL literal", c.Value)
}

func (t *Translator) member(x *qm.Member) (sqlexpr.Expr, error) {
	switch target := x.Target.(type) {
	case *qm.QuerySourceRef:
		et := target.Source.ItemType()
		if et == nil {
			return nil, Untranslatable(x, "source %s has no columns", target.Source.ItemName())
		}
		if p := et.FindPropertyInHierarchy(x.Name); p != nil {
			return t.binder.Column(target.Source, p)
		}
		if et.FindNavigationInHierarchy(x.Name) != nil {
			return nil, Untranslatable(x, "navigation %s is not joined", x.Name)
		}
		return nil, fmt.Errorf("%w: %s has no member %q", ErrUnknownMember, et.Name, x.Name)
	case *qm.New:
		for _, f := range target.Fields {
			if f.Name == x.Name {
				return t.value(f.Value)
			}
		}
		return nil, fmt.Errorf("%w: record has no field %q", ErrUnknownMember, x.Name)
	}
	if et := qm.EntityTypeOf(x.Target); et != nil {
		if et.FindPropertyInHierarchy(x.Name) == nil && et.FindNavigationInHierarchy(x.Name) == nil {
			return nil, fmt.Errorf("%w: %s has no member %q", ErrUnknownMember, et.Name, x.Name)
		}
		return nil, Untranslatable(x, "member of %s requires a join", et.Name)
	}
	return nil, Untranslatable(x, "member access on a client value")
}

var arithmeticOps = map[qm.BinaryOp]sqlexpr.BinaryOp{
	qm.OpAdd:         sqlexpr.OpAdd,
	qm.OpSubtract:    sqlexpr.OpSub,
	qm.OpMultiply:    sqlexpr.OpMul,
	qm.OpDivide:      sqlexpr.OpDiv,
	qm.OpModulo:      sqlexpr.OpMod,
	qm.OpAnd:         sqlexpr.OpBitAnd,
	qm.OpOr:          sqlexpr.OpBitOr,
	qm.OpExclusiveOr: sqlexpr.OpBitXor,
}

func (t *Translator) arithmetic(x *qm.Binary) (sqlexpr.Expr, error) {
	left, err := t.value(x.Left)
	if err != nil {
		return nil, err
	}
	right, err := t.value(x.Right)
	if err != nil {
		return nil, err
	}

	if x.Op == qm.OpCoalesce {
		kind := sqlexpr.KindOf(left)
		if kind == sqltype.KindUnknown {
			kind = sqlexpr.KindOf(right)
		}
		return &sqlexpr.Function{Name: "COALESCE", Args: []sqlexpr.Expr{left, right}, Kind: kind, Nullable: sqlexpr.Nullable(right)}, nil
	}

	op, ok := arithmeticOps[x.Op]
	if !ok {
		return nil, Untranslatable(x, "operator %s", x.Op)
	}
	if op == sqlexpr.OpAdd && (sqlexpr.KindOf(left) == sqltype.KindString || sqlexpr.KindOf(right) == sqltype.KindString) {
		// String concatenation treats a null operand as empty.
		return &sqlexpr.Binary{Op: sqlexpr.OpConcat, Left: emptyIfNull(left), Right: emptyIfNull(right)}, nil
	}
	if (op == sqlexpr.OpBitAnd || op == sqlexpr.OpBitOr) && (sqlexpr.IsPredicate(left) || sqlexpr.KindOf(left) == sqltype.KindBool) {
		// Non-short-circuit boolean operators.
		return t.boolValue(&qm.Binary{Op: logicalFor(x.Op), Left: x.Left, Right: x.Right})
	}
	return &sqlexpr.Binary{Op: op, Left: left, Right: right}, nil
}

func logicalFor(op qm.BinaryOp) qm.BinaryOp {
	if op == qm.OpAnd {
		return qm.OpAndAlso
	}
	return qm.OpOrElse
}

func emptyIfNull(e sqlexpr.Expr) sqlexpr.Expr {
	if !sqlexpr.Nullable(e) {
		return e
	}
	return &sqlexpr.Function{Name: "COALESCE", Args: []sqlexpr.Expr{e, &sqlexpr.Constant{Value: ""}}, Kind: sqltype.KindString}
}

func (t *Translator) unary(x *qm.Unary) (sqlexpr.Expr, error) {
	switch x.Op {
	case qm.OpNot:
		return t.boolValue(x)
	case qm.OpNegate:
		operand, err := t.value(x.Operand)
		if err != nil {
			return nil, err
		}
		return &sqlexpr.Negate{Operand: operand}, nil
	case qm.OpConvert:
		operand, err := t.value(x.Operand)
		if err != nil {
			return nil, err
		}
		if x.Kind == sqltype.KindUnknown || sqlexpr.KindOf(operand) == x.Kind {
			return operand, nil
		}
		return &sqlexpr.Cast{Operand: operand, Kind: x.Kind}, nil
	}
	return nil, Untranslatable(x, "unary operator")
}

func (t *Translator) call(x *qm.Call) (sqlexpr.Expr, error) {
	if x.Method == qm.MethodIndexOf && len(x.Args) == 1 && isEmptyString(x.Args[0]) {
		// IndexOf("") is 0 even where the SQL position function disagrees.
		return &sqlexpr.Constant{Value: int64(0)}, nil
	}
	target, args, err := t.callOperands(x)
	if err != nil {
		return nil, err
	}
	out, ok := t.methods.TranslateMethod(x.Method, target, args)
	if !ok {
		return nil, Untranslatable(x, "no SQL translation for %s", x.Method)
	}
	return out, nil
}

func (t *Translator) callOperands(x *qm.Call) (sqlexpr.Expr, []sqlexpr.Expr, error) {
	target, err := t.value(x.Target)
	if err != nil {
		return nil, nil, err
	}
	args := make([]sqlexpr.Expr, 0, len(x.Args))
	for _, a := range x.Args {
		v, err := t.value(a)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return target, args, nil
}

func isEmptyString(e qm.Expr) bool {
	c, ok := e.(*qm.Constant)
	return ok && c.Value == ""
}

func (t *Translator) subQueryValue(x *qm.SubQuery) (sqlexpr.Expr, error) {
	sel, err := t.binder.SubQuery(x.Model)
	if err != nil {
		return nil, err
	}
	if v, ok := unwrapTableless(sel); ok {
		return v, nil
	}
	if !x.Model.IsScalar() {
		return nil, Untranslatable(x, "collection-valued sub-query")
	}
	if len(sel.Projection) != 1 {
		return nil, Untranslatable(x, "sub-query projects %d columns", len(sel.Projection))
	}
	return &sqlexpr.ScalarSubquery{Subquery: sel}, nil
}

// unwrapTableless returns the single projected expression of a select without
// tables, such as the CASE WHEN EXISTS(…) produced for Any.
func unwrapTableless(sel *sqlexpr.Select) (sqlexpr.Expr, bool) {
	if len(sel.Tables) != 0 || len(sel.Projection) != 1 {
		return nil, false
	}
	return sqlexpr.Unalias(sel.Projection[0]), true
}

// DiscriminatorPredicate restricts col to the discriminator values of the concrete
// types assignable to t.
func DiscriminatorPredicate(col sqlexpr.Expr, t *catalog.EntityType) sqlexpr.Expr {
	types := t.ConcreteTypesInHierarchy()
	switch len(types) {
	case 0:
		return FalsePredicate()
	case 1:
		return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col, Right: &sqlexpr.Constant{Value: types[0].DiscriminatorValue}}
	}
	values := make([]sqlexpr.Expr, 0, len(types))
	for _, ct := range types {
		values = append(values, &sqlexpr.Constant{Value: ct.DiscriminatorValue})
	}
	return &sqlexpr.In{Operand: col, Values: values}
}

// TruePredicate is 1 = 1.
func TruePredicate() sqlexpr.Expr {
	return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: &sqlexpr.Constant{Value: int64(1)}, Right: &sqlexpr.Constant{Value: int64(1)}}
}

// FalsePredicate is 1 = 0.
func FalsePredicate() sqlexpr.Expr {
	return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: &sqlexpr.Constant{Value: int64(1)}, Right: &sqlexpr.Constant{Value: int64(0)}}
}

// IsFalsePredicate reports whether p is the constant-false predicate.
func IsFalsePredicate(p sqlexpr.Expr) bool {
	return reflect.DeepEqual(p, FalsePredicate())
}
