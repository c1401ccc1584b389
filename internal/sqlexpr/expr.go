// Package sqlexpr is the in-memory relational algebra the compiler builds and
// the SQL generator renders: SELECT nodes with tables, joins, predicate,
// projection, ordering and paging, plus the scalar expression nodes used in them.
//
// Columns reference tables by alias. Aliases are unique across a whole
// compiled query, so a correlated sub-select can reference an outer table
// without any scoping rules.
package sqlexpr

import (
	"reflect"

	"relquery/internal/sqltype"
)

// Expr is a scalar SQL expression. The set of node types is closed.
type Expr interface {
	sqlNode()
}

// Column references a column of a table (or a projected name of a derived table).
type Column struct {
	Table    string
	Name     string
	Kind     sqltype.Kind
	Nullable bool
}

// AliasExpr names a projected expression.
type AliasExpr struct {
	Expr  Expr
	Alias string
}

// Constant is a literal value.
type Constant struct {
	Value any
}

// Parameter is a named value bound at execution time.
type Parameter struct {
	Name string
	Kind sqltype.Kind
}

// BinaryOp is a SQL binary operator.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpBitAnd
	OpBitOr
	OpBitXor
	OpConcat
)

// IsComparison reports whether op yields a boolean from two values.
func (op BinaryOp) IsComparison() bool {
	return op <= OpGe
}

// IsLogical reports whether op combines predicates.
func (op BinaryOp) IsLogical() bool {
	return op == OpAnd || op == OpOr
}

// Binary applies a binary operator.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// Not negates a predicate.
type Not struct {
	Operand Expr
}

// Negate is arithmetic negation.
type Negate struct {
	Operand Expr
}

// IsNull is "operand IS [NOT] NULL".
type IsNull struct {
	Operand Expr
	Negated bool
}

// In is "operand [NOT] IN (values…)" or "operand [NOT] IN (subquery)".
type In struct {
	Operand  Expr
	Values   []Expr
	Subquery *Select
	Negated  bool
}

// Exists is "[NOT] EXISTS (subquery)".
type Exists struct {
	Subquery *Select
	Negated  bool
}

// Function is a scalar function call NAME(args…).
type Function struct {
	Name     string
	Args     []Expr
	Kind     sqltype.Kind
	Nullable bool
}

// Keyword is emitted verbatim, e.g. the part argument of DATEPART.
type Keyword struct {
	Text string
}

// AggregateFunc enumerates aggregate functions.
type AggregateFunc int

const (
	AggCount AggregateFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
)

func (f AggregateFunc) String() string {
	return [...]string{"COUNT", "SUM", "MIN", "MAX", "AVG"}[f]
}

// Aggregate applies an aggregate function; a nil Arg means "*".
type Aggregate struct {
	Func AggregateFunc
	Arg  Expr
	Kind sqltype.Kind
}

// When is one branch of a CASE expression.
type When struct {
	Cond   Expr
	Result Expr
}

// Case is a searched CASE expression.
type Case struct {
	Whens []When
	Else  Expr
}

// Cast converts an operand to the SQL type of Kind.
type Cast struct {
	Operand Expr
	Kind    sqltype.Kind
}

// ScalarSubquery is a sub-select returning one value.
type ScalarSubquery struct {
	Subquery *Select
}

// Star is "table.*" (or "*" with an empty Table).
type Star struct {
	Table string
}

func (*Column) sqlNode()         {}
func (*AliasExpr) sqlNode()      {}
func (*Constant) sqlNode()       {}
func (*Parameter) sqlNode()      {}
func (*Binary) sqlNode()         {}
func (*Not) sqlNode()            {}
func (*Negate) sqlNode()         {}
func (*IsNull) sqlNode()         {}
func (*In) sqlNode()             {}
func (*Exists) sqlNode()         {}
func (*Function) sqlNode()       {}
func (*Keyword) sqlNode()        {}
func (*Aggregate) sqlNode()      {}
func (*Case) sqlNode()           {}
func (*Cast) sqlNode()           {}
func (*ScalarSubquery) sqlNode() {}
func (*Star) sqlNode()           {}

// Unalias strips a projection alias.
func Unalias(e Expr) Expr {
	if a, ok := e.(*AliasExpr); ok {
		return a.Expr
	}
	return e
}

// IsPredicate reports whether e is boolean-valued in SQL (usable directly in WHERE).
func IsPredicate(e Expr) bool {
	switch x := Unalias(e).(type) {
	case *Binary:
		return x.Op.IsComparison() || x.Op.IsLogical()
	case *Not, *IsNull, *In, *Exists:
		return true
	}
	return false
}

// KindOf returns the value kind of e.
func KindOf(e Expr) sqltype.Kind {
	switch x := Unalias(e).(type) {
	case *Column:
		return x.Kind
	case *Parameter:
		return x.Kind
	case *Constant:
		return kindOfValue(x.Value)
	case *Binary:
		if x.Op.IsComparison() || x.Op.IsLogical() {
			return sqltype.KindBool
		}
		if x.Op == OpConcat {
			return sqltype.KindString
		}
		if k := KindOf(x.Left); k != sqltype.KindUnknown {
			return k
		}
		return KindOf(x.Right)
	case *Not, *IsNull, *In, *Exists:
		return sqltype.KindBool
	case *Negate:
		return KindOf(x.Operand)
	case *Function:
		return x.Kind
	case *Aggregate:
		return x.Kind
	case *Case:
		for _, w := range x.Whens {
			if k := KindOf(w.Result); k != sqltype.KindUnknown {
				return k
			}
		}
		if x.Else != nil {
			return KindOf(x.Else)
		}
	case *Cast:
		return x.Kind
	case *ScalarSubquery:
		if len(x.Subquery.Projection) == 1 {
			return KindOf(x.Subquery.Projection[0])
		}
	}
	return sqltype.KindUnknown
}

func kindOfValue(v any) sqltype.Kind {
	switch v.(type) {
	case string:
		return sqltype.KindString
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return sqltype.KindInt
	case float32, float64:
		return sqltype.KindFloat
	case bool:
		return sqltype.KindBool
	case []byte:
		return sqltype.KindBytes
	}
	return sqltype.KindUnknown
}

// Nullable reports whether e may evaluate to NULL.
func Nullable(e Expr) bool {
	switch x := Unalias(e).(type) {
	case *Column:
		return x.Nullable
	case *Constant:
		return x.Value == nil
	case *Parameter:
		return true
	case *Binary:
		if x.Op.IsLogical() {
			return false
		}
		return Nullable(x.Left) || Nullable(x.Right)
	case *Negate:
		return Nullable(x.Operand)
	case *Cast:
		return Nullable(x.Operand)
	case *Function:
		return x.Nullable
	case *Aggregate:
		return x.Func != AggCount
	case *Case:
		if x.Else == nil {
			return true
		}
		for _, w := range x.Whens {
			if Nullable(w.Result) {
				return true
			}
		}
		return Nullable(x.Else)
	case *ScalarSubquery:
		return true
	}
	return false
}

// Equal reports structural equality. Columns compare by table and name only.
func Equal(a, b Expr) bool {
	ca, okA := a.(*Column)
	cb, okB := b.(*Column)
	if okA && okB {
		return ca.Table == cb.Table && ca.Name == cb.Name
	}
	return reflect.DeepEqual(a, b)
}

// AndAlso joins predicates with AND, skipping nils.
func AndAlso(preds ...Expr) Expr {
	var out Expr
	for _, p := range preds {
		switch {
		case p == nil:
		case out == nil:
			out = p
		default:
			out = &Binary{Op: OpAnd, Left: out, Right: p}
		}
	}
	return out
}

// OrElse joins predicates with OR, skipping nils.
func OrElse(preds ...Expr) Expr {
	var out Expr
	for _, p := range preds {
		switch {
		case p == nil:
		case out == nil:
			out = p
		default:
			out = &Binary{Op: OpOr, Left: out, Right: p}
		}
	}
	return out
}

// Conjuncts splits a predicate on top-level ANDs.
func Conjuncts(pred Expr) []Expr {
	if b, ok := pred.(*Binary); ok && b.Op == OpAnd {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	if pred == nil {
		return nil
	}
	return []Expr{pred}
}
