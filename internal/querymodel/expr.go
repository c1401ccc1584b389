package querymodel

import (
	"relquery/internal/catalog"
	"relquery/internal/sqltype"
)

// Expr is an expression node. The set of node types is closed.
type Expr interface {
	exprNode()
}

// QuerySourceRef refers to the current item of a query source.
type QuerySourceRef struct {
	Source QuerySource
}

// Member accesses a property, navigation or record field.
type Member struct {
	Target Expr
	Name   string
}

// Constant is an in-memory value (including slices for Contains lists and
// in-memory collections used as sources).
type Constant struct {
	Value any
}

// Parameter is a named value supplied at execution time.
type Parameter struct {
	Name string
}

// BinaryOp enumerates binary operators.
type BinaryOp int

const (
	OpEqual BinaryOp = iota
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpAndAlso
	OpOrElse
	OpAdd
	OpSubtract
	OpMultiply
	OpDivide
	OpModulo
	OpAnd // bitwise
	OpOr  // bitwise
	OpExclusiveOr
	OpCoalesce
)

var binaryOpNames = map[BinaryOp]string{
	OpEqual:              "eq",
	OpNotEqual:           "ne",
	OpLessThan:           "lt",
	OpLessThanOrEqual:    "le",
	OpGreaterThan:        "gt",
	OpGreaterThanOrEqual: "ge",
	OpAndAlso:            "and",
	OpOrElse:             "or",
	OpAdd:                "add",
	OpSubtract:           "sub",
	OpMultiply:           "mul",
	OpDivide:             "div",
	OpModulo:             "mod",
	OpAnd:                "bitand",
	OpOr:                 "bitor",
	OpExclusiveOr:        "xor",
	OpCoalesce:           "coalesce",
}

func (op BinaryOp) String() string {
	return binaryOpNames[op]
}

// ParseBinaryOp resolves an operator from its short name.
func ParseBinaryOp(name string) (BinaryOp, bool) {
	for op, n := range binaryOpNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// IsComparison reports whether op compares two values.
func (op BinaryOp) IsComparison() bool {
	return op <= OpGreaterThanOrEqual
}

// IsLogical reports whether op is a short-circuit boolean operator.
func (op BinaryOp) IsLogical() bool {
	return op == OpAndAlso || op == OpOrElse
}

// Binary applies a binary operator.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

// UnaryOp enumerates unary operators.
type UnaryOp int

const (
	OpNot UnaryOp = iota
	OpNegate
	OpConvert
)

// Unary applies a unary operator. Kind is the target of OpConvert.
type Unary struct {
	Op      UnaryOp
	Operand Expr
	Kind    sqltype.Kind
}

// Conditional is test ? ifTrue : ifFalse.
type Conditional struct {
	Test    Expr
	IfTrue  Expr
	IfFalse Expr
}

// Call invokes a recognised method on Target with Args.
type Call struct {
	Method Method
	Target Expr
	Args   []Expr
}

// Invoke calls an opaque Go function. It never translates to SQL.
type Invoke struct {
	Name string
	Func func(args []any) (any, error)
	Args []Expr
}

// Field is one member of a record construction.
type Field struct {
	Name  string
	Value Expr
}

// New constructs a record.
type New struct {
	Fields []Field
}

// SubQuery embeds a nested query model. It may reference outer sources.
type SubQuery struct {
	Model *QueryModel
}

// TypeIs tests whether an entity is of Type (or a subtype).
type TypeIs struct {
	Operand Expr
	Type    *catalog.EntityType
}

// ItemRef stands for the element produced by the select clause; result operator
// arguments (All, GroupBy) are written against it.
type ItemRef struct{}

func (*QuerySourceRef) exprNode() {}
func (*Member) exprNode()         {}
func (*Constant) exprNode()       {}
func (*Parameter) exprNode()      {}
func (*Binary) exprNode()         {}
func (*Unary) exprNode()          {}
func (*Conditional) exprNode()    {}
func (*Call) exprNode()           {}
func (*Invoke) exprNode()         {}
func (*New) exprNode()            {}
func (*SubQuery) exprNode()       {}
func (*TypeIs) exprNode()         {}
func (*ItemRef) exprNode()        {}

// EntitySet is the source expression for all rows of an entity type.
type EntitySet struct {
	Type *catalog.EntityType
}

func (*EntitySet) exprNode() {}

// Ref is shorthand for &QuerySourceRef{Source: src}.
func Ref(src QuerySource) *QuerySourceRef {
	return &QuerySourceRef{Source: src}
}

// Prop builds a member chain: Prop(ref, "Squad", "Name") is ref.Squad.Name.
func Prop(target Expr, names ...string) Expr {
	for _, n := range names {
		target = &Member{Target: target, Name: n}
	}
	return target
}

// Const is shorthand for &Constant{Value: v}.
func Const(v any) *Constant {
	return &Constant{Value: v}
}

// Eq is shorthand for an equality.
func Eq(left, right Expr) *Binary {
	return &Binary{Op: OpEqual, Left: left, Right: right}
}

// And is shorthand for AndAlso.
func And(left, right Expr) *Binary {
	return &Binary{Op: OpAndAlso, Left: left, Right: right}
}

// Not is shorthand for logical negation.
func Not(operand Expr) *Unary {
	return &Unary{Op: OpNot, Operand: operand}
}
