package sqlgen

import (
	"fmt"
	"strings"

	"relquery/internal/sqlexpr"
)

// Operator precedence, loosest first. A child binds looser than its parent
// gets parentheses.
const (
	precOr = iota + 1
	precAnd
	precNot
	precCompare
	precAdd
	precMul
	precUnary
	precAtom
)

var binaryTokens = map[sqlexpr.BinaryOp]string{
	sqlexpr.OpEq:     "=",
	sqlexpr.OpNe:     "<>",
	sqlexpr.OpLt:     "<",
	sqlexpr.OpLe:     "<=",
	sqlexpr.OpGt:     ">",
	sqlexpr.OpGe:     ">=",
	sqlexpr.OpAnd:    "AND",
	sqlexpr.OpOr:     "OR",
	sqlexpr.OpAdd:    "+",
	sqlexpr.OpSub:    "-",
	sqlexpr.OpMul:    "*",
	sqlexpr.OpDiv:    "/",
	sqlexpr.OpMod:    "%",
	sqlexpr.OpBitAnd: "&",
	sqlexpr.OpBitOr:  "|",
	sqlexpr.OpBitXor: "^",
	sqlexpr.OpConcat: "||",
}

func precedence(e sqlexpr.Expr) int {
	switch x := e.(type) {
	case *sqlexpr.Binary:
		switch x.Op {
		case sqlexpr.OpOr:
			return precOr
		case sqlexpr.OpAnd:
			return precAnd
		case sqlexpr.OpAdd, sqlexpr.OpSub, sqlexpr.OpConcat:
			return precAdd
		case sqlexpr.OpMul, sqlexpr.OpDiv, sqlexpr.OpMod:
			return precMul
		case sqlexpr.OpBitAnd, sqlexpr.OpBitOr, sqlexpr.OpBitXor:
			// Dialects disagree on bitwise precedence; always parenthesize.
			return 0
		}
		return precCompare
	case *sqlexpr.Not:
		return precNot
	case *sqlexpr.IsNull, *sqlexpr.In:
		return precCompare
	case *sqlexpr.Exists:
		if x.Negated {
			return precNot
		}
	case *sqlexpr.Negate:
		return precUnary
	}
	return precAtom
}

// expr renders e; parent is the precedence of the enclosing operator.
func (r *renderer) expr(w *writer, e sqlexpr.Expr, parent int) error {
	prec := precedence(e)
	wrap := prec < parent
	if wrap {
		w.WriteByte('(')
	}
	if err := r.node(w, e, prec); err != nil {
		return err
	}
	if wrap {
		w.WriteByte(')')
	}
	return nil
}

func (r *renderer) node(w *writer, e sqlexpr.Expr, prec int) error {
	switch x := e.(type) {
	case *sqlexpr.Column:
		if !r.elide && x.Table != "" {
			w.WriteString(r.d.QuoteIdentifier(x.Table) + ".")
		}
		w.WriteString(r.d.QuoteIdentifier(x.Name))
	case *sqlexpr.AliasExpr:
		return r.expr(w, x.Expr, prec)
	case *sqlexpr.Constant:
		r.constant(w, x.Value)
	case *sqlexpr.Parameter:
		r.useParam(x.Name)
		if r.d.NamedParameters {
			w.WriteString("@" + x.Name)
		} else {
			w.WriteString("?")
			w.args = append(w.args, ParamRef{Name: x.Name})
		}
	case *sqlexpr.Binary:
		return r.binary(w, x, prec)
	case *sqlexpr.Not:
		switch operand := x.Operand.(type) {
		case *sqlexpr.Exists:
			return r.node(w, &sqlexpr.Exists{Subquery: operand.Subquery, Negated: !operand.Negated}, prec)
		case *sqlexpr.IsNull:
			return r.node(w, &sqlexpr.IsNull{Operand: operand.Operand, Negated: !operand.Negated}, precCompare)
		case *sqlexpr.In:
			flipped := *operand
			flipped.Negated = !flipped.Negated
			return r.node(w, &flipped, precCompare)
		}
		w.WriteString("NOT ")
		return r.expr(w, x.Operand, precNot+1)
	case *sqlexpr.Negate:
		if _, ok := x.Operand.(*sqlexpr.Column); ok {
			w.WriteByte('-')
			return r.node(w, x.Operand, precAtom)
		}
		w.WriteString("-(")
		if err := r.expr(w, x.Operand, 0); err != nil {
			return err
		}
		w.WriteByte(')')
	case *sqlexpr.IsNull:
		if err := r.expr(w, x.Operand, precCompare+1); err != nil {
			return err
		}
		if x.Negated {
			w.WriteString(" IS NOT NULL")
		} else {
			w.WriteString(" IS NULL")
		}
	case *sqlexpr.In:
		return r.in(w, x)
	case *sqlexpr.Exists:
		if x.Negated {
			w.WriteString("NOT ")
		}
		w.WriteString("EXISTS ")
		return r.subquery(w, x.Subquery)
	case *sqlexpr.Function:
		w.WriteString(x.Name + "(")
		if err := r.list(w, x.Args); err != nil {
			return err
		}
		w.WriteByte(')')
	case *sqlexpr.Keyword:
		w.WriteString(x.Text)
	case *sqlexpr.Aggregate:
		w.WriteString(x.Func.String() + "(")
		if x.Arg == nil {
			w.WriteByte('*')
		} else if err := r.expr(w, x.Arg, 0); err != nil {
			return err
		}
		w.WriteByte(')')
	case *sqlexpr.Case:
		w.WriteString("CASE")
		for _, when := range x.Whens {
			w.WriteString(" WHEN ")
			if err := r.expr(w, when.Cond, 0); err != nil {
				return err
			}
			w.WriteString(" THEN ")
			if err := r.expr(w, when.Result, 0); err != nil {
				return err
			}
		}
		if x.Else != nil {
			w.WriteString(" ELSE ")
			if err := r.expr(w, x.Else, 0); err != nil {
				return err
			}
		}
		w.WriteString(" END")
	case *sqlexpr.Cast:
		typ, ok := r.d.CastType(x.Kind)
		if !ok {
			return r.expr(w, x.Operand, prec)
		}
		w.WriteString("CAST(")
		if err := r.expr(w, x.Operand, 0); err != nil {
			return err
		}
		w.WriteString(" AS " + typ + ")")
	case *sqlexpr.ScalarSubquery:
		return r.subquery(w, x.Subquery)
	case *sqlexpr.Star:
		if x.Table != "" && !r.elide {
			w.WriteString(r.d.QuoteIdentifier(x.Table) + ".")
		}
		w.WriteByte('*')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, e)
	}
	return nil
}

func (r *renderer) binary(w *writer, x *sqlexpr.Binary, prec int) error {
	if x.Op == sqlexpr.OpConcat && r.d.ConcatFunc != "" {
		w.WriteString(r.d.ConcatFunc + "(")
		if err := r.list(w, []sqlexpr.Expr{x.Left, x.Right}); err != nil {
			return err
		}
		w.WriteByte(')')
		return nil
	}
	bitwise := x.Op == sqlexpr.OpBitAnd || x.Op == sqlexpr.OpBitOr || x.Op == sqlexpr.OpBitXor
	if bitwise {
		// every non-atom operand gets parentheses
		prec = precAtom
	}

	if err := r.expr(w, x.Left, prec); err != nil {
		return err
	}
	w.WriteString(" " + binaryTokens[x.Op] + " ")
	right := prec
	if !bitwise && !x.Op.IsLogical() && x.Op != sqlexpr.OpAdd && x.Op != sqlexpr.OpMul {
		// Non-associative: a - (b - c), a = (b = c).
		right = prec + 1
	}
	return r.expr(w, x.Right, right)
}

func (r *renderer) in(w *writer, x *sqlexpr.In) error {
	if err := r.expr(w, x.Operand, precCompare+1); err != nil {
		return err
	}
	if x.Negated {
		w.WriteString(" NOT")
	}
	w.WriteString(" IN ")
	if x.Subquery != nil {
		return r.subquery(w, x.Subquery)
	}
	w.WriteByte('(')
	if err := r.list(w, x.Values); err != nil {
		return err
	}
	w.WriteByte(')')
	return nil
}

func (r *renderer) list(w *writer, exprs []sqlexpr.Expr) error {
	for i, a := range exprs {
		if i > 0 {
			w.WriteString(", ")
		}
		if err := r.expr(w, a, 0); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) constant(w *writer, v any) {
	lit, ok := r.d.Literal(v)
	if !ok {
		w.WriteString("?")
		w.args = append(w.args, v)
		return
	}
	if r.escapeQ {
		// Positional placeholder formats rewrite every "?"; "??" survives as a literal one.
		lit = strings.ReplaceAll(lit, "?", "??")
	}
	w.WriteString(lit)
}
