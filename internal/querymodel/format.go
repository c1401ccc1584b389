package querymodel

import (
	"fmt"
	"strings"
)

// Format renders an expression in a compact, human-readable form for logs and
// explain output. It is not parseable.
func Format(e Expr) string {
	var b strings.Builder
	format(&b, e)
	return b.String()
}

func format(b *strings.Builder, e Expr) {
	switch x := e.(type) {
	case nil:
		b.WriteString("<nil>")
	case *QuerySourceRef:
		b.WriteString(x.Source.ItemName())
	case *Member:
		format(b, x.Target)
		b.WriteByte('.')
		b.WriteString(x.Name)
	case *Constant:
		if s, ok := x.Value.(string); ok {
			fmt.Fprintf(b, "%q", s)
		} else {
			fmt.Fprintf(b, "%v", x.Value)
		}
	case *Parameter:
		b.WriteString("@" + x.Name)
	case *Binary:
		b.WriteByte('(')
		format(b, x.Left)
		fmt.Fprintf(b, " %s ", x.Op)
		format(b, x.Right)
		b.WriteByte(')')
	case *Unary:
		switch x.Op {
		case OpNot:
			b.WriteString("!")
		case OpNegate:
			b.WriteString("-")
		case OpConvert:
			fmt.Fprintf(b, "(%s)", x.Kind)
		}
		format(b, x.Operand)
	case *Conditional:
		b.WriteString("(")
		format(b, x.Test)
		b.WriteString(" ? ")
		format(b, x.IfTrue)
		b.WriteString(" : ")
		format(b, x.IfFalse)
		b.WriteString(")")
	case *Call:
		format(b, x.Target)
		fmt.Fprintf(b, ".%s(", x.Method)
		formatList(b, x.Args)
		b.WriteByte(')')
	case *Invoke:
		b.WriteString(x.Name + "(")
		formatList(b, x.Args)
		b.WriteByte(')')
	case *New:
		b.WriteString("new { ")
		for i, f := range x.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(f.Name + " = ")
			format(b, f.Value)
		}
		b.WriteString(" }")
	case *SubQuery:
		b.WriteString("{" + FormatModel(x.Model) + "}")
	case *TypeIs:
		format(b, x.Operand)
		b.WriteString(" is " + x.Type.Name)
	case *ItemRef:
		b.WriteString("it")
	case *EntitySet:
		b.WriteString("set<" + x.Type.Name + ">")
	default:
		fmt.Fprintf(b, "%T", e)
	}
}

func formatList(b *strings.Builder, exprs []Expr) {
	for i, a := range exprs {
		if i > 0 {
			b.WriteString(", ")
		}
		format(b, a)
	}
}

// FormatModel renders a query model in comprehension syntax.
func FormatModel(m *QueryModel) string {
	var b strings.Builder
	fmt.Fprintf(&b, "from %s in ", m.MainFrom.Name)
	format(&b, m.MainFrom.From)
	for _, bc := range m.BodyClauses {
		switch c := bc.(type) {
		case *WhereClause:
			b.WriteString(" where ")
			format(&b, c.Predicate)
		case *OrderByClause:
			b.WriteString(" orderby ")
			for i, o := range c.Orderings {
				if i > 0 {
					b.WriteString(", ")
				}
				format(&b, o.Expr)
				if o.Descending {
					b.WriteString(" desc")
				}
			}
		case *AdditionalFromClause:
			fmt.Fprintf(&b, " from %s in ", c.Name)
			format(&b, c.From)
		case *JoinClause:
			formatJoin(&b, c)
		case *GroupJoinClause:
			formatJoin(&b, c.Join)
			b.WriteString(" into " + c.Name)
		}
	}
	if m.Select != nil {
		b.WriteString(" select ")
		format(&b, m.Select.Selector)
	}
	for _, op := range m.ResultOperators {
		b.WriteString(" => " + op.Kind().String())
	}
	return b.String()
}

func formatJoin(b *strings.Builder, c *JoinClause) {
	if c.LeftOuter {
		b.WriteString(" left")
	}
	fmt.Fprintf(b, " join %s in ", c.Name)
	format(b, c.Inner)
	b.WriteString(" on ")
	format(b, c.OuterKey)
	b.WriteString(" equals ")
	format(b, c.InnerKey)
}
