package querymodel

// Clone deep-copies a model. Sources declared inside the model get fresh
// identities and references are remapped; references to outer sources are kept.
func Clone(m *QueryModel) *QueryModel {
	c := &cloner{sources: make(map[QuerySource]QuerySource)}
	return c.model(m)
}

type cloner struct {
	sources map[QuerySource]QuerySource
}

func (c *cloner) model(m *QueryModel) *QueryModel {
	if m == nil {
		return nil
	}
	out := &QueryModel{}
	main := &MainFromClause{Name: m.MainFrom.Name, Type: m.MainFrom.Type}
	c.sources[m.MainFrom] = main
	main.From = c.expr(m.MainFrom.From)
	out.MainFrom = main

	for _, bc := range m.BodyClauses {
		switch x := bc.(type) {
		case *WhereClause:
			out.BodyClauses = append(out.BodyClauses, &WhereClause{Predicate: c.expr(x.Predicate)})
		case *OrderByClause:
			orderings := make([]Ordering, len(x.Orderings))
			for i, o := range x.Orderings {
				orderings[i] = Ordering{Expr: c.expr(o.Expr), Descending: o.Descending}
			}
			out.BodyClauses = append(out.BodyClauses, &OrderByClause{Orderings: orderings})
		case *AdditionalFromClause:
			from := &AdditionalFromClause{Name: x.Name, Type: x.Type, From: c.expr(x.From)}
			c.sources[x] = from
			out.BodyClauses = append(out.BodyClauses, from)
		case *JoinClause:
			out.BodyClauses = append(out.BodyClauses, c.join(x))
		case *GroupJoinClause:
			gj := &GroupJoinClause{Name: x.Name, Join: c.join(x.Join)}
			c.sources[x] = gj
			out.BodyClauses = append(out.BodyClauses, gj)
		}
	}

	if m.Select != nil {
		out.Select = &SelectClause{Selector: c.expr(m.Select.Selector)}
	}
	for _, op := range m.ResultOperators {
		out.ResultOperators = append(out.ResultOperators, c.operator(op))
	}
	return out
}

func (c *cloner) join(x *JoinClause) *JoinClause {
	j := &JoinClause{Name: x.Name, Type: x.Type, LeftOuter: x.LeftOuter, Inner: c.expr(x.Inner)}
	c.sources[x] = j
	j.OuterKey = c.expr(x.OuterKey)
	j.InnerKey = c.expr(x.InnerKey)
	return j
}

func (c *cloner) operator(op ResultOperator) ResultOperator {
	switch o := op.(type) {
	case *All:
		return &All{Predicate: c.expr(o.Predicate)}
	case *Contains:
		return &Contains{Item: c.expr(o.Item)}
	case *Skip:
		return &Skip{Count: c.expr(o.Count)}
	case *Take:
		return &Take{Count: c.expr(o.Count)}
	case *GroupBy:
		return &GroupBy{Key: c.expr(o.Key), Element: c.expr(o.Element)}
	case *FromSQL:
		args := make([]Expr, len(o.Args))
		for i, a := range o.Args {
			args[i] = c.expr(a)
		}
		return &FromSQL{SQL: o.SQL, Args: args}
	case *Include:
		return &Include{Path: append([]string(nil), o.Path...)}
	default:
		// Remaining operators carry no expressions and are immutable.
		return op
	}
}

func (c *cloner) expr(e Expr) Expr {
	switch x := e.(type) {
	case nil:
		return nil
	case *QuerySourceRef:
		if mapped, ok := c.sources[x.Source]; ok {
			return &QuerySourceRef{Source: mapped}
		}
		return &QuerySourceRef{Source: x.Source}
	case *Member:
		return &Member{Target: c.expr(x.Target), Name: x.Name}
	case *Constant:
		return &Constant{Value: x.Value}
	case *Parameter:
		return &Parameter{Name: x.Name}
	case *Binary:
		return &Binary{Op: x.Op, Left: c.expr(x.Left), Right: c.expr(x.Right)}
	case *Unary:
		return &Unary{Op: x.Op, Operand: c.expr(x.Operand), Kind: x.Kind}
	case *Conditional:
		return &Conditional{Test: c.expr(x.Test), IfTrue: c.expr(x.IfTrue), IfFalse: c.expr(x.IfFalse)}
	case *Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = c.expr(a)
		}
		return &Call{Method: x.Method, Target: c.expr(x.Target), Args: args}
	case *Invoke:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = c.expr(a)
		}
		return &Invoke{Name: x.Name, Func: x.Func, Args: args}
	case *New:
		fields := make([]Field, len(x.Fields))
		for i, f := range x.Fields {
			fields[i] = Field{Name: f.Name, Value: c.expr(f.Value)}
		}
		return &New{Fields: fields}
	case *SubQuery:
		return &SubQuery{Model: c.model(x.Model)}
	case *TypeIs:
		return &TypeIs{Operand: c.expr(x.Operand), Type: x.Type}
	case *ItemRef:
		return &ItemRef{}
	case *EntitySet:
		return &EntitySet{Type: x.Type}
	}
	return e
}

// CloneExpr deep-copies e. Sub-query models inside e are cloned with fresh
// source identities; every other reference is kept.
func CloneExpr(e Expr) Expr {
	c := &cloner{sources: make(map[QuerySource]QuerySource)}
	return c.expr(e)
}
