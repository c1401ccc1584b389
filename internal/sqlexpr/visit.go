package sqlexpr

// Visit calls fn for e and, while fn returns true, its children. Sub-selects
// are not entered; use VisitSelect for that.
func Visit(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *AliasExpr:
		Visit(x.Expr, fn)
	case *Binary:
		Visit(x.Left, fn)
		Visit(x.Right, fn)
	case *Not:
		Visit(x.Operand, fn)
	case *Negate:
		Visit(x.Operand, fn)
	case *IsNull:
		Visit(x.Operand, fn)
	case *In:
		Visit(x.Operand, fn)
		for _, v := range x.Values {
			Visit(v, fn)
		}
	case *Function:
		for _, a := range x.Args {
			Visit(a, fn)
		}
	case *Aggregate:
		Visit(x.Arg, fn)
	case *Case:
		for _, w := range x.Whens {
			Visit(w.Cond, fn)
			Visit(w.Result, fn)
		}
		Visit(x.Else, fn)
	case *Cast:
		Visit(x.Operand, fn)
	}
}

// VisitSelect walks every expression and FROM entry of s, entering derived
// tables and expression sub-selects.
func VisitSelect(s *Select, exprFn func(Expr) bool, tableFn func(TableExpr)) {
	var visitExpr func(Expr)
	visitExpr = func(e Expr) {
		Visit(e, func(n Expr) bool {
			if !exprFn(n) {
				return false
			}
			if sub := subqueryOf(n); sub != nil {
				VisitSelect(sub, exprFn, tableFn)
			}
			return true
		})
	}
	var visitTable func(TableExpr)
	visitTable = func(t TableExpr) {
		tableFn(t)
		switch x := t.(type) {
		case *Join:
			visitTable(x.Table)
			visitExpr(x.On)
		case *FromSQL:
			for _, a := range x.Args {
				visitExpr(a)
			}
		case *Select:
			VisitSelect(x, exprFn, tableFn)
		}
	}

	for _, t := range s.Tables {
		visitTable(t)
	}
	visitExpr(s.Predicate)
	for _, p := range s.Projection {
		visitExpr(p)
	}
	for _, o := range s.OrderBy {
		visitExpr(o.Expr)
	}
	visitExpr(s.Limit)
	visitExpr(s.Offset)
}

func subqueryOf(e Expr) *Select {
	switch x := e.(type) {
	case *Exists:
		return x.Subquery
	case *ScalarSubquery:
		return x.Subquery
	case *In:
		return x.Subquery
	}
	return nil
}

// OuterAliases returns the table aliases referenced inside s that s does not
// declare. A non-empty result means s is correlated.
func OuterAliases(s *Select) []string {
	declared := map[string]bool{}
	var referenced []string
	seen := map[string]bool{}
	VisitSelect(s, func(e Expr) bool {
		if c, ok := e.(*Column); ok && !seen[c.Table] {
			seen[c.Table] = true
			referenced = append(referenced, c.Table)
		}
		return true
	}, func(t TableExpr) {
		declared[t.TableAlias()] = true
	})

	var out []string
	for _, a := range referenced {
		if !declared[a] {
			out = append(out, a)
		}
	}
	return out
}

// Parameters returns the names of the parameters referenced by s, in order of first use.
func Parameters(s *Select) []string {
	var out []string
	seen := map[string]bool{}
	VisitSelect(s, func(e Expr) bool {
		if p, ok := e.(*Parameter); ok && !seen[p.Name] {
			seen[p.Name] = true
			out = append(out, p.Name)
		}
		return true
	}, func(TableExpr) {})
	return out
}
