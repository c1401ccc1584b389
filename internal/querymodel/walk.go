package querymodel

// Walk visits e and its children depth-first. Returning false from fn skips the
// children of the current node. Sub-query models are walked too.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch x := e.(type) {
	case *Member:
		Walk(x.Target, fn)
	case *Binary:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Unary:
		Walk(x.Operand, fn)
	case *Conditional:
		Walk(x.Test, fn)
		Walk(x.IfTrue, fn)
		Walk(x.IfFalse, fn)
	case *Call:
		Walk(x.Target, fn)
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *Invoke:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *New:
		for _, f := range x.Fields {
			Walk(f.Value, fn)
		}
	case *SubQuery:
		WalkModel(x.Model, fn)
	case *TypeIs:
		Walk(x.Operand, fn)
	}
}

// WalkModel walks every expression held by the model's clauses and operators.
func WalkModel(m *QueryModel, fn func(Expr) bool) {
	for _, e := range modelExprs(m) {
		Walk(*e, fn)
	}
}

// modelExprs returns pointers to every expression slot of the model.
func modelExprs(m *QueryModel) []*Expr {
	slots := []*Expr{&m.MainFrom.From}
	for _, bc := range m.BodyClauses {
		switch c := bc.(type) {
		case *WhereClause:
			slots = append(slots, &c.Predicate)
		case *OrderByClause:
			for i := range c.Orderings {
				slots = append(slots, &c.Orderings[i].Expr)
			}
		case *AdditionalFromClause:
			slots = append(slots, &c.From)
		case *JoinClause:
			slots = append(slots, &c.Inner, &c.OuterKey, &c.InnerKey)
		case *GroupJoinClause:
			slots = append(slots, &c.Join.Inner, &c.Join.OuterKey, &c.Join.InnerKey)
		}
	}
	if m.Select != nil {
		slots = append(slots, &m.Select.Selector)
	}
	for _, op := range m.ResultOperators {
		switch o := op.(type) {
		case *All:
			slots = append(slots, &o.Predicate)
		case *Contains:
			slots = append(slots, &o.Item)
		case *Skip:
			slots = append(slots, &o.Count)
		case *Take:
			slots = append(slots, &o.Count)
		case *GroupBy:
			slots = append(slots, &o.Key)
			if o.Element != nil {
				slots = append(slots, &o.Element)
			}
		case *FromSQL:
			for i := range o.Args {
				slots = append(slots, &o.Args[i])
			}
		}
	}
	return slots
}

// Transform rewrites e bottom-up: children first, then fn on the rebuilt node.
// Nodes are copied on write; sub-query models are rewritten in place.
func Transform(e Expr, fn func(Expr) Expr) Expr {
	if e == nil {
		return nil
	}
	switch x := e.(type) {
	case *Member:
		e = &Member{Target: Transform(x.Target, fn), Name: x.Name}
	case *Binary:
		e = &Binary{Op: x.Op, Left: Transform(x.Left, fn), Right: Transform(x.Right, fn)}
	case *Unary:
		e = &Unary{Op: x.Op, Operand: Transform(x.Operand, fn), Kind: x.Kind}
	case *Conditional:
		e = &Conditional{Test: Transform(x.Test, fn), IfTrue: Transform(x.IfTrue, fn), IfFalse: Transform(x.IfFalse, fn)}
	case *Call:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Transform(a, fn)
		}
		e = &Call{Method: x.Method, Target: Transform(x.Target, fn), Args: args}
	case *Invoke:
		args := make([]Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = Transform(a, fn)
		}
		e = &Invoke{Name: x.Name, Func: x.Func, Args: args}
	case *New:
		fields := make([]Field, len(x.Fields))
		for i, f := range x.Fields {
			fields[i] = Field{Name: f.Name, Value: Transform(f.Value, fn)}
		}
		e = &New{Fields: fields}
	case *SubQuery:
		TransformModel(x.Model, fn)
	case *TypeIs:
		e = &TypeIs{Operand: Transform(x.Operand, fn), Type: x.Type}
	}
	return fn(e)
}

// TransformModel applies Transform to every expression slot of m in place.
func TransformModel(m *QueryModel, fn func(Expr) Expr) {
	for _, slot := range modelExprs(m) {
		*slot = Transform(*slot, fn)
	}
}

// ReferencedSources returns the distinct query sources referenced by e, in first-seen order.
func ReferencedSources(e Expr) []QuerySource {
	var out []QuerySource
	seen := make(map[QuerySource]bool)
	Walk(e, func(n Expr) bool {
		if ref, ok := n.(*QuerySourceRef); ok && !seen[ref.Source] {
			seen[ref.Source] = true
			out = append(out, ref.Source)
		}
		return true
	})
	return out
}

// OuterReferences returns the sources referenced inside m (including nested
// sub-queries) that neither m nor its nested models declare. A non-empty
// result means the model is correlated.
func OuterReferences(m *QueryModel) []QuerySource {
	declared := make(map[QuerySource]bool)
	var declare func(*QueryModel)
	declare = func(q *QueryModel) {
		for _, s := range q.Sources() {
			declared[s] = true
		}
		WalkModel(q, func(n Expr) bool {
			if sub, ok := n.(*SubQuery); ok {
				declare(sub.Model)
			}
			return true
		})
	}
	declare(m)

	var out []QuerySource
	seen := make(map[QuerySource]bool)
	WalkModel(m, func(n Expr) bool {
		if ref, ok := n.(*QuerySourceRef); ok && !declared[ref.Source] && !seen[ref.Source] {
			seen[ref.Source] = true
			out = append(out, ref.Source)
		}
		return true
	})
	return out
}

// ReplaceSource rewrites references to from so that they point at to.
func ReplaceSource(e Expr, from QuerySource, to Expr) Expr {
	return Transform(e, func(n Expr) Expr {
		if ref, ok := n.(*QuerySourceRef); ok && ref.Source == from {
			return to
		}
		return n
	})
}
