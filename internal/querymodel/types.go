package querymodel

import "relquery/internal/catalog"

// EntityValue is implemented by materialized entities so that constants holding
// entities can be typed.
type EntityValue interface {
	EntityType() *catalog.EntityType
}

// EntityTypeOf infers the entity type e evaluates to, or nil when e is scalar,
// a record or a collection.
func EntityTypeOf(e Expr) *catalog.EntityType {
	switch x := e.(type) {
	case *QuerySourceRef:
		return x.Source.ItemType()
	case *Member:
		owner := EntityTypeOf(x.Target)
		if owner == nil {
			return nil
		}
		if nav := owner.FindNavigationInHierarchy(x.Name); nav != nil && !nav.IsCollection {
			return nav.TargetType()
		}
	case *Constant:
		if ev, ok := x.Value.(EntityValue); ok {
			return ev.EntityType()
		}
	case *Conditional:
		if t := EntityTypeOf(x.IfTrue); t != nil {
			return t
		}
		return EntityTypeOf(x.IfFalse)
	case *SubQuery:
		if IsSingleElement(x.Model) {
			return ElementType(x.Model)
		}
	}
	return nil
}

// ElementType is the entity type of the elements a model yields before its
// scalar operators apply, or nil.
func ElementType(m *QueryModel) *catalog.EntityType {
	var t *catalog.EntityType
	if m.Select != nil {
		t = EntityTypeOf(m.Select.Selector)
	}
	for _, op := range m.ResultOperators {
		switch o := op.(type) {
		case *OfType:
			t = o.Type
		case *GroupBy:
			return nil
		}
	}
	return t
}

// IsSingleElement reports whether the model ends in First, Single or Last.
func IsSingleElement(m *QueryModel) bool {
	if len(m.ResultOperators) == 0 {
		return false
	}
	switch m.ResultOperators[len(m.ResultOperators)-1].(type) {
	case *First, *Single, *Last:
		return true
	}
	return false
}

// IsCollectionNavigation reports whether e is a member access to a collection navigation.
func IsCollectionNavigation(e Expr) (*catalog.Navigation, bool) {
	m, ok := e.(*Member)
	if !ok {
		return nil, false
	}
	owner := EntityTypeOf(m.Target)
	if owner == nil {
		return nil, false
	}
	nav := owner.FindNavigationInHierarchy(m.Name)
	if nav == nil || !nav.IsCollection {
		return nil, false
	}
	return nav, true
}

// LastOperator returns the final result operator, skipping query annotations.
func (m *QueryModel) LastOperator() ResultOperator {
	for i := len(m.ResultOperators) - 1; i >= 0; i-- {
		switch m.ResultOperators[i].(type) {
		case *Include, *Tracking, *FromSQL:
			continue
		}
		return m.ResultOperators[i]
	}
	return nil
}

// IsScalar reports whether the model collapses to a single value.
func (m *QueryModel) IsScalar() bool {
	op := m.LastOperator()
	return op != nil && op.Kind().IsScalar()
}
