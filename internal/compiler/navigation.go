package compiler

import (
	"slices"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
)

// rewriteNavigations replaces navigation reads with explicit query shapes.
// Collection navigations used as a source become an entity set filtered on
// the foreign key; anywhere else they become a correlated sub-query.
// Reference navigations off a query source become join clauses, one per
// source and navigation.
func rewriteNavigations(m *qm.QueryModel) error {
	for _, model := range modelsOf(m) {
		rewriteCollectionSources(model)
	}
	qm.TransformModel(m, func(e qm.Expr) qm.Expr {
		nav, ok := qm.IsCollectionNavigation(e)
		if !ok {
			return e
		}
		return &qm.SubQuery{Model: collectionQuery(e.(*qm.Member).Target, nav)}
	})

	r := &referenceJoins{
		owners: map[qm.QuerySource]*qm.QueryModel{},
		joins:  map[navigationKey]*qm.JoinClause{},
		added:  map[qm.BodyClause]bool{},
	}
	for _, model := range modelsOf(m) {
		for _, src := range model.Sources() {
			r.owners[src] = model
		}
	}
	qm.TransformModel(m, r.rewrite)
	return nil
}

func rewriteCollectionSources(model *qm.QueryModel) {
	if nav, ok := qm.IsCollectionNavigation(model.MainFrom.From); ok {
		owner := model.MainFrom.From.(*qm.Member).Target
		main := model.MainFrom
		main.From = &qm.EntitySet{Type: nav.TargetType()}
		if main.Type == nil {
			main.Type = nav.TargetType()
		}
		where := &qm.WhereClause{Predicate: navigationPredicate(qm.Ref(main), owner, nav)}
		model.BodyClauses = slices.Insert(model.BodyClauses, 0, qm.BodyClause(where))
	}
	for i := 0; i < len(model.BodyClauses); i++ {
		af, ok := model.BodyClauses[i].(*qm.AdditionalFromClause)
		if !ok {
			continue
		}
		nav, ok := qm.IsCollectionNavigation(af.From)
		if !ok {
			continue
		}
		owner := af.From.(*qm.Member).Target
		af.From = &qm.EntitySet{Type: nav.TargetType()}
		if af.Type == nil {
			af.Type = nav.TargetType()
		}
		where := &qm.WhereClause{Predicate: navigationPredicate(qm.Ref(af), owner, nav)}
		model.BodyClauses = slices.Insert(model.BodyClauses, i+1, qm.BodyClause(where))
		i++
	}
}

// collectionQuery is the sub-query over the targets of a collection navigation.
func collectionQuery(owner qm.Expr, nav *catalog.Navigation) *qm.QueryModel {
	q := qm.NewQuery(nav.Name, nav.TargetType())
	return q.Where(navigationPredicate(qm.Ref(q.MainFrom), owner, nav))
}

// navigationPredicate matches the navigation's target properties on item against the
// source properties of owner.
func navigationPredicate(item, owner qm.Expr, nav *catalog.Navigation) qm.Expr {
	var pred qm.Expr
	for i, sp := range nav.SourceProperties {
		eq := qm.Eq(&qm.Member{Target: item, Name: nav.TargetProperties[i]}, keyMember(qm.CloneExpr(owner), sp))
		if pred == nil {
			pred = eq
		} else {
			pred = qm.And(pred, eq)
		}
	}
	return pred
}

type navigationKey struct {
	src qm.QuerySource
	nav string
}

type referenceJoins struct {
	owners map[qm.QuerySource]*qm.QueryModel
	joins  map[navigationKey]*qm.JoinClause
	added  map[qm.BodyClause]bool
}

func (r *referenceJoins) rewrite(e qm.Expr) qm.Expr {
	mem, ok := e.(*qm.Member)
	if !ok {
		return e
	}
	ref, ok := mem.Target.(*qm.QuerySourceRef)
	if !ok {
		return e
	}
	owner := ref.Source.ItemType()
	if owner == nil {
		return e
	}
	nav := owner.FindNavigationInHierarchy(mem.Name)
	if nav == nil || nav.IsCollection {
		return e
	}
	model, ok := r.owners[ref.Source]
	if !ok {
		return e
	}
	key := navigationKey{src: ref.Source, nav: nav.Name}
	if j, ok := r.joins[key]; ok {
		return qm.Ref(j)
	}

	target := nav.TargetType()
	j := &qm.JoinClause{
		Name:      ref.Source.ItemName() + "." + nav.Name,
		Type:      target,
		Inner:     &qm.EntitySet{Type: target},
		LeftOuter: isOptional(owner, nav),
	}
	j.OuterKey = navigationKeys(qm.Ref(ref.Source), nav.SourceProperties, nav.TargetProperties)
	j.InnerKey = navigationKeys(qm.Ref(j), nav.TargetProperties, nav.TargetProperties)
	r.insert(model, ref.Source, j)
	r.joins[key] = j
	r.owners[j] = model
	return qm.Ref(j)
}

// insert places j right after the clause declaring src and after any join
// already added there, so every later clause can see it.
func (r *referenceJoins) insert(model *qm.QueryModel, src qm.QuerySource, j *qm.JoinClause) {
	at := 0
	for i, bc := range model.BodyClauses {
		if declares(bc, src) {
			at = i + 1
			break
		}
	}
	for at < len(model.BodyClauses) && r.added[model.BodyClauses[at]] {
		at++
	}
	model.BodyClauses = slices.Insert(model.BodyClauses, at, qm.BodyClause(j))
	r.added[j] = true
}

func declares(bc qm.BodyClause, src qm.QuerySource) bool {
	switch c := bc.(type) {
	case *qm.AdditionalFromClause:
		return qm.QuerySource(c) == src
	case *qm.JoinClause:
		return qm.QuerySource(c) == src
	case *qm.GroupJoinClause:
		return qm.QuerySource(c) == src || qm.QuerySource(c.Join) == src
	}
	return false
}

func navigationKeys(item qm.Expr, props, names []string) qm.Expr {
	if len(props) == 1 {
		return &qm.Member{Target: item, Name: props[0]}
	}
	fields := make([]qm.Field, len(props))
	for i, p := range props {
		fields[i] = qm.Field{Name: names[i], Value: &qm.Member{Target: item, Name: p}}
	}
	return &qm.New{Fields: fields}
}

// isOptional reports whether an owner may have no target through nav: the
// navigation points from principal to dependent, or a foreign key property
// can be null for owner's items.
func isOptional(owner *catalog.EntityType, nav *catalog.Navigation) bool {
	pk := nav.DeclaringType.FindPrimaryKey()
	if len(pk) == len(nav.SourceProperties) {
		principal := true
		for i, p := range pk {
			if p.Name != nav.SourceProperties[i] {
				principal = false
				break
			}
		}
		if principal {
			return true
		}
	}
	if nav.DeclaringType != owner {
		return true
	}
	for _, name := range nav.SourceProperties {
		p := owner.FindPropertyInHierarchy(name)
		if p == nil || owner.IsPropertyNullable(p) {
			return true
		}
	}
	return false
}
