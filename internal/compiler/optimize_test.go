package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/catalog/catalogtest"
	qm "relquery/internal/querymodel"
)

func TestExtractAnnotations(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("s", cat.FindEntityType("Squad"))
	sub := qm.NewQuery("g", cat.FindEntityType("Gear")).With(&qm.Include{Path: []string{"Tag"}}, &qm.Count{})
	m.Select = &qm.SelectClause{Selector: &qm.SubQuery{Model: sub}}
	m.With(
		&qm.Include{Path: []string{"Members", "Tag"}},
		&qm.Take{Count: qm.Const(1)},
		&qm.Tracking{Enabled: false},
		&qm.FromSQL{SQL: "SELECT * FROM Squad"},
	)

	ann, err := extractAnnotations(m)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Members", "Tag"}}, ann.includes)
	require.NotNil(t, ann.tracking)
	assert.False(t, *ann.tracking)
	require.NotNil(t, ann.fromSQL)
	require.Len(t, m.ResultOperators, 1)
	assert.Equal(t, qm.KindTake, m.ResultOperators[0].Kind())
	require.Len(t, sub.ResultOperators, 1)
	assert.Equal(t, qm.KindCount, sub.ResultOperators[0].Kind())
}

func TestExtractAnnotations_RawSQLInSubQuery(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("s", cat.FindEntityType("Squad"))
	sub := qm.NewQuery("g", cat.FindEntityType("Gear")).With(&qm.FromSQL{SQL: "SELECT * FROM Gear"}, &qm.Count{})
	m.Where(&qm.Binary{Op: qm.OpGreaterThan, Left: &qm.SubQuery{Model: sub}, Right: qm.Const(0)})

	_, err := extractAnnotations(m)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestRewriteEntityEquality(t *testing.T) {
	cat := catalogtest.Gears()
	gear := cat.FindEntityType("Gear")
	m := qm.NewQuery("a", gear)
	other := &qm.AdditionalFromClause{Name: "b", Type: gear, From: &qm.EntitySet{Type: gear}}
	m.BodyClauses = append(m.BodyClauses, other)
	m.Where(qm.Eq(qm.Ref(m.MainFrom), qm.Ref(other)))

	require.NoError(t, rewriteEntityEquality(m))
	where := m.BodyClauses[1].(*qm.WhereClause)
	assert.Equal(t, "((a.Nickname eq b.Nickname) and (a.SquadId eq b.SquadId))", qm.Format(where.Predicate))
}

func TestRewriteEntityEquality_RejectsUnrelatedTypes(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("g", cat.FindEntityType("Gear"))
	squad := &qm.AdditionalFromClause{Name: "s", Type: cat.FindEntityType("Squad"), From: &qm.EntitySet{Type: cat.FindEntityType("Squad")}}
	m.BodyClauses = append(m.BodyClauses, squad)
	m.Where(qm.Eq(qm.Ref(m.MainFrom), qm.Ref(squad)))

	assert.ErrorIs(t, rewriteEntityEquality(m), ErrInvalidOperation)
}

func TestPushMemberIntoSubQuery(t *testing.T) {
	cat := catalogtest.Gears()
	first := qm.NewQuery("s", cat.FindEntityType("Squad")).With(&qm.First{})
	out := pushMemberIntoSubQuery(&qm.Member{Target: &qm.SubQuery{Model: first}, Name: "Name"})

	sub, ok := out.(*qm.SubQuery)
	require.True(t, ok)
	member, ok := sub.Model.Select.Selector.(*qm.Member)
	require.True(t, ok)
	assert.Equal(t, "Name", member.Name)
	assert.IsType(t, &qm.QuerySourceRef{}, first.Select.Selector, "the source model is not modified")

	many := qm.NewQuery("s", cat.FindEntityType("Squad"))
	mem := &qm.Member{Target: &qm.SubQuery{Model: many}, Name: "Name"}
	assert.Same(t, mem, pushMemberIntoSubQuery(mem))
}

func TestRewriteNavigations_ReferenceJoinsAreShared(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("w", cat.FindEntityType("Weapon"))
	m.Where(qm.Eq(qm.Prop(qm.Ref(m.MainFrom), "Owner", "Rank"), qm.Const(2)))
	m.OrderBy(qm.Ordering{Expr: qm.Prop(qm.Ref(m.MainFrom), "Owner", "Nickname")})

	require.NoError(t, rewriteNavigations(m))
	require.Len(t, m.BodyClauses, 3)
	join, ok := m.BodyClauses[0].(*qm.JoinClause)
	require.True(t, ok, "join is placed before the clauses reading it")
	assert.Equal(t, "w.Owner", join.Name)
	assert.True(t, join.LeftOuter)
	assert.Equal(t, []qm.QuerySource{join}, qm.ReferencedSources(m.BodyClauses[1].(*qm.WhereClause).Predicate))
	assert.Equal(t, []qm.QuerySource{join}, qm.ReferencedSources(m.BodyClauses[2].(*qm.OrderByClause).Orderings[0].Expr))
}

func TestRewriteNavigations_RequiredReferenceIsInner(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("g", cat.FindEntityType("Gear"))
	m.Select = &qm.SelectClause{Selector: qm.Prop(qm.Ref(m.MainFrom), "Squad", "Name")}

	require.NoError(t, rewriteNavigations(m))
	require.Len(t, m.BodyClauses, 1)
	assert.False(t, m.BodyClauses[0].(*qm.JoinClause).LeftOuter)
}

func TestRewriteNavigations_CollectionSource(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("s", cat.FindEntityType("Squad"))
	members := &qm.AdditionalFromClause{Name: "g", From: qm.Prop(qm.Ref(m.MainFrom), "Members")}
	m.BodyClauses = append(m.BodyClauses, members)

	require.NoError(t, rewriteNavigations(m))
	assert.IsType(t, &qm.EntitySet{}, members.From)
	assert.Equal(t, "Gear", members.Type.Name)
	require.Len(t, m.BodyClauses, 2)
	where := m.BodyClauses[1].(*qm.WhereClause)
	assert.Equal(t, "(g.SquadId eq s.Id)", qm.Format(where.Predicate))
}

func TestRewriteNavigations_CollectionInExpression(t *testing.T) {
	cat := catalogtest.Gears()
	m := qm.NewQuery("g", cat.FindEntityType("Gear"))
	m.Select = &qm.SelectClause{Selector: qm.Prop(qm.Ref(m.MainFrom), "Weapons")}

	require.NoError(t, rewriteNavigations(m))
	sub, ok := m.Select.Selector.(*qm.SubQuery)
	require.True(t, ok)
	assert.Equal(t, []qm.QuerySource{m.MainFrom}, qm.OuterReferences(sub.Model))
}
