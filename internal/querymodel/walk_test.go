package querymodel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/catalog/catalogtest"
	qm "relquery/internal/querymodel"
)

func TestReferencedSources(t *testing.T) {
	cat := catalogtest.Gears()
	gears := qm.NewQuery("g", cat.FindEntityType("Gear"))
	weapons := qm.NewQuery("w", cat.FindEntityType("Weapon"))

	pred := qm.And(
		qm.Eq(qm.Prop(qm.Ref(weapons.MainFrom), "OwnerFullName"), qm.Prop(qm.Ref(gears.MainFrom), "FullName")),
		qm.Eq(qm.Prop(qm.Ref(gears.MainFrom), "Rank"), qm.Const(2)),
	)

	got := qm.ReferencedSources(pred)
	require.Len(t, got, 2)
	assert.Same(t, weapons.MainFrom, got[0])
	assert.Same(t, gears.MainFrom, got[1])
}

func TestOuterReferences(t *testing.T) {
	cat := catalogtest.Gears()
	outer := qm.NewQuery("s", cat.FindEntityType("Squad"))

	inner := qm.NewQuery("g", cat.FindEntityType("Gear"))
	inner.Where(qm.Eq(qm.Prop(qm.Ref(inner.MainFrom), "SquadId"), qm.Prop(qm.Ref(outer.MainFrom), "Id")))

	assert.Empty(t, qm.OuterReferences(outer))

	refs := qm.OuterReferences(inner)
	require.Len(t, refs, 1)
	assert.Same(t, outer.MainFrom, refs[0])

	outer.Select.Selector = &qm.SubQuery{Model: inner}
	assert.Empty(t, qm.OuterReferences(outer), "sources declared by nested models are not outer")
}

func TestTransformReplacesSource(t *testing.T) {
	cat := catalogtest.Gears()
	q := qm.NewQuery("g", cat.FindEntityType("Gear"))
	expr := qm.Prop(qm.Ref(q.MainFrom), "Squad", "Name")

	got := qm.ReplaceSource(expr, q.MainFrom, qm.Const("x"))

	assert.Equal(t, `"x".Squad.Name`, qm.Format(got))
	assert.Equal(t, "g.Squad.Name", qm.Format(expr), "original is not mutated")
}

func TestCloneRemapsOwnSources(t *testing.T) {
	cat := catalogtest.Gears()
	outer := qm.NewQuery("s", cat.FindEntityType("Squad"))
	q := qm.NewQuery("g", cat.FindEntityType("Gear"))
	q.Where(qm.Eq(qm.Prop(qm.Ref(q.MainFrom), "SquadId"), qm.Prop(qm.Ref(outer.MainFrom), "Id")))
	q.With(&qm.Take{Count: qm.Const(1)})

	c := qm.Clone(q)

	require.NotSame(t, q.MainFrom, c.MainFrom)
	assert.Equal(t, qm.FormatModel(q), qm.FormatModel(c))

	sources := qm.ReferencedSources(c.BodyClauses[0].(*qm.WhereClause).Predicate)
	require.Len(t, sources, 2)
	assert.Same(t, c.MainFrom, sources[0])
	assert.Same(t, outer.MainFrom, sources[1], "outer references are preserved")

	sel := c.Select.Selector.(*qm.QuerySourceRef)
	assert.Same(t, c.MainFrom, sel.Source)
}

func TestEntityTypeOf(t *testing.T) {
	cat := catalogtest.Gears()
	gear := cat.FindEntityType("Gear")
	q := qm.NewQuery("g", gear)

	assert.Same(t, gear, qm.EntityTypeOf(qm.Ref(q.MainFrom)))
	assert.Same(t, cat.FindEntityType("Squad"), qm.EntityTypeOf(qm.Prop(qm.Ref(q.MainFrom), "Squad")))
	assert.Nil(t, qm.EntityTypeOf(qm.Prop(qm.Ref(q.MainFrom), "Weapons")))
	assert.Nil(t, qm.EntityTypeOf(qm.Prop(qm.Ref(q.MainFrom), "FullName")))

	nav, ok := qm.IsCollectionNavigation(qm.Prop(qm.Ref(q.MainFrom), "Weapons"))
	require.True(t, ok)
	assert.Equal(t, "Weapon", nav.Target)

	first := qm.NewQuery("o", gear).With(&qm.OfType{Type: cat.FindEntityType("Officer")}, &qm.First{})
	assert.Same(t, cat.FindEntityType("Officer"), qm.EntityTypeOf(&qm.SubQuery{Model: first}))
	assert.True(t, first.IsScalar())
}

func TestFormatModel(t *testing.T) {
	cat := catalogtest.Gears()
	q := qm.NewQuery("g", cat.FindEntityType("Gear"))
	q.Where(qm.Not(qm.Prop(qm.Ref(q.MainFrom), "HasSoulPatch"))).
		OrderBy(qm.Ordering{Expr: qm.Const(1), Descending: true}).
		With(&qm.Count{})

	assert.Equal(t, "from g in set<Gear> where !g.HasSoulPatch orderby 1 desc select g => Count", qm.FormatModel(q))
}
