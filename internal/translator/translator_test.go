package translator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/catalog"
	"relquery/internal/catalog/catalogtest"
	"relquery/internal/dialect"
	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqlgen"
	"relquery/internal/sqltype"
)

type fakeBinder struct {
	aliases map[qm.QuerySource]string
	sub     *sqlexpr.Select
}

func (b *fakeBinder) Column(src qm.QuerySource, prop *catalog.Property) (sqlexpr.Expr, error) {
	alias, ok := b.aliases[src]
	if !ok {
		return nil, Untranslatable(qm.Ref(src), "source is not bound")
	}
	return &sqlexpr.Column{
		Table:    alias,
		Name:     prop.Column,
		Kind:     prop.Kind,
		Nullable: src.ItemType().IsPropertyNullable(prop),
	}, nil
}

func (b *fakeBinder) SubQuery(*qm.QueryModel) (*sqlexpr.Select, error) {
	if b.sub == nil {
		return nil, Untranslatable(nil, "no sub-queries")
	}
	return b.sub, nil
}

type fixture struct {
	cat  *catalog.Catalog
	gear *qm.MainFromClause
	tr   *Translator
	bind *fakeBinder
}

func newFixture() *fixture {
	cat := catalogtest.Gears()
	m := qm.NewQuery("g", cat.FindEntityType("Gear"))
	bind := &fakeBinder{aliases: map[qm.QuerySource]string{m.MainFrom: "g"}}
	return &fixture{cat: cat, gear: m.MainFrom, tr: New(bind, dialect.SQLite), bind: bind}
}

func (f *fixture) prop(names ...string) qm.Expr {
	return qm.Prop(qm.Ref(f.gear), names...)
}

func render(t *testing.T, e sqlexpr.Expr) string {
	t.Helper()
	sql, _, err := sqlgen.New(dialect.SQLite).Expr(e)
	require.NoError(t, err)
	return sql
}

func TestTranslatePredicate_NullSemantics(t *testing.T) {
	f := newFixture()
	city := f.prop("AssignedCityName")
	leader := f.prop("LeaderSquadId")

	tests := []struct {
		name string
		expr qm.Expr
		want string
	}{
		{"equals constant", qm.Eq(f.prop("Rank"), qm.Const(2)), `"g"."Rank" = 2`},
		{"equals null", qm.Eq(city, qm.Const(nil)), `"g"."AssignedCityName" IS NULL`},
		{"null not equals", &qm.Binary{Op: qm.OpNotEqual, Left: qm.Const(nil), Right: city}, `"g"."AssignedCityName" IS NOT NULL`},
		{"nullable not equals", &qm.Binary{Op: qm.OpNotEqual, Left: city, Right: qm.Const("Jacinto")},
			`"g"."AssignedCityName" <> 'Jacinto' OR "g"."AssignedCityName" IS NULL`},
		{"two nullable operands", qm.Eq(f.prop("LeaderNickname"), city),
			`"g"."LeaderNickname" = "g"."AssignedCityName" OR "g"."LeaderNickname" IS NULL AND "g"."AssignedCityName" IS NULL`},
		{"negated relational", qm.Not(&qm.Binary{Op: qm.OpGreaterThan, Left: leader, Right: qm.Const(1)}),
			`"g"."LeaderSquadId" <= 1 OR "g"."LeaderSquadId" IS NULL`},
		{"de morgan", qm.Not(qm.And(f.prop("HasSoulPatch"), &qm.Binary{Op: qm.OpGreaterThan, Left: f.prop("Rank"), Right: qm.Const(2)})),
			`"g"."HasSoulPatch" = 0 OR "g"."Rank" <= 2`},
		{"bool member", f.prop("HasSoulPatch"), `"g"."HasSoulPatch" = 1`},
		{"constant true", qm.Const(true), `1 = 1`},
		{"negated constant", qm.Not(qm.Const(true)), `1 = 0`},
		{"has flag", &qm.Call{Method: qm.MethodHasFlag, Target: f.prop("Rank"), Args: []qm.Expr{qm.Const(2)}},
			`("g"."Rank" & 2) = 2`},
		{"is null or empty", &qm.Call{Method: qm.MethodIsNullOrEmpty, Target: city},
			`"g"."AssignedCityName" IS NULL OR "g"."AssignedCityName" = ''`},
		{"contains empty string", &qm.Call{Method: qm.MethodStringContains, Target: f.prop("FullName"), Args: []qm.Expr{qm.Const("")}},
			`"g"."FullName" IS NOT NULL`},
		{"in list with null", &qm.Call{Method: qm.MethodEnumerableContains, Target: qm.Const([]any{"Jacinto", nil}), Args: []qm.Expr{city}},
			`"g"."AssignedCityName" IN ('Jacinto') OR "g"."AssignedCityName" IS NULL`},
		{"not in list", qm.Not(&qm.Call{Method: qm.MethodEnumerableContains, Target: qm.Const([]string{"Jacinto", "Ephyra"}), Args: []qm.Expr{city}}),
			`"g"."AssignedCityName" NOT IN ('Jacinto', 'Ephyra') OR "g"."AssignedCityName" IS NULL`},
		{"empty list", &qm.Call{Method: qm.MethodEnumerableContains, Target: qm.Const([]int64{}), Args: []qm.Expr{f.prop("Rank")}},
			`1 = 0`},
		{"type test", &qm.TypeIs{Operand: qm.Ref(f.gear), Type: f.cat.FindEntityType("Officer")},
			`"g"."Discriminator" = 'Officer'`},
		{"type test on own type", &qm.TypeIs{Operand: qm.Ref(f.gear), Type: f.cat.FindEntityType("Gear")},
			`1 = 1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.tr.TranslatePredicate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(t, p))
		})
	}
}

func TestTranslate_Values(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		expr qm.Expr
		want string
	}{
		{"comparison as value", &qm.Binary{Op: qm.OpGreaterThan, Left: f.prop("Rank"), Right: qm.Const(2)},
			`CASE WHEN "g"."Rank" > 2 THEN 1 ELSE 0 END`},
		{"string concatenation", &qm.Binary{Op: qm.OpAdd, Left: f.prop("FullName"), Right: f.prop("AssignedCityName")},
			`"g"."FullName" || COALESCE("g"."AssignedCityName", '')`},
		{"arithmetic", &qm.Binary{Op: qm.OpMultiply, Left: &qm.Binary{Op: qm.OpAdd, Left: f.prop("Rank"), Right: qm.Const(1)}, Right: qm.Const(2)},
			`("g"."Rank" + 1) * 2`},
		{"coalesce", &qm.Binary{Op: qm.OpCoalesce, Left: f.prop("AssignedCityName"), Right: qm.Const("none")},
			`COALESCE("g"."AssignedCityName", 'none')`},
		{"conditional", &qm.Conditional{Test: f.prop("HasSoulPatch"), IfTrue: f.prop("Nickname"), IfFalse: qm.Const("-")},
			`CASE WHEN "g"."HasSoulPatch" = 1 THEN "g"."Nickname" ELSE '-' END`},
		{"index of empty", &qm.Call{Method: qm.MethodIndexOf, Target: f.prop("FullName"), Args: []qm.Expr{qm.Const("")}}, `0`},
		{"upper", &qm.Call{Method: qm.MethodToUpper, Target: f.prop("Nickname")}, `UPPER("g"."Nickname")`},
		{"parameter", &qm.Parameter{Name: "rank"}, `?`},
		{"record field", &qm.Member{Target: &qm.New{Fields: []qm.Field{{Name: "R", Value: f.prop("Rank")}}}, Name: "R"}, `"g"."Rank"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := f.tr.Translate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, render(t, v))
		})
	}
}

func TestTranslate_SubQueries(t *testing.T) {
	f := newFixture()
	weapons := qm.NewQuery("w", f.cat.FindEntityType("Weapon")).With(&qm.Any{})

	inner := sqlexpr.NewSelect(sqlexpr.NewAliases(), weapons.MainFrom)
	inner.AddTable(&sqlexpr.Table{Name: "Weapon", Alias: "w", Source: weapons.MainFrom})
	exists := sqlexpr.NewSelect(inner.Aliases(), nil)
	exists.AppendProjection(BoolValue(&sqlexpr.Exists{Subquery: inner}))
	f.bind.sub = exists

	p, err := f.tr.TranslatePredicate(qm.Not(&qm.SubQuery{Model: weapons}))
	require.NoError(t, err)
	assert.Equal(t, `NOT EXISTS (SELECT 1 FROM "Weapon" AS "w")`, render(t, p))

	count := qm.NewQuery("w", f.cat.FindEntityType("Weapon")).With(&qm.Count{})
	scalar := sqlexpr.NewSelect(inner.Aliases(), count.MainFrom)
	scalar.AddTable(&sqlexpr.Table{Name: "Weapon", Alias: "w0", Source: count.MainFrom})
	scalar.AppendProjection(&sqlexpr.Aggregate{Func: sqlexpr.AggCount})
	f.bind.sub = scalar

	v, err := f.tr.Translate(&qm.SubQuery{Model: count})
	require.NoError(t, err)
	assert.Equal(t, `(SELECT COUNT(*) FROM "Weapon" AS "w0")`, render(t, v))

	list := qm.NewQuery("w", f.cat.FindEntityType("Weapon"))
	_, err = f.tr.Translate(&qm.SubQuery{Model: list})
	assert.ErrorIs(t, err, ErrUntranslatable)
}

func TestTranslate_ContainsSubquery(t *testing.T) {
	f := newFixture()
	tags := qm.NewQuery("c", f.cat.FindEntityType("CogTag"))
	tags.Select = &qm.SelectClause{Selector: qm.Prop(qm.Ref(tags.MainFrom), "GearNickName")}
	tagNames := func(nullable bool) *sqlexpr.Select {
		s := sqlexpr.NewSelect(sqlexpr.NewAliases(), tags.MainFrom)
		s.AddTable(&sqlexpr.Table{Name: "CogTag", Alias: "c", Source: tags.MainFrom})
		s.AppendProjection(&sqlexpr.Column{Table: "c", Name: "GearNickName", Kind: sqltype.KindString, Nullable: nullable})
		return s
	}
	contains := func(item qm.Expr) qm.Expr {
		return &qm.Call{Method: qm.MethodEnumerableContains, Target: &qm.SubQuery{Model: tags}, Args: []qm.Expr{item}}
	}

	f.bind.sub = tagNames(false)
	p, err := f.tr.TranslatePredicate(qm.Not(contains(f.prop("Nickname"))))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(render(t, p), `"g"."Nickname" NOT IN (SELECT "c"."GearNickName"`), render(t, p))

	f.bind.sub = tagNames(true)
	p, err = f.tr.TranslatePredicate(qm.Not(contains(f.prop("Nickname"))))
	require.NoError(t, err)
	sql := render(t, p)
	assert.Contains(t, sql, "NOT EXISTS (SELECT 1 FROM")
	assert.Contains(t, sql, `"c"."GearNickName" = "g"."Nickname"`)
	assert.NotContains(t, sql, " IN ")

	f.bind.sub = tagNames(true)
	p, err = f.tr.TranslatePredicate(contains(qm.Const(nil)))
	require.NoError(t, err)
	sql = render(t, p)
	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM")
	assert.Contains(t, sql, `"c"."GearNickName" IS NULL`)

	f.bind.sub = tagNames(true)
	p, err = f.tr.TranslatePredicate(contains(f.prop("AssignedCityName")))
	require.NoError(t, err)
	assert.Contains(t, render(t, p), `"c"."GearNickName" IS NULL AND "g"."AssignedCityName" IS NULL`)
}

func TestTranslate_Failures(t *testing.T) {
	f := newFixture()

	t.Run("navigation is not joined", func(t *testing.T) {
		_, err := f.tr.TranslatePredicate(qm.Eq(f.prop("Squad", "Name"), qm.Const("Delta")))
		require.ErrorIs(t, err, ErrUntranslatable)
		var ue *UntranslatableError
		require.ErrorAs(t, err, &ue)
		assert.Contains(t, ue.Error(), "g.Squad.Name")
	})

	t.Run("unknown member is a caller error", func(t *testing.T) {
		_, err := f.tr.Translate(f.prop("Callsign"))
		require.ErrorIs(t, err, ErrUnknownMember)
		assert.NotErrorIs(t, err, ErrUntranslatable)
	})

	t.Run("client function", func(t *testing.T) {
		invoke := &qm.Invoke{Name: "isLucky", Func: func([]any) (any, error) { return true, nil }, Args: []qm.Expr{f.prop("Rank")}}
		_, err := f.tr.TranslatePredicate(qm.And(qm.Eq(f.prop("Rank"), qm.Const(1)), invoke))
		assert.ErrorIs(t, err, ErrUntranslatable)
	})

	t.Run("entity comparison", func(t *testing.T) {
		_, err := f.tr.TranslatePredicate(qm.Eq(qm.Ref(f.gear), qm.Ref(f.gear)))
		assert.ErrorIs(t, err, ErrUntranslatable)
	})

	t.Run("unbound source", func(t *testing.T) {
		other := qm.NewQuery("x", f.cat.FindEntityType("City"))
		_, err := f.tr.Translate(qm.Prop(qm.Ref(other.MainFrom), "Name"))
		assert.ErrorIs(t, err, ErrUntranslatable)
	})

	t.Run("ceiling has no sqlite function", func(t *testing.T) {
		_, err := f.tr.Translate(&qm.Call{Method: qm.MethodCeiling, Target: f.prop("Rank")})
		assert.ErrorIs(t, err, ErrUntranslatable)
	})
}

func TestDiscriminatorPredicate(t *testing.T) {
	cat := catalogtest.Gears()
	col := &sqlexpr.Column{Table: "g", Name: "Discriminator"}

	assert.Equal(t, `"g"."Discriminator" IN ('Gear', 'Officer')`, render(t, DiscriminatorPredicate(col, cat.FindEntityType("Gear"))))
	assert.Equal(t, `"g"."Discriminator" = 'Officer'`, render(t, DiscriminatorPredicate(col, cat.FindEntityType("Officer"))))
}
