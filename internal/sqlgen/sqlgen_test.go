package sqlgen

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/dialect"
	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
)

func col(table, name string, kind sqltype.Kind) *sqlexpr.Column {
	return &sqlexpr.Column{Table: table, Name: name, Kind: kind}
}

func gearSelect() *sqlexpr.Select {
	src := &qm.MainFromClause{Name: "g"}
	aliases := sqlexpr.NewAliases()
	s := sqlexpr.NewSelect(aliases, src)
	s.AddTable(&sqlexpr.Table{Name: "Gear", Alias: aliases.Next("Gear"), Source: src})
	s.AppendProjection(col("g", "Nickname", sqltype.KindString))
	s.AppendProjection(col("g", "Rank", sqltype.KindInt))
	return s
}

func TestGenerate_SimpleFilterElidesAliases(t *testing.T) {
	s := gearSelect()
	s.AddToPredicate(&sqlexpr.In{
		Operand: col("g", "Discriminator", sqltype.KindString),
		Values:  []sqlexpr.Expr{&sqlexpr.Constant{Value: "Gear"}, &sqlexpr.Constant{Value: "Officer"}},
	})
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("g", "Rank", sqltype.KindInt), Right: &sqlexpr.Constant{Value: int64(2)}})

	cmd, err := New(dialect.SQLServer).Generate(s)
	require.NoError(t, err)
	assert.Equal(t, "SELECT [Nickname], [Rank] FROM [Gear] WHERE [Discriminator] IN (N'Gear', N'Officer') AND [Rank] = 2", cmd.SQL)
	assert.Empty(t, cmd.Args)

	cmd, err = New(dialect.SQLite).Generate(s)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "Nickname", "Rank" FROM "Gear" WHERE "Discriminator" IN ('Gear', 'Officer') AND "Rank" = 2`, cmd.SQL)
}

func TestGenerate_JoinParametersAndPaging(t *testing.T) {
	s := gearSelect()
	s.Projection = s.Projection[:1]
	s.AppendProjection(col("s", "Name", sqltype.KindString))
	s.AddJoin(sqlexpr.JoinInner, &sqlexpr.Table{Name: "Squad", Alias: "s"},
		&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("g", "SquadId", sqltype.KindInt), Right: col("s", "Id", sqltype.KindInt)})
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpGt, Left: col("g", "Rank", sqltype.KindInt), Right: &sqlexpr.Parameter{Name: "rank"}})
	s.AddToOrderBy(sqlexpr.Ordering{Expr: col("g", "Nickname", sqltype.KindString), Descending: true})
	s.Limit = &sqlexpr.Constant{Value: int64(3)}
	s.Offset = &sqlexpr.Constant{Value: int64(1)}

	cmd, err := New(dialect.PostgreSQL).Generate(s)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "g"."Nickname", "s"."Name" FROM "Gear" AS "g" INNER JOIN "Squad" AS "s" ON "g"."SquadId" = "s"."Id" WHERE "g"."Rank" > $1 ORDER BY "g"."Nickname" DESC LIMIT 3 OFFSET 1`,
		cmd.SQL)
	assert.Equal(t, []any{ParamRef{Name: "rank"}}, cmd.Args)
	assert.Equal(t, []string{"rank"}, cmd.Parameters)

	args, err := cmd.Bind(map[string]any{"rank": int64(2)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2)}, args)

	_, err = cmd.Bind(nil)
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestGenerate_Paging(t *testing.T) {
	tests := []struct {
		name    string
		dialect *dialect.Dialect
		limit   sqlexpr.Expr
		offset  sqlexpr.Expr
		want    string
	}{
		{"sqlserver top", dialect.SQLServer, &sqlexpr.Constant{Value: int64(1)}, nil,
			"SELECT TOP(1) [Nickname], [Rank] FROM [Gear]"},
		{"sqlserver offset fetch", dialect.SQLServer, &sqlexpr.Constant{Value: int64(5)}, &sqlexpr.Constant{Value: int64(2)},
			"SELECT [Nickname], [Rank] FROM [Gear] ORDER BY (SELECT 1) OFFSET 2 ROWS FETCH NEXT 5 ROWS ONLY"},
		{"sqlite offset only", dialect.SQLite, nil, &sqlexpr.Constant{Value: int64(2)},
			`SELECT "Nickname", "Rank" FROM "Gear" LIMIT -1 OFFSET 2`},
		{"duckdb offset only", dialect.DuckDB, nil, &sqlexpr.Constant{Value: int64(2)},
			`SELECT "Nickname", "Rank" FROM "Gear" OFFSET 2`},
		{"mysql limit", dialect.MySQL, &sqlexpr.Constant{Value: int64(2)}, nil,
			"SELECT `Nickname`, `Rank` FROM `Gear` LIMIT 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := gearSelect()
			s.Limit, s.Offset = tt.limit, tt.offset
			cmd, err := New(tt.dialect).Generate(s)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cmd.SQL)
		})
	}
}

func TestGenerate_DerivedTable(t *testing.T) {
	s := gearSelect()
	s.AddToOrderBy(sqlexpr.Ordering{Expr: col("g", "Nickname", sqltype.KindString)})
	s.Limit = &sqlexpr.Constant{Value: int64(3)}
	s.PushDownSubquery()
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("t", "Rank", sqltype.KindInt), Right: &sqlexpr.Constant{Value: int64(2)}})

	cmd, err := New(dialect.SQLite).Generate(s)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT "t"."Nickname", "t"."Rank" FROM (SELECT "g"."Nickname", "g"."Rank" FROM "Gear" AS "g" ORDER BY "g"."Nickname" LIMIT 3) AS "t" WHERE "t"."Rank" = 2 ORDER BY "t"."Nickname"`,
		cmd.SQL)
}

func TestGenerate_ExistsWithoutFrom(t *testing.T) {
	inner := gearSelect()
	inner.ClearProjection()
	inner.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("g", "Rank", sqltype.KindInt), Right: &sqlexpr.Constant{Value: int64(2)}})

	top := sqlexpr.NewSelect(inner.Aliases(), nil)
	top.AppendProjection(&sqlexpr.Case{
		Whens: []sqlexpr.When{{Cond: &sqlexpr.Exists{Subquery: inner}, Result: &sqlexpr.Constant{Value: true}}},
		Else:  &sqlexpr.Constant{Value: false},
	})

	cmd, err := New(dialect.SQLite).Generate(top)
	require.NoError(t, err)
	assert.Equal(t, `SELECT CASE WHEN EXISTS (SELECT 1 FROM "Gear" AS "g" WHERE "g"."Rank" = 2) THEN 1 ELSE 0 END`, cmd.SQL)

	top.Projection[0].(*sqlexpr.Case).Whens[0].Cond = &sqlexpr.Not{Operand: &sqlexpr.Exists{Subquery: inner}}
	cmd, err = New(dialect.PostgreSQL).Generate(top)
	require.NoError(t, err)
	assert.Equal(t, `SELECT CASE WHEN NOT EXISTS (SELECT 1 FROM "Gear" AS "g" WHERE "g"."Rank" = 2) THEN TRUE ELSE FALSE END`, cmd.SQL)
}

func TestGenerate_NamedParameters(t *testing.T) {
	s := gearSelect()
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("g", "SquadId", sqltype.KindInt), Right: &sqlexpr.Parameter{Name: "_outer_Id"}})

	cmd, err := New(dialect.SQLServer).Generate(s)
	require.NoError(t, err)
	assert.Equal(t, "SELECT [Nickname], [Rank] FROM [Gear] WHERE [SquadId] = @_outer_Id", cmd.SQL)

	args, err := cmd.Bind(map[string]any{"_outer_Id": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, []any{sql.Named("_outer_Id", int64(1))}, args)
}

func TestExprPrecedence(t *testing.T) {
	g := New(dialect.SQLite)
	a := col("g", "A", sqltype.KindInt)
	b := col("g", "B", sqltype.KindInt)
	c := col("g", "C", sqltype.KindInt)
	null := &sqlexpr.IsNull{Operand: b}

	tests := []struct {
		name string
		expr sqlexpr.Expr
		want string
	}{
		{"or inside and", sqlexpr.AndAlso(&sqlexpr.Binary{Op: sqlexpr.OpOr, Left: a, Right: null}, null),
			`("g"."A" OR "g"."B" IS NULL) AND "g"."B" IS NULL`},
		{"and inside or", sqlexpr.OrElse(sqlexpr.AndAlso(a, b), c), `"g"."A" AND "g"."B" OR "g"."C"`},
		{"right-nested subtraction", &sqlexpr.Binary{Op: sqlexpr.OpSub, Left: a, Right: &sqlexpr.Binary{Op: sqlexpr.OpSub, Left: b, Right: c}},
			`"g"."A" - ("g"."B" - "g"."C")`},
		{"arithmetic in comparison", &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: &sqlexpr.Binary{Op: sqlexpr.OpAdd, Left: a, Right: b}, Right: c},
			`"g"."A" + "g"."B" = "g"."C"`},
		{"bitwise is parenthesized", &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: &sqlexpr.Binary{Op: sqlexpr.OpBitAnd, Left: a, Right: &sqlexpr.Constant{Value: int64(4)}}, Right: &sqlexpr.Constant{Value: int64(4)}},
			`("g"."A" & 4) = 4`},
		{"nested bitwise", &sqlexpr.Binary{Op: sqlexpr.OpBitOr, Left: a, Right: &sqlexpr.Binary{Op: sqlexpr.OpBitAnd, Left: b, Right: &sqlexpr.Constant{Value: int64(2)}}},
			`"g"."A" | ("g"."B" & 2)`},
		{"not is null", &sqlexpr.Not{Operand: null}, `"g"."B" IS NOT NULL`},
		{"not comparison", &sqlexpr.Not{Operand: sqlexpr.AndAlso(a, b)}, `NOT ("g"."A" AND "g"."B")`},
		{"negate constant", &sqlexpr.Negate{Operand: &sqlexpr.Constant{Value: int64(-1)}}, `-(-1)`},
		{"cast", &sqlexpr.Cast{Operand: a, Kind: sqltype.KindFloat}, `CAST("g"."A" AS REAL)`},
		{"count star", &sqlexpr.Aggregate{Func: sqlexpr.AggCount}, `COUNT(*)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := g.Expr(tt.expr)
			require.NoError(t, err)
			assert.Empty(t, args)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEscapesQuestionMarksForPositionalFormats(t *testing.T) {
	s := gearSelect()
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpEq, Left: col("g", "Nickname", sqltype.KindString), Right: &sqlexpr.Constant{Value: "who?"}})
	s.AddToPredicate(&sqlexpr.Binary{Op: sqlexpr.OpGt, Left: col("g", "Rank", sqltype.KindInt), Right: &sqlexpr.Parameter{Name: "rank"}})

	cmd, err := New(dialect.PostgreSQL).Generate(s)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "Nickname", "Rank" FROM "Gear" WHERE "Nickname" = 'who?' AND "Rank" > $1`, cmd.SQL)

	cmd, err = New(dialect.SQLite).Generate(s)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "Nickname", "Rank" FROM "Gear" WHERE "Nickname" = 'who?' AND "Rank" > ?`, cmd.SQL)
}
