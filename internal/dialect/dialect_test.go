package dialect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
)

func TestLookup(t *testing.T) {
	for name, want := range map[string]*Dialect{
		"mysql":      MySQL,
		"TiDB":       MySQL,
		"sqlite":     SQLite,
		"sqlserver":  SQLServer,
		"postgresql": PostgreSQL,
		"duckdb":     DuckDB,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Lookup(name)
			require.NoError(t, err)
			assert.Same(t, want, got)
		})
	}

	_, err := Lookup("oracle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		name    string
		dialect *Dialect
		value   any
		want    string
		inline  bool
	}{
		{"sqlite bool", SQLite, true, "1", true},
		{"postgres bool", PostgreSQL, false, "FALSE", true},
		{"sqlserver unicode", SQLServer, "O'Neil", "N'O''Neil'", true},
		{"mysql backslash", MySQL, `a\b`, `'a\\b'`, true},
		{"int", DuckDB, int64(42), "42", true},
		{"float", SQLite, 2.5, "2.5", true},
		{"null", MySQL, nil, "NULL", true},
		{"time is bound", PostgreSQL, time.Unix(0, 0), "", false},
		{"sqlserver time is inline", SQLServer, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "'2024-01-02T03:04:05'", true},
		{"sqlserver bytes", SQLServer, []byte{0xab, 0x01}, "0xAB01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, inline := tt.dialect.Literal(tt.value)
			assert.Equal(t, tt.inline, inline)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslateMethod(t *testing.T) {
	name := &sqlexpr.Column{Table: "g", Name: "FullName", Kind: sqltype.KindString}
	needle := &sqlexpr.Constant{Value: "Marcus"}

	t.Run("contains uses the dialect position function", func(t *testing.T) {
		got, ok := SQLServer.TranslateMethod(qm.MethodStringContains, name, []sqlexpr.Expr{needle})
		require.True(t, ok)
		cmp := got.(*sqlexpr.Binary)
		assert.Equal(t, sqlexpr.OpGt, cmp.Op)
		fn := cmp.Left.(*sqlexpr.Function)
		assert.Equal(t, "CHARINDEX", fn.Name)
		assert.Equal(t, []sqlexpr.Expr{needle, name}, fn.Args)

		got, ok = SQLite.TranslateMethod(qm.MethodStringContains, name, []sqlexpr.Expr{needle})
		require.True(t, ok)
		assert.Equal(t, "instr", got.(*sqlexpr.Binary).Left.(*sqlexpr.Function).Name)
	})

	t.Run("date parts", func(t *testing.T) {
		got, ok := SQLServer.TranslateMethod(qm.MethodDateYear, name, nil)
		require.True(t, ok)
		fn := got.(*sqlexpr.Function)
		assert.Equal(t, "DATEPART", fn.Name)
		assert.Equal(t, &sqlexpr.Keyword{Text: "year"}, fn.Args[0])

		got, ok = SQLite.TranslateMethod(qm.MethodDateMonth, name, nil)
		require.True(t, ok)
		assert.Equal(t, sqltype.KindInt, got.(*sqlexpr.Cast).Kind)
	})

	t.Run("substring shifts to one-based", func(t *testing.T) {
		got, ok := MySQL.TranslateMethod(qm.MethodSubstring, name, []sqlexpr.Expr{&sqlexpr.Constant{Value: int64(0)}, &sqlexpr.Constant{Value: int64(3)}})
		require.True(t, ok)
		assert.Equal(t, &sqlexpr.Constant{Value: int64(1)}, got.(*sqlexpr.Function).Args[1])
	})

	t.Run("unsupported", func(t *testing.T) {
		_, ok := SQLite.TranslateMethod(qm.MethodCeiling, name, nil)
		assert.False(t, ok)
		_, ok = MySQL.TranslateMethod(qm.MethodToUpper, name, []sqlexpr.Expr{needle})
		assert.False(t, ok, "wrong arity")
	})

	t.Run("nullability follows arguments", func(t *testing.T) {
		nullable := &sqlexpr.Column{Table: "g", Name: "Note", Kind: sqltype.KindString, Nullable: true}
		got, ok := PostgreSQL.TranslateMethod(qm.MethodToUpper, nullable, nil)
		require.True(t, ok)
		assert.True(t, sqlexpr.Nullable(got))
	})
}

func TestCapabilities(t *testing.T) {
	assert.False(t, SQLite.SupportsLateral())
	assert.False(t, MySQL.SupportsLateral())
	assert.True(t, PostgreSQL.SupportsLateral())
	assert.True(t, SQLServer.SupportsLateral())

	forced := SQLite.WithLateral(LateralJoin)
	assert.True(t, forced.SupportsLateral())
	assert.False(t, SQLite.SupportsLateral())

	typ, ok := PostgreSQL.CastType(sqltype.KindFloat)
	require.True(t, ok)
	assert.Equal(t, "double precision", typ)
	assert.Equal(t, `[dbo].[Gear]`, SQLServer.QuoteQualified("dbo", "Gear"))
}
