package compiler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relquery/internal/catalog/catalogtest"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlgen"
	"relquery/internal/translator"
)

func testExecution(params map[string]any) *execution {
	return &execution{ctx: context.Background(), params: params, shaping: shaper.NewContext(true)}
}

func TestEqualValues(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int widths", int32(3), int64(3), true},
		{"int and integral float", 3, 3.0, true},
		{"int and fraction", 3, 3.5, false},
		{"nil and nil", nil, nil, true},
		{"nil and value", nil, "x", false},
		{"bytes and string", []byte("ab"), "ab", true},
		{"string and number", "3", 3, false},
		{"bools", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, equalValues(tt.a, tt.b))
		})
	}
}

func TestCompareValues_NilFirst(t *testing.T) {
	assert.Negative(t, compareValues(nil, 0))
	assert.Positive(t, compareValues("b", "a"))
	assert.Zero(t, compareValues(int8(4), 4.0))
	now := time.Now()
	assert.Negative(t, compareValues(now, now.Add(time.Second)))
	assert.Negative(t, compareValues(false, true))
}

func TestValueKey_Entities(t *testing.T) {
	cat := catalogtest.Gears()
	gear := cat.FindEntityType("Gear")
	officer := cat.FindEntityType("Officer")
	a := shaper.NewEntity(gear, map[string]any{"Nickname": "Dom", "SquadId": int64(1)})
	b := shaper.NewEntity(gear, map[string]any{"Nickname": "Dom", "SquadId": int64(1)})
	c := shaper.NewEntity(officer, map[string]any{"Nickname": "Dom", "SquadId": int64(2)})

	assert.Equal(t, valueKey(a), valueKey(b))
	assert.NotEqual(t, valueKey(a), valueKey(c))
	assert.True(t, equalValues(a, b))
	assert.Nil(t, valueKey((*shaper.Entity)(nil)))
	assert.True(t, isNil((*shaper.Entity)(nil)))
}

func TestEval_NullSemantics(t *testing.T) {
	ex := testExecution(nil)
	tests := []struct {
		name string
		expr qm.Expr
		want any
	}{
		{"null equals null", qm.Eq(qm.Const(nil), qm.Const(nil)), true},
		{"null less than", &qm.Binary{Op: qm.OpLessThan, Left: qm.Const(nil), Right: qm.Const(1)}, false},
		{"null plus one", &qm.Binary{Op: qm.OpAdd, Left: qm.Const(nil), Right: qm.Const(1)}, nil},
		{"concat with null", &qm.Binary{Op: qm.OpAdd, Left: qm.Const("a"), Right: qm.Const(nil)}, "a"},
		{"false and unknown", qm.And(qm.Const(false), qm.Const(nil)), false},
		{"true and unknown", qm.And(qm.Const(true), qm.Const(nil)), nil},
		{"unknown or true", &qm.Binary{Op: qm.OpOrElse, Left: qm.Const(nil), Right: qm.Const(true)}, true},
		{"coalesce", &qm.Binary{Op: qm.OpCoalesce, Left: qm.Const(nil), Right: qm.Const("x")}, "x"},
		{"not null", qm.Not(qm.Const(nil)), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ex.eval(tt.expr, newScope(nil), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestEval_Arithmetic(t *testing.T) {
	ex := testExecution(nil)
	v, err := ex.eval(&qm.Binary{Op: qm.OpMultiply, Left: qm.Const(int32(6)), Right: qm.Const(7)}, newScope(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = ex.eval(&qm.Binary{Op: qm.OpDivide, Left: qm.Const(7), Right: qm.Const(2.0)}, newScope(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	_, err = ex.eval(&qm.Binary{Op: qm.OpModulo, Left: qm.Const(7), Right: qm.Const(0)}, newScope(nil), nil)
	assert.ErrorIs(t, err, errDivideByZero)

	_, err = ex.eval(&qm.Binary{Op: qm.OpSubtract, Left: qm.Const("a"), Right: qm.Const(1)}, newScope(nil), nil)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEval_Parameters(t *testing.T) {
	ex := testExecution(map[string]any{"rank": 3})
	v, err := ex.eval(&qm.Parameter{Name: "rank"}, newScope(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	_, err = ex.eval(&qm.Parameter{Name: "missing"}, newScope(nil), nil)
	assert.ErrorIs(t, err, sqlgen.ErrMissingParameter)
}

func TestEval_StringMethods(t *testing.T) {
	ex := testExecution(nil)
	call := func(m qm.Method, target any, args ...any) any {
		t.Helper()
		exprs := make([]qm.Expr, len(args))
		for i, a := range args {
			exprs[i] = qm.Const(a)
		}
		v, err := ex.eval(&qm.Call{Method: m, Target: qm.Const(target), Args: exprs}, newScope(nil), nil)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, true, call(qm.MethodStringContains, "Marcus Fenix", "Fen"))
	assert.Equal(t, true, call(qm.MethodEndsWith, "Marcus", "cus"))
	assert.Equal(t, "MARCUS", call(qm.MethodToUpper, "Marcus"))
	assert.Equal(t, int64(6), call(qm.MethodLength, "Marcus"))
	assert.Equal(t, int64(2), call(qm.MethodIndexOf, "Marcus", "rc"))
	assert.Equal(t, int64(-1), call(qm.MethodIndexOf, "Marcus", "z"))
	assert.Equal(t, "arc", call(qm.MethodSubstring, "Marcus", 1, 3))
	assert.Equal(t, "cus", call(qm.MethodSubstring, "Marcus", 3))
	assert.Equal(t, "Dom", call(qm.MethodReplace, "Dominic", "inic", ""))
	assert.Equal(t, true, call(qm.MethodIsNullOrEmpty, ""))
	assert.Equal(t, false, call(qm.MethodStartsWith, nil, "M"))
	assert.Nil(t, call(qm.MethodToLower, nil))
	assert.Equal(t, true, call(qm.MethodEnumerableContains, []any{int64(1), int64(2)}, 2))
	assert.Equal(t, true, call(qm.MethodHasFlag, 6, 4))
	assert.Equal(t, 2.35, call(qm.MethodRound, 2.346, 2))
	assert.Equal(t, int64(2024), call(qm.MethodDateYear, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMemberValue(t *testing.T) {
	cat := catalogtest.Gears()
	gear := shaper.NewEntity(cat.FindEntityType("Gear"), map[string]any{"Nickname": "Dom", "SquadId": int64(1)})

	v, err := memberValue(gear, "Nickname")
	require.NoError(t, err)
	assert.Equal(t, "Dom", v)

	_, err = memberValue(gear, "Squad")
	assert.ErrorIs(t, err, ErrInvalidOperation)

	gear.SetReference("Squad", nil)
	v, err = memberValue(gear, "Squad")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = memberValue(gear, "Vehicle")
	assert.ErrorIs(t, err, translator.ErrUnknownMember)

	rec := shaper.NewRecord([]string{"A"}, []any{1})
	v, err = memberValue(rec, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	grp := &shaper.Grouping{Key: "k", Elements: []any{1, 2}}
	v, err = memberValue(grp, "Key")
	require.NoError(t, err)
	assert.Equal(t, "k", v)

	v, err = memberValue(nil, "A")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestIterate(t *testing.T) {
	out, err := collect(iterate([]int{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out)

	out, err = collect(iterate(nil))
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = collect(iterate("abc"))
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func runOp(t *testing.T, op clientOp, items ...any) []any {
	t.Helper()
	out, err := collect(op(testExecution(nil), nil, iterate(items)))
	require.NoError(t, err)
	return out
}

func TestClientOperators(t *testing.T) {
	assert.Equal(t, []any{int64(3)}, runOp(t, countOp(), 1, 2, 3))
	assert.Equal(t, []any{int64(6)}, runOp(t, sumOp(), 1, nil, int32(5)))
	assert.Equal(t, []any{int64(0)}, runOp(t, sumOp()))
	assert.Equal(t, []any{3.5}, runOp(t, sumOp(), 1, 2.5))
	assert.Equal(t, []any{1}, runOp(t, extremeOp(-1), 3, nil, 1, 2))
	assert.Equal(t, []any{"b"}, runOp(t, extremeOp(1), "a", "b"))
	assert.Equal(t, []any{nil}, runOp(t, extremeOp(1)))
	assert.Equal(t, []any{2.0}, runOp(t, averageOp(), 1, 3))
	assert.Equal(t, []any{nil}, runOp(t, averageOp()))
	assert.Equal(t, []any{true}, runOp(t, anyOp(), 0))
	assert.Equal(t, []any{false}, runOp(t, anyOp()))
	assert.Equal(t, []any{1, 2}, runOp(t, distinctOp(), 1, int64(1), 2, 2.0))
	assert.Equal(t, []any{3}, runOp(t, skipOp(qm.Const(2)), 1, 2, 3))
	assert.Equal(t, []any{1, 2}, runOp(t, takeOp(qm.Const(2)), 1, 2, 3))
	assert.Equal(t, []any{nil}, runOp(t, firstOp(true)))
	assert.Equal(t, []any{3}, runOp(t, lastOp(false), 1, 2, 3))
	assert.Equal(t, []any{nil}, runOp(t, defaultIfEmptyOp()))

	gtOne := &qm.Binary{Op: qm.OpGreaterThan, Left: &qm.ItemRef{}, Right: qm.Const(1)}
	assert.Equal(t, []any{true}, runOp(t, allOp(gtOne), 2, 3))
	assert.Equal(t, []any{false}, runOp(t, allOp(gtOne), 2, 1))
	assert.Equal(t, []any{true}, runOp(t, containsOp(qm.Const(2)), 1, int64(2)))

	_, err := collect(singleOp(false)(testExecution(nil), nil, iterate([]any{1, 2})))
	assert.ErrorIs(t, err, ErrMoreThanOneElement)
	_, err = collect(firstOp(false)(testExecution(nil), nil, iterate([]any{})))
	assert.ErrorIs(t, err, ErrNoElements)
}

func TestGroupByOp_KeyOrder(t *testing.T) {
	g := &qm.GroupBy{Key: &qm.Binary{Op: qm.OpModulo, Left: &qm.ItemRef{}, Right: qm.Const(2)}}
	out := runOp(t, groupByOp(g, true), 1, 2, 3, 4, 5)
	require.Len(t, out, 2)
	even := out[0].(*shaper.Grouping)
	odd := out[1].(*shaper.Grouping)
	assert.Equal(t, int64(0), even.Key)
	assert.Equal(t, []any{2, 4}, even.Elements)
	assert.Equal(t, []any{1, 3, 5}, odd.Elements)
}
