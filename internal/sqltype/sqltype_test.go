package sqltype

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapDataType_IntegerTypes(t *testing.T) {
	intTypes := []string{
		"TINYINT", "tinyint",
		"SMALLINT", "smallint",
		"INT", "int",
		"INTEGER", "integer",
		"BIGINT", "bigint",
		"int(11)",
	}

	for _, sqlType := range intTypes {
		t.Run(sqlType, func(t *testing.T) {
			assert.Equal(t, KindInt, MapDataType(sqlType))
			assert.True(t, MapDataType(sqlType).IsNumeric())
		})
	}
}

func TestMapDataType_OtherTypes(t *testing.T) {
	tests := []struct {
		sqlType string
		want    Kind
	}{
		{"double", KindFloat},
		{"decimal(10,2)", KindDecimal},
		{"BOOLEAN", KindBool},
		{"bit", KindBool},
		{"json", KindJSON},
		{"varbinary(16)", KindBytes},
		{"datetime", KindTime},
		{"varchar(255)", KindString},
		{"geometry", KindString},
	}

	for _, tt := range tests {
		t.Run(tt.sqlType, func(t *testing.T) {
			assert.Equal(t, tt.want, MapDataType(tt.sqlType))
		})
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("Enum")
	require.NoError(t, err)
	assert.Equal(t, KindInt, kind)

	kind, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, kind)

	_, err = ParseKind("uuid-ish")
	assert.Error(t, err)

	for _, k := range []Kind{KindString, KindInt, KindFloat, KindDecimal, KindBool, KindTime, KindBytes, KindJSON} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
}

func TestCoerce(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		got, err := Coerce(nil, KindInt)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("bytes to string", func(t *testing.T) {
		got, err := Coerce([]byte("Marcus"), KindString)
		require.NoError(t, err)
		assert.Equal(t, "Marcus", got)
	})

	t.Run("small ints widen", func(t *testing.T) {
		got, err := Coerce(int32(7), KindInt)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got)
	})

	t.Run("int to bool", func(t *testing.T) {
		got, err := Coerce(int64(1), KindBool)
		require.NoError(t, err)
		assert.Equal(t, true, got)
	})

	t.Run("int to float", func(t *testing.T) {
		got, err := Coerce(int64(3), KindFloat)
		require.NoError(t, err)
		assert.Equal(t, 3.0, got)
	})

	t.Run("fractional float is not an int", func(t *testing.T) {
		_, err := Coerce(2.5, KindInt)
		assert.Error(t, err)
	})

	t.Run("text timestamp", func(t *testing.T) {
		got, err := Coerce("2024-03-01 10:30:00", KindTime)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), got)
	})
}
