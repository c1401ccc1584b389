// Package sqltype provides a shared mapping from SQL data types to value kinds.
// The catalog, the translator and the shapers all agree on these kinds, which keeps
// column typing consistent between SQL generation and row materialization.
package sqltype

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind is the value category of a column or expression.
type Kind int

const (
	// KindUnknown is used for expressions whose type cannot be inferred.
	KindUnknown Kind = iota
	// KindString is the default for text and unrecognised SQL types.
	KindString
	// KindInt represents integer numeric types (including enums stored as integers).
	KindInt
	// KindFloat represents floating-point types.
	KindFloat
	// KindDecimal represents fixed-point types.
	KindDecimal
	// KindBool represents boolean types.
	KindBool
	// KindTime represents date and time types.
	KindTime
	// KindBytes represents binary types.
	KindBytes
	// KindJSON represents JSON documents.
	KindJSON
)

// MapDataType converts a SQL data type string to its value kind.
// The input is case-insensitive. Size specifiers like (10,2) or (255) are stripped before matching.
func MapDataType(sqlType string) Kind {
	if idx := strings.Index(sqlType, "("); idx != -1 {
		sqlType = sqlType[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(sqlType)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT",
		"INTEGER", "BIGINT", "SERIAL", "BIGSERIAL", "INT2", "INT4", "INT8":
		return KindInt
	case "FLOAT", "DOUBLE", "REAL", "DOUBLE PRECISION", "FLOAT4", "FLOAT8":
		return KindFloat
	case "DECIMAL", "NUMERIC", "MONEY":
		return KindDecimal
	case "BOOL", "BOOLEAN", "BIT":
		return KindBool
	case "JSON", "JSONB":
		return KindJSON
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB",
		"BINARY", "VARBINARY", "BYTEA":
		return KindBytes
	case "DATE", "DATETIME", "DATETIME2", "TIMESTAMP", "TIMESTAMPTZ", "TIME":
		return KindTime
	default:
		return KindString
	}
}

// ParseKind resolves a kind from its catalog spelling (e.g. "int", "string").
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "text":
		return KindString, nil
	case "int", "integer", "long", "enum":
		return KindInt, nil
	case "float", "double":
		return KindFloat, nil
	case "decimal":
		return KindDecimal, nil
	case "bool", "boolean":
		return KindBool, nil
	case "time", "datetime", "date":
		return KindTime, nil
	case "bytes", "binary":
		return KindBytes, nil
	case "json":
		return KindJSON, nil
	case "":
		return KindUnknown, nil
	}
	return KindUnknown, fmt.Errorf("unknown value kind %q", name)
}

// String returns the catalog spelling of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether arithmetic and aggregate functions apply to the kind.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat || k == KindDecimal
}

// Coerce normalizes a driver value into the Go representation used for kind.
// Drivers disagree on representations ([]byte for text, int64 for booleans);
// shapers call this so that client-side evaluation sees one shape per kind.
func Coerce(value any, kind Kind) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch kind {
	case KindString, KindJSON:
		switch v := value.(type) {
		case []byte:
			return string(v), nil
		case string:
			return v, nil
		default:
			return fmt.Sprint(v), nil
		}
	case KindInt:
		return toInt64(value)
	case KindFloat, KindDecimal:
		return toFloat64(value)
	case KindBool:
		return toBool(value)
	case KindTime:
		return toTime(value)
	case KindBytes:
		if s, ok := value.(string); ok {
			return []byte(s), nil
		}
		return value, nil
	default:
		if b, ok := value.([]byte); ok {
			return string(b), nil
		}
		return value, nil
	}
}

func toInt64(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", v)
		}
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("value %v is not an integer", v)
		}
		return int64(v), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to int", value)
}

func toFloat64(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	}
	i, err := toInt64(value)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to float", value)
	}
	return float64(i.(int64)), nil
}

func toBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case []byte:
		return strconv.ParseBool(string(v))
	case string:
		return strconv.ParseBool(v)
	}
	i, err := toInt64(value)
	if err != nil {
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	}
	return i.(int64) != 0, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(value any) (any, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case []byte:
		return parseTime(string(v))
	case string:
		return parseTime(v)
	}
	return nil, fmt.Errorf("cannot convert %T to time", value)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as time", s)
}
