package compiler

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"reflect"
	"time"

	"relquery/internal/shaper"
)

// normalize widens integers to int64 and floats to float64.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	}
	return v
}

func toInt(v any) (int64, bool) {
	switch x := normalize(v).(type) {
	case int64:
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := normalize(v).(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// valueKey maps a value onto something MakeKey encodes identically for
// equal values: entities by type and key, integral floats as integers.
func valueKey(v any) any {
	switch x := normalize(v).(type) {
	case *shaper.Entity:
		if x == nil {
			return nil
		}
		return x.EntityType().Root().Name + "#" + string(x.Key())
	case *shaper.Record:
		parts := make([]any, len(x.Values()))
		for i, f := range x.Values() {
			parts[i] = valueKey(f)
		}
		return "rec:" + string(shaper.MakeKey(parts...))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<62 {
			return int64(x)
		}
		return x
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	default:
		return x
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return isNil(a) && isNil(b)
	}
	return compareValues(a, b) == 0 && sameFamily(normalize(a), normalize(b))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	if e, ok := v.(*shaper.Entity); ok {
		return e == nil
	}
	return false
}

func sameFamily(a, b any) bool {
	_, an := toFloat(a)
	_, bn := toFloat(b)
	if an || bn {
		return an && bn
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// compareValues orders values the way the client sorts them: nil first,
// numbers by value across widths, then by natural order of the type.
func compareValues(a, b any) int {
	a, b = normalize(a), normalize(b)
	switch {
	case isNil(a) && isNil(b):
		return 0
	case isNil(a):
		return -1
	case isNil(b):
		return 1
	}
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			return cmp.Compare(ai, bi)
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return cmp.Compare(af, bf)
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			}
			return 1
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case *shaper.Entity:
		if y, ok := b.(*shaper.Entity); ok {
			return cmp.Compare(fmt.Sprint(valueKey(x)), fmt.Sprint(valueKey(y)))
		}
	case *shaper.Record:
		if y, ok := b.(*shaper.Record); ok {
			xv, yv := x.Values(), y.Values()
			for i := 0; i < len(xv) && i < len(yv); i++ {
				if c := compareValues(xv[i], yv[i]); c != 0 {
					return c
				}
			}
			return cmp.Compare(len(xv), len(yv))
		}
	}
	if x, ok := a.([]byte); ok {
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y)
		}
	}
	return cmp.Compare(fmt.Sprintf("%T:%v", a, a), fmt.Sprintf("%T:%v", b, b))
}

// iterate walks a client-side sequence value.
func iterate(v any) iterSeq {
	return func(yield func(any, error) bool) {
		switch x := v.(type) {
		case nil:
			return
		case []any:
			for _, item := range x {
				if !yield(item, nil) {
					return
				}
			}
			return
		case []*shaper.Entity:
			for _, item := range x {
				if !yield(item, nil) {
					return
				}
			}
			return
		case string, []byte:
			yield(nil, fmt.Errorf("%w: %T is not a sequence", ErrInvalidOperation, v))
			return
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			yield(nil, fmt.Errorf("%w: %T is not a sequence", ErrInvalidOperation, v))
			return
		}
		for i := range rv.Len() {
			if !yield(rv.Index(i).Interface(), nil) {
				return
			}
		}
	}
}
