package dialect

import (
	qm "relquery/internal/querymodel"
	"relquery/internal/sqlexpr"
	"relquery/internal/sqltype"
)

type methodFunc func(target sqlexpr.Expr, args []sqlexpr.Expr) (sqlexpr.Expr, bool)

type methodSet map[qm.Method]methodFunc

// TranslateMethod maps a recognised method call onto SQL. The second result is
// false when the dialect has no translation for the call.
func (d *Dialect) TranslateMethod(m qm.Method, target sqlexpr.Expr, args []sqlexpr.Expr) (sqlexpr.Expr, bool) {
	f, ok := d.methods[m]
	if !ok {
		return nil, false
	}
	return f(target, args)
}

// profile captures the function spellings that differ between dialects.
type profile struct {
	// position returns the 1-based index of needle in haystack, 0 when absent.
	position  func(haystack, needle sqlexpr.Expr) sqlexpr.Expr
	length    string
	substr    string
	prefix    func(s, n sqlexpr.Expr) sqlexpr.Expr
	suffix    func(s, n sqlexpr.Expr) sqlexpr.Expr
	trim      func(s sqlexpr.Expr) sqlexpr.Expr
	datePart  func(part string, value sqlexpr.Expr) sqlexpr.Expr
	ceiling   string
	floor     string
	roundArgs int
}

func call(name string, kind sqltype.Kind, args ...sqlexpr.Expr) *sqlexpr.Function {
	nullable := false
	for _, a := range args {
		if sqlexpr.Nullable(a) {
			nullable = true
		}
	}
	return &sqlexpr.Function{Name: name, Args: args, Kind: kind, Nullable: nullable}
}

func intConst(n int64) *sqlexpr.Constant {
	return &sqlexpr.Constant{Value: n}
}

func plus(e sqlexpr.Expr, n int64) sqlexpr.Expr {
	if c, ok := e.(*sqlexpr.Constant); ok {
		if v, ok := c.Value.(int64); ok {
			return intConst(v + n)
		}
	}
	if n < 0 {
		return &sqlexpr.Binary{Op: sqlexpr.OpSub, Left: e, Right: intConst(-n)}
	}
	return &sqlexpr.Binary{Op: sqlexpr.OpAdd, Left: e, Right: intConst(n)}
}

func arity(n int, f func(t sqlexpr.Expr, args []sqlexpr.Expr) sqlexpr.Expr) methodFunc {
	return func(t sqlexpr.Expr, args []sqlexpr.Expr) (sqlexpr.Expr, bool) {
		if len(args) != n {
			return nil, false
		}
		return f(t, args), true
	}
}

var dateParts = map[qm.Method]string{
	qm.MethodDateYear:   "year",
	qm.MethodDateMonth:  "month",
	qm.MethodDateDay:    "day",
	qm.MethodDateHour:   "hour",
	qm.MethodDateMinute: "minute",
	qm.MethodDateSecond: "second",
}

func (p profile) methods() methodSet {
	ms := methodSet{
		qm.MethodStringContains: arity(1, func(t sqlexpr.Expr, a []sqlexpr.Expr) sqlexpr.Expr {
			return &sqlexpr.Binary{Op: sqlexpr.OpGt, Left: p.position(t, a[0]), Right: intConst(0)}
		}),
		qm.MethodStartsWith: arity(1, func(t sqlexpr.Expr, a []sqlexpr.Expr) sqlexpr.Expr {
			return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: p.prefix(t, call(p.length, sqltype.KindInt, a[0])), Right: a[0]}
		}),
		qm.MethodEndsWith: arity(1, func(t sqlexpr.Expr, a []sqlexpr.Expr) sqlexpr.Expr {
			return &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: p.suffix(t, call(p.length, sqltype.KindInt, a[0])), Right: a[0]}
		}),
		qm.MethodIndexOf: arity(1, func(t sqlexpr.Expr, a []sqlexpr.Expr) sqlexpr.Expr {
			return plus(p.position(t, a[0]), -1)
		}),
		qm.MethodToUpper: arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call("UPPER", sqltype.KindString, t)
		}),
		qm.MethodToLower: arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call("LOWER", sqltype.KindString, t)
		}),
		qm.MethodTrim: arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return p.trim(t)
		}),
		qm.MethodLength: arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call(p.length, sqltype.KindInt, t)
		}),
		qm.MethodReplace: arity(2, func(t sqlexpr.Expr, a []sqlexpr.Expr) sqlexpr.Expr {
			return call("REPLACE", sqltype.KindString, t, a[0], a[1])
		}),
		qm.MethodSubstring: func(t sqlexpr.Expr, a []sqlexpr.Expr) (sqlexpr.Expr, bool) {
			switch len(a) {
			case 1:
				return call(p.substr, sqltype.KindString, t, plus(a[0], 1), call(p.length, sqltype.KindInt, t)), true
			case 2:
				return call(p.substr, sqltype.KindString, t, plus(a[0], 1), a[1]), true
			}
			return nil, false
		},
		qm.MethodAbs: arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call("ABS", sqlexpr.KindOf(t), t)
		}),
		qm.MethodRound: func(t sqlexpr.Expr, a []sqlexpr.Expr) (sqlexpr.Expr, bool) {
			switch {
			case len(a) == 0 && p.roundArgs == 2:
				return call("ROUND", sqlexpr.KindOf(t), t, intConst(0)), true
			case len(a) == 0:
				return call("ROUND", sqlexpr.KindOf(t), t), true
			case len(a) == 1 && p.roundArgs > 0:
				return call("ROUND", sqlexpr.KindOf(t), t, a[0]), true
			}
			return nil, false
		},
	}
	if p.ceiling != "" {
		ms[qm.MethodCeiling] = arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call(p.ceiling, sqlexpr.KindOf(t), t)
		})
	}
	if p.floor != "" {
		ms[qm.MethodFloor] = arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return call(p.floor, sqlexpr.KindOf(t), t)
		})
	}
	for m, part := range dateParts {
		ms[m] = arity(0, func(t sqlexpr.Expr, _ []sqlexpr.Expr) sqlexpr.Expr {
			return p.datePart(part, t)
		})
	}
	return ms
}

func leftRight() (func(s, n sqlexpr.Expr) sqlexpr.Expr, func(s, n sqlexpr.Expr) sqlexpr.Expr) {
	return func(s, n sqlexpr.Expr) sqlexpr.Expr { return call("LEFT", sqltype.KindString, s, n) },
		func(s, n sqlexpr.Expr) sqlexpr.Expr { return call("RIGHT", sqltype.KindString, s, n) }
}

func trimFunc(s sqlexpr.Expr) sqlexpr.Expr {
	return call("TRIM", sqltype.KindString, s)
}

var mysqlMethods = func() methodSet {
	left, right := leftRight()
	return profile{
		position: func(h, n sqlexpr.Expr) sqlexpr.Expr { return call("LOCATE", sqltype.KindInt, n, h) },
		length:   "CHAR_LENGTH",
		substr:   "SUBSTRING",
		prefix:   left,
		suffix:   right,
		trim:     trimFunc,
		datePart: func(part string, v sqlexpr.Expr) sqlexpr.Expr {
			name := map[string]string{"year": "YEAR", "month": "MONTH", "day": "DAYOFMONTH", "hour": "HOUR", "minute": "MINUTE", "second": "SECOND"}[part]
			return call(name, sqltype.KindInt, v)
		},
		ceiling:   "CEILING",
		floor:     "FLOOR",
		roundArgs: 1,
	}.methods()
}()

var sqliteMethods = func() methodSet {
	return profile{
		position: func(h, n sqlexpr.Expr) sqlexpr.Expr { return call("instr", sqltype.KindInt, h, n) },
		length:   "length",
		substr:   "substr",
		prefix: func(s, n sqlexpr.Expr) sqlexpr.Expr {
			return call("substr", sqltype.KindString, s, intConst(1), n)
		},
		suffix: func(s, n sqlexpr.Expr) sqlexpr.Expr {
			return call("substr", sqltype.KindString, s, &sqlexpr.Negate{Operand: n})
		},
		trim: func(s sqlexpr.Expr) sqlexpr.Expr { return call("trim", sqltype.KindString, s) },
		datePart: func(part string, v sqlexpr.Expr) sqlexpr.Expr {
			format := map[string]string{"year": "%Y", "month": "%m", "day": "%d", "hour": "%H", "minute": "%M", "second": "%S"}[part]
			return &sqlexpr.Cast{Operand: call("strftime", sqltype.KindString, &sqlexpr.Constant{Value: format}, v), Kind: sqltype.KindInt}
		},
		roundArgs: 1,
	}.methods()
}()

var sqlServerMethods = func() methodSet {
	left, right := leftRight()
	return profile{
		position: func(h, n sqlexpr.Expr) sqlexpr.Expr { return call("CHARINDEX", sqltype.KindInt, n, h) },
		length:   "LEN",
		substr:   "SUBSTRING",
		prefix:   left,
		suffix:   right,
		trim: func(s sqlexpr.Expr) sqlexpr.Expr {
			return call("LTRIM", sqltype.KindString, call("RTRIM", sqltype.KindString, s))
		},
		datePart: func(part string, v sqlexpr.Expr) sqlexpr.Expr {
			return call("DATEPART", sqltype.KindInt, &sqlexpr.Keyword{Text: part}, v)
		},
		ceiling:   "CEILING",
		floor:     "FLOOR",
		roundArgs: 2,
	}.methods()
}()

var postgresMethods = func() methodSet {
	left, right := leftRight()
	return profile{
		position: func(h, n sqlexpr.Expr) sqlexpr.Expr { return call("strpos", sqltype.KindInt, h, n) },
		length:   "length",
		substr:   "substr",
		prefix:   left,
		suffix:   right,
		trim:     trimFunc,
		datePart: func(part string, v sqlexpr.Expr) sqlexpr.Expr {
			extracted := sqlexpr.Expr(call("date_part", sqltype.KindFloat, &sqlexpr.Constant{Value: part}, v))
			if part == "second" {
				extracted = call("floor", sqltype.KindFloat, extracted)
			}
			return &sqlexpr.Cast{Operand: extracted, Kind: sqltype.KindInt}
		},
		ceiling: "CEIL",
		floor:   "FLOOR",
	}.methods()
}()

var duckdbMethods = func() methodSet {
	left, right := leftRight()
	return profile{
		position: func(h, n sqlexpr.Expr) sqlexpr.Expr { return call("strpos", sqltype.KindInt, h, n) },
		length:   "length",
		substr:   "substr",
		prefix:   left,
		suffix:   right,
		trim:     trimFunc,
		datePart: func(part string, v sqlexpr.Expr) sqlexpr.Expr {
			return call("date_part", sqltype.KindInt, &sqlexpr.Constant{Value: part}, v)
		},
		ceiling:   "CEIL",
		floor:     "FLOOR",
		roundArgs: 1,
	}.methods()
}()
