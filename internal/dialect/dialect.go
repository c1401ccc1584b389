// Package dialect describes the SQL flavours the generator can target: identifier
// quoting, parameter markers, paging syntax, lateral join support, literal
// rendering, cast type names and the method-to-function mapping used by the
// translator.
package dialect

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"relquery/internal/sqltype"
	"relquery/internal/sqlutil"
)

// LateralStyle is how a dialect expresses a correlated join.
type LateralStyle int

const (
	// LateralNone means correlated joins are not supported.
	LateralNone LateralStyle = iota
	// LateralJoin renders CROSS JOIN LATERAL.
	LateralJoin
	// LateralApply renders CROSS APPLY.
	LateralApply
)

// PagingStyle is how LIMIT/OFFSET are expressed.
type PagingStyle int

const (
	// PagingLimitOffset renders LIMIT n OFFSET m.
	PagingLimitOffset PagingStyle = iota
	// PagingOffsetFetch renders TOP(n) or OFFSET m ROWS FETCH NEXT n ROWS ONLY.
	PagingOffsetFetch
)

// Dialect is one SQL flavour. Dialect values are read-only once registered.
type Dialect struct {
	Name string
	// Driver is the database/sql driver name used to open connections, empty
	// when the dialect is explain-only.
	Driver      string
	Quote       sqlutil.QuoteStyle
	Placeholder sq.PlaceholderFormat
	// NamedParameters renders query parameters as @name markers bound with sql.Named.
	NamedParameters bool
	Lateral         LateralStyle
	Paging          PagingStyle
	// OffsetWithoutLimit is the LIMIT value emitted when only OFFSET is set; empty
	// when the dialect accepts a bare OFFSET.
	OffsetWithoutLimit string
	// BoolAsInt renders boolean literals as 1 and 0.
	BoolAsInt bool
	// UnicodeStrings prefixes string literals with N.
	UnicodeStrings bool
	// BackslashEscapes doubles backslashes in string literals.
	BackslashEscapes bool
	// ConcatFunc renders string concatenation as a function call instead of ||.
	ConcatFunc string

	castTypes map[sqltype.Kind]string
	methods   methodSet
}

// SupportsLateral reports whether correlated joins can be rendered.
func (d *Dialect) SupportsLateral() bool {
	return d.Lateral != LateralNone
}

// QuoteIdentifier quotes a single identifier.
func (d *Dialect) QuoteIdentifier(name string) string {
	return sqlutil.QuoteIdentifierStyle(name, d.Quote)
}

// QuoteQualified quotes a schema-qualified name.
func (d *Dialect) QuoteQualified(parts ...string) string {
	return sqlutil.QuoteQualified(d.Quote, parts...)
}

// BoolLiteral renders a boolean literal.
func (d *Dialect) BoolLiteral(b bool) string {
	switch {
	case d.BoolAsInt && b:
		return "1"
	case d.BoolAsInt:
		return "0"
	case b:
		return "TRUE"
	}
	return "FALSE"
}

// Literal renders v inline. The second result is false when v must be bound
// as a parameter instead.
func (d *Dialect) Literal(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "NULL", true
	case string:
		if d.BackslashEscapes {
			x = strings.ReplaceAll(x, `\`, `\\`)
		}
		if d.UnicodeStrings {
			return sqlutil.QuoteNString(x), true
		}
		return sqlutil.QuoteString(x), true
	case bool:
		return d.BoolLiteral(x), true
	case int:
		return strconv.Itoa(x), true
	case int8, int16, int32, int64, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case time.Time:
		if d.NamedParameters {
			return sqlutil.QuoteString(x.Format("2006-01-02T15:04:05.9999999")), true
		}
	case []byte:
		if d.NamedParameters {
			return "0x" + strings.ToUpper(hex.EncodeToString(x)), true
		}
	}
	return "", false
}

// CastType returns the SQL type name used to cast to kind.
func (d *Dialect) CastType(kind sqltype.Kind) (string, bool) {
	t, ok := d.castTypes[kind]
	return t, ok
}

var registry = map[string]*Dialect{}

func register(d *Dialect, aliases ...string) {
	registry[d.Name] = d
	for _, a := range aliases {
		registry[a] = d
	}
}

// Lookup returns the dialect registered under name (case-insensitive).
func Lookup(name string) (*Dialect, error) {
	d, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names lists the registered dialect names and aliases.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// WithLateral returns a copy of d with lateral support overridden.
func (d *Dialect) WithLateral(style LateralStyle) *Dialect {
	c := *d
	c.Lateral = style
	return &c
}

var (
	// MySQL also serves TiDB.
	MySQL = &Dialect{
		Name:               "mysql",
		Driver:             "mysql",
		Quote:              sqlutil.Backtick,
		Placeholder:        sq.Question,
		Paging:             PagingLimitOffset,
		OffsetWithoutLimit: "18446744073709551615",
		BackslashEscapes:   true,
		ConcatFunc:         "CONCAT",
		castTypes: map[sqltype.Kind]string{
			sqltype.KindInt:     "SIGNED",
			sqltype.KindFloat:   "DOUBLE",
			sqltype.KindDecimal: "DECIMAL(65,30)",
			sqltype.KindString:  "CHAR",
			sqltype.KindTime:    "DATETIME(6)",
			sqltype.KindBytes:   "BINARY",
			sqltype.KindJSON:    "JSON",
		},
		methods: mysqlMethods,
	}

	SQLite = &Dialect{
		Name:               "sqlite",
		Driver:             "sqlite",
		Quote:              sqlutil.DoubleQuote,
		Placeholder:        sq.Question,
		Paging:             PagingLimitOffset,
		OffsetWithoutLimit: "-1",
		BoolAsInt:          true,
		castTypes: map[sqltype.Kind]string{
			sqltype.KindInt:     "INTEGER",
			sqltype.KindFloat:   "REAL",
			sqltype.KindDecimal: "NUMERIC",
			sqltype.KindString:  "TEXT",
			sqltype.KindBool:    "INTEGER",
			sqltype.KindBytes:   "BLOB",
		},
		methods: sqliteMethods,
	}

	SQLServer = &Dialect{
		Name:            "sqlserver",
		Quote:           sqlutil.Bracket,
		Placeholder:     sq.AtP,
		NamedParameters: true,
		Lateral:         LateralApply,
		Paging:          PagingOffsetFetch,
		BoolAsInt:       true,
		UnicodeStrings:  true,
		ConcatFunc:      "CONCAT",
		castTypes: map[sqltype.Kind]string{
			sqltype.KindInt:     "bigint",
			sqltype.KindFloat:   "float",
			sqltype.KindDecimal: "decimal(18, 2)",
			sqltype.KindString:  "nvarchar(max)",
			sqltype.KindBool:    "bit",
			sqltype.KindTime:    "datetime2",
			sqltype.KindBytes:   "varbinary(max)",
		},
		methods: sqlServerMethods,
	}

	PostgreSQL = &Dialect{
		Name:        "postgres",
		Driver:      "pgx",
		Quote:       sqlutil.DoubleQuote,
		Placeholder: sq.Dollar,
		Lateral:     LateralJoin,
		Paging:      PagingLimitOffset,
		castTypes: map[sqltype.Kind]string{
			sqltype.KindInt:     "bigint",
			sqltype.KindFloat:   "double precision",
			sqltype.KindDecimal: "numeric",
			sqltype.KindString:  "text",
			sqltype.KindBool:    "boolean",
			sqltype.KindTime:    "timestamp",
			sqltype.KindBytes:   "bytea",
			sqltype.KindJSON:    "jsonb",
		},
		methods: postgresMethods,
	}

	DuckDB = &Dialect{
		Name:        "duckdb",
		Driver:      "duckdb",
		Quote:       sqlutil.DoubleQuote,
		Placeholder: sq.Question,
		Lateral:     LateralJoin,
		Paging:      PagingLimitOffset,
		castTypes: map[sqltype.Kind]string{
			sqltype.KindInt:     "BIGINT",
			sqltype.KindFloat:   "DOUBLE",
			sqltype.KindDecimal: "DECIMAL(18,3)",
			sqltype.KindString:  "VARCHAR",
			sqltype.KindBool:    "BOOLEAN",
			sqltype.KindTime:    "TIMESTAMP",
			sqltype.KindBytes:   "BLOB",
			sqltype.KindJSON:    "JSON",
		},
		methods: duckdbMethods,
	}
)

func init() {
	register(MySQL, "tidb")
	register(SQLite, "sqlite3")
	register(SQLServer, "mssql")
	register(PostgreSQL, "postgresql", "pgx")
	register(DuckDB)
}
