// Package sqlutil provides SQL quoting helpers shared by the dialects and the catalog loader.
package sqlutil

import "strings"

// QuoteStyle selects how identifiers are delimited.
type QuoteStyle int

const (
	// Backtick quotes identifiers MySQL-style: `name`.
	Backtick QuoteStyle = iota
	// DoubleQuote quotes identifiers ANSI-style: "name".
	DoubleQuote
	// Bracket quotes identifiers SQL Server-style: [name].
	Bracket
)

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with backticks and escapes any backticks within the identifier.
func QuoteIdentifier(name string) string {
	return QuoteIdentifierStyle(name, Backtick)
}

// QuoteIdentifierStyle quotes a SQL identifier using the given delimiter style.
// The closing delimiter is escaped by doubling it.
func QuoteIdentifierStyle(name string, style QuoteStyle) string {
	switch style {
	case DoubleQuote:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	case Bracket:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
	default:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
}

// QuoteQualified quotes a possibly schema-qualified name, joining parts with a dot.
// Empty parts are skipped.
func QuoteQualified(style QuoteStyle, parts ...string) string {
	quoted := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		quoted = append(quoted, QuoteIdentifierStyle(part, style))
	}
	return strings.Join(quoted, ".")
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}

// QuoteNString quotes a Unicode string literal (N'...').
func QuoteNString(s string) string {
	return "N" + QuoteString(s)
}
