// Package schemafilter trims an introspected schema with allow and deny glob
// patterns before entity types are derived from it.
package schemafilter

import (
	"fmt"
	"path"
	"strings"

	"relquery/internal/catalog"
)

// Config lists glob patterns, matched case-insensitively. Column pattern
// maps are keyed by table name; the "*" key applies to every table.
type Config struct {
	AllowTables  []string            `mapstructure:"allow_tables"`
	DenyTables   []string            `mapstructure:"deny_tables"`
	AllowColumns map[string][]string `mapstructure:"allow_columns"`
	DenyColumns  map[string][]string `mapstructure:"deny_columns"`
}

// Validate reports the first malformed pattern.
func (c Config) Validate() error {
	check := func(where string, patterns []string) error {
		for _, p := range patterns {
			if _, err := path.Match(p, ""); err != nil {
				return fmt.Errorf("%s: invalid glob pattern %q", where, p)
			}
		}
		return nil
	}
	if err := check("allow_tables", c.AllowTables); err != nil {
		return err
	}
	if err := check("deny_tables", c.DenyTables); err != nil {
		return err
	}
	for table, patterns := range c.AllowColumns {
		if err := check("allow_columns."+table, patterns); err != nil {
			return err
		}
	}
	for table, patterns := range c.DenyColumns {
		if err := check("deny_columns."+table, patterns); err != nil {
			return err
		}
	}
	return nil
}

// Report lists what Apply removed.
type Report struct {
	Tables      []string
	Columns     []string // table.column
	ForeignKeys []string // table.constraint
}

// Empty reports whether nothing was removed.
func (r Report) Empty() bool {
	return len(r.Tables) == 0 && len(r.Columns) == 0 && len(r.ForeignKeys) == 0
}

// patterns is one allow/deny pair. An empty allow list allows everything;
// deny always wins.
type patterns struct {
	allow, deny []string
}

func (p patterns) admits(name string) bool {
	if matchesAny(name, p.deny) {
		return false
	}
	return len(p.allow) == 0 || matchesAny(name, p.allow)
}

func (c Config) columnPatterns(table string) patterns {
	pick := func(m map[string][]string) []string {
		var out []string
		out = append(out, m["*"]...)
		if table != "*" {
			out = append(out, m[table]...)
		}
		return out
	}
	return patterns{allow: pick(c.AllowColumns), deny: pick(c.DenyColumns)}
}

// Apply filters schema in place and reports what it removed. Primary key
// columns are never filtered. A table left without columns is dropped, and a
// foreign key is dropped as a whole when any column on either side is gone.
func Apply(schema *catalog.Schema, cfg Config) Report {
	var report Report
	if schema == nil {
		return report
	}
	tables := patterns{allow: cfg.AllowTables, deny: cfg.DenyTables}

	// surviving columns per surviving table
	kept := make(map[string]map[string]bool, len(schema.Tables))
	out := schema.Tables[:0]
	for _, table := range schema.Tables {
		if !tables.admits(table.Name) {
			report.Tables = append(report.Tables, table.Name)
			continue
		}
		cols := cfg.columnPatterns(table.Name)
		columns := table.Columns[:0]
		names := make(map[string]bool, len(table.Columns))
		for _, col := range table.Columns {
			if !col.IsPrimaryKey && !cols.admits(col.Name) {
				report.Columns = append(report.Columns, table.Name+"."+col.Name)
				continue
			}
			columns = append(columns, col)
			names[col.Name] = true
		}
		if len(columns) == 0 {
			report.Tables = append(report.Tables, table.Name)
			continue
		}
		table.Columns = columns
		kept[table.Name] = names
		out = append(out, table)
	}
	schema.Tables = out

	for i := range schema.Tables {
		table := &schema.Tables[i]
		var dropped []string
		table.ForeignKeys, dropped = keepResolvable(table.Name, table.ForeignKeys, kept)
		for _, name := range dropped {
			report.ForeignKeys = append(report.ForeignKeys, table.Name+"."+name)
		}
	}
	return report
}

func keepResolvable(table string, fks []catalog.ForeignKeyColumn, kept map[string]map[string]bool) ([]catalog.ForeignKeyColumn, []string) {
	broken := make(map[string]bool)
	var dropped []string
	for _, fk := range fks {
		if kept[table][fk.ColumnName] && kept[fk.ReferencedTable][fk.ReferencedColumn] {
			continue
		}
		if !broken[fk.ConstraintName] {
			broken[fk.ConstraintName] = true
			dropped = append(dropped, fk.ConstraintName)
		}
	}
	if len(broken) == 0 {
		return fks, nil
	}
	out := make([]catalog.ForeignKeyColumn, 0, len(fks))
	for _, fk := range fks {
		if !broken[fk.ConstraintName] {
			out = append(out, fk)
		}
	}
	return out, dropped
}

func matchesAny(value string, patterns []string) bool {
	value = strings.ToLower(value)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if ok, err := path.Match(strings.ToLower(pattern), value); err == nil && ok {
			return true
		}
	}
	return false
}
