package catalog

import (
	"cmp"
	"slices"
)

// ForeignKeyConstraint is one foreign key with its columns in ordinal order.
type ForeignKeyConstraint struct {
	ConstraintName    string
	ReferencedTable   string
	ColumnNames       []string
	ReferencedColumns []string
}

// ForeignKeyConstraints groups the per-column foreign key rows of table into
// constraints, ordered by constraint name. Rows without a constraint name
// each form their own single-column constraint, after the named ones.
func ForeignKeyConstraints(table Table) []ForeignKeyConstraint {
	var named, unnamed []ForeignKeyConstraint
	byName := make(map[string][]ForeignKeyColumn)
	var order []string
	for _, fk := range table.ForeignKeys {
		if fk.ConstraintName == "" {
			unnamed = append(unnamed, ForeignKeyConstraint{
				ReferencedTable:   fk.ReferencedTable,
				ColumnNames:       []string{fk.ColumnName},
				ReferencedColumns: []string{fk.ReferencedColumn},
			})
			continue
		}
		if _, seen := byName[fk.ConstraintName]; !seen {
			order = append(order, fk.ConstraintName)
		}
		byName[fk.ConstraintName] = append(byName[fk.ConstraintName], fk)
	}

	slices.Sort(order)
	for _, name := range order {
		cols := byName[name]
		slices.SortStableFunc(cols, func(a, b ForeignKeyColumn) int {
			return cmp.Compare(a.OrdinalPosition, b.OrdinalPosition)
		})
		c := ForeignKeyConstraint{ConstraintName: name, ReferencedTable: cols[0].ReferencedTable}
		for _, col := range cols {
			c.ColumnNames = append(c.ColumnNames, col.ColumnName)
			c.ReferencedColumns = append(c.ReferencedColumns, col.ReferencedColumn)
		}
		named = append(named, c)
	}
	return append(named, unnamed...)
}
