package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForeignKeyConstraints_GroupsByConstraintName(t *testing.T) {
	table := Table{
		Name: "gears",
		ForeignKeys: []ForeignKeyColumn{
			{ConstraintName: "fk_leader", ColumnName: "leader_squad_id", ReferencedTable: "gears", ReferencedColumn: "squad_id", OrdinalPosition: 2},
			{ConstraintName: "fk_leader", ColumnName: "leader_nickname", ReferencedTable: "gears", ReferencedColumn: "nickname", OrdinalPosition: 1},
			{ConstraintName: "fk_city", ColumnName: "city_name", ReferencedTable: "cities", ReferencedColumn: "name", OrdinalPosition: 1},
		},
	}

	got := ForeignKeyConstraints(table)
	require.Len(t, got, 2)
	assert.Equal(t, "fk_city", got[0].ConstraintName)
	assert.Equal(t, "fk_leader", got[1].ConstraintName)
	assert.Equal(t, []string{"leader_nickname", "leader_squad_id"}, got[1].ColumnNames)
	assert.Equal(t, []string{"nickname", "squad_id"}, got[1].ReferencedColumns)
}

func TestForeignKeyConstraints_UnnamedRowsStayIsolated(t *testing.T) {
	table := Table{
		Name: "weapons",
		ForeignKeys: []ForeignKeyColumn{
			{ColumnName: "owner_name", ReferencedTable: "gears", ReferencedColumn: "full_name"},
			{ColumnName: "maker_name", ReferencedTable: "gears", ReferencedColumn: "full_name"},
		},
	}

	got := ForeignKeyConstraints(table)
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ColumnNames[0], got[1].ColumnNames[0])
}
