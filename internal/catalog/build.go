package catalog

import (
	"context"
	"log/slog"

	"relquery/internal/naming"
	"relquery/internal/sqltype"
)

// FromSchema derives entity types from an introspected schema. Every table with a primary key
// becomes an entity type; every foreign key constraint becomes a reference navigation on the
// dependent type and a collection navigation on the principal type.
func FromSchema(ctx context.Context, schema *Schema, namer *naming.Namer, logger *slog.Logger) (*Catalog, error) {
	_, span := startSpan(ctx, "catalog.build")
	defer span.End()

	if namer == nil {
		namer = naming.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	namer.Reset()

	byTable := make(map[string]*EntityType)
	propByColumn := make(map[string]map[string]string)
	var types []*EntityType

	for _, table := range schema.Tables {
		var key []string
		et := &EntityType{Table: table.Name}
		et.Name = namer.RegisterEntityType(table.Name)
		columns := make(map[string]string, len(table.Columns))
		for _, col := range table.Columns {
			name := namer.RegisterProperty(et.Name, col.Name)
			columns[col.Name] = name
			et.Properties = append(et.Properties, &Property{
				Name:     name,
				Column:   col.Name,
				Kind:     sqltype.MapDataType(col.DataType),
				Nullable: col.IsNullable,
			})
			if col.IsPrimaryKey {
				key = append(key, name)
			}
		}
		if len(key) == 0 {
			logger.Warn("skipping table without primary key", slog.String("table", table.Name))
			continue
		}
		et.PrimaryKey = key
		byTable[table.Name] = et
		propByColumn[table.Name] = columns
		types = append(types, et)
	}

	fkCount := make(map[string]map[string]int)
	for _, table := range schema.Tables {
		for _, fk := range ForeignKeyConstraints(table) {
			if fkCount[table.Name] == nil {
				fkCount[table.Name] = make(map[string]int)
			}
			fkCount[table.Name][fk.ReferencedTable]++
		}
	}

	for _, table := range schema.Tables {
		dependent, ok := byTable[table.Name]
		if !ok {
			continue
		}
		for _, fk := range ForeignKeyConstraints(table) {
			principal, ok := byTable[fk.ReferencedTable]
			if !ok || len(fk.ColumnNames) != len(fk.ReferencedColumns) {
				logger.Warn("skipping foreign key",
					slog.String("table", table.Name),
					slog.String("constraint", fk.ConstraintName),
				)
				continue
			}
			source := mapColumns(propByColumn[table.Name], fk.ColumnNames)
			target := mapColumns(propByColumn[fk.ReferencedTable], fk.ReferencedColumns)

			refName := namer.RegisterNavigation(dependent.Name, namer.ReferenceNavigationName(fk.ColumnNames[0]), fk.ConstraintName, true)
			isOnlyFK := fkCount[table.Name][fk.ReferencedTable] == 1
			collName := namer.RegisterNavigation(principal.Name,
				namer.CollectionNavigationName(table.Name, fk.ColumnNames[0], isOnlyFK), fk.ConstraintName, false)

			dependent.Navigations = append(dependent.Navigations, &Navigation{
				Name:             refName,
				Target:           principal.Name,
				SourceProperties: source,
				TargetProperties: target,
				Inverse:          collName,
			})
			principal.Navigations = append(principal.Navigations, &Navigation{
				Name:             collName,
				Target:           dependent.Name,
				IsCollection:     true,
				SourceProperties: target,
				TargetProperties: source,
				Inverse:          refName,
			})
			dependent.ForeignKeys = append(dependent.ForeignKeys, ForeignKey{
				Name:                fk.ConstraintName,
				Properties:          source,
				PrincipalType:       principal.Name,
				PrincipalProperties: target,
			})
		}
	}

	cat, err := New(types...)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return cat, nil
}

func mapColumns(props map[string]string, columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = props[c]
	}
	return out
}
