// Package naming converts SQL schema names into catalog names: entity type
// names, property names and navigation names.
package naming

import (
	"fmt"
	"log/slog"
	"strings"
)

// Namer turns SQL names into catalog names. Names handed out through the
// Register methods are unique per catalog build: entity type names across
// the catalog, member names within their type.
type Namer struct {
	config  Config
	logger  *slog.Logger
	types   nameSet
	members map[string]nameSet
}

// nameSet maps a claimed name to the source that claimed it.
type nameSet map[string]string

// claim registers name for source. A taken name gets the first free numeric
// suffix starting at 2.
func (s nameSet) claim(name, source string, logger *slog.Logger) string {
	existing, taken := s[name]
	if !taken {
		s[name] = source
		return name
	}
	for i := 2; ; i++ {
		suffixed := fmt.Sprintf("%s%d", name, i)
		if _, taken := s[suffixed]; !taken {
			logger.Warn("naming collision detected, applying suffix",
				slog.String("name", name),
				slog.String("renamed", suffixed),
				slog.String("existing_source", existing),
				slog.String("new_source", source),
			)
			s[suffixed] = source
			return suffixed
		}
	}
}

func (n *Namer) memberSet(typeName string) nameSet {
	set, ok := n.members[typeName]
	if !ok {
		set = nameSet{}
		n.members[typeName] = set
	}
	return set
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Namer{config: cfg, logger: logger}
	n.Reset()
	return n
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// Reset forgets every registered name so the namer can serve a new catalog
// build.
func (n *Namer) Reset() {
	n.types = nameSet{}
	n.members = map[string]nameSet{}
}

// EntityTypeName converts a table name to a singular PascalCase entity type name.
// Example: "gear_squads" -> "GearSquad"
func (n *Namer) EntityTypeName(tableName string) string {
	parts := splitTokens(tableName)
	if len(parts) == 0 {
		return ""
	}
	parts[len(parts)-1] = n.Singularize(parts[len(parts)-1])
	name := toPascalCase(strings.Join(parts, "_"))
	if isReservedTypeName(name) {
		n.logger.Warn("entity type name is reserved, auto-suffixed",
			slog.String("original", name),
			slog.String("renamed", name+"_"),
		)
		name += "_"
	}
	return name
}

// PropertyName converts a column name to a PascalCase property name.
// Example: "full_name" -> "FullName"
func (n *Namer) PropertyName(columnName string) string {
	return toPascalCase(columnName)
}

// ReferenceNavigationName generates the navigation name for a many-to-one
// relationship from the FK column name with common suffixes stripped.
// Example: "squad_id" -> "Squad", "leader_nickname" -> "LeaderNickname"
func (n *Namer) ReferenceNavigationName(fkColumn string) string {
	name := fkColumn
	for _, suffix := range []string{"_id", "_fk"} {
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			name = name[:len(name)-len(suffix)]
			break
		}
	}
	return n.PropertyName(name)
}

// CollectionNavigationName generates the navigation name for a one-to-many relationship.
// If isOnlyFK is true (single FK from source table), uses the pluralized entity name.
// Otherwise, prefixes with the FK-derived reference name for disambiguation.
// Example: isOnlyFK=true: "weapons" -> "Weapons"
// Example: isOnlyFK=false, fkColumn="leader_id": "gears" -> "LeaderGears"
func (n *Namer) CollectionNavigationName(sourceTable, fkColumn string, isOnlyFK bool) string {
	plural := n.Pluralize(n.EntityTypeName(sourceTable))
	if isOnlyFK {
		return plural
	}
	return n.ReferenceNavigationName(fkColumn) + plural
}

// RegisterEntityType registers an entity type name and returns the resolved name.
func (n *Namer) RegisterEntityType(tableName string) string {
	return n.types.claim(n.EntityTypeName(tableName), "table:"+tableName, n.logger)
}

// RegisterProperty registers a property name for an entity type and returns the resolved name.
func (n *Namer) RegisterProperty(typeName, columnName string) string {
	name := n.validateMemberAndSuffix(n.PropertyName(columnName))
	return n.memberSet(typeName).claim(name, "column:"+columnName, n.logger)
}

// RegisterNavigation registers a navigation name and returns the resolved name.
// A navigation that collides with a property gets a "Ref" (reference) or
// "Nav" (collection) suffix before numeric suffixes apply.
func (n *Namer) RegisterNavigation(typeName, name, source string, isReference bool) string {
	members := n.memberSet(typeName)
	if _, taken := members[name]; taken {
		if isReference {
			name += "Ref"
		} else {
			name += "Nav"
		}
	}
	name = n.validateMemberAndSuffix(name)
	return members.claim(name, "navigation:"+source, n.logger)
}

func (n *Namer) validateMemberAndSuffix(name string) string {
	if isReservedMemberName(name) {
		safeName := name + "_"
		n.logger.Warn("member name conflicts with reserved word, auto-suffixed",
			slog.String("original", name),
			slog.String("renamed", safeName),
		)
		return safeName
	}
	return name
}

func splitTokens(name string) []string {
	tokens := strings.Split(name, "_")
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if token == "" {
			continue
		}
		out = append(out, token)
	}
	return out
}

// toPascalCase converts snake_case to PascalCase
func toPascalCase(s string) string {
	parts := strings.Split(s, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, "")
}
