package naming

import "strings"

// OuterParameterPrefix prefixes parameters injected from an enclosing row
// into a correlated sub-query. Catalog names may not start with it.
const OuterParameterPrefix = "_outer_"

// reservedMemberNames are names the query document format uses for its own keys.
var reservedMemberNames = map[string]bool{
	"key":      true,
	"elements": true,
	"outer":    true,
	"inner":    true,
}

// isReservedMemberName checks if a property or navigation name is reserved.
func isReservedMemberName(name string) bool {
	lowerName := strings.ToLower(name)
	if strings.HasPrefix(lowerName, OuterParameterPrefix) || strings.HasPrefix(lowerName, "__") {
		return true
	}
	return reservedMemberNames[lowerName]
}

// isReservedTypeName checks if an entity type name is reserved.
func isReservedTypeName(name string) bool {
	return strings.HasPrefix(name, "__")
}
