// Package catalog holds the read-only entity metadata consumed by the query compiler:
// entity types, properties, keys, navigations and single-table inheritance hierarchies.
// A Catalog is immutable once built and safe for concurrent reads.
package catalog

import (
	"errors"
	"fmt"
	"slices"

	"relquery/internal/sqltype"
)

// ErrInvalidCatalog is returned when entity metadata fails validation.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Property is a scalar member of an entity type mapped to one column.
type Property struct {
	Name     string
	Column   string
	Kind     sqltype.Kind
	Nullable bool
	// DeclaringType is set when the property is added to a catalog.
	DeclaringType *EntityType
}

// Navigation is a relationship member of an entity type.
// The join condition is SourceProperties[i] (declaring type) == TargetProperties[i] (target type).
type Navigation struct {
	Name             string
	Target           string
	IsCollection     bool
	SourceProperties []string
	TargetProperties []string
	// Inverse names the navigation on the target type that points back, if any.
	Inverse string

	DeclaringType *EntityType
	target        *EntityType
}

// TargetType returns the entity type the navigation points to.
func (n *Navigation) TargetType() *EntityType {
	return n.target
}

// ForeignKey maps dependent properties to the principal type's key.
type ForeignKey struct {
	Name                string
	Properties          []string
	PrincipalType       string
	PrincipalProperties []string
}

// EntityType describes one mapped type. Derived types in a hierarchy share the root's table.
type EntityType struct {
	Name   string
	Schema string
	Table  string
	// BaseType names the parent type for single-table inheritance.
	BaseType string
	Abstract bool

	Properties  []*Property
	Navigations []*Navigation
	// PrimaryKey lists key property names; only the hierarchy root declares it.
	PrimaryKey  []string
	ForeignKeys []ForeignKey

	// DiscriminatorProperty is declared on the hierarchy root.
	DiscriminatorProperty string
	DiscriminatorValue    any

	base    *EntityType
	derived []*EntityType
}

// Root returns the top of the inheritance hierarchy.
func (e *EntityType) Root() *EntityType {
	root := e
	for root.base != nil {
		root = root.base
	}
	return root
}

// Base returns the parent type, or nil for a root.
func (e *EntityType) Base() *EntityType {
	return e.base
}

// DerivedTypes returns the direct children of the type.
func (e *EntityType) DerivedTypes() []*EntityType {
	return e.derived
}

// TableName returns the table the type maps to (the root's table for derived types).
func (e *EntityType) TableName() string {
	return e.Root().Table
}

// SchemaName returns the schema the type maps to.
func (e *EntityType) SchemaName() string {
	return e.Root().Schema
}

// InHierarchy reports whether the type participates in an inheritance hierarchy.
func (e *EntityType) InHierarchy() bool {
	root := e.Root()
	return len(root.derived) > 0 || root.DiscriminatorProperty != ""
}

// IsAssignableFrom reports whether other is e or one of its descendants.
func (e *EntityType) IsAssignableFrom(other *EntityType) bool {
	for t := other; t != nil; t = t.base {
		if t == e {
			return true
		}
	}
	return false
}

// FindProperty looks up a property declared on the type or any of its base types.
func (e *EntityType) FindProperty(name string) *Property {
	for t := e; t != nil; t = t.base {
		for _, p := range t.Properties {
			if p.Name == name {
				return p
			}
		}
	}
	return nil
}

// FindPropertyInHierarchy looks up a property on the type, its bases, or any derived type.
// Derived properties share the root table, so their columns are addressable from a base query.
func (e *EntityType) FindPropertyInHierarchy(name string) *Property {
	if p := e.FindProperty(name); p != nil {
		return p
	}
	for _, d := range e.derived {
		if p := d.FindPropertyInHierarchy(name); p != nil {
			return p
		}
	}
	return nil
}

// IsPropertyNullable reports whether p may read as NULL for rows of e. Columns of
// derived types are NULL for sibling types sharing the table.
func (e *EntityType) IsPropertyNullable(p *Property) bool {
	return p.Nullable || !p.DeclaringType.IsAssignableFrom(e)
}

// FindNavigation looks up a navigation declared on the type or any of its base types.
func (e *EntityType) FindNavigation(name string) *Navigation {
	for t := e; t != nil; t = t.base {
		for _, n := range t.Navigations {
			if n.Name == name {
				return n
			}
		}
	}
	return nil
}

// FindNavigationInHierarchy also searches derived types.
func (e *EntityType) FindNavigationInHierarchy(name string) *Navigation {
	if n := e.FindNavigation(name); n != nil {
		return n
	}
	for _, d := range e.derived {
		if n := d.FindNavigationInHierarchy(name); n != nil {
			return n
		}
	}
	return nil
}

// FindPrimaryKey returns the key properties in key order.
func (e *EntityType) FindPrimaryKey() []*Property {
	root := e.Root()
	key := make([]*Property, 0, len(root.PrimaryKey))
	for _, name := range root.PrimaryKey {
		key = append(key, root.FindProperty(name))
	}
	return key
}

// Discriminator returns the discriminator property, or nil when the hierarchy has none.
func (e *EntityType) Discriminator() *Property {
	root := e.Root()
	if root.DiscriminatorProperty == "" {
		return nil
	}
	return root.FindProperty(root.DiscriminatorProperty)
}

// AllProperties returns base properties first, then the type's own.
func (e *EntityType) AllProperties() []*Property {
	if e.base == nil {
		return e.Properties
	}
	return append(slices.Clone(e.base.AllProperties()), e.Properties...)
}

// HierarchyProperties returns every property of the type, its bases and its descendants,
// in a stable order (root first, then depth-first through derived types).
func (e *EntityType) HierarchyProperties() []*Property {
	props := slices.Clone(e.AllProperties())
	var walk func(t *EntityType)
	walk = func(t *EntityType) {
		for _, d := range t.derived {
			props = append(props, d.Properties...)
			walk(d)
		}
	}
	walk(e)
	return props
}

// ConcreteTypesInHierarchy returns the type and all its descendants that are not abstract.
func (e *EntityType) ConcreteTypesInHierarchy() []*EntityType {
	var types []*EntityType
	var walk func(t *EntityType)
	walk = func(t *EntityType) {
		if !t.Abstract {
			types = append(types, t)
		}
		for _, d := range t.derived {
			walk(d)
		}
	}
	walk(e)
	return types
}

// Catalog is an immutable set of entity types.
type Catalog struct {
	types []*EntityType
	index map[string]*EntityType
}

// New links and validates entity types into a catalog.
func New(types ...*EntityType) (*Catalog, error) {
	c := &Catalog{index: make(map[string]*EntityType, len(types))}
	for _, t := range types {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: entity type with empty name", ErrInvalidCatalog)
		}
		if _, dup := c.index[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate entity type %q", ErrInvalidCatalog, t.Name)
		}
		c.index[t.Name] = t
		c.types = append(c.types, t)
	}

	for _, t := range c.types {
		t.base = nil
		t.derived = nil
	}
	for _, t := range c.types {
		if t.BaseType == "" {
			continue
		}
		base, ok := c.index[t.BaseType]
		if !ok {
			return nil, fmt.Errorf("%w: %s derives from unknown type %q", ErrInvalidCatalog, t.Name, t.BaseType)
		}
		t.base = base
		base.derived = append(base.derived, t)
	}

	for _, t := range c.types {
		if err := c.validate(t); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) validate(t *EntityType) error {
	seen := make(map[*EntityType]bool)
	for cur := t; cur != nil; cur = cur.base {
		if seen[cur] {
			return fmt.Errorf("%w: inheritance cycle through %s", ErrInvalidCatalog, t.Name)
		}
		seen[cur] = true
	}

	for _, p := range t.Properties {
		p.DeclaringType = t
		if p.Column == "" {
			p.Column = p.Name
		}
	}

	if t.base == nil {
		if t.Table == "" {
			return fmt.Errorf("%w: %s has no table", ErrInvalidCatalog, t.Name)
		}
		if len(t.PrimaryKey) == 0 {
			return fmt.Errorf("%w: %s has no primary key", ErrInvalidCatalog, t.Name)
		}
		for _, name := range t.PrimaryKey {
			if t.FindProperty(name) == nil {
				return fmt.Errorf("%w: %s key property %q not found", ErrInvalidCatalog, t.Name, name)
			}
		}
		if t.DiscriminatorProperty != "" && t.FindProperty(t.DiscriminatorProperty) == nil {
			return fmt.Errorf("%w: %s discriminator property %q not found", ErrInvalidCatalog, t.Name, t.DiscriminatorProperty)
		}
	} else {
		if len(t.PrimaryKey) > 0 {
			return fmt.Errorf("%w: derived type %s cannot declare a primary key", ErrInvalidCatalog, t.Name)
		}
		if t.Root().DiscriminatorProperty == "" {
			return fmt.Errorf("%w: hierarchy of %s has no discriminator", ErrInvalidCatalog, t.Name)
		}
	}
	if t.InHierarchy() && !t.Abstract && t.DiscriminatorValue == nil {
		return fmt.Errorf("%w: concrete type %s needs a discriminator value", ErrInvalidCatalog, t.Name)
	}

	for _, n := range t.Navigations {
		n.DeclaringType = t
		target, ok := c.index[n.Target]
		if !ok {
			return fmt.Errorf("%w: navigation %s.%s targets unknown type %q", ErrInvalidCatalog, t.Name, n.Name, n.Target)
		}
		n.target = target
		if len(n.SourceProperties) == 0 || len(n.SourceProperties) != len(n.TargetProperties) {
			return fmt.Errorf("%w: navigation %s.%s has mismatched key mapping", ErrInvalidCatalog, t.Name, n.Name)
		}
		for i := range n.SourceProperties {
			if t.FindPropertyInHierarchy(n.SourceProperties[i]) == nil {
				return fmt.Errorf("%w: navigation %s.%s source property %q not found", ErrInvalidCatalog, t.Name, n.Name, n.SourceProperties[i])
			}
			if target.FindPropertyInHierarchy(n.TargetProperties[i]) == nil {
				return fmt.Errorf("%w: navigation %s.%s target property %q not found", ErrInvalidCatalog, t.Name, n.Name, n.TargetProperties[i])
			}
		}
	}
	return nil
}

// FindEntityType returns the named entity type, or nil.
func (c *Catalog) FindEntityType(name string) *EntityType {
	return c.index[name]
}

// EntityTypes returns all entity types in declaration order.
func (c *Catalog) EntityTypes() []*EntityType {
	return c.types
}
