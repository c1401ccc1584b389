// Package shaper turns result rows into entities, records and scalar values.
//
// A row is an ordinal-indexed value buffer. Shapers read columns by ordinal,
// never by name, so the projection order of the generated SELECT is the
// contract between the compiler and the shapers built for it.
package shaper

import (
	"errors"
	"fmt"

	"relquery/internal/catalog"
	"relquery/internal/sqltype"
)

// ErrUnknownDiscriminator is returned when a row carries a discriminator value
// that maps to no concrete type.
var ErrUnknownDiscriminator = errors.New("unknown discriminator value")

// Row is one result row.
type Row []any

// Shaper materializes a value from a row.
type Shaper interface {
	Shape(c *Context, row Row) (any, error)
}

// Context is the per-execution materialization state.
type Context struct {
	tracking bool
	identity map[identityKey]*Entity
}

type identityKey struct {
	root string
	key  Key
}

// NewContext creates a context. With tracking enabled, entities with the same
// root type and key resolve to one instance for the whole execution.
func NewContext(tracking bool) *Context {
	return &Context{tracking: tracking, identity: map[identityKey]*Entity{}}
}

// Tracking reports whether identity resolution is enabled.
func (c *Context) Tracking() bool {
	return c.tracking
}

func (c *Context) lookup(t *catalog.EntityType, key Key) *Entity {
	if !c.tracking {
		return nil
	}
	return c.identity[identityKey{root: t.Root().Name, key: key}]
}

func (c *Context) track(e *Entity, key Key) {
	if c.tracking {
		c.identity[identityKey{root: e.typ.Root().Name, key: key}] = e
	}
}

// ValueBufferShaper passes the row through unchanged.
type ValueBufferShaper struct{}

func (ValueBufferShaper) Shape(_ *Context, row Row) (any, error) {
	out := make(Row, len(row))
	copy(out, row)
	return out, nil
}

// ValueShaper reads one column and normalizes it to Kind.
type ValueShaper struct {
	Index int
	Kind  sqltype.Kind
}

func (s *ValueShaper) Shape(_ *Context, row Row) (any, error) {
	if s.Index >= len(row) {
		return nil, fmt.Errorf("column %d out of range (row has %d)", s.Index, len(row))
	}
	v, err := sqltype.Coerce(row[s.Index], s.Kind)
	if err != nil {
		return nil, fmt.Errorf("column %d: %w", s.Index, err)
	}
	return v, nil
}

// ConstantShaper yields a fixed value.
type ConstantShaper struct {
	Value any
}

func (s *ConstantShaper) Shape(*Context, Row) (any, error) {
	return s.Value, nil
}

// CompositeShaper reads Outer over columns [0, Offset) and Inner over
// [Offset, end) of the same row, then combines the two with Materialize.
type CompositeShaper struct {
	Outer       Shaper
	Inner       Shaper
	Offset      int
	Materialize func(outer, inner any) (any, error)
}

func (s *CompositeShaper) Shape(c *Context, row Row) (any, error) {
	if s.Offset > len(row) {
		return nil, fmt.Errorf("composite offset %d beyond row width %d", s.Offset, len(row))
	}
	outer, err := s.Outer.Shape(c, row[:s.Offset])
	if err != nil {
		return nil, err
	}
	inner, err := s.Inner.Shape(c, row[s.Offset:])
	if err != nil {
		return nil, err
	}
	if s.Materialize == nil {
		return [2]any{outer, inner}, nil
	}
	return s.Materialize(outer, inner)
}

// ProjectionShaper applies a result selector to the value shaped by Inner. The
// selector also sees the whole row, for columns the selector projected itself.
type ProjectionShaper struct {
	Inner    Shaper
	Selector func(c *Context, inner any, row Row) (any, error)
}

func (s *ProjectionShaper) Shape(c *Context, row Row) (any, error) {
	inner, err := s.Inner.Shape(c, row)
	if err != nil {
		return nil, err
	}
	return s.Selector(c, inner, row)
}

// RecordShaper builds a Record from one shaper per field.
type RecordShaper struct {
	Names  []string
	Fields []Shaper
}

func (s *RecordShaper) Shape(c *Context, row Row) (any, error) {
	values := make([]any, len(s.Fields))
	for i, f := range s.Fields {
		v, err := f.Shape(c, row)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", s.Names[i], err)
		}
		values[i] = v
	}
	return NewRecord(s.Names, values), nil
}

// EntityShaper materializes an entity from a contiguous column range starting
// at Offset, laid out as Type.HierarchyProperties().
type EntityShaper struct {
	Type       *catalog.EntityType
	Offset     int
	Properties []*catalog.Property

	keyIndex  []int
	discIndex int
}

// NewEntityShaper creates a shaper for t reading from offset.
func NewEntityShaper(t *catalog.EntityType, offset int) *EntityShaper {
	s := &EntityShaper{Type: t, Offset: offset, Properties: t.HierarchyProperties(), discIndex: -1}
	for _, k := range t.FindPrimaryKey() {
		s.keyIndex = append(s.keyIndex, s.indexOf(k))
	}
	if d := t.Discriminator(); d != nil && t.InHierarchy() {
		s.discIndex = s.indexOf(d)
	}
	return s
}

func (s *EntityShaper) indexOf(p *catalog.Property) int {
	for i, q := range s.Properties {
		if q == p {
			return i
		}
	}
	return -1
}

// Width is the number of columns the shaper reads.
func (s *EntityShaper) Width() int {
	return len(s.Properties)
}

// Shape returns a *Entity, or nil when every key column is NULL (no matching
// row on the optional side of an outer join).
func (s *EntityShaper) Shape(c *Context, row Row) (any, error) {
	if s.Offset+len(s.Properties) > len(row) {
		return nil, fmt.Errorf("%s: columns [%d, %d) beyond row width %d", s.Type.Name, s.Offset, s.Offset+len(s.Properties), len(row))
	}
	cols := row[s.Offset : s.Offset+len(s.Properties)]

	keyValues := make([]any, len(s.keyIndex))
	allNull := true
	for i, idx := range s.keyIndex {
		v, err := sqltype.Coerce(cols[idx], s.Properties[idx].Kind)
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", s.Type.Name, err)
		}
		if v != nil {
			allNull = false
		}
		keyValues[i] = v
	}
	if allNull {
		return nil, nil
	}

	concrete, err := s.concreteType(cols)
	if err != nil {
		return nil, err
	}
	key := MakeKey(keyValues...)
	if existing := c.lookup(concrete, key); existing != nil {
		return existing, nil
	}

	values := make(map[string]any, len(s.Properties))
	for _, p := range concrete.AllProperties() {
		idx := s.indexOf(p)
		if idx < 0 {
			continue
		}
		v, err := sqltype.Coerce(cols[idx], p.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", concrete.Name, p.Name, err)
		}
		values[p.Name] = v
	}
	e := NewEntity(concrete, values)
	c.track(e, key)
	return e, nil
}

func (s *EntityShaper) concreteType(cols Row) (*catalog.EntityType, error) {
	if s.discIndex < 0 {
		return s.Type, nil
	}
	disc := s.Properties[s.discIndex]
	value, err := sqltype.Coerce(cols[s.discIndex], disc.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s discriminator: %w", s.Type.Name, err)
	}
	for _, t := range s.Type.ConcreteTypesInHierarchy() {
		want, err := sqltype.Coerce(t.DiscriminatorValue, disc.Kind)
		if err == nil && want == value {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %v for %s", ErrUnknownDiscriminator, value, s.Type.Name)
}
