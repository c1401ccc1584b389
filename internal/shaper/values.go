package shaper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"relquery/internal/catalog"
)

// Entity is a materialized entity: its concrete type, property values and any
// navigations loaded by Include.
type Entity struct {
	typ    *catalog.EntityType
	values map[string]any
	navs   map[string]any
}

// NewEntity creates an entity of concrete type t.
func NewEntity(t *catalog.EntityType, values map[string]any) *Entity {
	if values == nil {
		values = map[string]any{}
	}
	return &Entity{typ: t, values: values, navs: map[string]any{}}
}

// EntityType returns the concrete runtime type.
func (e *Entity) EntityType() *catalog.EntityType {
	return e.typ
}

// Value returns a property value. Properties of sibling types read as nil.
func (e *Entity) Value(name string) (any, bool) {
	v, ok := e.values[name]
	if !ok && e.typ.Root().FindPropertyInHierarchy(name) != nil {
		return nil, true
	}
	return v, ok
}

// Navigation returns a loaded navigation: *Entity (or nil) for references,
// []*Entity for collections.
func (e *Entity) Navigation(name string) (any, bool) {
	v, ok := e.navs[name]
	return v, ok
}

// SetReference loads a reference navigation.
func (e *Entity) SetReference(name string, target *Entity) {
	if target == nil {
		e.navs[name] = (*Entity)(nil)
		return
	}
	e.navs[name] = target
}

// InitCollection marks a collection navigation as loaded, even when it stays empty.
func (e *Entity) InitCollection(name string) {
	if _, ok := e.navs[name].([]*Entity); !ok {
		e.navs[name] = []*Entity{}
	}
}

// AddToCollection appends child to a collection navigation unless it is already there.
func (e *Entity) AddToCollection(name string, child *Entity) {
	list, _ := e.navs[name].([]*Entity)
	for _, existing := range list {
		if existing == child {
			return
		}
	}
	e.navs[name] = append(list, child)
}

// Key returns the primary key of the entity.
func (e *Entity) Key() Key {
	props := e.typ.FindPrimaryKey()
	values := make([]any, len(props))
	for i, p := range props {
		values[i] = e.values[p.Name]
	}
	return MakeKey(values...)
}

// Map converts the entity (and its loaded navigations) into plain maps and slices.
func (e *Entity) Map() map[string]any {
	return e.toMap(map[*Entity]bool{})
}

func (e *Entity) toMap(visiting map[*Entity]bool) map[string]any {
	visiting[e] = true
	defer delete(visiting, e)

	out := make(map[string]any, len(e.values)+len(e.navs))
	for _, p := range e.typ.AllProperties() {
		out[p.Name] = e.values[p.Name]
	}
	for name, nav := range e.navs {
		switch v := nav.(type) {
		case *Entity:
			// Inverse navigations point back at an entity being converted.
			if v != nil && !visiting[v] {
				out[name] = v.toMap(visiting)
			} else if v == nil {
				out[name] = nil
			}
		case []*Entity:
			items := make([]any, 0, len(v))
			for _, child := range v {
				if !visiting[child] {
					items = append(items, child.toMap(visiting))
				}
			}
			out[name] = items
		}
	}
	return out
}

// MarshalJSON renders the entity with its concrete type name.
func (e *Entity) MarshalJSON() ([]byte, error) {
	m := e.Map()
	m["$type"] = e.typ.Name
	return json.Marshal(m)
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s%v", e.typ.Name, e.Key())
}

// Key is a comparable encoding of key values.
type Key string

// MakeKey encodes values as a Key. Values that differ only in integer width
// produce the same key.
func MakeKey(values ...any) Key {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0)
		}
		switch x := v.(type) {
		case nil:
			b.WriteString("<nil>")
		case []byte:
			fmt.Fprintf(&b, "b:%x", x)
		case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
			fmt.Fprintf(&b, "i:%d", x)
		default:
			fmt.Fprintf(&b, "%T:%v", x, x)
		}
	}
	return Key(b.String())
}

// Record is an ordered set of named values produced by a record construction.
type Record struct {
	names  []string
	values []any
}

// NewRecord creates a record; names and values must have the same length.
func NewRecord(names []string, values []any) *Record {
	return &Record{names: names, values: values}
}

// Get returns the named field.
func (r *Record) Get(name string) (any, bool) {
	for i, n := range r.names {
		if n == name {
			return r.values[i], true
		}
	}
	return nil, false
}

// Names returns the field names in declaration order.
func (r *Record) Names() []string {
	return r.names
}

// Values returns the field values in declaration order.
func (r *Record) Values() []any {
	return r.values
}

// Map converts the record into a map, converting nested entities and records too.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.names))
	for i, n := range r.names {
		out[n] = Plain(r.values[i])
	}
	return out
}

// MarshalJSON keeps field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range r.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(n)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Grouping is one group produced by GroupBy or a group-join.
type Grouping struct {
	Key      any   `json:"key"`
	Elements []any `json:"elements"`
}

// Plain converts shaped values (entities, records, groupings, slices) into maps and slices.
func Plain(v any) any {
	switch x := v.(type) {
	case *Entity:
		if x == nil {
			return nil
		}
		return x.Map()
	case *Record:
		return x.Map()
	case *Grouping:
		return map[string]any{"Key": Plain(x.Key), "Elements": Plain(x.Elements)}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Plain(e)
		}
		return out
	case []*Entity:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Plain(e)
		}
		return out
	}
	return v
}
