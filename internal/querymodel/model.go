// Package querymodel is the object-query input to the compiler: a main from-clause,
// body clauses (where, order-by, additional from, join, group-join), a select clause,
// and a chain of result operators. Every node is a sealed interface implementation;
// query sources compare by pointer identity.
package querymodel

import (
	"relquery/internal/catalog"
)

// QueryModel is one (sub-)query.
type QueryModel struct {
	MainFrom        *MainFromClause
	BodyClauses     []BodyClause
	Select          *SelectClause
	ResultOperators []ResultOperator
}

// QuerySource is a logical origin of rows. Identity is the pointer.
type QuerySource interface {
	// ItemName is the range variable name, used in logs and parameter names.
	ItemName() string
	// ItemType is the entity type of the items, or nil for scalar/record items.
	ItemType() *catalog.EntityType
	sourceNode()
}

// BodyClause is a clause between the main from-clause and the select clause.
type BodyClause interface {
	bodyClause()
}

// MainFromClause introduces the first query source.
type MainFromClause struct {
	Name string
	Type *catalog.EntityType
	From Expr
}

func (c *MainFromClause) ItemName() string              { return c.Name }
func (c *MainFromClause) ItemType() *catalog.EntityType { return c.Type }
func (*MainFromClause) sourceNode()                     {}

// AdditionalFromClause introduces a further source (SelectMany). Its From may
// reference earlier sources, which makes it correlated.
type AdditionalFromClause struct {
	Name string
	Type *catalog.EntityType
	From Expr
}

func (c *AdditionalFromClause) ItemName() string              { return c.Name }
func (c *AdditionalFromClause) ItemType() *catalog.EntityType { return c.Type }
func (*AdditionalFromClause) sourceNode()                     {}
func (*AdditionalFromClause) bodyClause()                     {}

// JoinClause is an equi-join. LeftOuter marks the normalised
// "join … into g from x in g.DefaultIfEmpty()" form; unmatched outer rows
// then see a nil inner item.
type JoinClause struct {
	Name      string
	Type      *catalog.EntityType
	Inner     Expr
	OuterKey  Expr
	InnerKey  Expr
	LeftOuter bool
}

func (c *JoinClause) ItemName() string              { return c.Name }
func (c *JoinClause) ItemType() *catalog.EntityType { return c.Type }
func (*JoinClause) sourceNode()                     {}
func (*JoinClause) bodyClause()                     {}

// GroupJoinClause binds, for each outer row, the slice of matching inner items.
type GroupJoinClause struct {
	Name string
	Join *JoinClause
}

func (c *GroupJoinClause) ItemName() string { return c.Name }

// ItemType is nil: the items are collections.
func (c *GroupJoinClause) ItemType() *catalog.EntityType { return nil }
func (*GroupJoinClause) sourceNode()                     {}
func (*GroupJoinClause) bodyClause()                     {}

// WhereClause filters rows.
type WhereClause struct {
	Predicate Expr
}

func (*WhereClause) bodyClause() {}

// Ordering is one order-by key.
type Ordering struct {
	Expr       Expr
	Descending bool
}

// OrderByClause sorts rows. A later clause takes precedence over an earlier one.
type OrderByClause struct {
	Orderings []Ordering
}

func (*OrderByClause) bodyClause() {}

// SelectClause projects each row into an element.
type SelectClause struct {
	Selector Expr
}

// NewQuery starts a query model over an entity set.
func NewQuery(name string, entity *catalog.EntityType) *QueryModel {
	main := &MainFromClause{Name: name, Type: entity, From: &EntitySet{Type: entity}}
	return &QueryModel{
		MainFrom: main,
		Select:   &SelectClause{Selector: &QuerySourceRef{Source: main}},
	}
}

// Where appends a where clause and returns the model for chaining.
func (m *QueryModel) Where(predicate Expr) *QueryModel {
	m.BodyClauses = append(m.BodyClauses, &WhereClause{Predicate: predicate})
	return m
}

// OrderBy appends an order-by clause.
func (m *QueryModel) OrderBy(orderings ...Ordering) *QueryModel {
	m.BodyClauses = append(m.BodyClauses, &OrderByClause{Orderings: orderings})
	return m
}

// With appends result operators.
func (m *QueryModel) With(ops ...ResultOperator) *QueryModel {
	m.ResultOperators = append(m.ResultOperators, ops...)
	return m
}

// Sources returns the model's own query sources in declaration order.
func (m *QueryModel) Sources() []QuerySource {
	sources := []QuerySource{m.MainFrom}
	for _, bc := range m.BodyClauses {
		switch c := bc.(type) {
		case *AdditionalFromClause:
			sources = append(sources, c)
		case *JoinClause:
			sources = append(sources, c)
		case *GroupJoinClause:
			sources = append(sources, c, c.Join)
		}
	}
	return sources
}

// Owns reports whether src is declared by this model (not by an enclosing one).
func (m *QueryModel) Owns(src QuerySource) bool {
	for _, s := range m.Sources() {
		if s == src {
			return true
		}
	}
	return false
}
