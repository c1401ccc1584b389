package sqlexpr

import (
	"errors"
	"slices"
	"strconv"

	qm "relquery/internal/querymodel"
	"relquery/internal/sqltype"
)

var (
	// ErrSourceNotFound is returned when no table in a select belongs to the requested query source.
	ErrSourceNotFound = errors.New("query source is not part of the select")
	// ErrProjectionFrozen is returned when lifting a column would change a DISTINCT projection.
	ErrProjectionFrozen = errors.New("projection is frozen")
)

// TableExpr is an entry of a FROM list.
type TableExpr interface {
	TableAlias() string
	tableNode()
}

// Table is a base table.
type Table struct {
	Name   string
	Schema string
	Alias  string
	Source qm.QuerySource
}

// FromSQL is a raw SQL text used as a derived table.
type FromSQL struct {
	SQL    string
	Args   []Expr
	Alias  string
	Source qm.QuerySource
}

// JoinKind enumerates join operators.
type JoinKind int

const (
	JoinInner JoinKind = iota
	JoinLeftOuter
	JoinCross
	// JoinCrossLateral renders as CROSS JOIN LATERAL or CROSS APPLY.
	JoinCrossLateral
)

// Join attaches a table to the preceding FROM entries.
type Join struct {
	Kind  JoinKind
	Table TableExpr
	On    Expr
}

func (t *Table) TableAlias() string   { return t.Alias }
func (t *FromSQL) TableAlias() string { return t.Alias }
func (j *Join) TableAlias() string    { return j.Table.TableAlias() }
func (s *Select) TableAlias() string  { return s.Alias }

func (*Table) tableNode()   {}
func (*FromSQL) tableNode() {}
func (*Join) tableNode()    {}
func (*Select) tableNode()  {}

// Ordering is one ORDER BY key.
type Ordering struct {
	Expr       Expr
	Descending bool
}

// Select is a SELECT statement. Used as a table it is a derived table named Alias.
type Select struct {
	Alias      string
	Tables     []TableExpr
	Predicate  Expr
	Projection []Expr
	OrderBy    []Ordering
	Limit      Expr
	Offset     Expr
	IsDistinct bool
	// IsProjectStar projects every column of every table ("*").
	IsProjectStar bool
	Source        qm.QuerySource

	aliases *Aliases
}

// NewSelect creates an empty select for src.
func NewSelect(aliases *Aliases, src qm.QuerySource) *Select {
	return &Select{aliases: aliases, Source: src}
}

// Aliases returns the generator shared by the query this select belongs to.
func (s *Select) Aliases() *Aliases {
	return s.aliases
}

// AddTable appends a FROM entry.
func (s *Select) AddTable(t TableExpr) {
	s.Tables = append(s.Tables, t)
}

// AddJoin appends a join.
func (s *Select) AddJoin(kind JoinKind, t TableExpr, on Expr) {
	s.Tables = append(s.Tables, &Join{Kind: kind, Table: t, On: on})
}

// AddToPredicate ANDs pred onto the WHERE clause.
func (s *Select) AddToPredicate(pred Expr) {
	s.Predicate = AndAlso(s.Predicate, pred)
}

// AddToProjection projects e unless an equal expression is already projected,
// and returns its ordinal.
func (s *Select) AddToProjection(e Expr) int {
	if i := s.indexOf(e); i >= 0 {
		return i
	}
	return s.AppendProjection(e)
}

// AppendProjection projects e unconditionally and returns its ordinal. Entity
// shapers rely on this to get a contiguous column range.
func (s *Select) AppendProjection(e Expr) int {
	s.IsProjectStar = false
	s.Projection = append(s.Projection, e)
	return len(s.Projection) - 1
}

// ClearProjection removes every projected expression.
func (s *Select) ClearProjection() {
	s.Projection = nil
}

func (s *Select) indexOf(e Expr) int {
	e = Unalias(e)
	for i, p := range s.Projection {
		if Equal(Unalias(p), e) {
			return i
		}
	}
	return -1
}

// ProjectionName is the column name a derived-table reference uses for ordinal i,
// or "" when the entry is unnamed.
func (s *Select) ProjectionName(i int) string {
	switch x := s.Projection[i].(type) {
	case *AliasExpr:
		return x.Alias
	case *Column:
		return x.Name
	}
	return ""
}

// nameProjection gives ordinal i a name unique within the projection.
func (s *Select) nameProjection(i int) string {
	e := s.Projection[i]
	if a, ok := e.(*AliasExpr); ok {
		return a.Alias
	}
	base := "c"
	if c, ok := e.(*Column); ok {
		if !s.nameTaken(c.Name, i) {
			return c.Name
		}
		base = c.Name
	}
	name := base
	for n := 0; s.nameTaken(name, -1); n++ {
		name = base + strconv.Itoa(n)
	}
	s.Projection[i] = &AliasExpr{Expr: e, Alias: name}
	return name
}

func (s *Select) nameTaken(name string, except int) bool {
	for j := range s.Projection {
		if j != except && s.ProjectionName(j) == name {
			return true
		}
	}
	return false
}

// NameProjection names every projected entry uniquely, as required of derived tables.
func (s *Select) NameProjection() {
	for i := range s.Projection {
		s.nameProjection(i)
	}
}

// Lift exposes e (an expression over s's tables) through s's projection and
// returns the column a parent select uses to read it.
func (s *Select) Lift(e Expr) (*Column, error) {
	i := s.indexOf(e)
	if i < 0 {
		if s.IsDistinct {
			return nil, ErrProjectionFrozen
		}
		i = s.AppendProjection(e)
	}
	name := s.nameProjection(i)
	return &Column{Table: s.Alias, Name: name, Kind: KindOf(e), Nullable: Nullable(e)}, nil
}

// ColumnFor resolves a column of query source src as seen from s, lifting it
// through any derived tables between s and the table that owns src.
func (s *Select) ColumnFor(src qm.QuerySource, name string, kind sqltype.Kind, nullable bool) (*Column, error) {
	for _, t := range s.Tables {
		col, found, err := columnIn(t, src, name, kind, nullable)
		if found {
			return col, err
		}
	}
	return nil, ErrSourceNotFound
}

func columnIn(t TableExpr, src qm.QuerySource, name string, kind sqltype.Kind, nullable bool) (*Column, bool, error) {
	switch x := t.(type) {
	case *Join:
		return columnIn(x.Table, src, name, kind, nullable || x.Kind == JoinLeftOuter)
	case *Table:
		if x.Source == src {
			return &Column{Table: x.Alias, Name: name, Kind: kind, Nullable: nullable}, true, nil
		}
	case *FromSQL:
		if x.Source == src {
			return &Column{Table: x.Alias, Name: name, Kind: kind, Nullable: nullable}, true, nil
		}
	case *Select:
		for _, inner := range x.Tables {
			col, found, err := columnIn(inner, src, name, kind, false)
			if !found {
				continue
			}
			if err != nil {
				return nil, true, err
			}
			lifted, err := x.Lift(col)
			if err != nil {
				return nil, true, err
			}
			lifted.Nullable = lifted.Nullable || nullable
			return lifted, true, nil
		}
	}
	return nil, false, nil
}

// ContainsSource reports whether any table of s (at any depth) belongs to src.
func (s *Select) ContainsSource(src qm.QuerySource) bool {
	for _, t := range s.Tables {
		if tableContains(t, src) {
			return true
		}
	}
	return false
}

func tableContains(t TableExpr, src qm.QuerySource) bool {
	switch x := t.(type) {
	case *Join:
		return tableContains(x.Table, src)
	case *Table:
		return x.Source == src
	case *FromSQL:
		return x.Source == src
	case *Select:
		return x.Source == src || x.ContainsSource(src)
	}
	return false
}

// PushDownSubquery wraps the current statement into a derived table and turns s
// into "SELECT <lifted projection> FROM (<old s>) AS t". The inner ORDER BY
// survives only when paging needs it. It returns the new inner select.
func (s *Select) PushDownSubquery() *Select {
	inner := &Select{
		Alias:         s.aliases.Next("t"),
		Tables:        s.Tables,
		Predicate:     s.Predicate,
		Projection:    s.Projection,
		OrderBy:       s.OrderBy,
		Limit:         s.Limit,
		Offset:        s.Offset,
		IsDistinct:    s.IsDistinct,
		IsProjectStar: s.IsProjectStar,
		Source:        s.Source,
		aliases:       s.aliases,
	}
	inner.NameProjection()

	s.Tables = []TableExpr{inner}
	s.Predicate = nil
	s.Limit = nil
	s.Offset = nil
	s.IsDistinct = false
	s.Projection = nil
	for i, p := range inner.Projection {
		s.Projection = append(s.Projection, &Column{
			Table:    inner.Alias,
			Name:     inner.ProjectionName(i),
			Kind:     KindOf(p),
			Nullable: Nullable(p),
		})
	}

	s.OrderBy = nil
	for _, o := range inner.OrderBy {
		col, err := inner.Lift(o.Expr)
		if err != nil {
			// A DISTINCT inner select already projects every usable ordering key;
			// other keys cannot be ordered on outside it.
			continue
		}
		s.OrderBy = append(s.OrderBy, Ordering{Expr: col, Descending: o.Descending})
	}
	if inner.Limit == nil && inner.Offset == nil {
		inner.OrderBy = nil
	}
	return inner
}

// PrependOrderBy puts orderings in front of the existing ones, dropping
// existing keys that become redundant.
func (s *Select) PrependOrderBy(orderings ...Ordering) {
	out := slices.Clone(orderings)
	for _, o := range s.OrderBy {
		dup := slices.ContainsFunc(orderings, func(n Ordering) bool { return Equal(n.Expr, o.Expr) })
		if !dup {
			out = append(out, o)
		}
	}
	s.OrderBy = out
}

// AddToOrderBy appends an ordering unless its key is already present.
func (s *Select) AddToOrderBy(o Ordering) {
	if slices.ContainsFunc(s.OrderBy, func(e Ordering) bool { return Equal(e.Expr, o.Expr) }) {
		return
	}
	s.OrderBy = append(s.OrderBy, o)
}

// ReverseOrderBy flips every ordering direction.
func (s *Select) ReverseOrderBy() {
	for i := range s.OrderBy {
		s.OrderBy[i].Descending = !s.OrderBy[i].Descending
	}
}

// ExplodeStar replaces a star projection with explicit columns.
func (s *Select) ExplodeStar(columns ...Expr) {
	if !s.IsProjectStar {
		return
	}
	s.IsProjectStar = false
	s.Projection = slices.Clone(columns)
}

// IsPaged reports whether LIMIT or OFFSET is set.
func (s *Select) IsPaged() bool {
	return s.Limit != nil || s.Offset != nil
}

// Clone copies the select and its derived tables. Expressions are shared; they
// are never mutated once built.
func (s *Select) Clone() *Select {
	c := *s
	c.Tables = make([]TableExpr, len(s.Tables))
	for i, t := range s.Tables {
		c.Tables[i] = cloneTable(t)
	}
	c.Projection = slices.Clone(s.Projection)
	c.OrderBy = slices.Clone(s.OrderBy)
	return &c
}

func cloneTable(t TableExpr) TableExpr {
	switch x := t.(type) {
	case *Join:
		return &Join{Kind: x.Kind, Table: cloneTable(x.Table), On: x.On}
	case *Select:
		return x.Clone()
	}
	return t
}

// CountTables returns the number of base tables, raw SQL sources, derived
// tables and expression sub-selects in s, at any depth.
func (s *Select) CountTables() int {
	n := 0
	VisitSelect(s, func(e Expr) bool {
		switch e.(type) {
		case *Exists, *ScalarSubquery:
			n++
		case *In:
			if e.(*In).Subquery != nil {
				n++
			}
		}
		return true
	}, func(t TableExpr) {
		switch t.(type) {
		case *Table, *FromSQL, *Select:
			n++
		}
	})
	return n
}
