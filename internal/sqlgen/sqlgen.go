// Package sqlgen renders sqlexpr trees into dialect SQL text. Every SELECT is
// assembled with squirrel; nested selects are rendered with "?" markers and
// the outermost statement applies the dialect's placeholder format.
package sqlgen

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/lann/builder"

	"relquery/internal/dialect"
	"relquery/internal/sqlexpr"
)

// ErrUnsupported is returned for expression nodes the generator cannot render.
var ErrUnsupported = errors.New("unsupported SQL expression")

// Generator renders statements for one dialect. It is stateless and safe for
// concurrent use.
type Generator struct {
	dialect *dialect.Dialect
}

// New creates a generator for d.
func New(d *dialect.Dialect) *Generator {
	return &Generator{dialect: d}
}

// Dialect returns the target dialect.
func (g *Generator) Dialect() *dialect.Dialect {
	return g.dialect
}

// Generate renders a complete statement.
func (g *Generator) Generate(s *sqlexpr.Select) (Command, error) {
	r := g.newRenderer()
	r.elide = canElideAliases(s)

	builder, err := r.selectBuilder(s)
	if err != nil {
		return Command{}, err
	}
	query, args, err := builder.PlaceholderFormat(g.dialect.Placeholder).ToSql()
	if err != nil {
		return Command{}, err
	}
	return Command{SQL: query, Args: args, Parameters: r.params, named: g.dialect.NamedParameters}, nil
}

// Expr renders a standalone expression with "?" markers; used by diagnostics and tests.
func (g *Generator) Expr(e sqlexpr.Expr) (string, []any, error) {
	r := g.newRenderer()
	w := &writer{}
	if err := r.expr(w, e, 0); err != nil {
		return "", nil, err
	}
	return w.String(), w.args, nil
}

func (g *Generator) newRenderer() *renderer {
	return &renderer{
		d:        g.dialect,
		escapeQ:  g.dialect.Placeholder != sq.Question,
		seenPars: map[string]bool{},
	}
}

// canElideAliases reports whether the statement reads exactly one base table,
// in which case column qualifiers and the table alias are omitted.
func canElideAliases(s *sqlexpr.Select) bool {
	if len(s.Tables) != 1 {
		return false
	}
	switch s.Tables[0].(type) {
	case *sqlexpr.Table, *sqlexpr.FromSQL:
		return s.CountTables() == 1
	}
	return false
}

type renderer struct {
	d        *dialect.Dialect
	elide    bool
	escapeQ  bool
	params   []string
	seenPars map[string]bool
}

type writer struct {
	strings.Builder
	args []any
}

func (r *renderer) useParam(name string) {
	if !r.seenPars[name] {
		r.seenPars[name] = true
		r.params = append(r.params, name)
	}
}

func (r *renderer) selectBuilder(s *sqlexpr.Select) (sq.SelectBuilder, error) {
	b := sq.Select().PlaceholderFormat(sq.Question)

	var options []string
	if s.IsDistinct {
		options = append(options, "DISTINCT")
	}
	topOnly := r.d.Paging == dialect.PagingOffsetFetch && s.Limit != nil && s.Offset == nil
	if topOnly {
		w := &writer{}
		if err := r.expr(w, s.Limit, 0); err != nil {
			return b, err
		}
		if len(w.args) > 0 {
			return b, fmt.Errorf("%w: positional TOP argument", ErrUnsupported)
		}
		options = append(options, "TOP("+w.String()+")")
	}
	if len(options) > 0 {
		b = b.Options(options...)
	}

	switch {
	case len(s.Projection) > 0:
		for _, p := range s.Projection {
			w := &writer{}
			if err := r.projection(w, p); err != nil {
				return b, err
			}
			b = b.Column(sq.Expr(w.String(), w.args...))
		}
	case s.IsProjectStar:
		b = b.Column("*")
	default:
		b = b.Column("1")
	}

	for i, t := range s.Tables {
		if i == 0 {
			if sub, ok := t.(*sqlexpr.Select); ok {
				subBuilder, err := r.selectBuilder(sub)
				if err != nil {
					return b, err
				}
				b = b.FromSelect(subBuilder, r.d.QuoteIdentifier(sub.Alias))
				continue
			}
			w := &writer{}
			if err := r.table(w, t); err != nil {
				return b, err
			}
			if len(w.args) > 0 {
				// From takes no arguments; set the clause the way FromSelect does.
				b = builder.Set(b, "From", sq.Expr(w.String(), w.args...)).(sq.SelectBuilder)
			} else {
				b = b.From(w.String())
			}
			continue
		}
		w := &writer{}
		if err := r.join(w, t); err != nil {
			return b, err
		}
		b = b.JoinClause(sq.Expr(w.String(), w.args...))
	}
	return r.finish(b, s)
}

func (r *renderer) finish(b sq.SelectBuilder, s *sqlexpr.Select) (sq.SelectBuilder, error) {
	if s.Predicate != nil {
		w := &writer{}
		if err := r.expr(w, s.Predicate, 0); err != nil {
			return b, err
		}
		b = b.Where(sq.Expr(w.String(), w.args...))
	}

	orderings := s.OrderBy
	needsOrder := r.d.Paging == dialect.PagingOffsetFetch && s.Offset != nil && len(orderings) == 0
	for _, o := range orderings {
		w := &writer{}
		if err := r.expr(w, o.Expr, 0); err != nil {
			return b, err
		}
		if o.Descending {
			w.WriteString(" DESC")
		}
		b = b.OrderByClause(w.String(), w.args...)
	}
	if needsOrder {
		b = b.OrderBy("(SELECT 1)")
	}
	return r.paging(b, s)
}

func (r *renderer) paging(b sq.SelectBuilder, s *sqlexpr.Select) (sq.SelectBuilder, error) {
	if s.Offset == nil && (s.Limit == nil || r.d.Paging == dialect.PagingOffsetFetch) {
		return b, nil
	}
	limit, offset := &writer{}, &writer{}
	if s.Limit != nil {
		if err := r.expr(limit, s.Limit, 0); err != nil {
			return b, err
		}
	}
	if s.Offset != nil {
		if err := r.expr(offset, s.Offset, 0); err != nil {
			return b, err
		}
	}

	w := &writer{}
	switch r.d.Paging {
	case dialect.PagingOffsetFetch:
		w.WriteString("OFFSET " + offset.String() + " ROWS")
		w.args = append(w.args, offset.args...)
		if s.Limit != nil {
			w.WriteString(" FETCH NEXT " + limit.String() + " ROWS ONLY")
			w.args = append(w.args, limit.args...)
		}
	default:
		switch {
		case s.Limit != nil:
			w.WriteString("LIMIT " + limit.String())
			w.args = append(w.args, limit.args...)
		case r.d.OffsetWithoutLimit != "":
			w.WriteString("LIMIT " + r.d.OffsetWithoutLimit)
		}
		if s.Offset != nil {
			if w.Len() > 0 {
				w.WriteByte(' ')
			}
			w.WriteString("OFFSET " + offset.String())
			w.args = append(w.args, offset.args...)
		}
	}
	return b.Suffix(w.String(), w.args...), nil
}

// subquery renders a nested select in parentheses.
func (r *renderer) subquery(w *writer, s *sqlexpr.Select) error {
	b, err := r.selectBuilder(s)
	if err != nil {
		return err
	}
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	w.WriteString("(" + query + ")")
	w.args = append(w.args, args...)
	return nil
}

func (r *renderer) table(w *writer, t sqlexpr.TableExpr) error {
	switch x := t.(type) {
	case *sqlexpr.Table:
		w.WriteString(r.d.QuoteQualified(x.Schema, x.Name))
		if !r.elide {
			w.WriteString(" AS " + r.d.QuoteIdentifier(x.Alias))
		}
	case *sqlexpr.FromSQL:
		w.WriteString("(" + x.SQL + ")")
		// The raw text carries its own markers, so every argument is bound.
		for _, a := range x.Args {
			switch v := a.(type) {
			case *sqlexpr.Constant:
				w.args = append(w.args, v.Value)
			case *sqlexpr.Parameter:
				r.useParam(v.Name)
				w.args = append(w.args, ParamRef{Name: v.Name})
			default:
				return fmt.Errorf("%w: raw SQL argument %T", ErrUnsupported, a)
			}
		}
		w.WriteString(" AS " + r.d.QuoteIdentifier(x.Alias))
	case *sqlexpr.Select:
		if err := r.subquery(w, x); err != nil {
			return err
		}
		w.WriteString(" AS " + r.d.QuoteIdentifier(x.Alias))
	default:
		return fmt.Errorf("%w: table %T", ErrUnsupported, t)
	}
	return nil
}

func (r *renderer) join(w *writer, t sqlexpr.TableExpr) error {
	j, ok := t.(*sqlexpr.Join)
	if !ok {
		// A bare second table is a cross join.
		j = &sqlexpr.Join{Kind: sqlexpr.JoinCross, Table: t}
	}
	switch j.Kind {
	case sqlexpr.JoinInner:
		w.WriteString("INNER JOIN ")
	case sqlexpr.JoinLeftOuter:
		w.WriteString("LEFT JOIN ")
	case sqlexpr.JoinCross:
		w.WriteString("CROSS JOIN ")
	case sqlexpr.JoinCrossLateral:
		switch r.d.Lateral {
		case dialect.LateralApply:
			w.WriteString("CROSS APPLY ")
		case dialect.LateralJoin:
			w.WriteString("CROSS JOIN LATERAL ")
		default:
			return fmt.Errorf("%w: %s does not support lateral joins", ErrUnsupported, r.d.Name)
		}
	}
	if err := r.table(w, j.Table); err != nil {
		return err
	}
	if j.On != nil && (j.Kind == sqlexpr.JoinInner || j.Kind == sqlexpr.JoinLeftOuter) {
		w.WriteString(" ON ")
		return r.expr(w, j.On, 0)
	}
	return nil
}

func (r *renderer) projection(w *writer, e sqlexpr.Expr) error {
	if a, ok := e.(*sqlexpr.AliasExpr); ok {
		if err := r.expr(w, a.Expr, 0); err != nil {
			return err
		}
		w.WriteString(" AS " + r.d.QuoteIdentifier(a.Alias))
		return nil
	}
	return r.expr(w, e, 0)
}
