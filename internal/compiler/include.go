package compiler

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
	"relquery/internal/sqlexpr"
	"relquery/internal/translator"
)

// includeNode is one navigation of the include tree.
type includeNode struct {
	nav      *catalog.Navigation
	path     string
	children []*includeNode
	// joined is set when the navigation is loaded by a LEFT JOIN of the main
	// command instead of a batch query.
	joined bool
}

// resolveIncludes merges include paths into a tree rooted at the element
// type of m. It returns nil when the elements are not entities.
func resolveIncludes(m *qm.QueryModel, paths [][]string) ([]*includeNode, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	root := qm.ElementType(m)
	if root == nil {
		return nil, nil
	}
	var nodes []*includeNode
	for _, path := range paths {
		level, t, prefix := &nodes, root, root.Name
		for _, name := range path {
			nav := t.FindNavigationInHierarchy(name)
			if nav == nil {
				return nil, fmt.Errorf("%w: include %s: %s has no navigation %s",
					ErrInvalidOperation, strings.Join(path, "."), t.Name, name)
			}
			prefix += "." + name
			var node *includeNode
			for _, n := range *level {
				if n.nav == nav {
					node = n
					break
				}
			}
			if node == nil {
				node = &includeNode{nav: nav, path: prefix}
				*level = append(*level, node)
			}
			level, t = &node.children, nav.TargetType()
		}
	}
	return nodes, nil
}

// joinIncludes turns the reference hops reachable from the root entity
// through reference hops only into LEFT JOINs of the main command. Anything
// else is loaded after the main query in batches.
func (qc *queryCompiler) joinIncludes(nodes []*includeNode) error {
	if qc.sel == nil || qc.element == nil || qc.element.kind != nodeSource {
		return nil
	}
	src := qc.element.src
	if src.ItemType() == nil || qc.blockOf(src) == nil {
		return nil
	}
	return qc.joinReferences(src, nodes)
}

func (qc *queryCompiler) joinReferences(owner qm.QuerySource, nodes []*includeNode) error {
	for _, n := range nodes {
		if n.nav.IsCollection {
			continue
		}
		pseudo, err := qc.joinReference(owner, n)
		if err != nil {
			return err
		}
		if pseudo == nil {
			continue
		}
		if err := qc.joinReferences(pseudo, n.children); err != nil {
			return err
		}
	}
	return nil
}

// joinReference adds one LEFT JOIN and the fixup that shapes its entity and
// wires it into the owner. It returns the source standing for the joined
// table, or nil when the owner columns cannot be reached.
func (qc *queryCompiler) joinReference(owner qm.QuerySource, n *includeNode) (qm.QuerySource, error) {
	nav := n.nav
	target := nav.TargetType()
	pseudo := &qm.JoinClause{Name: n.path, Type: target}
	alias := qc.cc.aliases.Next(target.Name)

	var on sqlexpr.Expr
	for i, name := range nav.SourceProperties {
		sp := nav.DeclaringType.FindPropertyInHierarchy(name)
		tp := target.FindPropertyInHierarchy(nav.TargetProperties[i])
		if sp == nil || tp == nil {
			return nil, fmt.Errorf("%w: navigation %s has unmapped key properties", ErrInvalidOperation, n.path)
		}
		left, err := qc.Column(owner, sp)
		if err != nil {
			if errors.Is(err, translator.ErrUntranslatable) {
				qc.cc.logger.Debug("include loaded in batches", "path", n.path, "reason", err.Error())
				return nil, nil
			}
			return nil, err
		}
		right := &sqlexpr.Column{Table: alias, Name: tp.Column, Kind: tp.Kind, Nullable: true}
		on = sqlexpr.AndAlso(on, &sqlexpr.Binary{Op: sqlexpr.OpEq, Left: left, Right: right})
	}
	if d := target.Discriminator(); d != nil && target.InHierarchy() {
		col := &sqlexpr.Column{Table: alias, Name: d.Column, Kind: d.Kind, Nullable: true}
		on = sqlexpr.AndAlso(on, translator.DiscriminatorPredicate(col, target))
	}
	qc.sel.AddJoin(sqlexpr.JoinLeftOuter, &sqlexpr.Table{
		Name:   target.TableName(),
		Schema: target.SchemaName(),
		Alias:  alias,
		Source: pseudo,
	}, on)

	offset := len(qc.sel.Projection)
	for _, p := range target.HierarchyProperties() {
		qc.sel.AppendProjection(&sqlexpr.Column{Table: alias, Name: p.Column, Kind: p.Kind, Nullable: true})
	}
	ent := shaper.NewEntityShaper(target, offset)
	qc.fixups = append(qc.fixups, func(ex *execution, sc *scope) error {
		v, err := ent.Shape(ex.shaping, sc.row)
		if err != nil {
			return fmt.Errorf("shape include %s: %w", n.path, err)
		}
		child, _ := v.(*shaper.Entity)
		sc.items[pseudo] = v
		ov, _ := sc.lookup(owner)
		o, _ := ov.(*shaper.Entity)
		if o == nil || !nav.DeclaringType.IsAssignableFrom(o.EntityType()) {
			return nil
		}
		o.SetReference(nav.Name, child)
		fixInverse(nav, o, child)
		return nil
	})
	n.joined = true
	return pseudo, nil
}

// fixInverse points the inverse navigation of nav on child back at owner.
func fixInverse(nav *catalog.Navigation, owner, child *shaper.Entity) {
	if child == nil || nav.Inverse == "" {
		return
	}
	inv := child.EntityType().FindNavigationInHierarchy(nav.Inverse)
	if inv == nil {
		return
	}
	if inv.IsCollection {
		child.AddToCollection(inv.Name, owner)
		return
	}
	child.SetReference(inv.Name, owner)
}

// loadIncludes loads the include tree for the entities among items.
func (ex *execution) loadIncludes(nodes []*includeNode, items []any) error {
	var owners []*shaper.Entity
	for _, item := range items {
		if e, ok := item.(*shaper.Entity); ok && e != nil {
			owners = append(owners, e)
		}
	}
	return ex.loadLevel(nodes, owners)
}

func (ex *execution) loadLevel(nodes []*includeNode, owners []*shaper.Entity) error {
	for _, n := range nodes {
		applicable := make([]*shaper.Entity, 0, len(owners))
		for _, o := range owners {
			if n.nav.DeclaringType.IsAssignableFrom(o.EntityType()) {
				applicable = append(applicable, o)
			}
		}
		if len(applicable) == 0 {
			continue
		}
		var children []*shaper.Entity
		if n.joined {
			children = loadedReferences(n.nav, applicable)
		} else {
			var err error
			if children, err = ex.loadNavigation(n, applicable); err != nil {
				return err
			}
		}
		if len(n.children) > 0 && len(children) > 0 {
			if err := ex.loadLevel(n.children, children); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadedReferences(nav *catalog.Navigation, owners []*shaper.Entity) []*shaper.Entity {
	seen := map[*shaper.Entity]bool{}
	var out []*shaper.Entity
	for _, o := range owners {
		v, _ := o.Navigation(nav.Name)
		if ref, ok := v.(*shaper.Entity); ok && ref != nil && !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	return out
}

// loadNavigation loads nav for owners with one query per batch of distinct
// owner keys, and fixes up both sides. It returns the loaded entities.
func (ex *execution) loadNavigation(n *includeNode, owners []*shaper.Entity) ([]*shaper.Entity, error) {
	nav := n.nav
	target := nav.TargetType()
	sourceProps := make([]*catalog.Property, len(nav.SourceProperties))
	targetProps := make([]*catalog.Property, len(nav.TargetProperties))
	for i := range nav.SourceProperties {
		sourceProps[i] = nav.DeclaringType.FindPropertyInHierarchy(nav.SourceProperties[i])
		targetProps[i] = target.FindPropertyInHierarchy(nav.TargetProperties[i])
		if sourceProps[i] == nil || targetProps[i] == nil {
			return nil, fmt.Errorf("%w: navigation %s has unmapped key properties", ErrInvalidOperation, n.path)
		}
	}

	byKey := map[shaper.Key][]*shaper.Entity{}
	var tuples [][]any
	for _, o := range owners {
		if nav.IsCollection {
			o.InitCollection(nav.Name)
		} else {
			o.SetReference(nav.Name, nil)
		}
		values, ok := keyValues(o, sourceProps)
		if !ok {
			continue
		}
		k := tupleKey(values)
		if _, seen := byKey[k]; !seen {
			tuples = append(tuples, values)
		}
		byKey[k] = append(byKey[k], o)
	}
	ex.metrics.RecordBatchParentCount(ex.ctx, int64(len(owners)), n.path)
	if len(tuples) == 0 {
		return nil, nil
	}

	chunks := chunkTuples(tuples, ex.plan.compiler.batchSize)
	ex.metrics.RecordBatchQueriesSaved(ex.ctx, batchQueriesSaved(len(tuples), len(chunks)), n.path)
	childShaper := shaper.NewEntityShaper(target, 0)
	var (
		loaded []*shaper.Entity
		rows   int64
	)
	for _, chunk := range chunks {
		sqlText, args, err := ex.batchQuery(target, targetProps, chunk)
		if err != nil {
			return nil, fmt.Errorf("build include query for %s: %w", n.path, err)
		}
		for row, err := range ex.query("include", n.path, sqlText, args) {
			if err != nil {
				return nil, err
			}
			rows++
			v, err := childShaper.Shape(ex.shaping, row)
			if err != nil {
				return nil, fmt.Errorf("shape include %s: %w", n.path, err)
			}
			child, _ := v.(*shaper.Entity)
			if child == nil {
				continue
			}
			values, ok := keyValues(child, targetProps)
			if !ok {
				continue
			}
			for _, o := range byKey[tupleKey(values)] {
				if nav.IsCollection {
					o.AddToCollection(nav.Name, child)
				} else {
					o.SetReference(nav.Name, child)
				}
				fixInverse(nav, o, child)
			}
			loaded = append(loaded, child)
		}
	}
	ex.metrics.RecordBatchResultRows(ex.ctx, rows, n.path)
	return loaded, nil
}

// batchQuery selects the target rows whose key matches one of tuples.
func (ex *execution) batchQuery(target *catalog.EntityType, keyProps []*catalog.Property, tuples [][]any) (string, []any, error) {
	d := ex.plan.compiler.dialect
	props := target.HierarchyProperties()
	columns := make([]string, len(props))
	for i, p := range props {
		columns[i] = d.QuoteIdentifier(p.Column)
	}
	builder := sq.Select(columns...).From(d.QuoteQualified(target.SchemaName(), target.TableName()))

	if len(keyProps) == 1 {
		flat := make([]any, len(tuples))
		for i, t := range tuples {
			flat[i] = t[0]
		}
		builder = builder.Where(sq.Eq{d.QuoteIdentifier(keyProps[0].Column): flat})
	} else {
		or := make(sq.Or, 0, len(tuples))
		for _, t := range tuples {
			eq := sq.Eq{}
			for i, p := range keyProps {
				eq[d.QuoteIdentifier(p.Column)] = t[i]
			}
			or = append(or, eq)
		}
		builder = builder.Where(or)
	}
	if disc := target.Discriminator(); disc != nil && target.InHierarchy() {
		var values []any
		for _, t := range target.ConcreteTypesInHierarchy() {
			values = append(values, t.DiscriminatorValue)
		}
		builder = builder.Where(sq.Eq{d.QuoteIdentifier(disc.Column): values})
	}
	return builder.PlaceholderFormat(d.Placeholder).ToSql()
}

// keyValues reads the key properties of e. Keys with a nil part match nothing.
func keyValues(e *shaper.Entity, props []*catalog.Property) ([]any, bool) {
	values := make([]any, len(props))
	for i, p := range props {
		v, _ := e.Value(p.Name)
		if v == nil {
			return nil, false
		}
		values[i] = normalize(v)
	}
	return values, true
}

func tupleKey(values []any) shaper.Key {
	parts := make([]any, len(values))
	for i, v := range values {
		parts[i] = valueKey(v)
	}
	return shaper.MakeKey(parts...)
}

func chunkTuples(values [][]any, max int) [][][]any {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][][]any{values}
	}
	chunks := make([][][]any, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := min(start+max, len(values))
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

// batchQueriesSaved compares one query per parent key with one per chunk.
func batchQueriesSaved(parentCount, chunkCount int) int64 {
	if parentCount <= 0 || chunkCount <= 0 {
		return 0
	}
	if saved := parentCount - chunkCount; saved > 0 {
		return int64(saved)
	}
	return 0
}
