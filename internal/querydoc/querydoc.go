// Package querydoc decodes YAML query documents into query models.
//
// A document names its main source, optional body clauses, a selector and a
// list of result operators:
//
//	from: {name: g, entity: Gear}
//	body:
//	  - where: {eq: [{member: g.Rank}, {const: 2}]}
//	  - orderby: [{expr: {member: g.Nickname}}]
//	select: {member: g.FullName}
//	operators: [{take: {const: 3}}]
//	parameters: {rank: 2}
//
// Expressions are single-key maps; see decodeExpr for the vocabulary.
package querydoc

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/sqltype"
)

// ErrInvalidDocument is returned for malformed query documents.
var ErrInvalidDocument = errors.New("invalid query document")

// Document is a decoded query document.
type Document struct {
	Query      *qm.QueryModel
	Parameters map[string]any
}

// LoadFile reads and decodes a query document.
func LoadFile(path string, cat *catalog.Catalog) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query document: %w", err)
	}
	return Parse(data, cat)
}

// Parse decodes a query document against a catalog.
func Parse(data []byte, cat *catalog.Catalog) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDocument)
	}
	d := &decoder{catalog: cat}
	body := root.Content[0]

	doc := &Document{}
	model, err := d.model(body, nil)
	if err != nil {
		return nil, err
	}
	doc.Query = model

	if params := mapValue(body, "parameters"); params != nil {
		var raw map[string]any
		if err := params.Decode(&raw); err != nil {
			return nil, invalid(params, "parameters: %v", err)
		}
		doc.Parameters = make(map[string]any, len(raw))
		for k, v := range raw {
			doc.Parameters[k] = normalize(v)
		}
	}
	return doc, nil
}

type decoder struct {
	catalog *catalog.Catalog
}

// scope resolves range variable names; nested queries chain to their parent.
type scope struct {
	parent  *scope
	sources map[string]qm.QuerySource
}

func (s *scope) declare(src qm.QuerySource) {
	s.sources[src.ItemName()] = src
}

func (s *scope) lookup(name string) (qm.QuerySource, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if src, ok := cur.sources[name]; ok {
			return src, true
		}
	}
	return nil, false
}

var modelKeys = map[string]bool{"from": true, "body": true, "select": true, "operators": true, "parameters": true}

func (d *decoder) model(n *yaml.Node, parent *scope) (*qm.QueryModel, error) {
	if n.Kind != yaml.MappingNode {
		return nil, invalid(n, "query must be a mapping")
	}
	for i := 0; i < len(n.Content); i += 2 {
		if key := n.Content[i].Value; !modelKeys[key] {
			return nil, invalid(n.Content[i], "unknown query key %q", key)
		}
	}
	sc := &scope{parent: parent, sources: map[string]qm.QuerySource{}}

	fromNode := mapValue(n, "from")
	if fromNode == nil {
		return nil, invalid(n, "query requires a from clause")
	}
	name, typ, source, err := d.source(fromNode, sc)
	if err != nil {
		return nil, err
	}
	main := &qm.MainFromClause{Name: name, Type: typ, From: source}
	sc.declare(main)
	m := &qm.QueryModel{MainFrom: main}

	if body := mapValue(n, "body"); body != nil {
		if body.Kind != yaml.SequenceNode {
			return nil, invalid(body, "body must be a list")
		}
		for _, item := range body.Content {
			clause, err := d.clause(item, sc)
			if err != nil {
				return nil, err
			}
			m.BodyClauses = append(m.BodyClauses, clause)
		}
	}

	selector := qm.Expr(qm.Ref(main))
	if sel := mapValue(n, "select"); sel != nil {
		if selector, err = d.expr(sel, sc); err != nil {
			return nil, err
		}
	}
	m.Select = &qm.SelectClause{Selector: selector}

	if ops := mapValue(n, "operators"); ops != nil {
		if ops.Kind != yaml.SequenceNode {
			return nil, invalid(ops, "operators must be a list")
		}
		for _, item := range ops.Content {
			op, err := d.operator(item, sc)
			if err != nil {
				return nil, err
			}
			m.ResultOperators = append(m.ResultOperators, op)
		}
	}
	return m, nil
}

// source decodes {name, entity} or {name, source: expr} or {name, query: model}.
func (d *decoder) source(n *yaml.Node, sc *scope) (string, *catalog.EntityType, qm.Expr, error) {
	if n.Kind != yaml.MappingNode {
		return "", nil, nil, invalid(n, "source must be a mapping")
	}
	nameNode := mapValue(n, "name")
	if nameNode == nil || nameNode.Value == "" {
		return "", nil, nil, invalid(n, "source requires a name")
	}
	if nameNode.Value == "it" {
		return "", nil, nil, invalid(nameNode, `"it" is reserved`)
	}
	switch {
	case mapValue(n, "entity") != nil:
		t, err := d.entityType(mapValue(n, "entity"))
		if err != nil {
			return "", nil, nil, err
		}
		return nameNode.Value, t, &qm.EntitySet{Type: t}, nil
	case mapValue(n, "query") != nil:
		sub, err := d.model(mapValue(n, "query"), sc)
		if err != nil {
			return "", nil, nil, err
		}
		return nameNode.Value, qm.ElementType(sub), &qm.SubQuery{Model: sub}, nil
	case mapValue(n, "source") != nil:
		e, err := d.expr(mapValue(n, "source"), sc)
		if err != nil {
			return "", nil, nil, err
		}
		var t *catalog.EntityType
		if nav, ok := qm.IsCollectionNavigation(e); ok {
			t = nav.TargetType()
		}
		return nameNode.Value, t, e, nil
	}
	return "", nil, nil, invalid(n, "source requires entity, query or source")
}

func (d *decoder) entityType(n *yaml.Node) (*catalog.EntityType, error) {
	t := d.catalog.FindEntityType(n.Value)
	if t == nil {
		return nil, invalid(n, "unknown entity type %q", n.Value)
	}
	return t, nil
}

func (d *decoder) clause(n *yaml.Node, sc *scope) (qm.BodyClause, error) {
	key, val, err := single(n)
	if err != nil {
		return nil, err
	}
	switch key {
	case "where":
		pred, err := d.expr(val, sc)
		if err != nil {
			return nil, err
		}
		return &qm.WhereClause{Predicate: pred}, nil
	case "orderby":
		if val.Kind != yaml.SequenceNode {
			return nil, invalid(val, "orderby must be a list")
		}
		clause := &qm.OrderByClause{}
		for _, o := range val.Content {
			exprNode := mapValue(o, "expr")
			if exprNode == nil {
				return nil, invalid(o, "ordering requires expr")
			}
			e, err := d.expr(exprNode, sc)
			if err != nil {
				return nil, err
			}
			desc := false
			if dn := mapValue(o, "desc"); dn != nil {
				if err := dn.Decode(&desc); err != nil {
					return nil, invalid(dn, "desc: %v", err)
				}
			}
			clause.Orderings = append(clause.Orderings, qm.Ordering{Expr: e, Descending: desc})
		}
		return clause, nil
	case "from":
		name, typ, source, err := d.source(val, sc)
		if err != nil {
			return nil, err
		}
		c := &qm.AdditionalFromClause{Name: name, Type: typ, From: source}
		sc.declare(c)
		return c, nil
	case "join":
		return d.join(val, sc)
	case "groupjoin":
		joinNode := mapValue(val, "join")
		nameNode := mapValue(val, "name")
		if joinNode == nil || nameNode == nil {
			return nil, invalid(val, "groupjoin requires name and join")
		}
		// The inner item is only visible inside the key selector.
		inner := &scope{parent: sc, sources: map[string]qm.QuerySource{}}
		j, err := d.join(joinNode, inner)
		if err != nil {
			return nil, err
		}
		gj := &qm.GroupJoinClause{Name: nameNode.Value, Join: j}
		sc.declare(gj)
		return gj, nil
	}
	return nil, invalid(n, "unknown clause %q", key)
}

func (d *decoder) join(n *yaml.Node, sc *scope) (*qm.JoinClause, error) {
	name, typ, inner, err := d.source(n, sc)
	if err != nil {
		return nil, err
	}
	outerNode, innerNode := mapValue(n, "outer_key"), mapValue(n, "inner_key")
	if outerNode == nil || innerNode == nil {
		return nil, invalid(n, "join requires outer_key and inner_key")
	}
	outerKey, err := d.expr(outerNode, sc)
	if err != nil {
		return nil, err
	}
	j := &qm.JoinClause{Name: name, Type: typ, Inner: inner, OuterKey: outerKey}
	sc.declare(j)
	if j.InnerKey, err = d.expr(innerNode, sc); err != nil {
		return nil, err
	}
	if left := mapValue(n, "left"); left != nil {
		if err := left.Decode(&j.LeftOuter); err != nil {
			return nil, invalid(left, "left: %v", err)
		}
	}
	return j, nil
}

func (d *decoder) operator(n *yaml.Node, sc *scope) (qm.ResultOperator, error) {
	if n.Kind == yaml.ScalarNode {
		return simpleOperator(n)
	}
	key, val, err := single(n)
	if err != nil {
		return nil, err
	}
	switch key {
	case "all":
		pred, err := d.expr(val, sc)
		if err != nil {
			return nil, err
		}
		return &qm.All{Predicate: pred}, nil
	case "contains":
		item, err := d.expr(val, sc)
		if err != nil {
			return nil, err
		}
		return &qm.Contains{Item: item}, nil
	case "skip", "take":
		count, err := d.expr(val, sc)
		if err != nil {
			return nil, err
		}
		if key == "skip" {
			return &qm.Skip{Count: count}, nil
		}
		return &qm.Take{Count: count}, nil
	case "first", "single", "last":
		var opts struct {
			OrDefault bool `yaml:"or_default"`
		}
		if err := val.Decode(&opts); err != nil {
			return nil, invalid(val, "%s: %v", key, err)
		}
		switch key {
		case "first":
			return &qm.First{OrDefault: opts.OrDefault}, nil
		case "single":
			return &qm.Single{OrDefault: opts.OrDefault}, nil
		}
		return &qm.Last{OrDefault: opts.OrDefault}, nil
	case "groupby":
		keyNode := mapValue(val, "key")
		if keyNode == nil {
			return nil, invalid(val, "groupby requires key")
		}
		op := &qm.GroupBy{}
		if op.Key, err = d.expr(keyNode, sc); err != nil {
			return nil, err
		}
		if el := mapValue(val, "element"); el != nil {
			if op.Element, err = d.expr(el, sc); err != nil {
				return nil, err
			}
		}
		return op, nil
	case "oftype":
		t, err := d.entityType(val)
		if err != nil {
			return nil, err
		}
		return &qm.OfType{Type: t}, nil
	case "include":
		if val.Value == "" {
			return nil, invalid(val, "include requires a navigation path")
		}
		return &qm.Include{Path: strings.Split(val.Value, ".")}, nil
	case "tracking":
		var enabled bool
		if err := val.Decode(&enabled); err != nil {
			return nil, invalid(val, "tracking: %v", err)
		}
		return &qm.Tracking{Enabled: enabled}, nil
	case "fromsql":
		sqlNode := mapValue(val, "sql")
		if sqlNode == nil {
			return nil, invalid(val, "fromsql requires sql")
		}
		op := &qm.FromSQL{SQL: sqlNode.Value}
		if args := mapValue(val, "args"); args != nil {
			for _, a := range args.Content {
				e, err := d.expr(a, sc)
				if err != nil {
					return nil, err
				}
				op.Args = append(op.Args, e)
			}
		}
		return op, nil
	}
	return nil, invalid(n, "unknown operator %q", key)
}

func simpleOperator(n *yaml.Node) (qm.ResultOperator, error) {
	switch n.Value {
	case "count":
		return &qm.Count{}, nil
	case "longcount":
		return &qm.LongCount{}, nil
	case "sum":
		return &qm.Sum{}, nil
	case "min":
		return &qm.Min{}, nil
	case "max":
		return &qm.Max{}, nil
	case "average":
		return &qm.Average{}, nil
	case "any":
		return &qm.Any{}, nil
	case "distinct":
		return &qm.Distinct{}, nil
	case "first":
		return &qm.First{}, nil
	case "single":
		return &qm.Single{}, nil
	case "last":
		return &qm.Last{}, nil
	case "defaultifempty":
		return &qm.DefaultIfEmpty{}, nil
	case "notracking":
		return &qm.Tracking{Enabled: false}, nil
	}
	return nil, invalid(n, "unknown operator %q", n.Value)
}

// expr decodes one expression. The vocabulary:
//
//	{ref: g}                          current item of source g
//	{member: g.Squad.Name}            member chain; "it" is the select output
//	{const: 2} {param: rank}          values
//	{eq: [a, b]} ... {coalesce: [a, b]}
//	{not: e} {neg: e} {convert: {kind: float, expr: e}}
//	{if: [test, then, else]}
//	{call: {method: StartsWith, target: e, args: [e]}}
//	{new: {Name: e, Rank: e}}         record; field order is kept
//	{query: {...}}                    sub-query
//	{is: {expr: e, type: Officer}}
//	{set: Gear}                       entity set
func (d *decoder) expr(n *yaml.Node, sc *scope) (qm.Expr, error) {
	key, val, err := single(n)
	if err != nil {
		return nil, err
	}
	if op, ok := qm.ParseBinaryOp(key); ok {
		if val.Kind != yaml.SequenceNode || len(val.Content) != 2 {
			return nil, invalid(val, "%s requires two operands", key)
		}
		left, err := d.expr(val.Content[0], sc)
		if err != nil {
			return nil, err
		}
		right, err := d.expr(val.Content[1], sc)
		if err != nil {
			return nil, err
		}
		return &qm.Binary{Op: op, Left: left, Right: right}, nil
	}

	switch key {
	case "ref":
		src, ok := sc.lookup(val.Value)
		if !ok {
			return nil, invalid(val, "unknown source %q", val.Value)
		}
		return qm.Ref(src), nil
	case "member":
		return d.member(val, sc)
	case "const":
		var v any
		if err := val.Decode(&v); err != nil {
			return nil, invalid(val, "const: %v", err)
		}
		return qm.Const(normalize(v)), nil
	case "param":
		return &qm.Parameter{Name: val.Value}, nil
	case "not", "neg":
		operand, err := d.expr(val, sc)
		if err != nil {
			return nil, err
		}
		if key == "not" {
			return qm.Not(operand), nil
		}
		return &qm.Unary{Op: qm.OpNegate, Operand: operand}, nil
	case "convert":
		kindNode, exprNode := mapValue(val, "kind"), mapValue(val, "expr")
		if kindNode == nil || exprNode == nil {
			return nil, invalid(val, "convert requires kind and expr")
		}
		kind, err := sqltype.ParseKind(kindNode.Value)
		if err != nil {
			return nil, invalid(kindNode, "%v", err)
		}
		operand, err := d.expr(exprNode, sc)
		if err != nil {
			return nil, err
		}
		return &qm.Unary{Op: qm.OpConvert, Operand: operand, Kind: kind}, nil
	case "if":
		if val.Kind != yaml.SequenceNode || len(val.Content) != 3 {
			return nil, invalid(val, "if requires test, then and else")
		}
		parts := make([]qm.Expr, 3)
		for i, c := range val.Content {
			if parts[i], err = d.expr(c, sc); err != nil {
				return nil, err
			}
		}
		return &qm.Conditional{Test: parts[0], IfTrue: parts[1], IfFalse: parts[2]}, nil
	case "call":
		return d.call(val, sc)
	case "new":
		if val.Kind != yaml.MappingNode {
			return nil, invalid(val, "new requires a mapping")
		}
		rec := &qm.New{}
		for i := 0; i < len(val.Content); i += 2 {
			fv, err := d.expr(val.Content[i+1], sc)
			if err != nil {
				return nil, err
			}
			rec.Fields = append(rec.Fields, qm.Field{Name: val.Content[i].Value, Value: fv})
		}
		return rec, nil
	case "query":
		sub, err := d.model(val, sc)
		if err != nil {
			return nil, err
		}
		return &qm.SubQuery{Model: sub}, nil
	case "is":
		exprNode, typeNode := mapValue(val, "expr"), mapValue(val, "type")
		if exprNode == nil || typeNode == nil {
			return nil, invalid(val, "is requires expr and type")
		}
		operand, err := d.expr(exprNode, sc)
		if err != nil {
			return nil, err
		}
		t, err := d.entityType(typeNode)
		if err != nil {
			return nil, err
		}
		return &qm.TypeIs{Operand: operand, Type: t}, nil
	case "set":
		t, err := d.entityType(val)
		if err != nil {
			return nil, err
		}
		return &qm.EntitySet{Type: t}, nil
	}
	return nil, invalid(n, "unknown expression %q", key)
}

func (d *decoder) member(n *yaml.Node, sc *scope) (qm.Expr, error) {
	parts := strings.Split(n.Value, ".")
	if len(parts) < 2 {
		return nil, invalid(n, "member %q must be source.member", n.Value)
	}
	var target qm.Expr
	if parts[0] == "it" {
		target = &qm.ItemRef{}
	} else {
		src, ok := sc.lookup(parts[0])
		if !ok {
			return nil, invalid(n, "unknown source %q", parts[0])
		}
		target = qm.Ref(src)
	}
	return qm.Prop(target, parts[1:]...), nil
}

func (d *decoder) call(n *yaml.Node, sc *scope) (qm.Expr, error) {
	methodNode, targetNode := mapValue(n, "method"), mapValue(n, "target")
	if methodNode == nil || targetNode == nil {
		return nil, invalid(n, "call requires method and target")
	}
	method, ok := qm.ParseMethod(methodNode.Value)
	if !ok {
		return nil, invalid(methodNode, "unknown method %q", methodNode.Value)
	}
	target, err := d.expr(targetNode, sc)
	if err != nil {
		return nil, err
	}
	c := &qm.Call{Method: method, Target: target}
	if args := mapValue(n, "args"); args != nil {
		for _, a := range args.Content {
			e, err := d.expr(a, sc)
			if err != nil {
				return nil, err
			}
			c.Args = append(c.Args, e)
		}
	}
	return c, nil
}

func single(n *yaml.Node) (string, *yaml.Node, error) {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return "", nil, invalid(n, "expected a single-key mapping")
	}
	return n.Content[0].Value, n.Content[1], nil
}

func mapValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// ParseValue decodes a parameter value given as text, such as a command line
// argument, the way document parameters are decoded. Scalars keep their
// YAML type; anything else stays a string.
func ParseValue(text string) any {
	var v any
	if err := yaml.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	switch v.(type) {
	case nil:
		if strings.TrimSpace(text) == "null" || strings.TrimSpace(text) == "~" {
			return nil
		}
		return text
	case map[string]any:
		return text
	}
	return normalize(v)
}

// normalize widens YAML integers to int64 so constants compare like column values.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

func invalid(n *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("%w: line %d: %s", ErrInvalidDocument, n.Line, fmt.Sprintf(format, args...))
}
