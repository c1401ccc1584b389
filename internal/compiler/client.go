package compiler

import (
	"fmt"
	"iter"
	"slices"

	"relquery/internal/catalog"
	qm "relquery/internal/querymodel"
	"relquery/internal/shaper"
)

type scopeSeq = iter.Seq2[*scope, error]

func filterStage(pred qm.Expr) stage {
	return func(ex *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				v, err := ex.eval(pred, sc, nil)
				if err != nil {
					yield(nil, err)
					return
				}
				if ok, _ := v.(bool); ok && !yield(sc, nil) {
					return
				}
			}
		}
	}
}

func orderStage(orderings []qm.Ordering) stage {
	return func(ex *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			type keyed struct {
				sc   *scope
				keys []any
			}
			var rows []keyed
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				keys := make([]any, len(orderings))
				for i, o := range orderings {
					v, err := ex.eval(o.Expr, sc, nil)
					if err != nil {
						yield(nil, err)
						return
					}
					keys[i] = v
				}
				rows = append(rows, keyed{sc: sc, keys: keys})
			}
			slices.SortStableFunc(rows, func(a, b keyed) int {
				for i, o := range orderings {
					c := compareValues(a.keys[i], b.keys[i])
					if o.Descending {
						c = -c
					}
					if c != 0 {
						return c
					}
				}
				return 0
			})
			for _, r := range rows {
				if !yield(r.sc, nil) {
					return
				}
			}
		}
	}
}

func selectManyStage(src qm.QuerySource, items sequenceFunc) stage {
	return func(ex *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				for item, err := range items(ex, sc) {
					if err != nil {
						yield(nil, err)
						return
					}
					if !yield(sc.with(src, item), nil) {
						return
					}
				}
			}
		}
	}
}

// joinLookup indexes inner items by join key, keeping inner order.
type joinLookup map[shaper.Key][]any

func buildLookup(ex *execution, j *qm.JoinClause, items iterSeq, sc *scope) (joinLookup, error) {
	lookup := joinLookup{}
	for item, err := range items {
		if err != nil {
			return nil, err
		}
		key, ok, err := ex.joinKey(j.InnerKey, sc.with(j, item))
		if err != nil {
			return nil, err
		}
		if ok {
			lookup[key] = append(lookup[key], item)
		}
	}
	return lookup, nil
}

// joinKey evaluates a join key. Keys with a nil part never match.
func (ex *execution) joinKey(e qm.Expr, sc *scope) (shaper.Key, bool, error) {
	parts := keyParts(e)
	values := make([]any, len(parts))
	for i, p := range parts {
		v, err := ex.eval(p, sc, nil)
		if err != nil {
			return "", false, err
		}
		if isNil(v) {
			return "", false, nil
		}
		values[i] = valueKey(v)
	}
	return shaper.MakeKey(values...), true, nil
}

func joinStage(j *qm.JoinClause, inner sequenceFunc, correlated bool) stage {
	return func(ex *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			var lookup joinLookup
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if lookup == nil || correlated {
					if lookup, err = buildLookup(ex, j, inner(ex, sc), sc); err != nil {
						yield(nil, err)
						return
					}
				}
				key, ok, err := ex.joinKey(j.OuterKey, sc)
				if err != nil {
					yield(nil, err)
					return
				}
				var matches []any
				if ok {
					matches = lookup[key]
				}
				if len(matches) == 0 && j.LeftOuter {
					if !yield(sc.with(j, nil), nil) {
						return
					}
					continue
				}
				for _, m := range matches {
					if !yield(sc.with(j, m), nil) {
						return
					}
				}
			}
		}
	}
}

func groupJoinStage(gj *qm.GroupJoinClause, j *qm.JoinClause, inner sequenceFunc, correlated bool) stage {
	return func(ex *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			var lookup joinLookup
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if lookup == nil || correlated {
					if lookup, err = buildLookup(ex, j, inner(ex, sc), sc); err != nil {
						yield(nil, err)
						return
					}
				}
				key, ok, err := ex.joinKey(j.OuterKey, sc)
				if err != nil {
					yield(nil, err)
					return
				}
				items := []any{}
				if ok {
					items = append(items, lookup[key]...)
				}
				if !yield(sc.with(gj, items), nil) {
					return
				}
			}
		}
	}
}

// groupJoinCollapse folds the adjacent rows of a LEFT JOIN that share the
// same outer items into one scope holding the inner items as a group.
func groupJoinCollapse(gj *qm.GroupJoinClause, j *qm.JoinClause, outer []qm.QuerySource) stage {
	return func(_ *execution, in scopeSeq) scopeSeq {
		return func(yield func(*scope, error) bool) {
			var (
				cur   *scope
				key   shaper.Key
				items []any
			)
			flush := func() bool {
				if cur == nil {
					return true
				}
				return yield(cur.with(gj, items).without(j), nil)
			}
			for sc, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				k := scopeKey(sc, outer)
				if cur == nil || k != key {
					if !flush() {
						return
					}
					cur, key, items = sc, k, []any{}
				}
				if v, _ := sc.lookup(j); v != nil {
					items = append(items, v)
				}
			}
			flush()
		}
	}
}

func scopeKey(sc *scope, sources []qm.QuerySource) shaper.Key {
	values := make([]any, len(sources))
	for i, src := range sources {
		v, _ := sc.lookup(src)
		values[i] = valueKey(v)
	}
	return shaper.MakeKey(values...)
}

// Result operators evaluated on the client.

func collectOp(fn func(ex *execution, outer *scope, items []any) (any, error)) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			items, err := collect(in)
			if err != nil {
				yield(nil, err)
				return
			}
			v, err := fn(ex, outer, items)
			yield(v, err)
		}
	}
}

func countOp() clientOp {
	return collectOp(func(_ *execution, _ *scope, items []any) (any, error) {
		return int64(len(items)), nil
	})
}

func sumOp() clientOp {
	return collectOp(func(_ *execution, _ *scope, items []any) (any, error) {
		var sum any = int64(0)
		for _, v := range items {
			if v == nil {
				continue
			}
			next, err := arithmetic(qm.OpAdd, sum, v)
			if err != nil {
				return nil, err
			}
			sum = next
		}
		return sum, nil
	})
}

// extremeOp is Min (sign -1) or Max (sign 1). Nil elements are skipped; an
// empty input yields nil.
func extremeOp(sign int) clientOp {
	return collectOp(func(_ *execution, _ *scope, items []any) (any, error) {
		var best any
		for _, v := range items {
			if v == nil {
				continue
			}
			if best == nil || compareValues(v, best)*sign > 0 {
				best = v
			}
		}
		return best, nil
	})
}

func averageOp() clientOp {
	return collectOp(func(_ *execution, _ *scope, items []any) (any, error) {
		var (
			sum float64
			n   int
		)
		for _, v := range items {
			if v == nil {
				continue
			}
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("%w: cannot average %T", ErrInvalidOperation, v)
			}
			sum += f
			n++
		}
		if n == 0 {
			return nil, nil
		}
		return sum / float64(n), nil
	})
}

func anyOp() clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			for _, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				yield(true, nil)
				return
			}
			yield(false, nil)
		}
	}
}

func allOp(pred qm.Expr) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			for item, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				v, err := ex.eval(pred, outer, item)
				if err != nil {
					yield(nil, err)
					return
				}
				if ok, _ := v.(bool); !ok {
					yield(false, nil)
					return
				}
			}
			yield(true, nil)
		}
	}
}

func containsOp(item qm.Expr) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			want, err := ex.eval(item, outer, nil)
			if err != nil {
				yield(nil, err)
				return
			}
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if equalValues(v, want) {
					yield(true, nil)
					return
				}
			}
			yield(false, nil)
		}
	}
}

func distinctOp() clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			seen := map[shaper.Key]bool{}
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				k := shaper.MakeKey(valueKey(v))
				if seen[k] {
					continue
				}
				seen[k] = true
				if !yield(v, nil) {
					return
				}
			}
		}
	}
}

func (ex *execution) count(e qm.Expr, outer *scope) (int, error) {
	v, err := ex.eval(e, outer, nil)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: paging count %v is not an integer", ErrInvalidOperation, v)
	}
	return int(n), nil
}

func skipOp(count qm.Expr) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			n, err := ex.count(count, outer)
			if err != nil {
				yield(nil, err)
				return
			}
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if n > 0 {
					n--
					continue
				}
				if !yield(v, nil) {
					return
				}
			}
		}
	}
}

func takeOp(count qm.Expr) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			n, err := ex.count(count, outer)
			if err != nil {
				yield(nil, err)
				return
			}
			if n <= 0 {
				return
			}
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(v, nil) {
					return
				}
				if n--; n == 0 {
					return
				}
			}
		}
	}
}

func firstOp(orDefault bool) clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			for v, err := range in {
				yield(v, err)
				return
			}
			if orDefault {
				yield(nil, nil)
				return
			}
			yield(nil, ErrNoElements)
		}
	}
}

func singleOp(orDefault bool) clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			var (
				found any
				n     int
			)
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				if n++; n > 1 {
					yield(nil, ErrMoreThanOneElement)
					return
				}
				found = v
			}
			switch {
			case n == 1:
				yield(found, nil)
			case orDefault:
				yield(nil, nil)
			default:
				yield(nil, ErrNoElements)
			}
		}
	}
}

func lastOp(orDefault bool) clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			var (
				last  any
				found bool
			)
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				last, found = v, true
			}
			switch {
			case found:
				yield(last, nil)
			case orDefault:
				yield(nil, nil)
			default:
				yield(nil, ErrNoElements)
			}
		}
	}
}

// groupByOp groups elements by key, in key order. Rows from SQL already
// arrive sorted by key; client input is sorted stably first so both paths
// produce the same groups in the same order.
func groupByOp(g *qm.GroupBy, sortInput bool) clientOp {
	return func(ex *execution, outer *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			type keyed struct {
				key, item any
			}
			var rows []keyed
			for item, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				k, err := ex.eval(g.Key, outer, item)
				if err != nil {
					yield(nil, err)
					return
				}
				rows = append(rows, keyed{key: k, item: item})
			}
			if sortInput {
				slices.SortStableFunc(rows, func(a, b keyed) int { return compareValues(a.key, b.key) })
			}
			var groups []*shaper.Grouping
			index := map[shaper.Key]*shaper.Grouping{}
			for _, r := range rows {
				element := r.item
				if g.Element != nil {
					v, err := ex.eval(g.Element, outer, r.item)
					if err != nil {
						yield(nil, err)
						return
					}
					element = v
				}
				k := shaper.MakeKey(valueKey(r.key))
				grp, ok := index[k]
				if !ok {
					grp = &shaper.Grouping{Key: r.key}
					index[k] = grp
					groups = append(groups, grp)
				}
				grp.Elements = append(grp.Elements, element)
			}
			for _, grp := range groups {
				if !yield(grp, nil) {
					return
				}
			}
		}
	}
}

func ofTypeOp(t *catalog.EntityType) clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			for v, err := range in {
				if err != nil {
					yield(nil, err)
					return
				}
				e, ok := v.(*shaper.Entity)
				if !ok || e == nil || !t.IsAssignableFrom(e.EntityType()) {
					continue
				}
				if !yield(v, nil) {
					return
				}
			}
		}
	}
}

func defaultIfEmptyOp() clientOp {
	return func(_ *execution, _ *scope, in iterSeq) iterSeq {
		return func(yield func(any, error) bool) {
			empty := true
			for v, err := range in {
				empty = false
				if !yield(v, err) || err != nil {
					return
				}
			}
			if empty {
				yield(nil, nil)
			}
		}
	}
}

func collect(in iterSeq) ([]any, error) {
	out := []any{}
	for v, err := range in {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
