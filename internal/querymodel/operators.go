package querymodel

import "relquery/internal/catalog"

// OperatorKind keys the result-operator dispatch tables.
type OperatorKind int

const (
	KindCount OperatorKind = iota
	KindLongCount
	KindSum
	KindMin
	KindMax
	KindAverage
	KindAny
	KindAll
	KindContains
	KindDistinct
	KindSkip
	KindTake
	KindFirst
	KindSingle
	KindLast
	KindGroupBy
	KindOfType
	KindDefaultIfEmpty
	KindInclude
	KindTracking
	KindFromSQL
)

var operatorNames = [...]string{
	KindCount:          "Count",
	KindLongCount:      "LongCount",
	KindSum:            "Sum",
	KindMin:            "Min",
	KindMax:            "Max",
	KindAverage:        "Average",
	KindAny:            "Any",
	KindAll:            "All",
	KindContains:       "Contains",
	KindDistinct:       "Distinct",
	KindSkip:           "Skip",
	KindTake:           "Take",
	KindFirst:          "First",
	KindSingle:         "Single",
	KindLast:           "Last",
	KindGroupBy:        "GroupBy",
	KindOfType:         "OfType",
	KindDefaultIfEmpty: "DefaultIfEmpty",
	KindInclude:        "Include",
	KindTracking:       "Tracking",
	KindFromSQL:        "FromSql",
}

func (k OperatorKind) String() string {
	if int(k) < len(operatorNames) {
		return operatorNames[k]
	}
	return "unknown"
}

// IsScalar reports whether the operator collapses the sequence to a single value.
func (k OperatorKind) IsScalar() bool {
	switch k {
	case KindCount, KindLongCount, KindSum, KindMin, KindMax, KindAverage,
		KindAny, KindAll, KindContains, KindFirst, KindSingle, KindLast:
		return true
	}
	return false
}

// ResultOperator transforms the element sequence produced by the select clause.
type ResultOperator interface {
	Kind() OperatorKind
}

type (
	Count     struct{}
	LongCount struct{}
	Sum       struct{}
	Min       struct{}
	Max       struct{}
	Average   struct{}
	Any       struct{}
	Distinct  struct{}

	// All holds when Predicate (written against ItemRef) holds for every element.
	All struct{ Predicate Expr }
	// Contains tests membership of Item.
	Contains struct{ Item Expr }
	Skip     struct{ Count Expr }
	Take     struct{ Count Expr }

	First  struct{ OrDefault bool }
	Single struct{ OrDefault bool }
	Last   struct{ OrDefault bool }

	// GroupBy groups elements by Key; Element (nil = the element itself) shapes group members.
	GroupBy struct {
		Key     Expr
		Element Expr
	}
	OfType         struct{ Type *catalog.EntityType }
	DefaultIfEmpty struct{}

	// Include requests eager loading of a navigation path of the result entities.
	Include struct{ Path []string }
	// Tracking switches identity resolution on or off for the query.
	Tracking struct{ Enabled bool }
	// FromSQL replaces the main entity set with raw SQL returning the entity's columns.
	FromSQL struct {
		SQL  string
		Args []Expr
	}
)

func (*Count) Kind() OperatorKind          { return KindCount }
func (*LongCount) Kind() OperatorKind      { return KindLongCount }
func (*Sum) Kind() OperatorKind            { return KindSum }
func (*Min) Kind() OperatorKind            { return KindMin }
func (*Max) Kind() OperatorKind            { return KindMax }
func (*Average) Kind() OperatorKind        { return KindAverage }
func (*Any) Kind() OperatorKind            { return KindAny }
func (*All) Kind() OperatorKind            { return KindAll }
func (*Contains) Kind() OperatorKind       { return KindContains }
func (*Distinct) Kind() OperatorKind       { return KindDistinct }
func (*Skip) Kind() OperatorKind           { return KindSkip }
func (*Take) Kind() OperatorKind           { return KindTake }
func (*First) Kind() OperatorKind          { return KindFirst }
func (*Single) Kind() OperatorKind         { return KindSingle }
func (*Last) Kind() OperatorKind           { return KindLast }
func (*GroupBy) Kind() OperatorKind        { return KindGroupBy }
func (*OfType) Kind() OperatorKind         { return KindOfType }
func (*DefaultIfEmpty) Kind() OperatorKind { return KindDefaultIfEmpty }
func (*Include) Kind() OperatorKind        { return KindInclude }
func (*Tracking) Kind() OperatorKind       { return KindTracking }
func (*FromSQL) Kind() OperatorKind        { return KindFromSQL }
