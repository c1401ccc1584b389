package compiler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidOperation reports a query the compiler cannot run at all, on
	// the server or on the client.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrNoElements is returned by First, Single and Last on an empty sequence.
	ErrNoElements = errors.New("sequence contains no elements")
	// ErrMoreThanOneElement is returned by Single when a second element exists.
	ErrMoreThanOneElement = errors.New("sequence contains more than one element")
)

// Phase is a step of one compilation. Phases advance one at a time.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseAnnotationsExtracted
	PhaseOptimized
	PhaseVisited
	PhaseShaped
	PhaseTracked
	PhaseFinalized
)

var phaseNames = [...]string{
	PhaseInitial:              "initial",
	PhaseAnnotationsExtracted: "annotations-extracted",
	PhaseOptimized:            "optimized",
	PhaseVisited:              "visited",
	PhaseShaped:               "shaped",
	PhaseTracked:              "tracked",
	PhaseFinalized:            "finalized",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

type phaseGuard struct {
	current Phase
}

func (g *phaseGuard) advance(to Phase) error {
	if to != g.current+1 {
		return fmt.Errorf("%w: cannot move from phase %s to %s", ErrInvalidOperation, g.current, to)
	}
	g.current = to
	return nil
}

// ClientFlags records which parts of a query model run on the client. Flags
// are only ever added.
type ClientFlags uint16

const (
	ClientFilter ClientFlags = 1 << iota
	ClientOrderBy
	ClientJoin
	ClientSelectMany
	ClientProjection
	ClientResultOperator
	// SingleColumnResultOperators limits later result operators to elements
	// whose SQL form is a single column.
	SingleColumnResultOperators

	// RequiresClientEval runs the whole model on the client.
	RequiresClientEval ClientFlags = 1<<iota - 1
)

// rowChanging are the flags after which SQL paging and aggregation no longer
// see the rows the client sees.
const rowChanging = ClientFilter | ClientOrderBy | ClientJoin | ClientSelectMany

var flagNames = []struct {
	flag ClientFlags
	name string
}{
	{ClientFilter, "filter"},
	{ClientOrderBy, "order-by"},
	{ClientJoin, "join"},
	{ClientSelectMany, "select-many"},
	{ClientProjection, "projection"},
	{ClientResultOperator, "result-operator"},
	{SingleColumnResultOperators, "single-column"},
}

// With returns f with other added.
func (f ClientFlags) With(other ClientFlags) ClientFlags {
	return f | other
}

// Has reports whether every flag of other is set.
func (f ClientFlags) Has(other ClientFlags) bool {
	return f&other == other
}

// Any reports whether some flag of other is set.
func (f ClientFlags) Any(other ClientFlags) bool {
	return f&other != 0
}

func (f ClientFlags) String() string {
	if f == 0 {
		return "none"
	}
	if f.Has(RequiresClientEval) {
		return "all"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}
