package sqlgen

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrMissingParameter is returned when binding a command whose parameter bag
// lacks a referenced name.
var ErrMissingParameter = errors.New("missing query parameter")

// ParamRef is a placeholder argument resolved from the parameter bag at execution.
type ParamRef struct {
	Name string
}

// Command is a rendered SQL statement. Args may contain ParamRef entries; call
// Bind before handing the arguments to a driver.
type Command struct {
	SQL  string
	Args []any
	// Parameters lists the bag entries the command reads, in first-use order.
	Parameters []string
	named      bool
}

// Bind resolves parameter references against values and returns driver arguments.
func (c Command) Bind(values map[string]any) ([]any, error) {
	args := make([]any, 0, len(c.Args)+len(c.Parameters))
	for _, a := range c.Args {
		ref, ok := a.(ParamRef)
		if !ok {
			args = append(args, a)
			continue
		}
		v, ok := values[ref.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, ref.Name)
		}
		args = append(args, v)
	}
	if c.named {
		for _, name := range c.Parameters {
			v, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
			}
			args = append(args, sql.Named(name, v))
		}
	}
	return args, nil
}
