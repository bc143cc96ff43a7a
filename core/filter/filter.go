// Package filter compiles property filter expressions into capability filters.
//
// Expressions are evaluated against a registration's property map, for example
//
//	env == "prod" && rank >= 5
//	region in ["eu", "us"]
//
// Properties that are not present evaluate to nil rather than failing. An expression
// that errors at evaluation time does not match.
package filter

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/artpar/modhost/core/capability"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Compiler turns expressions into filters and caches compiled programs by source.
type Compiler struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewCompiler creates a compiler with an empty cache.
func NewCompiler() *Compiler {
	return &Compiler{cache: make(map[string]*vm.Program)}
}

// Compile returns a filter for expression. A blank expression matches everything.
func (c *Compiler) Compile(expression string) (capability.Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	program, err := c.program(expression)
	if err != nil {
		return nil, err
	}

	return func(props capability.Properties) bool {
		env := map[string]any(props)
		if env == nil {
			env = map[string]any{}
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}, nil
}

// Validate reports whether expression compiles.
func (c *Compiler) Validate(expression string) error {
	_, err := c.Compile(expression)
	return err
}

func (c *Compiler) program(expression string) (*vm.Program, error) {
	c.mu.RLock()
	p, ok := c.cache[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}

	c.mu.Lock()
	c.cache[expression] = p
	c.mu.Unlock()
	return p, nil
}

// Equals returns a filter matching registrations whose properties contain every
// key/value pair in want.
func Equals(want capability.Properties) capability.Filter {
	if len(want) == 0 {
		return nil
	}
	want = want.Clone()
	return func(props capability.Properties) bool {
		for k, v := range want {
			got, ok := props[k]
			if !ok || !reflect.DeepEqual(got, v) {
				return false
			}
		}
		return true
	}
}

// And combines filters; nil entries are ignored.
func And(filters ...capability.Filter) capability.Filter {
	var active []capability.Filter
	for _, f := range filters {
		if f != nil {
			active = append(active, f)
		}
	}
	if len(active) == 0 {
		return nil
	}
	return func(props capability.Properties) bool {
		for _, f := range active {
			if !f(props) {
				return false
			}
		}
		return true
	}
}
