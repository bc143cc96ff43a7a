package endpoint

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/artpar/modhost/core/capability"
	"github.com/go-viper/mapstructure/v2"
)

// Resolver supplies a value for a parameter. Returning ok=false declines and lets the
// next resolver try; a non-nil error fails resolution of the whole call.
type Resolver interface {
	Resolve(p Parameter, values map[string]any) (v any, ok bool, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(p Parameter, values map[string]any) (any, bool, error)

func (f ResolverFunc) Resolve(p Parameter, values map[string]any) (any, bool, error) {
	return f(p, values)
}

// ByName resolves a parameter from the context value with the same name. Values of a
// different type are converted with weak typing, so "42" fills an int and a map fills
// a struct.
func ByName() Resolver {
	return ResolverFunc(func(p Parameter, values map[string]any) (any, bool, error) {
		raw, ok := values[p.Name]
		if !ok {
			return nil, false, nil
		}
		if raw == nil || reflect.TypeOf(raw).AssignableTo(p.Type) {
			return raw, true, nil
		}
		out := reflect.New(p.Type)
		if err := mapstructure.WeakDecode(raw, out.Interface()); err != nil {
			return nil, false, fmt.Errorf("convert %T to %s: %w", raw, p.Type, err)
		}
		return out.Elem().Interface(), true, nil
	})
}

// ByType resolves any parameter whose type the given value is assignable to. The first
// matching value wins.
func ByType(values ...any) Resolver {
	return ResolverFunc(func(p Parameter, _ map[string]any) (any, bool, error) {
		for _, v := range values {
			if v != nil && reflect.TypeOf(v).AssignableTo(p.Type) {
				return v, true, nil
			}
		}
		return nil, false, nil
	})
}

// Value resolves the parameter called name with a fixed value.
func Value(name string, v any) Resolver {
	return ResolverFunc(func(p Parameter, _ map[string]any) (any, bool, error) {
		if p.Name != name {
			return nil, false, nil
		}
		return v, true, nil
	})
}

// Capabilities resolves interface-typed parameters with the best capability of that
// type from the catalog. It declines when nothing is registered.
func Capabilities(c *capability.Catalog) Resolver {
	return ResolverFunc(func(p Parameter, _ map[string]any) (any, bool, error) {
		if p.Type.Kind() != reflect.Interface || p.Type.NumMethod() == 0 {
			return nil, false, nil
		}
		reg, err := c.Find(capability.TypeFor(p.Type), nil)
		if errors.Is(err, capability.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return reg.Instance(), true, nil
	})
}
