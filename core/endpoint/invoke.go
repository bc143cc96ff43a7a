package endpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/artpar/modhost/core/intercept"
)

// ArgumentError reports a parameter no resolver could supply, or one whose resolver failed.
type ArgumentError struct {
	Endpoint  string
	Parameter Parameter
	Err       error
}

func (e *ArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot resolve argument %s of %s: %v", e.Parameter, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("cannot resolve argument %s of %s", e.Parameter, e.Endpoint)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnresolvableArgument) succeed.
func (e *ArgumentError) Is(target error) bool { return target == ErrUnresolvableArgument }

// Invoker resolves arguments for one endpoint and runs it, optionally through an
// interception pipeline.
type Invoker struct {
	endpoint  *Endpoint
	pipeline  *intercept.Pipeline
	resolvers []Resolver
}

// NewInvoker creates an invoker. Resolvers are consulted in order for each parameter;
// pipeline may be nil.
func NewInvoker(ep *Endpoint, pipeline *intercept.Pipeline, resolvers ...Resolver) *Invoker {
	return &Invoker{endpoint: ep, pipeline: pipeline, resolvers: resolvers}
}

// Endpoint returns the endpoint this invoker calls.
func (i *Invoker) Endpoint() *Endpoint { return i.endpoint }

// Resolve builds every argument from values before anything is called. It fails with
// an *ArgumentError for the first parameter that cannot be supplied.
func (i *Invoker) Resolve(values map[string]any) (*Invocation, error) {
	args := make([]reflect.Value, len(i.endpoint.params))
	for idx, p := range i.endpoint.params {
		if p.IsContext() {
			continue
		}
		v, err := i.resolve(p, values)
		if err != nil {
			return nil, &ArgumentError{Endpoint: i.endpoint.String(), Parameter: p, Err: err}
		}
		args[idx] = v
	}
	return &Invocation{invoker: i, args: args}, nil
}

var errNoResolver = errors.New("no resolver supplied a value")

func (i *Invoker) resolve(p Parameter, values map[string]any) (reflect.Value, error) {
	for _, r := range i.resolvers {
		v, ok, err := r.Resolve(p, values)
		if err != nil {
			return reflect.Value{}, err
		}
		if !ok {
			continue
		}
		if v == nil {
			switch p.Type.Kind() {
			case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
				return reflect.Zero(p.Type), nil
			}
			return reflect.Value{}, fmt.Errorf("nil is not a valid %s", p.Type)
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(p.Type) {
			return reflect.Value{}, fmt.Errorf("resolved %T is not assignable to %s", v, p.Type)
		}
		return rv, nil
	}
	return reflect.Value{}, errNoResolver
}

// Invocation is a fully resolved call waiting to run.
type Invocation struct {
	invoker *Invoker
	args    []reflect.Value
}

// Args returns the resolved arguments; context parameters are reported as nil.
func (inv *Invocation) Args() []any {
	out := make([]any, len(inv.args))
	for i, a := range inv.args {
		if a.IsValid() {
			out[i] = a.Interface()
		}
	}
	return out
}

// Invoke runs the endpoint. target is the receiver for method endpoints and is ignored
// by plain functions. Errors returned by the endpoint come back unchanged.
func (inv *Invocation) Invoke(ctx context.Context, target any) (any, error) {
	ep := inv.invoker.endpoint
	call := func(ctx context.Context) (any, error) {
		return ep.call(ctx, target, inv.args)
	}
	if inv.invoker.pipeline == nil {
		return call(ctx)
	}
	return inv.invoker.pipeline.Invoke(ctx, ep.Site(), maps.Clone(ep.attrs), target, inv.Args(), call)
}

// Call resolves and invokes in one step.
func (i *Invoker) Call(ctx context.Context, target any, values map[string]any) (any, error) {
	inv, err := i.Resolve(values)
	if err != nil {
		return nil, err
	}
	return inv.Invoke(ctx, target)
}
