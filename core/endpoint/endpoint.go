// Package endpoint registers callable functions and methods under marker values and
// invokes them with arguments resolved from a per-call context map.
//
// A marker is any value whose Go type classifies the endpoint, for example a
// Command{Name: "greet"} struct. Lookups are keyed by the marker type and return
// registrations ordered by rank (highest first) and then registration order.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"

	"github.com/artpar/modhost/core/intercept"
)

var (
	// ErrInvalidEndpoint is returned when a function or method cannot be used as an endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrUnresolvableArgument is matched by every *ArgumentError.
	ErrUnresolvableArgument = errors.New("unresolvable argument")

	// ErrInvalidTarget is returned when a method endpoint is invoked on a receiver of the
	// wrong type.
	ErrInvalidTarget = errors.New("invalid invocation target")

	// ErrEndpointPanic wraps a panic raised by the endpoint itself.
	ErrEndpointPanic = errors.New("endpoint panicked")
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// Parameter describes one declared argument.
type Parameter struct {
	Index int
	Name  string
	Type  reflect.Type
}

// IsContext reports whether the parameter receives the invocation context.
func (p Parameter) IsContext() bool { return p.Type == contextType }

func (p Parameter) String() string {
	return fmt.Sprintf("%s %s", p.Name, p.Type)
}

// Endpoint is a callable with named parameters.
type Endpoint struct {
	declaring string
	name      string
	fn        reflect.Value
	receiver  reflect.Type
	params    []Parameter
	hasValue  bool
	hasError  bool
	attrs     map[string]any
}

// New builds an endpoint from a function. paramNames name the parameters in order;
// unnamed ones become arg0, arg1, and so on. The function may return nothing, a value,
// an error, or a value and an error.
func New(declaring, name string, fn any, paramNames ...string) (*Endpoint, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %s.%s is not a function", ErrInvalidEndpoint, declaring, name)
	}
	return build(declaring, name, v, nil, paramNames)
}

// Method builds an endpoint from the named method of prototype's type. The receiver is
// supplied at invocation time.
func Method(prototype any, method string, paramNames ...string) (*Endpoint, error) {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return nil, fmt.Errorf("%w: nil prototype", ErrInvalidEndpoint)
	}
	m, ok := t.MethodByName(method)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no exported method %s", ErrInvalidEndpoint, t, method)
	}
	return build(t.String(), method, m.Func, t, paramNames)
}

func build(declaring, name string, fn reflect.Value, receiver reflect.Type, names []string) (*Endpoint, error) {
	ft := fn.Type()
	first := 0
	if receiver != nil {
		first = 1
	}

	declared := ft.NumIn() - first
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: %s.%s is variadic", ErrInvalidEndpoint, declaring, name)
	}
	if len(names) > declared {
		return nil, fmt.Errorf("%w: %s.%s has %d parameters, %d names given", ErrInvalidEndpoint, declaring, name, declared, len(names))
	}

	e := &Endpoint{
		declaring: declaring,
		name:      name,
		fn:        fn,
		receiver:  receiver,
		params:    make([]Parameter, declared),
		attrs:     map[string]any{},
	}
	for i := range declared {
		pname := fmt.Sprintf("arg%d", i)
		if i < len(names) && names[i] != "" {
			pname = names[i]
		}
		e.params[i] = Parameter{Index: i, Name: pname, Type: ft.In(i + first)}
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			e.hasError = true
		} else {
			e.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("%w: %s.%s second result must be error", ErrInvalidEndpoint, declaring, name)
		}
		e.hasValue, e.hasError = true, true
	default:
		return nil, fmt.Errorf("%w: %s.%s returns %d values", ErrInvalidEndpoint, declaring, name, ft.NumOut())
	}
	return e, nil
}

// WithAttributes sets the call site attributes interceptors see in InterestedIn.
func (e *Endpoint) WithAttributes(attrs map[string]any) *Endpoint {
	e.attrs = maps.Clone(attrs)
	if e.attrs == nil {
		e.attrs = map[string]any{}
	}
	return e
}

// Attributes returns a copy of the call site attributes.
func (e *Endpoint) Attributes() map[string]any { return maps.Clone(e.attrs) }

// Name returns the function or method name.
func (e *Endpoint) Name() string { return e.name }

// DeclaringType returns the name of the type the endpoint belongs to.
func (e *Endpoint) DeclaringType() string { return e.declaring }

// Parameters returns the declared parameters, receiver excluded.
func (e *Endpoint) Parameters() []Parameter {
	out := make([]Parameter, len(e.params))
	copy(out, e.params)
	return out
}

// IsMethod reports whether the endpoint needs a receiver.
func (e *Endpoint) IsMethod() bool { return e.receiver != nil }

// Site returns the interception call site.
func (e *Endpoint) Site() intercept.CallSite {
	return intercept.CallSite{Type: e.declaring, Method: e.name}
}

func (e *Endpoint) String() string { return e.declaring + "." + e.name }

// call runs the endpoint with fully prepared arguments.
func (e *Endpoint) call(ctx context.Context, target any, args []reflect.Value) (result any, err error) {
	in := make([]reflect.Value, 0, len(args)+1)
	if e.receiver != nil {
		rv := reflect.ValueOf(target)
		if !rv.IsValid() || !rv.Type().AssignableTo(e.receiver) {
			return nil, fmt.Errorf("%w: %s needs a %s receiver, got %T", ErrInvalidTarget, e, e.receiver, target)
		}
		in = append(in, rv)
	}
	for i, p := range e.params {
		if p.IsContext() {
			in = append(in, reflect.ValueOf(&ctx).Elem())
			continue
		}
		in = append(in, args[i])
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %s: %v", ErrEndpointPanic, e, r)
		}
	}()
	out := e.fn.Call(in)

	switch {
	case e.hasValue && e.hasError:
		return out[0].Interface(), asError(out[1])
	case e.hasValue:
		return out[0].Interface(), nil
	case e.hasError:
		return nil, asError(out[0])
	}
	return nil, nil
}

func asError(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}
