// Package intercept wraps endpoint calls with ranked before/after advice.
//
// Interceptors are published in the capability catalog under InterceptorType with a
// rank property. For each call, the interceptors interested in the call site run their
// Before hook in ascending rank order; the After or AfterError hooks of those whose
// Before ran are then called in the reverse order.
package intercept

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/modhost/core/capability"
)

// ErrInterceptorFailure is matched by every *InterceptorError.
var ErrInterceptorFailure = errors.New("interceptor failure")

// InterceptorType is the capability type interceptors are registered under.
var InterceptorType = capability.TypeOf[Interceptor]()

// Phase names an interceptor hook.
type Phase string

const (
	PhaseInterest   Phase = "interest"
	PhaseBefore     Phase = "before"
	PhaseAfter      Phase = "after"
	PhaseAfterError Phase = "after_error"
)

// InterceptorError reports an interceptor hook that failed or panicked. It aborts the
// rest of the chain.
type InterceptorError struct {
	Interceptor string
	Site        CallSite
	Phase       Phase
	Err         error
}

func (e *InterceptorError) Error() string {
	return fmt.Sprintf("interceptor %s failed in %s for %s: %v", e.Interceptor, e.Phase, e.Site, e.Err)
}

func (e *InterceptorError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInterceptorFailure) succeed.
func (e *InterceptorError) Is(target error) bool { return target == ErrInterceptorFailure }

// CallSite identifies an intercepted method.
type CallSite struct {
	Type   string
	Method string
}

func (s CallSite) String() string { return s.Type + "." + s.Method }

// Decision is the outcome of a Before hook.
type Decision struct {
	abort bool
	value any
}

// Continue lets the chain proceed.
func Continue() Decision { return Decision{} }

// Abort stops the chain; value becomes the call result.
func Abort(value any) Decision { return Decision{abort: true, value: value} }

// Aborted reports whether the decision short-circuits the call.
func (d Decision) Aborted() bool { return d.abort }

// Value returns the abort value.
func (d Decision) Value() any { return d.value }

// Interceptor is advice around endpoint calls.
//
// AfterError may swallow the error by returning a nil error (the returned value becomes
// the result) or rethrow by returning a non-nil error, usually the one it received.
// An error returned from Before or After is an interceptor failure.
//
// The answer of InterestedIn is cached per call site and site context contents until
// the set of interceptors changes, so it must depend on nothing else.
type Interceptor interface {
	InterestedIn(site CallSite, siteContext map[string]any) bool
	Before(inv *Invocation) (Decision, error)
	After(inv *Invocation, result any) (any, error)
	AfterError(inv *Invocation, err error) (any, error)
}

// Base implements Interceptor with pass-through hooks; embed it and override what you need.
type Base struct{}

func (Base) InterestedIn(CallSite, map[string]any) bool       { return true }
func (Base) Before(*Invocation) (Decision, error)             { return Continue(), nil }
func (Base) After(_ *Invocation, result any) (any, error)     { return result, nil }
func (Base) AfterError(_ *Invocation, err error) (any, error) { return nil, err }

// Register publishes ic in the catalog with the given rank.
func Register(c *capability.Catalog, owner capability.Owner, ic Interceptor, rank int, props capability.Properties) (*capability.Registration, error) {
	p := props.Clone()
	p[capability.RankKey] = rank
	return c.Register(owner, InterceptorType, ic, p)
}

// Invocation is the per-call state handed to hooks.
type Invocation struct {
	ctx         context.Context
	site        CallSite
	siteContext map[string]any
	target      any
	args        []any
	shared      map[string]any
	states      []map[string]any
	current     int
}

func newInvocation(ctx context.Context, site CallSite, siteContext map[string]any, target any, args []any, chainLen int) *Invocation {
	return &Invocation{
		ctx:         ctx,
		site:        site,
		siteContext: siteContext,
		target:      target,
		args:        args,
		shared:      make(map[string]any),
		states:      make([]map[string]any, chainLen),
	}
}

// Context returns the caller's context.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Site returns the intercepted call site.
func (inv *Invocation) Site() CallSite { return inv.site }

// SiteContext returns the call site's static context. Endpoint calls get their own
// copy, so writes stay local to the invocation.
func (inv *Invocation) SiteContext() map[string]any { return inv.siteContext }

// Target returns the receiver of the call, or nil for plain functions.
func (inv *Invocation) Target() any { return inv.target }

// Args returns the resolved call arguments.
func (inv *Invocation) Args() []any { return inv.args }

// Shared returns the map shared by all interceptors of this invocation.
func (inv *Invocation) Shared() map[string]any { return inv.shared }

// State returns the map private to the currently running interceptor for this
// invocation. Values stored in Before are visible in the same interceptor's After.
func (inv *Invocation) State() map[string]any {
	if inv.current < 0 || inv.current >= len(inv.states) {
		return nil
	}
	if inv.states[inv.current] == nil {
		inv.states[inv.current] = make(map[string]any)
	}
	return inv.states[inv.current]
}
