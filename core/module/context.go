package module

import (
	"fmt"
	"maps"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/intercept"
	"github.com/rs/zerolog"
)

// Context is handed to a module's activator. Everything registered through it is
// owned by the module's current revision and is retracted when the module stops.
type Context struct {
	catalog *Catalog
	rev     *Revision
	logger  zerolog.Logger
}

func (c *Catalog) newContext(rev *Revision) *Context {
	return &Context{
		catalog: c,
		rev:     rev,
		logger: c.cfg.Logger.With().
			Str("module", rev.artifact.Name).
			Int64("module_id", rev.module.id).
			Logger(),
	}
}

// Module returns the module being activated.
func (mc *Context) Module() *Module { return mc.rev.module }

// Revision returns the revision being activated.
func (mc *Context) Revision() *Revision { return mc.rev }

// Logger returns a logger tagged with the module.
func (mc *Context) Logger() zerolog.Logger { return mc.logger }

// Settings returns a copy of the artifact settings.
func (mc *Context) Settings() map[string]any { return maps.Clone(mc.rev.artifact.Settings) }

// Modules returns the module catalog.
func (mc *Context) Modules() *Catalog { return mc.catalog }

// Capabilities returns the capability catalog for lookups.
func (mc *Context) Capabilities() *capability.Catalog { return mc.catalog.cfg.Capabilities }

// Register publishes a capability owned by this revision.
func (mc *Context) Register(typ capability.Type, instance any, props capability.Properties) (*capability.Registration, error) {
	reg, err := mc.catalog.cfg.Capabilities.Register(mc.rev, typ, instance, props)
	if err != nil {
		return nil, err
	}
	if err := mc.rev.add(contribution{kind: "capability", desc: reg.String(), retract: reg.Unregister}); err != nil {
		_ = reg.Unregister()
		return nil, err
	}
	return reg, nil
}

// Provide publishes instance under TypeOf[T], owned by mc's revision.
func Provide[T any](mc *Context, instance T, props capability.Properties) (*capability.Registration, error) {
	return mc.Register(capability.TypeOf[T](), instance, props)
}

// Lookup returns the best capability of typ matching filter.
func (mc *Context) Lookup(typ capability.Type, filter capability.Filter) (*capability.Registration, error) {
	return mc.catalog.cfg.Capabilities.Find(typ, filter)
}

// Track starts a tracker owned by this revision. Strong trackers are stopped when the
// module stops. Weak trackers are not referenced by the module at all; the caller must
// keep them reachable, and their subscription is dropped when the module stops.
func (mc *Context) Track(typ capability.Type, filter capability.Filter, handler capability.Listener, opts ...capability.TrackerOption) (*capability.Tracker, error) {
	tr := capability.NewTracker(mc.catalog.cfg.Capabilities, mc.rev, typ, filter, opts...)
	if handler != nil {
		tr.AddEventHandler(handler)
	}
	if !tr.IsWeak() {
		if err := mc.rev.add(contribution{kind: "tracker", desc: string(typ), retract: tr.Stop}); err != nil {
			return nil, err
		}
	}
	if err := tr.Start(); err != nil {
		return nil, fmt.Errorf("track %s: %w", typ, err)
	}
	return tr, nil
}

// RegisterEndpoint adds ep under marker, owned by this revision.
func (mc *Context) RegisterEndpoint(marker any, ep *endpoint.Endpoint, rank int) (*endpoint.Registration, error) {
	reg, err := mc.catalog.cfg.Endpoints.Register(mc.rev, marker, ep, rank)
	if err != nil {
		return nil, err
	}
	if err := mc.rev.add(contribution{kind: "endpoint", desc: ep.String(), retract: reg.Unregister}); err != nil {
		_ = reg.Unregister()
		return nil, err
	}
	return reg, nil
}

// RegisterInterceptor publishes ic as an interceptor with rank, owned by this revision.
func (mc *Context) RegisterInterceptor(ic intercept.Interceptor, rank int, props capability.Properties) (*capability.Registration, error) {
	p := props.Clone()
	p[capability.RankKey] = rank
	return mc.Register(intercept.InterceptorType, ic, p)
}

// Invoker creates an invoker for ep that runs through the host's interception pipeline.
func (mc *Context) Invoker(ep *endpoint.Endpoint, resolvers ...endpoint.Resolver) *endpoint.Invoker {
	return endpoint.NewInvoker(ep, mc.catalog.cfg.Pipeline, resolvers...)
}

// OnStop registers fn to run when the module stops, in reverse order with the other
// contributions.
func (mc *Context) OnStop(name string, fn func() error) error {
	return mc.rev.add(contribution{kind: "hook", desc: name, retract: fn})
}
