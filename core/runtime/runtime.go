// Package runtime assembles the host core: one Runtime per process owns the event bus,
// capability catalog, filter compiler, endpoint registry, interception pipeline and
// module catalog, and hands them to everything else through constructors.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/events"
	"github.com/artpar/modhost/core/filter"
	"github.com/artpar/modhost/core/intercept"
	"github.com/artpar/modhost/core/module"
	"github.com/artpar/modhost/core/syncx"
	"github.com/artpar/modhost/ports"
	"github.com/rs/zerolog"
)

// Observer receives failure signals from the core, typically a metrics collector.
type Observer interface {
	LockTimeout(name string, mode syncx.Mode)
	ListenerFailure(typ capability.Type, err error)
	InterceptorFailure(err *intercept.InterceptorError)
}

// Config configures the runtime.
type Config struct {
	// Loader resolves module locations to artifacts. Required.
	Loader module.Loader

	// Logger for the runtime and every catalog.
	Logger zerolog.Logger

	// LockTimeout bounds every catalog lock (default syncx.DefaultTimeout).
	LockTimeout time.Duration

	// AutoResolve reacts to capability changes in the background.
	AutoResolve bool

	// Clock stamps modules and revisions (default: system clock).
	Clock ports.Clock

	// Observer is optional.
	Observer Observer
}

// Runtime is the host core.
type Runtime struct {
	logger    zerolog.Logger
	bus       *events.Bus
	caps      *capability.Catalog
	filters   *filter.Compiler
	endpoints *endpoint.Registry
	pipeline  *intercept.Pipeline
	modules   *module.Catalog

	closeOnce sync.Once
	closeErr  error
}

// New builds a runtime. Nothing is installed yet.
func New(cfg Config) (*Runtime, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("runtime: loader is required")
	}

	var lockOpts []syncx.Option
	var onListener func(capability.Type, error)
	var onInterceptor func(*intercept.InterceptorError)
	if obs := cfg.Observer; obs != nil {
		lockOpts = append(lockOpts, syncx.WithTimeoutHook(obs.LockTimeout))
		onListener = obs.ListenerFailure
		onInterceptor = obs.InterceptorFailure
	}

	r := &Runtime{
		logger:  cfg.Logger.With().Str("component", "runtime").Logger(),
		bus:     events.NewBus(cfg.Logger),
		filters: filter.NewCompiler(),
	}
	r.caps = capability.NewCatalog(capability.Config{
		Logger:            cfg.Logger,
		LockTimeout:       cfg.LockTimeout,
		LockOptions:       lockOpts,
		OnListenerFailure: onListener,
	})
	r.endpoints = endpoint.NewRegistry(endpoint.RegistryConfig{
		Logger:      cfg.Logger,
		LockTimeout: cfg.LockTimeout,
		LockOptions: lockOpts,
	})

	pipeline, err := intercept.NewPipeline(intercept.Config{
		Catalog:   r.caps,
		Logger:    cfg.Logger,
		OnFailure: onInterceptor,
	})
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	r.pipeline = pipeline

	modules, err := module.NewCatalog(module.Config{
		Loader:       cfg.Loader,
		Filters:      r.filters,
		Capabilities: r.caps,
		Endpoints:    r.endpoints,
		Pipeline:     r.pipeline,
		Bus:          r.bus,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger,
		LockTimeout:  cfg.LockTimeout,
		LockOptions:  lockOpts,
		AutoResolve:  cfg.AutoResolve,
	})
	if err != nil {
		_ = pipeline.Close()
		return nil, fmt.Errorf("runtime: %w", err)
	}
	r.modules = modules
	return r, nil
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() zerolog.Logger { return r.logger }

// Bus returns the lifecycle event bus.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Capabilities returns the capability catalog.
func (r *Runtime) Capabilities() *capability.Catalog { return r.caps }

// Filters returns the shared filter compiler.
func (r *Runtime) Filters() *filter.Compiler { return r.filters }

// Endpoints returns the endpoint registry.
func (r *Runtime) Endpoints() *endpoint.Registry { return r.endpoints }

// Pipeline returns the interception pipeline.
func (r *Runtime) Pipeline() *intercept.Pipeline { return r.pipeline }

// Modules returns the module catalog.
func (r *Runtime) Modules() *module.Catalog { return r.modules }

// InstallAll installs every location and, when start is set, starts the new modules.
// A location that fails does not stop the others; the failures are joined. Modules
// whose dependencies are not yet available are not failures: they wait to be started
// by dependency reconciliation.
func (r *Runtime) InstallAll(ctx context.Context, locations []string, start bool) ([]*module.Module, error) {
	var (
		installed []*module.Module
		errs      []error
	)
	for _, loc := range locations {
		m, err := r.modules.Install(ctx, loc)
		if err != nil {
			r.logger.Error().Err(err).Str("location", loc).Msg("install failed")
			errs = append(errs, err)
			continue
		}
		installed = append(installed, m)
	}

	if start {
		for _, m := range installed {
			err := r.modules.Start(ctx, m)
			switch {
			case errors.Is(err, module.ErrDependencyUnsatisfied):
				r.logger.Info().Str("module", m.String()).Msg("module waiting for dependencies")
			case err != nil:
				errs = append(errs, err)
			}
		}
		// Starting one module can satisfy another installed earlier.
		if err := r.modules.Reconcile(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return installed, errors.Join(errs...)
}

// Close stops every module newest first and releases the pipeline. It is safe to call
// more than once.
func (r *Runtime) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		err := r.modules.Close(ctx)
		r.closeErr = errors.Join(err, r.pipeline.Close())
		r.logger.Info().Msg("runtime closed")
	})
	return r.closeErr
}
