// Package module implements the module catalog: installing artifacts, resolving their
// requirements against the capability catalog, and driving each module through
// INSTALLED, RESOLVED, STARTING, ACTIVE, STOPPING and UNINSTALLED.
//
// Activation code runs with no catalog lock held. Everything an activator registers
// through its Context belongs to the module's current revision and is retracted,
// newest first, when the module stops.
package module

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/artpar/modhost/core/capability"
	"github.com/artpar/modhost/core/endpoint"
	"github.com/artpar/modhost/core/events"
	"github.com/artpar/modhost/core/intercept"
	"github.com/artpar/modhost/core/syncx"
	"github.com/artpar/modhost/ports"
	"github.com/rs/zerolog"
)

// Config wires a Catalog to its collaborators.
type Config struct {
	Loader       Loader
	Filters      FilterCompiler
	Capabilities *capability.Catalog
	Endpoints    *endpoint.Registry
	Pipeline     *intercept.Pipeline
	Bus          *events.Bus
	Clock        ports.Clock
	Logger       zerolog.Logger

	// LockTimeout bounds catalog and per-module lock acquisition.
	LockTimeout time.Duration
	LockOptions []syncx.Option

	// AutoResolve re-evaluates modules in the background whenever capabilities come
	// or go: installed modules are resolved, modules stopped by a lost dependency are
	// restarted, and active modules whose requirements vanished are stopped.
	AutoResolve bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Catalog owns the installed modules.
type Catalog struct {
	cfg    Config
	logger zerolog.Logger
	lock   *syncx.RWLock

	nextID     int64
	modules    map[int64]*Module
	byLocation map[string]*Module
	closed     bool

	watchMu     sync.Mutex
	depListener *capability.ListenerHandle
	reconcileMu sync.Mutex
	kick        chan struct{}
	stop        chan struct{}
	done        chan struct{}
}

// NewCatalog creates a module catalog.
func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Loader == nil {
		return nil, errors.New("module catalog: loader is required")
	}
	if cfg.Capabilities == nil {
		return nil, errors.New("module catalog: capability catalog is required")
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = endpoint.NewRegistry(endpoint.RegistryConfig{
			Logger:      cfg.Logger,
			LockTimeout: cfg.LockTimeout,
			LockOptions: cfg.LockOptions,
		})
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	c := &Catalog{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "modules").Logger(),
		lock:       syncx.NewRWLock("modules", cfg.LockTimeout, cfg.LockOptions...),
		modules:    make(map[int64]*Module),
		byLocation: make(map[string]*Module),
	}

	if cfg.AutoResolve {
		if err := c.watchDependencies(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Capabilities returns the capability catalog modules publish into.
func (c *Catalog) Capabilities() *capability.Catalog { return c.cfg.Capabilities }

// Endpoints returns the endpoint registry modules publish into.
func (c *Catalog) Endpoints() *endpoint.Registry { return c.cfg.Endpoints }

// Pipeline returns the interception pipeline, or nil.
func (c *Catalog) Pipeline() *intercept.Pipeline { return c.cfg.Pipeline }

// Bus returns the lifecycle event bus.
func (c *Catalog) Bus() *events.Bus { return c.cfg.Bus }

// Install loads the artifact at location and adds it as an INSTALLED module. If a
// module from the same location is already installed, that module is returned.
func (c *Catalog) Install(ctx context.Context, location string) (*Module, error) {
	if m, err := c.GetByLocation(location); err == nil {
		return m, nil
	} else if !errors.Is(err, ErrModuleNotFound) {
		return nil, err
	}

	art, reqs, err := c.load(ctx, location)
	if err != nil {
		return nil, err
	}

	var (
		m       *Module
		existed bool
	)
	err = c.lock.Write(func() error {
		if c.closed {
			return ErrClosed
		}
		if prev, ok := c.byLocation[location]; ok {
			m, existed = prev, true
			return nil
		}
		c.nextID++
		m = &Module{
			id:          c.nextID,
			location:    location,
			installedAt: c.cfg.Clock.Now(),
			op:          syncx.NewRWLock(fmt.Sprintf("module-%d", c.nextID), c.cfg.LockTimeout, c.cfg.LockOptions...),
			state:       Installed,
		}
		m.newRevision(art, reqs, m.installedAt)
		c.modules[m.id] = m
		c.byLocation[location] = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", location, err)
	}
	if existed {
		return m, nil
	}

	c.logger.Info().
		Int64("module_id", m.id).
		Str("module", art.Name).
		Str("version", art.Version).
		Str("location", location).
		Msg("module installed")
	c.publish(ctx, events.ModuleInstalled, m, "", Installed, nil, nil)
	return m, nil
}

// load fetches and validates an artifact.
func (c *Catalog) load(ctx context.Context, location string) (*Artifact, []compiledRequirement, error) {
	art, err := c.cfg.Loader.Load(ctx, location)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", location, err)
	}
	if art != nil && art.Location == "" {
		art.Location = location
	}
	reqs, err := art.compile(c.cfg.Filters)
	if err != nil {
		return nil, nil, err
	}
	return art, reqs, nil
}

// Get returns the module with id.
func (c *Catalog) Get(id int64) (*Module, error) {
	var m *Module
	err := c.lock.Read(func() error {
		m = c.modules[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: id %d", ErrModuleNotFound, id)
	}
	return m, nil
}

// GetByLocation returns the module installed from location.
func (c *Catalog) GetByLocation(location string) (*Module, error) {
	var m *Module
	err := c.lock.Read(func() error {
		m = c.byLocation[location]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: location %s", ErrModuleNotFound, location)
	}
	return m, nil
}

// GetByName returns the installed module with the lowest id whose current revision
// has name.
func (c *Catalog) GetByName(name string) (*Module, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.Name() == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: name %s", ErrModuleNotFound, name)
}

// List returns the installed modules ordered by id.
func (c *Catalog) List() ([]*Module, error) {
	var out []*Module
	err := c.lock.Read(func() error {
		for _, m := range c.modules {
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Module) int { return int(a.id - b.id) })
	return out, nil
}

// Close stops every active module, newest first, and stops dependency watching.
// Further installs fail with ErrClosed.
func (c *Catalog) Close(ctx context.Context) error {
	err := c.lock.Write(func() error {
		if c.closed {
			return ErrClosed
		}
		c.closed = true
		return nil
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	c.watchMu.Lock()
	c.stopWatching()
	c.watchMu.Unlock()

	all, err := c.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range slices.Backward(all) {
		if err := c.Stop(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) publish(ctx context.Context, name string, m *Module, from, to State, err error, data map[string]any) {
	var rev int
	if r := m.Revision(); r != nil {
		rev = r.id
	}
	c.cfg.Bus.Publish(ctx, events.Event{
		Name:     name,
		ModuleID: m.id,
		Module:   m.Name(),
		Revision: rev,
		From:     string(from),
		To:       string(to),
		Err:      err,
		Data:     data,
		Time:     c.cfg.Clock.Now(),
	})
}
