package module

import (
	"context"
	"fmt"

	"github.com/artpar/modhost/core/capability"
)

// unsatisfied returns the non-optional requirements of rev that the capability catalog
// cannot currently meet. Capabilities published by rev itself do not count.
func (c *Catalog) unsatisfied(rev *Revision) ([]Requirement, error) {
	var missing []Requirement
	for _, req := range rev.requirements {
		if req.Optional {
			continue
		}
		regs, err := c.cfg.Capabilities.FindAll(req.Type, req.filter)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", req.Requirement, err)
		}
		n := 0
		for _, reg := range regs {
			if reg.Owner() != capability.Owner(rev) {
				n++
			}
		}
		if n < req.MinCount {
			missing = append(missing, req.Requirement)
		}
	}
	return missing, nil
}

// watchDependencies subscribes to every capability change and starts the background
// reconciler.
func (c *Catalog) watchDependencies() error {
	c.kick = make(chan struct{}, 1)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	poke := func(*capability.Registration) { c.poke() }
	handle, err := c.cfg.Capabilities.AddListener(nil, capability.Wildcard, nil, capability.ListenerFuncs{
		OnRegistered:   poke,
		OnUnregistered: poke,
	})
	if err != nil {
		return fmt.Errorf("watch dependencies: %w", err)
	}
	c.depListener = handle

	go c.reconcileLoop()
	return nil
}

// poke schedules a reconcile pass; pending requests coalesce.
func (c *Catalog) poke() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Catalog) reconcileLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.kick:
			if err := c.Reconcile(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("dependency reconcile failed")
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Catalog) stopWatching() {
	if c.depListener == nil {
		return
	}
	if err := c.depListener.Remove(); err != nil {
		c.logger.Warn().Err(err).Msg("remove dependency listener")
	}
	close(c.stop)
	<-c.done
	c.depListener = nil
}

// SetAutoResolve turns background dependency reconciliation on or off. Turning it
// on schedules an immediate pass.
func (c *Catalog) SetAutoResolve(enabled bool) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	if enabled == (c.depListener != nil) {
		return nil
	}
	if !enabled {
		c.stopWatching()
		c.logger.Info().Msg("dependency auto resolve disabled")
		return nil
	}
	err := c.lock.Read(func() error {
		if c.closed {
			return ErrClosed
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.watchDependencies(); err != nil {
		return err
	}
	c.poke()
	c.logger.Info().Msg("dependency auto resolve enabled")
	return nil
}

// AutoResolve reports whether background reconciliation is running.
func (c *Catalog) AutoResolve() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return c.depListener != nil
}

// Reconcile brings every module in line with the current capabilities: INSTALLED
// modules are resolved, modules that want to run are started once their requirements
// hold, and ACTIVE modules whose requirements vanished are stopped but keep wanting to
// run. It is safe to call directly; background watching calls it on every change.
func (c *Catalog) Reconcile(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	// One module starting can satisfy another, so repeat until nothing changes.
	for pass := 0; pass < 16; pass++ {
		all, err := c.List()
		if err != nil {
			return err
		}
		changed := false
		for _, m := range all {
			moved, err := c.reconcileModule(ctx, m)
			if err != nil {
				c.logger.Warn().Err(err).Str("module", m.String()).Msg("reconcile module")
			}
			changed = changed || moved
		}
		if !changed {
			return nil
		}
	}
	return nil
}

func (c *Catalog) reconcileModule(ctx context.Context, m *Module) (bool, error) {
	var moved bool
	err := m.op.Write(func() error {
		before := m.State()
		switch before {
		case Installed:
			resolved, err := c.resolveLocked(ctx, m)
			if err != nil || !resolved {
				return err
			}
			moved = true
			if m.WantsActive() {
				return c.startLocked(ctx, m)
			}
		case Resolved:
			if !m.WantsActive() {
				return nil
			}
			missing, err := c.unsatisfied(m.Revision())
			if err != nil || len(missing) > 0 {
				return err
			}
			moved = true
			return c.startLocked(ctx, m)
		case Active:
			missing, err := c.unsatisfied(m.Revision())
			if err != nil || len(missing) == 0 {
				return err
			}
			m.setUnsatisfied(missing)
			moved = true
			c.logger.Warn().
				Str("module", m.String()).
				Strs("unsatisfied", requirementStrings(missing)).
				Msg("module lost a dependency")
			return c.stopLocked(ctx, m, "dependency lost")
		}
		return nil
	})
	return moved, err
}
