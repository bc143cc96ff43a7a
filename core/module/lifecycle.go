package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/modhost/core/events"
)

// Resolve checks m's requirements. When they hold the module becomes RESOLVED;
// otherwise it stays INSTALLED and Unsatisfied reports what is missing. An
// unsatisfied module is not an error.
func (c *Catalog) Resolve(ctx context.Context, m *Module) error {
	return m.op.Write(func() error {
		_, err := c.resolveLocked(ctx, m)
		return err
	})
}

// resolveLocked must run under m.op. It reports whether the module is resolved.
func (c *Catalog) resolveLocked(ctx context.Context, m *Module) (bool, error) {
	switch m.State() {
	case Resolved, Starting, Active, Stopping:
		return true, nil
	case Uninstalled:
		return false, fmt.Errorf("resolve %s: %w: uninstalled", m, ErrIllegalState)
	}

	rev := m.Revision()
	missing, err := c.unsatisfied(rev)
	if err != nil {
		return false, fmt.Errorf("resolve %s: %w", m, err)
	}
	m.setUnsatisfied(missing)
	if len(missing) > 0 {
		c.logger.Debug().
			Str("module", m.String()).
			Int("unsatisfied", len(missing)).
			Msg("module requirements unsatisfied")
		c.publish(ctx, events.ModuleUnresolved, m, Installed, Installed, nil, map[string]any{"unsatisfied": requirementStrings(missing)})
		return false, nil
	}

	from, err := m.transition(Resolved)
	if err != nil {
		return false, err
	}
	c.logger.Info().Str("module", m.String()).Msg("module resolved")
	c.publish(ctx, events.ModuleResolved, m, from, Resolved, nil, nil)
	return true, nil
}

// Start activates m. An INSTALLED module is resolved first. If requirements do not
// hold, Start returns a *DependencyError and the module stays where it was; the
// module is remembered as wanting to run so dependency watching can start it later.
// A failing activator is rolled back and the module returns to RESOLVED.
func (c *Catalog) Start(ctx context.Context, m *Module) error {
	return m.op.Write(func() error {
		if m.State() == Uninstalled {
			return fmt.Errorf("start %s: %w: uninstalled", m, ErrIllegalState)
		}
		m.setWantActive(true)
		return c.startLocked(ctx, m)
	})
}

func (c *Catalog) startLocked(ctx context.Context, m *Module) error {
	switch m.State() {
	case Active, Starting:
		return nil
	case Stopping, Uninstalled:
		return fmt.Errorf("start %s: %w: %s", m, ErrIllegalState, m.State())
	}

	resolved, err := c.resolveLocked(ctx, m)
	if err != nil {
		return err
	}
	if !resolved {
		return &DependencyError{Module: m.String(), Unsatisfied: m.Unsatisfied()}
	}

	// Requirements may have vanished since resolution.
	rev := m.Revision()
	missing, err := c.unsatisfied(rev)
	if err != nil {
		return fmt.Errorf("start %s: %w", m, err)
	}
	m.setUnsatisfied(missing)
	if len(missing) > 0 {
		return &DependencyError{Module: m.String(), Unsatisfied: missing}
	}

	from, err := m.transition(Starting)
	if err != nil {
		return err
	}
	c.publish(ctx, events.ModuleStarting, m, from, Starting, nil, nil)

	mc := c.newContext(rev)
	rev.open()
	if err := guard(func() error { return rev.artifact.Activator.Activate(ctx, mc) }); err != nil {
		c.retract(rev)
		if _, terr := m.transition(Resolved); terr != nil {
			return errors.Join(err, terr)
		}
		m.setLastError(err)
		// A broken activator is not retried automatically; an explicit Start will.
		m.setWantActive(false)
		c.logger.Error().Err(err).Str("module", m.String()).Msg("module activation failed")
		c.publish(ctx, events.ModuleFailed, m, Starting, Resolved, err, nil)
		return fmt.Errorf("start %s: %w", m, err)
	}

	if _, err := m.transition(Active); err != nil {
		return err
	}
	m.setLastError(nil)
	c.logger.Info().
		Str("module", m.String()).
		Int("contributions", rev.Contributions()).
		Msg("module started")
	c.publish(ctx, events.ModuleStarted, m, Starting, Active, nil, nil)
	return nil
}

// Stop deactivates m and retracts its contributions newest first. Retraction is
// best effort: failures are logged and do not keep the module from reaching RESOLVED.
// Stopping a module that is not active does nothing.
func (c *Catalog) Stop(ctx context.Context, m *Module) error {
	return m.op.Write(func() error {
		m.setWantActive(false)
		return c.stopLocked(ctx, m, "requested")
	})
}

func (c *Catalog) stopLocked(ctx context.Context, m *Module, reason string) error {
	if m.State() != Active {
		return nil
	}
	// Stopping is not cancellable once begun.
	ctx = context.WithoutCancel(ctx)

	from, err := m.transition(Stopping)
	if err != nil {
		return err
	}
	c.publish(ctx, events.ModuleStopping, m, from, Stopping, nil, map[string]any{"reason": reason})

	rev := m.Revision()
	mc := c.newContext(rev)
	if err := guard(func() error { return rev.artifact.Activator.Deactivate(ctx, mc) }); err != nil {
		m.setLastError(err)
		c.logger.Error().Err(err).Str("module", m.String()).Msg("module deactivation failed")
	}
	failed := c.retract(rev)

	if _, err := m.transition(Resolved); err != nil {
		return err
	}
	c.logger.Info().
		Str("module", m.String()).
		Str("reason", reason).
		Int("failed_retractions", failed).
		Msg("module stopped")
	c.publish(ctx, events.ModuleStopped, m, Stopping, Resolved, nil, map[string]any{"reason": reason})
	return nil
}

// Refresh reloads m's artifact from its location and makes it the current revision.
// An active module is restarted on the new revision when its requirements hold and is
// otherwise left RESOLVED with Unsatisfied set. Any other module goes back to
// INSTALLED and is resolved again.
func (c *Catalog) Refresh(ctx context.Context, m *Module) error {
	return m.op.Write(func() error {
		if m.State() == Uninstalled {
			return fmt.Errorf("refresh %s: %w: uninstalled", m, ErrIllegalState)
		}

		art, reqs, err := c.load(ctx, m.location)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", m, err)
		}

		wasActive := m.State() == Active
		if wasActive {
			if err := c.stopLocked(ctx, m, "refresh"); err != nil {
				return err
			}
		}

		old := m.Revision()
		rev := m.newRevision(art, reqs, c.cfg.Clock.Now())
		c.logger.Info().
			Str("module", m.String()).
			Int("from_revision", old.id).
			Int("to_revision", rev.id).
			Msg("module refreshed")
		c.publish(ctx, events.ModuleRefreshed, m, m.State(), m.State(), nil, map[string]any{"previous_revision": old.id})

		if wasActive {
			missing, err := c.unsatisfied(rev)
			if err != nil {
				return fmt.Errorf("refresh %s: %w", m, err)
			}
			m.setUnsatisfied(missing)
			if len(missing) > 0 {
				c.publish(ctx, events.ModuleUnresolved, m, Resolved, Resolved, nil, map[string]any{"unsatisfied": requirementStrings(missing)})
				return nil
			}
			return c.startLocked(ctx, m)
		}

		if m.State() == Resolved {
			if _, err := m.transition(Installed); err != nil {
				return err
			}
		}
		_, err = c.resolveLocked(ctx, m)
		return err
	})
}

// Uninstall stops m if needed and removes it permanently. Failures while stopping are
// logged and never prevent removal. Afterwards lookups return ErrModuleNotFound.
func (c *Catalog) Uninstall(ctx context.Context, m *Module) error {
	err := m.op.Write(func() error {
		if m.State() == Uninstalled {
			return nil
		}
		m.setWantActive(false)
		if err := c.stopLocked(ctx, m, "uninstall"); err != nil {
			c.logger.Error().Err(err).Str("module", m.String()).Msg("stop during uninstall failed")
		}
		if rev := m.Revision(); rev != nil {
			c.retract(rev)
		}

		// The entry goes first: a failed removal leaves m short of UNINSTALLED, so a
		// later Uninstall retries it.
		if err := c.lock.Write(func() error {
			delete(c.modules, m.id)
			if c.byLocation[m.location] == m {
				delete(c.byLocation, m.location)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("uninstall %s: %w", m, err)
		}

		from, err := m.transition(Uninstalled)
		if err != nil {
			return err
		}

		c.logger.Info().Str("module", m.String()).Msg("module uninstalled")
		c.publish(context.WithoutCancel(ctx), events.ModuleUninstalled, m, from, Uninstalled, nil, nil)
		return nil
	})
	return err
}

// retract undoes a revision's contributions newest first, then sweeps anything still
// registered under the revision as owner. It returns the number of failures.
func (c *Catalog) retract(rev *Revision) int {
	var failed int
	for _, contrib := range rev.close() {
		if err := guard(contrib.retract); err != nil {
			failed++
			c.logger.Warn().
				Err(err).
				Str("owner", rev.OwnerName()).
				Str("kind", contrib.kind).
				Str("contribution", contrib.desc).
				Msg("retract contribution failed")
		}
	}

	if n, err := c.cfg.Capabilities.UnregisterAll(rev); err != nil {
		failed++
		c.logger.Warn().Err(err).Str("owner", rev.OwnerName()).Msg("sweep capabilities failed")
	} else if n > 0 {
		c.logger.Debug().Int("count", n).Str("owner", rev.OwnerName()).Msg("swept leftover capabilities")
	}
	if _, err := c.cfg.Endpoints.UnregisterAll(rev); err != nil {
		failed++
		c.logger.Warn().Err(err).Str("owner", rev.OwnerName()).Msg("sweep endpoints failed")
	}
	if _, err := c.cfg.Capabilities.RemoveListenersOwnedBy(rev); err != nil {
		failed++
		c.logger.Warn().Err(err).Str("owner", rev.OwnerName()).Msg("sweep listeners failed")
	}
	return failed
}

func requirementStrings(reqs []Requirement) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.String()
	}
	return out
}

// guard runs fn and turns a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
