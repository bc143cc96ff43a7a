package capability

import (
	"fmt"
	"slices"
	"sync/atomic"
	"weak"

	"github.com/rs/zerolog"
)

// Listener receives registration changes for the capability types it subscribed to.
type Listener interface {
	Registered(reg *Registration)
	Unregistered(reg *Registration)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnRegistered   func(reg *Registration)
	OnUnregistered func(reg *Registration)
}

func (f ListenerFuncs) Registered(reg *Registration) {
	if f.OnRegistered != nil {
		f.OnRegistered(reg)
	}
}

func (f ListenerFuncs) Unregistered(reg *Registration) {
	if f.OnUnregistered != nil {
		f.OnUnregistered(reg)
	}
}

type listenerEntry struct {
	id      uint64
	owner   Owner
	typ     Type
	filter  Filter
	resolve func() Listener // nil result: weakly held listener was collected
	removed atomic.Bool
}

// ListenerHandle removes a listener from its catalog.
type ListenerHandle struct {
	catalog *Catalog
	entry   *listenerEntry
}

// Remove stops delivery to the listener. Calling it again is a no-op.
func (h *ListenerHandle) Remove() error {
	return h.catalog.removeListener(h.entry)
}

// AddListener subscribes l to changes of typ (or Wildcard) that satisfy filter. The
// catalog holds l strongly until the handle is removed or the owner's listeners are.
func (c *Catalog) AddListener(owner Owner, typ Type, filter Filter, l Listener) (*ListenerHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("add listener: nil listener")
	}
	return c.addListener(owner, typ, filter, func() Listener { return l }, nil)
}

// AddWeakListener subscribes l like AddListener but the catalog only holds a weak
// pointer to it. Once l becomes unreachable elsewhere, delivery stops and the entry is
// pruned on the next dispatch.
func AddWeakListener[T any, P interface {
	*T
	Listener
}](c *Catalog, owner Owner, typ Type, filter Filter, l P) (*ListenerHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("add weak listener: nil listener")
	}
	return c.addListener(owner, typ, filter, weakResolver[T, P](l), nil)
}

// weakResolver returns a resolve func that captures only a weak pointer to l.
func weakResolver[T any, P interface {
	*T
	Listener
}](l P) func() Listener {
	wp := weak.Make((*T)(l))
	return func() Listener {
		if p := wp.Value(); p != nil {
			return P(p)
		}
		return nil
	}
}

// addListener registers the entry and, under the same write lock, runs inLock so
// callers can snapshot the catalog consistently with the subscription.
func (c *Catalog) addListener(owner Owner, typ Type, filter Filter, resolve func() Listener, inLock func()) (*ListenerHandle, error) {
	if typ == "" {
		return nil, fmt.Errorf("add listener: %w: empty type", ErrInvalidType)
	}
	entry := &listenerEntry{owner: owner, typ: typ, filter: filter, resolve: resolve}
	err := c.lock.Write(func() error {
		c.seq++
		entry.id = c.seq
		c.listeners = slices.DeleteFunc(c.listeners, func(e *listenerEntry) bool {
			return e.resolve() == nil
		})
		c.listeners = append(c.listeners, entry)
		if inLock != nil {
			inLock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add listener for %s: %w", typ, err)
	}
	return &ListenerHandle{catalog: c, entry: entry}, nil
}

func (c *Catalog) removeListener(entry *listenerEntry) error {
	if entry.removed.Swap(true) {
		return nil
	}
	err := c.lock.Write(func() error {
		c.listeners = slices.DeleteFunc(c.listeners, func(e *listenerEntry) bool { return e == entry })
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove listener for %s: %w", entry.typ, err)
	}
	return nil
}

// RemoveListenersOwnedBy drops every listener contributed by owner.
func (c *Catalog) RemoveListenersOwnedBy(owner Owner) (int, error) {
	var n int
	err := c.lock.Write(func() error {
		c.listeners = slices.DeleteFunc(c.listeners, func(e *listenerEntry) bool {
			if e.owner == owner {
				e.removed.Store(true)
				n++
				return true
			}
			return false
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove listeners of %s: %w", ownerName(owner), err)
	}
	return n, nil
}

// ListenerCount returns the number of subscribed listeners, including weak entries not
// yet pruned.
func (c *Catalog) ListenerCount() int {
	var n int
	_ = c.lock.Read(func() error {
		n = len(c.listeners)
		return nil
	})
	return n
}

// listenersFor must be called with the lock held.
func (c *Catalog) listenersFor(typ Type) []*listenerEntry {
	var out []*listenerEntry
	for _, e := range c.listeners {
		if e.typ == typ || e.typ == Wildcard {
			out = append(out, e)
		}
	}
	return out
}

// dispatch delivers one change to the listeners captured while the lock was held.
func (c *Catalog) dispatch(targets []*listenerEntry, reg *Registration, registered bool) {
	var dead []*listenerEntry
	for _, e := range targets {
		if e.removed.Load() {
			continue
		}
		l := e.resolve()
		if l == nil {
			dead = append(dead, e)
			continue
		}
		if !e.filter.Match(reg.props) {
			continue
		}
		c.notify(l, reg, registered)
	}
	for _, e := range dead {
		if err := c.removeListener(e); err != nil {
			c.logger.Warn().Err(err).Msg("prune collected listener")
		}
	}
}

func (c *Catalog) notify(l Listener, reg *Registration, registered bool) {
	err := safeCall(func() {
		if registered {
			l.Registered(reg)
		} else {
			l.Unregistered(reg)
		}
	})
	if err == nil {
		return
	}
	c.logger.Error().
		Err(err).
		Str("type", string(reg.typ)).
		Uint64("id", reg.id).
		Bool("registered", registered).
		Msg("capability listener failed")
	if c.onFailure != nil {
		c.onFailure(reg.typ, err)
	}
}

// safeCall runs fn and converts a panic into an error.
func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

func logHandlerFailure(logger zerolog.Logger, typ Type, err error) {
	logger.Error().Err(err).Str("type", string(typ)).Msg("tracker handler failed")
}
