package capability

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/artpar/modhost/core/syncx"
	"github.com/rs/zerolog"
)

// Config configures a Catalog.
type Config struct {
	// Logger receives registration traces and listener failures.
	Logger zerolog.Logger

	// LockTimeout bounds every catalog lock acquisition (default syncx.DefaultTimeout).
	LockTimeout time.Duration

	// LockOptions are passed to the catalog lock, e.g. a timeout hook for metrics.
	LockOptions []syncx.Option

	// OnListenerFailure is called after a listener panic has been recovered and logged.
	OnListenerFailure func(typ Type, err error)
}

// Catalog is the capability registry.
//
// Lookups see the catalog either fully before or fully after any register/unregister.
// Listener callbacks run on the goroutine that changed the catalog, after its lock has
// been released; an independent lookup can therefore observe a change slightly before
// listeners hear about it.
type Catalog struct {
	lock      *syncx.RWLock
	logger    zerolog.Logger
	onFailure func(Type, error)

	seq       uint64
	byType    map[Type][]*Registration
	listeners []*listenerEntry
}

// NewCatalog creates an empty catalog.
func NewCatalog(cfg Config) *Catalog {
	return &Catalog{
		lock:      syncx.NewRWLock("capabilities", cfg.LockTimeout, cfg.LockOptions...),
		logger:    cfg.Logger.With().Str("component", "capabilities").Logger(),
		onFailure: cfg.OnListenerFailure,
		byType:    make(map[Type][]*Registration),
	}
}

// Register publishes instance under typ. The rank is read from props[RankKey].
func (c *Catalog) Register(owner Owner, typ Type, instance any, props Properties) (*Registration, error) {
	if typ == "" || typ == Wildcard {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}
	if instance == nil {
		return nil, ErrNilInstance
	}
	rank, err := ParseRank(props[RankKey])
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", typ, err)
	}

	reg := &Registration{
		catalog:  c,
		typ:      typ,
		props:    props.Clone(),
		rank:     rank,
		instance: instance,
		owner:    owner,
	}

	var targets []*listenerEntry
	err = c.lock.Write(func() error {
		c.seq++
		reg.id = c.seq
		list := c.byType[typ]
		i := sort.Search(len(list), func(i int) bool { return reg.before(list[i]) })
		c.byType[typ] = slices.Insert(list, i, reg)
		targets = c.listenersFor(typ)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", typ, err)
	}

	c.logger.Debug().
		Str("type", string(typ)).
		Uint64("id", reg.id).
		Int("rank", rank).
		Str("owner", ownerName(owner)).
		Msg("capability registered")

	c.dispatch(targets, reg, true)
	return reg, nil
}

func (c *Catalog) unregister(reg *Registration) error {
	var (
		targets []*listenerEntry
		removed bool
	)
	err := c.lock.Write(func() error {
		if reg.gone.Load() {
			return nil
		}
		c.remove(reg)
		removed = true
		targets = c.listenersFor(reg.typ)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unregister %s: %w", reg.typ, err)
	}
	if !removed {
		return nil
	}

	c.logger.Debug().
		Str("type", string(reg.typ)).
		Uint64("id", reg.id).
		Msg("capability unregistered")

	c.dispatch(targets, reg, false)
	return nil
}

// UnregisterAll removes every registration contributed by owner, newest first, and
// returns how many were removed.
func (c *Catalog) UnregisterAll(owner Owner) (int, error) {
	type removal struct {
		reg     *Registration
		targets []*listenerEntry
	}
	var removals []removal

	err := c.lock.Write(func() error {
		var owned []*Registration
		for _, list := range c.byType {
			for _, reg := range list {
				if reg.owner == owner {
					owned = append(owned, reg)
				}
			}
		}
		slices.SortFunc(owned, func(a, b *Registration) int {
			if a.id > b.id {
				return -1
			}
			return 1
		})
		for _, reg := range owned {
			c.remove(reg)
			removals = append(removals, removal{reg: reg, targets: c.listenersFor(reg.typ)})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unregister capabilities of %s: %w", ownerName(owner), err)
	}

	for _, r := range removals {
		c.dispatch(r.targets, r.reg, false)
	}
	return len(removals), nil
}

// remove must be called with the write lock held.
func (c *Catalog) remove(reg *Registration) {
	reg.gone.Store(true)
	list := c.byType[reg.typ]
	if i := slices.Index(list, reg); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(c.byType, reg.typ)
		return
	}
	c.byType[reg.typ] = list
}

// Find returns the best registration of typ matching filter.
func (c *Catalog) Find(typ Type, filter Filter) (*Registration, error) {
	all, err := c.FindAll(typ, filter)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, typ)
	}
	return all[0], nil
}

// FindAll returns every registration of typ matching filter in rank order. The
// Wildcard type searches all types.
func (c *Catalog) FindAll(typ Type, filter Filter) ([]*Registration, error) {
	snapshot, err := c.snapshot(typ)
	if err != nil {
		return nil, err
	}
	out := snapshot[:0]
	for _, reg := range snapshot {
		if filter.Match(reg.props) {
			out = append(out, reg)
		}
	}
	return out, nil
}

// Types returns the currently registered capability types, sorted by name.
func (c *Catalog) Types() ([]Type, error) {
	var types []Type
	err := c.lock.Read(func() error {
		for t := range c.byType {
			types = append(types, t)
		}
		return nil
	})
	slices.Sort(types)
	return types, err
}

// snapshot copies the ordered registrations for typ under the read lock.
func (c *Catalog) snapshot(typ Type) ([]*Registration, error) {
	var out []*Registration
	err := c.lock.Read(func() error {
		out = c.snapshotLocked(typ)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", typ, err)
	}
	return out, nil
}

func (c *Catalog) snapshotLocked(typ Type) []*Registration {
	if typ != Wildcard {
		return slices.Clone(c.byType[typ])
	}
	var out []*Registration
	for _, list := range c.byType {
		out = append(out, list...)
	}
	slices.SortFunc(out, func(a, b *Registration) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	return out
}
