package capability

import (
	"fmt"
	"sync/atomic"
)

// Registration is the handle for one published capability.
type Registration struct {
	catalog  *Catalog
	id       uint64
	typ      Type
	props    Properties
	rank     int
	instance any
	owner    Owner
	gone     atomic.Bool
}

// ID returns the catalog-wide registration sequence number.
func (r *Registration) ID() uint64 { return r.id }

// Type returns the capability type.
func (r *Registration) Type() Type { return r.typ }

// Rank returns the ordering rank; higher ranks are preferred.
func (r *Registration) Rank() int { return r.rank }

// Instance returns the published value.
func (r *Registration) Instance() any { return r.instance }

// Owner returns the contributor, or nil for process-wide registrations.
func (r *Registration) Owner() Owner { return r.owner }

// Properties returns a copy of the registration properties.
func (r *Registration) Properties() Properties { return r.props.Clone() }

// Property returns a single property value.
func (r *Registration) Property(key string) any { return r.props[key] }

// Active reports whether the registration is still in the catalog.
func (r *Registration) Active() bool { return !r.gone.Load() }

// Unregister removes the registration. Calling it again is a no-op.
func (r *Registration) Unregister() error {
	return r.catalog.unregister(r)
}

func (r *Registration) String() string {
	return fmt.Sprintf("%s#%d(rank=%d, owner=%s)", r.typ, r.id, r.rank, ownerName(r.owner))
}

// before reports whether r sorts ahead of o: higher rank first, then earlier registration.
func (r *Registration) before(o *Registration) bool {
	if r.rank != o.rank {
		return r.rank > o.rank
	}
	return r.id < o.id
}
